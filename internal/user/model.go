package user

import (
	"errors"
	"time"
)

const (
	StatusActive   = "ACTIVE"
	StatusDisabled = "DISABLED"

	DefaultRole = "USER"
	AdminRole   = "ADMIN"
)

var ErrNotFound = errors.New("user not found")

type User struct {
	ID            int64
	Username      string
	Email         string
	PasswordHash  string // empty for federated-only accounts
	PhoneNumber   string
	Address       string
	Bio           string
	AvatarURL     string
	LoginAttempts int
	Status        string
	Roles         []string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (u User) IsActive() bool {
	return u.Status == StatusActive
}

func (u User) HasRole(name string) bool {
	for _, role := range u.Roles {
		if role == name {
			return true
		}
	}
	return false
}
