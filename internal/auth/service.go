package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"learnhub-api/internal/user"
)

const defaultMaxLoginAttempts = 5

// UserStore is the narrow contract the orchestrator needs from the
// principal persistence layer.
type UserStore interface {
	GetByID(ctx context.Context, id int64) (user.User, error)
	GetByUsername(ctx context.Context, username string) (user.User, error)
	GetByEmail(ctx context.Context, email string) (user.User, error)
	GetByLogin(ctx context.Context, login string) (user.User, error)
	ExistsByUsername(ctx context.Context, username string) (bool, error)
	ExistsByEmail(ctx context.Context, email string) (bool, error)
	Create(ctx context.Context, u *user.User) error
	Update(ctx context.Context, u *user.User) error
	IncrementLoginAttempts(ctx context.Context, username string) error
	ResetLoginAttempts(ctx context.Context, username string) error
}

// AvatarStorage is the external object-storage collaborator for profile
// pictures. Image sources are data URIs or public URLs.
type AvatarStorage interface {
	UploadImage(ctx context.Context, imageSource string) (string, error)
	DeleteImage(ctx context.Context, imageURL string) error
}

// Credentials is the pair minted on a successful login.
type Credentials struct {
	AccessToken  string
	RefreshToken string
}

// Service orchestrates the session lifecycle: it composes the stateless
// signer, the stateful refresh token store and the user store, and owns
// none of the persistence itself.
type Service struct {
	users       UserStore
	tokens      TokenStore
	signer      *Signer
	avatars     AvatarStorage // nil when no storage is configured
	maxAttempts int
}

func NewService(users UserStore, tokens TokenStore, signer *Signer) *Service {
	return &Service{
		users:       users,
		tokens:      tokens,
		signer:      signer,
		maxAttempts: defaultMaxLoginAttempts,
	}
}

func (s *Service) WithAvatarStorage(avatars AvatarStorage) *Service {
	s.avatars = avatars
	return s
}

func (s *Service) WithMaxLoginAttempts(max int) *Service {
	if max > 0 {
		s.maxAttempts = max
	}
	return s
}

func (s *Service) Signer() *Signer { return s.signer }

type RegisterInput struct {
	Username        string
	Email           string
	Password        string
	ConfirmPassword string
	PhoneNumber     string
	Address         string
	Bio             string
	Roles           []string
	AvatarSource    string // optional data URI from the multipart upload
}

// Register creates a new active principal. Duplicate email or username is a
// conflict; a confirmation mismatch never reaches the hasher.
func (s *Service) Register(ctx context.Context, input RegisterInput) (user.User, error) {
	if exists, err := s.users.ExistsByEmail(ctx, input.Email); err != nil {
		return user.User{}, err
	} else if exists {
		return user.User{}, ErrDuplicateEmail
	}

	if input.Password != input.ConfirmPassword {
		return user.User{}, ErrPasswordMismatch
	}

	if exists, err := s.users.ExistsByUsername(ctx, input.Username); err != nil {
		return user.User{}, err
	} else if exists {
		return user.User{}, ErrDuplicateUsername
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(input.Password), bcrypt.DefaultCost)
	if err != nil {
		return user.User{}, fmt.Errorf("hash password: %w", err)
	}

	roles := input.Roles
	if len(roles) == 0 {
		roles = []string{user.DefaultRole}
	}

	u := user.User{
		Username:     input.Username,
		Email:        input.Email,
		PasswordHash: string(hash),
		PhoneNumber:  input.PhoneNumber,
		Address:      input.Address,
		Bio:          input.Bio,
		Status:       user.StatusActive,
		Roles:        roles,
	}

	if input.AvatarSource != "" && s.avatars != nil {
		url, err := s.avatars.UploadImage(ctx, input.AvatarSource)
		if err != nil {
			return user.User{}, fmt.Errorf("upload profile picture: %w", err)
		}
		u.AvatarURL = url
	}

	if err := s.users.Create(ctx, &u); err != nil {
		return user.User{}, err
	}

	return u, nil
}

// Login authenticates a username (or email) and password. Lockout and
// disabled status are checked before the password, matching how the
// reference system orders its account checks; a rejected password bumps
// the failed-login counter and success resets it. On success it mints the
// access credential and rotates the refresh credential.
func (s *Service) Login(ctx context.Context, login, password string) (user.User, Credentials, error) {
	login = strings.TrimSpace(login)
	if login == "" || password == "" {
		return user.User{}, Credentials{}, ErrInvalidCredentials
	}

	u, err := s.users.GetByLogin(ctx, login)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			return user.User{}, Credentials{}, ErrInvalidCredentials
		}
		return user.User{}, Credentials{}, err
	}

	if u.LoginAttempts >= s.maxAttempts {
		return user.User{}, Credentials{}, ErrAccountLocked
	}
	if !u.IsActive() {
		return user.User{}, Credentials{}, ErrAccountDisabled
	}

	if u.PasswordHash == "" ||
		bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		if err := s.users.IncrementLoginAttempts(ctx, u.Username); err != nil {
			return user.User{}, Credentials{}, err
		}
		return user.User{}, Credentials{}, ErrInvalidCredentials
	}

	if err := s.users.ResetLoginAttempts(ctx, u.Username); err != nil {
		return user.User{}, Credentials{}, err
	}
	u.LoginAttempts = 0

	creds, err := s.issueCredentials(ctx, u)
	if err != nil {
		return user.User{}, Credentials{}, err
	}

	return u, creds, nil
}

func (s *Service) issueCredentials(ctx context.Context, u user.User) (Credentials, error) {
	access, err := s.signer.Issue(u)
	if err != nil {
		return Credentials{}, fmt.Errorf("sign access token: %w", err)
	}

	refresh, err := s.tokens.Rotate(ctx, u.ID)
	if err != nil {
		return Credentials{}, err
	}

	return Credentials{AccessToken: access, RefreshToken: refresh}, nil
}

// Refresh validates the opaque refresh credential against the store and
// mints a replacement access token for the owning principal. The refresh
// credential itself is left untouched; it remains valid until its own
// expiry or an explicit revocation.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (user.User, string, error) {
	record, err := s.tokens.Validate(ctx, refreshToken)
	if err != nil {
		return user.User{}, "", err
	}

	u, err := s.users.GetByID(ctx, record.UserID)
	if err != nil {
		return user.User{}, "", err
	}

	access, err := s.signer.IssueSubjectToken(u.Username)
	if err != nil {
		return user.User{}, "", fmt.Errorf("sign access token: %w", err)
	}

	return u, access, nil
}

// Logout revokes the refresh credential if one was presented. Revocation
// is best effort and idempotent: a missing or already-revoked token still
// logs out cleanly.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	return s.tokens.Revoke(ctx, refreshToken)
}

type ProfileInput struct {
	Username     string
	PhoneNumber  *string
	Address      *string
	Bio          *string
	AvatarSource string
}

// UpdateProfile applies field-level patches to the bound principal.
// Username changes are checked for uniqueness; a new avatar replaces the
// old one in storage before the record is written.
func (s *Service) UpdateProfile(ctx context.Context, u user.User, input ProfileInput) (user.User, error) {
	if input.Username != "" && input.Username != u.Username {
		exists, err := s.users.ExistsByUsername(ctx, input.Username)
		if err != nil {
			return user.User{}, err
		}
		if exists {
			return user.User{}, ErrDuplicateUsername
		}
		u.Username = input.Username
	}
	if input.PhoneNumber != nil {
		u.PhoneNumber = *input.PhoneNumber
	}
	if input.Address != nil {
		u.Address = *input.Address
	}
	if input.Bio != nil {
		u.Bio = *input.Bio
	}

	if input.AvatarSource != "" && s.avatars != nil {
		if u.AvatarURL != "" {
			if err := s.avatars.DeleteImage(ctx, u.AvatarURL); err != nil {
				return user.User{}, fmt.Errorf("delete old profile picture: %w", err)
			}
		}
		url, err := s.avatars.UploadImage(ctx, input.AvatarSource)
		if err != nil {
			return user.User{}, fmt.Errorf("upload profile picture: %w", err)
		}
		u.AvatarURL = url
	}

	if err := s.users.Update(ctx, &u); err != nil {
		return user.User{}, err
	}

	return u, nil
}

// FederatedLogin bridges a third-party identity assertion into the local
// credential model: find the principal by the provider-supplied email or
// create a passwordless one, then run the normal login-success path.
func (s *Service) FederatedLogin(ctx context.Context, email string) (user.User, Credentials, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return user.User{}, Credentials{}, ErrMissingEmail
	}

	u, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, user.ErrNotFound) {
			return user.User{}, Credentials{}, err
		}
		u = user.User{
			Username: federatedUsername(email),
			Email:    email,
			Status:   user.StatusActive,
			Roles:    []string{user.DefaultRole},
		}
		if err := s.users.Create(ctx, &u); err != nil {
			return user.User{}, Credentials{}, err
		}
	}

	creds, err := s.issueCredentials(ctx, u)
	if err != nil {
		return user.User{}, Credentials{}, err
	}

	return u, creds, nil
}

// federatedUsername derives a username from the email local part, with a
// random suffix to dodge collisions.
func federatedUsername(email string) string {
	local := email
	if at := strings.Index(email, "@"); at > 0 {
		local = email[:at]
	}
	return local + "_" + uuid.NewString()[:6]
}
