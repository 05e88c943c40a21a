package user

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsActive(t *testing.T) {
	assert.True(t, User{Status: StatusActive}.IsActive())
	assert.False(t, User{Status: StatusDisabled}.IsActive())
	assert.False(t, User{}.IsActive())
}

func TestHasRole(t *testing.T) {
	u := User{Roles: []string{DefaultRole, AdminRole}}
	assert.True(t, u.HasRole(AdminRole))
	assert.True(t, u.HasRole(DefaultRole))
	assert.False(t, u.HasRole("MODERATOR"))
	assert.False(t, User{}.HasRole(DefaultRole))
}
