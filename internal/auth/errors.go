package auth

import "errors"

// Service-level error taxonomy. Handlers map these onto fixed HTTP statuses:
// 401 for every credential problem, 409 for duplicates, 403 for role
// mismatches. Anything unmapped becomes a generic 500.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountLocked      = errors.New("account locked")
	ErrAccountDisabled    = errors.New("account disabled")

	ErrTokenMalformed = errors.New("token malformed")
	ErrTokenExpired   = errors.New("token expired")
	ErrTokenNotFound  = errors.New("refresh token not found")
	ErrTokenRevoked   = errors.New("refresh token revoked")

	ErrMissingEmail = errors.New("provider did not supply an email")

	ErrDuplicateUsername = errors.New("username already exists")
	ErrDuplicateEmail    = errors.New("email already exists")
	ErrPasswordMismatch  = errors.New("passwords do not match")
)
