package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"learnhub-api/internal/user"
)

// Signer mints and verifies the short-lived access credentials. It is
// stateless: verification needs only the shared secret, never the database.
type Signer struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// Claims is the verified content of an access credential.
type Claims struct {
	Subject string
	UserID  int64
	Email   string
	Roles   []string
}

func NewSigner(secret string, accessTTL, refreshTTL time.Duration) *Signer {
	return &Signer{
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
	}
}

func (s *Signer) AccessTTL() time.Duration  { return s.accessTTL }
func (s *Signer) RefreshTTL() time.Duration { return s.refreshTTL }

// Issue signs a self-contained access token for the user: subject, numeric
// id, email and role list, valid for the access window from now.
func (s *Signer) Issue(u user.User) (string, error) {
	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"sub":   u.Username,
		"id":    u.ID,
		"email": u.Email,
		"roles": u.Roles,
		"iat":   now.Unix(),
		"exp":   now.Add(s.accessTTL).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// IssueSubjectToken signs a token carrying only the subject, valid for the
// refresh window. The refresh endpoint drops this into the access cookie
// instead of minting a full-claims token, so clients of that path must not
// rely on the embedded role list.
func (s *Signer) IssueSubjectToken(username string) (string, error) {
	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"sub": username,
		"iat": now.Unix(),
		"exp": now.Add(s.refreshTTL).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verify checks the signature and the expiry. An unparseable or forged
// token fails with ErrTokenMalformed; a well-formed token past its expiry
// fails with ErrTokenExpired. No side effects, no store access.
func (s *Signer) Verify(token string) (Claims, error) {
	mapClaims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, mapClaims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrTokenExpired
		}
		return Claims{}, ErrTokenMalformed
	}
	if !parsed.Valid {
		return Claims{}, ErrTokenMalformed
	}

	subject, _ := mapClaims["sub"].(string)
	if subject == "" {
		return Claims{}, ErrTokenMalformed
	}

	claims := Claims{Subject: subject}
	claims.Email, _ = mapClaims["email"].(string)
	if id, ok := mapClaims["id"].(float64); ok {
		claims.UserID = int64(id)
	}
	if rawRoles, ok := mapClaims["roles"].([]any); ok {
		for _, raw := range rawRoles {
			if role, ok := raw.(string); ok {
				claims.Roles = append(claims.Roles, role)
			}
		}
	}

	return claims, nil
}
