package auth

import (
	"net/http"
	"strings"
)

// Resolver extracts an access credential from each request, verifies it and
// binds the owning principal to the request context. It never rejects a
// request itself: every failure leaves the request anonymous and lets the
// authorization policy decide.
type Resolver struct {
	signer       *Signer
	users        UserStore
	skipPrefixes []string
}

func NewResolver(signer *Signer, users UserStore, skipPrefixes ...string) *Resolver {
	return &Resolver{
		signer:       signer,
		users:        users,
		skipPrefixes: skipPrefixes,
	}
}

func (rv *Resolver) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, prefix := range rv.skipPrefixes {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}

		token := cookieValue(r, AccessTokenCookie)
		if token == "" {
			token = bearerToken(r)
		}
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}

		claims, err := rv.signer.Verify(token)
		if err != nil {
			// Malformed, forged or expired: proceed unauthenticated.
			next.ServeHTTP(w, r)
			return
		}

		// Reload the principal so role changes since issuance take effect.
		u, err := rv.users.GetByUsername(r.Context(), claims.Subject)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), u)))
	})
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
