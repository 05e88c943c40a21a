package auth

import (
	"net/http"
	"strings"

	"learnhub-api/internal/user"
)

// Requirement is what a route demands from the caller.
type Requirement int

const (
	Public Requirement = iota
	Authenticated
	RoleRequired
)

// Rule matches requests by path prefix and optional method. Rules are
// evaluated in registration order, first match wins.
type Rule struct {
	Prefix      string
	Method      string // empty matches any method
	Requirement Requirement
	Roles       []string // only for RoleRequired
}

// Decision is the outcome of evaluating the policy for one request.
type Decision int

const (
	Permit Decision = iota
	DenyUnauthenticated
	DenyForbidden
)

// Policy is the declarative route table. Paths that match no rule default
// to requiring authentication.
type Policy struct {
	rules []Rule
}

func NewPolicy(rules ...Rule) *Policy {
	return &Policy{rules: rules}
}

func (p *Policy) Decide(path, method string, principal user.User, authenticated bool) Decision {
	requirement, required := p.match(path, method)

	switch requirement {
	case Public:
		return Permit
	case Authenticated:
		if !authenticated {
			return DenyUnauthenticated
		}
		return Permit
	case RoleRequired:
		if !authenticated {
			return DenyUnauthenticated
		}
		for _, want := range required {
			if principal.HasRole(want) {
				return Permit
			}
		}
		return DenyForbidden
	}

	return DenyUnauthenticated
}

func (p *Policy) match(path, method string) (Requirement, []string) {
	for _, rule := range p.rules {
		if !strings.HasPrefix(path, rule.Prefix) {
			continue
		}
		if rule.Method != "" && rule.Method != method {
			continue
		}
		return rule.Requirement, rule.Roles
	}
	return Authenticated, nil
}

// Middleware enforces the policy against the principal the resolver bound
// to the context. Denials use the platform's fixed JSON envelope so clients
// can branch programmatically.
func (p *Policy) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, authenticated := PrincipalFrom(r.Context())

		switch p.Decide(r.URL.Path, r.Method, principal, authenticated) {
		case Permit:
			next.ServeHTTP(w, r)
		case DenyUnauthenticated:
			writeError(w, http.StatusUnauthorized, "Authentication required. Please login")
		case DenyForbidden:
			writeError(w, http.StatusForbidden, "Access denied. Insufficient privileges")
		}
	})
}
