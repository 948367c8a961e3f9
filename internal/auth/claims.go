// Package auth is the Token Service: it issues, validates, rotates and revokes
// access and refresh tokens, and holds the revocation set and lockouts.
package auth

import (
	"context"

	"github.com/golang-jwt/jwt/v5"

	"mawney.org/sentinel/internal/access"
)

const accessTokenType = "access"

// Claims represents JWT claims used across the service.
type Claims struct {
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	LineageID   string   `json:"sid"`
	TokenType   string   `json:"typ"`
	jwt.RegisteredClaims
}

// Identity converts validated claims for the access evaluator. Roles that no
// longer parse are dropped.
func (c *Claims) Identity() *access.Identity {
	if c == nil {
		return nil
	}
	roles := make([]access.Role, 0, len(c.Roles))
	for _, r := range c.Roles {
		if role, err := access.ParseRole(r); err == nil {
			roles = append(roles, role)
		}
	}
	return access.NewIdentity(c.Subject, roles)
}

type claimsContextKey struct{}

// ContextWithClaims attaches validated claims to the context.
func ContextWithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

// ClaimsFromContext extracts the validated claims from the context.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	if ctx == nil {
		return nil, false
	}
	v, ok := ctx.Value(claimsContextKey{}).(*Claims)
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}
