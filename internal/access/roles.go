// Package access decides whether an authenticated identity may use a
// permission on a possibly owned resource.
package access

import (
	"fmt"
	"sort"
	"strings"

	"mawney.org/sentinel/internal/secerr"
)

// Role is one of a closed set of roles.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleUser     Role = "user"
	RoleReadOnly Role = "read-only"
)

// Roles lists every valid role.
var Roles = []Role{RoleAdmin, RoleUser, RoleReadOnly}

// ParseRole normalises s and rejects anything outside the enumeration.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleAdmin, RoleUser, RoleReadOnly:
		return r, nil
	default:
		return "", fmt.Errorf("%w: unknown role %q", secerr.ErrInvalidInput, s)
	}
}

// ParseRoles parses and deduplicates a role list. An empty result is an error.
func ParseRoles(in []string) ([]Role, error) {
	seen := make(map[Role]struct{}, len(in))
	out := make([]Role, 0, len(in))
	for _, s := range in {
		r, err := ParseRole(s)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: role set is empty", secerr.ErrInvalidInput)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Strings converts a role set for serialisation.
func Strings(roles []Role) []string {
	out := make([]string, len(roles))
	for i, r := range roles {
		out[i] = string(r)
	}
	return out
}
