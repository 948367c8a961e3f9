package access

import (
	"sort"
	"strings"
)

// Permission is a capability string of the form "verb:resource".
type Permission string

const (
	PermAll Permission = "*"

	PermReadOwnCompensation   Permission = "read:own_compensation"
	PermWriteOwnCompensation  Permission = "write:own_compensation"
	PermReadOwnCallNotes      Permission = "read:own_call_notes"
	PermWriteOwnCallNotes     Permission = "write:own_call_notes"
	PermReadOwnTodos          Permission = "read:own_todos"
	PermWriteOwnTodos         Permission = "write:own_todos"
	PermReadOwnChats          Permission = "read:own_chats"
	PermWriteOwnChats         Permission = "write:own_chats"
	PermReadOwnIndustryMoves  Permission = "read:own_industry_moves"
	PermWriteOwnIndustryMoves Permission = "write:own_industry_moves"
	PermReadOwnProfile        Permission = "read:own_profile"
	PermWriteOwnProfile       Permission = "write:own_profile"
	PermReadOwnAuditLogs      Permission = "read:own_audit_logs"
	PermExportOwnData         Permission = "export:own_data"
	PermDeleteOwnData         Permission = "delete:own_data"
	PermReadAlerts            Permission = "read:alerts"
	PermWriteRevocations      Permission = "write:revocations"
)

var rolePermissions = map[Role][]Permission{
	RoleAdmin: {PermAll},
	RoleUser: {
		PermReadOwnCompensation, PermWriteOwnCompensation,
		PermReadOwnCallNotes, PermWriteOwnCallNotes,
		PermReadOwnTodos, PermWriteOwnTodos,
		PermReadOwnChats, PermWriteOwnChats,
		PermReadOwnIndustryMoves, PermWriteOwnIndustryMoves,
		PermReadOwnProfile, PermWriteOwnProfile,
		PermReadOwnAuditLogs,
		PermExportOwnData, PermDeleteOwnData,
	},
	RoleReadOnly: {
		PermReadOwnCompensation,
		PermReadOwnCallNotes,
		PermReadOwnTodos,
		PermReadOwnChats,
		PermReadOwnIndustryMoves,
		PermReadOwnProfile,
		PermReadOwnAuditLogs,
		PermExportOwnData,
	},
}

// PermissionsFor returns the sorted union of permissions granted by roles.
func PermissionsFor(roles []Role) []Permission {
	set := make(map[Permission]struct{})
	for _, r := range roles {
		for _, p := range rolePermissions[r] {
			set[p] = struct{}{}
		}
	}
	out := make([]Permission, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Grants reports whether granted covers required, honouring "*" and "prefix:*".
func Grants(granted []Permission, required Permission) bool {
	for _, g := range granted {
		if g.matches(required) {
			return true
		}
	}
	return false
}

func (p Permission) matches(required Permission) bool {
	if p == PermAll || p == required {
		return true
	}
	s := string(p)
	if strings.HasSuffix(s, ":*") {
		return strings.HasPrefix(string(required), strings.TrimSuffix(s, "*"))
	}
	return false
}
