package access

import (
	"context"
	"fmt"

	"mawney.org/sentinel/internal/audit"
	"mawney.org/sentinel/internal/secerr"
)

// Identity is the validated caller as seen by authorization.
type Identity struct {
	SubjectID   string
	Roles       []Role
	Permissions []Permission
}

// NewIdentity resolves the permission set for roles.
func NewIdentity(subjectID string, roles []Role) *Identity {
	return &Identity{SubjectID: subjectID, Roles: roles, Permissions: PermissionsFor(roles)}
}

// HasRole reports whether the identity carries r.
func (id *Identity) HasRole(r Role) bool {
	for _, have := range id.Roles {
		if have == r {
			return true
		}
	}
	return false
}

// Evaluator authorizes identities and audits every refusal.
type Evaluator struct {
	recorder audit.Recorder
}

func NewEvaluator(recorder audit.Recorder) *Evaluator {
	if recorder == nil {
		recorder = audit.Discard
	}
	return &Evaluator{recorder: recorder}
}

// Authorize allows id to use perm on a resource owned by ownerID. An empty
// ownerID means the resource is not ownership-scoped. The role check runs
// before the ownership check.
func (e *Evaluator) Authorize(ctx context.Context, id *Identity, ownerID string, perm Permission) error {
	if id == nil || id.SubjectID == "" {
		e.recorder.Record(ctx, audit.Event{
			Type:    audit.TypeAuthentication,
			Outcome: audit.OutcomeFailure,
			Details: map[string]any{"reason": "missing_claims", "permission": string(perm)},
		})
		return secerr.ErrAuthentication
	}

	// Permissions carried in the token are re-derived from roles so a forged or
	// stale permission list cannot widen access.
	granted := PermissionsFor(id.Roles)
	if Grants(granted, PermAll) {
		return nil
	}
	if !Grants(granted, perm) {
		return e.deny(ctx, id, ownerID, perm, "permission")
	}
	if ownerID != "" && ownerID != id.SubjectID {
		return e.deny(ctx, id, ownerID, perm, "ownership")
	}
	return nil
}

func (e *Evaluator) deny(ctx context.Context, id *Identity, ownerID string, perm Permission, reason string) error {
	e.recorder.Record(ctx, audit.Event{
		Type:      audit.TypeAuthorization,
		SubjectID: id.SubjectID,
		Outcome:   audit.OutcomeBlocked,
		Details: map[string]any{
			"permission": string(perm),
			"owner_id":   ownerID,
			"reason":     reason,
			"roles":      Strings(id.Roles),
		},
	})
	return fmt.Errorf("%w: %s", secerr.ErrAuthorization, perm)
}
