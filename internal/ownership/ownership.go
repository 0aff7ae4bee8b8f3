// Package ownership classifies who is responsible for a task.
package ownership

import (
	"fmt"

	"clubops/internal/domain"
)

type Kind int

const (
	Unassigned Kind = iota
	ExplicitOwner
	RoleClaimable
)

func (k Kind) String() string {
	switch k {
	case ExplicitOwner:
		return "explicit_owner"
	case RoleClaimable:
		return "role_claimable"
	default:
		return "unassigned"
	}
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Kind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "unassigned":
		*k = Unassigned
	case "explicit_owner":
		*k = ExplicitOwner
	case "role_claimable":
		*k = RoleClaimable
	default:
		return fmt.Errorf("unknown ownership kind %q", string(b))
	}
	return nil
}

// Ownership is the effective owner of a task. PersonID is set only for
// ExplicitOwner and Role only for RoleClaimable.
type Ownership struct {
	Kind     Kind   `json:"kind"`
	PersonID string `json:"person_id,omitempty"`
	Role     string `json:"role,omitempty"`
}

// Effective resolves the ownership of t. roleMembers holds the people
// currently holding t's owner role.
func Effective(t domain.Task, roleMembers map[string]struct{}) Ownership {
	if owner := t.Owner(); owner != "" {
		return Ownership{Kind: ExplicitOwner, PersonID: owner}
	}
	if role := t.Role(); role != "" && len(roleMembers) > 0 {
		return Ownership{Kind: RoleClaimable, Role: role}
	}
	return Ownership{Kind: Unassigned}
}

// CanClaim reports whether personID may take the task.
func (o Ownership) CanClaim(personID string, roleMembers map[string]struct{}) bool {
	switch o.Kind {
	case ExplicitOwner:
		return o.PersonID == personID
	case RoleClaimable:
		_, ok := roleMembers[personID]
		return ok
	}
	return false
}

// Members builds a member set from ids.
func Members(ids ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id != "" {
			set[id] = struct{}{}
		}
	}
	return set
}
