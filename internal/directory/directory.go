// Package directory answers role membership questions from clubops.yml.
package directory

import (
	"context"
	"sort"

	"clubops/internal/config"
)

// Static is a read-only directory for a single club.
type Static struct {
	ClubID string
	roles  map[string]config.Role
	byUser map[string][]string
}

func FromConfig(cfg *config.Config) *Static {
	d := &Static{roles: map[string]config.Role{}, byUser: map[string][]string{}}
	if cfg == nil {
		return d
	}
	d.ClubID = cfg.Club.ID
	for name, role := range cfg.Roles {
		d.roles[name] = role
		for _, m := range role.Members {
			d.byUser[m] = append(d.byUser[m], name)
		}
	}
	for _, roles := range d.byUser {
		sort.Strings(roles)
	}
	return d
}

// MembersOf returns the people holding role in club. Unknown clubs and
// roles yield an empty set.
func (d *Static) MembersOf(_ context.Context, clubID, role string) (map[string]struct{}, error) {
	set := map[string]struct{}{}
	if clubID != d.ClubID {
		return set, nil
	}
	for _, m := range d.roles[role].Members {
		set[m] = struct{}{}
	}
	return set, nil
}

// RolesOf returns the roles personID holds, sorted by name.
func (d *Static) RolesOf(_ context.Context, personID string) ([]string, error) {
	return append([]string(nil), d.byUser[personID]...), nil
}

type RoleInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	System      bool     `json:"system"`
	Members     []string `json:"members"`
}

// Roles lists every role with its members, sorted by name.
func (d *Static) Roles() []RoleInfo {
	res := make([]RoleInfo, 0, len(d.roles))
	for name, r := range d.roles {
		members := append([]string{}, r.Members...)
		sort.Strings(members)
		res = append(res, RoleInfo{Name: name, Description: r.Description, System: r.System, Members: members})
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Name < res[j].Name })
	return res
}
