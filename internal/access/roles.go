package access

import (
	"FinLedger/internal/fault"
	"sort"
)

// RoleSet is the in-memory role membership table.
// Not thread-safe: owned by the ledger sequencer.
type RoleSet struct {
	members map[Role]map[string]struct{}
}

// NewRoleSet seeds the admin role with the given callers.
func NewRoleSet(admins ...string) *RoleSet {
	rs := &RoleSet{members: make(map[Role]map[string]struct{})}
	for _, a := range admins {
		if a != "" {
			rs.add(RoleAdmin, a)
		}
	}
	return rs
}

func (rs *RoleSet) HasRole(caller string, role Role) bool {
	_, ok := rs.members[role][caller]
	return ok
}

// Grant adds member to role. The granting caller must be an admin.
// Granting an existing membership is a no-op.
func (rs *RoleSet) Grant(caller, member string, role Role) (bool, error) {
	if !rs.HasRole(caller, RoleAdmin) {
		return false, fault.ErrNotAdmin
	}
	if member == "" {
		return false, fault.ErrAccountRequired
	}
	if rs.HasRole(member, role) {
		return false, nil
	}
	rs.add(role, member)
	return true, nil
}

// Revoke removes member from role. An admin cannot revoke itself, so the
// admin role is never left empty.
func (rs *RoleSet) Revoke(caller, member string, role Role) (bool, error) {
	if !rs.HasRole(caller, RoleAdmin) {
		return false, fault.ErrNotAdmin
	}
	if member == "" {
		return false, fault.ErrAccountRequired
	}
	if !rs.HasRole(member, role) {
		return false, nil
	}
	if role == RoleAdmin && member == caller {
		return false, fault.ErrSelfRevoke
	}
	delete(rs.members[role], member)
	return true, nil
}

// Members lists the callers holding role in sorted order.
func (rs *RoleSet) Members(role Role) []string {
	out := make([]string, 0, len(rs.members[role]))
	for m := range rs.members[role] {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Snapshot returns the full membership table for persistence.
func (rs *RoleSet) Snapshot() map[Role][]string {
	out := make(map[Role][]string, len(rs.members))
	for role := range rs.members {
		out[role] = rs.Members(role)
	}
	return out
}

// Restore replaces the membership table.
func (rs *RoleSet) Restore(snap map[Role][]string) {
	rs.members = make(map[Role]map[string]struct{}, len(snap))
	for role, callers := range snap {
		for _, c := range callers {
			rs.add(role, c)
		}
	}
}

func (rs *RoleSet) add(role Role, member string) {
	set, ok := rs.members[role]
	if !ok {
		set = make(map[string]struct{})
		rs.members[role] = set
	}
	set[member] = struct{}{}
}
