package access

import (
	"FinLedger/internal/fault"
)

// Role names a capability a caller may hold.
type Role string

const (
	// RoleAdmin may mutate the ledger.
	RoleAdmin Role = "admin"

	// RoleOperator may move value out of handled accounts.
	RoleOperator Role = "operator"

	// RoleHandled marks accounts, not callers: members are accounts whose
	// owner allowed operator transfers out of them.
	RoleHandled Role = "handled"
)

// ParseRole maps a wire string to a known role. Empty means admin.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case "":
		return RoleAdmin, nil
	case RoleAdmin, RoleOperator, RoleHandled:
		return r, nil
	}
	return "", fault.ErrUnknownRole
}

//go:generate mockgen -destination=mocks/role_checker.go -package=mocks FinLedger/internal/access RoleChecker

// RoleChecker answers capability questions about a caller.
type RoleChecker interface {
	HasRole(caller string, role Role) bool
}

// Gate guards every mutating ledger entry point.
type Gate struct {
	checker RoleChecker
}

func NewGate(checker RoleChecker) *Gate {
	return &Gate{checker: checker}
}

// Require fails with NotAdminError unless caller holds role.
func (g *Gate) Require(caller string, role Role) error {
	if g.Holds(caller, role) {
		return nil
	}
	if role == RoleOperator {
		return fault.ErrNotOperator
	}
	return fault.ErrNotAdmin
}

// RequireAdmin fails with NotAdminError unless caller holds the admin role.
func (g *Gate) RequireAdmin(caller string) error {
	return g.Require(caller, RoleAdmin)
}

// Holds reports whether member holds role.
func (g *Gate) Holds(member string, role Role) bool {
	return member != "" && g.checker != nil && g.checker.HasRole(member, role)
}

// IsAdmin is the non-failing form of RequireAdmin.
func (g *Gate) IsAdmin(caller string) bool {
	return g.RequireAdmin(caller) == nil
}
