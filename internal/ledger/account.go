package ledger

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// Bucket represents the account purpose
type Bucket uint8

const (
	// User buckets
	BucketBalance Bucket = iota
	BucketReserved

	// System buckets
	BucketAdjustments

	// External buckets
	BucketDeposits
	BucketWithdrawals
)

var bucketNames = map[Bucket]string{
	BucketBalance:     "balance",
	BucketReserved:    "reserved",
	BucketAdjustments: "adjustments",
	BucketDeposits:    "deposits",
	BucketWithdrawals: "withdrawals",
}

// AccountKey addresses one side of a journal entry. Only user-scope keys
// carry tracked balances; system and external keys are boundary accounts.
type AccountKey struct {
	Scope  AccountScope
	Owner  string
	Bucket Bucket
}

// UserBalance is the spendable balance of an account.
func UserBalance(owner string) AccountKey {
	return AccountKey{Scope: AccountScopeUser, Owner: owner, Bucket: BucketBalance}
}

// UserReserved is the reservation counter of an account.
func UserReserved(owner string) AccountKey {
	return AccountKey{Scope: AccountScopeUser, Owner: owner, Bucket: BucketReserved}
}

var (
	ExternalDeposits    = AccountKey{Scope: AccountScopeExternal, Bucket: BucketDeposits}
	ExternalWithdrawals = AccountKey{Scope: AccountScopeExternal, Bucket: BucketWithdrawals}
	SystemAdjustments   = AccountKey{Scope: AccountScopeSystem, Bucket: BucketAdjustments}
)

// Tracked reports whether the book keeps a balance for this key.
func (k AccountKey) Tracked() bool {
	return k.Scope == AccountScopeUser
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeUser:
		return fmt.Sprintf("user:%s:%s", k.Owner, bucketNames[k.Bucket])
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s", bucketNames[k.Bucket])
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s", bucketNames[k.Bucket])
	}
	return "unknown"
}

// ParseAccountPath is the inverse of AccountPath. Owners may themselves
// contain colons, so the bucket is taken from the last segment.
func ParseAccountPath(path string) (AccountKey, error) {
	scope, rest, ok := strings.Cut(path, ":")
	if !ok {
		return AccountKey{}, fmt.Errorf("malformed account path %q", path)
	}

	switch scope {
	case "user":
		i := strings.LastIndex(rest, ":")
		if i <= 0 {
			return AccountKey{}, fmt.Errorf("malformed user account path %q", path)
		}
		owner, bucket := rest[:i], rest[i+1:]
		switch bucket {
		case "balance":
			return UserBalance(owner), nil
		case "reserved":
			return UserReserved(owner), nil
		}
	case "system":
		if rest == "adjustments" {
			return SystemAdjustments, nil
		}
	case "external":
		switch rest {
		case "deposits":
			return ExternalDeposits, nil
		case "withdrawals":
			return ExternalWithdrawals, nil
		}
	}
	return AccountKey{}, fmt.Errorf("unknown account path %q", path)
}

// Account is the externally visible state of one account.
type Account struct {
	ID       string
	Balance  uint256.Int
	Reserved uint256.Int
}
