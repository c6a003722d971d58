package ledger

import (
	"FinLedger/internal/fault"
	finmath "FinLedger/internal/math"
	"sort"

	"github.com/holiman/uint256"
)

// Book maintains in-memory account balances.
// Not thread-safe: owned by the single-threaded sequencer.
type Book struct {
	balances map[AccountKey]uint256.Int

	// issued is the net value that entered through boundary accounts.
	// Invariant: issued == sum of every tracked balance.
	issued uint256.Int
}

func NewBook() *Book {
	return &Book{
		balances: make(map[AccountKey]uint256.Int),
	}
}

// ApplyBatch applies every journal of batch or none of them. Journals are
// applied in order to a staged copy, so a later leg sees earlier legs.
// It returns the owners whose state changed, sorted.
func (b *Book) ApplyBatch(batch *Batch) ([]string, error) {
	if err := batch.Validate(); err != nil {
		return nil, err
	}

	staged := make(map[AccountKey]uint256.Int)
	issued := b.issued

	get := func(k AccountKey) uint256.Int {
		if v, ok := staged[k]; ok {
			return v
		}
		return b.balances[k]
	}

	for i := range batch.Journals {
		j := &batch.Journals[i]

		if j.CreditAccount.Tracked() {
			cur := get(j.CreditAccount)
			next, err := finmath.Sub(&cur, &j.Amount)
			if err != nil {
				return nil, insufficient(j.CreditAccount)
			}
			staged[j.CreditAccount] = *next
		}

		if j.DebitAccount.Tracked() {
			cur := get(j.DebitAccount)
			next, err := finmath.Add(&cur, &j.Amount)
			if err != nil {
				return nil, err
			}
			staged[j.DebitAccount] = *next
		}

		switch {
		case j.DebitAccount.Tracked() && !j.CreditAccount.Tracked():
			next, err := finmath.Add(&issued, &j.Amount)
			if err != nil {
				return nil, err
			}
			issued = *next
		case j.CreditAccount.Tracked() && !j.DebitAccount.Tracked():
			next, err := finmath.Sub(&issued, &j.Amount)
			if err != nil {
				return nil, err
			}
			issued = *next
		}
	}

	owners := make(map[string]struct{}, len(staged))
	for k, v := range staged {
		b.balances[k] = v
		owners[k.Owner] = struct{}{}
	}
	b.issued = issued

	touched := make([]string, 0, len(owners))
	for o := range owners {
		touched = append(touched, o)
	}
	sort.Strings(touched)
	return touched, nil
}

func insufficient(k AccountKey) error {
	if k.Bucket == BucketReserved {
		return fault.ErrReservationTooLarge
	}
	return fault.ErrInsufficientFunds
}

// GetBalance returns the current value of a tracked key.
func (b *Book) GetBalance(key AccountKey) *uint256.Int {
	v := b.balances[key]
	return &v
}

// Account returns the balance pair of one account. Unknown accounts read
// as zero.
func (b *Book) Account(id string) Account {
	return Account{
		ID:       id,
		Balance:  b.balances[UserBalance(id)],
		Reserved: b.balances[UserReserved(id)],
	}
}

// Accounts returns every account the book has seen, sorted by ID.
func (b *Book) Accounts() []Account {
	ids := make(map[string]struct{})
	for k := range b.balances {
		ids[k.Owner] = struct{}{}
	}
	out := make([]Account, 0, len(ids))
	for id := range ids {
		out = append(out, b.Account(id))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Issued returns the net value held by the book.
func (b *Book) Issued() *uint256.Int {
	v := b.issued
	return &v
}

// Total recomputes the sum of every tracked balance.
func (b *Book) Total() (*uint256.Int, error) {
	total := finmath.Zero()
	for _, v := range b.balances {
		v := v
		next, err := finmath.Add(total, &v)
		if err != nil {
			return nil, err
		}
		total = next
	}
	return total, nil
}

// Restore replaces the book contents, recomputing issued from the accounts.
func (b *Book) Restore(accounts []Account) error {
	b.balances = make(map[AccountKey]uint256.Int, len(accounts)*2)
	for _, a := range accounts {
		if !a.Balance.IsZero() {
			b.balances[UserBalance(a.ID)] = a.Balance
		}
		if !a.Reserved.IsZero() {
			b.balances[UserReserved(a.ID)] = a.Reserved
		}
	}
	total, err := b.Total()
	if err != nil {
		return err
	}
	b.issued = *total
	return nil
}
