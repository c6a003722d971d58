// Package vesting releases allocations to team members in equal drops.
//
// Adding a member reserves the full allocation on a funding account. Each
// withdrawal settles one drop out of that reservation once its time has
// come; drops that were missed can be withdrawn one after the other.
// Time is the command timestamp, never the wall clock.
package vesting

import (
	"FinLedger/internal/access"
	"FinLedger/internal/fault"
	"FinLedger/internal/ledger"
	finmath "FinLedger/internal/math"
	"sort"
	"time"
)

const (
	DefaultDrops  = 5
	DefaultPeriod = 60 * 24 * time.Hour
)

// Config sets the schedule of members added from now on.
type Config struct {
	Drops  int
	Period time.Duration
}

func (c Config) withDefaults() Config {
	if c.Drops <= 0 {
		c.Drops = DefaultDrops
	}
	if c.Period <= 0 {
		c.Period = DefaultPeriod
	}
	return c
}

// Funds is the part of the ledger a program moves value with.
type Funds interface {
	Reserve(call ledger.Call, req ledger.ReserveRequest) (*ledger.Receipt, error)
	Settle(call ledger.Call, req ledger.SettleRequest) (*ledger.Receipt, error)
}

// Schedule is the vesting state of one member. Amounts are base-10 strings.
type Schedule struct {
	Member   string        `json:"member"`
	Funder   string        `json:"funder"`
	Total    string        `json:"total"`
	Released string        `json:"released"`
	Drops    int           `json:"drops"`
	Paid     int           `json:"paid"`
	Period   time.Duration `json:"period"`
	Next     time.Time     `json:"next_withdrawal"`
}

// Remaining is the part of Total not yet released.
func (s Schedule) Remaining() (*finmath.Amount, error) {
	total, err := finmath.ParseAmount(s.Total)
	if err != nil {
		return nil, err
	}
	released, err := finmath.ParseAmount(s.Released)
	if err != nil {
		return nil, err
	}
	return finmath.Sub(total, released)
}

// nextDrop is the amount of the next withdrawal. The last drop carries
// whatever integer division left over.
func (s Schedule) nextDrop() (*finmath.Amount, error) {
	remaining, err := s.Remaining()
	if err != nil {
		return nil, err
	}
	if s.Paid == s.Drops-1 {
		return remaining, nil
	}
	total, err := finmath.ParseAmount(s.Total)
	if err != nil {
		return nil, err
	}
	return new(finmath.Amount).Div(total, finmath.FromUint64(uint64(s.Drops))), nil
}

type AddMemberRequest struct {
	Member string `json:"member"`
	Funder string `json:"funder"`
	Amount string `json:"amount"`
}

type WithdrawRequest struct {
	Member string `json:"member"`
}

// Program holds every schedule. Not thread-safe: owned by the sequencer.
type Program struct {
	gate    *access.Gate
	funds   Funds
	cfg     Config
	members map[string]*Schedule
	closed  bool
}

func New(gate *access.Gate, funds Funds, cfg Config) *Program {
	return &Program{
		gate:    gate,
		funds:   funds,
		cfg:     cfg.withDefaults(),
		members: make(map[string]*Schedule),
	}
}

// AddMember reserves req.Amount on the funder and schedules its release
// to the member. The first drop is due immediately.
func (p *Program) AddMember(call ledger.Call, req AddMemberRequest) (*ledger.Receipt, error) {
	if err := p.gate.RequireAdmin(call.Caller); err != nil {
		return nil, err
	}
	if p.closed {
		return nil, fault.ErrVestingClosed
	}
	if req.Member == "" || req.Funder == "" {
		return nil, fault.ErrAccountRequired
	}
	if _, ok := p.members[req.Member]; ok {
		return nil, fault.ErrVestingDuplicate
	}
	amount, err := finmath.ParseAmount(req.Amount)
	if err != nil {
		return nil, err
	}
	if amount.Lt(finmath.FromUint64(uint64(p.cfg.Drops))) {
		return nil, fault.ErrVestingTooSmall
	}

	receipt, err := p.funds.Reserve(call, ledger.ReserveRequest{Account: req.Funder, Amount: finmath.Format(amount)})
	if err != nil {
		return nil, err
	}
	p.members[req.Member] = &Schedule{
		Member:   req.Member,
		Funder:   req.Funder,
		Total:    finmath.Format(amount),
		Released: "0",
		Drops:    p.cfg.Drops,
		Period:   p.cfg.Period,
		Next:     call.Timestamp.UTC(),
	}
	return receipt, nil
}

// Withdraw settles the member's next drop out of the funder's
// reservation. Vesting drops are not taxed.
func (p *Program) Withdraw(call ledger.Call, req WithdrawRequest) (*ledger.Receipt, error) {
	if err := p.gate.RequireAdmin(call.Caller); err != nil {
		return nil, err
	}
	s, ok := p.members[req.Member]
	if !ok {
		return nil, fault.NotFoundf("The team member is not found: %s", req.Member)
	}
	if s.Paid >= s.Drops {
		return nil, fault.ErrVestingExhausted
	}
	if call.Timestamp.Before(s.Next) {
		return nil, fault.ErrVestingNotDue
	}
	drop, err := s.nextDrop()
	if err != nil {
		return nil, err
	}
	released, err := finmath.ParseAmount(s.Released)
	if err != nil {
		return nil, err
	}
	released, err = finmath.Add(released, drop)
	if err != nil {
		return nil, err
	}

	receipt, err := p.funds.Settle(call, ledger.SettleRequest{
		From:      s.Funder,
		To:        s.Member,
		Amount:    finmath.Format(drop),
		TaxAmount: "0",
	})
	if err != nil {
		return nil, err
	}
	s.Released = finmath.Format(released)
	s.Paid++
	s.Next = s.Next.Add(s.Period)
	return receipt, nil
}

// Terminate closes the program once every member has been paid in full.
// Funders keep any unreserved value, so nothing is swept.
func (p *Program) Terminate(call ledger.Call) (*ledger.Receipt, error) {
	if err := p.gate.RequireAdmin(call.Caller); err != nil {
		return nil, err
	}
	if p.closed {
		return nil, fault.ErrVestingClosed
	}
	for _, s := range p.members {
		if s.Paid < s.Drops {
			return nil, fault.ErrVestingPending
		}
	}
	p.closed = true
	return &ledger.Receipt{Batch: ledger.NewBatch(call.Sequence, call.CorrelationID, call.Timestamp)}, nil
}

// --- Queries ---

// Member returns the schedule of member.
func (p *Program) Member(member string) (Schedule, error) {
	s, ok := p.members[member]
	if !ok {
		return Schedule{}, fault.NotFoundf("The team member is not found: %s", member)
	}
	return *s, nil
}

// Allocated sums what is still to be released across all members.
func (p *Program) Allocated() (*finmath.Amount, error) {
	total := finmath.Zero()
	for _, s := range p.members {
		remaining, err := s.Remaining()
		if err != nil {
			return nil, err
		}
		if total, err = finmath.Add(total, remaining); err != nil {
			return nil, err
		}
	}
	return total, nil
}

func (p *Program) Closed() bool { return p.closed }

// Snapshot is the serializable state of a program.
type Snapshot struct {
	Members []Schedule `json:"members,omitempty"`
	Closed  bool       `json:"closed,omitempty"`
}

// Snapshot returns every schedule ordered by member.
func (p *Program) Snapshot() Snapshot {
	out := Snapshot{Closed: p.closed, Members: make([]Schedule, 0, len(p.members))}
	for _, s := range p.members {
		out.Members = append(out.Members, *s)
	}
	sort.Slice(out.Members, func(i, j int) bool { return out.Members[i].Member < out.Members[j].Member })
	return out
}

func (p *Program) Restore(snap Snapshot) {
	p.members = make(map[string]*Schedule, len(snap.Members))
	for i := range snap.Members {
		s := snap.Members[i]
		p.members[s.Member] = &s
	}
	p.closed = snap.Closed
}
