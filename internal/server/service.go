package server

import (
	"FinLedger/internal/access"
	"FinLedger/internal/command"
	"FinLedger/internal/core"
	"FinLedger/internal/engagement"
	"FinLedger/internal/fault"
	finmath "FinLedger/internal/math"
	"FinLedger/internal/query"
	"FinLedger/internal/vesting"
	"context"
	"encoding/hex"
	"encoding/json"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Ledger is the sequencer surface the service needs. core.Sequencer
// implements it.
type Ledger interface {
	Submit(ctx context.Context, source string, cmd command.Command) (*core.Result, error)
	Read(ctx context.Context, fn func(*core.DeterministicCore)) error
}

// EventHistory serves history and audits from the event log.
// *query.QueryService implements it.
type EventHistory interface {
	ListEvents(ctx context.Context, account string, limit int, beforeSequence int64) ([]query.EventResponse, error)
	GetJournalHistory(ctx context.Context, account string, limit int, beforeSequence int64) ([]query.JournalHistoryEntry, error)
	VerifyIntegrity(ctx context.Context) (*query.IntegrityReport, error)
}

// LedgerService implements finledger.v1.LedgerService. Mutations go
// through the sequencer; balance reads are answered by the sequencer too,
// so they always reflect every applied command.
type LedgerService struct {
	ledger  Ledger
	history EventHistory
	now     func() time.Time
}

func NewLedgerService(l Ledger, history EventHistory) *LedgerService {
	return &LedgerService{ledger: l, history: history, now: time.Now}
}

var errNoHistory = status.Error(codes.Unimplemented, "event history is not configured")

type sourceKey struct{}

func withSource(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, sourceKey{}, source)
}

// submit attributes cmd to the authenticated caller and hands it to the
// sequencer. A command without a timestamp is stamped on arrival.
func (s *LedgerService) submit(ctx context.Context, cmd command.Command) (*CommandResponse, error) {
	caller := CallerFromContext(ctx)
	if caller == "" {
		return nil, status.Error(codes.Unauthenticated, "no caller")
	}

	h := cmd.Meta()
	h.Caller = caller
	if h.Timestamp.IsZero() {
		h.Timestamp = s.now().UTC()
	}
	if err := h.Validate(); err != nil {
		return nil, err
	}

	source, _ := ctx.Value(sourceKey{}).(string)
	if source == "" {
		source = "grpc"
	}
	res, err := s.ledger.Submit(ctx, source, cmd)
	if err != nil {
		return nil, err
	}
	return toCommandResponse(res), nil
}

func (s *LedgerService) Deposit(ctx context.Context, req *command.Deposit) (*CommandResponse, error) {
	return s.submit(ctx, req)
}

func (s *LedgerService) Transfer(ctx context.Context, req *command.Transfer) (*CommandResponse, error) {
	return s.submit(ctx, req)
}

func (s *LedgerService) BatchTransfer(ctx context.Context, req *command.BatchTransfer) (*CommandResponse, error) {
	return s.submit(ctx, req)
}

func (s *LedgerService) Withdraw(ctx context.Context, req *command.Withdrawal) (*CommandResponse, error) {
	return s.submit(ctx, req)
}

func (s *LedgerService) Reserve(ctx context.Context, req *command.Reserve) (*CommandResponse, error) {
	return s.submit(ctx, req)
}

func (s *LedgerService) Settle(ctx context.Context, req *command.Settle) (*CommandResponse, error) {
	return s.submit(ctx, req)
}

func (s *LedgerService) Cancel(ctx context.Context, req *command.Cancel) (*CommandResponse, error) {
	return s.submit(ctx, req)
}

func (s *LedgerService) SetBalance(ctx context.Context, req *command.SetBalance) (*CommandResponse, error) {
	return s.submit(ctx, req)
}

func (s *LedgerService) SetReservation(ctx context.Context, req *command.SetReservation) (*CommandResponse, error) {
	return s.submit(ctx, req)
}

func (s *LedgerService) ChangeTax(ctx context.Context, req *command.ChangeTax) (*CommandResponse, error) {
	return s.submit(ctx, req)
}

func (s *LedgerService) GrantRole(ctx context.Context, req *command.GrantRole) (*CommandResponse, error) {
	return s.submit(ctx, req)
}

func (s *LedgerService) RevokeRole(ctx context.Context, req *command.RevokeRole) (*CommandResponse, error) {
	return s.submit(ctx, req)
}

func (s *LedgerService) AddIndication(ctx context.Context, req *command.AddIndication) (*CommandResponse, error) {
	return s.submit(ctx, req)
}

func (s *LedgerService) AddReferral(ctx context.Context, req *command.AddReferral) (*CommandResponse, error) {
	return s.submit(ctx, req)
}

func (s *LedgerService) AddShare(ctx context.Context, req *command.AddShare) (*CommandResponse, error) {
	return s.submit(ctx, req)
}

func (s *LedgerService) OperatorTransfer(ctx context.Context, req *command.OperatorTransfer) (*CommandResponse, error) {
	return s.submit(ctx, req)
}

func (s *LedgerService) AddVestingMember(ctx context.Context, req *command.AddVestingMember) (*CommandResponse, error) {
	return s.submit(ctx, req)
}

func (s *LedgerService) WithdrawVesting(ctx context.Context, req *command.WithdrawVesting) (*CommandResponse, error) {
	return s.submit(ctx, req)
}

func (s *LedgerService) TerminateVesting(ctx context.Context, req *command.TerminateVesting) (*CommandResponse, error) {
	return s.submit(ctx, req)
}

// --- queries ---

func (s *LedgerService) GetAccount(ctx context.Context, req *GetAccountRequest) (*AccountResponse, error) {
	if req.Account == "" {
		return nil, status.Error(codes.InvalidArgument, "account is required")
	}
	var out AccountResponse
	err := s.ledger.Read(ctx, func(c *core.DeterministicCore) {
		l := c.Ledger()
		out = AccountResponse{
			Account:         req.Account,
			Balance:         finmath.Format(l.BalanceOf(req.Account)),
			Reserved:        finmath.Format(l.ReservationOf(req.Account)),
			OperatorHandled: c.Roles().HasRole(req.Account, access.RoleHandled),
			Sequence:        c.GetSequence() - 1,
		}
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *LedgerService) GetTax(ctx context.Context, _ *GetTaxRequest) (*TaxResponse, error) {
	var out TaxResponse
	err := s.ledger.Read(ctx, func(c *core.DeterministicCore) {
		l := c.Ledger()
		limits := l.TaxLimits()
		out = TaxResponse{
			Numerator:  l.CurrentTaxAmount(),
			Shift:      l.CurrentTaxShift(),
			Recipient:  l.TaxRecipient(),
			MaxPercent: limits.MaxPercent,
			MaxShift:   limits.MaxShift,
			Sequence:   c.GetSequence() - 1,
		}
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *LedgerService) GetEngagement(ctx context.Context, req *GetEngagementRequest) (*EngagementResponse, error) {
	kind, err := engagement.ParseKind(req.Kind)
	if err != nil {
		return nil, err
	}

	var rec engagement.Record
	if rerr := s.ledger.Read(ctx, func(c *core.DeterministicCore) {
		rec, err = c.Engagements().Lookup(kind, req.Owner, req.ID)
	}); rerr != nil {
		return nil, rerr
	}
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	return &EngagementResponse{Kind: string(kind), Record: raw}, nil
}

// GetVesting reports one member's schedule, or only the program totals
// when no member is named.
func (s *LedgerService) GetVesting(ctx context.Context, req *GetVestingRequest) (*VestingResponse, error) {
	var (
		out VestingResponse
		err error
	)
	if rerr := s.ledger.Read(ctx, func(c *core.DeterministicCore) {
		p := c.Vesting()
		out.Closed = p.Closed()
		out.Sequence = c.GetSequence() - 1

		var allocated *finmath.Amount
		if allocated, err = p.Allocated(); err != nil {
			return
		}
		out.Allocated = finmath.Format(allocated)

		if req.Member == "" {
			return
		}
		var sched vesting.Schedule
		if sched, err = p.Member(req.Member); err != nil {
			return
		}
		var remaining *finmath.Amount
		if remaining, err = sched.Remaining(); err != nil {
			return
		}
		out.Schedule = &sched
		out.Remaining = finmath.Format(remaining)
	}); rerr != nil {
		return nil, rerr
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *LedgerService) GetStatus(ctx context.Context, _ *GetStatusRequest) (*StatusResponse, error) {
	var out StatusResponse
	err := s.ledger.Read(ctx, func(c *core.DeterministicCore) {
		hash := c.GetStateHash()
		out = StatusResponse{
			Sequence:  c.GetSequence() - 1,
			StateHash: hex.EncodeToString(hash[:]),
			Issued:    finmath.Format(c.Ledger().Issued()),
			Admins:    c.Roles().Members(access.RoleAdmin),
		}
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *LedgerService) ListEvents(ctx context.Context, req *ListEventsRequest) (*ListEventsResponse, error) {
	if s.history == nil {
		return nil, errNoHistory
	}
	events, err := s.history.ListEvents(ctx, req.Account, req.Limit, req.BeforeSequence)
	if err != nil {
		return nil, err
	}
	return &ListEventsResponse{Events: events}, nil
}

func (s *LedgerService) ListJournal(ctx context.Context, req *ListEventsRequest) (*ListJournalResponse, error) {
	if s.history == nil {
		return nil, errNoHistory
	}
	entries, err := s.history.GetJournalHistory(ctx, req.Account, req.Limit, req.BeforeSequence)
	if err != nil {
		return nil, err
	}
	return &ListJournalResponse{Entries: entries}, nil
}

// VerifyIntegrity audits the persisted log. Admin only.
func (s *LedgerService) VerifyIntegrity(ctx context.Context, _ *VerifyIntegrityRequest) (*query.IntegrityReport, error) {
	if s.history == nil {
		return nil, errNoHistory
	}
	caller := CallerFromContext(ctx)
	var admin bool
	if err := s.ledger.Read(ctx, func(c *core.DeterministicCore) {
		admin = c.Roles().HasRole(caller, access.RoleAdmin)
	}); err != nil {
		return nil, err
	}
	if !admin {
		return nil, fault.ErrNotAdmin
	}
	return s.history.VerifyIntegrity(ctx)
}
