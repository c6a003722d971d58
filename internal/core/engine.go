package core

import (
	"FinLedger/internal/access"
	"FinLedger/internal/command"
	"FinLedger/internal/engagement"
	"FinLedger/internal/event"
	"FinLedger/internal/fault"
	"FinLedger/internal/ledger"
	"FinLedger/internal/observability"
	"FinLedger/internal/vesting"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/big"
	"time"

	"github.com/holiman/uint256"
)

// DeterministicCore is the single-threaded command processor. It owns the
// ledger, the role set, the engagement registries and the vesting program,
// and is driven by the Sequencer.
type DeterministicCore struct {
	sequence    int64
	hasher      *StateHasher
	roles       *access.RoleSet
	gate        *access.Gate
	ledger      *ledger.Ledger
	engagements *engagement.Registries
	vesting     *vesting.Program
	idempotency *IdempotencyChecker
	metrics     *observability.Metrics

	// sink receives ledger events of live commands; muted during replay.
	sink      event.Sink
	replaying bool

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// Options configures a DeterministicCore.
type Options struct {
	StartSequence int64
	Admins        []string
	TaxLimits     ledger.TaxLimits
	Tax           ledger.TaxConfig
	Vesting       vesting.Config
	LRUCapacity   int
	DBChecker     DBIdempotencyChecker
	Metrics       *observability.Metrics
	Sink          event.Sink
}

// CoreOutput is everything downstream workers need about one applied command.
type CoreOutput struct {
	Envelope *command.Envelope
	Batch    *ledger.Batch
	Events   []event.LedgerEvent

	// Post-command state of every account the command touched.
	Accounts []ledger.Account

	// Set when the tax configuration changed.
	Tax *ledger.TaxConfig
}

// Result is returned to the submitter of a command.
type Result struct {
	Sequence  int64
	StateHash [32]byte
	Duplicate bool
	Events    []event.LedgerEvent
	Accounts  []ledger.Account
}

func NewDeterministicCore(opts Options, persistChan, projectionChan chan<- CoreOutput) (*DeterministicCore, error) {
	limits := opts.TaxLimits
	if limits == (ledger.TaxLimits{}) {
		limits = ledger.DefaultTaxLimits()
	}
	policy, err := ledger.NewTaxPolicy(limits, opts.Tax)
	if err != nil {
		return nil, fmt.Errorf("tax policy: %w", err)
	}

	capacity := opts.LRUCapacity
	if capacity <= 0 {
		capacity = 1_000_000
	}

	sink := opts.Sink
	if sink == nil {
		sink = event.Discard
	}

	start := opts.StartSequence
	if start <= 0 {
		start = 1
	}

	c := &DeterministicCore{
		sequence:       start,
		hasher:         NewStateHasher(),
		roles:          access.NewRoleSet(opts.Admins...),
		idempotency:    NewIdempotencyChecker(capacity, opts.DBChecker, opts.Metrics),
		metrics:        opts.Metrics,
		sink:           sink,
		persistChan:    persistChan,
		projectionChan: projectionChan,
	}

	c.gate = access.NewGate(c.roles)
	emit := event.SinkFunc(c.emit)
	c.ledger = ledger.New(c.gate, policy, emit)
	c.engagements = engagement.NewRegistries(c.gate, emit)
	c.vesting = vesting.New(c.gate, c.ledger, opts.Vesting)
	return c, nil
}

func (c *DeterministicCore) emit(evt event.LedgerEvent) {
	if c.replaying {
		return
	}
	if c.metrics != nil {
		c.metrics.CoreEventsEmitted.WithLabelValues(evt.Kind.String()).Inc()
	}
	c.sink.Emit(evt)
}

// ProcessCommand is the main processing pipeline
func (c *DeterministicCore) ProcessCommand(cmd command.Command) (*Result, error) {
	start := time.Now()
	commandType := cmd.Type().String()
	header := cmd.Meta()

	// Step 1: Header validation
	if err := header.Validate(); err != nil {
		c.recordRejected(commandType, err)
		return nil, err
	}

	// Step 2: Authorization. A duplicate is only reported to callers
	// allowed to submit the command.
	if err := c.gate.Require(header.Caller, requiredRole(cmd.Type())); err != nil {
		c.recordRejected(commandType, err)
		return nil, err
	}

	// Step 3: Idempotency check (two-tier)
	if c.idempotency.IsDuplicate(commandType, header.IdempotencyKey) {
		if c.metrics != nil {
			c.metrics.CoreCommandsRejected.WithLabelValues(commandType, "duplicate").Inc()
		}
		return &Result{Sequence: c.sequence - 1, StateHash: c.hasher.GetPrevHash(), Duplicate: true}, nil
	}

	payload, err := command.Encode(cmd)
	if err != nil {
		return nil, err
	}

	// Steps 4-8: dispatch, apply, post-check, hash
	output, err := c.apply(cmd, payload)
	if err != nil {
		c.recordRejected(commandType, err)
		return nil, err
	}

	// Step 9: Emit outputs
	// Persist channel uses BLOCKING send (backpressure), projection channel
	// uses NON-BLOCKING send with drop.
	if c.persistChan != nil {
		c.persistChan <- *output
	}
	if c.projectionChan != nil {
		select {
		case c.projectionChan <- *output:
		default:
			if c.metrics != nil {
				c.metrics.ProjectionDrops.Inc()
			}
		}
	}

	// Step 10: Mark as processed (add to LRU)
	c.idempotency.MarkProcessed(commandType, header.IdempotencyKey)

	if c.metrics != nil {
		c.metrics.CoreCommandsApplied.WithLabelValues(commandType).Inc()
		c.metrics.CoreCommandDuration.WithLabelValues(commandType).Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(c.sequence))
		issued, _ := new(big.Float).SetInt(c.ledger.Issued().ToBig()).Float64()
		c.metrics.LedgerIssued.Set(issued)
		for _, j := range output.Batch.Journals {
			c.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
		}
	}

	return &Result{
		Sequence:  output.Envelope.Sequence,
		StateHash: output.Envelope.StateHash,
		Events:    output.Events,
		Accounts:  output.Accounts,
	}, nil
}

// Replay re-applies a logged command without emitting outputs or events.
// The recomputed state hash must match the logged one.
func (c *DeterministicCore) Replay(env *command.Envelope) error {
	if env.Sequence != c.sequence {
		return fmt.Errorf("replay sequence gap: expected %d, got %d", c.sequence, env.Sequence)
	}
	if prev := c.hasher.GetPrevHash(); env.PrevHash != prev {
		return fmt.Errorf("replay prev hash mismatch at %d: log %x, state %x", env.Sequence, env.PrevHash, prev)
	}

	cmd, err := env.Command()
	if err != nil {
		return fmt.Errorf("decode seq %d: %w", env.Sequence, err)
	}

	c.replaying = true
	defer func() { c.replaying = false }()

	output, err := c.apply(cmd, env.Payload)
	if err != nil {
		return fmt.Errorf("replay seq %d rejected: %w", env.Sequence, err)
	}
	if output.Envelope.StateHash != env.StateHash {
		panic(fmt.Sprintf("FATAL: state hash divergence at sequence %d: log %x, replay %x",
			env.Sequence, env.StateHash, output.Envelope.StateHash))
	}

	c.idempotency.MarkProcessed(env.Type.String(), env.IdempotencyKey)
	if c.metrics != nil {
		c.metrics.ReplayCommands.Inc()
		c.metrics.CoreSequence.Set(float64(c.sequence))
	}
	return nil
}

func (c *DeterministicCore) apply(cmd command.Command, payload []byte) (*CoreOutput, error) {
	header := cmd.Meta()
	call := ledger.Call{
		Caller:        header.Caller,
		Sequence:      c.sequence,
		CorrelationID: header.IdempotencyKey,
		Timestamp:     header.Timestamp,
	}

	// Step 4: Dispatch; the ledger applies its batch atomically.
	receipt, err := c.dispatch(cmd, call)
	if err != nil {
		return nil, err
	}

	// Step 5: Post-checks
	if err := c.ledger.Validator().ValidateSupply(); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	accounts := make([]ledger.Account, 0, len(receipt.Touched))
	for _, id := range receipt.Touched {
		accounts = append(accounts, c.ledger.Account(id))
	}

	// Step 6-7: State digest and hash chain
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(c.sequence, c.computeStateDigest(cmd.Type(), payload, accounts))

	// Step 8: Envelope
	output := &CoreOutput{
		Envelope: &command.Envelope{
			Sequence:       c.sequence,
			IdempotencyKey: header.IdempotencyKey,
			Type:           cmd.Type(),
			Caller:         header.Caller,
			Timestamp:      header.Timestamp,
			Payload:        payload,
			StateHash:      stateHash,
			PrevHash:       prevHash,
		},
		Batch:    receipt.Batch,
		Events:   receipt.Events,
		Accounts: accounts,
		Tax:      receipt.Tax,
	}
	c.sequence++
	return output, nil
}

func (c *DeterministicCore) dispatch(cmd command.Command, call ledger.Call) (*ledger.Receipt, error) {
	switch m := cmd.(type) {
	case *command.Deposit:
		return c.ledger.Deposit(call, m.DepositRequest)
	case *command.Transfer:
		return c.ledger.Transfer(call, m.TransferRequest)
	case *command.BatchTransfer:
		return c.ledger.BatchTransfer(call, m.BatchTransferRequest)
	case *command.Withdrawal:
		return c.ledger.Withdrawal(call, m.WithdrawalRequest)
	case *command.Reserve:
		return c.ledger.Reserve(call, m.ReserveRequest)
	case *command.Settle:
		return c.ledger.Settle(call, m.SettleRequest)
	case *command.Cancel:
		return c.ledger.Cancel(call, m.CancelRequest)
	case *command.SetBalance:
		return c.ledger.SetBalance(call, m.SetBalanceRequest)
	case *command.SetReservation:
		return c.ledger.SetReservation(call, m.SetReservationRequest)
	case *command.ChangeTax:
		return c.ledger.ChangeTax(call, m.ChangeTaxRequest)
	case *command.GrantRole:
		return c.handleRole(call, m.Member, m.Role, c.roles.Grant)
	case *command.RevokeRole:
		return c.handleRole(call, m.Member, m.Role, c.roles.Revoke)
	case *command.AddIndication:
		return stateOnly(call)(c.engagements.AddIndication(call, m.Indication))
	case *command.AddReferral:
		return stateOnly(call)(c.engagements.AddReferral(call, m.Referral))
	case *command.AddShare:
		return stateOnly(call)(c.engagements.AddShare(call, m.Share))
	case *command.OperatorTransfer:
		return c.ledger.OperatorTransfer(call, m.TransferRequest)
	case *command.AddVestingMember:
		return c.vesting.AddMember(call, m.AddMemberRequest)
	case *command.WithdrawVesting:
		return c.vesting.Withdraw(call, m.WithdrawRequest)
	case *command.TerminateVesting:
		return c.vesting.Terminate(call)
	default:
		return nil, fault.ErrUnknownCommand
	}
}

// requiredRole is the role a caller needs to submit a command of type t.
func requiredRole(t command.Type) access.Role {
	if t == command.TypeOperatorTransfer {
		return access.RoleOperator
	}
	return access.RoleAdmin
}

func (c *DeterministicCore) handleRole(
	call ledger.Call,
	member, roleName string,
	change func(caller, member string, role access.Role) (bool, error),
) (*ledger.Receipt, error) {
	role, err := access.ParseRole(roleName)
	if err != nil {
		return nil, err
	}
	if _, err := change(call.Caller, member, role); err != nil {
		return nil, err
	}
	return &ledger.Receipt{Batch: ledger.NewBatch(call.Sequence, call.CorrelationID, call.Timestamp)}, nil
}

// stateOnly wraps the result of a command that moves no value into a
// receipt with an empty batch.
func stateOnly(call ledger.Call) func(*event.LedgerEvent, error) (*ledger.Receipt, error) {
	return func(evt *event.LedgerEvent, err error) (*ledger.Receipt, error) {
		if err != nil {
			return nil, err
		}
		return &ledger.Receipt{
			Batch:  ledger.NewBatch(call.Sequence, call.CorrelationID, call.Timestamp),
			Events: []event.LedgerEvent{*evt},
		}, nil
	}
}

// computeStateDigest creates canonical bytes for the state hash: the
// command itself, the post-state of every touched account and the tax
// configuration.
func (c *DeterministicCore) computeStateDigest(t command.Type, payload []byte, accounts []ledger.Account) []byte {
	digest := make([]byte, 0, 64+len(accounts)*96)

	// Command type (4 bytes LE) and payload hash
	digest = binary.LittleEndian.AppendUint32(digest, uint32(t))
	sum := sha256.Sum256(payload)
	digest = append(digest, sum[:]...)

	// Accounts arrive sorted by ID
	for _, a := range accounts {
		digest = append(digest, byte(len(a.ID)))
		digest = append(digest, []byte(a.ID)...)
		digest = appendUint256(digest, &a.Balance)
		digest = appendUint256(digest, &a.Reserved)
	}

	tax := c.ledger.TaxConfig()
	digest = binary.LittleEndian.AppendUint64(digest, tax.Numerator)
	digest = append(digest, tax.Shift)
	digest = append(digest, []byte(tax.Recipient)...)

	return digest
}

func appendUint256(buf []byte, v *uint256.Int) []byte {
	b := v.Bytes32()
	return append(buf, b[:]...)
}

func (c *DeterministicCore) recordRejected(commandType string, err error) {
	if c.metrics != nil {
		c.metrics.CoreCommandsRejected.WithLabelValues(commandType, fault.Class(err)).Inc()
	}
}

// --- Queries ---

// Ledger exposes the ledger for read-only queries. Callers must hold the
// sequencer (see Sequencer.Read).
func (c *DeterministicCore) Ledger() *ledger.Ledger { return c.ledger }

// Engagements exposes the registries for read-only queries.
func (c *DeterministicCore) Engagements() *engagement.Registries { return c.engagements }

// Vesting exposes the vesting program for read-only queries.
func (c *DeterministicCore) Vesting() *vesting.Program { return c.vesting }

// Roles exposes the role set for read-only queries.
func (c *DeterministicCore) Roles() *access.RoleSet { return c.roles }

// GetSequence returns the next sequence to assign.
func (c *DeterministicCore) GetSequence() int64 {
	return c.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (c *DeterministicCore) GetStateHash() [32]byte {
	return c.hasher.GetPrevHash()
}

// SetSink replaces the live event sink.
func (c *DeterministicCore) SetSink(sink event.Sink) {
	if sink == nil {
		sink = event.Discard
	}
	c.sink = sink
}
