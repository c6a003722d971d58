// Package engagement keeps the append-only campaign records (indications,
// referrals and shares) written by admins next to the ledger.
package engagement

import (
	"FinLedger/internal/access"
	"FinLedger/internal/event"
	"FinLedger/internal/fault"
	"FinLedger/internal/ledger"
	finmath "FinLedger/internal/math"
	"sort"
)

// Kind names a registry.
type Kind string

const (
	KindIndication Kind = "indication"
	KindReferral   Kind = "referral"
	KindShare      Kind = "share"
)

func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindIndication, KindReferral, KindShare:
		return Kind(s), nil
	}
	return "", fault.ErrUnknownEngagement
}

// Record is one registry entry, addressed by (owner, id).
type Record interface {
	Owner() string
	RecordID() string
	eventKind() event.Kind
}

// entry is a Record that can rewrite its amounts in canonical decimal form.
// The returned amount is the one carried by the creation event.
type entry[T any] interface {
	Record
	normalize() (T, *finmath.Amount, error)
}

// canonical parses s and returns its plain decimal form.
func canonical(s string) (string, *finmath.Amount, error) {
	a, err := finmath.ParseAmount(s)
	if err != nil {
		return "", nil, err
	}
	return finmath.Format(a), a, nil
}

// Indication rewards an account for recommending a campaign item.
type Indication struct {
	To           string `json:"to"`
	ID           string `json:"id"`
	CampaignID   string `json:"campaign_id"`
	ItemID       string `json:"item_id"`
	ItemAmount   string `json:"item_amount"`
	RewardAmount string `json:"reward_amount"`
	When         int64  `json:"when"` // unix millis supplied by the caller
}

func (r Indication) Owner() string         { return r.To }
func (r Indication) RecordID() string      { return r.ID }
func (r Indication) eventKind() event.Kind { return event.KindIndicationCreated }

func (r Indication) normalize() (Indication, *finmath.Amount, error) {
	item, _, err := canonical(r.ItemAmount)
	if err != nil {
		return r, nil, err
	}
	reward, amount, err := canonical(r.RewardAmount)
	if err != nil {
		return r, nil, err
	}
	r.ItemAmount, r.RewardAmount = item, reward
	return r, amount, nil
}

// Referral records that From brought To in under a referral configuration.
type Referral struct {
	To               string `json:"to"`
	ID               string `json:"id"`
	ReferralConfigID string `json:"ref_conf_id"`
	From             string `json:"from"`
	Amount           string `json:"amount"`
	Status           uint8  `json:"status"`
	When             int64  `json:"when"`
}

func (r Referral) Owner() string         { return r.To }
func (r Referral) RecordID() string      { return r.ID }
func (r Referral) eventKind() event.Kind { return event.KindReferralCreated }

func (r Referral) normalize() (Referral, *finmath.Amount, error) {
	s, amount, err := canonical(r.Amount)
	if err != nil {
		return r, nil, err
	}
	r.Amount = s
	return r, amount, nil
}

// Share records a campaign post on a social media channel.
type Share struct {
	To         string `json:"to"`
	ID         string `json:"id"`
	CampaignID string `json:"campaign_id"`
	Token      string `json:"token"`
	Media      uint8  `json:"media"`
	Amount     string `json:"amount"`
	Status     uint8  `json:"status"`
	When       int64  `json:"when"`
}

func (r Share) Owner() string         { return r.To }
func (r Share) RecordID() string      { return r.ID }
func (r Share) eventKind() event.Kind { return event.KindShareCreated }

func (r Share) normalize() (Share, *finmath.Amount, error) {
	s, amount, err := canonical(r.Amount)
	if err != nil {
		return r, nil, err
	}
	r.Amount = s
	return r, amount, nil
}

type recordKey struct {
	owner string
	id    string
}

// Registry stores records of one kind. Records are never updated or
// removed. Not thread-safe: owned by the sequencer.
type Registry[T entry[T]] struct {
	records map[recordKey]T
}

func NewRegistry[T entry[T]]() *Registry[T] {
	return &Registry[T]{records: make(map[recordKey]T)}
}

// add validates rec and stores it with canonical amounts. It returns the
// stored record and its primary amount.
func (r *Registry[T]) add(rec T) (T, *finmath.Amount, error) {
	if rec.Owner() == "" {
		return rec, nil, fault.ErrAccountRequired
	}
	if rec.RecordID() == "" {
		return rec, nil, fault.ErrIdentifierRequired
	}
	rec, amount, err := rec.normalize()
	if err != nil {
		return rec, nil, err
	}
	k := recordKey{owner: rec.Owner(), id: rec.RecordID()}
	if _, ok := r.records[k]; ok {
		return rec, nil, fault.ErrAlreadyExists
	}
	r.records[k] = rec
	return rec, amount, nil
}

// Get returns the record stored under (owner, id).
func (r *Registry[T]) Get(owner, id string) (T, error) {
	rec, ok := r.records[recordKey{owner: owner, id: id}]
	if !ok {
		var zero T
		return zero, fault.NotFoundf("no record %s for %s", id, owner)
	}
	return rec, nil
}

func (r *Registry[T]) Len() int { return len(r.records) }

// All returns every record ordered by owner then id.
func (r *Registry[T]) All() []T {
	keys := make([]recordKey, 0, len(r.records))
	for k := range r.records {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].owner != keys[j].owner {
			return keys[i].owner < keys[j].owner
		}
		return keys[i].id < keys[j].id
	})
	out := make([]T, 0, len(keys))
	for _, k := range keys {
		out = append(out, r.records[k])
	}
	return out
}

func (r *Registry[T]) restore(recs []T) {
	r.records = make(map[recordKey]T, len(recs))
	for _, rec := range recs {
		r.records[recordKey{owner: rec.Owner(), id: rec.RecordID()}] = rec
	}
}

// Registries groups the three registries behind the admin gate.
type Registries struct {
	gate *access.Gate
	sink event.Sink

	Indications *Registry[Indication]
	Referrals   *Registry[Referral]
	Shares      *Registry[Share]
}

func NewRegistries(gate *access.Gate, sink event.Sink) *Registries {
	if sink == nil {
		sink = event.Discard
	}
	return &Registries{
		gate:        gate,
		sink:        sink,
		Indications: NewRegistry[Indication](),
		Referrals:   NewRegistry[Referral](),
		Shares:      NewRegistry[Share](),
	}
}

func (g *Registries) SetSink(sink event.Sink) {
	if sink == nil {
		sink = event.Discard
	}
	g.sink = sink
}

func (g *Registries) AddIndication(call ledger.Call, rec Indication) (*event.LedgerEvent, error) {
	return addRecord(g, g.Indications, call, rec)
}

func (g *Registries) AddReferral(call ledger.Call, rec Referral) (*event.LedgerEvent, error) {
	return addRecord(g, g.Referrals, call, rec)
}

func (g *Registries) AddShare(call ledger.Call, rec Share) (*event.LedgerEvent, error) {
	return addRecord(g, g.Shares, call, rec)
}

func addRecord[T entry[T]](g *Registries, reg *Registry[T], call ledger.Call, rec T) (*event.LedgerEvent, error) {
	if err := g.gate.RequireAdmin(call.Caller); err != nil {
		return nil, err
	}
	rec, amount, err := reg.add(rec)
	if err != nil {
		return nil, err
	}

	evt := event.LedgerEvent{
		ID:            event.DeriveID(call.Sequence, 0),
		Kind:          rec.eventKind(),
		Sequence:      call.Sequence,
		To:            rec.Owner(),
		RecordID:      rec.RecordID(),
		CorrelationID: call.CorrelationID,
		Timestamp:     call.Timestamp,
	}
	if ref, ok := any(rec).(Referral); ok {
		evt.From = ref.From
	}
	evt.Amount = *amount

	g.sink.Emit(evt)
	return &evt, nil
}

// Lookup returns the record of kind stored under (owner, id).
func (g *Registries) Lookup(kind Kind, owner, id string) (Record, error) {
	switch kind {
	case KindIndication:
		return g.Indications.Get(owner, id)
	case KindReferral:
		return g.Referrals.Get(owner, id)
	case KindShare:
		return g.Shares.Get(owner, id)
	}
	return nil, fault.ErrUnknownEngagement
}

// Snapshot is the serializable content of every registry.
type Snapshot struct {
	Indications []Indication `json:"indications,omitempty"`
	Referrals   []Referral   `json:"referrals,omitempty"`
	Shares      []Share      `json:"shares,omitempty"`
}

func (g *Registries) Snapshot() Snapshot {
	return Snapshot{
		Indications: g.Indications.All(),
		Referrals:   g.Referrals.All(),
		Shares:      g.Shares.All(),
	}
}

func (g *Registries) Restore(s Snapshot) {
	g.Indications.restore(s.Indications)
	g.Referrals.restore(s.Referrals)
	g.Shares.restore(s.Shares)
}
