package ingestion

import (
	"FinLedger/internal/event"
	finmath "FinLedger/internal/math"
	"FinLedger/internal/observability"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// EventSubjectPrefix is the subject prefix of outbound ledger events.
const EventSubjectPrefix = "fin.ledger.events."

// streamPublisher is the part of jetstream.JetStream the publisher needs.
type streamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes ledger events to NATS for downstream
// consumers. It is fed by an event.ChannelSink, so a slow NATS never
// stalls the core. The event id is the JetStream message id, which lets
// the stream drop a republished event.
type OutboundPublisher struct {
	js        streamPublisher
	inputChan <-chan event.LedgerEvent
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// PublishableEvent is the JSON form of a ledger event on the wire.
type PublishableEvent struct {
	ID            string           `json:"id"`
	Kind          string           `json:"kind"`
	Sequence      int64            `json:"sequence"`
	Index         int              `json:"index"`
	From          string           `json:"from,omitempty"`
	To            string           `json:"to,omitempty"`
	External      string           `json:"external,omitempty"`
	Amount        string           `json:"amount"`
	TaxAmount     string           `json:"tax_amount"`
	Tax           *event.TaxChange `json:"tax,omitempty"`
	RecordID      string           `json:"record_id,omitempty"`
	CorrelationID string           `json:"correlation_id,omitempty"`
	Timestamp     time.Time        `json:"timestamp"`
}

func NewOutboundPublisher(js streamPublisher, inputChan <-chan event.LedgerEvent, metrics *observability.Metrics, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, evt); err != nil {
				// Non-fatal: downstream consumers can read the event log directly
				op.logger.Warn().Err(err).Int64("sequence", evt.Sequence).Str("kind", evt.Kind.String()).Msg("outbound publish failed")
				if op.metrics != nil {
					op.metrics.PublishFailures.WithLabelValues(evt.Kind.String()).Inc()
				}
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt event.LedgerEvent) error {
	data, err := json.Marshal(ToPublishable(evt))
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	_, err = op.js.Publish(ctx, EventSubject(evt.Kind), data, jetstream.WithMsgID(evt.ID.String()))
	return err
}

// EventSubject returns fin.ledger.events.<kind>, e.g. fin.ledger.events.tax_change.
func EventSubject(k event.Kind) string {
	return EventSubjectPrefix + snake(k.String())
}

// ToPublishable converts evt to its wire form.
func ToPublishable(evt event.LedgerEvent) PublishableEvent {
	return PublishableEvent{
		ID:            evt.ID.String(),
		Kind:          evt.Kind.String(),
		Sequence:      evt.Sequence,
		Index:         evt.Index,
		From:          evt.From,
		To:            evt.To,
		External:      evt.External,
		Amount:        finmath.Format(&evt.Amount),
		TaxAmount:     finmath.Format(&evt.TaxAmount),
		Tax:           evt.Tax,
		RecordID:      evt.RecordID,
		CorrelationID: evt.CorrelationID,
		Timestamp:     evt.Timestamp,
	}
}

func snake(s string) string {
	var sb strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				sb.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
