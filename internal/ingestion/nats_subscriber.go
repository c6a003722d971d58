package ingestion

import (
	"FinLedger/internal/command"
	"FinLedger/internal/core"
	"FinLedger/internal/fault"
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	CommandStream   = "FIN_COMMANDS"
	CommandConsumer = "finledger-commands"
	EventStream     = "FIN_LEDGER_EVENTS"
)

//go:generate mockgen -destination=mocks/submitter.go -package=mocks FinLedger/internal/ingestion Submitter

// Submitter hands a command to the deterministic core and waits for the
// outcome. core.Sequencer implements it.
type Submitter interface {
	Submit(ctx context.Context, source string, cmd command.Command) (*core.Result, error)
}

// ackMsg is the part of jetstream.Msg the subscriber needs.
type ackMsg interface {
	Subject() string
	Data() []byte
	Headers() nats.Header
	Metadata() (*jetstream.MsgMetadata, error)
	Ack() error
	Nak() error
	Term() error
}

// NATSSubscriber consumes the command stream and feeds commands into the
// sequencer. NATS JetStream is the primary high-throughput ingestion
// surface; every message is attributed to one configured service caller.
type NATSSubscriber struct {
	js       jetstream.JetStream
	submit   Submitter
	caller   string
	logger   zerolog.Logger
	consumer jetstream.ConsumeContext

	// ctx bounds in-flight submissions; cancelled by Stop.
	ctx    context.Context
	cancel context.CancelFunc
}

func NewNATSSubscriber(js jetstream.JetStream, submit Submitter, caller string, logger zerolog.Logger) *NATSSubscriber {
	ctx, cancel := context.WithCancel(context.Background())
	return &NATSSubscriber{
		js:     js,
		submit: submit,
		caller: caller,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Subscribe creates the durable consumer and starts consuming.
// The consumer uses explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context) error {
	consumer, err := ns.js.CreateOrUpdateConsumer(ctx, CommandStream, jetstream.ConsumerConfig{
		Durable:       CommandConsumer,
		FilterSubject: CommandSubjectPrefix + ">",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", CommandConsumer, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		ns.handle(msg)
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", CommandConsumer, err)
	}

	ns.consumer = cc
	ns.logger.Info().Str("stream", CommandStream).Str("consumer", CommandConsumer).Msg("subscribed")
	return nil
}

// handle processes one message: ACK once applied (or a duplicate), TERM
// when the command can never apply, NAK when the failure is transient.
func (ns *NATSSubscriber) handle(msg ackMsg) {
	raw := RawCommand{
		Subject: msg.Subject(),
		Data:    msg.Data(),
		MsgID:   msg.Headers().Get(nats.MsgIdHdr),
	}
	if md, err := msg.Metadata(); err == nil {
		raw.Timestamp = md.Timestamp
	}

	log := ns.logger.With().Str("subject", raw.Subject).Logger()

	cmd, err := ParseRawCommand(raw, ns.caller)
	if err != nil {
		log.Warn().Err(err).Msg("rejecting malformed command")
		ns.settle(log, msg.Term)
		return
	}

	res, err := ns.submit.Submit(ns.ctx, "nats", cmd)
	switch {
	case err == nil:
		if res.Duplicate {
			log.Debug().Str("idempotency_key", cmd.Meta().IdempotencyKey).Msg("duplicate command")
		}
		ns.settle(log, msg.Ack)
	case fault.IsBusiness(err):
		log.Info().Err(err).Str("idempotency_key", cmd.Meta().IdempotencyKey).Msg("command rejected")
		ns.settle(log, msg.Term)
	default:
		log.Warn().Err(err).Msg("command not applied, will be redelivered")
		ns.settle(log, msg.Nak)
	}
}

func (ns *NATSSubscriber) settle(log zerolog.Logger, fn func() error) {
	if err := fn(); err != nil {
		log.Warn().Err(err).Msg("ack failed")
	}
}

// Stop stops the consumer and aborts in-flight submissions, which are
// NAK'd and redelivered after restart.
func (ns *NATSSubscriber) Stop() {
	if ns.consumer != nil {
		ns.consumer.Stop()
	}
	ns.cancel()
	ns.logger.Info().Msg("NATS subscriber stopped")
}

// EnsureStreams creates the command and event streams if they don't exist.
// Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      CommandStream,
			Subjects:  []string{CommandSubjectPrefix + ">"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:       EventStream,
			Subjects:   []string{EventSubjectPrefix + ">"},
			Storage:    jetstream.FileStorage,
			Retention:  jetstream.LimitsPolicy,
			MaxAge:     72 * time.Hour,
			Duplicates: 10 * time.Minute,
			Replicas:   1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}

	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("finledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
