package ingestion

import (
	"FinLedger/internal/command"
	"FinLedger/internal/fault"
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// CommandSubjectPrefix is the NATS subject prefix of inbound commands.
// The remaining token names the command type, e.g. fin.commands.batch_transfer.
const CommandSubjectPrefix = "fin.commands."

// RawCommand is one inbound message before parsing.
type RawCommand struct {
	Subject string
	Data    []byte

	// Nats-Msg-Id header, used as the idempotency key when the payload
	// carries none.
	MsgID string

	// Stream timestamp of the message, used when the payload carries none.
	Timestamp time.Time
}

// ParseRawCommand converts a RawCommand into a typed command attributed to
// caller. Every failure is a ValidationError: redelivering the same bytes
// cannot succeed.
func ParseRawCommand(raw RawCommand, caller string) (command.Command, error) {
	name, ok := strings.CutPrefix(raw.Subject, CommandSubjectPrefix)
	if !ok || name == "" {
		return nil, fault.Validationf("subject %q is not a command subject", raw.Subject)
	}
	t, err := command.ParseType(name)
	if err != nil {
		return nil, fault.Validationf("subject %q: %v", raw.Subject, err)
	}

	cmd, err := command.New(t)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(raw.Data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cmd); err != nil {
		return nil, fault.Validationf("parse %s: %v", t, err)
	}

	h := cmd.Meta()
	h.Caller = caller
	if h.IdempotencyKey == "" {
		h.IdempotencyKey = raw.MsgID
	}
	if h.Timestamp.IsZero() {
		h.Timestamp = raw.Timestamp.UTC()
	}
	if err := h.Validate(); err != nil {
		return nil, err
	}
	return cmd, nil
}

// CommandSubject returns the subject a command of type t is published on.
func CommandSubject(t command.Type) string {
	return CommandSubjectPrefix + t.String()
}
