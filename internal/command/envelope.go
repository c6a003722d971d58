package command

import (
	"time"
)

// Envelope wraps every accepted command in the log
type Envelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Command type discriminator
	Type Type

	// Authenticated identity that submitted the command
	Caller string

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// JSON-encoded command payload
	Payload []byte

	// SHA-256 of state AFTER applying this command
	StateHash [32]byte

	// Previous command's state hash (chain integrity)
	PrevHash [32]byte
}

// Command decodes the envelope payload.
func (e *Envelope) Command() (Command, error) {
	return Decode(e.Type, e.Caller, e.Payload)
}
