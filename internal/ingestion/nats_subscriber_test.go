package ingestion

import (
	"FinLedger/internal/command"
	"FinLedger/internal/core"
	"FinLedger/internal/fault"
	"FinLedger/internal/ingestion/mocks"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMsg struct {
	subject string
	data    []byte
	headers nats.Header
	ts      time.Time

	acked, naked, termed int
}

func (m *fakeMsg) Subject() string      { return m.subject }
func (m *fakeMsg) Data() []byte         { return m.data }
func (m *fakeMsg) Headers() nats.Header { return m.headers }
func (m *fakeMsg) Ack() error           { m.acked++; return nil }
func (m *fakeMsg) Nak() error           { m.naked++; return nil }
func (m *fakeMsg) Term() error          { m.termed++; return nil }

func (m *fakeMsg) Metadata() (*jetstream.MsgMetadata, error) {
	return &jetstream.MsgMetadata{Timestamp: m.ts}, nil
}

func newTransferMsg(data string) *fakeMsg {
	h := nats.Header{}
	h.Set(nats.MsgIdHdr, "nats-msg-7")
	return &fakeMsg{
		subject: CommandSubject(command.TypeTransfer),
		data:    []byte(data),
		headers: h,
		ts:      time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func newTestSubscriber(t *testing.T) (*NATSSubscriber, *mocks.MockSubmitter) {
	ctrl := gomock.NewController(t)
	submit := mocks.NewMockSubmitter(ctrl)
	ns := NewNATSSubscriber(nil, submit, "payments-svc", zerolog.Nop())
	t.Cleanup(ns.cancel)
	return ns, submit
}

const transferJSON = `{"from":"alice","to":"bob","amount":"25"}`

func TestHandleAcksAppliedCommand(t *testing.T) {
	ns, submit := newTestSubscriber(t)
	msg := newTransferMsg(transferJSON)

	submit.EXPECT().
		Submit(gomock.Any(), "nats", gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, cmd command.Command) (*core.Result, error) {
			tr, ok := cmd.(*command.Transfer)
			require.True(t, ok)
			assert.Equal(t, "payments-svc", tr.Caller)
			assert.Equal(t, "nats-msg-7", tr.IdempotencyKey)
			assert.Equal(t, msg.ts, tr.Timestamp)
			assert.Equal(t, "25", tr.Amount)
			return &core.Result{Sequence: 3}, nil
		})

	ns.handle(msg)

	assert.Equal(t, 1, msg.acked)
	assert.Zero(t, msg.naked)
	assert.Zero(t, msg.termed)
}

func TestHandleAcksDuplicate(t *testing.T) {
	ns, submit := newTestSubscriber(t)
	msg := newTransferMsg(transferJSON)

	submit.EXPECT().Submit(gomock.Any(), "nats", gomock.Any()).Return(&core.Result{Duplicate: true}, nil)

	ns.handle(msg)
	assert.Equal(t, 1, msg.acked)
}

func TestHandleTermsMalformedPayload(t *testing.T) {
	ns, _ := newTestSubscriber(t)
	msg := newTransferMsg(`{"from":"alice","to":`)

	// no Submit expected
	ns.handle(msg)

	assert.Equal(t, 1, msg.termed)
	assert.Zero(t, msg.acked)
}

func TestHandleTermsBusinessRejection(t *testing.T) {
	for name, rejection := range map[string]error{
		"insufficient funds": fault.ErrInsufficientFunds,
		"not admin":          fault.ErrNotAdmin,
		"overflow":           fault.ErrOverflow,
		"validation":         fault.ErrInvalidAmount,
	} {
		t.Run(name, func(t *testing.T) {
			ns, submit := newTestSubscriber(t)
			msg := newTransferMsg(transferJSON)
			submit.EXPECT().Submit(gomock.Any(), "nats", gomock.Any()).Return(nil, rejection)

			ns.handle(msg)

			assert.Equal(t, 1, msg.termed)
			assert.Zero(t, msg.naked)
		})
	}
}

func TestHandleNaksTransientFailure(t *testing.T) {
	ns, submit := newTestSubscriber(t)
	msg := newTransferMsg(transferJSON)

	submit.EXPECT().Submit(gomock.Any(), "nats", gomock.Any()).Return(nil, core.ErrSequencerStopped)
	ns.handle(msg)
	assert.Equal(t, 1, msg.naked)

	submit.EXPECT().Submit(gomock.Any(), "nats", gomock.Any()).Return(nil, errors.New("context canceled"))
	ns.handle(msg)
	assert.Equal(t, 2, msg.naked)
	assert.Zero(t, msg.acked)
	assert.Zero(t, msg.termed)
}
