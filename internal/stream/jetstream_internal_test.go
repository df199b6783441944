package stream

import (
	"IntentFlow/internal/event"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

type fakeMsg struct {
	subject   string
	data      []byte
	delivered uint64

	acked    bool
	nakDelay time.Duration
	naked    bool
	termed   bool

	inProgress atomic.Int32
}

func (m *fakeMsg) Data() []byte    { return m.data }
func (m *fakeMsg) Subject() string { return m.subject }
func (m *fakeMsg) Ack() error      { m.acked = true; return nil }
func (m *fakeMsg) Term() error     { m.termed = true; return nil }
func (m *fakeMsg) InProgress() error {
	m.inProgress.Add(1)
	return nil
}
func (m *fakeMsg) NakWithDelay(d time.Duration) error {
	m.naked = true
	m.nakDelay = d
	return nil
}
func (m *fakeMsg) Metadata() (*jetstream.MsgMetadata, error) {
	return &jetstream.MsgMetadata{NumDelivered: m.delivered}, nil
}

func newDispatchStream(t *testing.T) (*EventStream, *[]string) {
	t.Helper()
	s := NewEventStream(nil, nil, DefaultOptions(), zerolog.Nop(), nil)
	var parked []string
	s.deadLetter = func(_ context.Context, subject string, _ []byte) error {
		parked = append(parked, subject)
		return nil
	}
	t.Cleanup(func() { s.cancel() })
	return s, &parked
}

func mustMsg(t *testing.T, subject string, delivered uint64) *fakeMsg {
	t.Helper()
	data, err := event.New(event.TopicPlanCreated, "intent:1", nil).Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return &fakeMsg{subject: subject, data: data, delivered: delivered}
}

func TestHandleMessageAcksOnSuccess(t *testing.T) {
	s, parked := newDispatchStream(t)
	var calls int
	sub := newSubscription("plan.created", "orchestrator", func(context.Context, *event.Envelope) error {
		calls++
		return nil
	})
	sub.add(func(context.Context, *event.Envelope) error {
		calls++
		return nil
	})

	msg := mustMsg(t, "plan.created", 1)
	s.handleMessage(sub, msg)

	assert.Equal(t, 2, calls)
	assert.True(t, msg.acked)
	assert.False(t, msg.naked)
	assert.Empty(t, *parked)
}

func TestHandleMessageNaksWithDelayOnFailure(t *testing.T) {
	s, parked := newDispatchStream(t)
	var secondRan bool
	sub := newSubscription("plan.created", "orchestrator", func(context.Context, *event.Envelope) error {
		return errors.New("venue down")
	})
	sub.add(func(context.Context, *event.Envelope) error {
		secondRan = true
		return nil
	})

	msg := mustMsg(t, "plan.created", 2)
	s.handleMessage(sub, msg)

	assert.True(t, secondRan, "a failing handler must not stop the others")
	assert.False(t, msg.acked)
	assert.True(t, msg.naked)
	assert.Equal(t, 5*time.Second, msg.nakDelay)
	assert.Empty(t, *parked)
}

func TestHandleMessageDeadLettersAfterMaxDeliver(t *testing.T) {
	s, parked := newDispatchStream(t)
	sub := newSubscription("plan.created", "orchestrator", func(context.Context, *event.Envelope) error {
		return errors.New("still broken")
	})

	msg := mustMsg(t, "plan.created", 5)
	s.handleMessage(sub, msg)

	assert.True(t, msg.termed)
	assert.False(t, msg.naked)
	assert.Equal(t, []string{"dlq.plan.created"}, *parked)
}

func TestHandleMessageDeadLettersUndecodable(t *testing.T) {
	s, parked := newDispatchStream(t)
	sub := newSubscription("plan.created", "orchestrator", func(context.Context, *event.Envelope) error {
		t.Fatal("handler must not run for undecodable data")
		return nil
	})

	msg := &fakeMsg{subject: "plan.created", data: []byte("not-json"), delivered: 1}
	s.handleMessage(sub, msg)

	assert.True(t, msg.termed)
	assert.Equal(t, []string{"dlq.plan.created"}, *parked)
}

func TestHandleMessageKeepsLongHandlersAlive(t *testing.T) {
	s, _ := newDispatchStream(t)
	s.opts.AckWait = 20 * time.Millisecond

	var ctxErr error
	sub := newSubscription("plan.created", "orchestrator", func(ctx context.Context, _ *event.Envelope) error {
		time.Sleep(100 * time.Millisecond)
		ctxErr = ctx.Err()
		return nil
	})

	msg := mustMsg(t, "plan.created", 1)
	s.handleMessage(sub, msg)

	assert.NoError(t, ctxErr, "handler context must outlive AckWait")
	assert.GreaterOrEqual(t, msg.inProgress.Load(), int32(2))
	assert.True(t, msg.acked)

	calls := msg.inProgress.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, calls, msg.inProgress.Load(), "keep-alive must stop with the handler")
}

func TestReconnectDelayIsBounded(t *testing.T) {
	assert.Equal(t, 250*time.Millisecond, ReconnectDelay(0))
	assert.Equal(t, 500*time.Millisecond, ReconnectDelay(1))
	assert.Equal(t, 10*time.Second, ReconnectDelay(6))
	assert.Equal(t, 10*time.Second, ReconnectDelay(100))
}

func TestDurableName(t *testing.T) {
	assert.Equal(t, "state-coordinator-intent", DurableName("state-coordinator.intent"))
	assert.Equal(t, "exec-all", DurableName("exec.>"))
}
