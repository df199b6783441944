package intent_test

import (
	"IntentFlow/internal/core"
	"IntentFlow/internal/event"
	"IntentFlow/internal/intent"
	"IntentFlow/internal/persistence"
	"IntentFlow/internal/projection"
	"IntentFlow/internal/stream"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	m     *intent.Manager
	store *persistence.MemoryStore
	coord *core.Coordinator
	bus   *stream.LocalBus
}

func newHarness(t *testing.T, cfg intent.Config, tweak func(*intent.Deps)) *harness {
	t.Helper()
	store := persistence.NewMemoryStore()
	coord := core.NewCoordinator(store, nil, nil, core.DefaultConfig(), zerolog.Nop(), nil)
	bus := stream.NewLocalBus(stream.NewMemoryBuffer(100, 0), stream.DefaultOptions(), zerolog.Nop(), nil)
	t.Cleanup(func() { bus.Close() })
	require.NoError(t, coord.Subscribe(context.Background(), bus))

	deps := intent.Deps{
		Recorder:  coord,
		Publisher: bus,
		History:   store,
		States:    coord,
		Pipeline:  intent.NewLocalPipeline(2, nil, zerolog.Nop()),
	}
	if tweak != nil {
		tweak(&deps)
	}
	if cfg.RetryInitial == 0 {
		cfg.RetryInitial = 5 * time.Millisecond
	}
	m := intent.NewManager(cfg, deps, zerolog.Nop(), nil)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return &harness{m: m, store: store, coord: coord, bus: bus}
}

func (h *harness) topics() []string {
	var out []string
	for _, r := range h.store.Records() {
		out = append(out, r.Topic)
	}
	return out
}

func (h *harness) find(topic string) (persistence.EventRecord, bool) {
	for _, r := range h.store.Records() {
		if r.Topic == topic {
			return r, true
		}
	}
	return persistence.EventRecord{}, false
}

func TestSubmitQueuesAndWorkerMarksProcessing(t *testing.T) {
	h := newHarness(t, intent.DefaultConfig(), nil)
	in := mustAcquire(t, "1")
	in.Constraints.MaxSlippage = decimal.RequireFromString("0.01")

	rcpt := h.m.Submit(context.Background(), in, intent.Metadata{Source: "test"})
	assert.Equal(t, intent.StatusQueued, rcpt.Status)
	assert.Empty(t, rcpt.Warnings)
	assert.Empty(t, rcpt.Errors)
	assert.Equal(t, 1, rcpt.QueuePosition)
	assert.Equal(t, 1, h.m.QueueSize())

	submitted, ok := h.find(event.TopicIntentSubmitted)
	require.True(t, ok)
	assert.Equal(t, rcpt.EventID, submitted.EventID)
	assert.Equal(t, in.ID.String(), submitted.AggregateID)
	assert.Equal(t, 1, h.store.Count(submitted.EventID), "bus redelivery to the coordinator must not duplicate")

	h.m.Start(context.Background())

	var changed persistence.EventRecord
	require.Eventually(t, func() bool {
		changed, ok = h.find(event.TopicIntentStatusChanged)
		return ok
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, "processing", changed.Payload["newStatus"])
	assert.Equal(t, "queued", changed.Payload["oldStatus"])
	assert.Equal(t, submitted.EventID, changed.CausationID)
	assert.Equal(t, int64(2), changed.Sequence)
	assert.Equal(t, 0, h.m.QueueSize())

	st, err := h.m.GetIntentStatus(in.ID.String())
	require.NoError(t, err)
	assert.Equal(t, "processing", st.Status)
	assert.Equal(t, projection.StateSubmitted, st.State)
}

func TestValidationFailureIsNotPublished(t *testing.T) {
	h := newHarness(t, intent.DefaultConfig(), nil)
	in := mustAcquire(t, "1")
	in.Assets = append(in.Assets, intent.AssetSpec{Asset: arbU, Amount: dec("1")})

	rcpt := h.m.Submit(context.Background(), in, intent.Metadata{})
	assert.Equal(t, intent.StatusFailed, rcpt.Status)
	require.Len(t, rcpt.Errors, 1)
	assert.Contains(t, rcpt.Errors[0], "Multi-chain")
	assert.Empty(t, h.store.Records())
	assert.Equal(t, 0, h.m.QueueSize())
	assert.Equal(t, intent.StatusFailed, in.Status)
}

func TestStructurallyInvalidIntentFails(t *testing.T) {
	h := newHarness(t, intent.DefaultConfig(), nil)
	in := mustAcquire(t, "1")
	in.Assets[0].Percentage = dec("0.5")

	rcpt := h.m.Submit(context.Background(), in, intent.Metadata{})
	assert.Equal(t, intent.StatusFailed, rcpt.Status)
	assert.NotEmpty(t, rcpt.Errors)
	assert.Empty(t, h.store.Records())
}

func TestRiskRejection(t *testing.T) {
	h := newHarness(t, intent.DefaultConfig(), nil)
	in := mustAcquire(t, "10001")

	rcpt := h.m.Submit(context.Background(), in, intent.Metadata{})
	assert.Equal(t, intent.StatusFailed, rcpt.Status)
	assert.Equal(t, "NOTIONAL_LIMIT", rcpt.RiskReason)
	assert.Empty(t, h.store.Records())

	atLimit := mustAcquire(t, "10000")
	atLimit.Constraints.MaxSlippage = decimal.RequireFromString("0.05")
	assert.Equal(t, intent.StatusQueued, h.m.Submit(context.Background(), atLimit, intent.Metadata{}).Status)
}

func TestRejectionAuditWhenEnabled(t *testing.T) {
	cfg := intent.DefaultConfig()
	cfg.AuditRejections = true
	h := newHarness(t, cfg, nil)
	in := mustAcquire(t, "1")
	in.Constraints.MaxSlippage = decimal.RequireFromString("0.2")

	rcpt := h.m.Submit(context.Background(), in, intent.Metadata{})
	assert.Equal(t, intent.StatusFailed, rcpt.Status)
	assert.Equal(t, "SLIPPAGE_LIMIT", rcpt.RiskReason)
	assert.Equal(t, []string{"Max slippage is very high (>10%)"}, rcpt.Warnings)

	rec, ok := h.find(event.TopicIntentRejected)
	require.True(t, ok)
	assert.Equal(t, "risk", rec.Payload["stage"])
	assert.Equal(t, []string{event.TopicIntentRejected}, h.topics())

	_, err := h.m.GetIntentStatus(in.ID.String())
	assert.ErrorIs(t, err, core.ErrNotFound)
}

type brokenRecorder struct {
	core.Recorder
}

func (brokenRecorder) AggregateVersion(context.Context, string) (int64, error) {
	return 0, errors.New("store unavailable")
}

func TestInternalErrorBecomesFailedReceipt(t *testing.T) {
	h := newHarness(t, intent.DefaultConfig(), func(d *intent.Deps) {
		d.Recorder = brokenRecorder{Recorder: d.Recorder}
	})
	rcpt := h.m.Submit(context.Background(), mustAcquire(t, "1"), intent.Metadata{})

	assert.Equal(t, intent.StatusFailed, rcpt.Status)
	require.Len(t, rcpt.Warnings, 1)
	assert.Contains(t, rcpt.Warnings[0], "Internal server error")
	assert.Contains(t, rcpt.Warnings[0], "store unavailable")
}

func TestPanickingValidatorBecomesFailedReceipt(t *testing.T) {
	h := newHarness(t, intent.DefaultConfig(), func(d *intent.Deps) {
		d.Validators = []intent.Validator{intent.ValidatorFunc{ID: "boom", Fn: func(context.Context, *intent.Intent) intent.Result {
			panic("nil oracle")
		}}}
	})
	rcpt := h.m.Submit(context.Background(), mustAcquire(t, "1"), intent.Metadata{})
	assert.Equal(t, intent.StatusFailed, rcpt.Status)
	assert.Contains(t, rcpt.Warnings[len(rcpt.Warnings)-1], "nil oracle")
}

func TestPrioritizerRaisesPriority(t *testing.T) {
	h := newHarness(t, intent.DefaultConfig(), func(d *intent.Deps) {
		d.Prioritizer = intent.NewHeuristicPrioritizer(map[string]float64{"volatility": 1})
	})
	plain := mustAcquire(t, "1")
	urgent := mustAcquire(t, "1")
	urgent.Features = map[string]float64{"volatility": 0.95}

	h.m.Submit(context.Background(), plain, intent.Metadata{})
	h.m.Submit(context.Background(), urgent, intent.Metadata{})
	assert.Equal(t, 9, urgent.Priority)
	assert.Equal(t, intent.DefaultPriority, plain.Priority)

	rec, ok := h.find(event.TopicIntentSubmitted)
	require.True(t, ok)
	assert.Equal(t, plain.ID.String(), rec.AggregateID)
}

// flakyRecorder fails the first status_changed append.
type flakyRecorder struct {
	intent.Recorder
	mu     sync.Mutex
	failed bool
}

func (f *flakyRecorder) ApplyEvent(ctx context.Context, env *event.Envelope) error {
	f.mu.Lock()
	if env.Topic == event.TopicIntentStatusChanged && !f.failed {
		f.failed = true
		f.mu.Unlock()
		return errors.New("connection reset")
	}
	f.mu.Unlock()
	return f.Recorder.ApplyEvent(ctx, env)
}

func TestWorkerLoopRetriesAfterFailure(t *testing.T) {
	h := newHarness(t, intent.DefaultConfig(), func(d *intent.Deps) {
		d.Recorder = &flakyRecorder{Recorder: d.Recorder}
	})
	in := mustAcquire(t, "1")
	require.Equal(t, intent.StatusQueued, h.m.Submit(context.Background(), in, intent.Metadata{}).Status)

	h.m.Start(context.Background())
	require.Eventually(t, func() bool {
		_, ok := h.find(event.TopicIntentStatusChanged)
		return ok
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, intent.StatusProcessing, in.Status)
}

type recordingPlanner struct {
	mu    sync.Mutex
	subs  int
	cause string
}

func (p *recordingPlanner) Plan(_ context.Context, _ *intent.Intent, subs []*intent.Intent, cause *event.Envelope) (*event.Envelope, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs = len(subs)
	p.cause = cause.EventID
	return nil, nil
}

func TestWorkerHandsSubIntentsToPlanner(t *testing.T) {
	planner := &recordingPlanner{}
	h := newHarness(t, intent.DefaultConfig(), func(d *intent.Deps) { d.Planner = planner })
	in := mustAcquire(t, "3")
	in.Constraints.MaxFillSize = dec("1")

	h.m.Submit(context.Background(), in, intent.Metadata{})
	h.m.Start(context.Background())

	require.Eventually(t, func() bool {
		planner.mu.Lock()
		defer planner.mu.Unlock()
		return planner.subs == 3
	}, time.Second, 5*time.Millisecond)

	changed, _ := h.find(event.TopicIntentStatusChanged)
	planner.mu.Lock()
	assert.Equal(t, changed.EventID, planner.cause)
	planner.mu.Unlock()
}

func TestHistoryAndShutdown(t *testing.T) {
	h := newHarness(t, intent.DefaultConfig(), nil)
	ctx := context.Background()

	in := mustAcquire(t, "1")
	h.m.Submit(ctx, in, intent.Metadata{})
	h.m.Start(ctx)
	require.Eventually(t, func() bool { return h.m.QueueSize() == 0 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		_, ok := h.find(event.TopicIntentStatusChanged)
		return ok
	}, time.Second, 5*time.Millisecond)

	hist, err := h.m.GetIntentHistory(ctx, in.ID.String())
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, event.TopicIntentSubmitted, hist[0].Topic)
	assert.Equal(t, event.TopicIntentStatusChanged, hist[1].Topic)

	_, err = h.m.GetIntentHistory(ctx, "unknown")
	assert.ErrorIs(t, err, persistence.ErrNotFound)

	require.NoError(t, h.m.Shutdown(ctx))
	require.NoError(t, h.m.Shutdown(ctx))

	rcpt := h.m.Submit(ctx, mustAcquire(t, "1"), intent.Metadata{})
	assert.Equal(t, intent.StatusFailed, rcpt.Status)
}

func TestShutdownWithoutStart(t *testing.T) {
	h := newHarness(t, intent.DefaultConfig(), nil)
	assert.NoError(t, h.m.Shutdown(context.Background()))
}

// flakyPublisher times out the first publish of topic.
type flakyPublisher struct {
	stream.Publisher
	topic string

	mu        sync.Mutex
	failed    bool
	published int
}

func (p *flakyPublisher) Publish(ctx context.Context, subject string, env *event.Envelope) (stream.PubAck, error) {
	p.mu.Lock()
	fail := env.Topic == p.topic && !p.failed
	if fail {
		p.failed = true
	}
	p.mu.Unlock()
	if fail {
		return stream.PubAck{}, stream.ErrPublishTimeout
	}
	ack, err := p.Publisher.Publish(ctx, subject, env)
	if err == nil && env.Topic == p.topic {
		p.mu.Lock()
		p.published++
		p.mu.Unlock()
	}
	return ack, err
}

func (p *flakyPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.published
}

func (h *harness) count(topic string) int {
	n := 0
	for _, r := range h.store.Records() {
		if r.Topic == topic {
			n++
		}
	}
	return n
}

func TestStatusChangeRetriedAfterPublishTimeoutIsRecordedOnce(t *testing.T) {
	var pub *flakyPublisher
	h := newHarness(t, intent.DefaultConfig(), func(d *intent.Deps) {
		pub = &flakyPublisher{Publisher: d.Publisher, topic: event.TopicIntentStatusChanged}
		d.Publisher = pub
	})
	in := mustAcquire(t, "1")
	require.Equal(t, intent.StatusQueued, h.m.Submit(context.Background(), in, intent.Metadata{}).Status)

	h.m.Start(context.Background())
	require.Eventually(t, func() bool { return pub.count() == 1 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, h.count(event.TopicIntentStatusChanged))
	changed, _ := h.find(event.TopicIntentStatusChanged)
	assert.Equal(t, int64(2), changed.Sequence)
}

func TestSubmitPublishFailureClosesRecordedIntent(t *testing.T) {
	h := newHarness(t, intent.DefaultConfig(), func(d *intent.Deps) {
		d.Publisher = &flakyPublisher{Publisher: d.Publisher, topic: event.TopicIntentSubmitted}
	})
	in := mustAcquire(t, "1")

	rcpt := h.m.Submit(context.Background(), in, intent.Metadata{})
	assert.Equal(t, intent.StatusFailed, rcpt.Status)
	require.NotEmpty(t, rcpt.Warnings)
	assert.Contains(t, rcpt.Warnings[0], "publish timeout")
	assert.Equal(t, 0, h.m.QueueSize())

	assert.Equal(t, []string{event.TopicIntentSubmitted, event.TopicIntentStatusChanged}, h.topics())
	submitted, _ := h.find(event.TopicIntentSubmitted)
	closed, _ := h.find(event.TopicIntentStatusChanged)
	assert.Equal(t, "failed", closed.Payload["newStatus"])
	assert.Equal(t, submitted.EventID, closed.CausationID)

	st, err := h.m.GetIntentStatus(in.ID.String())
	require.NoError(t, err)
	assert.Equal(t, projection.StateFailed, st.State)
	assert.Contains(t, st.FailReason, "publish timeout")
}

// hookRecorder runs hook once, after the first intent.submitted is recorded.
type hookRecorder struct {
	intent.Recorder
	hook  func()
	fired bool
}

func (r *hookRecorder) ApplyEvent(ctx context.Context, env *event.Envelope) error {
	err := r.Recorder.ApplyEvent(ctx, env)
	if err == nil && env.Topic == event.TopicIntentSubmitted && !r.fired {
		r.fired = true
		r.hook()
	}
	return err
}

func TestQueueFilledAfterRecordClosesIntent(t *testing.T) {
	cfg := intent.DefaultConfig()
	cfg.MaxQueueSize = 1
	rec := &hookRecorder{}
	h := newHarness(t, cfg, func(d *intent.Deps) {
		rec.Recorder = d.Recorder
		d.Recorder = rec
	})
	racer := mustAcquire(t, "1")
	rec.hook = func() { h.m.Submit(context.Background(), racer, intent.Metadata{}) }

	in := mustAcquire(t, "1")
	rcpt := h.m.Submit(context.Background(), in, intent.Metadata{})
	assert.Equal(t, intent.StatusFailed, rcpt.Status)
	assert.Contains(t, rcpt.Warnings[0], intent.ErrQueueFull.Error())
	assert.Equal(t, intent.StatusQueued, racer.Status)
	assert.Equal(t, 1, h.m.QueueSize())

	st, err := h.m.GetIntentStatus(in.ID.String())
	require.NoError(t, err)
	assert.Equal(t, projection.StateFailed, st.State)
	assert.Equal(t, "failed", st.Status)
}
