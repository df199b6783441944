package intent

import (
	"IntentFlow/internal/core"
	"IntentFlow/internal/event"
	"IntentFlow/internal/observability"
	"IntentFlow/internal/persistence"
	"IntentFlow/internal/projection"
	"IntentFlow/internal/risk"
	"IntentFlow/internal/stream"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Recorder persists events and answers aggregate versions.
type Recorder interface {
	core.Recorder
	AggregateVersion(ctx context.Context, aggregateID string) (int64, error)
}

// HistoryReader reads an aggregate's stored events ordered by version.
type HistoryReader interface {
	LoadAggregate(ctx context.Context, aggregateID string) ([]persistence.EventRecord, error)
}

// StateReader serves intent projections.
type StateReader interface {
	GetIntentState(id string) (projection.IntentState, error)
}

// Planner turns the sub-intents of a processed intent into a plan. cause is
// the intent.status_changed event the plan follows from.
type Planner interface {
	Plan(ctx context.Context, parent *Intent, subs []*Intent, cause *event.Envelope) (*event.Envelope, error)
}

// Metadata describes the submitter of an intent.
type Metadata struct {
	Source    string `json:"source,omitempty"`
	RequestID string `json:"requestId,omitempty"`
	User      string `json:"user,omitempty"`
}

// Receipt is the business result of Submit.
type Receipt struct {
	IntentID      uuid.UUID `json:"intentId"`
	Received      time.Time `json:"received"`
	Status        Status    `json:"status"`
	Errors        []string  `json:"errors"`
	Warnings      []string  `json:"warnings"`
	RiskReason    string    `json:"riskReason,omitempty"`
	QueuePosition int       `json:"queuePosition,omitempty"`
	EventID       string    `json:"eventId,omitempty"`
}

// Config tunes the manager.
type Config struct {
	MaxQueueSize    int
	AuditRejections bool
	// RetryInitial is the first worker-loop sleep after a failed iteration.
	RetryInitial time.Duration
	RetryMax     time.Duration
	Now          func() time.Time
}

func DefaultConfig() Config {
	return Config{
		MaxQueueSize: 10_000,
		RetryInitial: time.Second,
		RetryMax:     30 * time.Second,
		Now:          time.Now,
	}
}

// Deps are the collaborators of a Manager. Prioritizer, Pipeline and Planner are optional.
type Deps struct {
	Recorder    Recorder
	Publisher   stream.Publisher
	History     HistoryReader
	States      StateReader
	Risk        *risk.Engine
	Prioritizer Prioritizer
	Pipeline    Pipeline
	Planner     Planner
	Validators  []Validator
}

// Manager validates, risk-gates, prioritizes and queues intents, and runs
// the worker loop that moves queued intents into processing.
type Manager struct {
	cfg     Config
	deps    Deps
	emitter *core.Emitter
	queue   *Queue
	log     zerolog.Logger
	metrics *observability.Metrics

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

func NewManager(cfg Config, deps Deps, logger zerolog.Logger, metrics *observability.Metrics) *Manager {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = DefaultConfig().RetryInitial
	}
	if cfg.RetryMax < cfg.RetryInitial {
		cfg.RetryMax = cfg.RetryInitial
	}
	if deps.Risk == nil {
		deps.Risk = risk.NewEngine(risk.DefaultConfig())
	}
	if deps.Validators == nil {
		deps.Validators = DefaultValidators(cfg.Now)
	}
	return &Manager{
		cfg:     cfg,
		deps:    deps,
		emitter: core.NewEmitter(deps.Recorder, deps.Publisher, logger),
		queue:   NewQueue(cfg.MaxQueueSize),
		log:     logger,
		metrics: metrics,
	}
}

// Submit runs validation, the risk gate and prioritization, then records,
// publishes and enqueues the intent. It never returns an error: every
// failure, including unexpected internal ones, becomes a Failed receipt.
func (m *Manager) Submit(ctx context.Context, in *Intent, meta Metadata) (rcpt Receipt) {
	rcpt = Receipt{
		IntentID: in.ID,
		Received: m.cfg.Now().UTC(),
		Status:   StatusFailed,
		Errors:   []string{},
		Warnings: []string{},
	}
	logger := m.log.With().Str("intent_id", in.ID.String()).Logger()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("submit panicked")
			rcpt.Status = StatusFailed
			rcpt.Warnings = append(rcpt.Warnings, fmt.Sprintf("Internal server error: %v", r))
		}
		if m.metrics != nil {
			m.metrics.Submissions.WithLabelValues(string(rcpt.Status)).Inc()
		}
	}()

	internal := func(err error) Receipt {
		logger.Error().Err(err).Msg("failed to submit intent")
		rcpt.Status = StatusFailed
		rcpt.Warnings = append(rcpt.Warnings, "Internal server error: "+err.Error())
		return rcpt
	}

	if m.isStopped() {
		return internal(ErrQueueClosed)
	}

	// 1. validation
	if err := in.Validate(); err != nil {
		rcpt.Errors = append(rcpt.Errors, err.Error())
		m.reject(ctx, in, meta, "validation", rcpt.Errors, "")
		return rcpt
	}
	res := RunValidators(ctx, in, m.deps.Validators)
	rcpt.Warnings = append(rcpt.Warnings, res.Warnings...)
	if len(res.Errors) > 0 {
		logger.Warn().Strs("errors", res.Errors).Msg("intent validation failed")
		_ = in.UpdateStatus(StatusFailed, "Validation failed: "+strings.Join(res.Errors, "; "))
		rcpt.Errors = append(rcpt.Errors, res.Errors...)
		m.reject(ctx, in, meta, "validation", rcpt.Errors, "")
		return rcpt
	}

	// 2. risk gate
	decision := m.deps.Risk.Evaluate(riskRequest(in))
	if !decision.Approved {
		logger.Warn().Str("reason", decision.Reason).
			Str("limit", decision.Limit.String()).
			Str("observed", decision.Observed.String()).
			Msg("intent rejected by risk gate")
		if m.metrics != nil {
			m.metrics.RiskRejections.WithLabelValues(decision.Reason).Inc()
		}
		_ = in.UpdateStatus(StatusFailed, "Risk rejected: "+decision.Reason)
		rcpt.RiskReason = decision.Reason
		rcpt.Errors = append(rcpt.Errors, fmt.Sprintf("risk limit %s: %s exceeds %s",
			decision.Reason, decision.Observed, decision.Limit))
		m.reject(ctx, in, meta, "risk", rcpt.Errors, decision.Reason)
		return rcpt
	}
	if err := in.UpdateStatus(StatusValidated, ""); err != nil {
		rcpt.Errors = append(rcpt.Errors, err.Error())
		return rcpt
	}

	// 3. prioritization
	if _, err := Prioritize(ctx, m.deps.Prioritizer, in); err != nil && !errors.Is(err, ErrNoFeatures) {
		logger.Warn().Err(err).Msg("prioritizer failed, keeping existing priority")
	}

	if m.cfg.MaxQueueSize > 0 && m.queue.Len() >= m.cfg.MaxQueueSize {
		return internal(ErrQueueFull)
	}

	// 4. record + publish
	version, err := m.deps.Recorder.AggregateVersion(ctx, in.ID.String())
	if err != nil {
		return internal(fmt.Errorf("aggregate version: %w", err))
	}
	_ = in.UpdateStatus(StatusQueued, "")
	env, err := submittedEvent(in, meta, version+1)
	if err != nil {
		return internal(err)
	}
	if err := m.emitter.Emit(ctx, event.SubmittedSubject(string(in.Type)), env); err != nil {
		if errors.Is(err, core.ErrNotPublished) {
			m.abandon(ctx, in, env, version+2, err)
		}
		return internal(err)
	}

	// 5. enqueue
	pos, err := m.queue.Put(in, env.EventID)
	if err != nil {
		m.abandon(ctx, in, env, version+2, err)
		return internal(err)
	}
	m.observeDepth()

	logger.Info().Int("priority", in.Priority).Int("queue_position", pos).Msg("intent submitted")
	rcpt.Status = StatusQueued
	rcpt.QueuePosition = pos
	rcpt.EventID = env.EventID
	return rcpt
}

func riskRequest(in *Intent) risk.Request {
	req := risk.Request{IntentID: in.ID.String(), MaxSlippage: in.Constraints.MaxSlippage}
	if len(in.Assets) > 0 && in.Assets[0].Amount != nil {
		amt := *in.Assets[0].Amount
		req.Amount = &amt
	}
	return req
}

func submittedEvent(in *Intent, meta Metadata, aggregateVersion int64) (*event.Envelope, error) {
	snap, err := in.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("snapshot intent: %w", err)
	}
	payload := map[string]any{
		"intentId":         in.ID.String(),
		"strategyId":       in.StrategyID.String(),
		"intentType":       string(in.Type),
		"priority":         in.Priority,
		"status":           string(in.Status),
		"aggregateVersion": aggregateVersion,
		"intent":           snap,
		"metadata":         meta,
	}
	if in.ParentID != nil {
		payload["parentIntentId"] = in.ParentID.String()
	}
	return event.New(event.TopicIntentSubmitted, event.IntentCorrelation(in.ID.String()), payload), nil
}

// abandon closes an intent whose intent.submitted is recorded but which will
// never be processed, so the stored history does not end at submitted.
func (m *Manager) abandon(ctx context.Context, in *Intent, submitted *event.Envelope, aggregateVersion int64, cause error) {
	id := in.ID.String()
	reason := "Submission aborted: " + cause.Error()
	_ = in.UpdateStatus(StatusFailed, reason)
	env := event.New(event.TopicIntentStatusChanged, event.IntentCorrelation(id), map[string]any{
		"intentId":         id,
		"oldStatus":        string(StatusQueued),
		"newStatus":        string(StatusFailed),
		"reason":           reason,
		"aggregateVersion": aggregateVersion,
	}, event.WithCausation(submitted.EventID))
	if err := m.emitter.Emit(ctx, "", env); err != nil {
		m.log.Error().Err(err).Str("intent_id", id).Msg("recording abandoned submission failed")
	}
}

// reject records an intent.rejected audit event when enabled. Failures are
// logged; the receipt is already decided.
func (m *Manager) reject(ctx context.Context, in *Intent, meta Metadata, stage string, reasons []string, riskReason string) {
	if !m.cfg.AuditRejections || in.ID == uuid.Nil {
		return
	}
	payload := map[string]any{
		"intentId": in.ID.String(),
		"stage":    stage,
		"errors":   append([]string(nil), reasons...),
		"metadata": meta,
	}
	if riskReason != "" {
		payload["riskReason"] = riskReason
	}
	env := event.New(event.TopicIntentRejected, event.IntentCorrelation(in.ID.String()), payload)
	if err := m.emitter.Emit(ctx, "", env); err != nil {
		m.log.Warn().Err(err).Str("intent_id", in.ID.String()).Msg("rejection audit failed")
	}
}

// Start launches the worker loop.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil || m.stopped {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go func() {
		defer close(m.done)
		m.Run(ctx)
	}()
	m.log.Info().Msg("intent manager processing started")
}

// Run drains the queue until ctx is cancelled or the queue closes. A failed
// iteration sleeps with exponential backoff starting at RetryInitial.
func (m *Manager) Run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.RetryInitial
	bo.MaxInterval = m.cfg.RetryMax
	bo.Reset()

	for {
		item, err := m.queue.Get(ctx)
		if err != nil {
			if !errors.Is(err, ErrQueueClosed) && ctx.Err() == nil {
				m.log.Error().Err(err).Msg("queue read failed")
			}
			return
		}
		m.observeDepth()

		if err := m.process(ctx, item); err != nil {
			if ctx.Err() != nil {
				return
			}
			if m.metrics != nil {
				m.metrics.WorkerErrors.Inc()
			}
			wait := bo.NextBackOff()
			m.log.Error().Err(err).Str("intent_id", item.Intent.ID.String()).Dur("retry_in", wait).Msg("error processing intent queue")
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		bo.Reset()
	}
}

func (m *Manager) process(ctx context.Context, item *QueueItem) error {
	in := item.Intent
	id := in.ID.String()
	logger := m.log.With().Str("intent_id", id).Logger()
	logger.Info().Msg("processing intent from queue")

	// A retried item carries the envelope of its failed attempt, so the
	// coordinator dedups a status change that was recorded but not published.
	env := item.pending
	if env == nil {
		version, err := m.deps.Recorder.AggregateVersion(ctx, id)
		if err != nil {
			m.requeue(item)
			return fmt.Errorf("aggregate version: %w", err)
		}
		env = event.New(event.TopicIntentStatusChanged, event.IntentCorrelation(id), map[string]any{
			"intentId":         id,
			"oldStatus":        string(StatusQueued),
			"newStatus":        string(StatusProcessing),
			"aggregateVersion": version + 1,
		}, event.WithCausation(item.CauseEventID))
	}

	old := in.Status
	if err := in.UpdateStatus(StatusProcessing, ""); err != nil {
		logger.Warn().Err(err).Msg("skipping terminal intent")
		return nil
	}
	if err := m.emitter.Emit(ctx, "", env); err != nil {
		in.Status = old
		item.pending = env
		m.requeue(item)
		return err
	}
	item.pending = nil

	if m.deps.Pipeline == nil {
		return nil
	}
	subs, err := m.deps.Pipeline.Process(ctx, []*Intent{in})
	if err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	if m.metrics != nil {
		m.metrics.SubIntents.Add(float64(len(subs)))
	}
	logger.Info().Int("sub_intent_count", len(subs)).Msg("intent processed by pipeline")
	for _, sub := range subs {
		logger.Debug().Str("sub_id", sub.ID.String()).Msg("sub-intent created")
	}

	if m.deps.Planner == nil || len(subs) == 0 {
		return nil
	}
	if _, err := m.deps.Planner.Plan(ctx, in, subs, env); err != nil {
		return fmt.Errorf("plan: %w", err)
	}
	return nil
}

func (m *Manager) requeue(item *QueueItem) {
	if _, err := m.queue.Requeue(item); err != nil {
		m.log.Error().Err(err).Str("intent_id", item.Intent.ID.String()).Msg("requeue failed, intent dropped")
	}
}

func (m *Manager) observeDepth() {
	if m.metrics != nil {
		m.metrics.QueueDepth.Set(float64(m.queue.Len()))
	}
}

func (m *Manager) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

// Shutdown stops enqueuing, cancels the worker loop and waits for it to exit.
// Safe to call when the manager was never started or is already stopped.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	m.queue.Close()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		m.log.Info().Msg("intent manager shut down")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetIntentStatus returns the intent's projection or core.ErrNotFound.
func (m *Manager) GetIntentStatus(id string) (projection.IntentState, error) {
	if m.deps.States == nil {
		return projection.IntentState{}, core.ErrNotFound
	}
	return m.deps.States.GetIntentState(id)
}

// GetIntentHistory returns every stored event of the intent aggregate in version order.
func (m *Manager) GetIntentHistory(ctx context.Context, id string) ([]persistence.EventRecord, error) {
	if m.deps.History == nil {
		return nil, persistence.ErrNotFound
	}
	return m.deps.History.LoadAggregate(ctx, id)
}

// QueueSize is the number of intents waiting for the worker loop.
func (m *Manager) QueueSize() int {
	return m.queue.Len()
}
