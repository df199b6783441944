package core

import (
	"IntentFlow/internal/event"
	"IntentFlow/internal/observability"
	"IntentFlow/internal/persistence"
	"IntentFlow/internal/projection"
	"IntentFlow/internal/stream"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrNotFound is returned for read-model lookups on unknown ids.
var ErrNotFound = errors.New("not found")

// EventStore is the durable, append-only log the coordinator writes to.
type EventStore interface {
	AppliedChecker
	Append(ctx context.Context, rec persistence.EventRecord) (bool, error)
	LastSequence(ctx context.Context, correlationID string) (int64, error)
	AggregateVersion(ctx context.Context, aggregateID string) (int64, error)
	LoadAll(ctx context.Context, after persistence.Cursor, limit int) ([]persistence.EventRecord, error)
}

// Config tunes the coordinator.
type Config struct {
	LRUCapacity int
	DedupTTL    time.Duration
	RebuildPage int
}

func DefaultConfig() Config {
	return Config{
		LRUCapacity: 100_000,
		DedupTTL:    24 * time.Hour,
		RebuildPage: 500,
	}
}

// Coordinator is the single writer of durable state. Every applyEvent runs
// under one lock: dedup, sequence assignment, store append, projection fold.
// The store append is the commit point; projection and cache work after it
// never undo a committed event.
type Coordinator struct {
	mu sync.Mutex

	store       EventStore
	idempotency *IdempotencyChecker
	sequencer   *Sequencer
	projections *projection.Store
	mirror      *projection.MirrorWorker
	cfg         Config

	log     zerolog.Logger
	metrics *observability.Metrics
}

// NewCoordinator wires the coordinator. seen and mirror may be nil when no cache is configured.
func NewCoordinator(
	store EventStore,
	seen SeenCache,
	mirror *projection.MirrorWorker,
	cfg Config,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *Coordinator {
	if cfg.RebuildPage <= 0 {
		cfg.RebuildPage = DefaultConfig().RebuildPage
	}
	return &Coordinator{
		store:       store,
		idempotency: NewIdempotencyChecker(cfg.LRUCapacity, seen, store, cfg.DedupTTL, logger),
		sequencer:   NewSequencer(store.LastSequence),
		projections: projection.NewStore(),
		mirror:      mirror,
		cfg:         cfg,
		log:         logger,
		metrics:     metrics,
	}
}

// ApplyEvent commits env exactly once. A repeated event id is a no-op.
func (c *Coordinator) ApplyEvent(ctx context.Context, env *event.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	start := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Step 1: idempotency
	if dup, tier := c.idempotency.IsDuplicate(ctx, env.EventID); dup {
		c.recordDuplicate(env, tier)
		return nil
	}

	// Step 2: sequence
	seq := env.Sequence
	assigned := seq == 0
	if assigned {
		n, err := c.sequencer.Next(ctx, env.CorrelationID)
		if err != nil {
			return c.fail(env, err)
		}
		seq = n
	} else {
		kind, err := c.sequencer.Observe(ctx, env.CorrelationID, seq)
		if err != nil {
			return c.fail(env, err)
		}
		if kind != AnomalyNone {
			c.recordAnomaly(env, kind)
		}
	}
	sequenced := env.WithAssignedSequence(seq)

	// Step 3: durable append (commit point)
	written, err := c.store.Append(ctx, persistence.RecordFromEnvelope(sequenced))
	if err != nil {
		if assigned {
			c.sequencer.Release(env.CorrelationID, seq)
		}
		return c.fail(env, err)
	}
	if !written {
		if assigned {
			c.sequencer.Release(env.CorrelationID, seq)
		}
		c.idempotency.Warm(env.EventID)
		c.recordDuplicate(env, TierStore)
		return nil
	}

	// Step 4: read models
	upd := c.projections.Apply(sequenced)

	// Step 5: best-effort mirrors
	if c.mirror != nil && !upd.Empty() {
		c.mirror.Offer(upd)
	}
	c.idempotency.MarkProcessed(ctx, env.EventID)

	if c.metrics != nil {
		c.metrics.EventsApplied.WithLabelValues(env.Topic).Inc()
		c.metrics.ApplyDuration.Observe(time.Since(start).Seconds())
	}
	c.log.Debug().
		Str("topic", env.Topic).
		Str("correlation_id", env.CorrelationID).
		Str("event_id", env.EventID).
		Int64("sequence", seq).
		Msg("event applied")
	return nil
}

func (c *Coordinator) recordDuplicate(env *event.Envelope, tier string) {
	if c.metrics != nil {
		c.metrics.EventsDuplicate.WithLabelValues(tier).Inc()
	}
	c.log.Debug().
		Str("topic", env.Topic).
		Str("event_id", env.EventID).
		Str("tier", tier).
		Msg("duplicate event ignored")
}

func (c *Coordinator) recordAnomaly(env *event.Envelope, kind string) {
	if c.metrics != nil {
		c.metrics.SequenceAnomalies.WithLabelValues(kind).Inc()
	}
	c.log.Warn().
		Str("topic", env.Topic).
		Str("correlation_id", env.CorrelationID).
		Str("event_id", env.EventID).
		Int64("sequence", env.Sequence).
		Str("kind", kind).
		Msg("producer sequence out of order")
}

func (c *Coordinator) fail(env *event.Envelope, err error) error {
	if c.metrics != nil {
		c.metrics.ApplyErrors.WithLabelValues(env.Topic).Inc()
	}
	c.log.Error().Err(err).
		Str("topic", env.Topic).
		Str("correlation_id", env.CorrelationID).
		Str("event_id", env.EventID).
		Msg("apply failed")
	return fmt.Errorf("apply %s: %w", env.EventID, err)
}

// Subscribe attaches the coordinator to every intent, plan and exec subject on the bus.
func (c *Coordinator) Subscribe(ctx context.Context, bus stream.Bus) error {
	subs := []struct{ subject, durable string }{
		{event.SubjectIntents, "state-coordinator-intent"},
		{event.SubjectPlans, "state-coordinator-plan"},
		{event.SubjectExec, "state-coordinator-exec"},
	}
	for _, s := range subs {
		if err := bus.Subscribe(ctx, s.subject, s.durable, c.ApplyEvent); err != nil {
			return fmt.Errorf("coordinator subscribe %s: %w", s.subject, err)
		}
	}
	return nil
}

// GetIntentState reads the intent projection.
func (c *Coordinator) GetIntentState(id string) (projection.IntentState, error) {
	st, ok := c.projections.Intent(id)
	if !ok {
		return projection.IntentState{}, ErrNotFound
	}
	return st, nil
}

// GetPlanState reads the plan projection.
func (c *Coordinator) GetPlanState(id string) (projection.PlanState, error) {
	p, ok := c.projections.Plan(id)
	if !ok {
		return projection.PlanState{}, ErrNotFound
	}
	return p, nil
}

// AggregateVersion returns the latest stored aggregate version, 0 if none.
func (c *Coordinator) AggregateVersion(ctx context.Context, aggregateID string) (int64, error) {
	return c.store.AggregateVersion(ctx, aggregateID)
}

// Rebuild replays the whole store in (correlation, sequence) order to restore
// projections, sequence counters and the dedup LRU. It returns the number of
// events replayed.
func (c *Coordinator) Rebuild(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.projections.Reset()
	var (
		cursor persistence.Cursor
		total  int
	)
	for {
		page, err := c.store.LoadAll(ctx, cursor, c.cfg.RebuildPage)
		if err != nil {
			return total, fmt.Errorf("rebuild after %v: %w", cursor, err)
		}
		for _, rec := range page {
			env := rec.Envelope()
			c.projections.Apply(env)
			c.idempotency.Warm(env.EventID)
			if _, err := c.sequencer.Observe(ctx, env.CorrelationID, env.Sequence); err != nil {
				return total, err
			}
			total++
		}
		if len(page) < c.cfg.RebuildPage {
			break
		}
		last := page[len(page)-1]
		cursor = persistence.Cursor{CorrelationID: last.CorrelationID, Sequence: last.Sequence}
	}

	intents, plans := c.projections.Len()
	c.log.Info().Int("events", total).Int("intents", intents).Int("plans", plans).Msg("projections rebuilt")
	return total, nil
}
