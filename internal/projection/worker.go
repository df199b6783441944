package projection

import (
	"IntentFlow/internal/cache"
	"IntentFlow/internal/observability"
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Cache is where read models are mirrored for low-latency external reads.
type Cache interface {
	PutJSON(ctx context.Context, key string, v any, ttl time.Duration) error
}

// MirrorWorker copies updated read models into the cache. Its input is fed
// non-blocking: when the channel is full the update is dropped, since the
// in-memory store stays authoritative and the cache can be rebuilt.
type MirrorWorker struct {
	cache   Cache
	input   chan Update
	ttl     time.Duration
	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewMirrorWorker(c Cache, capacity int, ttl time.Duration, logger zerolog.Logger, metrics *observability.Metrics) *MirrorWorker {
	return &MirrorWorker{
		cache:   c,
		input:   make(chan Update, capacity),
		ttl:     ttl,
		log:     logger,
		metrics: metrics,
	}
}

// Offer queues upd without blocking and reports whether it was accepted.
func (w *MirrorWorker) Offer(upd Update) bool {
	select {
	case w.input <- upd:
		return true
	default:
		if w.metrics != nil {
			w.metrics.ProjectionDrops.Inc()
		}
		return false
	}
}

// Run drains the input until ctx is cancelled.
func (w *MirrorWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case upd := <-w.input:
			w.mirror(ctx, upd)
		}
	}
}

func (w *MirrorWorker) mirror(ctx context.Context, upd Update) {
	if upd.Intent != nil {
		if err := w.cache.PutJSON(ctx, cache.IntentKey(upd.Intent.IntentID), upd.Intent, w.ttl); err != nil {
			w.fail(err, upd.Intent.IntentID, upd.Intent.LastEventID)
		}
	}
	if upd.Plan != nil {
		if err := w.cache.PutJSON(ctx, cache.PlanKey(upd.Plan.PlanID), upd.Plan, w.ttl); err != nil {
			w.fail(err, upd.Plan.PlanID, upd.Plan.LastEventID)
		}
	}
}

func (w *MirrorWorker) fail(err error, aggregateID, eventID string) {
	if w.metrics != nil {
		w.metrics.CacheMirrorError.Inc()
	}
	w.log.Warn().Err(err).
		Str("aggregate_id", aggregateID).
		Str("event_id", eventID).
		Msg("read model mirror failed")
}
