package core

import (
	"container/list"
	"context"
	"time"

	"github.com/rs/zerolog"
)

// SeenCache is the expiring "already applied" marker store (Redis in production).
type SeenCache interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	MarkSeen(ctx context.Context, eventID string, ttl time.Duration) (bool, error)
}

// AppliedChecker is the permanent, durable dedup lookup.
type AppliedChecker interface {
	IsApplied(ctx context.Context, eventID string) (bool, error)
}

// Tiers reported by IdempotencyChecker.
const (
	TierLRU   = "lru"
	TierCache = "cache"
	TierStore = "store"
)

// IdempotencyChecker answers "was this event id already applied" from three
// tiers: an in-process LRU, the expiring cache marker, and the durable store.
// Markers are only written after the store commit, so every tier agrees with
// the store for as long as it remembers the id.
// Not safe for concurrent use; the coordinator serializes access.
type IdempotencyChecker struct {
	lru    *IdempotencyLRU
	cache  SeenCache
	store  AppliedChecker
	ttl    time.Duration
	log    zerolog.Logger
	errors int64
}

func NewIdempotencyChecker(capacity int, cache SeenCache, store AppliedChecker, ttl time.Duration, logger zerolog.Logger) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:   NewIdempotencyLRU(capacity),
		cache: cache,
		store: store,
		ttl:   ttl,
		log:   logger,
	}
}

// IsDuplicate reports whether eventID was applied and which tier knew it.
// Lookup errors are logged and treated as "not seen": the store's unique
// marker still rejects the duplicate at append time.
func (ic *IdempotencyChecker) IsDuplicate(ctx context.Context, eventID string) (bool, string) {
	if ic.lru.Contains(eventID) {
		return true, TierLRU
	}

	if ic.cache != nil {
		seen, err := ic.cache.Seen(ctx, eventID)
		if err != nil {
			ic.errors++
			ic.log.Warn().Err(err).Str("event_id", eventID).Msg("seen-cache lookup failed")
		} else if seen {
			ic.lru.Add(eventID)
			return true, TierCache
		}
	}

	if ic.store != nil {
		applied, err := ic.store.IsApplied(ctx, eventID)
		if err != nil {
			ic.errors++
			ic.log.Warn().Err(err).Str("event_id", eventID).Msg("durable dedup lookup failed")
		} else if applied {
			ic.lru.Add(eventID)
			return true, TierStore
		}
	}

	return false, ""
}

// MarkProcessed records eventID after its store commit.
func (ic *IdempotencyChecker) MarkProcessed(ctx context.Context, eventID string) {
	ic.lru.Add(eventID)
	if ic.cache == nil {
		return
	}
	if _, err := ic.cache.MarkSeen(ctx, eventID, ic.ttl); err != nil {
		ic.errors++
		ic.log.Warn().Err(err).Str("event_id", eventID).Msg("seen-cache mark failed")
	}
}

// Warm loads already-applied ids into the LRU without touching the cache.
func (ic *IdempotencyChecker) Warm(eventIDs ...string) {
	for _, id := range eventIDs {
		ic.lru.Add(id)
	}
}

// LookupErrors returns the number of failed tier lookups or marks.
func (ic *IdempotencyChecker) LookupErrors() int64 {
	return ic.errors
}

// IdempotencyLRU is a bounded recently-applied set of event ids.
type IdempotencyLRU struct {
	capacity  int
	index     map[string]*list.Element
	order     *list.List
	evictions int64
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	if capacity <= 0 {
		capacity = 1
	}
	return &IdempotencyLRU{
		capacity: capacity,
		index:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

// Contains checks membership and promotes the id.
func (l *IdempotencyLRU) Contains(id string) bool {
	if elem, ok := l.index[id]; ok {
		l.order.MoveToFront(elem)
		return true
	}
	return false
}

// Add inserts id, evicting the least recently used entry past capacity.
func (l *IdempotencyLRU) Add(id string) {
	if elem, ok := l.index[id]; ok {
		l.order.MoveToFront(elem)
		return
	}
	l.index[id] = l.order.PushFront(id)
	if l.order.Len() > l.capacity {
		oldest := l.order.Back()
		l.order.Remove(oldest)
		delete(l.index, oldest.Value.(string))
		l.evictions++
	}
}

func (l *IdempotencyLRU) Size() int { return l.order.Len() }

func (l *IdempotencyLRU) Evictions() int64 { return l.evictions }
