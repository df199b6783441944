package stream

import (
	"IntentFlow/internal/event"
	"context"
	"fmt"
	"sync"
	"time"
)

// ReplayBuffer is the capped, time-bounded fast buffer mirrored on publish.
// It is best-effort: it never guarantees coverage of gaps in the durable stream.
type ReplayBuffer interface {
	Append(ctx context.Context, subject string, env *event.Envelope) error
	// Range returns envelopes appended to subject within [from, to], in
	// insertion order. A zero from means the start of retention, a zero to means now.
	Range(ctx context.Context, subject string, from, to time.Time) ([]*event.Envelope, error)
}

type bufferEntry struct {
	at   time.Time
	data []byte
}

// DefaultRetention applies when a buffer is built with a non-positive retention.
const DefaultRetention = 24 * time.Hour

func retentionOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultRetention
	}
	return d
}

// MemoryBuffer is an in-process ReplayBuffer used by the local transport and
// when no Redis is configured. Oldest entries are evicted first.
type MemoryBuffer struct {
	mu        sync.Mutex
	maxLen    int
	retention time.Duration
	now       func() time.Time
	entries   map[string][]bufferEntry
}

func NewMemoryBuffer(maxLen int, retention time.Duration) *MemoryBuffer {
	return &MemoryBuffer{
		maxLen:    maxLen,
		retention: retentionOrDefault(retention),
		now:       time.Now,
		entries:   make(map[string][]bufferEntry),
	}
}

// SetClock replaces the buffer's time source.
func (b *MemoryBuffer) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

func (b *MemoryBuffer) Append(_ context.Context, subject string, env *event.Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("buffer encode %s: %w", env.EventID, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	list := append(b.entries[subject], bufferEntry{at: b.now(), data: data})
	list = b.trim(list)
	b.entries[subject] = list
	return nil
}

func (b *MemoryBuffer) trim(list []bufferEntry) []bufferEntry {
	cutoff := b.now().Add(-b.retention)
	start := 0
	for start < len(list) && list[start].at.Before(cutoff) {
		start++
	}
	if over := len(list) - start - b.maxLen; b.maxLen > 0 && over > 0 {
		start += over
	}
	if start == 0 {
		return list
	}
	return append([]bufferEntry(nil), list[start:]...)
}

func (b *MemoryBuffer) Range(_ context.Context, subject string, from, to time.Time) ([]*event.Envelope, error) {
	b.mu.Lock()
	list := b.trim(b.entries[subject])
	b.entries[subject] = list
	if to.IsZero() {
		to = b.now()
	}
	b.mu.Unlock()

	var out []*event.Envelope
	for _, e := range list {
		if e.at.Before(from) || e.at.After(to) {
			continue
		}
		env, err := event.Unmarshal(e.data)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, nil
}

// Len returns the number of retained entries for subject.
func (b *MemoryBuffer) Len(subject string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries[subject])
}
