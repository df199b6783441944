package core

import (
	"context"
	"fmt"
)

// SequenceLoader returns the highest stored sequence of a correlation group.
type SequenceLoader func(ctx context.Context, correlationID string) (int64, error)

// Sequencer hands out per-correlation sequence numbers starting at 1. Groups
// not seen since startup are resumed from the store on first use.
// Not safe for concurrent use; the coordinator serializes access.
type Sequencer struct {
	last map[string]int64
	load SequenceLoader
}

func NewSequencer(load SequenceLoader) *Sequencer {
	return &Sequencer{
		last: make(map[string]int64),
		load: load,
	}
}

func (s *Sequencer) current(ctx context.Context, correlationID string) (int64, error) {
	if n, ok := s.last[correlationID]; ok {
		return n, nil
	}
	if s.load == nil {
		return 0, nil
	}
	n, err := s.load(ctx, correlationID)
	if err != nil {
		return 0, fmt.Errorf("resume sequence %s: %w", correlationID, err)
	}
	s.last[correlationID] = n
	return n, nil
}

// Next reserves the next sequence for correlationID.
func (s *Sequencer) Next(ctx context.Context, correlationID string) (int64, error) {
	n, err := s.current(ctx, correlationID)
	if err != nil {
		return 0, err
	}
	n++
	s.last[correlationID] = n
	return n, nil
}

// Release gives back seq if it is still the latest reservation, so a failed
// append does not leave a gap.
func (s *Sequencer) Release(correlationID string, seq int64) {
	if s.last[correlationID] == seq {
		s.last[correlationID] = seq - 1
	}
}

// Sequence anomalies reported by Observe. Both are accepted; the read models
// resolve them last-write-wins.
const (
	AnomalyNone  = ""
	AnomalyGap   = "gap"
	AnomalyStale = "stale"
)

// Observe records a producer-supplied or replayed sequence so later
// assignments continue after it. It never reorders or rewrites seq, and
// reports whether seq skipped ahead of or fell behind the group.
func (s *Sequencer) Observe(ctx context.Context, correlationID string, seq int64) (string, error) {
	n, err := s.current(ctx, correlationID)
	if err != nil {
		return AnomalyNone, err
	}
	switch {
	case seq == n+1:
		s.last[correlationID] = seq
		return AnomalyNone, nil
	case seq > n+1:
		s.last[correlationID] = seq
		return AnomalyGap, nil
	default:
		return AnomalyStale, nil
	}
}

// Last returns the latest known sequence of correlationID without loading.
func (s *Sequencer) Last(correlationID string) int64 {
	return s.last[correlationID]
}
