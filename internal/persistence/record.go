package persistence

import (
	"IntentFlow/internal/event"
	"errors"
	"time"
)

// ErrNotFound is returned by lookups on unknown aggregates.
var ErrNotFound = errors.New("not found")

// EventRecord is one append-only row of the event store. Aggregate columns
// keep history queries compatible with aggregate-versioned installations:
// AggregateID is the intent id (or plan id when no intent is referenced) and
// AggregateVersion equals the per-correlation sequence.
type EventRecord struct {
	EventID          string
	Topic            string
	CorrelationID    string
	CausationID      string
	Version          int
	Sequence         int64
	Payload          map[string]any
	Timestamp        time.Time
	AggregateID      string
	AggregateType    string
	AggregateVersion int64
	RecordedAt       time.Time
}

// Cursor positions a (correlation_id, sequence) ordered scan. The zero value
// starts from the beginning.
type Cursor struct {
	CorrelationID string
	Sequence      int64
}

// RecordFromEnvelope builds a store row from a sequenced envelope.
func RecordFromEnvelope(env *event.Envelope) EventRecord {
	rec := EventRecord{
		EventID:          env.EventID,
		Topic:            env.Topic,
		CorrelationID:    env.CorrelationID,
		CausationID:      env.CausationID,
		Version:          env.Version,
		Sequence:         env.Sequence,
		Payload:          env.Payload,
		Timestamp:        env.Timestamp,
		AggregateType:    event.Family(env.Topic),
		AggregateVersion: env.Sequence,
	}
	switch {
	case env.PayloadString("intentId") != "":
		rec.AggregateID = env.PayloadString("intentId")
	case env.PayloadString("planId") != "":
		rec.AggregateID = env.PayloadString("planId")
	case env.PayloadString("id") != "":
		rec.AggregateID = env.PayloadString("id")
	}
	return rec
}

// Envelope converts the row back into its wire form.
func (r EventRecord) Envelope() *event.Envelope {
	payload := r.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return &event.Envelope{
		EventID:       r.EventID,
		Timestamp:     r.Timestamp,
		Topic:         r.Topic,
		CorrelationID: r.CorrelationID,
		CausationID:   r.CausationID,
		Payload:       payload,
		Version:       r.Version,
		Sequence:      r.Sequence,
	}
}
