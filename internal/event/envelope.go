package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// DefaultVersion is the payload schema version used when a producer does not set one.
const DefaultVersion = 1

// Envelope wraps every event that travels over the bus and lands in the event store.
// EventID is the deduplication key and is never reassigned once generated.
type Envelope struct {
	EventID       string         `json:"eventId"`
	Timestamp     time.Time      `json:"timestamp"`
	Topic         string         `json:"topic"`
	CorrelationID string         `json:"correlationId"`
	CausationID   string         `json:"causationId,omitempty"`
	Payload       map[string]any `json:"payload"`
	Version       int            `json:"version"`

	// Sequence is 0 until assigned. Coordinator-assigned sequences start at 1
	// and increase by one per CorrelationID.
	Sequence int64 `json:"sequence,omitempty"`
}

// Option customizes an envelope at construction time.
type Option func(*Envelope)

// WithCausation links the envelope to the event that caused it.
func WithCausation(eventID string) Option {
	return func(e *Envelope) { e.CausationID = eventID }
}

// WithVersion overrides the payload schema version.
func WithVersion(v int) Option {
	return func(e *Envelope) { e.Version = v }
}

// WithSequence sets a producer-supplied sequence number.
func WithSequence(seq int64) Option {
	return func(e *Envelope) { e.Sequence = seq }
}

// WithTimestamp overrides the creation time. The id is derived from it.
func WithTimestamp(ts time.Time) Option {
	return func(e *Envelope) { e.Timestamp = ts.UTC() }
}

// WithID sets a caller-derived event id, for events that must keep their
// identity when emitted again.
func WithID(id string) Option {
	return func(e *Envelope) { e.EventID = id }
}

// New creates an envelope with a fresh, time-sortable id unless WithID is given.
func New(topic, correlationID string, payload map[string]any, opts ...Option) *Envelope {
	env := &Envelope{
		Timestamp:     time.Now().UTC(),
		Topic:         topic,
		CorrelationID: correlationID,
		Payload:       payload,
		Version:       DefaultVersion,
	}
	for _, opt := range opts {
		opt(env)
	}
	if env.Payload == nil {
		env.Payload = map[string]any{}
	}
	if env.EventID == "" {
		env.EventID = DefaultIDs.NewAt(env.Timestamp)
	}
	return env
}

// Validate checks the fields every envelope must carry.
func (e *Envelope) Validate() error {
	switch {
	case e.EventID == "":
		return fmt.Errorf("envelope: missing event id")
	case e.Topic == "":
		return fmt.Errorf("envelope %s: missing topic", e.EventID)
	case e.CorrelationID == "":
		return fmt.Errorf("envelope %s: missing correlation id", e.EventID)
	case e.Version < 1:
		return fmt.Errorf("envelope %s: invalid version %d", e.EventID, e.Version)
	case e.Sequence < 0:
		return fmt.Errorf("envelope %s: negative sequence %d", e.EventID, e.Sequence)
	}
	return nil
}

// WithAssignedSequence returns a copy of the envelope carrying seq.
// The receiver is left untouched.
func (e *Envelope) WithAssignedSequence(seq int64) *Envelope {
	cp := *e
	cp.Sequence = seq
	return &cp
}

// Marshal encodes the envelope as wire JSON.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes wire JSON into an envelope and validates it.
func Unmarshal(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Version == 0 {
		env.Version = DefaultVersion
	}
	if env.Payload == nil {
		env.Payload = map[string]any{}
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// String returns a short identifier for logs.
func (e *Envelope) String() string {
	return fmt.Sprintf("%s[%s corr=%s seq=%d]", e.Topic, e.EventID, e.CorrelationID, e.Sequence)
}

// PayloadString reads a string field from the payload. Missing or non-string values yield "".
func (e *Envelope) PayloadString(key string) string {
	if v, ok := e.Payload[key].(string); ok {
		return v
	}
	return ""
}
