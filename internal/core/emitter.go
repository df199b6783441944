package core

import (
	"IntentFlow/internal/event"
	"IntentFlow/internal/stream"
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// ErrNotPublished marks an Emit whose record committed but whose publish failed.
var ErrNotPublished = errors.New("recorded but not published")

// Recorder persists one envelope through the coordinator.
type Recorder interface {
	ApplyEvent(ctx context.Context, env *event.Envelope) error
}

// Emitter records an envelope durably and then publishes it. Subscribers
// that record the same envelope again hit the coordinator's dedup.
type Emitter struct {
	rec Recorder
	pub stream.Publisher
	log zerolog.Logger
}

func NewEmitter(rec Recorder, pub stream.Publisher, logger zerolog.Logger) *Emitter {
	return &Emitter{rec: rec, pub: pub, log: logger}
}

// Emit records env then publishes it on subject (env.Topic when empty).
// A publish failure after a successful record is returned wrapped in
// ErrNotPublished; the event is already committed.
func (e *Emitter) Emit(ctx context.Context, subject string, env *event.Envelope) error {
	if subject == "" {
		subject = env.Topic
	}
	if e.rec != nil {
		if err := e.rec.ApplyEvent(ctx, env); err != nil {
			return fmt.Errorf("record %s: %w", env.Topic, err)
		}
	}
	if e.pub == nil {
		return nil
	}
	if _, err := e.pub.Publish(ctx, subject, env); err != nil {
		e.log.Error().Err(err).
			Str("topic", env.Topic).
			Str("correlation_id", env.CorrelationID).
			Str("event_id", env.EventID).
			Msg("publish after record failed")
		return fmt.Errorf("%w: publish %s: %w", ErrNotPublished, subject, err)
	}
	return nil
}
