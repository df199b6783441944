package core_test

import (
	"IntentFlow/internal/core"
	"IntentFlow/internal/event"
	"IntentFlow/internal/persistence"
	"IntentFlow/internal/stream"
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

type downPublisher struct{}

func (downPublisher) Publish(context.Context, string, *event.Envelope) (stream.PubAck, error) {
	return stream.PubAck{}, stream.ErrPublishTimeout
}

func TestEmitterSeparatesRecordAndPublishFailures(t *testing.T) {
	ctx := context.Background()

	store := persistence.NewMemoryStore()
	e := core.NewEmitter(newTestCoordinator(store), downPublisher{}, zerolog.Nop())
	env := submitted("i-1")
	err := e.Emit(ctx, "", env)
	if !errors.Is(err, core.ErrNotPublished) || !errors.Is(err, stream.ErrPublishTimeout) {
		t.Fatalf("expected a not-published publish timeout, got %v", err)
	}
	if store.Count(env.EventID) != 1 {
		t.Fatal("the event must be recorded before the publish fails")
	}

	broken := &flakyStore{MemoryStore: persistence.NewMemoryStore(), failures: 1}
	e = core.NewEmitter(newTestCoordinator(broken), downPublisher{}, zerolog.Nop())
	err = e.Emit(ctx, "", submitted("i-2"))
	if err == nil || errors.Is(err, core.ErrNotPublished) {
		t.Fatalf("expected a record failure, got %v", err)
	}
}
