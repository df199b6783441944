package persistence_test

import (
	"IntentFlow/internal/event"
	"IntentFlow/internal/persistence"
	"IntentFlow/internal/testutil"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStoreIntegration(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	store := persistence.NewPostgresStore(db)
	ctx := context.Background()

	first := event.New(event.TopicIntentSubmitted, "intent:it-1", map[string]any{"intentId": "it-1"}, event.WithSequence(1))
	second := event.New(event.TopicIntentStatusChanged, "intent:it-1", map[string]any{"intentId": "it-1"},
		event.WithSequence(2), event.WithCausation(first.EventID))

	for _, env := range []*event.Envelope{first, second} {
		written, err := store.Append(ctx, persistence.RecordFromEnvelope(env))
		require.NoError(t, err)
		assert.True(t, written)
	}

	written, err := store.Append(ctx, persistence.RecordFromEnvelope(first))
	require.NoError(t, err)
	assert.False(t, written, "replayed event id must not produce a second row")

	applied, err := store.IsApplied(ctx, first.EventID)
	require.NoError(t, err)
	assert.True(t, applied)

	last, err := store.LastSequence(ctx, "intent:it-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), last)

	recs, err := store.LoadAggregate(ctx, "it-1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, first.EventID, recs[0].EventID)
	assert.Equal(t, first.EventID, recs[1].CausationID)

	page, err := store.LoadAll(ctx, persistence.Cursor{}, 10)
	require.NoError(t, err)
	assert.Len(t, page, 2)
}
