package persistence_test

import (
	"IntentFlow/internal/event"
	"IntentFlow/internal/persistence"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreAppendIsIdempotent(t *testing.T) {
	store := persistence.NewMemoryStore()
	ctx := context.Background()
	rec := mustRecord(1)

	written, err := store.Append(ctx, rec)
	require.NoError(t, err)
	assert.True(t, written)

	written, err = store.Append(ctx, rec)
	require.NoError(t, err)
	assert.False(t, written)
	assert.Equal(t, 1, store.Count(rec.EventID))

	applied, err := store.IsApplied(ctx, rec.EventID)
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestMemoryStoreSequencesAndVersions(t *testing.T) {
	store := persistence.NewMemoryStore()
	ctx := context.Background()

	for seq := int64(1); seq <= 3; seq++ {
		_, err := store.Append(ctx, mustRecord(seq))
		require.NoError(t, err)
	}

	last, err := store.LastSequence(ctx, "intent:abc")
	require.NoError(t, err)
	assert.Equal(t, int64(3), last)

	v, err := store.AggregateVersion(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)

	v, err = store.AggregateVersion(ctx, "other")
	require.NoError(t, err)
	assert.Zero(t, v)

	_, err = store.LoadAggregate(ctx, "other")
	assert.ErrorIs(t, err, persistence.ErrNotFound)
}

func TestMemoryStoreLoadAllPagesInCorrelationOrder(t *testing.T) {
	store := persistence.NewMemoryStore()
	ctx := context.Background()

	add := func(corr string, seq int64) {
		env := event.New(event.TopicExecStarted, corr, nil, event.WithSequence(seq))
		_, err := store.Append(ctx, persistence.RecordFromEnvelope(env))
		require.NoError(t, err)
	}
	add("intent:b", 1)
	add("intent:a", 2)
	add("intent:a", 1)
	add("intent:b", 2)

	page, err := store.LoadAll(ctx, persistence.Cursor{}, 3)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, "intent:a", page[0].CorrelationID)
	assert.Equal(t, int64(1), page[0].Sequence)
	assert.Equal(t, int64(2), page[1].Sequence)
	assert.Equal(t, "intent:b", page[2].CorrelationID)

	last := page[len(page)-1]
	rest, err := store.LoadAll(ctx, persistence.Cursor{CorrelationID: last.CorrelationID, Sequence: last.Sequence}, 3)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, int64(2), rest[0].Sequence)
}

func TestRecordFromEnvelopeDerivesAggregate(t *testing.T) {
	env := event.New(event.TopicPlanCreated, "intent:abc",
		map[string]any{"planId": "p1", "intentId": "abc"},
		event.WithSequence(4),
		event.WithCausation("cause"),
	)
	rec := persistence.RecordFromEnvelope(env)

	assert.Equal(t, "abc", rec.AggregateID)
	assert.Equal(t, "plan", rec.AggregateType)
	assert.Equal(t, int64(4), rec.AggregateVersion)

	back := rec.Envelope()
	assert.Equal(t, env.EventID, back.EventID)
	assert.Equal(t, "cause", back.CausationID)
	assert.Equal(t, int64(4), back.Sequence)
}
