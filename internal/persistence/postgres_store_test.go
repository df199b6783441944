package persistence_test

import (
	"IntentFlow/internal/event"
	"IntentFlow/internal/persistence"
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*persistence.PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return persistence.NewPostgresStore(db), mock
}

func mustRecord(seq int64) persistence.EventRecord {
	env := event.New(event.TopicIntentSubmitted, "intent:abc",
		map[string]any{"intentId": "abc"},
		event.WithSequence(seq),
	)
	return persistence.RecordFromEnvelope(env)
}

func TestPostgresAppendWritesMarkerAndEventInOneTx(t *testing.T) {
	store, mock := newMockStore(t)
	rec := mustRecord(1)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO event_store.applied_events`)).
		WithArgs(rec.EventID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO event_store.events`)).
		WithArgs(rec.EventID, event.TopicIntentSubmitted, "intent:abc", sqlmock.AnyArg(), 1, int64(1),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	written, err := store.Append(context.Background(), rec)
	require.NoError(t, err)
	assert.True(t, written)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAppendDuplicateIsNoop(t *testing.T) {
	store, mock := newMockStore(t)
	rec := mustRecord(1)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO event_store.applied_events`)).
		WithArgs(rec.EventID).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	written, err := store.Append(context.Background(), rec)
	require.NoError(t, err)
	assert.False(t, written)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAppendUniqueViolationIsDuplicate(t *testing.T) {
	store, mock := newMockStore(t)
	rec := mustRecord(1)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO event_store.applied_events`)).
		WithArgs(rec.EventID).
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	written, err := store.Append(context.Background(), rec)
	require.NoError(t, err)
	assert.False(t, written)
}

func TestPostgresAppendRollsBackOnEventInsertFailure(t *testing.T) {
	store, mock := newMockStore(t)
	rec := mustRecord(2)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO event_store.applied_events`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO event_store.events`)).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err := store.Append(context.Background(), rec)
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresIsApplied(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT 1 FROM event_store.applied_events`)).
		WithArgs("known").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT 1 FROM event_store.applied_events`)).
		WithArgs("unknown").
		WillReturnError(sql.ErrNoRows)

	ok, err := store.IsApplied(context.Background(), "known")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.IsApplied(context.Background(), "unknown")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPostgresAggregateVersionDefaultsToZero(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COALESCE(MAX(aggregate_version), 0) FROM event_store.events WHERE aggregate_id = $1`)).
		WithArgs("new-intent").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(int64(0)))

	v, err := store.AggregateVersion(context.Background(), "new-intent")
	require.NoError(t, err)
	assert.Zero(t, v)
}

func TestPostgresLoadAggregateOrdersByVersion(t *testing.T) {
	store, mock := newMockStore(t)
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	cols := []string{"event_id", "topic", "correlation_id", "causation_id", "version", "sequence",
		"payload", "timestamp", "aggregate_id", "aggregate_type", "aggregate_version", "recorded_at"}
	mock.ExpectQuery(regexp.QuoteMeta(`ORDER BY aggregate_version ASC`)).
		WithArgs("abc").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("e1", "intent.submitted", "intent:abc", nil, 1, int64(1), []byte(`{"intentId":"abc"}`), ts, "abc", "intent", int64(1), ts).
			AddRow("e2", "intent.status_changed", "intent:abc", "e1", 1, int64(2), []byte(`{"newStatus":"processing"}`), ts, "abc", "intent", int64(2), ts))

	recs, err := store.LoadAggregate(context.Background(), "abc")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "", recs[0].CausationID)
	assert.Equal(t, "e1", recs[1].CausationID)
	assert.Equal(t, "processing", recs[1].Payload["newStatus"])
	assert.Equal(t, int64(2), recs[1].AggregateVersion)
}

func TestPostgresLoadAggregateUnknown(t *testing.T) {
	store, mock := newMockStore(t)
	cols := []string{"event_id", "topic", "correlation_id", "causation_id", "version", "sequence",
		"payload", "timestamp", "aggregate_id", "aggregate_type", "aggregate_version", "recorded_at"}
	mock.ExpectQuery(regexp.QuoteMeta(`FROM event_store.events`)).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(cols))

	_, err := store.LoadAggregate(context.Background(), "missing")
	assert.ErrorIs(t, err, persistence.ErrNotFound)
}
