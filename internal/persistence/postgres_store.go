package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

const (
	insertMarkerSQL = `INSERT INTO event_store.applied_events (event_id) VALUES ($1) ON CONFLICT (event_id) DO NOTHING`

	insertEventSQL = `INSERT INTO event_store.events (
		event_id, topic, correlation_id, causation_id, version, sequence, payload,
		timestamp, aggregate_id, aggregate_type, aggregate_version
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	ON CONFLICT (event_id) DO NOTHING`

	isAppliedSQL = `SELECT 1 FROM event_store.applied_events WHERE event_id = $1`

	lastSequenceSQL = `SELECT COALESCE(MAX(sequence), 0) FROM event_store.events WHERE correlation_id = $1`

	aggregateVersionSQL = `SELECT COALESCE(MAX(aggregate_version), 0) FROM event_store.events WHERE aggregate_id = $1`

	selectColumns = `event_id, topic, correlation_id, causation_id, version, sequence, payload,
		timestamp, aggregate_id, aggregate_type, aggregate_version, recorded_at`

	loadAggregateSQL = `SELECT ` + selectColumns + ` FROM event_store.events
		WHERE aggregate_id = $1 ORDER BY aggregate_version ASC, recorded_at ASC`

	loadAllSQL = `SELECT ` + selectColumns + ` FROM event_store.events
		WHERE (correlation_id, sequence) > ($1, $2)
		ORDER BY correlation_id ASC, sequence ASC
		LIMIT $3`
)

// uniqueViolation is the Postgres SQLSTATE for a unique constraint violation.
const uniqueViolation = "23505"

// PostgresStore is the durable event store. The applied_events marker and the
// event row are written in one transaction; the marker's primary key is the
// authority on whether an event id was already applied.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Open connects to Postgres and waits for it to answer, retrying with
// exponential backoff for at most maxWait. The caller owns the returned *sql.DB.
func Open(ctx context.Context, dsn string, maxWait time.Duration, logger zerolog.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := db.PingContext(pctx); err != nil {
			logger.Warn().Err(err).Msg("postgres not ready")
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(maxWait))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return db, nil
}

// Append writes rec unless its event id was already applied. It reports
// whether the row was written.
func (s *PostgresStore) Append(ctx context.Context, rec EventRecord) (bool, error) {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return false, fmt.Errorf("encode payload %s: %w", rec.EventID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, insertMarkerSQL, rec.EventID)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("insert marker %s: %w", rec.EventID, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return false, fmt.Errorf("marker rows %s: %w", rec.EventID, err)
	} else if n == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, insertEventSQL,
		rec.EventID,
		rec.Topic,
		rec.CorrelationID,
		nullString(rec.CausationID),
		rec.Version,
		rec.Sequence,
		string(payload),
		rec.Timestamp,
		nullString(rec.AggregateID),
		nullString(rec.AggregateType),
		rec.AggregateVersion,
	); err != nil {
		return false, fmt.Errorf("insert event %s: %w", rec.EventID, err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit %s: %w", rec.EventID, err)
	}
	return true, nil
}

// IsApplied checks the durable dedup marker.
func (s *PostgresStore) IsApplied(ctx context.Context, eventID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	var exists int
	err := s.db.QueryRowContext(ctx, isAppliedSQL, eventID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("applied lookup %s: %w", eventID, err)
	}
	return true, nil
}

// LastSequence returns the highest sequence stored for a correlation group, 0 if none.
func (s *PostgresStore) LastSequence(ctx context.Context, correlationID string) (int64, error) {
	var seq int64
	if err := s.db.QueryRowContext(ctx, lastSequenceSQL, correlationID).Scan(&seq); err != nil {
		return 0, fmt.Errorf("last sequence %s: %w", correlationID, err)
	}
	return seq, nil
}

// AggregateVersion returns MAX(aggregate_version) for an aggregate, 0 if none.
func (s *PostgresStore) AggregateVersion(ctx context.Context, aggregateID string) (int64, error) {
	var v int64
	if err := s.db.QueryRowContext(ctx, aggregateVersionSQL, aggregateID).Scan(&v); err != nil {
		return 0, fmt.Errorf("aggregate version %s: %w", aggregateID, err)
	}
	return v, nil
}

// LoadAggregate returns an aggregate's history ordered by aggregate version.
func (s *PostgresStore) LoadAggregate(ctx context.Context, aggregateID string) ([]EventRecord, error) {
	rows, err := s.db.QueryContext(ctx, loadAggregateSQL, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("load aggregate %s: %w", aggregateID, err)
	}
	defer rows.Close()

	recs, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	return recs, nil
}

// LoadAll pages through the whole store in (correlation_id, sequence) order.
func (s *PostgresStore) LoadAll(ctx context.Context, after Cursor, limit int) ([]EventRecord, error) {
	rows, err := s.db.QueryContext(ctx, loadAllSQL, after.CorrelationID, after.Sequence, limit)
	if err != nil {
		return nil, fmt.Errorf("load events after %v: %w", after, err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]EventRecord, error) {
	var out []EventRecord
	for rows.Next() {
		var (
			rec                       EventRecord
			causation, aggID, aggType sql.NullString
			aggVersion                sql.NullInt64
			payload                   []byte
		)
		if err := rows.Scan(
			&rec.EventID, &rec.Topic, &rec.CorrelationID, &causation, &rec.Version,
			&rec.Sequence, &payload, &rec.Timestamp, &aggID, &aggType, &aggVersion,
			&rec.RecordedAt,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if err := json.Unmarshal(payload, &rec.Payload); err != nil {
			return nil, fmt.Errorf("decode payload %s: %w", rec.EventID, err)
		}
		rec.CausationID = causation.String
		rec.AggregateID = aggID.String
		rec.AggregateType = aggType.String
		rec.AggregateVersion = aggVersion.Int64
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
