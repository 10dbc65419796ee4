// Package archive keeps an audit log of refresh cycles in postgres.
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ptvtracker-eta/internal/common/logger"
	"github.com/ptvtracker-eta/pkg/gtfs-realtime/models"
)

const schema = `
CREATE SCHEMA IF NOT EXISTS gtfs_rt;
CREATE TABLE IF NOT EXISTS gtfs_rt.fetch_log (
	fetch_id    UUID PRIMARY KEY,
	feed        TEXT NOT NULL,
	started_at  TIMESTAMPTZ NOT NULL,
	duration_ms BIGINT NOT NULL,
	entities    INTEGER NOT NULL,
	succeeded   BOOLEAN NOT NULL,
	error       TEXT
);
CREATE INDEX IF NOT EXISTS fetch_log_started_at_idx ON gtfs_rt.fetch_log (started_at);
`

const (
	insertFetch = `INSERT INTO gtfs_rt.fetch_log
		(fetch_id, feed, started_at, duration_ms, entities, succeeded, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	deleteBefore = `DELETE FROM gtfs_rt.fetch_log WHERE started_at < $1`
	vacuumLog    = `VACUUM ANALYZE gtfs_rt.fetch_log`
)

// Execer is the part of *sql.DB the recorder needs.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type Recorder struct {
	db     Execer
	logger logger.Logger
	newID  func() uuid.UUID
}

func NewRecorder(db Execer, log logger.Logger) *Recorder {
	if log == nil {
		log = logger.Nop()
	}
	return &Recorder{db: db, logger: log, newID: uuid.New}
}

// EnsureSchema creates the fetch log table if it does not exist.
func (r *Recorder) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("creating fetch log schema: %w", err)
	}
	return nil
}

// RecordFetch stores one refresh outcome under a fresh id.
func (r *Recorder) RecordFetch(ctx context.Context, o models.FetchOutcome) error {
	var errText sql.NullString
	if o.Err != nil {
		errText = sql.NullString{String: o.Err.Error(), Valid: true}
	}

	id := r.newID()
	_, err := r.db.ExecContext(ctx, insertFetch,
		id,
		string(o.Feed),
		o.StartedAt.UTC(),
		o.Duration.Milliseconds(),
		o.Entities,
		o.Succeeded(),
		errText,
	)
	if err != nil {
		return fmt.Errorf("inserting fetch %s: %w", id, err)
	}
	return nil
}

// Prune deletes log rows that started before cutoff and returns how many
// were removed.
func (r *Recorder) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, deleteBefore, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("pruning fetch log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading pruned row count: %w", err)
	}
	return n, nil
}

// Vacuum reclaims space after a large prune. It must run outside a
// transaction.
func (r *Recorder) Vacuum(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, vacuumLog); err != nil {
		return fmt.Errorf("vacuuming fetch log: %w", err)
	}
	return nil
}
