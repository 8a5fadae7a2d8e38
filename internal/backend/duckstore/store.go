// Package duckstore implements the hot tier on an embedded DuckDB
// database. Recent events land here first and are served with full SQL
// filtering before lifecycle migration moves them to Parquet tiers.
package duckstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/auditpipe/auditpipe/internal/errors"
	"github.com/auditpipe/auditpipe/internal/logging"
	"github.com/auditpipe/auditpipe/internal/pipeline/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id           VARCHAR NOT NULL,
	tenant       VARCHAR NOT NULL,
	actor        VARCHAR NOT NULL,
	action       VARCHAR NOT NULL,
	resource     VARCHAR NOT NULL,
	outcome      VARCHAR NOT NULL,
	severity     INTEGER NOT NULL,
	timestamp_ms BIGINT  NOT NULL,
	metadata     VARCHAR
)`

// Options tune the embedded database.
type Options struct {
	// MemoryLimit is passed to DuckDB verbatim, e.g. "512MB".
	// Empty means the engine default.
	MemoryLimit string
}

// Store is the DuckDB-backed hot tier.
type Store struct {
	mu sync.Mutex

	path string
	db   *sql.DB
	log  *slog.Logger

	stats Stats
}

// Stats holds store counters.
type Stats struct {
	EventsStored  int64
	BatchesStored int64
	RowsReturned  int64
	RowsDeleted   int64
	Errors        int64
}

// Open opens or creates the database at path.
func Open(path string, opts Options) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create hot tier dir: %w", err)
	}

	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	if opts.MemoryLimit != "" {
		if _, err := db.Exec(fmt.Sprintf("SET memory_limit='%s'", opts.MemoryLimit)); err != nil {
			db.Close()
			return nil, fmt.Errorf("set memory limit: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create events table: %w", err)
	}

	return &Store{
		path: path,
		db:   db,
		log:  logging.Component("duckstore"),
	}, nil
}

// StoreEvent persists a single event.
func (s *Store) StoreEvent(ctx context.Context, e types.Event) error {
	return s.StoreBatch(ctx, []types.Event{e})
}

// StoreBatch persists events in one transaction.
func (s *Store) StoreBatch(ctx context.Context, events []types.Event) error {
	if len(events) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return errors.ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.stats.Errors++
		return errors.Wrap(errors.ErrStorage, "begin tx: %v", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO events (id, tenant, actor, action, resource, outcome, severity, timestamp_ms, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		s.stats.Errors++
		return errors.Wrap(errors.ErrStorage, "prepare insert: %v", err)
	}
	defer stmt.Close()

	for i := range events {
		e := &events[i]
		meta := ""
		if len(e.Metadata) > 0 {
			raw, err := json.Marshal(e.Metadata)
			if err != nil {
				tx.Rollback()
				s.stats.Errors++
				return errors.Wrap(errors.ErrStorage, "encode metadata: %v", err)
			}
			meta = string(raw)
		}
		if _, err := stmt.ExecContext(ctx,
			e.ID, e.Tenant, e.Actor, e.Action, e.Resource, e.Outcome,
			int(e.Severity), e.TimestampMs, meta); err != nil {
			tx.Rollback()
			s.stats.Errors++
			return errors.Wrap(errors.ErrStorage, "insert event: %v", err)
		}
	}

	if err := tx.Commit(); err != nil {
		s.stats.Errors++
		return errors.Wrap(errors.ErrStorage, "commit: %v", err)
	}

	s.stats.EventsStored += int64(len(events))
	s.stats.BatchesStored++
	return nil
}

// QueryEvents returns matching events ordered oldest first.
func (s *Store) QueryEvents(ctx context.Context, f types.Filter) ([]types.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil, errors.ErrClosed
	}

	query := `SELECT id, tenant, actor, action, resource, outcome, severity, timestamp_ms, metadata FROM events`
	where, args := buildWhere(f)
	query += where + " ORDER BY timestamp_ms"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.stats.Errors++
		return nil, errors.Wrap(errors.ErrStorage, "query events: %v", err)
	}
	defer rows.Close()

	out, err := scanEvents(rows)
	if err != nil {
		s.stats.Errors++
		return nil, err
	}

	s.stats.RowsReturned += int64(len(out))
	return out, nil
}

// DeleteEvents removes matching events and reports the count.
func (s *Store) DeleteEvents(ctx context.Context, f types.Filter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return 0, errors.ErrClosed
	}

	where, args := buildWhere(f)
	res, err := s.db.ExecContext(ctx, "DELETE FROM events"+where, args...)
	if err != nil {
		s.stats.Errors++
		return 0, errors.Wrap(errors.ErrStorage, "delete events: %v", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(errors.ErrStorage, "rows affected: %v", err)
	}

	s.stats.RowsDeleted += n
	s.log.Debug("deleted events", "count", n)
	return int(n), nil
}

// HealthCheck verifies the database answers a trivial query.
func (s *Store) HealthCheck(ctx context.Context) error {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()

	if db == nil {
		return errors.ErrClosed
	}
	var one int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return errors.Wrap(errors.ErrStorage, "health check: %v", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Stats returns a snapshot of the store counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// buildWhere assembles the WHERE clause for a filter.
func buildWhere(f types.Filter) (string, []any) {
	var conds []string
	var args []any

	if f.Tenant != "" {
		conds = append(conds, "tenant = ?")
		args = append(args, f.Tenant)
	}
	if f.Actor != "" {
		conds = append(conds, "actor = ?")
		args = append(args, f.Actor)
	}
	if f.Action != "" {
		conds = append(conds, "action = ?")
		args = append(args, f.Action)
	}
	if f.Resource != "" {
		conds = append(conds, "resource = ?")
		args = append(args, f.Resource)
	}
	if f.Since > 0 {
		conds = append(conds, "timestamp_ms >= ?")
		args = append(args, f.Since)
	}
	if f.Until > 0 {
		conds = append(conds, "timestamp_ms <= ?")
		args = append(args, f.Until)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// scanEvents scans rows into events.
func scanEvents(rows *sql.Rows) ([]types.Event, error) {
	var out []types.Event

	for rows.Next() {
		var e types.Event
		var severity int
		var meta sql.NullString

		if err := rows.Scan(&e.ID, &e.Tenant, &e.Actor, &e.Action,
			&e.Resource, &e.Outcome, &severity, &e.TimestampMs, &meta); err != nil {
			return nil, errors.Wrap(errors.ErrStorage, "scan row: %v", err)
		}

		e.Severity = types.Severity(severity)
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &e.Metadata); err != nil {
				return nil, errors.Wrap(errors.ErrStorage, "decode metadata: %v", err)
			}
		}
		out = append(out, e)
	}

	return out, rows.Err()
}
