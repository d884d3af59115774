package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/wyn/collab/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens the database at dsn and applies migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Every connection to :memory: is a separate database.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			started_at DATETIME NOT NULL,
			ended_at DATETIME,
			last_progress INTEGER NOT NULL DEFAULT 0,
			elapsed_ms INTEGER NOT NULL DEFAULT 0,
			reason TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at)`,
		`CREATE TABLE IF NOT EXISTS results (
			run_id TEXT NOT NULL,
			percentile REAL NOT NULL,
			value REAL NOT NULL,
			PRIMARY KEY (run_id, percentile),
			FOREIGN KEY (run_id) REFERENCES runs(run_id)
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT,
			ts INTEGER NOT NULL,
			type TEXT NOT NULL,
			payload TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id, ts)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateRun records a started run. Recording the same run twice keeps the
// first record.
func (s *SQLiteStore) CreateRun(ctx context.Context, runID string, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO runs (run_id, state, started_at) VALUES (?, ?, ?)`,
		runID, domain.RunStateRunning, startedAt.UTC())
	return err
}

// UpdateProgress stores the latest progress of a running run.
func (s *SQLiteStore) UpdateProgress(ctx context.Context, runID string, percent int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET last_progress = ? WHERE run_id = ? AND last_progress <= ?`,
		percent, runID, percent)
	return err
}

// EndRun moves a run to a terminal state.
func (s *SQLiteStore) EndRun(ctx context.Context, runID string, state domain.RunState, endedAt time.Time, elapsed time.Duration, reason string) error {
	var reasonVal sql.NullString
	if reason != "" {
		reasonVal = sql.NullString{String: reason, Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET state = ?, ended_at = ?, elapsed_ms = ?, reason = ? WHERE run_id = ?`,
		state, endedAt.UTC(), elapsed.Milliseconds(), reasonVal, runID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("run %s not found", runID)
	}
	return nil
}

// SaveResult stores the percentile map of a completed run.
func (s *SQLiteStore) SaveResult(ctx context.Context, runID string, result domain.PercentileMap) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO results (run_id, percentile, value) VALUES (?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, p := range result.Sorted() {
		if _, err := stmt.ExecContext(ctx, runID, p.Percentile, p.Value); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetRun retrieves a run and its result. It returns nil when the run is unknown.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT run_id, state, started_at, ended_at, last_progress, elapsed_ms, reason FROM runs WHERE run_id = ?`,
		runID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	run.Result, err = s.getResult(ctx, runID)
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns returns the most recently started runs first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	query := `SELECT run_id, state, started_at, ended_at, last_progress, elapsed_ms, reason FROM runs ORDER BY started_at DESC, run_id`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

func (s *SQLiteStore) getResult(ctx context.Context, runID string) (domain.PercentileMap, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT percentile, value FROM results WHERE run_id = ?`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result domain.PercentileMap
	for rows.Next() {
		var p, v float64
		if err := rows.Scan(&p, &v); err != nil {
			return nil, err
		}
		if result == nil {
			result = make(domain.PercentileMap)
		}
		result[p] = v
	}
	return result, rows.Err()
}

// AppendEvent stores a lifecycle event.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event domain.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	var runID sql.NullString
	if event.RunID != "" {
		runID = sql.NullString{String: event.RunID, Valid: true}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events (run_id, ts, type, payload) VALUES (?, ?, ?, ?)`,
		runID, event.Ts.UnixMilli(), event.Type, string(payload))
	return err
}

// GetEvents returns events in insertion order. An empty runID selects all
// events; types filters by event type.
func (s *SQLiteStore) GetEvents(ctx context.Context, runID string, types []domain.EventType, limit int) ([]EventRecord, error) {
	query := `SELECT event_id, run_id, ts, type, payload FROM events WHERE 1 = 1`
	var args []interface{}

	if runID != "" {
		query += ` AND run_id = ?`
		args = append(args, runID)
	}

	if len(types) > 0 {
		placeholders := make([]string, len(types))
		for i, t := range types {
			placeholders[i] = "?"
			args = append(args, t)
		}
		query += fmt.Sprintf(" AND type IN (%s)", strings.Join(placeholders, ","))
	}

	query += ` ORDER BY event_id ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRecord
	for rows.Next() {
		var event EventRecord
		var id, payload sql.NullString
		var ts int64
		if err := rows.Scan(&event.ID, &id, &ts, &event.Type, &payload); err != nil {
			return nil, err
		}
		event.RunID = id.String
		event.Ts = time.UnixMilli(ts)
		if payload.Valid {
			event.Payload = []byte(payload.String)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (*RunRecord, error) {
	var run RunRecord
	var endedAt sql.NullTime
	var reason sql.NullString
	var elapsedMS int64
	if err := row.Scan(&run.RunID, &run.State, &run.StartedAt, &endedAt, &run.LastProgress, &elapsedMS, &reason); err != nil {
		return nil, err
	}
	if endedAt.Valid {
		t := endedAt.Time
		run.EndedAt = &t
	}
	run.Elapsed = time.Duration(elapsedMS) * time.Millisecond
	run.Reason = reason.String
	return &run, nil
}
