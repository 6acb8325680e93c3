// ABOUTME: SQLite-backed durable audit store using modernc.org/sqlite.
// ABOUTME: Append-only call log with automatic schema creation and WAL mode.

package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Sink with durable append-only storage. Storage
// failures are logged, never surfaced: audit loss must not fail a request.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenSQLiteStore opens (creating if needed) the audit database at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "audit")

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS call_audit (
			audit_id       TEXT PRIMARY KEY,
			correlation_id TEXT NOT NULL,
			caller         TEXT NOT NULL,
			target         TEXT NOT NULL,
			kind           TEXT NOT NULL,
			outcome        TEXT NOT NULL,
			detail         TEXT,
			ts             TEXT NOT NULL,
			duration_ms    INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_call_audit_ts ON call_audit(ts);
		CREATE INDEX IF NOT EXISTS idx_call_audit_caller ON call_audit(caller);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("creating audit schema: %w", err)
	}
	return nil
}

// Record implements Sink.
func (s *SQLiteStore) Record(rec Record) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	_, err := s.db.Exec(`
		INSERT INTO call_audit (audit_id, correlation_id, caller, target, kind, outcome, detail, ts, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.CorrelationID,
		rec.Caller,
		rec.Target,
		rec.Kind,
		string(rec.Outcome),
		rec.Detail,
		rec.Timestamp.UTC().Format(time.RFC3339Nano),
		rec.Duration.Milliseconds(),
	)
	if err != nil {
		s.logger.Warn("failed to append audit record", "id", rec.ID, "error", err)
	}
}

// Filter narrows List results.
type Filter struct {
	Caller  string
	Outcome Outcome
	Limit   int
}

// List returns audit records newest first, for operational inspection.
func (s *SQLiteStore) List(ctx context.Context, f Filter) ([]Record, error) {
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := "SELECT audit_id, correlation_id, caller, target, kind, outcome, detail, ts, duration_ms FROM call_audit WHERE 1=1"
	var args []any
	if f.Caller != "" {
		query += " AND caller = ?"
		args = append(args, f.Caller)
	}
	if f.Outcome != "" {
		query += " AND outcome = ?"
		args = append(args, string(f.Outcome))
	}
	query += " ORDER BY ts DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var outcome, ts string
		var durationMs int64
		if err := rows.Scan(&rec.ID, &rec.CorrelationID, &rec.Caller, &rec.Target,
			&rec.Kind, &outcome, &rec.Detail, &ts, &durationMs); err != nil {
			return nil, fmt.Errorf("scanning audit record: %w", err)
		}
		rec.Outcome = Outcome(outcome)
		rec.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		rec.Duration = time.Duration(durationMs) * time.Millisecond
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit log: %w", err)
	}
	return out, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
