// ABOUTME: SQLite-backed permission source holding caller-to-source grant rows.
// ABOUTME: Uses modernc.org/sqlite with automatic schema creation and WAL mode.

package authz

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteSource implements PermissionSource over a grants database. Rows are
// read fresh on every check so grant changes take effect between calls.
type SQLiteSource struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenSQLiteSource opens (creating if needed) the grants database at path.
func OpenSQLiteSource(path string) (*SQLiteSource, error) {
	logger := slog.Default().With("component", "authz")

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating permissions directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening permissions database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteSource{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteSource) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sources (
			source_id TEXT PRIMARY KEY
		);
		CREATE TABLE IF NOT EXISTS grants (
			caller    TEXT NOT NULL,
			source_id TEXT NOT NULL REFERENCES sources(source_id),
			operation TEXT NOT NULL,
			PRIMARY KEY (caller, source_id, operation)
		);
		CREATE INDEX IF NOT EXISTS idx_grants_caller_source ON grants(caller, source_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("creating permissions schema: %w", err)
	}
	return nil
}

// AddSource registers a source so grants can reference it.
func (s *SQLiteSource) AddSource(ctx context.Context, source string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO sources (source_id) VALUES (?)", source)
	if err != nil {
		return fmt.Errorf("inserting source: %w", err)
	}
	return nil
}

// Grant records that caller may perform operation (pattern) against source.
func (s *SQLiteSource) Grant(ctx context.Context, caller, source, operation string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO grants (caller, source_id, operation) VALUES (?, ?, ?)",
		caller, source, operation)
	if err != nil {
		return fmt.Errorf("inserting grant: %w", err)
	}
	return nil
}

// Revoke removes a grant row.
func (s *SQLiteSource) Revoke(ctx context.Context, caller, source, operation string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM grants WHERE caller = ? AND source_id = ? AND operation = ?",
		caller, source, operation)
	if err != nil {
		return fmt.Errorf("deleting grant: %w", err)
	}
	return nil
}

// IsAllowed implements PermissionSource.
func (s *SQLiteSource) IsAllowed(ctx context.Context, caller, source, operation string) (Decision, error) {
	var known int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sources WHERE source_id = ?", source).Scan(&known)
	if err != nil {
		return DenyUnknown, fmt.Errorf("querying sources: %w", err)
	}
	if known == 0 {
		return DenyUnknown, nil
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT operation FROM grants WHERE caller = ? AND source_id = ?", caller, source)
	if err != nil {
		return DenyUnknown, fmt.Errorf("querying grants: %w", err)
	}
	defer rows.Close()

	var ops []string
	for rows.Next() {
		var op string
		if err := rows.Scan(&op); err != nil {
			return DenyUnknown, fmt.Errorf("scanning grant: %w", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return DenyUnknown, fmt.Errorf("iterating grants: %w", err)
	}

	if len(ops) == 0 {
		return DenyNotConnected, nil
	}
	if operationMatches(ops, operation) {
		return Allow, nil
	}
	return DenyInsufficientScope, nil
}

// Close closes the underlying database.
func (s *SQLiteSource) Close() error {
	return s.db.Close()
}
