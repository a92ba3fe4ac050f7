package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

var sqliteDialect = dialect{
	name: "sqlite",
	createTable: []string{
		`CREATE TABLE IF NOT EXISTS workflow_executions (
			execution_id TEXT NOT NULL PRIMARY KEY,
			workflow_name TEXT NOT NULL,
			status TEXT NOT NULL,
			error_message TEXT NOT NULL DEFAULT '',
			variables TEXT NOT NULL,
			nodes TEXT NOT NULL,
			start_time INTEGER NOT NULL,
			end_time INTEGER NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		"CREATE INDEX IF NOT EXISTS idx_executions_workflow ON workflow_executions(workflow_name, start_time)",
	},
	upsert: `INSERT INTO workflow_executions (` + recordColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(execution_id) DO UPDATE SET
			workflow_name = excluded.workflow_name,
			status = excluded.status,
			error_message = excluded.error_message,
			variables = excluded.variables,
			nodes = excluded.nodes,
			start_time = excluded.start_time,
			end_time = excluded.end_time`,
}

// SQLiteStore archives executions in an SQLite database.
//
// Use a file path for durable storage or ":memory:" for an ephemeral
// database. Write-ahead logging is enabled and the pool is limited to one
// connection, since SQLite allows a single writer (and ":memory:" databases
// are per connection).
type SQLiteStore struct {
	*sqlStore
	path string
}

// NewSQLiteStore opens or creates the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s, err := newSQLStore(ctx, db, sqliteDialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{sqlStore: s, path: path}, nil
}

// Path returns the database path the store was opened with.
func (s *SQLiteStore) Path() string { return s.path }
