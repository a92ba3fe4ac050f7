package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
)

// dialect captures the SQL differences between the supported databases.
type dialect struct {
	name string
	// createTable is run once on open; it must be idempotent.
	createTable []string
	// upsert inserts or replaces a row, columns in recordColumns order.
	upsert string
	// numbered switches placeholders from ? to $1, $2, ...
	numbered bool
}

const recordColumns = "execution_id, workflow_name, status, error_message, variables, nodes, start_time, end_time"

// sqlStore implements Store over database/sql for every dialect.
type sqlStore struct {
	db      *sql.DB
	dialect dialect

	mu     sync.RWMutex
	closed bool
}

func newSQLStore(ctx context.Context, db *sql.DB, d dialect) (*sqlStore, error) {
	s := &sqlStore{db: db, dialect: d}
	for _, stmt := range d.createTable {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("failed to create %s schema: %w", d.name, err)
		}
	}
	return s, nil
}

// bind rewrites ? placeholders for dialects that number them.
func (s *sqlStore) bind(query string) string {
	if !s.dialect.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) Save(ctx context.Context, rec Record) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	vars, err := json.Marshal(rec.Variables)
	if err != nil {
		return fmt.Errorf("failed to marshal variables: %w", err)
	}
	nodes, err := json.Marshal(rec.Nodes)
	if err != nil {
		return fmt.Errorf("failed to marshal node history: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.bind(s.dialect.upsert),
		rec.ExecutionID, rec.WorkflowName, rec.Status, rec.ErrorMessage,
		string(vars), string(nodes), unixNano(rec.StartTime), unixNano(rec.EndTime))
	if err != nil {
		return fmt.Errorf("failed to save execution %s: %w", rec.ExecutionID, err)
	}
	return nil
}

func (s *sqlStore) Load(ctx context.Context, executionID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Record{}, ErrClosed
	}
	row := s.db.QueryRowContext(ctx,
		s.bind("SELECT "+recordColumns+" FROM workflow_executions WHERE execution_id = ?"), executionID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to load execution %s: %w", executionID, err)
	}
	return rec, nil
}

func (s *sqlStore) List(ctx context.Context, workflowName string, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	query := "SELECT " + recordColumns + " FROM workflow_executions"
	var args []any
	if workflowName != "" {
		query += " WHERE workflow_name = ?"
		args = append(args, workflowName)
	}
	query += " ORDER BY start_time DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.bind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqlStore) Delete(ctx context.Context, executionID string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	res, err := s.db.ExecContext(ctx, s.bind("DELETE FROM workflow_executions WHERE execution_id = ?"), executionID)
	if err != nil {
		return fmt.Errorf("failed to delete execution %s: %w", executionID, err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// Close closes the underlying database. Safe to call more than once.
func (s *sqlStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *sqlStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var (
		rec         Record
		vars, nodes string
		start, end  int64
	)
	if err := row.Scan(&rec.ExecutionID, &rec.WorkflowName, &rec.Status, &rec.ErrorMessage,
		&vars, &nodes, &start, &end); err != nil {
		return Record{}, err
	}
	if vars != "" {
		if err := json.Unmarshal([]byte(vars), &rec.Variables); err != nil {
			return Record{}, fmt.Errorf("failed to unmarshal variables: %w", err)
		}
	}
	if nodes != "" {
		if err := json.Unmarshal([]byte(nodes), &rec.Nodes); err != nil {
			return Record{}, fmt.Errorf("failed to unmarshal node history: %w", err)
		}
	}
	rec.StartTime = fromUnixNano(start)
	rec.EndTime = fromUnixNano(end)
	return rec, nil
}

// Times are stored as unix nanoseconds so every dialect round-trips them
// the same way. Zero maps to the zero time.
func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
