// Package store archives terminal workflow executions.
//
// The engine drops an execution from its active table the moment it reaches
// a terminal status. A Store keeps a snapshot of that final state so status
// lookups keep working afterwards. Workflow definitions are never stored.
//
// Implementations:
//   - MemStore: in-process map, for tests and single-process deployments
//   - SQLiteStore: embedded file or in-memory database (modernc.org/sqlite)
//   - MySQLStore: shared MySQL database (go-sql-driver/mysql)
//   - PostgresStore: shared PostgreSQL database (lib/pq)
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no record exists for an execution id.
var ErrNotFound = errors.New("not found")

// ErrClosed is returned by every method after Close.
var ErrClosed = errors.New("store is closed")

// Store persists execution snapshots.
//
// Save is an upsert keyed by ExecutionID. List returns the newest records
// first (by StartTime); a limit of zero or less returns all of them.
type Store interface {
	Save(ctx context.Context, rec Record) error
	Load(ctx context.Context, executionID string) (Record, error)
	List(ctx context.Context, workflowName string, limit int) ([]Record, error)
	Delete(ctx context.Context, executionID string) error
	Close() error
}

// Record is the archived form of a workflow execution.
//
// Variables and outputs go through JSON in the SQL stores, so numbers come
// back as float64 and structs come back as maps.
type Record struct {
	ExecutionID  string                `json:"execution_id"`
	WorkflowName string                `json:"workflow_name"`
	Status       string                `json:"status"`
	ErrorMessage string                `json:"error_message,omitempty"`
	Variables    map[string]any        `json:"variables"`
	Nodes        map[string]NodeRecord `json:"nodes"`
	StartTime    time.Time             `json:"start_time"`
	EndTime      time.Time             `json:"end_time"`
}

// NodeRecord is the archived history entry of one node.
type NodeRecord struct {
	Attempts  int            `json:"attempts"`
	Outputs   map[string]any `json:"outputs,omitempty"`
	Error     string         `json:"error,omitempty"`
	Skipped   bool           `json:"skipped,omitempty"`
	StartTime time.Time      `json:"start_time"`
	EndTime   time.Time      `json:"end_time"`
}
