package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

var mysqlDialect = dialect{
	name: "mysql",
	createTable: []string{
		`CREATE TABLE IF NOT EXISTS workflow_executions (
			execution_id VARCHAR(64) NOT NULL PRIMARY KEY,
			workflow_name VARCHAR(255) NOT NULL,
			status VARCHAR(16) NOT NULL,
			error_message TEXT NOT NULL,
			variables LONGTEXT NOT NULL,
			nodes LONGTEXT NOT NULL,
			start_time BIGINT NOT NULL,
			end_time BIGINT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			INDEX idx_executions_workflow (workflow_name, start_time)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	},
	upsert: `INSERT INTO workflow_executions (` + recordColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			workflow_name = VALUES(workflow_name),
			status = VALUES(status),
			error_message = VALUES(error_message),
			variables = VALUES(variables),
			nodes = VALUES(nodes),
			start_time = VALUES(start_time),
			end_time = VALUES(end_time)`,
}

// MySQLStore archives executions in MySQL.
//
// DSN format: [username[:password]@][protocol[(address)]]/dbname[?param1=value1&...]
//
//	store, err := store.NewMySQLStore("user:pass@tcp(127.0.0.1:3306)/dagflow")
type MySQLStore struct {
	*sqlStore
}

// NewMySQLStore connects, verifies the connection, and creates the schema.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}
	s, err := NewMySQLStoreFromDB(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewMySQLStoreFromDB wraps an existing pool. The store owns db afterwards.
func NewMySQLStoreFromDB(ctx context.Context, db *sql.DB) (*MySQLStore, error) {
	s, err := newSQLStore(ctx, db, mysqlDialect)
	if err != nil {
		return nil, err
	}
	return &MySQLStore{sqlStore: s}, nil
}
