// Package store implements the durable MySQL-backed persistence layer for
// sessions and chat history. Sessions are cached in memory after first
// load; chat history is read from MySQL on every call.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/hefeijay/aquagateway/pkg/config"
)

// opTimeout bounds any single storage operation. A database that stalls
// longer than this should fail the operation, not wedge a turn.
const opTimeout = 5 * time.Second

// Open opens a MySQL connection pool per env's DSN and connection-pool
// settings, and verifies connectivity with a single ping before returning.
func Open(ctx context.Context, env *config.EnvConfig) (*sql.DB, error) {
	db, err := sql.Open("mysql", env.MySQLDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if env.MySQLMaxOpenConn > 0 {
		db.SetMaxOpenConns(env.MySQLMaxOpenConn)
	}
	if env.MySQLMaxIdleConn > 0 {
		db.SetMaxIdleConns(env.MySQLMaxIdleConn)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// schema is the DDL this package expects to already exist. It is not run
// automatically; operators apply it with a migration tool of their choice.
const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id   VARCHAR(64) PRIMARY KEY,
	user_id      VARCHAR(64) NOT NULL,
	config       JSON NOT NULL,
	status       VARCHAR(16) NOT NULL DEFAULT 'active',
	session_name VARCHAR(255) NOT NULL DEFAULT '',
	summary      TEXT NOT NULL DEFAULT '',
	created_at   DATETIME(3) NOT NULL,
	updated_at   DATETIME(3) NOT NULL,
	INDEX idx_sessions_user (user_id)
);

CREATE TABLE IF NOT EXISTS chat_history (
	id          BIGINT AUTO_INCREMENT PRIMARY KEY,
	session_id  VARCHAR(64) NOT NULL,
	role        VARCHAR(16) NOT NULL,
	content     TEXT NOT NULL,
	type        VARCHAR(16) NOT NULL DEFAULT 'text',
	status      VARCHAR(16) NOT NULL DEFAULT 'complete',
	message_id  VARCHAR(64) NOT NULL,
	tool_calls  JSON NULL,
	meta_data   JSON NULL,
	timestamp   DATETIME(3) NOT NULL,
	updated_at  DATETIME(3) NOT NULL,
	INDEX idx_chat_session_ts (session_id, timestamp)
);
`

// Schema returns the DDL documented above, for callers that want to apply
// it directly (tests, a one-off bootstrap command).
func Schema() string { return schema }
