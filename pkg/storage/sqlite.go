package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS requests (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	label TEXT NOT NULL,
	domain TEXT NOT NULL,
	answer TEXT NOT NULL DEFAULT '',
	query_type TEXT NOT NULL DEFAULT '',
	client_ip TEXT NOT NULL DEFAULT '',
	client_addr TEXT NOT NULL DEFAULT '',
	transport TEXT NOT NULL DEFAULT '',
	duration_ms REAL NOT NULL DEFAULT 0,
	request TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_requests_timestamp ON requests(timestamp);
CREATE INDEX IF NOT EXISTS idx_requests_label ON requests(label);
`

// SQLiteStorage stores entries in a SQLite table
type SQLiteStorage struct {
	db         *sql.DB
	stmtInsert *sql.Stmt
	mu         sync.RWMutex
	closed     bool
}

// NewSQLiteStorage opens (creating if needed) the database at path
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open query log database: %w", err)
	}

	// SQLite works best with a single connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to open query log database: %w", err)
	}

	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	stmt, err := db.Prepare(`
		INSERT INTO requests
		(timestamp, label, domain, answer, query_type, client_ip, client_addr, transport, duration_ms, request, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to prepare insert statement: %w", err)
	}

	return &SQLiteStorage{db: db, stmtInsert: stmt}, nil
}

// LogQuery inserts one row
func (s *SQLiteStorage) LogQuery(ctx context.Context, entry *QueryLog) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	_, err := s.stmtInsert.ExecContext(ctx,
		ts.UTC().Format(time.RFC3339Nano),
		entry.Label,
		entry.Domain,
		entry.Answer,
		entry.QueryType,
		entry.ClientIP,
		entry.ClientAddr,
		entry.Transport,
		entry.DurationMs,
		entry.Request,
		entry.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to insert request: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first
func (s *SQLiteStorage) Recent(ctx context.Context, limit int) ([]*QueryLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, label, domain, answer, query_type, client_ip, client_addr, transport, duration_ms, request, error
		FROM requests
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query requests: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*QueryLog
	for rows.Next() {
		e := &QueryLog{}
		var tsRaw sql.NullString
		if err := rows.Scan(&tsRaw, &e.Label, &e.Domain, &e.Answer, &e.QueryType, &e.ClientIP, &e.ClientAddr, &e.Transport, &e.DurationMs, &e.Request, &e.Error); err != nil {
			return nil, fmt.Errorf("failed to scan request: %w", err)
		}
		e.Timestamp = parseSQLiteTime(tsRaw.String)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Ping checks the database connection
func (s *SQLiteStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database
func (s *SQLiteStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	_ = s.stmtInsert.Close()
	return s.db.Close()
}
