// Package storage persists the per-request log: one entry for every request
// that received an answer and one ERROR entry for every dropped request.
package storage

import (
	"context"
	"time"
)

// DefaultLogTimeout bounds a single LogQuery call made by the async logger
const DefaultLogTimeout = time.Second

// Storage is implemented by every request log backend.
// Implementations must be safe for concurrent use.
type Storage interface {
	LogQuery(ctx context.Context, entry *QueryLog) error
	Close() error
}

// LabelError marks an entry for a request that was dropped or failed
const LabelError = "ERROR"

// QueryLog is one request. Answered requests carry the branch label and the
// answer; failed ones carry LabelError, the peer address, the raw request in
// hex and the error text.
type QueryLog struct {
	Timestamp  time.Time `json:"timestamp"`
	Label      string    `json:"label"`
	Domain     string    `json:"domain"`
	Answer     string    `json:"answer,omitempty"` // empty for the local PTR branch
	QueryType  string    `json:"query_type"`
	ClientIP   string    `json:"client_ip"`
	ClientAddr string    `json:"client_addr,omitempty"` // ip:port
	Transport  string    `json:"transport"`
	DurationMs float64   `json:"duration_ms"`
	Request    string    `json:"request,omitempty"` // hex
	Error      string    `json:"error,omitempty"`
}

// IsError reports whether the entry records a failed request
func (q *QueryLog) IsError() bool {
	return q.Label == LabelError
}

// BackendType names a storage backend
type BackendType string

const (
	// BackendFile appends text lines to a rotated file
	BackendFile BackendType = "file"
	// BackendSQLite inserts rows into a SQLite database
	BackendSQLite BackendType = "sqlite"
)
