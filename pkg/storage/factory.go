package storage

import (
	"context"
	"fmt"

	"conditional-dns/pkg/config"
)

// New creates the backend selected by the query_log section. A disabled log
// yields a no-op backend.
func New(cfg *config.QueryLogConfig) (Storage, error) {
	if cfg == nil || !cfg.Enabled {
		return NewNoOpStorage(), nil
	}

	switch BackendType(cfg.Backend) {
	case BackendFile:
		return NewFileStorage(cfg)
	case BackendSQLite:
		return NewSQLiteStorage(cfg.Path)
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidBackend, cfg.Backend)
	}
}

// NoOpStorage discards every entry
type NoOpStorage struct{}

// NewNoOpStorage creates a new no-op storage
func NewNoOpStorage() *NoOpStorage {
	return &NoOpStorage{}
}

// LogQuery does nothing
func (n *NoOpStorage) LogQuery(ctx context.Context, entry *QueryLog) error {
	return nil
}

// Close does nothing
func (n *NoOpStorage) Close() error {
	return nil
}
