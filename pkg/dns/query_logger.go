package dns

import (
	"context"
	"sync"
	"sync/atomic"

	"conditional-dns/pkg/logging"
	"conditional-dns/pkg/storage"
	"conditional-dns/pkg/telemetry"
)

// QueryLogger writes request log entries from a fixed worker pool so request
// goroutines never block on the log backend.
type QueryLogger struct {
	logCh     chan *storage.QueryLog
	workers   int
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	storage   storage.Storage
	logger    *logging.Logger
	metrics   *telemetry.Metrics
	dropped   atomic.Uint64
	buffered  atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewQueryLogger creates a new query logger with a fixed worker pool
func NewQueryLogger(stor storage.Storage, logger *logging.Logger, bufferSize, workers int) *QueryLogger {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	if workers <= 0 {
		workers = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	ql := &QueryLogger{
		logCh:   make(chan *storage.QueryLog, bufferSize),
		workers: workers,
		ctx:     ctx,
		cancel:  cancel,
		storage: stor,
		logger:  logger,
	}

	for i := 0; i < workers; i++ {
		ql.wg.Add(1)
		go ql.worker(i)
	}

	if logger != nil {
		logger.Info("Query logger worker pool started",
			"workers", workers,
			"buffer_size", bufferSize)
	}

	return ql
}

// SetMetrics sets the metrics collector used to count dropped entries
func (ql *QueryLogger) SetMetrics(m *telemetry.Metrics) {
	ql.metrics = m
}

func (ql *QueryLogger) worker(id int) {
	defer ql.wg.Done()

	for {
		select {
		case <-ql.ctx.Done():
			ql.drainChannel()
			return

		case entry := <-ql.logCh:
			ql.buffered.Add(^uint64(0)) // Atomic decrement

			logCtx, cancel := context.WithTimeout(ql.ctx, storage.DefaultLogTimeout)
			if err := ql.storage.LogQuery(logCtx, entry); err != nil && ql.logger != nil {
				ql.logger.Error("Failed to log query",
					"worker", id,
					"domain", entry.Domain,
					"label", entry.Label,
					"error", err)
			}
			cancel()
		}
	}
}

// drainChannel writes whatever is still buffered during shutdown
func (ql *QueryLogger) drainChannel() {
	for {
		select {
		case entry := <-ql.logCh:
			ql.buffered.Add(^uint64(0))

			// The pool context is already canceled
			logCtx, cancel := context.WithTimeout(context.Background(), storage.DefaultLogTimeout)
			if err := ql.storage.LogQuery(logCtx, entry); err != nil && ql.logger != nil {
				ql.logger.Error("Failed to log query during shutdown",
					"domain", entry.Domain,
					"error", err)
			}
			cancel()

		default:
			return
		}
	}
}

// LogAsync queues entry without blocking. It returns storage.ErrBufferFull
// when the buffer is full and storage.ErrClosed after Close.
func (ql *QueryLogger) LogAsync(entry *storage.QueryLog) error {
	if ql.closed.Load() {
		return storage.ErrClosed
	}

	select {
	case ql.logCh <- entry:
		ql.buffered.Add(1)
		return nil
	default:
		ql.dropped.Add(1)
		ql.metrics.AddDroppedQuery(context.Background(), 1)

		if ql.logger != nil {
			ql.logger.Warn("Query log buffer full, dropping entry",
				"domain", entry.Domain,
				"client_ip", entry.ClientIP,
				"dropped_total", ql.dropped.Load())
		}

		return storage.ErrBufferFull
	}
}

// Close stops the workers after they flush the buffer. The channel is left
// open because request goroutines may still be finishing. Safe to call more
// than once.
func (ql *QueryLogger) Close() error {
	ql.closeOnce.Do(func() {
		ql.closed.Store(true)

		if ql.logger != nil {
			ql.logger.Info("Shutting down query logger",
				"buffered_entries", ql.buffered.Load(),
				"dropped_total", ql.dropped.Load())
		}

		ql.cancel()
		ql.wg.Wait()

		if ql.logger != nil {
			ql.logger.Info("Query logger shutdown complete")
		}
	})

	return nil
}

// Stats returns query logger statistics
func (ql *QueryLogger) Stats() (buffered, dropped uint64) {
	return ql.buffered.Load(), ql.dropped.Load()
}

// BufferSize returns the current number of buffered entries
func (ql *QueryLogger) BufferSize() int {
	return len(ql.logCh)
}

// BufferCapacity returns the maximum buffer capacity
func (ql *QueryLogger) BufferCapacity() int {
	return cap(ql.logCh)
}
