package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"conditional-dns/pkg/config"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileStorage appends one text line per request:
//
//	2026-01-02T15:04:05.000Z BLOCKED example.com. 146.112.61.105
//
// The answer column is absent for LOCAL entries. Failed requests are written
// as
//
//	2026-01-02T15:04:05.000Z ERROR udp 192.0.2.1:53124 dead decode: unpack failed
//
// with the transport, the peer address, the request in hex and the error.
type FileStorage struct {
	w      io.WriteCloser
	mu     sync.Mutex
	closed bool
}

// NewFileStorage opens (creating if needed) the log at cfg.Path with rotation
func NewFileStorage(cfg *config.QueryLogConfig) (*FileStorage, error) {
	// lumberjack opens lazily; open once now so a bad path fails at startup
	f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return nil, fmt.Errorf("failed to open query log: %w", err)
	}
	_ = f.Close()

	return newFileStorage(&lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
	}), nil
}

func newFileStorage(w io.WriteCloser) *FileStorage {
	return &FileStorage{w: w}
}

// LogQuery writes entry as a single line
func (s *FileStorage) LogQuery(ctx context.Context, entry *QueryLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	_, err := io.WriteString(s.w, FormatLine(entry))
	return err
}

// Close closes the underlying file
func (s *FileStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.w.Close()
}

// FormatLine renders entry in the file backend's line format, newline included
func FormatLine(entry *QueryLog) string {
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	var b strings.Builder
	b.WriteString(ts.UTC().Format("2006-01-02T15:04:05.000Z07:00"))
	if entry.IsError() {
		formatError(&b, entry)
		b.WriteByte('\n')
		return b.String()
	}
	b.WriteByte(' ')
	b.WriteString(entry.Label)
	b.WriteByte(' ')
	b.WriteString(entry.Domain)
	if entry.Answer != "" {
		b.WriteByte(' ')
		b.WriteString(entry.Answer)
	}
	b.WriteByte('\n')
	return b.String()
}

func formatError(b *strings.Builder, entry *QueryLog) {
	addr := entry.ClientAddr
	if addr == "" {
		addr = entry.ClientIP
	}
	for _, col := range []string{entry.Label, entry.Transport, addr, entry.Request, entry.Error} {
		if col == "" {
			col = "-"
		}
		b.WriteByte(' ')
		b.WriteString(strings.ReplaceAll(col, "\n", " "))
	}
}
