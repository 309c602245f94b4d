package dns

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"conditional-dns/pkg/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockStorage implements storage.Storage for testing
type mockStorage struct {
	logs      []*storage.QueryLog
	gate      chan struct{} // when set, LogQuery blocks until it is closed
	mu        sync.Mutex
	logCount  atomic.Int64
	failCount int // Fail first N log attempts
}

func newMockStorage() *mockStorage {
	return &mockStorage{}
}

func newBlockedStorage() *mockStorage {
	return &mockStorage{gate: make(chan struct{})}
}

func (m *mockStorage) LogQuery(ctx context.Context, query *storage.QueryLog) error {
	if m.gate != nil {
		<-m.gate
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failCount > 0 {
		m.failCount--
		return errors.New("simulated storage error")
	}

	m.logs = append(m.logs, query)
	m.logCount.Add(1)
	return nil
}

func (m *mockStorage) GetLogs() []*storage.QueryLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*storage.QueryLog{}, m.logs...)
}

func (m *mockStorage) Count() int64 {
	return m.logCount.Load()
}

func (m *mockStorage) Close() error {
	return nil
}

func testEntry() *storage.QueryLog {
	return &storage.QueryLog{
		Label:    string(LabelAltResolver),
		Domain:   "example.com.",
		Answer:   "192.0.2.1",
		ClientIP: "1.2.3.4",
	}
}

func TestQueryLogger_BasicOperation(t *testing.T) {
	stor := newMockStorage()
	ql := NewQueryLogger(stor, nil, 100, 2)

	for i := 0; i < 10; i++ {
		require.NoError(t, ql.LogAsync(testEntry()))
	}

	require.NoError(t, ql.Close())
	assert.Equal(t, int64(10), stor.Count())
}

func TestQueryLogger_BufferFull(t *testing.T) {
	stor := newBlockedStorage()
	ql := NewQueryLogger(stor, nil, 5, 1)

	// One entry may be held by the blocked worker, the rest fill the buffer
	dropped := 0
	for i := 0; i < 10; i++ {
		if err := ql.LogAsync(testEntry()); err != nil {
			assert.ErrorIs(t, err, storage.ErrBufferFull)
			dropped++
		}
	}

	assert.GreaterOrEqual(t, dropped, 4)
	_, droppedCount := ql.Stats()
	assert.Equal(t, uint64(dropped), droppedCount)

	close(stor.gate)
	require.NoError(t, ql.Close())
	assert.Equal(t, int64(10-dropped), stor.Count())
}

func TestQueryLogger_ConcurrentLogging(t *testing.T) {
	stor := newMockStorage()
	ql := NewQueryLogger(stor, nil, 2000, 4)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = ql.LogAsync(testEntry())
			}
		}()
	}
	wg.Wait()

	require.NoError(t, ql.Close())
	assert.Equal(t, int64(1000), stor.Count())
}

func TestQueryLogger_GracefulShutdown(t *testing.T) {
	stor := newMockStorage()
	ql := NewQueryLogger(stor, nil, 100, 2)

	for i := 0; i < 20; i++ {
		_ = ql.LogAsync(testEntry())
	}

	// Close immediately; remaining entries are drained
	require.NoError(t, ql.Close())
	assert.Equal(t, int64(20), stor.Count())
}

func TestQueryLogger_StorageError(t *testing.T) {
	stor := newMockStorage()
	stor.failCount = 5

	ql := NewQueryLogger(stor, nil, 100, 2)
	for i := 0; i < 10; i++ {
		_ = ql.LogAsync(testEntry())
	}

	require.NoError(t, ql.Close())
	assert.Equal(t, int64(5), stor.Count())
}

func TestQueryLogger_AfterClose(t *testing.T) {
	ql := NewQueryLogger(newMockStorage(), nil, 10, 1)
	require.NoError(t, ql.Close())
	require.NoError(t, ql.Close())

	assert.ErrorIs(t, ql.LogAsync(testEntry()), storage.ErrClosed)
}

func TestQueryLogger_Stats(t *testing.T) {
	stor := newBlockedStorage()
	ql := NewQueryLogger(stor, nil, 10, 2)

	assert.Equal(t, 10, ql.BufferCapacity())

	for i := 0; i < 5; i++ {
		require.NoError(t, ql.LogAsync(testEntry()))
	}

	// Both workers may hold one entry each
	buffered, dropped := ql.Stats()
	assert.GreaterOrEqual(t, buffered, uint64(3))
	assert.Zero(t, dropped)
	assert.GreaterOrEqual(t, ql.BufferSize(), 3)

	for i := 0; i < 10; i++ {
		_ = ql.LogAsync(testEntry())
	}
	_, dropped = ql.Stats()
	assert.NotZero(t, dropped)

	close(stor.gate)
	require.NoError(t, ql.Close())
}

func BenchmarkQueryLogger_LogAsync(b *testing.B) {
	stor := newMockStorage()
	ql := NewQueryLogger(stor, nil, 50000, 8)
	defer func() { _ = ql.Close() }()

	entry := testEntry()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_ = ql.LogAsync(entry)
		}
	})
}

func BenchmarkQueryLogger_vs_Goroutine(b *testing.B) {
	stor := newMockStorage()
	entry := testEntry()

	b.Run("WorkerPool", func(b *testing.B) {
		ql := NewQueryLogger(stor, nil, 50000, 8)
		defer func() { _ = ql.Close() }()

		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			_ = ql.LogAsync(entry)
		}
	})

	b.Run("GoroutineSpawn", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
				defer cancel()
				_ = stor.LogQuery(ctx, entry)
			}()
		}
	})
}
