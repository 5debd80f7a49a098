package store

import (
	"context"
	"sync"
	"time"
)

const defaultSweepInterval = time.Minute

type memoryEntry struct {
	mu         sync.Mutex
	count      int64
	expiration time.Time
	// removed is set by the sweeper under mu; an incrementer that finds it set
	// looks the key up again instead of counting into a detached entry.
	removed bool
}

// Memory is an in-memory implementation of Store.
//
// Each key has its own mutex, so concurrent increments of unrelated keys never
// wait on each other. The map itself is guarded by an RWMutex held only for
// lookups and inserts.
//
// WARNING: Memory counters are local to one process. When several instances
// each run their own Memory store, the effective global limit is
// limit × instance count. Use it for single-instance deployments, development,
// or as the degraded-mode substitute inside Failover.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
	now     func() time.Time
	stopCh  chan struct{}
	once    sync.Once
}

// MemoryOption configures a Memory store.
type MemoryOption func(*memoryConfig)

type memoryConfig struct {
	sweepInterval time.Duration
	now           func() time.Time
}

// WithSweepInterval sets how often expired entries are removed (default: 1m).
func WithSweepInterval(d time.Duration) MemoryOption {
	return func(c *memoryConfig) {
		c.sweepInterval = d
	}
}

// WithMemoryClock overrides the time source. Intended for tests.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(c *memoryConfig) {
		c.now = now
	}
}

// NewMemory creates a new in-memory store with automatic cleanup of expired entries.
//
// Important: You must call Close() when done to stop the sweep goroutine.
func NewMemory(opts ...MemoryOption) *Memory {
	cfg := memoryConfig{
		sweepInterval: defaultSweepInterval,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	m := &Memory{
		entries: make(map[string]*memoryEntry),
		now:     cfg.now,
		stopCh:  make(chan struct{}),
	}

	if cfg.sweepInterval > 0 {
		go m.sweep(cfg.sweepInterval)
	}
	return m
}

// Increment adds n to the counter for key. An absent or expired entry starts a
// new window of length ttl with count n.
//
// The context is accepted for interface compatibility; in-memory operations
// complete immediately.
func (m *Memory) Increment(_ context.Context, key string, n int64, ttl time.Duration) (int64, time.Duration, error) {
	for {
		entry := m.entry(key)
		if entry == nil {
			return 0, 0, &UnavailableError{Backend: "memory", Op: "increment", Err: errMemoryClosed}
		}

		entry.mu.Lock()
		if entry.removed {
			entry.mu.Unlock()
			continue
		}

		now := m.now()
		if entry.expiration.IsZero() || !now.Before(entry.expiration) {
			entry.count = 0
			entry.expiration = now.Add(ttl)
		}
		entry.count += n
		count := entry.count
		remaining := max(0, entry.expiration.Sub(now))
		entry.mu.Unlock()

		return count, remaining, nil
	}
}

// entry returns the entry for key, creating it if needed. Returns nil after Close.
func (m *Memory) entry(key string) *memoryEntry {
	m.mu.RLock()
	if m.entries == nil {
		m.mu.RUnlock()
		return nil
	}
	entry, ok := m.entries[key]
	m.mu.RUnlock()
	if ok {
		return entry
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries == nil {
		return nil
	}
	if entry, ok = m.entries[key]; ok {
		return entry
	}
	entry = &memoryEntry{}
	m.entries[key] = entry
	return entry
}

// Get retrieves the current count for the given key without incrementing.
// Returns 0 if the key doesn't exist or has expired.
func (m *Memory) Get(_ context.Context, key string) (int64, error) {
	m.mu.RLock()
	entry, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return 0, nil
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.removed || !m.now().Before(entry.expiration) {
		return 0, nil
	}
	return entry.count, nil
}

// Reset removes the counter for the given key.
func (m *Memory) Reset(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.entries[key]; ok {
		entry.mu.Lock()
		entry.removed = true
		entry.mu.Unlock()
		delete(m.entries, key)
	}
	return nil
}

// Len returns the number of tracked keys, expired or not.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Close stops the sweep goroutine and drops all counters.
func (m *Memory) Close() error {
	m.once.Do(func() {
		close(m.stopCh)
		m.mu.Lock()
		m.entries = nil
		m.mu.Unlock()
	})
	return nil
}

// runSweep removes every entry whose window has elapsed.
func (m *Memory) runSweep() {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	for key, entry := range m.entries {
		entry.mu.Lock()
		if !entry.expiration.IsZero() && !now.Before(entry.expiration) {
			entry.removed = true
			delete(m.entries, key)
		}
		entry.mu.Unlock()
	}
}

func (m *Memory) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.runSweep()
		case <-m.stopCh:
			return
		}
	}
}
