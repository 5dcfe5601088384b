package oplog

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Memory is a non-durable Log backed by an atomic counter.
type Memory struct {
	next   atomic.Uint64
	window int

	mu       sync.Mutex
	closed   bool
	received map[string]*receivedSet
}

// NewMemory returns an empty in-memory log. Its IDs start above the current
// wall clock in nanoseconds, so a restarted process never reissues an ID a
// peer may still remember from the previous run.
func NewMemory() *Memory {
	return NewMemoryFrom(Seed(time.Now()))
}

// NewMemoryFrom returns an in-memory log whose first ID is start+1.
func NewMemoryFrom(start ID) *Memory {
	m := &Memory{window: ReceivedWindow, received: make(map[string]*receivedSet)}
	m.next.Store(uint64(start))
	return m
}

// Seed is the ID a log started at now counts up from.
func Seed(now time.Time) ID {
	return ID(now.UnixNano())
}

// Log allocates the next ID.
func (m *Memory) Log(_ context.Context, _ Request) (ID, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}
	return ID(m.next.Add(1)), nil
}

// LogReceived records id for origin and reports whether it was new.
func (m *Memory) LogReceived(_ context.Context, origin string, id ID, _ Request) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	seen := m.received[origin]
	if seen == nil {
		seen = &receivedSet{}
		m.received[origin] = seen
	}
	return seen.add(id, m.window), nil
}

// Last returns the most recently allocated ID.
func (m *Memory) Last() ID {
	return ID(m.next.Load())
}

// Close marks the log closed.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
