package lockmgr

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"pkt.systems/pslog"

	"pkt.systems/txcore/internal/record"
	"pkt.systems/txcore/internal/svcfields"
)

// ErrClosed is reported by pending acquisitions torn down by Close.
var ErrClosed = errors.New("lockmgr: closed")

// Manager grants exclusive ownership of keys. Each key has a FIFO queue of
// waiting trackers; the queue entry exists only while the key is owned.
type Manager struct {
	logger  pslog.Logger
	metrics *lockMetrics

	mu     sync.Mutex
	queues map[Key]*queue
	nextID uint64
	closed bool
}

type queue struct {
	owner   *tracker
	waiters []*tracker
}

// tracker is one batch acquisition. It fires once remaining reaches zero.
type tracker struct {
	id        uint64
	keys      []Key
	remaining int
	fn        func([]Guard)
	pending   *Pending
	fired     bool
}

func (t *tracker) guards() []Guard {
	out := make([]Guard, len(t.keys))
	for i, key := range t.keys {
		out[i] = Guard{key: key, owner: t.id}
	}
	return out
}

// Config tunes a Manager.
type Config struct {
	Logger pslog.Logger
}

// New constructs an empty Manager.
func New(cfg Config) *Manager {
	logger := svcfields.WithSubsystem(cfg.Logger, "lockmgr")
	return &Manager{
		logger:  logger,
		metrics: newLockMetrics(logger),
		queues:  make(map[Key]*queue),
	}
}

// Acquire requests every record and index key and calls fn exactly once with
// the guards after all of them are held. fn runs on the goroutine that made
// the last key available: the caller when nothing was contended, otherwise the
// goroutine calling Unlock. fn never runs if the manager is closed first.
func (m *Manager) Acquire(records []record.ID, indexKeys []IndexKey, fn func([]Guard)) {
	m.enqueue(records, indexKeys, fn, nil)
}

// Lock is the future form of Acquire.
func (m *Manager) Lock(records []record.ID, indexKeys []IndexKey) *Pending {
	p := &Pending{m: m, done: make(chan struct{})}
	m.enqueue(records, indexKeys, nil, p)
	return p
}

func (m *Manager) enqueue(records []record.ID, indexKeys []IndexKey, fn func([]Guard), p *Pending) {
	keys := orderedKeys(records, indexKeys)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		if p != nil {
			p.finish(nil, ErrClosed)
		}
		return
	}
	m.nextID++
	t := &tracker{id: m.nextID, keys: keys, fn: fn, pending: p}
	if p != nil {
		p.t = t
	}
	waited := 0
	for _, key := range keys {
		q := m.queues[key]
		if q == nil {
			m.queues[key] = &queue{owner: t}
			continue
		}
		q.waiters = append(q.waiters, t)
		t.remaining++
		waited++
	}
	ready := t.remaining == 0
	if ready {
		t.fired = true
	}
	held := len(m.queues)
	m.mu.Unlock()

	m.metrics.recordAcquire(waited, held)
	if waited > 0 {
		m.logger.Debug("lockmgr.wait", "keys", len(keys), "queued", waited)
	}
	if ready {
		t.grant()
	}
}

// Unlock releases guards. Ownership passes to the next waiter of each key,
// or the key's queue entry is removed when nobody waits. Releasing a guard
// that does not own its key panics. Unlock after Close is a no-op.
func (m *Manager) Unlock(guards []Guard) {
	var ready []*tracker
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	for _, g := range guards {
		q := m.queues[g.key]
		if q == nil || q.owner == nil || q.owner.id != g.owner {
			m.mu.Unlock()
			m.logger.Error("lockmgr.unlock.unowned", "key", g.key.String())
			panic(fmt.Sprintf("lockmgr: unlock of unowned key %s", g.key))
		}
		if len(q.waiters) == 0 {
			delete(m.queues, g.key)
			continue
		}
		next := q.waiters[0]
		q.waiters[0] = nil
		q.waiters = q.waiters[1:]
		q.owner = next
		next.remaining--
		if next.remaining == 0 && !next.fired {
			next.fired = true
			ready = append(ready, next)
		}
	}
	held := len(m.queues)
	m.mu.Unlock()

	m.metrics.recordRelease(len(guards), held)
	for _, t := range ready {
		t.grant()
	}
}

// Held reports how many keys currently have an owner.
func (m *Manager) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues)
}

// Waiting reports how many trackers are queued behind key's owner.
func (m *Manager) Waiting(key Key) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q := m.queues[key]; q != nil {
		return len(q.waiters)
	}
	return 0
}

// Close drops every queue. Trackers still waiting never fire; pending
// futures finish with ErrClosed.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	var abandoned []*Pending
	seen := make(map[uint64]struct{})
	for _, q := range m.queues {
		for _, t := range q.waiters {
			if _, ok := seen[t.id]; ok {
				continue
			}
			seen[t.id] = struct{}{}
			t.fired = true
			if t.pending != nil {
				abandoned = append(abandoned, t.pending)
			}
		}
	}
	m.queues = make(map[Key]*queue)
	m.mu.Unlock()

	if len(seen) > 0 {
		m.logger.Info("lockmgr.close.abandoned", "waiters", len(seen))
	}
	for _, p := range abandoned {
		p.finish(nil, ErrClosed)
	}
}

// cancel withdraws t from every queue. It reports false when t already fired.
func (m *Manager) cancel(t *tracker) bool {
	var ready []*tracker
	m.mu.Lock()
	if t.fired {
		m.mu.Unlock()
		return false
	}
	t.fired = true
	for _, key := range t.keys {
		q := m.queues[key]
		if q == nil {
			continue
		}
		if q.owner != t {
			q.waiters = slices.DeleteFunc(q.waiters, func(w *tracker) bool { return w == t })
			continue
		}
		if len(q.waiters) == 0 {
			delete(m.queues, key)
			continue
		}
		next := q.waiters[0]
		q.waiters = q.waiters[1:]
		q.owner = next
		next.remaining--
		if next.remaining == 0 && !next.fired {
			next.fired = true
			ready = append(ready, next)
		}
	}
	m.mu.Unlock()
	for _, w := range ready {
		w.grant()
	}
	return true
}

func (t *tracker) grant() {
	guards := t.guards()
	if t.pending != nil {
		t.pending.finish(guards, nil)
	}
	if t.fn != nil {
		t.fn(guards)
	}
}

func orderedKeys(records []record.ID, indexKeys []IndexKey) []Key {
	records = record.SortedSet(records)
	indexKeys = SortedIndexKeys(indexKeys)
	keys := make([]Key, 0, len(records)+len(indexKeys))
	for _, id := range records {
		keys = append(keys, RecordKey(id))
	}
	for _, k := range indexKeys {
		keys = append(keys, IndexEntryKey(k))
	}
	return keys
}

// Pending is an acquisition in flight. Done closes exactly once: when every
// key is held, or when the manager is closed.
type Pending struct {
	m    *Manager
	t    *tracker
	done chan struct{}

	once   sync.Once
	guards []Guard
	err    error
}

func (p *Pending) finish(guards []Guard, err error) {
	p.once.Do(func() {
		p.guards = guards
		p.err = err
		close(p.done)
	})
}

// Done is closed once the acquisition completes.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Guards returns the acquired guards after Done, or nil on failure.
func (p *Pending) Guards() []Guard {
	<-p.done
	return p.guards
}

// Err returns ErrClosed when the manager was torn down before the grant.
func (p *Pending) Err() error {
	<-p.done
	return p.err
}

// Wait blocks until every key is held or ctx ends. On ctx expiry the request
// is withdrawn from all queues, unless it was granted concurrently.
func (p *Pending) Wait(ctx context.Context) ([]Guard, error) {
	select {
	case <-p.done:
		return p.guards, p.err
	case <-ctx.Done():
	}
	if p.t != nil && p.m.cancel(p.t) {
		p.finish(nil, ctx.Err())
		return nil, ctx.Err()
	}
	<-p.done
	return p.guards, p.err
}
