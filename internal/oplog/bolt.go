package oplog

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/boltdb/bolt"

	"pkt.systems/pslog"
	"pkt.systems/txcore/internal/clock"
	"pkt.systems/txcore/internal/svcfields"
)

var (
	dispatchedBucket = []byte("dispatched")
	receivedBucket   = []byte("received")
	// receivedMetaBucket holds, per origin, the replay floor and the number
	// of receipts kept above it.
	receivedMetaBucket = []byte("received_meta")
)

// BoltOptions tunes a Bolt log.
type BoltOptions struct {
	Logger      pslog.Logger
	Clock       clock.Clock
	OpenTimeout time.Duration
	// ReceivedWindow overrides ReceivedWindow when positive.
	ReceivedWindow int
}

// Bolt is a durable Log stored in a single bolt database file. IDs come from
// the dispatched bucket's sequence and therefore keep increasing across
// reopen.
type Bolt struct {
	db     *bolt.DB
	path   string
	logger pslog.Logger
	clock  clock.Clock
	window int

	mu     sync.RWMutex
	closed bool
}

// OpenBolt opens (creating when needed) the log file at path.
func OpenBolt(path string, opts BoltOptions) (*Bolt, error) {
	if path == "" {
		return nil, fmt.Errorf("oplog: bolt path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("oplog: create dir: %w", err)
	}
	timeout := opts.OpenTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("oplog: open %s: %w", path, err)
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	err = db.Update(func(tx *bolt.Tx) error {
		dispatched, err := tx.CreateBucketIfNotExists(dispatchedBucket)
		if err != nil {
			return err
		}
		// A fresh file counts up from the clock like Memory does, so
		// replacing a lost file cannot reissue old IDs.
		if seed := uint64(Seed(clk.Now())); dispatched.Sequence() < seed && dispatched.Stats().KeyN == 0 {
			if err := dispatched.SetSequence(seed); err != nil {
				return err
			}
		}
		if _, err := tx.CreateBucketIfNotExists(receivedMetaBucket); err != nil {
			return err
		}
		_, err = tx.CreateBucketIfNotExists(receivedBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("oplog: init buckets: %w", err)
	}
	window := opts.ReceivedWindow
	if window <= 0 {
		window = ReceivedWindow
	}
	logger := svcfields.WithSubsystem(opts.Logger, "oplog.bolt")
	logger.Info("oplog.open", "path", path)
	return &Bolt{db: db, path: path, logger: logger, clock: clk, window: window}, nil
}

// Log allocates the next ID and persists the dispatch entry.
func (b *Bolt) Log(_ context.Context, req Request) (ID, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0, ErrClosed
	}
	var id ID
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(dispatchedBucket)
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		id = ID(seq)
		payload, err := json.Marshal(Entry{ID: id, Kind: kindOf(req), LoggedAt: b.clock.Now()})
		if err != nil {
			return err
		}
		return bucket.Put(encodeID(id), payload)
	})
	if err != nil {
		return 0, fmt.Errorf("oplog: allocate id: %w", err)
	}
	return id, nil
}

// LogReceived persists the receipt of id from origin.
func (b *Bolt) LogReceived(_ context.Context, origin string, id ID, req Request) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return false, ErrClosed
	}
	fresh := false
	err := b.db.Update(func(tx *bolt.Tx) error {
		originBucket, err := tx.Bucket(receivedBucket).CreateBucketIfNotExists([]byte(origin))
		if err != nil {
			return err
		}
		meta := tx.Bucket(receivedMetaBucket)
		floor, count := decodeMeta(meta.Get([]byte(origin)))
		key := encodeID(id)
		if id <= floor || originBucket.Get(key) != nil {
			return nil
		}
		payload, err := json.Marshal(Entry{ID: id, Origin: origin, Kind: kindOf(req), LoggedAt: b.clock.Now()})
		if err != nil {
			return err
		}
		if err := originBucket.Put(key, payload); err != nil {
			return err
		}
		fresh = true
		count++
		if count > uint64(b.window) {
			cursor := originBucket.Cursor()
			oldest, _ := cursor.First()
			floor = ID(binary.BigEndian.Uint64(oldest))
			if err := cursor.Delete(); err != nil {
				return err
			}
			count--
		}
		return meta.Put([]byte(origin), encodeMeta(floor, count))
	})
	if err != nil {
		return false, fmt.Errorf("oplog: record receipt: %w", err)
	}
	return fresh, nil
}

// Entry loads a dispatched entry by ID.
func (b *Bolt) Entry(id ID) (Entry, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return Entry{}, false, ErrClosed
	}
	var (
		entry Entry
		found bool
	)
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(dispatchedBucket).Get(encodeID(id))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &entry)
	})
	return entry, found, err
}

// Close flushes and closes the database file.
func (b *Bolt) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if err := b.db.Close(); err != nil {
		return fmt.Errorf("oplog: close %s: %w", b.path, err)
	}
	return nil
}

func encodeID(id ID) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(id))
	return buf[:]
}

func encodeMeta(floor ID, count uint64) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[:8], uint64(floor))
	binary.BigEndian.PutUint64(buf[8:], count)
	return buf
}

func decodeMeta(raw []byte) (ID, uint64) {
	if len(raw) != 16 {
		return 0, 0
	}
	return ID(binary.BigEndian.Uint64(raw[:8])), binary.BigEndian.Uint64(raw[8:])
}

func kindOf(req Request) string {
	if req == nil {
		return ""
	}
	return req.Kind()
}
