package txn

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"pkt.systems/txcore/internal/clock"
	"pkt.systems/txcore/internal/lockmgr"
	"pkt.systems/txcore/internal/record"
)

// AllocationIndex is the lock index that serializes creates within a class,
// so replicas allocate positions for one class in the coordinator's order.
const AllocationIndex = "$allocation"

// DefaultStagedTTL is how long a prepared transaction waits for its decision
// before the store forgets it.
const DefaultStagedTTL = 5 * time.Minute

var (
	// ErrRecordNotFound is returned when an update or delete targets a
	// missing record.
	ErrRecordNotFound = errors.New("txn: record not found")
	// ErrNotPrepared is returned when committing an unknown transaction.
	ErrNotPrepared = errors.New("txn: transaction not prepared")
	// ErrAlreadyPrepared is returned when a transaction is staged twice.
	ErrAlreadyPrepared = errors.New("txn: transaction already prepared")
)

// Record is a stored document.
type Record struct {
	ID      record.ID      `json:"id"`
	Class   string         `json:"class"`
	Version record.Version `json:"version"`
	Data    map[string]any `json:"data,omitempty"`
}

type stagedTx struct {
	ops       []RecordOperation
	allocated []record.ID
	at        time.Time
}

// MemoryStore is a versioned in-memory record store with unique indexes. It
// allocates record positions per class cluster in arrival order and reserves
// them for the staged transaction, so no two staged transactions on one store
// hold the same id.
type MemoryStore struct {
	clock     clock.Clock
	stagedTTL time.Duration

	mu          sync.Mutex
	clusters    map[string]int32
	nextCluster int32
	positions   map[int32]int64
	records     map[record.ID]*Record
	uniqueDefs  map[string][]string
	unique      map[string]map[string]record.ID
	staged      map[string]*stagedTx
	reserved    map[record.ID]string
}

// MemoryStoreOption configures a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithStagedTTL sets how long an undecided transaction stays staged. A
// non-positive ttl keeps staged transactions until they are decided.
func WithStagedTTL(ttl time.Duration) MemoryStoreOption {
	return func(s *MemoryStore) { s.stagedTTL = ttl }
}

// WithStoreClock sets the clock used to age staged transactions.
func WithStoreClock(c clock.Clock) MemoryStoreOption {
	return func(s *MemoryStore) {
		if c != nil {
			s.clock = c
		}
	}
}

// NewMemoryStore returns an empty store.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		clock:      clock.Real{},
		stagedTTL:  DefaultStagedTTL,
		clusters:   make(map[string]int32),
		positions:  make(map[int32]int64),
		records:    make(map[record.ID]*Record),
		uniqueDefs: make(map[string][]string),
		unique:     make(map[string]map[string]record.ID),
		staged:     make(map[string]*stagedTx),
		reserved:   make(map[record.ID]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IndexName is the unique index name for class.field.
func IndexName(class, field string) string {
	return class + "." + field
}

// DefineUniqueIndex declares field unique within class.
func (s *MemoryStore) DefineUniqueIndex(class, field string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slices.Contains(s.uniqueDefs[class], field) {
		return
	}
	s.uniqueDefs[class] = append(s.uniqueDefs[class], field)
	name := IndexName(class, field)
	if s.unique[name] == nil {
		s.unique[name] = make(map[string]record.ID)
	}
}

// AllocationKey is the lock key creates in class hold.
func AllocationKey(class string) lockmgr.IndexKey {
	return lockmgr.IndexKey{Index: AllocationIndex, Key: class}
}

// UniqueKeys lists the index keys a submit of ops must lock: the unique index
// entries ops would write plus the allocation key of every class they create
// records in.
func (s *MemoryStore) UniqueKeys(ops []RecordOperation) []lockmgr.IndexKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []lockmgr.IndexKey
	for _, op := range ops {
		if op.Type == OpCreate && op.Class != "" {
			keys = append(keys, AllocationKey(op.Class))
		}
		if op.Type == OpDelete {
			if rec := s.records[op.ID]; rec != nil {
				keys = append(keys, s.keysFor(rec.Class, rec.Data)...)
			}
			continue
		}
		class := op.Class
		if class == "" {
			if rec := s.records[op.ID]; rec != nil {
				class = rec.Class
			}
		}
		keys = append(keys, s.keysFor(class, op.Data)...)
	}
	return lockmgr.SortedIndexKeys(keys)
}

func (s *MemoryStore) keysFor(class string, data map[string]any) []lockmgr.IndexKey {
	var keys []lockmgr.IndexKey
	for _, field := range s.uniqueDefs[class] {
		value, ok := data[field]
		if !ok || value == nil {
			continue
		}
		keys = append(keys, lockmgr.IndexKey{Index: IndexName(class, field), Key: fmt.Sprint(value)})
	}
	return keys
}

// Get returns a copy of the record stored under id.
func (s *MemoryStore) Get(id record.ID) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return Record{}, false
	}
	out := *rec
	out.Data = maps.Clone(rec.Data)
	return out, true
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Prepare validates versions and unique constraints, allocates ids for
// created records and stages the operations under txID.
func (s *MemoryStore) Prepare(_ context.Context, txID string, ops []RecordOperation) (*FirstPhaseResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireStaged()
	if _, exists := s.staged[txID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyPrepared, txID)
	}

	deleting := make(map[record.ID]struct{})
	for _, op := range ops {
		switch op.Type {
		case OpCreate:
			if op.Class == "" {
				return nil, fmt.Errorf("txn: create %s without class", op.ID)
			}
		case OpUpdate, OpDelete:
			rec, ok := s.records[op.ID]
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, op.ID)
			}
			if rec.Version != op.Version {
				return Conflict(op.ID, op.Version, rec.Version), nil
			}
			if op.Type == OpDelete {
				deleting[op.ID] = struct{}{}
			}
		default:
			return nil, fmt.Errorf("txn: unknown operation type %q", op.Type)
		}
	}

	// Unique keys claimed by this transaction, checked against the index and
	// against each other.
	claimed := make(map[string]record.ID)
	for _, op := range ops {
		if op.Type == OpDelete {
			continue
		}
		class := op.Class
		if op.Type == OpUpdate {
			class = s.records[op.ID].Class
		}
		for _, key := range s.keysFor(class, op.Data) {
			bucket := key.String()
			if other, dup := claimed[bucket]; dup && other != op.ID {
				return Violation(key.Index, key.Key, other, op.ID), nil
			}
			claimed[bucket] = op.ID
			owner, taken := s.unique[key.Index][key.Key]
			if !taken || owner == op.ID {
				continue
			}
			if _, freed := deleting[owner]; freed {
				continue
			}
			return Violation(key.Index, key.Key, owner), nil
		}
	}

	var allocated []record.ID
	for _, op := range ops {
		if op.Type != OpCreate {
			continue
		}
		allocated = append(allocated, s.reserve(txID, s.clusterFor(op.Class)))
	}
	s.staged[txID] = &stagedTx{ops: slices.Clone(ops), allocated: allocated, at: s.clock.Now()}
	return Success(allocated), nil
}

// reserve hands txID the next position in cluster that is neither stored nor
// reserved by another staged transaction.
func (s *MemoryStore) reserve(txID string, cluster int32) record.ID {
	for {
		position := s.positions[cluster]
		s.positions[cluster] = position + 1
		id := record.New(cluster, position)
		if !s.available(id, txID) {
			continue
		}
		s.reserved[id] = txID
		return id
	}
}

// available reports whether txID may store a new record under id.
func (s *MemoryStore) available(id record.ID, txID string) bool {
	if !id.IsPersistent() {
		return false
	}
	if _, stored := s.records[id]; stored {
		return false
	}
	holder, held := s.reserved[id]
	return !held || holder == txID
}

func (s *MemoryStore) unreserve(txID string, ids []record.ID) {
	for _, id := range ids {
		if s.reserved[id] == txID {
			delete(s.reserved, id)
		}
	}
}

// expireStaged forgets transactions whose decision never arrived.
func (s *MemoryStore) expireStaged() {
	if s.stagedTTL <= 0 {
		return
	}
	now := s.clock.Now()
	for txID, tx := range s.staged {
		if now.Sub(tx.at) >= s.stagedTTL {
			s.unreserve(txID, tx.allocated)
			delete(s.staged, txID)
		}
	}
}

func (s *MemoryStore) clusterFor(class string) int32 {
	if id, ok := s.clusters[class]; ok {
		return id
	}
	id := s.nextCluster
	s.nextCluster++
	s.clusters[class] = id
	return id
}

// Commit applies the staged transaction. allocated overrides the locally
// allocated ids when it names one id per created record. A chosen id that is
// already stored, or reserved by another staged transaction, is never
// overwritten: the record falls back to this transaction's own reservation
// or a fresh position, and Created reports the id actually used.
func (s *MemoryStore) Commit(_ context.Context, txID string, allocated []record.ID) (*SecondPhaseResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.staged[txID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotPrepared, txID)
	}
	delete(s.staged, txID)
	ids := tx.allocated
	if len(allocated) == len(tx.allocated) && len(allocated) > 0 {
		ids = allocated
	}
	ids = s.resolveCreated(txID, ids, tx.allocated)
	defer s.unreserve(txID, append(slices.Clone(tx.allocated), ids...))

	resp := &SecondPhaseResponse{}
	created := 0
	for _, op := range tx.ops {
		switch op.Type {
		case OpCreate:
			id := ids[created]
			created++
			rec := &Record{ID: id, Class: op.Class, Version: 1, Data: maps.Clone(op.Data)}
			s.records[id] = rec
			s.index(rec)
			if s.positions[id.Cluster] <= id.Position {
				s.positions[id.Cluster] = id.Position + 1
			}
			resp.Created = append(resp.Created, id)
		case OpUpdate:
			rec := s.records[op.ID]
			if rec == nil {
				return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, op.ID)
			}
			s.unindex(rec)
			rec.Data = maps.Clone(op.Data)
			rec.Version++
			s.index(rec)
			resp.Updated = append(resp.Updated, op.ID)
		case OpDelete:
			rec := s.records[op.ID]
			if rec == nil {
				continue
			}
			s.unindex(rec)
			delete(s.records, op.ID)
			resp.Deleted = append(resp.Deleted, op.ID)
		}
	}
	return resp, nil
}

// resolveCreated picks the id each created record is stored under.
func (s *MemoryStore) resolveCreated(txID string, chosen, own []record.ID) []record.ID {
	out := make([]record.ID, 0, len(chosen))
	usable := func(id record.ID) bool {
		return s.available(id, txID) && !slices.Contains(out, id)
	}
	for i, id := range chosen {
		switch {
		case usable(id):
		case usable(own[i]):
			id = own[i]
		default:
			id = s.reserve(txID, own[i].Cluster)
		}
		out = append(out, id)
	}
	return out
}

// Abort discards the staged transaction. Aborting an unknown transaction is
// not an error: the participant may have voted against without staging.
func (s *MemoryStore) Abort(_ context.Context, txID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tx, ok := s.staged[txID]; ok {
		s.unreserve(txID, tx.allocated)
		delete(s.staged, txID)
	}
	return nil
}

// Staged lists the prepared but undecided transaction ids.
func (s *MemoryStore) Staged() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireStaged()
	out := make([]string, 0, len(s.staged))
	for id := range s.staged {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *MemoryStore) index(rec *Record) {
	for _, key := range s.keysFor(rec.Class, rec.Data) {
		s.unique[key.Index][key.Key] = rec.ID
	}
}

func (s *MemoryStore) unindex(rec *Record) {
	for _, key := range s.keysFor(rec.Class, rec.Data) {
		if s.unique[key.Index][key.Key] == rec.ID {
			delete(s.unique[key.Index], key.Key)
		}
	}
}

// ParseOpType validates a textual operation type.
func ParseOpType(raw string) (OpType, error) {
	switch op := OpType(strings.ToLower(strings.TrimSpace(raw))); op {
	case OpCreate, OpUpdate, OpDelete:
		return op, nil
	default:
		return "", fmt.Errorf("txn: unknown operation type %q", raw)
	}
}
