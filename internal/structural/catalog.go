package structural

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/txcore/internal/coord"
	"pkt.systems/txcore/internal/svcfields"
)

var (
	// ErrDatabaseExists rejects creating a database that already exists.
	ErrDatabaseExists = errors.New("structural: database already exists")
	// ErrDatabaseNotFound rejects dropping a missing database.
	ErrDatabaseNotFound = errors.New("structural: database not found")
	// ErrDatabaseBusy rejects a change while another one is prepared.
	ErrDatabaseBusy = errors.New("structural: database has a pending change")
)

// Catalog is the member-local database registry.
type Catalog interface {
	Prepare(ctx context.Context, opID string, action Action, name string) error
	Finalize(ctx context.Context, opID string, commit bool) error
}

type pendingChange struct {
	action Action
	name   string
}

// Database describes one catalog entry.
type Database struct {
	Name    string    `json:"name"`
	Created time.Time `json:"created"`
}

// MemoryCatalog is an in-memory Catalog.
type MemoryCatalog struct {
	mu        sync.Mutex
	databases map[string]Database
	pending   map[string]pendingChange
	now       func() time.Time
}

// NewMemoryCatalog returns an empty catalog.
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{
		databases: make(map[string]Database),
		pending:   make(map[string]pendingChange),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Prepare reserves name for action under opID.
func (m *MemoryCatalog) Prepare(_ context.Context, opID string, action Action, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, change := range m.pending {
		if change.name == name && id != opID {
			return fmt.Errorf("%w: %s", ErrDatabaseBusy, name)
		}
	}
	_, exists := m.databases[name]
	switch action {
	case ActionCreate:
		if exists {
			return fmt.Errorf("%w: %s", ErrDatabaseExists, name)
		}
	case ActionDrop:
		if !exists {
			return fmt.Errorf("%w: %s", ErrDatabaseNotFound, name)
		}
	default:
		return fmt.Errorf("structural: unknown action %q", action)
	}
	m.pending[opID] = pendingChange{action: action, name: name}
	return nil
}

// Finalize applies or discards the change prepared under opID. Rolling back
// an unknown operation is a no-op, since the member may have voted against.
func (m *MemoryCatalog) Finalize(_ context.Context, opID string, commit bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	change, ok := m.pending[opID]
	delete(m.pending, opID)
	if !commit {
		return nil
	}
	if !ok {
		return fmt.Errorf("structural: operation %s not prepared", opID)
	}
	switch change.action {
	case ActionCreate:
		m.databases[change.name] = Database{Name: change.name, Created: m.now()}
	case ActionDrop:
		delete(m.databases, change.name)
	}
	return nil
}

// Databases lists the catalog in name order.
func (m *MemoryCatalog) Databases() []Database {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Database, 0, len(m.databases))
	for _, db := range m.databases {
		out = append(out, db)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Exists reports whether name is in the catalog.
func (m *MemoryCatalog) Exists(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.databases[name]
	return ok
}

// Participant executes structural node requests against a Catalog.
type Participant struct {
	catalog Catalog
	logger  pslog.Logger
}

// NewParticipant wraps catalog.
func NewParticipant(catalog Catalog, logger pslog.Logger) *Participant {
	return &Participant{catalog: catalog, logger: svcfields.WithSubsystem(logger, "structural.participant")}
}

// Execute runs req and always returns exactly one response.
func (p *Participant) Execute(ctx context.Context, from string, req coord.NodeRequest) (resp coord.NodeResponse) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("structural.participant.panic", "panic", r, "stack", string(debug.Stack()))
			msg := fmt.Sprintf("structural: participant panic: %v", r)
			if _, ok := req.(*FinalizeRequest); ok {
				resp = &FinalizeResponse{Error: msg}
				return
			}
			resp = &PrepareResponse{Error: msg}
		}
	}()
	switch r := req.(type) {
	case *PrepareRequest:
		if err := p.catalog.Prepare(ctx, r.OperationID, r.Action, r.Database); err != nil {
			p.logger.Info("structural.prepare.refused", svcfields.OperationKey, r.OperationID, svcfields.MemberKey, from, "error", err)
			return &PrepareResponse{Error: err.Error()}
		}
		return &PrepareResponse{OK: true}
	case *FinalizeRequest:
		if err := p.catalog.Finalize(ctx, r.OperationID, r.Commit); err != nil {
			p.logger.Warn("structural.finalize.failed", svcfields.OperationKey, r.OperationID, "error", err)
			return &FinalizeResponse{Error: err.Error()}
		}
		return &FinalizeResponse{}
	default:
		kind := "<nil>"
		if req != nil {
			kind = req.Kind()
		}
		return &PrepareResponse{Error: "structural: cannot execute " + kind}
	}
}
