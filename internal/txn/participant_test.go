package txn

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"pkt.systems/txcore/internal/clock"
	"pkt.systems/txcore/internal/lockmgr"
	"pkt.systems/txcore/internal/record"
)

func seedPerson(t *testing.T, s *MemoryStore, surname string) record.ID {
	t.Helper()
	ctx := context.Background()
	txID := "seed-" + surname
	result, err := s.Prepare(ctx, txID, []RecordOperation{
		{Type: OpCreate, ID: record.New(-1, -2), Class: "Person", Data: map[string]any{"surname": surname}},
	})
	if err != nil || result.Result != ResultSuccess {
		t.Fatalf("seed prepare: %+v %v", result, err)
	}
	if _, err := s.Commit(ctx, txID, result.Allocated); err != nil {
		t.Fatalf("seed commit: %v", err)
	}
	return result.Allocated[0]
}

func TestMemoryStoreLifecycle(t *testing.T) {
	s := NewMemoryStore()
	s.DefineUniqueIndex("Person", "surname")
	ctx := context.Background()
	rid := seedPerson(t, s, "Smith")
	if rid != record.New(0, 0) {
		t.Fatalf("first allocated id %s", rid)
	}

	result, err := s.Prepare(ctx, "tx-update", []RecordOperation{
		{Type: OpUpdate, ID: rid, Version: 1, Data: map[string]any{"surname": "Jones"}},
	})
	if err != nil || result.Result != ResultSuccess {
		t.Fatalf("prepare update: %+v %v", result, err)
	}
	if got := s.Staged(); !slices.Equal(got, []string{"tx-update"}) {
		t.Fatalf("staged %v", got)
	}
	resp, err := s.Commit(ctx, "tx-update", nil)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if !slices.Equal(resp.Updated, []record.ID{rid}) {
		t.Fatalf("updated %v", resp.Updated)
	}
	rec, _ := s.Get(rid)
	if rec.Version != 2 || rec.Data["surname"] != "Jones" {
		t.Fatalf("record after update %+v", rec)
	}

	// The old surname is free again.
	seedPerson(t, s, "Smith")

	stale, err := s.Prepare(ctx, "tx-stale", []RecordOperation{{Type: OpDelete, ID: rid, Version: 1}})
	if err != nil {
		t.Fatalf("prepare stale: %v", err)
	}
	if stale.Result != ResultConcurrentModification || stale.Conflict.Expected != 1 || stale.Conflict.Actual != 2 {
		t.Fatalf("expected conflict, got %+v", stale)
	}

	dup, err := s.Prepare(ctx, "tx-dup", []RecordOperation{
		{Type: OpCreate, ID: record.New(-1, -3), Class: "Person", Data: map[string]any{"surname": "Jones"}},
	})
	if err != nil {
		t.Fatalf("prepare duplicate: %v", err)
	}
	if dup.Result != ResultUniqueKeyViolation || dup.Violation.Index != "Person.surname" || dup.Violation.Key != "Jones" {
		t.Fatalf("expected violation, got %+v", dup)
	}

	if _, err := s.Prepare(ctx, "tx-missing", []RecordOperation{{Type: OpUpdate, ID: record.New(9, 9), Version: 1}}); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}
	if _, err := s.Commit(ctx, "tx-never", nil); !errors.Is(err, ErrNotPrepared) {
		t.Fatalf("expected ErrNotPrepared, got %v", err)
	}
}

func TestMemoryStoreAbortDiscardsStagedWrites(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if _, err := s.Prepare(ctx, "tx", []RecordOperation{{Type: OpCreate, ID: record.New(-1, -2), Class: "Item"}}); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := s.Abort(ctx, "tx"); err != nil {
		t.Fatalf("abort: %v", err)
	}
	if s.Len() != 0 || len(s.Staged()) != 0 {
		t.Fatalf("abort left state: records=%d staged=%v", s.Len(), s.Staged())
	}
}

func TestMemoryStoreCommitUsesCoordinatorAllocation(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if _, err := s.Prepare(ctx, "tx", []RecordOperation{{Type: OpCreate, ID: record.New(-1, -2), Class: "Item"}}); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	chosen := record.New(0, 41)
	resp, err := s.Commit(ctx, "tx", []record.ID{chosen})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if !slices.Equal(resp.Created, []record.ID{chosen}) {
		t.Fatalf("created %v", resp.Created)
	}
	next, _ := s.Prepare(ctx, "tx-2", []RecordOperation{{Type: OpCreate, ID: record.New(-1, -2), Class: "Item"}})
	if next.Allocated[0] != record.New(0, 42) {
		t.Fatalf("allocation did not move past coordinator id: %v", next.Allocated)
	}
}

func TestUniqueKeysForSubmit(t *testing.T) {
	s := NewMemoryStore()
	s.DefineUniqueIndex("Person", "surname")
	rid := seedPerson(t, s, "Smith")
	keys := s.UniqueKeys([]RecordOperation{
		{Type: OpCreate, Class: "Person", Data: map[string]any{"surname": "Jones", "age": 3}},
		{Type: OpDelete, ID: rid, Version: 1},
	})
	want := []lockmgr.IndexKey{
		AllocationKey("Person"),
		{Index: "Person.surname", Key: "Jones"},
		{Index: "Person.surname", Key: "Smith"},
	}
	if !slices.Equal(keys, want) {
		t.Fatalf("keys %v want %v", keys, want)
	}
}

type panickyStore struct{ *MemoryStore }

func (*panickyStore) Prepare(context.Context, string, []RecordOperation) (*FirstPhaseResult, error) {
	panic("index corrupted")
}

type failingStore struct{ *MemoryStore }

func (*failingStore) Prepare(context.Context, string, []RecordOperation) (*FirstPhaseResult, error) {
	return nil, errors.New("io error")
}

func (*failingStore) Commit(context.Context, string, []record.ID) (*SecondPhaseResponse, error) {
	return nil, errors.New("io error")
}

func TestParticipantConvertsFailuresToExceptions(t *testing.T) {
	ctx := context.Background()
	req := &FirstPhaseRequest{TxID: "tx", Operations: []RecordOperation{{Type: OpCreate, Class: "Item"}}}
	cases := []struct {
		name  string
		store Store
	}{
		{name: "panic", store: &panickyStore{MemoryStore: NewMemoryStore()}},
		{name: "error", store: &failingStore{MemoryStore: NewMemoryStore()}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := NewParticipant(tc.store, nil)
			resp := p.Execute(ctx, "node-1", req)
			result, ok := resp.(*FirstPhaseResult)
			if !ok || result.Result != ResultException || result.Error == "" {
				t.Fatalf("expected exception, got %#v", resp)
			}
		})
	}

	p := NewParticipant(&failingStore{MemoryStore: NewMemoryStore()}, nil)
	resp := p.Execute(ctx, "node-1", &SecondPhaseRequest{TxID: "tx", Commit: true})
	if second, ok := resp.(*SecondPhaseResponse); !ok || second.Error == "" {
		t.Fatalf("expected second phase error response, got %#v", resp)
	}
}

func TestParticipantRunsBothPhases(t *testing.T) {
	s := NewMemoryStore()
	p := NewParticipant(s, nil)
	ctx := context.Background()
	first := p.Execute(ctx, "coord", &FirstPhaseRequest{TxID: "tx", Operations: []RecordOperation{
		{Type: OpCreate, ID: record.New(-1, -2), Class: "Item", Data: map[string]any{"sku": "A1"}},
	}}).(*FirstPhaseResult)
	if first.Result != ResultSuccess || len(first.Allocated) != 1 {
		t.Fatalf("first phase %+v", first)
	}
	second := p.Execute(ctx, "coord", &SecondPhaseRequest{TxID: "tx", Commit: true, Allocated: first.Allocated}).(*SecondPhaseResponse)
	if !slices.Equal(second.Created, first.Allocated) {
		t.Fatalf("created %v", second.Created)
	}
	if _, ok := s.Get(first.Allocated[0]); !ok {
		t.Fatal("record not stored")
	}
}

func createItem(name string) []RecordOperation {
	return []RecordOperation{{Type: OpCreate, ID: record.New(-1, -2), Class: "Item", Data: map[string]any{"name": name}}}
}

func TestMemoryStoreStagedCreatesNeverShareIDs(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	first, _ := s.Prepare(ctx, "t1", createItem("a"))
	second, _ := s.Prepare(ctx, "t2", createItem("b"))
	if first.Allocated[0] == second.Allocated[0] {
		t.Fatalf("both staged transactions hold %s", first.Allocated[0])
	}
	// t1 is told to use the id t2 reserved; it keeps its own instead.
	resp, err := s.Commit(ctx, "t1", second.Allocated)
	if err != nil {
		t.Fatalf("commit t1: %v", err)
	}
	if !slices.Equal(resp.Created, first.Allocated) {
		t.Fatalf("t1 created %v want %v", resp.Created, first.Allocated)
	}
	if _, err := s.Commit(ctx, "t2", second.Allocated); err != nil {
		t.Fatalf("commit t2: %v", err)
	}
	if s.Len() != 2 {
		t.Fatalf("stored %d records", s.Len())
	}
}

func TestMemoryStoreInterleavedCreatesAcrossReplicas(t *testing.T) {
	ctx := context.Background()
	a, b := NewMemoryStore(), NewMemoryStore()
	prepare := func(s *MemoryStore, txID string) []record.ID {
		t.Helper()
		result, err := s.Prepare(ctx, txID, createItem(txID))
		if err != nil || result.Result != ResultSuccess {
			t.Fatalf("prepare %s: %+v %v", txID, result, err)
		}
		return result.Allocated
	}
	t1A := prepare(a, "t1")
	t2A := prepare(a, "t2")
	t2B := prepare(b, "t2")
	t1B := prepare(b, "t1")
	if !slices.Equal(t1A, t2B) || !slices.Equal(t2A, t1B) {
		t.Fatalf("expected crossed allocations: t1 %v/%v t2 %v/%v", t1A, t1B, t2A, t2B)
	}

	// Each transaction commits with the ids of a different replica.
	for _, s := range []*MemoryStore{a, b} {
		if _, err := s.Commit(ctx, "t1", t1A); err != nil {
			t.Fatalf("commit t1: %v", err)
		}
		if _, err := s.Commit(ctx, "t2", t2B); err != nil {
			t.Fatalf("commit t2: %v", err)
		}
	}
	for name, s := range map[string]*MemoryStore{"a": a, "b": b} {
		if s.Len() != 2 {
			t.Fatalf("store %s kept %d records", name, s.Len())
		}
		names := make(map[any]bool)
		for _, id := range []record.ID{record.New(0, 0), record.New(0, 1)} {
			rec, ok := s.Get(id)
			if !ok {
				t.Fatalf("store %s missing %s", name, id)
			}
			names[rec.Data["name"]] = true
		}
		if !names["t1"] || !names["t2"] {
			t.Fatalf("store %s lost a record: %v", name, names)
		}
	}
}

func TestMemoryStoreExpiresUndecidedTransactions(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	s := NewMemoryStore(WithStagedTTL(time.Minute), WithStoreClock(clk))
	ctx := context.Background()
	if _, err := s.Prepare(ctx, "tx", createItem("a")); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if _, err := s.Prepare(ctx, "tx", createItem("a")); !errors.Is(err, ErrAlreadyPrepared) {
		t.Fatalf("expected ErrAlreadyPrepared, got %v", err)
	}
	clk.Advance(30 * time.Second)
	if got := s.Staged(); !slices.Equal(got, []string{"tx"}) {
		t.Fatalf("staged %v", got)
	}
	clk.Advance(30 * time.Second)
	if got := s.Staged(); len(got) != 0 {
		t.Fatalf("expired transaction still staged: %v", got)
	}
	if len(s.reserved) != 0 {
		t.Fatalf("expired transaction kept reservations %v", s.reserved)
	}
	retry, err := s.Prepare(ctx, "tx", createItem("a"))
	if err != nil || retry.Result != ResultSuccess {
		t.Fatalf("retry: %+v %v", retry, err)
	}
	if _, err := s.Commit(ctx, "tx", retry.Allocated); err != nil {
		t.Fatalf("commit retry: %v", err)
	}
}

type nilCommitStore struct{ *MemoryStore }

func (*nilCommitStore) Commit(context.Context, string, []record.ID) (*SecondPhaseResponse, error) {
	return nil, nil
}

func TestParticipantNeverReturnsNilCommitResponse(t *testing.T) {
	p := NewParticipant(&nilCommitStore{MemoryStore: NewMemoryStore()}, nil)
	resp := p.Execute(context.Background(), "node-1", &SecondPhaseRequest{TxID: "tx", Commit: true})
	second, ok := resp.(*SecondPhaseResponse)
	if !ok || second == nil {
		t.Fatalf("response %#v", resp)
	}
	if len(second.Created) != 0 || second.Error != "" {
		t.Fatalf("unexpected response %+v", second)
	}
}
