package quota

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hcloud/hcloud/internal/errs"
)

type fakeStore struct {
	mu      sync.Mutex
	records map[string]Record
	fail    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]Record)}
}

func (s *fakeStore) GetQuota(_ context.Context, userID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	rec, ok := s.records[userID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &rec, nil
}

func (s *fakeStore) CreateQuota(_ context.Context, rec *Record) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.records[rec.UserID]; ok {
		return &existing, nil
	}
	s.records[rec.UserID] = *rec
	out := *rec
	return &out, nil
}

func (s *fakeStore) SetLimit(_ context.Context, userID string, limit int64, plan string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[userID]
	if !ok {
		return errs.ErrNotFound
	}
	rec.Limit, rec.Plan, rec.UpdatedAt = limit, plan, time.Now()
	s.records[userID] = rec
	return nil
}

func (s *fakeStore) AddConsumed(_ context.Context, userID string, delta int64) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[userID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	rec.Consumed += delta
	if rec.Consumed < 0 {
		rec.Consumed = 0
	}
	s.records[userID] = rec
	return &rec, nil
}

const fiveGiB = 5368709120

func newTestLedger() (*Ledger, *fakeStore) {
	store := newFakeStore()
	return NewLedger(store, Defaults{Limit: fiveGiB, Plan: "free"}), store
}

func TestUsageCreatesDefault(t *testing.T) {
	ledger, store := newTestLedger()
	ctx := context.Background()

	rec, err := ledger.Usage(ctx, "alice")
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	if rec.Consumed != 0 || rec.Limit != fiveGiB || rec.Plan != "free" {
		t.Errorf("default record = %+v", rec)
	}
	if _, ok := store.records["alice"]; !ok {
		t.Error("default record was not persisted")
	}
}

func TestUsageStoreFailure(t *testing.T) {
	ledger, store := newTestLedger()
	store.fail = errs.Unavailable(errors.New("connection refused"))

	_, err := ledger.Usage(context.Background(), "alice")
	if !errors.Is(err, errs.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}

func TestReserve(t *testing.T) {
	tests := []struct {
		name     string
		consumed int64
		limit    int64
		bytes    int64
		want     Decision
	}{
		{"empty account", 0, 100, 100, Allow},
		{"exact fit", 60, 100, 40, Allow},
		{"one byte over", 60, 100, 41, Deny},
		{"already full", 100, 100, 1, Deny},
		{"zero bytes when full", 100, 100, 0, Allow},
		{"zero limit", 0, 0, 1, Deny},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger, store := newTestLedger()
			store.records["alice"] = Record{UserID: "alice", Consumed: tt.consumed, Limit: tt.limit, Plan: "free"}

			got, err := ledger.Reserve(context.Background(), "alice", tt.bytes)
			if err != nil {
				t.Fatalf("Reserve: %v", err)
			}
			if got != tt.want {
				t.Errorf("Reserve(%d) = %v, want %v", tt.bytes, got, tt.want)
			}
		})
	}
}

func TestReserveDoesNotConsume(t *testing.T) {
	ledger, _ := newTestLedger()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if d, _ := ledger.Reserve(ctx, "alice", 1024); d != Allow {
			t.Fatalf("reserve %d denied", i)
		}
	}
	rec, _ := ledger.Usage(ctx, "alice")
	if rec.Consumed != 0 {
		t.Errorf("consumed = %d after reserves, want 0", rec.Consumed)
	}
}

func TestCommitFloorsAtZero(t *testing.T) {
	ledger, _ := newTestLedger()
	ctx := context.Background()

	if _, err := ledger.Commit(ctx, "alice", 500); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	rec, err := ledger.Commit(ctx, "alice", -2000)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if rec.Consumed != 0 {
		t.Errorf("consumed = %d, want 0", rec.Consumed)
	}
}

func TestCommitConcurrent(t *testing.T) {
	ledger, _ := newTestLedger()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := ledger.Commit(ctx, "alice", 10); err != nil {
				t.Errorf("Commit: %v", err)
			}
		}()
	}
	wg.Wait()

	rec, _ := ledger.Usage(ctx, "alice")
	if rec.Consumed != 500 {
		t.Errorf("consumed = %d, want 500", rec.Consumed)
	}
}

func TestSetLimit(t *testing.T) {
	ledger, _ := newTestLedger()
	ctx := context.Background()

	if err := ledger.SetLimit(ctx, "alice", 10, "pro"); err != nil {
		t.Fatalf("SetLimit: %v", err)
	}
	rec, _ := ledger.Usage(ctx, "alice")
	if rec.Limit != 10 || rec.Plan != "pro" {
		t.Errorf("record = %+v", rec)
	}
	if d, _ := ledger.Reserve(ctx, "alice", 11); d != Deny {
		t.Error("reserve above new limit should be denied")
	}
	if err := ledger.SetLimit(ctx, "alice", -1, ""); err == nil {
		t.Error("negative limit should be rejected")
	}
}

func TestRecordAvailable(t *testing.T) {
	r := &Record{Consumed: 150, Limit: 100}
	if r.Available() != 0 {
		t.Errorf("Available() = %d, want 0", r.Available())
	}
	r = &Record{Consumed: 25, Limit: 100}
	if r.Available() != 75 || r.UsagePercent() != 25 {
		t.Errorf("Available() = %d, UsagePercent() = %f", r.Available(), r.UsagePercent())
	}
}
