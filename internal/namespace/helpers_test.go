package namespace_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hcloud/hcloud/internal/events"
	"github.com/hcloud/hcloud/internal/metadata/memory"
	"github.com/hcloud/hcloud/internal/namespace"
	"github.com/hcloud/hcloud/internal/quota"
)

const fiveGiB = 5368709120

type fakeBlobs struct {
	mu      sync.Mutex
	deleted []string
}

func (b *fakeBlobs) Delete(_ context.Context, locator string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deleted = append(b.deleted, locator)
	return nil
}

func (b *fakeBlobs) wasDeleted(locator string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, d := range b.deleted {
		if d == locator {
			return true
		}
	}
	return false
}

// flakyStore fails deletes of selected ids.
type flakyStore struct {
	*memory.Store
	mu        sync.Mutex
	failIDs   map[string]bool
	failBatch bool
}

var errInjected = errors.New("injected failure")

func (s *flakyStore) fails(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failIDs[id]
}

func (s *flakyStore) Delete(ctx context.Context, id string) error {
	if s.fails(id) {
		return errInjected
	}
	return s.Store.Delete(ctx, id)
}

func (s *flakyStore) DeleteBatch(ctx context.Context, ids []string) error {
	s.mu.Lock()
	failBatch := s.failBatch
	s.mu.Unlock()
	if failBatch {
		return errInjected
	}
	for _, id := range ids {
		if s.fails(id) {
			return errInjected
		}
	}
	return s.Store.DeleteBatch(ctx, ids)
}

type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *recordingSink) Publish(e events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, e := range s.events {
		out[i] = e.Type
	}
	return out
}

type env struct {
	store  *flakyStore
	blobs  *fakeBlobs
	ledger *quota.Ledger
	sink   *recordingSink
	mgr    *namespace.Manager
	clock  time.Time
}

func newEnv() *env {
	store := &flakyStore{Store: memory.New(), failIDs: make(map[string]bool)}
	e := &env{
		store:  store,
		blobs:  &fakeBlobs{},
		ledger: quota.NewLedger(store, quota.Defaults{Limit: fiveGiB, Plan: "free"}),
		sink:   &recordingSink{},
		clock:  time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	e.mgr = namespace.NewManager(store, e.blobs, e.ledger, e.sink)
	namespace.SetClock(e.mgr, func() time.Time {
		e.clock = e.clock.Add(time.Second)
		return e.clock
	})
	return e
}

func (e *env) folder(t *testing.T, userID, name, parentID string) *namespace.Entry {
	t.Helper()
	f, err := e.mgr.CreateFolder(context.Background(), userID, name, parentID)
	if err != nil {
		t.Fatalf("CreateFolder(%q): %v", name, err)
	}
	return f
}

func (e *env) file(t *testing.T, userID, name, parentID string, size int64) *namespace.Entry {
	t.Helper()
	f, err := e.addFile(userID, name, parentID, size)
	if err != nil {
		t.Fatalf("add file %q: %v", name, err)
	}
	return f
}

func (e *env) addFile(userID, name, parentID string, size int64) (*namespace.Entry, error) {
	ctx := context.Background()
	f, err := e.mgr.CreateFile(ctx, namespace.NewFile{
		UserID:         userID,
		ParentID:       parentID,
		Name:           name,
		Size:           size,
		ContentLocator: "blob/" + userID + "/" + name,
	})
	if err != nil {
		return nil, err
	}
	if _, err := e.ledger.Commit(ctx, userID, size); err != nil {
		return nil, err
	}
	return f, nil
}

func (e *env) consumed(t *testing.T, userID string) int64 {
	t.Helper()
	rec, err := e.ledger.Usage(context.Background(), userID)
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	return rec.Consumed
}

func names(entries []*namespace.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Name
	}
	return out
}
