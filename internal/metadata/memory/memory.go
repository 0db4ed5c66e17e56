// Package memory provides an in-process Document Store for development
// and tests. It implements namespace.Store and quota.Store.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hcloud/hcloud/internal/errs"
	"github.com/hcloud/hcloud/internal/namespace"
	"github.com/hcloud/hcloud/internal/quota"
)

// Store keeps entries and quota records in maps. Every value crossing the
// API boundary is copied.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*namespace.Entry
	quotas  map[string]quota.Record
}

// New creates an empty store.
func New() *Store {
	return &Store{
		entries: make(map[string]*namespace.Entry),
		quotas:  make(map[string]quota.Record),
	}
}

// Create inserts a new entry.
func (s *Store) Create(_ context.Context, e *namespace.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[e.ID]; ok {
		return fmt.Errorf("entry %s already exists", e.ID)
	}
	s.entries[e.ID] = e.Clone()
	return nil
}

// Get returns a copy of the entry.
func (s *Store) Get(_ context.Context, id string) (*namespace.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[id]
	if !ok {
		return nil, fmt.Errorf("entry %s: %w", id, errs.ErrNotFound)
	}
	return e.Clone(), nil
}

// Update replaces a stored entry. The owner never changes.
func (s *Store) Update(_ context.Context, e *namespace.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.entries[e.ID]
	if !ok {
		return fmt.Errorf("entry %s: %w", e.ID, errs.ErrNotFound)
	}
	c := e.Clone()
	c.UserID = old.UserID
	c.CreatedAt = old.CreatedAt
	s.entries[e.ID] = c
	return nil
}

// Delete removes an entry.
func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[id]; !ok {
		return fmt.Errorf("entry %s: %w", id, errs.ErrNotFound)
	}
	delete(s.entries, id)
	return nil
}

// DeleteBatch removes all ids or none.
func (s *Store) DeleteBatch(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		if _, ok := s.entries[id]; !ok {
			return fmt.Errorf("entry %s: %w", id, errs.ErrNotFound)
		}
	}
	for _, id := range ids {
		delete(s.entries, id)
	}
	return nil
}

// Find returns copies of the entries matching f.
func (s *Store) Find(_ context.Context, f namespace.Filter, order namespace.Order, limit int) ([]*namespace.Entry, error) {
	s.mu.RLock()
	out := make([]*namespace.Entry, 0)
	for _, e := range s.entries {
		if matches(e, f) {
			out = append(out, e.Clone())
		}
	}
	s.mu.RUnlock()

	sortEntries(out, order)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len returns the number of stored entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func matches(e *namespace.Entry, f namespace.Filter) bool {
	if e.UserID != f.UserID {
		return false
	}
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if f.Parent != nil && e.ParentID != *f.Parent {
		return false
	}
	if f.Starred && !e.Starred {
		return false
	}
	if f.Shared && !e.Shared {
		return false
	}
	switch f.Trashed {
	case namespace.TrashExcluded:
		return !e.Trashed()
	case namespace.TrashOnly:
		return e.Trashed()
	}
	return true
}

func sortEntries(entries []*namespace.Entry, order namespace.Order) {
	switch order {
	case namespace.OrderUpdatedDesc:
		sort.SliceStable(entries, func(i, j int) bool {
			return entries[i].UpdatedAt.After(entries[j].UpdatedAt)
		})
	case namespace.OrderNameAsc:
		sort.SliceStable(entries, func(i, j int) bool {
			return strings.ToLower(entries[i].Name) < strings.ToLower(entries[j].Name)
		})
	case namespace.OrderDeletedDesc:
		sort.SliceStable(entries, func(i, j int) bool {
			return deletedAt(entries[i]).After(deletedAt(entries[j]))
		})
	}
}

func deletedAt(e *namespace.Entry) time.Time {
	if e.DeletedAt == nil {
		return time.Time{}
	}
	return *e.DeletedAt
}

// GetQuota returns a user's quota record.
func (s *Store) GetQuota(_ context.Context, userID string) (*quota.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.quotas[userID]
	if !ok {
		return nil, fmt.Errorf("quota %s: %w", userID, errs.ErrNotFound)
	}
	return &rec, nil
}

// CreateQuota inserts rec unless a record already exists.
func (s *Store) CreateQuota(_ context.Context, rec *quota.Record) (*quota.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.quotas[rec.UserID]; ok {
		return &existing, nil
	}
	stored := *rec
	s.quotas[rec.UserID] = stored
	return &stored, nil
}

// SetLimit updates a record's ceiling and plan.
func (s *Store) SetLimit(_ context.Context, userID string, limit int64, plan string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.quotas[userID]
	if !ok {
		return fmt.Errorf("quota %s: %w", userID, errs.ErrNotFound)
	}
	rec.Limit = limit
	rec.Plan = plan
	rec.UpdatedAt = time.Now()
	s.quotas[userID] = rec
	return nil
}

// AddConsumed applies delta under the store lock, flooring at zero.
func (s *Store) AddConsumed(_ context.Context, userID string, delta int64) (*quota.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.quotas[userID]
	if !ok {
		return nil, fmt.Errorf("quota %s: %w", userID, errs.ErrNotFound)
	}
	rec.Consumed += delta
	if rec.Consumed < 0 {
		rec.Consumed = 0
	}
	rec.UpdatedAt = time.Now()
	s.quotas[userID] = rec
	return &rec, nil
}

var (
	_ namespace.Store = (*Store)(nil)
	_ quota.Store     = (*Store)(nil)
)
