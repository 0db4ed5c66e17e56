package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hcloud/hcloud/internal/errs"
	"github.com/hcloud/hcloud/internal/namespace"
	"github.com/hcloud/hcloud/internal/quota"
)

func entry(id, user, parent, name string, kind namespace.Kind, updated time.Time) *namespace.Entry {
	e := &namespace.Entry{ID: id, UserID: user, ParentID: parent, Name: name, Kind: kind, UpdatedAt: updated}
	if kind == namespace.KindFile {
		e.File = &namespace.FileInfo{Size: 1}
	}
	return e
}

func TestFindFilters(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Now()

	s.Create(ctx, entry("1", "u1", "", "b", namespace.KindFolder, base))
	s.Create(ctx, entry("2", "u1", "", "A", namespace.KindFolder, base))
	s.Create(ctx, entry("3", "u1", "1", "f", namespace.KindFile, base.Add(time.Second)))
	s.Create(ctx, entry("4", "u1", "", "g", namespace.KindFile, base.Add(2*time.Second)))
	s.Create(ctx, entry("5", "u2", "", "h", namespace.KindFile, base))
	trashed := entry("6", "u1", "", "t", namespace.KindFile, base)
	trashed.DeletedAt = &base
	s.Create(ctx, trashed)

	tests := []struct {
		name   string
		filter namespace.Filter
		order  namespace.Order
		want   []string
	}{
		{"root folders by name", namespace.Filter{UserID: "u1", Kind: namespace.KindFolder, Parent: namespace.Root()}, namespace.OrderNameAsc, []string{"2", "1"}},
		{"files newest first", namespace.Filter{UserID: "u1", Kind: namespace.KindFile}, namespace.OrderUpdatedDesc, []string{"4", "3"}},
		{"children of folder", namespace.Filter{UserID: "u1", Parent: namespace.ParentOf("1")}, namespace.OrderNone, []string{"3"}},
		{"trash only", namespace.Filter{UserID: "u1", Trashed: namespace.TrashOnly}, namespace.OrderNone, []string{"6"}},
		{"other user", namespace.Filter{UserID: "u2"}, namespace.OrderNone, []string{"5"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Find(ctx, tt.filter, tt.order, 0)
			if err != nil {
				t.Fatalf("Find: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d entries, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i].ID != tt.want[i] {
					t.Errorf("entry %d = %s, want %s", i, got[i].ID, tt.want[i])
				}
			}
		})
	}

	limited, _ := s.Find(ctx, namespace.Filter{UserID: "u1"}, namespace.OrderNone, 2)
	if len(limited) != 2 {
		t.Errorf("limit ignored: %d entries", len(limited))
	}
}

func TestEntriesAreCopied(t *testing.T) {
	s := New()
	ctx := context.Background()

	e := entry("1", "u1", "", "name", namespace.KindFile, time.Now())
	s.Create(ctx, e)
	e.Name = "mutated"

	got, _ := s.Get(ctx, "1")
	if got.Name != "name" {
		t.Errorf("store aliased caller's entry")
	}
	got.File.Size = 99
	again, _ := s.Get(ctx, "1")
	if again.File.Size != 1 {
		t.Errorf("store aliased returned entry")
	}
}

func TestUpdateKeepsOwner(t *testing.T) {
	s := New()
	ctx := context.Background()

	s.Create(ctx, entry("1", "u1", "", "name", namespace.KindFolder, time.Now()))
	hijack := entry("1", "u2", "", "renamed", namespace.KindFolder, time.Now())
	if err := s.Update(ctx, hijack); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, _ := s.Get(ctx, "1")
	if got.UserID != "u1" || got.Name != "renamed" {
		t.Errorf("got %+v", got)
	}

	if err := s.Update(ctx, entry("missing", "u1", "", "x", namespace.KindFolder, time.Now())); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteBatchAllOrNothing(t *testing.T) {
	s := New()
	ctx := context.Background()

	s.Create(ctx, entry("1", "u1", "", "a", namespace.KindFolder, time.Now()))
	s.Create(ctx, entry("2", "u1", "", "b", namespace.KindFolder, time.Now()))

	if err := s.DeleteBatch(ctx, []string{"1", "missing"}); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if s.Len() != 2 {
		t.Fatalf("partial batch delete left %d entries", s.Len())
	}
	if err := s.DeleteBatch(ctx, []string{"1", "2"}); err != nil {
		t.Fatalf("DeleteBatch: %v", err)
	}
	if s.Len() != 0 {
		t.Errorf("%d entries remain", s.Len())
	}
}

func TestQuotaRecords(t *testing.T) {
	s := New()
	ctx := context.Background()

	if _, err := s.GetQuota(ctx, "u1"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	s.CreateQuota(ctx, &quota.Record{UserID: "u1", Limit: 100, Plan: "free"})
	again, _ := s.CreateQuota(ctx, &quota.Record{UserID: "u1", Limit: 5, Plan: "other"})
	if again.Limit != 100 {
		t.Errorf("CreateQuota overwrote existing record: %+v", again)
	}

	rec, _ := s.AddConsumed(ctx, "u1", 40)
	if rec.Consumed != 40 {
		t.Errorf("consumed = %d", rec.Consumed)
	}
	rec, _ = s.AddConsumed(ctx, "u1", -100)
	if rec.Consumed != 0 {
		t.Errorf("consumed = %d, want floor of 0", rec.Consumed)
	}
}
