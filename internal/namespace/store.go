package namespace

import "context"

// TrashState selects entries by their trash status.
type TrashState int

const (
	// TrashExcluded matches live entries only.
	TrashExcluded TrashState = iota
	// TrashOnly matches trashed entries only.
	TrashOnly
	// TrashAny matches both.
	TrashAny
)

// Filter is an equality query over a user's entries. Zero-valued fields
// do not constrain the result, except UserID which is always applied.
type Filter struct {
	UserID  string
	Kind    Kind
	Parent  *string // nil matches any parent; pointer to "" matches the root
	Starred bool
	Shared  bool
	Trashed TrashState
}

// Root returns a parent selector matching entries at the namespace root.
func Root() *string {
	s := ""
	return &s
}

// ParentOf returns a parent selector for id.
func ParentOf(id string) *string {
	return &id
}

// Order selects how Find sorts results.
type Order int

const (
	OrderNone Order = iota
	OrderUpdatedDesc
	OrderNameAsc // case-insensitive
	OrderDeletedDesc
)

// Store is the Document Store port. Implementations map these calls onto
// their backend and own no business rules.
type Store interface {
	Create(ctx context.Context, e *Entry) error
	// Get returns errs.ErrNotFound when id does not exist.
	Get(ctx context.Context, id string) (*Entry, error)
	Update(ctx context.Context, e *Entry) error
	Delete(ctx context.Context, id string) error
	// DeleteBatch removes all ids in one call. It is all-or-nothing.
	DeleteBatch(ctx context.Context, ids []string) error
	// Find returns entries matching f. limit <= 0 means no limit.
	Find(ctx context.Context, f Filter, order Order, limit int) ([]*Entry, error)
}
