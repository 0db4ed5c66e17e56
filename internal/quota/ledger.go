// Package quota tracks per-user storage consumption against a ceiling.
//
// The ledger is advisory: Reserve reads the current counter and compares it
// against the ceiling, but the comparison is not transactionally tied to the
// later Commit. Concurrent uploads by the same user can both pass Reserve and
// jointly overshoot the ceiling. Commit itself is applied atomically by the
// store, so the counter never loses an update and never goes negative.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hcloud/hcloud/internal/errs"
	"github.com/hcloud/hcloud/internal/logging"
	"github.com/hcloud/hcloud/internal/metrics"
)

// Record is a user's quota state.
type Record struct {
	UserID    string    `json:"user_id"`
	Consumed  int64     `json:"consumed"`
	Limit     int64     `json:"limit"`
	Plan      string    `json:"plan"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Available returns the bytes left before the ceiling, floored at zero.
func (r *Record) Available() int64 {
	if r.Consumed >= r.Limit {
		return 0
	}
	return r.Limit - r.Consumed
}

// UsagePercent returns consumption as a percentage of the ceiling.
func (r *Record) UsagePercent() float64 {
	if r.Limit <= 0 {
		return 0
	}
	return float64(r.Consumed) / float64(r.Limit) * 100
}

// Store persists quota records.
type Store interface {
	// GetQuota returns the record for a user, or errs.ErrNotFound.
	GetQuota(ctx context.Context, userID string) (*Record, error)

	// CreateQuota inserts a record if none exists and returns the stored one.
	CreateQuota(ctx context.Context, rec *Record) (*Record, error)

	// SetLimit updates the ceiling and plan of an existing record.
	SetLimit(ctx context.Context, userID string, limit int64, plan string) error

	// AddConsumed atomically applies consumed = max(0, consumed + delta)
	// and returns the updated record.
	AddConsumed(ctx context.Context, userID string, delta int64) (*Record, error)
}

// Decision is the outcome of a Reserve check.
type Decision int

const (
	Allow Decision = iota
	Deny
)

func (d Decision) String() string {
	if d == Allow {
		return "allow"
	}
	return "deny"
}

// Defaults are applied to users without a quota record.
type Defaults struct {
	Limit int64
	Plan  string
}

// Ledger is the single source of truth for whether an upload may proceed.
type Ledger struct {
	store    Store
	defaults Defaults
}

// NewLedger creates a ledger backed by store.
func NewLedger(store Store, defaults Defaults) *Ledger {
	if defaults.Plan == "" {
		defaults.Plan = "free"
	}
	return &Ledger{store: store, defaults: defaults}
}

// Usage returns the user's record, creating the default one on first use.
func (l *Ledger) Usage(ctx context.Context, userID string) (*Record, error) {
	rec, err := l.store.GetQuota(ctx, userID)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, errs.ErrNotFound) {
		return nil, fmt.Errorf("get quota: %w", err)
	}

	rec, err = l.store.CreateQuota(ctx, &Record{
		UserID:    userID,
		Limit:     l.defaults.Limit,
		Plan:      l.defaults.Plan,
		UpdatedAt: time.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("create quota: %w", err)
	}
	logging.Debug("created default quota", logging.UserID(userID), zap.Int64("limit", rec.Limit))
	return rec, nil
}

// Reserve checks whether bytes more would fit under the user's ceiling.
// The check is advisory and does not hold any capacity.
func (l *Ledger) Reserve(ctx context.Context, userID string, bytes int64) (Decision, error) {
	rec, err := l.Usage(ctx, userID)
	if err != nil {
		return Deny, err
	}
	if rec.Consumed+bytes > rec.Limit {
		metrics.RecordQuotaExceeded("storage")
		logging.Debug("quota reserve denied",
			logging.UserID(userID),
			zap.Int64("requested", bytes),
			zap.Int64("consumed", rec.Consumed),
			zap.Int64("limit", rec.Limit))
		return Deny, nil
	}
	return Allow, nil
}

// Commit applies delta to the consumed counter, floored at zero. Positive
// deltas follow completed uploads and negative deltas follow deletions.
func (l *Ledger) Commit(ctx context.Context, userID string, delta int64) (*Record, error) {
	if _, err := l.Usage(ctx, userID); err != nil {
		return nil, err
	}
	rec, err := l.store.AddConsumed(ctx, userID, delta)
	if err != nil {
		return nil, fmt.Errorf("commit quota: %w", err)
	}
	return rec, nil
}

// SetLimit changes a user's ceiling and plan tier.
func (l *Ledger) SetLimit(ctx context.Context, userID string, limit int64, plan string) error {
	if limit < 0 {
		return fmt.Errorf("limit must not be negative")
	}
	if _, err := l.Usage(ctx, userID); err != nil {
		return err
	}
	if plan == "" {
		plan = l.defaults.Plan
	}
	if err := l.store.SetLimit(ctx, userID, limit, plan); err != nil {
		return fmt.Errorf("set limit: %w", err)
	}
	return nil
}
