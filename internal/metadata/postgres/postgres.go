// Package postgres provides a PostgreSQL-backed document store for entries
// and quota records.
package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"github.com/hcloud/hcloud/internal/errs"
	"github.com/hcloud/hcloud/internal/logging"
	"github.com/hcloud/hcloud/internal/metrics"
	"github.com/hcloud/hcloud/internal/namespace"
	"github.com/hcloud/hcloud/internal/quota"
)

const maxOpenConns = 25

// advisoryClass keeps namespace locks apart from other advisory lock users.
const advisoryClass = 7411

// Store is a PostgreSQL document store.
type Store struct {
	db *sql.DB

	// lockSlots bounds the connections pinned by LockUser so the pool
	// always has room for the queries run under those locks.
	lockSlots chan struct{}
}

// New opens a connection pool and verifies it.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", errs.Unavailable(err))
	}

	return &Store{db: db, lockSlots: make(chan struct{}, maxOpenConns/2)}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpdateConnectionMetrics updates the database connection metrics.
func (s *Store) UpdateConnectionMetrics() {
	metrics.SetDBConnectionsOpen(s.db.Stats().OpenConnections)
}

// Migrate applies the goose migrations in fsys.
func (s *Store) Migrate(ctx context.Context, fsys fs.FS) error {
	provider, err := goose.NewProvider(goose.DialectPostgres, s.db, fsys)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	for _, r := range results {
		logging.Info("migration applied",
			zap.String("file", r.Source.Path),
			zap.Duration("duration", r.Duration))
	}
	return nil
}

// LockUser takes a session-level advisory lock keyed by userID on a pinned
// connection, serializing namespace mutations of that user across server
// processes. The lock is held until unlock runs.
func (s *Store) LockUser(ctx context.Context, userID string) (func(), error) {
	defer observe("lock_user", time.Now())

	select {
	case s.lockSlots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	conn, err := s.db.Conn(ctx)
	if err != nil {
		<-s.lockSlots
		return nil, wrap("lock user", err)
	}
	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1, hashtext($2))`, advisoryClass, userID); err != nil {
		conn.Close()
		<-s.lockSlots
		return nil, wrap("lock user", err)
	}

	return func() {
		defer func() { <-s.lockSlots }()
		_, err := conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1, hashtext($2))`, advisoryClass, userID)
		if err != nil {
			logging.Warn("advisory unlock failed, dropping connection", logging.UserID(userID), logging.Err(err))
			// A connection still holding the lock must not go back to the pool.
			conn.Raw(func(any) error { return driver.ErrBadConn })
		}
		conn.Close()
	}, nil
}

// ─── Entries ────────────────────────────────────────────────────────────────

const entryColumns = `id, user_id, kind, name, parent_id, path, created_at, updated_at, deleted_at,
	starred, shared, share_link, share_password_hash, share_expires_at, tags,
	size, category, mime_type, content_locator, thumbnail_locator, metadata`

// Create inserts a new entry.
func (s *Store) Create(ctx context.Context, e *namespace.Entry) error {
	defer observe("create_entry", time.Now())

	r, err := toRow(e)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO entries (`+entryColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
		e.ID, e.UserID, string(e.Kind), e.Name, e.ParentID, e.Path, e.CreatedAt, e.UpdatedAt, e.DeletedAt,
		e.Starred, e.Shared, r.shareLink, r.shareHash, r.shareExpires, pq.Array(e.Tags),
		r.size, r.category, r.mimeType, r.content, r.thumbnail, r.metadata)
	if err != nil {
		return wrap("insert entry", err)
	}
	return nil
}

// Get returns one entry.
func (s *Store) Get(ctx context.Context, id string) (*namespace.Entry, error) {
	defer observe("get_entry", time.Now())

	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM entries WHERE id = $1`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("entry %s: %w", id, errs.ErrNotFound)
	}
	if err != nil {
		return nil, wrap("get entry", err)
	}
	return e, nil
}

// Update replaces the mutable columns of an entry. Owner and creation time
// are never changed.
func (s *Store) Update(ctx context.Context, e *namespace.Entry) error {
	defer observe("update_entry", time.Now())

	r, err := toRow(e)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE entries SET
			name = $2, parent_id = $3, path = $4, updated_at = $5, deleted_at = $6,
			starred = $7, shared = $8, share_link = $9, share_password_hash = $10, share_expires_at = $11,
			tags = $12, size = $13, category = $14, mime_type = $15,
			content_locator = $16, thumbnail_locator = $17, metadata = $18
		 WHERE id = $1`,
		e.ID, e.Name, e.ParentID, e.Path, e.UpdatedAt, e.DeletedAt,
		e.Starred, e.Shared, r.shareLink, r.shareHash, r.shareExpires,
		pq.Array(e.Tags), r.size, r.category, r.mimeType,
		r.content, r.thumbnail, r.metadata)
	if err != nil {
		return wrap("update entry", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("entry %s: %w", e.ID, errs.ErrNotFound)
	}
	return nil
}

// Delete removes one entry.
func (s *Store) Delete(ctx context.Context, id string) error {
	defer observe("delete_entry", time.Now())

	res, err := s.db.ExecContext(ctx, `DELETE FROM entries WHERE id = $1`, id)
	if err != nil {
		return wrap("delete entry", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("entry %s: %w", id, errs.ErrNotFound)
	}
	return nil
}

// DeleteBatch removes all ids in one transaction, or none of them.
func (s *Store) DeleteBatch(ctx context.Context, ids []string) error {
	defer observe("delete_entries", time.Now())

	unique := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		unique[id] = struct{}{}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("begin batch delete", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return wrap("batch delete", err)
	}
	if n, _ := res.RowsAffected(); n != int64(len(unique)) {
		return fmt.Errorf("batch delete: %d of %d entries present: %w", n, len(unique), errs.ErrNotFound)
	}
	if err := tx.Commit(); err != nil {
		return wrap("commit batch delete", err)
	}
	return nil
}

// Find returns the entries matching f.
func (s *Store) Find(ctx context.Context, f namespace.Filter, order namespace.Order, limit int) ([]*namespace.Entry, error) {
	defer observe("find_entries", time.Now())

	query, args := buildFind(f, order, limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap("find entries", err)
	}
	defer rows.Close()

	out := make([]*namespace.Entry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, wrap("scan entry", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("iterate entries", err)
	}
	return out, nil
}

func buildFind(f namespace.Filter, order namespace.Order, limit int) (string, []any) {
	var b strings.Builder
	args := []any{f.UserID}
	b.WriteString(`SELECT ` + entryColumns + ` FROM entries WHERE user_id = $1`)

	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.Kind != "" {
		b.WriteString(" AND kind = " + arg(string(f.Kind)))
	}
	if f.Parent != nil {
		b.WriteString(" AND parent_id = " + arg(*f.Parent))
	}
	if f.Starred {
		b.WriteString(" AND starred")
	}
	if f.Shared {
		b.WriteString(" AND shared")
	}
	switch f.Trashed {
	case namespace.TrashExcluded:
		b.WriteString(" AND deleted_at IS NULL")
	case namespace.TrashOnly:
		b.WriteString(" AND deleted_at IS NOT NULL")
	case namespace.TrashAny:
	}

	switch order {
	case namespace.OrderUpdatedDesc:
		b.WriteString(" ORDER BY updated_at DESC")
	case namespace.OrderNameAsc:
		b.WriteString(" ORDER BY LOWER(name) ASC")
	case namespace.OrderDeletedDesc:
		b.WriteString(" ORDER BY deleted_at DESC NULLS LAST")
	case namespace.OrderNone:
	}
	if limit > 0 {
		b.WriteString(" LIMIT " + arg(limit))
	}
	return b.String(), args
}

// entryRow holds the column values derived from the variant fields.
type entryRow struct {
	shareLink    sql.NullString
	shareHash    sql.NullString
	shareExpires *time.Time
	size         int64
	category     string
	mimeType     string
	content      string
	thumbnail    string
	metadata     []byte
}

func toRow(e *namespace.Entry) (*entryRow, error) {
	r := &entryRow{metadata: []byte("{}")}
	if e.Share != nil {
		r.shareLink = sql.NullString{String: e.Share.Link, Valid: true}
		r.shareHash = sql.NullString{String: e.Share.PasswordHash, Valid: e.Share.PasswordHash != ""}
		r.shareExpires = e.Share.ExpiresAt
	}
	switch e.Kind {
	case namespace.KindFile:
		r.size = e.File.Size
		r.category = string(e.File.Category)
		r.mimeType = e.File.MimeType
		r.content = e.File.ContentLocator
		r.thumbnail = e.File.ThumbnailLocator
		if len(e.File.Metadata) > 0 {
			data, err := json.Marshal(e.File.Metadata)
			if err != nil {
				return nil, fmt.Errorf("encode metadata: %w", err)
			}
			r.metadata = data
		}
	case namespace.KindFolder:
	}
	return r, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (*namespace.Entry, error) {
	var (
		e            namespace.Entry
		kind         string
		deletedAt    sql.NullTime
		shareLink    sql.NullString
		shareHash    sql.NullString
		shareExpires sql.NullTime
		tags         []string
		r            entryRow
	)
	if err := sc.Scan(&e.ID, &e.UserID, &kind, &e.Name, &e.ParentID, &e.Path,
		&e.CreatedAt, &e.UpdatedAt, &deletedAt,
		&e.Starred, &e.Shared, &shareLink, &shareHash, &shareExpires, pq.Array(&tags),
		&r.size, &r.category, &r.mimeType, &r.content, &r.thumbnail, &r.metadata); err != nil {
		return nil, err
	}

	e.Kind = namespace.Kind(kind)
	e.Tags = tags
	if e.Tags == nil {
		e.Tags = []string{}
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		e.DeletedAt = &t
	}
	if shareLink.Valid {
		e.Share = &namespace.Share{
			Link:         shareLink.String,
			PasswordHash: shareHash.String,
			Protected:    shareHash.Valid && shareHash.String != "",
		}
		if shareExpires.Valid {
			t := shareExpires.Time
			e.Share.ExpiresAt = &t
		}
	}

	switch e.Kind {
	case namespace.KindFile:
		e.File = &namespace.FileInfo{
			Size:             r.size,
			Category:         namespace.Category(r.category),
			MimeType:         r.mimeType,
			ContentLocator:   r.content,
			ThumbnailLocator: r.thumbnail,
		}
		if len(r.metadata) > 0 && string(r.metadata) != "{}" {
			if err := json.Unmarshal(r.metadata, &e.File.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata: %w", err)
			}
		}
	case namespace.KindFolder:
	default:
		return nil, fmt.Errorf("entry %s has unknown kind %q", e.ID, kind)
	}
	return &e, nil
}

// ─── Quotas ─────────────────────────────────────────────────────────────────

// GetQuota returns a user's quota record.
func (s *Store) GetQuota(ctx context.Context, userID string) (*quota.Record, error) {
	defer observe("get_quota", time.Now())

	rec := &quota.Record{UserID: userID}
	err := s.db.QueryRowContext(ctx,
		`SELECT consumed, storage_limit, plan, updated_at FROM quotas WHERE user_id = $1`, userID).
		Scan(&rec.Consumed, &rec.Limit, &rec.Plan, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("quota %s: %w", userID, errs.ErrNotFound)
	}
	if err != nil {
		return nil, wrap("get quota", err)
	}
	return rec, nil
}

// CreateQuota inserts rec unless a record already exists, and returns the
// stored record.
func (s *Store) CreateQuota(ctx context.Context, rec *quota.Record) (*quota.Record, error) {
	defer observe("create_quota", time.Now())

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO quotas (user_id, consumed, storage_limit, plan, updated_at)
		 VALUES ($1, $2, $3, $4, NOW())
		 ON CONFLICT (user_id) DO NOTHING`,
		rec.UserID, rec.Consumed, rec.Limit, rec.Plan)
	if err != nil {
		return nil, wrap("create quota", err)
	}
	return s.GetQuota(ctx, rec.UserID)
}

// SetLimit updates a record's ceiling and plan.
func (s *Store) SetLimit(ctx context.Context, userID string, limit int64, plan string) error {
	defer observe("set_quota_limit", time.Now())

	res, err := s.db.ExecContext(ctx,
		`UPDATE quotas SET storage_limit = $2, plan = $3, updated_at = NOW() WHERE user_id = $1`,
		userID, limit, plan)
	if err != nil {
		return wrap("set quota limit", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("quota %s: %w", userID, errs.ErrNotFound)
	}
	return nil
}

// AddConsumed applies consumed = max(0, consumed + delta) in one statement.
func (s *Store) AddConsumed(ctx context.Context, userID string, delta int64) (*quota.Record, error) {
	defer observe("add_consumed", time.Now())

	rec := &quota.Record{UserID: userID}
	err := s.db.QueryRowContext(ctx,
		`UPDATE quotas SET consumed = GREATEST(0, consumed + $2), updated_at = NOW()
		 WHERE user_id = $1
		 RETURNING consumed, storage_limit, plan, updated_at`,
		userID, delta).
		Scan(&rec.Consumed, &rec.Limit, &rec.Plan, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("quota %s: %w", userID, errs.ErrNotFound)
	}
	if err != nil {
		return nil, wrap("add consumed", err)
	}
	return rec, nil
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func observe(query string, start time.Time) {
	metrics.RecordDBQuery(query, time.Since(start))
}

// wrap marks connection-level failures as errs.ErrStoreUnavailable.
func wrap(op string, err error) error {
	if unreachable(err) {
		return fmt.Errorf("%s: %w", op, errs.Unavailable(err))
	}
	return fmt.Errorf("%s: %w", op, err)
}

func unreachable(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// 08: connection exception, 57: operator intervention (shutdown)
		class := pqErr.Code.Class()
		return class == "08" || class == "57"
	}
	return false
}

var (
	_ namespace.Store      = (*Store)(nil)
	_ quota.Store          = (*Store)(nil)
	_ namespace.UserLocker = (*Store)(nil)
)
