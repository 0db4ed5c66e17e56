package session

import (
	"context"
	"sync"
	"time"

	"github.com/hcloud/hcloud/internal/auth"
	"github.com/hcloud/hcloud/internal/logging"
	"github.com/hcloud/hcloud/internal/metrics"
	"github.com/hcloud/hcloud/internal/transfer"
)

// Registry keeps one Session per active user. Sessions are partitioned by
// user id and never share mutable state.
type Registry struct {
	deps        transfer.Deps
	opts        transfer.Options
	recentLimit int
	public      *transfer.Orchestrator

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates a registry. Every session gets its own orchestrator
// built from deps and opts.
func NewRegistry(deps transfer.Deps, opts transfer.Options, recentLimit int) *Registry {
	return &Registry{
		deps:        deps,
		opts:        opts,
		recentLimit: recentLimit,
		public:      transfer.New(deps, opts),
		sessions:    make(map[string]*Session),
	}
}

// Open returns the session for id, creating it at the root on first use.
func (r *Registry) Open(ctx context.Context, id auth.Identity) (*Session, error) {
	// Sessions are touched under r.mu so Sweep never closes one that is
	// being handed out.
	r.mu.Lock()
	s, ok := r.sessions[id.UserID]
	if ok {
		s.touch()
	}
	r.mu.Unlock()
	if ok {
		return s, nil
	}

	fresh := newSession(id, r.deps.Namespace, r.deps.Ledger, transfer.New(r.deps, r.opts), r.recentLimit)
	if err := fresh.Refresh(ctx); err != nil {
		fresh.close()
		return nil, err
	}

	r.mu.Lock()
	if s, ok = r.sessions[id.UserID]; !ok {
		s = fresh
		r.sessions[id.UserID] = s
	}
	s.touch()
	count := len(r.sessions)
	r.mu.Unlock()

	if s != fresh {
		fresh.close()
	} else {
		metrics.SetActiveSessions(count)
		logging.Debug("session opened", logging.UserID(id.UserID))
	}
	return s, nil
}

// Public returns the orchestrator used for anonymous share downloads.
func (r *Registry) Public() *transfer.Orchestrator {
	return r.public
}

// Len returns the number of open sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sweep closes sessions idle for longer than maxIdle that have no running
// uploads. It returns the number closed.
func (r *Registry) Sweep(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	r.mu.Lock()
	var stale []*Session
	for userID, s := range r.sessions {
		if s.idleSince().Before(cutoff) && !s.busy() {
			stale = append(stale, s)
			delete(r.sessions, userID)
		}
	}
	count := len(r.sessions)
	r.mu.Unlock()

	for _, s := range stale {
		s.close()
	}
	if len(stale) > 0 {
		metrics.SetActiveSessions(count)
		logging.Debug("idle sessions closed", logging.Int64("count", int64(len(stale))))
	}
	return len(stale)
}

// Close cancels every session's uploads and drops all sessions.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
	r.public.Close()
	metrics.SetActiveSessions(0)
}
