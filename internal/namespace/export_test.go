package namespace

import "time"

// SetClock replaces the manager's time source.
func SetClock(m *Manager, now func() time.Time) { m.now = now }

// LockedUsers reports how many per-user locks are currently tracked.
func LockedUsers(m *Manager) int { return m.locks.len() }
