package session

import "time"

// Age moves a session's last use d into the past.
func Age(s *Session, d time.Duration) {
	s.mu.Lock()
	s.lastUsed = time.Now().Add(-d)
	s.mu.Unlock()
}

func Closed(s *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
