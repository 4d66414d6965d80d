package auth

import (
	"sync"

	"github.com/mobileatlas/simtunnel/internal/protocol"
)

type sessionKey struct {
	role  protocol.Role
	token protocol.Token
}

// SessionTracker enforces one live connection per session token and role.
type SessionTracker struct {
	mu     sync.Mutex
	active map[sessionKey]struct{}
}

// NewSessionTracker creates an empty tracker.
func NewSessionTracker() *SessionTracker {
	return &SessionTracker{active: make(map[sessionKey]struct{})}
}

// Acquire claims the token for role. The returned release func is
// idempotent.
func (s *SessionTracker) Acquire(role protocol.Role, token protocol.Token) (func(), bool) {
	key := sessionKey{role: role, token: token}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.active[key]; busy {
		return nil, false
	}
	s.active[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.active, key)
			s.mu.Unlock()
		})
	}, true
}

// Active returns the number of claimed session tokens.
func (s *SessionTracker) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}
