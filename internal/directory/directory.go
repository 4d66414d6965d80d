// Package directory resolves session tokens and SIM identifiers against the
// management service that owns provider and probe registrations.
package directory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mobileatlas/simtunnel/internal/protocol"
)

var (
	// ErrNotFound is returned for unknown tokens and unhosted SIMs.
	ErrNotFound = errors.New("not found")

	// ErrUnavailable is returned when the directory cannot be queried.
	ErrUnavailable = errors.New("directory unavailable")
)

// Session describes a session token known to the directory.
type Session struct {
	Role protocol.Role
	// ID is the provider id for provider sessions and the probe id for
	// probe sessions.
	ID      string
	Expired bool
}

// Directory is the lookup interface used by the broker.
type Directory interface {
	// ValidateSessionToken returns the session for token or ErrNotFound.
	ValidateSessionToken(ctx context.Context, token protocol.Token) (*Session, error)

	// ResolveProvider returns the id of the provider hosting the SIM, or
	// ErrNotFound.
	ResolveProvider(ctx context.Context, id protocol.Identifier) (string, error)
}

// NormalizeProviderID parses a provider id and returns its canonical form.
func NormalizeProviderID(s string) (string, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

// StaticSession is a session token entry of a Static directory.
type StaticSession struct {
	Token     protocol.Token
	Role      protocol.Role
	ID        string
	ExpiresAt time.Time
}

// Static is an in-memory Directory for development and tests.
type Static struct {
	mu       sync.RWMutex
	sessions []StaticSession
	sims     map[protocol.Identifier]string
	now      func() time.Time
}

// NewStatic creates a Static directory. Provider ids are normalized.
func NewStatic(sessions []StaticSession, sims map[protocol.Identifier]string) (*Static, error) {
	s := &Static{now: time.Now}
	if err := s.Replace(sessions, sims); err != nil {
		return nil, err
	}
	return s, nil
}

// Replace swaps the directory contents.
func (s *Static) Replace(sessions []StaticSession, sims map[protocol.Identifier]string) error {
	normalized := make(map[protocol.Identifier]string, len(sims))
	for id, provider := range sims {
		p, err := NormalizeProviderID(provider)
		if err != nil {
			return err
		}
		normalized[id] = p
	}
	copied := make([]StaticSession, len(sessions))
	copy(copied, sessions)

	s.mu.Lock()
	s.sessions = copied
	s.sims = normalized
	s.mu.Unlock()
	return nil
}

// ValidateSessionToken implements Directory.
func (s *Static) ValidateSessionToken(_ context.Context, token protocol.Token) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *StaticSession
	for i := range s.sessions {
		// Scan every entry so lookup time does not depend on the match position.
		if s.sessions[i].Token.Equal(token) {
			found = &s.sessions[i]
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return &Session{
		Role:    found.Role,
		ID:      found.ID,
		Expired: !found.ExpiresAt.IsZero() && s.now().After(found.ExpiresAt),
	}, nil
}

// ResolveProvider implements Directory.
func (s *Static) ResolveProvider(_ context.Context, id protocol.Identifier) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.sims[id]
	if !ok {
		return "", ErrNotFound
	}
	return p, nil
}
