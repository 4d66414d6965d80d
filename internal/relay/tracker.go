package relay

import (
	"sort"
	"sync"
)

// Tracker holds running sessions for reaping, reporting and shutdown.
type Tracker struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{sessions: make(map[string]*Session)}
}

func (t *Tracker) add(s *Session) {
	t.mu.Lock()
	t.sessions[s.ID] = s
	t.mu.Unlock()
}

func (t *Tracker) remove(s *Session) {
	t.mu.Lock()
	if t.sessions[s.ID] == s {
		delete(t.sessions, s.ID)
	}
	t.mu.Unlock()
}

func (t *Tracker) snapshot() []*Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s)
	}
	return out
}

// Count returns the number of running sessions.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// ReapAll drops completed write handles from every session.
func (t *Tracker) ReapAll() int {
	total := 0
	for _, s := range t.snapshot() {
		total += s.Reap()
	}
	return total
}

// Stats returns per-session statistics ordered by start time.
func (t *Tracker) Stats() []Stats {
	sessions := t.snapshot()
	stats := make([]Stats, 0, len(sessions))
	for _, s := range sessions {
		stats = append(stats, s.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].StartedAt.Before(stats[j].StartedAt) })
	return stats
}

// CloseAll ends every running session.
func (t *Tracker) CloseAll() {
	for _, s := range t.snapshot() {
		s.Close()
	}
}
