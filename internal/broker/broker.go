// Package broker implements the rendezvous queues that pair probes with the
// provider hosting the SIM they asked for.
package broker

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mobileatlas/simtunnel/internal/protocol"
)

var (
	// ErrQueueFull is returned by Enqueue when the provider already has the
	// maximum number of pending requests.
	ErrQueueFull = errors.New("provider queue full")

	// ErrClosed is returned once the broker has been closed.
	ErrClosed = errors.New("broker closed")
)

// Config holds broker limits.
type Config struct {
	// MaxPendingPerProvider bounds each provider queue. Zero means unbounded.
	MaxPendingPerProvider int
}

// providerQueue holds pending entries and idle provider workers for one
// provider. Both lists are FIFO.
type providerQueue struct {
	entries    []*Entry
	waiters    []*waiter
	lastActive time.Time
}

type waiter struct {
	ch chan *Entry
}

// Broker owns one queue per provider id.
type Broker struct {
	mu      sync.Mutex
	queues  map[string]*providerQueue
	cfg     Config
	closed  bool
	closeCh chan struct{}
	now     func() time.Time
}

// New creates a Broker.
func New(cfg Config) *Broker {
	return &Broker{
		queues:  make(map[string]*providerQueue),
		cfg:     cfg,
		closeCh: make(chan struct{}),
		now:     time.Now,
	}
}

// getOrCreate returns the queue for a provider, creating it if necessary.
// Must be called with mu held.
func (b *Broker) getOrCreate(providerID string) *providerQueue {
	q, ok := b.queues[providerID]
	if !ok {
		q = &providerQueue{lastActive: b.now()}
		b.queues[providerID] = q
	}
	return q
}

// Enqueue adds a request for providerID. It never blocks: if a provider
// worker is waiting the entry is handed to it directly.
func (b *Broker) Enqueue(providerID string, ident protocol.Identifier) (*Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	q := b.getOrCreate(providerID)
	q.lastActive = b.now()
	q.dropResolved()

	if b.cfg.MaxPendingPerProvider > 0 && len(q.entries) >= b.cfg.MaxPendingPerProvider {
		return nil, ErrQueueFull
	}

	e := newEntry(uuid.NewString(), providerID, ident, b.now())
	if !q.handOff(e) {
		q.entries = append(q.entries, e)
	}
	return e, nil
}

// Dequeue waits for the next live entry addressed to providerID. Entries
// whose probe has already gone are discarded. If ctx ends after an entry
// was handed over but before it was received, the entry goes back to the
// head of the queue.
func (b *Broker) Dequeue(ctx context.Context, providerID string) (*Entry, error) {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, ErrClosed
		}
		q := b.getOrCreate(providerID)
		q.lastActive = b.now()
		q.dropResolved()
		if len(q.entries) > 0 {
			e := q.entries[0]
			q.entries[0] = nil
			q.entries = q.entries[1:]
			b.mu.Unlock()
			return e, nil
		}
		w := &waiter{ch: make(chan *Entry, 1)}
		q.waiters = append(q.waiters, w)
		b.mu.Unlock()

		select {
		case e := <-w.ch:
			if e.Abandoned() {
				continue
			}
			return e, nil
		case <-ctx.Done():
			b.withdraw(providerID, w)
			return nil, ctx.Err()
		case <-b.closeCh:
			b.withdraw(providerID, w)
			return nil, ErrClosed
		}
	}
}

// withdraw removes a waiter that gave up. An entry already handed to it is
// put back at the head of the queue.
func (b *Broker) withdraw(providerID string, w *waiter) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[providerID]
	if ok && q.removeWaiter(w) {
		return
	}
	select {
	case e := <-w.ch:
		switch {
		case !ok || b.closed:
			e.Abandon()
		case !e.Abandoned():
			q.entries = append([]*Entry{e}, q.entries...)
		}
	default:
	}
}

// Cancel withdraws a request whose probe disconnected. It reports whether
// the entry was still queued; for an entry already claimed by a provider
// it only marks it abandoned.
func (b *Broker) Cancel(e *Entry) bool {
	b.mu.Lock()
	removed := false
	if q, ok := b.queues[e.ProviderID]; ok {
		removed = q.removeEntry(e)
	}
	b.mu.Unlock()

	e.Abandon()
	return removed
}

// Requeue returns a claimed entry to the head of its provider queue, used
// when the provider serving it dropped before answering. It reports false
// if the entry was already resolved or the broker is closed.
func (b *Broker) Requeue(e *Entry) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed || e.Abandoned() {
		return false
	}
	q := b.getOrCreate(e.ProviderID)
	q.lastActive = b.now()
	if !q.handOff(e) {
		q.entries = append([]*Entry{e}, q.entries...)
	}
	return true
}

// Expire resolves queued entries older than maxAge with ConnectTimeout and
// returns how many were removed.
func (b *Broker) Expire(maxAge time.Duration) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := b.now().Add(-maxAge)
	expired := 0
	for _, q := range b.queues {
		kept := q.entries[:0]
		for _, e := range q.entries {
			switch {
			case e.Abandoned():
			case e.EnqueuedAt.Before(cutoff):
				if e.Resolve(Failed(protocol.ConnectTimeout)) {
					expired++
				}
			default:
				kept = append(kept, e)
			}
		}
		clear(q.entries[len(kept):])
		q.entries = kept
	}
	return expired
}

// PruneIdle drops queues that are empty, have no waiting provider workers
// and have not been used for idleFor. They are recreated on demand.
func (b *Broker) PruneIdle(idleFor time.Duration) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := b.now().Add(-idleFor)
	pruned := 0
	for id, q := range b.queues {
		q.dropResolved()
		if len(q.entries) == 0 && len(q.waiters) == 0 && q.lastActive.Before(cutoff) {
			delete(b.queues, id)
			pruned++
		}
	}
	return pruned
}

// QueueStats describes one provider queue.
type QueueStats struct {
	ProviderID string        `json:"provider_id"`
	Pending    int           `json:"pending"`
	Waiters    int           `json:"waiters"`
	OldestAge  time.Duration `json:"oldest_age"`
}

// Snapshot returns per-provider statistics ordered by provider id.
func (b *Broker) Snapshot() []QueueStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	stats := make([]QueueStats, 0, len(b.queues))
	for id, q := range b.queues {
		s := QueueStats{ProviderID: id, Waiters: len(q.waiters)}
		for _, e := range q.entries {
			if e.Abandoned() {
				continue
			}
			if s.Pending == 0 {
				s.OldestAge = now.Sub(e.EnqueuedAt)
			}
			s.Pending++
		}
		stats = append(stats, s)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].ProviderID < stats[j].ProviderID })
	return stats
}

// Pending returns the total number of queued entries.
func (b *Broker) Pending() int {
	total := 0
	for _, s := range b.Snapshot() {
		total += s.Pending
	}
	return total
}

// Close cancels every queued entry and wakes all waiting workers.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	close(b.closeCh)
	for id, q := range b.queues {
		for _, e := range q.entries {
			e.Abandon()
		}
		delete(b.queues, id)
	}
}

// handOff gives e to the oldest waiting worker. Must be called with mu held.
func (q *providerQueue) handOff(e *Entry) bool {
	if len(q.waiters) == 0 {
		return false
	}
	w := q.waiters[0]
	q.waiters[0] = nil
	q.waiters = q.waiters[1:]
	w.ch <- e
	return true
}

func (q *providerQueue) removeWaiter(w *waiter) bool {
	for i, x := range q.waiters {
		if x == w {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return true
		}
	}
	return false
}

func (q *providerQueue) removeEntry(e *Entry) bool {
	for i, x := range q.entries {
		if x == e {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return true
		}
	}
	return false
}

func (q *providerQueue) dropResolved() {
	kept := q.entries[:0]
	for _, e := range q.entries {
		if !e.Abandoned() {
			kept = append(kept, e)
		}
	}
	clear(q.entries[len(kept):])
	q.entries = kept
}
