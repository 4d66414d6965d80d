package broker

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/mobileatlas/simtunnel/internal/protocol"
)

// Resolution is the single outcome delivered to a waiting probe.
type Resolution struct {
	// Status is ConnectSuccess when Match is set, otherwise the terminal
	// status to report to the probe.
	Status protocol.ConnectStatus

	// Match is the provider connection handed to the probe side.
	Match *Match

	// Cancelled is set when the entry was withdrawn by the probe or by
	// broker shutdown. No status is reported for it.
	Cancelled bool
}

// Failed returns a terminal resolution with the given status.
func Failed(status protocol.ConnectStatus) Resolution {
	return Resolution{Status: status}
}

// Matched returns a successful resolution carrying m.
func Matched(m *Match) Resolution {
	return Resolution{Status: protocol.ConnectSuccess, Match: m}
}

// Match transfers ownership of an accepting provider's connection to the
// probe side. The provider worker blocks on Done until the probe side calls
// Finish.
type Match struct {
	ProviderID string
	Conn       net.Conn
	Reader     *protocol.Reader
	Writer     *protocol.Writer

	once sync.Once
	done chan struct{}
	used bool
}

// NewMatch creates a Match for a provider connection.
func NewMatch(providerID string, conn net.Conn, r *protocol.Reader, w *protocol.Writer) *Match {
	return &Match{
		ProviderID: providerID,
		Conn:       conn,
		Reader:     r,
		Writer:     w,
		done:       make(chan struct{}),
	}
}

// Finish releases the provider worker. used reports whether the connection
// was consumed by a relay session; when false the provider worker keeps
// ownership and continues serving.
func (m *Match) Finish(used bool) {
	m.once.Do(func() {
		m.used = used
		close(m.done)
	})
}

// Done is closed once Finish has been called.
func (m *Match) Done() <-chan struct{} {
	return m.done
}

// Used reports the value passed to Finish. Only valid after Done is closed.
func (m *Match) Used() bool {
	<-m.done
	return m.used
}

// Entry is a probe's pending connection request in a provider queue.
type Entry struct {
	ID         string
	ProviderID string
	Identifier protocol.Identifier
	EnqueuedAt time.Time

	mu       sync.Mutex
	resolved bool
	res      Resolution
	done     chan struct{}
}

func newEntry(id, providerID string, ident protocol.Identifier, now time.Time) *Entry {
	return &Entry{
		ID:         id,
		ProviderID: providerID,
		Identifier: ident,
		EnqueuedAt: now,
		done:       make(chan struct{}),
	}
}

// Resolve fulfils the entry. Only the first call succeeds.
func (e *Entry) Resolve(r Resolution) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.resolved {
		return false
	}
	e.resolved = true
	e.res = r
	close(e.done)
	return true
}

// Abandon marks that the probe will not consume a resolution.
func (e *Entry) Abandon() bool {
	return e.Resolve(Resolution{Cancelled: true})
}

// Abandoned reports whether the entry can no longer be served.
func (e *Entry) Abandoned() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resolved
}

// Resolution returns the outcome if the entry has been resolved.
func (e *Entry) Resolution() (Resolution, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.res, e.resolved
}

// Done is closed once the entry is resolved.
func (e *Entry) Done() <-chan struct{} {
	return e.done
}

// Wait blocks until the entry is resolved or ctx ends.
func (e *Entry) Wait(ctx context.Context) (Resolution, error) {
	select {
	case <-e.done:
		r, _ := e.Resolution()
		return r, nil
	case <-ctx.Done():
		return Resolution{}, ctx.Err()
	}
}
