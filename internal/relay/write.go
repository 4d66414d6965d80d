package relay

import (
	"context"
	"sync"

	"github.com/mobileatlas/simtunnel/internal/protocol"
)

// WriteHandle tracks one background packet write.
type WriteHandle struct {
	size int
	done chan struct{}
	once sync.Once
	err  error
}

func newWriteHandle(size int) *WriteHandle {
	return &WriteHandle{size: size, done: make(chan struct{})}
}

func (h *WriteHandle) complete(err error) {
	h.once.Do(func() {
		h.err = err
		close(h.done)
	})
}

// Done is closed when the write finished or was abandoned.
func (h *WriteHandle) Done() <-chan struct{} {
	return h.done
}

// Completed reports whether the write has finished.
func (h *WriteHandle) Completed() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Err returns the write result. Only meaningful once Done is closed.
func (h *WriteHandle) Err() error {
	<-h.done
	return h.err
}

// Wait blocks until the write finishes or ctx ends.
func (h *WriteHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type pendingWrite struct {
	packet *protocol.Packet
	handle *WriteHandle
}

// orderedWriter serialises background writes to one endpoint. At most
// cap(slots) writes are outstanding at any time.
type orderedWriter struct {
	ep      *Endpoint
	queue   chan pendingWrite
	slots   chan struct{}
	closing chan struct{}
	exited  chan struct{}
	once    sync.Once

	mu      sync.Mutex
	handles []*WriteHandle
}

func newOrderedWriter(ep *Endpoint, maxPending int) *orderedWriter {
	return &orderedWriter{
		ep:      ep,
		queue:   make(chan pendingWrite, maxPending),
		slots:   make(chan struct{}, maxPending),
		closing: make(chan struct{}),
		exited:  make(chan struct{}),
	}
}

// submit queues p, blocking while the outstanding set is full.
func (w *orderedWriter) submit(ctx context.Context, p *protocol.Packet) (*WriteHandle, error) {
	select {
	case <-w.closing:
		return nil, ErrSessionClosed
	case <-ctx.Done():
		return nil, ErrSessionClosed
	case w.slots <- struct{}{}:
	}

	h := newWriteHandle(p.Size())
	w.mu.Lock()
	w.handles = append(w.handles, h)
	w.mu.Unlock()

	w.queue <- pendingWrite{packet: p, handle: h}
	return h, nil
}

// finish stops accepting writes. Already queued writes are still flushed.
func (w *orderedWriter) finish() {
	w.once.Do(func() { close(w.closing) })
}

// run performs queued writes in order until finish is called and the queue
// is drained, a write fails, or ctx ends.
func (w *orderedWriter) run(ctx context.Context) error {
	defer close(w.exited)
	for {
		select {
		case pw := <-w.queue:
			if err := w.write(pw); err != nil {
				return err
			}
		case <-w.closing:
			for {
				select {
				case pw := <-w.queue:
					if err := w.write(pw); err != nil {
						return err
					}
				default:
					return nil
				}
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *orderedWriter) write(pw pendingWrite) error {
	err := w.ep.Writer.WritePacket(pw.packet)
	pw.handle.complete(err)
	<-w.slots
	if err != nil {
		return &endpointError{endpoint: w.ep.Name, op: "write", err: err}
	}
	return nil
}

// reap drops completed handles and returns how many were removed.
func (w *orderedWriter) reap() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	kept := w.handles[:0]
	for _, h := range w.handles {
		if !h.Completed() {
			kept = append(kept, h)
		}
	}
	removed := len(w.handles) - len(kept)
	clear(w.handles[len(kept):])
	w.handles = kept
	return removed
}

// pending returns the number of outstanding writes.
func (w *orderedWriter) pending() int {
	return len(w.slots)
}

// abandon fails every unfinished handle.
func (w *orderedWriter) abandon() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, h := range w.handles {
		h.complete(ErrSessionClosed)
	}
	w.handles = nil
}
