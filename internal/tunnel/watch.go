package tunnel

import (
	"context"
	"errors"
	"net"
	"os"
	"sync/atomic"
	"time"
)

// connWatch detects a peer disconnect while the server is not reading from
// the connection. The peer is not expected to send anything during that
// time, so any read result other than the stop deadline counts as gone.
type connWatch struct {
	conn     net.Conn
	ctx      context.Context
	cancel   context.CancelCauseFunc
	stopping atomic.Bool
	done     chan struct{}
	gone     atomic.Bool
}

// watchConn starts watching conn. The returned watch's Context is cancelled
// with ErrConnectionClosed when the peer goes away, or when parent ends.
func watchConn(parent context.Context, conn net.Conn) *connWatch {
	ctx, cancel := context.WithCancelCause(parent)
	w := &connWatch{
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *connWatch) run() {
	defer close(w.done)
	var buf [1]byte
	_, err := w.conn.Read(buf[:])
	if err != nil && w.stopping.Load() && errors.Is(err, os.ErrDeadlineExceeded) {
		return
	}
	w.gone.Store(true)
	w.cancel(ErrConnectionClosed)
}

// Context returns a context that ends when the peer disconnects.
func (w *connWatch) Context() context.Context {
	return w.ctx
}

// Stop ends the watch and reports whether the connection is still usable.
// The read deadline is cleared before returning.
func (w *connWatch) Stop() bool {
	w.stopping.Store(true)
	w.conn.SetReadDeadline(time.Now())
	<-w.done
	w.conn.SetReadDeadline(time.Time{})
	w.cancel(nil)
	return !w.gone.Load()
}
