package tunnel

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/mobileatlas/simtunnel/internal/broker"
	"github.com/mobileatlas/simtunnel/internal/logging"
	"github.com/mobileatlas/simtunnel/internal/protocol"
	"github.com/mobileatlas/simtunnel/internal/relay"
)

// serveProbe handles an authenticated probe: it reads the connect request,
// queues it for the provider hosting the SIM and relays once a provider
// accepts.
func (s *Server) serveProbe(conn net.Conn, r *protocol.Reader, w *protocol.Writer, logger *slog.Logger) error {
	conn.SetReadDeadline(deadline(s.cfg.ConnectRequestTimeout))
	req, err := r.ReadConnectRequest()
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		return fmt.Errorf("read connect request: %w", err)
	}
	ident := req.Identifier
	logger = logger.With(logging.KeyIdentifier, ident.String())

	providerID, err := s.dir.ResolveProvider(s.ctx, ident)
	if err != nil {
		logger.Info("no provider for identifier", logging.KeyError, err)
		return s.reportConnect(conn, w, protocol.ConnectNotFound, err.Error())
	}
	logger = logger.With(logging.KeyProviderID, providerID)

	entry, err := s.broker.Enqueue(providerID, ident)
	switch {
	case errors.Is(err, broker.ErrQueueFull):
		logger.Info("provider queue full")
		return s.reportConnect(conn, w, protocol.ConnectProviderBusy, err.Error())
	case err != nil:
		return fmt.Errorf("enqueue: %w", err)
	}
	s.metrics.SetQueueDepth(s.broker.Pending())
	logger = logger.With(logging.KeyEntryID, entry.ID)
	logger.Debug("connect request queued")

	res, alive := s.awaitResolution(conn, entry)
	s.metrics.SetQueueDepth(s.broker.Pending())

	if m := res.Match; m != nil {
		defer m.Finish(true)
		if !alive {
			m.Finish(false)
			s.metrics.RecordConnectResult("probe_gone")
			return ErrConnectionClosed
		}
		s.metrics.RecordMatch(time.Since(entry.EnqueuedAt).Seconds())
		return s.relay(conn, r, w, m, ident, logger)
	}

	if res.Cancelled || !alive {
		s.metrics.RecordConnectResult("cancelled")
		return ErrConnectionClosed
	}
	logger.Info("connect request failed", logging.KeyStatus, res.Status.String())
	return s.reportConnect(conn, w, res.Status, "")
}

// awaitResolution waits until entry is resolved, the match timeout passes,
// the probe disconnects or the server stops. The entry is always resolved
// on return. alive reports whether the probe connection is still usable.
func (s *Server) awaitResolution(conn net.Conn, entry *broker.Entry) (broker.Resolution, bool) {
	watch := watchConn(s.ctx, conn)
	var timeout <-chan time.Time
	if s.cfg.MatchTimeout > 0 {
		timer := time.NewTimer(s.cfg.MatchTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-entry.Done():
	case <-timeout:
		entry.Resolve(broker.Failed(protocol.ConnectTimeout))
		s.broker.Cancel(entry)
	case <-watch.Context().Done():
		s.broker.Cancel(entry)
	}
	alive := watch.Stop() && s.ctx.Err() == nil

	res, _ := entry.Resolution()
	return res, alive
}

// relay confirms the match to both sides and runs the relay session. The
// provider connection is owned by the session from here on.
func (s *Server) relay(conn net.Conn, r *protocol.Reader, w *protocol.Writer, m *broker.Match, ident protocol.Identifier, logger *slog.Logger) error {
	m.Conn.SetWriteDeadline(deadline(s.cfg.ProviderResponseTimeout))
	err := m.Writer.WriteConnectResponse(protocol.ConnectSuccess)
	m.Conn.SetWriteDeadline(time.Time{})
	if err != nil {
		m.Conn.Close()
		logger.Info("provider dropped before relay", logging.KeyError, err)
		return s.reportConnect(conn, w, protocol.ConnectProviderRejected, "provider connection lost")
	}
	if err := s.writeConnectResponse(conn, w, protocol.ConnectSuccess); err != nil {
		m.Conn.Close()
		s.metrics.RecordConnectResult("probe_gone")
		return fmt.Errorf("write connect response: %w", err)
	}
	s.metrics.RecordConnectResult(protocol.ConnectSuccess.String())

	sess := relay.NewSession(uuid.NewString(),
		&relay.Endpoint{Name: "probe", Conn: conn, Reader: r, Writer: w},
		&relay.Endpoint{Name: "provider", Conn: m.Conn, Reader: m.Reader, Writer: m.Writer},
		s.cfg.Relay,
		relay.Options{
			ProviderID: m.ProviderID,
			Identifier: ident.String(),
			Logger:     logger,
			Metrics:    s.metrics,
			Tracker:    s.sessions,
		})
	err = sess.Run(s.ctx)
	if errors.Is(err, relay.ErrSessionClosed) && s.ctx.Err() != nil {
		return nil
	}
	return err
}

// reportConnect sends a failure status to the probe and returns the
// matching *ConnectError.
func (s *Server) reportConnect(conn net.Conn, w *protocol.Writer, status protocol.ConnectStatus, reason string) error {
	s.metrics.RecordConnectResult(status.String())
	cerr := connectFailed(status, reason)
	if err := s.writeConnectResponse(conn, w, status); err != nil {
		return multierr.Append(cerr, err)
	}
	return cerr
}

func (s *Server) writeConnectResponse(conn net.Conn, w *protocol.Writer, status protocol.ConnectStatus) error {
	conn.SetWriteDeadline(deadline(s.cfg.ConnectRequestTimeout))
	defer conn.SetWriteDeadline(time.Time{})
	return w.WriteConnectResponse(status)
}

// deadline returns the I/O deadline for d from now. Zero disables it.
func deadline(d time.Duration) time.Time {
	if d <= 0 {
		return time.Time{}
	}
	return time.Now().Add(d)
}
