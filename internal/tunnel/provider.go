package tunnel

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/mobileatlas/simtunnel/internal/auth"
	"github.com/mobileatlas/simtunnel/internal/broker"
	"github.com/mobileatlas/simtunnel/internal/logging"
	"github.com/mobileatlas/simtunnel/internal/protocol"
)

// serveProvider runs the worker loop of an authenticated provider: it takes
// requests from the provider's queue one at a time and offers them until
// one is accepted and relayed or the connection ends.
func (s *Server) serveProvider(conn net.Conn, r *protocol.Reader, w *protocol.Writer, id *auth.Identity, logger *slog.Logger) error {
	providerID := id.ID
	logger = logger.With(logging.KeyProviderID, providerID)

	for {
		entry, err := s.nextRequest(conn, providerID)
		if err != nil {
			return err
		}
		done, err := s.offer(conn, r, w, providerID, entry, logger.With(
			logging.KeyEntryID, entry.ID,
			logging.KeyIdentifier, entry.Identifier.String()))
		if done {
			return err
		}
		if err != nil {
			logger.Debug("request not served", logging.KeyError, err)
		}
	}
}

// nextRequest waits for the next live request for providerID while
// watching the provider connection for a disconnect.
func (s *Server) nextRequest(conn net.Conn, providerID string) (*broker.Entry, error) {
	s.metrics.RecordProviderIdle(1)
	defer s.metrics.RecordProviderIdle(-1)

	watch := watchConn(s.ctx, conn)
	entry, err := s.broker.Dequeue(watch.Context(), providerID)
	alive := watch.Stop()

	if err != nil {
		if !alive {
			return nil, ErrConnectionClosed
		}
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	if !alive {
		s.broker.Requeue(entry)
		return nil, ErrConnectionClosed
	}
	s.metrics.SetQueueDepth(s.broker.Pending())
	return entry, nil
}

// offer forwards entry to the provider and acts on its decision. done
// reports whether the worker loop must end; the connection is then either
// closed by the caller or owned by a relay session that has finished.
func (s *Server) offer(conn net.Conn, r *protocol.Reader, w *protocol.Writer, providerID string, entry *broker.Entry, logger *slog.Logger) (done bool, err error) {
	conn.SetWriteDeadline(deadline(s.cfg.ProviderResponseTimeout))
	err = w.WriteConnectRequest(&protocol.ConnectRequest{Identifier: entry.Identifier})
	conn.SetWriteDeadline(time.Time{})
	if err != nil {
		s.broker.Requeue(entry)
		return true, fmt.Errorf("write connect request: %w", err)
	}

	conn.SetReadDeadline(deadline(s.cfg.ProviderResponseTimeout))
	resp, err := r.ReadConnectResponse()
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			entry.Resolve(broker.Failed(protocol.ConnectTimeout))
			logger.Info("provider did not answer connect request")
			return true, fmt.Errorf("read connect response: %w", err)
		}
		s.broker.Requeue(entry)
		return true, fmt.Errorf("read connect response: %w", err)
	}

	switch resp.Status {
	case protocol.ConnectSuccess:
		return s.handOver(conn, r, w, providerID, entry, logger)
	case protocol.ConnectProviderBusy, protocol.ConnectProviderRejected:
		entry.Resolve(broker.Failed(resp.Status))
		logger.Info("provider declined request", logging.KeyStatus, resp.Status.String())
		return false, connectFailed(resp.Status, "declined by provider")
	default:
		entry.Resolve(broker.Failed(protocol.ConnectProviderRejected))
		logger.Info("provider declined request", logging.KeyStatus, resp.Status.String())
		return false, connectFailed(protocol.ConnectProviderRejected, "provider answered "+resp.Status.String())
	}
}

// handOver gives the accepting provider connection to the waiting probe
// and blocks until the probe side is done with it.
func (s *Server) handOver(conn net.Conn, r *protocol.Reader, w *protocol.Writer, providerID string, entry *broker.Entry, logger *slog.Logger) (bool, error) {
	m := broker.NewMatch(providerID, conn, r, w)
	if entry.Resolve(broker.Matched(m)) {
		<-m.Done()
		if m.Used() {
			return true, nil
		}
	}

	logger.Info("probe left before the provider accepted")
	conn.SetWriteDeadline(deadline(s.cfg.ProviderResponseTimeout))
	err := w.WriteConnectResponse(protocol.ConnectTimeout)
	conn.SetWriteDeadline(time.Time{})
	if err != nil {
		return true, fmt.Errorf("write connect response: %w", err)
	}
	return false, nil
}
