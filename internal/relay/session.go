// Package relay forwards Packets between a matched probe and provider.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/mobileatlas/simtunnel/internal/logging"
	"github.com/mobileatlas/simtunnel/internal/metrics"
	"github.com/mobileatlas/simtunnel/internal/protocol"
	"github.com/mobileatlas/simtunnel/internal/recovery"
)

var (
	// ErrSessionClosed is returned for writes submitted to, or abandoned by,
	// a finished session.
	ErrSessionClosed = errors.New("relay session closed")

	// ErrIdleTimeout ends a session when neither side sent a packet within
	// the configured idle timeout.
	ErrIdleTimeout = errors.New("relay idle timeout")

	errPeerClosed = errors.New("peer closed connection")
)

type endpointError struct {
	endpoint string
	op       string
	err      error
}

func (e *endpointError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.endpoint, e.op, e.err)
}

func (e *endpointError) Unwrap() error {
	return e.err
}

// Direction names a relay direction.
type Direction int

const (
	ToProvider Direction = iota
	ToProbe
)

func (d Direction) String() string {
	if d == ToProvider {
		return "probe_to_provider"
	}
	return "provider_to_probe"
}

// Endpoint is one authenticated side of a session.
type Endpoint struct {
	Name   string
	Conn   net.Conn
	Reader *protocol.Reader
	Writer *protocol.Writer
}

// NewEndpoint wraps conn with a protocol reader and writer.
func NewEndpoint(name string, conn net.Conn) *Endpoint {
	return &Endpoint{
		Name:   name,
		Conn:   conn,
		Reader: protocol.NewReader(conn),
		Writer: protocol.NewWriter(conn),
	}
}

// Config holds relay limits.
type Config struct {
	// MaxPendingWrites bounds outstanding background writes per direction.
	MaxPendingWrites int
	// IdleTimeout ends the session after a read stalls this long. Zero
	// disables it.
	IdleTimeout time.Duration
	// FlushTimeout bounds how long queued writes may drain after one side
	// closes.
	FlushTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxPendingWrites <= 0 {
		c.MaxPendingWrites = 32
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 5 * time.Second
	}
	return c
}

// Stats is a point-in-time view of a session.
type Stats struct {
	ID                string        `json:"id"`
	ProviderID        string        `json:"provider_id"`
	Identifier        string        `json:"identifier"`
	StartedAt         time.Time     `json:"started_at"`
	Duration          time.Duration `json:"duration"`
	PacketsToProvider int64         `json:"packets_to_provider"`
	PacketsToProbe    int64         `json:"packets_to_probe"`
	BytesToProvider   int64         `json:"bytes_to_provider"`
	BytesToProbe      int64         `json:"bytes_to_probe"`
	PendingWrites     int           `json:"pending_writes"`
}

// Session relays packets between a probe and a provider until either side
// closes.
type Session struct {
	ID         string
	ProviderID string
	Identifier string

	probe    *Endpoint
	provider *Endpoint
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	tracker  *Tracker

	writers [2]*orderedWriter
	packets [2]atomic.Int64
	bytes   [2]atomic.Int64

	ctx       context.Context
	cancel    context.CancelFunc
	started   time.Time
	closeOnce sync.Once
	closeErr  error
	running   atomic.Bool
}

// Options carries optional session collaborators.
type Options struct {
	ProviderID string
	Identifier string
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	Tracker    *Tracker
}

// NewSession creates a session. Run must be called to start relaying.
func NewSession(id string, probe, provider *Endpoint, cfg Config, opts Options) *Session {
	cfg = cfg.withDefaults()
	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:         id,
		ProviderID: opts.ProviderID,
		Identifier: opts.Identifier,
		probe:      probe,
		provider:   provider,
		cfg:        cfg,
		logger:     logger.With(logging.KeySessionID, id),
		metrics:    opts.Metrics,
		tracker:    opts.Tracker,
		ctx:        ctx,
		cancel:     cancel,
		started:    time.Now(),
	}
	s.writers[ToProvider] = newOrderedWriter(provider, cfg.MaxPendingWrites)
	s.writers[ToProbe] = newOrderedWriter(probe, cfg.MaxPendingWrites)
	return s
}

// SendAsync queues p for the endpoint in direction dir and returns its
// handle. It blocks only while that direction's outstanding set is full.
func (s *Session) SendAsync(dir Direction, p *protocol.Packet) (*WriteHandle, error) {
	return s.writers[dir].submit(s.ctx, p)
}

// Send writes p and waits for the write to finish.
func (s *Session) Send(ctx context.Context, dir Direction, p *protocol.Packet) error {
	h, err := s.SendAsync(dir, p)
	if err != nil {
		return err
	}
	return h.Wait(ctx)
}

// Reap drops completed write handles and returns how many were removed.
func (s *Session) Reap() int {
	return s.writers[ToProvider].reap() + s.writers[ToProbe].reap()
}

// Close ends the session. Run returns ErrSessionClosed.
func (s *Session) Close() {
	s.cancel()
}

// Stats returns current counters.
func (s *Session) Stats() Stats {
	return Stats{
		ID:                s.ID,
		ProviderID:        s.ProviderID,
		Identifier:        s.Identifier,
		StartedAt:         s.started,
		Duration:          time.Since(s.started),
		PacketsToProvider: s.packets[ToProvider].Load(),
		PacketsToProbe:    s.packets[ToProbe].Load(),
		BytesToProvider:   s.bytes[ToProvider].Load(),
		BytesToProbe:      s.bytes[ToProbe].Load(),
		PendingWrites:     s.writers[ToProvider].pending() + s.writers[ToProbe].pending(),
	}
}

// Run relays until one side closes, an error occurs, ctx ends or Close is
// called. Both connections are closed and all goroutines have exited when
// Run returns. A clean close by either side returns nil.
func (s *Session) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("relay session already running")
	}
	stop := context.AfterFunc(ctx, s.cancel)
	defer stop()

	if s.tracker != nil {
		s.tracker.add(s)
		defer s.tracker.remove(s)
	}
	s.metrics.RecordSessionStart()
	s.logger.Info("relay session started",
		logging.KeyProviderID, s.ProviderID,
		logging.KeyIdentifier, s.Identifier)

	g, gctx := errgroup.WithContext(s.ctx)
	g.Go(func() error {
		defer recovery.RecoverWithLog(s.logger, "relay-writer-provider")
		return s.writers[ToProvider].run(gctx)
	})
	g.Go(func() error {
		defer recovery.RecoverWithLog(s.logger, "relay-writer-probe")
		return s.writers[ToProbe].run(gctx)
	})
	g.Go(func() error {
		defer recovery.RecoverWithLog(s.logger, "relay-forward-probe")
		return s.forward(gctx, s.probe, ToProvider)
	})
	g.Go(func() error {
		defer recovery.RecoverWithLog(s.logger, "relay-forward-provider")
		return s.forward(gctx, s.provider, ToProbe)
	})
	g.Go(func() error {
		<-gctx.Done()
		s.closeConns()
		return nil
	})

	err := g.Wait()
	s.cancel()
	s.closeConns()
	s.writers[ToProvider].abandon()
	s.writers[ToProbe].abandon()

	if errors.Is(err, errPeerClosed) {
		err = nil
	} else if err == nil {
		err = ErrSessionClosed
	}

	st := s.Stats()
	s.metrics.RecordSessionEnd(st.Duration.Seconds(), endReason(err))
	attrs := []any{
		logging.KeyDuration, st.Duration.Round(time.Millisecond),
		"to_provider", humanize.Bytes(uint64(st.BytesToProvider)),
		"to_probe", humanize.Bytes(uint64(st.BytesToProbe)),
		"packets", st.PacketsToProvider + st.PacketsToProbe,
	}
	if s.closeErr != nil {
		attrs = append(attrs, "close_error", s.closeErr)
	}
	if err != nil {
		s.logger.Info("relay session ended", append(attrs, logging.KeyError, err)...)
	} else {
		s.logger.Info("relay session ended", attrs...)
	}
	return err
}

func (s *Session) forward(ctx context.Context, src *Endpoint, dir Direction) error {
	dst := s.writers[dir]
	for {
		if s.cfg.IdleTimeout > 0 {
			src.Conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}
		p, err := src.Reader.ReadPacket()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) {
				s.flush(ctx, dst)
				return fmt.Errorf("%s: %w", src.Name, errPeerClosed)
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return fmt.Errorf("%s: %w", src.Name, ErrIdleTimeout)
			}
			if errors.Is(err, protocol.ErrMalformed) {
				return &endpointError{endpoint: src.Name, op: "decode", err: err}
			}
			return &endpointError{endpoint: src.Name, op: "read", err: err}
		}

		s.packets[dir].Add(1)
		s.bytes[dir].Add(int64(p.Size()))
		s.metrics.RecordPacket(dir.String(), p.Opcode.String(), p.Size())

		if _, err := dst.submit(ctx, p); err != nil {
			return nil
		}
	}
}

// flush lets writes already queued for dst drain before teardown.
func (s *Session) flush(ctx context.Context, dst *orderedWriter) {
	dst.finish()
	timer := time.NewTimer(s.cfg.FlushTimeout)
	defer timer.Stop()
	select {
	case <-dst.exited:
	case <-ctx.Done():
	case <-timer.C:
		s.logger.Warn("relay flush timed out", "pending", dst.pending())
	}
}

func (s *Session) closeConns() {
	s.closeOnce.Do(func() {
		var err error
		for _, ep := range []*Endpoint{s.probe, s.provider} {
			if cerr := ep.Conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
				err = multierr.Append(err, fmt.Errorf("close %s: %w", ep.Name, cerr))
			}
		}
		s.closeErr = err
	})
}

func endReason(err error) string {
	var ee *endpointError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSessionClosed):
		return "closed"
	case errors.Is(err, ErrIdleTimeout):
		return "idle_timeout"
	case errors.As(err, &ee):
		return ee.op + "_error"
	default:
		return "other"
	}
}
