package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/mobileatlas/simtunnel/internal/auth"
	"github.com/mobileatlas/simtunnel/internal/broker"
	"github.com/mobileatlas/simtunnel/internal/directory"
	"github.com/mobileatlas/simtunnel/internal/gc"
	"github.com/mobileatlas/simtunnel/internal/logging"
	"github.com/mobileatlas/simtunnel/internal/metrics"
	"github.com/mobileatlas/simtunnel/internal/protocol"
	"github.com/mobileatlas/simtunnel/internal/recovery"
	"github.com/mobileatlas/simtunnel/internal/relay"
	"github.com/mobileatlas/simtunnel/internal/sysinfo"
	"github.com/mobileatlas/simtunnel/internal/transport"
)

// Config holds server settings.
type Config struct {
	ProbeListener    transport.ListenerConfig
	ProviderListener transport.ListenerConfig

	AuthTimeout             time.Duration
	ConnectRequestTimeout   time.Duration
	MatchTimeout            time.Duration
	ProviderResponseTimeout time.Duration

	Broker       broker.Config
	MaxWait      time.Duration
	IdleQueueTTL time.Duration

	Relay      relay.Config
	GCInterval time.Duration
}

// DefaultConfig returns a Config with default timeouts and limits. The
// listener addresses are left empty.
func DefaultConfig() Config {
	return Config{
		AuthTimeout:             30 * time.Second,
		ConnectRequestTimeout:   30 * time.Second,
		MatchTimeout:            5 * time.Minute,
		ProviderResponseTimeout: time.Minute,
		Broker:                  broker.Config{MaxPendingPerProvider: 10},
		MaxWait:                 5 * time.Minute,
		IdleQueueTTL:            10 * time.Minute,
		GCInterval:              time.Minute,
	}
}

// trackedConn is an open client connection.
type trackedConn struct {
	conn  net.Conn
	state *auth.ConnState
}

// Server accepts probe and provider connections and brokers tunnels
// between them.
type Server struct {
	cfg        Config
	validator  *auth.Validator
	dir        directory.Directory
	handshaker *auth.Handshaker
	broker     *broker.Broker
	sessions   *relay.Tracker
	gc         *gc.Runner
	logger     *slog.Logger
	metrics    *metrics.Metrics

	probeListener    net.Listener
	providerListener net.Listener

	connsMu sync.Mutex
	conns   map[string]*trackedConn

	reloadMu sync.Mutex
	static   *directory.Static
	closers  []func() error

	ctx       context.Context
	cancel    context.CancelFunc
	startedAt time.Time
	running   atomic.Bool
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// New creates a Server. dir resolves SIM identifiers to providers; it is
// usually the same directory the validator uses.
func New(cfg Config, v *auth.Validator, dir directory.Directory, logger *slog.Logger, m *metrics.Metrics) *Server {
	if logger == nil {
		logger = logging.NopLogger()
	}
	s := &Server{
		cfg:        cfg,
		validator:  v,
		dir:        dir,
		handshaker: auth.NewHandshaker(v, cfg.AuthTimeout),
		broker:     broker.New(cfg.Broker),
		sessions:   relay.NewTracker(),
		logger:     logger.With(logging.KeyComponent, "tunnel"),
		metrics:    m,
		conns:      make(map[string]*trackedConn),
	}
	s.gc = gc.New(cfg.GCInterval, logger, m)
	s.registerGCTasks()
	return s
}

func (s *Server) registerGCTasks() {
	if s.cfg.MaxWait > 0 {
		s.gc.Register("expire-pending", func(context.Context) (int, error) {
			n := s.broker.Expire(s.cfg.MaxWait)
			s.metrics.SetQueueDepth(s.broker.Pending())
			return n, nil
		})
	}
	if s.cfg.IdleQueueTTL > 0 {
		s.gc.Register("prune-queues", func(context.Context) (int, error) {
			return s.broker.PruneIdle(s.cfg.IdleQueueTTL), nil
		})
	}
	s.gc.Register("reap-writes", func(context.Context) (int, error) {
		return s.sessions.ReapAll(), nil
	})
}

// Start opens both listeners and begins accepting connections.
func (s *Server) Start(ctx context.Context) error {
	if s.running.Load() {
		return errors.New("server already running")
	}

	probeLn, err := transport.Listen(ctx, s.cfg.ProbeListener)
	if err != nil {
		return fmt.Errorf("listen for probes on %s: %w", s.cfg.ProbeListener.Address, err)
	}
	providerLn, err := transport.Listen(ctx, s.cfg.ProviderListener)
	if err != nil {
		probeLn.Close()
		return fmt.Errorf("listen for providers on %s: %w", s.cfg.ProviderListener.Address, err)
	}

	s.probeListener = probeLn
	s.providerListener = providerLn
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.startedAt = time.Now()
	s.running.Store(true)

	s.wg.Add(3)
	go s.acceptLoop(probeLn, protocol.RoleProbe)
	go s.acceptLoop(providerLn, protocol.RoleProvider)
	go func() {
		defer s.wg.Done()
		defer recovery.RecoverWithLog(s.logger, "gc.Run")
		s.gc.Run(s.ctx)
	}()

	s.logger.Info("tunnel server started",
		"probe_address", probeLn.Addr().String(),
		"provider_address", providerLn.Addr().String(),
		"tls", s.cfg.ProbeListener.TLS != nil)
	return nil
}

func (s *Server) acceptLoop(ln net.Listener, role protocol.Role) {
	defer s.wg.Done()
	defer recovery.RecoverWithLog(s.logger, "tunnel.acceptLoop."+role.String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if !s.running.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Debug("accept error", logging.KeyRole, role.String(), logging.KeyError, err)
			s.metrics.RecordConnectionRejected(role.String(), "accept_error")
			time.Sleep(50 * time.Millisecond)
			continue
		}

		s.wg.Add(1)
		go s.handleConn(conn, role)
	}
}

func (s *Server) handleConn(conn net.Conn, role protocol.Role) {
	defer s.wg.Done()
	defer conn.Close()

	connID := uuid.NewString()
	remote := conn.RemoteAddr().String()
	logger := logging.Connection(s.logger, connID, role.String(), remote)
	defer recovery.RecoverWithCallback(logger, "tunnel.handleConn", func(any) {
		s.metrics.RecordHandlerPanic(role.String())
	})

	st := auth.NewConnState(connID, role, remote)
	if !s.track(connID, conn, st) {
		return
	}
	defer s.untrack(connID)

	s.metrics.RecordConnectionOpen(role.String())
	defer s.metrics.RecordConnectionClose(role.String())

	r := protocol.NewReader(conn)
	w := protocol.NewWriter(conn)

	start := time.Now()
	id, err := s.handshaker.Run(s.ctx, conn, r, w, st)
	if err != nil {
		status := "error"
		switch {
		case errors.Is(err, auth.ErrHandshakeTimeout):
			status = "timeout"
		case errors.Is(err, auth.ErrHandshakeMalformed):
			status = "malformed"
		default:
			var ae *auth.AuthError
			if errors.As(err, &ae) {
				status = ae.Status.String()
			}
		}
		s.metrics.RecordAuth(role.String(), status, time.Since(start).Seconds())
		logger.Info("authentication failed", logging.KeyStatus, status, logging.KeyError, err)
		return
	}
	defer st.Release()
	s.metrics.RecordAuth(role.String(), protocol.AuthSuccess.String(), time.Since(start).Seconds())
	logger = logger.With(logging.KeyIdentity, id.ID)
	logger.Debug("authenticated", "source", string(id.Source))

	switch role {
	case protocol.RoleProbe:
		err = s.serveProbe(conn, r, w, logger)
	case protocol.RoleProvider:
		err = s.serveProvider(conn, r, w, id, logger)
	}
	if err != nil {
		logger.Debug("connection ended", logging.KeyError, err)
	}
}

func (s *Server) track(id string, conn net.Conn, st *auth.ConnState) bool {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	if !s.running.Load() {
		return false
	}
	s.conns[id] = &trackedConn{conn: conn, state: st}
	return true
}

func (s *Server) untrack(id string) {
	s.connsMu.Lock()
	delete(s.conns, id)
	s.connsMu.Unlock()
}

// Stop shuts the server down and waits for all connections to finish.
func (s *Server) Stop() error {
	return s.StopWithContext(context.Background())
}

// StopWithContext shuts the server down. Listeners, queued requests, relay
// sessions and client connections are closed, then it waits for handler
// goroutines until ctx ends.
func (s *Server) StopWithContext(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		if !s.running.Load() {
			return
		}
		s.connsMu.Lock()
		s.running.Store(false)
		s.connsMu.Unlock()

		s.cancel()
		err = multierr.Combine(
			ignoreClosed(s.probeListener.Close()),
			ignoreClosed(s.providerListener.Close()),
		)
		s.broker.Close()
		s.sessions.CloseAll()
		for _, c := range s.closers {
			err = multierr.Append(err, c())
		}

		s.connsMu.Lock()
		for _, tc := range s.conns {
			tc.conn.Close()
		}
		s.connsMu.Unlock()

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = multierr.Append(err, fmt.Errorf("waiting for connections: %w", ctx.Err()))
		}
		s.logger.Info("tunnel server stopped")
	})
	return err
}

func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// IsRunning reports whether the server is accepting connections.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// ProbeAddr returns the probe listener address, or nil before Start.
func (s *Server) ProbeAddr() net.Addr {
	if s.probeListener == nil {
		return nil
	}
	return s.probeListener.Addr()
}

// ProviderAddr returns the provider listener address, or nil before Start.
func (s *Server) ProviderAddr() net.Addr {
	if s.providerListener == nil {
		return nil
	}
	return s.providerListener.Addr()
}

// Broker returns the server's rendezvous broker.
func (s *Server) Broker() *broker.Broker {
	return s.broker
}

// Status is a point-in-time view of the server.
type Status struct {
	Build              sysinfo.Info        `json:"build"`
	Running            bool                `json:"running"`
	Uptime             time.Duration       `json:"uptime"`
	ProbeAddress       string              `json:"probe_address"`
	ProviderAddress    string              `json:"provider_address"`
	Connections        int                 `json:"connections"`
	ConnectionsByState map[string]int      `json:"connections_by_state"`
	PendingRequests    int                 `json:"pending_requests"`
	Queues             []broker.QueueStats `json:"queues"`
	Sessions           []relay.Stats       `json:"sessions"`
	APITokens          int                 `json:"api_tokens"`
	SessionTokensInUse int                 `json:"session_tokens_in_use"`
	GCTasks            []string            `json:"gc_tasks"`
}

// Status returns the current server status.
func (s *Server) Status() Status {
	st := Status{
		Build:              sysinfo.Collect(),
		Running:            s.running.Load(),
		ConnectionsByState: make(map[string]int),
		Queues:             s.broker.Snapshot(),
		Sessions:           s.sessions.Stats(),
		APITokens:          s.validator.TokenCount(),
		SessionTokensInUse: s.validator.Sessions().Active(),
		GCTasks:            s.gc.Tasks(),
	}
	if st.Running {
		st.Uptime = time.Since(s.startedAt)
	}
	if a := s.ProbeAddr(); a != nil {
		st.ProbeAddress = a.String()
	}
	if a := s.ProviderAddr(); a != nil {
		st.ProviderAddress = a.String()
	}
	for _, q := range st.Queues {
		st.PendingRequests += q.Pending
	}

	s.connsMu.Lock()
	st.Connections = len(s.conns)
	for _, tc := range s.conns {
		st.ConnectionsByState[tc.state.State().String()]++
	}
	s.connsMu.Unlock()
	return st
}

// Queues returns the broker's per-provider queue statistics.
func (s *Server) Queues() []broker.QueueStats {
	return s.broker.Snapshot()
}
