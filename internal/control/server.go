// Package control provides a Unix socket control interface for the broker.
package control

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/mobileatlas/simtunnel/internal/broker"
	"github.com/mobileatlas/simtunnel/internal/tunnel"
)

// BrokerInfo provides broker information for the control interface.
type BrokerInfo interface {
	// IsRunning returns true if the broker is running.
	IsRunning() bool

	// Status returns the current broker status.
	Status() tunnel.Status
}

// ReloadFunc reloads the configuration of a running broker.
type ReloadFunc func() error

// QueuesResponse is the response for the queues endpoint.
type QueuesResponse struct {
	Queues []broker.QueueStats `json:"queues"`
}

// ReloadResponse is the response for the reload endpoint.
type ReloadResponse struct {
	Reloaded  bool   `json:"reloaded"`
	APITokens int    `json:"api_tokens"`
	Error     string `json:"error,omitempty"`
}

// ServerConfig contains control server configuration.
type ServerConfig struct {
	// SocketPath is the path to the Unix socket file.
	SocketPath string

	// ReadTimeout for HTTP reads.
	ReadTimeout time.Duration

	// WriteTimeout for HTTP writes.
	WriteTimeout time.Duration
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		SocketPath:   "./simtunnel.sock",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server is a Unix socket HTTP server for control commands.
type Server struct {
	cfg      ServerConfig
	broker   BrokerInfo
	reload   ReloadFunc
	server   *http.Server
	listener net.Listener
	running  atomic.Bool
}

// NewServer creates a new control server. reload may be nil, in which case
// the reload endpoint reports that reloading is unsupported.
func NewServer(cfg ServerConfig, b BrokerInfo, reload ReloadFunc) *Server {
	s := &Server{
		cfg:    cfg,
		broker: b,
		reload: reload,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/queues", s.handleQueues)
	mux.HandleFunc("/reload", s.handleReload)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// Start starts the control server.
func (s *Server) Start() error {
	// Remove existing socket file if it exists
	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return err
	}
	if err := os.Chmod(s.cfg.SocketPath, 0600); err != nil {
		ln.Close()
		return err
	}
	s.listener = ln
	s.running.Store(true)

	go s.server.Serve(ln)

	return nil
}

// Stop stops the control server.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}

	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	return nil
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// SocketPath returns the socket path.
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, s.broker.Status())
}

func (s *Server) handleQueues(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, QueuesResponse{Queues: s.broker.Status().Queues})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.reload == nil {
		writeJSON(w, http.StatusNotImplemented, ReloadResponse{Error: "reload not supported"})
		return
	}

	if err := s.reload(); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, ReloadResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, ReloadResponse{
		Reloaded:  true,
		APITokens: s.broker.Status().APITokens,
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
