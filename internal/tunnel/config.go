package tunnel

import (
	"fmt"
	"log/slog"

	"github.com/mobileatlas/simtunnel/internal/auth"
	"github.com/mobileatlas/simtunnel/internal/broker"
	"github.com/mobileatlas/simtunnel/internal/config"
	"github.com/mobileatlas/simtunnel/internal/directory"
	"github.com/mobileatlas/simtunnel/internal/metrics"
	"github.com/mobileatlas/simtunnel/internal/protocol"
	"github.com/mobileatlas/simtunnel/internal/relay"
	"github.com/mobileatlas/simtunnel/internal/transport"
)

// FromConfig builds a Server, its validator and its directory from a
// validated configuration.
func FromConfig(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*Server, error) {
	tokens, err := APITokens(cfg.Auth.APITokens)
	if err != nil {
		return nil, err
	}

	var (
		dir     directory.Directory
		static  *directory.Static
		closers []func() error
	)
	if cfg.Directory.URL != "" {
		client, err := directory.NewHTTPClient(directory.HTTPConfig{
			BaseURL:   cfg.Directory.URL,
			APIToken:  cfg.Directory.APIToken,
			Timeout:   cfg.Directory.Timeout,
			RateLimit: cfg.Directory.RateLimit,
			Burst:     cfg.Directory.Burst,
		})
		if err != nil {
			return nil, err
		}
		dir = client
		closers = append(closers, client.Close)
	} else {
		sessions, sims, err := staticEntries(cfg.Directory.Static)
		if err != nil {
			return nil, err
		}
		if static, err = directory.NewStatic(sessions, sims); err != nil {
			return nil, fmt.Errorf("static directory: %w", err)
		}
		dir = static
	}
	dir = instrument(dir, m)

	scfg, err := serverConfig(cfg)
	if err != nil {
		return nil, err
	}

	v := auth.NewValidator(tokens, dir, logger, auth.WithHashLimit(cfg.Auth.MaxConcurrentHashChecks))
	s := New(scfg, v, dir, logger, m)
	s.static = static
	s.closers = closers
	return s, nil
}

// Reload applies the allow-list and static directory of cfg to a running
// server. Listener, timeout and limit changes need a restart.
func (s *Server) Reload(cfg *config.Config) error {
	tokens, err := APITokens(cfg.Auth.APITokens)
	if err != nil {
		return err
	}

	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()
	if s.static != nil {
		sessions, sims, err := staticEntries(cfg.Directory.Static)
		if err != nil {
			return err
		}
		if err := s.static.Replace(sessions, sims); err != nil {
			return fmt.Errorf("static directory: %w", err)
		}
	}
	s.validator.Reload(tokens)
	s.logger.Info("configuration reloaded", "api_tokens", len(tokens))
	return nil
}

func serverConfig(cfg *config.Config) (Config, error) {
	probe := listenerConfig(cfg.Server, cfg.Server.ProbeAddress)
	provider := listenerConfig(cfg.Server, cfg.Server.ProviderAddress)
	if cfg.Server.TLS.Enabled {
		tlsCfg, err := transport.ServerTLSConfig(cfg.Server.TLS.Cert, cfg.Server.TLS.Key, cfg.Server.TLS.ClientCA)
		if err != nil {
			return Config{}, err
		}
		probe.TLS = tlsCfg
		provider.TLS = tlsCfg
	}

	return Config{
		ProbeListener:           probe,
		ProviderListener:        provider,
		AuthTimeout:             cfg.Timeouts.Auth,
		ConnectRequestTimeout:   cfg.Timeouts.ConnectRequest,
		MatchTimeout:            cfg.Timeouts.Match,
		ProviderResponseTimeout: cfg.Timeouts.ProviderResponse,
		Broker:                  broker.Config{MaxPendingPerProvider: cfg.Broker.MaxPendingPerProvider},
		MaxWait:                 cfg.Broker.MaxWait,
		IdleQueueTTL:            cfg.Broker.IdleQueueTTL,
		Relay: relay.Config{
			MaxPendingWrites: cfg.Relay.MaxPendingWrites,
			IdleTimeout:      cfg.Relay.IdleTimeout,
			FlushTimeout:     cfg.Relay.FlushTimeout,
		},
		GCInterval: cfg.GC.Interval,
	}, nil
}

func listenerConfig(sc config.ServerConfig, addr string) transport.ListenerConfig {
	return transport.ListenerConfig{
		Address:        addr,
		MaxConnections: sc.MaxConnections,
		AcceptRate:     sc.AcceptRate,
		AcceptBurst:    sc.AcceptBurst,
		KeepAlive: transport.KeepAlive{
			Enabled:  sc.KeepAlive.Enabled,
			Idle:     sc.KeepAlive.Idle,
			Interval: sc.KeepAlive.Interval,
			Count:    sc.KeepAlive.Count,
		},
	}
}

// APITokens converts allow-list entries from the configuration.
func APITokens(entries []config.APITokenConfig) ([]auth.APIToken, error) {
	tokens := make([]auth.APIToken, 0, len(entries))
	for _, e := range entries {
		role, err := protocol.ParseRole(e.Role)
		if err != nil {
			return nil, fmt.Errorf("api token %q: %w", e.Name, err)
		}
		t := auth.APIToken{Name: e.Name, Role: role}
		if role == protocol.RoleProvider {
			if t.ProviderID, err = directory.NormalizeProviderID(e.ProviderID); err != nil {
				return nil, fmt.Errorf("api token %q: provider_id: %w", e.Name, err)
			}
		}
		if e.TokenHash != "" {
			t.Hash = []byte(e.TokenHash)
		} else {
			tok, err := protocol.ParseToken(e.Token)
			if err != nil {
				return nil, fmt.Errorf("api token %q: %w", e.Name, err)
			}
			t.Token = &tok
		}
		tokens = append(tokens, t)
	}
	return tokens, nil
}

func staticEntries(sc config.StaticDirectoryConfig) ([]directory.StaticSession, map[protocol.Identifier]string, error) {
	sessions := make([]directory.StaticSession, 0, len(sc.Sessions))
	for i, e := range sc.Sessions {
		tok, err := protocol.ParseToken(e.Token)
		if err != nil {
			return nil, nil, fmt.Errorf("static session %d: %w", i, err)
		}
		role, err := protocol.ParseRole(e.Role)
		if err != nil {
			return nil, nil, fmt.Errorf("static session %d: %w", i, err)
		}
		id := e.ID
		if role == protocol.RoleProvider {
			if id, err = directory.NormalizeProviderID(e.ID); err != nil {
				return nil, nil, fmt.Errorf("static session %d: id: %w", i, err)
			}
		}
		sessions = append(sessions, directory.StaticSession{Token: tok, Role: role, ID: id, ExpiresAt: e.ExpiresAt})
	}

	sims := make(map[protocol.Identifier]string, len(sc.SIMs))
	for i, e := range sc.SIMs {
		ident, err := e.Identifier()
		if err != nil {
			return nil, nil, fmt.Errorf("static sim %d: %w", i, err)
		}
		sims[ident] = e.ProviderID
	}
	return sessions, sims, nil
}
