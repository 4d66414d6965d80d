package transport

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"golang.org/x/net/netutil"
	"golang.org/x/time/rate"
)

// ListenerConfig configures a broker listener.
type ListenerConfig struct {
	Address string
	TLS     *tls.Config
	// MaxConnections caps concurrently open connections. Zero is unlimited.
	MaxConnections int
	// AcceptRate limits new connections per second. Zero is unlimited.
	AcceptRate  float64
	AcceptBurst int
	KeepAlive   KeepAlive
}

// KeepAlive holds TCP keepalive settings for accepted connections.
type KeepAlive struct {
	Enabled  bool
	Idle     time.Duration
	Interval time.Duration
	Count    int
}

func (k KeepAlive) config() net.KeepAliveConfig {
	if !k.Enabled {
		return net.KeepAliveConfig{Enable: false, Idle: -1, Interval: -1, Count: -1}
	}
	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     k.Idle,
		Interval: k.Interval,
		Count:    k.Count,
	}
}

// Listen opens a TCP listener with keepalive, connection cap, accept rate
// limit and optional TLS applied in that order.
func Listen(ctx context.Context, cfg ListenerConfig) (net.Listener, error) {
	lc := net.ListenConfig{KeepAliveConfig: cfg.KeepAlive.config()}
	ln, err := lc.Listen(ctx, "tcp", cfg.Address)
	if err != nil {
		return nil, err
	}
	if cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, cfg.MaxConnections)
	}
	if cfg.AcceptRate > 0 {
		burst := cfg.AcceptBurst
		if burst < 1 {
			burst = 1
		}
		ln = &rateLimitedListener{
			Listener: ln,
			limiter:  rate.NewLimiter(rate.Limit(cfg.AcceptRate), burst),
		}
	}
	if cfg.TLS != nil {
		ln = tls.NewListener(ln, cfg.TLS)
	}
	return ln, nil
}

// rateLimitedListener delays Accept so connections are admitted at most at
// the limiter's rate. Waiting happens before the accept, so excess clients
// queue in the kernel backlog.
type rateLimitedListener struct {
	net.Listener
	limiter *rate.Limiter
}

func (l *rateLimitedListener) Accept() (net.Conn, error) {
	if err := l.limiter.Wait(context.Background()); err != nil {
		return nil, err
	}
	return l.Listener.Accept()
}

// Dial connects to a broker listener, using TLS when tlsCfg is set.
func Dial(ctx context.Context, address string, tlsCfg *tls.Config) (net.Conn, error) {
	d := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	if tlsCfg == nil {
		return d.DialContext(ctx, "tcp", address)
	}
	td := &tls.Dialer{NetDialer: d, Config: tlsCfg}
	return td.DialContext(ctx, "tcp", address)
}
