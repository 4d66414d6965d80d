// Package client implements the probe and provider sides of the tunnel
// protocol for diagnostics and tests.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/mobileatlas/simtunnel/internal/protocol"
	"github.com/mobileatlas/simtunnel/internal/transport"
)

var (
	// ErrProbeGone is returned by Provider.Accept when the probe left
	// before the acceptance reached the broker. The provider stays
	// connected and may wait for the next request.
	ErrProbeGone = errors.New("probe no longer waiting")
)

// AuthError is a rejected authentication.
type AuthError struct {
	Status protocol.AuthStatus
}

func (e *AuthError) Error() string {
	return "authentication rejected: " + e.Status.String()
}

// ConnectError is a connect request answered with a failure status.
type ConnectError struct {
	Status protocol.ConnectStatus
}

func (e *ConnectError) Error() string {
	return "connect request failed: " + e.Status.String()
}

// Config describes how to reach the broker.
type Config struct {
	Address string
	Token   protocol.Token
	// TLS enables TLS when set.
	TLS *tls.Config
	// Timeout bounds dialing, authentication and the connect handshake.
	// Zero means 30 seconds.
	Timeout time.Duration
}

func (c Config) timeout() time.Duration {
	if c.Timeout <= 0 {
		return 30 * time.Second
	}
	return c.Timeout
}

// Tunnel is an established relay to the other side.
type Tunnel struct {
	conn net.Conn
	r    *protocol.Reader
	w    *protocol.Writer
}

// Send writes one packet.
func (t *Tunnel) Send(p *protocol.Packet) error {
	return t.w.WritePacket(p)
}

// Receive reads the next packet. io.EOF means the other side closed.
func (t *Tunnel) Receive() (*protocol.Packet, error) {
	return t.r.ReadPacket()
}

// SetDeadline sets the read and write deadline of the tunnel connection.
func (t *Tunnel) SetDeadline(d time.Time) error {
	return t.conn.SetDeadline(d)
}

// Close closes the tunnel.
func (t *Tunnel) Close() error {
	return t.conn.Close()
}

// dial connects and authenticates with role.
func dial(ctx context.Context, cfg Config, role protocol.Role) (net.Conn, *protocol.Reader, *protocol.Writer, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.timeout())
	defer cancel()

	conn, err := transport.Dial(ctx, cfg.Address, cfg.TLS)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("dial %s: %w", cfg.Address, err)
	}
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	r := protocol.NewReader(conn)
	w := protocol.NewWriter(conn)
	if err := w.WriteAuthRequest(&protocol.AuthRequest{Role: role, Token: cfg.Token}); err != nil {
		conn.Close()
		return nil, nil, nil, fmt.Errorf("send auth request: %w", err)
	}
	resp, err := r.ReadAuthResponse()
	if err != nil {
		conn.Close()
		return nil, nil, nil, fmt.Errorf("read auth response: %w", err)
	}
	if resp.Status != protocol.AuthSuccess {
		conn.Close()
		return nil, nil, nil, &AuthError{Status: resp.Status}
	}
	if !stop() {
		conn.Close()
		return nil, nil, nil, ctx.Err()
	}
	return conn, r, w, nil
}
