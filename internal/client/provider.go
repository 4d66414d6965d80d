package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/mobileatlas/simtunnel/internal/protocol"
)

// Provider is an authenticated provider connection waiting for requests.
type Provider struct {
	cfg     Config
	conn    net.Conn
	r       *protocol.Reader
	w       *protocol.Writer
	pending bool
}

// Register authenticates as a provider.
func Register(ctx context.Context, cfg Config) (*Provider, error) {
	conn, r, w, err := dial(ctx, cfg, protocol.RoleProvider)
	if err != nil {
		return nil, err
	}
	return &Provider{cfg: cfg, conn: conn, r: r, w: w}, nil
}

// Next waits for the broker to forward a probe's request. Each request
// must be answered with Accept or Decline before calling Next again.
func (p *Provider) Next(ctx context.Context) (protocol.Identifier, error) {
	if p.pending {
		return protocol.Identifier{}, errors.New("previous request not answered")
	}
	stop := context.AfterFunc(ctx, func() { p.conn.SetReadDeadline(time.Now()) })
	req, err := p.r.ReadConnectRequest()
	if !stop() {
		p.conn.SetReadDeadline(time.Time{})
		return protocol.Identifier{}, ctx.Err()
	}
	if err != nil {
		return protocol.Identifier{}, fmt.Errorf("read connect request: %w", err)
	}
	p.pending = true
	return req.Identifier, nil
}

// Accept accepts the current request. On success the provider connection
// becomes the returned tunnel. ErrProbeGone leaves the provider usable.
func (p *Provider) Accept() (*Tunnel, error) {
	if err := p.answer(protocol.ConnectSuccess); err != nil {
		return nil, err
	}

	// The broker confirms once the probe side has taken the connection.
	resp, err := p.r.ReadConnectResponse()
	if err != nil {
		return nil, fmt.Errorf("read confirmation: %w", err)
	}
	switch resp.Status {
	case protocol.ConnectSuccess:
		return &Tunnel{conn: p.conn, r: p.r, w: p.w}, nil
	case protocol.ConnectTimeout:
		return nil, ErrProbeGone
	default:
		return nil, &ConnectError{Status: resp.Status}
	}
}

// Decline rejects the current request with ProviderBusy or
// ProviderRejected.
func (p *Provider) Decline(status protocol.ConnectStatus) error {
	if status != protocol.ConnectProviderBusy && status != protocol.ConnectProviderRejected {
		return fmt.Errorf("cannot decline with %s", status)
	}
	return p.answer(status)
}

func (p *Provider) answer(status protocol.ConnectStatus) error {
	if !p.pending {
		return errors.New("no request to answer")
	}
	p.pending = false
	p.conn.SetWriteDeadline(time.Now().Add(p.cfg.timeout()))
	defer p.conn.SetWriteDeadline(time.Time{})
	return p.w.WriteConnectResponse(status)
}

// Close closes the provider connection.
func (p *Provider) Close() error {
	return p.conn.Close()
}

// Serve answers requests until ctx ends or the connection fails. decide
// picks the answer for each identifier; accepted tunnels are passed to
// handle, after which Serve returns since the connection belongs to the
// tunnel.
func (p *Provider) Serve(ctx context.Context, decide func(protocol.Identifier) protocol.ConnectStatus, handle func(protocol.Identifier, *Tunnel) error) error {
	for {
		ident, err := p.Next(ctx)
		if err != nil {
			return err
		}
		status := decide(ident)
		if status != protocol.ConnectSuccess {
			if err := p.Decline(status); err != nil {
				return err
			}
			continue
		}
		t, err := p.Accept()
		if errors.Is(err, ErrProbeGone) {
			continue
		}
		if err != nil {
			return err
		}
		return handle(ident, t)
	}
}
