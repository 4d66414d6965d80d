package client

import (
	"context"
	"fmt"
	"time"

	"github.com/mobileatlas/simtunnel/internal/protocol"
)

// Connect authenticates as a probe and requests a tunnel to the SIM named
// by ident. It waits until a provider accepted or the broker answered with
// a failure, which is returned as *ConnectError. The wait for a provider is
// bounded by ctx only.
func Connect(ctx context.Context, cfg Config, ident protocol.Identifier) (*Tunnel, error) {
	conn, r, w, err := dial(ctx, cfg, protocol.RoleProbe)
	if err != nil {
		return nil, err
	}

	conn.SetWriteDeadline(time.Now().Add(cfg.timeout()))
	err = w.WriteConnectRequest(&protocol.ConnectRequest{Identifier: ident})
	conn.SetWriteDeadline(time.Time{})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("send connect request: %w", err)
	}

	stop := context.AfterFunc(ctx, func() { conn.SetReadDeadline(time.Now()) })
	resp, err := r.ReadConnectResponse()
	if !stop() {
		conn.Close()
		return nil, ctx.Err()
	}
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read connect response: %w", err)
	}
	if resp.Status != protocol.ConnectSuccess {
		conn.Close()
		return nil, &ConnectError{Status: resp.Status}
	}
	return &Tunnel{conn: conn, r: r, w: w}, nil
}
