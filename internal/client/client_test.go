package client

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/mobileatlas/simtunnel/internal/protocol"
)

// fakeBroker accepts one connection and runs script against it.
func fakeBroker(t *testing.T, script func(r *protocol.Reader, w *protocol.Writer)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		script(protocol.NewReader(conn), protocol.NewWriter(conn))
	}()
	return ln.Addr().String()
}

func TestConnect_AuthRejected(t *testing.T) {
	addr := fakeBroker(t, func(r *protocol.Reader, w *protocol.Writer) {
		r.ReadAuthRequest()
		w.WriteAuthResponse(protocol.AuthExpired)
	})

	ident, _ := protocol.NewImsi("232010000000001")
	_, err := Connect(context.Background(), Config{Address: addr, Timeout: 2 * time.Second}, ident)
	var ae *AuthError
	if !errors.As(err, &ae) || ae.Status != protocol.AuthExpired {
		t.Fatalf("err = %v, want AuthError(expired)", err)
	}
}

func TestConnect_SendsRoleAndIdentifier(t *testing.T) {
	got := make(chan *protocol.ConnectRequest, 1)
	addr := fakeBroker(t, func(r *protocol.Reader, w *protocol.Writer) {
		req, err := r.ReadAuthRequest()
		if err != nil || req.Role != protocol.RoleProbe {
			return
		}
		w.WriteAuthResponse(protocol.AuthSuccess)
		cr, err := r.ReadConnectRequest()
		if err != nil {
			return
		}
		got <- cr
		w.WriteConnectResponse(protocol.ConnectSuccess)
		p, err := r.ReadPacket()
		if err == nil {
			w.WritePacket(p)
		}
	})

	ident, _ := protocol.NewIccid("8943102030405060708")
	tun, err := Connect(context.Background(), Config{Address: addr, Timeout: 2 * time.Second}, ident)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer tun.Close()
	if cr := <-got; cr.Identifier != ident {
		t.Errorf("identifier = %v, want %v", cr.Identifier, ident)
	}

	if err := tun.Send(protocol.NewPacket(protocol.OpReset, nil)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	p, err := tun.Receive()
	if err != nil || p.Opcode != protocol.OpReset {
		t.Fatalf("Receive = %v, %v", p, err)
	}
}

func TestProvider_AnswerOrder(t *testing.T) {
	ident, _ := protocol.NewImsi("232010000000001")
	answers := make(chan protocol.ConnectStatus, 2)
	addr := fakeBroker(t, func(r *protocol.Reader, w *protocol.Writer) {
		if _, err := r.ReadAuthRequest(); err != nil {
			return
		}
		w.WriteAuthResponse(protocol.AuthSuccess)
		for i := 0; i < 2; i++ {
			w.WriteConnectRequest(&protocol.ConnectRequest{Identifier: ident})
			resp, err := r.ReadConnectResponse()
			if err != nil {
				return
			}
			answers <- resp.Status
		}
		w.WriteConnectResponse(protocol.ConnectTimeout)
	})

	p, err := Register(context.Background(), Config{Address: addr, Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	defer p.Close()

	if err := p.Decline(protocol.ConnectProviderBusy); err == nil {
		t.Error("Decline without a request should fail")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := p.Next(ctx); err != nil {
		t.Fatalf("Next: %v", err)
	}
	if _, err := p.Next(ctx); err == nil {
		t.Error("Next with an unanswered request should fail")
	}
	if err := p.Decline(protocol.ConnectNotFound); err == nil {
		t.Error("Decline with NotFound should fail")
	}
	if err := p.Decline(protocol.ConnectProviderBusy); err != nil {
		t.Fatalf("Decline: %v", err)
	}
	if got := <-answers; got != protocol.ConnectProviderBusy {
		t.Errorf("answer = %s", got)
	}

	if _, err := p.Next(ctx); err != nil {
		t.Fatalf("Next: %v", err)
	}
	if _, err := p.Accept(); !errors.Is(err, ErrProbeGone) {
		t.Errorf("Accept = %v, want ErrProbeGone", err)
	}
	if got := <-answers; got != protocol.ConnectSuccess {
		t.Errorf("answer = %s", got)
	}
}

func TestProvider_NextHonoursContext(t *testing.T) {
	addr := fakeBroker(t, func(r *protocol.Reader, w *protocol.Writer) {
		r.ReadAuthRequest()
		w.WriteAuthResponse(protocol.AuthSuccess)
		r.ReadPacket()
	})

	p, err := Register(context.Background(), Config{Address: addr, Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := p.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Next = %v, want deadline exceeded", err)
	}
}
