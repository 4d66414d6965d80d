package auth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/mobileatlas/simtunnel/internal/protocol"
)

var (
	// ErrHandshakeTimeout is returned when no AuthRequest arrived in time.
	// The connection is closed without a response.
	ErrHandshakeTimeout = errors.New("auth handshake timed out")

	// ErrHandshakeMalformed is returned for an undecodable AuthRequest.
	// The connection is closed without a response.
	ErrHandshakeMalformed = errors.New("malformed auth request")
)

// State is a connection's position in the authentication handshake.
type State int32

const (
	StateInit State = iota
	StateAwaitAuth
	StateValidating
	StateAuthenticated
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateAwaitAuth:
		return "await_auth"
	case StateValidating:
		return "validating"
	case StateAuthenticated:
		return "authenticated"
	case StateRejected:
		return "rejected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ConnState is the per-connection record threaded through the handlers.
type ConnState struct {
	ID         string
	Listener   protocol.Role
	RemoteAddr string
	AcceptedAt time.Time

	mu       sync.Mutex
	state    State
	identity *Identity
}

// NewConnState creates a record in StateInit.
func NewConnState(id string, listener protocol.Role, remote string) *ConnState {
	return &ConnState{
		ID:         id,
		Listener:   listener,
		RemoteAddr: remote,
		AcceptedAt: time.Now(),
	}
}

// State returns the current handshake state.
func (c *ConnState) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Identity returns the authenticated identity, or nil.
func (c *ConnState) Identity() *Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

func (c *ConnState) set(s State, id *Identity) {
	c.mu.Lock()
	c.state = s
	if id != nil {
		c.identity = id
	}
	c.mu.Unlock()
}

// Release frees resources held by the authenticated identity.
func (c *ConnState) Release() {
	if id := c.Identity(); id != nil {
		id.Release()
	}
}

// Handshaker runs the server side of the authentication handshake.
type Handshaker struct {
	validator *Validator
	timeout   time.Duration
}

// NewHandshaker creates a Handshaker. timeout bounds the wait for the
// AuthRequest.
func NewHandshaker(v *Validator, timeout time.Duration) *Handshaker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Handshaker{validator: v, timeout: timeout}
}

// Run reads the AuthRequest from conn, validates it and answers. On
// ErrHandshakeTimeout and ErrHandshakeMalformed nothing has been written;
// an *AuthError means the rejection was already sent. Either way the
// caller closes conn.
func (h *Handshaker) Run(ctx context.Context, conn net.Conn, r *protocol.Reader, w *protocol.Writer, st *ConnState) (*Identity, error) {
	st.set(StateAwaitAuth, nil)

	if err := conn.SetReadDeadline(time.Now().Add(h.timeout)); err != nil {
		st.set(StateRejected, nil)
		return nil, fmt.Errorf("set read deadline: %w", err)
	}
	req, err := r.ReadAuthRequest()
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		st.set(StateRejected, nil)
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, ErrHandshakeTimeout
		}
		if errors.Is(err, protocol.ErrMalformed) {
			return nil, fmt.Errorf("%w: %w", ErrHandshakeMalformed, err)
		}
		return nil, fmt.Errorf("read auth request: %w", err)
	}

	st.set(StateValidating, nil)

	var id *Identity
	if req.Role != st.Listener {
		err = reject(protocol.AuthUnauthorized, fmt.Sprintf("%s credentials on %s listener", req.Role, st.Listener))
	} else {
		ctx, cancel := context.WithTimeout(ctx, h.timeout)
		id, err = h.validator.Validate(ctx, req)
		cancel()
	}

	conn.SetWriteDeadline(time.Now().Add(h.timeout))
	defer conn.SetWriteDeadline(time.Time{})

	if err != nil {
		st.set(StateRejected, nil)
		if werr := w.WriteAuthResponse(StatusOf(err)); werr != nil {
			return nil, multierr.Append(err, werr)
		}
		return nil, err
	}

	if werr := w.WriteAuthResponse(protocol.AuthSuccess); werr != nil {
		id.Release()
		st.set(StateRejected, nil)
		return nil, fmt.Errorf("write auth response: %w", werr)
	}
	st.set(StateAuthenticated, id)
	return id, nil
}
