// Package auth authenticates probe and provider connections.
package auth

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/semaphore"

	"github.com/mobileatlas/simtunnel/internal/directory"
	"github.com/mobileatlas/simtunnel/internal/logging"
	"github.com/mobileatlas/simtunnel/internal/protocol"
)

// AuthError is a rejection reported to the client as an AuthResponse.
type AuthError struct {
	Status protocol.AuthStatus
	Reason string
}

func (e *AuthError) Error() string {
	if e.Reason == "" {
		return "authentication rejected: " + e.Status.String()
	}
	return fmt.Sprintf("authentication rejected: %s: %s", e.Status, e.Reason)
}

func reject(status protocol.AuthStatus, reason string) error {
	return &AuthError{Status: status, Reason: reason}
}

// StatusOf returns the AuthStatus carried by err, or AuthUnauthorized.
func StatusOf(err error) protocol.AuthStatus {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Status
	}
	return protocol.AuthUnauthorized
}

// APIToken is a long-lived credential from the static allow-list. Exactly
// one of Token and Hash is set; Hash is a bcrypt hash of the raw token bytes.
type APIToken struct {
	Name       string
	Role       protocol.Role
	ProviderID string
	Token      *protocol.Token
	Hash       []byte
}

// allowList is one generation of the API token allow-list. verified
// remembers tokens that already matched a hashed entry, keyed by
// tokenKey, and is dropped with the generation on Reload.
type allowList struct {
	tokens   []APIToken
	verified sync.Map
}

func tokenKey(role protocol.Role, tok protocol.Token) [sha256.Size]byte {
	buf := make([]byte, 0, 1+protocol.TokenLength)
	buf = append(buf, byte(role))
	buf = append(buf, tok[:]...)
	return sha256.Sum256(buf)
}

// Source tells which credential store authenticated a connection.
type Source string

const (
	SourceAPIToken Source = "api_token"
	SourceSession  Source = "session"
)

// Identity is an authenticated client.
type Identity struct {
	Role protocol.Role
	// ID is the provider id for providers and a probe name for probes.
	ID     string
	Source Source

	release func()
}

// Release frees the session-in-use slot held by this identity.
func (i *Identity) Release() {
	if i.release != nil {
		i.release()
		i.release = nil
	}
}

// Validator checks AuthRequests against the allow-list and the directory.
type Validator struct {
	list      atomic.Pointer[allowList]
	dir       directory.Directory
	sessions  *SessionTracker
	logger    *slog.Logger
	hashLimit int
	hashSem   *semaphore.Weighted
}

// Option configures a Validator.
type Option func(*Validator)

// WithHashLimit bounds how many connections may compare against hashed
// API tokens at once. The default is GOMAXPROCS.
func WithHashLimit(n int) Option {
	return func(v *Validator) {
		if n > 0 {
			v.hashLimit = n
		}
	}
}

// NewValidator creates a Validator. dir may be nil when only API tokens are
// accepted.
func NewValidator(tokens []APIToken, dir directory.Directory, logger *slog.Logger, opts ...Option) *Validator {
	if logger == nil {
		logger = logging.NopLogger()
	}
	v := &Validator{
		dir:       dir,
		sessions:  NewSessionTracker(),
		logger:    logger,
		hashLimit: runtime.GOMAXPROCS(0),
	}
	for _, opt := range opts {
		opt(v)
	}
	v.hashSem = semaphore.NewWeighted(int64(v.hashLimit))
	v.Reload(tokens)
	return v
}

// Reload atomically replaces the API token allow-list.
func (v *Validator) Reload(tokens []APIToken) {
	copied := make([]APIToken, len(tokens))
	copy(copied, tokens)
	v.list.Store(&allowList{tokens: copied})
}

// TokenCount returns the number of allow-listed API tokens.
func (v *Validator) TokenCount() int {
	return len(v.list.Load().tokens)
}

// Sessions returns the session-in-use tracker.
func (v *Validator) Sessions() *SessionTracker {
	return v.sessions
}

// Validate authenticates req. The returned identity must be released when
// the connection ends.
func (v *Validator) Validate(ctx context.Context, req *protocol.AuthRequest) (*Identity, error) {
	id, err := v.checkAPITokens(ctx, req)
	if err != nil {
		v.logger.Debug("api token check aborted", logging.KeyError, err)
		return nil, reject(protocol.AuthUnauthorized, "validation timed out")
	}
	if id != nil {
		return id, nil
	}

	if v.dir == nil {
		return nil, reject(protocol.AuthInvalidToken, "unknown token")
	}

	sess, err := v.dir.ValidateSessionToken(ctx, req.Token)
	switch {
	case errors.Is(err, directory.ErrNotFound):
		return nil, reject(protocol.AuthInvalidToken, "unknown session token")
	case err != nil:
		v.logger.Warn("session directory lookup failed", logging.KeyError, err)
		return nil, reject(protocol.AuthUnauthorized, "directory unavailable")
	case sess.Expired:
		return nil, reject(protocol.AuthExpired, "session token expired")
	case sess.Role != req.Role:
		return nil, reject(protocol.AuthUnauthorized, "role mismatch")
	}

	release, ok := v.sessions.Acquire(req.Role, req.Token)
	if !ok {
		return nil, reject(protocol.AuthUnauthorized, "session token already in use")
	}
	return &Identity{Role: sess.Role, ID: sess.ID, Source: SourceSession, release: release}, nil
}

// checkAPITokens matches req against the allow-list. Plain tokens are
// compared first. Hashed entries are tried only for tokens not already
// verified, one bcrypt comparison at a time per caller and at most
// hashLimit callers at once. An error means ctx ended first.
func (v *Validator) checkAPITokens(ctx context.Context, req *protocol.AuthRequest) (*Identity, error) {
	list := v.list.Load()

	var found *APIToken
	hashed := 0
	for i := range list.tokens {
		t := &list.tokens[i]
		if t.Role != req.Role {
			continue
		}
		if t.Token == nil {
			hashed++
			continue
		}
		if t.Token.Equal(req.Token) && found == nil {
			found = t
		}
	}

	if found == nil && hashed > 0 {
		key := tokenKey(req.Role, req.Token)
		if cached, ok := list.verified.Load(key); ok {
			found = cached.(*APIToken)
		} else {
			t, err := v.matchHashed(ctx, list, req)
			if err != nil {
				return nil, err
			}
			if t != nil {
				list.verified.Store(key, t)
				found = t
			}
		}
	}

	if found == nil {
		return nil, nil
	}
	id := found.Name
	if found.Role == protocol.RoleProvider {
		id = found.ProviderID
	}
	return &Identity{Role: found.Role, ID: id, Source: SourceAPIToken}, nil
}

func (v *Validator) matchHashed(ctx context.Context, list *allowList, req *protocol.AuthRequest) (*APIToken, error) {
	if err := v.hashSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer v.hashSem.Release(1)

	for i := range list.tokens {
		t := &list.tokens[i]
		if t.Role != req.Role || t.Token != nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if bcrypt.CompareHashAndPassword(t.Hash, req.Token[:]) == nil {
			return t, nil
		}
	}
	return nil, nil
}
