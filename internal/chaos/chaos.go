// Package chaos wraps connections with injected faults for robustness
// tests of the framing and relay code.
package chaos

import (
	"errors"
	"math/rand"
	"net"
	"sync"
	"time"
)

// ErrInjected is returned by writes failed on purpose.
var ErrInjected = errors.New("chaos: injected fault")

// FaultType represents the type of fault to inject.
type FaultType int

const (
	// FaultDisconnect closes the connection.
	FaultDisconnect FaultType = iota
	// FaultDelay adds latency to a write.
	FaultDelay
	// FaultFragment splits a write into small pieces.
	FaultFragment
	// FaultError fails a write without closing.
	FaultError
)

func (t FaultType) String() string {
	switch t {
	case FaultDisconnect:
		return "disconnect"
	case FaultDelay:
		return "delay"
	case FaultFragment:
		return "fragment"
	case FaultError:
		return "error"
	default:
		return "unknown"
	}
}

// FaultConfig configures one kind of fault.
type FaultConfig struct {
	// Probability is the chance per write (0.0 to 1.0).
	Probability float64

	Type FaultType

	// MinDelay and MaxDelay bound the latency added by FaultDelay.
	MinDelay time.Duration
	MaxDelay time.Duration

	// ChunkSize is the largest piece written by FaultFragment. Zero means 1.
	ChunkSize int
}

// FaultInjector decides which faults hit each write.
type FaultInjector struct {
	mu        sync.Mutex
	configs   []FaultConfig
	enabled   bool
	rng       *rand.Rand
	faultHits map[FaultType]int64
}

// NewFaultInjector creates an enabled injector. A fixed seed makes runs
// reproducible.
func NewFaultInjector(seed int64, configs ...FaultConfig) *FaultInjector {
	return &FaultInjector{
		configs:   configs,
		enabled:   true,
		rng:       rand.New(rand.NewSource(seed)),
		faultHits: make(map[FaultType]int64),
	}
}

// Enable enables fault injection.
func (f *FaultInjector) Enable() {
	f.mu.Lock()
	f.enabled = true
	f.mu.Unlock()
}

// Disable disables fault injection.
func (f *FaultInjector) Disable() {
	f.mu.Lock()
	f.enabled = false
	f.mu.Unlock()
}

// pick returns the faults to apply to one write, at most one per type.
func (f *FaultInjector) pick() []FaultConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.enabled {
		return nil
	}
	var hits []FaultConfig
	for _, c := range f.configs {
		if f.rng.Float64() < c.Probability {
			f.faultHits[c.Type]++
			hits = append(hits, c)
		}
	}
	return hits
}

func (f *FaultInjector) delay(c FaultConfig) time.Duration {
	if c.MaxDelay <= c.MinDelay {
		return c.MinDelay
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return c.MinDelay + time.Duration(f.rng.Int63n(int64(c.MaxDelay-c.MinDelay)))
}

// Stats returns how often each fault was injected.
func (f *FaultInjector) Stats() map[FaultType]int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := make(map[FaultType]int64, len(f.faultHits))
	for k, v := range f.faultHits {
		stats[k] = v
	}
	return stats
}

// Conn is a net.Conn whose writes pass through a FaultInjector. Reads are
// untouched.
type Conn struct {
	net.Conn
	injector *FaultInjector
	wmu      sync.Mutex
}

// Wrap returns conn with faults from f applied to its writes.
func Wrap(conn net.Conn, f *FaultInjector) *Conn {
	return &Conn{Conn: conn, injector: f}
}

// Write applies the selected faults and writes b. Fragmented writes still
// deliver every byte in order.
func (c *Conn) Write(b []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	chunk := len(b)
	for _, fc := range c.injector.pick() {
		switch fc.Type {
		case FaultDisconnect:
			c.Conn.Close()
			return 0, ErrInjected
		case FaultError:
			return 0, ErrInjected
		case FaultDelay:
			time.Sleep(c.injector.delay(fc))
		case FaultFragment:
			chunk = fc.ChunkSize
			if chunk <= 0 {
				chunk = 1
			}
		}
	}

	written := 0
	for written < len(b) {
		end := min(written+chunk, len(b))
		n, err := c.Conn.Write(b[written:end])
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}
