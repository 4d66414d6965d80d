// Package tunnel runs the probe and provider listeners and pairs their
// connections through the rendezvous broker.
package tunnel

import (
	"errors"
	"fmt"

	"github.com/mobileatlas/simtunnel/internal/protocol"
)

// ErrConnectionClosed is returned when the peer closed its connection while
// the broker was waiting on its behalf.
var ErrConnectionClosed = errors.New("connection closed by peer")

// ConnectError is a connect request that ended with a non-success status.
// The status has been reported to the probe unless the connection failed.
type ConnectError struct {
	Status protocol.ConnectStatus
	Reason string
}

func (e *ConnectError) Error() string {
	if e.Reason == "" {
		return "connect failed: " + e.Status.String()
	}
	return fmt.Sprintf("connect failed: %s: %s", e.Status, e.Reason)
}

func connectFailed(status protocol.ConnectStatus, reason string) error {
	return &ConnectError{Status: status, Reason: reason}
}
