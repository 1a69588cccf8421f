// Package core defines the interfaces and shared types through which the
// transport engine talks to its collaborators: the network layer below it,
// the buffer pool it borrows segment memory from, and the application layer
// observing connection lifecycle above it.
package core

import (
	"errors"
	"fmt"
	"net/netip"
)

// Endpoint identifies one side of a connection: an address plus a port.
type Endpoint struct {
	Addr netip.Addr
	Port uint16
}

// String renders the endpoint as addr:port.
func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Addr, e.Port)
}

// IsValid reports whether the endpoint carries a usable address.
func (e Endpoint) IsValid() bool {
	return e.Addr.IsValid()
}

// ErrUnreachable is returned by NetworkPath.Transmit when the remote
// endpoint cannot be reached. The engine treats it as transient.
var ErrUnreachable = errors.New("remote endpoint unreachable")

// NetworkPath is the downward collaborator: it routes one encoded segment
// toward a remote endpoint. Implementations must not retain the slice after
// Transmit returns.
type NetworkPath interface {
	Transmit(remote Endpoint, segment []byte) error
}

// CloseReason explains why a connection left the table.
type CloseReason int

const (
	// CloseGraceful means both sides completed the FIN exchange.
	CloseGraceful CloseReason = iota
	// CloseReset means the peer aborted the connection with RST.
	CloseReset
	// CloseRetransmitLimit means the retry budget for an unacked segment
	// was exhausted.
	CloseRetransmitLimit
	// CloseIdle means the connection sat idle past the configured lifetime.
	CloseIdle
	// CloseHandshakeTimeout means an active open never completed.
	CloseHandshakeTimeout
)

func (r CloseReason) String() string {
	switch r {
	case CloseGraceful:
		return "graceful"
	case CloseReset:
		return "reset"
	case CloseRetransmitLimit:
		return "retransmission limit exceeded"
	case CloseIdle:
		return "idle timeout"
	case CloseHandshakeTimeout:
		return "handshake timeout"
	default:
		return fmt.Sprintf("unknown(%d)", int(r))
	}
}

// ConnectionObserver receives lifecycle notifications from the engine. All
// callbacks are invoked without engine locks held; implementations may call
// back into the engine.
type ConnectionObserver interface {
	ConnectionEstablished(id uint64)
	ConnectionClosed(id uint64, reason CloseReason)
}

// NopObserver discards all notifications.
type NopObserver struct{}

func (NopObserver) ConnectionEstablished(uint64)         {}
func (NopObserver) ConnectionClosed(uint64, CloseReason) {}
