package core

import "fmt"

// Protocol is a transport protocol number as carried in the network-layer
// header. Well-known values get a typed tag; anything else stays usable as
// its raw value so unknown protocols survive a round trip.
type Protocol struct {
	raw   uint8
	known bool
}

// Well-known protocol numbers.
var (
	ProtocolICMP = Protocol{raw: 1, known: true}
	ProtocolTCP  = Protocol{raw: 6, known: true}
	ProtocolUDP  = Protocol{raw: 17, known: true}
)

// ProtocolFromNumber maps a raw protocol number to a Protocol, tagging the
// values this stack knows about.
func ProtocolFromNumber(n uint8) Protocol {
	switch n {
	case 1, 6, 17:
		return Protocol{raw: n, known: true}
	default:
		return Protocol{raw: n}
	}
}

// Number returns the on-wire protocol number.
func (p Protocol) Number() uint8 { return p.raw }

// Known reports whether this stack recognizes the protocol.
func (p Protocol) Known() bool { return p.known }

func (p Protocol) String() string {
	if p.known {
		switch p.raw {
		case 1:
			return "icmp"
		case 6:
			return "tcp"
		case 17:
			return "udp"
		}
	}
	return fmt.Sprintf("proto-%d", p.raw)
}

// SegmentHandler consumes one validated network-layer payload addressed to
// the given local/remote endpoint pair.
type SegmentHandler interface {
	Deliver(local, remote Endpoint, payload []byte)
}

// Registry maps protocol numbers to their handlers. It is built once at
// startup and passed to the dispatching component; it is not safe for
// concurrent mutation after that.
type Registry struct {
	handlers map[uint8]SegmentHandler
}

// NewRegistry returns an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[uint8]SegmentHandler)}
}

// Register binds a handler to a protocol. Registering twice for the same
// protocol replaces the previous handler.
func (r *Registry) Register(p Protocol, h SegmentHandler) {
	r.handlers[p.Number()] = h
}

// Dispatch hands the payload to the handler registered for the protocol.
// Payloads for unregistered protocols are dropped and reported false.
func (r *Registry) Dispatch(p Protocol, local, remote Endpoint, payload []byte) bool {
	h, ok := r.handlers[p.Number()]
	if !ok {
		return false
	}
	h.Deliver(local, remote, payload)
	return true
}
