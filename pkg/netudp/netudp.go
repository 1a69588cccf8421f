// Package netudp carries transport segments between hosts over plain UDP.
// Each datagram is one protocol number byte followed by the segment, so a
// single tunnel can multiplex several transport protocols; inbound traffic
// fans out through a handler registry.
package netudp

import (
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"golang.org/x/net/ipv4"

	"github.com/irctrakz/tcpstack/pkg/core"
	"github.com/irctrakz/tcpstack/pkg/logging"
)

const maxDatagram = 65535

// Path is a UDP network path. It listens on one local socket, delivers
// inbound segments through the registry and sends outbound segments toward
// the peer's tunnel port.
type Path struct {
	conn     *net.UDPConn
	registry *core.Registry

	localAddr netip.Addr
	localPort uint16
	peerPort  uint16
	mtu       int

	received uint64
	dropped  uint64

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New binds the tunnel socket and applies the TTL/TOS options. Call Start
// to begin delivering inbound segments.
func New(cfg core.NetworkConfig, registry *core.Registry) (*Path, error) {
	if registry == nil {
		return nil, fmt.Errorf("nil registry")
	}
	addr, err := net.ResolveUDPAddr("udp4", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", cfg.ListenAddr, err)
	}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %q: %w", cfg.ListenAddr, err)
	}

	pc := ipv4.NewPacketConn(conn)
	if cfg.TTL > 0 {
		if err := pc.SetTTL(cfg.TTL); err != nil {
			logging.Warnf("netudp: set ttl %d: %v", cfg.TTL, err)
		}
	}
	if cfg.TOS > 0 {
		if err := pc.SetTOS(cfg.TOS); err != nil {
			logging.Warnf("netudp: set tos %d: %v", cfg.TOS, err)
		}
	}

	local := conn.LocalAddr().(*net.UDPAddr).AddrPort()
	mtu := cfg.MTU
	if mtu <= 0 {
		mtu = 1500
	}
	p := &Path{
		conn:      conn,
		registry:  registry,
		localAddr: local.Addr().Unmap(),
		localPort: local.Port(),
		peerPort:  uint16(cfg.PeerPort),
		mtu:       mtu,
	}
	if p.peerPort == 0 {
		p.peerPort = p.localPort
	}
	logging.Infof("netudp: listening on %s, peer port %d", local, p.peerPort)
	return p, nil
}

// Start launches the read loop.
func (p *Path) Start() {
	p.wg.Add(1)
	go p.readLoop()
}

func (p *Path) readLoop() {
	defer p.wg.Done()
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := p.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			// Closed socket ends the loop; anything else is transient.
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
		if n < 1 {
			atomic.AddUint64(&p.dropped, 1)
			continue
		}
		atomic.AddUint64(&p.received, 1)

		proto := core.ProtocolFromNumber(buf[0])
		payload := append([]byte(nil), buf[1:n]...)
		local := core.Endpoint{Addr: p.localAddr}
		remote := core.Endpoint{Addr: from.Addr().Unmap()}
		if !p.registry.Dispatch(proto, local, remote, payload) {
			atomic.AddUint64(&p.dropped, 1)
			logging.Debugf("netudp: no handler for %s from %s", proto, remote)
		}
	}
}

// Close shuts the socket and waits for the read loop to finish.
func (p *Path) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = p.conn.Close()
		p.wg.Wait()
	})
	return err
}

// LocalPort is the bound UDP port, useful when listening on port 0.
func (p *Path) LocalPort() uint16 { return p.localPort }

// Received and Dropped report datagram counters.
func (p *Path) Received() uint64 { return atomic.LoadUint64(&p.received) }

func (p *Path) Dropped() uint64 { return atomic.LoadUint64(&p.dropped) }

// Sender returns a core.NetworkPath that stamps outbound datagrams with the
// given protocol number.
func (p *Path) Sender(proto core.Protocol) core.NetworkPath {
	return &sender{path: p, proto: proto.Number()}
}

type sender struct {
	path  *Path
	proto uint8
}

// Transmit sends one segment toward the remote host's tunnel port.
func (s *sender) Transmit(remote core.Endpoint, segment []byte) error {
	if !remote.Addr.IsValid() || !remote.Addr.Is4() && !remote.Addr.Is4In6() {
		return core.ErrUnreachable
	}
	if len(segment)+1 > s.path.mtu {
		return fmt.Errorf("segment of %d bytes exceeds mtu %d", len(segment), s.path.mtu)
	}
	datagram := make([]byte, 1+len(segment))
	datagram[0] = s.proto
	copy(datagram[1:], segment)

	dst := netip.AddrPortFrom(remote.Addr.Unmap(), s.path.peerPort)
	if _, err := s.path.conn.WriteToUDPAddrPort(datagram, dst); err != nil {
		return fmt.Errorf("%w: %v", core.ErrUnreachable, err)
	}
	return nil
}
