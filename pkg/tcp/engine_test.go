package tcp

import (
	"bytes"
	"net/netip"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/irctrakz/tcpstack/pkg/core"
	"github.com/irctrakz/tcpstack/pkg/logging"
)

func TestMain(m *testing.M) {
	logging.SetLevel(logging.ErrorLevel)
	os.Exit(m.Run())
}

var (
	addrA = netip.MustParseAddr("10.0.0.1")
	addrB = netip.MustParseAddr("10.0.0.2")
)

func TestHandshakeAndDataTransfer(t *testing.T) {
	h := newHarness(t)
	defer h.stop()

	if err := h.b.OpenPassive(80); err != nil {
		t.Fatalf("OpenPassive: %v", err)
	}
	id, err := h.a.OpenActive(
		core.Endpoint{Addr: addrA, Port: 40000},
		core.Endpoint{Addr: addrB, Port: 80},
	)
	if err != nil {
		t.Fatalf("OpenActive: %v", err)
	}
	h.settle()

	if got := h.aObs.establishedCount(); got != 1 {
		t.Fatalf("initiator established notifications = %d, want 1", got)
	}
	if got := h.bObs.establishedCount(); got != 1 {
		t.Fatalf("acceptor established notifications = %d, want 1", got)
	}
	ca := h.a.table.lookupID(id)
	if ca == nil {
		t.Fatal("initiator connection missing from table")
	}
	if ca.state != stateEstablished {
		t.Fatalf("initiator state = %s, want established", ca.state)
	}

	payload := bytes.Repeat([]byte("transport"), 334) // 3006 bytes, > 3 segments at mss 1000
	n, err := h.a.Send(id, payload)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if n != len(payload) {
		t.Fatalf("Send accepted %d bytes, want %d", n, len(payload))
	}
	h.settle()

	bid := h.bObs.firstEstablished()
	got := h.receiveAll(h.b, bid)
	if !bytes.Equal(got, payload) {
		t.Fatalf("received %d bytes, want %d matching bytes", len(got), len(payload))
	}

	ca.mu.Lock()
	una, nxt := ca.snd.una, ca.snd.nxt
	ca.mu.Unlock()
	if una != nxt {
		t.Fatalf("send.una=%d send.nxt=%d after settle, want all data acked", una, nxt)
	}
}

func TestEndToEndThreeSegments(t *testing.T) {
	h := newHarnessConfig(t, core.EngineConfig{MSS: 1460})
	defer h.stop()

	// Count payload-bearing segments crossing from A to B.
	var dataSegs int
	h.aToB.drop = func(data []byte) bool {
		if seg, err := Decode(data, addrA, addrB); err == nil && len(seg.Payload) > 0 {
			dataSegs++
		}
		return false
	}

	if err := h.b.OpenPassive(80); err != nil {
		t.Fatalf("OpenPassive: %v", err)
	}
	id, err := h.a.OpenActive(
		core.Endpoint{Addr: addrA, Port: 40000},
		core.Endpoint{Addr: addrB, Port: 80},
	)
	if err != nil {
		t.Fatalf("OpenActive: %v", err)
	}
	h.settle()

	ca := h.a.table.lookupID(id)
	cb := h.b.table.lookupID(h.bObs.firstEstablished())
	ca.mu.Lock()
	aUna := ca.snd.una
	ca.mu.Unlock()
	cb.mu.Lock()
	bRcvNxt, bUna := cb.rcv.nxt, cb.snd.una
	cb.mu.Unlock()
	if aUna != bRcvNxt {
		t.Fatalf("A.send.una=%d, B.recv.nxt=%d; want equal after handshake", aUna, bRcvNxt)
	}
	ca.mu.Lock()
	aRcvNxt := ca.rcv.nxt
	ca.mu.Unlock()
	if bUna != aRcvNxt {
		t.Fatalf("B.send.una=%d, A.recv.nxt=%d; want equal after handshake", bUna, aRcvNxt)
	}

	if _, err := h.a.Send(id, make([]byte, 3000)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	h.settle()

	// 3000 bytes at mss 1460 is 1460+1460+80: exactly three segments when
	// nothing is lost.
	if dataSegs != 3 {
		t.Fatalf("data segments = %d, want exactly 3", dataSegs)
	}
	cb.mu.Lock()
	advanced := cb.rcv.nxt - bRcvNxt
	cb.mu.Unlock()
	if advanced != 3000 {
		t.Fatalf("B.recv.nxt advanced %d, want 3000", advanced)
	}
	if got := h.b.Metrics().BytesDelivered; got != 3000 {
		t.Fatalf("bytes delivered = %d, want 3000", got)
	}
}

func TestGracefulCloseBothSides(t *testing.T) {
	h := newHarness(t)
	defer h.stop()

	if err := h.b.OpenPassive(80); err != nil {
		t.Fatalf("OpenPassive: %v", err)
	}
	id, err := h.a.OpenActive(
		core.Endpoint{Addr: addrA, Port: 40000},
		core.Endpoint{Addr: addrB, Port: 80},
	)
	if err != nil {
		t.Fatalf("OpenActive: %v", err)
	}
	h.settle()
	bid := h.bObs.firstEstablished()

	if err := h.a.Close(id); err != nil {
		t.Fatalf("Close initiator: %v", err)
	}
	h.settle()

	cb := h.b.table.lookupID(bid)
	cb.mu.Lock()
	bState := cb.state
	cb.mu.Unlock()
	if bState != stateCloseWait {
		t.Fatalf("acceptor state = %s, want close-wait", bState)
	}
	if _, err := h.b.Receive(bid, 100); err == nil {
		t.Fatal("Receive after peer FIN: want io.EOF, got nil error")
	}

	if err := h.b.Close(bid); err != nil {
		t.Fatalf("Close acceptor: %v", err)
	}
	h.settle()

	// Acceptor's FIN is acked: it leaves the table. Initiator holds in
	// time-wait until 2*MSL elapses.
	if h.b.ConnectionCount() != 0 {
		t.Fatalf("acceptor table has %d connections, want 0", h.b.ConnectionCount())
	}
	ca := h.a.table.lookupID(id)
	ca.mu.Lock()
	aState := ca.state
	ca.mu.Unlock()
	if aState != stateTimeWait {
		t.Fatalf("initiator state = %s, want time-wait", aState)
	}

	h.clk.advance(2*time.Duration(h.a.cfg.MSLSeconds)*time.Second + time.Second)
	h.a.tick(h.clk.now())
	if h.a.ConnectionCount() != 0 {
		t.Fatalf("initiator table has %d connections after 2*MSL, want 0", h.a.ConnectionCount())
	}
	if got := h.aObs.closedReason(id); got != core.CloseGraceful {
		t.Fatalf("initiator close reason = %v, want graceful", got)
	}
}

func TestActiveOpenToClosedPortResets(t *testing.T) {
	h := newHarness(t)
	defer h.stop()

	id, err := h.a.OpenActive(
		core.Endpoint{Addr: addrA, Port: 40000},
		core.Endpoint{Addr: addrB, Port: 81}, // nobody listening
	)
	if err != nil {
		t.Fatalf("OpenActive: %v", err)
	}
	h.settle()

	if h.a.table.lookupID(id) != nil {
		t.Fatal("connection still in table after peer reset")
	}
	if got := h.aObs.closedReason(id); got != core.CloseReset {
		t.Fatalf("close reason = %v, want reset", got)
	}
}

func TestIPv6EndpointRejected(t *testing.T) {
	path := &capturePath{local: addrA}
	e, _ := newTestEngine(t, core.EngineConfig{MSS: 1000}, path, nil)
	defer e.Stop()

	v6a := netip.MustParseAddr("2001:db8::1")
	v6b := netip.MustParseAddr("2001:db8::2")
	if _, err := e.OpenActive(
		core.Endpoint{Addr: v6a, Port: 40000},
		core.Endpoint{Addr: v6b, Port: 80},
	); err == nil {
		t.Fatal("OpenActive with IPv6 endpoints: want error, got nil")
	}
	if got := e.ConnectionCount(); got != 0 {
		t.Fatalf("connection count = %d, want 0", got)
	}

	// An inbound datagram with an IPv6 source drops before decoding; the
	// checksum pseudo-header only covers 4-byte addresses.
	syn := &Segment{SrcPort: 80, DstPort: 40000, Seq: 100, Flags: FlagSYN, Window: 65535}
	data, err := syn.Encode(addrB, addrA, 1500)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	e.Deliver(core.Endpoint{Addr: addrA}, core.Endpoint{Addr: v6b}, data)
	if got := e.Metrics().Malformed; got != 1 {
		t.Fatalf("malformed = %d, want 1", got)
	}
	if got := path.last(); got != nil {
		t.Fatalf("IPv6 delivery answered with %v, want silence", got)
	}
}

func TestListenerBacklogDropsExcessSyns(t *testing.T) {
	path := &capturePath{local: addrB}
	e, _ := newTestEngine(t, core.EngineConfig{MSS: 1000, SynBacklog: 1}, path, nil)
	defer e.Stop()

	if err := e.OpenPassive(80); err != nil {
		t.Fatalf("OpenPassive: %v", err)
	}

	deliverSeg(e, addrA, addrB, &Segment{
		SrcPort: 1111, DstPort: 80, Seq: 100, Flags: FlagSYN, Window: 65535,
	})
	deliverSeg(e, addrA, addrB, &Segment{
		SrcPort: 2222, DstPort: 80, Seq: 200, Flags: FlagSYN, Window: 65535,
	})

	if got := e.ConnectionCount(); got != 1 {
		t.Fatalf("connection count = %d, want 1 (second SYN past backlog)", got)
	}
	if got := e.Metrics().BacklogDrops; got != 1 {
		t.Fatalf("backlog drops = %d, want 1", got)
	}
	// The drop is silent: the only response on the wire is the one SYN+ACK.
	if got := len(path.drain()); got != 1 {
		t.Fatalf("segments emitted = %d, want 1", got)
	}
}

func TestSendBufferHighWater(t *testing.T) {
	h := newHarnessConfig(t, core.EngineConfig{MSS: 1000, SendBufferHighWater: 2048})
	defer h.stop()

	if err := h.b.OpenPassive(80); err != nil {
		t.Fatalf("OpenPassive: %v", err)
	}
	id, err := h.a.OpenActive(
		core.Endpoint{Addr: addrA, Port: 40000},
		core.Endpoint{Addr: addrB, Port: 80},
	)
	if err != nil {
		t.Fatalf("OpenActive: %v", err)
	}
	h.settle()

	// Hold acks back so the buffer cannot drain between writes.
	h.bToA.hold = true
	n1, err := h.a.Send(id, make([]byte, 4096))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if n1 != 2048 {
		t.Fatalf("first Send accepted %d, want high-water 2048", n1)
	}
}

func TestMetricsSnapshot(t *testing.T) {
	h := newHarness(t)
	defer h.stop()

	if err := h.b.OpenPassive(80); err != nil {
		t.Fatalf("OpenPassive: %v", err)
	}
	id, err := h.a.OpenActive(
		core.Endpoint{Addr: addrA, Port: 40000},
		core.Endpoint{Addr: addrB, Port: 80},
	)
	if err != nil {
		t.Fatalf("OpenActive: %v", err)
	}
	h.settle()
	if _, err := h.a.Send(id, make([]byte, 1500)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	h.settle()

	m := h.b.Metrics()
	if m.ConnectionsOpened != 1 {
		t.Fatalf("connections opened = %d, want 1", m.ConnectionsOpened)
	}
	if m.BytesDelivered != 1500 {
		t.Fatalf("bytes delivered = %d, want 1500", m.BytesDelivered)
	}
	if m.SegmentsIn == 0 || m.SegmentsOut == 0 {
		t.Fatalf("segment counters not moving: in=%d out=%d", m.SegmentsIn, m.SegmentsOut)
	}
}

// ---- harness ----

// testClock is a hand-driven clock shared by both engines in a harness.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// queuedPath buffers transmitted segments so the test controls delivery
// order and timing; transmitting never re-enters an engine.
type queuedPath struct {
	mu    sync.Mutex
	queue []queuedSeg
	hold  bool
	drop  func(data []byte) bool
}

type queuedSeg struct {
	remote core.Endpoint
	data   []byte
}

func (p *queuedPath) Transmit(remote core.Endpoint, segment []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.drop != nil && p.drop(segment) {
		return nil
	}
	p.queue = append(p.queue, queuedSeg{remote, append([]byte(nil), segment...)})
	return nil
}

func (p *queuedPath) take() []queuedSeg {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.hold {
		return nil
	}
	out := p.queue
	p.queue = nil
	return out
}

type harness struct {
	t    *testing.T
	clk  *testClock
	a, b *Engine
	aObs *recordingObserver
	bObs *recordingObserver
	// aToB carries A's output toward B, bToA the reverse.
	aToB *queuedPath
	bToA *queuedPath
}

func newHarness(t *testing.T) *harness {
	return newHarnessConfig(t, core.EngineConfig{MSS: 1000})
}

func newHarnessConfig(t *testing.T, cfg core.EngineConfig) *harness {
	t.Helper()
	h := &harness{
		t:    t,
		clk:  newTestClock(),
		aObs: newRecordingObserver(),
		bObs: newRecordingObserver(),
		aToB: &queuedPath{},
		bToA: &queuedPath{},
	}
	var err error
	h.a, err = NewEngine(cfg, 1500, h.aToB, h.aObs)
	if err != nil {
		t.Fatalf("NewEngine a: %v", err)
	}
	h.b, err = NewEngine(cfg, 1500, h.bToA, h.bObs)
	if err != nil {
		t.Fatalf("NewEngine b: %v", err)
	}
	h.a.now = h.clk.now
	h.b.now = h.clk.now
	return h
}

func (h *harness) stop() {
	h.a.Stop()
	h.b.Stop()
}

// pump delivers every queued segment until both directions drain.
func (h *harness) pump() {
	h.t.Helper()
	for round := 0; round < 200; round++ {
		moved := false
		for _, q := range h.aToB.take() {
			h.b.Deliver(core.Endpoint{Addr: q.remote.Addr}, core.Endpoint{Addr: addrA}, q.data)
			moved = true
		}
		for _, q := range h.bToA.take() {
			h.a.Deliver(core.Endpoint{Addr: q.remote.Addr}, core.Endpoint{Addr: addrB}, q.data)
			moved = true
		}
		if !moved {
			return
		}
	}
	h.t.Fatal("segments still in flight after 200 pump rounds")
}

// settle pumps and fires short timers (delayed acks) until the network is
// quiet. Retransmission timers stay out of reach: each round advances the
// clock well below the minimum RTO.
func (h *harness) settle() {
	h.t.Helper()
	for i := 0; i < 50; i++ {
		h.pump()
		h.clk.advance(20 * time.Millisecond)
		h.a.tick(h.clk.now())
		h.b.tick(h.clk.now())
		h.aToB.mu.Lock()
		aEmpty := len(h.aToB.queue) == 0
		h.aToB.mu.Unlock()
		h.bToA.mu.Lock()
		bEmpty := len(h.bToA.queue) == 0
		h.bToA.mu.Unlock()
		if aEmpty && bEmpty {
			return
		}
	}
}

func (h *harness) receiveAll(e *Engine, id uint64) []byte {
	h.t.Helper()
	var out []byte
	for {
		chunk, err := e.Receive(id, 0)
		if err != nil || len(chunk) == 0 {
			return out
		}
		out = append(out, chunk...)
	}
}

// recordingObserver collects lifecycle notifications for assertions.
type recordingObserver struct {
	mu          sync.Mutex
	established []uint64
	closed      map[uint64]core.CloseReason
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{closed: make(map[uint64]core.CloseReason)}
}

func (o *recordingObserver) ConnectionEstablished(id uint64) {
	o.mu.Lock()
	o.established = append(o.established, id)
	o.mu.Unlock()
}

func (o *recordingObserver) ConnectionClosed(id uint64, reason core.CloseReason) {
	o.mu.Lock()
	o.closed[id] = reason
	o.mu.Unlock()
}

func (o *recordingObserver) establishedCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.established)
}

func (o *recordingObserver) firstEstablished() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.established) == 0 {
		return 0
	}
	return o.established[0]
}

func (o *recordingObserver) closedReason(id uint64) core.CloseReason {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed[id]
}

// capturePath decodes and records everything an engine emits, for
// single-engine tests that inspect the wire.
type capturePath struct {
	local netip.Addr
	mu    sync.Mutex
	sent  []*Segment
}

func (p *capturePath) Transmit(remote core.Endpoint, segment []byte) error {
	seg, err := Decode(segment, p.local, remote.Addr)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.sent = append(p.sent, seg)
	p.mu.Unlock()
	return nil
}

func (p *capturePath) drain() []*Segment {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.sent
	p.sent = nil
	return out
}

func (p *capturePath) last() *Segment {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sent) == 0 {
		return nil
	}
	return p.sent[len(p.sent)-1]
}

func newTestEngine(t *testing.T, cfg core.EngineConfig, path core.NetworkPath, obs core.ConnectionObserver) (*Engine, *testClock) {
	t.Helper()
	e, err := NewEngine(cfg, 1500, path, obs)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	clk := newTestClock()
	e.now = clk.now
	return e, clk
}

// deliverSeg encodes seg as if sent from src and feeds it to the engine at
// dst.
func deliverSeg(e *Engine, src, dst netip.Addr, seg *Segment) {
	data, err := seg.Encode(src, dst, 1500)
	if err != nil {
		panic(err)
	}
	e.Deliver(core.Endpoint{Addr: dst}, core.Endpoint{Addr: src}, data)
}
