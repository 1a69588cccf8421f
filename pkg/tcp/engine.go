// Package tcp implements a reliable, connection-oriented transport engine:
// per-connection state machine, sliding-window flow control, retransmission
// with adaptive timing, and congestion control. The network layer below and
// the application layer above are collaborators reached through the
// interfaces in pkg/core.
package tcp

import (
	"errors"
	"io"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/irctrakz/tcpstack/pkg/core"
	"github.com/irctrakz/tcpstack/pkg/logging"
)

// Application-boundary errors.
var (
	// ErrClosed means the connection is closed or closing and cannot
	// carry more data.
	ErrClosed = errors.New("connection closed")
	// ErrUnknownConnection means no connection exists for the id.
	ErrUnknownConnection = errors.New("unknown connection")
	// ErrPortInUse means a listener already owns the port.
	ErrPortInUse = errors.New("port already in use")
	// ErrConnectionExists means the endpoint pair is already connected.
	ErrConnectionExists = errors.New("connection already exists")
)

// Engine multiplexes many connections over one segment source and sink.
// Inbound segments, timer expiries and application calls all mutate only
// the control block they address, each guarded by its own mutex; the
// connection table is the sole shared structure.
type Engine struct {
	cfg  core.EngineConfig
	mtu  int
	path core.NetworkPath

	observer core.ConnectionObserver
	table    *connTable

	timerMu sync.Mutex
	timers  *timerQueue

	tracer *tracer

	metrics Metrics

	nextID uint64

	// now is replaceable so tests can drive time by hand.
	now func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewEngine builds an engine over the given network path. A nil observer
// discards lifecycle notifications. Zero config fields fall back to
// defaults.
func NewEngine(cfg core.EngineConfig, mtu int, path core.NetworkPath, observer core.ConnectionObserver) (*Engine, error) {
	if path == nil {
		return nil, errors.New("nil network path")
	}
	if observer == nil {
		observer = core.NopObserver{}
	}
	applyEngineDefaults(&cfg)
	if mtu <= 0 {
		mtu = 1500
	}

	e := &Engine{
		cfg:      cfg,
		mtu:      mtu,
		path:     path,
		observer: observer,
		table:    newConnTable(),
		timers:   newTimerQueue(),
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
	if cfg.TraceFile != "" {
		tr, err := newTracer(cfg.TraceFile)
		if err != nil {
			return nil, err
		}
		e.tracer = tr
	}
	logging.Infof("transport engine: mss=%d rto=%dms..%dms msl=%ds backlog=%d",
		cfg.MSS, cfg.RTOMinMS, cfg.RTOMaxMS, cfg.MSLSeconds, cfg.SynBacklog)
	return e, nil
}

func applyEngineDefaults(cfg *core.EngineConfig) {
	if cfg.MSS <= 0 {
		cfg.MSS = 1460
	}
	if cfg.RTOMinMS <= 0 {
		cfg.RTOMinMS = 200
	}
	if cfg.RTOMaxMS <= 0 {
		cfg.RTOMaxMS = 60000
	}
	if cfg.MSLSeconds <= 0 {
		cfg.MSLSeconds = 30
	}
	if cfg.RetryLimit <= 0 {
		cfg.RetryLimit = 5
	}
	if cfg.DupAckThreshold <= 0 {
		cfg.DupAckThreshold = 3
	}
	if cfg.SendBufferHighWater <= 0 {
		cfg.SendBufferHighWater = 256 * 1024
	}
	if cfg.RecvWindow <= 0 {
		cfg.RecvWindow = 65535
	}
	if cfg.SynBacklog <= 0 {
		cfg.SynBacklog = 16
	}
	if cfg.InitialSsthresh <= 0 {
		cfg.InitialSsthresh = 64 * 1024
	}
}

// Start launches the timer loop and, when configured, the idle reaper.
func (e *Engine) Start() {
	go e.timerLoop()
	if e.cfg.IdleLifetimeSeconds > 0 {
		go e.reaper()
	}
}

// Stop halts background work and closes the trace file. Connections are
// left in place; callers close them individually if needed.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
		if e.tracer != nil {
			e.tracer.close()
		}
	})
}

func (e *Engine) timerLoop() {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.tick(e.now())
		}
	}
}

func (e *Engine) reaper() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	lifetime := time.Duration(e.cfg.IdleLifetimeSeconds) * time.Second
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			cutoff := e.now().Add(-lifetime)
			for _, c := range e.table.snapshot() {
				c.mu.Lock()
				if c.state != stateClosed && c.lastActivity.Before(cutoff) {
					logging.Debugf("conn %s expired after idle lifetime", c.key)
					e.abortLocked(c, core.CloseIdle, true)
				}
				events := c.takeEvents()
				c.mu.Unlock()
				runEvents(events)
			}
		}
	}
}

// tick processes every timer due at now. One expiry is handled to
// completion before the next; a stale handle (superseded while the entry
// was in flight) is skipped.
func (e *Engine) tick(now time.Time) {
	e.timerMu.Lock()
	due := e.timers.expire(now)
	e.timerMu.Unlock()

	for _, entry := range due {
		c := e.table.lookup(entry.key)
		if c == nil {
			continue
		}
		c.mu.Lock()
		switch entry.kind {
		case timerRetransmit:
			if c.rtxTimer == entry.id {
				c.rtxTimer = 0
				e.onRetransmitTimeout(c, now)
			}
		case timerDelayedAck:
			if c.ackTimer == entry.id {
				c.ackTimer = 0
				e.sendAckNowLocked(c)
			}
		case timerTimeWait:
			if c.waitTimer == entry.id {
				c.waitTimer = 0
				e.removeLocked(c, core.CloseGraceful)
			}
		}
		events := c.takeEvents()
		c.mu.Unlock()
		runEvents(events)
	}
}

func runEvents(events []func()) {
	for _, fn := range events {
		fn()
	}
}

func (e *Engine) scheduleTimer(when time.Time, kind timerKind, key connKey) timerID {
	e.timerMu.Lock()
	defer e.timerMu.Unlock()
	return e.timers.schedule(when, kind, key)
}

func (e *Engine) cancelTimer(id timerID) {
	e.timerMu.Lock()
	e.timers.cancel(id)
	e.timerMu.Unlock()
}

// isV4 reports whether the address fits the 4-byte pseudo-header the
// checksum is computed over.
func isV4(a netip.Addr) bool {
	return a.Is4() || a.Is4In6()
}

// Deliver consumes one validated network-layer payload addressed to the
// local/remote pair. It never blocks and a malformed segment never disturbs
// any other connection. Deliver implements core.SegmentHandler.
func (e *Engine) Deliver(local, remote core.Endpoint, payload []byte) {
	e.metrics.addSegmentsIn(1)
	e.metrics.addBytesIn(uint64(len(payload)))

	if !isV4(local.Addr) || !isV4(remote.Addr) {
		e.metrics.addMalformed(1)
		logging.Debugf("dropping segment from %s: not an IPv4 address pair", remote)
		return
	}

	seg, err := Decode(payload, remote.Addr, local.Addr)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidChecksum):
			e.metrics.addChecksumErrors(1)
		default:
			e.metrics.addMalformed(1)
		}
		logging.Debugf("dropping segment from %s: %v", remote, err)
		return
	}
	if e.tracer != nil {
		e.tracer.record(remote.Addr, local.Addr, payload)
	}

	key := connKey{
		local:  core.Endpoint{Addr: local.Addr, Port: seg.DstPort},
		remote: core.Endpoint{Addr: remote.Addr, Port: seg.SrcPort},
	}

	if c := e.table.lookup(key); c != nil {
		c.mu.Lock()
		e.handleSegment(c, seg, e.now())
		events := c.takeEvents()
		c.mu.Unlock()
		runEvents(events)
		return
	}

	if l := e.table.lookupListener(seg.DstPort); l != nil {
		e.handleListenSegment(l, key, seg)
		return
	}

	// No connection, no listener: anything but a RST elicits a RST.
	e.respondNoConn(key, seg)
}

// respondNoConn answers a segment for which no state exists.
func (e *Engine) respondNoConn(key connKey, seg *Segment) {
	if seg.Flags.Has(FlagRST) {
		return
	}
	if seg.Flags.Has(FlagACK) {
		e.sendRST(key, seg.Ack, 0, FlagRST)
	} else {
		e.sendRST(key, 0, seg.Seq+seg.seqLen(), FlagRST|FlagACK)
	}
}

// handleListenSegment materializes a half-open connection from a SYN
// arriving on a listening port.
func (e *Engine) handleListenSegment(l *listener, key connKey, seg *Segment) {
	if seg.Flags.Has(FlagRST) {
		return
	}
	if seg.Flags.Has(FlagACK) || !seg.Flags.Has(FlagSYN) {
		// Nothing here to ack; tell the peer so it can bail out fast.
		e.respondNoConn(key, seg)
		return
	}
	if !l.reserve() {
		// Backlog full: drop silently, no ack, existing connections
		// unaffected.
		e.metrics.addBacklogDrops(1)
		logging.Debugf("listener :%d backlog full, dropping SYN from %s", l.port, key.remote)
		return
	}

	c := e.newConn(key)
	c.pendingListener = l
	c.state = stateSynReceived
	c.rcv.irs = seg.Seq
	c.rcv.nxt = seg.Seq + 1
	c.snd.wnd = uint32(seg.Window)
	if mss := parseMSS(seg.Options); mss > 0 && int(mss) < c.mss {
		c.mss = int(mss)
	}

	if !e.table.insert(c) {
		l.release()
		return
	}
	e.metrics.addConnectionsOpened(1)

	c.mu.Lock()
	synAck := &Segment{
		SrcPort: key.local.Port,
		DstPort: key.remote.Port,
		Seq:     c.snd.iss,
		Ack:     c.rcv.nxt,
		Flags:   FlagSYN | FlagACK,
		Window:  e.advWindowLocked(c),
		Options: mssOption(uint16(e.cfg.MSS)),
	}
	e.transmitLocked(c, synAck, e.now(), true)
	events := c.takeEvents()
	c.mu.Unlock()
	runEvents(events)
}

func (e *Engine) newConn(key connKey) *conn {
	iss := randomISN()
	c := &conn{
		id:  atomic.AddUint64(&e.nextID, 1),
		key: key,
		snd: sendState{una: iss, nxt: iss + 1, iss: iss},
		rcv: recvState{wnd: uint32(e.cfg.RecvWindow)},
		rtt: newRTTEstimator(
			time.Duration(e.cfg.RTOMinMS)*time.Millisecond,
			time.Duration(e.cfg.RTOMaxMS)*time.Millisecond,
		),
		cc:           newCongestionControl("reno", e.cfg.MSS, e.cfg.InitialSsthresh),
		mss:          e.cfg.MSS,
		ooo:          make(map[uint32][]byte),
		lastActivity: e.now(),
	}
	return c
}

// OpenPassive starts listening on a local port.
func (e *Engine) OpenPassive(localPort uint16) error {
	if !e.table.addListener(localPort, e.cfg.SynBacklog) {
		return ErrPortInUse
	}
	logging.Infof("listening on port %d", localPort)
	return nil
}

// ClosePassive stops listening on a local port. Established connections
// admitted through it live on.
func (e *Engine) ClosePassive(localPort uint16) {
	e.table.removeListener(localPort)
}

// OpenActive initiates a connection to remote and returns its id. The
// caller learns about completion through the observer.
func (e *Engine) OpenActive(local, remote core.Endpoint) (uint64, error) {
	if !local.IsValid() || !remote.IsValid() {
		return 0, errors.New("invalid endpoint")
	}
	if !isV4(local.Addr) || !isV4(remote.Addr) {
		return 0, errors.New("endpoint is not IPv4")
	}
	key := connKey{local: local, remote: remote}
	c := e.newConn(key)
	c.state = stateSynSent
	if !e.table.insert(c) {
		return 0, ErrConnectionExists
	}
	e.metrics.addConnectionsOpened(1)

	c.mu.Lock()
	syn := &Segment{
		SrcPort: local.Port,
		DstPort: remote.Port,
		Seq:     c.snd.iss,
		Flags:   FlagSYN,
		Window:  e.advWindowLocked(c),
		Options: mssOption(uint16(e.cfg.MSS)),
	}
	e.transmitLocked(c, syn, e.now(), true)
	c.mu.Unlock()

	logging.Debugf("conn %s: active open", key)
	return c.id, nil
}

// Send accepts bytes into the connection's send buffer, up to the
// configured high-water mark, and transmits as much as the effective
// window admits. It returns how many bytes were accepted; zero with a nil
// error means the buffer is full, try again.
func (e *Engine) Send(id uint64, p []byte) (int, error) {
	c := e.table.lookupID(id)
	if c == nil {
		return 0, ErrUnknownConnection
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case stateSynSent, stateSynReceived, stateEstablished, stateCloseWait:
	default:
		return 0, ErrClosed
	}
	if c.finQueued || c.finSent {
		return 0, ErrClosed
	}

	room := e.cfg.SendBufferHighWater - len(c.sendBuf)
	if room <= 0 {
		return 0, nil
	}
	n := len(p)
	if n > room {
		n = room
	}
	c.sendBuf = append(c.sendBuf, p[:n]...)
	c.touch(e.now())
	e.trySendLocked(c, e.now())
	return n, nil
}

// Receive drains up to maxLen in-order bytes. It never blocks: no data
// yields (nil, nil), and a drained connection whose peer has finished
// sending yields io.EOF.
func (e *Engine) Receive(id uint64, maxLen int) ([]byte, error) {
	c := e.table.lookupID(id)
	if c == nil {
		return nil, ErrUnknownConnection
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.recvBuf) == 0 {
		if c.peerFinSeen {
			return nil, io.EOF
		}
		if c.state == stateClosed {
			return nil, ErrClosed
		}
		return nil, nil
	}
	oldWnd := e.advWindowLocked(c)
	n := len(c.recvBuf)
	if maxLen > 0 && n > maxLen {
		n = maxLen
	}
	out := make([]byte, n)
	copy(out, c.recvBuf)
	c.recvBuf = c.recvBuf[n:]

	// Draining reopens the advertised window. When the peer last saw it
	// closed, or it grew by at least a full segment, say so now rather
	// than waiting for the next data-driven ack.
	switch c.state {
	case stateEstablished, stateFinWait1, stateFinWait2:
		newWnd := e.advWindowLocked(c)
		if (oldWnd == 0 && newWnd > 0) || int(newWnd)-int(oldWnd) >= c.mss {
			e.sendAckNowLocked(c)
		}
	}
	return out, nil
}

// Close starts a graceful close: queued data still drains, then our FIN
// follows. Connections that never established are dropped immediately.
func (e *Engine) Close(id uint64) error {
	c := e.table.lookupID(id)
	if c == nil {
		return ErrUnknownConnection
	}
	c.mu.Lock()
	switch c.state {
	case stateSynSent, stateSynReceived:
		e.abortLocked(c, core.CloseGraceful, false)
	case stateEstablished, stateCloseWait:
		c.finQueued = true
		e.trySendLocked(c, e.now())
	default:
		// Already closing.
	}
	events := c.takeEvents()
	c.mu.Unlock()
	runEvents(events)
	return nil
}

// sendNow encodes one segment into a pooled buffer and hands it to the
// network path. The buffer returns to the pool once Transmit returns; the
// retransmission queue keeps its own Segment, not the wire bytes.
func (e *Engine) sendNow(key connKey, seg *Segment) {
	buf, err := seg.EncodeBuffer(key.local.Addr, key.remote.Addr, e.mtu)
	if err != nil {
		logging.Errorf("conn %s: encode %s seq=%d: %v", key, seg.Flags, seg.Seq, err)
		return
	}
	wire := buf.Payload()
	if e.tracer != nil {
		e.tracer.record(key.local.Addr, key.remote.Addr, wire)
	}
	if err := e.path.Transmit(key.remote, wire); err != nil {
		e.metrics.addTransmitErrors(1)
		logging.Debugf("conn %s: transmit: %v", key, err)
	} else {
		e.metrics.addSegmentsOut(1)
		e.metrics.addBytesOut(uint64(len(wire)))
	}
	buf.Release()
}

// sendRST emits a bare reset outside any control block.
func (e *Engine) sendRST(key connKey, seq, ack uint32, flags Flags) {
	rst := &Segment{
		SrcPort: key.local.Port,
		DstPort: key.remote.Port,
		Seq:     seq,
		Ack:     ack,
		Flags:   flags,
	}
	e.sendNow(key, rst)
}

// Metrics returns a consistent snapshot of the engine counters.
func (e *Engine) Metrics() MetricsSnapshot {
	return e.metrics.snapshot()
}

// ConnectionCount reports how many control blocks are live.
func (e *Engine) ConnectionCount() int {
	return e.table.count()
}
