package tcp

import (
	crand "crypto/rand"
	"encoding/binary"
	"sync"
	"time"

	"github.com/irctrakz/tcpstack/pkg/core"
	"github.com/irctrakz/tcpstack/pkg/logging"
)

// Connection state machine. Each control block owns its windows, its
// retransmission queue, its RTT model and its congestion controller; the
// engine feeds it inbound segments and application calls and it emits
// outbound segments through the engine's network path.

type connState int

const (
	stateClosed connState = iota
	stateListen
	stateSynSent
	stateSynReceived
	stateEstablished
	stateFinWait1
	stateFinWait2
	stateCloseWait
	stateClosing
	stateLastAck
	stateTimeWait
)

var stateNames = [...]string{
	"closed", "listen", "syn-sent", "syn-received", "established",
	"fin-wait-1", "fin-wait-2", "close-wait", "closing", "last-ack",
	"time-wait",
}

func (s connState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "invalid"
}

// conn is one connection control block. All fields below mu are guarded by
// it; methods with the Locked suffix require it held.
type conn struct {
	id  uint64
	key connKey

	mu    sync.Mutex
	state connState

	snd sendState
	rcv recvState

	rtt  rttEstimator
	cc   congestionControl
	mss  int
	rtxq rtxQueue

	dupAcks int

	// Out-of-order segments above rcv.nxt, keyed by sequence number.
	ooo      map[uint32][]byte
	oooBytes int

	// Application-side buffers.
	sendBuf []byte // accepted, not yet segmented
	recvBuf []byte // in-order, awaiting Receive

	// finQueued means the app closed; the FIN follows once sendBuf drains.
	finQueued bool
	finSent   bool

	// finSeq is the sequence number our FIN occupies.
	finSeq      uint32
	peerFinSeen bool

	rtxTimer  timerID
	ackTimer  timerID
	waitTimer timerID

	// Receive bytes not yet acknowledged, for the immediate-ack rule.
	unackedRecv int

	lastActivity time.Time

	// Listener whose half-open slot this connection holds, until it
	// establishes or dies.
	pendingListener *listener

	// Lifecycle notifications staged while locked, delivered after unlock.
	events []func()
}

func (c *conn) touch(now time.Time) {
	c.lastActivity = now
}

// takeEvents returns staged notifications and clears them. Call with mu
// held; run the result after releasing it.
func (c *conn) takeEvents() []func() {
	ev := c.events
	c.events = nil
	return ev
}

// randomISN draws the initial sequence number from crypto/rand. Predictable
// ISNs invite sequence-prediction attacks, so the fallback only exists for
// platforms with a broken entropy source.
func randomISN() uint32 {
	var b [4]byte
	if _, err := crand.Read(b[:]); err != nil {
		return uint32(time.Now().UnixNano())
	}
	return binary.BigEndian.Uint32(b[:])
}

// advWindowLocked is the receive window we advertise: configured window
// minus bytes the application has not drained yet.
func (e *Engine) advWindowLocked(c *conn) uint16 {
	w := e.cfg.RecvWindow - len(c.recvBuf)
	if w < 0 {
		w = 0
	}
	if w > 65535 {
		w = 65535
	}
	return uint16(w)
}

// handleSegment processes one inbound segment for an existing connection.
// Called with c.mu held.
func (e *Engine) handleSegment(c *conn, seg *Segment, now time.Time) {
	c.touch(now)
	c.rcv.wnd = uint32(e.advWindowLocked(c))

	if c.state == stateSynSent {
		e.handleSynSentLocked(c, seg, now)
		return
	}

	// Sequence acceptability comes before any transition. A rejected
	// segment gets a challenge ACK carrying the current receive state,
	// never a state change.
	trimmedSeq, payload, disp := c.rcv.trim(seg.Seq, seg.Payload)
	switch disp {
	case segDuplicate:
		if seg.Flags.Has(FlagRST) {
			return
		}
		// Duplicate FIN retransmissions still deserve an ack, and in
		// TIME-WAIT they restart the quiet period.
		if c.state == stateTimeWait && seg.Flags.Has(FlagFIN) {
			e.enterTimeWaitLocked(c)
		}
		e.sendAckNowLocked(c)
		return
	case segBeyond:
		if seg.Flags.Has(FlagRST) {
			return
		}
		e.sendAckNowLocked(c)
		return
	}

	if seg.Flags.Has(FlagRST) {
		logging.Debugf("conn %s: RST in %s, aborting", c.key, c.state)
		e.abortLocked(c, core.CloseReset, false)
		return
	}

	if seg.Flags.Has(FlagSYN) && c.state != stateSynReceived {
		// A SYN inside the window of a synchronized connection is a
		// protocol violation; challenge it.
		e.sendAckNowLocked(c)
		return
	}
	if c.state == stateSynReceived && seg.Flags.Has(FlagSYN) && !seg.Flags.Has(FlagACK) {
		// Peer retransmitted its SYN; our SYN+ACK was lost. The
		// retransmit timer will resend it.
		return
	}

	if !seg.Flags.Has(FlagACK) {
		return
	}
	if !e.processAckLocked(c, seg, now) {
		return
	}
	if c.state == stateClosed {
		return
	}

	if len(payload) > 0 {
		e.processPayloadLocked(c, trimmedSeq, payload, now)
	}

	if seg.Flags.Has(FlagFIN) {
		finSeq := seg.Seq + uint32(len(seg.Payload))
		e.processFinLocked(c, finSeq, now)
	}
}

// handleSynSentLocked covers the active-open handshake: the control block
// has no receive state yet, so the usual acceptability test does not apply.
func (e *Engine) handleSynSentLocked(c *conn, seg *Segment, now time.Time) {
	if seg.Flags.Has(FlagACK) && !c.snd.ackAcceptable(seg.Ack) {
		// Ack for data never sent. A RST for a bogus ack is ignored too.
		if !seg.Flags.Has(FlagRST) {
			e.sendRST(c.key, seg.Ack, 0, FlagRST)
		}
		return
	}
	if seg.Flags.Has(FlagRST) {
		e.abortLocked(c, core.CloseReset, false)
		return
	}
	if !seg.Flags.Has(FlagSYN) {
		return
	}

	c.rcv.irs = seg.Seq
	c.rcv.nxt = seg.Seq + 1
	if mss := parseMSS(seg.Options); mss > 0 && int(mss) < c.mss {
		c.mss = int(mss)
	}

	if seg.Flags.Has(FlagACK) {
		// SYN+ACK: handshake complete on our side.
		c.snd.una = seg.Ack
		c.snd.wnd = uint32(seg.Window)
		// The SYN round trip seeds the RTT estimate; the congestion
		// window starts growing only with data acks.
		if _, sample, sampled := c.rtxq.ackThrough(seg.Ack, now); sampled {
			c.rtt.sample(sample)
		}
		e.armRtxLocked(c)
		c.state = stateEstablished
		e.sendAckNowLocked(c)
		e.notifyEstablishedLocked(c)
		e.trySendLocked(c, now)
		return
	}

	// Simultaneous open: both sides sent SYN. Answer with SYN+ACK and
	// wait for the peer's ack of our SYN.
	c.state = stateSynReceived
	c.rtxq.clear()
	synAck := &Segment{
		SrcPort: c.key.local.Port,
		DstPort: c.key.remote.Port,
		Seq:     c.snd.iss,
		Ack:     c.rcv.nxt,
		Flags:   FlagSYN | FlagACK,
		Window:  e.advWindowLocked(c),
		Options: mssOption(uint16(e.cfg.MSS)),
	}
	e.transmitLocked(c, synAck, now, true)
}

// processAckLocked applies the acknowledgment side of a segment: advancing
// send.una, feeding the RTT estimator and congestion controller, counting
// duplicates, and driving the teardown transitions that key off acks. It
// reports false when the segment must not be processed further.
func (e *Engine) processAckLocked(c *conn, seg *Segment, now time.Time) bool {
	ack := seg.Ack

	if seqGT(ack, c.snd.nxt) {
		// Ack for data never sent: protocol violation, challenge it.
		e.metrics.addProtocolViolations(1)
		e.sendAckNowLocked(c)
		return false
	}

	if c.snd.ackAcceptable(ack) {
		c.snd.una = ack
		c.snd.wnd = uint32(seg.Window)
		c.dupAcks = 0

		removed, sample, sampled := c.rtxq.ackThrough(ack, now)
		if sampled {
			c.rtt.sample(sample)
		}
		if removed > 0 {
			c.cc.onAck()
		}
		e.armRtxLocked(c)

		switch c.state {
		case stateSynReceived:
			c.state = stateEstablished
			e.notifyEstablishedLocked(c)
		case stateFinWait1:
			if c.finSent && seqGT(ack, c.finSeq) {
				c.state = stateFinWait2
			}
		case stateClosing:
			if c.finSent && seqGT(ack, c.finSeq) {
				e.enterTimeWaitLocked(c)
			}
		case stateLastAck:
			if c.finSent && seqGT(ack, c.finSeq) {
				c.state = stateClosed
				e.removeLocked(c, core.CloseGraceful)
				return false
			}
		}

		e.trySendLocked(c, now)
		return true
	}

	// No advance. A pure repeat of the current ack with data outstanding
	// is a duplicate; a changed window is a window update that may unblock
	// sending.
	if uint32(seg.Window) != c.snd.wnd {
		c.snd.wnd = uint32(seg.Window)
		e.trySendLocked(c, now)
		return true
	}
	if ack == c.snd.una && len(seg.Payload) == 0 && !c.rtxq.empty() && seg.Flags&(FlagSYN|FlagFIN) == 0 {
		c.dupAcks++
		e.metrics.addDupAcks(1)
		if c.dupAcks >= e.cfg.DupAckThreshold {
			c.dupAcks = 0
			e.fastRetransmitLocked(c, now)
		}
	}
	return true
}

// processPayloadLocked consumes an in-window byte range that was already
// trimmed to the receive window.
func (e *Engine) processPayloadLocked(c *conn, seq uint32, payload []byte, now time.Time) {
	switch c.state {
	case stateEstablished, stateFinWait1, stateFinWait2:
	default:
		// Data after the peer's FIN, or on a half-closed path we no
		// longer read from. Ack and drop.
		e.sendAckNowLocked(c)
		return
	}

	if seq != c.rcv.nxt {
		// Gap: park the segment until the hole fills, bounded so a
		// hostile peer cannot balloon memory. Out-of-order arrival
		// acks immediately to request the missing data.
		if c.oooBytes+len(payload) <= e.cfg.RecvWindow {
			if _, dup := c.ooo[seq]; !dup {
				c.ooo[seq] = append([]byte(nil), payload...)
				c.oooBytes += len(payload)
			}
		}
		e.sendAckNowLocked(c)
		return
	}

	c.recvBuf = append(c.recvBuf, payload...)
	c.rcv.nxt += uint32(len(payload))
	c.unackedRecv += len(payload)
	e.metrics.addBytesDelivered(uint64(len(payload)))
	e.drainOOOLocked(c)

	// Delayed ack, unless a full segment of data is waiting.
	if c.unackedRecv > c.mss || e.cfg.DelayedAckMS <= 0 {
		e.sendAckNowLocked(c)
	} else {
		e.scheduleDelayedAckLocked(c, now)
	}
}

// drainOOOLocked moves contiguous out-of-order segments into the receive
// buffer as gaps close.
func (e *Engine) drainOOOLocked(c *conn) {
	for {
		advanced := false
		for seq, data := range c.ooo {
			end := seq + uint32(len(data))
			if seqLEQ(end, c.rcv.nxt) {
				// Fully below nxt now; stale.
				delete(c.ooo, seq)
				c.oooBytes -= len(data)
				advanced = true
				break
			}
			if seqLEQ(seq, c.rcv.nxt) {
				skip := uint32(seqDiff(c.rcv.nxt, seq))
				c.recvBuf = append(c.recvBuf, data[skip:]...)
				c.rcv.nxt = end
				c.unackedRecv += len(data[skip:])
				delete(c.ooo, seq)
				c.oooBytes -= len(data)
				advanced = true
				break
			}
		}
		if !advanced {
			return
		}
	}
}

// processFinLocked handles an in-order FIN at finSeq. A FIN beyond rcv.nxt
// means there is still a gap; the peer will retransmit it.
func (e *Engine) processFinLocked(c *conn, finSeq uint32, now time.Time) {
	if finSeq != c.rcv.nxt {
		return
	}
	c.rcv.nxt++
	c.peerFinSeen = true
	e.sendAckNowLocked(c)

	switch c.state {
	case stateEstablished:
		c.state = stateCloseWait
	case stateFinWait1:
		// Our FIN is still unacked, so both sides closed at once.
		c.state = stateClosing
	case stateFinWait2:
		e.enterTimeWaitLocked(c)
	}
}

// trySendLocked segments as much buffered data as the effective window
// (min of congestion and peer windows) admits, then emits a queued FIN once
// the buffer drains.
func (e *Engine) trySendLocked(c *conn, now time.Time) {
	switch c.state {
	case stateEstablished, stateCloseWait, stateFinWait1, stateClosing, stateLastAck:
	default:
		return
	}

	for len(c.sendBuf) > 0 {
		inFlight := seqDiff(c.snd.nxt, c.snd.una)
		budget := c.cc.cwnd()
		if int(c.snd.wnd) < budget {
			budget = int(c.snd.wnd)
		}
		budget -= int(inFlight)
		if budget <= 0 {
			break
		}
		n := len(c.sendBuf)
		if n > c.mss {
			n = c.mss
		}
		if n > budget {
			n = budget
		}
		payload := append([]byte(nil), c.sendBuf[:n]...)
		c.sendBuf = c.sendBuf[n:]

		flags := FlagACK
		if len(c.sendBuf) == 0 {
			flags |= FlagPSH
		}
		seg := &Segment{
			SrcPort: c.key.local.Port,
			DstPort: c.key.remote.Port,
			Seq:     c.snd.nxt,
			Ack:     c.rcv.nxt,
			Flags:   flags,
			Window:  e.advWindowLocked(c),
			Payload: payload,
		}
		e.transmitLocked(c, seg, now, true)
		c.snd.nxt += uint32(n)
	}

	if c.finQueued && !c.finSent && len(c.sendBuf) == 0 {
		e.sendFinLocked(c, now)
	}
}

// sendFinLocked emits our FIN, records the sequence number it occupies and
// moves the state machine into the matching close path.
func (e *Engine) sendFinLocked(c *conn, now time.Time) {
	c.finSent = true
	c.finSeq = c.snd.nxt
	switch c.state {
	case stateEstablished:
		c.state = stateFinWait1
	case stateCloseWait:
		c.state = stateLastAck
	}
	fin := &Segment{
		SrcPort: c.key.local.Port,
		DstPort: c.key.remote.Port,
		Seq:     c.snd.nxt,
		Ack:     c.rcv.nxt,
		Flags:   FlagFIN | FlagACK,
		Window:  e.advWindowLocked(c),
	}
	e.transmitLocked(c, fin, now, true)
	c.snd.nxt++
}

// sendAckNowLocked cancels any pending delayed ack and acknowledges the
// current receive state immediately.
func (e *Engine) sendAckNowLocked(c *conn) {
	if c.ackTimer != 0 {
		e.cancelTimer(c.ackTimer)
		c.ackTimer = 0
	}
	c.unackedRecv = 0
	ack := &Segment{
		SrcPort: c.key.local.Port,
		DstPort: c.key.remote.Port,
		Seq:     c.snd.nxt,
		Ack:     c.rcv.nxt,
		Flags:   FlagACK,
		Window:  e.advWindowLocked(c),
	}
	e.transmitLocked(c, ack, e.now(), false)
}

// scheduleDelayedAckLocked arms the coalescing timer if it is not already
// pending.
func (e *Engine) scheduleDelayedAckLocked(c *conn, now time.Time) {
	if c.ackTimer != 0 {
		return
	}
	delay := time.Duration(e.cfg.DelayedAckMS) * time.Millisecond
	c.ackTimer = e.scheduleTimer(now.Add(delay), timerDelayedAck, c.key)
}

// fastRetransmitLocked resends the oldest unacked segment after the
// duplicate-ack threshold trips, entering fast recovery.
func (e *Engine) fastRetransmitLocked(c *conn, now time.Time) {
	head := c.rtxq.head()
	if head == nil {
		return
	}
	c.cc.onFastRetransmit()
	e.metrics.addFastRetransmits(1)
	logging.Debugf("conn %s: fast retransmit seq=%d", c.key, head.firstSeq)
	e.resendLocked(c, head, now)
}

// resendLocked re-emits one queued segment with a current ack and window.
func (e *Engine) resendLocked(c *conn, entry *rtxEntry, now time.Time) {
	entry.retries++
	entry.sentAt = now
	entry.deadline = now.Add(c.rtt.rto)
	seg := entry.seg
	seg.Ack = c.rcv.nxt
	if seg.Flags.Has(FlagACK) {
		seg.Window = e.advWindowLocked(c)
	}
	e.metrics.addRetransmits(1)
	e.sendNow(c.key, seg)
	e.armRtxLocked(c)
}

// onRetransmitTimeout fires when the oldest unacked segment's deadline
// passes: resend with backed-off timeout, abort past the retry limit.
// Called with c.mu held.
func (e *Engine) onRetransmitTimeout(c *conn, now time.Time) {
	head := c.rtxq.head()
	if head == nil {
		return
	}
	if now.Before(head.deadline) {
		e.armRtxLocked(c)
		return
	}
	if head.retries >= e.cfg.RetryLimit {
		reason := core.CloseRetransmitLimit
		if c.state == stateSynSent || c.state == stateSynReceived {
			reason = core.CloseHandshakeTimeout
		}
		logging.Warnf("conn %s: retransmission limit exceeded (retries=%d, state=%s)",
			c.key, head.retries, c.state)
		e.abortLocked(c, reason, false)
		return
	}
	c.rtt.backoff()
	c.cc.onTimeout()
	e.resendLocked(c, head, now)
}

// armRtxLocked points the connection's retransmission timer at the oldest
// outstanding deadline, or disarms it when nothing is in flight.
func (e *Engine) armRtxLocked(c *conn) {
	if c.rtxTimer != 0 {
		e.cancelTimer(c.rtxTimer)
		c.rtxTimer = 0
	}
	if head := c.rtxq.head(); head != nil {
		c.rtxTimer = e.scheduleTimer(head.deadline, timerRetransmit, c.key)
	}
}

// enterTimeWaitLocked starts the 2*MSL quiet period so stray duplicates of
// this connection cannot be mistaken for a successor.
func (e *Engine) enterTimeWaitLocked(c *conn) {
	c.state = stateTimeWait
	c.rtxq.clear()
	if c.rtxTimer != 0 {
		e.cancelTimer(c.rtxTimer)
		c.rtxTimer = 0
	}
	if c.waitTimer != 0 {
		e.cancelTimer(c.waitTimer)
	}
	wait := 2 * time.Duration(e.cfg.MSLSeconds) * time.Second
	c.waitTimer = e.scheduleTimer(e.now().Add(wait), timerTimeWait, c.key)
}

// abortLocked tears the connection down immediately, discarding queued
// data. sendReset controls whether the peer is told.
func (e *Engine) abortLocked(c *conn, reason core.CloseReason, sendReset bool) {
	if c.state == stateClosed {
		return
	}
	if sendReset {
		e.sendRST(c.key, c.snd.nxt, c.rcv.nxt, FlagRST|FlagACK)
	}
	c.state = stateClosed
	c.rtxq.clear()
	c.sendBuf = nil
	c.ooo = nil
	e.removeLocked(c, reason)
}

// removeLocked cancels timers, releases any half-open slot, drops the block
// from the table and stages the closed notification.
func (e *Engine) removeLocked(c *conn, reason core.CloseReason) {
	for _, id := range []timerID{c.rtxTimer, c.ackTimer, c.waitTimer} {
		if id != 0 {
			e.cancelTimer(id)
		}
	}
	c.rtxTimer, c.ackTimer, c.waitTimer = 0, 0, 0
	if c.pendingListener != nil {
		c.pendingListener.release()
		c.pendingListener = nil
	}
	c.state = stateClosed
	e.table.remove(c)
	e.metrics.addConnectionsClosed(1)
	logging.Debugf("conn %s closed: %s", c.key, reason)
	id := c.id
	c.events = append(c.events, func() {
		e.observer.ConnectionClosed(id, reason)
	})
}

// notifyEstablishedLocked releases the listener backlog slot and stages the
// established notification.
func (e *Engine) notifyEstablishedLocked(c *conn) {
	if c.pendingListener != nil {
		c.pendingListener.release()
		c.pendingListener = nil
	}
	logging.Infof("conn %s established", c.key)
	id := c.id
	c.events = append(c.events, func() {
		e.observer.ConnectionEstablished(id)
	})
}

// transmitLocked encodes and sends one segment, queueing it for
// retransmission when it occupies sequence space.
func (e *Engine) transmitLocked(c *conn, seg *Segment, now time.Time, track bool) {
	if track && seg.seqLen() > 0 {
		c.rtxq.push(&rtxEntry{
			seg:      seg,
			firstSeq: seg.Seq,
			sentAt:   now,
			deadline: now.Add(c.rtt.rto),
		})
		if c.rtxTimer == 0 {
			e.armRtxLocked(c)
		}
	}
	e.sendNow(c.key, seg)
}
