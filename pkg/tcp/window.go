package tcp

// Window tracking is pure sequence arithmetic: no timers, no I/O. The send
// side answers "how many bytes may I emit", the receive side judges whether
// an arriving byte range is usable and trims it to the window.

// sendState tracks the outgoing sequence space.
type sendState struct {
	una uint32 // oldest unacknowledged sequence number
	nxt uint32 // next sequence number to send
	wnd uint32 // peer-advertised window
	iss uint32 // initial send sequence number
}

// available returns how many bytes the peer window still admits. In-flight
// data is nxt-una; the result never goes negative even across wraparound.
func (s *sendState) available() uint32 {
	inFlight := seqDiff(s.nxt, s.una)
	if inFlight < 0 {
		return 0
	}
	if uint32(inFlight) >= s.wnd {
		return 0
	}
	return s.wnd - uint32(inFlight)
}

// ackAcceptable reports whether ack acknowledges data we actually sent:
// una < ack <= nxt.
func (s *sendState) ackAcceptable(ack uint32) bool {
	return seqGT(ack, s.una) && seqLEQ(ack, s.nxt)
}

// recvState tracks the incoming sequence space.
type recvState struct {
	nxt uint32 // next expected sequence number
	wnd uint32 // locally advertised window
	irs uint32 // initial receive sequence number
}

// segDisposition classifies an arriving byte range against the window.
type segDisposition int

const (
	// segAcceptable: some part of the range is new; payload may have been
	// trimmed to the window.
	segAcceptable segDisposition = iota
	// segDuplicate: the range lies entirely below nxt. Ack it, drop payload.
	segDuplicate
	// segBeyond: the range lies entirely above the window. Drop, no ack
	// change.
	segBeyond
)

// accepts reports whether [seq, seq+length) overlaps [nxt, nxt+wnd).
func (r *recvState) accepts(seq uint32, length int) bool {
	if length == 0 {
		return seq == r.nxt || seqInRange(seq, r.nxt, r.wnd)
	}
	if r.wnd == 0 {
		return false
	}
	// Overlap: segment starts before the window ends and ends after the
	// window starts.
	end := seq + uint32(length)
	return seqLT(seq, r.nxt+r.wnd) && seqGT(end, r.nxt)
}

// trim classifies the segment and clips its payload to the window. For
// segAcceptable the returned seq/payload start at max(seq, nxt) and end
// within the advertised window.
func (r *recvState) trim(seq uint32, payload []byte) (uint32, []byte, segDisposition) {
	length := len(payload)
	if length == 0 {
		if r.accepts(seq, 0) {
			return seq, nil, segAcceptable
		}
		if seqLT(seq, r.nxt) {
			return seq, nil, segDuplicate
		}
		return seq, nil, segBeyond
	}

	end := seq + uint32(length)
	if seqLEQ(end, r.nxt) {
		return seq, nil, segDuplicate
	}
	if !r.accepts(seq, length) {
		return seq, nil, segBeyond
	}

	// Clip the front: bytes below nxt are already delivered.
	if seqLT(seq, r.nxt) {
		drop := uint32(seqDiff(r.nxt, seq))
		payload = payload[drop:]
		seq = r.nxt
	}
	// Clip the tail to the window edge.
	if limit := r.nxt + r.wnd; seqGT(seq+uint32(len(payload)), limit) {
		keep := uint32(seqDiff(limit, seq))
		payload = payload[:keep]
	}
	return seq, payload, segAcceptable
}
