package tcp

// congestionControl is a minimal interface for pluggable congestion
// algorithms governing how much unacknowledged data a connection may keep
// in flight.
type congestionControl interface {
	// cwnd returns the current congestion window in bytes.
	cwnd() int
	// onAck informs the controller of one acknowledgment that advanced
	// send.una.
	onAck()
	// onTimeout informs the controller of a retransmission-timeout loss.
	onTimeout()
	// onFastRetransmit informs the controller of a triple-duplicate-ack
	// loss.
	onFastRetransmit()
}

// newCongestionControl constructs a controller by name. "reno" is the
// default and currently the only algorithm.
func newCongestionControl(name string, mss, ssthresh int) congestionControl {
	switch name {
	case "", "reno":
		return newReno(mss, ssthresh)
	default:
		return newReno(mss, ssthresh)
	}
}

type reno struct {
	mss      int
	window   int // bytes
	ssthresh int // bytes
}

func newReno(mss, ssthresh int) *reno {
	if mss <= 0 {
		mss = 1460
	}
	if ssthresh < 2*mss {
		ssthresh = 2 * mss
	}
	return &reno{mss: mss, window: mss, ssthresh: ssthresh}
}

func (r *reno) cwnd() int { return r.window }

func (r *reno) onAck() {
	if r.window < r.ssthresh {
		// Slow start: exponential growth per round trip.
		r.window += r.mss
		return
	}
	// Congestion avoidance: roughly one MSS per round trip.
	add := r.mss * r.mss / r.window
	if add < 1 {
		add = 1
	}
	r.window += add
}

func (r *reno) halve() {
	ssth := r.window / 2
	if ssth < 2*r.mss {
		ssth = 2 * r.mss
	}
	r.ssthresh = ssth
}

func (r *reno) onTimeout() {
	r.halve()
	r.window = r.mss
}

func (r *reno) onFastRetransmit() {
	// Fast recovery: resume from the new threshold, no full reset.
	r.halve()
	r.window = r.ssthresh
}
