package tcp

import "time"

// rttEstimator keeps the smoothed round-trip model that derives the
// retransmission timeout: srtt += (m-srtt)/8, rttvar += (|m-srtt|-rttvar)/4,
// rto = clamp(srtt + 4*rttvar, min, max).
type rttEstimator struct {
	srtt   time.Duration
	rttvar time.Duration
	rto    time.Duration
	min    time.Duration
	max    time.Duration
}

func newRTTEstimator(min, max time.Duration) rttEstimator {
	return rttEstimator{rto: time.Second, min: min, max: max}
}

// sample feeds one round-trip measurement. Samples must come only from
// segments that were never retransmitted; the caller enforces that.
func (e *rttEstimator) sample(m time.Duration) {
	if m <= 0 {
		return
	}
	if e.srtt == 0 {
		e.srtt = m
		e.rttvar = m / 2
	} else {
		diff := e.srtt - m
		if diff < 0 {
			diff = -diff
		}
		e.rttvar += (diff - e.rttvar) / 4
		e.srtt += (m - e.srtt) / 8
	}
	e.rto = e.clamp(e.srtt + 4*e.rttvar)
}

// backoff doubles the timeout after an expiry, up to the ceiling.
func (e *rttEstimator) backoff() {
	e.rto = e.clamp(e.rto * 2)
}

func (e *rttEstimator) clamp(d time.Duration) time.Duration {
	if d < e.min {
		return e.min
	}
	if d > e.max {
		return e.max
	}
	return d
}

// rtxEntry is one transmitted-but-unacknowledged segment.
type rtxEntry struct {
	seg      *Segment
	firstSeq uint32
	sentAt   time.Time
	deadline time.Time
	retries  int
}

// endSeq is the first sequence number past this entry.
func (e *rtxEntry) endSeq() uint32 {
	return e.firstSeq + e.seg.seqLen()
}

// rtxQueue holds unacknowledged segments ordered by sequence number. Its
// entries exactly cover [send.una, send.nxt).
type rtxQueue struct {
	entries []*rtxEntry
}

func (q *rtxQueue) push(e *rtxEntry) {
	q.entries = append(q.entries, e)
}

func (q *rtxQueue) empty() bool { return len(q.entries) == 0 }

func (q *rtxQueue) head() *rtxEntry {
	if len(q.entries) == 0 {
		return nil
	}
	return q.entries[0]
}

// ackThrough drops entries fully covered by ack and returns the number of
// entries removed plus an RTT sample from the oldest newly-acked segment.
// Only never-retransmitted segments yield a sample, so an ack ambiguous
// about which transmission it answers cannot skew the estimator. Acking the
// same number twice removes nothing and samples nothing.
func (q *rtxQueue) ackThrough(ack uint32, now time.Time) (removed int, sample time.Duration, sampled bool) {
	for len(q.entries) > 0 {
		head := q.entries[0]
		if !seqLEQ(head.endSeq(), ack) {
			break
		}
		if !sampled && head.retries == 0 && !head.sentAt.IsZero() {
			if d := now.Sub(head.sentAt); d > 0 {
				sample, sampled = d, true
			}
		}
		q.entries[0] = nil
		q.entries = q.entries[1:]
		removed++
	}
	return removed, sample, sampled
}

// clear drops every entry, used on abort.
func (q *rtxQueue) clear() {
	q.entries = nil
}
