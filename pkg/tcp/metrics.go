package tcp

import "sync/atomic"

// Metrics holds the engine counters. All fields are updated atomically so
// the hot paths never take a lock for accounting.
type Metrics struct {
	segmentsIn  uint64
	segmentsOut uint64
	bytesIn     uint64
	bytesOut    uint64

	bytesDelivered uint64

	checksumErrors uint64
	malformed      uint64
	backlogDrops   uint64
	transmitErrors uint64

	connectionsOpened uint64
	connectionsClosed uint64

	retransmits        uint64
	fastRetransmits    uint64
	dupAcks            uint64
	protocolViolations uint64
}

func (m *Metrics) addSegmentsIn(n uint64) { atomic.AddUint64(&m.segmentsIn, n) }

func (m *Metrics) addSegmentsOut(n uint64) { atomic.AddUint64(&m.segmentsOut, n) }

func (m *Metrics) addBytesIn(n uint64) { atomic.AddUint64(&m.bytesIn, n) }

func (m *Metrics) addBytesOut(n uint64) { atomic.AddUint64(&m.bytesOut, n) }

func (m *Metrics) addBytesDelivered(n uint64) { atomic.AddUint64(&m.bytesDelivered, n) }

func (m *Metrics) addChecksumErrors(n uint64) { atomic.AddUint64(&m.checksumErrors, n) }

func (m *Metrics) addMalformed(n uint64) { atomic.AddUint64(&m.malformed, n) }

func (m *Metrics) addBacklogDrops(n uint64) { atomic.AddUint64(&m.backlogDrops, n) }

func (m *Metrics) addTransmitErrors(n uint64) { atomic.AddUint64(&m.transmitErrors, n) }

func (m *Metrics) addConnectionsOpened(n uint64) { atomic.AddUint64(&m.connectionsOpened, n) }

func (m *Metrics) addConnectionsClosed(n uint64) { atomic.AddUint64(&m.connectionsClosed, n) }

func (m *Metrics) addRetransmits(n uint64) { atomic.AddUint64(&m.retransmits, n) }

func (m *Metrics) addFastRetransmits(n uint64) { atomic.AddUint64(&m.fastRetransmits, n) }

func (m *Metrics) addDupAcks(n uint64) { atomic.AddUint64(&m.dupAcks, n) }

func (m *Metrics) addProtocolViolations(n uint64) { atomic.AddUint64(&m.protocolViolations, n) }

// MetricsSnapshot is a point-in-time copy of the counters, safe to hand to
// callers and to log.
type MetricsSnapshot struct {
	SegmentsIn  uint64 `json:"segments_in"`
	SegmentsOut uint64 `json:"segments_out"`
	BytesIn     uint64 `json:"bytes_in"`
	BytesOut    uint64 `json:"bytes_out"`

	BytesDelivered uint64 `json:"bytes_delivered"`

	ChecksumErrors uint64 `json:"checksum_errors"`
	Malformed      uint64 `json:"malformed"`
	BacklogDrops   uint64 `json:"backlog_drops"`
	TransmitErrors uint64 `json:"transmit_errors"`

	ConnectionsOpened uint64 `json:"connections_opened"`
	ConnectionsClosed uint64 `json:"connections_closed"`

	Retransmits        uint64 `json:"retransmits"`
	FastRetransmits    uint64 `json:"fast_retransmits"`
	DupAcks            uint64 `json:"dup_acks"`
	ProtocolViolations uint64 `json:"protocol_violations"`
}

func (m *Metrics) snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		SegmentsIn:  atomic.LoadUint64(&m.segmentsIn),
		SegmentsOut: atomic.LoadUint64(&m.segmentsOut),
		BytesIn:     atomic.LoadUint64(&m.bytesIn),
		BytesOut:    atomic.LoadUint64(&m.bytesOut),

		BytesDelivered: atomic.LoadUint64(&m.bytesDelivered),

		ChecksumErrors: atomic.LoadUint64(&m.checksumErrors),
		Malformed:      atomic.LoadUint64(&m.malformed),
		BacklogDrops:   atomic.LoadUint64(&m.backlogDrops),
		TransmitErrors: atomic.LoadUint64(&m.transmitErrors),

		ConnectionsOpened: atomic.LoadUint64(&m.connectionsOpened),
		ConnectionsClosed: atomic.LoadUint64(&m.connectionsClosed),

		Retransmits:        atomic.LoadUint64(&m.retransmits),
		FastRetransmits:    atomic.LoadUint64(&m.fastRetransmits),
		DupAcks:            atomic.LoadUint64(&m.dupAcks),
		ProtocolViolations: atomic.LoadUint64(&m.protocolViolations),
	}
}
