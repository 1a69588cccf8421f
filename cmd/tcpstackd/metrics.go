package main

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/irctrakz/tcpstack/pkg/logging"
	"github.com/irctrakz/tcpstack/pkg/netudp"
	"github.com/irctrakz/tcpstack/pkg/tcp"
)

// runMetricsReporter logs engine and tunnel counters every interval seconds.
func runMetricsReporter(engine *tcp.Engine, path *netudp.Path, interval int) {
	ticker := time.NewTicker(time.Duration(interval) * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		m := engine.Metrics()
		logging.WithFields(logrus.Fields{
			"conns":        engine.ConnectionCount(),
			"seg_in":       m.SegmentsIn,
			"seg_out":      m.SegmentsOut,
			"bytes_in":     m.BytesIn,
			"bytes_out":    m.BytesOut,
			"delivered":    m.BytesDelivered,
			"rtx":          m.Retransmits,
			"fast_rtx":     m.FastRetransmits,
			"dup_acks":     m.DupAcks,
			"csum_err":     m.ChecksumErrors,
			"datagrams_in": path.Received(),
			"drops":        path.Dropped(),
		}).Info("engine metrics")
	}
}
