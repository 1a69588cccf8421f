package tcp

import (
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/irctrakz/tcpstack/pkg/logging"
)

// tracer appends every segment the engine sends or receives to a pcap file
// readable by standard capture tooling. Segments are wrapped in a synthetic
// IPv4 header since the engine itself sits above the network layer.
type tracer struct {
	mu sync.Mutex
	f  *os.File
	w  *pcapgo.Writer
}

func newTracer(path string) (*tracer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(65535, layers.LinkTypeRaw); err != nil {
		f.Close()
		return nil, err
	}
	logging.Infof("segment trace: %s", path)
	return &tracer{f: f, w: w}, nil
}

// record writes one segment. Trace failures are logged and otherwise
// ignored; capture must never disturb the data path.
func (t *tracer) record(src, dst netip.Addr, segment []byte) {
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    src.AsSlice(),
		DstIP:    dst.AsSlice(),
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, gopacket.Payload(segment)); err != nil {
		logging.Debugf("trace: serialize: %v", err)
		return
	}
	pkt := buf.Bytes()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.w == nil {
		return
	}
	ci := gopacket.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: len(pkt),
		Length:        len(pkt),
	}
	if err := t.w.WritePacket(ci, pkt); err != nil {
		logging.Debugf("trace: write: %v", err)
	}
}

func (t *tracer) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.f != nil {
		t.f.Close()
		t.f = nil
		t.w = nil
	}
}
