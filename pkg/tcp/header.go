package tcp

import (
	"encoding/binary"
	"errors"
	"net/netip"

	"github.com/irctrakz/tcpstack/pkg/core"
)

// Segment wire format: the classic fixed 20-byte header, options padded to a
// 4-byte multiple, then payload. All multi-byte fields are big-endian on the
// wire regardless of host order. The checksum is the internet checksum over
// a pseudo-header (source address, destination address, protocol number,
// segment length) plus the segment itself.

// HeaderLen is the fixed header size without options.
const HeaderLen = 20

// Decode errors.
var (
	// ErrTooShort means the buffer holds fewer bytes than the declared
	// header length (or less than the fixed header).
	ErrTooShort = errors.New("segment too short")
	// ErrInvalidChecksum means the internet checksum did not verify.
	ErrInvalidChecksum = errors.New("invalid segment checksum")
	// ErrSegmentTooLarge means encoding would exceed the transport MTU.
	// That is a caller error, never silent truncation.
	ErrSegmentTooLarge = errors.New("segment exceeds MTU")
)

// Flags is the segment flag set.
type Flags uint8

const (
	FlagFIN Flags = 0x01
	FlagSYN Flags = 0x02
	FlagRST Flags = 0x04
	FlagPSH Flags = 0x08
	FlagACK Flags = 0x10
	FlagURG Flags = 0x20
)

// Has reports whether all flags in mask are set.
func (f Flags) Has(mask Flags) bool { return f&mask == mask }

func (f Flags) String() string {
	names := []struct {
		bit  Flags
		name string
	}{
		{FlagSYN, "SYN"}, {FlagACK, "ACK"}, {FlagFIN, "FIN"},
		{FlagRST, "RST"}, {FlagPSH, "PSH"}, {FlagURG, "URG"},
	}
	out := ""
	for _, n := range names {
		if f&n.bit != 0 {
			if out != "" {
				out += "|"
			}
			out += n.name
		}
	}
	if out == "" {
		out = "none"
	}
	return out
}

// Segment is one decoded transport-protocol unit.
type Segment struct {
	SrcPort uint16
	DstPort uint16
	Seq     uint32
	Ack     uint32
	Flags   Flags
	Window  uint16
	Urgent  uint16
	Options []byte
	Payload []byte
}

// seqLen returns how much sequence space the segment occupies. SYN and FIN
// each consume one number beyond the payload.
func (s *Segment) seqLen() uint32 {
	n := uint32(len(s.Payload))
	if s.Flags.Has(FlagSYN) {
		n++
	}
	if s.Flags.Has(FlagFIN) {
		n++
	}
	return n
}

func (s *Segment) wireLen() int {
	return HeaderLen + optionsLen(s.Options) + len(s.Payload)
}

// optionsLen is the padded on-wire size of the options block.
func optionsLen(opts []byte) int {
	n := len(opts)
	if n%4 != 0 {
		n += 4 - n%4
	}
	return n
}

// Decode parses one segment from data, verifying the declared header length
// and the checksum computed against the src/dst pseudo-header.
func Decode(data []byte, src, dst netip.Addr) (*Segment, error) {
	if len(data) < HeaderLen {
		return nil, ErrTooShort
	}
	headerLen := int(data[12]>>4) * 4
	if headerLen < HeaderLen || headerLen > len(data) {
		return nil, ErrTooShort
	}
	if pseudoChecksum(data, src, dst) != 0 {
		return nil, ErrInvalidChecksum
	}

	s := &Segment{
		SrcPort: binary.BigEndian.Uint16(data[0:2]),
		DstPort: binary.BigEndian.Uint16(data[2:4]),
		Seq:     binary.BigEndian.Uint32(data[4:8]),
		Ack:     binary.BigEndian.Uint32(data[8:12]),
		Flags:   Flags(data[13] & 0x3f),
		Window:  binary.BigEndian.Uint16(data[14:16]),
		Urgent:  binary.BigEndian.Uint16(data[18:20]),
	}
	if headerLen > HeaderLen {
		s.Options = append([]byte(nil), data[HeaderLen:headerLen]...)
	}
	if headerLen < len(data) {
		s.Payload = append([]byte(nil), data[headerLen:]...)
	}
	return s, nil
}

// Encode serializes the segment, failing with ErrSegmentTooLarge when the
// wire length would exceed mtu.
func (s *Segment) Encode(src, dst netip.Addr, mtu int) ([]byte, error) {
	n := s.wireLen()
	if n > mtu {
		return nil, ErrSegmentTooLarge
	}
	data := make([]byte, n)
	s.marshalInto(data, src, dst)
	return data, nil
}

// EncodeBuffer serializes into a pooled buffer: payload first, header
// prepended via the buffer's cursor. The caller releases the buffer once the
// bytes have been handed to the network path.
func (s *Segment) EncodeBuffer(src, dst netip.Addr, mtu int) (*core.Buffer, error) {
	n := s.wireLen()
	if n > mtu {
		return nil, ErrSegmentTooLarge
	}
	buf := core.GetBuffer(len(s.Payload))
	copy(buf.Payload(), s.Payload)
	// Options max out at 40 bytes, so the header always fits the headroom.
	if _, ok := buf.Prepend(HeaderLen + optionsLen(s.Options)); !ok {
		buf.Release()
		return nil, ErrSegmentTooLarge
	}
	s.marshalInto(buf.Payload(), src, dst)
	return buf, nil
}

// marshalInto writes the full wire image into data, which must be exactly
// wireLen() bytes.
func (s *Segment) marshalInto(data []byte, src, dst netip.Addr) {
	headerLen := HeaderLen + optionsLen(s.Options)

	binary.BigEndian.PutUint16(data[0:2], s.SrcPort)
	binary.BigEndian.PutUint16(data[2:4], s.DstPort)
	binary.BigEndian.PutUint32(data[4:8], s.Seq)
	binary.BigEndian.PutUint32(data[8:12], s.Ack)
	data[12] = byte(headerLen/4) << 4
	data[13] = byte(s.Flags)
	binary.BigEndian.PutUint16(data[14:16], s.Window)
	data[16], data[17] = 0, 0
	binary.BigEndian.PutUint16(data[18:20], s.Urgent)
	copy(data[HeaderLen:headerLen], s.Options)
	copy(data[headerLen:], s.Payload)

	csum := pseudoChecksum(data, src, dst)
	binary.BigEndian.PutUint16(data[16:18], csum)
}

// pseudoChecksum computes the internet checksum over the pseudo-header and
// the segment. Verifying a segment whose checksum field is filled yields 0.
func pseudoChecksum(segment []byte, src, dst netip.Addr) uint16 {
	sum := uint32(0)

	addSlice := func(b []byte) {
		for i := 0; i+1 < len(b); i += 2 {
			sum += uint32(binary.BigEndian.Uint16(b[i : i+2]))
		}
		if len(b)%2 == 1 {
			sum += uint32(uint16(b[len(b)-1]) << 8)
		}
	}

	sa := src.As4()
	da := dst.As4()
	addSlice(sa[:])
	addSlice(da[:])
	sum += uint32(core.ProtocolTCP.Number())
	sum += uint32(len(segment))
	addSlice(segment)

	for sum>>16 != 0 {
		sum = sum&0xffff + sum>>16
	}
	return ^uint16(sum)
}

// Option kinds carried on SYN segments.
const (
	optEnd = 0
	optNop = 1
	optMSS = 2
)

// mssOption encodes an MSS option block, padded for the header.
func mssOption(mss uint16) []byte {
	return []byte{optMSS, 4, byte(mss >> 8), byte(mss)}
}

// parseMSS scans the options block for an MSS option. Malformed options end
// the scan; the zero return means no usable MSS was present.
func parseMSS(opts []byte) uint16 {
	for i := 0; i < len(opts); {
		switch opts[i] {
		case optEnd:
			return 0
		case optNop:
			i++
		default:
			if i+1 >= len(opts) {
				return 0
			}
			l := int(opts[i+1])
			if l < 2 || i+l > len(opts) {
				return 0
			}
			if opts[i] == optMSS && l == 4 {
				return binary.BigEndian.Uint16(opts[i+2 : i+4])
			}
			i += l
		}
	}
	return 0
}
