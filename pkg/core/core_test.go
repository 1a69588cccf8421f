package core

import (
	"net/netip"
	"testing"
)

func TestEndpointString(t *testing.T) {
	e := Endpoint{Addr: netip.MustParseAddr("10.0.0.2"), Port: 8080}
	if got := e.String(); got != "10.0.0.2:8080" {
		t.Fatalf("endpoint string %q", got)
	}
	if !e.IsValid() {
		t.Fatal("endpoint should be valid")
	}
	var zero Endpoint
	if zero.IsValid() {
		t.Fatal("zero endpoint should be invalid")
	}
}

func TestProtocolTagging(t *testing.T) {
	if p := ProtocolFromNumber(6); !p.Known() || p.Number() != 6 || p.String() != "tcp" {
		t.Fatalf("tcp not recognized: %v", p)
	}
	if p := ProtocolFromNumber(99); p.Known() {
		t.Fatal("protocol 99 should be unknown")
	}
	// Unknown protocols keep their raw value.
	if p := ProtocolFromNumber(99); p.Number() != 99 || p.String() != "proto-99" {
		t.Fatalf("unknown protocol lost raw value: %v", p)
	}
}

type captureHandler struct {
	local, remote Endpoint
	payload       []byte
	calls         int
}

func (c *captureHandler) Deliver(local, remote Endpoint, payload []byte) {
	c.local, c.remote, c.payload = local, remote, payload
	c.calls++
}

func TestRegistryDispatch(t *testing.T) {
	reg := NewRegistry()
	h := &captureHandler{}
	reg.Register(ProtocolTCP, h)

	local := Endpoint{Addr: netip.MustParseAddr("10.0.0.1"), Port: 80}
	remote := Endpoint{Addr: netip.MustParseAddr("10.0.0.2"), Port: 4000}

	if !reg.Dispatch(ProtocolTCP, local, remote, []byte{1, 2, 3}) {
		t.Fatal("dispatch to registered handler failed")
	}
	if h.calls != 1 || len(h.payload) != 3 {
		t.Fatalf("handler saw calls=%d payload=%v", h.calls, h.payload)
	}
	if reg.Dispatch(ProtocolUDP, local, remote, nil) {
		t.Fatal("dispatch to unregistered protocol should report false")
	}
}

func TestBufferPrepend(t *testing.T) {
	b := GetBuffer(100)
	defer b.Release()

	if len(b.Payload()) != 100 {
		t.Fatalf("payload len %d", len(b.Payload()))
	}
	hdr, ok := b.Prepend(20)
	if !ok || len(hdr) != 20 {
		t.Fatalf("prepend 20 failed: ok=%v len=%d", ok, len(hdr))
	}
	if len(b.Payload()) != 120 {
		t.Fatalf("payload after prepend %d", len(b.Payload()))
	}
	// Headroom is finite; over-prepending must fail rather than shift data.
	if _, ok := b.Prepend(DefaultHeadroom); ok {
		t.Fatal("prepend past headroom should fail")
	}
}

func TestBufferTrim(t *testing.T) {
	b := GetBuffer(100)
	defer b.Release()
	b.Trim(10)
	if len(b.Payload()) != 10 {
		t.Fatalf("trim left %d", len(b.Payload()))
	}
}
