package tcp

import (
	"bytes"
	"testing"
)

func TestSendAvailable(t *testing.T) {
	s := sendState{una: 1000, nxt: 1300, wnd: 500}
	if got := s.available(); got != 200 {
		t.Fatalf("available = %d, want 200", got)
	}

	s.nxt = 1500 // window exactly full
	if got := s.available(); got != 0 {
		t.Fatalf("available at full window = %d, want 0", got)
	}

	s.nxt = 1600 // window overrun must clamp, not wrap
	if got := s.available(); got != 0 {
		t.Fatalf("available past window = %d, want 0", got)
	}
}

func TestSendAvailableAcrossWraparound(t *testing.T) {
	s := sendState{una: 0xffffff00, nxt: 0x00000020, wnd: 1000}
	inFlight := uint32(0x120)
	if got := s.available(); got != 1000-inFlight {
		t.Fatalf("available across wraparound = %d, want %d", got, 1000-inFlight)
	}
}

func TestAckAcceptable(t *testing.T) {
	s := sendState{una: 1000, nxt: 1500}
	cases := []struct {
		ack  uint32
		want bool
	}{
		{1000, false}, // duplicate of current una
		{1001, true},
		{1500, true}, // everything in flight
		{1501, false},
		{900, false},
	}
	for _, tc := range cases {
		if got := s.ackAcceptable(tc.ack); got != tc.want {
			t.Errorf("ackAcceptable(%d) = %v, want %v", tc.ack, got, tc.want)
		}
	}
}

func TestRecvTrimDispositions(t *testing.T) {
	r := recvState{nxt: 1000, wnd: 500}

	// Entirely old data.
	if _, _, disp := r.trim(900, make([]byte, 100)); disp != segDuplicate {
		t.Fatalf("fully delivered range: disp = %v, want duplicate", disp)
	}
	// Entirely beyond the window.
	if _, _, disp := r.trim(1500, make([]byte, 10)); disp != segBeyond {
		t.Fatalf("past window: disp = %v, want beyond", disp)
	}
	// Exactly in order.
	seq, p, disp := r.trim(1000, make([]byte, 100))
	if disp != segAcceptable || seq != 1000 || len(p) != 100 {
		t.Fatalf("in-order: seq=%d len=%d disp=%v", seq, len(p), disp)
	}
}

func TestRecvTrimClipsFrontAndTail(t *testing.T) {
	r := recvState{nxt: 1000, wnd: 100}

	payload := []byte("0123456789")
	// Starts 5 bytes below nxt: the first half is already delivered.
	seq, p, disp := r.trim(995, payload)
	if disp != segAcceptable {
		t.Fatalf("disp = %v, want acceptable", disp)
	}
	if seq != 1000 || !bytes.Equal(p, []byte("56789")) {
		t.Fatalf("front clip: seq=%d payload=%q", seq, p)
	}

	// Runs 20 bytes past the window edge.
	big := make([]byte, 120)
	seq, p, disp = r.trim(1000, big)
	if disp != segAcceptable || seq != 1000 || len(p) != 100 {
		t.Fatalf("tail clip: seq=%d len=%d disp=%v", seq, len(p), disp)
	}
}

func TestRecvZeroWindowRejectsData(t *testing.T) {
	r := recvState{nxt: 1000, wnd: 0}
	if _, _, disp := r.trim(1000, []byte("x")); disp != segBeyond {
		t.Fatalf("data into zero window: disp = %v, want beyond", disp)
	}
	// A bare ack probe at nxt stays acceptable.
	if _, _, disp := r.trim(1000, nil); disp != segAcceptable {
		t.Fatalf("empty segment at nxt: disp = %v, want acceptable", disp)
	}
}
