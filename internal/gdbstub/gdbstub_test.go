package gdbstub

import (
	"errors"
	"testing"
)

type fakeHandler struct {
	regs        map[int]string
	numRegs     int
	stopReason  string
	continued   bool
	detached    bool
	failRegRead bool
}

func (h *fakeHandler) ReadRegister(id int) (string, error) {
	if h.failRegRead {
		return "", errors.New("register read failed")
	}
	return h.regs[id], nil
}

func (h *fakeHandler) NumRegisters() int           { return h.numRegs }
func (h *fakeHandler) StopReason() (string, error) { return h.stopReason, nil }
func (h *fakeHandler) Continue() error             { h.continued = true; return nil }
func (h *fakeHandler) Detach() error               { h.detached = true; return nil }

func packet(body string) []byte {
	return encodePacket([]byte(body))
}

func TestStopReasonRoundTrip(t *testing.T) {
	h := &fakeHandler{stopReason: "S05"}
	s := NewSession(h)
	s.Feed(packet("?"))

	out, err := s.Pump()
	if err != nil {
		t.Fatalf("Pump: %v", err)
	}
	want := append([]byte("+"), packet("S05")...)
	if string(out) != string(want) {
		t.Fatalf("got %q, want %q", out, want)
	}
}

func TestReadRegister(t *testing.T) {
	h := &fakeHandler{regs: map[int]string{0: "deadbeef"}}
	s := NewSession(h)
	s.Feed(packet("p0"))

	out, err := s.Pump()
	if err != nil {
		t.Fatalf("Pump: %v", err)
	}
	want := append([]byte("+"), packet("deadbeef")...)
	if string(out) != string(want) {
		t.Fatalf("got %q, want %q", out, want)
	}
}

func TestReadAllRegisters(t *testing.T) {
	h := &fakeHandler{
		numRegs: 3,
		regs: map[int]string{
			0: "0000000000000000",
			1: "1111111111111111",
			2: "2222222222222222",
		},
	}
	s := NewSession(h)
	s.Feed(packet("g"))

	out, err := s.Pump()
	if err != nil {
		t.Fatalf("Pump: %v", err)
	}
	want := append([]byte("+"), packet("0000000000000000"+"1111111111111111"+"2222222222222222")...)
	if string(out) != string(want) {
		t.Fatalf("got %q, want %q", out, want)
	}
}

func TestReadAllRegistersPropagatesError(t *testing.T) {
	h := &fakeHandler{numRegs: 1, failRegRead: true}
	s := NewSession(h)
	s.Feed(packet("g"))

	out, err := s.Pump()
	if err != nil {
		t.Fatalf("Pump: %v", err)
	}
	want := append([]byte("+"), packet("E01")...)
	if string(out) != string(want) {
		t.Fatalf("got %q, want %q", out, want)
	}
}

func TestNoAckModeTransition(t *testing.T) {
	h := &fakeHandler{}
	s := NewSession(h)
	s.Feed(packet("QStartNoAckMode"))

	out, err := s.Pump()
	if err != nil {
		t.Fatalf("Pump: %v", err)
	}
	want := append([]byte("+"), packet("OK")...)
	if string(out) != string(want) {
		t.Fatalf("got %q, want %q", out, want)
	}

	// Client acks the OK reply; no-ack mode now in effect.
	s.Feed([]byte("+"))
	if out, err := s.Pump(); err != nil || len(out) != 0 {
		t.Fatalf("ack consumption: out=%q err=%v", out, err)
	}

	h.stopReason = "S05"
	s.Feed(packet("?"))
	out, err = s.Pump()
	if err != nil {
		t.Fatalf("Pump after no-ack: %v", err)
	}
	if string(out) != string(packet("S05")) {
		t.Fatalf("expected unacked reply, got %q", out)
	}
}

func TestBadChecksumRequestsRetransmit(t *testing.T) {
	h := &fakeHandler{}
	s := NewSession(h)
	s.Feed([]byte("$?#00")) // wrong checksum for "?"

	out, err := s.Pump()
	if err != nil {
		t.Fatalf("Pump: %v", err)
	}
	if string(out) != "-" {
		t.Fatalf("got %q, want retransmit request %q", out, "-")
	}
}

func TestErrorReplyOnHandlerFailure(t *testing.T) {
	h := &fakeHandler{failRegRead: true}
	s := NewSession(h)
	s.Feed(packet("p0"))

	out, err := s.Pump()
	if err != nil {
		t.Fatalf("Pump: %v", err)
	}
	want := append([]byte("+"), packet("E01")...)
	if string(out) != string(want) {
		t.Fatalf("got %q, want %q", out, want)
	}
}

func TestContinueAndDetach(t *testing.T) {
	h := &fakeHandler{}
	s := NewSession(h)
	s.Feed(packet("c"))
	if _, err := s.Pump(); err != nil {
		t.Fatalf("Pump(c): %v", err)
	}
	if !h.continued {
		t.Fatalf("expected Continue to be called")
	}

	s.Feed(packet("D"))
	out, err := s.Pump()
	if err != nil {
		t.Fatalf("Pump(D): %v", err)
	}
	if !h.detached {
		t.Fatalf("expected Detach to be called")
	}
	want := append([]byte("+"), packet("OK")...)
	if string(out) != string(want) {
		t.Fatalf("got %q, want %q", out, want)
	}
}

func TestUnknownPrefixIsProtocolError(t *testing.T) {
	h := &fakeHandler{}
	s := NewSession(h)
	s.Feed([]byte("X"))

	_, err := s.Pump()
	if err == nil {
		t.Fatalf("expected protocol error for unknown prefix")
	}
	if _, ok := err.(*ProtocolError); !ok {
		t.Fatalf("expected *ProtocolError, got %T", err)
	}
}
