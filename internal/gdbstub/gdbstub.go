// Package gdbstub implements the wire-level contract the GDB remote
// serial protocol (RSP) requires, as a byte-stream pump sitting in
// front of a small Handler interface. It fixes exactly what spec.md
// calls out - packet framing, the ack/no-ack transition, and Exx error
// replies - plus a fixed-order `g` register dump built on top of `p`;
// everything else (memory read/write, `G`, breakpoints, target
// description XML) is deliberately out of scope.
package gdbstub

import (
	"bytes"
	"fmt"
)

// Handler services the typed requests a debugger driver needs; each
// one maps to a call through internal/debugchannel to the paused vCPU
// thread.
type Handler interface {
	// ReadRegister returns the hex-encoded, target-endian value of
	// register id.
	ReadRegister(id int) (string, error)

	// NumRegisters returns how many registers, starting at id 0, a `g`
	// packet's fixed-order dump covers. The order itself is fixed by
	// each architecture's own register numbering (e.g. x86-64's
	// rax/rbx/rcx/rdx/rsi/rdi/rbp/rsp/r8-r15/rip/rflags), so no
	// ordering table lives in this package - it only knows how many
	// of Handler's own ids to walk.
	NumRegisters() int

	// StopReason returns the GDB stop-reply payload (e.g. "S05" for
	// SIGTRAP) describing why the vCPU last halted.
	StopReason() (string, error)

	// Continue resumes the vCPU.
	Continue() error

	// Detach ends the debugging session.
	Detach() error
}

// ProtocolError reports a framing-level failure: a bad prefix byte, an
// unparsable checksum, or an ack sent out of turn.
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string { return "gdbstub: " + e.Msg }

type ackState int

const (
	// ackModeDefault is the RSP default: every packet is acked with
	// '+' or '-'.
	ackModeDefault ackState = iota
	// ackPendingConfirm means we replied OK to QStartNoAckMode and are
	// waiting for the client's '+' ack of that reply before acks stop.
	ackPendingConfirm
	// ackSuppressed means no-ack mode is in effect.
	ackSuppressed
)

// Session holds the framing state for one debugger connection: the
// ack-mode negotiation and a buffer of not-yet-parsed inbound bytes.
type Session struct {
	handler Handler
	ack     ackState
	in      []byte
}

// NewSession starts a session in the RSP default ack mode.
func NewSession(h Handler) *Session {
	return &Session{handler: h}
}

// Feed appends newly received bytes to the session's inbound buffer.
func (s *Session) Feed(data []byte) {
	s.in = append(s.in, data...)
}

// Pump parses and dispatches every complete packet currently buffered,
// returning the bytes to write back to the client. It is safe to call
// repeatedly as more bytes arrive; an incomplete trailing packet is
// left buffered for the next call.
func (s *Session) Pump() ([]byte, error) {
	var out []byte
	for {
		resp, consumed, err := s.pumpOne()
		if err != nil {
			return out, err
		}
		if consumed == 0 {
			break
		}
		s.in = s.in[consumed:]
		out = append(out, resp...)
	}
	return out, nil
}

func (s *Session) pumpOne() ([]byte, int, error) {
	if len(s.in) == 0 {
		return nil, 0, nil
	}

	switch s.in[0] {
	case '$':
		// fall through to packet parsing below
	case '+':
		switch s.ack {
		case ackSuppressed:
			return nil, 0, &ProtocolError{Msg: "unexpected ack while in no-ack mode"}
		case ackPendingConfirm:
			s.ack = ackSuppressed
		case ackModeDefault:
			// A stray ack with nothing outstanding; ignore it.
		}
		return nil, 1, nil
	case '-':
		// Peer is asking us to retransmit; we don't keep a replay
		// buffer, so just drop the byte.
		return nil, 1, nil
	default:
		return nil, 0, &ProtocolError{Msg: fmt.Sprintf("unknown packet prefix %q", s.in[0])}
	}

	hashIdx := bytes.IndexByte(s.in, '#')
	if hashIdx < 0 {
		return nil, 0, nil // packet not complete yet
	}
	end := hashIdx + 3 // two hex digit checksum
	if end > len(s.in) {
		return nil, 0, nil
	}

	body := s.in[1:hashIdx]
	checksumHex := s.in[hashIdx+1 : end]

	want, ok := decodeChecksumByte(checksumHex)
	if !ok {
		return s.badChecksum(end)
	}
	if additiveChecksum(body) != want {
		return s.badChecksum(end)
	}

	var ack []byte
	if s.ack != ackSuppressed {
		ack = []byte{'+'}
	}

	reply, err := s.dispatch(body)
	if err != nil {
		reply = []byte(errorReply(err))
	}

	return append(ack, encodePacket(reply)...), end, nil
}

func (s *Session) badChecksum(end int) ([]byte, int, error) {
	switch s.ack {
	case ackSuppressed:
		return nil, end, &ProtocolError{Msg: "invalid checksum"}
	case ackPendingConfirm:
		return nil, end, &ProtocolError{Msg: "packet received before no-ack mode was confirmed"}
	default:
		return []byte{'-'}, end, nil
	}
}

func (s *Session) dispatch(body []byte) ([]byte, error) {
	switch {
	case bytes.Equal(body, []byte("?")):
		reason, err := s.handler.StopReason()
		if err != nil {
			return nil, err
		}
		return []byte(reason), nil

	case bytes.Equal(body, []byte("QStartNoAckMode")):
		s.ack = ackPendingConfirm
		return []byte("OK"), nil

	case bytes.HasPrefix(body, []byte("p")):
		id, ok := parseHexUint(body[1:])
		if !ok {
			return nil, &ProtocolError{Msg: fmt.Sprintf("bad register id in %q", body)}
		}
		val, err := s.handler.ReadRegister(int(id))
		if err != nil {
			return nil, err
		}
		return []byte(val), nil

	case bytes.Equal(body, []byte("g")):
		var out []byte
		for id := 0; id < s.handler.NumRegisters(); id++ {
			val, err := s.handler.ReadRegister(id)
			if err != nil {
				return nil, err
			}
			out = append(out, val...)
		}
		return out, nil

	case bytes.Equal(body, []byte("c")):
		if err := s.handler.Continue(); err != nil {
			return nil, err
		}
		return nil, nil

	case bytes.Equal(body, []byte("D")):
		if err := s.handler.Detach(); err != nil {
			return nil, err
		}
		return []byte("OK"), nil

	default:
		// Unrecognized packets get an empty reply, per RSP convention
		// for "unsupported command" rather than an error.
		return nil, nil
	}
}

func encodePacket(body []byte) []byte {
	sum := additiveChecksum(body)
	out := make([]byte, 0, len(body)+4)
	out = append(out, '$')
	out = append(out, body...)
	out = append(out, '#')
	out = append(out, hexDigit(sum>>4), hexDigit(sum&0xF))
	return out
}

func additiveChecksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return sum
}

func hexDigit(v byte) byte {
	if v < 10 {
		return '0' + v
	}
	return 'a' + (v - 10)
}

func decodeChecksumByte(hex []byte) (byte, bool) {
	if len(hex) != 2 {
		return 0, false
	}
	hi, ok := hexVal(hex[0])
	if !ok {
		return 0, false
	}
	lo, ok := hexVal(hex[1])
	if !ok {
		return 0, false
	}
	return hi<<4 | lo, true
}

func hexVal(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	default:
		return 0, false
	}
}

func parseHexUint(data []byte) (uint64, bool) {
	if len(data) == 0 {
		return 0, false
	}
	var v uint64
	for _, c := range data {
		d, ok := hexVal(c)
		if !ok {
			return 0, false
		}
		v = v<<4 | uint64(d)
	}
	return v, true
}

// errorReply formats err as an RSP Exx reply. The two hex digits carry
// no standardized meaning beyond "nonzero"; callers that need a
// specific GDB errno should implement their own Handler error type and
// a type switch here.
func errorReply(err error) string {
	return "E01"
}
