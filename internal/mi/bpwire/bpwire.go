// Package bpwire implements the framed binary protocol spoken between the
// host and the companion script inside the debugger over a private loopback
// connection, one connection per intercept breakpoint.
//
// Every frame starts with a fixed 5-byte header: a 2-byte magic constant,
// one message-type byte, and a little-endian uint16 payload length,
// followed by that many payload bytes. A turn starts with Hit from the
// debugger side and ends with FinishCont from the host; in between, at most
// one Exec/Eval request is outstanding and each gets exactly one Resp or
// Except answer.
package bpwire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// DefaultPort is the well-known loopback port the host listens on before
// instructing the companion script to connect.
const DefaultPort = 20080

// Type identifies a breakpoint message.
type Type byte

const (
	// TypeHit starts a turn (debugger to host, no payload).
	TypeHit Type = 0x01
	// TypeFinishCont ends a turn and resumes the target (host to debugger).
	TypeFinishCont Type = 0x02
	// TypeEval requests expression evaluation (host to debugger).
	TypeEval Type = 0x03
	// TypeExec requests command execution (host to debugger).
	TypeExec Type = 0x04
	// TypeExcept reports a failed request (debugger to host).
	TypeExcept Type = 0x05
	// TypeResp reports a successful request (debugger to host).
	TypeResp Type = 0x06
)

// String returns the message type name.
func (t Type) String() string {
	switch t {
	case TypeHit:
		return "HIT"
	case TypeFinishCont:
		return "FINISH_CONT"
	case TypeEval:
		return "EVAL"
	case TypeExec:
		return "EXEC"
	case TypeExcept:
		return "EXCEPT"
	case TypeResp:
		return "RESP"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", byte(t))
	}
}

// magic is the frame header magic constant.
var magic = [2]byte{0xd0, 0x11}

// headerLen is the fixed frame header size.
const headerLen = 5

// MaxPayload is the largest payload a frame can carry.
const MaxPayload = 0xffff

// FramingError reports a malformed frame. It is fatal for the read it
// occurred on.
type FramingError struct {
	Detail string
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("breakpoint wire framing error: %s", e.Detail)
}

// Message is one frame of the breakpoint protocol.
type Message struct {
	Type    Type
	Payload []byte
}

// NewMessage builds a message of the given type. A nil payload encodes as
// length zero.
func NewMessage(t Type, payload []byte) Message {
	return Message{Type: t, Payload: payload}
}

// Write encodes the message onto w: header first, then the payload.
func (m Message) Write(w io.Writer) error {
	if len(m.Payload) > MaxPayload {
		return &FramingError{Detail: fmt.Sprintf("payload length %d exceeds %d", len(m.Payload), MaxPayload)}
	}

	var hdr [headerLen]byte
	hdr[0] = magic[0]
	hdr[1] = magic[1]
	hdr[2] = byte(m.Type)
	binary.LittleEndian.PutUint16(hdr[3:5], uint16(len(m.Payload)))

	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if len(m.Payload) > 0 {
		if _, err := w.Write(m.Payload); err != nil {
			return fmt.Errorf("write payload: %w", err)
		}
	}
	return nil
}

// Read decodes one message from r. The header and payload reads are
// blocking and tolerate partial delivery. A header with the wrong magic
// returns a FramingError and no payload.
func Read(r io.Reader) (Message, error) {
	var hdr [headerLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Message{}, fmt.Errorf("read header: %w", err)
	}

	if hdr[0] != magic[0] || hdr[1] != magic[1] {
		return Message{}, &FramingError{Detail: fmt.Sprintf("bad magic 0x%02x%02x", hdr[0], hdr[1])}
	}

	m := Message{Type: Type(hdr[2])}
	payloadLen := binary.LittleEndian.Uint16(hdr[3:5])
	if payloadLen > 0 {
		m.Payload = make([]byte, payloadLen)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return Message{}, fmt.Errorf("read payload: %w", err)
		}
	}
	return m, nil
}
