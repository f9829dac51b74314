// Package wire implements the length-prefixed framed protocol shared by
// all four dialects (§4.1): signature, total length, sequence number,
// and a dialect-specific opcode plus fields.
package wire

import (
	"encoding/binary"
	"errors"
)

// Signature is the 4-byte magic every frame begins with.
var Signature = [4]byte{'C', 'P', 'v', '1'}

// HeaderLen is the number of bytes preceding the payload: signature (4) +
// total length (4) + sequence number (2).
const HeaderLen = 4 + 4 + 2

// MaxStringLen and MaxVectorLen bound the two variable-length field
// kinds (§4.1 field encoding primitives).
const (
	MaxStringLen = 16 * 1024
	MaxVectorLen = 65536
)

var (
	// ErrInvalidProtocol signals a fatal framing error: bad signature,
	// bad opcode, or an oversize string/vector field. Per §4.1/§7, the
	// connection is dropped without a reply.
	ErrInvalidProtocol = errors.New("wire: invalid protocol")
	// ErrIncomplete signals that buf does not yet hold a complete frame.
	// It is not an error condition; the caller should retain buf and
	// retry once more bytes arrive.
	ErrIncomplete = errors.New("wire: incomplete frame")
)

// Frame is one decoded length-prefixed frame: the sequence number plus
// the raw payload (opcode byte followed by fields), still unparsed.
type Frame struct {
	Seq     uint16
	Payload []byte
}

// PeekFrame reports whether buf holds at least one complete frame and,
// if so, returns its total length in bytes. It performs no allocation
// and does not consume buf, matching §4.1's "a frame is complete when
// the buffered bytes >= total length."
func PeekFrame(buf []byte) (total int, ok bool, err error) {
	if len(buf) < HeaderLen {
		return 0, false, nil
	}
	if buf[0] != Signature[0] || buf[1] != Signature[1] || buf[2] != Signature[2] || buf[3] != Signature[3] {
		return 0, false, ErrInvalidProtocol
	}
	total = int(binary.LittleEndian.Uint32(buf[4:8]))
	if total < HeaderLen+1 { // +1: a payload always carries at least an opcode byte
		return 0, false, ErrInvalidProtocol
	}
	if len(buf) < total {
		return 0, false, nil
	}
	return total, true, nil
}

// DecodeFrame consumes exactly one complete frame from the front of buf,
// returning the Frame and the number of bytes consumed. Callers must
// have already confirmed completeness via PeekFrame, or check the
// returned error for ErrIncomplete.
func DecodeFrame(buf []byte) (Frame, int, error) {
	total, ok, err := PeekFrame(buf)
	if err != nil {
		return Frame{}, 0, err
	}
	if !ok {
		return Frame{}, 0, ErrIncomplete
	}
	seq := binary.LittleEndian.Uint16(buf[8:10])
	payload := make([]byte, total-HeaderLen)
	copy(payload, buf[HeaderLen:total])
	return Frame{Seq: seq, Payload: payload}, total, nil
}

// EncodeFrame produces a complete frame's bytes for seq and payload
// (opcode + fields, already encoded).
func EncodeFrame(seq uint16, payload []byte) []byte {
	total := HeaderLen + len(payload)
	out := make([]byte, total)
	copy(out[0:4], Signature[:])
	binary.LittleEndian.PutUint32(out[4:8], uint32(total))
	binary.LittleEndian.PutUint16(out[8:10], seq)
	copy(out[HeaderLen:], payload)
	return out
}
