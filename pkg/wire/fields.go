package wire

import (
	"encoding/binary"

	"github.com/policyd/policyd/internal/domain/policy"
)

// Writer builds a payload: opcode plus fields, little-endian throughout
// (§4.1 field encoding primitives).
type Writer struct {
	buf []byte
}

// NewWriter returns a Writer with opcode written as the first byte.
func NewWriter(opcode byte) *Writer {
	return &Writer{buf: []byte{opcode}}
}

// Bytes returns the accumulated payload, ready for EncodeFrame.
func (w *Writer) Bytes() []byte { return w.buf }

func (w *Writer) WriteU8(v uint8) { w.buf = append(w.buf, v) }

func (w *Writer) WriteU16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *Writer) WriteU32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *Writer) WriteBool(v bool) {
	if v {
		w.WriteU8(1)
	} else {
		w.WriteU8(0)
	}
}

// WriteString writes a length-prefixed string, per §4.1 capped at
// MaxStringLen. A caller that builds an oversize string has a
// programming error: WriteString panics rather than silently truncating,
// since encode(msg) is specified to "always append a complete frame."
func (w *Writer) WriteString(s string) {
	if len(s) > MaxStringLen {
		panic("wire: string field exceeds MaxStringLen")
	}
	w.WriteU32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

// WriteVectorHeader writes a vector's element count, capped at
// MaxVectorLen. Callers write n elements themselves immediately after.
func (w *Writer) WriteVectorHeader(n int) {
	if n > MaxVectorLen {
		panic("wire: vector field exceeds MaxVectorLen")
	}
	w.WriteU32(uint32(n))
}

// WriteKey writes a PolicyKey as three strings (§4.1, §3).
func (w *Writer) WriteKey(k policy.Key) {
	w.WriteString(k.Client.String())
	w.WriteString(k.User.String())
	w.WriteString(k.Privilege.String())
}

// WriteResult writes a PolicyResult as u16 type + string metadata.
func (w *Writer) WriteResult(r policy.Result) {
	w.WriteU16(uint16(r.Type))
	w.WriteString(r.Metadata)
}

// Reader parses fields out of a payload previously produced by Writer
// (or received on the wire). All reads return ErrInvalidProtocol on
// truncation or an oversize declared length, per §4.1 "oversize
// string/vector" being a protocol violation, not an Incomplete.
type Reader struct {
	buf []byte
	pos int
}

// NewReader wraps payload (opcode byte already consumed by the caller
// via ReadOpcode, or included for ReadOpcode to consume here).
func NewReader(payload []byte) *Reader {
	return &Reader{buf: payload}
}

// ReadOpcode reads the payload's leading opcode byte.
func (r *Reader) ReadOpcode() (byte, error) {
	return r.readU8()
}

func (r *Reader) readU8() (uint8, error) {
	if r.pos+1 > len(r.buf) {
		return 0, ErrInvalidProtocol
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

// ReadU8 reads a single byte, exported for callers decoding a vector of
// raw bytes field-by-field (e.g. an AgentAction payload) rather than a
// fixed-width integer.
func (r *Reader) ReadU8() (uint8, error) {
	return r.readU8()
}

func (r *Reader) ReadU16() (uint16, error) {
	if r.pos+2 > len(r.buf) {
		return 0, ErrInvalidProtocol
	}
	v := binary.LittleEndian.Uint16(r.buf[r.pos : r.pos+2])
	r.pos += 2
	return v, nil
}

func (r *Reader) ReadU32() (uint32, error) {
	if r.pos+4 > len(r.buf) {
		return 0, ErrInvalidProtocol
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos : r.pos+4])
	r.pos += 4
	return v, nil
}

func (r *Reader) ReadBool() (bool, error) {
	v, err := r.readU8()
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

// ReadString reads a length-prefixed string, rejecting a declared length
// over MaxStringLen or past the end of the payload as ErrInvalidProtocol
// (§4.1 "oversize string/vector").
func (r *Reader) ReadString() (string, error) {
	n, err := r.ReadU32()
	if err != nil {
		return "", err
	}
	if n > MaxStringLen {
		return "", ErrInvalidProtocol
	}
	if r.pos+int(n) > len(r.buf) {
		return "", ErrInvalidProtocol
	}
	s := string(r.buf[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}

// ReadVectorHeader reads a vector's element count, rejecting a declared
// count over MaxVectorLen as ErrInvalidProtocol.
func (r *Reader) ReadVectorHeader() (int, error) {
	n, err := r.ReadU32()
	if err != nil {
		return 0, err
	}
	if n > MaxVectorLen {
		return 0, ErrInvalidProtocol
	}
	return int(n), nil
}

// ReadKey reads a PolicyKey as three strings (§4.1, §3).
func (r *Reader) ReadKey() (policy.Key, error) {
	client, err := r.ReadString()
	if err != nil {
		return policy.Key{}, err
	}
	user, err := r.ReadString()
	if err != nil {
		return policy.Key{}, err
	}
	privilege, err := r.ReadString()
	if err != nil {
		return policy.Key{}, err
	}
	return policy.Key{
		Client:    policy.ParseFeature(client),
		User:      policy.ParseFeature(user),
		Privilege: policy.ParseFeature(privilege),
	}, nil
}

// ReadResult reads a PolicyResult as u16 type + string metadata.
func (r *Reader) ReadResult() (policy.Result, error) {
	t, err := r.ReadU16()
	if err != nil {
		return policy.Result{}, err
	}
	meta, err := r.ReadString()
	if err != nil {
		return policy.Result{}, err
	}
	return policy.Result{Type: policy.Type(t), Metadata: meta}, nil
}

// Remaining reports whether unread bytes remain in the payload, useful
// for detecting trailing-garbage protocol violations.
func (r *Reader) Remaining() int { return len(r.buf) - r.pos }
