package sv2

import (
	"encoding/binary"
	"errors"
)

// Wire primitive bounds. All integers are little-endian on the wire.
const (
	// MaxStr0255 is the maximum byte length of a STR0_255 string.
	MaxStr0255 = 255
	// MaxB0255 is the maximum byte length of a B0_255 blob.
	MaxB0255 = 255
	// MaxB064K is the maximum byte length of a B0_64K blob.
	MaxB064K = 65535
	// MaxB016M is the maximum byte length of a B0_16M blob.
	MaxB016M = 1<<24 - 1
)

var (
	// ErrTruncatedField indicates the payload ended inside a field.
	ErrTruncatedField = errors.New("sv2: truncated field")
	// ErrLengthOverflow indicates a length-prefixed field exceeds its bound.
	ErrLengthOverflow = errors.New("sv2: length overflow")
	// ErrUnknownEnum indicates an enum byte outside the known range.
	ErrUnknownEnum = errors.New("sv2: unknown enum value")
)

// writer accumulates wire-encoded fields. Append-only, never fails;
// bounds are checked by the message marshal functions before writing.
type writer struct {
	buf []byte
}

func (w *writer) bytes() []byte { return w.buf }

func (w *writer) putU8(v uint8) { w.buf = append(w.buf, v) }

func (w *writer) putBool(v bool) {
	if v {
		w.putU8(1)
	} else {
		w.putU8(0)
	}
}

func (w *writer) putU16(v uint16) {
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
}

func (w *writer) putU24(v uint32) {
	w.buf = append(w.buf, byte(v), byte(v>>8), byte(v>>16))
}

func (w *writer) putU32(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

func (w *writer) putU64(v uint64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
}

func (w *writer) putU256(v [32]byte) {
	w.buf = append(w.buf, v[:]...)
}

func (w *writer) putStr0255(s string) {
	w.putU8(uint8(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *writer) putB0255(b []byte) {
	w.putU8(uint8(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *writer) putB064K(b []byte) {
	w.putU16(uint16(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *writer) putB016M(b []byte) {
	w.putU24(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

// reader consumes wire-encoded fields from a payload. The first decode
// error sticks; subsequent reads return zero values.
type reader struct {
	buf []byte
	pos int
	err error
}

func newReader(payload []byte) *reader { return &reader{buf: payload} }

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.pos+n > len(r.buf) {
		r.err = ErrTruncatedField
		return nil
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *reader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) boolean() (bool, error) {
	switch r.u8() {
	case 0:
		return false, r.err
	case 1:
		return true, r.err
	default:
		if r.err == nil {
			r.err = ErrUnknownEnum
		}
		return false, r.err
	}
}

func (r *reader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *reader) u24() uint32 {
	b := r.take(3)
	if b == nil {
		return 0
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
}

func (r *reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *reader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *reader) u256() (out [32]byte) {
	b := r.take(32)
	if b != nil {
		copy(out[:], b)
	}
	return out
}

func (r *reader) str0255() string {
	n := int(r.u8())
	b := r.take(n)
	if b == nil {
		return ""
	}
	return string(b)
}

func (r *reader) b0255() []byte {
	n := int(r.u8())
	return cloneBytes(r.take(n))
}

func (r *reader) b064K() []byte {
	n := int(r.u16())
	return cloneBytes(r.take(n))
}

func (r *reader) b016M() []byte {
	n := int(r.u24())
	return cloneBytes(r.take(n))
}

// finish reports the sticky decode error, or ErrLengthOverflow when the
// payload has trailing bytes a complete message should not have.
func (r *reader) finish() error {
	if r.err != nil {
		return r.err
	}
	if r.pos != len(r.buf) {
		return ErrLengthOverflow
	}
	return nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
