package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MaxVarIntLen is the longest encoding of a 32-bit varint.
const MaxVarIntLen = 5

// MaxStringLen bounds strings read off the wire (in bytes).
const MaxStringLen = 32767 * 4

var (
	// ErrVarIntTooBig is returned when a varint does not terminate within
	// MaxVarIntLen bytes.
	ErrVarIntTooBig = errors.New("protocol: varint is too big")

	// ErrShortBuffer is returned when a field runs past the end of a payload.
	ErrShortBuffer = errors.New("protocol: unexpected end of payload")
)

// VarIntSize returns the number of bytes v occupies as a varint.
func VarIntSize(v int32) int {
	u := uint32(v)
	n := 1
	for u >= 0x80 {
		u >>= 7
		n++
	}
	return n
}

// AppendVarInt appends the varint encoding of v to b.
func AppendVarInt(b []byte, v int32) []byte {
	u := uint32(v)
	for u >= 0x80 {
		b = append(b, byte(u)|0x80)
		u >>= 7
	}
	return append(b, byte(u))
}

// ReadVarInt decodes a varint from the start of b, returning the value and
// the number of bytes consumed. n == 0 with a nil error means b ends before
// the varint does.
func ReadVarInt(b []byte) (v int32, n int, err error) {
	var u uint32
	for i := 0; i < MaxVarIntLen; i++ {
		if i >= len(b) {
			return 0, 0, nil
		}
		c := b[i]
		u |= uint32(c&0x7f) << (7 * i)
		if c&0x80 == 0 {
			return int32(u), i + 1, nil
		}
	}
	return 0, 0, ErrVarIntTooBig
}

// Reader reads protocol fields from a packet payload.
type Reader struct {
	buf []byte
	off int
}

// NewReader returns a Reader over b.
func NewReader(b []byte) *Reader { return &Reader{buf: b} }

// Remaining returns the unread bytes.
func (r *Reader) Remaining() []byte { return r.buf[r.off:] }

// Len returns the number of unread bytes.
func (r *Reader) Len() int { return len(r.buf) - r.off }

// VarInt reads a varint.
func (r *Reader) VarInt() (int32, error) {
	v, n, err := ReadVarInt(r.buf[r.off:])
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, ErrShortBuffer
	}
	r.off += n
	return v, nil
}

// Bytes reads exactly n raw bytes.
func (r *Reader) Bytes(n int) ([]byte, error) {
	if n < 0 || r.Len() < n {
		return nil, ErrShortBuffer
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

// Byte reads a single byte.
func (r *Reader) Byte() (byte, error) {
	b, err := r.Bytes(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// Uint16 reads a big-endian unsigned short.
func (r *Reader) Uint16() (uint16, error) {
	b, err := r.Bytes(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

// ByteArray reads a varint length followed by that many bytes.
func (r *Reader) ByteArray() ([]byte, error) {
	n, err := r.VarInt()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, fmt.Errorf("protocol: negative byte array length %d", n)
	}
	return r.Bytes(int(n))
}

// UTF8String reads a varint-prefixed UTF-8 string.
func (r *Reader) UTF8String() (string, error) {
	b, err := r.ByteArray()
	if err != nil {
		return "", err
	}
	if len(b) > MaxStringLen {
		return "", fmt.Errorf("protocol: string of %d bytes exceeds limit", len(b))
	}
	if !utf8.Valid(b) {
		return "", errors.New("protocol: string is not valid UTF-8")
	}
	return string(b), nil
}

// UUID reads a 128-bit big-endian UUID.
func (r *Reader) UUID() (uuid.UUID, error) {
	b, err := r.Bytes(16)
	if err != nil {
		return uuid.Nil, err
	}
	return uuid.FromBytes(b)
}

// Writer builds a packet payload.
type Writer struct {
	buf []byte
}

// Bytes returns the written payload.
func (w *Writer) Bytes() []byte { return w.buf }

// VarInt writes a varint.
func (w *Writer) VarInt(v int32) { w.buf = AppendVarInt(w.buf, v) }

// Raw appends b as is.
func (w *Writer) Raw(b []byte) { w.buf = append(w.buf, b...) }

// Byte writes a single byte.
func (w *Writer) Byte(b byte) { w.buf = append(w.buf, b) }

// Uint16 writes a big-endian unsigned short.
func (w *Writer) Uint16(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }

// ByteArray writes a varint length followed by b.
func (w *Writer) ByteArray(b []byte) {
	w.VarInt(int32(len(b)))
	w.Raw(b)
}

// UTF8String writes a varint-prefixed UTF-8 string.
func (w *Writer) UTF8String(s string) {
	w.VarInt(int32(len(s)))
	w.buf = append(w.buf, s...)
}

// UUID writes a 128-bit big-endian UUID.
func (w *Writer) UUID(id uuid.UUID) { w.Raw(id[:]) }
