package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Wire primitives shared by every packet payload: big-endian fixed-width
// integers, u32-length-prefixed byte arrays, and a packed boolean flag
// byte. Readers mirror writers exactly.

var (
	// ErrBufferShort is returned when a read runs past the payload end.
	ErrBufferShort = errors.New("buffer: unexpected end of payload")
	// ErrTrailingBytes is returned by Finish when a payload was not
	// fully consumed, which signals a framing mismatch.
	ErrTrailingBytes = errors.New("buffer: trailing bytes after payload")
)

// ByteWriter accumulates a length-prefixed binary payload.
type ByteWriter struct {
	buf []byte
}

// NewByteWriter returns an empty writer.
func NewByteWriter() *ByteWriter {
	return &ByteWriter{}
}

// WriteU8 appends one byte.
func (w *ByteWriter) WriteU8(v uint8) {
	w.buf = append(w.buf, v)
}

// WriteU16 appends a big-endian uint16.
func (w *ByteWriter) WriteU16(v uint16) {
	w.buf = binary.BigEndian.AppendUint16(w.buf, v)
}

// WriteU32 appends a big-endian uint32.
func (w *ByteWriter) WriteU32(v uint32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
}

// WriteU64 appends a big-endian uint64.
func (w *ByteWriter) WriteU64(v uint64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, v)
}

// WriteBool appends a single 0/1 byte.
func (w *ByteWriter) WriteBool(v bool) {
	if v {
		w.WriteU8(1)
	} else {
		w.WriteU8(0)
	}
}

// WriteBytes appends a u32 length prefix followed by the raw bytes.
func (w *ByteWriter) WriteBytes(v []byte) {
	w.WriteU32(uint32(len(v)))
	w.buf = append(w.buf, v...)
}

// WriteString appends the string's UTF-8 bytes with a u32 length prefix.
func (w *ByteWriter) WriteString(v string) {
	w.WriteBytes([]byte(v))
}

// WriteFlags packs up to 8 booleans into one byte, lowest bit first.
func (w *ByteWriter) WriteFlags(flags ...bool) {
	if len(flags) > 8 {
		panic(fmt.Sprintf("buffer: %d flags exceed one byte", len(flags)))
	}
	var b uint8
	for i, f := range flags {
		if f {
			b |= 1 << i
		}
	}
	w.WriteU8(b)
}

// Bytes returns the accumulated payload.
func (w *ByteWriter) Bytes() []byte {
	return w.buf
}

// ByteReader consumes a payload written by ByteWriter. Errors are sticky:
// after the first failure every read returns the zero value and Err
// reports the cause.
type ByteReader struct {
	buf []byte
	off int
	err error
}

// NewByteReader wraps a payload for reading.
func NewByteReader(buf []byte) *ByteReader {
	return &ByteReader{buf: buf}
}

func (r *ByteReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.buf) {
		r.err = ErrBufferShort
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

// ReadU8 reads one byte.
func (r *ByteReader) ReadU8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

// ReadU16 reads a big-endian uint16.
func (r *ByteReader) ReadU16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

// ReadU32 reads a big-endian uint32.
func (r *ByteReader) ReadU32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

// ReadU64 reads a big-endian uint64.
func (r *ByteReader) ReadU64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

// ReadBool reads a single 0/1 byte.
func (r *ByteReader) ReadBool() bool {
	return r.ReadU8() != 0
}

// ReadBytes reads a u32 length prefix and the following bytes. The
// returned slice aliases the underlying payload.
func (r *ByteReader) ReadBytes() []byte {
	n := r.ReadU32()
	if r.err != nil {
		return nil
	}
	if n > math.MaxInt32 {
		r.err = fmt.Errorf("buffer: byte array length %d out of range", n)
		return nil
	}
	return r.take(int(n))
}

// ReadString reads a u32-length-prefixed UTF-8 string.
func (r *ByteReader) ReadString() string {
	return string(r.ReadBytes())
}

// ReadFlags unpacks n booleans from one byte, lowest bit first.
func (r *ByteReader) ReadFlags(n int) []bool {
	if n > 8 {
		panic(fmt.Sprintf("buffer: %d flags exceed one byte", n))
	}
	b := r.ReadU8()
	flags := make([]bool, n)
	for i := range flags {
		flags[i] = b&(1<<i) != 0
	}
	return flags
}

// Err returns the first read failure, if any.
func (r *ByteReader) Err() error {
	return r.err
}

// Finish asserts that the payload was consumed exactly.
func (r *ByteReader) Finish() error {
	if r.err != nil {
		return r.err
	}
	if r.off != len(r.buf) {
		return fmt.Errorf("%w: %d of %d bytes read", ErrTrailingBytes, r.off, len(r.buf))
	}
	return nil
}
