package util

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var ErrShortBuffer = errors.New("short buffer")

// WireWriter appends big-endian fields to a growing buffer.
type WireWriter struct {
	buf []byte
}

func NewWireWriter(sizeHint int) *WireWriter {
	return &WireWriter{buf: make([]byte, 0, sizeHint)}
}

func (w *WireWriter) PutByte(b byte) {
	w.buf = append(w.buf, b)
}

func (w *WireWriter) PutUint32(v uint32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
}

func (w *WireWriter) PutInt32(v int32) {
	w.PutUint32(uint32(v))
}

func (w *WireWriter) PutInt64(v int64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, uint64(v))
}

func (w *WireWriter) PutRaw(b []byte) {
	w.buf = append(w.buf, b...)
}

// PutBytes writes a 4 byte length followed by the data. A nil slice is
// written with length -1 so it survives the round trip as nil.
func (w *WireWriter) PutBytes(b []byte) {
	if b == nil {
		w.PutInt32(-1)
		return
	}
	w.PutInt32(int32(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *WireWriter) Bytes() []byte {
	return w.buf
}

// WireReader consumes big-endian fields. The first failure sticks; callers
// check Err once after reading every field.
type WireReader struct {
	data []byte
	off  int
	err  error
}

func NewWireReader(data []byte) *WireReader {
	return &WireReader{data: data}
}

func (r *WireReader) need(n int, what string) bool {
	if r.err != nil {
		return false
	}
	if n < 0 || r.off+n > len(r.data) {
		r.err = fmt.Errorf("unable to read %s at offset %d: %w", what, r.off, ErrShortBuffer)
		return false
	}
	return true
}

func (r *WireReader) Byte(what string) byte {
	if !r.need(1, what) {
		return 0
	}
	b := r.data[r.off]
	r.off++
	return b
}

func (r *WireReader) Uint32(what string) uint32 {
	if !r.need(4, what) {
		return 0
	}
	v := binary.BigEndian.Uint32(r.data[r.off:])
	r.off += 4
	return v
}

func (r *WireReader) Int32(what string) int32 {
	return int32(r.Uint32(what))
}

func (r *WireReader) Int64(what string) int64 {
	if !r.need(8, what) {
		return 0
	}
	v := binary.BigEndian.Uint64(r.data[r.off:])
	r.off += 8
	return int64(v)
}

// Raw returns the next n bytes as a copy.
func (r *WireReader) Raw(n int, what string) []byte {
	if !r.need(n, what) {
		return nil
	}
	out := make([]byte, n)
	copy(out, r.data[r.off:r.off+n])
	r.off += n
	return out
}

// Bytes reads a length-prefixed field written by WireWriter.PutBytes.
func (r *WireReader) Bytes(what string) []byte {
	n := r.Int32(what + " length")
	if r.err != nil {
		return nil
	}
	if n == -1 {
		return nil
	}
	return r.Raw(int(n), what)
}

// Rest returns a copy of all unread bytes.
func (r *WireReader) Rest() []byte {
	if r.err != nil {
		return nil
	}
	out := make([]byte, len(r.data)-r.off)
	copy(out, r.data[r.off:])
	r.off = len(r.data)
	return out
}

func (r *WireReader) Remaining() int {
	return len(r.data) - r.off
}

func (r *WireReader) Err() error {
	return r.err
}
