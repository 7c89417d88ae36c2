// Package wire provides small big-endian readers over the byte slices
// handed out by pgproto3.CopyData frames: the "read bytes/ints/strings
// from an internal read buffer" contract spec.md asks of the Connector
// facade, reimplemented locally since the frames themselves are opaque
// []byte once pgproto3 has framed them off the socket.
package wire

import (
	"encoding/binary"
	"fmt"
)

// Reader walks a byte slice left to right, consuming fixed-width
// big-endian fields and NUL-terminated strings.
type Reader struct {
	buf []byte
	off int
}

// NewReader wraps b for sequential decoding.
func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.off }

// Bytes returns a copy of the remaining, unread bytes.
func (r *Reader) Bytes() []byte {
	out := make([]byte, len(r.buf)-r.off)
	copy(out, r.buf[r.off:])
	return out
}

func (r *Reader) need(n int) error {
	if r.Remaining() < n {
		return fmt.Errorf("wire: need %d bytes, have %d", n, r.Remaining())
	}
	return nil
}

// Byte reads a single byte.
func (r *Reader) Byte() (byte, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	b := r.buf[r.off]
	r.off++
	return b, nil
}

// Uint16 reads a big-endian uint16.
func (r *Reader) Uint16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v, nil
}

// Uint32 reads a big-endian uint32.
func (r *Reader) Uint32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

// Int32 reads a big-endian int32.
func (r *Reader) Int32() (int32, error) {
	v, err := r.Uint32()
	return int32(v), err
}

// Uint64 reads a big-endian uint64.
func (r *Reader) Uint64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v, nil
}

// Int64 reads a big-endian int64.
func (r *Reader) Int64() (int64, error) {
	v, err := r.Uint64()
	return int64(v), err
}

// CString reads a NUL-terminated string, consuming the terminator.
func (r *Reader) CString() (string, error) {
	for i := r.off; i < len(r.buf); i++ {
		if r.buf[i] == 0 {
			s := string(r.buf[r.off:i])
			r.off = i + 1
			return s, nil
		}
	}
	return "", fmt.Errorf("wire: unterminated string")
}

// Take reads exactly n raw bytes.
func (r *Reader) Take(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

// Writer appends big-endian fields to a growable buffer, mirroring the
// frame layouts in spec.md §6.1.
type Writer struct {
	buf []byte
}

// NewWriter starts a Writer, optionally pre-sized.
func NewWriter(capHint int) *Writer {
	return &Writer{buf: make([]byte, 0, capHint)}
}

func (w *Writer) Byte(b byte) *Writer {
	w.buf = append(w.buf, b)
	return w
}

func (w *Writer) Uint64(v uint64) *Writer {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
	return w
}

func (w *Writer) Int64(v int64) *Writer {
	return w.Uint64(uint64(v))
}

func (w *Writer) Bytes() []byte { return w.buf }
