package store

import (
	"encoding/binary"
	"errors"

	"github.com/ethereum/go-ethereum/common"
)

// errTruncated is returned when a record ends before all fields were read.
var errTruncated = errors.New("truncated record")

// writer appends length-prefixed fields to a buffer.
type writer struct {
	buf []byte
}

func (w *writer) u64(v uint64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, v)
}

func (w *writer) u32(v uint32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
}

func (w *writer) hash(h common.Hash) {
	w.buf = append(w.buf, h[:]...)
}

func (w *writer) bytes(b []byte) {
	w.buf = binary.AppendUvarint(w.buf, uint64(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *writer) str(s string) {
	w.bytes([]byte(s))
}

// reader consumes fields written by writer. The first failure sticks.
type reader struct {
	buf []byte
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.buf) < n {
		r.err = errTruncated
		return nil
	}

	out := r.buf[:n]
	r.buf = r.buf[n:]

	return out
}

func (r *reader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (r *reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) hash() common.Hash {
	return common.BytesToHash(r.take(32))
}

func (r *reader) bytes() []byte {
	if r.err != nil {
		return nil
	}

	n, size := binary.Uvarint(r.buf)
	if size <= 0 {
		r.err = errTruncated
		return nil
	}
	r.buf = r.buf[size:]

	if n > uint64(len(r.buf)) {
		r.err = errTruncated
		return nil
	}

	b := r.take(int(n))
	if b == nil {
		return nil
	}

	out := make([]byte, len(b))
	copy(out, b)

	return out
}

func (r *reader) str() string {
	return string(r.bytes())
}
