package rordb

import (
	"encoding/binary"
	"io"
)

func ensureCapacity(buf []byte, minCap int) []byte {
	if cap(buf) < minCap {
		newCap := cap(buf) * 2
		if newCap < minCap {
			newCap = minCap
		}
		newBuf := make([]byte, len(buf), newCap)
		copy(newBuf, buf)
		return newBuf
	}
	return buf
}

func grow(buf []byte, n int) (int, []byte) {
	off := len(buf)
	buf = ensureCapacity(buf, off+n)
	return off, buf[:off+n]
}

type bytesBuilder struct {
	Buf []byte
}

var _ io.Writer = (*bytesBuilder)(nil)

func (bb *bytesBuilder) Grow(n int) (off int) {
	off, bb.Buf = grow(bb.Buf, n)
	return
}

func (bb *bytesBuilder) Write(b []byte) (int, error) {
	bb.Buf = append(bb.Buf, b...)
	return len(b), nil
}

func (bb *bytesBuilder) WriteByte(v byte) error {
	bb.Buf = append(bb.Buf, v)
	return nil
}

func (bb *bytesBuilder) WriteString(s string) (int, error) {
	bb.Buf = append(bb.Buf, s...)
	return len(s), nil
}

func putFixedUint32(buf []byte, v uint32) {
	binary.BigEndian.PutUint32(buf, v)
}

func putFixedUint64(buf []byte, v uint64) {
	binary.BigEndian.PutUint64(buf, v)
}
