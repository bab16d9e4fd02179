package rordb

import "sync"

// maxPooledBufSize keeps the occasional huge record from pinning memory.
const maxPooledBufSize = 1024 * 1024

var readBytesPool = &sync.Pool{
	New: func() any {
		return make([]byte, 0, 4096)
	},
}

func acquireReadBuf(n int) []byte {
	if n > maxPooledBufSize {
		return make([]byte, n)
	}
	buf := readBytesPool.Get().([]byte)
	return ensureCapacity(buf, n)[:n]
}

func releaseReadBuf(b []byte) {
	if cap(b) <= maxPooledBufSize {
		readBytesPool.Put(b[:0])
	}
}
