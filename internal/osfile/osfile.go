// Package osfile wraps the few OS-level file operations the storage engine
// needs beyond package os: read-only memory mapping for log replay, data-only
// syncs, and an advisory single-writer lock.
package osfile

import (
	"errors"
	"fmt"
	"os"
)

// ErrLocked is returned by TryLock when another process (or another open
// file description in this process) already holds the lock.
var ErrLocked = errors.New("file is locked by another writer")

type Options uint

const (
	// SequentialAccess is a hint requesting aggressive read-ahead.
	// Incompatible with RandomAccess. Maps to MADV_SEQUENTIAL on Unix.
	SequentialAccess Options = 1 << 0

	// RandomAccess is a hint that read ahead is less useful than normally.
	// Incompatible with SequentialAccess. Maps to MADV_RANDOM on Unix.
	RandomAccess Options = 1 << 1
)

func (o Options) Has(v Options) bool {
	return o&v != 0
}

// Map maps the first size bytes of f read-only. A zero size returns a nil
// slice without calling into the OS, since empty mappings are not portable.
func Map(f *os.File, size int64, opt Options) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	if size < 0 || size > MaxSize {
		return nil, fmt.Errorf("cannot map %d bytes of %s", size, f.Name())
	}
	return mmap(f, int(size), opt)
}

// Unmap releases a slice returned by Map. Unmapping nil is a no-op.
func Unmap(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return munmap(b)
}

// Fdatasync triggers the fastest fsync-like operation that ensures durability
// of the data written to the given file.
//
// Fdatasync might be faster than f.Sync() aka fsync thanks to not syncing
// metadata (last modification/access time) that isn't necessary to ensure
// durability of the data.
//
// Errors returned by this function are not recoverable: many file systems mark
// dirty pages as clean after a failed sync, so the caller must treat the file
// as suspect.
func Fdatasync(f *os.File) error {
	return fdatasync(f)
}

// Lock takes an exclusive advisory lock on f, blocking until it is available.
func Lock(f *os.File) error {
	return lockExclusiveBlocking(f)
}

// TryLock takes an exclusive advisory lock on f or fails with ErrLocked.
func TryLock(f *os.File) error {
	return tryLockExclusive(f)
}

// Unlock releases a lock taken by Lock or TryLock. Closing the file also
// releases it.
func Unlock(f *os.File) error {
	return unlockFile(f)
}
