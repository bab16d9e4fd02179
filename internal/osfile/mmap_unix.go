//go:build unix

package osfile

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

func mmap(f *os.File, size int, opt Options) ([]byte, error) {
	b, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, err
	}

	var advice int
	var name string
	switch {
	case opt.Has(SequentialAccess):
		advice, name = unix.MADV_SEQUENTIAL, "MADV_SEQUENTIAL"
	case opt.Has(RandomAccess):
		advice, name = unix.MADV_RANDOM, "MADV_RANDOM"
	default:
		return b, nil
	}
	err = unix.Madvise(b, advice)
	if err != nil && err != unix.ENOSYS {
		// ENOSYS only means the kernel ignores hints; the mapping works.
		_ = unix.Munmap(b)
		return nil, fmt.Errorf("madvise(%s): %w", name, err)
	}
	return b, nil
}

func munmap(b []byte) error {
	return unix.Munmap(b)
}
