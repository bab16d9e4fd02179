//go:build windows || (unix && !linux && !openbsd)

package osfile

import "os"

func fdatasync(f *os.File) error {
	return f.Sync()
}
