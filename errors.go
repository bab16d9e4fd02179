package rordb

import (
	"errors"
	"fmt"
	"slices"
)

var (
	ErrKeyNotFound = errors.New("rordb: key not found")
	ErrClosed      = errors.New("rordb: engine is closed")
	ErrEmptyKey    = errors.New("rordb: empty key")
	ErrKeyTooLarge = fmt.Errorf("rordb: key exceeds %d bytes", MaxKeySize)
	ErrInvalidKey  = errors.New("rordb: key is not valid UTF-8")

	// errEndOfLog ends a replay: there are no bytes left where a header is
	// expected.
	errEndOfLog = errors.New("end of log")
)

const (
	excerptPrefixLen = 64
	excerptSuffixLen = 32
)

// CorruptionError reports a record that cannot be decoded. Off is the
// record's offset in the file and Size the number of bytes that were being
// decoded (possibly just the header). Data is a private copy of those bytes,
// cut down to their first 64 and last 32 when longer.
type CorruptionError struct {
	Path string
	Off  int64
	Size int
	Data []byte
	Err  error
	Msg  string
}

// corruptf copies an excerpt of data, which often points into a mapping
// that is gone by the time the error is printed.
func corruptf(data []byte, off int64, err error, format string, args ...any) error {
	var excerpt []byte
	if n := len(data); n <= excerptPrefixLen+excerptSuffixLen {
		excerpt = slices.Clone(data)
	} else {
		excerpt = make([]byte, 0, excerptPrefixLen+excerptSuffixLen)
		excerpt = append(excerpt, data[:excerptPrefixLen]...)
		excerpt = append(excerpt, data[n-excerptSuffixLen:]...)
	}
	return &CorruptionError{Off: off, Size: len(data), Data: excerpt, Err: err, Msg: fmt.Sprintf(format, args...)}
}

func (e *CorruptionError) Unwrap() error {
	return e.Err
}

func (e *CorruptionError) Error() string {
	where := fmt.Sprintf("@%d", e.Off)
	if e.Path != "" {
		where = e.Path + where
	}

	var data string
	if e.Size == len(e.Data) {
		data = fmt.Sprintf("(%d) %x", e.Size, e.Data)
	} else {
		data = fmt.Sprintf("(%d) %x...%x", e.Size, e.Data[:excerptPrefixLen], e.Data[excerptPrefixLen:])
	}

	if e.Err != nil {
		return fmt.Sprintf("rordb: corrupted record %s: %s: %v: %s", where, e.Msg, e.Err, data)
	} else {
		return fmt.Sprintf("rordb: corrupted record %s: %s: %s", where, e.Msg, data)
	}
}

// IsCorruption reports whether err (or anything it wraps) is a
// *CorruptionError.
func IsCorruption(err error) bool {
	var ce *CorruptionError
	return errors.As(err, &ce)
}

func withPath(err error, path string) error {
	var ce *CorruptionError
	if errors.As(err, &ce) && ce.Path == "" {
		ce.Path = path
	}
	return err
}
