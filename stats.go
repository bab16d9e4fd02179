package rordb

import (
	"slices"

	"github.com/cespare/xxhash/v2"
)

type Stats struct {
	Keys        int
	FileSize    int64
	Uncompacted int64

	Compactions uint64
	Reads       uint64
	Writes      uint64
}

// LiveSize is the number of file bytes held by winning records.
func (s Stats) LiveSize() int64 {
	return s.FileSize - s.Uncompacted
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		Keys:        len(e.index),
		FileSize:    e.cursor,
		Uncompacted: e.uncompacted,
		Compactions: e.compactions,
		Reads:       e.reads,
		Writes:      e.writes,
	}
}

// Digest hashes the live key/value pairs independently of their order and
// position in the file, so it survives compaction and reopening unchanged.
func (e *Engine) Digest() (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, ErrClosed
	}
	return e.digestLocked()
}

func (e *Engine) digestLocked() (uint64, error) {
	d := xxhash.New()
	var buf []byte
	for _, key := range e.sortedKeysLocked() {
		rec, err := e.readRecord(key, e.index[key])
		if err != nil {
			return 0, err
		}
		buf, err = appendRecord(buf[:0], rec)
		if err != nil {
			return 0, err
		}
		d.Write(buf)
	}
	return d.Sum64(), nil
}

func (e *Engine) sortedKeysLocked() []string {
	keys := make([]string, 0, len(e.index))
	for k := range e.index {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
