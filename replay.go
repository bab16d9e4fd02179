package rordb

import (
	"errors"
	"os"

	"github.com/andreyvit/rordb/internal/osfile"
)

// indexEntry locates the winning Add record of a key.
type indexEntry struct {
	off  int64
	size int64
}

type replayResult struct {
	index       map[string]indexEntry
	uncompacted int64
	size        int64
	records     int
}

// nextRecord decodes the record at off. It returns errEndOfLog when off is
// exactly at the end of data.
func nextRecord(data []byte, off int64) (Record, []byte, error) {
	rest := data[off:]
	if len(rest) == 0 {
		return Record{}, nil, errEndOfLog
	}
	rec, h, err := decodeRecord(rest, off)
	if err != nil {
		return Record{}, nil, err
	}
	return rec, rest[:h.size()], nil
}

// scanLog calls fn for every record of data in file order. raw aliases data
// and covers the whole record, header included.
func scanLog(data []byte, fn func(off int64, rec Record, raw []byte) error) error {
	var off int64
	for {
		rec, raw, err := nextRecord(data, off)
		if errors.Is(err, errEndOfLog) {
			return nil
		} else if err != nil {
			return err
		}
		if err := fn(off, rec, raw); err != nil {
			return err
		}
		off += int64(len(raw))
	}
}

// replay rebuilds the index of a log. It has no side effects, and open and
// compaction both rely on it seeing the file the same way.
func replay(data []byte) (replayResult, error) {
	res := replayResult{
		index: make(map[string]indexEntry),
	}
	err := scanLog(data, func(off int64, rec Record, raw []byte) error {
		size := int64(len(raw))
		res.records++
		prev, found := res.index[rec.Key]
		if found {
			res.uncompacted += prev.size
		}
		switch rec.Op {
		case OpAdd:
			res.index[rec.Key] = indexEntry{off: off, size: size}
		case OpDelete:
			res.uncompacted += size
			delete(res.index, rec.Key)
		}
		return nil
	})
	if err != nil {
		return replayResult{}, err
	}
	res.size = int64(len(data))
	return res, nil
}

func replayFile(f *os.File, size int64) (replayResult, error) {
	data, err := osfile.Map(f, size, osfile.SequentialAccess)
	if err != nil {
		return replayResult{}, err
	}
	defer osfile.Unmap(data)
	return replay(data)
}
