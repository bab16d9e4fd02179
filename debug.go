package rordb

import (
	"fmt"
	"io"
	"strings"

	"github.com/andreyvit/rordb/internal/osfile"
)

type DumpFlags uint64

const (
	DumpHeader = DumpFlags(1 << iota)
	DumpRecords
	DumpValues
	DumpDeadOnly

	DumpAll = DumpHeader | DumpRecords | DumpValues
)

var (
	dumpSep1 = strings.Repeat("=", 80)
	dumpSep2 = strings.Repeat("-", 60)
)

func (f DumpFlags) Contains(v DumpFlags) bool {
	return (f & v) == v
}

// Dump writes a human-readable listing of the file in record order. Winning
// records are marked with '*'.
func (e *Engine) Dump(w io.Writer, f DumpFlags) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}

	if f.Contains(DumpHeader) {
		fmt.Fprintln(w, dumpSep1)
		fmt.Fprintf(w, "%s (%d keys, %d bytes, %d uncompacted, %d compactions)\n", e.path, len(e.index), e.cursor, e.uncompacted, e.compactions)
	}
	if !f.Contains(DumpRecords) {
		return nil
	}
	if f.Contains(DumpHeader) {
		fmt.Fprintln(w, dumpSep2)
	}

	data, err := osfile.Map(e.file, e.cursor, osfile.SequentialAccess)
	if err != nil {
		return err
	}
	defer osfile.Unmap(data)

	var pos int
	err = scanLog(data, func(off int64, rec Record, raw []byte) error {
		pos++
		ent, found := e.index[rec.Key]
		winning := rec.Op == OpAdd && found && ent.off == off
		if winning && f.Contains(DumpDeadOnly) {
			return nil
		}
		mark := ' '
		if winning {
			mark = '*'
		}
		_, err := fmt.Fprintf(w, "%c %d @%d (%d) %v %q", mark, pos, off, len(raw), rec.Op, rec.Key)
		if err != nil {
			return err
		}
		if rec.Op == OpAdd && f.Contains(DumpValues) {
			fmt.Fprintf(w, " = %s (%s)", rec.Value, rec.Value.TypeName())
		}
		_, err = fmt.Fprintln(w)
		return err
	})
	return withPath(err, e.path)
}
