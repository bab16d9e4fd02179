package rordb

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"time"

	"github.com/andreyvit/rordb/internal/osfile"
)

// Compact rewrites the file keeping only the winning Add record of every
// live key, then atomically replaces the original. Other callers block until
// it finishes.
func (e *Engine) Compact() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	return e.compactLocked("explicit")
}

func (e *Engine) compactLocked(reason string) error {
	start := time.Now()
	oldSize, oldUncompacted := e.cursor, e.uncompacted

	var before uint64
	if e.verbose {
		var err error
		before, err = e.digestLocked()
		if err != nil {
			return err
		}
	}

	tmpPath := e.path + compactSuffix
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("rordb: %s: compact: %w", e.path, err)
	}
	ok := false
	defer func() {
		if !ok {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	newIndex, newSize, err := e.writeCompacted(tmp)
	if err != nil {
		return withPath(err, e.path)
	}
	if len(newIndex) != len(e.index) {
		return fmt.Errorf("rordb: %s: compact: kept %d keys out of %d", e.path, len(newIndex), len(e.index))
	}
	if err := osfile.Fdatasync(tmp); err != nil {
		return fmt.Errorf("rordb: %s: compact: fdatasync: %w", e.path, err)
	}
	if !e.noLock {
		if err := osfile.TryLock(tmp); err != nil {
			return fmt.Errorf("rordb: %s: compact: lock: %w", e.path, err)
		}
	}
	if err := os.Rename(tmpPath, e.path); err != nil {
		return fmt.Errorf("rordb: %s: compact: %w", e.path, err)
	}
	ok = true

	if err := e.file.Close(); err != nil {
		e.logger.LogAttrs(context.Background(), slog.LevelWarn, "rordb: closing pre-compaction file", slog.String("path", e.path), slog.Any("err", err))
	}
	e.file = tmp
	e.index = newIndex
	e.cursor = newSize
	e.uncompacted = 0
	e.compactions++

	if e.verbose {
		after, err := e.digestLocked()
		if err != nil {
			return err
		}
		if after != before {
			e.logger.LogAttrs(context.Background(), slog.LevelError, "rordb: compaction changed contents", slog.String("path", e.path), slog.Uint64("before", before), slog.Uint64("after", after))
			return fmt.Errorf("rordb: %s: compaction changed contents digest %016x => %016x", e.path, before, after)
		}
	}

	e.logger.LogAttrs(context.Background(), slog.LevelInfo, "rordb: compacted",
		slog.String("path", e.path),
		slog.String("reason", reason),
		slog.Int("keys", len(newIndex)),
		slog.Int64("old_size", oldSize),
		slog.Int64("size", newSize),
		slog.Int64("uncompacted", oldUncompacted),
		slog.Duration("elapsed", time.Since(start)))
	return nil
}

// writeCompacted replays the current file, copies every winning record into
// tmp and returns the index of the copy. The mapping of the old file is released
// before returning so that it can be renamed over.
func (e *Engine) writeCompacted(tmp *os.File) (map[string]indexEntry, int64, error) {
	data, err := osfile.Map(e.file, e.cursor, osfile.SequentialAccess)
	if err != nil {
		return nil, 0, err
	}
	defer osfile.Unmap(data)

	res, err := replay(data)
	if err != nil {
		return nil, 0, err
	}
	if !maps.Equal(res.index, e.index) {
		return nil, 0, fmt.Errorf("rordb: %s: compact: file replays to %d keys, index has %d", e.path, len(res.index), len(e.index))
	}

	w := bufio.NewWriterSize(tmp, 256*1024)
	newIndex := make(map[string]indexEntry, len(res.index))
	var off int64
	err = scanLog(data, func(recOff int64, rec Record, raw []byte) error {
		if ent, found := res.index[rec.Key]; !found || ent.off != recOff {
			return nil
		}
		if _, err := w.Write(raw); err != nil {
			return err
		}
		size := int64(len(raw))
		newIndex[rec.Key] = indexEntry{off: off, size: size}
		off += size
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	if err := w.Flush(); err != nil {
		return nil, 0, err
	}
	return newIndex, off, nil
}
