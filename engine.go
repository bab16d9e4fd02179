package rordb

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"

	"github.com/andreyvit/rordb/internal/osfile"
)

const DefaultCompactionThreshold = 1024 * 1024

const compactSuffix = ".compact"

type Options struct {
	Logger *slog.Logger

	// CompactionThreshold is the amount of dead bytes that makes the next
	// Add compact the file first. Zero means DefaultCompactionThreshold,
	// negative disables automatic compaction.
	CompactionThreshold int64

	// SyncWrites makes every append wait for fdatasync.
	SyncWrites bool

	// NoLock skips the advisory single-writer lock on the file.
	NoLock bool

	Verbose bool
}

// Engine is an open log file and its index. All methods are safe for
// concurrent use and are serialized by a single mutex, compaction included.
type Engine struct {
	path       string
	logger     *slog.Logger
	threshold  int64
	syncWrites bool
	noLock     bool
	verbose    bool

	mu          sync.Mutex
	file        *os.File
	closed      bool
	index       map[string]indexEntry
	cursor      int64
	uncompacted int64
	buf         []byte

	compactions uint64
	reads       uint64
	writes      uint64
}

// Open opens the log at path, creating an empty one if the file does not
// exist, and replays it to rebuild the index.
func Open(path string, o Options) (*Engine, error) {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.CompactionThreshold == 0 {
		o.CompactionThreshold = DefaultCompactionThreshold
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			f.Close()
		}
	}()

	if !o.NoLock {
		if err := osfile.TryLock(f); err != nil {
			return nil, fmt.Errorf("rordb: %s: %w", path, err)
		}
	}

	// a leftover from a compaction that never reached the rename
	err = os.Remove(path + compactSuffix)
	if err == nil {
		o.Logger.LogAttrs(context.Background(), slog.LevelWarn, "rordb: removed stale compaction file", slog.String("path", path))
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if !st.Mode().IsRegular() {
		return nil, fmt.Errorf("rordb: %s is not a regular file", path)
	}

	res, err := replayFile(f, st.Size())
	if err != nil {
		return nil, withPath(err, path)
	}

	e := &Engine{
		path:        path,
		logger:      o.Logger,
		threshold:   o.CompactionThreshold,
		syncWrites:  o.SyncWrites,
		noLock:      o.NoLock,
		verbose:     o.Verbose,
		file:        f,
		index:       res.index,
		cursor:      res.size,
		uncompacted: res.uncompacted,
	}
	ok = true
	e.logger.LogAttrs(context.Background(), slog.LevelInfo, "rordb: opened", slog.String("path", path), slog.Int("keys", len(e.index)), slog.Int("records", res.records), slog.Int64("size", e.cursor), slog.Int64("uncompacted", e.uncompacted))
	return e, nil
}

func (e *Engine) Path() string {
	return e.path
}

// Close releases the file and its lock. Later calls return ErrClosed.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	e.closed = true
	e.index = nil
	return e.file.Close()
}

// Get returns the current value of key, or ErrKeyNotFound.
func (e *Engine) Get(key string) (Value, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return Value{}, ErrClosed
	}
	ent, found := e.index[key]
	if !found {
		return Value{}, ErrKeyNotFound
	}
	rec, err := e.readRecord(key, ent)
	if err != nil {
		return Value{}, err
	}
	e.reads++
	if e.verbose {
		e.logger.LogAttrs(context.Background(), slog.LevelDebug, "rordb: get", slog.String("path", e.path), slog.String("key", key), slog.Int64("off", ent.off))
	}
	return rec.Value, nil
}

// Has reports whether key currently has a value.
func (e *Engine) Has(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, found := e.index[key]
	return found
}

// Len returns the number of live keys.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.index)
}

// Add appends a new value for key. If enough dead bytes have accumulated,
// the file is compacted before the append.
func (e *Engine) Add(key string, value Value) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if err := checkKey(key); err != nil {
		return err
	}

	if e.threshold > 0 && e.uncompacted >= e.threshold {
		if err := e.compactLocked("threshold"); err != nil {
			return err
		}
	}

	ent, err := e.appendLocked(Record{Op: OpAdd, Key: key, Value: value})
	if err != nil {
		return err
	}
	if prev, found := e.index[key]; found {
		e.uncompacted += prev.size
	}
	e.index[key] = ent
	if e.verbose {
		e.logger.LogAttrs(context.Background(), slog.LevelDebug, "rordb: add", slog.String("path", e.path), slog.String("key", key), slog.Int64("off", ent.off), slog.Int64("size", ent.size))
	}
	return nil
}

// Delete appends a tombstone for key. Deleting a missing key fails with
// ErrKeyNotFound and writes nothing.
func (e *Engine) Delete(key string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	prev, found := e.index[key]
	if !found {
		return ErrKeyNotFound
	}

	ent, err := e.appendLocked(Record{Op: OpDelete, Key: key})
	if err != nil {
		return err
	}
	e.uncompacted += prev.size + ent.size
	delete(e.index, key)
	if e.verbose {
		e.logger.LogAttrs(context.Background(), slog.LevelDebug, "rordb: delete", slog.String("path", e.path), slog.String("key", key), slog.Int64("off", ent.off))
	}
	return nil
}

func (e *Engine) appendLocked(rec Record) (indexEntry, error) {
	buf, err := appendRecord(e.buf[:0], rec)
	if err != nil {
		return indexEntry{}, err
	}
	if cap(buf) <= maxPooledBufSize {
		e.buf = buf
	}

	off := e.cursor
	n, err := e.file.WriteAt(buf, off)
	if err != nil {
		// a torn tail would make the file unreadable; cut it off
		if n > 0 {
			if terr := e.file.Truncate(off); terr != nil {
				e.logger.LogAttrs(context.Background(), slog.LevelError, "rordb: failed to truncate torn record", slog.String("path", e.path), slog.Int64("off", off), slog.Any("err", terr))
			}
		}
		return indexEntry{}, fmt.Errorf("rordb: %s: append: %w", e.path, err)
	}
	if e.syncWrites {
		if err := osfile.Fdatasync(e.file); err != nil {
			return indexEntry{}, fmt.Errorf("rordb: %s: fdatasync: %w", e.path, err)
		}
	}
	e.cursor += int64(n)
	e.writes++
	return indexEntry{off: off, size: int64(n)}, nil
}

func (e *Engine) readRecord(key string, ent indexEntry) (Record, error) {
	buf := acquireReadBuf(int(ent.size))
	defer releaseReadBuf(buf)

	_, err := e.file.ReadAt(buf, ent.off)
	if err != nil {
		return Record{}, fmt.Errorf("rordb: %s: read @%d: %w", e.path, ent.off, err)
	}
	rec, h, err := decodeRecord(buf, ent.off)
	if err == nil && (rec.Op != OpAdd || rec.Key != key || h.size() != ent.size) {
		err = corruptf(buf, ent.off, nil, "index entry for %q points at %v %q", key, rec.Op, rec.Key)
	}
	if err != nil {
		err = withPath(err, e.path)
		e.logger.LogAttrs(context.Background(), slog.LevelWarn, "rordb: corrupted record", slog.String("path", e.path), slog.String("key", key), slog.Any("err", err))
		return Record{}, err
	}
	return rec, nil
}
