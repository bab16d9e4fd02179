package server

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/andreyvit/rordb"
)

// Registry shares one Engine among everybody who opens the same file, no
// matter how the path is spelled.
//
// File identity is re-checked with fresh stats on every lookup because
// compaction replaces the file (and its inode) under the engine.
type Registry struct {
	opt    rordb.Options
	logger *slog.Logger

	mu      sync.Mutex
	entries []*regEntry
}

type regEntry struct {
	path   string
	engine *rordb.Engine
	refs   int
}

// Handle is one reference to a shared engine.
type Handle struct {
	r    *Registry
	ent  *regEntry
	once sync.Once
}

func NewRegistry(opt rordb.Options) *Registry {
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	return &Registry{opt: opt, logger: opt.Logger}
}

// Acquire returns a handle to the engine of the file at path, opening (and
// creating) the file if no live engine has it yet.
//
// Engines are opened on the symlink-free path, so that compaction renames
// over the real file rather than over a link to it. Hard links still diverge
// after a compaction.
func (r *Registry) Acquire(path string) (*Handle, error) {
	path, err := canonicalPath(path)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	st, err := os.Stat(path)
	if err == nil {
		if ent := r.findLocked(st); ent != nil {
			ent.refs++
			return &Handle{r: r, ent: ent}, nil
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	e, err := rordb.Open(path, r.opt)
	if err != nil {
		return nil, err
	}
	ent := &regEntry{path: path, engine: e, refs: 1}
	r.entries = append(r.entries, ent)
	return &Handle{r: r, ent: ent}, nil
}

// canonicalPath resolves symlinks in path. A file that does not exist yet
// gets its directory resolved instead.
func canonicalPath(path string) (string, error) {
	path, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(path)
	if err == nil {
		return resolved, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}
	dir, err := filepath.EvalSymlinks(filepath.Dir(path))
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, filepath.Base(path)), nil
}

func (r *Registry) findLocked(st os.FileInfo) *regEntry {
	for _, ent := range r.entries {
		est, err := os.Stat(ent.path)
		if err == nil && os.SameFile(st, est) {
			return ent
		}
	}
	return nil
}

func (h *Handle) Engine() *rordb.Engine {
	return h.ent.engine
}

// Release drops the reference. The engine stays open until the next Sweep.
// Releasing twice is a no-op.
func (h *Handle) Release() {
	h.once.Do(func() {
		h.r.mu.Lock()
		h.ent.refs--
		h.r.mu.Unlock()
	})
}

// Sweep closes engines nobody references and returns how many it closed.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int
	kept := r.entries[:0]
	for _, ent := range r.entries {
		if ent.refs > 0 {
			kept = append(kept, ent)
			continue
		}
		r.closeLocked(ent)
		n++
	}
	clear(r.entries[len(kept):])
	r.entries = kept
	return n
}

// Len returns the number of open engines.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close closes every engine, referenced or not.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ent := range r.entries {
		r.closeLocked(ent)
	}
	r.entries = nil
}

func (r *Registry) closeLocked(ent *regEntry) {
	err := ent.engine.Close()
	if err != nil && !errors.Is(err, rordb.ErrClosed) {
		r.logger.LogAttrs(context.Background(), slog.LevelWarn, "rordb: closing engine", slog.String("path", ent.path), slog.Any("err", err))
		return
	}
	r.logger.LogAttrs(context.Background(), slog.LevelDebug, "rordb: engine released", slog.String("path", ent.path), slog.Int("refs", ent.refs))
}
