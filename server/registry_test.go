package server

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/andreyvit/rordb"
	"github.com/andreyvit/rordb/internal/rordbtest"
)

func TestRegistry(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(rordb.Options{Logger: rordbtest.Logger(t)})
	defer r.Close()

	path := filepath.Join(dir, "a.db")
	h1 := must(r.Acquire(path))
	ensure(h1.Engine().Add("k", rordb.Int32(1)))

	ensure(os.Symlink(path, filepath.Join(dir, "alias.db")))
	h2 := must(r.Acquire(filepath.Join(dir, "alias.db")))
	if h1.Engine() != h2.Engine() {
		t.Fatalf("alias opened a second engine")
	}
	h3 := must(r.Acquire(filepath.Join(dir, "b.db")))
	if h3.Engine() == h1.Engine() {
		t.Fatalf("different files share an engine")
	}
	deepEqual(t, r.Len(), 2)

	deepEqual(t, r.Sweep(), 0)
	h1.Release()
	h1.Release()
	deepEqual(t, r.Sweep(), 0)
	h2.Release()
	h3.Release()
	deepEqual(t, r.Sweep(), 2)
	deepEqual(t, r.Len(), 0)

	h4 := must(r.Acquire(path))
	defer h4.Release()
	deepEqual(t, must(h4.Engine().Get("k")), rordb.Int32(1))
}

func TestRegistryIdentitySurvivesCompaction(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(rordb.Options{Logger: rordbtest.Logger(t)})
	defer r.Close()

	path := filepath.Join(dir, "a.db")
	h1 := must(r.Acquire(path))
	defer h1.Release()
	ensure(h1.Engine().Add("k", rordb.Int32(1)))
	ensure(h1.Engine().Add("k", rordb.Int32(2)))
	ensure(h1.Engine().Compact())

	h2 := must(r.Acquire(filepath.Join(dir, ".", "a.db")))
	defer h2.Release()
	if h1.Engine() != h2.Engine() {
		t.Fatalf("compacted file opened a second engine")
	}
	deepEqual(t, r.Len(), 1)
}

func TestRegistryOpenFailure(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(rordb.Options{Logger: rordbtest.Logger(t)})
	defer r.Close()

	path := filepath.Join(dir, "bad.db")
	ensure(os.WriteFile(path, []byte{0, 0, 0, 9, 1, 2, 3}, 0o644))
	_, err := r.Acquire(path)
	if !rordb.IsCorruption(err) {
		t.Fatalf("Acquire = %v, wanted corruption", err)
	}
	deepEqual(t, r.Len(), 0)
}

func TestRegistryCloseClosesReferenced(t *testing.T) {
	r := NewRegistry(rordb.Options{Logger: rordbtest.Logger(t)})
	h := must(r.Acquire(filepath.Join(t.TempDir(), "a.db")))
	e := h.Engine()
	r.Close()
	deepEqual(t, r.Len(), 0)
	_, err := e.Get("k")
	deepEqual(t, err, rordb.ErrClosed)
	h.Release()
}

func TestRegistryCompactionThroughSymlink(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(rordb.Options{Logger: rordbtest.Logger(t)})
	defer r.Close()

	realPath := filepath.Join(dir, "real.db")
	alias := filepath.Join(dir, "alias.db")
	ensure(os.WriteFile(realPath, nil, 0o644))
	ensure(os.Symlink(realPath, alias))

	h1 := must(r.Acquire(alias))
	defer h1.Release()
	ensure(h1.Engine().Add("k", rordb.Int32(1)))
	ensure(h1.Engine().Add("k", rordb.Int32(2)))
	ensure(h1.Engine().Compact())

	st := must(os.Lstat(alias))
	if st.Mode()&os.ModeSymlink == 0 {
		t.Fatalf("compaction replaced the symlink with a %v", st.Mode())
	}

	h2 := must(r.Acquire(realPath))
	defer h2.Release()
	if h1.Engine() != h2.Engine() {
		t.Fatalf("real path opened a second engine after compaction")
	}
	deepEqual(t, r.Len(), 1)
	deepEqual(t, must(h2.Engine().Get("k")), rordb.Int32(2))

	h3 := must(r.Acquire(filepath.Join(dir, "new.db")))
	defer h3.Release()
	deepEqual(t, r.Len(), 2)
}
