package rordb

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"unicode/utf8"

	"pgregory.net/rapid"
)

var (
	// mostly a few well-known keys so that they collide, plus raw bytes that
	// are often not valid UTF-8
	genKey = rapid.OneOf(
		rapid.SampledFrom([]string{"a", "b", "c", "d", "ключ", "long-key-with-some-length"}),
		rapid.Map(rapid.SliceOfN(rapid.Byte(), 1, 6), func(b []byte) string { return string(b) }),
	)

	genScalar = rapid.OneOf(
		rapid.Just(Null()),
		rapid.Map(rapid.Bool(), Bool),
		rapid.Map(rapid.Int32(), Int32),
		rapid.Map(rapid.Int64(), Int64),
		rapid.Map(rapid.Float64(), Float64),
		rapid.Map(rapid.IntRange(0, 0xD7FF), func(i int) Value { return Char(rune(i)) }),
		rapid.Map(rapid.Int32(), func(i int32) Value { return Char(rune(i)) }),
		rapid.Map(rapid.String(), String),
	)

	genValue = rapid.OneOf(
		genScalar,
		rapid.Map(rapid.SliceOfN(genScalar, 0, 4), func(items []Value) Value { return Array(items...) }),
	)
)

// engineMachine checks an Engine against a plain map.
type engineMachine struct {
	dir   string
	e     *Engine
	model map[string]Value
}

func (m *engineMachine) init(t *rapid.T) {
	dir, err := os.MkdirTemp("", "rordb-rapid-*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	m.dir = dir
	m.model = make(map[string]Value)
	m.open(t)
}

func (m *engineMachine) open(t *rapid.T) {
	e, err := Open(filepath.Join(m.dir, "rapid.db"), Options{CompactionThreshold: 200})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	m.e = e
}

func (m *engineMachine) cleanup() {
	if m.e != nil {
		m.e.Close()
	}
	os.RemoveAll(m.dir)
}

func (m *engineMachine) Add(t *rapid.T) {
	k := genKey.Draw(t, "key")
	v := genValue.Draw(t, "value")
	err := m.e.Add(k, v)
	switch {
	case !utf8.ValidString(k):
		if !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("Add(%q) = %v, wanted ErrInvalidKey", k, err)
		}
	case hasInvalidChar(v):
		if !errors.Is(err, ErrInvalidChar) {
			t.Fatalf("Add(%q, %v) = %v, wanted ErrInvalidChar", k, v, err)
		}
	case err != nil:
		t.Fatalf("Add(%q): %v", k, err)
	default:
		m.model[k] = v
	}
}

func hasInvalidChar(v Value) bool {
	switch v.Kind() {
	case KindChar:
		return !utf8.ValidRune(v.Char())
	case KindArray:
		return slices.ContainsFunc(v.Items(), hasInvalidChar)
	default:
		return false
	}
}

func (m *engineMachine) Delete(t *rapid.T) {
	k := genKey.Draw(t, "key")
	err := m.e.Delete(k)
	if _, ok := m.model[k]; ok {
		if err != nil {
			t.Fatalf("Delete(%q): %v", k, err)
		}
		delete(m.model, k)
	} else if !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("Delete(%q) of missing key = %v, wanted ErrKeyNotFound", k, err)
	}
}

func (m *engineMachine) Get(t *rapid.T) {
	k := genKey.Draw(t, "key")
	v, err := m.e.Get(k)
	if expected, ok := m.model[k]; ok {
		if err != nil {
			t.Fatalf("Get(%q): %v", k, err)
		}
		if !v.Equal(expected) {
			t.Fatalf("Get(%q) = %v, wanted %v", k, v, expected)
		}
	} else if !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("Get(%q) of missing key = (%v, %v), wanted ErrKeyNotFound", k, v, err)
	}
}

func (m *engineMachine) Compact(t *rapid.T) {
	if err := m.e.Compact(); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if s := m.e.Stats(); s.Uncompacted != 0 {
		t.Fatalf("Uncompacted = %d after Compact", s.Uncompacted)
	}
}

func (m *engineMachine) Reopen(t *rapid.T) {
	before := m.e.Stats()
	if err := m.e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	m.e = nil
	m.open(t)
	after := m.e.Stats()
	if after.FileSize != before.FileSize || after.Uncompacted != before.Uncompacted {
		t.Fatalf("reopen changed accounting: %+v => %+v", before, after)
	}
	for k, expected := range m.model {
		v, err := m.e.Get(k)
		if err != nil || !v.Equal(expected) {
			t.Fatalf("after reopen Get(%q) = (%v, %v), wanted %v", k, v, err, expected)
		}
	}
}

func (m *engineMachine) check(t *rapid.T) {
	var keys []string
	for k := range m.model {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	if got := m.e.Keys(); !slices.Equal(got, keys) {
		t.Fatalf("Keys() = %q, wanted %q", got, keys)
	}
	s := m.e.Stats()
	if s.Uncompacted > s.FileSize {
		t.Fatalf("Uncompacted %d > FileSize %d", s.Uncompacted, s.FileSize)
	}
}

func TestEngineModel(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := &engineMachine{}
		m.init(t)
		defer m.cleanup()
		t.Repeat(map[string]func(*rapid.T){
			"add":     m.Add,
			"delete":  m.Delete,
			"get":     m.Get,
			"compact": m.Compact,
			"reopen":  m.Reopen,
			"":        m.check,
		})
	})
}
