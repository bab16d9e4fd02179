package rordb

// Entry is a key with its current value.
type Entry struct {
	Key   string
	Value Value
}

// Keys returns the live keys in sorted order.
func (e *Engine) Keys() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	return e.sortedKeysLocked()
}

// Values returns a snapshot of all live values in unspecified order.
func (e *Engine) Values() ([]Value, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	values := make([]Value, 0, len(e.index))
	for key, ent := range e.index {
		rec, err := e.readRecord(key, ent)
		if err != nil {
			return nil, err
		}
		values = append(values, rec.Value)
	}
	e.reads += uint64(len(values))
	return values, nil
}

// Entries returns a snapshot of all live key/value pairs in unspecified
// order.
func (e *Engine) Entries() ([]Entry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	entries := make([]Entry, 0, len(e.index))
	for key, ent := range e.index {
		rec, err := e.readRecord(key, ent)
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{key, rec.Value})
	}
	e.reads += uint64(len(entries))
	return entries, nil
}
