package storage

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
)

// Transactional is implemented by databases that can group the writes of one
// operation.
type Transactional interface {
	// Atomic runs fn and commits its writes only if it returns nil.
	Atomic(fn func() error) error
	// Defer queues fn until the enclosing Atomic commits. Outside Atomic it
	// runs immediately.
	Defer(fn func())
}

// Atomic runs fn inside db's transaction when db supports one.
func Atomic(db Database, fn func() error) error {
	if tx, ok := db.(Transactional); ok {
		return tx.Atomic(fn)
	}
	return fn()
}

// Defer postpones fn until db commits the enclosing transaction.
func Defer(db Database, fn func()) {
	if tx, ok := db.(Transactional); ok {
		tx.Defer(fn)
		return
	}
	fn()
}

type stagedWrite struct {
	value []byte
	del   bool
}

// Staged buffers writes made inside Atomic and reads them back ahead of the
// base database. The outermost Atomic flushes the buffer in one batch; an
// error from fn or from the flush drops it. Nested calls roll back to their
// own starting point on error.
//
// Staged does not isolate goroutines from each other. Callers serialize
// access; escrowd routes everything through its executor.
type Staged struct {
	base Database

	mu       sync.Mutex
	depth    int
	writes   map[string]stagedWrite
	deferred []func()
}

// NewStaged layers a write buffer over base.
func NewStaged(base Database) *Staged {
	return &Staged{base: base}
}

// Base returns the wrapped database.
func (s *Staged) Base() Database { return s.base }

func (s *Staged) Atomic(fn func() error) error {
	s.mu.Lock()
	s.depth++
	outer := s.depth == 1
	var (
		saved    map[string]stagedWrite
		deferLen int
	)
	if outer {
		s.writes = make(map[string]stagedWrite)
		s.deferred = nil
	} else {
		saved = make(map[string]stagedWrite, len(s.writes))
		for k, w := range s.writes {
			saved[k] = w
		}
		deferLen = len(s.deferred)
	}
	s.mu.Unlock()

	completed := false
	defer func() {
		if completed {
			return
		}
		// fn panicked: drop everything staged by the outermost call.
		s.mu.Lock()
		s.depth--
		if s.depth == 0 {
			s.writes, s.deferred = nil, nil
		}
		s.mu.Unlock()
	}()
	err := fn()
	completed = true

	s.mu.Lock()
	s.depth--
	if !outer {
		if err != nil {
			s.writes = saved
			s.deferred = s.deferred[:deferLen]
		}
		s.mu.Unlock()
		return err
	}
	writes, deferred := s.writes, s.deferred
	s.writes, s.deferred = nil, nil
	s.mu.Unlock()

	if err != nil {
		return err
	}
	if len(writes) > 0 {
		keys := make([]string, 0, len(writes))
		for k := range writes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		batch := s.base.NewBatch()
		for _, k := range keys {
			if w := writes[k]; w.del {
				batch.Delete([]byte(k))
			} else {
				batch.Put([]byte(k), w.value)
			}
		}
		if err := s.base.Write(batch); err != nil {
			return fmt.Errorf("storage: commit: %w", err)
		}
	}
	for _, fn := range deferred {
		fn()
	}
	return nil
}

func (s *Staged) Defer(fn func()) {
	s.mu.Lock()
	if s.depth > 0 {
		s.deferred = append(s.deferred, fn)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	fn()
}

// stage records a write when a transaction is open and reports whether it did.
func (s *Staged) stage(key, value []byte, del bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.depth == 0 {
		return false
	}
	w := stagedWrite{del: del}
	if !del {
		w.value = append([]byte(nil), value...)
	}
	s.writes[string(key)] = w
	return true
}

func (s *Staged) lookup(key []byte) (stagedWrite, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.writes[string(key)]
	return w, ok
}

func (s *Staged) Put(key []byte, value []byte) error {
	if s.stage(key, value, false) {
		return nil
	}
	return s.base.Put(key, value)
}

func (s *Staged) Get(key []byte) ([]byte, error) {
	if w, ok := s.lookup(key); ok {
		if w.del {
			return nil, ErrNotFound
		}
		return append([]byte(nil), w.value...), nil
	}
	return s.base.Get(key)
}

func (s *Staged) Has(key []byte) (bool, error) {
	if w, ok := s.lookup(key); ok {
		return !w.del, nil
	}
	return s.base.Has(key)
}

func (s *Staged) Delete(key []byte) error {
	if s.stage(key, nil, true) {
		return nil
	}
	return s.base.Delete(key)
}

// Iterate merges staged writes over the base entries under prefix.
func (s *Staged) Iterate(prefix []byte, fn func(key, value []byte) bool) error {
	s.mu.Lock()
	overlay := make(map[string]stagedWrite)
	for k, w := range s.writes {
		if bytes.HasPrefix([]byte(k), prefix) {
			overlay[k] = w
		}
	}
	s.mu.Unlock()
	if len(overlay) == 0 {
		return s.base.Iterate(prefix, fn)
	}

	merged := make(map[string][]byte)
	if err := s.base.Iterate(prefix, func(key, value []byte) bool {
		merged[string(key)] = value
		return true
	}); err != nil {
		return err
	}
	for k, w := range overlay {
		if w.del {
			delete(merged, k)
			continue
		}
		merged[k] = w.value
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !fn([]byte(k), append([]byte(nil), merged[k]...)) {
			break
		}
	}
	return nil
}

func (s *Staged) NewBatch() Batch { return &opBatch{} }

// Write stages b when a transaction is open and commits it directly
// otherwise.
func (s *Staged) Write(b Batch) error {
	s.mu.Lock()
	open := s.depth > 0
	s.mu.Unlock()
	if !open {
		return s.base.Write(b)
	}
	return b.Replay(stagedReplay{s})
}

func (s *Staged) Close() { s.base.Close() }

type stagedReplay struct{ s *Staged }

func (r stagedReplay) Put(key, value []byte) { r.s.stage(key, value, false) }
func (r stagedReplay) Delete(key []byte)     { r.s.stage(key, nil, true) }
