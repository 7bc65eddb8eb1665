// Package storagetest provides storage.Database doubles for tests.
package storagetest

import (
	"bytes"
	"errors"
	"sync"

	"escrowchain/storage"
)

// ErrWriteFailed is returned by FailingDB for rejected writes.
var ErrWriteFailed = errors.New("storagetest: disk write failed")

// FailingDB is a MemDB that rejects every Put, Delete or batch Write touching
// a key under the armed prefix. A rejected batch leaves the data untouched.
type FailingDB struct {
	*storage.MemDB

	mu     sync.Mutex
	prefix []byte
	fails  int
}

// NewFailingDB returns a disarmed FailingDB.
func NewFailingDB() *FailingDB {
	return &FailingDB{MemDB: storage.NewMemDB()}
}

// FailOn arms the database for keys starting with prefix. A nil prefix
// disarms it.
func (db *FailingDB) FailOn(prefix []byte) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.prefix = nil
	if prefix != nil {
		db.prefix = append([]byte{}, prefix...)
	}
}

// Failures counts rejected keys so far.
func (db *FailingDB) Failures() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.fails
}

func (db *FailingDB) reject(key []byte) bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.prefix == nil || !bytes.HasPrefix(key, db.prefix) {
		return false
	}
	db.fails++
	return true
}

func (db *FailingDB) Put(key, value []byte) error {
	if db.reject(key) {
		return ErrWriteFailed
	}
	return db.MemDB.Put(key, value)
}

func (db *FailingDB) Delete(key []byte) error {
	if db.reject(key) {
		return ErrWriteFailed
	}
	return db.MemDB.Delete(key)
}

func (db *FailingDB) Write(b storage.Batch) error {
	scan := &keyScan{db: db}
	if err := b.Replay(scan); err != nil {
		return err
	}
	if scan.hit {
		return ErrWriteFailed
	}
	return db.MemDB.Write(b)
}

type keyScan struct {
	db  *FailingDB
	hit bool
}

func (s *keyScan) Put(key, _ []byte) { s.check(key) }
func (s *keyScan) Delete(key []byte)  { s.check(key) }

func (s *keyScan) check(key []byte) {
	if !s.hit && s.db.reject(key) {
		s.hit = true
	}
}
