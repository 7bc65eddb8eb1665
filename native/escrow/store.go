package escrow

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"

	"escrowchain/storage"
)

var accountPrefix = []byte("escrow/account/")

// Store persists escrow accounts.
type Store interface {
	Put(*Account) error
	Get(id [32]byte) (*Account, bool, error)
	Iterate(fn func(*Account) bool) error
}

// KVStore keeps RLP-encoded accounts in a storage.Database.
type KVStore struct {
	db storage.Database
}

// NewKVStore wraps db.
func NewKVStore(db storage.Database) *KVStore {
	return &KVStore{db: db}
}

// Atomic groups the writes made by fn with those of every component sharing
// the database.
func (s *KVStore) Atomic(fn func() error) error {
	return storage.Atomic(s.db, fn)
}

// Defer runs fn after the enclosing Atomic commits.
func (s *KVStore) Defer(fn func()) {
	storage.Defer(s.db, fn)
}

func accountKey(id [32]byte) []byte {
	key := make([]byte, 0, len(accountPrefix)+len(id))
	key = append(key, accountPrefix...)
	return append(key, id[:]...)
}

// Put stores a sanitized copy of acc.
func (s *KVStore) Put(acc *Account) error {
	clone := acc.Clone()
	if err := clone.sanitize(); err != nil {
		return err
	}
	encoded, err := rlp.EncodeToBytes(clone)
	if err != nil {
		return fmt.Errorf("escrow: encode account: %w", err)
	}
	return s.db.Put(accountKey(clone.ID), encoded)
}

// Get loads an account by ID.
func (s *KVStore) Get(id [32]byte) (*Account, bool, error) {
	raw, err := s.db.Get(accountKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("escrow: load account: %w", err)
	}
	acc, err := decodeAccount(raw)
	if err != nil {
		return nil, false, err
	}
	return acc, true, nil
}

// Iterate visits every stored account in key order.
func (s *KVStore) Iterate(fn func(*Account) bool) error {
	var decodeErr error
	err := s.db.Iterate(accountPrefix, func(_, value []byte) bool {
		acc, err := decodeAccount(value)
		if err != nil {
			decodeErr = err
			return false
		}
		return fn(acc)
	})
	if err != nil {
		return err
	}
	return decodeErr
}

func decodeAccount(raw []byte) (*Account, error) {
	var acc Account
	if err := rlp.DecodeBytes(raw, &acc); err != nil {
		return nil, fmt.Errorf("escrow: decode account: %w", err)
	}
	if err := acc.sanitize(); err != nil {
		return nil, err
	}
	return &acc, nil
}
