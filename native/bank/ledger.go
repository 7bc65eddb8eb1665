package bank

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"escrowchain/core/events"
	"escrowchain/core/types"
	"escrowchain/storage"
)

var accountPrefix = []byte("bank/account/")

var (
	// ErrInsufficientBalance is returned when a debit exceeds the balance.
	ErrInsufficientBalance = errors.New("bank: insufficient balance")
	// ErrBadNonce is returned when a signed call does not carry the next nonce.
	ErrBadNonce = errors.New("bank: unexpected nonce")
	// ErrAmountOverflow is returned when a balance would exceed 256 bits.
	ErrAmountOverflow = errors.New("bank: amount exceeds 256 bits")
)

type accountRecord struct {
	Nonce   uint64
	Balance *big.Int
}

// Ledger keeps participant balances and call nonces in the state database.
// Value moved by the escrow engine always travels through Transfer.
type Ledger struct {
	mu      sync.Mutex
	db      storage.Database
	emitter events.Emitter
}

// NewLedger wraps db. A nil emitter discards transfer events.
func NewLedger(db storage.Database, emitter events.Emitter) *Ledger {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	return &Ledger{db: db, emitter: emitter}
}

func accountKey(addr [20]byte) []byte {
	key := make([]byte, 0, len(accountPrefix)+len(addr))
	key = append(key, accountPrefix...)
	return append(key, addr[:]...)
}

func (l *Ledger) load(addr [20]byte) (*types.Account, error) {
	raw, err := l.db.Get(accountKey(addr))
	if errors.Is(err, storage.ErrNotFound) {
		return &types.Account{Balance: big.NewInt(0)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("bank: load account: %w", err)
	}
	var rec accountRecord
	if err := rlp.DecodeBytes(raw, &rec); err != nil {
		return nil, fmt.Errorf("bank: decode account: %w", err)
	}
	if rec.Balance == nil {
		rec.Balance = big.NewInt(0)
	}
	return &types.Account{Nonce: rec.Nonce, Balance: rec.Balance}, nil
}

func encodeAccount(acc *types.Account) ([]byte, error) {
	encoded, err := rlp.EncodeToBytes(accountRecord{Nonce: acc.Nonce, Balance: acc.Balance})
	if err != nil {
		return nil, fmt.Errorf("bank: encode account: %w", err)
	}
	return encoded, nil
}

func (l *Ledger) store(addr [20]byte, acc *types.Account) error {
	encoded, err := encodeAccount(acc)
	if err != nil {
		return err
	}
	return l.db.Put(accountKey(addr), encoded)
}

// Account returns a copy of the stored account; unknown addresses yield a
// zero account.
func (l *Ledger) Account(addr [20]byte) (*types.Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, err := l.load(addr)
	if err != nil {
		return nil, err
	}
	return acc.Clone(), nil
}

// Balance returns the spendable balance of addr.
func (l *Ledger) Balance(addr [20]byte) (*big.Int, error) {
	acc, err := l.Account(addr)
	if err != nil {
		return nil, err
	}
	return acc.Balance, nil
}

func checkAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("bank: amount must be non-negative")
	}
	if _, overflow := uint256.FromBig(amount); overflow {
		return ErrAmountOverflow
	}
	return nil
}

// Credit mints amount into addr. It is reserved for genesis funding.
func (l *Ledger) Credit(addr [20]byte, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, err := l.load(addr)
	if err != nil {
		return err
	}
	next := new(big.Int).Add(acc.Balance, amount)
	if err := checkAmount(next); err != nil {
		return err
	}
	acc.Balance = next
	return l.store(addr, acc)
}

// CanDebit reports whether addr holds at least amount.
func (l *Ledger) CanDebit(addr [20]byte, amount *big.Int) (bool, error) {
	if err := checkAmount(amount); err != nil {
		return false, err
	}
	acc, err := l.Account(addr)
	if err != nil {
		return false, err
	}
	return acc.Balance.Cmp(amount) >= 0, nil
}

// Transfer moves amount from one account to another and emits a transfer
// event. Both balances are written in one batch; over a storage.Staged
// database the event waits for the enclosing commit. Zero-value transfers are
// a no-op.
func (l *Ledger) Transfer(from, to [20]byte, amount *big.Int, memo string) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	if amount.Sign() == 0 {
		return nil
	}
	l.mu.Lock()
	fromAcc, err := l.load(from)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	if fromAcc.Balance.Cmp(amount) < 0 {
		l.mu.Unlock()
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, fromAcc.Balance, amount)
	}
	fromAcc.Balance = new(big.Int).Sub(fromAcc.Balance, amount)
	if from == to {
		l.mu.Unlock()
		return nil
	}
	toAcc, err := l.load(to)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	credited := new(big.Int).Add(toAcc.Balance, amount)
	if err := checkAmount(credited); err != nil {
		l.mu.Unlock()
		return err
	}
	toAcc.Balance = credited
	fromRaw, err := encodeAccount(fromAcc)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	toRaw, err := encodeAccount(toAcc)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	// Debit and credit land together or not at all.
	batch := l.db.NewBatch()
	batch.Put(accountKey(from), fromRaw)
	batch.Put(accountKey(to), toRaw)
	if err := l.db.Write(batch); err != nil {
		l.mu.Unlock()
		return fmt.Errorf("bank: write transfer: %w", err)
	}
	l.mu.Unlock()
	evt := events.Transfer{From: from, To: to, Amount: new(big.Int).Set(amount), Memo: memo}
	storage.Defer(l.db, func() { l.emitter.Emit(evt) })
	return nil
}

// CheckNonce verifies that nonce is the next expected value for addr without
// consuming it.
func (l *Ledger) CheckNonce(addr [20]byte, nonce uint64) error {
	acc, err := l.Account(addr)
	if err != nil {
		return err
	}
	if nonce != acc.Nonce+1 {
		return fmt.Errorf("%w: expected %d, got %d", ErrBadNonce, acc.Nonce+1, nonce)
	}
	return nil
}

// ConsumeNonce records nonce as used. Calls must arrive in strictly
// increasing order starting at 1.
func (l *Ledger) ConsumeNonce(addr [20]byte, nonce uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, err := l.load(addr)
	if err != nil {
		return err
	}
	if nonce != acc.Nonce+1 {
		return fmt.Errorf("%w: expected %d, got %d", ErrBadNonce, acc.Nonce+1, nonce)
	}
	acc.Nonce = nonce
	return l.store(addr, acc)
}
