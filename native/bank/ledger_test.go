package bank

import (
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"escrowchain/core/events"
	"escrowchain/storage"
	"escrowchain/storage/storagetest"
)

func addr(fill byte) [20]byte {
	var out [20]byte
	for i := range out {
		out[i] = fill
	}
	return out
}

func TestTransferMovesBalanceAndEmits(t *testing.T) {
	rec := &events.Recorder{}
	ledger := NewLedger(storage.NewMemDB(), rec)
	alice, bob := addr(0x01), addr(0x02)

	require.NoError(t, ledger.Credit(alice, big.NewInt(100)))
	require.NoError(t, ledger.Transfer(alice, bob, big.NewInt(40), "test"))

	bal, err := ledger.Balance(alice)
	require.NoError(t, err)
	require.Equal(t, "60", bal.String())
	bal, err = ledger.Balance(bob)
	require.NoError(t, err)
	require.Equal(t, "40", bal.String())
	require.Equal(t, []string{events.TypeTransfer}, rec.Types())
}

func TestTransferRejectsOverdraft(t *testing.T) {
	ledger := NewLedger(storage.NewMemDB(), nil)
	alice, bob := addr(0x01), addr(0x02)
	require.NoError(t, ledger.Credit(alice, big.NewInt(5)))

	err := ledger.Transfer(alice, bob, big.NewInt(6), "")
	require.True(t, errors.Is(err, ErrInsufficientBalance))
	bal, err := ledger.Balance(alice)
	require.NoError(t, err)
	require.Equal(t, "5", bal.String())

	ok, err := ledger.CanDebit(alice, big.NewInt(5))
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCreditRejectsOverflow(t *testing.T) {
	ledger := NewLedger(storage.NewMemDB(), nil)
	huge := new(big.Int).Lsh(big.NewInt(1), 256)
	require.True(t, errors.Is(ledger.Credit(addr(0x01), huge), ErrAmountOverflow))
	require.Error(t, ledger.Credit(addr(0x01), big.NewInt(-1)))
}

func TestNonceSequence(t *testing.T) {
	ledger := NewLedger(storage.NewMemDB(), nil)
	alice := addr(0x01)

	require.True(t, errors.Is(ledger.CheckNonce(alice, 2), ErrBadNonce))
	require.NoError(t, ledger.CheckNonce(alice, 1))
	require.NoError(t, ledger.ConsumeNonce(alice, 1))
	require.True(t, errors.Is(ledger.ConsumeNonce(alice, 1), ErrBadNonce))
	require.NoError(t, ledger.ConsumeNonce(alice, 2))

	acc, err := ledger.Account(alice)
	require.NoError(t, err)
	require.Equal(t, uint64(2), acc.Nonce)
}

func TestTransferWriteFailureMovesNothing(t *testing.T) {
	db := storagetest.NewFailingDB()
	rec := &events.Recorder{}
	ledger := NewLedger(db, rec)
	alice, bob := addr(0x01), addr(0x02)
	require.NoError(t, ledger.Credit(alice, big.NewInt(100)))

	db.FailOn(accountKey(bob))
	err := ledger.Transfer(alice, bob, big.NewInt(25), "test")
	require.ErrorIs(t, err, storagetest.ErrWriteFailed)
	require.Empty(t, rec.Types())

	bal, err := ledger.Balance(alice)
	require.NoError(t, err)
	require.Equal(t, "100", bal.String())
	bal, err = ledger.Balance(bob)
	require.NoError(t, err)
	require.Equal(t, "0", bal.String())

	db.FailOn(nil)
	require.NoError(t, ledger.Transfer(alice, bob, big.NewInt(25), "test"))
	bal, err = ledger.Balance(bob)
	require.NoError(t, err)
	require.Equal(t, "25", bal.String())
}

func TestTransferEventWaitsForCommit(t *testing.T) {
	rec := &events.Recorder{}
	staged := storage.NewStaged(storage.NewMemDB())
	ledger := NewLedger(staged, rec)
	alice, bob := addr(0x01), addr(0x02)
	require.NoError(t, ledger.Credit(alice, big.NewInt(10)))

	err := staged.Atomic(func() error {
		require.NoError(t, ledger.Transfer(alice, bob, big.NewInt(4), "test"))
		require.Empty(t, rec.Types())
		return errors.New("abort")
	})
	require.Error(t, err)
	require.Empty(t, rec.Types())
	bal, err := ledger.Balance(alice)
	require.NoError(t, err)
	require.Equal(t, "10", bal.String())
}
