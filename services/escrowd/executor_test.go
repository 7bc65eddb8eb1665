package main

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"escrowchain/config"
	escerrors "escrowchain/core/errors"
	"escrowchain/core/types"
	"escrowchain/crypto"
	"escrowchain/native/common"
	"escrowchain/native/escrow"
	"escrowchain/storage"
)

func TestExecutorSerializesConcurrentDeposits(t *testing.T) {
	node := NewNode(storage.NewMemDB(), nil)
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	caller := key.PubKey().Address().Raw()
	require.NoError(t, node.ledger.Credit(caller, big.NewInt(1000)))

	acc, err := node.engine.Create(caller, types.CreateParams{
		Buyer:            caller,
		Seller:           [20]byte{0x5E},
		Arbitrator:       [20]byte{0xA7},
		ThresholdPercent: 100,
	}, big.NewInt(100))
	require.NoError(t, err)

	exec := NewExecutor(node.dispatcher, 4)
	exec.Start(context.Background())
	defer exec.Stop()

	// Nonces only apply in order, so concurrent submissions succeed exactly
	// once each only if the executor never interleaves them.
	const workers = 8
	results := make(chan error, workers*workers)
	var wg sync.WaitGroup
	for nonce := uint64(1); nonce <= workers; nonce++ {
		call := types.Call{Type: types.CallDeposit, Nonce: nonce, EscrowID: acc.ID, Value: big.NewInt(10)}
		require.NoError(t, call.Sign(key))
		wg.Add(1)
		go func(call types.Call) {
			defer wg.Done()
			for {
				_, err := exec.Execute(context.Background(), &call)
				if err == nil || escerrors.ReasonOf(err) != "bad_nonce" {
					results <- err
					return
				}
				time.Sleep(time.Millisecond)
			}
		}(call)
	}
	wg.Wait()
	close(results)
	for err := range results {
		require.NoError(t, err)
	}

	var deposited *big.Int
	require.NoError(t, exec.Read(context.Background(), func(engine *escrow.Engine) error {
		var err error
		deposited, err = engine.DepositedValue(acc.ID)
		return err
	}))
	require.Equal(t, "180", deposited.String())
	account, err := node.ledger.Account(caller)
	require.NoError(t, err)
	require.EqualValues(t, workers, account.Nonce)
}

func TestExecutorStopRejectsWork(t *testing.T) {
	node := NewNode(storage.NewMemDB(), nil)
	exec := NewExecutor(node.dispatcher, 1)
	exec.Start(context.Background())
	exec.Stop()
	exec.Stop()

	err := exec.Read(context.Background(), func(*escrow.Engine) error { return nil })
	require.ErrorIs(t, err, ErrExecutorStopped)
	require.Equal(t, "unavailable", errorKind(err))
}

func TestExecutorHonoursContext(t *testing.T) {
	node := NewNode(storage.NewMemDB(), nil)
	exec := NewExecutor(node.dispatcher, 1)
	// Not started: the queue is full and the caller's deadline wins.
	exec.jobs <- func() {}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := exec.Read(ctx, func(*escrow.Engine) error { return nil })
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestApplyGenesisOnce(t *testing.T) {
	db := storage.NewMemDB()
	pauses := common.NewPauses(nil)
	node := NewNode(db, pauses)
	buyer := crypto.MustNewAddress(crypto.EscrowPrefix, bytesOf(0xB1)).String()
	genesis := &config.Genesis{
		Balances: []config.GenesisBalance{{Address: buyer, Amount: "500"}},
		Escrows: []config.GenesisEscrow{{
			Buyer:            buyer,
			Seller:           crypto.MustNewAddress(crypto.EscrowPrefix, bytesOf(0x5E)).String(),
			Arbitrator:       crypto.MustNewAddress(crypto.EscrowPrefix, bytesOf(0xA7)).String(),
			ThresholdPercent: 60,
			Deposit:          "120",
			Meta:             "order-1",
		}},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	require.NoError(t, node.ApplyGenesis(genesis, logger))
	require.NoError(t, node.ApplyGenesis(genesis, logger))

	var raw [20]byte
	copy(raw[:], bytesOf(0xB1))
	balance, err := node.ledger.Balance(raw)
	require.NoError(t, err)
	require.Equal(t, "380", balance.String())

	count := 0
	require.NoError(t, node.engine.List(func(acc *escrow.Account) bool {
		count++
		require.Equal(t, escrow.StateCreated, acc.State)
		return true
	}))
	require.Equal(t, 1, count)
	require.NoError(t, node.RefreshStateGauge())
}

func TestApplyGenesisIsAllOrNothing(t *testing.T) {
	db := storage.NewMemDB()
	node := NewNode(db, nil)
	buyer := crypto.MustNewAddress(crypto.EscrowPrefix, bytesOf(0xB1)).String()
	genesis := &config.Genesis{
		Balances: []config.GenesisBalance{{Address: buyer, Amount: "50"}},
		Escrows: []config.GenesisEscrow{{
			Buyer:            buyer,
			Seller:           crypto.MustNewAddress(crypto.EscrowPrefix, bytesOf(0x5E)).String(),
			Arbitrator:       crypto.MustNewAddress(crypto.EscrowPrefix, bytesOf(0xA7)).String(),
			ThresholdPercent: 60,
			Deposit:          "120",
		}},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	require.Error(t, node.ApplyGenesis(genesis, logger))

	var raw [20]byte
	copy(raw[:], bytesOf(0xB1))
	balance, err := node.ledger.Balance(raw)
	require.NoError(t, err)
	require.Equal(t, "0", balance.String())
	applied, err := db.Has(genesisMarker)
	require.NoError(t, err)
	require.False(t, applied)
}

func bytesOf(fill byte) []byte {
	out := make([]byte, 20)
	for i := range out {
		out[i] = fill
	}
	return out
}
