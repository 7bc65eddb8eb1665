package escrow

import (
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	escerrors "escrowchain/core/errors"
	"escrowchain/crypto"
)

// Ledger moves value between participant accounts. bank.Ledger implements it.
type Ledger interface {
	Transfer(from, to [20]byte, amount *big.Int, memo string) error
	CanDebit(addr [20]byte, amount *big.Int) (bool, error)
}

// VaultAddress derives the custody account holding an escrow's deposits.
func VaultAddress(id [32]byte) [20]byte {
	var out [20]byte
	digest := ethcrypto.Keccak256([]byte("escrow/vault"), id[:])
	copy(out[:], digest[12:])
	return out
}

// FundCustody owns the deposited balance of every escrow and is the only
// component that calls into the ledger.
type FundCustody struct {
	ledger Ledger
}

func newFundCustody(ledger Ledger) *FundCustody {
	return &FundCustody{ledger: ledger}
}

// checkDeposit validates an incoming transfer before any mutation.
func (c *FundCustody) checkDeposit(from [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return escerrors.Validation("non_positive_amount", "deposit amount must be positive")
	}
	if c.ledger == nil {
		return fmt.Errorf("escrow: ledger not configured")
	}
	ok, err := c.ledger.CanDebit(from, amount)
	if err != nil {
		return err
	}
	if !ok {
		return escerrors.Validation("insufficient_funds", "%s cannot cover deposit of %s", crypto.FormatAddress(from), amount)
	}
	return nil
}

// pull moves amount from the depositor into the vault and credits acc.
func (c *FundCustody) pull(acc *Account, from [20]byte, amount *big.Int) error {
	if err := c.ledger.Transfer(from, VaultAddress(acc.ID), amount, "escrow.deposit"); err != nil {
		return err
	}
	acc.Deposited = new(big.Int).Add(cloneBigInt(acc.Deposited), amount)
	return nil
}

// unwind returns a pulled deposit when recording it failed afterwards.
func (c *FundCustody) unwind(id [32]byte, to [20]byte, amount *big.Int) error {
	return c.ledger.Transfer(VaultAddress(id), to, amount, "escrow.deposit_unwind")
}

// earmark marks the full remaining balance as disbursed and returns it. The
// caller persists the terminal state before calling pay.
func (c *FundCustody) earmark(acc *Account) *big.Int {
	amount := acc.Balance()
	acc.Disbursed = cloneBigInt(acc.Deposited)
	return amount
}

// pay performs the outgoing transfer of an earmarked amount.
func (c *FundCustody) pay(id [32]byte, to [20]byte, amount *big.Int, memo string) error {
	if amount.Sign() == 0 {
		return nil
	}
	return c.ledger.Transfer(VaultAddress(id), to, amount, memo)
}
