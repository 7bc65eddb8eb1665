package escrow

import (
	"fmt"
	"math/big"
)

// State represents the lifecycle states of a multi-party escrow.
type State uint8

const (
	StateCreated State = iota
	StateReleaseInitiated
	StateDisputed
	StateReleased
	StateRefunded
)

var stateNames = [...]string{
	StateCreated:          "created",
	StateReleaseInitiated: "release_initiated",
	StateDisputed:         "disputed",
	StateReleased:         "released",
	StateRefunded:         "refunded",
}

func (s State) String() string {
	if s.Valid() {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Valid reports whether the status value is within the supported range.
func (s State) Valid() bool {
	return s <= StateRefunded
}

// Terminal reports whether no value-moving action may follow.
func (s State) Terminal() bool {
	return s == StateReleased || s == StateRefunded
}

// MaxThresholdPercent is the upper bound (inclusive) for ThresholdPercent.
const MaxThresholdPercent = 100

// Account is the singleton state of one deployed escrow. Buyer, seller,
// arbitrator and threshold never change after creation. Partners and Voters
// are append-only.
type Account struct {
	ID               [32]byte
	Buyer            [20]byte
	Seller           [20]byte
	Arbitrator       [20]byte
	ThresholdPercent uint32
	Partners         [][20]byte
	Deposited        *big.Int
	Disbursed        *big.Int
	State            State
	Voters           [][20]byte
	VotesFor         uint64
	VotesAgainst     uint64
	CreatedAt        uint64
	MetaHash         [32]byte
}

// Clone returns a deep copy of the account so callers can safely mutate the
// copy without affecting the stored instance.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	clone := *a
	clone.Partners = append([][20]byte(nil), a.Partners...)
	clone.Voters = append([][20]byte(nil), a.Voters...)
	clone.Deposited = cloneBigInt(a.Deposited)
	clone.Disbursed = cloneBigInt(a.Disbursed)
	return &clone
}

// Balance is the value still held in custody.
func (a *Account) Balance() *big.Int {
	if a == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Sub(cloneBigInt(a.Deposited), cloneBigInt(a.Disbursed))
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// sanitize checks the structural invariants of a stored account.
func (a *Account) sanitize() error {
	if a == nil {
		return fmt.Errorf("escrow: nil account")
	}
	if !a.State.Valid() {
		return fmt.Errorf("escrow: invalid state %d", a.State)
	}
	if a.ThresholdPercent == 0 || a.ThresholdPercent > MaxThresholdPercent {
		return fmt.Errorf("escrow: threshold %d out of range", a.ThresholdPercent)
	}
	if a.Deposited == nil {
		a.Deposited = big.NewInt(0)
	}
	if a.Disbursed == nil {
		a.Disbursed = big.NewInt(0)
	}
	if a.Deposited.Sign() < 0 || a.Disbursed.Sign() < 0 {
		return fmt.Errorf("escrow: negative custody amounts")
	}
	if a.Disbursed.Cmp(a.Deposited) > 0 {
		return fmt.Errorf("escrow: disbursed %s exceeds deposited %s", a.Disbursed, a.Deposited)
	}
	if a.Partners == nil {
		a.Partners = [][20]byte{}
	}
	if a.Voters == nil {
		a.Voters = [][20]byte{}
	}
	return nil
}
