package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	escerrors "escrowchain/core/errors"
	"escrowchain/core/events"
	"escrowchain/core/types"
	"escrowchain/crypto"
)

var (
	errNilStore  = errors.New("escrow engine: store not configured")
	errNilLedger = errors.New("escrow engine: ledger not configured")
)

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

// Engine is the escrow state machine orchestrator. Every operation follows
// validate -> mutate and persist state -> transfer value -> emit, so a
// transfer that re-enters the engine observes the already-updated state.
//
// Each mutating operation is atomic when the store is a KVStore sharing a
// storage.Staged database with the ledger.
//
// Engine is not safe for concurrent use. Callers must serialize operations;
// escrowd funnels them through a single executor goroutine.
type Engine struct {
	store   Store
	custody *FundCustody
	machine StateMachine
	dispute DisputeResolution
	emitter events.Emitter
	nowFn   func() int64
}

// NewEngine wires the engine to its store and ledger with a no-op emitter.
func NewEngine(store Store, ledger Ledger) *Engine {
	return &Engine{
		store:   store,
		custody: newFundCustody(ledger),
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// txn groups the writes of one operation. KVStore over a storage.Staged
// database provides it.
type txn interface {
	Atomic(fn func() error) error
	Defer(fn func())
}

// atomic runs fn as one unit: ledger moves, the account record and, from the
// dispatcher, the caller nonce commit together or not at all.
func (e *Engine) atomic(fn func() error) error {
	if e != nil {
		if tx, ok := e.store.(txn); ok {
			return tx.Atomic(fn)
		}
	}
	return fn()
}

func (e *Engine) atomicAmount(fn func() (*big.Int, error)) (*big.Int, error) {
	var amount *big.Int
	err := e.atomic(func() error {
		var err error
		amount, err = fn()
		return err
	})
	if err != nil {
		return nil, err
	}
	return amount, nil
}

// emit publishes event once the surrounding operation has committed.
func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	emitter, evt := e.emitter, escrowEvent{evt: event}
	if tx, ok := e.store.(txn); ok {
		tx.Defer(func() { emitter.Emit(evt) })
		return
	}
	emitter.Emit(evt)
}

// view bundles the components operating on one loaded account.
type view struct {
	acc      *Account
	registry *PartnerRegistry
	tally    *VoteTally
}

func newView(acc *Account) *view {
	registry := newPartnerRegistry(acc)
	return &view{acc: acc, registry: registry, tally: newVoteTally(acc, registry.Set())}
}

func (e *Engine) open(id [32]byte) (*view, error) {
	if e == nil || e.store == nil {
		return nil, errNilStore
	}
	acc, ok, err := e.store.Get(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, escerrors.NotFound("unknown_escrow", "escrow 0x%x not found", id[:])
	}
	return newView(acc), nil
}

// DeriveID computes the deterministic identifier of an escrow.
func DeriveID(creator, buyer, seller [20]byte, metaHash [32]byte) [32]byte {
	return ethcrypto.Keccak256Hash(creator[:], buyer[:], seller[:], metaHash[:])
}

// Create deploys a new escrow funded by creator with initialDeposit. Nothing
// is stored when any argument is rejected.
func (e *Engine) Create(creator [20]byte, params types.CreateParams, initialDeposit *big.Int) (*Account, error) {
	var acc *Account
	err := e.atomic(func() error {
		var err error
		acc, err = e.create(creator, params, initialDeposit)
		return err
	})
	if err != nil {
		return nil, err
	}
	return acc, nil
}

func (e *Engine) create(creator [20]byte, params types.CreateParams, initialDeposit *big.Int) (*Account, error) {
	if e == nil || e.store == nil {
		return nil, errNilStore
	}
	if e.custody.ledger == nil {
		return nil, errNilLedger
	}
	if params.ThresholdPercent == 0 || params.ThresholdPercent > MaxThresholdPercent {
		return nil, escerrors.Validation("threshold_out_of_range", "threshold %d must be within 1..%d", params.ThresholdPercent, MaxThresholdPercent)
	}
	zero := [20]byte{}
	if params.Buyer == zero || params.Seller == zero || params.Arbitrator == zero {
		return nil, escerrors.Validation("missing_role", "buyer, seller and arbitrator are required")
	}
	if params.Buyer == params.Seller || params.Buyer == params.Arbitrator || params.Seller == params.Arbitrator {
		return nil, escerrors.Validation("roles_not_distinct", "buyer, seller and arbitrator must be distinct")
	}
	acc := &Account{
		ID:               DeriveID(creator, params.Buyer, params.Seller, params.MetaHash),
		Buyer:            params.Buyer,
		Seller:           params.Seller,
		Arbitrator:       params.Arbitrator,
		ThresholdPercent: uint32(params.ThresholdPercent),
		Partners:         [][20]byte{},
		Voters:           [][20]byte{},
		Deposited:        big.NewInt(0),
		Disbursed:        big.NewInt(0),
		State:            StateCreated,
		CreatedAt:        uint64(e.nowFn()),
		MetaHash:         params.MetaHash,
	}
	set := newPartnerSet(nil)
	for _, partner := range params.Partners {
		if err := validateCandidate(acc, set, partner); err != nil {
			return nil, err
		}
		set.append(partner)
	}
	acc.Partners = set.List()
	if initialDeposit == nil || initialDeposit.Sign() <= 0 {
		return nil, escerrors.Validation("missing_initial_deposit", "escrow must be funded at creation")
	}
	if err := e.custody.checkDeposit(creator, initialDeposit); err != nil {
		return nil, err
	}
	if _, exists, err := e.store.Get(acc.ID); err != nil {
		return nil, err
	} else if exists {
		return nil, escerrors.Validation("escrow_exists", "escrow 0x%x already deployed", acc.ID[:])
	}

	if err := e.custody.pull(acc, creator, initialDeposit); err != nil {
		return nil, err
	}
	if err := e.store.Put(acc); err != nil {
		if unwindErr := e.custody.unwind(acc.ID, creator, initialDeposit); unwindErr != nil {
			return nil, errors.Join(err, unwindErr)
		}
		return nil, err
	}
	e.emit(NewCreatedEvent(acc))
	e.emit(NewDepositEvent(acc, creator, initialDeposit))
	return acc.Clone(), nil
}

// Deposit accepts a value transfer into custody. Transfers outside Created
// are rejected whole and leave balances untouched.
func (e *Engine) Deposit(id [32]byte, from [20]byte, amount *big.Int) error {
	return e.atomic(func() error { return e.deposit(id, from, amount) })
}

func (e *Engine) deposit(id [32]byte, from [20]byte, amount *big.Int) error {
	v, err := e.open(id)
	if err != nil {
		return err
	}
	if err := e.machine.Require(v.acc, "deposit", StateCreated); err != nil {
		return err
	}
	if err := e.custody.checkDeposit(from, amount); err != nil {
		return err
	}
	if err := e.custody.pull(v.acc, from, amount); err != nil {
		return err
	}
	if err := e.store.Put(v.acc); err != nil {
		if unwindErr := e.custody.unwind(id, from, amount); unwindErr != nil {
			return errors.Join(err, unwindErr)
		}
		return err
	}
	e.emit(NewDepositEvent(v.acc, from, amount))
	return nil
}

// AddNewPartner lets the seller register another release voter.
func (e *Engine) AddNewPartner(id [32]byte, caller, partner [20]byte) error {
	return e.atomic(func() error { return e.addNewPartner(id, caller, partner) })
}

func (e *Engine) addNewPartner(id [32]byte, caller, partner [20]byte) error {
	v, err := e.open(id)
	if err != nil {
		return err
	}
	if err := e.machine.Require(v.acc, "add partner", StateCreated); err != nil {
		return err
	}
	if err := v.registry.Add(caller, partner); err != nil {
		return err
	}
	if err := e.store.Put(v.acc); err != nil {
		return err
	}
	e.emit(NewPartnerAddedEvent(v.acc, partner))
	return nil
}

// InitiateReleasePayment opens the voting round.
func (e *Engine) InitiateReleasePayment(id [32]byte, caller [20]byte) error {
	return e.atomic(func() error { return e.initiateRelease(id, caller) })
}

func (e *Engine) initiateRelease(id [32]byte, caller [20]byte) error {
	v, err := e.open(id)
	if err != nil {
		return err
	}
	if err := e.machine.Require(v.acc, "initiate release", StateCreated); err != nil {
		return err
	}
	if !v.tally.IsEligible(caller) {
		return escerrors.AccessDenied("not_eligible_voter", "only the seller or a partner may initiate release")
	}
	if err := e.machine.Transition(v.acc, StateReleaseInitiated); err != nil {
		return err
	}
	if err := e.store.Put(v.acc); err != nil {
		return err
	}
	e.emit(NewReleaseInitiatedEvent(v.acc, caller))
	return nil
}

// InitiateDispute escalates to the arbitrator.
func (e *Engine) InitiateDispute(id [32]byte, caller [20]byte) error {
	return e.atomic(func() error { return e.initiateDispute(id, caller) })
}

func (e *Engine) initiateDispute(id [32]byte, caller [20]byte) error {
	v, err := e.open(id)
	if err != nil {
		return err
	}
	if err := e.machine.Require(v.acc, "initiate dispute", StateCreated, StateReleaseInitiated); err != nil {
		return err
	}
	if err := e.dispute.AuthorizeRaise(v.acc, v.tally, caller); err != nil {
		return err
	}
	if err := e.machine.Transition(v.acc, StateDisputed); err != nil {
		return err
	}
	if err := e.store.Put(v.acc); err != nil {
		return err
	}
	e.emit(NewDisputeRaisedEvent(v.acc, caller))
	return nil
}

// ApproveReleasePayment records an approval vote.
func (e *Engine) ApproveReleasePayment(id [32]byte, caller [20]byte) error {
	return e.atomic(func() error { return e.vote(id, caller, true) })
}

// DisapproveReleasePayment records a disapproval vote.
func (e *Engine) DisapproveReleasePayment(id [32]byte, caller [20]byte) error {
	return e.atomic(func() error { return e.vote(id, caller, false) })
}

func (e *Engine) vote(id [32]byte, caller [20]byte, approve bool) error {
	v, err := e.open(id)
	if err != nil {
		return err
	}
	if err := e.machine.Require(v.acc, "vote", StateReleaseInitiated); err != nil {
		return err
	}
	if err := v.tally.Cast(caller, approve); err != nil {
		return err
	}
	if err := e.store.Put(v.acc); err != nil {
		return err
	}
	e.emit(NewVoteCastEvent(v.acc, caller, approve))
	return nil
}

// ReleasePayment pays the full custody balance to the seller. In
// ReleaseInitiated an eligible voter may call it once the threshold passed;
// in Disputed only the arbitrator may, regardless of votes.
func (e *Engine) ReleasePayment(id [32]byte, caller [20]byte) (*big.Int, error) {
	return e.atomicAmount(func() (*big.Int, error) { return e.releasePayment(id, caller) })
}

func (e *Engine) releasePayment(id [32]byte, caller [20]byte) (*big.Int, error) {
	v, err := e.open(id)
	if err != nil {
		return nil, err
	}
	if err := e.machine.Require(v.acc, "release", StateReleaseInitiated, StateDisputed); err != nil {
		return nil, err
	}
	switch v.acc.State {
	case StateReleaseInitiated:
		if !v.tally.IsEligible(caller) {
			return nil, escerrors.AccessDenied("not_eligible_voter", "only the seller or a partner may release")
		}
		if !v.tally.HasPassedThreshold() {
			return nil, escerrors.InsufficientAuthorization("threshold_not_met", "%d of %d voters approved, %d%% required", v.acc.VotesFor, v.tally.EligibleVoters(), v.acc.ThresholdPercent)
		}
	case StateDisputed:
		if err := e.dispute.AuthorizeResolution(v.acc, caller); err != nil {
			return nil, err
		}
	}
	return e.settle(v.acc, StateReleased, v.acc.Seller, "escrow.release", NewReleasedEvent)
}

// RefundPayment returns the full custody balance to the buyer. Refunds are
// an arbitrator decision and therefore require an active dispute.
func (e *Engine) RefundPayment(id [32]byte, caller [20]byte) (*big.Int, error) {
	return e.atomicAmount(func() (*big.Int, error) { return e.refundPayment(id, caller) })
}

func (e *Engine) refundPayment(id [32]byte, caller [20]byte) (*big.Int, error) {
	v, err := e.open(id)
	if err != nil {
		return nil, err
	}
	if err := e.machine.Require(v.acc, "refund", StateDisputed); err != nil {
		return nil, err
	}
	if err := e.dispute.AuthorizeResolution(v.acc, caller); err != nil {
		return nil, err
	}
	return e.settle(v.acc, StateRefunded, v.acc.Buyer, "escrow.refund", NewRefundedEvent)
}

// settle flips acc into a terminal state and persists it before any value
// leaves custody. A failed transfer restores the previous snapshot.
func (e *Engine) settle(acc *Account, to State, recipient [20]byte, memo string, eventFn func(*Account, *big.Int) *types.Event) (*big.Int, error) {
	before := acc.Clone()
	if err := e.machine.Transition(acc, to); err != nil {
		return nil, err
	}
	amount := e.custody.earmark(acc)
	if err := e.store.Put(acc); err != nil {
		return nil, err
	}
	if err := e.custody.pay(acc.ID, recipient, amount, memo); err != nil {
		if restoreErr := e.store.Put(before); restoreErr != nil {
			return nil, errors.Join(err, fmt.Errorf("escrow: restore snapshot: %w", restoreErr))
		}
		return nil, fmt.Errorf("escrow: payout to %s failed: %w", crypto.FormatAddress(recipient), err)
	}
	e.emit(eventFn(acc, amount))
	return amount, nil
}

// Get returns a copy of the escrow account.
func (e *Engine) Get(id [32]byte) (*Account, error) {
	v, err := e.open(id)
	if err != nil {
		return nil, err
	}
	return v.acc.Clone(), nil
}

// State returns the current lifecycle state.
func (e *Engine) State(id [32]byte) (State, error) {
	v, err := e.open(id)
	if err != nil {
		return 0, err
	}
	return v.acc.State, nil
}

// DepositedValue returns the total value ever deposited.
func (e *Engine) DepositedValue(id [32]byte) (*big.Int, error) {
	v, err := e.open(id)
	if err != nil {
		return nil, err
	}
	return cloneBigInt(v.acc.Deposited), nil
}

// VoteCount returns the number of approval votes.
func (e *Engine) VoteCount(id [32]byte) (uint64, error) {
	v, err := e.open(id)
	if err != nil {
		return 0, err
	}
	return v.acc.VotesFor, nil
}

// FundReleaseVoteCount returns the number of disapproval votes.
func (e *Engine) FundReleaseVoteCount(id [32]byte) (uint64, error) {
	v, err := e.open(id)
	if err != nil {
		return 0, err
	}
	return v.acc.VotesAgainst, nil
}

// HasPassedThreshold evaluates the approval threshold against the current
// eligible voter count.
func (e *Engine) HasPassedThreshold(id [32]byte) (bool, error) {
	v, err := e.open(id)
	if err != nil {
		return false, err
	}
	return v.tally.HasPassedThreshold(), nil
}

// EligibleVoters returns 1 + the current partner count.
func (e *Engine) EligibleVoters(id [32]byte) (uint64, error) {
	v, err := e.open(id)
	if err != nil {
		return 0, err
	}
	return v.tally.EligibleVoters(), nil
}

// Partners lists the partners in the order they were added.
func (e *Engine) Partners(id [32]byte) ([][20]byte, error) {
	v, err := e.open(id)
	if err != nil {
		return nil, err
	}
	return v.registry.Set().List(), nil
}

// HasVoted reports whether addr cast a vote in the release round.
func (e *Engine) HasVoted(id [32]byte, addr [20]byte) (bool, error) {
	v, err := e.open(id)
	if err != nil {
		return false, err
	}
	return v.tally.HasVoted(addr), nil
}

// List visits every stored escrow.
func (e *Engine) List(fn func(*Account) bool) error {
	if e == nil || e.store == nil {
		return errNilStore
	}
	return e.store.Iterate(fn)
}
