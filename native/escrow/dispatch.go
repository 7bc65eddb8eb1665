package escrow

import (
	"errors"
	"fmt"
	"math/big"

	escerrors "escrowchain/core/errors"
	"escrowchain/core/types"
	"escrowchain/native/bank"
	"escrowchain/native/common"
)

// ModuleName is the pause key guarding mutating escrow calls.
const ModuleName = "escrow"

// NonceKeeper tracks per-caller call nonces. bank.Ledger implements it.
type NonceKeeper interface {
	CheckNonce(addr [20]byte, nonce uint64) error
	ConsumeNonce(addr [20]byte, nonce uint64) error
}

// Receipt summarises a successfully executed call.
type Receipt struct {
	CallHash [32]byte
	Type     types.CallType
	EscrowID [32]byte
	State    State
	Amount   *big.Int
}

// Dispatcher authenticates signed calls and routes them to the engine.
type Dispatcher struct {
	engine *Engine
	nonces NonceKeeper
	pauses common.PauseView
}

// NewDispatcher builds a dispatcher. nonces and pauses are optional.
func NewDispatcher(engine *Engine, nonces NonceKeeper, pauses common.PauseView) *Dispatcher {
	return &Dispatcher{engine: engine, nonces: nonces, pauses: pauses}
}

// Engine exposes the underlying engine for read-only queries.
func (d *Dispatcher) Engine() *Engine { return d.engine }

// Execute verifies the caller signature and nonce before any role or state
// validation, then applies the call. The call's effects and the nonce are
// committed together, so a failed call consumes nothing and a committed one
// cannot be replayed.
func (d *Dispatcher) Execute(call *types.Call) (*Receipt, error) {
	if call == nil {
		return nil, escerrors.Validation("nil_call", "call required")
	}
	if !call.Type.Valid() {
		return nil, escerrors.Validation("unknown_call", "unsupported call type %s", call.Type)
	}
	if err := call.Verify(); err != nil {
		return nil, escerrors.Signature("bad_signature", "%v", err)
	}
	if d.nonces != nil {
		if err := d.nonces.CheckNonce(call.Caller, call.Nonce); err != nil {
			if errors.Is(err, bank.ErrBadNonce) {
				return nil, escerrors.Validation("bad_nonce", "%v", err)
			}
			return nil, err
		}
	}
	if err := common.Guard(d.pauses, ModuleName); err != nil {
		return nil, escerrors.WithCause(escerrors.InvalidState("module_paused", "escrow module paused"), err)
	}

	hash, err := call.Hash()
	if err != nil {
		return nil, err
	}
	receipt := &Receipt{Type: call.Type, EscrowID: call.EscrowID}
	copy(receipt.CallHash[:], hash)

	err = d.engine.atomic(func() error {
		if err := d.apply(call, receipt); err != nil {
			return err
		}
		if d.nonces != nil {
			if err := d.nonces.ConsumeNonce(call.Caller, call.Nonce); err != nil {
				return fmt.Errorf("escrow: consume nonce: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if state, err := d.engine.State(receipt.EscrowID); err == nil {
		receipt.State = state
	}
	return receipt, nil
}

func (d *Dispatcher) apply(call *types.Call, receipt *Receipt) error {
	e := d.engine
	switch call.Type {
	case types.CallCreate:
		params, err := types.DecodeCreateParams(call.Data)
		if err != nil {
			return escerrors.Validation("bad_create_params", "%v", err)
		}
		acc, err := e.Create(call.Caller, params, call.Value)
		if err != nil {
			return err
		}
		receipt.EscrowID = acc.ID
		receipt.Amount = cloneBigInt(acc.Deposited)
		return nil
	case types.CallDeposit:
		if err := e.Deposit(call.EscrowID, call.Caller, call.Value); err != nil {
			return err
		}
		receipt.Amount = cloneBigInt(call.Value)
		return nil
	case types.CallAddPartner:
		partner, err := types.PartnerFromData(call.Data)
		if err != nil {
			return escerrors.Validation("bad_partner", "%v", err)
		}
		return e.AddNewPartner(call.EscrowID, call.Caller, partner)
	case types.CallInitiateRelease:
		return e.InitiateReleasePayment(call.EscrowID, call.Caller)
	case types.CallInitiateDispute:
		return e.InitiateDispute(call.EscrowID, call.Caller)
	case types.CallApprove:
		return e.ApproveReleasePayment(call.EscrowID, call.Caller)
	case types.CallDisapprove:
		return e.DisapproveReleasePayment(call.EscrowID, call.Caller)
	case types.CallRelease:
		amount, err := e.ReleasePayment(call.EscrowID, call.Caller)
		if err != nil {
			return err
		}
		receipt.Amount = amount
		return nil
	case types.CallRefund:
		amount, err := e.RefundPayment(call.EscrowID, call.Caller)
		if err != nil {
			return err
		}
		receipt.Amount = amount
		return nil
	default:
		return escerrors.Validation("unknown_call", "unsupported call type %s", call.Type)
	}
}
