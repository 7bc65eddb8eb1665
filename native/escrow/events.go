package escrow

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"escrowchain/core/types"
	"escrowchain/crypto"
)

const (
	EventTypeCreated          = "escrow.created"
	EventTypeDeposit          = "escrow.deposit"
	EventTypePartnerAdded     = "escrow.partner_added"
	EventTypeReleaseInitiated = "escrow.release_initiated"
	EventTypeDisputeRaised    = "escrow.dispute_raised"
	EventTypeVoteCast         = "escrow.vote_cast"
	EventTypeReleased         = "escrow.released"
	EventTypeRefunded         = "escrow.refunded"
)

// NewCreatedEvent returns the canonical payload for a newly deployed escrow.
func NewCreatedEvent(a *Account) *types.Event {
	evt := newEscrowEvent(EventTypeCreated, a)
	if a != nil {
		evt.Attributes["buyer"] = crypto.FormatAddress(a.Buyer)
		evt.Attributes["seller"] = crypto.FormatAddress(a.Seller)
		evt.Attributes["arbitrator"] = crypto.FormatAddress(a.Arbitrator)
		evt.Attributes["thresholdPercent"] = strconv.FormatUint(uint64(a.ThresholdPercent), 10)
		evt.Attributes["partners"] = strconv.Itoa(len(a.Partners))
	}
	return evt
}

// NewDepositEvent is emitted for every value transfer into custody, including
// the initial funding at creation.
func NewDepositEvent(a *Account, from [20]byte, amount *big.Int) *types.Event {
	evt := newEscrowEvent(EventTypeDeposit, a)
	evt.Attributes["from"] = crypto.FormatAddress(from)
	evt.Attributes["amount"] = cloneBigInt(amount).String()
	return evt
}

// NewPartnerAddedEvent announces a new release voter.
func NewPartnerAddedEvent(a *Account, partner [20]byte) *types.Event {
	evt := newEscrowEvent(EventTypePartnerAdded, a)
	evt.Attributes["partner"] = crypto.FormatAddress(partner)
	return evt
}

// NewReleaseInitiatedEvent opens the voting round.
func NewReleaseInitiatedEvent(a *Account, initiator [20]byte) *types.Event {
	evt := newEscrowEvent(EventTypeReleaseInitiated, a)
	evt.Attributes["initiator"] = crypto.FormatAddress(initiator)
	return evt
}

// NewDisputeRaisedEvent hands control to the arbitrator.
func NewDisputeRaisedEvent(a *Account, raisedBy [20]byte) *types.Event {
	evt := newEscrowEvent(EventTypeDisputeRaised, a)
	evt.Attributes["raisedBy"] = crypto.FormatAddress(raisedBy)
	return evt
}

// NewVoteCastEvent records a single approve or disapprove vote.
func NewVoteCastEvent(a *Account, voter [20]byte, approve bool) *types.Event {
	evt := newEscrowEvent(EventTypeVoteCast, a)
	evt.Attributes["voter"] = crypto.FormatAddress(voter)
	evt.Attributes["approve"] = strconv.FormatBool(approve)
	return evt
}

// NewReleasedEvent reports the payout to the seller.
func NewReleasedEvent(a *Account, amount *big.Int) *types.Event {
	evt := newEscrowEvent(EventTypeReleased, a)
	evt.Attributes["amount"] = cloneBigInt(amount).String()
	return evt
}

// NewRefundedEvent reports the payout back to the buyer.
func NewRefundedEvent(a *Account, amount *big.Int) *types.Event {
	evt := newEscrowEvent(EventTypeRefunded, a)
	evt.Attributes["amount"] = cloneBigInt(amount).String()
	return evt
}

func newEscrowEvent(eventType string, a *Account) *types.Event {
	attrs := make(map[string]string)
	if a == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = "0x" + hex.EncodeToString(a.ID[:])
	attrs["state"] = a.State.String()
	attrs["votesFor"] = strconv.FormatUint(a.VotesFor, 10)
	attrs["votesAgainst"] = strconv.FormatUint(a.VotesAgainst, 10)
	attrs["deposited"] = cloneBigInt(a.Deposited).String()
	return &types.Event{Type: eventType, Attributes: attrs}
}
