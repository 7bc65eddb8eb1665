package escrow

import (
	escerrors "escrowchain/core/errors"
)

// DisputeResolution handles the arbitrator override path.
type DisputeResolution struct{}

// AuthorizeRaise decides who may escalate. While Created only the buyer or a
// partner may; after release initiation the seller may escalate as well.
func (DisputeResolution) AuthorizeRaise(acc *Account, tally *VoteTally, caller [20]byte) error {
	if caller == acc.Buyer {
		return nil
	}
	switch acc.State {
	case StateCreated:
		if caller != acc.Seller && tally.IsEligible(caller) {
			return nil
		}
	case StateReleaseInitiated:
		if tally.IsEligible(caller) {
			return nil
		}
	}
	return escerrors.AccessDenied("not_dispute_party", "caller may not raise a dispute in state %s", acc.State)
}

// AuthorizeResolution requires the arbitrator. Its decision bypasses the
// vote threshold entirely.
func (DisputeResolution) AuthorizeResolution(acc *Account, caller [20]byte) error {
	if caller != acc.Arbitrator {
		return escerrors.AccessDenied("not_arbitrator", "only the arbitrator may settle a dispute")
	}
	return nil
}
