package escrow

import (
	escerrors "escrowchain/core/errors"
	"escrowchain/crypto"
)

// VoteTally records release votes for one account. Eligible voters are the
// seller plus every current partner.
type VoteTally struct {
	acc      *Account
	partners *PartnerSet
	voted    map[[20]byte]struct{}
}

func newVoteTally(acc *Account, partners *PartnerSet) *VoteTally {
	voted := make(map[[20]byte]struct{}, len(acc.Voters))
	for _, v := range acc.Voters {
		voted[v] = struct{}{}
	}
	return &VoteTally{acc: acc, partners: partners, voted: voted}
}

// IsEligible reports whether addr may cast a release vote.
func (t *VoteTally) IsEligible(addr [20]byte) bool {
	if addr == ([20]byte{}) {
		return false
	}
	return addr == t.acc.Seller || t.partners.Contains(addr)
}

// EligibleVoters is 1 (seller) plus the partner count at query time.
func (t *VoteTally) EligibleVoters() uint64 {
	return 1 + uint64(t.partners.Len())
}

// HasVoted reports whether addr already cast a vote.
func (t *VoteTally) HasVoted(addr [20]byte) bool {
	_, ok := t.voted[addr]
	return ok
}

// Cast records a vote from voter. State is checked by the caller.
func (t *VoteTally) Cast(voter [20]byte, approve bool) error {
	if !t.IsEligible(voter) {
		return escerrors.AccessDenied("not_eligible_voter", "%s is neither seller nor partner", crypto.FormatAddress(voter))
	}
	if t.HasVoted(voter) {
		return escerrors.Validation("double_vote", "%s already voted", crypto.FormatAddress(voter))
	}
	t.voted[voter] = struct{}{}
	t.acc.Voters = append(t.acc.Voters, voter)
	if approve {
		t.acc.VotesFor++
	} else {
		t.acc.VotesAgainst++
	}
	return nil
}

// HasPassedThreshold is true iff votesFor*100 >= threshold*eligibleVoters.
func (t *VoteTally) HasPassedThreshold() bool {
	return t.acc.VotesFor*100 >= uint64(t.acc.ThresholdPercent)*t.EligibleVoters()
}
