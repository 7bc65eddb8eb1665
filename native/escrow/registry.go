package escrow

import (
	escerrors "escrowchain/core/errors"
	"escrowchain/crypto"
)

// PartnerSet is an ordered, append-only set of partner identities. Once
// added, a partner keeps its vote for the life of the escrow.
type PartnerSet struct {
	order [][20]byte
	index map[[20]byte]struct{}
}

func newPartnerSet(members [][20]byte) *PartnerSet {
	set := &PartnerSet{order: make([][20]byte, 0, len(members)), index: make(map[[20]byte]struct{}, len(members))}
	for _, m := range members {
		if _, ok := set.index[m]; ok {
			continue
		}
		set.order = append(set.order, m)
		set.index[m] = struct{}{}
	}
	return set
}

// Contains reports membership.
func (s *PartnerSet) Contains(addr [20]byte) bool {
	_, ok := s.index[addr]
	return ok
}

// Len returns the number of partners.
func (s *PartnerSet) Len() int { return len(s.order) }

// List returns the partners in insertion order.
func (s *PartnerSet) List() [][20]byte { return append([][20]byte(nil), s.order...) }

func (s *PartnerSet) append(addr [20]byte) {
	s.order = append(s.order, addr)
	s.index[addr] = struct{}{}
}

// PartnerRegistry owns the partner set of one account.
type PartnerRegistry struct {
	acc *Account
	set *PartnerSet
}

func newPartnerRegistry(acc *Account) *PartnerRegistry {
	return &PartnerRegistry{acc: acc, set: newPartnerSet(acc.Partners)}
}

// Set exposes the read-only membership view.
func (r *PartnerRegistry) Set() *PartnerSet { return r.set }

// validateCandidate checks a partner identity against the account roles and
// the existing set.
func validateCandidate(acc *Account, set *PartnerSet, candidate [20]byte) error {
	if candidate == ([20]byte{}) {
		return escerrors.Validation("zero_partner", "partner identity must not be empty")
	}
	if set.Contains(candidate) {
		return escerrors.Validation("duplicate_partner", "%s is already a partner", crypto.FormatAddress(candidate))
	}
	switch candidate {
	case acc.Seller:
		return escerrors.Validation("partner_is_seller", "seller already votes")
	case acc.Buyer:
		return escerrors.Validation("partner_is_buyer", "buyer cannot vote on release")
	case acc.Arbitrator:
		return escerrors.Validation("partner_is_arbitrator", "arbitrator cannot vote on release")
	}
	return nil
}

// Add appends candidate on behalf of caller. The state check happens in the
// engine before this runs.
func (r *PartnerRegistry) Add(caller, candidate [20]byte) error {
	if caller != r.acc.Seller {
		return escerrors.AccessDenied("not_seller", "only the seller may add partners")
	}
	if err := validateCandidate(r.acc, r.set, candidate); err != nil {
		return err
	}
	r.set.append(candidate)
	r.acc.Partners = r.set.List()
	return nil
}
