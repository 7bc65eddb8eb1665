package common

import (
	"errors"
	"math"
	"sync"
	"time"
)

var (
	ErrQuotaRequestsExceeded = errors.New("quota requests exceeded")
	ErrQuotaValueCapExceeded = errors.New("quota value cap exceeded")
	ErrQuotaCounterOverflow  = errors.New("quota counter overflow")
)

// QuotaNow captures the current quota usage counters for an address.
type QuotaNow struct {
	ReqCount  uint32
	ValueUsed uint64
	EpochID   uint64
}

// Quota defines the limits enforced for a module interaction per address.
// MaxRequestsPerMin counts calls per epoch; MaxValuePerEpoch caps the value a
// single address may move into custody per epoch.
type Quota struct {
	MaxRequestsPerMin uint32
	MaxValuePerEpoch  uint64
	EpochSeconds      uint32
}

// CheckQuota verifies whether the additional request and value usage fit within the
// configured quota. The returned QuotaNow reflects the updated counters when the
// quota is not exceeded.
func CheckQuota(q Quota, nowEpoch uint64, prev QuotaNow, addReq uint32, addValue uint64) (QuotaNow, error) {
	next := prev
	if prev.EpochID != nowEpoch {
		next = QuotaNow{EpochID: nowEpoch}
	}

	if addReq > 0 {
		if next.ReqCount > math.MaxUint32-addReq {
			return prev, ErrQuotaCounterOverflow
		}
		next.ReqCount += addReq
	}
	if q.MaxRequestsPerMin > 0 && next.ReqCount > q.MaxRequestsPerMin {
		return prev, ErrQuotaRequestsExceeded
	}

	if addValue > 0 {
		if next.ValueUsed > math.MaxUint64-addValue {
			return prev, ErrQuotaCounterOverflow
		}
		next.ValueUsed += addValue
	}
	if q.MaxValuePerEpoch > 0 && next.ValueUsed > q.MaxValuePerEpoch {
		return prev, ErrQuotaValueCapExceeded
	}

	return next, nil
}

// QuotaTracker applies one Quota to many addresses using wall-clock epochs.
type QuotaTracker struct {
	mu    sync.Mutex
	quota Quota
	usage map[[20]byte]QuotaNow
	now   func() time.Time
}

// NewQuotaTracker returns a tracker. A zero EpochSeconds defaults to 60.
func NewQuotaTracker(q Quota, now func() time.Time) *QuotaTracker {
	if q.EpochSeconds == 0 {
		q.EpochSeconds = 60
	}
	if now == nil {
		now = time.Now
	}
	return &QuotaTracker{quota: q, usage: make(map[[20]byte]QuotaNow), now: now}
}

// Charge records one request and value units for addr, failing without
// changing counters when a limit would be exceeded.
func (t *QuotaTracker) Charge(addr [20]byte, value uint64) error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	epoch := uint64(t.now().Unix()) / uint64(t.quota.EpochSeconds)
	next, err := CheckQuota(t.quota, epoch, t.usage[addr], 1, value)
	if err != nil {
		return err
	}
	t.usage[addr] = next
	return nil
}
