package config

import (
	"os"
	"strings"

	"escrowchain/native/common"
)

// Modules converts the boot-time pause flags into the module map consumed by
// common.NewPauses.
func (p Pauses) Modules() map[string]bool {
	return map[string]bool{
		"escrow": p.Escrow,
	}
}

// Runtime returns the quota enforced by common.QuotaTracker.
func (q Quota) Runtime() common.Quota {
	return common.Quota{
		MaxRequestsPerMin: q.MaxRequestsPerMin,
		MaxValuePerEpoch:  q.MaxValuePerEpoch,
		EpochSeconds:      q.EpochSeconds,
	}
}

// Secret resolves the admin signing secret, preferring the inline value.
func (a Admin) Secret() string {
	if secret := strings.TrimSpace(a.JWTSecret); secret != "" {
		return secret
	}
	if env := strings.TrimSpace(a.JWTSecretEnv); env != "" {
		return strings.TrimSpace(os.Getenv(env))
	}
	return ""
}
