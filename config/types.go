package config

import (
	"fmt"
	"net"
	"strings"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Database selects the backend of the audit and idempotency store.
type Database struct {
	Driver string `toml:"Driver"`
	DSN    string `toml:"DSN"`
}

// Logging controls structured log output. When File is set, logs are also
// written to a rotating file.
type Logging struct {
	Env        string `toml:"Env"`
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
}

type Observability struct {
	ServiceName  string `toml:"ServiceName"`
	Metrics      bool   `toml:"Metrics"`
	Tracing      bool   `toml:"Tracing"`
	OTLPEndpoint string `toml:"OTLPEndpoint"`
	OTLPInsecure bool   `toml:"OTLPInsecure"`
}

// Quota defines rate limits for escrow calls on a per-caller basis.
type Quota struct {
	MaxRequestsPerMin uint32 `toml:"MaxRequestsPerMin"`
	MaxValuePerEpoch  uint64 `toml:"MaxValuePerEpoch"` // base units
	EpochSeconds      uint32 `toml:"EpochSeconds"`
}

// Limits groups the HTTP admission controls. Forwarding headers are honoured
// for rate limiting only when the peer address falls inside TrustedProxies.
type Limits struct {
	RatePerSecond  float64  `toml:"RatePerSecond"`
	Burst          int      `toml:"Burst"`
	MaxBodyBytes   int64    `toml:"MaxBodyBytes"`
	TrustedProxies []string `toml:"TrustedProxies"`
	Quota          Quota    `toml:"quota"`
}

// ProxyNets parses TrustedProxies. Bare addresses become single-host
// networks.
func (l Limits) ProxyNets() ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(l.TrustedProxies))
	for _, raw := range l.TrustedProxies {
		entry := strings.TrimSpace(raw)
		if !strings.Contains(entry, "/") {
			ip := net.ParseIP(entry)
			if ip == nil {
				return nil, fmt.Errorf("trusted proxy %q is not an IP or CIDR", raw)
			}
			bits := 128
			if ip.To4() != nil {
				ip, bits = ip.To4(), 32
			}
			nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, network, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", raw, err)
		}
		nets = append(nets, network)
	}
	return nets, nil
}

// Admin configures the bearer tokens accepted by the operator endpoints. The
// secret is read from JWTSecretEnv when JWTSecret is empty; with neither set
// the admin endpoints stay disabled.
type Admin struct {
	JWTSecret    string `toml:"JWTSecret"`
	JWTSecretEnv string `toml:"JWTSecretEnv"`
	Issuer       string `toml:"Issuer"`
	Audience     string `toml:"Audience"`
}

// Pauses lists the modules paused at boot.
type Pauses struct {
	Escrow bool `toml:"Escrow"`
}
