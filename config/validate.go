package config

import (
	"fmt"
	"strings"
)

var (
	MinEpochSeconds = uint32(60)
)

// Validate rejects configurations escrowd cannot run with.
func Validate(c *Config) error {
	if c == nil {
		return fmt.Errorf("config: nil")
	}
	if strings.TrimSpace(c.ListenAddress) == "" {
		return fmt.Errorf("config: ListenAddress required")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("config: DataDir required")
	}
	switch c.Database.Driver {
	case DriverSQLite:
	case DriverPostgres:
		if strings.TrimSpace(c.Database.DSN) == "" {
			return fmt.Errorf("database: postgres requires DSN")
		}
	default:
		return fmt.Errorf("database: unsupported driver %q", c.Database.Driver)
	}
	if c.Logging.MaxSizeMB < 0 || c.Logging.MaxBackups < 0 {
		return fmt.Errorf("logging: rotation limits must be non-negative")
	}
	if c.Limits.RatePerSecond < 0 || c.Limits.Burst < 0 {
		return fmt.Errorf("limits: rate and burst must be non-negative")
	}
	if c.Limits.RatePerSecond > 0 && c.Limits.Burst == 0 {
		return fmt.Errorf("limits: burst must be positive when a rate is set")
	}
	if c.Limits.MaxBodyBytes < 0 {
		return fmt.Errorf("limits: max_body_bytes < 0")
	}
	if _, err := c.Limits.ProxyNets(); err != nil {
		return fmt.Errorf("limits: %w", err)
	}
	if c.Limits.Quota.EpochSeconds < MinEpochSeconds {
		return fmt.Errorf("limits.quota: epoch_seconds too small")
	}
	if c.Observability.Tracing && strings.TrimSpace(c.Observability.OTLPEndpoint) == "" {
		return fmt.Errorf("observability: tracing requires OTLPEndpoint")
	}
	return nil
}
