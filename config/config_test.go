package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"

	"escrowchain/crypto"
)

const testKeystorePassphrase = "test-passphrase"

func TestLoadParsesSections(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	keystorePath := filepath.Join(dir, "operator.keystore")
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if err := crypto.SaveToKeystore(keystorePath, key, testKeystorePassphrase); err != nil {
		t.Fatalf("save keystore: %v", err)
	}
	contents := fmt.Sprintf(`ListenAddress = "127.0.0.1:9000"
DataDir = "%s"
GenesisFile = "genesis.yaml"
OperatorKeystorePath = "%s"

[database]
Driver = "Postgres"
DSN = "postgres://escrow@localhost/escrow"

[logging]
Env = "prod"
File = "/var/log/escrowd.log"
MaxSizeMB = 50
MaxBackups = 3

[limits]
RatePerSecond = 5.5
Burst = 10
TrustedProxies = ["10.0.0.0/8", "192.168.1.7"]

[limits.quota]
MaxRequestsPerMin = 30
MaxValuePerEpoch = 1000000
EpochSeconds = 600

[admin]
JWTSecret = "s3cret"
Issuer = "ops"

[pauses]
Escrow = true
`, filepath.Join(dir, "data"), keystorePath)
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenAddress != "127.0.0.1:9000" || cfg.GenesisFile != "genesis.yaml" {
		t.Fatalf("unexpected top-level fields: %+v", cfg)
	}
	if cfg.Database.Driver != DriverPostgres || cfg.Database.DSN != "postgres://escrow@localhost/escrow" {
		t.Fatalf("unexpected database: %+v", cfg.Database)
	}
	if cfg.Logging.File != "/var/log/escrowd.log" || cfg.Logging.MaxSizeMB != 50 || cfg.Logging.MaxBackups != 3 {
		t.Fatalf("unexpected logging: %+v", cfg.Logging)
	}
	if cfg.Limits.RatePerSecond != 5.5 || cfg.Limits.Burst != 10 {
		t.Fatalf("unexpected limits: %+v", cfg.Limits)
	}
	nets, err := cfg.Limits.ProxyNets()
	if err != nil || len(nets) != 2 || !nets[1].Contains(net.ParseIP("192.168.1.7")) || nets[1].Contains(net.ParseIP("192.168.1.8")) {
		t.Fatalf("unexpected trusted proxies %v: %v", nets, err)
	}
	if cfg.Limits.MaxBodyBytes != 1<<20 {
		t.Fatalf("expected default body limit, got %d", cfg.Limits.MaxBodyBytes)
	}
	quota := cfg.Limits.Quota.Runtime()
	if quota.MaxRequestsPerMin != 30 || quota.MaxValuePerEpoch != 1000000 || quota.EpochSeconds != 600 {
		t.Fatalf("unexpected quota: %+v", quota)
	}
	if cfg.Admin.Secret() != "s3cret" || cfg.Admin.Issuer != "ops" {
		t.Fatalf("unexpected admin: %+v", cfg.Admin)
	}
	if !cfg.Pauses.Modules()["escrow"] {
		t.Fatalf("expected escrow paused at boot")
	}
	if cfg.StatePath() != filepath.Join(dir, "data", "state") {
		t.Fatalf("unexpected state path: %s", cfg.StatePath())
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("ListenAddress = \":1\"\nRPCAddress = \":2\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path, WithKeystorePassphrase(testKeystorePassphrase)); err == nil {
		t.Fatalf("expected unknown key error")
	}
}

func TestLoadWithoutPassphraseFailsToCreateDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	if _, err := Load(path); !errors.Is(err, ErrKeystorePassphraseRequired) {
		t.Fatalf("expected passphrase error, got %v", err)
	}
}

func TestLoadCreatesKeystoreWithPassphrase(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	passphrase := "strong-passphrase"

	cfg, err := Load(path, WithKeystorePassphrase(passphrase))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.OperatorKeystorePath == "" {
		t.Fatalf("expected operator keystore path to be set")
	}
	if cfg.Database.Driver != DriverSQLite || cfg.Database.DSN == "" {
		t.Fatalf("expected sqlite default, got %+v", cfg.Database)
	}
	key, err := crypto.LoadFromKeystore(cfg.OperatorKeystorePath, passphrase)
	if err != nil {
		t.Fatalf("failed to decrypt keystore: %v", err)
	}
	if key == nil {
		t.Fatalf("expected decrypted key")
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload config: %v", err)
	}
	if reloaded.OperatorKeystorePath != cfg.OperatorKeystorePath {
		t.Fatalf("keystore path not persisted: %s", reloaded.OperatorKeystorePath)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := defaultConfig()
		cfg.applyDefaults()
		return cfg
	}
	if err := Validate(base()); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	cases := map[string]func(*Config){
		"no listen":        func(c *Config) { c.ListenAddress = "" },
		"bad driver":       func(c *Config) { c.Database.Driver = "mysql" },
		"postgres no dsn":  func(c *Config) { c.Database.Driver = DriverPostgres; c.Database.DSN = "" },
		"zero burst":       func(c *Config) { c.Limits.Burst = 0 },
		"bad proxy":        func(c *Config) { c.Limits.TrustedProxies = []string{"gateway"} },
		"short epoch":      func(c *Config) { c.Limits.Quota.EpochSeconds = 10 },
		"tracing endpoint": func(c *Config) { c.Observability.Tracing = true },
	}
	for name, mutate := range cases {
		cfg := base()
		mutate(cfg)
		if err := Validate(cfg); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestAdminSecretFromEnv(t *testing.T) {
	t.Setenv("TEST_ESCROWD_SECRET", "  from-env ")
	admin := Admin{JWTSecretEnv: "TEST_ESCROWD_SECRET"}
	if got := admin.Secret(); got != "from-env" {
		t.Fatalf("unexpected secret %q", got)
	}
	if got := (Admin{}).Secret(); got != "" {
		t.Fatalf("expected empty secret, got %q", got)
	}
}
