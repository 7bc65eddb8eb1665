package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"escrowchain/crypto"

	"github.com/BurntSushi/toml"
)

// ErrKeystorePassphraseRequired is returned when a default configuration has to
// create an operator keystore but no passphrase was supplied.
var ErrKeystorePassphraseRequired = errors.New("config: operator keystore passphrase required")

type Config struct {
	ListenAddress        string        `toml:"ListenAddress"`
	DataDir              string        `toml:"DataDir"`
	GenesisFile          string        `toml:"GenesisFile"`
	OperatorKeystorePath string        `toml:"OperatorKeystorePath"`
	Database             Database      `toml:"database"`
	Logging              Logging       `toml:"logging"`
	Observability        Observability `toml:"observability"`
	Limits               Limits        `toml:"limits"`
	Admin                Admin         `toml:"admin"`
	Pauses               Pauses        `toml:"pauses"`
}

type loadOptions struct {
	passphrase    string
	hasPassphrase bool
}

// LoadOption customises Load.
type LoadOption func(*loadOptions)

// WithKeystorePassphrase supplies the passphrase used when Load has to create
// the operator keystore.
func WithKeystorePassphrase(passphrase string) LoadOption {
	return func(o *loadOptions) {
		o.passphrase = passphrase
		o.hasPassphrase = true
	}
}

// Load loads the configuration from the given path. A missing file is replaced
// by a default configuration together with a freshly generated operator key.
func Load(path string, opts ...LoadOption) (*Config, error) {
	options := loadOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path, options)
	}

	cfg := defaultConfig()
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s has unknown key %s", path, undecoded[0])
	}

	if err := ensureKeystore(path, cfg, options); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func ensureKeystore(configPath string, cfg *Config, options loadOptions) error {
	keystorePath := cfg.OperatorKeystorePath
	if keystorePath == "" {
		keystorePath = defaultKeystorePath(configPath)
	}

	if _, err := os.Stat(keystorePath); os.IsNotExist(err) {
		if !options.hasPassphrase {
			return ErrKeystorePassphraseRequired
		}
		key, genErr := crypto.GeneratePrivateKey()
		if genErr != nil {
			return genErr
		}
		if err := crypto.SaveToKeystore(keystorePath, key, options.passphrase); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if cfg.OperatorKeystorePath != keystorePath {
		cfg.OperatorKeystorePath = keystorePath
		return persist(configPath, cfg)
	}

	return nil
}

func defaultConfig() *Config {
	return &Config{
		ListenAddress: ":8480",
		DataDir:       "./escrow-data",
		Database: Database{
			Driver: DriverSQLite,
		},
		Logging: Logging{
			Env:        "dev",
			MaxSizeMB:  100,
			MaxBackups: 5,
		},
		Observability: Observability{
			ServiceName: "escrowd",
			Metrics:     true,
		},
		Limits: Limits{
			RatePerSecond: 20,
			Burst:         40,
			MaxBodyBytes:  1 << 20,
			Quota: Quota{
				MaxRequestsPerMin: 120,
				EpochSeconds:      3600,
			},
		},
		Admin: Admin{
			JWTSecretEnv: "ESCROWD_ADMIN_JWT_SECRET",
			Issuer:       "escrowd",
		},
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string, options loadOptions) (*Config, error) {
	if !options.hasPassphrase {
		return nil, ErrKeystorePassphraseRequired
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}

	keystorePath := defaultKeystorePath(path)
	if err := crypto.SaveToKeystore(keystorePath, key, options.passphrase); err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	cfg.OperatorKeystorePath = keystorePath
	cfg.applyDefaults()

	if err := persist(path, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	c.Database.Driver = strings.ToLower(strings.TrimSpace(c.Database.Driver))
	if c.Database.Driver == "" {
		c.Database.Driver = DriverSQLite
	}
	if c.Database.Driver == DriverSQLite && strings.TrimSpace(c.Database.DSN) == "" {
		c.Database.DSN = filepath.Join(c.DataDir, "audit.db")
	}
	if strings.TrimSpace(c.Observability.ServiceName) == "" {
		c.Observability.ServiceName = "escrowd"
	}
	if c.Limits.Quota.EpochSeconds == 0 {
		c.Limits.Quota.EpochSeconds = 3600
	}
}

// StatePath is the leveldb directory holding balances and escrow accounts.
func (c *Config) StatePath() string {
	return filepath.Join(c.DataDir, "state")
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "operator.keystore")
}
