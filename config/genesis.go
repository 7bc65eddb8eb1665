package config

import (
	"fmt"
	"math/big"
	"os"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"gopkg.in/yaml.v3"

	"escrowchain/core/types"
	"escrowchain/crypto"
)

// GenesisBalance funds an address at boot.
type GenesisBalance struct {
	Address string `yaml:"address"`
	Amount  string `yaml:"amount"`
}

// GenesisEscrow describes an escrow deployed at boot by its buyer.
type GenesisEscrow struct {
	Buyer            string   `yaml:"buyer"`
	Seller           string   `yaml:"seller"`
	Arbitrator       string   `yaml:"arbitrator"`
	ThresholdPercent uint64   `yaml:"thresholdPercent"`
	Partners         []string `yaml:"partners"`
	Deposit          string   `yaml:"deposit"`
	Meta             string   `yaml:"meta"`
}

// Genesis is the YAML manifest applied to an empty state database.
type Genesis struct {
	Balances []GenesisBalance `yaml:"balances"`
	Escrows  []GenesisEscrow  `yaml:"escrows"`
}

// Allocation is a parsed GenesisBalance.
type Allocation struct {
	Address [20]byte
	Amount  *big.Int
}

// Deployment is a parsed GenesisEscrow. The buyer is the creator and funds
// the initial deposit.
type Deployment struct {
	Creator [20]byte
	Params  types.CreateParams
	Deposit *big.Int
}

// LoadGenesis reads and parses the manifest at path.
func LoadGenesis(path string) (*Genesis, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("genesis: read %s: %w", path, err)
	}
	var g Genesis
	if err := yaml.Unmarshal(raw, &g); err != nil {
		return nil, fmt.Errorf("genesis: decode %s: %w", path, err)
	}
	return &g, nil
}

// Allocations parses every balance entry.
func (g *Genesis) Allocations() ([]Allocation, error) {
	out := make([]Allocation, 0, len(g.Balances))
	for i, entry := range g.Balances {
		addr, err := parseAddress(entry.Address)
		if err != nil {
			return nil, fmt.Errorf("genesis: balances[%d]: %w", i, err)
		}
		amount, err := parseAmount(entry.Amount)
		if err != nil {
			return nil, fmt.Errorf("genesis: balances[%d]: %w", i, err)
		}
		out = append(out, Allocation{Address: addr, Amount: amount})
	}
	return out, nil
}

// Deployments parses every escrow entry. Role and threshold rules are left to
// the engine.
func (g *Genesis) Deployments() ([]Deployment, error) {
	out := make([]Deployment, 0, len(g.Escrows))
	for i, entry := range g.Escrows {
		d, err := entry.parse()
		if err != nil {
			return nil, fmt.Errorf("genesis: escrows[%d]: %w", i, err)
		}
		out = append(out, d)
	}
	return out, nil
}

func (e GenesisEscrow) parse() (Deployment, error) {
	var d Deployment
	var err error
	if d.Params.Buyer, err = parseAddress(e.Buyer); err != nil {
		return d, fmt.Errorf("buyer: %w", err)
	}
	if d.Params.Seller, err = parseAddress(e.Seller); err != nil {
		return d, fmt.Errorf("seller: %w", err)
	}
	if d.Params.Arbitrator, err = parseAddress(e.Arbitrator); err != nil {
		return d, fmt.Errorf("arbitrator: %w", err)
	}
	d.Params.ThresholdPercent = e.ThresholdPercent
	d.Params.Partners = make([][20]byte, 0, len(e.Partners))
	for _, p := range e.Partners {
		addr, err := parseAddress(p)
		if err != nil {
			return d, fmt.Errorf("partner: %w", err)
		}
		d.Params.Partners = append(d.Params.Partners, addr)
	}
	if meta := strings.TrimSpace(e.Meta); meta != "" {
		d.Params.MetaHash = ethcrypto.Keccak256Hash([]byte(meta))
	}
	if d.Deposit, err = parseAmount(e.Deposit); err != nil {
		return d, fmt.Errorf("deposit: %w", err)
	}
	d.Creator = d.Params.Buyer
	return d, nil
}

func parseAddress(s string) ([20]byte, error) {
	addr, err := crypto.DecodeAddress(s)
	if err != nil {
		return [20]byte{}, err
	}
	return addr.Raw(), nil
}

func parseAmount(s string) (*big.Int, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || amount.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return amount, nil
}
