package types

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	esccrypto "escrowchain/crypto"
)

// CallType defines which escrow operation a signed call invokes.
type CallType byte

const (
	CallCreate          CallType = 0x01 // Deploy a new escrow funded by the caller
	CallDeposit         CallType = 0x02 // Transfer value into custody
	CallAddPartner      CallType = 0x03 // Seller registers a partner
	CallInitiateRelease CallType = 0x04
	CallInitiateDispute CallType = 0x05
	CallApprove         CallType = 0x06
	CallDisapprove      CallType = 0x07
	CallRelease         CallType = 0x08
	CallRefund          CallType = 0x09
)

var callTypeNames = map[CallType]string{
	CallCreate:          "create",
	CallDeposit:         "deposit",
	CallAddPartner:      "add_partner",
	CallInitiateRelease: "initiate_release",
	CallInitiateDispute: "initiate_dispute",
	CallApprove:         "approve",
	CallDisapprove:      "disapprove",
	CallRelease:         "release",
	CallRefund:          "refund",
}

func (t CallType) String() string {
	if name, ok := callTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("call(0x%02x)", byte(t))
}

// Valid reports whether the type maps to a known escrow operation.
func (t CallType) Valid() bool {
	_, ok := callTypeNames[t]
	return ok
}

// ParseCallType resolves the textual name used by the CLI and HTTP API.
func ParseCallType(name string) (CallType, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	normalized = strings.ReplaceAll(normalized, "-", "_")
	for t, n := range callTypeNames {
		if n == normalized {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown call type %q", name)
}

// Call is a caller-signed request against the escrow engine. The signature
// binds every field except itself, so the engine never trusts Caller without
// recovering it first.
type Call struct {
	Type      CallType
	Nonce     uint64
	Caller    [20]byte
	EscrowID  [32]byte
	Value     *big.Int
	Data      []byte
	Signature []byte
}

type callPayload struct {
	Type     CallType
	Nonce    uint64
	Caller   [20]byte
	EscrowID [32]byte
	Value    *big.Int
	Data     []byte
}

// Hash returns keccak256 over the RLP encoding of the signed fields.
func (c *Call) Hash() ([]byte, error) {
	value := c.Value
	if value == nil {
		value = new(big.Int)
	}
	encoded, err := rlp.EncodeToBytes(callPayload{
		Type:     c.Type,
		Nonce:    c.Nonce,
		Caller:   c.Caller,
		EscrowID: c.EscrowID,
		Value:    value,
		Data:     c.Data,
	})
	if err != nil {
		return nil, err
	}
	return ethcrypto.Keccak256(encoded), nil
}

// Sign fills Caller from key and attaches a recoverable signature.
func (c *Call) Sign(key *esccrypto.PrivateKey) error {
	if key == nil {
		return fmt.Errorf("call: nil signing key")
	}
	c.Caller = key.PubKey().Address().Raw()
	hash, err := c.Hash()
	if err != nil {
		return err
	}
	sig, err := key.Sign(hash)
	if err != nil {
		return err
	}
	c.Signature = sig
	return nil
}

// Verify recovers the signer and checks it matches the claimed caller.
func (c *Call) Verify() error {
	if len(c.Signature) == 0 {
		return fmt.Errorf("call: missing signature")
	}
	hash, err := c.Hash()
	if err != nil {
		return err
	}
	signer, err := esccrypto.RecoverAddress(hash, c.Signature)
	if err != nil {
		return fmt.Errorf("call: recover signer: %w", err)
	}
	if signer != c.Caller {
		return fmt.Errorf("call: signer %s does not match caller %s", esccrypto.FormatAddress(signer), esccrypto.FormatAddress(c.Caller))
	}
	return nil
}

// CreateParams is the RLP body of a CallCreate.
type CreateParams struct {
	Buyer            [20]byte
	Seller           [20]byte
	Arbitrator       [20]byte
	ThresholdPercent uint64
	Partners         [][20]byte
	MetaHash         [32]byte
}

// EncodeCreateParams serialises the construction arguments into call data.
func EncodeCreateParams(p CreateParams) ([]byte, error) {
	if p.Partners == nil {
		p.Partners = [][20]byte{}
	}
	return rlp.EncodeToBytes(p)
}

// DecodeCreateParams parses call data produced by EncodeCreateParams.
func DecodeCreateParams(data []byte) (CreateParams, error) {
	var p CreateParams
	if len(data) == 0 {
		return p, fmt.Errorf("call: create params required")
	}
	if err := rlp.DecodeBytes(data, &p); err != nil {
		return p, fmt.Errorf("call: decode create params: %w", err)
	}
	return p, nil
}

// PartnerFromData extracts the partner address carried by a CallAddPartner.
func PartnerFromData(data []byte) ([20]byte, error) {
	var addr [20]byte
	if len(data) != len(addr) {
		return addr, fmt.Errorf("call: partner address must be 20 bytes, got %d", len(data))
	}
	copy(addr[:], data)
	return addr, nil
}

type callJSON struct {
	Type      string `json:"type"`
	Nonce     uint64 `json:"nonce"`
	Caller    string `json:"caller"`
	EscrowID  string `json:"escrowId,omitempty"`
	Value     string `json:"value,omitempty"`
	Data      string `json:"data,omitempty"`
	Signature string `json:"signature,omitempty"`
}

// MarshalJSON renders addresses as bech32 and byte fields as 0x-hex.
func (c Call) MarshalJSON() ([]byte, error) {
	out := callJSON{
		Type:   c.Type.String(),
		Nonce:  c.Nonce,
		Caller: esccrypto.FormatAddress(c.Caller),
	}
	if c.EscrowID != ([32]byte{}) {
		out.EscrowID = hexutil.Encode(c.EscrowID[:])
	}
	if c.Value != nil {
		out.Value = c.Value.String()
	}
	if len(c.Data) > 0 {
		out.Data = hexutil.Encode(c.Data)
	}
	if len(c.Signature) > 0 {
		out.Signature = hexutil.Encode(c.Signature)
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts the representation produced by MarshalJSON.
func (c *Call) UnmarshalJSON(data []byte) error {
	var in callJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	callType, err := ParseCallType(in.Type)
	if err != nil {
		return err
	}
	caller, err := esccrypto.DecodeAddress(in.Caller)
	if err != nil {
		return fmt.Errorf("call: caller: %w", err)
	}
	decoded := Call{Type: callType, Nonce: in.Nonce, Caller: caller.Raw()}
	if trimmed := strings.TrimSpace(in.EscrowID); trimmed != "" {
		id, err := ParseEscrowID(trimmed)
		if err != nil {
			return err
		}
		decoded.EscrowID = id
	}
	if trimmed := strings.TrimSpace(in.Value); trimmed != "" {
		value, ok := new(big.Int).SetString(trimmed, 10)
		if !ok {
			return fmt.Errorf("call: invalid value %q", in.Value)
		}
		decoded.Value = value
	}
	if trimmed := strings.TrimSpace(in.Data); trimmed != "" {
		raw, err := hexutil.Decode(trimmed)
		if err != nil {
			return fmt.Errorf("call: data: %w", err)
		}
		decoded.Data = raw
	}
	if trimmed := strings.TrimSpace(in.Signature); trimmed != "" {
		raw, err := hexutil.Decode(trimmed)
		if err != nil {
			return fmt.Errorf("call: signature: %w", err)
		}
		decoded.Signature = raw
	}
	*c = decoded
	return nil
}

// ParseEscrowID decodes a 0x-prefixed 32-byte escrow identifier.
func ParseEscrowID(s string) ([32]byte, error) {
	var id [32]byte
	raw, err := hexutil.Decode(strings.TrimSpace(s))
	if err != nil {
		return id, fmt.Errorf("escrow id: %w", err)
	}
	if len(raw) != len(id) {
		return id, fmt.Errorf("escrow id must be 32 bytes, got %d", len(raw))
	}
	copy(id[:], raw)
	return id, nil
}
