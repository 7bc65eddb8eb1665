package types

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	esccrypto "escrowchain/crypto"
)

func TestCallSignVerify(t *testing.T) {
	key, err := esccrypto.GeneratePrivateKey()
	require.NoError(t, err)

	call := &Call{Type: CallDeposit, Nonce: 3, EscrowID: [32]byte{0x01}, Value: big.NewInt(500)}
	require.NoError(t, call.Sign(key))
	require.Equal(t, key.PubKey().Address().Raw(), call.Caller)
	require.NoError(t, call.Verify())

	call.Value = big.NewInt(501)
	require.Error(t, call.Verify())
}

func TestCallVerifyRejectsForeignCaller(t *testing.T) {
	key, err := esccrypto.GeneratePrivateKey()
	require.NoError(t, err)
	call := &Call{Type: CallApprove, Nonce: 1}
	require.NoError(t, call.Sign(key))
	call.Caller = [20]byte{0xAB}
	require.Error(t, call.Verify())

	unsigned := &Call{Type: CallApprove}
	require.Error(t, unsigned.Verify())
}

func TestCallJSONPreservesSignature(t *testing.T) {
	key, err := esccrypto.GeneratePrivateKey()
	require.NoError(t, err)
	call := &Call{Type: CallAddPartner, Nonce: 9, EscrowID: [32]byte{0x07}, Data: make([]byte, 20)}
	call.Data[19] = 0x42
	require.NoError(t, call.Sign(key))

	raw, err := json.Marshal(call)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"type":"add_partner"`)

	var decoded Call
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.NoError(t, decoded.Verify())
	partner, err := PartnerFromData(decoded.Data)
	require.NoError(t, err)
	require.Equal(t, byte(0x42), partner[19])
}

func TestCreateParamsEncoding(t *testing.T) {
	params := CreateParams{
		Buyer:            [20]byte{0x01},
		Seller:           [20]byte{0x02},
		Arbitrator:       [20]byte{0x03},
		ThresholdPercent: 50,
		Partners:         [][20]byte{{0x04}, {0x05}},
		MetaHash:         [32]byte{0x09},
	}
	data, err := EncodeCreateParams(params)
	require.NoError(t, err)
	decoded, err := DecodeCreateParams(data)
	require.NoError(t, err)
	require.Equal(t, params, decoded)

	_, err = DecodeCreateParams(nil)
	require.Error(t, err)
}

func TestParseCallType(t *testing.T) {
	ct, err := ParseCallType("Initiate-Release")
	require.NoError(t, err)
	require.Equal(t, CallInitiateRelease, ct)
	_, err = ParseCallType("withdraw")
	require.Error(t, err)
	require.False(t, CallType(0x7f).Valid())
}
