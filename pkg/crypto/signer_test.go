package crypto

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndReload(t *testing.T) {
	s1, err := GenerateKey()
	require.NoError(t, err)
	assert.NotEqual(t, common.Address{}, s1.Address())
	assert.Len(t, s1.PrivateKeyHex(), 64)

	s2, err := FromPrivateKeyHex("0x" + s1.PrivateKeyHex())
	require.NoError(t, err)
	assert.Equal(t, s1.Address(), s2.Address())

	_, err = FromPrivateKeyHex("zz")
	assert.Error(t, err)
}

func TestKnownKeyAddress(t *testing.T) {
	s, err := FromPrivateKeyHex("0000000000000000000000000000000000000000000000000000000000000001")
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0x7E5F4552091A69125d5DfCb7b8C2659029395Bdf"), s.Address())
}

func TestPayloadRoundTrip(t *testing.T) {
	s, err := GenerateKey()
	require.NoError(t, err)
	payload := []byte(`{"trader":"0x01","price":5,"size":10}`)

	sig, err := s.SignPayload(payload)
	require.NoError(t, err)

	got, err := RecoverPayloadSigner(payload, sig)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), got)
	assert.NoError(t, VerifyPayload(s.Address(), payload, sig))
}

func TestVerifyPayloadRejects(t *testing.T) {
	s, err := GenerateKey()
	require.NoError(t, err)
	other, err := GenerateKey()
	require.NoError(t, err)
	payload := []byte(`{"size":10}`)
	sig, err := s.SignPayload(payload)
	require.NoError(t, err)

	assert.ErrorIs(t, VerifyPayload(other.Address(), payload, sig), ErrSignerMismatch)
	// tampered payload recovers some other address
	assert.ErrorIs(t, VerifyPayload(s.Address(), []byte(`{"size":11}`), sig), ErrSignerMismatch)
	assert.ErrorIs(t, VerifyPayload(s.Address(), payload, "0x1234"), ErrInvalidSignature)
	assert.ErrorIs(t, VerifyPayload(s.Address(), payload, "not-hex"), ErrInvalidSignature)
}

func TestSignRejectsShortHash(t *testing.T) {
	s, err := GenerateKey()
	require.NoError(t, err)
	_, err = s.Sign([]byte("short"))
	assert.Error(t, err)

	sig, err := s.Sign(make([]byte, 32))
	require.NoError(t, err)
	assert.Len(t, hexutil.Encode(sig), 2+130)
}
