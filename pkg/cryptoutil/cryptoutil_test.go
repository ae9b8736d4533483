package cryptoutil

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanonicalJSONSortsKeysAndRejectsFloats(t *testing.T) {
	out, err := CanonicalJSON(map[string]any{"b": 1, "a": "x"})
	require.NoError(t, err)
	require.Equal(t, `{"a":"x","b":1}`, string(out))

	_, err = CanonicalJSON(map[string]any{"amount": 1.5})
	require.ErrorIs(t, err, ErrFloatInPayload)
}

func TestSignerDeterministicSignature(t *testing.T) {
	signer, err := NewSigner("key-1")
	require.NoError(t, err)

	data := []byte("evaluate: principal=p1 resource=aws:s3:bucket:reports action=read")
	sig1, err := signer.Sign(data)
	require.NoError(t, err)
	sig2, err := signer.Sign(data)
	require.NoError(t, err)
	require.Equal(t, sig1, sig2, "RFC 6979 nonces must be deterministic for identical inputs")

	ok, err := Verify(signer.PublicKeyHex(), sig1, data)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = Verify(signer.PublicKeyHex(), sig1, []byte("tampered"))
	require.Error(t, err)
	require.False(t, ok)
}

func TestKeyRegistryRotationAndRevocation(t *testing.T) {
	reg := NewKeyRegistry()
	s1, err := NewSigner("k1")
	require.NoError(t, err)
	reg.AddKey(s1)

	data := []byte("payload")
	sig, keyID, err := reg.Sign(data)
	require.NoError(t, err)
	require.Equal(t, "k1", keyID)

	ok, err := reg.VerifyByKeyID(keyID, data, sig)
	require.NoError(t, err)
	require.True(t, ok)

	s2, err := NewSigner("k2")
	require.NoError(t, err)
	reg.AddKey(s2)

	_, activeKeyID, err := reg.Sign(data)
	require.NoError(t, err)
	require.Equal(t, "k2", activeKeyID)

	// The older signature must still verify even after rotation.
	ok, err = reg.VerifyByKeyID("k1", data, sig)
	require.NoError(t, err)
	require.True(t, ok)

	reg.RevokeKey("k1")
	_, err = reg.VerifyByKeyID("k1", data, sig)
	require.Error(t, err)
}
