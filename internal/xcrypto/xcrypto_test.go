package xcrypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyExchangeAndRouteKeysAgree(t *testing.T) {
	clientKeys, err := GenerateKeyPair()
	require.NoError(t, err)
	serverKeys, err := GenerateKeyPair()
	require.NoError(t, err)

	clientShared, err := SharedSecret(clientKeys.Private, serverKeys.Public)
	require.NoError(t, err)
	serverShared, err := SharedSecret(serverKeys.Private, clientKeys.Public)
	require.NoError(t, err)
	require.Equal(t, clientShared, serverShared)

	clientRoute, err := DeriveRouteKeys(clientShared, true)
	require.NoError(t, err)
	serverRoute, err := DeriveRouteKeys(serverShared, false)
	require.NoError(t, err)

	require.Equal(t, clientRoute.SendKey, serverRoute.RecvKey)
	require.Equal(t, clientRoute.RecvKey, serverRoute.SendKey)
}

func TestSealOpenHeaderRoundTrip(t *testing.T) {
	var key [KeySize]byte
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))

	aad := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9}
	plaintext := []byte("payload goes here")

	sealed, err := SealHeader(key, 42, aad, plaintext)
	require.NoError(t, err)

	opened, err := OpenHeader(key, 42, aad, sealed)
	require.NoError(t, err)
	require.Equal(t, plaintext, opened)
}

func TestOpenHeaderRejectsTamperedAAD(t *testing.T) {
	var key [KeySize]byte
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))

	aad := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9}
	sealed, err := SealHeader(key, 1, aad, []byte("hi"))
	require.NoError(t, err)

	tamperedAAD := append([]byte(nil), aad...)
	tamperedAAD[0] ^= 0xFF

	_, err = OpenHeader(key, 1, tamperedAAD, sealed)
	require.Error(t, err)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	var key [SecretboxKeySize]byte
	copy(key[:], []byte("abcdefghijklmnopqrstuvwxyz012345"))

	plaintext := []byte("session token payload")
	sealed, err := SealEnvelope(key, plaintext)
	require.NoError(t, err)
	require.NotEqual(t, plaintext, sealed)

	opened, err := OpenEnvelope(key, sealed)
	require.NoError(t, err)
	require.Equal(t, plaintext, opened)
}

func TestEnvelopeRejectsWrongKey(t *testing.T) {
	var key, wrongKey [SecretboxKeySize]byte
	copy(key[:], []byte("abcdefghijklmnopqrstuvwxyz012345"))
	copy(wrongKey[:], []byte("zyxwvutsrqponmlkjihgfedcba543210"))

	sealed, err := SealEnvelope(key, []byte("secret"))
	require.NoError(t, err)

	_, err = OpenEnvelope(wrongKey, sealed)
	require.Error(t, err)
}

func TestSignVerify(t *testing.T) {
	kp, err := GenerateSigningKeyPair()
	require.NoError(t, err)

	message := []byte("backend plane packet")
	sig := Sign(kp.Private, message)
	require.True(t, Verify(kp.Public, message, sig))

	sig[0] ^= 0xFF
	require.False(t, Verify(kp.Public, message, sig))
}
