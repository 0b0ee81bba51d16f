// Package xcrypto composes the cryptographic primitives the overlay
// protocol needs: X25519 key exchange, HKDF-SHA256 key derivation,
// ChaCha20-Poly1305 AEAD for routed headers, NaCl secretbox for
// upgrade/route/continue token envelopes, and Ed25519 signing for the
// upgrade handshake. It does not implement any primitive itself.
package xcrypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	KeySize           = chacha20poly1305.KeySize
	NonceSize         = chacha20poly1305.NonceSize
	Curve25519KeySize = 32
	SecretboxKeySize  = 32
	SecretboxNonceSize = 24

	hkdfSalt = "overlay-sdk-v1-route-keys"
)

// KeyPair is an X25519 key-exchange keypair.
type KeyPair struct {
	Private [Curve25519KeySize]byte
	Public  [Curve25519KeySize]byte
}

// GenerateKeyPair creates a fresh X25519 keypair with a properly
// clamped private scalar.
func GenerateKeyPair() (*KeyPair, error) {
	kp := &KeyPair{}
	if _, err := rand.Read(kp.Private[:]); err != nil {
		return nil, fmt.Errorf("xcrypto: generate private key: %w", err)
	}
	kp.Private[0] &= 248
	kp.Private[31] &= 127
	kp.Private[31] |= 64

	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("xcrypto: compute public key: %w", err)
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// SharedSecret runs X25519 ECDH and rejects the low-order-point result.
func SharedSecret(myPrivate, theirPublic [Curve25519KeySize]byte) ([Curve25519KeySize]byte, error) {
	var shared [Curve25519KeySize]byte
	result, err := curve25519.X25519(myPrivate[:], theirPublic[:])
	if err != nil {
		return shared, fmt.Errorf("xcrypto: ECDH: %w", err)
	}
	var zero [Curve25519KeySize]byte
	allZero := true
	for i, b := range result {
		if b != zero[i] {
			allZero = false
			break
		}
	}
	if allZero {
		return shared, errors.New("xcrypto: ECDH produced all-zero shared secret")
	}
	copy(shared[:], result)
	return shared, nil
}

// RouteKeys holds the independent send/receive AEAD keys derived for
// one direction pair of a session's route.
type RouteKeys struct {
	SendKey [KeySize]byte
	RecvKey [KeySize]byte
}

// DeriveRouteKeys derives client->server and server->client AEAD keys
// from a shared secret via HKDF-SHA256, returning the pair oriented for
// the caller (isClient selects which half is Send vs Recv).
func DeriveRouteKeys(sharedSecret [Curve25519KeySize]byte, isClient bool) (*RouteKeys, error) {
	clientToServer := make([]byte, KeySize)
	serverToClient := make([]byte, KeySize)

	r := hkdf.New(sha256.New, sharedSecret[:], []byte(hkdfSalt), []byte("c2s"))
	if _, err := io.ReadFull(r, clientToServer); err != nil {
		return nil, fmt.Errorf("xcrypto: derive client->server key: %w", err)
	}
	r = hkdf.New(sha256.New, sharedSecret[:], []byte(hkdfSalt), []byte("s2c"))
	if _, err := io.ReadFull(r, serverToClient); err != nil {
		return nil, fmt.Errorf("xcrypto: derive server->client key: %w", err)
	}

	rk := &RouteKeys{}
	if isClient {
		copy(rk.SendKey[:], clientToServer)
		copy(rk.RecvKey[:], serverToClient)
	} else {
		copy(rk.SendKey[:], serverToClient)
		copy(rk.RecvKey[:], clientToServer)
	}
	return rk, nil
}

// SealHeader AEAD-seals a routed header body with the given key and a
// nonce built from the packet sequence, authenticating additionalData
// (header.Seal passes the type byte and the 8-byte sequence) without
// encrypting it.
func SealHeader(key [KeySize]byte, sequence uint64, additionalData, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("xcrypto: new AEAD: %w", err)
	}
	nonce := sequenceNonce(sequence)
	return aead.Seal(nil, nonce, plaintext, additionalData), nil
}

// OpenHeader trial-decrypts a sealed routed header body.
func OpenHeader(key [KeySize]byte, sequence uint64, additionalData, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("xcrypto: new AEAD: %w", err)
	}
	nonce := sequenceNonce(sequence)
	plaintext, err := aead.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, fmt.Errorf("xcrypto: open: authentication failed")
	}
	return plaintext, nil
}

func sequenceNonce(sequence uint64) []byte {
	nonce := make([]byte, NonceSize)
	binary.LittleEndian.PutUint32(nonce[8:], uint32(sequence))
	return nonce
}

// SealEnvelope seals an arbitrary token payload (upgrade/route/continue
// tokens) with NaCl secretbox, prefixing the random nonce so the result
// is self-contained: nonce ∥ secretbox(plaintext).
func SealEnvelope(key [SecretboxKeySize]byte, plaintext []byte) ([]byte, error) {
	var nonce [SecretboxNonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("xcrypto: generate nonce: %w", err)
	}
	out := make([]byte, SecretboxNonceSize, SecretboxNonceSize+len(plaintext)+secretbox.Overhead)
	copy(out, nonce[:])
	out = secretbox.Seal(out, plaintext, &nonce, &key)
	return out, nil
}

// OpenEnvelope reverses SealEnvelope.
func OpenEnvelope(key [SecretboxKeySize]byte, sealed []byte) ([]byte, error) {
	if len(sealed) < SecretboxNonceSize {
		return nil, errors.New("xcrypto: sealed envelope too short")
	}
	var nonce [SecretboxNonceSize]byte
	copy(nonce[:], sealed[:SecretboxNonceSize])
	plaintext, ok := secretbox.Open(nil, sealed[SecretboxNonceSize:], &nonce, &key)
	if !ok {
		return nil, errors.New("xcrypto: open envelope: authentication failed")
	}
	return plaintext, nil
}

// SigningKeyPair is an Ed25519 keypair the server uses to sign the
// UPGRADE_REQUEST and UPGRADE_CONFIRM packets of the upgrade handshake.
type SigningKeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateSigningKeyPair creates a fresh Ed25519 keypair.
func GenerateSigningKeyPair() (*SigningKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("xcrypto: generate signing key: %w", err)
	}
	return &SigningKeyPair{Public: pub, Private: priv}, nil
}

func Sign(priv ed25519.PrivateKey, message []byte) []byte {
	return ed25519.Sign(priv, message)
}

func Verify(pub ed25519.PublicKey, message, sig []byte) bool {
	return ed25519.Verify(pub, message, sig)
}

// DeriveFilterSecret derives the secret the two endpoints of a session
// use to independently compute the wire filter's rotating magic values
// (internal/filter), from the same ECDH shared secret the route keys
// come from. Keeping it HKDF-separate from DeriveRouteKeys means a
// compromise of one does not expose the other.
func DeriveFilterSecret(sharedSecret [Curve25519KeySize]byte) ([32]byte, error) {
	var secret [32]byte
	r := hkdf.New(sha256.New, sharedSecret[:], []byte(hkdfSalt), []byte("filter-magic"))
	if _, err := io.ReadFull(r, secret[:]); err != nil {
		return secret, fmt.Errorf("xcrypto: derive filter secret: %w", err)
	}
	return secret, nil
}

// GenerateAEADKey returns a fresh random key sized for SealHeader, used
// when the server mints a new route's session key.
func GenerateAEADKey() ([KeySize]byte, error) {
	var key [KeySize]byte
	if _, err := rand.Read(key[:]); err != nil {
		return key, fmt.Errorf("xcrypto: generate AEAD key: %w", err)
	}
	return key, nil
}
