package protocol

import (
	"fmt"

	"github.com/relaypath/overlay/internal/addr"
	"github.com/relaypath/overlay/internal/wire"
	"github.com/relaypath/overlay/internal/xcrypto"
)

// UpgradeToken binds a session id and expiry to the specific client
// and server addresses it was minted for (spec.md §6.3,
// original_source/include/next_upgrade_token.h): nonce ∥
// secretbox(session_id, expiry, client_addr, server_addr).
type UpgradeToken struct {
	SessionID       uint64
	ExpireTimestamp uint64
	ClientAddress   addr.Address
	ServerAddress   addr.Address
}

func (t UpgradeToken) marshalPlaintext() []byte {
	w := wire.NewWriter(8 + 8 + 2*addr.Bytes)
	w.U64(t.SessionID)
	w.U64(t.ExpireTimestamp)
	var buf [addr.Bytes]byte
	t.ClientAddress.Marshal(buf[:])
	w.Raw(buf[:])
	t.ServerAddress.Marshal(buf[:])
	w.Raw(buf[:])
	return w.Bytes()
}

// Seal produces the sealed upgrade token envelope,
// constants.UpgradeTokenBytes (94) long: the 54-byte plaintext plus
// secretbox's 40 bytes of nonce and tag.
func (t UpgradeToken) Seal(key [xcrypto.SecretboxKeySize]byte) ([]byte, error) {
	sealed, err := xcrypto.SealEnvelope(key, t.marshalPlaintext())
	if err != nil {
		return nil, fmt.Errorf("protocol: seal upgrade token: %w", err)
	}
	return sealed, nil
}

// OpenUpgradeToken reverses Seal.
func OpenUpgradeToken(key [xcrypto.SecretboxKeySize]byte, sealed []byte) (UpgradeToken, error) {
	plaintext, err := xcrypto.OpenEnvelope(key, sealed)
	if err != nil {
		return UpgradeToken{}, fmt.Errorf("protocol: open upgrade token: %w", err)
	}
	r := wire.NewReader(plaintext)
	t := UpgradeToken{}
	t.SessionID = r.U64()
	t.ExpireTimestamp = r.U64()
	clientBuf := r.Raw(addr.Bytes)
	serverBuf := r.Raw(addr.Bytes)
	if r.Err() != nil {
		return UpgradeToken{}, fmt.Errorf("protocol: decode upgrade token: %w", r.Err())
	}
	t.ClientAddress, err = addr.Unmarshal(clientBuf)
	if err != nil {
		return UpgradeToken{}, fmt.Errorf("protocol: decode upgrade token client address: %w", err)
	}
	t.ServerAddress, err = addr.Unmarshal(serverBuf)
	if err != nil {
		return UpgradeToken{}, fmt.Errorf("protocol: decode upgrade token server address: %w", err)
	}
	return t, nil
}

// RouteToken is one hop of a route (spec.md §6.3): expiry, session
// identity, bandwidth envelope, next hop address, and the private key
// the SDK uses to seal/open headers with that hop.
type RouteToken struct {
	ExpireTimestamp uint64
	SessionID       uint64
	SessionVersion  uint8
	KbpsUp          uint32
	KbpsDown        uint32
	NextAddress     addr.Address
	SessionPrivateKey [xcrypto.KeySize]byte
}

func (t RouteToken) marshalPlaintext() []byte {
	w := wire.NewWriter(8 + 8 + 1 + 4 + 4 + addr.Bytes + xcrypto.KeySize)
	w.U64(t.ExpireTimestamp)
	w.U64(t.SessionID)
	w.U8(t.SessionVersion)
	w.U32(t.KbpsUp)
	w.U32(t.KbpsDown)
	var buf [addr.Bytes]byte
	t.NextAddress.Marshal(buf[:])
	w.Raw(buf[:])
	w.Raw(t.SessionPrivateKey[:])
	return w.Bytes()
}

// Seal produces the AEAD-sealed route token for the next hop. The key
// is shared out-of-band with the backend (spec.md §6.3); the SDK only
// ever opens the last hop's token, so Seal exists primarily for tests
// and for a server acting as a relay stub in this repo's scenario
// tests.
func (t RouteToken) Seal(key [xcrypto.SecretboxKeySize]byte) ([]byte, error) {
	sealed, err := xcrypto.SealEnvelope(key, t.marshalPlaintext())
	if err != nil {
		return nil, fmt.Errorf("protocol: seal route token: %w", err)
	}
	return sealed, nil
}

func OpenRouteToken(key [xcrypto.SecretboxKeySize]byte, sealed []byte) (RouteToken, error) {
	plaintext, err := xcrypto.OpenEnvelope(key, sealed)
	if err != nil {
		return RouteToken{}, fmt.Errorf("protocol: open route token: %w", err)
	}
	r := wire.NewReader(plaintext)
	t := RouteToken{}
	t.ExpireTimestamp = r.U64()
	t.SessionID = r.U64()
	t.SessionVersion = r.U8()
	t.KbpsUp = r.U32()
	t.KbpsDown = r.U32()
	addrBuf := r.Raw(addr.Bytes)
	keyBuf := r.Raw(xcrypto.KeySize)
	if r.Err() != nil {
		return RouteToken{}, fmt.Errorf("protocol: decode route token: %w", r.Err())
	}
	var err2 error
	t.NextAddress, err2 = addr.Unmarshal(addrBuf)
	if err2 != nil {
		return RouteToken{}, fmt.Errorf("protocol: decode route token address: %w", err2)
	}
	copy(t.SessionPrivateKey[:], keyBuf)
	return t, nil
}

// ContinueToken extends an existing route without changing hops
// (spec.md §6.3).
type ContinueToken struct {
	ExpireTimestamp uint64
	SessionID       uint64
	SessionVersion  uint8
}

func (t ContinueToken) marshalPlaintext() []byte {
	w := wire.NewWriter(8 + 8 + 1)
	w.U64(t.ExpireTimestamp)
	w.U64(t.SessionID)
	w.U8(t.SessionVersion)
	return w.Bytes()
}

func (t ContinueToken) Seal(key [xcrypto.SecretboxKeySize]byte) ([]byte, error) {
	sealed, err := xcrypto.SealEnvelope(key, t.marshalPlaintext())
	if err != nil {
		return nil, fmt.Errorf("protocol: seal continue token: %w", err)
	}
	return sealed, nil
}

func OpenContinueToken(key [xcrypto.SecretboxKeySize]byte, sealed []byte) (ContinueToken, error) {
	plaintext, err := xcrypto.OpenEnvelope(key, sealed)
	if err != nil {
		return ContinueToken{}, fmt.Errorf("protocol: open continue token: %w", err)
	}
	r := wire.NewReader(plaintext)
	t := ContinueToken{}
	t.ExpireTimestamp = r.U64()
	t.SessionID = r.U64()
	t.SessionVersion = r.U8()
	if r.Err() != nil {
		return ContinueToken{}, fmt.Errorf("protocol: decode continue token: %w", r.Err())
	}
	return t, nil
}
