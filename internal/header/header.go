// Package header implements the fixed-size, AEAD-sealed routed packet
// header: type, sequence, session id, session version, followed by a
// 16-byte authentication tag. The caller does not know in advance
// which of up to three route keys sealed a given header; trial-decrypt
// across the key set it holds (see internal/route's Slot and
// State.Keys) until
// one Open call succeeds.
package header

import (
	"fmt"

	"github.com/relaypath/overlay/internal/wire"
	"github.com/relaypath/overlay/internal/xcrypto"
)

// Header is the decoded, authenticated content of a routed packet.
type Header struct {
	Type           byte
	Sequence       uint64
	SessionID      uint64
	SessionVersion uint8
}

// Size is the on-wire size of a sealed header: 1 (type) + 8 (sequence,
// both sent in the clear as AEAD associated data) + 8 (session id) + 1
// (session version) + 16 (AEAD tag) = 34 bytes before any body.
const Size = 9 + 8 + 1 + 16

// Seal builds [type][sequence][AEAD-sealed(session id, session version,
// body)] under key. Type and sequence travel in the clear (sequence
// need not be confidential, only authenticated) and double as the
// AEAD's associated data and nonce source, so a successful open also
// authenticates that neither was tampered with in transit.
func Seal(key [xcrypto.KeySize]byte, h Header, body []byte) ([]byte, error) {
	w := wire.NewWriter(8 + 1 + len(body))
	w.U64(h.SessionID)
	w.U8(h.SessionVersion)
	w.Raw(body)

	aad := make([]byte, 9)
	aad[0] = h.Type
	for i := 0; i < 8; i++ {
		aad[1+i] = byte(h.Sequence >> (8 * i))
	}

	sealed, err := xcrypto.SealHeader(key, h.Sequence, aad, w.Bytes())
	if err != nil {
		return nil, fmt.Errorf("header: seal: %w", err)
	}

	out := make([]byte, 0, 9+len(sealed))
	out = append(out, aad...)
	out = append(out, sealed...)
	return out, nil
}

// Open reads the clear type+sequence prefix and decrypts the remainder
// under key. Callers probing multiple route keys (pending, current,
// previous) call Open once per key in the documented order until one
// succeeds.
func Open(key [xcrypto.KeySize]byte, datagram []byte) (Header, []byte, error) {
	if len(datagram) < 9 {
		return Header{}, nil, fmt.Errorf("header: datagram too short for framing")
	}
	packetType := datagram[0]
	var sequence uint64
	for i := 0; i < 8; i++ {
		sequence |= uint64(datagram[1+i]) << (8 * i)
	}
	aad := datagram[0:9]
	sealed := datagram[9:]

	plaintext, err := xcrypto.OpenHeader(key, sequence, aad, sealed)
	if err != nil {
		return Header{}, nil, fmt.Errorf("header: open: %w", err)
	}

	r := wire.NewReader(plaintext)
	h := Header{Type: packetType, Sequence: sequence}
	h.SessionID = r.U64()
	h.SessionVersion = r.U8()
	body := r.Remaining()
	if r.Err() != nil {
		return Header{}, nil, fmt.Errorf("header: decode: %w", r.Err())
	}
	return h, body, nil
}
