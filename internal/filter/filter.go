// Package filter implements the two-stage wire filter that cheaply
// rejects non-conforming datagrams before they reach header parsing:
// a basic length/type check and a keyed pittle/chonkle hash pair
// validated against up to three rotating magic values.
package filter

import (
	"encoding/binary"
	"time"

	"github.com/relaypath/overlay/internal/addr"
	"github.com/relaypath/overlay/internal/constants"
	"lukechampine.com/blake3"
)

// PassthroughSentinel is the first byte of a passthrough datagram: the
// SDK strips it and hands the remainder straight to the application
// callback.
const PassthroughSentinel byte = 0xFF

// MaxValidType is the highest packet type id the basic filter accepts
// in byte[0]; anything above this is dropped before parsing.
const MaxValidType byte = 0x7F

// Magic is an 8-byte rotating token mixed into the filter hashes.
type Magic [8]byte

// Triple is the previous/current/upcoming rotation the advanced
// filter probes in order.
type Triple struct {
	Previous Magic
	Current  Magic
	Upcoming Magic
}

// ZeroMagic is used to validate upgrade-request packets, which the
// client receives before it has learned any magic from the server.
var ZeroMagic Magic

// BasicFilter rejects datagrams that are too short, whose type byte is
// out of range, or that carry the passthrough sentinel. It does not
// look at the keyed hash fields; that is the advanced filter's job.
func BasicFilter(datagram []byte) bool {
	if len(datagram) < constants.MinDatagramSize {
		return false
	}
	if datagram[0] == PassthroughSentinel {
		return false
	}
	return datagram[0] <= MaxValidType
}

// pittleChonkle computes the keyed pittle (2 bytes) and chonkle (8
// bytes) fields for a datagram given the sender/receiver addresses,
// its length, and the magic it should validate under.
func pittleChonkle(magic Magic, from, to addr.Address, length int) (pittle [constants.PittleBytes]byte, chonkle [constants.ChonkleBytes]byte) {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(length))

	var fromBuf, toBuf [addr.Bytes]byte
	from.Marshal(fromBuf[:])
	to.Marshal(toBuf[:])

	pittleHasher := blake3.New(constants.PittleBytes, nil)
	pittleHasher.Write(fromBuf[:])
	pittleHasher.Write(toBuf[:])
	pittleHasher.Write(lenBuf[:])
	copy(pittle[:], pittleHasher.Sum(nil))

	chonkleHasher := blake3.New(constants.ChonkleBytes, magic[:])
	chonkleHasher.Write(fromBuf[:])
	chonkleHasher.Write(toBuf[:])
	chonkleHasher.Write(lenBuf[:])
	copy(chonkle[:], chonkleHasher.Sum(nil))

	return pittle, chonkle
}

// WriteFilterFields computes the pittle/chonkle fields and writes them
// directly after the type byte: pittle into bytes 1–2, chonkle into
// bytes 3–10. No reserved gap or trailing continuation byte is written.
func WriteFilterFields(datagram []byte, magic Magic, from, to addr.Address) {
	pittle, chonkle := pittleChonkle(magic, from, to, len(datagram))
	datagram[1] = pittle[0]
	datagram[2] = pittle[1]
	copy(datagram[3:11], chonkle[:])
}

// AdvancedFilter recomputes the pittle/chonkle fields for a received
// datagram and accepts it if they match under any of the three magic
// values in rotation order: current, upcoming, previous. Upgrade
// requests, which arrive before the client has learned any magic, are
// validated under the zero magic with the destination address treated
// as zero.
func AdvancedFilter(datagram []byte, triple Triple, from, to addr.Address, isUpgradeRequest bool) bool {
	if len(datagram) < constants.MinDatagramSize {
		return false
	}

	if isUpgradeRequest {
		return matchesMagic(datagram, ZeroMagic, from, addr.None)
	}

	for _, m := range []Magic{triple.Current, triple.Upcoming, triple.Previous} {
		if matchesMagic(datagram, m, from, to) {
			return true
		}
	}
	return false
}

// epochSeconds is the rotation period magic values are derived over;
// it matches the backend's slice scheduling unit so a route's lifetime
// and the filter's rotation line up.
const epochSeconds = int64(constants.SliceDuration / time.Second)

// DeriveMagic computes the magic value active during epoch from a
// session's filter secret via keyed BLAKE3. Both endpoints hold the
// same secret (derived alongside the session's route keys), so the
// previous/current/upcoming rotation needs no wire traffic of its own
// to distribute: either side can recompute any epoch's magic on demand.
func DeriveMagic(secret [32]byte, epoch int64) Magic {
	var epochBuf [8]byte
	binary.LittleEndian.PutUint64(epochBuf[:], uint64(epoch))
	h := blake3.New(len(Magic{}), secret[:])
	h.Write(epochBuf[:])
	var m Magic
	copy(m[:], h.Sum(nil))
	return m
}

// DeriveTriple computes the previous/current/upcoming magic triple
// active at now.
func DeriveTriple(secret [32]byte, now time.Time) Triple {
	epoch := now.Unix() / epochSeconds
	return Triple{
		Previous: DeriveMagic(secret, epoch-1),
		Current:  DeriveMagic(secret, epoch),
		Upcoming: DeriveMagic(secret, epoch+1),
	}
}

// Frame wraps typ and body with the filter fields BasicFilter and
// AdvancedFilter expect on every wire datagram: [type][pittle][chonkle]
// [body]. The caller picks magic (ZeroMagic for the pre-handshake
// packets, or a session triple's Current value otherwise).
func Frame(typ byte, magic Magic, from, to addr.Address, body []byte) []byte {
	prefix := 1 + constants.FilterFieldBytes
	out := make([]byte, prefix+len(body))
	out[0] = typ
	copy(out[prefix:], body)
	WriteFilterFields(out, magic, from, to)
	return out
}

// Unframe runs a received datagram through both filters and, if it
// passes, strips the type byte and filter fields, returning the type
// and the remaining body. isHandshake selects the zero-magic rule used
// for UPGRADE_REQUEST/UPGRADE_RESPONSE, the only packets exchanged
// before the two endpoints share a filter secret.
func Unframe(datagram []byte, triple Triple, from, to addr.Address, isHandshake bool) (typ byte, body []byte, ok bool) {
	if !BasicFilter(datagram) {
		return 0, nil, false
	}
	if !AdvancedFilter(datagram, triple, from, to, isHandshake) {
		return 0, nil, false
	}
	prefix := 1 + constants.FilterFieldBytes
	return datagram[0], datagram[prefix:], true
}

func matchesMagic(datagram []byte, magic Magic, from, to addr.Address) bool {
	wantPittle, wantChonkle := pittleChonkle(magic, from, to, len(datagram))
	if datagram[1] != wantPittle[0] || datagram[2] != wantPittle[1] {
		return false
	}
	for i, b := range wantChonkle {
		if datagram[3+i] != b {
			return false
		}
	}
	return true
}
