package header

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func testKey() [32]byte {
	var k [32]byte
	copy(k[:], []byte("0123456789abcdef0123456789abcdef"))
	return k
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := testKey()
	h := Header{Type: 7, Sequence: 999, SessionID: 123456789, SessionVersion: 3}
	body := []byte("application payload")

	datagram, err := Seal(key, h, body)
	require.NoError(t, err)
	require.Len(t, datagram, Size+len(body))

	gotHeader, gotBody, err := Open(key, datagram)
	require.NoError(t, err)
	require.Equal(t, body, gotBody)

	if diff := cmp.Diff(h, gotHeader); diff != "" {
		t.Errorf("header mismatch (-want +got):\n%s", diff)
	}
}

func TestOpenRejectsWrongKey(t *testing.T) {
	key := testKey()
	var other [32]byte
	copy(other[:], []byte("zyxwvutsrqponmlkjihgfedcba543210"))

	h := Header{Type: 1, Sequence: 1, SessionID: 1, SessionVersion: 0}
	datagram, err := Seal(key, h, []byte("x"))
	require.NoError(t, err)

	_, _, err = Open(other, datagram)
	require.Error(t, err)
}

func TestOpenRejectsShortDatagram(t *testing.T) {
	_, _, err := Open(testKey(), []byte{1, 2, 3})
	require.Error(t, err)
}

func TestSealedSequenceTravelsInTheClear(t *testing.T) {
	// The sequence must be readable before decryption succeeds, since
	// the caller does not know which of several route keys will open a
	// freshly arrived datagram.
	key := testKey()
	h := Header{Type: 5, Sequence: 0xABCDEF, SessionID: 1, SessionVersion: 0}
	datagram, err := Seal(key, h, []byte("x"))
	require.NoError(t, err)

	var sequence uint64
	for i := 0; i < 8; i++ {
		sequence |= uint64(datagram[1+i]) << (8 * i)
	}
	require.Equal(t, h.Sequence, sequence)
}
