package filter

import (
	"net"
	"testing"

	"github.com/relaypath/overlay/internal/addr"
	"github.com/stretchr/testify/require"
)

func makeDatagram(n int, typeByte byte) []byte {
	d := make([]byte, n)
	d[0] = typeByte
	return d
}

func TestBasicFilterRejectsShort(t *testing.T) {
	require.False(t, BasicFilter(makeDatagram(5, 1)))
}

func TestBasicFilterRejectsPassthroughSentinel(t *testing.T) {
	require.False(t, BasicFilter(makeDatagram(20, PassthroughSentinel)))
}

func TestBasicFilterRejectsOutOfRangeType(t *testing.T) {
	require.False(t, BasicFilter(makeDatagram(20, 0x80)))
}

func TestBasicFilterAcceptsValid(t *testing.T) {
	require.True(t, BasicFilter(makeDatagram(20, 1)))
}

func TestAdvancedFilterRoundTrip(t *testing.T) {
	from := addr.FromUDPAddr(&net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 1000})
	to := addr.FromUDPAddr(&net.UDPAddr{IP: net.ParseIP("10.0.0.2"), Port: 2000})

	var magic Magic
	copy(magic[:], []byte("deadbeef"))
	triple := Triple{Current: magic}

	datagram := make([]byte, 32)
	datagram[0] = 1
	WriteFilterFields(datagram, magic, from, to)

	require.True(t, AdvancedFilter(datagram, triple, from, to, false))
}

func TestAdvancedFilterRejectsWrongMagic(t *testing.T) {
	from := addr.FromUDPAddr(&net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 1000})
	to := addr.FromUDPAddr(&net.UDPAddr{IP: net.ParseIP("10.0.0.2"), Port: 2000})

	var magicA, magicB Magic
	copy(magicA[:], []byte("aaaaaaaa"))
	copy(magicB[:], []byte("bbbbbbbb"))

	datagram := make([]byte, 32)
	datagram[0] = 1
	WriteFilterFields(datagram, magicA, from, to)

	triple := Triple{Current: magicB, Previous: magicB, Upcoming: magicB}
	require.False(t, AdvancedFilter(datagram, triple, from, to, false))
}

func TestAdvancedFilterProbesAllThreeMagicValues(t *testing.T) {
	from := addr.FromUDPAddr(&net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 1000})
	to := addr.FromUDPAddr(&net.UDPAddr{IP: net.ParseIP("10.0.0.2"), Port: 2000})

	var previous, current, upcoming Magic
	copy(previous[:], []byte("previous"))
	copy(current[:], []byte("currentt"))
	copy(upcoming[:], []byte("upcoming"))

	datagram := make([]byte, 32)
	datagram[0] = 1
	WriteFilterFields(datagram, previous, from, to)

	triple := Triple{Previous: previous, Current: current, Upcoming: upcoming}
	require.True(t, AdvancedFilter(datagram, triple, from, to, false))
}

func TestAdvancedFilterUpgradeRequestUsesZeroMagic(t *testing.T) {
	from := addr.FromUDPAddr(&net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 1000})

	datagram := make([]byte, 32)
	datagram[0] = 1
	WriteFilterFields(datagram, ZeroMagic, from, addr.None)

	triple := Triple{} // client hasn't learned any magic yet
	require.True(t, AdvancedFilter(datagram, triple, from, addr.None, true))
}
