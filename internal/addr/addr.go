// Package addr implements the overlay wire address type: a tagged
// union over {none, IPv4, IPv6}, compared by full value including
// port, with a fixed-width binary encoding used inside tokens and
// session keys.
package addr

import (
	"encoding/binary"
	"fmt"
	"net"
)

// Kind tags which variant an Address holds.
type Kind uint8

const (
	KindNone Kind = iota
	KindIPv4
	KindIPv6
)

// Bytes is the fixed on-wire size of an encoded Address: 1 kind byte +
// 16 address bytes (zero-padded for IPv4) + 2 port bytes.
const Bytes = 1 + 16 + 2

// Address is a tagged union over none/IPv4/IPv6, compared by full
// value including port.
type Address struct {
	Kind Kind
	IP   [16]byte // low 4 bytes significant when Kind == KindIPv4
	Port uint16
}

// None is the zero-value address.
var None = Address{Kind: KindNone}

// FromUDPAddr converts a standard library UDP address, collapsing
// IPv4-mapped-in-IPv6 forms into the IPv4 variant.
func FromUDPAddr(a *net.UDPAddr) Address {
	if a == nil {
		return None
	}
	if v4 := a.IP.To4(); v4 != nil {
		out := Address{Kind: KindIPv4, Port: uint16(a.Port)}
		copy(out.IP[:4], v4)
		return out
	}
	v6 := a.IP.To16()
	if v6 == nil {
		return None
	}
	out := Address{Kind: KindIPv6, Port: uint16(a.Port)}
	copy(out.IP[:], v6)
	return out
}

// UDPAddr converts back to a standard library address.
func (a Address) UDPAddr() *net.UDPAddr {
	switch a.Kind {
	case KindIPv4:
		return &net.UDPAddr{IP: net.IP(a.IP[:4]), Port: int(a.Port)}
	case KindIPv6:
		ip := make(net.IP, 16)
		copy(ip, a.IP[:])
		return &net.UDPAddr{IP: ip, Port: int(a.Port)}
	default:
		return nil
	}
}

// Equal compares by full value, including port.
func (a Address) Equal(b Address) bool {
	return a.Kind == b.Kind && a.IP == b.IP && a.Port == b.Port
}

// IsNone reports whether this is the empty/unset address.
func (a Address) IsNone() bool {
	return a.Kind == KindNone
}

// Marshal writes the fixed-width encoding into dst, which must be at
// least Bytes long, and returns the number of bytes written.
func (a Address) Marshal(dst []byte) int {
	if len(dst) < Bytes {
		panic("addr: destination buffer too small")
	}
	dst[0] = byte(a.Kind)
	copy(dst[1:17], a.IP[:])
	binary.BigEndian.PutUint16(dst[17:19], a.Port)
	return Bytes
}

// Unmarshal reads a fixed-width encoding from src.
func Unmarshal(src []byte) (Address, error) {
	if len(src) < Bytes {
		return None, fmt.Errorf("addr: short buffer: %d bytes, need %d", len(src), Bytes)
	}
	a := Address{Kind: Kind(src[0])}
	copy(a.IP[:], src[1:17])
	a.Port = binary.BigEndian.Uint16(src[17:19])
	if a.Kind > KindIPv6 {
		return None, fmt.Errorf("addr: invalid kind byte %d", src[0])
	}
	return a, nil
}

func (a Address) String() string {
	if u := a.UDPAddr(); u != nil {
		return u.String()
	}
	return "none"
}
