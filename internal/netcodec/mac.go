// Package netcodec implements the frame and packet codecs for the
// bridge's data plane: Ethernet, ARP, IPv4 and UDP headers, plus
// the Internet checksum and the TCP/UDP pseudo-header checksum used by
// masquerade/unmasquerade.
package netcodec

import (
	"crypto/rand"
	"fmt"
)

// MAC is a 48-bit hardware address.
type MAC [6]byte

// Broadcast is the Ethernet broadcast address.
var Broadcast = MAC{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

func (m MAC) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", m[0], m[1], m[2], m[3], m[4], m[5])
}

// IsBroadcast reports whether m is the all-ones Ethernet broadcast address.
func (m MAC) IsBroadcast() bool {
	return m == Broadcast
}

// ParseMAC parses a 6-byte hardware address out of b.
func ParseMAC(b []byte) (MAC, error) {
	var m MAC
	if len(b) < 6 {
		return m, fmt.Errorf("netcodec: short mac address (%d bytes)", len(b))
	}
	copy(m[:], b[:6])
	return m, nil
}

// GenerateMAC returns a random locally-administered MAC using the
// 52:54:00 OUI prefix conventionally used for virtual routers in this
// stack (matches the reference implementation's MacAddress::generate).
func GenerateMAC() (MAC, error) {
	var m MAC
	m[0], m[1], m[2] = 0x52, 0x54, 0x00
	if _, err := rand.Read(m[3:]); err != nil {
		return m, fmt.Errorf("netcodec: generate mac: %w", err)
	}
	return m, nil
}
