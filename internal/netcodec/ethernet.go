package netcodec

import (
	"encoding/binary"
	"fmt"
)

// EtherType identifies the payload protocol carried by an Ethernet frame.
type EtherType uint16

const (
	EtherTypeIPv4 EtherType = 0x0800
	EtherTypeARP  EtherType = 0x0806
	EtherTypeIPv6 EtherType = 0x86DD
)

func (t EtherType) String() string {
	switch t {
	case EtherTypeIPv4:
		return "IPv4"
	case EtherTypeARP:
		return "ARP"
	case EtherTypeIPv6:
		return "IPv6"
	default:
		return fmt.Sprintf("0x%04x", uint16(t))
	}
}

const ethernetHeaderLen = 14

// EthernetFrame is a decoded Ethernet II frame: a fixed 14-byte header
// (dst, src, ethertype) plus the payload that follows it.
type EthernetFrame struct {
	Dst       MAC
	Src       MAC
	EtherType EtherType
	Payload   []byte
}

// DecodeEthernet parses an Ethernet II frame out of data. The returned
// frame's Payload aliases data; callers that retain it past the
// lifetime of the backing buffer must copy it first.
func DecodeEthernet(data []byte) (EthernetFrame, error) {
	if len(data) < ethernetHeaderLen {
		return EthernetFrame{}, fmt.Errorf("netcodec: ethernet frame too short (%d bytes)", len(data))
	}
	var f EthernetFrame
	copy(f.Dst[:], data[0:6])
	copy(f.Src[:], data[6:12])
	f.EtherType = EtherType(binary.BigEndian.Uint16(data[12:14]))
	f.Payload = data[14:]
	return f, nil
}

// Encode serializes the frame back into wire bytes.
func (f EthernetFrame) Encode() []byte {
	out := make([]byte, ethernetHeaderLen+len(f.Payload))
	copy(out[0:6], f.Dst[:])
	copy(out[6:12], f.Src[:])
	binary.BigEndian.PutUint16(out[12:14], uint16(f.EtherType))
	copy(out[14:], f.Payload)
	return out
}
