package netcodec

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// IP protocol numbers used by the router's per-protocol handler table.
const (
	ProtocolICMP uint8 = 1
	ProtocolTCP  uint8 = 6
	ProtocolUDP  uint8 = 17
)

const ipv4MinHeaderLen = 20

// IPv4Header is a decoded (fixed, no-options) IPv4 header.
type IPv4Header struct {
	IHL      uint8 // header length in 32-bit words
	Length   uint16
	ID       uint16
	Flags    uint8
	FragOff  uint16
	TTL      uint8
	Protocol uint8
	Checksum uint16
	Src      [4]byte
	Dst      [4]byte
}

// NewIPv4Header builds a header for a fresh packet, with IHL fixed at 5
// (no options), the don't-fragment flag set, and a random identification.
func NewIPv4Header(src, dst [4]byte, protocol uint8, payloadLen int) (IPv4Header, error) {
	var idBuf [2]byte
	if _, err := rand.Read(idBuf[:]); err != nil {
		return IPv4Header{}, fmt.Errorf("netcodec: generate ipv4 id: %w", err)
	}
	return IPv4Header{
		IHL:      5,
		Length:   uint16(ipv4MinHeaderLen + payloadLen),
		ID:       binary.BigEndian.Uint16(idBuf[:]),
		Flags:    2, // don't fragment
		TTL:      64,
		Protocol: protocol,
		Src:      src,
		Dst:      dst,
	}, nil
}

// DecodeIPv4Header parses the header prefix of data, returning the
// header and the header's total byte length (ihl*4).
func DecodeIPv4Header(data []byte) (IPv4Header, int, error) {
	if len(data) < ipv4MinHeaderLen {
		return IPv4Header{}, 0, fmt.Errorf("netcodec: ipv4 header too short (%d bytes)", len(data))
	}
	version := data[0] >> 4
	if version != 4 {
		return IPv4Header{}, 0, fmt.Errorf("netcodec: not an ipv4 packet (version=%d)", version)
	}
	ihl := data[0] & 0x0f
	hlen := int(ihl) * 4
	if hlen < ipv4MinHeaderLen || len(data) < hlen {
		return IPv4Header{}, 0, fmt.Errorf("netcodec: invalid ipv4 header length (%d bytes, ihl=%d)", len(data), ihl)
	}

	var h IPv4Header
	h.IHL = ihl
	h.Length = binary.BigEndian.Uint16(data[2:4])
	h.ID = binary.BigEndian.Uint16(data[4:6])
	flagsFrag := binary.BigEndian.Uint16(data[6:8])
	h.Flags = uint8(flagsFrag >> 13)
	h.FragOff = flagsFrag & 0x1fff
	h.TTL = data[8]
	h.Protocol = data[9]
	h.Checksum = binary.BigEndian.Uint16(data[10:12])
	copy(h.Src[:], data[12:16])
	copy(h.Dst[:], data[16:20])
	return h, hlen, nil
}

// HeaderLen returns the header's on-wire length in bytes.
func (h IPv4Header) HeaderLen() int { return int(h.IHL) * 4 }

// Reply builds the header for a reply to this one: src/dst swapped, a
// fresh identification, protocol and length taken from payload.
func (h IPv4Header) Reply(payload []byte) (IPv4Header, error) {
	return NewIPv4Header(h.Dst, h.Src, h.Protocol, len(payload))
}

// Masquerade rewrites the header's source address in place, returning
// the address that was replaced.
func (h *IPv4Header) Masquerade(newSrc [4]byte) [4]byte {
	old := h.Src
	h.Src = newSrc
	return old
}

// Unmasquerade rewrites the header's destination address in place,
// returning the address that was replaced.
func (h *IPv4Header) Unmasquerade(newDst [4]byte) [4]byte {
	old := h.Dst
	h.Dst = newDst
	return old
}

// AsBytes serializes the header into the first HeaderLen() bytes of
// out (out must be at least that long), computing and writing the
// header checksum over those bytes with the checksum field zeroed.
func (h IPv4Header) AsBytes(out []byte) error {
	hlen := h.HeaderLen()
	if len(out) < hlen {
		return fmt.Errorf("netcodec: buffer too small for ipv4 header (%d < %d)", len(out), hlen)
	}
	out[0] = (4 << 4) | h.IHL
	out[1] = 0 // DSCP/ECN
	binary.BigEndian.PutUint16(out[2:4], h.Length)
	binary.BigEndian.PutUint16(out[4:6], h.ID)
	binary.BigEndian.PutUint16(out[6:8], (uint16(h.Flags)<<13)|h.FragOff)
	out[8] = h.TTL
	out[9] = h.Protocol
	out[10], out[11] = 0, 0
	copy(out[12:16], h.Src[:])
	copy(out[16:20], h.Dst[:])
	for i := 20; i < hlen; i++ {
		out[i] = 0
	}

	sum := Checksum(out[:hlen], 0)
	binary.BigEndian.PutUint16(out[10:12], sum)
	return nil
}

// IPv4Packet is a parsed IPv4 header plus the bytes following it
// (transport segment, unchanged).
type IPv4Packet struct {
	Header IPv4Header
	Data   []byte // full packet bytes, header + payload
}

// ParseIPv4Packet decodes data as an IPv4Packet. Data aliases the
// input slice.
func ParseIPv4Packet(data []byte) (IPv4Packet, error) {
	h, hlen, err := DecodeIPv4Header(data)
	if err != nil {
		return IPv4Packet{}, err
	}
	if int(h.Length) > len(data) {
		return IPv4Packet{}, fmt.Errorf("netcodec: ipv4 total length %d exceeds buffer %d", h.Length, len(data))
	}
	_ = hlen
	return IPv4Packet{Header: h, Data: data}, nil
}

// Payload returns the transport-layer bytes following the IPv4 header.
func (p IPv4Packet) Payload() []byte {
	return p.Data[p.Header.HeaderLen():p.Header.Length]
}

// AsBytes rewrites the header portion of p.Data in place (recomputing
// its checksum) and returns the full packet bytes.
func (p *IPv4Packet) AsBytes() ([]byte, error) {
	if err := p.Header.AsBytes(p.Data[:p.Header.HeaderLen()]); err != nil {
		return nil, err
	}
	return p.Data, nil
}

// Masquerade rewrites the packet's source IP and, for TCP/UDP, fixes up
// the transport checksum so the pseudo-header change is reflected.
func (p *IPv4Packet) Masquerade(newSrc [4]byte) ([4]byte, error) {
	old := p.Header.Masquerade(newSrc)
	if _, err := p.AsBytes(); err != nil {
		return old, err
	}
	p.fixTransportChecksum()
	return old, nil
}

// Unmasquerade rewrites the packet's destination IP and, for TCP/UDP,
// fixes up the transport checksum.
func (p *IPv4Packet) Unmasquerade(newDst [4]byte) ([4]byte, error) {
	old := p.Header.Unmasquerade(newDst)
	if _, err := p.AsBytes(); err != nil {
		return old, err
	}
	p.fixTransportChecksum()
	return old, nil
}

// fixTransportChecksum recomputes the TCP/UDP checksum after a
// src/dst rewrite, since both protocols checksum an IPv4 pseudo-header
// that masquerade/unmasquerade just changed.
func (p *IPv4Packet) fixTransportChecksum() {
	payload := p.Payload()
	switch p.Header.Protocol {
	case ProtocolTCP:
		if len(payload) < 18 {
			return
		}
		payload[16], payload[17] = 0, 0
		sum := TransportChecksum(p.Header.Src, p.Header.Dst, ProtocolTCP, payload)
		binary.BigEndian.PutUint16(payload[16:18], sum)
	case ProtocolUDP:
		if len(payload) < 8 {
			return
		}
		payload[6], payload[7] = 0, 0
		sum := TransportChecksum(p.Header.Src, p.Header.Dst, ProtocolUDP, payload)
		binary.BigEndian.PutUint16(payload[6:8], sum)
	}
}
