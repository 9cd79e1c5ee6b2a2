package netcodec

import (
	"encoding/binary"
	"fmt"
)

const udpHeaderLen = 8

// UDPHeader is a decoded UDP header.
type UDPHeader struct {
	SrcPort uint16
	DstPort uint16
	Length  uint16
}

// DecodeUDPHeader parses the 8-byte UDP header prefix of data.
func DecodeUDPHeader(data []byte) (UDPHeader, error) {
	if len(data) < udpHeaderLen {
		return UDPHeader{}, fmt.Errorf("netcodec: udp header too short (%d bytes)", len(data))
	}
	return UDPHeader{
		SrcPort: binary.BigEndian.Uint16(data[0:2]),
		DstPort: binary.BigEndian.Uint16(data[2:4]),
		Length:  binary.BigEndian.Uint16(data[4:6]),
	}, nil
}

// EncodeReplyUDP writes a UDP header into out[0:8] for a reply in the
// opposite direction of req (ports swapped), with the checksum field
// zeroed — RFC 768 permits an all-zero UDP checksum over IPv4, which
// the guest's virtio-net driver must accept.
func EncodeReplyUDP(out []byte, req UDPHeader, payloadLen int) error {
	if len(out) < udpHeaderLen {
		return fmt.Errorf("netcodec: buffer too small for udp header")
	}
	binary.BigEndian.PutUint16(out[0:2], req.DstPort)
	binary.BigEndian.PutUint16(out[2:4], req.SrcPort)
	binary.BigEndian.PutUint16(out[4:6], uint16(udpHeaderLen+payloadLen))
	out[6], out[7] = 0, 0
	return nil
}
