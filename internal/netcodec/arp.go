package netcodec

import (
	"encoding/binary"
	"fmt"
)

// ARP operation codes.
const (
	ARPRequest uint16 = 1
	ARPReply   uint16 = 2
)

const arpPacketLen = 28

// ARPPacket is a decoded Ethernet/IPv4 ARP packet.
type ARPPacket struct {
	Operation   uint16
	SenderMAC   MAC
	SenderIP    [4]byte
	TargetMAC   MAC
	TargetIP    [4]byte
}

// DecodeARP parses an ARP packet, validating that it describes the
// Ethernet/IPv4 combination this appliance understands.
func DecodeARP(data []byte) (ARPPacket, error) {
	if len(data) < arpPacketLen {
		return ARPPacket{}, fmt.Errorf("netcodec: arp packet too short (%d bytes)", len(data))
	}
	htype := binary.BigEndian.Uint16(data[0:2])
	ptype := binary.BigEndian.Uint16(data[2:4])
	hlen, plen := data[4], data[5]
	if htype != 1 || ptype != uint16(EtherTypeIPv4) || hlen != 6 || plen != 4 {
		return ARPPacket{}, fmt.Errorf("netcodec: unsupported arp address families (htype=%d ptype=0x%x hlen=%d plen=%d)", htype, ptype, hlen, plen)
	}

	var p ARPPacket
	p.Operation = binary.BigEndian.Uint16(data[6:8])
	copy(p.SenderMAC[:], data[8:14])
	copy(p.SenderIP[:], data[14:18])
	copy(p.TargetMAC[:], data[18:24])
	copy(p.TargetIP[:], data[24:28])
	return p, nil
}

// Encode serializes the ARP packet back into wire bytes.
func (p ARPPacket) Encode() []byte {
	out := make([]byte, arpPacketLen)
	binary.BigEndian.PutUint16(out[0:2], 1)                  // htype: ethernet
	binary.BigEndian.PutUint16(out[2:4], uint16(EtherTypeIPv4)) // ptype: ipv4
	out[4] = 6
	out[5] = 4
	binary.BigEndian.PutUint16(out[6:8], p.Operation)
	copy(out[8:14], p.SenderMAC[:])
	copy(out[14:18], p.SenderIP[:])
	copy(out[18:24], p.TargetMAC[:])
	copy(out[24:28], p.TargetIP[:])
	return out
}

// Reply builds the ARP reply for a request addressed to (replyMAC, replyIP).
func (p ARPPacket) Reply(replyMAC MAC, replyIP [4]byte) ARPPacket {
	return ARPPacket{
		Operation: ARPReply,
		SenderMAC: replyMAC,
		SenderIP:  replyIP,
		TargetMAC: p.SenderMAC,
		TargetIP:  p.SenderIP,
	}
}
