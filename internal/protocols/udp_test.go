package protocols

import (
	"encoding/binary"
	"testing"

	"github.com/tinyrange/vhostbridge/internal/netcodec"
)

type stubPortHandler struct {
	port  uint16
	reply []byte
}

func (s *stubPortHandler) Port() uint16 { return s.port }
func (s *stubPortHandler) HandlePort(payload []byte, resp []byte) (int, error) {
	return copy(resp, s.reply), nil
}

func buildUDPPacket(t *testing.T, srcPort, dstPort uint16, payload []byte) netcodec.IPv4Packet {
	t.Helper()
	udpLen := 8 + len(payload)
	segment := make([]byte, udpLen)
	binary.BigEndian.PutUint16(segment[0:2], srcPort)
	binary.BigEndian.PutUint16(segment[2:4], dstPort)
	binary.BigEndian.PutUint16(segment[4:6], uint16(udpLen))
	copy(segment[8:], payload)

	hdr, err := netcodec.NewIPv4Header([4]byte{10, 0, 0, 2}, [4]byte{10, 0, 0, 1}, netcodec.ProtocolUDP, udpLen)
	if err != nil {
		t.Fatalf("new header: %v", err)
	}
	buf := make([]byte, hdr.HeaderLen()+udpLen)
	if err := hdr.AsBytes(buf[:hdr.HeaderLen()]); err != nil {
		t.Fatalf("header bytes: %v", err)
	}
	copy(buf[hdr.HeaderLen():], segment)

	pkt, err := netcodec.ParseIPv4Packet(buf)
	if err != nil {
		t.Fatalf("parse packet: %v", err)
	}
	return pkt
}

func TestUDPHandlerDemuxesByDestPort(t *testing.T) {
	u := NewUDPHandler()
	u.Register(&stubPortHandler{port: 67, reply: []byte("offer")})

	pkt := buildUDPPacket(t, 68, 67, []byte("discover"))
	resp := make([]byte, 1500)
	n, err := u.HandleProtocol(pkt, resp)
	if err != nil {
		t.Fatalf("handle protocol: %v", err)
	}
	if n == 0 {
		t.Fatalf("expected a reply")
	}
	hdr, err := netcodec.DecodeUDPHeader(resp[:n])
	if err != nil {
		t.Fatalf("decode reply header: %v", err)
	}
	if hdr.SrcPort != 67 || hdr.DstPort != 68 {
		t.Fatalf("expected ports swapped, got src=%d dst=%d", hdr.SrcPort, hdr.DstPort)
	}
	if string(resp[8:n]) != "offer" {
		t.Fatalf("expected payload %q, got %q", "offer", resp[8:n])
	}
}

func TestUDPHandlerIgnoresUnregisteredPort(t *testing.T) {
	u := NewUDPHandler()
	pkt := buildUDPPacket(t, 12345, 53, []byte("query"))
	resp := make([]byte, 1500)
	n, err := u.HandleProtocol(pkt, resp)
	if err != nil {
		t.Fatalf("handle protocol: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected no reply for unregistered port, got %d bytes", n)
	}
}
