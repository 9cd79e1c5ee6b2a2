package protocols

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/tinyrange/vhostbridge/internal/netcodec"
)

// DHCP message types (option 53).
const (
	dhcpDiscover uint8 = 1
	dhcpOffer    uint8 = 2
	dhcpRequest  uint8 = 3
	dhcpDecline  uint8 = 4
	dhcpAck      uint8 = 5
	dhcpRelease  uint8 = 7
)

// DHCP option codes used by this server.
const (
	optSubnetMask       uint8 = 1
	optRouter           uint8 = 3
	optDNS              uint8 = 6
	optRequestedIP      uint8 = 50
	optLeaseTime        uint8 = 51
	optMessageType      uint8 = 53
	optServerID         uint8 = 54
	optBroadcastAddr    uint8 = 28
	optEnd              uint8 = 255
)

const dhcpFixedLen = 236 // up through the magic cookie's start, excluding options
var magicCookie = [4]byte{99, 130, 83, 99}

// dhcpMessage is a decoded DHCPv4 message, hand-rolled per RFC 2131
// since no pack example carries a DHCP wire-format library
// (grounding: SPEC_FULL.md's domain stack section; this stays on
// stdlib encoding/binary only, documented in DESIGN.md).
type dhcpMessage struct {
	Op      uint8
	HType   uint8
	HLen    uint8
	Xid     uint32
	Secs    uint16
	Flags   uint16
	CIAddr  [4]byte
	YIAddr  [4]byte
	SIAddr  [4]byte
	GIAddr  [4]byte
	CHAddr  [16]byte
	Options map[uint8][]byte
}

func decodeDHCP(data []byte) (dhcpMessage, error) {
	if len(data) < dhcpFixedLen+4 {
		return dhcpMessage{}, fmt.Errorf("protocols: dhcp message too short (%d bytes)", len(data))
	}
	var m dhcpMessage
	m.Op = data[0]
	m.HType = data[1]
	m.HLen = data[2]
	m.Xid = binary.BigEndian.Uint32(data[4:8])
	m.Secs = binary.BigEndian.Uint16(data[8:10])
	m.Flags = binary.BigEndian.Uint16(data[10:12])
	copy(m.CIAddr[:], data[12:16])
	copy(m.YIAddr[:], data[16:20])
	copy(m.SIAddr[:], data[20:24])
	copy(m.GIAddr[:], data[24:28])
	copy(m.CHAddr[:], data[28:44])

	if [4]byte(data[236:240]) != magicCookie {
		return dhcpMessage{}, fmt.Errorf("protocols: dhcp magic cookie mismatch")
	}

	m.Options = make(map[uint8][]byte)
	opts := data[240:]
	for i := 0; i < len(opts); {
		code := opts[i]
		if code == optEnd {
			break
		}
		if code == 0 { // pad
			i++
			continue
		}
		if i+1 >= len(opts) {
			break
		}
		length := int(opts[i+1])
		if i+2+length > len(opts) {
			break
		}
		m.Options[code] = opts[i+2 : i+2+length]
		i += 2 + length
	}
	return m, nil
}

func (m dhcpMessage) messageType() (uint8, bool) {
	v, ok := m.Options[optMessageType]
	if !ok || len(v) < 1 {
		return 0, false
	}
	return v[0], true
}

func (m dhcpMessage) requestedIP() ([4]byte, bool) {
	v, ok := m.Options[optRequestedIP]
	if !ok || len(v) < 4 {
		return [4]byte{}, false
	}
	return [4]byte(v[:4]), true
}

func (m dhcpMessage) clientMAC() netcodec.MAC {
	var mac netcodec.MAC
	copy(mac[:], m.CHAddr[:6])
	return mac
}

// dhcpReply builds an OFFER or ACK in response to req.
func dhcpReply(req dhcpMessage, ip, serverIP, subnetMask, broadcast, dnsServer [4]byte, leaseTime uint32, msgType uint8) []byte {
	buf := make([]byte, dhcpFixedLen+4, dhcpFixedLen+64)
	buf[0] = 2 // BOOTREPLY
	buf[1] = req.HType
	buf[2] = req.HLen
	binary.BigEndian.PutUint32(buf[4:8], req.Xid)
	binary.BigEndian.PutUint16(buf[10:12], req.Flags)
	if msgType == dhcpAck {
		copy(buf[12:16], req.CIAddr[:])
	}
	copy(buf[16:20], ip[:])
	copy(buf[20:24], serverIP[:])
	copy(buf[24:28], req.GIAddr[:])
	copy(buf[28:44], req.CHAddr[:])
	copy(buf[236:240], magicCookie[:])

	appendOpt := func(code uint8, val []byte) {
		buf = append(buf, code, byte(len(val)))
		buf = append(buf, val...)
	}
	appendOpt(optMessageType, []byte{msgType})
	leaseBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(leaseBuf, leaseTime)
	appendOpt(optLeaseTime, leaseBuf)
	appendOpt(optServerID, serverIP[:])
	appendOpt(optSubnetMask, subnetMask[:])
	appendOpt(optBroadcastAddr, broadcast[:])
	appendOpt(optRouter, serverIP[:])
	appendOpt(optDNS, dnsServer[:])
	buf = append(buf, optEnd)
	return buf
}

// DHCPServer answers DHCP on UDP port 67 over a configured address
// pool, per spec.md §4.5.
type DHCPServer struct {
	log *slog.Logger

	serverIP   [4]byte
	subnetMask [4]byte
	broadcast  [4]byte
	dnsServer  [4]byte // advertised via option 6; defaults to a public resolver
	leaseTime  uint32

	available []([4]byte)
	leased    map[[4]byte]netcodec.MAC
}

// NewDHCPServer builds a server whose pool is every address in
// [start, end] inclusive.
func NewDHCPServer(log *slog.Logger, serverIP, subnetMask, broadcast, start, end [4]byte) (*DHCPServer, error) {
	s := &DHCPServer{
		log:        log,
		serverIP:   serverIP,
		subnetMask: subnetMask,
		broadcast:  broadcast,
		dnsServer:  [4]byte{1, 1, 1, 1},
		leaseTime:  86400,
		leased:     make(map[[4]byte]netcodec.MAC),
	}

	startN := ipToUint32(start)
	endN := ipToUint32(end)
	if endN < startN {
		return nil, fmt.Errorf("protocols: dhcp range end %v precedes start %v", end, start)
	}
	for n := startN; n <= endN; n++ {
		s.available = append(s.available, uint32ToIP(n))
	}
	return s, nil
}

// SetDNSServer overrides the DNS server advertised in option 6,
// typically pointed at the router's own IP when a DNS proxy is
// registered so LAN clients actually route queries through it.
func (s *DHCPServer) SetDNSServer(ip [4]byte) { s.dnsServer = ip }

func ipToUint32(ip [4]byte) uint32   { return binary.BigEndian.Uint32(ip[:]) }
func uint32ToIP(n uint32) [4]byte    { var b [4]byte; binary.BigEndian.PutUint32(b[:], n); return b }

func (s *DHCPServer) removeAvailable(ip [4]byte) bool {
	for i, a := range s.available {
		if a == ip {
			s.available = append(s.available[:i], s.available[i+1:]...)
			return true
		}
	}
	return false
}

func (s *DHCPServer) popAvailable() ([4]byte, bool) {
	if len(s.available) == 0 {
		return [4]byte{}, false
	}
	ip := s.available[0]
	s.available = s.available[1:]
	return ip, true
}

func (s *DHCPServer) pushAvailableFront(ip [4]byte) {
	s.available = append([][4]byte{ip}, s.available...)
}

// leaseIP implements the allocation policy from spec.md §4.5 /
// dhcp.rs's lease_ip: reuse a requested IP if it is in the pool and
// unleased, or already leased to the same MAC; otherwise pop the pool
// head.
func (s *DHCPServer) leaseIP(msg dhcpMessage) ([4]byte, bool) {
	mac := msg.clientMAC()

	var ip [4]byte
	var ok bool
	if requested, has := msg.requestedIP(); has {
		leasedTo, isLeased := s.leased[requested]
		switch {
		case isLeased && leasedTo == mac:
			ip, ok = requested, true
		case !isLeased && s.removeAvailable(requested):
			ip, ok = requested, true
		default:
			ip, ok = s.popAvailable()
		}
	} else {
		ip, ok = s.popAvailable()
	}
	if !ok {
		return [4]byte{}, false
	}
	s.leased[ip] = mac
	return ip, true
}

// HandlePort implements protocols.PortHandler.
func (s *DHCPServer) HandlePort(payload []byte, resp []byte) (int, error) {
	msg, err := decodeDHCP(payload)
	if err != nil {
		return 0, fmt.Errorf("protocols: decode dhcp: %w", err)
	}
	mt, ok := msg.messageType()
	if !ok {
		return 0, fmt.Errorf("protocols: dhcp message missing type option")
	}

	switch mt {
	case dhcpDiscover:
		ip, ok := s.leaseIP(msg)
		if !ok {
			if s.log != nil {
				s.log.Warn("protocols: dhcp address space exhausted")
			}
			return 0, nil
		}
		out := dhcpReply(msg, ip, s.serverIP, s.subnetMask, s.broadcast, s.dnsServer, s.leaseTime, dhcpOffer)
		return copy(resp, out), nil
	case dhcpRequest:
		ip, ok := s.leaseIP(msg)
		if !ok {
			if s.log != nil {
				s.log.Warn("protocols: dhcp address space exhausted")
			}
			return 0, nil
		}
		out := dhcpReply(msg, ip, s.serverIP, s.subnetMask, s.broadcast, s.dnsServer, s.leaseTime, dhcpAck)
		return copy(resp, out), nil
	case dhcpRelease, dhcpDecline:
		mac := msg.clientMAC()
		for ip, leasedTo := range s.leased {
			if leasedTo == mac {
				delete(s.leased, ip)
				s.pushAvailableFront(ip)
			}
		}
		return 0, nil
	default:
		return 0, nil
	}
}

// Port implements protocols.PortHandler.
func (s *DHCPServer) Port() uint16 { return 67 }
