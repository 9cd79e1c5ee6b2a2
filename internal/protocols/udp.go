package protocols

import (
	"fmt"

	"github.com/tinyrange/vhostbridge/internal/netcodec"
)

// PortHandler answers UDP traffic addressed to one destination port
// (the DHCP server on 67, the DNS proxy on 53).
type PortHandler interface {
	Port() uint16
	HandlePort(payload []byte, resp []byte) (int, error)
}

// UDPHandler demuxes UDP datagrams by destination port to a table of
// PortHandlers, grounded on src/router/protocols.rs's UdpHandler.
type UDPHandler struct {
	handlers map[uint16]PortHandler
}

// NewUDPHandler constructs an empty demux table.
func NewUDPHandler() *UDPHandler {
	return &UDPHandler{handlers: make(map[uint16]PortHandler)}
}

// Register installs h to answer traffic on its own Port().
func (u *UDPHandler) Register(h PortHandler) {
	u.handlers[h.Port()] = h
}

// HandleProtocol implements router.ProtocolHandler.
func (u *UDPHandler) HandleProtocol(pkt netcodec.IPv4Packet, resp []byte) (int, error) {
	payload := pkt.Payload()
	hdr, err := netcodec.DecodeUDPHeader(payload)
	if err != nil {
		return 0, fmt.Errorf("protocols: decode udp header: %w", err)
	}
	handler, ok := u.handlers[hdr.DstPort]
	if !ok {
		return 0, nil
	}

	udpPayload := payload[8:]
	innerResp := make([]byte, len(resp))
	n, err := handler.HandlePort(udpPayload, innerResp)
	if err != nil {
		return 0, fmt.Errorf("protocols: udp port %d handler: %w", hdr.DstPort, err)
	}
	if n == 0 {
		return 0, nil
	}

	if err := netcodec.EncodeReplyUDP(resp, hdr, n); err != nil {
		return 0, err
	}
	copy(resp[8:], innerResp[:n])
	return 8 + n, nil
}
