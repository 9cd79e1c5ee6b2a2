// Package protocols implements the router's local-delivery protocol
// handlers: ICMP echo, UDP demux (with DHCP and DNS as UDP sub-handlers).
//
// ICMP grounded on src/router/protocols.rs's echo-reply handling;
// built on golang.org/x/net/icmp rather than a hand-rolled ICMP struct.
package protocols

import (
	"fmt"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"

	"github.com/tinyrange/vhostbridge/internal/netcodec"
)

// ICMPHandler answers ICMP echo requests addressed to the router and
// drops everything else, per spec.md §4.5.
type ICMPHandler struct{}

// NewICMPHandler constructs an ICMPHandler.
func NewICMPHandler() *ICMPHandler { return &ICMPHandler{} }

// HandleProtocol implements router.ProtocolHandler.
func (h *ICMPHandler) HandleProtocol(pkt netcodec.IPv4Packet, resp []byte) (int, error) {
	payload := pkt.Payload()
	msg, err := icmp.ParseMessage(1, payload) // 1 = ICMPv4 protocol number
	if err != nil {
		return 0, fmt.Errorf("protocols: parse icmp: %w", err)
	}
	if msg.Type != ipv4.ICMPTypeEcho {
		return 0, nil
	}
	echo, ok := msg.Body.(*icmp.Echo)
	if !ok {
		return 0, nil
	}

	reply := icmp.Message{
		Type: ipv4.ICMPTypeEchoReply,
		Code: 0,
		Body: &icmp.Echo{
			ID:   echo.ID,
			Seq:  echo.Seq,
			Data: echo.Data,
		},
	}
	out, err := reply.Marshal(nil)
	if err != nil {
		return 0, fmt.Errorf("protocols: marshal icmp reply: %w", err)
	}
	if len(out) > len(resp) {
		return 0, fmt.Errorf("protocols: icmp reply too large for response buffer")
	}
	return copy(resp, out), nil
}
