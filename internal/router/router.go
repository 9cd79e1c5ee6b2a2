// Package router implements the L3 router: it owns the bridge's
// interface IP and subnet, answers ARP/local IP traffic, and forwards
// off-subnet IPv4 to a WAN.
//
// Grounded on original_source/oathgate-net/src/router.rs: the
// channel-based inbox with FromLan/FromWan4 message kinds, the single
// serial processing loop, and the exact ARP/local-delivery/forward
// dispatch order.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"golang.org/x/time/rate"

	"github.com/tinyrange/vhostbridge/internal/netcodec"
	"github.com/tinyrange/vhostbridge/internal/switchnet"
)

// WAN is the egress sink a router hands off-subnet IPv4 traffic to.
type WAN interface {
	Write(pkt netcodec.IPv4Packet) error
}

// ProtocolHandler answers IPv4 traffic addressed to the router itself,
// keyed by IP protocol number (spec.md §4.4's ip_proto_handlers).
type ProtocolHandler interface {
	// HandleProtocol is given the full IPv4 packet and a scratch
	// buffer to build a reply payload into; it returns the reply
	// payload length, or 0 to mean "no reply".
	HandleProtocol(pkt netcodec.IPv4Packet, resp []byte) (int, error)
}

type lanMessage struct {
	frame netcodec.EthernetFrame
	raw   []byte
}

type inboxMessage struct {
	lan  *lanMessage
	wan4 *netcodec.IPv4Packet
}

// Router is one bridge's L3 router: it registers itself as a switch
// port and serially processes an inbox fed by the switch (LAN traffic)
// and the WAN driver (WAN traffic).
type Router struct {
	log *slog.Logger

	mac        netcodec.MAC
	ip         [4]byte
	prefixLen  int

	sw   *switchnet.Switch
	port int

	wan     WAN
	limiter *rate.Limiter

	arp      map[[4]byte]netcodec.MAC
	handlers map[uint8]ProtocolHandler

	inbox chan inboxMessage
}

// Config describes the router's own address and the rate limit
// applied to its WAN egress path (SPEC_FULL.md §6).
type Config struct {
	IP        [4]byte
	PrefixLen int
	WANRateHz float64 // packets/sec; 0 disables limiting
	WANBurst  int
}

// New constructs a router, registers it with sw, and returns it ready
// to Run. The router's MAC is randomly generated with the 52:54:00 OUI
// prefix, per spec.md §3.
func New(log *slog.Logger, cfg Config, sw *switchnet.Switch) (*Router, error) {
	mac, err := netcodec.GenerateMAC()
	if err != nil {
		return nil, fmt.Errorf("router: %w", err)
	}

	r := &Router{
		log:       log,
		mac:       mac,
		ip:        cfg.IP,
		prefixLen: cfg.PrefixLen,
		sw:        sw,
		arp:       make(map[[4]byte]netcodec.MAC),
		handlers:  make(map[uint8]ProtocolHandler),
		inbox:     make(chan inboxMessage, 256),
	}
	if cfg.WANRateHz > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(cfg.WANRateHz), cfg.WANBurst)
	}
	r.port = sw.Connect(r)
	return r, nil
}

// MAC returns the router's generated hardware address.
func (r *Router) MAC() netcodec.MAC { return r.mac }

// IP returns the router's configured interface address.
func (r *Router) IP() [4]byte { return r.ip }

// SetWAN installs the WAN egress sink.
func (r *Router) SetWAN(w WAN) { r.wan = w }

// RegisterHandler installs a local-delivery handler for an IP protocol
// number (e.g. ICMP=1, UDP=17).
func (r *Router) RegisterHandler(protocol uint8, h ProtocolHandler) {
	r.handlers[protocol] = h
}

// Enqueue implements switchnet.Port: frames arriving from the switch
// are handed to the router's inbox as FromLan messages.
func (r *Router) Enqueue(frame []byte) {
	eth, err := netcodec.DecodeEthernet(frame)
	if err != nil {
		return
	}
	cp := append([]byte(nil), frame...)
	r.inbox <- inboxMessage{lan: &lanMessage{frame: eth, raw: cp}}
}

// DeliverFromWAN hands a WAN-originated IPv4 packet to the router
// (spec.md's FromWan4 message kind).
func (r *Router) DeliverFromWAN(pkt netcodec.IPv4Packet) {
	r.inbox <- inboxMessage{wan4: &pkt}
}

// Run processes the inbox serially until ctx is cancelled or the
// inbox is closed, matching spec.md §5's single-router-thread model.
func (r *Router) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-r.inbox:
			if !ok {
				return nil
			}
			if msg.lan != nil {
				r.handleLan(*msg.lan)
			} else if msg.wan4 != nil {
				r.handleWAN4(*msg.wan4)
			}
		}
	}
}

func (r *Router) handleLan(m lanMessage) {
	switch m.frame.EtherType {
	case netcodec.EtherTypeARP:
		r.handleARP(m.frame.Payload)
	case netcodec.EtherTypeIPv4:
		pkt, err := netcodec.ParseIPv4Packet(m.frame.Payload)
		if err != nil {
			if r.log != nil {
				r.log.Warn("router: malformed ipv4 from lan, dropping", slog.Any("error", err))
			}
			return
		}
		r.routeIPv4(pkt, nil)
	case netcodec.EtherTypeIPv6:
		if r.log != nil {
			r.log.Debug("router: ipv6 from lan, dropping")
		}
	}
}

func (r *Router) handleWAN4(pkt netcodec.IPv4Packet) {
	r.routeIPv4(pkt, nil)
}

func (r *Router) handleARP(payload []byte) {
	pkt, err := netcodec.DecodeARP(payload)
	if err != nil {
		if r.log != nil {
			r.log.Warn("router: malformed arp, dropping", slog.Any("error", err))
		}
		return
	}

	r.arp[pkt.SenderIP] = pkt.SenderMAC

	if pkt.Operation != netcodec.ARPRequest {
		return
	}
	if !r.isLocalTarget(pkt.TargetIP) {
		return
	}

	reply := pkt.Reply(r.mac, r.ip)
	frame := netcodec.EthernetFrame{
		Dst:       reply.TargetMAC,
		Src:       r.mac,
		EtherType: netcodec.EtherTypeARP,
		Payload:   reply.Encode(),
	}
	r.writeToSwitch(frame)
}

func (r *Router) isLocalTarget(ip [4]byte) bool {
	return ip == r.ip || ip == [4]byte{255, 255, 255, 255}
}

// network reports whether ip falls within the router's configured
// subnet.
func (r *Router) network() *net.IPNet {
	return &net.IPNet{IP: net.IPv4(r.ip[0], r.ip[1], r.ip[2], r.ip[3]).To4(), Mask: net.CIDRMask(r.prefixLen, 32)}
}

func (r *Router) inNetwork(ip [4]byte) bool {
	return r.network().Contains(net.IPv4(ip[0], ip[1], ip[2], ip[3]))
}

func (r *Router) routeIPv4(pkt netcodec.IPv4Packet, _ *netcodec.MAC) {
	dst := pkt.Header.Dst

	if r.inNetwork(dst) || dst == [4]byte{255, 255, 255, 255} {
		if dst == r.ip || dst == [4]byte{255, 255, 255, 255} {
			r.handleLocalIPv4(pkt)
			return
		}
		r.forwardToLAN(pkt)
		return
	}

	r.forwardToWAN(pkt)
}

func (r *Router) handleLocalIPv4(pkt netcodec.IPv4Packet) {
	h, ok := r.handlers[pkt.Header.Protocol]
	if !ok {
		return
	}

	resp := make([]byte, 65535)
	n, err := h.HandleProtocol(pkt, resp)
	if err != nil {
		if r.log != nil {
			r.log.Warn("router: protocol handler failed", slog.Int("protocol", int(pkt.Header.Protocol)), slog.Any("error", err))
		}
		return
	}
	if n == 0 {
		return
	}
	payload := resp[:n]

	replyHeader, err := pkt.Header.Reply(payload)
	if err != nil {
		if r.log != nil {
			r.log.Warn("router: build reply header failed", slog.Any("error", err))
		}
		return
	}
	hlen := replyHeader.HeaderLen()
	out := make([]byte, hlen+len(payload))
	if err := replyHeader.AsBytes(out[:hlen]); err != nil {
		return
	}
	copy(out[hlen:], payload)

	reply, err := netcodec.ParseIPv4Packet(out)
	if err != nil {
		return
	}
	r.forwardToLAN(reply)
}

// forwardToLAN resolves the destination's MAC from the ARP cache and
// writes the packet to the switch; an unresolved MAC silently drops
// the packet (spec.md §9's documented, intentional gap — no ARP
// request is synthesized for router-originated or WAN-originated
// traffic).
func (r *Router) forwardToLAN(pkt netcodec.IPv4Packet) {
	mac, ok := r.arp[pkt.Header.Dst]
	if !ok {
		if r.log != nil {
			r.log.Warn("router: no arp entry for destination, dropping", slog.Any("dst", pkt.Header.Dst))
		}
		return
	}
	frame := netcodec.EthernetFrame{
		Dst:       mac,
		Src:       r.mac,
		EtherType: netcodec.EtherTypeIPv4,
		Payload:   pkt.Data,
	}
	r.writeToSwitch(frame)
}

func (r *Router) forwardToWAN(pkt netcodec.IPv4Packet) {
	if r.wan == nil {
		if r.log != nil {
			r.log.Warn("router: no wan configured, dropping off-subnet packet")
		}
		return
	}
	if r.limiter != nil && !r.limiter.Allow() {
		if r.log != nil {
			r.log.Debug("router: wan rate limit exceeded, dropping packet")
		}
		return
	}
	if err := r.wan.Write(pkt); err != nil && r.log != nil {
		r.log.Warn("router: wan write failed", slog.Any("error", err))
	}
}

func (r *Router) writeToSwitch(frame netcodec.EthernetFrame) {
	r.sw.Process(r.port, frame.Encode())
}
