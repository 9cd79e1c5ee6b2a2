package wan

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/tinyrange/vhostbridge/internal/netcodec"
)

const udpReadBufSize = 1600

// UDPTunnel is a WAN driver that forwards bare IPv4 packets (no
// Ethernet framing) over an unconnected UDP socket to one or more
// upstream peers. Grounded on
// oathgate-vhost/src/router/wan/udp.rs's UdpDevice: bind an ephemeral
// local port, fan writes out to every configured destination, and feed
// every datagram received back from any of them to the router as an
// IPv4 packet.
type UDPTunnel struct {
	log   *slog.Logger
	conn  *net.UDPConn
	dests []*net.UDPAddr
}

// NewUDPTunnel binds an ephemeral UDP socket and resolves dests, which
// must each be a "host:port" address.
func NewUDPTunnel(log *slog.Logger, dests []string) (*UDPTunnel, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("wan: listen udp: %w", err)
	}

	resolved := make([]*net.UDPAddr, 0, len(dests))
	for _, d := range dests {
		addr, err := net.ResolveUDPAddr("udp", d)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("wan: resolve udp dest %q: %w", d, err)
		}
		resolved = append(resolved, addr)
	}

	return &UDPTunnel{log: log, conn: conn, dests: resolved}, nil
}

// Run reads datagrams off the socket, each expected to be a raw IPv4
// packet, and delivers them to router.
func (u *UDPTunnel) Run(ctx context.Context, router Router) error {
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		u.conn.Close()
		close(done)
	}()

	buf := make([]byte, udpReadBufSize)
	for {
		n, peer, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-done:
				return nil
			default:
			}
			return fmt.Errorf("wan: udp read: %w", err)
		}
		if n == 0 {
			continue
		}
		version := buf[0] >> 4
		if version != 4 {
			if u.log != nil {
				u.log.Debug("wan: dropping non-ipv4 udp tunnel datagram", "peer", peer, "version", version)
			}
			continue
		}
		pkt, err := netcodec.ParseIPv4Packet(append([]byte(nil), buf[:n]...))
		if err != nil {
			if u.log != nil {
				u.log.Debug("wan: malformed ipv4 from udp tunnel, dropping", "peer", peer, "error", err)
			}
			continue
		}
		router.DeliverFromWAN(pkt)
	}
}

// Write implements Sink: sends pkt's raw bytes to every configured
// destination.
func (u *UDPTunnel) Write(pkt netcodec.IPv4Packet) error {
	for _, dest := range u.dests {
		if _, err := u.conn.WriteToUDP(pkt.Data, dest); err != nil {
			return fmt.Errorf("wan: udp write to %v: %w", dest, err)
		}
	}
	return nil
}
