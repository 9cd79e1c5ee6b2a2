// Command vhostbridge runs a userspace L2/L3 network bridge attaching
// to a virtual machine guest over the vhost-user protocol: a switch
// learns guest MACs, a router answers ARP/DHCP/ICMP and forwards
// off-subnet traffic to a configured WAN.
package main

import (
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/vhostbridge/internal/config"
	"github.com/tinyrange/vhostbridge/internal/netcodec"
	"github.com/tinyrange/vhostbridge/internal/pcap"
	"github.com/tinyrange/vhostbridge/internal/protocols"
	"github.com/tinyrange/vhostbridge/internal/router"
	"github.com/tinyrange/vhostbridge/internal/switchnet"
	"github.com/tinyrange/vhostbridge/internal/vhostuser"
	"github.com/tinyrange/vhostbridge/internal/wan"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "vhostbridge: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "Path to the bridge's YAML configuration file")
	dbg := flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s -config <path>\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Run a vhost-user virtual network bridge.\n\nFlags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *configPath == "" {
		flag.Usage()
		return fmt.Errorf("-config is required")
	}

	level := slog.LevelInfo
	if *dbg {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	bridge, err := newBridge(log, cfg)
	if err != nil {
		return err
	}
	defer bridge.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return bridge.Run(ctx)
}

// bridge wires together the switch, router, WAN driver and vhost-user
// listener for one running instance, per spec.md §5's concurrency model.
type bridge struct {
	log    *slog.Logger
	cfg    config.Config
	sw     *switchnet.Switch
	router *router.Router
	wanDrv wan.Driver
}

func newBridge(log *slog.Logger, cfg config.Config) (*bridge, error) {
	routerIP, err := config.ParseIPv4(cfg.Router.IPv4)
	if err != nil {
		return nil, err
	}

	sw := switchnet.New(log)
	if cfg.PCAP != "" {
		if dir := filepath.Dir(cfg.PCAP); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("vhostbridge: create pcap directory: %w", err)
			}
		}
		f, err := os.Create(cfg.PCAP)
		if err != nil {
			return nil, fmt.Errorf("vhostbridge: create pcap file: %w", err)
		}
		if err := sw.EnablePcap(pcap.NewWriter(f), 65535); err != nil {
			return nil, fmt.Errorf("vhostbridge: enable pcap capture: %w", err)
		}
	}

	r, err := router.New(log, router.Config{
		IP:        routerIP,
		PrefixLen: cfg.Router.PrefixLen,
		WANRateHz: 1000,
		WANBurst:  256,
	}, sw)
	if err != nil {
		return nil, err
	}

	r.RegisterHandler(netcodec.ProtocolICMP, protocols.NewICMPHandler())

	udpHandler := protocols.NewUDPHandler()
	if cfg.Router.DHCP.Start != "" {
		startIP, err := config.ParseIPv4(cfg.Router.DHCP.Start)
		if err != nil {
			return nil, err
		}
		endIP, err := config.ParseIPv4(cfg.Router.DHCP.End)
		if err != nil {
			return nil, err
		}
		var broadcast [4]byte
		for i := range broadcast {
			broadcast[i] = routerIP[i] | ^maskByte(cfg.Router.PrefixLen, i)
		}
		dhcp, err := protocols.NewDHCPServer(log, routerIP, prefixMask(cfg.Router.PrefixLen), broadcast, startIP, endIP)
		if err != nil {
			return nil, fmt.Errorf("vhostbridge: build dhcp server: %w", err)
		}
		if cfg.Router.DNS {
			// Point leased clients at the bridge's own DNS proxy rather
			// than the hardcoded public resolver, so their queries
			// actually flow through it.
			dhcp.SetDNSServer(routerIP)
		}
		udpHandler.Register(dhcp)
	}
	if cfg.Router.DNS {
		udpHandler.Register(protocols.NewDNSProxy(log, cfg.Router.DNSUpstream))
	}
	r.RegisterHandler(netcodec.ProtocolUDP, udpHandler)

	var drv wan.Driver
	switch cfg.WAN.Type {
	case "tap":
		tap, err := wan.NewTap(log, cfg.WAN.Device)
		if err != nil {
			return nil, fmt.Errorf("vhostbridge: build tap wan: %w", err)
		}
		drv = tap
	case "udp":
		udp, err := wan.NewUDPTunnel(log, []string{cfg.WAN.Endpoint})
		if err != nil {
			return nil, fmt.Errorf("vhostbridge: build udp wan: %w", err)
		}
		drv = udp
	case "wireguard":
		priv, pub, err := decodeWireGuardKeys(cfg.WAN.Key, cfg.WAN.Peer)
		if err != nil {
			return nil, err
		}
		peer, err := wan.NewWireGuardPeer(log, priv, pub, cfg.WAN.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("vhostbridge: build wireguard wan: %w", err)
		}
		drv = peer
	}
	if drv != nil {
		r.SetWAN(drv)
	}

	return &bridge{log: log, cfg: cfg, sw: sw, router: r, wanDrv: drv}, nil
}

func (b *bridge) Close() {
	b.sw.Close()
}

// Run drives the router, the optional WAN reader, and the vhost-user
// accept loop concurrently, shutting all three down together if any
// one of them fails or ctx is cancelled (spec.md §5's supervised
// goroutine model).
func (b *bridge) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return b.router.Run(ctx)
	})

	if b.wanDrv != nil {
		g.Go(func() error {
			return b.wanDrv.Run(ctx, b.router)
		})
	}

	g.Go(func() error {
		err := vhostuser.Listen(ctx, b.log, b.cfg.Socket, b.newDevice)
		if err != nil && errors.Is(ctx.Err(), context.Canceled) {
			return nil
		}
		return err
	})

	return g.Wait()
}

// newDevice wires a fresh vhost-user Device to a new switch port: tx
// frames from the guest are handed to the switch at that port, and the
// switch enqueues rx frames back onto the device's first rx queue.
func (b *bridge) newDevice() *vhostuser.Device {
	mac, err := netcodec.GenerateMAC()
	if err != nil {
		// crypto/rand failure is unrecoverable; surface it as a dead port
		// rather than handing out a device with an undefined MAC.
		if b.log != nil {
			b.log.Error("vhostbridge: generate device mac failed", "error", err)
		}
		mac = netcodec.MAC{}
	}

	var dev *vhostuser.Device
	var portIdx int
	dev = vhostuser.NewDevice(b.log, b.cfg.Virtio.Queues*2, mac, vhostuser.EthernetTx(func(frame netcodec.EthernetFrame) {
		b.sw.Process(portIdx, frame.Encode())
	}))
	portIdx = b.sw.Connect(switchnet.PortFunc(func(frame []byte) {
		if _, err := dev.EnqueueRx(0, frame); err != nil && b.log != nil {
			b.log.Debug("vhostbridge: enqueue rx failed", "error", err)
		}
	}))
	return dev
}

func maskByte(prefixLen, i int) byte {
	bits := prefixLen - i*8
	switch {
	case bits >= 8:
		return 0xff
	case bits <= 0:
		return 0x00
	default:
		return byte(0xff << (8 - bits))
	}
}

func prefixMask(prefixLen int) [4]byte {
	var m [4]byte
	for i := range m {
		m[i] = maskByte(prefixLen, i)
	}
	return m
}

// decodeWireGuardKeys decodes the base64-encoded private and peer
// public keys from the config file into the fixed-size arrays the
// internal/wan WireGuard driver expects.
func decodeWireGuardKeys(privB64, peerB64 string) (priv, peer [32]byte, err error) {
	privBytes, err := base64.StdEncoding.DecodeString(privB64)
	if err != nil {
		return priv, peer, fmt.Errorf("config: decode wan.key: %w", err)
	}
	if len(privBytes) != 32 {
		return priv, peer, fmt.Errorf("config: wan.key must decode to 32 bytes, got %d", len(privBytes))
	}
	peerBytes, err := base64.StdEncoding.DecodeString(peerB64)
	if err != nil {
		return priv, peer, fmt.Errorf("config: decode wan.peer: %w", err)
	}
	if len(peerBytes) != 32 {
		return priv, peer, fmt.Errorf("config: wan.peer must decode to 32 bytes, got %d", len(peerBytes))
	}
	copy(priv[:], privBytes)
	copy(peer[:], peerBytes)
	return priv, peer, nil
}
