package vhostuser

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/tinyrange/vhostbridge/internal/netcodec"
)

// DeviceFactory builds a fresh Device for a newly-accepted connection.
// The factory is responsible for wiring the device's own tx callback
// (e.g. to a dedicated switch port) since that wiring needs the
// Device's identity (for rx delivery) before construction completes.
type DeviceFactory func() *Device

// Listen accepts connections on socketPath (one bridge control socket
// per spec.md §6) and spawns one Server goroutine per connection, each
// driving its own Device, until ctx is cancelled. Grounded on
// hanwen-go-fuse/vhostuser/util.go's ServeFS accept loop.
func Listen(ctx context.Context, log *slog.Logger, socketPath string, newDevice DeviceFactory) error {
	addr, err := net.ResolveUnixAddr("unix", socketPath)
	if err != nil {
		return fmt.Errorf("vhostuser: resolve socket path: %w", err)
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return fmt.Errorf("vhostuser: listen on %s: %w", socketPath, err)
	}

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.AcceptUnix()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("vhostuser: accept: %w", err)
			}
		}

		device := newDevice()
		srv := NewServer(conn, device, log)
		go func() {
			if err := srv.Serve(); err != nil && log != nil {
				log.Info("vhostuser: connection closed", slog.Any("error", err))
			}
		}()
	}
}

// EthernetTx adapts a raw []byte tx callback to one that parses it as
// an Ethernet frame first, used by callers (the bridge wiring) that
// want to validate frames before handing them to the switch.
func EthernetTx(fn func(netcodec.EthernetFrame)) func([]byte) {
	return func(data []byte) {
		frame, err := netcodec.DecodeEthernet(data)
		if err != nil {
			return
		}
		fn(frame)
	}
}
