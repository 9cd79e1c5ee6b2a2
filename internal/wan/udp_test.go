package wan

import (
	"context"
	"testing"
	"time"

	"github.com/tinyrange/vhostbridge/internal/netcodec"
)

func TestUDPTunnelRoundTrip(t *testing.T) {
	b, err := NewUDPTunnel(nil, nil)
	if err != nil {
		t.Fatalf("new tunnel b: %v", err)
	}
	a, err := NewUDPTunnel(nil, []string{b.conn.LocalAddr().String()})
	if err != nil {
		t.Fatalf("new tunnel a: %v", err)
	}

	router := &recordingRouter{delivered: make(chan netcodec.IPv4Packet, 1)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx, router)

	hdr, err := netcodec.NewIPv4Header([4]byte{10, 0, 0, 2}, [4]byte{8, 8, 8, 8}, netcodec.ProtocolICMP, 0)
	if err != nil {
		t.Fatalf("new header: %v", err)
	}
	buf := make([]byte, hdr.HeaderLen())
	if err := hdr.AsBytes(buf); err != nil {
		t.Fatalf("as bytes: %v", err)
	}
	pkt, err := netcodec.ParseIPv4Packet(buf)
	if err != nil {
		t.Fatalf("parse packet: %v", err)
	}

	if err := a.Write(pkt); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case got := <-router.delivered:
		if got.Header.Src != pkt.Header.Src || got.Header.Dst != pkt.Header.Dst {
			t.Fatalf("delivered packet header mismatch: %+v vs %+v", got.Header, pkt.Header)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for delivery")
	}
}
