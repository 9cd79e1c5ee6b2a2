package wan

import (
	"context"
	"testing"
	"time"

	"golang.org/x/crypto/curve25519"

	"github.com/tinyrange/vhostbridge/internal/netcodec"
)

type recordingRouter struct {
	delivered chan netcodec.IPv4Packet
}

func (r *recordingRouter) DeliverFromWAN(pkt netcodec.IPv4Packet) {
	r.delivered <- pkt
}

func genKeypair(t *testing.T, seed byte) (priv, pub [32]byte) {
	t.Helper()
	for i := range priv {
		priv[i] = seed + byte(i)
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
	pubSlice, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		t.Fatalf("x25519 basepoint: %v", err)
	}
	copy(pub[:], pubSlice)
	return priv, pub
}

func TestWireGuardPeerRoundTrip(t *testing.T) {
	aPriv, aPub := genKeypair(t, 1)
	bPriv, bPub := genKeypair(t, 50)

	b, err := NewWireGuardPeer(nil, bPriv, aPub, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("new peer b: %v", err)
	}
	a, err := NewWireGuardPeer(nil, aPriv, bPub, b.conn.LocalAddr().String())
	if err != nil {
		t.Fatalf("new peer a: %v", err)
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
