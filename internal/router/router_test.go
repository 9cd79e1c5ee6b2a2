package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tinyrange/vhostbridge/internal/netcodec"
	"github.com/tinyrange/vhostbridge/internal/switchnet"
)

type recordingPort struct {
	mu     sync.Mutex
	frames [][]byte
}

func (p *recordingPort) Enqueue(frame []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, append([]byte(nil), frame...))
}

func (p *recordingPort) frameCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.frames)
}

func (p *recordingPort) last() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.frames) == 0 {
		return nil
	}
	return p.frames[len(p.frames)-1]
}

type fakeWAN struct {
	mu      sync.Mutex
	written []netcodec.IPv4Packet
}

func (w *fakeWAN) Write(pkt netcodec.IPv4Packet) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.written = append(w.written, pkt)
	return nil
}

func (w *fakeWAN) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.written)
}

func newTestRouter(t *testing.T) (*Router, *switchnet.Switch, *recordingPort) {
	t.Helper()
	sw := switchnet.New(nil)
	var guestPort recordingPort
	sw.Connect(&guestPort)

	r, err := New(nil, Config{IP: [4]byte{10, 67, 0, 1}, PrefixLen: 24}, sw)
	if err != nil {
		t.Fatalf("new router: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go r.Run(ctx)

	return r, sw, &guestPort
}

func TestARPResponderRepliesForRouterIP(t *testing.T) {
	r, sw, guestPort := newTestRouter(t)

	senderMAC := netcodec.MAC{0x52, 0x54, 0x00, 0x11, 0x22, 0x33}
	senderIP := [4]byte{10, 67, 0, 50}
	arp := netcodec.ARPPacket{
		Operation: netcodec.ARPRequest,
		SenderMAC: senderMAC,
		SenderIP:  senderIP,
		TargetIP:  r.IP(),
	}
	frame := netcodec.EthernetFrame{
		Dst:       netcodec.Broadcast,
		Src:       senderMAC,
		EtherType: netcodec.EtherTypeARP,
		Payload:   arp.Encode(),
	}
	sw.Process(0, frame.Encode())

	deadline := time.Now().Add(time.Second)
	for guestPort.frameCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if guestPort.frameCount() != 1 {
		t.Fatalf("expected exactly one reply frame, got %d", guestPort.frameCount())
	}

	replyFrame, err := netcodec.DecodeEthernet(guestPort.last())
	if err != nil {
		t.Fatalf("decode reply frame: %v", err)
	}
	reply, err := netcodec.DecodeARP(replyFrame.Payload)
	if err != nil {
		t.Fatalf("decode reply arp: %v", err)
	}
	if reply.SenderMAC != r.MAC() || reply.SenderIP != r.IP() {
		t.Fatalf("reply sender fields wrong: %+v", reply)
	}
	if reply.TargetMAC != senderMAC || reply.TargetIP != senderIP {
		t.Fatalf("reply target fields wrong: %+v", reply)
	}
}

func TestOffSubnetForwardsToWANOnce(t *testing.T) {
	r, _, guestPort := newTestRouter(t)
	wan := &fakeWAN{}
	r.SetWAN(wan)

	srcMAC := netcodec.MAC{0x52, 0x54, 0x00, 0x01, 0x02, 0x03}
	h, err := netcodec.NewIPv4Header([4]byte{10, 67, 0, 50}, [4]byte{8, 8, 8, 8}, netcodec.ProtocolICMP, 0)
	if err != nil {
		t.Fatalf("new header: %v", err)
	}
	buf := make([]byte, h.HeaderLen())
	if err := h.AsBytes(buf); err != nil {
		t.Fatalf("as bytes: %v", err)
	}
	frame := netcodec.EthernetFrame{
		Dst:       r.MAC(),
		Src:       srcMAC,
		EtherType: netcodec.EtherTypeIPv4,
		Payload:   buf,
	}
	// The switch has not learned the router's MAC yet (the router has
	// sent nothing), so it would drop this unicast frame; hand it to
	// the router's port directly, as the switch does once it knows it.
	r.Enqueue(frame.Encode())

	deadline := time.Now().Add(time.Second)
	for wan.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if wan.count() != 1 {
		t.Fatalf("expected exactly one wan write, got %d", wan.count())
	}
	if guestPort.frameCount() != 0 {
		t.Fatalf("expected no lan-side enqueue for off-subnet packet, got %d", guestPort.frameCount())
	}
}
