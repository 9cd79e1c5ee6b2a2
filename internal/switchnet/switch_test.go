package switchnet

import (
	"sync"
	"testing"

	"github.com/tinyrange/vhostbridge/internal/netcodec"
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

func (p *recordingPort) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.frames)
}

func frameFromTo(src, dst netcodec.MAC) []byte {
	return netcodec.EthernetFrame{
		Dst:       dst,
		Src:       src,
		EtherType: netcodec.EtherTypeIPv4,
		Payload:   []byte{1, 2, 3},
	}.Encode()
}

func TestLearningDeliversToLearnedPort(t *testing.T) {
	sw := New(nil)
	var p0, p1, p2 recordingPort
	sw.Connect(&p0)
	sw.Connect(&p1)
	sw.Connect(&p2)

	m := netcodec.MAC{0x52, 0x54, 0, 0, 0, 1}
	sw.Process(1, frameFromTo(m, netcodec.Broadcast))

	other := netcodec.MAC{0x52, 0x54, 0, 0, 0, 2}
	sw.Process(0, frameFromTo(other, m))

	if p1.count() != 1 {
		t.Fatalf("expected exactly one frame delivered to learned port 1, got %d", p1.count())
	}
	// p0 and p2 each received the learning broadcast; the unicast to m
	// must not have reached either of them.
	if p0.count() != 1 || p2.count() != 1 {
		t.Fatalf("expected only the learning broadcast on other ports, got p0=%d p2=%d", p0.count(), p2.count())
	}
}

func TestBroadcastFloodsExceptIngress(t *testing.T) {
	sw := New(nil)
	var p1, p2, p3 recordingPort
	sw.Connect(&p1)
	sw.Connect(&p2)
	sw.Connect(&p3)

	// Port ids are 0-based, so id 1 is p2: the ingress port.
	src := netcodec.MAC{0x52, 0x54, 0, 0, 0, 9}
	sw.Process(1, frameFromTo(src, netcodec.Broadcast))

	if p2.count() != 0 {
		t.Fatalf("expected no delivery back to ingress port, got %d", p2.count())
	}
	if p1.count() != 1 || p3.count() != 1 {
		t.Fatalf("expected broadcast delivered to both other ports, got p1=%d p3=%d", p1.count(), p3.count())
	}
}

func TestUnknownUnicastDropsWithoutFlooding(t *testing.T) {
	sw := New(nil)
	var p0, p1 recordingPort
	sw.Connect(&p0)
	sw.Connect(&p1)

	unknown := netcodec.MAC{0xde, 0xad, 0xbe, 0xef, 0, 1}
	src := netcodec.MAC{0x52, 0x54, 0, 0, 0, 1}
	sw.Process(0, frameFromTo(src, unknown))

	if p0.count() != 0 || p1.count() != 0 {
		t.Fatalf("expected unknown unicast to be dropped, not flooded: p0=%d p1=%d", p0.count(), p1.count())
	}
}
