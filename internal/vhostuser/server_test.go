package vhostuser

import (
	"encoding/binary"
	"net"
	"os"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/vhostbridge/internal/netcodec"
)

// socketpairConns wraps both ends of a real AF_UNIX socketpair (not net.Pipe,
// which cannot carry SCM_RIGHTS ancillary data) so the driver side of
// the test can pass real fds exactly as a vhost-user frontend would.
func socketpairConns(t *testing.T) (client, server *net.UnixConn) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	mk := func(fd int) *net.UnixConn {
		f := os.NewFile(uintptr(fd), "vhostuser-test-sock")
		c, err := net.FileConn(f)
		if err != nil {
			t.Fatalf("file conn: %v", err)
		}
		_ = f.Close() // FileConn dup'd the fd
		uc, ok := c.(*net.UnixConn)
		if !ok {
			t.Fatalf("expected *net.UnixConn, got %T", c)
		}
		return uc
	}
	return mk(fds[0]), mk(fds[1])
}

// sendReq writes one framed vhost-user request, optionally passing fds
// as SCM_RIGHTS ancillary data.
func sendReq(t *testing.T, conn *net.UnixConn, req Request, payload []byte, fds []int, needReply bool) {
	t.Helper()
	var hdr [HeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(req))
	flags := flagVersion1
	if needReply {
		flags |= flagNeedReply
	}
	binary.LittleEndian.PutUint32(hdr[4:8], flags)
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(payload)))
	msg := append(append([]byte{}, hdr[:]...), payload...)

	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}
	if _, _, err := conn.WriteMsgUnix(msg, oob, nil); err != nil {
		t.Fatalf("write %s: %v", req, err)
	}
}

// readReply reads one framed reply (GET_* requests always reply; SET_*
// requests reply only when needReply was set).
func readReply(t *testing.T, conn *net.UnixConn) (Request, []byte) {
	t.Helper()
	var hdr [HeaderSize]byte
	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}
	n, err := conn.Read(hdr[:])
	if err != nil || n != HeaderSize {
		t.Fatalf("read reply header: n=%d err=%v", n, err)
	}
	req := Request(binary.LittleEndian.Uint32(hdr[0:4]))
	size := binary.LittleEndian.Uint32(hdr[8:12])
	payload := make([]byte, size)
	if size > 0 {
		if _, err := conn.Read(payload); err != nil {
			t.Fatalf("read reply payload: %v", err)
		}
	}
	return req, payload
}

// buildRegion creates a memfd-backed region big enough for a ring pair
// plus scratch data space, mmaps it in the test process (standing in
// for the frontend/guest's own mapping of the same memory), and
// returns the fd to hand over via SCM_RIGHTS plus the local bytes the
// test can poke descriptor/ring contents into directly.
func buildRegion(t *testing.T, size int) (fd int, mem []byte) {
	t.Helper()
	fd, err := unix.MemfdCreate("vhostuser-test-region", 0)
	if err != nil {
		t.Fatalf("memfd_create: %v", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		t.Fatalf("ftruncate: %v", err)
	}
	mem, err = unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		t.Fatalf("mmap: %v", err)
	}
	t.Cleanup(func() { _ = unix.Munmap(mem) })
	return fd, mem
}

// TestHandshakeDrivesKickedFrameToTx exercises the exact sequence named
// by spec.md §8: GET_FEATURES -> SET_FEATURES -> ... -> SET_VRING_KICK
// bringing a tx queue to ready, then a kicked descriptor chain reaching
// the device's TxFunc, with a call-fd notification observed afterward.
func TestHandshakeDrivesKickedFrameToTx(t *testing.T) {
	client, server := socketpairConns(t)
	defer client.Close()

	rx := make(chan []byte, 1)
	mac := [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	device := NewDevice(nil, 2, mac, func(frame []byte) { rx <- frame })

	srv := NewServer(server, device, nil)
	srvDone := make(chan error, 1)
	go func() { srvDone <- srv.Serve() }()

	// GET_FEATURES: confirm EVENT_IDX is among the advertised bits.
	sendReq(t, client, ReqGetFeatures, nil, nil, true)
	if req, payload := readReply(t, client); req != ReqGetFeatures || binary.LittleEndian.Uint64(payload) != DefaultFeatures {
		t.Fatalf("unexpected GET_FEATURES reply: req=%v features=0x%x", req, binary.LittleEndian.Uint64(payload))
	}

	// SET_FEATURES: negotiate everything the device offered, including
	// VIRTIO_RING_F_EVENT_IDX, so signalCall's suppression path runs.
	sendReq(t, client, ReqSetFeatures, u64Payload(DefaultFeatures), nil, false)

	sendReq(t, client, ReqSetOwner, nil, nil, false)

	// SET_MEM_TABLE: one region, host vaddr == guest phys addr so
	// TranslateHost is the identity function.
	const regionBase = 0x100000
	const regionSize = 0x10000
	fd, mem := buildRegion(t, regionSize)
	memTablePayload := make([]byte, 8+32)
	binary.LittleEndian.PutUint32(memTablePayload[0:4], 1)
	r := memTablePayload[8:40]
	binary.LittleEndian.PutUint64(r[0:8], regionBase)   // GuestPhysAddr
	binary.LittleEndian.PutUint64(r[8:16], regionSize)  // MemorySize
	binary.LittleEndian.PutUint64(r[16:24], regionBase) // UserAddr
	binary.LittleEndian.PutUint64(r[24:32], 0)          // MmapOffset
	sendReq(t, client, ReqSetMemTable, memTablePayload, []int{fd}, false)
	_ = unix.Close(fd) // device holds its own fd from SCM_RIGHTS now

	const (
		descOff  = 0x0000
		availOff = 0x1000
		usedOff  = 0x2000
		dataOff  = 0x3000
	)
	const txQueue = 1 // odd index: tx, per SetVringKick's parity rule

	sendReq(t, client, ReqSetVringNum, vringStatePayload(txQueue, 4), nil, false)

	addrPayload := make([]byte, 40)
	binary.LittleEndian.PutUint32(addrPayload[0:4], txQueue)
	binary.LittleEndian.PutUint32(addrPayload[4:8], 0)
	binary.LittleEndian.PutUint64(addrPayload[8:16], regionBase+descOff)
	binary.LittleEndian.PutUint64(addrPayload[16:24], regionBase+usedOff)
	binary.LittleEndian.PutUint64(addrPayload[24:32], regionBase+availOff)
	binary.LittleEndian.PutUint64(addrPayload[32:40], 0)
	sendReq(t, client, ReqSetVringAddr, addrPayload, nil, false)

	sendReq(t, client, ReqSetVringBase, vringStatePayload(txQueue, 0), nil, false)

	callFD, err := unix.Eventfd(0, 0)
	if err != nil {
		t.Fatalf("eventfd (call): %v", err)
	}
	defer unix.Close(callFD)
	sendReq(t, client, ReqSetVringCall, vringStatePayload(txQueue, 0), []int{callFD}, false)

	sendReq(t, client, ReqSetVringEnable, vringStatePayload(txQueue, 1), nil, false)

	// Write a tx descriptor chain directly into the shared memory: a
	// virtio-net header (all zero, no offload) followed by an Ethernet
	// frame, matching what drainTx expects to unwrap.
	wantFrame := netcodec.EthernetFrame{
		Dst:       netcodec.MAC{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		Src:       netcodec.MAC(mac),
		EtherType: netcodec.EtherTypeARP,
		Payload:   []byte("hello from the guest"),
	}.Encode()

	chainData := append(make([]byte, virtioNetHeaderLen), wantFrame...)
	copy(mem[dataOff:], chainData)

	binary.LittleEndian.PutUint64(mem[descOff:], regionBase+dataOff)
	binary.LittleEndian.PutUint32(mem[descOff+8:], uint32(len(chainData)))
	binary.LittleEndian.PutUint16(mem[descOff+12:], 0) // no NEXT, readable
	binary.LittleEndian.PutUint16(mem[descOff+14:], 0)

	binary.LittleEndian.PutUint16(mem[availOff+4:], 0) // avail.ring[0] = desc 0
	binary.LittleEndian.PutUint16(mem[availOff+2:], 1) // avail.idx = 1

	kickFD, err := unix.Eventfd(0, 0)
	if err != nil {
		t.Fatalf("eventfd (kick): %v", err)
	}
	defer unix.Close(kickFD)
	sendReq(t, client, ReqSetVringKick, vringStatePayload(txQueue, 0), []int{kickFD}, false)

	var one [8]byte
	binary.LittleEndian.PutUint64(one[:], 1)
	if _, err := unix.Write(kickFD, one[:]); err != nil {
		t.Fatalf("kick write: %v", err)
	}

	select {
	case got := <-rx:
		if string(got) != string(wantFrame) {
			t.Fatalf("tx frame mismatch: got %x want %x", got, wantFrame)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for kicked tx frame to reach onTx")
	}

	// The driver published used_event=0 (memset zero) and this is the
	// first completion (oldIdx=0, newIdx=1), so EVENT_IDX's
	// ShouldNotify(0, 0, 1) is true: a call-fd notification is due.
	if err := waitEventfdReadable(callFD, 5*time.Second); err != nil {
		t.Fatalf("expected call eventfd notification after kicked tx: %v", err)
	}

	client.Close()
	if err := <-srvDone; err == nil {
		t.Fatalf("expected Serve to return an error once the client closed its end")
	}
}

func waitEventfdReadable(fd int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, 50)
		if err != nil {
			return err
		}
		if n > 0 && fds[0].Revents&unix.POLLIN != 0 {
			var buf [8]byte
			_, err := unix.Read(fd, buf[:])
			return err
		}
	}
	return os.ErrDeadlineExceeded
}
