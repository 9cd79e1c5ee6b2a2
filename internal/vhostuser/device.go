package vhostuser

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/vhostbridge/internal/guestmem"
	"github.com/tinyrange/vhostbridge/internal/virtqueue"
)

// MaxMemSlots is the value returned for GET_MAX_MEM_SLOTS; it bounds
// the number of mmap'd regions one SET_MEM_TABLE may install.
const MaxMemSlots = 509

// virtioNetHeaderLen is the size of the per-packet virtio-net header
// that precedes every Ethernet frame on a virtqueue. VIRTIO_NET_F_MRG_RXBUF
// is not offered in DefaultFeatures, so drainTx and EnqueueRx always use
// the 10-byte header; virtioNetHeaderLenMrg is not used by either.
const (
	virtioNetHeaderLen     = 10
	virtioNetHeaderLenMrg  = 12
)

// TxFunc is invoked with a decapsulated Ethernet frame read off a tx
// (odd-indexed) virtqueue; it hands the frame to the switch at the
// port representing this connection.
type TxFunc func(frame []byte)

// Device is one vhost-user backend session: the negotiated feature
// set, the current guest memory snapshot, and the set of virtqueues it
// owns. One Device exists per connected client (spec.md's "Shard").
type Device struct {
	log *slog.Logger

	mu sync.Mutex

	ownerSet         bool
	features         uint64
	protocolFeatures uint64
	status           uint64

	mac [6]byte

	mem *guestmem.Snapshot

	queues []*Queue

	backendReqFD int
	onTx         TxFunc
}

// Queue pairs a virtqueue.Queue with its eventfds and kick-loop state.
type Queue struct {
	*virtqueue.Queue

	KickFD int
	CallFD int
	ErrFD  int

	stopKick chan struct{}
}

// NewDevice creates a device with numQueues virtqueues (conventionally
// 2 per queue-pair: even=rx, odd=tx), reporting mac in GET_CONFIG.
func NewDevice(log *slog.Logger, numQueues int, mac [6]byte, onTx TxFunc) *Device {
	d := &Device{
		log:          log,
		mac:          mac,
		onTx:         onTx,
		backendReqFD: -1,
	}
	for i := 0; i < numQueues; i++ {
		d.queues = append(d.queues, &Queue{Queue: virtqueue.New(uint32(i), nil), KickFD: -1, CallFD: -1, ErrFD: -1})
	}
	return d
}

// Close tears down every queue's kick-reader goroutine and unmaps
// guest memory.
func (d *Device) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, q := range d.queues {
		d.stopQueueLocked(q)
	}
	if d.mem != nil {
		_ = d.mem.Close()
		d.mem = nil
	}
}

func (d *Device) stopQueueLocked(q *Queue) {
	if q.stopKick != nil {
		close(q.stopKick)
		q.stopKick = nil
	}
}

// GetFeatures implements GET_FEATURES.
func (d *Device) GetFeatures() uint64 { return DefaultFeatures }

// SetFeatures implements SET_FEATURES.
func (d *Device) SetFeatures(f uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.features = f
	for _, q := range d.queues {
		q.EventIdx = f&VirtioFRingEventIdx != 0
	}
}

// GetProtocolFeatures implements GET_PROTOCOL_FEATURES.
func (d *Device) GetProtocolFeatures() uint64 { return DefaultProtocolFeatures }

// SetProtocolFeatures implements SET_PROTOCOL_FEATURES.
func (d *Device) SetProtocolFeatures(f uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.protocolFeatures = f
}

// SetOwner implements SET_OWNER.
func (d *Device) SetOwner() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ownerSet = true
}

// GetQueueNum implements GET_QUEUE_NUM.
func (d *Device) GetQueueNum() uint64 { return uint64(len(d.queues)) }

// GetMaxMemSlots implements GET_MAX_MEM_SLOTS.
func (d *Device) GetMaxMemSlots() uint64 { return MaxMemSlots }

// SetBackendReqFD implements SET_BACKEND_REQ_FD.
func (d *Device) SetBackendReqFD(fd int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.backendReqFD >= 0 {
		_ = unix.Close(d.backendReqFD)
	}
	d.backendReqFD = fd
}

// SetMemTable implements SET_MEM_TABLE: mmaps each region and replaces
// the memory snapshot atomically, handing every existing queue the new
// snapshot (spec.md §4.1's "replace wholesale" requirement).
func (d *Device) SetMemTable(regions []MemoryRegionWire, fds []int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	gmRegions := make([]guestmem.Region, len(regions))
	for i, r := range regions {
		gmRegions[i] = guestmem.Region{
			GuestPhysAddr: r.GuestPhysAddr,
			UserAddr:      r.UserAddr,
			Size:          r.MemorySize,
			MmapOffset:    r.MmapOffset,
		}
	}
	snap, err := guestmem.NewSnapshot(gmRegions, fds)
	if err != nil {
		return fmt.Errorf("vhostuser: set mem table: %w", err)
	}

	old := d.mem
	d.mem = snap
	for _, q := range d.queues {
		q.SetMemory(snap)
	}
	if old != nil {
		_ = old.Close()
	}
	return nil
}

func (d *Device) queue(index uint32) (*Queue, error) {
	if int(index) >= len(d.queues) {
		return nil, fmt.Errorf("vhostuser: queue index %d out of range (have %d)", index, len(d.queues))
	}
	return d.queues[index], nil
}

// SetVringNum implements SET_VRING_NUM.
func (d *Device) SetVringNum(index uint32, num uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, err := d.queue(index)
	if err != nil {
		return err
	}
	return q.SetSize(num)
}

// SetVringAddr implements SET_VRING_ADDR, translating each host
// address to guest-physical via the current memory snapshot.
func (d *Device) SetVringAddr(a VringAddrWire) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, err := d.queue(a.Index)
	if err != nil {
		return err
	}
	if d.mem == nil {
		return fmt.Errorf("vhostuser: set vring addr before memory mapped")
	}
	desc, err := d.mem.TranslateHost(a.DescAddr)
	if err != nil {
		return fmt.Errorf("vhostuser: translate desc addr: %w", err)
	}
	avail, err := d.mem.TranslateHost(a.AvailAddr)
	if err != nil {
		return fmt.Errorf("vhostuser: translate avail addr: %w", err)
	}
	used, err := d.mem.TranslateHost(a.UsedAddr)
	if err != nil {
		return fmt.Errorf("vhostuser: translate used addr: %w", err)
	}
	q.SetAddresses(desc, avail, used)
	return nil
}

// SetVringBase implements SET_VRING_BASE.
func (d *Device) SetVringBase(index uint32, num uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, err := d.queue(index)
	if err != nil {
		return err
	}
	q.SetAvailBase(num)
	return nil
}

// GetVringBase implements GET_VRING_BASE: marks the queue not-ready
// and releases its eventfds, per spec.md §4.1.
func (d *Device) GetVringBase(index uint32) (uint16, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, err := d.queue(index)
	if err != nil {
		return 0, err
	}
	base := q.AvailBase()
	d.stopQueueLocked(q)
	if q.KickFD >= 0 {
		_ = unix.Close(q.KickFD)
		q.KickFD = -1
	}
	if q.CallFD >= 0 {
		_ = unix.Close(q.CallFD)
		q.CallFD = -1
	}
	if q.ErrFD >= 0 {
		_ = unix.Close(q.ErrFD)
		q.ErrFD = -1
	}
	q.Reset()
	return base, nil
}

// SetVringEnable implements SET_VRING_ENABLE.
func (d *Device) SetVringEnable(index uint32, enabled bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, err := d.queue(index)
	if err != nil {
		return err
	}
	q.Enabled = enabled
	return nil
}

// SetVringCall implements SET_VRING_CALL: adopts fd, closing any prior one.
func (d *Device) SetVringCall(index uint32, fd int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, err := d.queue(index)
	if err != nil {
		return err
	}
	if q.CallFD >= 0 {
		_ = unix.Close(q.CallFD)
	}
	q.CallFD = fd
	return nil
}

// SetVringErr implements SET_VRING_ERR.
func (d *Device) SetVringErr(index uint32, fd int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, err := d.queue(index)
	if err != nil {
		return err
	}
	if q.ErrFD >= 0 {
		_ = unix.Close(q.ErrFD)
	}
	q.ErrFD = fd
	return nil
}

// SetVringKick implements SET_VRING_KICK: adopts fd, marks the queue
// ready, and — for odd (tx) queues — starts the kick-reader goroutine
// that drains descriptor chains into onTx. Even (rx) queues are driven
// externally via EnqueueRx and do not need a kick reader of their own
// (spec.md's "queue index parity selects direction").
func (d *Device) SetVringKick(index uint32, fd int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, err := d.queue(index)
	if err != nil {
		return err
	}
	if q.KickFD >= 0 {
		_ = unix.Close(q.KickFD)
	}
	q.KickFD = fd
	q.Ready = true

	if index%2 == 1 {
		d.stopQueueLocked(q)
		stop := make(chan struct{})
		q.stopKick = stop
		go d.kickLoop(q, stop)
	}
	return nil
}

// kickLoop reads the kick eventfd (consuming its counter, per spec.md
// §5's eventfd semantics) and drains every available tx descriptor
// chain into onTx, until stop is closed or the fd errors out.
func (d *Device) kickLoop(q *Queue, stop chan struct{}) {
	var counter [8]byte
	for {
		select {
		case <-stop:
			return
		default:
		}
		n, err := unix.Read(q.KickFD, counter[:])
		if err != nil || n != 8 {
			if err != nil && d.log != nil {
				d.log.Debug("vhostuser: kick eventfd read stopped", slog.Any("error", err))
			}
			return
		}
		d.drainTx(q)
	}
}

func (d *Device) drainTx(q *Queue) {
	for {
		head, ok, err := q.PopAvail()
		if err != nil {
			if d.log != nil {
				d.log.Warn("vhostuser: pop avail failed", slog.Any("error", err))
			}
			return
		}
		if !ok {
			return
		}
		chain, err := q.ReadChain(head)
		if err != nil {
			if d.log != nil {
				d.log.Warn("vhostuser: descriptor chain invalid, dropping", slog.Any("error", err))
			}
			_ = q.PutUsed(head, 0)
			continue
		}
		data, err := q.ReadChainData(chain)
		if err != nil {
			if d.log != nil {
				d.log.Warn("vhostuser: read chain data failed, dropping", slog.Any("error", err))
			}
			_ = q.PutUsed(head, 0)
			continue
		}
		if len(data) < virtioNetHeaderLen {
			_ = q.PutUsed(head, 0)
			continue
		}
		frame := data[virtioNetHeaderLen:]
		if d.onTx != nil {
			d.onTx(frame)
		}
		oldIdx := q.UsedIdx()
		if err := q.PutUsed(head, uint32(len(data))); err != nil {
			if d.log != nil {
				d.log.Warn("vhostuser: put used failed", slog.Any("error", err))
			}
			return
		}
		d.signalCall(q, oldIdx, q.UsedIdx())
	}
}

// EnqueueRx writes frame (with a zero-filled virtio-net header
// prepended) into the next available chain of the given rx queue and
// signals completion. Returns false if no rx buffer was available.
func (d *Device) EnqueueRx(queueIndex int, frame []byte) (bool, error) {
	d.mu.Lock()
	q, err := d.queue(uint32(queueIndex))
	d.mu.Unlock()
	if err != nil {
		return false, err
	}

	head, ok, err := q.PopAvail()
	if err != nil || !ok {
		return false, err
	}
	chain, err := q.ReadChain(head)
	if err != nil {
		_ = q.PutUsed(head, 0)
		return false, err
	}

	hdr := make([]byte, virtioNetHeaderLen)
	buf := make([]byte, 0, len(hdr)+len(frame))
	buf = append(buf, hdr...)
	buf = append(buf, frame...)

	n, err := q.WriteChainData(chain, buf)
	if err != nil {
		_ = q.PutUsed(head, uint32(n))
		return false, err
	}
	oldIdx := q.UsedIdx()
	if err := q.PutUsed(head, uint32(n)); err != nil {
		return false, err
	}
	d.signalCall(q, oldIdx, q.UsedIdx())
	return true, nil
}

// signalCall writes the 64-bit value 1 to the call eventfd, unless the
// driver has requested suppression via VIRTIO_RING_F_EVENT_IDX (the
// used_event the driver published falls outside [oldIdx, newIdx)) or,
// when that feature isn't negotiated, VIRTQ_AVAIL_F_NO_INTERRUPT.
// oldIdx/newIdx are q.UsedIdx() immediately before and after the
// PutUsed call that made this notification due.
func (d *Device) signalCall(q *Queue, oldIdx, newIdx uint16) {
	if q.CallFD < 0 {
		return
	}
	if q.EventIdx {
		usedEvent, err := q.UsedEvent()
		if err == nil && !virtqueue.ShouldNotify(usedEvent, oldIdx, newIdx) {
			return
		}
	} else if suppress, err := q.AvailNoInterrupt(); err == nil && suppress {
		return
	}
	var one [8]byte
	binary.LittleEndian.PutUint64(one[:], 1)
	if _, err := unix.Write(q.CallFD, one[:]); err != nil && d.log != nil {
		d.log.Debug("vhostuser: call eventfd write failed", slog.Any("error", err))
	}
}

// SetStatus / GetStatus implement SET_STATUS / GET_STATUS.
func (d *Device) SetStatus(v uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status = v
}

func (d *Device) GetStatus() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// GetConfig implements GET_CONFIG, returning the virtio-net config
// area (mac + status + max_virtqueue_pairs).
func (d *Device) GetConfig() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	cfg := make([]byte, 10)
	copy(cfg[0:6], d.mac[:])
	binary.LittleEndian.PutUint16(cfg[6:8], 1) // VIRTIO_NET_S_LINK_UP
	binary.LittleEndian.PutUint16(cfg[8:10], uint16(len(d.queues)/2))
	return cfg
}

// SetConfig implements SET_CONFIG: only the MAC field is writable.
func (d *Device) SetConfig(data []byte) error {
	if len(data) < 6 {
		return fmt.Errorf("vhostuser: set config payload too short")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	copy(d.mac[:], data[0:6])
	return nil
}
