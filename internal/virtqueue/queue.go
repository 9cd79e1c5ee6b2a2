// Package virtqueue implements the split-ring virtio queue engine: the
// data plane that walks guest descriptor chains, copies payloads in
// and out of guest memory, and publishes completions to the used ring.
//
// Adapted from the teacher's in-process MMIO virtio queue
// (internal/devices/virtio/queue.go) to operate against a guest-memory
// snapshot replaced wholesale by vhost-user's SET_MEM_TABLE, rather
// than a permanently-resident device-tree-attached memory space.
package virtqueue

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Descriptor flags, per the virtio 1.x split-ring layout.
const (
	descFNext     uint16 = 1 << 0
	descFWrite    uint16 = 1 << 1
	descFIndirect uint16 = 1 << 2
)

// Ring flags.
const (
	availFNoInterrupt uint16 = 1 << 0
)

const descriptorSize = 16

var (
	// ErrNotReady is returned by any operation attempted on a queue
	// that is not ready (missing addresses, zero size, or disabled).
	ErrNotReady = errors.New("virtqueue: not ready")
	// ErrChainTooLong indicates a descriptor chain exceeded the
	// queue's size, almost certainly a cyclic or corrupt chain.
	ErrChainTooLong = errors.New("virtqueue: descriptor chain exceeds queue size")
)

// GuestMemory provides access to guest physical memory through the
// current SET_MEM_TABLE snapshot.
type GuestMemory interface {
	io.ReaderAt
	io.WriterAt
}

// Descriptor is one entry of the descriptor table.
type Descriptor struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

// IsWrite reports whether the guest expects the device to write into
// this descriptor's buffer (device-to-driver direction).
func (d Descriptor) IsWrite() bool { return d.Flags&descFWrite != 0 }

// HasNext reports whether the chain continues past this descriptor.
func (d Descriptor) HasNext() bool { return d.Flags&descFNext != 0 }

// Chain is the set of guest-memory spans referenced by one descriptor
// chain, in order.
type Chain struct {
	Head  uint16
	Spans []Descriptor
}

// Queue is one split virtqueue: descriptor table, available ring, used
// ring, plus the negotiated addresses and size that describe them in
// guest-physical address space.
type Queue struct {
	Index uint32

	DescAddr  uint64
	AvailAddr uint64
	UsedAddr  uint64

	Size    uint16
	Ready   bool
	Enabled bool

	// EventIdx enables VIRTIO_RING_F_EVENT_IDX notification
	// suppression (spec.md §4.2's kick/call signaling).
	EventIdx bool

	lastAvail uint16
	usedIdx   uint16

	mem GuestMemory
}

// New creates a queue bound to the given guest-memory snapshot.
func New(index uint32, mem GuestMemory) *Queue {
	return &Queue{Index: index, mem: mem}
}

// SetMemory swaps in a new guest-memory snapshot, as happens on every
// SET_MEM_TABLE request.
func (q *Queue) SetMemory(mem GuestMemory) { q.mem = mem }

// SetAddresses records the descriptor/avail/used guest-physical
// addresses from SET_VRING_ADDR.
func (q *Queue) SetAddresses(desc, avail, used uint64) {
	q.DescAddr, q.AvailAddr, q.UsedAddr = desc, avail, used
}

// SetSize sets the negotiated queue size from SET_VRING_NUM.
func (q *Queue) SetSize(size uint16) error {
	if size == 0 || size&(size-1) != 0 {
		return fmt.Errorf("virtqueue: invalid queue size %d (must be a nonzero power of two)", size)
	}
	q.Size = size
	return nil
}

// SetAvailBase sets next_avail from SET_VRING_BASE.
func (q *Queue) SetAvailBase(idx uint16) { q.lastAvail = idx }

// AvailBase returns next_avail for GET_VRING_BASE.
func (q *Queue) AvailBase() uint16 { return q.lastAvail }

func (q *Queue) usable() bool {
	return q.Ready && q.Enabled && q.Size > 0 && q.DescAddr != 0 && q.AvailAddr != 0 && q.UsedAddr != 0 && q.mem != nil
}

func (q *Queue) ensureUsable() error {
	if !q.usable() {
		return ErrNotReady
	}
	return nil
}

func (q *Queue) readInto(addr uint64, buf []byte) error {
	n, err := q.mem.ReadAt(buf, int64(addr))
	if err != nil {
		return fmt.Errorf("virtqueue: guest read at 0x%x: %w", addr, err)
	}
	if n != len(buf) {
		return fmt.Errorf("virtqueue: short guest read at 0x%x (want %d got %d)", addr, len(buf), n)
	}
	return nil
}

func (q *Queue) writeFrom(addr uint64, data []byte) error {
	n, err := q.mem.WriteAt(data, int64(addr))
	if err != nil {
		return fmt.Errorf("virtqueue: guest write at 0x%x: %w", addr, err)
	}
	if n != len(data) {
		return fmt.Errorf("virtqueue: short guest write at 0x%x (want %d got %d)", addr, len(data), n)
	}
	return nil
}

func (q *Queue) readDescriptor(idx uint16) (Descriptor, error) {
	var buf [descriptorSize]byte
	off := q.DescAddr + uint64(idx)*descriptorSize
	if err := q.readInto(off, buf[:]); err != nil {
		return Descriptor{}, err
	}
	return Descriptor{
		Addr:  binary.LittleEndian.Uint64(buf[0:8]),
		Len:   binary.LittleEndian.Uint32(buf[8:12]),
		Flags: binary.LittleEndian.Uint16(buf[12:14]),
		Next:  binary.LittleEndian.Uint16(buf[14:16]),
	}, nil
}

// availIdx reads the avail ring's published index with acquire
// semantics relative to the ring entries it guards (spec.md §4.2's
// ordering requirement — in Go this is a plain guest-memory read since
// the kernel/guest side owns the real memory barrier).
func (q *Queue) availIdx() (uint16, error) {
	var buf [2]byte
	if err := q.readInto(q.AvailAddr+2, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

// PopAvail returns the next available descriptor chain head, or
// ok=false if the driver has not published any new entries.
func (q *Queue) PopAvail() (head uint16, ok bool, err error) {
	if err := q.ensureUsable(); err != nil {
		return 0, false, err
	}
	idx, err := q.availIdx()
	if err != nil {
		return 0, false, err
	}
	if q.lastAvail == idx {
		return 0, false, nil
	}
	ringIdx := q.lastAvail % q.Size
	var buf [2]byte
	off := q.AvailAddr + 4 + uint64(ringIdx)*2
	if err := q.readInto(off, buf[:]); err != nil {
		return 0, false, err
	}
	head = binary.LittleEndian.Uint16(buf[:])
	q.lastAvail++
	return head, true, nil
}

// ReadChain walks the descriptor chain starting at head, following
// VIRTQ_DESC_F_NEXT, and returns its descriptors in order. Indirect
// descriptor tables are not supported (not required by this
// appliance's virtio-net usage) and are reported as an error.
func (q *Queue) ReadChain(head uint16) (Chain, error) {
	if err := q.ensureUsable(); err != nil {
		return Chain{}, err
	}
	chain := Chain{Head: head}
	idx := head
	for i := uint16(0); i < q.Size; i++ {
		if idx >= q.Size {
			return Chain{}, fmt.Errorf("virtqueue: descriptor index %d out of bounds (size %d)", idx, q.Size)
		}
		d, err := q.readDescriptor(idx)
		if err != nil {
			return Chain{}, err
		}
		if d.Flags&descFIndirect != 0 {
			return Chain{}, fmt.Errorf("virtqueue: indirect descriptors not supported")
		}
		chain.Spans = append(chain.Spans, d)
		if !d.HasNext() {
			return chain, nil
		}
		idx = d.Next
	}
	return Chain{}, ErrChainTooLong
}

// ReadChainData reads every readable span of chain and concatenates
// them into one buffer — the common case for a tx (guest-to-host)
// descriptor chain.
func (q *Queue) ReadChainData(chain Chain) ([]byte, error) {
	var out []byte
	for _, d := range chain.Spans {
		if d.IsWrite() {
			continue
		}
		buf := make([]byte, d.Len)
		if err := q.readInto(d.Addr, buf); err != nil {
			return nil, err
		}
		out = append(out, buf...)
	}
	return out, nil
}

// WriteChainData gather-writes data across the writable spans of
// chain, in order, and returns the number of bytes actually written
// (data may be shorter than the chain's total writable capacity, but
// not longer).
func (q *Queue) WriteChainData(chain Chain, data []byte) (int, error) {
	written := 0
	for _, d := range chain.Spans {
		if !d.IsWrite() {
			continue
		}
		if written >= len(data) {
			break
		}
		n := int(d.Len)
		if written+n > len(data) {
			n = len(data) - written
		}
		if err := q.writeFrom(d.Addr, data[written:written+n]); err != nil {
			return written, err
		}
		written += n
	}
	if written < len(data) {
		return written, fmt.Errorf("virtqueue: chain capacity %d too small for %d bytes", written, len(data))
	}
	return written, nil
}

// PutUsed publishes a completed chain to the used ring and advances
// used.idx. Per spec.md §4.2 the used entry must be fully written
// before used.idx advances; the two writes below preserve that order.
func (q *Queue) PutUsed(head uint16, length uint32) error {
	if err := q.ensureUsable(); err != nil {
		return err
	}
	slot := q.usedIdx % q.Size
	base := q.UsedAddr + 4 + uint64(slot)*8
	var elem [8]byte
	binary.LittleEndian.PutUint32(elem[0:4], uint32(head))
	binary.LittleEndian.PutUint32(elem[4:8], length)
	if err := q.writeFrom(base, elem[:]); err != nil {
		return err
	}
	q.usedIdx++
	var idxBuf [2]byte
	binary.LittleEndian.PutUint16(idxBuf[:], q.usedIdx)
	return q.writeFrom(q.UsedAddr+2, idxBuf[:])
}

// UsedIdx returns the current used.idx, exposed for the device's
// call-notification check (the old/new indices around PutUsed) and for
// tests.
func (q *Queue) UsedIdx() uint16 { return q.usedIdx }

// ShouldNotify implements the VIRTIO_RING_F_EVENT_IDX suppression
// check: given the driver's published used_event value and the
// previous/new used indices, reports whether a call-fd notification is
// warranted. When EventIdx is not negotiated, callers should instead
// consult the avail ring's VIRTQ_AVAIL_F_NO_INTERRUPT flag (checked by
// the caller, since reading it is a plain guest read not owned here).
func ShouldNotify(usedEvent, oldIdx, newIdx uint16) bool {
	return newIdx-usedEvent-1 < newIdx-oldIdx
}

// UsedEvent reads the driver-published used_event field, which lives
// just past the avail ring's entries (offset 4 + Size*2 from
// AvailAddr) once VIRTIO_RING_F_EVENT_IDX is negotiated. Combined with
// ShouldNotify this lets the device suppress a call-fd notification
// the driver has said it doesn't need yet.
func (q *Queue) UsedEvent() (uint16, error) {
	var buf [2]byte
	off := q.AvailAddr + 4 + uint64(q.Size)*2
	if err := q.readInto(off, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

// AvailNoInterrupt reads the avail ring's suppression flag.
func (q *Queue) AvailNoInterrupt() (bool, error) {
	var buf [2]byte
	if err := q.readInto(q.AvailAddr, buf[:]); err != nil {
		return false, err
	}
	return binary.LittleEndian.Uint16(buf[:])&availFNoInterrupt != 0, nil
}


// Reset clears queue state back to not-ready, as happens on
// GET_VRING_BASE. SET_VRING_ENABLE{false} only clears Enabled and does
// not call Reset.
func (q *Queue) Reset() {
	q.Ready = false
	q.Enabled = false
	q.DescAddr, q.AvailAddr, q.UsedAddr = 0, 0, 0
	q.lastAvail, q.usedIdx = 0, 0
}
