// Package guestmem implements the guest-memory mapper: the set of
// (host vaddr, guest paddr, length) regions built from a SET_MEM_TABLE
// request, each backed by mmap of a file descriptor passed over the
// vhost-user control socket.
//
// Grounded on hanwen-go-fuse/vhostuser/deviceregion.go's region mmap
// and lookup pattern.
package guestmem

import (
	"errors"
	"fmt"
	"sort"

	"golang.org/x/sys/unix"
)

// ErrNoRegion is returned when an address does not fall within any
// mapped region.
var ErrNoRegion = errors.New("guestmem: address not covered by any mapped region")

// Region describes one guest-physical memory region and its mmap'd
// host-process backing.
type Region struct {
	GuestPhysAddr uint64
	UserAddr      uint64 // host vaddr as reported by the frontend, for translation purposes only
	Size          uint64
	MmapOffset    uint64

	data []byte // mmap'd bytes, len == Size
}

// containsGuest reports whether guest physical address gpa falls
// within this region.
func (r Region) containsGuest(gpa uint64) bool {
	return gpa >= r.GuestPhysAddr && gpa < r.GuestPhysAddr+r.Size
}

func (r Region) containsHost(addr uint64) bool {
	return addr >= r.UserAddr && addr < r.UserAddr+r.Size
}

// Snapshot is an immutable, atomically-swappable view of the guest's
// current memory layout. Readers hold one snapshot for the duration of
// a single descriptor-chain access, per spec.md §5's shared-resource
// model; a new SET_MEM_TABLE produces a brand new Snapshot rather than
// mutating this one.
type Snapshot struct {
	regions []Region // sorted by GuestPhysAddr
}

// NewSnapshot builds a snapshot from regions, mmapping fd for each one
// using the supplied per-region file descriptors (regions[i] is backed
// by fds[i]). Regions are sorted by guest-physical address; the
// invariant that regions do not overlap in guest-physical space is the
// caller's (SET_MEM_TABLE handler's) responsibility and is not
// re-validated here beyond a best-effort overlap check.
func NewSnapshot(regions []Region, fds []int) (*Snapshot, error) {
	if len(regions) != len(fds) {
		return nil, fmt.Errorf("guestmem: %d regions but %d fds", len(regions), len(fds))
	}
	out := make([]Region, len(regions))
	copy(out, regions)

	for i := range out {
		if out[i].Size == 0 {
			continue
		}
		data, err := unix.Mmap(fds[i], int64(out[i].MmapOffset), int(out[i].Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			for j := 0; j < i; j++ {
				_ = unix.Munmap(out[j].data)
			}
			return nil, fmt.Errorf("guestmem: mmap region %d (fd=%d size=%d): %w", i, fds[i], out[i].Size, err)
		}
		_ = unix.Madvise(data, unix.MADV_DONTDUMP)
		out[i].data = data
	}

	sort.Slice(out, func(a, b int) bool { return out[a].GuestPhysAddr < out[b].GuestPhysAddr })
	for i := 1; i < len(out); i++ {
		if out[i].GuestPhysAddr < out[i-1].GuestPhysAddr+out[i-1].Size {
			return nil, fmt.Errorf("guestmem: regions overlap in guest-physical space at 0x%x", out[i].GuestPhysAddr)
		}
	}

	return &Snapshot{regions: out}, nil
}

// Close unmaps every region's backing memory. Callers must not use the
// snapshot, or any ReaderAt/WriterAt derived from it, after Close.
func (s *Snapshot) Close() error {
	var firstErr error
	for _, r := range s.regions {
		if r.data == nil {
			continue
		}
		if err := unix.Munmap(r.data); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Snapshot) findGuest(gpa uint64) (*Region, int) {
	idx := sort.Search(len(s.regions), func(i int) bool {
		return s.regions[i].GuestPhysAddr+s.regions[i].Size > gpa
	})
	if idx < len(s.regions) && s.regions[idx].containsGuest(gpa) {
		return &s.regions[idx], idx
	}
	return nil, -1
}

// TranslateHost converts a host virtual address (as reported by the
// frontend in SET_VRING_ADDR) to a guest-physical address, per
// spec.md §3's memory-region invariant.
func (s *Snapshot) TranslateHost(hostAddr uint64) (uint64, error) {
	for _, r := range s.regions {
		if r.containsHost(hostAddr) {
			return r.GuestPhysAddr + (hostAddr - r.UserAddr), nil
		}
	}
	return 0, fmt.Errorf("%w: host vaddr 0x%x", ErrNoRegion, hostAddr)
}

// ReadAt implements io.ReaderAt over guest-physical address space,
// satisfying virtqueue.GuestMemory. A read is not permitted to span
// more than one region.
func (s *Snapshot) ReadAt(p []byte, off int64) (int, error) {
	r, _ := s.findGuest(uint64(off))
	if r == nil {
		return 0, fmt.Errorf("%w: guest paddr 0x%x", ErrNoRegion, off)
	}
	start := uint64(off) - r.GuestPhysAddr
	if start+uint64(len(p)) > r.Size {
		return 0, fmt.Errorf("guestmem: read at 0x%x length %d crosses region boundary", off, len(p))
	}
	return copy(p, r.data[start:start+uint64(len(p))]), nil
}

// WriteAt implements io.WriterAt over guest-physical address space.
func (s *Snapshot) WriteAt(p []byte, off int64) (int, error) {
	r, _ := s.findGuest(uint64(off))
	if r == nil {
		return 0, fmt.Errorf("%w: guest paddr 0x%x", ErrNoRegion, off)
	}
	start := uint64(off) - r.GuestPhysAddr
	if start+uint64(len(p)) > r.Size {
		return 0, fmt.Errorf("guestmem: write at 0x%x length %d crosses region boundary", off, len(p))
	}
	return copy(r.data[start:start+uint64(len(p))], p), nil
}
