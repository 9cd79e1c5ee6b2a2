package guestmem

import (
	"testing"

	"golang.org/x/sys/unix"
)

func makeMemfd(t *testing.T, size int) int {
	t.Helper()
	fd, err := unix.MemfdCreate("guestmem-test", 0)
	if err != nil {
		t.Fatalf("memfd_create: %v", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		t.Fatalf("ftruncate: %v", err)
	}
	t.Cleanup(func() { unix.Close(fd) })
	return fd
}

func TestTranslateWithinAndOutsideRegions(t *testing.T) {
	const regionSize = 0x1000
	fd := makeMemfd(t, regionSize)

	regions := []Region{
		{GuestPhysAddr: 0x10000, UserAddr: 0x7f0000000000, Size: regionSize},
	}
	snap, err := NewSnapshot(regions, []int{fd})
	if err != nil {
		t.Fatalf("new snapshot: %v", err)
	}
	defer snap.Close()

	gpa, err := snap.TranslateHost(0x7f0000000010)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if want := uint64(0x10010); gpa != want {
		t.Fatalf("translate mismatch: got 0x%x want 0x%x", gpa, want)
	}

	if _, err := snap.TranslateHost(0x7f0000001000); err == nil {
		t.Fatalf("expected translation outside region to fail")
	}
}

func TestReadWriteAtGuestAddr(t *testing.T) {
	const regionSize = 0x1000
	fd := makeMemfd(t, regionSize)

	regions := []Region{
		{GuestPhysAddr: 0x20000, UserAddr: 0x7f0000100000, Size: regionSize},
	}
	snap, err := NewSnapshot(regions, []int{fd})
	if err != nil {
		t.Fatalf("new snapshot: %v", err)
	}
	defer snap.Close()

	want := []byte("guest payload bytes")
	if _, err := snap.WriteAt(want, 0x20100); err != nil {
		t.Fatalf("write at: %v", err)
	}
	got := make([]byte, len(want))
	if _, err := snap.ReadAt(got, 0x20100); err != nil {
		t.Fatalf("read at: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("round trip mismatch: got %q want %q", got, want)
	}

	if _, err := snap.ReadAt(got, 0x30000); err == nil {
		t.Fatalf("expected read outside any region to fail")
	}
}
