package fault

import (
	"errors"
	"testing"

	"golang.org/x/sys/unix"
)

func TestSafeCopyProtectedPage(t *testing.T) {
	pagesz := unix.Getpagesize()
	mem, err := unix.Mmap(-1, 0, 2*pagesz, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		t.Fatal(err)
	}
	defer unix.Munmap(mem)
	if err := unix.Mprotect(mem[pagesz:], unix.PROT_NONE); err != nil {
		t.Fatal(err)
	}
	for i := range mem[:pagesz] {
		mem[i] = 0xa5
	}

	// read across the boundary: the last 4 bytes of the readable page and
	// then the first byte of the protected one
	dst := make([]byte, 8)
	start := addrOf(mem) + uintptr(pagesz) - 4
	n, err := SafeCopy(dst, start)
	if n != 4 {
		t.Errorf("copied %d bytes, expected 4", n)
	}
	var segv SegvError
	if !errors.As(err, &segv) {
		t.Fatalf("expected SegvError, got %v", err)
	}
	if want := addrOf(mem) + uintptr(pagesz); segv.Addr != want {
		t.Errorf("fault address %#x, expected %#x", segv.Addr, want)
	}
	for i := 0; i < 4; i++ {
		if dst[i] != 0xa5 {
			t.Errorf("byte %d = %#x, expected 0xa5", i, dst[i])
		}
	}
}
