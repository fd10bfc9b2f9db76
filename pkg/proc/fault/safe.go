package fault

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"unsafe"
)

// SegvError is returned when a protected function accesses memory it is
// not allowed to access.
type SegvError struct {
	// Addr is the address at which the fault occurred.
	Addr uintptr
}

// Error implements error.Error.
func (e SegvError) Error() string {
	return fmt.Sprintf("SIGSEGV at %#x", e.Addr)
}

// DivideError is returned when a protected function divides an integer by
// zero.
type DivideError struct{}

func (DivideError) Error() string {
	return "integer divide by zero"
}

// Protect runs fn with memory faults turned into recoverable errors. A
// fault raised while fn runs stops fn and is returned as a SegvError, an
// integer division by zero is returned as a DivideError. Any other panic
// propagates. Faults raised after Protect returns are fatal as usual.
func Protect(fn func()) (err error) {
	old := debug.SetPanicOnFault(true)
	defer debug.SetPanicOnFault(old)
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		rerr, isRuntimeErr := r.(runtime.Error)
		if !isRuntimeErr {
			panic(r)
		}
		if fe, ok := r.(interface{ Addr() uintptr }); ok {
			err = SegvError{Addr: fe.Addr()}
			return
		}
		msg := rerr.Error()
		switch {
		case strings.Contains(msg, "nil pointer dereference"):
			// the runtime does not report addresses below the first page
			err = SegvError{Addr: 0}
		case strings.Contains(msg, "integer divide by zero"):
			err = DivideError{}
		default:
			panic(r)
		}
	}()
	fn()
	return nil
}

// SafeCopy copies len(dst) bytes starting at address src into dst. It
// returns the number of bytes copied before a fault, if any, and the fault.
// A fault on an address below the first page is reported as a SegvError
// at address 0.
func SafeCopy(dst []byte, src uintptr) (n int, err error) {
	err = Protect(func() {
		for n < len(dst) {
			dst[n] = loadByte(src + uintptr(n))
			n++
		}
	})
	return n, err
}

// loadByte reads the byte at addr, which need not be a Go pointer.
func loadByte(addr uintptr) byte {
	p := *(*unsafe.Pointer)(unsafe.Pointer(&addr))
	return *(*byte)(p)
}
