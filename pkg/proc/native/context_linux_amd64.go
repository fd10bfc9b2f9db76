package native

import (
	"fmt"
	"syscall"
	"unsafe"

	sys "golang.org/x/sys/unix"

	"github.com/go-delve/faultcheck/pkg/proc"
	"github.com/go-delve/faultcheck/pkg/proc/fpregs"
)

// ThreadContext is the context of a stopped thread of a traced process.
// Reads return the values cached when the context was obtained, writes go
// through to the thread immediately.
type ThreadContext struct {
	tracer *Tracer
	tid    int
	regs   sys.PtraceRegs
}

func (ctx *ThreadContext) PC() uint64 { return ctx.regs.Rip }
func (ctx *ThreadContext) SP() uint64 { return ctx.regs.Rsp }

func (ctx *ThreadContext) SetPC(pc uint64) error {
	ctx.regs.Rip = pc
	return ctx.setRegs()
}

func (ctx *ThreadContext) SetSP(sp uint64) error {
	ctx.regs.Rsp = sp
	return ctx.setRegs()
}

func (ctx *ThreadContext) setRegs() error {
	var err error
	ctx.tracer.execPtraceFunc(func() { err = sys.PtraceSetRegs(ctx.tid, &ctx.regs) })
	return err
}

func (ctx *ThreadContext) xstate() ([]byte, error) {
	var err error
	xstateargs := make([]byte, fpregs.MaxXsaveSize)
	iov := sys.Iovec{Base: &xstateargs[0], Len: uint64(len(xstateargs))}
	ctx.tracer.execPtraceFunc(func() {
		_, _, errno := syscall.Syscall6(syscall.SYS_PTRACE, sys.PTRACE_GETREGSET, uintptr(ctx.tid), _NT_X86_XSTATE, uintptr(unsafe.Pointer(&iov)), 0, 0)
		if errno != 0 {
			err = errno
		}
	})
	if err != nil {
		return nil, fmt.Errorf("could not get floating point registers: %v", err)
	}
	return xstateargs[:iov.Len], nil
}

// CaptureFP reads the XSAVE area of the thread.
func (ctx *ThreadContext) CaptureFP() (*fpregs.Snapshot, error) {
	area, err := ctx.xstate()
	if err != nil {
		return nil, err
	}
	s, _, err := fpregs.DecodeXsave(area, fpregs.NumRegs64)
	return s, err
}

// CommitFP writes s into the XSAVE area of the thread. The rest of the
// extended state is preserved.
func (ctx *ThreadContext) CommitFP(s *fpregs.Snapshot) error {
	area, err := ctx.xstate()
	if err != nil {
		return err
	}
	if err := fpregs.EncodeXsave(area, s); err != nil {
		return err
	}
	iov := sys.Iovec{Base: &area[0], Len: uint64(len(area))}
	ctx.tracer.execPtraceFunc(func() {
		_, _, errno := syscall.Syscall6(syscall.SYS_PTRACE, sys.PTRACE_SETREGSET, uintptr(ctx.tid), _NT_X86_XSTATE, uintptr(unsafe.Pointer(&iov)), 0, 0)
		if errno != 0 {
			err = errno
		}
	})
	if err != nil {
		return fmt.Errorf("could not set floating point registers: %v", err)
	}
	return nil
}

// Copy returns an in-memory copy of the context.
func (ctx *ThreadContext) Copy() (proc.Context, error) {
	return proc.ToMemoryContext(ctx)
}
