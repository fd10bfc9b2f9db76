// Package native implements proc.Context on top of ptrace(2) for threads
// of a traced linux/amd64 process, and turns the faults those threads
// receive into proc.FaultEvent values.
package native

import (
	"encoding/binary"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"syscall"
	"unsafe"

	sys "golang.org/x/sys/unix"

	"github.com/go-delve/faultcheck/pkg/logflags"
	"github.com/go-delve/faultcheck/pkg/proc"
)

const (
	_NT_X86_XSTATE = 0x202

	siginfoSize   = 128
	siginfoAddrOf = 16
)

var faultSignals = map[sys.Signal]proc.Category{
	sys.SIGSEGV: proc.InvalidAddress,
	sys.SIGBUS:  proc.InvalidAddress,
	sys.SIGFPE:  proc.IntDivideByZero,
}

var categorySignals = map[proc.Category]sys.Signal{
	proc.InvalidAddress:  sys.SIGSEGV,
	proc.IntDivideByZero: sys.SIGFPE,
}

// ProcessExitedError is returned when a traced thread exits while the
// tracer waits for it.
type ProcessExitedError struct {
	Pid    int
	Status int
}

func (pe ProcessExitedError) Error() string {
	return fmt.Sprintf("process %d has exited with status %d", pe.Pid, pe.Status)
}

// UnexpectedStopError is returned when a traced thread stops for a reason
// other than a fault.
type UnexpectedStopError struct {
	Tid    int
	Signal sys.Signal
}

func (err *UnexpectedStopError) Error() string {
	return fmt.Sprintf("thread %d stopped by %v", err.Tid, err.Signal)
}

// Tracer issues every ptrace request from the same OS thread.
type Tracer struct {
	ptraceChan     chan func()
	ptraceDoneChan chan interface{}
	log            logflags.Logger
}

// NewTracer returns a new tracer. Close must be called to release the OS
// thread it uses.
func NewTracer() *Tracer {
	t := &Tracer{
		ptraceChan:     make(chan func()),
		ptraceDoneChan: make(chan interface{}),
		log:            logflags.HostLogger().WithField("backend", "ptrace"),
	}
	go t.handlePtraceFuncs()
	return t
}

func (t *Tracer) handlePtraceFuncs() {
	// ptrace(2) expects all requests after PTRACE_ATTACH to come from the
	// same thread.
	runtime.LockOSThread()

	for fn := range t.ptraceChan {
		fn()
		t.ptraceDoneChan <- nil
	}
	runtime.UnlockOSThread()
}

func (t *Tracer) execPtraceFunc(fn func()) {
	t.ptraceChan <- fn
	<-t.ptraceDoneChan
}

// Close stops the tracer.
func (t *Tracer) Close() {
	close(t.ptraceChan)
}

// Launch starts cmd stopped at its first instruction and returns its pid.
func (t *Tracer) Launch(cmd []string, env []string) (int, error) {
	var (
		process *exec.Cmd
		err     error
	)
	t.execPtraceFunc(func() {
		process = exec.Command(cmd[0])
		process.Args = cmd
		process.Env = env
		process.Stdout = os.Stdout
		process.Stderr = os.Stderr
		process.SysProcAttr = &syscall.SysProcAttr{Ptrace: true, Setpgid: true}
		err = process.Start()
	})
	if err != nil {
		return 0, err
	}
	pid := process.Process.Pid
	if _, err := t.wait(pid); err != nil {
		return 0, fmt.Errorf("waiting for target execve failed: %s", err)
	}
	t.log.Debugf("launched %s as %d", cmd[0], pid)
	return pid, nil
}

// Attach attaches to thread tid and waits for it to stop.
func (t *Tracer) Attach(tid int) error {
	var err error
	t.execPtraceFunc(func() { err = sys.PtraceAttach(tid) })
	if err != nil {
		return err
	}
	_, err = t.wait(tid)
	return err
}

// Detach detaches from thread tid, which resumes execution.
func (t *Tracer) Detach(tid int) error {
	var err error
	t.execPtraceFunc(func() { err = sys.PtraceDetach(tid) })
	return err
}

// Kill kills the process pid and reaps it.
func (t *Tracer) Kill(pid int) error {
	if err := sys.Kill(pid, sys.SIGKILL); err != nil {
		return err
	}
	var s sys.WaitStatus
	_, err := sys.Wait4(pid, &s, sys.WALL, nil)
	return err
}

func (t *Tracer) wait(tid int) (sys.WaitStatus, error) {
	var s sys.WaitStatus
	_, err := sys.Wait4(tid, &s, sys.WALL, nil)
	if err != nil {
		return s, err
	}
	if s.Exited() {
		return s, ProcessExitedError{Pid: tid, Status: s.ExitStatus()}
	}
	if s.Signaled() {
		return s, ProcessExitedError{Pid: tid, Status: -int(s.Signal())}
	}
	return s, nil
}

// Resume continues thread tid, delivering sig to it if sig is not 0.
func (t *Tracer) Resume(tid int, sig sys.Signal) error {
	var err error
	t.execPtraceFunc(func() { err = sys.PtraceCont(tid, int(sig)) })
	return err
}

// ReadMemory reads len(buf) bytes of the memory of tid at addr.
func (t *Tracer) ReadMemory(tid int, addr uint64, buf []byte) (int, error) {
	var (
		n   int
		err error
	)
	t.execPtraceFunc(func() { n, err = sys.PtracePeekData(tid, uintptr(addr), buf) })
	return n, err
}

// Context returns the context of the stopped thread tid.
func (t *Tracer) Context(tid int) (*ThreadContext, error) {
	ctx := &ThreadContext{tracer: t, tid: tid}
	var err error
	t.execPtraceFunc(func() { err = sys.PtraceGetRegs(tid, &ctx.regs) })
	if err != nil {
		return nil, err
	}
	return ctx, nil
}

// WaitFault resumes nothing, it waits for thread tid to stop and returns
// the fault that stopped it. The exception address is the one the kernel
// reports in the signal information: the faulting instruction for a
// division by zero, the accessed memory for an invalid access.
func (t *Tracer) WaitFault(tid int) (*proc.FaultEvent, error) {
	s, err := t.wait(tid)
	if err != nil {
		return nil, err
	}
	if !s.Stopped() {
		return nil, fmt.Errorf("thread %d not stopped", tid)
	}
	sig := s.StopSignal()
	c, ok := faultSignals[sig]
	if !ok {
		return nil, &UnexpectedStopError{Tid: tid, Signal: sig}
	}
	var info [siginfoSize]byte
	t.execPtraceFunc(func() {
		_, _, errno := syscall.Syscall6(syscall.SYS_PTRACE, sys.PTRACE_GETSIGINFO, uintptr(tid), 0, uintptr(unsafe.Pointer(&info[0])), 0, 0)
		if errno != 0 {
			err = errno
		}
	})
	if err != nil {
		return nil, fmt.Errorf("could not read signal information: %v", err)
	}
	ctx, err := t.Context(tid)
	if err != nil {
		return nil, err
	}
	ev := &proc.FaultEvent{
		ThreadID: tid,
		Category: c,
		Origin:   proc.OriginApplication,
		Addr:     binary.LittleEndian.Uint64(info[siginfoAddrOf:]),
		Ctx:      ctx,
	}
	t.log.WithThread(tid).WithAddr("pc", ctx.PC()).Debugf("%s at %#x", c, ev.Addr)
	return ev, nil
}

// Dispatch delivers ev to l and resumes the faulting thread. If l handles
// the fault the thread resumes at the address l chose and the signal is
// suppressed, otherwise the signal is delivered to the thread.
func (t *Tracer) Dispatch(ev *proc.FaultEvent, l proc.FaultListener) (proc.Decision, error) {
	d := l.OnFault(ev)
	sig := sys.Signal(0)
	if !d.Handled {
		sig = categorySignals[ev.Category]
	}
	return d, t.Resume(ev.ThreadID, sig)
}
