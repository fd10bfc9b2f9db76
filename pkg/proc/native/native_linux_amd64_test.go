package native

import (
	"errors"
	"os"
	"runtime"
	"testing"

	"github.com/google/go-cmp/cmp"
	sys "golang.org/x/sys/unix"

	"github.com/go-delve/faultcheck/pkg/proc"
	"github.com/go-delve/faultcheck/pkg/proc/fpregs"
)

const childEnv = "FAULTCHECK_NATIVE_CHILD"

func init() {
	if os.Getenv(childEnv) != "" {
		// keep the faulting goroutine on the traced thread
		runtime.LockOSThread()
	}
}

func TestMain(m *testing.M) {
	if os.Getenv(childEnv) == "segv" {
		var p *int
		*p = 1
		os.Exit(2)
	}
	os.Exit(m.Run())
}

func launchChild(t *testing.T) (*Tracer, int) {
	t.Helper()
	tr := NewTracer()
	pid, err := tr.Launch([]string{os.Args[0]}, append(os.Environ(), childEnv+"=segv"))
	if err != nil {
		tr.Close()
		if errors.Is(err, sys.EPERM) {
			t.Skip("ptrace not permitted")
		}
		t.Fatal(err)
	}
	t.Cleanup(func() {
		tr.Kill(pid)
		tr.Close()
	})
	return tr, pid
}

func waitSegv(t *testing.T, tr *Tracer, pid int) *proc.FaultEvent {
	t.Helper()
	if err := tr.Resume(pid, 0); err != nil {
		t.Fatal(err)
	}
	for {
		ev, err := tr.WaitFault(pid)
		var stop *UnexpectedStopError
		if errors.As(err, &stop) {
			if err := tr.Resume(pid, stop.Signal); err != nil {
				t.Fatal(err)
			}
			continue
		}
		if err != nil {
			t.Fatal(err)
		}
		return ev
	}
}

func TestWaitFault(t *testing.T) {
	tr, pid := launchChild(t)
	ev := waitSegv(t, tr, pid)
	if ev.Category != proc.InvalidAddress || ev.Origin != proc.OriginApplication {
		t.Fatalf("wrong event %v %v", ev.Category, ev.Origin)
	}
	if ev.Addr != 0 {
		t.Errorf("exception address %#x, expected 0", ev.Addr)
	}
	if ev.Ctx.PC() == 0 || ev.Ctx.SP() == 0 {
		t.Errorf("bad context pc=%#x sp=%#x", ev.Ctx.PC(), ev.Ctx.SP())
	}
}

func TestThreadContextFP(t *testing.T) {
	tr, pid := launchChild(t)
	ev := waitSegv(t, tr, pid)

	area, err := ev.Ctx.(*ThreadContext).xstate()
	if err != nil {
		t.Skipf("xstate not available: %v", err)
	}
	if len(area) < fpregs.XsaveSize {
		t.Skipf("no AVX state in %d byte xsave area", len(area))
	}
	s, err := ev.Ctx.CaptureFP()
	if err != nil {
		t.Fatal(err)
	}
	if s.NumRegs() != fpregs.NumRegs64 {
		t.Fatalf("captured %d registers", s.NumRegs())
	}
	s.Fill(0xa5)
	if err := ev.Ctx.CommitFP(s); err != nil {
		t.Fatal(err)
	}

	ctx, err := tr.Context(pid)
	if err != nil {
		t.Fatal(err)
	}
	got, err := ctx.CaptureFP()
	if err != nil {
		t.Fatal(err)
	}
	if m, ok := got.FindMismatch(0xa5); ok {
		t.Fatalf("register %d half %d offset %d: got %#x", m.Reg, m.Half, m.Offset, m.Got)
	}

	cp, err := ctx.Copy()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(ctx.PC(), cp.PC()); diff != "" {
		t.Errorf("copied pc mismatch (-want +got):\n%s", diff)
	}
}

func TestDispatchHandled(t *testing.T) {
	tr, pid := launchChild(t)
	ev := waitSegv(t, tr, pid)

	// resume the thread at the faulting instruction with the signal
	// suppressed, it faults again
	pc := ev.Ctx.PC()
	d, err := tr.Dispatch(ev, proc.FaultListenerFunc(func(ev *proc.FaultEvent) proc.Decision {
		return proc.Handled(ev.Ctx.PC())
	}))
	if err != nil {
		t.Fatal(err)
	}
	if !d.Handled {
		t.Fatal("decision not handled")
	}
	ev, err = tr.WaitFault(pid)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Ctx.PC() != pc {
		t.Errorf("second fault at %#x, expected %#x", ev.Ctx.PC(), pc)
	}
}
