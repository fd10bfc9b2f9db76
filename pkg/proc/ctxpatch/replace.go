package ctxpatch

import (
	"errors"
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/go-delve/faultcheck/pkg/logflags"
	"github.com/go-delve/faultcheck/pkg/proc"
	"github.com/go-delve/faultcheck/pkg/proc/fpregs"
)

const (
	// CallPattern is written into every dword of the vector registers
	// before the replaced function is called through.
	CallPattern uint32 = 0xacdcacdc
	// JumpPattern is written into every dword of the vector registers
	// before execution is transferred to the alternate entry point.
	JumpPattern uint32 = 0xdeadbeef
	// ScratchPattern is loaded into the legacy half of the vector
	// registers at a scratch spill point.
	ScratchPattern uint32 = 0x12345678
)

// Caller runs application code on behalf of the harness.
type Caller interface {
	// CallApplicationFunction calls the application function at fn on
	// thread tid, with the registers of ctx, and returns when it returns.
	CallApplicationFunction(ctx proc.Context, tid int, fn uint64) error
	// ExecuteAt abandons the current execution of the thread and resumes
	// it with ctx.
	ExecuteAt(ctx proc.Context) error
}

// Replacer is the body of a replaced application function: it sets the
// vector registers, calls the original function, then sets them again and
// jumps to an alternate entry point.
type Replacer struct {
	host Caller
	// ConstContext is set when the host passes a context that must not be
	// written, it is copied before any change.
	ConstContext bool
	// ExecuteAt is the alternate entry point. If zero the replacer returns
	// after calling the original function.
	ExecuteAt uint64

	log logflags.Logger
}

// NewReplacer returns a replacer that runs application code through host.
func NewReplacer(host Caller) *Replacer {
	return &Replacer{host: host, log: logflags.ContextLogger().WithField("replacement", true)}
}

// Replace is called in place of the function at original on thread tid.
func (r *Replacer) Replace(ctx proc.Context, tid int, original uint64) error {
	r.log.WithThread(tid).WithAddr("original", original).Info("in replacement")
	if r.ConstContext {
		writable, err := ctx.Copy()
		if err != nil {
			return fmt.Errorf("could not copy context: %v", err)
		}
		ctx = writable
	}

	s, err := ctx.CaptureFP()
	if err != nil {
		return err
	}
	if err := commitPattern(ctx, s, CallPattern); err != nil {
		return err
	}

	r.log.Debugf("calling replaced function %#x", original)
	if err := r.host.CallApplicationFunction(ctx, tid, original); err != nil {
		return fmt.Errorf("call of replaced function failed: %v", err)
	}
	r.log.Debugf("returned from replaced function %#x", original)

	if r.ExecuteAt == 0 {
		return nil
	}
	s.FillDwords(JumpPattern)
	if err := ctx.CommitFP(s); err != nil {
		return err
	}
	if err := ctx.SetPC(r.ExecuteAt); err != nil {
		return err
	}
	r.log.Debugf("executing at %#x", r.ExecuteAt)
	return r.host.ExecuteAt(ctx)
}

// commitPattern writes v into every dword of s, commits s into ctx and
// checks that reading the registers back gives s.
func commitPattern(ctx proc.Context, s *fpregs.Snapshot, v uint32) error {
	s.FillDwords(v)
	if err := ctx.CommitFP(s); err != nil {
		return err
	}
	readback, err := ctx.CaptureFP()
	if err != nil {
		return err
	}
	if !s.Equal(readback) {
		return &VerifyError{What: "context of replaced function", Mismatch: firstDiff(s, readback)}
	}
	return nil
}

func firstDiff(want, got *fpregs.Snapshot) fpregs.Mismatch {
	for reg := 0; reg < want.NumRegs(); reg++ {
		for _, h := range []fpregs.Half{fpregs.Legacy, fpregs.Upper} {
			w, g := want.Lane(reg, h), got.Lane(reg, h)
			for off := range w {
				if w[off] != g[off] {
					return fpregs.Mismatch{Reg: reg, Half: h, Offset: off, Got: g[off], Want: w[off]}
				}
			}
		}
	}
	return fpregs.Mismatch{}
}

var errNoSpillPoint = errors.New("no fld1 sequence found")

// FindSpillPoint returns the address of the last instruction of the first
// sequence of three consecutive FLD1 instructions in code. The x87 stack
// is full after the sequence, a call inserted after it must spill the
// scratch vector registers.
func FindSpillPoint(code []byte, base uint64, mode int) (uint64, error) {
	run := 0
	for off := 0; off < len(code); {
		inst, err := x86asm.Decode(code[off:], mode)
		if err != nil {
			return 0, fmt.Errorf("could not decode instruction at %#x: %v", base+uint64(off), err)
		}
		if inst.Op == 0 {
			return 0, fmt.Errorf("could not decode instruction at %#x: truncated", base+uint64(off))
		}
		pc := base + uint64(off)
		off += inst.Len
		if inst.Op != x86asm.FLD1 {
			run = 0
			continue
		}
		run++
		if run == 3 {
			return pc, nil
		}
	}
	return 0, errNoSpillPoint
}

// SpillScratch loads ScratchPattern into every dword of the legacy half of
// the vector registers of ctx.
func SpillScratch(ctx proc.Context) error {
	s, err := ctx.CaptureFP()
	if err != nil {
		return err
	}
	for reg := 0; reg < s.NumRegs(); reg++ {
		for i := 0; i < fpregs.Dword.Lanes(); i++ {
			s.Set(reg, fpregs.Legacy, fpregs.Dword, i, uint64(ScratchPattern))
		}
	}
	return ctx.CommitFP(s)
}
