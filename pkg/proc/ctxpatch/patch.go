package ctxpatch

import (
	"fmt"

	"github.com/go-delve/faultcheck/pkg/logflags"
	"github.com/go-delve/faultcheck/pkg/proc"
	"github.com/go-delve/faultcheck/pkg/proc/fpregs"
)

const (
	// BeforePattern is the byte the application writes into every vector
	// register before it raises the exception.
	BeforePattern byte = 0xa5
	// AfterPattern is the byte written into every vector register of the
	// context execution resumes with.
	AfterPattern byte = 0x5a
)

// FPState is the vector register file of a context.
type FPState interface {
	CaptureFP() (*fpregs.Snapshot, error)
	CommitFP(s *fpregs.Snapshot) error
}

// VerifyError is returned when a vector register does not contain the
// value it was expected to contain.
type VerifyError struct {
	// What names the snapshot that was checked.
	What     string
	Mismatch fpregs.Mismatch
}

func (err *VerifyError) Error() string {
	return fmt.Sprintf("%s: %s", err.What, err.Mismatch)
}

func verify(what string, s *fpregs.Snapshot, b byte) error {
	if m, bad := s.FindMismatch(b); bad {
		return &VerifyError{What: what, Mismatch: m}
	}
	return nil
}

// ResumeTarget is the point execution resumes at after a patched
// transition.
type ResumeTarget struct {
	PC uint64
	SP uint64
	// Adjustment is the number of bytes subtracted from the original stack
	// pointer to obtain SP.
	Adjustment int
}

// Patcher verifies and rewrites the vector registers of a context
// transition.
type Patcher struct {
	target Target
	before byte
	after  byte
	log    logflags.Logger
}

// NewPatcher returns a patcher for code running on t, using BeforePattern
// and AfterPattern.
func NewPatcher(t Target) *Patcher {
	return &Patcher{target: t, before: BeforePattern, after: AfterPattern, log: logflags.ContextLogger()}
}

// Target returns the target the patcher computes resume points for.
func (p *Patcher) Target() Target {
	return p.target
}

// Patch checks that every byte of before is the before pattern, writes the
// after pattern into every byte of the vector registers of after and reads
// them back to check that the write took effect. It returns the point
// execution should resume at to call the function at pc with the stack
// pointer sp: on 64bit targets the stack pointer is moved down to satisfy
// the stack entry alignment, 32bit targets resume with sp unchanged.
//
// before is never modified.
func (p *Patcher) Patch(before *fpregs.Snapshot, after FPState, pc, sp uint64) (ResumeTarget, error) {
	if err := verify("context before transition", before, p.before); err != nil {
		p.log.Errorf("verification failed: %v", err)
		return ResumeTarget{}, err
	}
	p.log.Debug("checked context before transition")

	work := before.Clone()
	work.Fill(p.after)
	if err := after.CommitFP(work); err != nil {
		return ResumeTarget{}, fmt.Errorf("could not write vector registers: %v", err)
	}

	readback, err := after.CaptureFP()
	if err != nil {
		return ResumeTarget{}, fmt.Errorf("could not read back vector registers: %v", err)
	}
	if err := verify("context after transition", readback, p.after); err != nil {
		p.log.Errorf("verification failed: %v", err)
		return ResumeTarget{}, err
	}
	p.log.Debug("checked context after transition")

	rt := ResumeTarget{PC: pc, SP: sp}
	if p.target.PtrSize == 8 {
		rt.Adjustment = p.target.StackAdjustment(int(sp%16), p.target.PtrSize)
		rt.SP = sp - uint64(rt.Adjustment)
	}
	return rt, nil
}

// TransitionHandler is a proc.ContextTransitionListener that patches the
// context of every thread that resumes after a signal or an exception and
// redirects it to a function of the application.
type TransitionHandler struct {
	patcher  *Patcher
	resumeAt uint64
	log      logflags.Logger

	patched int
}

// NewTransitionHandler returns a handler that redirects threads to
// resumeAt. If resumeAt is zero the vector registers are still patched but
// threads resume where they would have.
func NewTransitionHandler(p *Patcher, resumeAt uint64) *TransitionHandler {
	return &TransitionHandler{patcher: p, resumeAt: resumeAt, log: logflags.ContextLogger()}
}

// Patched returns the number of transitions that were patched.
func (h *TransitionHandler) Patched() int {
	return h.patched
}

// Handles returns true if transitions with the given reason are patched.
func Handles(reason proc.TransitionReason) bool {
	return reason == proc.ReasonSignal || reason == proc.ReasonException
}

// OnContextChange implements proc.ContextTransitionListener.
func (h *TransitionHandler) OnContextChange(tid int, reason proc.TransitionReason, from, to proc.Context) error {
	if to == nil || !Handles(reason) {
		return nil
	}
	h.log.WithThread(tid).Infof("%s transition", reason)

	before, err := from.CaptureFP()
	if err != nil {
		return fmt.Errorf("could not read vector registers of thread %d: %v", tid, err)
	}
	if logflags.Context() {
		h.log.Debugf("context before transition:\n%s", before)
		if cur, err := to.CaptureFP(); err == nil {
			h.log.Debugf("context after transition:\n%s", cur)
		}
	}

	pc := h.resumeAt
	if pc == 0 {
		pc = to.PC()
	}
	rt, err := h.patcher.Patch(before, to, pc, to.SP())
	if err != nil {
		return err
	}
	if logflags.Context() {
		if cur, err := to.CaptureFP(); err == nil {
			h.log.Debugf("patched context:\n%s", cur)
		}
	}

	if h.resumeAt != 0 {
		if err := to.SetPC(rt.PC); err != nil {
			return err
		}
		if rt.SP != to.SP() {
			if err := to.SetSP(rt.SP); err != nil {
				return err
			}
		}
		h.log.WithThread(tid).WithAddr("sp", rt.SP).Debugf("resumes at %#x (sp adjusted by %d)", rt.PC, rt.Adjustment)
	}
	h.patched++
	return nil
}
