package proc

import (
	"errors"

	"github.com/go-delve/faultcheck/pkg/proc/fpregs"
)

// Context is the live CPU context of one stopped thread, as handed to the
// harness by the instrumentation host. Implementations read and write
// the host's state, they never touch hardware directly on behalf of the
// caller.
type Context interface {
	PC() uint64
	SetPC(pc uint64) error
	SP() uint64
	SetSP(sp uint64) error

	// CaptureFP returns a copy of the vector register file of the context.
	// Changes to the returned snapshot have no effect until they are
	// committed with CommitFP.
	CaptureFP() (*fpregs.Snapshot, error)
	// CommitFP writes s into the vector register file of the context.
	CommitFP(s *fpregs.Snapshot) error

	// Copy returns a writable copy of the context that is guaranteed not
	// to change when the context it was copied from changes.
	Copy() (Context, error)
}

// ErrReadOnlyContext is returned when a write is attempted on a context
// the host passed as read only.
var ErrReadOnlyContext = errors.New("context is read only")

// MemoryContext is a Context that lives entirely in memory. Hosts use it
// for saved contexts and tests use it to stand in for a live thread.
type MemoryContext struct {
	Regs struct {
		PC, SP uint64
	}
	FP *fpregs.Snapshot
	// ReadOnly makes every setter fail with ErrReadOnlyContext.
	ReadOnly bool
}

// NewMemoryContext returns a context with the given program counter and
// stack pointer and a zeroed vector register file of nregs registers.
func NewMemoryContext(pc, sp uint64, nregs int) *MemoryContext {
	ctx := &MemoryContext{FP: fpregs.NewSnapshot(nregs)}
	ctx.Regs.PC = pc
	ctx.Regs.SP = sp
	return ctx
}

func (ctx *MemoryContext) PC() uint64 { return ctx.Regs.PC }
func (ctx *MemoryContext) SP() uint64 { return ctx.Regs.SP }

func (ctx *MemoryContext) SetPC(pc uint64) error {
	if ctx.ReadOnly {
		return ErrReadOnlyContext
	}
	ctx.Regs.PC = pc
	return nil
}

func (ctx *MemoryContext) SetSP(sp uint64) error {
	if ctx.ReadOnly {
		return ErrReadOnlyContext
	}
	ctx.Regs.SP = sp
	return nil
}

func (ctx *MemoryContext) CaptureFP() (*fpregs.Snapshot, error) {
	return ctx.FP.Clone(), nil
}

func (ctx *MemoryContext) CommitFP(s *fpregs.Snapshot) error {
	if ctx.ReadOnly {
		return ErrReadOnlyContext
	}
	ctx.FP.CopyFrom(s)
	return nil
}

// Copy returns a writable deep copy of ctx.
func (ctx *MemoryContext) Copy() (Context, error) {
	r := &MemoryContext{FP: ctx.FP.Clone()}
	r.Regs = ctx.Regs
	return r, nil
}

// ToMemoryContext returns a writable in-memory copy of ctx.
func ToMemoryContext(ctx Context) (*MemoryContext, error) {
	if mctx, ok := ctx.(*MemoryContext); ok {
		c, _ := mctx.Copy()
		return c.(*MemoryContext), nil
	}
	fp, err := ctx.CaptureFP()
	if err != nil {
		return nil, err
	}
	r := &MemoryContext{FP: fp}
	r.Regs.PC = ctx.PC()
	r.Regs.SP = ctx.SP()
	return r, nil
}
