package proc

import (
	"testing"

	"github.com/go-delve/faultcheck/pkg/proc/fpregs"
)

func TestMemoryContextCopy(t *testing.T) {
	ctx := NewMemoryContext(0x401000, 0x7ffe0000, fpregs.NumRegs64)
	ctx.FP.Fill(0xa5)
	ctx.ReadOnly = true

	if err := ctx.SetPC(0x1); err != ErrReadOnlyContext {
		t.Errorf("SetPC on read only context: %v", err)
	}
	if err := ctx.CommitFP(fpregs.NewSnapshot(fpregs.NumRegs64)); err != ErrReadOnlyContext {
		t.Errorf("CommitFP on read only context: %v", err)
	}

	c, err := ctx.Copy()
	if err != nil {
		t.Fatal(err)
	}
	if err := c.SetSP(0x7ffd0000); err != nil {
		t.Fatalf("copy is not writable: %v", err)
	}
	fp, _ := c.CaptureFP()
	fp.Fill(0x5a)
	if err := c.CommitFP(fp); err != nil {
		t.Fatal(err)
	}

	if ctx.SP() != 0x7ffe0000 {
		t.Errorf("original sp changed to %#x", ctx.SP())
	}
	if m, ok := ctx.FP.FindMismatch(0xa5); ok {
		t.Errorf("original registers changed: %+v", m)
	}
	if c.PC() != 0x401000 {
		t.Errorf("copied pc %#x", c.PC())
	}
}

// frozenContext is a Context that is not a MemoryContext.
type frozenContext struct{ *MemoryContext }

func TestToMemoryContext(t *testing.T) {
	src := NewMemoryContext(0x1000, 0x2000, fpregs.NumRegs32)
	src.FP.FillDwords(0xdeadbeef)

	for _, ctx := range []Context{src, frozenContext{src}} {
		m, err := ToMemoryContext(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if m == src {
			t.Fatal("no copy made")
		}
		if m.PC() != 0x1000 || m.SP() != 0x2000 || !m.FP.Equal(src.FP) {
			t.Errorf("%T: bad copy pc=%#x sp=%#x", ctx, m.PC(), m.SP())
		}
	}
}

func TestDecisionString(t *testing.T) {
	for _, tc := range []struct {
		d    Decision
		want string
	}{
		{Unhandled, "unhandled"},
		{Handled(0x4010), "handled, resume at 0x4010"},
	} {
		if got := tc.d.String(); got != tc.want {
			t.Errorf("%#v.String() = %q, expected %q", tc.d, got, tc.want)
		}
	}
	if got := TransitionReason(42).String(); got != "TransitionReason(42)" {
		t.Errorf("unknown reason printed as %q", got)
	}
}
