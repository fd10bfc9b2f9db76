// Package ctxpatch rewrites the vector register state and resume point of
// a thread at a context transition: signal delivery, exception dispatch or
// the call through of a replaced function.
package ctxpatch

import (
	"fmt"
	"runtime"
	"sort"

	"github.com/go-delve/faultcheck/pkg/proc/fpregs"
)

// Target describes the calling convention of the code execution is
// redirected to.
type Target struct {
	// Triple is the target name, in GOOS/GOARCH form.
	Triple string
	// PtrSize is the size of a pointer, and of a return address pushed on
	// the stack, in bytes.
	PtrSize int
	// StackEntryAlignment is the required value of SP mod 16 at the entry
	// point of a function, after the return address has been pushed. Zero
	// means there is no requirement beyond pointer alignment.
	StackEntryAlignment int
}

var builtinTargets = map[string]Target{
	"linux/amd64":   {PtrSize: 8, StackEntryAlignment: 8},
	"darwin/amd64":  {PtrSize: 8, StackEntryAlignment: 8},
	"freebsd/amd64": {PtrSize: 8, StackEntryAlignment: 8},
	"windows/amd64": {PtrSize: 8, StackEntryAlignment: 8},
	"linux/386":     {PtrSize: 4, StackEntryAlignment: 12},
	"darwin/386":    {PtrSize: 4, StackEntryAlignment: 12},
	"freebsd/386":   {PtrSize: 4, StackEntryAlignment: 12},
	"windows/386":   {PtrSize: 4, StackEntryAlignment: 0},
}

// Triples returns the names of all built-in targets, sorted.
func Triples() []string {
	r := make([]string, 0, len(builtinTargets))
	for triple := range builtinTargets {
		r = append(r, triple)
	}
	sort.Strings(r)
	return r
}

// LookupTarget returns the built-in description of triple. The stack
// entry alignment is replaced with the value in overrides, if triple is
// present there.
func LookupTarget(triple string, overrides map[string]int) (Target, error) {
	t, ok := builtinTargets[triple]
	if !ok {
		return Target{}, fmt.Errorf("unknown target %q", triple)
	}
	t.Triple = triple
	if align, ok := overrides[triple]; ok {
		if align < 0 || align >= 16 {
			return Target{}, fmt.Errorf("stack entry alignment for %s out of range: %d", triple, align)
		}
		t.StackEntryAlignment = align
	}
	return t, nil
}

// HostTarget returns the target the running process was built for.
func HostTarget(overrides map[string]int) (Target, error) {
	return LookupTarget(runtime.GOOS+"/"+runtime.GOARCH, overrides)
}

// NumRegs returns the number of vector registers visible to code running
// on t.
func (t Target) NumRegs() int {
	if t.PtrSize == 8 {
		return fpregs.NumRegs64
	}
	return fpregs.NumRegs32
}

// StackAdjustment returns the number of bytes that must be subtracted from
// a stack pointer whose value mod 16 is currentAlignment, so that after
// allocating frameSize bytes the stack satisfies the entry alignment of t.
// The result is always in [0, 15].
func (t Target) StackAdjustment(currentAlignment, frameSize int) int {
	if t.StackEntryAlignment == 0 || currentAlignment == 0 {
		return 0
	}
	adjustment := (currentAlignment - frameSize - t.StackEntryAlignment) % 16
	if adjustment < 0 {
		adjustment += 16
	}
	return adjustment
}
