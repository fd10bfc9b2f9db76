package harness

import (
	"fmt"

	"github.com/go-delve/faultcheck/pkg/proc/ctxpatch"
	"github.com/go-delve/faultcheck/pkg/proc/sim"
)

const toolBase = 0x7f001000

// ExceptionOptions configures RunExceptions.
type ExceptionOptions struct {
	// Mode is the processor mode of the application, 32 or 64.
	Mode int
	// Memory, if not nil, replaces the host as the memory read by the
	// safe copy check.
	Memory SafeCopier
}

// RunExceptions runs the exception application under the exception tool
// and returns the tool's report. An error is returned if the application
// did not run to completion.
func RunExceptions(opts ExceptionOptions) (*Report, error) {
	h, err := sim.NewHost(opts.Mode)
	if err != nil {
		return nil, err
	}
	tool := NewToolImage(toolBase)
	if err := h.Load(tool); err != nil {
		return nil, err
	}
	x, err := NewExceptionTool(h, tool)
	if err != nil {
		return nil, err
	}
	if opts.Memory != nil {
		x.SetMemory(opts.Memory)
	}
	x.Install()
	if err := h.Run(sim.NewExceptionApp(), sim.ExceptionEntries...); err != nil {
		return nil, err
	}
	return x.Report()
}

// RunVector runs the vector application under the vector tool and returns
// a report combining the tool's checks and the checks made by the
// application.
func RunVector(t ctxpatch.Target, constContext bool) (*Report, error) {
	h, err := sim.NewHost(t.PtrSize * 8)
	if err != nil {
		return nil, err
	}
	v := NewVectorTool(h, t, constContext)
	v.Install()
	app := sim.NewVectorApp()
	if err := h.Run(app.Image, sim.VectorEntries...); err != nil {
		return nil, fmt.Errorf("verification failed: %v", err)
	}
	r, err := v.Report()
	if err != nil {
		return nil, err
	}
	r.Add("registers in replaced function", app.ReplacedChecked, "replaced function not called")
	r.Add("registers at alternate entry", app.ExecutedAtChecked, "alternate entry point not executed")
	r.Add("registers after exception", app.ExceptionChecked, "thread not redirected after exception")
	r.Add("scratch registers preserved", app.ScratchPreserved, "scratch registers not checked")
	if app.HandlerRan {
		r.Add("signal handler bypassed", false, "application signal handler ran")
	}
	return r, nil
}
