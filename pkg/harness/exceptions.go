// Package harness implements the tools that exercise fault interception
// and context patching inside an instrumented application, and the report
// of their outcome.
package harness

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-delve/faultcheck/pkg/logflags"
	"github.com/go-delve/faultcheck/pkg/proc"
	"github.com/go-delve/faultcheck/pkg/proc/fault"
	"github.com/go-delve/faultcheck/pkg/proc/sim"
)

const (
	toolIPPrefix    = "ToolIp"
	toolCatchPrefix = "ToolCatch"

	safeCopySize = 1024
)

// Names of the checks of the exception tool.
const (
	CheckSafeCopy          = "host safe-copy"
	CheckToolInvalidAccess = "tool access invalid address"
	CheckToolDivideByZero  = "tool int div zero"
	CheckAppDivideByZero   = "application div zero"
)

var categorySuffixes = map[string]proc.Category{
	"AccessInvalidAddressException": proc.InvalidAddress,
	"IntDivideByZeroException":      proc.IntDivideByZero,
}

// SafeCopier reads memory without faulting.
type SafeCopier interface {
	SafeCopy(dst []byte, src uint64) (int, *proc.ExceptionInfo)
}

// NewToolImage returns the symbols of the code the exception tool uses to
// raise its own faults: for each fault category the address of the
// faulting instruction, ToolIp<category>, and the address execution
// resumes at, ToolCatch<category>.
func NewToolImage(base uint64) *sim.Image {
	img := sim.NewImage("faultcheck-tool")
	for i, suffix := range []string{"IntDivideByZeroException", "AccessInvalidAddressException"} {
		addr := base + uint64(i)*0x20
		img.MustAddRoutine(&sim.Routine{Name: toolIPPrefix + suffix, Addr: addr})
		img.MustAddRoutine(&sim.Routine{Name: toolCatchPrefix + suffix, Addr: addr + 0x10})
	}
	return img
}

// ExceptionTool raises faults in its own code and in the application and
// checks that each of them is intercepted at the expected address.
//
// Four checks are made:
//   - a safe copy from a null address fails with an invalid address
//     exception reported at address 0
//   - an invalid memory access raised by the tool inside a try region is
//     intercepted
//   - an integer division by zero raised by the tool is intercepted by
//     the process wide handler
//   - an integer division by zero raised by the application is skipped
type ExceptionTool struct {
	host    *sim.Host
	mem     SafeCopier
	decoder *fault.RoutineDecoder
	log     logflags.Logger

	divide  *fault.Interceptor
	try     *fault.TryScope
	skipper *fault.Skipper

	safeCopy       bool
	safeCopyDetail string
	finished       bool
}

// NewExceptionTool returns an exception tool running on h. The fault
// sites are read from the tool image.
func NewExceptionTool(h *sim.Host, tool *sim.Image) (*ExceptionTool, error) {
	tables := make(map[proc.Category]*fault.Table)
	for _, r := range tool.RoutinesWithPrefix(toolIPPrefix) {
		suffix := strings.TrimPrefix(r.Name, toolIPPrefix)
		c, ok := categorySuffixes[suffix]
		if !ok {
			return nil, fmt.Errorf("unknown fault site %s", r.Name)
		}
		catch, ok := tool.FindRoutine(toolCatchPrefix + suffix)
		if !ok {
			return nil, fmt.Errorf("no recovery address for %s", r.Name)
		}
		if tables[c] == nil {
			tables[c] = fault.NewTable(c)
		}
		if _, err := tables[c].Add(c.String(), r.Addr, catch.Addr); err != nil {
			return nil, err
		}
	}
	for _, c := range []proc.Category{proc.InvalidAddress, proc.IntDivideByZero} {
		if tables[c] == nil {
			return nil, fmt.Errorf("no %s fault site in %s", c, tool.Name)
		}
	}

	decoder, err := fault.NewRoutineDecoder(h.Mode(), 16)
	if err != nil {
		return nil, err
	}
	return &ExceptionTool{
		host:    h,
		mem:     h,
		decoder: decoder,
		log:     logflags.FaultLogger().WithField("tool", "exceptions"),
		divide:  fault.NewInterceptor(tables[proc.IntDivideByZero]),
		try:     fault.NewTryScope(tables[proc.InvalidAddress]),
		skipper: fault.NewSkipper(proc.IntDivideByZero),
	}, nil
}

// SetMemory changes the memory the safe copy check reads from.
func (x *ExceptionTool) SetMemory(m SafeCopier) {
	x.mem = m
}

// Install registers the tool's callbacks with the host.
func (x *ExceptionTool) Install() {
	x.host.AddFaultListener(x.divide)
	x.host.AddFaultListener(x.try)
	x.host.InterceptSignal(proc.IntDivideByZero, x.skipper)
	x.host.AddRoutineHook(x.onRoutine)
	x.host.AddFiniHook(x.fini)
}

func (x *ExceptionTool) onRoutine(r *sim.Routine) error {
	switch {
	case strings.Contains(r.Name, "pinException"):
		addr := r.Addr
		r.InsertCallAfter(func(t *sim.Thread) error {
			x.checkSafeCopy(addr)
			return nil
		})
	case strings.Contains(r.Name, "toolException"):
		r.InsertCallAfter(func(t *sim.Thread) error {
			return x.raiseToolFaults(t.ID)
		})
	case strings.Contains(r.Name, "appException"):
		addrs, err := x.decoder.Decode(r.Addr, r.Code)
		if err != nil {
			return fmt.Errorf("could not decode %s: %v", r.Name, err)
		}
		x.skipper.Record(addrs...)
		x.log.Debugf("recorded %d instructions of %s", len(addrs), r.Name)
	}
	return nil
}

// checkSafeCopy copies from a null address into the routine at to. The
// copy must fail with an exception reported at address 0, not at the
// destination.
func (x *ExceptionTool) checkSafeCopy(to uint64) {
	x.log.Info("generating safe copy exception")
	buf := make([]byte, safeCopySize)
	n, info := x.mem.SafeCopy(buf, 0)
	switch {
	case n == safeCopySize || info == nil:
		x.safeCopyDetail = "safe copy from a null address succeeded"
	case info.Category != proc.InvalidAddress:
		x.safeCopyDetail = fmt.Sprintf("safe copy returned with an unexpected exception: %v", info)
	case info.Addr != 0:
		x.safeCopyDetail = fmt.Sprintf("safe copy exception reported with non null address %#x (destination %#x)", info.Addr, to)
	default:
		x.log.Info("safe copy failed as expected")
		x.safeCopy = true
		return
	}
	x.log.Error(x.safeCopyDetail)
}

// raiseToolFaults raises a division by zero, then an invalid memory access
// inside a try region.
func (x *ExceptionTool) raiseToolFaults(tid int) error {
	site := x.divide.Table().Sites()[0]
	resume, err := x.host.RaiseToolFault(tid, proc.IntDivideByZero, site.IP)
	if err != nil {
		return err
	}
	if resume != site.FixIP {
		return fmt.Errorf("tool resumed at %#x after %s, expected %#x", resume, site.Name, site.FixIP)
	}

	site = x.try.Interceptor().Table().Sites()[0]
	x.try.Do(tid, func() {
		resume, err = x.host.RaiseToolFault(tid, proc.InvalidAddress, site.IP)
	})
	if err != nil {
		return err
	}
	if resume != site.FixIP {
		return fmt.Errorf("tool resumed at %#x after %s, expected %#x", resume, site.Name, site.FixIP)
	}
	return nil
}

func (x *ExceptionTool) fini(code int) {
	x.log.Debugf("application exited with code %d", code)
	x.finished = true
}

var errNotFinished = errors.New("application did not exit")

// Report returns the outcome of the four checks. It returns an error if
// the application has not exited yet.
func (x *ExceptionTool) Report() (*Report, error) {
	if !x.finished {
		return nil, errNotFinished
	}
	r := &Report{Tool: "exceptions"}
	r.Add(CheckSafeCopy, x.safeCopy, x.safeCopyDetail)
	r.Add(CheckToolInvalidAccess, x.try.Interceptor().Table().AllObserved(), "tool access invalid address exception was not handled properly")
	r.Add(CheckToolDivideByZero, x.divide.Table().AllObserved(), "tool int div zero exception was not handled properly")
	r.Add(CheckAppDivideByZero, x.skipper.Observed(), "application div zero exception was not handled properly")
	return r, nil
}

// ProcessMemory reads the memory of the current process.
type ProcessMemory struct{}

// SafeCopy implements SafeCopier using fault.SafeCopy.
func (ProcessMemory) SafeCopy(dst []byte, src uint64) (int, *proc.ExceptionInfo) {
	n, err := fault.SafeCopy(dst, uintptr(src))
	if err == nil {
		return n, nil
	}
	return n, exceptionInfo(err)
}

// exceptionInfo converts an error returned by fault.Protect. Errors that
// are not faults have a zero Category.
func exceptionInfo(err error) *proc.ExceptionInfo {
	var segv fault.SegvError
	if errors.As(err, &segv) {
		return &proc.ExceptionInfo{Category: proc.InvalidAddress, Addr: uint64(segv.Addr)}
	}
	var div fault.DivideError
	if errors.As(err, &div) {
		return &proc.ExceptionInfo{Category: proc.IntDivideByZero}
	}
	return &proc.ExceptionInfo{}
}
