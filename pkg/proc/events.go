package proc

import "fmt"

// Category is the kind of fault delivered to a FaultListener.
type Category uint8

const (
	// InvalidAddress is an access to unmapped or protected memory.
	InvalidAddress Category = iota + 1
	// IntDivideByZero is an integer division with a zero divisor.
	IntDivideByZero
)

func (c Category) String() string {
	switch c {
	case InvalidAddress:
		return "access invalid address"
	case IntDivideByZero:
		return "int div zero"
	}
	return fmt.Sprintf("Category(%d)", uint8(c))
}

// Origin tells apart faults raised by the harness' own analysis code from
// faults raised by instrumented application code.
type Origin uint8

const (
	OriginTool Origin = iota
	OriginApplication
)

// FaultEvent describes a fault as reported by the host.
type FaultEvent struct {
	ThreadID int
	Category Category
	Origin   Origin
	// Addr is the exception address reported by the host. For a correctly
	// reported fault it is the address of the faulting instruction.
	Addr uint64
	// Ctx is the live context of the faulting thread.
	Ctx Context
}

// Decision is the outcome of delivering a fault to a FaultListener.
type Decision struct {
	Handled bool
	// ResumeAt is the address execution resumes at when Handled is true.
	// The program counter of the event context has already been set to it.
	ResumeAt uint64
}

// Unhandled is the decision of a listener that does not recognize a fault.
var Unhandled = Decision{}

// Handled returns the decision of a listener that absorbed a fault and
// redirected execution to pc.
func Handled(pc uint64) Decision {
	return Decision{Handled: true, ResumeAt: pc}
}

func (d Decision) String() string {
	if !d.Handled {
		return "unhandled"
	}
	return fmt.Sprintf("handled, resume at %#x", d.ResumeAt)
}

// FaultListener is implemented by components that want to intercept faults
// before the application sees them. When OnFault returns a handled
// decision it must already have rewritten the program counter of ev.Ctx.
type FaultListener interface {
	OnFault(ev *FaultEvent) Decision
}

// FaultListenerFunc adapts a function to the FaultListener interface.
type FaultListenerFunc func(ev *FaultEvent) Decision

func (f FaultListenerFunc) OnFault(ev *FaultEvent) Decision { return f(ev) }

// TransitionReason is the cause of a context transition.
type TransitionReason uint8

const (
	ReasonFatalSignal TransitionReason = iota
	ReasonSignal
	ReasonSigReturn
	ReasonAPC
	ReasonException
	ReasonCallback
)

var transitionReasonNames = [...]string{
	ReasonFatalSignal: "fatal signal",
	ReasonSignal:      "signal",
	ReasonSigReturn:   "sigreturn",
	ReasonAPC:         "apc",
	ReasonException:   "exception",
	ReasonCallback:    "callback",
}

func (r TransitionReason) String() string {
	if int(r) < len(transitionReasonNames) {
		return transitionReasonNames[r]
	}
	return fmt.Sprintf("TransitionReason(%d)", uint8(r))
}

// ContextTransitionListener is implemented by components that want to
// observe, and possibly change, the context a thread resumes with after a
// signal delivery, exception or similar transition. from is the context at
// the point of interruption, to is the context execution will resume with
// and may be nil.
type ContextTransitionListener interface {
	OnContextChange(tid int, reason TransitionReason, from, to Context) error
}

// ExceptionInfo describes a fault raised while the host was accessing
// memory on behalf of the harness.
type ExceptionInfo struct {
	Category Category
	// Addr is the address the host reports for the fault.
	Addr uint64
}

func (e *ExceptionInfo) Error() string {
	return fmt.Sprintf("%s exception at %#x", e.Category, e.Addr)
}
