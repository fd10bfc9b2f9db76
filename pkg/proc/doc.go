// Package proc defines the values an instrumentation host exchanges with
// the fault and context handlers in its subpackages:
// * the CPU context of a stopped thread
// * fault events and the decision taken for them
// * context transitions (signal delivery, exceptions, returns from signal handlers)
//
// Subpackages implement the handlers (fault, ctxpatch, cancel), the vector
// register file (fpregs) and two hosts: an in-memory one (sim) and a
// ptrace based one (native).
package proc
