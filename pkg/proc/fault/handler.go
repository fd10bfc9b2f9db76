package fault

import (
	"sync"

	"github.com/go-delve/faultcheck/pkg/logflags"
	"github.com/go-delve/faultcheck/pkg/proc"
)

// Interceptor is a FaultListener that absorbs faults raised by the
// harness' own code at the sites of a Table.
type Interceptor struct {
	table *Table
	log   logflags.Logger
}

// NewInterceptor returns an interceptor for the sites of t.
func NewInterceptor(t *Table) *Interceptor {
	return &Interceptor{table: t, log: logflags.FaultLogger().WithField("category", t.Category().String())}
}

// Table returns the table of sites checked by the interceptor.
func (in *Interceptor) Table() *Table {
	return in.table
}

// OnFault implements proc.FaultListener.
//
// A fault at the address of a known site is always handled: the program
// counter of the faulting context is set to the site's fix up address.
// The site is only marked as observed if the exception address reported by
// the host matches the program counter of the faulting instruction.
func (in *Interceptor) OnFault(ev *proc.FaultEvent) proc.Decision {
	if ev.Category != in.table.Category() || ev.Origin != proc.OriginTool {
		return proc.Unhandled
	}
	pc := ev.Ctx.PC()
	site, ok := in.table.Lookup(pc)
	if !ok {
		in.log.Debugf("no site at %#x, forwarding", pc)
		return proc.Unhandled
	}
	in.log.Infof("identified %s exception at %s, resuming at %#x", in.table.Category(), site.Name, site.FixIP)
	if err := ev.Ctx.SetPC(site.FixIP); err != nil {
		in.log.WithThread(ev.ThreadID).WithError(err).Errorf("could not redirect to %#x", site.FixIP)
		return proc.Unhandled
	}
	if ev.Addr != pc {
		in.log.Errorf("exception address %#x does not match ip %#x", ev.Addr, pc)
	} else {
		site.observed = true
	}
	return proc.Handled(site.FixIP)
}

// TryScope delivers faults to an interceptor only while the faulting
// thread is inside a region bracketed by Start and End. Outside of such a
// region every fault propagates.
type TryScope struct {
	in *Interceptor

	mu     sync.Mutex
	active map[int]int
}

// NewTryScope returns a scope that guards the sites of t.
func NewTryScope(t *Table) *TryScope {
	return &TryScope{in: NewInterceptor(t), active: make(map[int]int)}
}

// Interceptor returns the interceptor faults are delivered to inside the
// scope.
func (ts *TryScope) Interceptor() *Interceptor {
	return ts.in
}

// Start opens a region for thread tid. Regions nest.
func (ts *TryScope) Start(tid int) {
	ts.mu.Lock()
	ts.active[tid]++
	ts.mu.Unlock()
}

// End closes the innermost region opened by thread tid.
func (ts *TryScope) End(tid int) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	switch n := ts.active[tid]; n {
	case 0:
		ts.in.log.WithThread(tid).Warn("end of try region without start")
	case 1:
		delete(ts.active, tid)
	default:
		ts.active[tid] = n - 1
	}
}

// Active returns true if thread tid is inside a region.
func (ts *TryScope) Active(tid int) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.active[tid] > 0
}

// Do runs fn inside a region for thread tid.
func (ts *TryScope) Do(tid int, fn func()) {
	ts.Start(tid)
	defer ts.End(tid)
	fn()
}

// OnFault implements proc.FaultListener.
func (ts *TryScope) OnFault(ev *proc.FaultEvent) proc.Decision {
	if !ts.Active(ev.ThreadID) {
		return proc.Unhandled
	}
	return ts.in.OnFault(ev)
}

// Chain delivers a fault to each of its listeners in order, stopping at the
// first one that handles it.
type Chain []proc.FaultListener

// OnFault implements proc.FaultListener.
func (c Chain) OnFault(ev *proc.FaultEvent) proc.Decision {
	for _, l := range c {
		if d := l.OnFault(ev); d.Handled {
			return d
		}
	}
	return proc.Unhandled
}
