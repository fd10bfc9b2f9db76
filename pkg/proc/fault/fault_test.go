package fault

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/go-delve/faultcheck/pkg/proc"
)

func faultAt(tid int, c proc.Category, origin proc.Origin, pc, addr uint64) *proc.FaultEvent {
	return &proc.FaultEvent{
		ThreadID: tid,
		Category: c,
		Origin:   origin,
		Addr:     addr,
		Ctx:      proc.NewMemoryContext(pc, 0x7ffe0000, 16),
	}
}

func TestTableLookup(t *testing.T) {
	tbl := NewTable(proc.IntDivideByZero)
	a, err := tbl.Add("first", 0x1000, 0x2000)
	if err != nil {
		t.Fatal(err)
	}
	b, err := tbl.Add("second", 0x1010, 0x2010)
	if err != nil {
		t.Fatal(err)
	}

	for _, tc := range []struct {
		pc   uint64
		site *Site
	}{
		{0x1000, a},
		{0x1010, b},
		{0x1001, nil},
		{0x0fff, nil},
		{0x2000, nil},
	} {
		site, ok := tbl.Lookup(tc.pc)
		if ok != (tc.site != nil) || site != tc.site {
			t.Errorf("Lookup(%#x) = %v, %v, expected %v", tc.pc, site, ok, tc.site)
		}
	}

	if _, err := tbl.Add("dup", 0x1000, 0x3000); err == nil {
		t.Fatal("duplicate address accepted")
	} else if derr, ok := err.(*DuplicateSiteError); !ok || derr.Existing != "first" {
		t.Fatalf("wrong error %v", err)
	}
	if len(tbl.Sites()) != 2 {
		t.Fatalf("duplicate site was added: %d sites", len(tbl.Sites()))
	}
}

func TestInterceptorScenarios(t *testing.T) {
	for _, tc := range []struct {
		name     string
		pc, addr uint64
		decision proc.Decision
		newPC    uint64
		observed bool
	}{
		{"match", 0x1000, 0x1000, proc.Handled(0x2000), 0x2000, true},
		{"address mismatch", 0x1000, 0x1, proc.Handled(0x2000), 0x2000, false},
		{"unknown site", 0x9999, 0x9999, proc.Unhandled, 0x9999, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tbl := NewTable(proc.IntDivideByZero)
			site, _ := tbl.Add("div", 0x1000, 0x2000)
			in := NewInterceptor(tbl)
			ev := faultAt(1, proc.IntDivideByZero, proc.OriginTool, tc.pc, tc.addr)

			d := in.OnFault(ev)
			if diff := cmp.Diff(tc.decision, d); diff != "" {
				t.Errorf("decision mismatch (-want +got):\n%s", diff)
			}
			if ev.Ctx.PC() != tc.newPC {
				t.Errorf("pc = %#x, expected %#x", ev.Ctx.PC(), tc.newPC)
			}
			if site.Observed() != tc.observed {
				t.Errorf("observed = %v, expected %v", site.Observed(), tc.observed)
			}
			if tbl.AllObserved() != tc.observed {
				t.Errorf("AllObserved = %v, expected %v", tbl.AllObserved(), tc.observed)
			}
		})
	}
}

func TestInterceptorIgnoresOtherFaults(t *testing.T) {
	tbl := NewTable(proc.IntDivideByZero)
	tbl.Add("div", 0x1000, 0x2000)
	in := NewInterceptor(tbl)

	if d := in.OnFault(faultAt(1, proc.InvalidAddress, proc.OriginTool, 0x1000, 0x1000)); d.Handled {
		t.Error("fault of a different category handled")
	}
	if d := in.OnFault(faultAt(1, proc.IntDivideByZero, proc.OriginApplication, 0x1000, 0x1000)); d.Handled {
		t.Error("application fault handled by tool interceptor")
	}
}

func TestInterceptorReadOnlyContext(t *testing.T) {
	tbl := NewTable(proc.IntDivideByZero)
	site, _ := tbl.Add("div", 0x1000, 0x2000)
	ev := faultAt(1, proc.IntDivideByZero, proc.OriginTool, 0x1000, 0x1000)
	ev.Ctx.(*proc.MemoryContext).ReadOnly = true
	if d := NewInterceptor(tbl).OnFault(ev); d.Handled {
		t.Error("fault handled without redirecting the thread")
	}
	if site.Observed() {
		t.Error("site observed without redirecting the thread")
	}
}

func TestTryScope(t *testing.T) {
	tbl := NewTable(proc.InvalidAddress)
	site, _ := tbl.Add("access", 0x5000, 0x5100)
	ts := NewTryScope(tbl)

	if d := ts.OnFault(faultAt(7, proc.InvalidAddress, proc.OriginTool, 0x5000, 0x5000)); d.Handled {
		t.Fatal("fault handled outside of try region")
	}

	var inside proc.Decision
	ts.Do(7, func() {
		if d := ts.OnFault(faultAt(8, proc.InvalidAddress, proc.OriginTool, 0x5000, 0x5000)); d.Handled {
			t.Error("fault on another thread handled")
		}
		inside = ts.OnFault(faultAt(7, proc.InvalidAddress, proc.OriginTool, 0x5000, 0x5000))
	})
	if !inside.Handled || inside.ResumeAt != 0x5100 {
		t.Fatalf("fault inside try region: %v", inside)
	}
	if !site.Observed() {
		t.Error("site not observed")
	}
	if ts.Active(7) {
		t.Error("region still active after Do")
	}

	ts.Start(7)
	ts.Start(7)
	ts.End(7)
	if !ts.Active(7) {
		t.Error("nested region closed by inner End")
	}
	ts.End(7)
	ts.End(7) // unbalanced, ignored
	if ts.Active(7) {
		t.Error("region active after balanced End")
	}
}

func TestChain(t *testing.T) {
	var calls []string
	listener := func(name string, d proc.Decision) proc.FaultListener {
		return proc.FaultListenerFunc(func(ev *proc.FaultEvent) proc.Decision {
			calls = append(calls, name)
			return d
		})
	}
	c := Chain{listener("a", proc.Unhandled), listener("b", proc.Handled(0x10)), listener("c", proc.Handled(0x20))}
	d := c.OnFault(faultAt(1, proc.InvalidAddress, proc.OriginTool, 0, 0))
	if d.ResumeAt != 0x10 {
		t.Errorf("wrong decision %v", d)
	}
	if diff := cmp.Diff([]string{"a", "b"}, calls); diff != "" {
		t.Errorf("call order mismatch (-want +got):\n%s", diff)
	}

	calls = nil
	if d := (Chain{listener("a", proc.Unhandled)}).OnFault(faultAt(1, proc.InvalidAddress, proc.OriginTool, 0, 0)); d.Handled {
		t.Error("unhandled chain handled fault")
	}
}
