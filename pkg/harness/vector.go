package harness

import (
	"github.com/go-delve/faultcheck/pkg/logflags"
	"github.com/go-delve/faultcheck/pkg/proc"
	"github.com/go-delve/faultcheck/pkg/proc/ctxpatch"
	"github.com/go-delve/faultcheck/pkg/proc/sim"
)

// Names of the checks of the vector tool.
const (
	CheckReplaced    = "replaced function found"
	CheckTransitions = "exception context patched"
	CheckSpillPoint  = "scratch spill point found"
)

// VectorTool sets the vector registers of the application when it calls
// a replaced function and when it receives a signal, and lets the
// application check the values it sees.
type VectorTool struct {
	host   *sim.Host
	target ctxpatch.Target
	log    logflags.Logger

	replacer    *ctxpatch.Replacer
	transitions *ctxpatch.TransitionHandler
	spillPoints int
	finished    bool
	err         error
}

// NewVectorTool returns a vector tool running on h for code targeting t.
// If constContext is set, the host passes replacement functions a read
// only context that the tool copies before changing.
func NewVectorTool(h *sim.Host, t ctxpatch.Target, constContext bool) *VectorTool {
	v := &VectorTool{
		host:     h,
		target:   t,
		log:      logflags.ContextLogger().WithField("tool", "ymm"),
		replacer: ctxpatch.NewReplacer(h),
	}
	v.replacer.ConstContext = constContext
	h.ConstContext = constContext
	return v
}

// Install registers the tool's callbacks with the host.
func (v *VectorTool) Install() {
	v.host.AddImageHook(v.onImage)
	v.host.AddRoutineHook(v.onRoutine)
	v.host.AddContextChangeListener(v)
	v.host.AddFiniHook(func(int) { v.finished = true })
}

func (v *VectorTool) onImage(img *sim.Image) error {
	r, ok := img.FindRoutine("ReplacedYmmRegs")
	if !ok {
		return nil
	}
	v.host.ReplaceRoutine(r, v.replacer.Replace)
	v.log.Infof("found and replaced %s", r.Name)

	if r, ok := img.FindRoutine("ExecutedAtFunc"); ok {
		v.replacer.ExecuteAt = r.Addr
		v.log.Infof("found %s for later execute at", r.Name)
	}
	var dumpAt uint64
	if r, ok := img.FindRoutine("DumpYmmRegsAtException"); ok {
		dumpAt = r.Addr
		v.log.Infof("found %s for later exception", r.Name)
	}
	v.transitions = ctxpatch.NewTransitionHandler(ctxpatch.NewPatcher(v.target), dumpAt)
	return nil
}

func (v *VectorTool) onRoutine(r *sim.Routine) error {
	if len(r.Code) == 0 {
		return nil
	}
	pc, err := ctxpatch.FindSpillPoint(r.Code, r.Addr, v.host.Mode())
	if err != nil {
		return nil
	}
	v.log.Debugf("found fld1 sequence at %#x", pc)
	v.spillPoints++
	r.InsertCallAt(pc, func(ctx proc.Context, tid int) error {
		return ctxpatch.SpillScratch(ctx)
	})
	return nil
}

// OnContextChange implements proc.ContextTransitionListener.
func (v *VectorTool) OnContextChange(tid int, reason proc.TransitionReason, from, to proc.Context) error {
	if v.transitions == nil {
		return nil
	}
	err := v.transitions.OnContextChange(tid, reason, from, to)
	if err != nil && v.err == nil {
		v.err = err
	}
	return err
}

// Report returns the outcome of the tool's checks. The values seen by the
// application are checked by the application itself.
func (v *VectorTool) Report() (*Report, error) {
	if !v.finished {
		return nil, errNotFinished
	}
	r := &Report{Tool: "ymm"}
	r.Add(CheckReplaced, v.transitions != nil, "ReplacedYmmRegs not found")
	patched, detail := false, "no exception or signal transition"
	if v.transitions != nil && v.transitions.Patched() > 0 {
		patched = true
	}
	if v.err != nil {
		patched, detail = false, v.err.Error()
	}
	r.Add(CheckTransitions, patched, detail)
	r.Add(CheckSpillPoint, v.spillPoints > 0, "no fld1 sequence found")
	return r, nil
}
