// Package sim implements an instrumentation host that runs entirely in
// memory.
//
// Applications are made of images and routines. A routine either has a
// Go body or machine code whose faulting instructions are declared up
// front: executing the routine walks its decoded instructions and raises
// the declared faults, which are delivered to the listeners registered by
// the harness exactly as a binary instrumentation host would deliver them.
package sim

import (
	"errors"
	"fmt"

	"github.com/go-delve/faultcheck/pkg/logflags"
	"github.com/go-delve/faultcheck/pkg/proc"
	"github.com/go-delve/faultcheck/pkg/proc/fault"
	"github.com/go-delve/faultcheck/pkg/proc/fpregs"
)

const (
	redZoneSize  = 128
	sigFrameSize = 0x440

	initialSP = 0x7ffe0000
)

// ReplaceFunc is called instead of a replaced routine. original is the
// address of the routine it replaces.
type ReplaceFunc func(ctx proc.Context, tid int, original uint64) error

// UnhandledFaultError is returned when a fault raised by the harness' own
// code is not handled by any listener.
type UnhandledFaultError struct {
	Category proc.Category
	PC       uint64
}

func (err *UnhandledFaultError) Error() string {
	return fmt.Sprintf("unhandled %s exception in tool code at %#x", err.Category, err.PC)
}

// FatalSignalError is returned when a fault raised by application code is
// neither handled by the harness nor by the application.
type FatalSignalError struct {
	Category proc.Category
	PC       uint64
}

func (err *FatalSignalError) Error() string {
	return fmt.Sprintf("application terminated by %s fault at %#x", err.Category, err.PC)
}

var errNoRoutine = errors.New("no routine at address")

// Thread is a thread of the simulated application.
type Thread struct {
	ID  int
	Ctx *proc.MemoryContext
}

type memRegion struct {
	addr uint64
	data []byte
}

// Host is an in-memory instrumentation host.
type Host struct {
	mode    int
	nregs   int
	decoder *fault.RoutineDecoder
	log     logflags.Logger

	images       []*Image
	imageHooks   []func(img *Image) error
	routineHooks []func(r *Routine) error
	finiHooks    []func(code int)

	toolListeners    []proc.FaultListener
	signalListeners  map[proc.Category][]proc.FaultListener
	signalHandlers   map[proc.Category]*Routine
	contextListeners []proc.ContextTransitionListener
	replacements     map[uint64]ReplaceFunc

	memory  []memRegion
	threads map[int]*Thread
	nextTID int
	current *Thread

	// ConstContext makes the host pass a read only context to replacement
	// functions.
	ConstContext bool
	// ReportedAddress, if set, computes the exception address reported
	// for a fault raised by the instruction at pc. By default the address
	// of the instruction is reported.
	ReportedAddress func(c proc.Category, pc uint64) uint64
}

// NewHost returns a host for code running in the given processor mode, 32
// or 64.
func NewHost(mode int) (*Host, error) {
	decoder, err := fault.NewRoutineDecoder(mode, 64)
	if err != nil {
		return nil, err
	}
	nregs := fpregs.NumRegs64
	if mode == 32 {
		nregs = fpregs.NumRegs32
	}
	return &Host{
		mode:            mode,
		nregs:           nregs,
		decoder:         decoder,
		log:             logflags.HostLogger(),
		signalListeners: make(map[proc.Category][]proc.FaultListener),
		signalHandlers:  make(map[proc.Category]*Routine),
		replacements:    make(map[uint64]ReplaceFunc),
		threads:         make(map[int]*Thread),
	}, nil
}

// Mode returns the processor mode of the host.
func (h *Host) Mode() int { return h.mode }

// NumRegs returns the number of vector registers of a thread.
func (h *Host) NumRegs() int { return h.nregs }

// AddImageHook registers fn to be called for every image loaded.
func (h *Host) AddImageHook(fn func(img *Image) error) {
	h.imageHooks = append(h.imageHooks, fn)
}

// AddRoutineHook registers fn to be called for every routine of every
// image loaded.
func (h *Host) AddRoutineHook(fn func(r *Routine) error) {
	h.routineHooks = append(h.routineHooks, fn)
}

// AddFiniHook registers fn to be called when the application exits.
func (h *Host) AddFiniHook(fn func(code int)) {
	h.finiHooks = append(h.finiHooks, fn)
}

// AddFaultListener registers a listener for faults raised by the harness'
// own code, on any thread.
func (h *Host) AddFaultListener(l proc.FaultListener) {
	h.toolListeners = append(h.toolListeners, l)
}

// InterceptSignal registers a listener for faults of category c raised by
// application code. A listener that handles the fault keeps it from
// reaching the application.
func (h *Host) InterceptSignal(c proc.Category, l proc.FaultListener) {
	h.signalListeners[c] = append(h.signalListeners[c], l)
}

// AddContextChangeListener registers a listener for context transitions of
// application threads.
func (h *Host) AddContextChangeListener(l proc.ContextTransitionListener) {
	h.contextListeners = append(h.contextListeners, l)
}

// SetSignalHandler installs r as the application's handler for faults of
// category c.
func (h *Host) SetSignalHandler(c proc.Category, r *Routine) {
	h.signalHandlers[c] = r
}

// ReplaceRoutine arranges for fn to be called instead of r.
func (h *Host) ReplaceRoutine(r *Routine, fn ReplaceFunc) {
	h.replacements[r.Addr] = fn
}

// Map makes data readable at addr.
func (h *Host) Map(addr uint64, data []byte) {
	h.memory = append(h.memory, memRegion{addr: addr, data: data})
}

func (h *Host) readByte(addr uint64) (byte, bool) {
	for _, m := range h.memory {
		if addr >= m.addr && addr-m.addr < uint64(len(m.data)) {
			return m.data[addr-m.addr], true
		}
	}
	return 0, false
}

// SafeCopy copies len(dst) bytes of application memory starting at src
// into dst. It returns the number of bytes copied, and a description of
// the fault if not all of them could be copied. The fault is reported at
// the first address that could not be read.
func (h *Host) SafeCopy(dst []byte, src uint64) (int, *proc.ExceptionInfo) {
	for n := range dst {
		b, ok := h.readByte(src + uint64(n))
		if !ok {
			return n, &proc.ExceptionInfo{Category: proc.InvalidAddress, Addr: src + uint64(n)}
		}
		dst[n] = b
	}
	return len(dst), nil
}

// Load loads img and runs the image and routine hooks on it.
func (h *Host) Load(img *Image) error {
	h.images = append(h.images, img)
	h.log.Debugf("loaded image %s with %d routines", img.Name, len(img.order))
	for _, fn := range h.imageHooks {
		if err := fn(img); err != nil {
			return err
		}
	}
	for _, r := range img.order {
		if len(r.Code) > 0 {
			h.Map(r.Addr, r.Code)
		}
		for _, fn := range h.routineHooks {
			if err := fn(r); err != nil {
				return err
			}
		}
	}
	return nil
}

// FindRoutine looks up a routine by name in every loaded image.
func (h *Host) FindRoutine(name string) (*Routine, bool) {
	for _, img := range h.images {
		if r, ok := img.FindRoutine(name); ok {
			return r, true
		}
	}
	return nil, false
}

func (h *Host) routineAt(pc uint64) (*Routine, bool) {
	for _, img := range h.images {
		if r, ok := img.RoutineAt(pc); ok {
			return r, true
		}
	}
	return nil, false
}

// NewThread creates an application thread with an empty context.
func (h *Host) NewThread() *Thread {
	h.nextTID++
	t := &Thread{ID: h.nextTID, Ctx: proc.NewMemoryContext(0, initialSP, h.nregs)}
	h.threads[t.ID] = t
	return t
}

// Thread returns the thread with the given id.
func (h *Host) Thread(tid int) (*Thread, bool) {
	t, ok := h.threads[tid]
	return t, ok
}

// Exit runs the fini hooks.
func (h *Host) Exit(code int) {
	for _, fn := range h.finiHooks {
		fn(code)
	}
}

// Run loads img, calls the named routines of it in order on a new thread
// and exits. The exit code is 0 if every call returned without error.
func (h *Host) Run(img *Image, entries ...string) error {
	if err := h.Load(img); err != nil {
		return err
	}
	t := h.NewThread()
	var err error
	for _, name := range entries {
		if err = h.Call(t, name); err != nil {
			break
		}
	}
	code := 0
	if err != nil {
		code = 1
	}
	h.Exit(code)
	return err
}

// Call calls the routine called name on thread t.
func (h *Host) Call(t *Thread, name string) error {
	r, ok := h.FindRoutine(name)
	if !ok {
		return fmt.Errorf("routine %s not found", name)
	}
	return h.call(t, r)
}

func (h *Host) call(t *Thread, r *Routine) error {
	if fn, replaced := h.replacements[r.Addr]; replaced {
		h.log.WithThread(t.ID).Debugf("calling replacement of %s", r.Name)
		var ctx proc.Context = t.Ctx
		if h.ConstContext {
			c, _ := t.Ctx.Copy()
			c.(*proc.MemoryContext).ReadOnly = true
			ctx = c
		}
		prev := h.current
		h.current = t
		err := fn(ctx, t.ID, r.Addr)
		h.current = prev
		if err != nil {
			return err
		}
	} else if err := h.execute(t, r); err != nil {
		return err
	}
	for _, fn := range r.after {
		if err := fn(t); err != nil {
			return err
		}
	}
	return nil
}

// execute runs r on t, ignoring replacements.
func (h *Host) execute(t *Thread, r *Routine) error {
	t.Ctx.Regs.PC = r.Addr
	if r.Body != nil {
		return r.Body(h, t)
	}
	addrs, err := h.decoder.Decode(r.Addr, r.Code)
	if err != nil {
		return err
	}
	for i := 0; i < len(addrs); {
		pc := addrs[i]
		t.Ctx.Regs.PC = pc
		c, faults := r.Faults[pc]
		if !faults {
			if err := h.analysis(t, r, pc); err != nil {
				return err
			}
			i++
			continue
		}
		if err := h.Fault(t, c); err != nil {
			return err
		}
		next := indexOf(addrs, t.Ctx.PC())
		if next <= i {
			return fmt.Errorf("thread %d resumed at %#x after fault at %#x", t.ID, t.Ctx.PC(), pc)
		}
		i = next
	}
	return nil
}

func (h *Host) analysis(t *Thread, r *Routine, pc uint64) error {
	for _, fn := range r.at[pc] {
		spill, _ := t.Ctx.Copy()
		if err := fn(spill, t.ID); err != nil {
			return err
		}
	}
	return nil
}

func indexOf(addrs []uint64, pc uint64) int {
	for i := range addrs {
		if addrs[i] == pc {
			return i
		}
	}
	return -1
}

func (h *Host) reported(c proc.Category, pc uint64) uint64 {
	if h.ReportedAddress != nil {
		return h.ReportedAddress(c, pc)
	}
	return pc
}

// RaiseToolFault simulates a fault of category c raised by the harness'
// own code at pc while running on thread tid. It returns the address the
// harness code resumes at.
func (h *Host) RaiseToolFault(tid int, c proc.Category, pc uint64) (uint64, error) {
	ev := &proc.FaultEvent{
		ThreadID: tid,
		Category: c,
		Origin:   proc.OriginTool,
		Addr:     h.reported(c, pc),
		Ctx:      proc.NewMemoryContext(pc, initialSP, h.nregs),
	}
	h.log.WithThread(tid).WithAddr("pc", pc).Debugf("%s in tool code", c)
	if d := fault.Chain(h.toolListeners).OnFault(ev); d.Handled {
		return ev.Ctx.PC(), nil
	}
	return 0, &UnhandledFaultError{Category: c, PC: pc}
}

// Fault raises a fault of category c at the current program counter of
// application thread t. The fault is first offered to the listeners
// registered with InterceptSignal, then delivered to the application's
// signal handler. When the signal handler returns the thread resumes at
// the instruction that follows the faulting one.
func (h *Host) Fault(t *Thread, c proc.Category) error {
	pc := t.Ctx.PC()
	ev := &proc.FaultEvent{
		ThreadID: t.ID,
		Category: c,
		Origin:   proc.OriginApplication,
		Addr:     h.reported(c, pc),
		Ctx:      t.Ctx,
	}
	h.log.WithThread(t.ID).WithAddr("pc", pc).Debugf("%s in application code", c)
	if d := fault.Chain(h.signalListeners[c]).OnFault(ev); d.Handled {
		return nil
	}

	from, _ := t.Ctx.Copy()
	from.(*proc.MemoryContext).ReadOnly = true

	handler, ok := h.signalHandlers[c]
	if !ok {
		if err := h.transition(t.ID, proc.ReasonFatalSignal, from, nil); err != nil {
			return err
		}
		return &FatalSignalError{Category: c, PC: pc}
	}

	to, _ := t.Ctx.Copy()
	toCtx := to.(*proc.MemoryContext)
	toCtx.Regs.PC = handler.Addr
	toCtx.Regs.SP = ((t.Ctx.SP() - redZoneSize - sigFrameSize) &^ 15) - 8
	if err := h.transition(t.ID, proc.ReasonSignal, from, toCtx); err != nil {
		return err
	}

	saved := t.Ctx
	t.Ctx = toCtx
	r, ok := h.routineAt(toCtx.PC())
	if !ok {
		t.Ctx = saved
		return fmt.Errorf("%w %#x", errNoRoutine, toCtx.PC())
	}
	err := h.callAt(t, r)
	t.Ctx = saved
	if err != nil {
		return err
	}

	next, err := h.nextInstruction(pc)
	if err != nil {
		return err
	}
	if err := h.transition(t.ID, proc.ReasonSigReturn, t.Ctx, nil); err != nil {
		return err
	}
	t.Ctx.Regs.PC = next
	return nil
}

// callAt runs r starting from the current context of t, which must point
// at the entry of r.
func (h *Host) callAt(t *Thread, r *Routine) error {
	if r.Body == nil && t.Ctx.PC() != r.Addr {
		return fmt.Errorf("can not resume in the middle of %s at %#x", r.Name, t.Ctx.PC())
	}
	return h.execute(t, r)
}

func (h *Host) nextInstruction(pc uint64) (uint64, error) {
	r, ok := h.routineAt(pc)
	if !ok {
		return 0, fmt.Errorf("%w %#x", errNoRoutine, pc)
	}
	if r.Body != nil {
		return pc, nil
	}
	addrs, err := h.decoder.Decode(r.Addr, r.Code)
	if err != nil {
		return 0, err
	}
	i := indexOf(addrs, pc)
	if i < 0 || i+1 >= len(addrs) {
		return 0, fmt.Errorf("no instruction after %#x in %s", pc, r.Name)
	}
	return addrs[i+1], nil
}

func (h *Host) transition(tid int, reason proc.TransitionReason, from, to proc.Context) error {
	for _, l := range h.contextListeners {
		if err := l.OnContextChange(tid, reason, from, to); err != nil {
			return err
		}
	}
	return nil
}

// CallApplicationFunction runs the routine at fn on thread tid with a copy
// of ctx, ignoring any replacement of the routine. The thread's context is
// restored when the routine returns.
func (h *Host) CallApplicationFunction(ctx proc.Context, tid int, fn uint64) error {
	t, ok := h.threads[tid]
	if !ok {
		return fmt.Errorf("no thread %d", tid)
	}
	r, ok := h.routineAt(fn)
	if !ok {
		return fmt.Errorf("%w %#x", errNoRoutine, fn)
	}
	mctx, err := proc.ToMemoryContext(ctx)
	if err != nil {
		return err
	}
	saved := t.Ctx
	t.Ctx = mctx
	defer func() { t.Ctx = saved }()
	return h.execute(t, r)
}

// ExecuteAt resumes the thread currently running a replacement with ctx.
// The routine at the program counter of ctx runs and returns to the
// caller of the replaced routine.
func (h *Host) ExecuteAt(ctx proc.Context) error {
	t := h.current
	if t == nil {
		return errors.New("ExecuteAt called outside of a replacement")
	}
	r, ok := h.routineAt(ctx.PC())
	if !ok {
		return fmt.Errorf("%w %#x", errNoRoutine, ctx.PC())
	}
	mctx, err := proc.ToMemoryContext(ctx)
	if err != nil {
		return err
	}
	t.Ctx = mctx
	return h.callAt(t, r)
}
