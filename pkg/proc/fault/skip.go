package fault

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/arch/x86/x86asm"

	"github.com/go-delve/faultcheck/pkg/logflags"
	"github.com/go-delve/faultcheck/pkg/proc"
)

// Skipper absorbs faults raised by instrumented application code by
// resuming execution at the instruction that follows the faulting one.
// The candidate instructions are recorded ahead of time, typically by
// decoding the routine that is expected to fault.
type Skipper struct {
	category proc.Category
	insns    []uint64
	observed bool
	log      logflags.Logger
}

// NewSkipper returns a skipper for application faults of category c.
func NewSkipper(c proc.Category) *Skipper {
	return &Skipper{category: c, log: logflags.FaultLogger().WithField("origin", "application")}
}

// Record appends instruction addresses, in execution order, to the list
// of instructions the skipper knows about.
func (s *Skipper) Record(addrs ...uint64) {
	s.insns = append(s.insns, addrs...)
}

// Instructions returns the recorded instruction addresses.
func (s *Skipper) Instructions() []uint64 {
	return s.insns
}

// Observed returns true if a fault was skipped and the exception address
// reported for it matched the faulting instruction.
func (s *Skipper) Observed() bool {
	return s.observed
}

// OnFault implements proc.FaultListener.
func (s *Skipper) OnFault(ev *proc.FaultEvent) proc.Decision {
	if ev.Category != s.category || ev.Origin != proc.OriginApplication {
		return proc.Unhandled
	}
	pc := ev.Ctx.PC()
	for i, addr := range s.insns {
		if addr != pc {
			continue
		}
		if i+1 >= len(s.insns) {
			s.log.Errorf("faulting instruction %#x is the last recorded instruction, can not skip it", pc)
			return proc.Unhandled
		}
		next := s.insns[i+1]
		s.log.Infof("identified %s instruction in the application at %#x, resuming at %#x", s.category, pc, next)
		if err := ev.Ctx.SetPC(next); err != nil {
			s.log.WithThread(ev.ThreadID).WithError(err).Errorf("could not redirect to %#x", next)
			return proc.Unhandled
		}
		if ev.Addr == pc {
			s.observed = true
		} else {
			s.log.Errorf("exception address %#x does not match ip %#x", ev.Addr, pc)
		}
		return proc.Handled(next)
	}
	return proc.Unhandled
}

// DecodeRoutine decodes the machine code of a routine loaded at base and
// returns the address of every instruction in it. Mode is the processor
// mode, 32 or 64.
func DecodeRoutine(code []byte, base uint64, mode int) ([]uint64, error) {
	var addrs []uint64
	for off := 0; off < len(code); {
		inst, err := x86asm.Decode(code[off:], mode)
		if err != nil {
			return addrs, fmt.Errorf("could not decode instruction at %#x: %v", base+uint64(off), err)
		}
		if inst.Op == 0 {
			return addrs, fmt.Errorf("could not decode instruction at %#x: truncated", base+uint64(off))
		}
		addrs = append(addrs, base+uint64(off))
		off += inst.Len
	}
	return addrs, nil
}

// RoutineDecoder decodes routines with DecodeRoutine and remembers the
// result for the most recently used routines.
type RoutineDecoder struct {
	mode  int
	cache *lru.Cache
}

// NewRoutineDecoder returns a decoder for the given processor mode that
// remembers up to size routines.
func NewRoutineDecoder(mode, size int) (*RoutineDecoder, error) {
	if mode != 32 && mode != 64 {
		return nil, fmt.Errorf("unsupported processor mode %d", mode)
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &RoutineDecoder{mode: mode, cache: cache}, nil
}

// Decode returns the instruction addresses of the routine at base.
func (d *RoutineDecoder) Decode(base uint64, code []byte) ([]uint64, error) {
	if v, ok := d.cache.Get(base); ok {
		return v.([]uint64), nil
	}
	addrs, err := DecodeRoutine(code, base, d.mode)
	if err != nil {
		return nil, err
	}
	d.cache.Add(base, addrs)
	return addrs, nil
}
