package sim

import (
	"fmt"

	"github.com/go-delve/faultcheck/pkg/proc"
	"github.com/go-delve/faultcheck/pkg/proc/fpregs"
)

const appBase = 0x401000

// DivideRoutine is the machine code of a routine that divides by zero:
//
//	mov eax, 1
//	xor ecx, ecx
//	cdq
//	idiv ecx
//	ret
var DivideRoutine = []byte{
	0xb8, 0x01, 0x00, 0x00, 0x00,
	0x31, 0xc9,
	0x99,
	0xf7, 0xf9,
	0xc3,
}

// DivideOffset is the offset of the faulting instruction in DivideRoutine.
const DivideOffset = 8

var ret = []byte{0xc3}

// ExceptionEntries are the routines of the exception application, in the
// order the application calls them.
var ExceptionEntries = []string{"pinException", "toolException", "appException"}

// NewExceptionApp returns the image of an application made of three
// routines: two that do nothing and one that divides by zero.
func NewExceptionApp() *Image {
	img := NewImage("exception-app")
	img.MustAddRoutine(&Routine{Name: "pinException", Addr: appBase, Code: ret})
	img.MustAddRoutine(&Routine{Name: "toolException", Addr: appBase + 0x10, Code: ret})
	img.MustAddRoutine(&Routine{
		Name:   "appException",
		Addr:   appBase + 0x20,
		Code:   DivideRoutine,
		Faults: map[uint64]proc.Category{appBase + 0x20 + DivideOffset: proc.IntDivideByZero},
	})
	return img
}

// VectorApp is an application that checks the content of its vector
// registers after the harness changed them.
type VectorApp struct {
	Image *Image

	// HandlerRan is set if the application's own signal handler ran.
	HandlerRan bool
	// ExceptionChecked is set when the registers seen after the exception
	// were the expected ones.
	ExceptionChecked bool
	// ReplacedChecked is set when the registers seen by the replaced
	// function were the expected ones.
	ReplacedChecked bool
	// ExecutedAtChecked is set when the registers seen at the alternate
	// entry point were the expected ones.
	ExecutedAtChecked bool
	// ScratchPreserved is set when the legacy vector registers were not
	// changed by calls inserted in the application.
	ScratchPreserved bool
	// ExceptionSP is the stack pointer execution resumed with after the
	// exception.
	ExceptionSP uint64
}

const (
	vectorBeforeException byte   = 0xa5
	vectorAfterException  byte   = 0x5a
	vectorReplaced        uint32 = 0xacdcacdc
	vectorExecutedAt      uint32 = 0xdeadbeef

	scratchPattern = 0x1234567812345678
)

// VectorEntries are the routines of the vector application, in the order
// the application calls them.
var VectorEntries = []string{"InstallHandler", "FldSequence", "CheckScratch", "ReplacedYmmRegs", "RaiseWithYmm"}

// FldSequence is the machine code of a routine that fills three slots of
// the x87 stack:
//
//	nop
//	fld1
//	fld1
//	fld1
//	ret
var FldSequence = []byte{0x90, 0xd9, 0xe8, 0xd9, 0xe8, 0xd9, 0xe8, 0xc3}

// NewVectorApp returns the vector application.
func NewVectorApp() *VectorApp {
	app := &VectorApp{Image: NewImage("vector-app")}
	addr := uint64(appBase)
	add := func(name string, body func(h *Host, t *Thread) error) *Routine {
		r := &Routine{Name: name, Addr: addr, Body: body}
		app.Image.MustAddRoutine(r)
		addr += 0x100
		return r
	}

	app.Image.MustAddRoutine(&Routine{Name: "FldSequence", Addr: addr, Code: FldSequence})
	addr += 0x100
	add("CheckScratch", func(h *Host, t *Thread) error {
		for reg := 0; reg < t.Ctx.FP.NumRegs(); reg++ {
			if t.Ctx.FP.Get(reg, fpregs.Legacy, fpregs.Qword, 0) == scratchPattern {
				return fmt.Errorf("xmm%d changed by inserted call", reg)
			}
		}
		app.ScratchPreserved = true
		return nil
	})
	handler := add("SignalHandler", func(h *Host, t *Thread) error {
		app.HandlerRan = true
		return nil
	})
	add("InstallHandler", func(h *Host, t *Thread) error {
		h.SetSignalHandler(proc.InvalidAddress, handler)
		return nil
	})
	add("RaiseWithYmm", func(h *Host, t *Thread) error {
		t.Ctx.FP.Fill(vectorBeforeException)
		return h.Fault(t, proc.InvalidAddress)
	})
	add("DumpYmmRegsAtException", func(h *Host, t *Thread) error {
		app.ExceptionSP = t.Ctx.SP()
		if m, bad := t.Ctx.FP.FindMismatch(vectorAfterException); bad {
			return fmt.Errorf("registers after exception: %s", m)
		}
		app.ExceptionChecked = true
		return nil
	})
	add("ReplacedYmmRegs", func(h *Host, t *Thread) error {
		if err := checkDwords(t.Ctx.FP, vectorReplaced); err != nil {
			return fmt.Errorf("registers in replaced function: %v", err)
		}
		app.ReplacedChecked = true
		return nil
	})
	add("ExecutedAtFunc", func(h *Host, t *Thread) error {
		if err := checkDwords(t.Ctx.FP, vectorExecutedAt); err != nil {
			return fmt.Errorf("registers at alternate entry point: %v", err)
		}
		app.ExecutedAtChecked = true
		return nil
	})
	return app
}

func checkDwords(s *fpregs.Snapshot, v uint32) error {
	for reg := 0; reg < s.NumRegs(); reg++ {
		for _, h := range []fpregs.Half{fpregs.Legacy, fpregs.Upper} {
			for i := 0; i < fpregs.Dword.Lanes(); i++ {
				if got := uint32(s.Get(reg, h, fpregs.Dword, i)); got != v {
					return fmt.Errorf("%s%d dword %d is %#x, expected %#x", h, reg, i, got, v)
				}
			}
		}
	}
	return nil
}
