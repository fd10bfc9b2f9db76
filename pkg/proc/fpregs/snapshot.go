// Package fpregs implements a byte exact image of the x86 vector register
// file: the legacy 128 bit XMM lanes and the upper 128 bits of the
// corresponding YMM registers.
package fpregs

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	// HalfSize is the size in bytes of one half of a vector register.
	HalfSize = 16
	// RegSize is the size in bytes of a full 256 bit vector register.
	RegSize = 2 * HalfSize

	// NumRegs32 is the number of vector registers visible to 32bit code.
	NumRegs32 = 8
	// NumRegs64 is the number of vector registers visible to 64bit code.
	NumRegs64 = 16
)

// Half selects one of the two 128 bit halves of a vector register.
type Half uint8

const (
	// Legacy is the low 128 bits, the XMM register.
	Legacy Half = iota
	// Upper is the high 128 bits of the YMM register.
	Upper
)

func (h Half) String() string {
	switch h {
	case Legacy:
		return "xmm"
	case Upper:
		return "ymmh"
	}
	return fmt.Sprintf("Half(%d)", uint8(h))
}

// Width is the size in bytes of a sub-lane view of a register half.
type Width uint8

const (
	Byte  Width = 1
	Word  Width = 2
	Dword Width = 4
	Qword Width = 8
)

// Lanes returns how many sub-lanes of width w fit in one register half.
func (w Width) Lanes() int {
	return HalfSize / int(w)
}

// Snapshot is the content of the vector register file of one thread at one
// point in time. The zero value is not usable, use NewSnapshot.
//
// Indices passed to the accessors must be within the register count and
// lane count of the requested width, out of range indices panic.
type Snapshot struct {
	xmm  []byte // legacy halves, 16 bytes per register
	ymmh []byte // upper halves, 16 bytes per register
}

// NewSnapshot returns a zeroed snapshot of n registers.
func NewSnapshot(n int) *Snapshot {
	return &Snapshot{
		xmm:  make([]byte, n*HalfSize),
		ymmh: make([]byte, n*HalfSize),
	}
}

// NumRegs returns the number of registers in the snapshot.
func (s *Snapshot) NumRegs() int {
	return len(s.xmm) / HalfSize
}

func (s *Snapshot) space(h Half) []byte {
	if h == Upper {
		return s.ymmh
	}
	return s.xmm
}

// Lane returns the 16 bytes of half h of register reg. The returned slice
// aliases the snapshot.
func (s *Snapshot) Lane(reg int, h Half) []byte {
	sp := s.space(h)
	return sp[reg*HalfSize : (reg+1)*HalfSize : (reg+1)*HalfSize]
}

// Get returns sub-lane idx of width w of half h of register reg,
// interpreted as a little endian integer.
func (s *Snapshot) Get(reg int, h Half, w Width, idx int) uint64 {
	b := s.Lane(reg, h)[idx*int(w) : (idx+1)*int(w)]
	switch w {
	case Byte:
		return uint64(b[0])
	case Word:
		return uint64(binary.LittleEndian.Uint16(b))
	case Dword:
		return uint64(binary.LittleEndian.Uint32(b))
	case Qword:
		return binary.LittleEndian.Uint64(b)
	}
	panic(fmt.Errorf("unsupported lane width %d", w))
}

// Set writes v, truncated to w bytes, into sub-lane idx of width w of half
// h of register reg.
func (s *Snapshot) Set(reg int, h Half, w Width, idx int, v uint64) {
	b := s.Lane(reg, h)[idx*int(w) : (idx+1)*int(w)]
	switch w {
	case Byte:
		b[0] = uint8(v)
	case Word:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case Dword:
		binary.LittleEndian.PutUint32(b, uint32(v))
	case Qword:
		binary.LittleEndian.PutUint64(b, v)
	default:
		panic(fmt.Errorf("unsupported lane width %d", w))
	}
}

// Reg returns the full 256 bits of register reg, legacy half first.
func (s *Snapshot) Reg(reg int) [RegSize]byte {
	var r [RegSize]byte
	copy(r[:HalfSize], s.Lane(reg, Legacy))
	copy(r[HalfSize:], s.Lane(reg, Upper))
	return r
}

// SetReg replaces the full 256 bits of register reg.
func (s *Snapshot) SetReg(reg int, v [RegSize]byte) {
	copy(s.Lane(reg, Legacy), v[:HalfSize])
	copy(s.Lane(reg, Upper), v[HalfSize:])
}

// Equal reports whether s and other have the same number of registers and
// identical contents in both halves of every register.
func (s *Snapshot) Equal(other *Snapshot) bool {
	return bytes.Equal(s.xmm, other.xmm) && bytes.Equal(s.ymmh, other.ymmh)
}

// Fill sets every byte of both halves of every register to b.
func (s *Snapshot) Fill(b byte) {
	for i := range s.xmm {
		s.xmm[i] = b
	}
	for i := range s.ymmh {
		s.ymmh[i] = b
	}
}

// FillDwords sets every 32bit lane of both halves of every register to v.
func (s *Snapshot) FillDwords(v uint32) {
	for reg := 0; reg < s.NumRegs(); reg++ {
		for _, h := range []Half{Legacy, Upper} {
			for i := 0; i < Dword.Lanes(); i++ {
				s.Set(reg, h, Dword, i, uint64(v))
			}
		}
	}
}

// Clone returns a deep copy of s.
func (s *Snapshot) Clone() *Snapshot {
	r := &Snapshot{
		xmm:  make([]byte, len(s.xmm)),
		ymmh: make([]byte, len(s.ymmh)),
	}
	copy(r.xmm, s.xmm)
	copy(r.ymmh, s.ymmh)
	return r
}

// CopyFrom overwrites the contents of s with the contents of src. Both
// snapshots must have the same number of registers.
func (s *Snapshot) CopyFrom(src *Snapshot) {
	copy(s.xmm, src.xmm)
	copy(s.ymmh, src.ymmh)
}

// Mismatch describes the first byte of a snapshot that differs from an
// expected pattern.
type Mismatch struct {
	Reg    int
	Half   Half
	Offset int
	Got    byte
	Want   byte
}

func (m Mismatch) String() string {
	return fmt.Sprintf("%s%d byte %d is %#02x, expected %#02x", m.Half, m.Reg, m.Offset, m.Got, m.Want)
}

// FindMismatch scans every byte of every lane, legacy half first, and
// returns the first one that is not b.
func (s *Snapshot) FindMismatch(b byte) (Mismatch, bool) {
	for reg := 0; reg < s.NumRegs(); reg++ {
		for _, h := range []Half{Legacy, Upper} {
			for off, got := range s.Lane(reg, h) {
				if got != b {
					return Mismatch{Reg: reg, Half: h, Offset: off, Got: got, Want: b}, true
				}
			}
		}
	}
	return Mismatch{}, false
}
