package fpregs

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	_FXSAVE_XMM_START = 160

	_XSAVE_HEADER_START          = 512
	_XSAVE_HEADER_LEN            = 64
	_XSAVE_EXTENDED_REGION_START = 576

	_XSTATE_BV_SSE = 1 << 1
	_XSTATE_BV_AVX = 1 << 2
)

// MaxXsaveSize is the largest XSAVE area known, used when the processor
// can not be asked.
const MaxXsaveSize = 2969

// XsaveSize is the smallest XSAVE area that can hold the legacy region, the
// XSAVE header and the AVX upper halves.
const XsaveSize = _XSAVE_EXTENDED_REGION_START + NumRegs64*HalfSize

var errXsaveTooShort = errors.New("xsave area too short")

// ErrCompactedXsave is returned when an XSAVE area uses the compacted format.
var ErrCompactedXsave = errors.New("compacted xsave format not supported")

// DecodeXsave reads the XMM registers and, if present, the upper YMM
// halves of the first n registers out of a raw XSAVE area.
// See Section 13.1 (and following) of Intel® 64 and IA-32 Architectures
// Software Developer’s Manual, Volume 1: Basic Architecture.
//
// The second return value reports whether the area contained AVX state, if
// it did not the upper halves of the returned snapshot are zero.
func DecodeXsave(xstateargs []byte, n int) (*Snapshot, bool, error) {
	if _XSAVE_HEADER_START+_XSAVE_HEADER_LEN > len(xstateargs) {
		return nil, false, errXsaveTooShort
	}
	s := NewSnapshot(n)
	copy(s.xmm, xstateargs[_FXSAVE_XMM_START:_FXSAVE_XMM_START+n*HalfSize])

	xsaveheader := xstateargs[_XSAVE_HEADER_START : _XSAVE_HEADER_START+_XSAVE_HEADER_LEN]
	xstate_bv := binary.LittleEndian.Uint64(xsaveheader[0:8])
	xcomp_bv := binary.LittleEndian.Uint64(xsaveheader[8:16])

	if xcomp_bv&(1<<63) != 0 {
		return nil, false, ErrCompactedXsave
	}

	if xstate_bv&_XSTATE_BV_AVX == 0 {
		// AVX state not present
		return s, false, nil
	}

	if _XSAVE_EXTENDED_REGION_START+n*HalfSize > len(xstateargs) {
		return nil, false, fmt.Errorf("%w: %d bytes for %d registers", errXsaveTooShort, len(xstateargs), n)
	}
	copy(s.ymmh, xstateargs[_XSAVE_EXTENDED_REGION_START:])
	return s, true, nil
}

// EncodeXsave writes s into the raw XSAVE area xstateargs, marking SSE and
// AVX state as present in the XSAVE header. Everything else in the area is
// left untouched.
func EncodeXsave(xstateargs []byte, s *Snapshot) error {
	if _XSAVE_EXTENDED_REGION_START+len(s.ymmh) > len(xstateargs) {
		return errXsaveTooShort
	}
	xsaveheader := xstateargs[_XSAVE_HEADER_START : _XSAVE_HEADER_START+_XSAVE_HEADER_LEN]
	if binary.LittleEndian.Uint64(xsaveheader[8:16])&(1<<63) != 0 {
		return ErrCompactedXsave
	}
	copy(xstateargs[_FXSAVE_XMM_START:], s.xmm)
	copy(xstateargs[_XSAVE_EXTENDED_REGION_START:], s.ymmh)
	xstate_bv := binary.LittleEndian.Uint64(xsaveheader[0:8])
	binary.LittleEndian.PutUint64(xsaveheader[0:8], xstate_bv|_XSTATE_BV_SSE|_XSTATE_BV_AVX)
	return nil
}
