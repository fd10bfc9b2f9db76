package fpregs

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Register represents one register half of a snapshot, formatted for
// diagnostic output.
type Register struct {
	Name  string
	Bytes []byte
	Value string
}

// Decode returns the contents of s as a list of name/value pairs, XMMn
// followed by the upper half YMMHn for every register.
func (s *Snapshot) Decode() []Register {
	var regs []Register
	for i := 0; i < s.NumRegs(); i++ {
		regs = appendVecReg(regs, fmt.Sprintf("XMM%d", i), s.Lane(i, Legacy))
		regs = appendVecReg(regs, fmt.Sprintf("YMMH%d", i), s.Lane(i, Upper))
	}
	return regs
}

// String returns a multi line dump of every register in s.
func (s *Snapshot) String() string {
	var buf bytes.Buffer
	for _, reg := range s.Decode() {
		fmt.Fprintf(&buf, "%-6s %s\n", reg.Name, reg.Value)
	}
	return buf.String()
}

func appendVecReg(regs []Register, name string, lane []byte) []Register {
	var out bytes.Buffer

	fmt.Fprintf(&out, "%#x", reverse(lane))

	var v4 [4]uint32
	for i := range v4 {
		v4[i] = binary.LittleEndian.Uint32(lane[i*4:])
	}
	fmt.Fprintf(&out, "\tv4_int={ %08x %08x %08x %08x }", v4[0], v4[1], v4[2], v4[3])

	var v2 [2]uint64
	for i := range v2 {
		v2[i] = binary.LittleEndian.Uint64(lane[i*8:])
	}
	fmt.Fprintf(&out, "\tv2_int={ %016x %016x }", v2[0], v2[1])

	b := make([]byte, len(lane))
	copy(b, lane)
	return append(regs, Register{name, b, out.String()})
}

// reverse returns lane in most significant byte first order.
func reverse(lane []byte) []byte {
	r := make([]byte, len(lane))
	for i := range lane {
		r[len(lane)-1-i] = lane[i]
	}
	return r
}
