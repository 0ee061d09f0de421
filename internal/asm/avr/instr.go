package avr

import (
	"math/bits"
	"strconv"
	"strings"
)

// Register numbers with fixed roles.
const (
	R0  = 0 // MUL low, scratch
	R1  = 1 // MUL high, scratch
	XL  = 26
	XH  = 27
	YL  = 28
	YH  = 29
	ZL  = 30
	ZH  = 31
	Reg = 32 // register file size
)

// I/O addresses (I/O space, not data space).
const (
	IOSPL  = 0x3D
	IOSPH  = 0x3E
	IOSREG = 0x3F
)

// RegSet is a bitset over r0..r31.
type RegSet uint32

func Regs(regs ...uint8) RegSet {
	var s RegSet
	for _, r := range regs {
		s |= 1 << r
	}
	return s
}

// RegRange returns the set {lo, lo+1, ..., lo+n-1}.
func RegRange(lo uint8, n int) RegSet {
	var s RegSet
	for i := 0; i < n; i++ {
		s |= 1 << (lo + uint8(i))
	}
	return s
}

func (s RegSet) Has(r uint8) bool { return s&(1<<r) != 0 }
func (s RegSet) Count() int { return bits.OnesCount32(uint32(s)) }
func (s RegSet) Empty() bool { return s == 0 }

// Each calls fn for every register in ascending order.
func (s RegSet) Each(fn func(r uint8)) {
	for s != 0 {
		r := uint8(bits.TrailingZeros32(uint32(s)))
		fn(r)
		s &^= 1 << r
	}
}

func (s RegSet) String() string {
	var parts []string
	s.Each(func(r uint8) { parts = append(parts, RegName(r)) })
	return "{" + strings.Join(parts, ",") + "}"
}

var (
	// ScratchRegs are never allocated and may be clobbered by any sequence.
	ScratchRegs = Regs(R0, R1, XL, XH, ZL, ZH)
	// UpperRegs accept immediate-operand instructions.
	UpperRegs = RegRange(16, 16)
	// RuntimeClobber is destroyed by calls into runtime routines.
	RuntimeClobber = RegRange(18, 8)
)

// Effect summarizes the non-register effects of an instruction.
type Effect uint16

const (
	ReadsStack Effect = 1 << iota
	WritesStack
	ReadsMem
	WritesMem
	ReadsZ
	ReadsC
	ReadsS // N, V and S
	WritesZ
	WritesC
	WritesS
	MustKeep      // never removed by the optimizer
	UpperOnly     // destination must be r16..r31
	DestroysExtra // writes registers beyond its named operands
)

const (
	FlagsRead    = ReadsZ | ReadsC | ReadsS
	FlagsWritten = WritesZ | WritesC | WritesS
)

func (e Effect) Has(f Effect) bool { return e&f == f }
func (e Effect) Any(f Effect) bool { return e&f != 0 }

// FlagReadsToWrites maps read flag bits onto the matching write bits.
func FlagReadsToWrites(e Effect) Effect {
	return (e & FlagsRead) << 3
}

// Ref indexes an instruction in a Stream arena.
type Ref int32

const NoRef Ref = -1

// Instruction is one record of a Stream. Operand roles depend on Kind:
//
//	two-register forms   Reg0 = Rd, Reg1 = Rr
//	immediate forms      Reg0 = Rd, Imm = K
//	displacement forms   Reg0 = Rd or Rr, Imm = q
//	SBI/CBI              Imm = A, Reg1 = bit
//	SBRC/SBRS            Reg0 = Rr, Reg1 = bit
//	jumps and calls      Target, Imm = encoded displacement or address
//	CALL to a symbol     Sym, Aux = argument bytes, Clobber
//	Alloc/Free markers   Mask
type Instruction struct {
	Kind   Kind
	Reg0   uint8
	Reg1   uint8
	Cond   Cond
	Imm    int32
	Aux    int32
	Target Ref
	Base   Ref
	Sym    string
	Raw    []byte
	Mask   RegSet

	// Clobber lists registers a call destroys in addition to the scratch set.
	Clobber RegSet
	// Keep pins the instruction against removal. Address-taken anchors set it.
	Keep bool
	// Header places a code reference inside a fixed-size header slot.
	Header bool
	// NoReturn marks a call that never returns to the next instruction.
	NoReturn bool
	// Comment is carried into listings.
	Comment string

	Size   int
	Seq    int
	Offset int

	// Derived by Classify.
	Read    RegSet
	Write   RegSet
	Effects Effect

	prev, next Ref
	linked     bool
}

// Linked reports whether the instruction is part of its stream's sequence.
func (ins *Instruction) Linked() bool { return ins.linked }

// Terminal reports whether control never falls through ins.
func (ins *Instruction) Terminal() bool {
	return ins.Kind.EndsFlow() || ins.NoReturn
}

// Real reports whether the instruction occupies code space.
func (ins *Instruction) Real() bool { return !ins.Kind.IsMarker() }

// defaultSize is the encoded size of an instruction before fixup grows it.
func defaultSize(ins *Instruction) int {
	switch ins.Kind {
	case KindNone, KindAnchor, KindAlloc, KindFree:
		return 0
	case KindRaw:
		return len(ins.Raw)
	case KindLDS, KindSTS, KindJMP, KindCALL, KindLoadAddr:
		return 4
	case KindPatchedAdd:
		if ins.Size == 4 {
			return 4
		}
		return 2
	}
	return 2
}

// IsTwoWord reports whether an encoded instruction word starts a 32-bit
// instruction (LDS, STS, JMP, CALL).
func IsTwoWord(w uint16) bool {
	return w&0xFC0F == 0x9000 || w&0xFE0C == 0x940C
}

func RegName(r uint8) string {
	return "r" + strconv.Itoa(int(r))
}
