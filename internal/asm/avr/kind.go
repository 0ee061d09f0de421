package avr

import "fmt"

// Kind identifies an instruction form. Pseudo kinds expand to one or more
// machine instructions at encode time.
type Kind uint8

const (
	KindNone   Kind = iota // neutralized, zero size
	KindAnchor             // zero-size position marker and jump target
	KindRaw                // opaque inline bytes
	KindAlloc              // register lifetime begins
	KindFree               // register lifetime ends

	KindNOP
	KindMOV
	KindMOVW
	KindLDI

	KindADD
	KindADC
	KindSUB
	KindSBC
	KindAND
	KindOR
	KindEOR
	KindCP
	KindCPC
	KindCPSE

	KindSUBI
	KindSBCI
	KindANDI
	KindORI
	KindCPI

	KindADIW
	KindSBIW

	KindCOM
	KindNEG
	KindINC
	KindDEC
	KindLSR
	KindROR
	KindASR
	KindSWAP
	KindTST

	KindMUL
	KindMULS

	KindCLC
	KindSEC

	KindLDX    // LD Rd, X
	KindLDXInc // LD Rd, X+
	KindLDXDec // LD Rd, -X
	KindSTX    // ST X, Rr
	KindSTXInc // ST X+, Rr
	KindSTXDec // ST -X, Rr
	KindLDDY   // LDD Rd, Y+q
	KindLDDZ   // LDD Rd, Z+q
	KindSTDY   // STD Y+q, Rr
	KindSTDZ   // STD Z+q, Rr
	KindLDS
	KindSTS

	KindPUSH
	KindPOP
	KindIN
	KindOUT
	KindSBI
	KindCBI
	KindSBRC
	KindSBRS

	KindRJMP
	KindJMP
	KindRCALL
	KindCALL
	KindICALL
	KindIJMP
	KindRET
	KindRETI
	KindBranch

	KindLoadAddr   // LDI lo; LDI hi with a pointer relocation
	KindPatchedAdd // Z += (Target - Base) in words, ADIW or SUBI/SBCI

	kindCount
)

var kindNames = [kindCount]string{
	KindNone:       "none",
	KindAnchor:     "anchor",
	KindRaw:        ".byte",
	KindAlloc:      "alloc",
	KindFree:       "free",
	KindNOP:        "nop",
	KindMOV:        "mov",
	KindMOVW:       "movw",
	KindLDI:        "ldi",
	KindADD:        "add",
	KindADC:        "adc",
	KindSUB:        "sub",
	KindSBC:        "sbc",
	KindAND:        "and",
	KindOR:         "or",
	KindEOR:        "eor",
	KindCP:         "cp",
	KindCPC:        "cpc",
	KindCPSE:       "cpse",
	KindSUBI:       "subi",
	KindSBCI:       "sbci",
	KindANDI:       "andi",
	KindORI:        "ori",
	KindCPI:        "cpi",
	KindADIW:       "adiw",
	KindSBIW:       "sbiw",
	KindCOM:        "com",
	KindNEG:        "neg",
	KindINC:        "inc",
	KindDEC:        "dec",
	KindLSR:        "lsr",
	KindROR:        "ror",
	KindASR:        "asr",
	KindSWAP:       "swap",
	KindTST:        "tst",
	KindMUL:        "mul",
	KindMULS:       "muls",
	KindCLC:        "clc",
	KindSEC:        "sec",
	KindLDX:        "ld",
	KindLDXInc:     "ld",
	KindLDXDec:     "ld",
	KindSTX:        "st",
	KindSTXInc:     "st",
	KindSTXDec:     "st",
	KindLDDY:       "ldd",
	KindLDDZ:       "ldd",
	KindSTDY:       "std",
	KindSTDZ:       "std",
	KindLDS:        "lds",
	KindSTS:        "sts",
	KindPUSH:       "push",
	KindPOP:        "pop",
	KindIN:         "in",
	KindOUT:        "out",
	KindSBI:        "sbi",
	KindCBI:        "cbi",
	KindSBRC:       "sbrc",
	KindSBRS:       "sbrs",
	KindRJMP:       "rjmp",
	KindJMP:        "jmp",
	KindRCALL:      "rcall",
	KindCALL:       "call",
	KindICALL:      "icall",
	KindIJMP:       "ijmp",
	KindRET:        "ret",
	KindRETI:       "reti",
	KindBranch:     "br",
	KindLoadAddr:   "ldi.addr",
	KindPatchedAdd: "add.patched",
}

func (k Kind) String() string {
	if k < kindCount {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// IsPseudo reports whether k is a backend pseudo form that has no single
// machine encoding.
func (k Kind) IsPseudo() bool {
	switch k {
	case KindNone, KindAnchor, KindRaw, KindAlloc, KindFree, KindLoadAddr, KindPatchedAdd:
		return true
	}
	return false
}

// IsMarker reports whether k never occupies code space.
func (k Kind) IsMarker() bool {
	switch k {
	case KindNone, KindAnchor, KindAlloc, KindFree:
		return true
	}
	return false
}

// IsJump reports whether k transfers control to its Target.
func (k Kind) IsJump() bool {
	return k == KindRJMP || k == KindJMP || k == KindBranch
}

// IsCall reports whether k is a subroutine call.
func (k Kind) IsCall() bool {
	return k == KindRCALL || k == KindCALL || k == KindICALL
}

// IsSkip reports whether k conditionally skips the following instruction.
func (k Kind) IsSkip() bool {
	return k == KindSBRC || k == KindSBRS || k == KindCPSE
}

// EndsFlow reports whether execution never falls through k.
func (k Kind) EndsFlow() bool {
	switch k {
	case KindRJMP, KindJMP, KindIJMP, KindRET, KindRETI:
		return true
	}
	return false
}

// Cond is a branch condition over SREG.
type Cond uint8

const (
	CondEQ Cond = iota // Z set
	CondNE             // Z clear
	CondLO             // C set, unsigned less
	CondSH             // C clear, unsigned greater or equal
	CondMI             // N set
	CondPL             // N clear
	CondLT             // S set, signed less
	CondGE             // S clear, signed greater or equal
	CondGT             // signed greater, no single encoding
	CondLE             // signed less or equal, no single encoding
)

var condNames = [...]string{"eq", "ne", "lo", "sh", "mi", "pl", "lt", "ge", "gt", "le"}

func (c Cond) String() string {
	if int(c) < len(condNames) {
		return condNames[c]
	}
	return fmt.Sprintf("cond(%d)", uint8(c))
}

// Invert returns the condition that holds exactly when c does not.
func (c Cond) Invert() Cond {
	switch c {
	case CondEQ:
		return CondNE
	case CondNE:
		return CondEQ
	case CondLO:
		return CondSH
	case CondSH:
		return CondLO
	case CondMI:
		return CondPL
	case CondPL:
		return CondMI
	case CondLT:
		return CondGE
	case CondGE:
		return CondLT
	case CondGT:
		return CondLE
	case CondLE:
		return CondGT
	}
	return c
}

// Encodable reports whether a single BRBS/BRBC tests c.
func (c Cond) Encodable() bool {
	return c <= CondGE
}

// sregBit returns the SREG bit tested and whether the branch fires when it
// is set.
func (c Cond) sregBit() (bit uint8, set bool) {
	switch c {
	case CondEQ:
		return SregZ, true
	case CondNE:
		return SregZ, false
	case CondLO:
		return SregC, true
	case CondSH:
		return SregC, false
	case CondMI:
		return SregN, true
	case CondPL:
		return SregN, false
	case CondLT:
		return SregS, true
	case CondGE:
		return SregS, false
	}
	return 0, false
}

// Holds evaluates c against an SREG value.
func (c Cond) Holds(sreg uint8) bool {
	switch c {
	case CondGT:
		return sreg&(1<<SregZ) == 0 && sreg&(1<<SregS) == 0
	case CondLE:
		return sreg&(1<<SregZ) != 0 || sreg&(1<<SregS) != 0
	}
	bit, set := c.sregBit()
	return (sreg&(1<<bit) != 0) == set
}

// SREG bit positions.
const (
	SregC = 0
	SregZ = 1
	SregN = 2
	SregV = 3
	SregS = 4
	SregH = 5
	SregT = 6
	SregI = 7
)
