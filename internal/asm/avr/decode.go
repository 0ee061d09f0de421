package avr

import (
	"encoding/binary"
	"fmt"
)

// Decode parses one machine instruction from code. It returns the
// instruction and the number of bytes consumed. Relative displacements are
// returned in Imm; Target is left as NoRef. AND Rd,Rd decodes as TST.
func Decode(code []byte) (Instruction, int, error) {
	if len(code) < 2 {
		return Instruction{}, 0, fmt.Errorf("avr decode: truncated instruction")
	}
	w := binary.LittleEndian.Uint16(code)
	ins := Instruction{Target: NoRef, Base: NoRef}
	size := 2

	second := func() (uint16, error) {
		if len(code) < 4 {
			return 0, fmt.Errorf("avr decode: truncated 32-bit instruction %#04x", w)
		}
		size = 4
		return binary.LittleEndian.Uint16(code[2:]), nil
	}
	rd5 := uint8(w>>4) & 0x1F
	rr5 := uint8(w&0x0F) | uint8(w>>5)&0x10
	k8 := int32(w>>4)&0xF0 | int32(w&0x0F)
	rd4 := uint8(w>>4)&0x0F + 16

	switch {
	case w == 0x0000:
		ins.Kind = KindNOP
	case w&0xFF00 == 0x0100:
		ins.Kind, ins.Reg0, ins.Reg1 = KindMOVW, uint8(w>>4&0x0F)*2, uint8(w&0x0F)*2
	case w&0xFF00 == 0x0200:
		ins.Kind, ins.Reg0, ins.Reg1 = KindMULS, rd4, uint8(w&0x0F)+16
	case w&0xF000 == 0x0000 || w&0xF000 == 0x1000 || w&0xF000 == 0x2000:
		kinds := map[uint16]Kind{
			0x0400: KindCPC, 0x0800: KindSBC, 0x0C00: KindADD, 0x1000: KindCPSE,
			0x1400: KindCP, 0x1800: KindSUB, 0x1C00: KindADC, 0x2000: KindAND,
			0x2400: KindEOR, 0x2800: KindOR, 0x2C00: KindMOV,
		}
		k, ok := kinds[w&0xFC00]
		if !ok {
			return Instruction{}, 0, fmt.Errorf("avr decode: unknown instruction %#04x", w)
		}
		ins.Kind, ins.Reg0, ins.Reg1 = k, rd5, rr5
		if k == KindAND && rd5 == rr5 {
			ins.Kind, ins.Reg1 = KindTST, 0
		}
	case w&0xF000 == 0x3000:
		ins.Kind, ins.Reg0, ins.Imm = KindCPI, rd4, k8
	case w&0xF000 == 0x4000:
		ins.Kind, ins.Reg0, ins.Imm = KindSBCI, rd4, k8
	case w&0xF000 == 0x5000:
		ins.Kind, ins.Reg0, ins.Imm = KindSUBI, rd4, k8
	case w&0xF000 == 0x6000:
		ins.Kind, ins.Reg0, ins.Imm = KindORI, rd4, k8
	case w&0xF000 == 0x7000:
		ins.Kind, ins.Reg0, ins.Imm = KindANDI, rd4, k8
	case w&0xF000 == 0xE000:
		ins.Kind, ins.Reg0, ins.Imm = KindLDI, rd4, k8
	case w&0xD000 == 0x8000:
		q := int32(w>>8)&0x20 | int32(w>>7)&0x18 | int32(w&0x07)
		store := w&0x0200 != 0
		y := w&0x0008 != 0
		switch {
		case !store && y:
			ins.Kind = KindLDDY
		case !store:
			ins.Kind = KindLDDZ
		case y:
			ins.Kind = KindSTDY
		default:
			ins.Kind = KindSTDZ
		}
		ins.Reg0, ins.Imm = rd5, q
	case w == 0x9408:
		ins.Kind = KindSEC
	case w == 0x9488:
		ins.Kind = KindCLC
	case w == 0x9508:
		ins.Kind = KindRET
	case w == 0x9518:
		ins.Kind = KindRETI
	case w == 0x9509:
		ins.Kind = KindICALL
	case w == 0x9409:
		ins.Kind = KindIJMP
	case w&0xFE0C == 0x940C:
		lo, err := second()
		if err != nil {
			return Instruction{}, 0, err
		}
		ins.Kind = KindJMP
		if w&0x0002 != 0 {
			ins.Kind = KindCALL
		}
		ins.Imm = int32(w>>4&0x1F)<<17 | int32(w&1)<<16 | int32(lo)
	case w&0xFC00 == 0x9000 || w&0xFE00 == 0x9400:
		kinds := map[uint16]Kind{
			0x9000: KindLDS, 0x900C: KindLDX, 0x900D: KindLDXInc, 0x900E: KindLDXDec,
			0x900F: KindPOP, 0x9200: KindSTS, 0x920C: KindSTX, 0x920D: KindSTXInc,
			0x920E: KindSTXDec, 0x920F: KindPUSH, 0x9400: KindCOM, 0x9401: KindNEG,
			0x9402: KindSWAP, 0x9403: KindINC, 0x9405: KindASR, 0x9406: KindLSR,
			0x9407: KindROR, 0x940A: KindDEC,
		}
		k, ok := kinds[w&0xFE0F]
		if !ok {
			return Instruction{}, 0, fmt.Errorf("avr decode: unknown instruction %#04x", w)
		}
		ins.Kind, ins.Reg0 = k, rd5
		if k == KindLDS || k == KindSTS {
			addr, err := second()
			if err != nil {
				return Instruction{}, 0, err
			}
			ins.Imm = int32(addr)
		}
	case w&0xFE00 == 0x9600:
		ins.Kind = KindADIW
		if w&0x0100 != 0 {
			ins.Kind = KindSBIW
		}
		ins.Reg0 = 24 + uint8(w>>4&0x03)*2
		ins.Imm = int32(w>>2)&0x30 | int32(w&0x0F)
	case w&0xFD00 == 0x9800:
		ins.Kind = KindCBI
		if w&0x0200 != 0 {
			ins.Kind = KindSBI
		}
		ins.Imm, ins.Reg1 = int32(w>>3)&0x1F, uint8(w&0x07)
	case w&0xFC00 == 0x9C00:
		ins.Kind, ins.Reg0, ins.Reg1 = KindMUL, rd5, rr5
	case w&0xF000 == 0xB000:
		ins.Kind = KindIN
		if w&0x0800 != 0 {
			ins.Kind = KindOUT
		}
		ins.Reg0, ins.Imm = rd5, int32(w>>5)&0x30|int32(w&0x0F)
	case w&0xE000 == 0xC000:
		ins.Kind = KindRJMP
		if w&0x1000 != 0 {
			ins.Kind = KindRCALL
		}
		ins.Imm = signExtend(int32(w&0x0FFF), 12)
	case w&0xF800 == 0xF000:
		bit := uint8(w & 0x07)
		set := w&0x0400 == 0
		c, ok := condFor(bit, set)
		if !ok {
			return Instruction{}, 0, fmt.Errorf("avr decode: unsupported branch on SREG bit %d", bit)
		}
		ins.Kind, ins.Cond = KindBranch, c
		ins.Imm = signExtend(int32(w>>3)&0x7F, 7)
	case w&0xFC08 == 0xFC00:
		ins.Kind = KindSBRC
		if w&0x0200 != 0 {
			ins.Kind = KindSBRS
		}
		ins.Reg0, ins.Reg1 = rd5, uint8(w&0x07)
	default:
		return Instruction{}, 0, fmt.Errorf("avr decode: unknown instruction %#04x", w)
	}
	ins.Size = size
	Classify(&ins)
	return ins, size, nil
}

func signExtend(v int32, bits uint) int32 {
	shift := 32 - bits
	return v << shift >> shift
}

func condFor(bit uint8, set bool) (Cond, bool) {
	for c := CondEQ; c <= CondGE; c++ {
		b, s := c.sregBit()
		if b == bit && s == set {
			return c, true
		}
	}
	return 0, false
}
