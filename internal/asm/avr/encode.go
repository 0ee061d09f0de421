package avr

import (
	"encoding/binary"
	"fmt"
)

// Encode appends the machine encoding of ins to dst. Jump and call
// displacements must already be resolved into Imm (words, relative to the
// following instruction for RJMP/RCALL/BRxx, absolute for JMP/CALL).
// PatchedAdd expects Imm to hold the resolved word delta.
func Encode(dst []byte, ins *Instruction) ([]byte, error) {
	words, err := encodeWords(ins)
	if err != nil {
		return dst, err
	}
	for _, w := range words {
		dst = binary.LittleEndian.AppendUint16(dst, w)
	}
	if ins.Kind == KindRaw {
		dst = append(dst, ins.Raw...)
	}
	return dst, nil
}

func encodeErr(ins *Instruction, format string, args ...any) error {
	return fmt.Errorf("avr asm: %s: %s", ins.Kind, fmt.Sprintf(format, args...))
}

func checkReg(ins *Instruction, r uint8) error {
	if r > 31 {
		return encodeErr(ins, "register r%d out of range", r)
	}
	return nil
}

func checkUpper(ins *Instruction, r uint8) error {
	if r < 16 || r > 31 {
		return encodeErr(ins, "register %s requires r16..r31", RegName(r))
	}
	return nil
}

func checkImm(ins *Instruction, v int32, lo, hi int32) error {
	if v < lo || v > hi {
		return encodeErr(ins, "operand %d out of range [%d,%d]", v, lo, hi)
	}
	return nil
}

func twoReg(op uint16, d, r uint8) uint16 {
	return op | uint16(r&0x10)<<5 | uint16(d&0x1F)<<4 | uint16(r&0x0F)
}

func immReg(op uint16, d uint8, k uint8) uint16 {
	return op | uint16(k&0xF0)<<4 | uint16(d-16)<<4 | uint16(k&0x0F)
}

func dispReg(op uint16, d uint8, q int32) uint16 {
	u := uint16(q)
	return op | (u&0x20)<<8 | (u&0x18)<<7 | uint16(d&0x1F)<<4 | (u & 0x07)
}

func oneReg(op uint16, d uint8) uint16 {
	return op | uint16(d&0x1F)<<4
}

func absAddr(op uint16, k uint32) []uint16 {
	return []uint16{op | uint16((k>>17)&0x1F)<<4 | uint16((k>>16)&1), uint16(k)}
}

var twoRegOps = map[Kind]uint16{
	KindCPC: 0x0400, KindSBC: 0x0800, KindADD: 0x0C00, KindCPSE: 0x1000,
	KindCP: 0x1400, KindSUB: 0x1800, KindADC: 0x1C00, KindAND: 0x2000,
	KindEOR: 0x2400, KindOR: 0x2800, KindMOV: 0x2C00, KindMUL: 0x9C00,
}

var immOps = map[Kind]uint16{
	KindCPI: 0x3000, KindSBCI: 0x4000, KindSUBI: 0x5000, KindORI: 0x6000,
	KindANDI: 0x7000, KindLDI: 0xE000,
}

var oneRegOps = map[Kind]uint16{
	KindCOM: 0x9400, KindNEG: 0x9401, KindSWAP: 0x9402, KindINC: 0x9403,
	KindASR: 0x9405, KindLSR: 0x9406, KindROR: 0x9407, KindDEC: 0x940A,
	KindLDX: 0x900C, KindLDXInc: 0x900D, KindLDXDec: 0x900E, KindPOP: 0x900F,
	KindSTX: 0x920C, KindSTXInc: 0x920D, KindSTXDec: 0x920E, KindPUSH: 0x920F,
}

var fixedOps = map[Kind]uint16{
	KindNOP: 0x0000, KindSEC: 0x9408, KindCLC: 0x9488, KindRET: 0x9508,
	KindRETI: 0x9518, KindICALL: 0x9509, KindIJMP: 0x9409,
}

func encodeWords(ins *Instruction) ([]uint16, error) {
	d, r := ins.Reg0, ins.Reg1
	if op, ok := fixedOps[ins.Kind]; ok {
		return []uint16{op}, nil
	}
	if op, ok := twoRegOps[ins.Kind]; ok {
		if err := checkReg(ins, d); err != nil {
			return nil, err
		}
		if err := checkReg(ins, r); err != nil {
			return nil, err
		}
		return []uint16{twoReg(op, d, r)}, nil
	}
	if op, ok := immOps[ins.Kind]; ok {
		if err := checkUpper(ins, d); err != nil {
			return nil, err
		}
		if err := checkImm(ins, ins.Imm, -128, 255); err != nil {
			return nil, err
		}
		return []uint16{immReg(op, d, uint8(ins.Imm))}, nil
	}
	if op, ok := oneRegOps[ins.Kind]; ok {
		if err := checkReg(ins, d); err != nil {
			return nil, err
		}
		return []uint16{oneReg(op, d)}, nil
	}

	switch ins.Kind {
	case KindNone, KindAnchor, KindAlloc, KindFree, KindRaw:
		return nil, nil
	case KindTST:
		if err := checkReg(ins, d); err != nil {
			return nil, err
		}
		return []uint16{twoReg(0x2000, d, d)}, nil
	case KindMOVW:
		if d%2 != 0 || r%2 != 0 || d > 30 || r > 30 {
			return nil, encodeErr(ins, "register pair %s:%s not even aligned", RegName(d), RegName(r))
		}
		return []uint16{0x0100 | uint16(d/2)<<4 | uint16(r/2)}, nil
	case KindMULS:
		if err := checkUpper(ins, d); err != nil {
			return nil, err
		}
		if err := checkUpper(ins, r); err != nil {
			return nil, err
		}
		return []uint16{0x0200 | uint16(d-16)<<4 | uint16(r-16)}, nil
	case KindADIW, KindSBIW:
		if d != 24 && d != 26 && d != 28 && d != 30 {
			return nil, encodeErr(ins, "register %s is not r24, r26, r28 or r30", RegName(d))
		}
		if err := checkImm(ins, ins.Imm, 0, 63); err != nil {
			return nil, err
		}
		op := uint16(0x9600)
		if ins.Kind == KindSBIW {
			op = 0x9700
		}
		k := uint16(ins.Imm)
		return []uint16{op | (k&0x30)<<2 | uint16((d-24)/2)<<4 | k&0x0F}, nil
	case KindLDDY, KindLDDZ, KindSTDY, KindSTDZ:
		if err := checkReg(ins, d); err != nil {
			return nil, err
		}
		if err := checkImm(ins, ins.Imm, 0, 63); err != nil {
			return nil, err
		}
		op := uint16(0x8000)
		if ins.Kind == KindLDDY || ins.Kind == KindSTDY {
			op |= 0x0008
		}
		if ins.Kind == KindSTDY || ins.Kind == KindSTDZ {
			op |= 0x0200
		}
		return []uint16{dispReg(op, d, ins.Imm)}, nil
	case KindLDS, KindSTS:
		if err := checkReg(ins, d); err != nil {
			return nil, err
		}
		if err := checkImm(ins, ins.Imm, 0, 0xFFFF); err != nil {
			return nil, err
		}
		op := uint16(0x9000)
		if ins.Kind == KindSTS {
			op = 0x9200
		}
		return []uint16{oneReg(op, d), uint16(ins.Imm)}, nil
	case KindIN, KindOUT:
		if err := checkReg(ins, d); err != nil {
			return nil, err
		}
		if err := checkImm(ins, ins.Imm, 0, 63); err != nil {
			return nil, err
		}
		op := uint16(0xB000)
		if ins.Kind == KindOUT {
			op = 0xB800
		}
		a := uint16(ins.Imm)
		return []uint16{op | (a&0x30)<<5 | uint16(d)<<4 | a&0x0F}, nil
	case KindSBI, KindCBI:
		if err := checkImm(ins, ins.Imm, 0, 31); err != nil {
			return nil, err
		}
		if r > 7 {
			return nil, encodeErr(ins, "bit %d out of range", r)
		}
		op := uint16(0x9800)
		if ins.Kind == KindSBI {
			op = 0x9A00
		}
		return []uint16{op | uint16(ins.Imm)<<3 | uint16(r)}, nil
	case KindSBRC, KindSBRS:
		if err := checkReg(ins, d); err != nil {
			return nil, err
		}
		if r > 7 {
			return nil, encodeErr(ins, "bit %d out of range", r)
		}
		op := uint16(0xFC00)
		if ins.Kind == KindSBRS {
			op = 0xFE00
		}
		return []uint16{op | uint16(d)<<4 | uint16(r)}, nil
	case KindRJMP, KindRCALL:
		if err := checkImm(ins, ins.Imm, -2048, 2047); err != nil {
			return nil, err
		}
		op := uint16(0xC000)
		if ins.Kind == KindRCALL {
			op = 0xD000
		}
		return []uint16{op | uint16(ins.Imm)&0x0FFF}, nil
	case KindJMP, KindCALL:
		if err := checkImm(ins, ins.Imm, 0, 1<<22-1); err != nil {
			return nil, err
		}
		op := uint16(0x940C)
		if ins.Kind == KindCALL {
			op = 0x940E
		}
		return absAddr(op, uint32(ins.Imm)), nil
	case KindBranch:
		if !ins.Cond.Encodable() {
			return nil, encodeErr(ins, "condition %s has no single encoding", ins.Cond)
		}
		if err := checkImm(ins, ins.Imm, -64, 63); err != nil {
			return nil, err
		}
		bit, set := ins.Cond.sregBit()
		op := uint16(0xF400)
		if set {
			op = 0xF000
		}
		return []uint16{op | (uint16(ins.Imm)&0x7F)<<3 | uint16(bit)}, nil
	case KindLoadAddr:
		if err := checkUpper(ins, d); err != nil {
			return nil, err
		}
		if d == 31 {
			return nil, encodeErr(ins, "register pair starting at r31")
		}
		v := uint16(ins.Imm)
		return []uint16{immReg(0xE000, d, uint8(v)), immReg(0xE000, d+1, uint8(v>>8))}, nil
	case KindPatchedAdd:
		delta := ins.Imm
		if ins.Size == 2 {
			if delta < 0 || delta > 63 {
				return nil, encodeErr(ins, "delta %d does not fit the short form", delta)
			}
			k := uint16(delta)
			return []uint16{0x9600 | (k&0x30)<<2 | 3<<4 | k&0x0F}, nil
		}
		neg := uint16(-delta)
		return []uint16{immReg(0x5000, ZL, uint8(neg)), immReg(0x4000, ZH, uint8(neg>>8))}, nil
	}
	return nil, encodeErr(ins, "no encoding")
}

// PatchAbsolute rewrites the 22-bit word address of the JMP or CALL at the
// start of code.
func PatchAbsolute(code []byte, k uint32) error {
	if len(code) < 4 {
		return fmt.Errorf("avr asm: absolute patch needs 4 bytes, have %d", len(code))
	}
	if k >= 1<<22 {
		return fmt.Errorf("avr asm: word address %#x exceeds 22 bits", k)
	}
	w0 := binary.LittleEndian.Uint16(code)
	if !IsTwoWord(w0) || w0&0xFE0C != 0x940C {
		return fmt.Errorf("avr asm: word %#04x is not a JMP or CALL", w0)
	}
	words := absAddr(w0&0xFE0E, k)
	binary.LittleEndian.PutUint16(code, words[0])
	binary.LittleEndian.PutUint16(code[2:], words[1])
	return nil
}

// PatchRelative rewrites the displacement of the RJMP or RCALL at the start
// of code.
func PatchRelative(code []byte, disp int32) error {
	if len(code) < 2 {
		return fmt.Errorf("avr asm: relative patch needs 2 bytes, have %d", len(code))
	}
	if disp < -2048 || disp > 2047 {
		return fmt.Errorf("avr asm: displacement %d out of range [-2048,2047]", disp)
	}
	w := binary.LittleEndian.Uint16(code)
	if w&0xE000 != 0xC000 {
		return fmt.Errorf("avr asm: word %#04x is not an RJMP or RCALL", w)
	}
	binary.LittleEndian.PutUint16(code, w&0xF000|uint16(disp)&0x0FFF)
	return nil
}

// PatchImmPair rewrites the immediates of the two LDIs at the start of code
// with the low and high bytes of v.
func PatchImmPair(code []byte, v uint16) error {
	if len(code) < 4 {
		return fmt.Errorf("avr asm: pointer patch needs 4 bytes, have %d", len(code))
	}
	for i, bv := range []uint8{uint8(v), uint8(v >> 8)} {
		w := binary.LittleEndian.Uint16(code[2*i:])
		if w&0xF000 != 0xE000 {
			return fmt.Errorf("avr asm: word %#04x is not an LDI", w)
		}
		binary.LittleEndian.PutUint16(code[2*i:], w&0xF0F0|uint16(bv&0xF0)<<4|uint16(bv&0x0F))
	}
	return nil
}
