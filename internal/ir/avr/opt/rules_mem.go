package opt

import (
	"github.com/tinyrange/avrc/internal/asm/avr"
)

const (
	maxDisp = 63
	// Data-space window of the I/O registers reachable by IN and OUT.
	ioLow  = 0x20
	ioHigh = 0x5F
	// I/O addresses reachable by SBI and CBI.
	bitIOMax = 0x1F
)

var xPair = avr.Regs(avr.XL, avr.XH)

// directAddress rewrites loads and stores through X or Z whose address is
// known. Frame-relative addresses become Y displacements and constant
// addresses become IN, OUT, LDS or STS. Post-increment forms qualify only
// when X is not read afterwards.
func (a *analysis) directAddress(i int) result {
	ins := a.ins(i)
	var base uint8
	var q int32
	load := false
	switch ins.Kind {
	case avr.KindLDX, avr.KindLDXInc:
		base, load = avr.XL, true
	case avr.KindSTX, avr.KindSTXInc:
		base = avr.XL
	case avr.KindLDDZ:
		base, q, load = avr.ZL, ins.Imm, true
	case avr.KindSTDZ:
		base, q = avr.ZL, ins.Imm
	default:
		return noChange
	}
	if ins.Kind == avr.KindLDXInc && xPair.Has(ins.Reg0) {
		return noChange
	}
	p, ok := a.pairAt(i, base, 0)
	if !ok {
		return noChange
	}
	if (ins.Kind == avr.KindLDXInc || ins.Kind == avr.KindSTXInc) && a.liveAfter(i, xPair, 0) {
		return noChange
	}

	var repl avr.Instruction
	switch p.kind {
	case FrameRel:
		disp := p.off + q
		if disp < 0 || disp > maxDisp {
			return noChange
		}
		repl = avr.Instruction{Kind: avr.KindSTDY, Reg0: ins.Reg0, Imm: disp}
		if load {
			repl.Kind = avr.KindLDDY
		}
	case Const:
		addr := int32(p.val) + q
		if addr > 0xFFFF {
			return noChange
		}
		switch {
		case addr >= ioLow && addr <= ioHigh && load:
			repl = avr.Instruction{Kind: avr.KindIN, Reg0: ins.Reg0, Imm: addr - ioLow}
		case addr >= ioLow && addr <= ioHigh:
			repl = avr.Instruction{Kind: avr.KindOUT, Reg0: ins.Reg0, Imm: addr - ioLow}
		case load:
			repl = avr.Instruction{Kind: avr.KindLDS, Reg0: ins.Reg0, Imm: addr}
		default:
			repl = avr.Instruction{Kind: avr.KindSTS, Reg0: ins.Reg0, Imm: addr}
		}
	default:
		return noChange
	}
	a.update(i, func(ins *avr.Instruction) { rewrite(ins, repl) })
	return dataChange
}

// bitIO turns IN r,A; ORI r,1<<b; OUT A,r into SBI A,b and the ANDI form
// into CBI, for the low I/O addresses that have bit instructions.
func (a *analysis) bitIO(i int) result {
	out := a.ins(i)
	if out.Kind != avr.KindOUT || out.Imm < 0 || out.Imm > bitIOMax {
		return noChange
	}
	r := out.Reg0
	pm := a.s.PrevReal(a.refs[i])
	if pm == avr.NoRef {
		return noChange
	}
	m := a.index(pm)
	mod := a.ins(m)
	if mod.Reg0 != r {
		return noChange
	}
	var kind avr.Kind
	var bit int
	switch mod.Kind {
	case avr.KindORI:
		kind, bit = avr.KindSBI, singleBit(uint8(mod.Imm))
	case avr.KindANDI:
		kind, bit = avr.KindCBI, singleBit(^uint8(mod.Imm))
	default:
		return noChange
	}
	if bit < 0 {
		return noChange
	}
	pin := a.s.PrevReal(pm)
	if pin == avr.NoRef {
		return noChange
	}
	n := a.index(pin)
	in := a.ins(n)
	if in.Kind != avr.KindIN || in.Reg0 != r || in.Imm != out.Imm {
		return noChange
	}
	if !a.straight(n, i, nil) {
		return noChange
	}
	if a.liveAfter(i, avr.Regs(r), flagReads(mod)) {
		return noChange
	}
	addr := out.Imm
	a.update(n, func(ins *avr.Instruction) {
		rewrite(ins, avr.Instruction{Kind: kind, Imm: addr, Reg1: uint8(bit)})
	})
	a.neutralize(m)
	a.neutralize(i)
	return dataChange
}

// singleBit returns the index of the only set bit of v, or -1.
func singleBit(v uint8) int {
	if v == 0 || v&(v-1) != 0 {
		return -1
	}
	for b := 0; b < 8; b++ {
		if v == 1<<b {
			return b
		}
	}
	return -1
}
