package opt

import (
	"github.com/tinyrange/avrc/internal/asm/avr"
)

type rule func(a *analysis, i int) result

// rules are tried in order; the first that changes anything wins.
var rules = []rule{
	(*analysis).selfMove,
	(*analysis).unrollShift,
	(*analysis).foldCompare,
	(*analysis).compareZero,
	(*analysis).logicIdentity,
	(*analysis).foldConst,
	(*analysis).propagateCopy,
	(*analysis).pushPop,
	(*analysis).directAddress,
	(*analysis).bitIO,
}

func (a *analysis) apply(i int) result {
	if !a.ins(i).Real() {
		return noChange
	}
	for _, r := range rules {
		if res := r(a, i); res != noChange {
			return res
		}
	}
	return noChange
}

func (a *analysis) flagsDead(i int, ins *avr.Instruction) bool {
	return !a.liveAfter(i, 0, flagReads(ins))
}

func (a *analysis) neutralize(i int) bool { return a.s.Neutralize(a.refs[i]) }

func (a *analysis) update(i int, fn func(*avr.Instruction)) { a.s.Update(a.refs[i], fn) }

func (a *analysis) toLDI(i int, d, v uint8) {
	a.update(i, func(ins *avr.Instruction) { rewrite(ins, avr.Instruction{Kind: avr.KindLDI, Reg0: d, Imm: int32(v)}) })
}

// rewrite replaces the operation of ins with repl, keeping its place in the
// stream.
func rewrite(ins *avr.Instruction, repl avr.Instruction) {
	if !usesTarget(repl.Kind) {
		repl.Target = avr.NoRef
	}
	if repl.Kind != avr.KindPatchedAdd {
		repl.Base = avr.NoRef
	}
	ins.Kind, ins.Reg0, ins.Reg1, ins.Cond, ins.Imm = repl.Kind, repl.Reg0, repl.Reg1, repl.Cond, repl.Imm
	ins.Aux, ins.Target, ins.Base, ins.Sym, ins.Raw, ins.Mask = repl.Aux, repl.Target, repl.Base, repl.Sym, repl.Raw, repl.Mask
	ins.Clobber, ins.Keep, ins.Header, ins.NoReturn = repl.Clobber, repl.Keep, repl.Header, repl.NoReturn
}

func usesTarget(k avr.Kind) bool {
	return k.IsJump() || k == avr.KindRCALL || k == avr.KindPatchedAdd
}

// selfMove drops MOV r,r and MOVW r,r.
func (a *analysis) selfMove(i int) result {
	ins := a.ins(i)
	if (ins.Kind == avr.KindMOV || ins.Kind == avr.KindMOVW) && ins.Reg0 == ins.Reg1 {
		if a.neutralize(i) {
			return dataChange
		}
	}
	return noChange
}

var foldable = map[avr.Kind]bool{
	avr.KindMOV: true, avr.KindADD: true, avr.KindSUB: true, avr.KindAND: true, avr.KindOR: true,
	avr.KindEOR: true, avr.KindSUBI: true, avr.KindANDI: true, avr.KindORI: true, avr.KindINC: true,
	avr.KindDEC: true, avr.KindCOM: true, avr.KindNEG: true, avr.KindSWAP: true, avr.KindLSR: true,
	avr.KindASR: true,
}

// foldConst replaces an instruction whose result is a known constant with
// an LDI, provided the flags it sets are never read.
func (a *analysis) foldConst(i int) result {
	ins := a.ins(i)
	if !foldable[ins.Kind] || !avr.UpperRegs.Has(ins.Reg0) {
		return noChange
	}
	if (ins.Kind == avr.KindEOR || ins.Kind == avr.KindSUB) && ins.Reg0 == ins.Reg1 {
		return noChange
	}
	v := a.valueAfter(i, ins.Reg0, 0)
	if v.Kind != Const || !a.flagsDead(i, ins) {
		return noChange
	}
	a.toLDI(i, ins.Reg0, v.Byte)
	return dataChange
}

// foldCompare resolves a branch whose flags come from a compare of known
// values directly before it.
func (a *analysis) foldCompare(i int) result {
	ins := a.ins(i)
	if ins.Kind != avr.KindBranch || ins.Target == avr.NoRef {
		return noChange
	}
	pr := a.s.PrevReal(a.refs[i])
	if pr == avr.NoRef {
		return noChange
	}
	c := a.index(pr)
	if !a.straight(c, i, nil) {
		return noChange
	}
	cmp := a.ins(c)
	x := a.valueBefore(c, cmp.Reg0)
	if x.Kind != Const {
		return noChange
	}
	var sreg uint8
	switch cmp.Kind {
	case avr.KindCPI:
		sreg = compareFlags(x.Byte, uint8(cmp.Imm))
	case avr.KindCP:
		y := x
		if cmp.Reg1 != cmp.Reg0 {
			y = a.valueBefore(c, cmp.Reg1)
		}
		if y.Kind != Const {
			return noChange
		}
		sreg = compareFlags(x.Byte, y.Byte)
	case avr.KindTST:
		sreg = testFlags(x.Byte)
	default:
		return noChange
	}
	if ins.Cond.Holds(sreg) {
		a.update(i, func(ins *avr.Instruction) { ins.Kind = avr.KindRJMP })
	} else {
		a.neutralize(i)
	}
	return flowChange
}

// compareZero turns CPI r,0 and CP r,z with z known zero into TST r when
// the carry is not read afterwards.
func (a *analysis) compareZero(i int) result {
	ins := a.ins(i)
	switch ins.Kind {
	case avr.KindCPI:
		if ins.Imm&0xFF != 0 {
			return noChange
		}
	case avr.KindCP:
		if ins.Reg0 == ins.Reg1 {
			return noChange
		}
		if v := a.valueBefore(i, ins.Reg1); v.Kind != Const || v.Byte != 0 {
			return noChange
		}
	default:
		return noChange
	}
	if a.liveAfter(i, 0, avr.ReadsC) {
		return noChange
	}
	d := ins.Reg0
	a.update(i, func(ins *avr.Instruction) { rewrite(ins, avr.Instruction{Kind: avr.KindTST, Reg0: d}) })
	return dataChange
}

// logicIdentity removes AND with all ones and OR with zero, and turns AND
// with zero and OR with all ones into loads, when their flags are unused.
func (a *analysis) logicIdentity(i int) result {
	ins := a.ins(i)
	var k uint8
	switch ins.Kind {
	case avr.KindANDI, avr.KindORI:
		k = uint8(ins.Imm)
	case avr.KindAND, avr.KindOR:
		if ins.Reg0 == ins.Reg1 {
			return noChange
		}
		v := a.valueBefore(i, ins.Reg1)
		if v.Kind != Const {
			return noChange
		}
		k = v.Byte
	default:
		return noChange
	}
	and := ins.Kind == avr.KindANDI || ins.Kind == avr.KindAND
	identity, absorb := uint8(0), uint8(0xFF)
	if and {
		identity, absorb = 0xFF, 0
	}
	switch {
	case k == identity:
		if !a.flagsDead(i, ins) {
			return noChange
		}
		if a.neutralize(i) {
			return dataChange
		}
	case k == absorb && avr.UpperRegs.Has(ins.Reg0):
		if !a.flagsDead(i, ins) {
			return noChange
		}
		a.toLDI(i, ins.Reg0, absorb)
		return dataChange
	}
	return noChange
}

// propagateCopy folds MOV d,s (or MOVW) into the instruction that produced
// s, when s is not read again and the producer can write d directly.
func (a *analysis) propagateCopy(i int) result {
	ins := a.ins(i)
	var src, dst avr.RegSet
	switch ins.Kind {
	case avr.KindMOV:
		src, dst = avr.Regs(ins.Reg1), avr.Regs(ins.Reg0)
	case avr.KindMOVW:
		src, dst = avr.RegRange(ins.Reg1, 2), avr.RegRange(ins.Reg0, 2)
	default:
		return noChange
	}
	if ins.Reg0 == ins.Reg1 || a.s.FollowsSkip(a.refs[i]) {
		return noChange
	}
	p := -1
	for k := i - 1; k >= 0; k-- {
		c := a.ins(k)
		if !c.Real() {
			continue
		}
		if c.Write&src != 0 {
			p = k
			break
		}
		if c.Read&(src|dst) != 0 || c.Write&dst != 0 || c.Kind.IsCall() {
			return noChange
		}
	}
	if p < 0 || !a.straight(p, i, nil) || a.freedBetween(p, i, dst) {
		return noChange
	}
	if !a.retargetable(a.ins(p), ins, src) {
		return noChange
	}
	if a.liveAfter(i, src, 0) {
		return noChange
	}
	d := ins.Reg0
	a.update(p, func(def *avr.Instruction) { def.Reg0 = d })
	a.neutralize(i)
	return dataChange
}

// freedBetween reports whether a lifetime end for any of regs lies between
// positions from and to.
func (a *analysis) freedBetween(from, to int, regs avr.RegSet) bool {
	for k := from + 1; k < to; k++ {
		if c := a.ins(k); c.Kind == avr.KindFree && c.Mask&regs != 0 {
			return true
		}
	}
	return false
}

// retargetable reports whether def, which writes src, can write the
// destination of the copy mv instead.
func (a *analysis) retargetable(def, mv *avr.Instruction, src avr.RegSet) bool {
	d := mv.Reg0
	if mv.Kind == avr.KindMOVW {
		switch def.Kind {
		case avr.KindMOVW:
		case avr.KindLoadAddr:
			if !avr.UpperRegs.Has(d) {
				return false
			}
		default:
			return false
		}
		return def.Reg0 == mv.Reg1 && def.Write == src
	}
	if def.Write != src {
		return false
	}
	switch def.Kind {
	case avr.KindLDI:
		return avr.UpperRegs.Has(d)
	case avr.KindMOV, avr.KindLDDY, avr.KindLDDZ, avr.KindLDS, avr.KindIN, avr.KindPOP:
		return true
	case avr.KindLDX:
		return d != avr.XL && d != avr.XH
	}
	return false
}

// pushPop removes PUSH a; POP a and turns PUSH a; POP b into MOV b,a.
func (a *analysis) pushPop(i int) result {
	ins := a.ins(i)
	if ins.Kind != avr.KindPUSH {
		return noChange
	}
	nr := a.s.NextReal(a.refs[i])
	if nr == avr.NoRef {
		return noChange
	}
	j := a.index(nr)
	pop := a.ins(j)
	if pop.Kind != avr.KindPOP || !a.straight(i, j, nil) {
		return noChange
	}
	src, dst := ins.Reg0, pop.Reg0
	// A MOV at the POP reads src later than the PUSH did.
	if src != dst && a.freedBetween(i, j, avr.Regs(src)) {
		return noChange
	}
	a.neutralize(i)
	if src == dst {
		a.neutralize(j)
	} else {
		a.update(j, func(ins *avr.Instruction) { rewrite(ins, avr.Instruction{Kind: avr.KindMOV, Reg0: dst, Reg1: src}) })
	}
	return dataChange
}
