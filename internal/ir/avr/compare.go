package avr

import (
	"github.com/tinyrange/avrc/internal/asm/avr"
	"github.com/tinyrange/avrc/internal/ir"
)

// machineCond maps an IR condition onto a branch condition after "CP a, b".
// swap reports that the operands must be exchanged first.
func machineCond(c ir.Cond) (mc avr.Cond, swap bool, ok bool) {
	switch c {
	case ir.CondEQ:
		return avr.CondEQ, false, true
	case ir.CondNE:
		return avr.CondNE, false, true
	case ir.CondLT:
		return avr.CondLT, false, true
	case ir.CondGE:
		return avr.CondGE, false, true
	case ir.CondGT:
		return avr.CondGT, false, true
	case ir.CondLE:
		return avr.CondLE, false, true
	case ir.CondULT:
		return avr.CondLO, false, true
	case ir.CondUGE:
		return avr.CondSH, false, true
	case ir.CondUGT:
		return avr.CondLO, true, true
	case ir.CondULE:
		return avr.CondSH, true, true
	}
	return 0, false, false
}

// Compare branches to l when "x c y" holds.
func (b *Backend) Compare(c ir.Cond, x, y ir.Reg, l ir.Label) {
	if !b.ready("compare") {
		return
	}
	if x.Type.Size() != y.Type.Size() {
		b.fail("compare", "cannot compare %s with %s", x.Type, y.Type)
		return
	}
	if x.Type.Float() {
		b.compareFloat(c, x, y, l)
		return
	}
	mc, swap, ok := machineCond(c)
	if !ok {
		b.fail("compare", "unknown condition %s", c)
		return
	}
	ops := b.operands("compare", x, y)
	if ops == nil {
		return
	}
	a, d := ops[0], ops[1]
	if swap {
		a, d = d, a
	}
	b.chainCompare(a, d)
	b.branchTo(mc, l)
}

func (b *Backend) chainCompare(a, d []uint8) {
	b.op2(avr.KindCP, a[0], d[0])
	for i := 1; i < len(a); i++ {
		b.op2(avr.KindCPC, a[i], d[i])
	}
}

// compareFloat calls __fcmp and branches on its -1/0/1 result.
func (b *Backend) compareFloat(c ir.Cond, x, y ir.Reg, l ir.Label) {
	ops := b.operands("compare", x, y)
	if ops == nil {
		return
	}
	bits := 8 * x.Type.Size()
	sym := "__fcmp32"
	if bits == 64 {
		sym = "__fcmp64"
	}
	b.callRuntime(sym, []uint8{avr.XL}, regArg(ops[0], x.Type), regArg(ops[1], y.Type))
	b.opImm(avr.KindCPI, avr.XL, 0)

	var mc avr.Cond
	switch c {
	case ir.CondEQ:
		mc = avr.CondEQ
	case ir.CondNE:
		mc = avr.CondNE
	case ir.CondLT, ir.CondULT:
		mc = avr.CondLT
	case ir.CondGE, ir.CondUGE:
		mc = avr.CondGE
	case ir.CondGT, ir.CondUGT:
		mc = avr.CondGT
	case ir.CondLE, ir.CondULE:
		mc = avr.CondLE
	default:
		b.fail("compare", "unknown condition %s", c)
		return
	}
	b.branchTo(mc, l)
}

// CompareImm branches to l when "x c k" holds. Strict and non-strict
// conditions against a constant are rewritten so GT and LE never reach
// fixup from here.
func (b *Backend) CompareImm(c ir.Cond, x ir.Reg, k int64, l ir.Label) {
	if !b.ready("compare_imm") {
		return
	}
	if x.Type.Float() {
		b.fail("compare_imm", "immediate compare on %s", x.Type)
		return
	}
	w := x.Type.Size()
	bits := uint(8 * w)

	var umax uint64 = ^uint64(0)
	smax := int64(^uint64(0) >> 1)
	if w < 8 {
		umax = 1<<bits - 1
		smax = 1<<(bits-1) - 1
	}
	uk := uint64(k) & umax
	sk := k
	if w < 8 {
		sk = int64(uk<<(64-bits)) >> (64 - bits)
	}

	// never and always resolve conditions that a constant decides alone.
	never, always := false, false
	switch c {
	case ir.CondUGT:
		if uk == umax {
			never = true
		}
		c, uk = ir.CondUGE, uk+1
	case ir.CondULE:
		if uk == umax {
			always = true
		}
		c, uk = ir.CondULT, uk+1
	case ir.CondGT:
		if sk == smax {
			never = true
		}
		c, uk = ir.CondGE, uint64(sk+1)
	case ir.CondLE:
		if sk == smax {
			always = true
		}
		c, uk = ir.CondLT, uint64(sk+1)
	}
	switch {
	case never:
		return
	case always:
		b.Jump(l)
		return
	}

	mc, _, ok := machineCond(c)
	if !ok {
		b.fail("compare_imm", "unknown condition %s", c)
		return
	}
	a := b.operand("compare_imm", x, 0)
	if a == nil {
		return
	}
	if a[0] >= 16 {
		b.opImm(avr.KindCPI, a[0], int32(byteOf(uk, 0)))
	} else {
		b.scratchImm(byteOf(uk, 0))
		b.op2(avr.KindCP, a[0], avr.XL)
	}
	for i := 1; i < len(a); i++ {
		b.scratchImm(byteOf(uk, i))
		b.op2(avr.KindCPC, a[i], avr.XL)
	}
	b.branchTo(mc, l)
}
