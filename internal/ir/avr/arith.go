package avr

import (
	"github.com/tinyrange/avrc/internal/asm/avr"
	"github.com/tinyrange/avrc/internal/ir"
)

func byteOf(v uint64, i int) uint8 { return uint8(v >> (8 * i)) }

// loadConst puts v into regs. Low registers go through XL.
func (b *Backend) loadConst(regs []uint8, v uint64) {
	scratch, have := uint8(0), false
	for i, r := range regs {
		bv := byteOf(v, i)
		switch {
		case r >= 16:
			b.opImm(avr.KindLDI, r, int32(bv))
		case bv == 0:
			b.op2(avr.KindEOR, r, r)
		default:
			if !have || scratch != bv {
				b.scratchImm(bv)
				scratch, have = bv, true
			}
			b.op2(avr.KindMOV, r, avr.XL)
		}
	}
}

func (b *Backend) Const(dst ir.Reg, v int64) {
	if !b.ready("const") {
		return
	}
	d := b.define("const", dst, Request{})
	if d == nil {
		return
	}
	b.loadConst(d, uint64(v))
}

func (b *Backend) Assign(dst, src ir.Reg) {
	if !b.ready("assign") {
		return
	}
	if dst.Type.Size() != src.Type.Size() {
		b.fail("assign", "cannot assign %s to %s", src.Type, dst.Type)
		return
	}
	s := b.operand("assign", src, 0)
	if s == nil {
		return
	}
	d := b.define("assign", dst, Request{Avoid: avr.Regs(s...)})
	if d == nil {
		return
	}
	b.copyRegs(d, s)
}

// chain applies first to byte 0 and rest to every following byte.
func (b *Backend) chain(first, rest avr.Kind, d, s []uint8) {
	for i := range d {
		k := rest
		if i == 0 {
			k = first
		}
		b.op2(k, d[i], s[i])
	}
}

// negate replaces d with its two's complement.
func (b *Backend) negate(d []uint8) {
	if len(d) == 1 {
		b.op1(avr.KindNEG, d[0])
		return
	}
	for _, r := range d {
		b.op1(avr.KindCOM, r)
	}
	b.scratchImm(1)
	b.op2(avr.KindADD, d[0], avr.XL)
	b.scratchImm(0)
	for _, r := range d[1:] {
		b.op2(avr.KindADC, r, avr.XL)
	}
}

func sameRegs(a, b []uint8) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (b *Backend) Binary(op ir.Op, dst, x, y ir.Reg) {
	if !b.ready("binary") {
		return
	}
	if x.Type.Size() != dst.Type.Size() {
		b.fail("binary", "%s operands %s and %s differ in width", op, dst.Type, x.Type)
		return
	}
	if op.IsShift() {
		b.shift(op, dst, x, &y, 0)
		return
	}
	if y.Type.Size() != dst.Type.Size() {
		b.fail("binary", "%s operands %s and %s differ in width", op, dst.Type, y.Type)
		return
	}
	if dst.Type.Float() {
		b.runtimeBinary(op, dst, x, y)
		return
	}

	switch op {
	case ir.OpAdd, ir.OpSub, ir.OpAnd, ir.OpOr, ir.OpXor:
	case ir.OpMul:
		if dst.Type.Size() > 1 {
			b.runtimeBinary(op, dst, x, y)
			return
		}
	case ir.OpDiv, ir.OpMod:
		b.runtimeBinary(op, dst, x, y)
		return
	default:
		b.fail("binary", "unsupported operator %s", op)
		return
	}

	ops := b.operands("binary", x, y)
	if ops == nil {
		return
	}
	a, c := ops[0], ops[1]
	d := b.define("binary", dst, Request{Avoid: mask(a, c)})
	if d == nil {
		return
	}

	if op == ir.OpMul {
		b.op2(avr.KindMUL, a[0], c[0])
		b.op2(avr.KindMOV, d[0], avr.R0)
		return
	}

	if sameRegs(d, c) && !sameRegs(d, a) {
		switch op {
		case ir.OpSub:
			// d holds y: compute y-x, then negate.
			b.chain(avr.KindSUB, avr.KindSBC, d, a)
			b.negate(d)
			return
		default:
			a, c = c, a
		}
	}
	b.copyRegs(d, a)
	switch op {
	case ir.OpAdd:
		b.chain(avr.KindADD, avr.KindADC, d, c)
	case ir.OpSub:
		b.chain(avr.KindSUB, avr.KindSBC, d, c)
	case ir.OpAnd:
		b.chain(avr.KindAND, avr.KindAND, d, c)
	case ir.OpOr:
		b.chain(avr.KindOR, avr.KindOR, d, c)
	case ir.OpXor:
		b.chain(avr.KindEOR, avr.KindEOR, d, c)
	}
}

func (b *Backend) BinaryImm(op ir.Op, dst, x ir.Reg, imm int64) {
	if !b.ready("binary_imm") {
		return
	}
	if x.Type.Size() != dst.Type.Size() {
		b.fail("binary_imm", "%s operands %s and %s differ in width", op, dst.Type, x.Type)
		return
	}
	if dst.Type.Float() {
		b.fail("binary_imm", "immediate %s on %s", op, dst.Type)
		return
	}
	if op.IsShift() {
		b.shift(op, dst, x, nil, int(imm))
		return
	}
	switch op {
	case ir.OpAdd, ir.OpSub, ir.OpAnd, ir.OpOr, ir.OpXor:
	case ir.OpMul:
		if n, ok := powerOfTwo(imm); ok {
			b.shift(ir.OpShl, dst, x, nil, n)
			return
		}
		b.runtimeBinaryImm(op, dst, x, imm)
		return
	case ir.OpDiv, ir.OpMod:
		b.runtimeBinaryImm(op, dst, x, imm)
		return
	default:
		b.fail("binary_imm", "unsupported operator %s", op)
		return
	}

	a := b.operand("binary_imm", x, 0)
	if a == nil {
		return
	}
	d := b.define("binary_imm", dst, Request{Avoid: avr.Regs(a...)})
	if d == nil {
		return
	}
	b.copyRegs(d, a)

	v := uint64(imm)
	switch op {
	case ir.OpSub:
		v = uint64(-imm)
		fallthrough
	case ir.OpAdd:
		b.addImm(d, v)
	case ir.OpAnd:
		b.logicImm(avr.KindANDI, avr.KindAND, d, v)
	case ir.OpOr:
		b.logicImm(avr.KindORI, avr.KindOR, d, v)
	case ir.OpXor:
		for i, r := range d {
			b.scratchImm(byteOf(v, i))
			b.op2(avr.KindEOR, r, avr.XL)
		}
	}
}

func powerOfTwo(v int64) (int, bool) {
	if v <= 0 || v&(v-1) != 0 {
		return 0, false
	}
	n := 0
	for v > 1 {
		v >>= 1
		n++
	}
	return n, true
}

// addImm adds v to d in place.
func (b *Backend) addImm(d []uint8, v uint64) {
	w := len(d)
	if w < 8 {
		v &= 1<<(8*w) - 1
	}
	if v == 0 {
		return
	}
	if w == 2 && d[0] == 24 && d[1] == 25 {
		switch s := int16(v); {
		case s > 0 && s <= 63:
			b.opImm(avr.KindADIW, d[0], int32(s))
			return
		case s < 0 && s >= -63:
			b.opImm(avr.KindSBIW, d[0], int32(-s))
			return
		}
	}
	if allUpper(d) {
		neg := -v
		b.opImm(avr.KindSUBI, d[0], int32(byteOf(neg, 0)))
		for i, r := range d[1:] {
			b.opImm(avr.KindSBCI, r, int32(byteOf(neg, i+1)))
		}
		return
	}
	b.scratchImm(byteOf(v, 0))
	b.op2(avr.KindADD, d[0], avr.XL)
	for i, r := range d[1:] {
		b.scratchImm(byteOf(v, i+1))
		b.op2(avr.KindADC, r, avr.XL)
	}
}

func (b *Backend) logicImm(immKind, regKind avr.Kind, d []uint8, v uint64) {
	for i, r := range d {
		bv := byteOf(v, i)
		if r >= 16 {
			b.opImm(immKind, r, int32(bv))
			continue
		}
		b.scratchImm(bv)
		b.op2(regKind, r, avr.XL)
	}
}

func (b *Backend) Unary(op ir.Op, dst, x ir.Reg) {
	if !b.ready("unary") {
		return
	}
	if x.Type.Size() != dst.Type.Size() {
		b.fail("unary", "%s operands %s and %s differ in width", op, dst.Type, x.Type)
		return
	}
	if op != ir.OpNeg && op != ir.OpNot {
		b.fail("unary", "unsupported operator %s", op)
		return
	}
	if op == ir.OpNot && dst.Type.Float() {
		b.fail("unary", "not on %s", dst.Type)
		return
	}
	a := b.operand("unary", x, 0)
	if a == nil {
		return
	}
	d := b.define("unary", dst, Request{Avoid: avr.Regs(a...)})
	if d == nil {
		return
	}
	b.copyRegs(d, a)
	top := d[len(d)-1]

	switch {
	case op == ir.OpNeg && dst.Type.Float():
		b.scratchImm(0x80)
		b.op2(avr.KindEOR, top, avr.XL)
	case op == ir.OpNeg:
		b.negate(d)
	case dst.Type == ir.Bool:
		b.scratchImm(1)
		b.op2(avr.KindEOR, d[0], avr.XL)
	default:
		for _, r := range d {
			b.op1(avr.KindCOM, r)
		}
	}
}

func shiftMask(width int) int {
	if width == 8 {
		return 63
	}
	return 31
}

func (b *Backend) Shift(op ir.Op, dst, x, amount ir.Reg) {
	if !b.ready("shift") {
		return
	}
	b.shift(op, dst, x, &amount, 0)
}

func (b *Backend) ShiftImm(op ir.Op, dst, x ir.Reg, n int) {
	if !b.ready("shift_imm") {
		return
	}
	b.shift(op, dst, x, nil, n)
}

// shift lowers Shl, Shr and Ushr. A nil amount selects the constant form.
// Shift counts are masked to 31, or 63 for 8-byte values.
func (b *Backend) shift(op ir.Op, dst, x ir.Reg, amount *ir.Reg, n int) {
	if !op.IsShift() {
		b.fail("shift", "%s is not a shift", op)
		return
	}
	if dst.Type.Float() || dst.Type == ir.Bool || x.Type.Size() != dst.Type.Size() {
		b.fail("shift", "cannot shift %s into %s", x.Type, dst.Type)
		return
	}
	w := dst.Type.Size()
	if amount == nil {
		a := b.operand("shift", x, 0)
		if a == nil {
			return
		}
		d := b.define("shift", dst, Request{Avoid: avr.Regs(a...)})
		if d == nil {
			return
		}
		b.copyRegs(d, a)
		b.shiftConst(op, d, n&shiftMask(w))
		return
	}

	ops := b.operands("shift", x, *amount)
	if ops == nil {
		return
	}
	a, c := ops[0], ops[1]
	d := b.define("shift", dst, Request{Avoid: mask(a, c)})
	if d == nil {
		return
	}
	b.op2(avr.KindMOV, avr.XL, c[0])
	b.copyRegs(d, a)
	b.opImm(avr.KindANDI, avr.XL, int32(shiftMask(w)))
	done := b.s.New(avr.Instruction{Kind: avr.KindAnchor})
	b.emit(avr.Instruction{Kind: avr.KindBranch, Cond: avr.CondEQ, Target: done})
	b.shiftLoop(op, d)
	b.s.Link(done, b.s.Last())
}

// shiftLoop emits "loop: body; DEC XL; BRNE loop" with the count in XL.
func (b *Backend) shiftLoop(op ir.Op, d []uint8) {
	loop := b.emit(avr.Instruction{Kind: avr.KindAnchor})
	b.shiftOnce(op, d)
	b.op1(avr.KindDEC, avr.XL)
	b.emit(avr.Instruction{Kind: avr.KindBranch, Cond: avr.CondNE, Target: loop})
}

func (b *Backend) shiftOnce(op ir.Op, d []uint8) {
	top := len(d) - 1
	switch op {
	case ir.OpShl:
		b.chain(avr.KindADD, avr.KindADC, d, d)
	case ir.OpShr:
		b.op1(avr.KindASR, d[top])
		for i := top - 1; i >= 0; i-- {
			b.op1(avr.KindROR, d[i])
		}
	case ir.OpUshr:
		b.op1(avr.KindLSR, d[top])
		for i := top - 1; i >= 0; i-- {
			b.op1(avr.KindROR, d[i])
		}
	}
}

// shiftConst shifts d in place by n bits. Whole bytes are moved directly;
// the remainder runs as a counted loop the optimizer may unroll.
func (b *Backend) shiftConst(op ir.Op, d []uint8, n int) {
	if n == 0 {
		return
	}
	w := len(d)
	k := n / 8
	if k > 0 {
		if k > w {
			k = w
		}
		fill := func(r uint8) { b.op2(avr.KindEOR, r, r) }
		if op == ir.OpShr {
			b.signByte(d[w-1])
			fill = func(r uint8) { b.op2(avr.KindMOV, r, avr.XL) }
		}
		switch op {
		case ir.OpShl:
			for i := w - 1; i >= k; i-- {
				b.op2(avr.KindMOV, d[i], d[i-k])
			}
			for i := 0; i < k; i++ {
				fill(d[i])
			}
		default:
			for i := 0; i+k < w; i++ {
				b.op2(avr.KindMOV, d[i], d[i+k])
			}
			for i := w - k; i < w; i++ {
				fill(d[i])
			}
		}
		n -= 8 * k
		if k == w {
			return
		}
	}
	if n == 0 {
		return
	}
	if n == 1 {
		b.shiftOnce(op, d)
		return
	}
	b.scratchImm(uint8(n))
	b.shiftLoop(op, d)
}

// signByte leaves 0x00 or 0xFF in XL according to bit 7 of r.
func (b *Backend) signByte(r uint8) {
	b.scratchImm(0)
	b.emit(avr.Instruction{Kind: avr.KindSBRC, Reg0: r, Reg1: 7})
	b.scratchImm(0xFF)
}
