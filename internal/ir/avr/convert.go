package avr

import (
	"github.com/tinyrange/avrc/internal/asm/avr"
	"github.com/tinyrange/avrc/internal/ir"
)

// Convert changes the representation of src to dst's type. Integer widths
// truncate or extend according to the signedness of src; anything touching
// a float goes through the runtime.
func (b *Backend) Convert(dst, src ir.Reg) {
	if !b.ready("convert") {
		return
	}
	if dst.Type.Float() || src.Type.Float() {
		b.convertFloat(dst, src)
		return
	}
	s := b.operand("convert", src, 0)
	if s == nil {
		return
	}
	d := b.define("convert", dst, Request{Avoid: avr.Regs(s...)})
	if d == nil {
		return
	}

	if dst.Type == ir.Bool && src.Type != ir.Bool {
		// XL = OR of all bytes; NEG sets C when XL is nonzero.
		b.op2(avr.KindMOV, avr.XL, s[0])
		for _, r := range s[1:] {
			b.op2(avr.KindOR, avr.XL, r)
		}
		b.op1(avr.KindNEG, avr.XL)
		b.opImm(avr.KindLDI, avr.XH, 0)
		b.op2(avr.KindMOV, d[0], avr.XH)
		b.op2(avr.KindADC, d[0], avr.XH)
		return
	}

	n := len(s)
	if len(d) < n {
		n = len(d)
	}
	b.copyRegs(d[:n], s[:n])
	if len(d) <= len(s) {
		return
	}
	if src.Type.Signed() {
		b.signByte(s[len(s)-1])
		for _, r := range d[n:] {
			b.op2(avr.KindMOV, r, avr.XL)
		}
		return
	}
	for _, r := range d[n:] {
		b.op2(avr.KindEOR, r, r)
	}
}

func (b *Backend) convertFloat(dst, src ir.Reg) {
	if dst.Type == src.Type {
		b.Assign(dst, src)
		return
	}
	if dst.Type == ir.Bool || src.Type == ir.Bool {
		b.fail("convert", "cannot convert %s to %s", src.Type, dst.Type)
		return
	}
	sym, argType, ok := convRoutine(src.Type, dst.Type)
	if !ok {
		b.fail("convert", "no routine converts %s to %s", src.Type, dst.Type)
		return
	}
	s := b.operand("convert", src, 0)
	if s == nil {
		return
	}
	d := b.define("convert", dst, Request{Avoid: avr.Regs(s...)})
	if d == nil {
		return
	}
	b.callRuntime(sym, d, rtArg{regs: s, signed: src.Type.Signed(), size: argType.Size()})
}
