package avr

import (
	"github.com/tinyrange/avrc/internal/asm/avr"
	"github.com/tinyrange/avrc/internal/ir"
)

// vtableEntrySize is the width of one entry in a virtual dispatch table.
// Entries hold word addresses for ICALL.
const vtableEntrySize = 2

// callSetup resolves arguments (and the call target, if any), allocates the
// destination and pushes the result slot and the arguments. It returns the
// target registers, the destination registers and the argument byte count.
func (b *Backend) callSetup(op string, target *ir.Reg, args []ir.Reg, dst *ir.Reg) (fn, d []uint8, argBytes int, ok bool) {
	all := append([]ir.Reg(nil), args...)
	if target != nil {
		all = append(all, *target)
	}
	var ops [][]uint8
	if len(all) > 0 {
		if ops = b.operands(op, all...); ops == nil {
			return nil, nil, 0, false
		}
	}
	if target != nil {
		fn = ops[len(ops)-1]
		if len(fn) != 2 {
			b.fail(op, "call target register %d is %s", target.Num, target.Type)
			return nil, nil, 0, false
		}
	}
	if dst != nil {
		if d = b.define(op, *dst, Request{Avoid: mask(ops...)}); d == nil {
			return nil, nil, 0, false
		}
		b.pushSlot(len(d))
	}
	for i := range args {
		b.pushArg(regArg(ops[i], args[i].Type))
		argBytes += len(ops[i])
	}
	return fn, d, argBytes, true
}

func (b *Backend) callFinish(d []uint8, argBytes int) {
	b.dropBytes(argBytes)
	b.popResult(d, len(d))
}

// CallDirect calls sym. Arguments are pushed in order after a result slot;
// the callee preserves every allocatable register it writes.
func (b *Backend) CallDirect(sym string, args []ir.Reg, dst *ir.Reg) {
	if !b.ready("call") {
		return
	}
	if sym == "" {
		b.fail("call", "call without a symbol")
		return
	}
	_, d, n, ok := b.callSetup("call", nil, args, dst)
	if !ok {
		return
	}
	b.emit(avr.Instruction{Kind: avr.KindCALL, Sym: sym, Aux: int32(n)})
	b.callFinish(d, n)
}

// CallIndirect calls the code address held in fn.
func (b *Backend) CallIndirect(fn ir.Reg, args []ir.Reg, dst *ir.Reg) {
	if !b.ready("call_indirect") {
		return
	}
	f, d, n, ok := b.callSetup("call_indirect", &fn, args, dst)
	if !ok {
		return
	}
	b.copyRegs(regsZ, f)
	b.emit(avr.Instruction{Kind: avr.KindICALL, Aux: int32(n)})
	b.callFinish(d, n)
}

// CallVirtual calls entry slot of the dispatch table referenced by the
// first two bytes of the object obj points to.
func (b *Backend) CallVirtual(obj ir.Reg, slot int, args []ir.Reg, dst *ir.Reg) {
	if !b.ready("call_virtual") {
		return
	}
	if slot < 0 {
		b.fail("call_virtual", "negative slot %d", slot)
		return
	}
	o, d, n, ok := b.callSetup("call_virtual", &obj, args, dst)
	if !ok {
		return
	}
	b.copyRegs(regsZ, o)
	b.opImm(avr.KindLDDZ, avr.R0, 0)
	b.opImm(avr.KindLDDZ, avr.R1, 1)
	b.op2(avr.KindMOVW, avr.ZL, avr.R0)
	disp := slot * vtableEntrySize
	if disp+1 > maxDisp {
		b.addImmPair(avr.ZL, disp)
		disp = 0
	}
	b.opImm(avr.KindLDDZ, avr.R0, int32(disp))
	b.opImm(avr.KindLDDZ, avr.ZH, int32(disp+1))
	b.op2(avr.KindMOV, avr.ZL, avr.R0)
	b.emit(avr.Instruction{Kind: avr.KindICALL, Aux: int32(n)})
	b.callFinish(d, n)
}

// Push places v on the hardware stack, most significant byte first.
func (b *Backend) Push(v ir.Reg) {
	if !b.ready("push") {
		return
	}
	s := b.operand("push", v, 0)
	if s == nil {
		return
	}
	for i := len(s) - 1; i >= 0; i-- {
		b.op1(avr.KindPUSH, s[i])
	}
	b.regs.PushAnon(len(s))
}

// Pop takes the top of the stack into dst. It never spills, since a spill
// would bury the value being popped.
func (b *Backend) Pop(dst ir.Reg) {
	if !b.ready("pop") {
		return
	}
	b.dropBytes(b.regs.collapse())
	if err := b.regs.PopAnon(dst.Type.Size()); err != nil {
		b.failErr(err)
		return
	}
	d := b.define("pop", dst, Request{NoSpill: true})
	if d == nil {
		return
	}
	for _, r := range d {
		b.op1(avr.KindPOP, r)
	}
}

// Discard drops n bytes of pushed values.
func (b *Backend) Discard(n int) {
	if !b.ready("discard") {
		return
	}
	if n < 0 {
		b.fail("discard", "negative byte count %d", n)
		return
	}
	b.dropBytes(b.regs.collapse())
	if err := b.regs.PopAnon(n); err != nil {
		b.failErr(err)
		return
	}
	b.dropBytes(n)
}
