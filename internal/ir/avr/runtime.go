package avr

import (
	"fmt"
	"sort"

	"github.com/tinyrange/avrc/internal/asm/avr"
	"github.com/tinyrange/avrc/internal/ir"
)

// Runtime support symbols the backend calls but never defines.
const (
	RoutineBounds = "__bounds"
	RoutineThrow  = "__throw"
)

// Routine describes a runtime-support routine. Arguments are pushed in
// order, most significant byte first, after a result slot of Result bytes.
type Routine struct {
	Name   string
	Args   []ir.Type
	Result ir.Type
}

// ArgBytes is the number of argument bytes the caller drops after the call.
func (r Routine) ArgBytes() int {
	n := 0
	for _, t := range r.Args {
		n += t.Size()
	}
	return n
}

var routines = map[string]Routine{}

func defRoutine(name string, result ir.Type, args ...ir.Type) {
	routines[name] = Routine{Name: name, Args: args, Result: result}
}

func init() {
	intTypes := map[int]ir.Type{1: ir.I8, 2: ir.I16, 4: ir.I32, 8: ir.I64}
	for w, t := range intTypes {
		if w > 1 {
			defRoutine(fmt.Sprintf("__mul%d", 8*w), t, t, t)
		}
		defRoutine(fmt.Sprintf("__div%d", 8*w), t, t, t)
		defRoutine(fmt.Sprintf("__mod%d", 8*w), t, t, t)
	}
	defRoutine("__udiv16", ir.U16, ir.U16, ir.U16)
	defRoutine("__umod16", ir.U16, ir.U16, ir.U16)

	for _, t := range []ir.Type{ir.F32, ir.F64} {
		bits := 8 * t.Size()
		for _, op := range []string{"fadd", "fsub", "fmul", "fdiv", "fmod"} {
			defRoutine(fmt.Sprintf("__%s%d", op, bits), t, t, t)
		}
		defRoutine(fmt.Sprintf("__fcmp%d", bits), ir.I8, t, t)
	}

	defRoutine("__i2f32", ir.F32, ir.I32)
	defRoutine("__i2f64", ir.F64, ir.I32)
	defRoutine("__l2f32", ir.F32, ir.I64)
	defRoutine("__l2f64", ir.F64, ir.I64)
	defRoutine("__f2i32", ir.I32, ir.F32)
	defRoutine("__d2i32", ir.I32, ir.F64)
	defRoutine("__f2l64", ir.I64, ir.F32)
	defRoutine("__d2l64", ir.I64, ir.F64)
	defRoutine("__f32to64", ir.F64, ir.F32)
	defRoutine("__f64to32", ir.F32, ir.F64)

	defRoutine(RoutineBounds, ir.TypeInvalid)
	defRoutine(RoutineThrow, ir.TypeInvalid, ir.Ptr)
}

// RuntimeRoutines lists every runtime-support routine by name.
func RuntimeRoutines() []Routine {
	out := make([]Routine, 0, len(routines))
	for _, r := range routines {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func LookupRoutine(name string) (Routine, bool) {
	r, ok := routines[name]
	return r, ok
}

// arithRoutine names the routine implementing op on t.
func arithRoutine(op ir.Op, t ir.Type) (string, bool) {
	bits := 8 * t.Size()
	if t.Float() {
		switch op {
		case ir.OpAdd:
			return fmt.Sprintf("__fadd%d", bits), true
		case ir.OpSub:
			return fmt.Sprintf("__fsub%d", bits), true
		case ir.OpMul:
			return fmt.Sprintf("__fmul%d", bits), true
		case ir.OpDiv:
			return fmt.Sprintf("__fdiv%d", bits), true
		case ir.OpMod:
			return fmt.Sprintf("__fmod%d", bits), true
		}
		return "", false
	}
	switch op {
	case ir.OpMul:
		if bits == 8 {
			return "", false
		}
		return fmt.Sprintf("__mul%d", bits), true
	case ir.OpDiv, ir.OpMod:
		name := "div"
		if op == ir.OpMod {
			name = "mod"
		}
		if t == ir.U16 {
			return "__u" + name + "16", true
		}
		return fmt.Sprintf("__%s%d", name, bits), true
	}
	return "", false
}

// convRoutine names the routine converting from to to, and the argument
// type it expects. Integers narrower than 4 bytes are widened on the way in.
func convRoutine(from, to ir.Type) (string, ir.Type, bool) {
	switch {
	case from == ir.F32 && to == ir.F64:
		return "__f32to64", from, true
	case from == ir.F64 && to == ir.F32:
		return "__f64to32", from, true
	case to.Float():
		src := ir.I32
		if from.Size() > 4 {
			src = ir.I64
		}
		name, ok := convNames[[2]ir.Type{src, to}]
		return name, src, ok
	case from.Float():
		res := ir.I32
		if to.Size() > 4 {
			res = ir.I64
		}
		name, ok := convNames[[2]ir.Type{from, res}]
		return name, from, ok
	}
	return "", 0, false
}

var convNames = map[[2]ir.Type]string{
	{ir.I32, ir.F32}: "__i2f32",
	{ir.I32, ir.F64}: "__i2f64",
	{ir.I64, ir.F32}: "__l2f32",
	{ir.I64, ir.F64}: "__l2f64",
	{ir.F32, ir.I32}: "__f2i32",
	{ir.F64, ir.I32}: "__d2i32",
	{ir.F32, ir.I64}: "__f2l64",
	{ir.F64, ir.I64}: "__d2l64",
}

// rtArg is one argument of a runtime call: registers widened to size
// bytes, or an immediate.
type rtArg struct {
	regs   []uint8
	signed bool
	imm    uint64
	size   int
}

// pushArg pushes a, most significant byte first.
func (b *Backend) pushArg(a rtArg) {
	if a.regs == nil {
		last := -1
		for i := a.size - 1; i >= 0; i-- {
			if bv := int(byteOf(a.imm, i)); bv != last {
				b.scratchImm(uint8(bv))
				last = bv
			}
			b.op1(avr.KindPUSH, avr.XL)
		}
		return
	}
	if ext := a.size - len(a.regs); ext > 0 {
		if a.signed {
			b.signByte(a.regs[len(a.regs)-1])
		} else {
			b.scratchImm(0)
		}
		for i := 0; i < ext; i++ {
			b.op1(avr.KindPUSH, avr.XL)
		}
	}
	for i := len(a.regs) - 1; i >= 0; i-- {
		b.op1(avr.KindPUSH, a.regs[i])
	}
}

// pushSlot reserves n bytes for a callee result.
func (b *Backend) pushSlot(n int) {
	for i := 0; i < n; i++ {
		b.op1(avr.KindPUSH, avr.R0)
	}
}

// popResult pops n result bytes into dst, discarding bytes past its width.
func (b *Backend) popResult(dst []uint8, n int) {
	for i := 0; i < n; i++ {
		r := uint8(avr.R0)
		if i < len(dst) {
			r = dst[i]
		}
		b.op1(avr.KindPOP, r)
	}
}

// callRuntime calls a runtime routine and pops its result into dst. Live
// registers in the routine's clobber set, other than dst, are saved around
// the call.
func (b *Backend) callRuntime(sym string, dst []uint8, args ...rtArg) {
	rt, ok := routines[sym]
	if !ok {
		b.fail("runtime", "unknown routine %q", sym)
		return
	}
	if len(args) != len(rt.Args) {
		b.fail("runtime", "%s takes %d arguments, got %d", sym, len(rt.Args), len(args))
		return
	}

	var saved avr.RegSet
	for _, bind := range b.regs.Live() {
		saved |= bind.Mask() & avr.RuntimeClobber
	}
	saved &^= avr.Regs(dst...)
	saved.Each(func(r uint8) { b.op1(avr.KindPUSH, r) })

	b.pushSlot(rt.Result.Size())
	for _, a := range args {
		b.pushArg(a)
	}
	b.emit(avr.Instruction{
		Kind:    avr.KindCALL,
		Sym:     sym,
		Aux:     int32(rt.ArgBytes()),
		Clobber: avr.RuntimeClobber,
	})
	b.dropBytes(rt.ArgBytes())
	b.popResult(dst, rt.Result.Size())

	for r := int(bankHi); r >= bankLo; r-- {
		if saved.Has(uint8(r)) {
			b.op1(avr.KindPOP, uint8(r))
		}
	}
}

func regArg(regs []uint8, t ir.Type) rtArg {
	return rtArg{regs: regs, signed: t.Signed(), size: t.Size()}
}

func (b *Backend) runtimeBinary(op ir.Op, dst, x, y ir.Reg) {
	sym, ok := arithRoutine(op, dst.Type)
	if !ok {
		b.fail("binary", "no routine for %s on %s", op, dst.Type)
		return
	}
	ops := b.operands("binary", x, y)
	if ops == nil {
		return
	}
	d := b.define("binary", dst, Request{Avoid: mask(ops...)})
	if d == nil {
		return
	}
	b.callRuntime(sym, d, regArg(ops[0], x.Type), regArg(ops[1], y.Type))
}

func (b *Backend) runtimeBinaryImm(op ir.Op, dst, x ir.Reg, imm int64) {
	sym, ok := arithRoutine(op, dst.Type)
	if !ok {
		b.fail("binary_imm", "no routine for %s on %s", op, dst.Type)
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
	b.callRuntime(sym, d, regArg(a, x.Type), rtArg{imm: uint64(imm), size: dst.Type.Size()})
}
