package ir

import (
	"context"
	"fmt"
	"math"

	"github.com/tinyrange/avrc/internal/asm"
)

// LowerOptions tunes the driver.
type LowerOptions struct {
	// Progress is called after each procedure is finalized.
	Progress func(name string)
	// Only restricts lowering to the named procedures when non-empty.
	Only map[string]bool
}

// Lower drives b through every procedure of p and returns the encoded
// programs in declaration order. The context is checked between procedures.
func Lower(ctx context.Context, b Backend, p *Program, opts LowerOptions) ([]asm.Program, error) {
	var out []asm.Program
	for _, sym := range p.Vectors {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b.BeginProcedure(ProcedureInfo{Name: "__vector_" + sym, Inline: true})
		b.HeaderVector(sym)
		b.EndProcedure()
		prog, err := b.Finalize()
		if err != nil {
			return nil, err
		}
		out = append(out, prog)
	}
	for _, src := range p.Procedures {
		if len(opts.Only) > 0 && !opts.Only[src.Name] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		prog, err := lowerProcedure(b, src)
		if err != nil {
			return nil, err
		}
		out = append(out, prog)
		if opts.Progress != nil {
			opts.Progress(src.Name)
		}
	}
	return out, nil
}

type procLowering struct {
	b      Backend
	name   string
	types  map[int]Type
	labels map[string]Label
}

func lowerProcedure(b Backend, src ProcedureSource) (asm.Program, error) {
	info, err := src.Info()
	if err != nil {
		return asm.Program{}, err
	}
	pl := &procLowering{
		b:      b,
		name:   src.Name,
		types:  make(map[int]Type),
		labels: make(map[string]Label),
	}
	b.BeginProcedure(info)
	if err := b.Err(); err != nil {
		return asm.Program{}, err
	}
	for i, in := range src.Ops {
		if err := pl.lower(in); err != nil {
			return asm.Program{}, fmt.Errorf("ir: %s op %d (%s): %w", src.Name, i, in.Op, err)
		}
		if err := b.Err(); err != nil {
			return asm.Program{}, fmt.Errorf("ir: %s op %d (%s): %w", src.Name, i, in.Op, err)
		}
	}
	b.EndProcedure()
	if err := b.Err(); err != nil {
		return asm.Program{}, err
	}
	return b.Finalize()
}

func (pl *procLowering) label(name string) (Label, error) {
	if name == "" {
		return NoLabel, fmt.Errorf("missing label")
	}
	if l, ok := pl.labels[name]; ok {
		return l, nil
	}
	l := pl.b.NewLabel()
	pl.labels[name] = l
	return l, nil
}

// def introduces register n with the type named by in.Type, or inherits
// from inherit when no type is given.
func (pl *procLowering) def(n int, typ string, inherit Type) (Reg, error) {
	if n <= 0 {
		return Reg{}, fmt.Errorf("missing destination register")
	}
	t := inherit
	if typ != "" {
		var err error
		if t, err = ParseType(typ); err != nil {
			return Reg{}, err
		}
	}
	if t == TypeInvalid {
		return Reg{}, fmt.Errorf("register %d has no type", n)
	}
	pl.types[n] = t
	return Reg{Num: n, Type: t}, nil
}

func (pl *procLowering) use(n int) (Reg, error) {
	t, ok := pl.types[n]
	if !ok {
		return Reg{}, fmt.Errorf("register %d used before definition", n)
	}
	return Reg{Num: n, Type: t}, nil
}

func (pl *procLowering) uses(ns []int) ([]Reg, error) {
	out := make([]Reg, 0, len(ns))
	for _, n := range ns {
		r, err := pl.use(n)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (pl *procLowering) result(n int, typ string) (*Reg, error) {
	if n == 0 {
		return nil, nil
	}
	r, err := pl.def(n, typ, TypeInvalid)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (pl *procLowering) lower(in Instr) error {
	b := pl.b
	switch in.Op {
	case "const":
		dst, err := pl.def(in.Dst, in.Type, TypeInvalid)
		if err != nil {
			return err
		}
		v := in.Value
		switch dst.Type {
		case F32:
			v = int64(math.Float32bits(float32(in.Float)))
		case F64:
			v = int64(math.Float64bits(in.Float))
		}
		b.Const(dst, v)
	case "assign":
		src, err := pl.use(in.A)
		if err != nil {
			return err
		}
		dst, err := pl.def(in.Dst, in.Type, src.Type)
		if err != nil {
			return err
		}
		b.Assign(dst, src)
	case "binary", "binary_imm", "unary", "shift", "shift_imm":
		return pl.lowerArith(in)
	case "convert":
		src, err := pl.use(in.A)
		if err != nil {
			return err
		}
		dst, err := pl.def(in.Dst, in.Type, TypeInvalid)
		if err != nil {
			return err
		}
		b.Convert(dst, src)
	case "label":
		l, err := pl.label(in.Label)
		if err != nil {
			return err
		}
		b.PlaceLabel(l)
	case "jump":
		l, err := pl.label(in.Label)
		if err != nil {
			return err
		}
		b.Jump(l)
	case "compare", "compare_imm":
		return pl.lowerCompare(in)
	case "param":
		dst, err := pl.def(in.Dst, in.Type, TypeInvalid)
		if err != nil {
			return err
		}
		b.LoadParam(dst, in.Index)
	case "load_local":
		dst, err := pl.def(in.Dst, in.Type, TypeInvalid)
		if err != nil {
			return err
		}
		b.LoadLocal(dst, in.Offset)
	case "store_local":
		src, err := pl.use(in.A)
		if err != nil {
			return err
		}
		b.StoreLocal(in.Offset, src)
	case "addr_local":
		dst, err := pl.def(in.Dst, "", Ptr)
		if err != nil {
			return err
		}
		b.AddressOfLocal(dst, in.Offset)
	case "addr":
		dst, err := pl.def(in.Dst, "", Ptr)
		if err != nil {
			return err
		}
		b.LoadAddress(dst, in.Sym)
	case "load", "store", "index", "index_store", "io_read", "io_write":
		return pl.lowerMemory(in)
	case "call", "call_indirect", "call_virtual":
		return pl.lowerCall(in)
	case "push":
		src, err := pl.use(in.A)
		if err != nil {
			return err
		}
		b.Push(src)
	case "pop":
		dst, err := pl.def(in.Dst, in.Type, TypeInvalid)
		if err != nil {
			return err
		}
		b.Pop(dst)
	case "discard":
		b.Discard(in.Bytes)
	case "return":
		if in.A == 0 {
			b.Return(nil)
			return nil
		}
		v, err := pl.use(in.A)
		if err != nil {
			return err
		}
		b.Return(&v)
	case "release":
		regs, err := pl.uses(append(in.Regs, nonZero(in.A)...))
		if err != nil {
			return err
		}
		for _, r := range regs {
			b.Release(r)
		}
	case "build_frame", "update_frame", "reset_frame", "throw", "load_exception":
		return pl.lowerThrow(in)
	default:
		return fmt.Errorf("unknown op %q", in.Op)
	}
	return nil
}

func nonZero(n int) []int {
	if n == 0 {
		return nil
	}
	return []int{n}
}

func (pl *procLowering) lowerArith(in Instr) error {
	op, err := ParseOp(in.Arith)
	if err != nil {
		return err
	}
	a, err := pl.use(in.A)
	if err != nil {
		return err
	}
	dst, err := pl.def(in.Dst, in.Type, a.Type)
	if err != nil {
		return err
	}
	switch in.Op {
	case "binary":
		b, err := pl.use(in.B)
		if err != nil {
			return err
		}
		pl.b.Binary(op, dst, a, b)
	case "binary_imm":
		pl.b.BinaryImm(op, dst, a, in.Value)
	case "unary":
		pl.b.Unary(op, dst, a)
	case "shift":
		amount, err := pl.use(in.B)
		if err != nil {
			return err
		}
		pl.b.Shift(op, dst, a, amount)
	case "shift_imm":
		pl.b.ShiftImm(op, dst, a, int(in.Value))
	}
	return nil
}

func (pl *procLowering) lowerCompare(in Instr) error {
	c, err := ParseCond(in.Cond)
	if err != nil {
		return err
	}
	l, err := pl.label(in.Label)
	if err != nil {
		return err
	}
	a, err := pl.use(in.A)
	if err != nil {
		return err
	}
	if in.Op == "compare_imm" {
		pl.b.CompareImm(c, a, in.Value, l)
		return nil
	}
	b, err := pl.use(in.B)
	if err != nil {
		return err
	}
	pl.b.Compare(c, a, b, l)
	return nil
}

func (pl *procLowering) lowerMemory(in Instr) error {
	b := pl.b
	switch in.Op {
	case "load":
		ptr, err := pl.use(in.A)
		if err != nil {
			return err
		}
		dst, err := pl.def(in.Dst, in.Type, TypeInvalid)
		if err != nil {
			return err
		}
		b.Load(dst, ptr, in.Offset)
	case "store":
		ptr, err := pl.use(in.A)
		if err != nil {
			return err
		}
		src, err := pl.use(in.B)
		if err != nil {
			return err
		}
		b.Store(ptr, in.Offset, src)
	case "index":
		regs, err := pl.uses([]int{in.A, in.B})
		if err != nil {
			return err
		}
		dst, err := pl.def(in.Dst, in.Type, TypeInvalid)
		if err != nil {
			return err
		}
		b.Index(dst, regs[0], regs[1])
	case "index_store":
		regs, err := pl.uses([]int{in.A, in.B, in.C})
		if err != nil {
			return err
		}
		b.IndexStore(regs[0], regs[1], regs[2])
	case "io_read":
		dst, err := pl.def(in.Dst, in.Type, TypeInvalid)
		if err != nil {
			return err
		}
		b.IORead(dst, in.Addr)
	case "io_write":
		src, err := pl.use(in.A)
		if err != nil {
			return err
		}
		b.IOWrite(in.Addr, src)
	}
	return nil
}

func (pl *procLowering) lowerCall(in Instr) error {
	args, err := pl.uses(in.Args)
	if err != nil {
		return err
	}
	var target Reg
	if in.Op != "call" {
		if target, err = pl.use(in.A); err != nil {
			return err
		}
	}
	res, err := pl.result(in.Dst, in.Type)
	if err != nil {
		return err
	}
	switch in.Op {
	case "call":
		if in.Sym == "" {
			return fmt.Errorf("call without a symbol")
		}
		pl.b.CallDirect(in.Sym, args, res)
	case "call_indirect":
		pl.b.CallIndirect(target, args, res)
	case "call_virtual":
		pl.b.CallVirtual(target, in.Slot, args, res)
	}
	return nil
}

func (pl *procLowering) lowerThrow(in Instr) error {
	b := pl.b
	switch in.Op {
	case "build_frame", "update_frame":
		l, err := pl.label(in.Label)
		if err != nil {
			return err
		}
		if in.Op == "update_frame" {
			b.UpdateFrame(in.Frame, l)
			return nil
		}
		var classCtx, instCtx *Reg
		if in.A != 0 {
			r, err := pl.use(in.A)
			if err != nil {
				return err
			}
			classCtx = &r
		}
		if in.B != 0 {
			r, err := pl.use(in.B)
			if err != nil {
				return err
			}
			instCtx = &r
		}
		b.BuildFrame(in.Frame, l, classCtx, instCtx)
	case "reset_frame":
		b.ResetFrame(in.Frame)
	case "throw":
		exc, err := pl.use(in.A)
		if err != nil {
			return err
		}
		b.Throw(exc)
	case "load_exception":
		dst, err := pl.def(in.Dst, "", Ptr)
		if err != nil {
			return err
		}
		b.LoadException(dst, in.Frame)
	}
	return nil
}
