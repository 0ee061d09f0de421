package sim

import (
	"fmt"
	"math"
	"sort"

	"github.com/tinyrange/avrc/internal/asm"
)

// ThrowLayout locates the exception frame chain for the __throw hook.
type ThrowLayout struct {
	// Global is the data address of the current-frame pointer.
	Global  uint16
	Prev    int
	Resume  int
	SavedY  int
	SavedSP int
	Exc     int
}

// StackArgs reads the arguments of a hooked call. sizes are given in
// declaration order; the last argument sits directly above SP.
func (c *CPU) StackArgs(sizes ...int) []uint64 {
	out := make([]uint64, len(sizes))
	at := c.SP + 1
	for i := len(sizes) - 1; i >= 0; i-- {
		var v uint64
		for b := 0; b < sizes[i]; b++ {
			v |= uint64(c.Read(at+uint16(b))) << (8 * b)
		}
		out[i] = v
		at += uint16(sizes[i])
	}
	return out
}

// SetResult writes v into the result slot reserved above argBytes of
// arguments.
func (c *CPU) SetResult(argBytes, size int, v uint64) {
	at := c.SP + 1 + uint16(argBytes)
	for b := 0; b < size; b++ {
		c.Write(at+uint16(b), uint8(v>>(8*b)))
	}
}

type routine struct {
	args   []int
	result int
	fn     func(args []uint64) (uint64, error)
}

func (r routine) hook() Hook {
	return func(c *CPU) error {
		args := c.StackArgs(r.args...)
		v, err := r.fn(args)
		if err != nil {
			return err
		}
		n := 0
		for _, s := range r.args {
			n += s
		}
		c.SetResult(n, r.result, v)
		return nil
	}
}

func sext(v uint64, size int) int64 {
	shift := 64 - 8*size
	return int64(v<<shift) >> shift
}

func intRoutines(out map[string]routine) {
	for _, size := range []int{1, 2, 4, 8} {
		size := size
		bits := 8 * size
		if size > 1 {
			out[fmt.Sprintf("__mul%d", bits)] = routine{[]int{size, size}, size, func(a []uint64) (uint64, error) {
				return a[0] * a[1], nil
			}}
		}
		out[fmt.Sprintf("__div%d", bits)] = routine{[]int{size, size}, size, func(a []uint64) (uint64, error) {
			x, y := sext(a[0], size), sext(a[1], size)
			if y == 0 {
				return 0, ErrDivide
			}
			if y == -1 {
				return uint64(-x), nil
			}
			return uint64(x / y), nil
		}}
		out[fmt.Sprintf("__mod%d", bits)] = routine{[]int{size, size}, size, func(a []uint64) (uint64, error) {
			x, y := sext(a[0], size), sext(a[1], size)
			if y == 0 {
				return 0, ErrDivide
			}
			if y == -1 {
				return 0, nil
			}
			return uint64(x % y), nil
		}}
	}
	out["__udiv16"] = routine{[]int{2, 2}, 2, func(a []uint64) (uint64, error) {
		if a[1] == 0 {
			return 0, ErrDivide
		}
		return a[0] / a[1], nil
	}}
	out["__umod16"] = routine{[]int{2, 2}, 2, func(a []uint64) (uint64, error) {
		if a[1] == 0 {
			return 0, ErrDivide
		}
		return a[0] % a[1], nil
	}}
}

func toFloat(v uint64, size int) float64 {
	if size == 4 {
		return float64(math.Float32frombits(uint32(v)))
	}
	return math.Float64frombits(v)
}

func fromFloat(f float64, size int) uint64 {
	if size == 4 {
		return uint64(math.Float32bits(float32(f)))
	}
	return math.Float64bits(f)
}

// saturate converts f to a signed integer of size bytes, clamping at the
// type's range. NaN converts to zero.
func saturate(f float64, size int) uint64 {
	if math.IsNaN(f) {
		return 0
	}
	hi := math.Ldexp(1, 8*size-1)
	switch {
	case f >= hi:
		return uint64(1)<<(8*size-1) - 1
	case f < -hi:
		return uint64(1) << (8*size - 1)
	}
	return uint64(int64(f))
}

func floatRoutines(out map[string]routine) {
	for _, size := range []int{4, 8} {
		size := size
		bits := 8 * size
		ops := map[string]func(x, y float64) float64{
			"fadd": func(x, y float64) float64 { return x + y },
			"fsub": func(x, y float64) float64 { return x - y },
			"fmul": func(x, y float64) float64 { return x * y },
			"fdiv": func(x, y float64) float64 { return x / y },
			"fmod": math.Mod,
		}
		for name, op := range ops {
			op := op
			out[fmt.Sprintf("__%s%d", name, bits)] = routine{[]int{size, size}, size, func(a []uint64) (uint64, error) {
				x, y := toFloat(a[0], size), toFloat(a[1], size)
				r := op(x, y)
				if size == 4 {
					r = float64(float32(r))
				}
				return fromFloat(r, size), nil
			}}
		}
		out[fmt.Sprintf("__fcmp%d", bits)] = routine{[]int{size, size}, 1, func(a []uint64) (uint64, error) {
			x, y := toFloat(a[0], size), toFloat(a[1], size)
			switch {
			case x < y:
				return 0xFF, nil
			case x == y:
				return 0, nil
			}
			return 1, nil
		}}
	}

	conv := func(name string, from, to int, fn func(v uint64) uint64) {
		out[name] = routine{[]int{from}, to, func(a []uint64) (uint64, error) { return fn(a[0]), nil }}
	}
	conv("__i2f32", 4, 4, func(v uint64) uint64 { return fromFloat(float64(int32(v)), 4) })
	conv("__i2f64", 4, 8, func(v uint64) uint64 { return fromFloat(float64(int32(v)), 8) })
	conv("__l2f32", 8, 4, func(v uint64) uint64 { return fromFloat(float64(float32(int64(v))), 4) })
	conv("__l2f64", 8, 8, func(v uint64) uint64 { return fromFloat(float64(int64(v)), 8) })
	conv("__f2i32", 4, 4, func(v uint64) uint64 { return saturate(toFloat(v, 4), 4) })
	conv("__d2i32", 8, 4, func(v uint64) uint64 { return saturate(toFloat(v, 8), 4) })
	conv("__f2l64", 4, 8, func(v uint64) uint64 { return saturate(toFloat(v, 4), 8) })
	conv("__d2l64", 8, 8, func(v uint64) uint64 { return saturate(toFloat(v, 8), 8) })
	conv("__f32to64", 4, 8, func(v uint64) uint64 { return fromFloat(toFloat(v, 4), 8) })
	conv("__f64to32", 8, 4, func(v uint64) uint64 { return fromFloat(toFloat(v, 8), 4) })
}

// Runtime returns Go implementations of the runtime-support routines,
// keyed by symbol.
func Runtime(l ThrowLayout) map[string]Hook {
	table := make(map[string]routine)
	intRoutines(table)
	floatRoutines(table)

	hooks := make(map[string]Hook, len(table)+2)
	for name, r := range table {
		hooks[name] = r.hook()
	}
	hooks["__bounds"] = func(c *CPU) error { return ErrBounds }
	hooks["__throw"] = func(c *CPU) error { return c.throw(l) }
	return hooks
}

// throw delivers the exception above SP to the current frame and resumes
// its handler with the frame's Y and SP. The frame is unlinked.
func (c *CPU) throw(l ThrowLayout) error {
	exc := uint16(c.StackArgs(2)[0])
	f := c.Read16(l.Global)
	if f == 0 {
		return fmt.Errorf("%w: value %#x", ErrUncaught, exc)
	}
	c.Write16(f+uint16(l.Exc), exc)
	c.Write16(l.Global, c.Read16(f+uint16(l.Prev)))
	c.SetPair(28, c.Read16(f+uint16(l.SavedY)))
	c.SP = c.Read16(f + uint16(l.SavedSP))
	var pc uint32
	for i := 0; i < c.cfg.CodePointerSize; i++ {
		pc |= uint32(c.Read(f+uint16(l.Resume+i))) << (8 * i)
	}
	c.log.Debug("throw", "exc", exc, "frame", f, "resume", pc*2)
	c.PC = pc
	return nil
}

// InstallRuntime places each hook at its own word from byte address at,
// defines its symbol in im and returns the address map.
func (c *CPU) InstallRuntime(im *asm.Image, hooks map[string]Hook, at uint32) map[string]uint32 {
	names := make([]string, 0, len(hooks))
	for name := range hooks {
		names = append(names, name)
	}
	sort.Strings(names)
	addrs := make(map[string]uint32, len(names))
	for i, name := range names {
		addr := at + uint32(2*i)
		im.DefineCode(name, addr)
		c.Hook(addr/2, hooks[name])
		addrs[name] = addr
	}
	return addrs
}
