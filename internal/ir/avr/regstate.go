package avr

import (
	"sort"

	"github.com/tinyrange/avrc/internal/asm/avr"
	"github.com/tinyrange/avrc/internal/ir"
)

// Allocatable register bank. r0/r1 and X, Y, Z are reserved.
const (
	bankLo = 2
	bankHi = 25
)

var bankMask = avr.RegRange(bankLo, bankHi-bankLo+1)

// Binding maps one IR register onto physical registers, low byte first.
type Binding struct {
	Num     int
	Type    ir.Type
	Regs    []uint8
	Spilled bool
}

func (b *Binding) Mask() avr.RegSet { return avr.Regs(b.Regs...) }

// Window is the range of IR register numbers that may be allocated. Base
// only moves forward, and only when older registers are spilled.
type Window struct {
	Base      int
	HighWater int
	last      int
}

type stackItem struct {
	num   int // -1 for anonymous pushes
	width int
	dead  bool
}

// Request constrains an allocation.
type Request struct {
	Avoid avr.RegSet
	// Hint lists preferred registers, tried first and in order.
	Hint []uint8
	// Upper requires every byte to live in r16..r31.
	Upper bool
	// NoSpill fails instead of pushing victims. Used while something the
	// caller needs is on top of the stack.
	NoSpill bool
	// Restore allows rebinding a number below the window base.
	Restore bool
}

// RegState tracks physical register ownership for one procedure.
type RegState struct {
	Used    avr.RegSet
	Written avr.RegSet
	Window  Window

	start int
	bound map[int]*Binding
	stack []stackItem
}

// NewRegState returns an empty state whose general search starts at
// allocStart and wraps around the bank.
func NewRegState(allocStart uint8) *RegState {
	rs := &RegState{start: int(allocStart)}
	if rs.start < bankLo || rs.start > bankHi {
		rs.start = 16
	}
	rs.Reset()
	return rs
}

// Reset forgets every binding. Called at non-inlined procedure boundaries.
func (rs *RegState) Reset() {
	rs.Used, rs.Written = 0, 0
	rs.Window = Window{}
	rs.bound = make(map[int]*Binding)
	rs.stack = rs.stack[:0]
}

func (rs *RegState) Lookup(num int) (*Binding, bool) {
	b, ok := rs.bound[num]
	return b, ok
}

// Live returns register-resident bindings ordered by IR number.
func (rs *RegState) Live() []*Binding {
	var out []*Binding
	for _, b := range rs.bound {
		if !b.Spilled {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Num < out[j].Num })
	return out
}

// Depth returns the number of bytes this state has pushed on the stack.
func (rs *RegState) Depth() int {
	n := 0
	for _, it := range rs.stack {
		n += it.width
	}
	return n
}

// order returns the bank scan order starting at the rotation point.
func (rs *RegState) order() []uint8 {
	out := make([]uint8, 0, bankHi-bankLo+1)
	for r := rs.start; r <= bankHi; r++ {
		out = append(out, uint8(r))
	}
	for r := bankLo; r < rs.start; r++ {
		out = append(out, uint8(r))
	}
	return out
}

func (rs *RegState) free(r uint8, req Request) bool {
	if !bankMask.Has(r) || rs.Used.Has(r) || req.Avoid.Has(r) {
		return false
	}
	return !req.Upper || r >= 16
}

// pick runs the non-spilling tiers: reuse hint, aligned pair, general search.
func (rs *RegState) pick(width int, req Request) []uint8 {
	var got []uint8
	taken := avr.RegSet(0)
	for _, r := range req.Hint {
		if len(got) == width {
			break
		}
		if rs.free(r, req) && !taken.Has(r) {
			got = append(got, r)
			taken |= 1 << r
		}
	}
	if len(got) == width {
		return got
	}

	if width >= 2 && width%2 == 0 {
	scan:
		for _, lo := range rs.order() {
			if lo%2 != 0 || int(lo)+width-1 > bankHi {
				continue
			}
			for i := 0; i < width; i++ {
				if !rs.free(lo+uint8(i), req) {
					continue scan
				}
			}
			out := make([]uint8, width)
			for i := range out {
				out[i] = lo + uint8(i)
			}
			return out
		}
	}

	got = got[:0]
	for _, r := range rs.order() {
		if len(got) == width {
			break
		}
		if rs.free(r, req) {
			got = append(got, r)
		}
	}
	if len(got) == width {
		sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
		return got
	}
	return nil
}

// Allocate binds r to physical registers. Victims spilled to make room are
// returned in push order; the caller emits the pushes.
func (rs *RegState) Allocate(r ir.Reg, req Request) (*Binding, []*Binding, error) {
	if b, ok := rs.bound[r.Num]; ok {
		if b.Spilled {
			return nil, nil, internalf("allocate", "register %d is spilled", r.Num)
		}
		if b.Type.Size() != r.Type.Size() {
			return nil, nil, internalf("allocate", "register %d redefined from %s to %s", r.Num, b.Type, r.Type)
		}
		b.Type = r.Type
		return b, nil, nil
	}
	if !req.Restore {
		if r.Num < rs.Window.Base {
			return nil, nil, internalf("allocate", "register %d below window base %d", r.Num, rs.Window.Base)
		}
		if r.Num < rs.Window.last {
			return nil, nil, internalf("allocate", "register %d requested after %d", r.Num, rs.Window.last)
		}
	}
	width := r.Type.Size()
	if width == 0 {
		return nil, nil, internalf("allocate", "register %d has no size", r.Num)
	}

	var victims []*Binding
	regs := rs.pick(width, req)
	for regs == nil {
		if req.NoSpill {
			return nil, nil, internalf("allocate", "no free registers for %d without spilling", r.Num)
		}
		v := rs.victim(req)
		if v == nil {
			return nil, nil, internalf("allocate", "register file exhausted for %d (%d bytes)", r.Num, width)
		}
		rs.spill(v)
		victims = append(victims, v)
		regs = rs.pick(width, req)
	}

	b := &Binding{Num: r.Num, Type: r.Type, Regs: regs}
	rs.bound[r.Num] = b
	rs.Used |= b.Mask()
	if !req.Restore && r.Num > rs.Window.last {
		rs.Window.last = r.Num
	}
	if r.Num > rs.Window.HighWater {
		rs.Window.HighWater = r.Num
	}
	return b, victims, nil
}

// victim returns the oldest register-resident binding that does not touch
// the avoid set.
func (rs *RegState) victim(req Request) *Binding {
	for _, b := range rs.Live() {
		if b.Mask()&req.Avoid == 0 {
			return b
		}
	}
	return nil
}

func (rs *RegState) spill(v *Binding) {
	rs.Used &^= v.Mask()
	v.Spilled = true
	rs.stack = append(rs.stack, stackItem{num: v.Num, width: len(v.Regs)})
	if v.Num+1 > rs.Window.Base {
		rs.Window.Base = v.Num + 1
	}
}

// Restoration describes how a spilled value returns to registers.
type Restoration struct {
	*Binding
	// Victims were spilled to make room, in push order.
	Victims []*Binding
	// Above is the number of stack bytes over the value once the victims
	// are pushed. Zero means the value is popped; otherwise it is read in
	// place and its bytes stay behind as a dead stack item.
	Above int
	// Drop is the number of dead bytes the caller must drop after popping.
	Drop int
}

// Restore brings a spilled register back. A value on top of the stack is
// popped when registers are free. Otherwise registers are allocated as for
// a new value, spilling if needed, and the value is read from beneath the
// bytes above it.
func (rs *RegState) Restore(num int, avoid avr.RegSet) (Restoration, error) {
	b, ok := rs.bound[num]
	if !ok || !b.Spilled {
		return Restoration{}, internalf("restore", "register %d is not spilled", num)
	}
	at := rs.stackIndex(num)
	if at < 0 {
		return Restoration{}, internalf("restore", "spilled register %d has no stack slot", num)
	}
	if at == len(rs.stack)-1 {
		if regs := rs.pick(len(b.Regs), Request{Avoid: avoid}); regs != nil {
			rs.stack = rs.stack[:at]
			b.Regs, b.Spilled = regs, false
			rs.Used |= b.Mask()
			return Restoration{Binding: b, Drop: rs.collapse()}, nil
		}
	}

	delete(rs.bound, num)
	nb, victims, err := rs.Allocate(ir.Reg{Num: num, Type: b.Type}, Request{Avoid: avoid, Restore: true})
	if err != nil {
		rs.bound[num] = b
		return Restoration{}, err
	}
	above := 0
	for _, it := range rs.stack[at+1:] {
		above += it.width
	}
	rs.stack[at] = stackItem{num: -1, width: rs.stack[at].width, dead: true}
	return Restoration{Binding: nb, Victims: victims, Above: above}, nil
}

// stackIndex returns the position of num's live stack item, or -1.
func (rs *RegState) stackIndex(num int) int {
	for i := len(rs.stack) - 1; i >= 0; i-- {
		if it := rs.stack[i]; it.num == num && !it.dead {
			return i
		}
	}
	return -1
}

// collapse drops dead items from the top of the stack and returns their
// total width.
func (rs *RegState) collapse() int {
	n := 0
	for len(rs.stack) > 0 && rs.stack[len(rs.stack)-1].dead {
		n += rs.stack[len(rs.stack)-1].width
		rs.stack = rs.stack[:len(rs.stack)-1]
	}
	return n
}

// Release ends the lifetime of num. It returns the registers freed and the
// number of stack bytes the caller must drop.
func (rs *RegState) Release(num int) (avr.RegSet, int, error) {
	b, ok := rs.bound[num]
	if !ok {
		return 0, 0, internalf("release", "register %d is not bound", num)
	}
	delete(rs.bound, num)
	if !b.Spilled {
		rs.Used &^= b.Mask()
		return b.Mask(), 0, nil
	}
	for i := len(rs.stack) - 1; i >= 0; i-- {
		if rs.stack[i].num == num {
			rs.stack[i].dead = true
			break
		}
	}
	return 0, rs.collapse(), nil
}

// Top returns the IR number of the topmost live spilled value, or -1.
func (rs *RegState) Top() int {
	for i := len(rs.stack) - 1; i >= 0; i-- {
		it := rs.stack[i]
		if it.dead {
			continue
		}
		return it.num
	}
	return -1
}

// Mark returns a position in the spill stack for Unwind.
func (rs *RegState) Mark() int { return len(rs.stack) }

// Unwind discards stack items above mark. Values spilled there are lost and
// their bindings are dropped.
func (rs *RegState) Unwind(mark int) {
	if mark < 0 || mark > len(rs.stack) {
		return
	}
	for _, it := range rs.stack[mark:] {
		if it.num < 0 {
			continue
		}
		if b, ok := rs.bound[it.num]; ok && b.Spilled {
			delete(rs.bound, it.num)
		}
	}
	rs.stack = rs.stack[:mark]
}

// PushAnon records bytes pushed outside the allocator.
func (rs *RegState) PushAnon(width int) {
	rs.stack = append(rs.stack, stackItem{num: -1, width: width})
}

// PopAnon removes width bytes of anonymous pushes from the top of the
// stack.
func (rs *RegState) PopAnon(width int) error {
	for width > 0 {
		if len(rs.stack) == 0 {
			return internalf("pop", "stack underflow by %d bytes", width)
		}
		top := &rs.stack[len(rs.stack)-1]
		if top.dead {
			return internalf("pop", "dead spill bytes on top of the stack")
		}
		if top.num >= 0 {
			return internalf("pop", "spilled register %d is on top of the stack", top.num)
		}
		if top.width > width {
			top.width -= width
			return nil
		}
		width -= top.width
		rs.stack = rs.stack[:len(rs.stack)-1]
	}
	return nil
}
