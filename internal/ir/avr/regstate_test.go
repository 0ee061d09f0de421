package avr

import (
	"testing"

	"github.com/tinyrange/avrc/internal/asm/avr"
	"github.com/tinyrange/avrc/internal/ir"
)

func reg(n int, t ir.Type) ir.Reg { return ir.Reg{Num: n, Type: t} }

func mustAllocate(t *testing.T, rs *RegState, r ir.Reg, req Request) (*Binding, []*Binding) {
	t.Helper()
	b, victims, err := rs.Allocate(r, req)
	if err != nil {
		t.Fatalf("allocate %v: %v", r, err)
	}
	return b, victims
}

func TestAllocatePrefersAlignedPairs(t *testing.T) {
	rs := NewRegState(16)
	a, _ := mustAllocate(t, rs, reg(0, ir.I16), Request{})
	if !sameRegs(a.Regs, []uint8{16, 17}) {
		t.Fatalf("regs=%v, want [16 17]", a.Regs)
	}
	mustAllocate(t, rs, reg(1, ir.I8), Request{})
	c, _ := mustAllocate(t, rs, reg(2, ir.I16), Request{})
	if !sameRegs(c.Regs, []uint8{20, 21}) {
		t.Fatalf("regs=%v, want [20 21]", c.Regs)
	}
}

func TestAllocateHonorsHintAndUpper(t *testing.T) {
	rs := NewRegState(2)
	a, _ := mustAllocate(t, rs, reg(0, ir.I8), Request{Hint: []uint8{7}})
	if a.Regs[0] != 7 {
		t.Fatalf("reg=r%d, want r7", a.Regs[0])
	}
	b, _ := mustAllocate(t, rs, reg(1, ir.I8), Request{Upper: true})
	if b.Regs[0] != 16 {
		t.Fatalf("reg=r%d, want r16", b.Regs[0])
	}
	c, _ := mustAllocate(t, rs, reg(2, ir.I8), Request{Avoid: avr.Regs(2, 3)})
	if c.Regs[0] != 4 {
		t.Fatalf("reg=r%d, want r4", c.Regs[0])
	}
}

func TestAllocationNeverOverlaps(t *testing.T) {
	rs := NewRegState(16)
	var seen avr.RegSet
	types := []ir.Type{ir.I8, ir.I16, ir.I32, ir.I8, ir.I16, ir.I8, ir.I32}
	for i, typ := range types {
		b, victims := mustAllocate(t, rs, reg(i, typ), Request{})
		if len(victims) != 0 {
			t.Fatalf("%d: unexpected spill of %d", i, victims[0].Num)
		}
		if b.Mask()&seen != 0 {
			t.Fatalf("%d: %v overlaps %v", i, b.Mask(), seen)
		}
		if b.Mask()&^bankMask != 0 {
			t.Fatalf("%d: %v outside the bank", i, b.Mask())
		}
		seen |= b.Mask()
	}
	if seen != rs.Used {
		t.Fatalf("used=%v, want %v", rs.Used, seen)
	}
}

func fillBank(t *testing.T, rs *RegState) {
	t.Helper()
	for i := 0; i < bankHi-bankLo+1; i++ {
		mustAllocate(t, rs, reg(i, ir.I8), Request{})
	}
}

func TestSpillPushesOldestAndAdvancesBase(t *testing.T) {
	rs := NewRegState(16)
	fillBank(t, rs)
	n := bankHi - bankLo + 1
	b, victims := mustAllocate(t, rs, reg(n, ir.I8), Request{})
	if len(victims) != 1 || victims[0].Num != 0 {
		t.Fatalf("victims=%v, want register 0", victims)
	}
	if b.Regs[0] != 16 {
		t.Fatalf("reg=r%d, want r16 reused", b.Regs[0])
	}
	if rs.Window.Base != 1 {
		t.Fatalf("base=%d, want 1", rs.Window.Base)
	}
	if rs.Depth() != 1 || rs.Top() != 0 {
		t.Fatalf("depth=%d top=%d, want 1 and 0", rs.Depth(), rs.Top())
	}
}

func TestSpillSkipsAvoidedRegisters(t *testing.T) {
	rs := NewRegState(16)
	fillBank(t, rs)
	n := bankHi - bankLo + 1
	_, victims := mustAllocate(t, rs, reg(n, ir.I8), Request{Avoid: avr.Regs(16)})
	if len(victims) != 1 || victims[0].Num != 1 {
		t.Fatalf("victims=%v, want register 1", victims)
	}
}

func TestWindowIsMonotonic(t *testing.T) {
	rs := NewRegState(16)
	mustAllocate(t, rs, reg(5, ir.I8), Request{})
	if _, _, err := rs.Allocate(reg(3, ir.I8), Request{}); !IsInternal(err) {
		t.Fatalf("err=%v, want internal error", err)
	}

	rs = NewRegState(16)
	fillBank(t, rs)
	mustAllocate(t, rs, reg(30, ir.I8), Request{})
	if rs.Window.Base != 1 {
		t.Fatalf("base=%d, want 1", rs.Window.Base)
	}
	if _, _, err := rs.Allocate(reg(0, ir.I8), Request{}); !IsInternal(err) {
		t.Fatalf("err=%v, want internal error for a spilled register", err)
	}
}

func TestNoSpillFailsWhenFull(t *testing.T) {
	rs := NewRegState(16)
	fillBank(t, rs)
	if _, _, err := rs.Allocate(reg(40, ir.I8), Request{NoSpill: true}); !IsInternal(err) {
		t.Fatalf("err=%v, want internal error", err)
	}
}

func mustRestore(t *testing.T, rs *RegState, num int) Restoration {
	t.Helper()
	res, err := rs.Restore(num, 0)
	if err != nil {
		t.Fatalf("restore %d: %v", num, err)
	}
	if res.Spilled {
		t.Fatalf("register %d still spilled", num)
	}
	return res
}

func TestRestorePopsTopOfStack(t *testing.T) {
	rs := NewRegState(16)
	fillBank(t, rs)
	n := bankHi - bankLo + 1
	mustAllocate(t, rs, reg(n, ir.I8), Request{})
	if _, _, err := rs.Release(n); err != nil {
		t.Fatalf("release: %v", err)
	}
	res := mustRestore(t, rs, 0)
	if res.Above != 0 || res.Drop != 0 || len(res.Victims) != 0 {
		t.Fatalf("above=%d drop=%d victims=%d, want a plain pop", res.Above, res.Drop, len(res.Victims))
	}
	if rs.Depth() != 0 {
		t.Fatalf("depth=%d, want 0", rs.Depth())
	}
}

func TestRestoreReadsBuriedValueInPlace(t *testing.T) {
	rs := NewRegState(16)
	fillBank(t, rs)
	n := bankHi - bankLo + 1
	mustAllocate(t, rs, reg(n, ir.I8), Request{})
	mustAllocate(t, rs, reg(n+1, ir.I8), Request{})
	if _, _, err := rs.Release(n); err != nil {
		t.Fatalf("release: %v", err)
	}

	res := mustRestore(t, rs, 0)
	if res.Above != 1 || len(res.Victims) != 0 {
		t.Fatalf("above=%d victims=%d, want 1 and none", res.Above, len(res.Victims))
	}
	if rs.Depth() != 2 || rs.Top() != 1 {
		t.Fatalf("depth=%d top=%d, want 2 and 1", rs.Depth(), rs.Top())
	}
	// The dead slot goes once the value above it is released.
	if _, drop, err := rs.Release(1); err != nil || drop != 2 {
		t.Fatalf("release 1: drop=%d err=%v, want 2 and nil", drop, err)
	}
}

func TestRestoreSpillsWhenFull(t *testing.T) {
	rs := NewRegState(16)
	fillBank(t, rs)
	n := bankHi - bankLo + 1
	mustAllocate(t, rs, reg(n, ir.I8), Request{})

	res := mustRestore(t, rs, 0)
	if len(res.Victims) != 1 || res.Victims[0].Num != 1 || res.Above != 1 {
		t.Fatalf("victims=%v above=%d, want register 1 and 1", res.Victims, res.Above)
	}
	if rs.Top() != 1 || rs.Depth() != 2 {
		t.Fatalf("top=%d depth=%d, want 1 and 2", rs.Top(), rs.Depth())
	}
	if res.Mask()&rs.Used == 0 {
		t.Fatalf("restored registers %v not marked used", res.Mask())
	}
}

func TestRestoreFlagSkipsWindowOrder(t *testing.T) {
	rs := NewRegState(16)
	mustAllocate(t, rs, reg(5, ir.I8), Request{})
	mustAllocate(t, rs, reg(3, ir.I8), Request{Restore: true})
	if _, _, err := rs.Allocate(reg(4, ir.I8), Request{}); !IsInternal(err) {
		t.Fatalf("err=%v, want internal error", err)
	}
	mustAllocate(t, rs, reg(6, ir.I8), Request{})
}

func TestReleaseCollapsesDeadStackItems(t *testing.T) {
	rs := NewRegState(16)
	fillBank(t, rs)
	n := bankHi - bankLo + 1
	mustAllocate(t, rs, reg(n, ir.I8), Request{})
	mustAllocate(t, rs, reg(n+1, ir.I8), Request{})

	// Releasing the buried value leaves its byte in place.
	if _, drop, err := rs.Release(0); err != nil || drop != 0 {
		t.Fatalf("release 0: drop=%d err=%v, want 0 and nil", drop, err)
	}
	if _, drop, err := rs.Release(1); err != nil || drop != 2 {
		t.Fatalf("release 1: drop=%d err=%v, want 2 and nil", drop, err)
	}
	if rs.Depth() != 0 {
		t.Fatalf("depth=%d, want 0", rs.Depth())
	}
}

func TestRestoreReadsUnderAnonymousPushes(t *testing.T) {
	rs := NewRegState(16)
	fillBank(t, rs)
	mustAllocate(t, rs, reg(30, ir.I8), Request{})
	rs.PushAnon(2)
	if rs.Top() != -1 {
		t.Fatalf("top=%d, want -1 under anonymous bytes", rs.Top())
	}
	if err := rs.PopAnon(3); !IsInternal(err) {
		t.Fatalf("err=%v, want internal error popping into a spilled value", err)
	}

	rs = NewRegState(16)
	fillBank(t, rs)
	mustAllocate(t, rs, reg(30, ir.I8), Request{})
	rs.PushAnon(2)
	res := mustRestore(t, rs, 0)
	if res.Above != 3 || len(res.Victims) != 1 {
		t.Fatalf("above=%d victims=%d, want 3 and 1", res.Above, len(res.Victims))
	}
}
