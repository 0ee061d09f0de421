package opt

import (
	"errors"
	"testing"

	"github.com/tinyrange/avrc/internal/asm/avr"
)

func realIns(s *avr.Stream) []*avr.Instruction {
	var out []*avr.Instruction
	s.Each(func(_ avr.Ref, ins *avr.Instruction) {
		if ins.Real() {
			out = append(out, ins)
		}
	})
	return out
}

func run(t *testing.T, s *avr.Stream, live avr.RegSet) Stats {
	t.Helper()
	st, err := Run(s, Options{LiveOut: live})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return st
}

func TestConstantChainCollapsesToOneLoad(t *testing.T) {
	s := avr.NewStream()
	s.Append(avr.Instruction{Kind: avr.KindAnchor})
	s.Append(avr.Instruction{Kind: avr.KindAlloc, Mask: avr.Regs(16)})
	s.Append(avr.Instruction{Kind: avr.KindLDI, Reg0: 16, Imm: 0})
	s.Append(avr.Instruction{Kind: avr.KindSUBI, Reg0: 16, Imm: 0xFB})
	s.Append(avr.Instruction{Kind: avr.KindAlloc, Mask: avr.Regs(17)})
	s.Append(avr.Instruction{Kind: avr.KindMOV, Reg0: 17, Reg1: 16})

	run(t, s, avr.Regs(17))

	got := realIns(s)
	if len(got) != 1 {
		t.Fatalf("instructions=%d, want 1", len(got))
	}
	if got[0].Kind != avr.KindLDI || got[0].Reg0 != 17 || got[0].Imm != 5 {
		t.Fatalf("result=%s, want ldi r17, 5", got[0])
	}
}

func TestUnreachableCodeIsRemoved(t *testing.T) {
	s := avr.NewStream()
	l := s.New(avr.Instruction{Kind: avr.KindAnchor})
	s.Append(avr.Instruction{Kind: avr.KindRJMP, Target: l})
	dead := s.Append(avr.Instruction{Kind: avr.KindLDI, Reg0: 16, Imm: 1})
	s.Link(l, s.Last())
	s.Append(avr.Instruction{Kind: avr.KindLDI, Reg0: 17, Imm: 2})

	n, err := RemoveDead(s, Options{LiveOut: avr.Regs(17)})
	if err != nil {
		t.Fatalf("RemoveDead: %v", err)
	}
	if n != 1 {
		t.Fatalf("removed=%d, want 1", n)
	}
	if s.At(dead).Kind != avr.KindNone {
		t.Fatalf("unreachable ldi kept as %s", s.At(dead).Kind)
	}
}

func TestSideEffectsSurviveDeadResults(t *testing.T) {
	s := avr.NewStream()
	io := s.Append(avr.Instruction{Kind: avr.KindLDS, Reg0: 16, Imm: 0x30})
	ram := s.Append(avr.Instruction{Kind: avr.KindLDS, Reg0: 17, Imm: 0x100})
	push := s.Append(avr.Instruction{Kind: avr.KindPUSH, Reg0: 18})

	run(t, s, 0)

	if s.At(io).Kind != avr.KindLDS {
		t.Fatalf("I/O read removed")
	}
	if s.At(ram).Kind != avr.KindNone {
		t.Fatalf("dead RAM read kept as %s", s.At(ram))
	}
	if s.At(push).Kind != avr.KindPUSH {
		t.Fatalf("push removed")
	}
}

func TestKnownCompareResolvesBranch(t *testing.T) {
	s := avr.NewStream()
	l := s.New(avr.Instruction{Kind: avr.KindAnchor})
	s.Append(avr.Instruction{Kind: avr.KindLDI, Reg0: 16, Imm: 3})
	s.Append(avr.Instruction{Kind: avr.KindCPI, Reg0: 16, Imm: 3})
	br := s.Append(avr.Instruction{Kind: avr.KindBranch, Cond: avr.CondEQ, Target: l})
	skipped := s.Append(avr.Instruction{Kind: avr.KindLDI, Reg0: 17, Imm: 1})
	s.Link(l, s.Last())
	s.Append(avr.Instruction{Kind: avr.KindLDI, Reg0: 18, Imm: 2})

	run(t, s, avr.Regs(17, 18))

	if s.At(br).Kind != avr.KindRJMP || s.At(br).Target != l {
		t.Fatalf("branch became %s, want rjmp to its target", s.At(br))
	}
	if s.At(skipped).Kind != avr.KindNone {
		t.Fatalf("bypassed code kept as %s", s.At(skipped))
	}
	for _, ins := range realIns(s) {
		if ins.Kind == avr.KindCPI {
			t.Fatalf("compare with unread flags kept")
		}
	}
}

func TestCompareWithZeroBecomesTest(t *testing.T) {
	s := avr.NewStream()
	l := s.New(avr.Instruction{Kind: avr.KindAnchor})
	s.Append(avr.Instruction{Kind: avr.KindLDDY, Reg0: 16, Imm: 1})
	cmp := s.Append(avr.Instruction{Kind: avr.KindCPI, Reg0: 16, Imm: 0})
	s.Append(avr.Instruction{Kind: avr.KindBranch, Cond: avr.CondEQ, Target: l})
	s.Append(avr.Instruction{Kind: avr.KindLDI, Reg0: 17, Imm: 1})
	s.Link(l, s.Last())

	run(t, s, avr.Regs(17))

	if got := s.At(cmp); got.Kind != avr.KindTST || got.Reg0 != 16 {
		t.Fatalf("compare=%s, want tst r16", got)
	}
}

func TestCarryConsumerKeepsCompare(t *testing.T) {
	s := avr.NewStream()
	l := s.New(avr.Instruction{Kind: avr.KindAnchor})
	s.Append(avr.Instruction{Kind: avr.KindLDDY, Reg0: 16, Imm: 1})
	s.Append(avr.Instruction{Kind: avr.KindLDDY, Reg0: 17, Imm: 2})
	cmp := s.Append(avr.Instruction{Kind: avr.KindCPI, Reg0: 16, Imm: 0})
	s.Append(avr.Instruction{Kind: avr.KindCPC, Reg0: 17, Reg1: 1})
	s.Append(avr.Instruction{Kind: avr.KindBranch, Cond: avr.CondLO, Target: l})
	s.Append(avr.Instruction{Kind: avr.KindLDI, Reg0: 18, Imm: 1})
	s.Link(l, s.Last())

	run(t, s, avr.Regs(18))

	if s.At(cmp).Kind != avr.KindCPI {
		t.Fatalf("compare=%s, want cpi", s.At(cmp))
	}
}

func TestPushPopPairBecomesMove(t *testing.T) {
	s := avr.NewStream()
	s.Append(avr.Instruction{Kind: avr.KindPUSH, Reg0: 5})
	s.Append(avr.Instruction{Kind: avr.KindPOP, Reg0: 6})

	run(t, s, avr.Regs(6))

	got := realIns(s)
	if len(got) != 1 || got[0].Kind != avr.KindMOV || got[0].Reg0 != 6 || got[0].Reg1 != 5 {
		t.Fatalf("result=%v, want mov r6, r5", got)
	}
}

func TestPushPopKeepsSourceFreedBetween(t *testing.T) {
	s := avr.NewStream()
	s.Append(avr.Instruction{Kind: avr.KindLDI, Reg0: 17, Imm: 2})
	s.Append(avr.Instruction{Kind: avr.KindPUSH, Reg0: 17})
	s.Append(avr.Instruction{Kind: avr.KindFree, Mask: avr.Regs(17)})
	s.Append(avr.Instruction{Kind: avr.KindPOP, Reg0: 16})

	run(t, s, avr.Regs(16))

	got := realIns(s)
	if len(got) != 3 || got[0].Kind != avr.KindLDI || got[1].Kind != avr.KindPUSH || got[2].Kind != avr.KindPOP {
		t.Fatalf("result=%v, want ldi; push; pop left alone", got)
	}
}

func TestFrameRelativePointerBecomesDisplacement(t *testing.T) {
	s := avr.NewStream()
	s.Append(avr.Instruction{Kind: avr.KindMOVW, Reg0: avr.XL, Reg1: avr.YL})
	s.Append(avr.Instruction{Kind: avr.KindADIW, Reg0: avr.XL, Imm: 4})
	s.Append(avr.Instruction{Kind: avr.KindLDX, Reg0: 16})

	run(t, s, avr.Regs(16))

	got := realIns(s)
	if len(got) != 1 {
		t.Fatalf("instructions=%v, want one", got)
	}
	if got[0].Kind != avr.KindLDDY || got[0].Reg0 != 16 || got[0].Imm != 4 {
		t.Fatalf("result=%s, want ldd r16, Y+4", got[0])
	}
}

func TestConstantPointerBecomesDirectAccess(t *testing.T) {
	s := avr.NewStream()
	s.Append(avr.Instruction{Kind: avr.KindLDI, Reg0: avr.ZL, Imm: 0x00})
	s.Append(avr.Instruction{Kind: avr.KindLDI, Reg0: avr.ZH, Imm: 0x02})
	st := s.Append(avr.Instruction{Kind: avr.KindSTDZ, Reg0: 16, Imm: 3})
	s.Append(avr.Instruction{Kind: avr.KindLDI, Reg0: avr.ZL, Imm: 0x25})
	s.Append(avr.Instruction{Kind: avr.KindLDI, Reg0: avr.ZH, Imm: 0x00})
	ld := s.Append(avr.Instruction{Kind: avr.KindLDDZ, Reg0: 17, Imm: 0})

	run(t, s, avr.Regs(17))

	if got := s.At(st); got.Kind != avr.KindSTS || got.Imm != 0x203 {
		t.Fatalf("store=%s, want sts 0x203", got)
	}
	if got := s.At(ld); got.Kind != avr.KindIN || got.Imm != 0x05 {
		t.Fatalf("load=%s, want in 0x05", got)
	}
	if n := len(realIns(s)); n != 2 {
		t.Fatalf("instructions=%d, want 2", n)
	}
}

func TestReadModifyWriteBecomesBitInstruction(t *testing.T) {
	s := avr.NewStream()
	in := s.Append(avr.Instruction{Kind: avr.KindIN, Reg0: 16, Imm: 0x05})
	s.Append(avr.Instruction{Kind: avr.KindORI, Reg0: 16, Imm: 0x04})
	s.Append(avr.Instruction{Kind: avr.KindOUT, Reg0: 16, Imm: 0x05})
	in2 := s.Append(avr.Instruction{Kind: avr.KindIN, Reg0: 17, Imm: 0x06})
	s.Append(avr.Instruction{Kind: avr.KindANDI, Reg0: 17, Imm: 0xFE})
	s.Append(avr.Instruction{Kind: avr.KindOUT, Reg0: 17, Imm: 0x06})

	run(t, s, 0)

	if got := s.At(in); got.Kind != avr.KindSBI || got.Imm != 0x05 || got.Reg1 != 2 {
		t.Fatalf("first=%s, want sbi 0x05, 2", got)
	}
	if got := s.At(in2); got.Kind != avr.KindCBI || got.Imm != 0x06 || got.Reg1 != 0 {
		t.Fatalf("second=%s, want cbi 0x06, 0", got)
	}
	if n := len(realIns(s)); n != 2 {
		t.Fatalf("instructions=%d, want 2", n)
	}
}

func TestCountedShiftLoopIsUnrolled(t *testing.T) {
	s := avr.NewStream()
	s.Append(avr.Instruction{Kind: avr.KindLDI, Reg0: avr.XL, Imm: 3})
	loop := s.Append(avr.Instruction{Kind: avr.KindAnchor})
	s.Append(avr.Instruction{Kind: avr.KindLSR, Reg0: 17})
	s.Append(avr.Instruction{Kind: avr.KindROR, Reg0: 16})
	s.Append(avr.Instruction{Kind: avr.KindDEC, Reg0: avr.XL})
	s.Append(avr.Instruction{Kind: avr.KindBranch, Cond: avr.CondNE, Target: loop})

	run(t, s, avr.Regs(16, 17))

	got := realIns(s)
	if len(got) != 6 {
		t.Fatalf("instructions=%v, want 6 shifts", got)
	}
	for i, ins := range got {
		want := avr.KindLSR
		if i%2 == 1 {
			want = avr.KindROR
		}
		if ins.Kind != want {
			t.Fatalf("instruction %d=%s, want %s", i, ins, want)
		}
	}
}

func TestUnrollRespectsLimit(t *testing.T) {
	s := avr.NewStream()
	s.Append(avr.Instruction{Kind: avr.KindLDI, Reg0: avr.XL, Imm: 20})
	loop := s.Append(avr.Instruction{Kind: avr.KindAnchor})
	s.Append(avr.Instruction{Kind: avr.KindADD, Reg0: 16, Reg1: 16})
	s.Append(avr.Instruction{Kind: avr.KindADC, Reg0: 17, Reg1: 17})
	s.Append(avr.Instruction{Kind: avr.KindDEC, Reg0: avr.XL})
	br := s.Append(avr.Instruction{Kind: avr.KindBranch, Cond: avr.CondNE, Target: loop})

	if _, err := Run(s, Options{LiveOut: avr.Regs(16, 17), UnrollLimit: 32}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s.At(br).Kind != avr.KindBranch {
		t.Fatalf("loop of 40 instructions unrolled past a limit of 32")
	}
}

func TestConditionalDefinitionIsNotPropagated(t *testing.T) {
	s := avr.NewStream()
	s.Append(avr.Instruction{Kind: avr.KindLDI, Reg0: 16, Imm: 0})
	s.Append(avr.Instruction{Kind: avr.KindSBRC, Reg0: 17, Reg1: 7})
	s.Append(avr.Instruction{Kind: avr.KindLDI, Reg0: 16, Imm: 0xFF})
	mov := s.Append(avr.Instruction{Kind: avr.KindMOV, Reg0: 18, Reg1: 16})

	run(t, s, avr.Regs(18))

	if n := len(realIns(s)); n != 4 {
		t.Fatalf("instructions=%d, want 4", n)
	}
	if got := s.At(mov); got.Kind != avr.KindMOV {
		t.Fatalf("move=%s, want it kept", got)
	}
}

func TestHandlerAnchorKeepsCodeReachable(t *testing.T) {
	s := avr.NewStream()
	s.Append(avr.Instruction{Kind: avr.KindRET})
	s.Append(avr.Instruction{Kind: avr.KindAnchor, Keep: true})
	h := s.Append(avr.Instruction{Kind: avr.KindLDI, Reg0: 16, Imm: 1})
	s.Append(avr.Instruction{Kind: avr.KindPUSH, Reg0: 16})

	run(t, s, 0)

	if s.At(h).Kind != avr.KindLDI {
		t.Fatalf("handler code removed")
	}
}

func TestRunIsIdempotent(t *testing.T) {
	s := avr.NewStream()
	l := s.New(avr.Instruction{Kind: avr.KindAnchor})
	s.Append(avr.Instruction{Kind: avr.KindMOVW, Reg0: avr.XL, Reg1: avr.YL})
	s.Append(avr.Instruction{Kind: avr.KindADIW, Reg0: avr.XL, Imm: 2})
	s.Append(avr.Instruction{Kind: avr.KindLDXInc, Reg0: 16})
	s.Append(avr.Instruction{Kind: avr.KindLDX, Reg0: 17})
	s.Append(avr.Instruction{Kind: avr.KindCPI, Reg0: 16, Imm: 0})
	s.Append(avr.Instruction{Kind: avr.KindBranch, Cond: avr.CondNE, Target: l})
	s.Append(avr.Instruction{Kind: avr.KindMOV, Reg0: 18, Reg1: 17})
	s.Link(l, s.Last())

	run(t, s, avr.Regs(18))
	before := len(realIns(s))
	st := run(t, s, avr.Regs(18))
	if st.Removed != 0 || st.Rewritten != 0 || st.Iterations != 1 {
		t.Fatalf("second run=%+v, want no changes in one iteration", st)
	}
	if after := len(realIns(s)); after != before {
		t.Fatalf("instructions=%d after second run, want %d", after, before)
	}
}

func TestIterationCapIsAnError(t *testing.T) {
	s := avr.NewStream()
	s.Append(avr.Instruction{Kind: avr.KindLDI, Reg0: 16, Imm: 0})
	s.Append(avr.Instruction{Kind: avr.KindSUBI, Reg0: 16, Imm: 0xFB})
	s.Append(avr.Instruction{Kind: avr.KindMOV, Reg0: 17, Reg1: 16})

	_, err := Run(s, Options{LiveOut: avr.Regs(17), MaxPasses: 1})
	if !errors.Is(err, ErrNoFixedPoint) {
		t.Fatalf("err=%v, want ErrNoFixedPoint", err)
	}
}
