package avr

import (
	"testing"

	"github.com/tinyrange/avrc/internal/asm/avr"
)

func nops(s *avr.Stream, n int) {
	for i := 0; i < n; i++ {
		s.Append(avr.Instruction{Kind: avr.KindNOP})
	}
}

// decodeAll decodes code and returns each instruction with its byte offset.
func decodeAll(t *testing.T, code []byte) ([]avr.Instruction, []int) {
	t.Helper()
	var out []avr.Instruction
	var at []int
	for off := 0; off < len(code); {
		ins, n, err := avr.Decode(code[off:])
		if err != nil {
			t.Fatalf("decode at %#x: %v", off, err)
		}
		out = append(out, ins)
		at = append(at, off)
		off += n
	}
	return out, at
}

func TestFixupRemovesJumpToNext(t *testing.T) {
	s := avr.NewStream()
	l := s.New(avr.Instruction{Kind: avr.KindAnchor})
	s.Append(avr.Instruction{Kind: avr.KindRJMP, Target: l})
	s.Link(l, s.Last())
	s.Append(avr.Instruction{Kind: avr.KindRET})

	st, err := Fixup(s, "f", maxFixupPasses)
	if err != nil {
		t.Fatalf("fixup: %v", err)
	}
	if st.Removed != 1 || s.Count() != 1 {
		t.Fatalf("removed=%d count=%d, want 1 and 1", st.Removed, s.Count())
	}
}

func TestFixupSplitsSignedGreater(t *testing.T) {
	s := avr.NewStream()
	l := s.New(avr.Instruction{Kind: avr.KindAnchor})
	s.Append(avr.Instruction{Kind: avr.KindCP, Reg0: 16, Reg1: 17})
	s.Append(avr.Instruction{Kind: avr.KindBranch, Cond: avr.CondGT, Target: l})
	nops(s, 3)
	s.Link(l, s.Last())
	s.Append(avr.Instruction{Kind: avr.KindRET})

	st, err := Fixup(s, "f", maxFixupPasses)
	if err != nil {
		t.Fatalf("fixup: %v", err)
	}
	if st.Split != 1 {
		t.Fatalf("split=%d, want 1", st.Split)
	}
	code, _, err := encodeStream(s)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	prog, at := decodeAll(t, code)
	if prog[1].Cond != avr.CondEQ || prog[2].Cond != avr.CondGE {
		t.Fatalf("conds=%s,%s, want eq,ge", prog[1].Cond, prog[2].Cond)
	}
	// BREQ skips exactly the BRGE; BRGE lands on RET.
	if got := at[1] + 2 + 2*int(prog[1].Imm); got != at[3] {
		t.Fatalf("breq lands at %#x, want %#x", got, at[3])
	}
	if got := at[2] + 2 + 2*int(prog[2].Imm); got != at[len(at)-1] {
		t.Fatalf("brge lands at %#x, want %#x", got, at[len(at)-1])
	}
}

func TestFixupSplitsSignedLessOrEqual(t *testing.T) {
	s := avr.NewStream()
	l := s.New(avr.Instruction{Kind: avr.KindAnchor})
	s.Append(avr.Instruction{Kind: avr.KindCP, Reg0: 16, Reg1: 17})
	s.Append(avr.Instruction{Kind: avr.KindBranch, Cond: avr.CondLE, Target: l})
	nops(s, 3)
	s.Link(l, s.Last())
	s.Append(avr.Instruction{Kind: avr.KindRET})

	st, err := Fixup(s, "f", maxFixupPasses)
	if err != nil {
		t.Fatalf("fixup: %v", err)
	}
	if st.Split != 1 {
		t.Fatalf("split=%d, want 1", st.Split)
	}
	code, _, err := encodeStream(s)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	prog, at := decodeAll(t, code)
	if prog[1].Cond != avr.CondLT || prog[2].Cond != avr.CondEQ {
		t.Fatalf("conds=%s,%s, want lt,eq", prog[1].Cond, prog[2].Cond)
	}
	// Both branches land on RET.
	ret := at[len(at)-1]
	if got := at[1] + 2 + 2*int(prog[1].Imm); got != ret {
		t.Fatalf("brlt lands at %#x, want %#x", got, ret)
	}
	if got := at[2] + 2 + 2*int(prog[2].Imm); got != ret {
		t.Fatalf("breq lands at %#x, want %#x", got, ret)
	}
}

func TestFixupRelaxesDistantBranch(t *testing.T) {
	s := avr.NewStream()
	l := s.New(avr.Instruction{Kind: avr.KindAnchor})
	s.Append(avr.Instruction{Kind: avr.KindTST, Reg0: 16})
	s.Append(avr.Instruction{Kind: avr.KindBranch, Cond: avr.CondEQ, Target: l})
	nops(s, 100)
	s.Link(l, s.Last())
	s.Append(avr.Instruction{Kind: avr.KindRET})

	st, err := Fixup(s, "f", maxFixupPasses)
	if err != nil {
		t.Fatalf("fixup: %v", err)
	}
	if st.Relaxed != 1 {
		t.Fatalf("relaxed=%d, want 1", st.Relaxed)
	}
	code, _, err := encodeStream(s)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	prog, at := decodeAll(t, code)
	if prog[1].Kind != avr.KindBranch || prog[1].Cond != avr.CondNE || prog[2].Kind != avr.KindRJMP {
		t.Fatalf("got %s %s; %s, want brne over rjmp", prog[1].Kind, prog[1].Cond, prog[2].Kind)
	}
	if got := at[1] + 2 + 2*int(prog[1].Imm); got != at[3] {
		t.Fatalf("brne lands at %#x, want %#x", got, at[3])
	}
	if got := at[2] + 2 + 2*int(prog[2].Imm); got != at[len(at)-1] {
		t.Fatalf("rjmp lands at %#x, want %#x", got, at[len(at)-1])
	}
}

func TestFixupWidensDistantJump(t *testing.T) {
	s := avr.NewStream()
	l := s.New(avr.Instruction{Kind: avr.KindAnchor})
	s.Append(avr.Instruction{Kind: avr.KindRJMP, Target: l})
	nops(s, 2100)
	s.Link(l, s.Last())
	s.Append(avr.Instruction{Kind: avr.KindRET})

	if _, err := Fixup(s, "far", maxFixupPasses); err != nil {
		t.Fatalf("fixup: %v", err)
	}
	code, relocs, err := encodeStream(s)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	prog, _ := decodeAll(t, code)
	if prog[0].Kind != avr.KindJMP {
		t.Fatalf("kind=%s, want jmp", prog[0].Kind)
	}
	if len(relocs) != 1 || relocs[0].Sym != "far" || relocs[0].Addend != int32(4+2*2100) {
		t.Fatalf("relocs=%+v, want one against far+%#x", relocs, 4+2*2100)
	}
}

func TestFixupWidensDistantPatchedAdd(t *testing.T) {
	s := avr.NewStream()
	base := s.New(avr.Instruction{Kind: avr.KindAnchor})
	l := s.New(avr.Instruction{Kind: avr.KindAnchor})
	s.Link(base, s.Last())
	s.Append(avr.Instruction{Kind: avr.KindPatchedAdd, Target: l, Base: base})
	nops(s, 80)
	s.Link(l, s.Last())
	s.Append(avr.Instruction{Kind: avr.KindRET})

	st, err := Fixup(s, "f", maxFixupPasses)
	if err != nil {
		t.Fatalf("fixup: %v", err)
	}
	if st.Widened != 1 {
		t.Fatalf("widened=%d, want 1", st.Widened)
	}
	code, _, err := encodeStream(s)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	prog, _ := decodeAll(t, code)
	// SUBI r30 / SBCI r31 with the negated word delta 2+80.
	if prog[0].Kind != avr.KindSUBI || prog[1].Kind != avr.KindSBCI {
		t.Fatalf("got %s; %s, want subi; sbci", prog[0].Kind, prog[1].Kind)
	}
	delta := 2 + 80
	want := uint16(-delta)
	if got := uint16(uint8(prog[0].Imm)) | uint16(uint8(prog[1].Imm))<<8; got != want {
		t.Fatalf("delta=%#x, want %#x", got, want)
	}
}
