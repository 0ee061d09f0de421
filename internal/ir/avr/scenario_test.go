package avr

import (
	"bytes"
	"strings"
	"testing"

	"github.com/tinyrange/avrc/internal/asm/avr"
	"github.com/tinyrange/avrc/internal/ir"
)

func TestInlineFragmentFoldsToSingleLoad(t *testing.T) {
	b := New(quietLogger())
	b.Init(ir.Target{Name: "test", Optimize: true})
	b.BeginProcedure(ir.ProcedureInfo{Name: "frag", Inline: true})
	b.Const(reg(0, ir.I8), 0)
	b.BinaryImm(ir.OpAdd, reg(1, ir.I8), reg(0, ir.I8), 5)
	b.EndProcedure()
	b.SetLiveOut(avr.Regs(17))
	prog, err := b.Finalize()
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if got := prog.Bytes(); !bytes.Equal(got, []byte{0x15, 0xE0}) {
		t.Fatalf("code=% x, want 15 e0", got)
	}
	var buf bytes.Buffer
	if err := b.Listing(&buf); err != nil {
		t.Fatalf("listing: %v", err)
	}
	if !strings.Contains(buf.String(), "ldi r17, 0x05") {
		t.Fatalf("listing missing ldi:\n%s", buf.String())
	}
}

func TestAddThenCopyFoldsToSingleLoad(t *testing.T) {
	b := New(quietLogger())
	b.Init(ir.Target{Name: "test", Optimize: true})
	b.BeginProcedure(ir.ProcedureInfo{Name: "frag", Inline: true})
	b.Const(reg(0, ir.I8), 0)
	b.BinaryImm(ir.OpAdd, reg(1, ir.I8), reg(0, ir.I8), 5)
	b.Assign(reg(2, ir.I8), reg(1, ir.I8))
	copied, ok := b.RegState().Lookup(2)
	if !ok {
		t.Fatalf("copy has no binding")
	}
	dst := copied.Regs[0]
	b.EndProcedure()
	b.SetLiveOut(avr.Regs(dst))
	prog, err := b.Finalize()
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	code, _ := decodeAll(t, prog.Bytes())
	if len(code) != 1 {
		t.Fatalf("got %d instructions, want 1", len(code))
	}
	if code[0].Kind != avr.KindLDI || code[0].Reg0 != dst || code[0].Imm != 5 {
		t.Fatalf("got %s, want ldi r%d, 5", &code[0], dst)
	}
}

func TestDeadCodeOnlyKeepsArithmetic(t *testing.T) {
	b := New(quietLogger())
	b.Init(ir.Target{Name: "test", Optimize: true, DeadCodeOnly: true})
	b.BeginProcedure(ir.ProcedureInfo{Name: "frag", Inline: true})
	b.Const(reg(0, ir.I8), 0)
	b.Const(reg(1, ir.I8), 7)
	b.BinaryImm(ir.OpAdd, reg(2, ir.I8), reg(0, ir.I8), 5)
	sum, ok := b.RegState().Lookup(2)
	if !ok {
		t.Fatalf("sum has no binding")
	}
	b.EndProcedure()
	b.SetLiveOut(avr.Regs(sum.Regs[0]))
	prog, err := b.Finalize()
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	code, _ := decodeAll(t, prog.Bytes())
	if len(code) < 2 {
		t.Fatalf("got %d instructions, want the add left unfolded", len(code))
	}
	for _, ins := range code {
		if ins.Kind == avr.KindLDI && ins.Imm == 7 {
			t.Fatalf("unused constant survived: %s", &ins)
		}
	}
}

func TestEmptyProcedureHasNoFrame(t *testing.T) {
	for _, optimize := range []bool{false, true} {
		b := New(quietLogger())
		b.Init(ir.Target{Name: "test", Optimize: optimize})
		b.BeginProcedure(ir.ProcedureInfo{Name: "leaf"})
		b.EndProcedure()
		prog, err := b.Finalize()
		if err != nil {
			t.Fatalf("finalize: %v", err)
		}
		if got := prog.Bytes(); !bytes.Equal(got, []byte{0x08, 0x95}) {
			t.Fatalf("optimize=%v: code=% x, want a bare ret", optimize, got)
		}
	}
}

func TestParametersOpenFrame(t *testing.T) {
	b := New(quietLogger())
	b.Init(ir.Target{Name: "test"})
	b.BeginProcedure(ir.ProcedureInfo{Name: "id", Params: []ir.Type{ir.I8}})
	b.EndProcedure()
	prog, err := b.Finalize()
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	code, _ := decodeAll(t, prog.Bytes())
	want := []avr.Instruction{
		{Kind: avr.KindPUSH, Reg0: avr.YL},
		{Kind: avr.KindPUSH, Reg0: avr.YH},
		{Kind: avr.KindIN, Reg0: avr.YL, Imm: avr.IOSPL},
		{Kind: avr.KindIN, Reg0: avr.YH, Imm: avr.IOSPH},
		{Kind: avr.KindPOP, Reg0: avr.YH},
		{Kind: avr.KindPOP, Reg0: avr.YL},
		{Kind: avr.KindRET},
	}
	if len(code) != len(want) {
		t.Fatalf("got %d instructions, want %d", len(code), len(want))
	}
	for i, w := range want {
		if code[i].Kind != w.Kind || code[i].Reg0 != w.Reg0 || code[i].Imm != w.Imm {
			t.Fatalf("%d: got %s, want %s", i, &code[i], &w)
		}
	}
}

func TestUsageErrorsLatch(t *testing.T) {
	b := New(quietLogger())
	b.BeginProcedure(ir.ProcedureInfo{Name: "early"})
	if !IsInternal(b.Err()) {
		t.Fatalf("err=%v, want internal error before Init", b.Err())
	}
	b.Init(ir.Target{Name: "test"})
	if err := b.Err(); err != nil {
		t.Fatalf("init did not clear error: %v", err)
	}

	b.BeginProcedure(ir.ProcedureInfo{Name: "outer"})
	b.BeginProcedure(ir.ProcedureInfo{Name: "inner"})
	if !IsInternal(b.Err()) {
		t.Fatalf("err=%v, want internal error for nested procedure", b.Err())
	}
	first := b.Err()
	b.Const(reg(0, ir.I8), 1)
	if b.Err() != first {
		t.Fatalf("err changed to %v, want first failure kept", b.Err())
	}
}

func TestUnplacedLabelFailsFinalize(t *testing.T) {
	b := New(quietLogger())
	b.Init(ir.Target{Name: "test"})
	b.BeginProcedure(ir.ProcedureInfo{Name: "f"})
	b.Jump(b.NewLabel())
	b.EndProcedure()
	if _, err := b.Finalize(); !IsInternal(err) {
		t.Fatalf("err=%v, want internal error", err)
	}
}
