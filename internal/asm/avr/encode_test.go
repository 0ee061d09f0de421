package avr

import (
	"bytes"
	"strings"
	"testing"

	"github.com/tinyrange/avrc/internal/asm/testutil"
)

func roundTripCases() []Instruction {
	var out []Instruction
	for _, k := range []Kind{KindMOV, KindADD, KindADC, KindSUB, KindSBC, KindOR, KindEOR, KindCP, KindCPC, KindCPSE, KindMUL} {
		for _, pair := range [][2]uint8{{0, 31}, {31, 0}, {17, 3}, {2, 25}} {
			out = append(out, Instruction{Kind: k, Reg0: pair[0], Reg1: pair[1]})
		}
	}
	// AND with equal operands decodes as TST.
	out = append(out, Instruction{Kind: KindAND, Reg0: 4, Reg1: 20}, Instruction{Kind: KindTST, Reg0: 9})
	for _, k := range []Kind{KindLDI, KindSUBI, KindSBCI, KindANDI, KindORI, KindCPI} {
		for _, v := range []int32{0, 1, 0x7F, 0x80, 0xFF} {
			out = append(out, Instruction{Kind: k, Reg0: 16 + uint8(v)%16, Imm: v})
		}
	}
	for _, d := range []uint8{24, 26, 28, 30} {
		out = append(out,
			Instruction{Kind: KindADIW, Reg0: d, Imm: 63},
			Instruction{Kind: KindSBIW, Reg0: d, Imm: int32(d) - 24},
		)
	}
	for _, k := range []Kind{KindCOM, KindNEG, KindINC, KindDEC, KindLSR, KindROR, KindASR, KindSWAP,
		KindPUSH, KindPOP, KindLDX, KindLDXInc, KindLDXDec, KindSTX, KindSTXInc, KindSTXDec} {
		out = append(out, Instruction{Kind: k, Reg0: 0}, Instruction{Kind: k, Reg0: 31}, Instruction{Kind: k, Reg0: 13})
	}
	for _, k := range []Kind{KindLDDY, KindLDDZ, KindSTDY, KindSTDZ} {
		for _, q := range []int32{1, 7, 8, 31, 32, 63} {
			out = append(out, Instruction{Kind: k, Reg0: uint8(q % 32), Imm: q})
		}
	}
	out = append(out,
		Instruction{Kind: KindMOVW, Reg0: 30, Reg1: 0},
		Instruction{Kind: KindMOVW, Reg0: 16, Reg1: 24},
		Instruction{Kind: KindMULS, Reg0: 16, Reg1: 31},
		Instruction{Kind: KindLDS, Reg0: 5, Imm: 0xFFFF},
		Instruction{Kind: KindSTS, Reg0: 22, Imm: 0x0100},
		Instruction{Kind: KindIN, Reg0: 7, Imm: 63},
		Instruction{Kind: KindOUT, Reg0: 28, Imm: IOSPL},
		Instruction{Kind: KindSBI, Imm: 31, Reg1: 7},
		Instruction{Kind: KindCBI, Imm: 5, Reg1: 3},
		Instruction{Kind: KindSBRC, Reg0: 17, Reg1: 7},
		Instruction{Kind: KindSBRS, Reg0: 1, Reg1: 0},
		Instruction{Kind: KindRJMP, Imm: -2048},
		Instruction{Kind: KindRJMP, Imm: 2047},
		Instruction{Kind: KindRCALL, Imm: 0},
		Instruction{Kind: KindJMP, Imm: 1<<22 - 1},
		Instruction{Kind: KindCALL, Imm: 0x12345},
		Instruction{Kind: KindNOP},
		Instruction{Kind: KindCLC},
		Instruction{Kind: KindSEC},
		Instruction{Kind: KindRET},
		Instruction{Kind: KindRETI},
		Instruction{Kind: KindICALL},
		Instruction{Kind: KindIJMP},
	)
	for c := CondEQ; c <= CondGE; c++ {
		out = append(out, Instruction{Kind: KindBranch, Cond: c, Imm: -64}, Instruction{Kind: KindBranch, Cond: c, Imm: 63})
	}
	return out
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, want := range roundTripCases() {
		want := want
		code, err := Encode(nil, &want)
		if err != nil {
			t.Fatalf("encode %s: %v", want.String(), err)
		}
		got, n, err := Decode(code)
		if err != nil {
			t.Fatalf("decode %s (% x): %v", want.String(), code, err)
		}
		if n != len(code) {
			t.Fatalf("decode %s consumed %d bytes, want %d", want.String(), n, len(code))
		}
		if got.Kind != want.Kind || got.Reg0 != want.Reg0 || got.Reg1 != want.Reg1 || got.Imm != want.Imm || got.Cond != want.Cond {
			t.Fatalf("round trip %s: got %s", want.String(), got.String())
		}
	}
}

func TestEncodeRejectsOutOfRange(t *testing.T) {
	for _, ins := range []Instruction{
		{Kind: KindLDI, Reg0: 15, Imm: 1},
		{Kind: KindSUBI, Reg0: 16, Imm: 256},
		{Kind: KindADIW, Reg0: 22, Imm: 1},
		{Kind: KindADIW, Reg0: 24, Imm: 64},
		{Kind: KindMOVW, Reg0: 3, Reg1: 4},
		{Kind: KindLDDY, Reg0: 1, Imm: 64},
		{Kind: KindIN, Reg0: 1, Imm: 64},
		{Kind: KindSBI, Imm: 32, Reg1: 1},
		{Kind: KindSBRC, Reg0: 1, Reg1: 8},
		{Kind: KindRJMP, Imm: 2048},
		{Kind: KindRCALL, Imm: -2049},
		{Kind: KindBranch, Cond: CondEQ, Imm: 64},
		{Kind: KindBranch, Cond: CondNE, Imm: -65},
		{Kind: KindBranch, Cond: CondGT, Imm: 0},
		{Kind: KindJMP, Imm: 1 << 22},
		{Kind: KindLDS, Reg0: 1, Imm: 0x10000},
		{Kind: KindMULS, Reg0: 2, Reg1: 16},
	} {
		ins := ins
		if _, err := Encode(nil, &ins); err == nil {
			t.Fatalf("encode %s succeeded, want range error", ins.String())
		}
	}
}

func TestDecodeRejectsUnknown(t *testing.T) {
	for _, code := range [][]byte{
		{0x00, 0x03}, // FMUL family
		{0x78, 0x94}, // SEI
		{0x0C, 0x94}, // truncated JMP
		{0x00, 0xF8}, // BLD
		{0x00},       // truncated
	} {
		if _, _, err := Decode(code); err == nil {
			t.Fatalf("decode % x succeeded, want error", code)
		}
	}
}

func TestPseudoEncodings(t *testing.T) {
	la := Instruction{Kind: KindLoadAddr, Reg0: 24, Imm: 0x1234}
	code, err := Encode(nil, &la)
	if err != nil {
		t.Fatalf("encode load address: %v", err)
	}
	lo, _, _ := Decode(code)
	hi, _, _ := Decode(code[2:])
	if lo.Kind != KindLDI || lo.Reg0 != 24 || lo.Imm != 0x34 || hi.Reg0 != 25 || hi.Imm != 0x12 {
		t.Fatalf("load address decoded as %s / %s", lo.String(), hi.String())
	}

	short := Instruction{Kind: KindPatchedAdd, Imm: 40, Size: 2}
	code, err = Encode(nil, &short)
	if err != nil {
		t.Fatalf("encode short patched add: %v", err)
	}
	adiw, _, _ := Decode(code)
	if adiw.Kind != KindADIW || adiw.Reg0 != ZL || adiw.Imm != 40 {
		t.Fatalf("short patched add decoded as %s", adiw.String())
	}

	long := Instruction{Kind: KindPatchedAdd, Imm: 300, Size: 4}
	code, err = Encode(nil, &long)
	if err != nil {
		t.Fatalf("encode long patched add: %v", err)
	}
	subi, _, _ := Decode(code)
	sbci, _, _ := Decode(code[2:])
	d := int32(-300)
	neg := uint16(d)
	if subi.Kind != KindSUBI || subi.Reg0 != ZL || subi.Imm != int32(neg&0xFF) ||
		sbci.Kind != KindSBCI || sbci.Reg0 != ZH || sbci.Imm != int32(neg>>8) {
		t.Fatalf("long patched add decoded as %s / %s", subi.String(), sbci.String())
	}

	short.Imm = 64
	if _, err := Encode(nil, &short); err == nil {
		t.Fatalf("short patched add accepted delta 64")
	}
}

func TestListingMatchesObjdump(t *testing.T) {
	s := NewStream()
	s.Append(Instruction{Kind: KindLDI, Reg0: 16, Imm: 5})
	s.Append(Instruction{Kind: KindMOV, Reg0: 17, Reg1: 16})
	s.Append(Instruction{Kind: KindLDDY, Reg0: 2, Imm: 3})
	s.Append(Instruction{Kind: KindSTXInc, Reg0: 4})
	s.Append(Instruction{Kind: KindRET})
	s.Renumber()

	var buf bytes.Buffer
	if err := WriteListing(&buf, s, false); err != nil {
		t.Fatalf("WriteListing: %v", err)
	}
	expect := []testutil.Expectation{
		testutil.Op("ldi r16, 0x05"),
		testutil.Op("mov r17, r16"),
		testutil.Op("ldd r2, Y+3"),
		testutil.Op("st X+, r4"),
		testutil.Op("ret"),
	}
	testutil.VerifyExact(t, testutil.ParseListing(t, buf.String()), expect)

	var code []byte
	s.Each(func(_ Ref, ins *Instruction) {
		var err error
		if code, err = Encode(code, ins); err != nil {
			t.Fatalf("encode %s: %v", ins.String(), err)
		}
	})
	lines := testutil.DisassembleWithObjdump(t, code)
	mnemonics := make([]string, 0, len(lines))
	for _, l := range lines {
		mnemonics = append(mnemonics, l.Mnemonic)
	}
	if got, want := strings.Join(mnemonics, " "), "ldi mov ldd st ret"; got != want {
		t.Fatalf("objdump mnemonics=%q, want %q", got, want)
	}
}

func TestDecodeAbsoluteTransfers(t *testing.T) {
	for _, tc := range []struct {
		code []byte
		kind Kind
		imm  int32
	}{
		{[]byte{0x0E, 0x94, 0x00, 0x00}, KindCALL, 0},
		{[]byte{0x0F, 0x94, 0x34, 0x12}, KindCALL, 0x11234},
		{[]byte{0x0C, 0x94, 0x10, 0x00}, KindJMP, 0x10},
		{[]byte{0xFD, 0x95, 0xFF, 0xFF}, KindJMP, 1<<22 - 1},
	} {
		ins, n, err := Decode(tc.code)
		if err != nil {
			t.Fatalf("decode % x: %v", tc.code, err)
		}
		if n != 4 || ins.Kind != tc.kind || ins.Imm != tc.imm {
			t.Fatalf("decode % x = %s (%d bytes), want %s %#x", tc.code, ins.String(), n, tc.kind, tc.imm)
		}
	}
}
