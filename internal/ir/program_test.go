package ir

import (
	"log/slog"
	"strings"
	"testing"
)

func TestDecodeProgram(t *testing.T) {
	p, err := DecodeProgram(strings.NewReader(`name: demo
globals:
  out: 0x200
procedures:
  - name: twice
    params: [i16]
    result: i16
    ops:
      - {op: param, dst: 1, type: i16, index: 0}
      - {op: binary_imm, arith: shl, dst: 2, a: 1, value: 1}
      - {op: return, a: 2}
`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Version != "v1.0.0" {
		t.Fatalf("version=%q, want default v1.0.0", p.Version)
	}
	if p.Globals["out"] != 0x200 || len(p.Procedures) != 1 {
		t.Fatalf("program=%+v", p)
	}
	info, err := p.Procedures[0].Info()
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if len(info.Params) != 1 || info.Params[0] != I16 || info.Result != I16 || info.ParamBytes() != 2 {
		t.Fatalf("info=%+v", info)
	}
}

func TestDecodeProgramRejects(t *testing.T) {
	cases := map[string]string{
		"unknown field": "name: x\nprocedures: []\nentry: main\n",
		"bad version":   "version: v2.1.0\nname: x\n",
		"invalid":       "version: latest\nname: x\n",
		"duplicate":     "name: x\nprocedures:\n  - {name: f}\n  - {name: f}\n",
		"bad type":      "name: x\nprocedures:\n  - {name: f, params: [i128]}\n",
		"no name":       "name: x\nprocedures:\n  - {locals: 2}\n",
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := DecodeProgram(strings.NewReader(src)); err == nil {
				t.Fatalf("decode succeeded, want error")
			}
		})
	}
}

func TestParseNames(t *testing.T) {
	if typ, err := ParseType("F64"); err != nil || typ != F64 {
		t.Fatalf("ParseType=%v, %v", typ, err)
	}
	if op, err := ParseOp("ushr"); err != nil || op != OpUshr || !op.IsShift() {
		t.Fatalf("ParseOp=%v, %v", op, err)
	}
	if c, err := ParseCond("uge"); err != nil || c != CondUGE || c.Swap() != CondULE {
		t.Fatalf("ParseCond=%v, %v", c, err)
	}
	if _, err := ParseCond("sometimes"); err == nil {
		t.Fatalf("ParseCond accepted an unknown name")
	}
}

func TestTypeSizes(t *testing.T) {
	cases := []struct {
		typ    Type
		size   int
		signed bool
	}{
		{Bool, 1, false},
		{I8, 1, true},
		{U16, 2, false},
		{Ptr, 2, false},
		{DPtr, 4, false},
		{F32, 4, true},
		{I64, 8, true},
	}
	for _, tc := range cases {
		if tc.typ.Size() != tc.size || tc.typ.Signed() != tc.signed {
			t.Fatalf("%s: size=%d signed=%v, want %d %v", tc.typ, tc.typ.Size(), tc.typ.Signed(), tc.size, tc.signed)
		}
	}
}

func TestRegisterBackendRejectsDuplicates(t *testing.T) {
	RegisterBackend("test-dup", func(log *slog.Logger) Backend { return nil })
	defer func() {
		if recover() == nil {
			t.Fatalf("second registration did not panic")
		}
	}()
	RegisterBackend("test-dup", func(log *slog.Logger) Backend { return nil })
}

func TestNewBackendUnknown(t *testing.T) {
	if _, err := NewBackend("z80", nil); err == nil {
		t.Fatalf("NewBackend succeeded for an unregistered name")
	}
}
