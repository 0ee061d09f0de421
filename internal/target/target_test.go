package target

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	d := Default()
	if err := d.Validate(); err != nil {
		t.Fatalf("default profile invalid: %v", err)
	}
	tgt := d.Target()
	if tgt.Name != DefaultName || tgt.PointerSize != 2 || tgt.ThrowFrameGlobal != 0x100 {
		t.Fatalf("target=%+v, want atmega328p with pointer 2 and frame global 0x100", tgt)
	}
	if tgt.Optimize {
		t.Fatalf("optimizer enabled by default")
	}
}

func TestDecodeAppliesDefaults(t *testing.T) {
	d, err := Decode(strings.NewReader(`version: v1.2.0
name: mega2560
codePointerSize: 3
memory:
  ramStart: 0x200
  ramEnd: 0x21FF
  flashSize: 262144
optimizer:
  enabled: true
  unrollLimit: 8
`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	tgt := d.Target()
	if tgt.CodePointerSize != 3 || tgt.FlashSize != 262144 {
		t.Fatalf("target=%+v, want code pointer 3 and 256K flash", tgt)
	}
	if tgt.ThrowFrameGlobal != 0x200 {
		t.Fatalf("throwFrameGlobal=%#x, want RAM start", tgt.ThrowFrameGlobal)
	}
	if !tgt.Optimize || tgt.UnrollLimit != 8 || tgt.OptimizerPasses != 64 {
		t.Fatalf("optimizer=%v/%d/%d, want true/8/64", tgt.Optimize, tgt.UnrollLimit, tgt.OptimizerPasses)
	}
	if d.Backend != "avr" {
		t.Fatalf("backend=%q, want avr", d.Backend)
	}
}

func TestDecodeDeadCodeOnly(t *testing.T) {
	d, err := Decode(strings.NewReader("name: tiny\noptimizer:\n  enabled: true\n  deadCodeOnly: true\n"))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if tgt := d.Target(); !tgt.Optimize || !tgt.DeadCodeOnly {
		t.Fatalf("optimize=%v deadCodeOnly=%v, want both", tgt.Optimize, tgt.DeadCodeOnly)
	}
}

func TestDecodeRejects(t *testing.T) {
	cases := map[string]string{
		"unknown field":  "name: x\nclockHz: 16000000\n",
		"bad version":    "version: 1\nname: x\n",
		"future version": "version: v2.0.0\nname: x\n",
		"no name":        "version: v1.0.0\n",
		"pointer size":   "name: x\npointerSize: 4\n",
		"alignment":      "name: x\nstackAlignment: 3\n",
		"ram range":      "name: x\nmemory:\n  ramStart: 0x800\n  ramEnd: 0x100\n",
		"frame global":   "name: x\nthrowFrameGlobal: 0x20\n",
		"alloc start":    "name: x\nallocStart: 30\n",
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Decode(strings.NewReader(src)); err == nil {
				t.Fatalf("decode succeeded, want error")
			}
		})
	}
}

func TestWriteTemplateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiny.yaml")
	if err := WriteTemplate(path, Description{Name: "tiny", AllocStart: 18}); err != nil {
		t.Fatalf("write: %v", err)
	}
	d, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if d.Name != "tiny" || d.AllocStart != 18 || d.Version != "v1.0.0" {
		t.Fatalf("got %+v", d)
	}
}

func TestLoadBuiltinAndMissing(t *testing.T) {
	d, err := Load(DefaultName)
	if err != nil || d.Name != DefaultName {
		t.Fatalf("load builtin: %+v, %v", d, err)
	}
	missing := filepath.Join(t.TempDir(), "none.yaml")
	if _, err := Load(missing); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("err=%v, want not-exist", err)
	}
}

func TestLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mega.toml")
	src := `version = "v1.0.0"
name = "mega2560"
codePointerSize = 3

[memory]
ramStart = 0x200
ramEnd = 0x21FF
flashSize = 262144

[optimizer]
enabled = true
`
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	d, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if d.CodePointerSize != 3 || d.Memory.RAMEnd != 0x21FF || !d.Optimizer.Enabled {
		t.Fatalf("got %+v", d)
	}
	if _, err := DecodeTOML(strings.NewReader("name = \"x\"\nclockHz = 1\n")); err == nil {
		t.Fatalf("unknown TOML field accepted")
	}
}
