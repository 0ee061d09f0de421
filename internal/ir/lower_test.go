package ir_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/tinyrange/avrc/internal/asm"
	"github.com/tinyrange/avrc/internal/ir"
	"github.com/tinyrange/avrc/internal/ir/avr"
	"github.com/tinyrange/avrc/internal/sim"
)

const demo = `version: v1.0.0
name: demo
globals:
  out: 0x200
vectors: [main]
procedures:
  - name: add3
    params: [i16, i16, i16]
    result: i16
    ops:
      - {op: param, dst: 1, type: i16, index: 0}
      - {op: param, dst: 2, type: i16, index: 1}
      - {op: param, dst: 3, type: i16, index: 2}
      - {op: binary, arith: add, dst: 4, a: 1, b: 2}
      - {op: binary, arith: add, dst: 5, a: 4, b: 3}
      - {op: return, a: 5}
  - name: main
    ops:
      - {op: const, dst: 1, type: i16, value: 100}
      - {op: const, dst: 2, type: i16, value: -30}
      - {op: const, dst: 3, type: i16, value: 7}
      - {op: call, sym: add3, args: [1, 2, 3], dst: 4, type: i16}
      - {op: addr, dst: 5, sym: out}
      - {op: store, a: 5, b: 4}
`

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newAVR(t *testing.T, optimize bool) ir.Backend {
	t.Helper()
	b, err := ir.NewBackend(avr.Name, quiet())
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	b.Init(ir.Target{Name: "test", Optimize: optimize})
	if err := b.Err(); err != nil {
		t.Fatalf("init: %v", err)
	}
	return b
}

func TestLowerRunsOnSimulator(t *testing.T) {
	for _, optimize := range []bool{false, true} {
		p, err := ir.DecodeProgram(strings.NewReader(demo))
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		b := newAVR(t, optimize)
		var done []string
		progs, err := ir.Lower(context.Background(), b, p, ir.LowerOptions{
			Progress: func(name string) { done = append(done, name) },
		})
		if err != nil {
			t.Fatalf("optimize=%v: lower: %v", optimize, err)
		}
		if len(progs) != 3 || progs[0].Name() != "__vector_main" {
			t.Fatalf("programs=%d first=%q, want vector first and 3 in total", len(progs), progs[0].Name())
		}
		if strings.Join(done, ",") != "add3,main" {
			t.Fatalf("progress=%v, want add3,main", done)
		}

		im := asm.NewImage(0)
		for _, pr := range progs {
			if _, err := im.Add(pr); err != nil {
				t.Fatalf("add %s: %v", pr.Name(), err)
			}
		}
		for name, addr := range p.Globals {
			im.DefineData(name, uint32(addr))
		}
		missing, err := im.Link(b)
		if err != nil || len(missing) != 0 {
			t.Fatalf("link: missing=%v err=%v", missing, err)
		}

		cpu := sim.New(im.Bytes(), sim.Config{MaxSteps: 10000, Logger: quiet()})
		// Entering through the vector checks the header jump as well.
		if err := cpu.Call(0); err != nil {
			t.Fatalf("optimize=%v: run: %v", optimize, err)
		}
		if got := int16(cpu.Read16(0x200)); got != 77 {
			t.Fatalf("optimize=%v: out=%d, want 77", optimize, got)
		}
	}
}

func TestLowerReportsFailingOp(t *testing.T) {
	p, err := ir.DecodeProgram(strings.NewReader(`name: bad
procedures:
  - name: f
    ops:
      - {op: const, dst: 1, type: i8, value: 1}
      - {op: binary, arith: add, dst: 2, a: 1, b: 9}
`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	_, err = ir.Lower(context.Background(), newAVR(t, false), p, ir.LowerOptions{})
	if err == nil || !strings.Contains(err.Error(), "f op 1") {
		t.Fatalf("err=%v, want failure at f op 1", err)
	}
}

func TestLowerSurfacesBackendErrors(t *testing.T) {
	p, err := ir.DecodeProgram(strings.NewReader(`name: bad
procedures:
  - name: f
    ops:
      - {op: const, dst: 2, type: i8, value: 1}
      - {op: const, dst: 1, type: i8, value: 2}
`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	_, err = ir.Lower(context.Background(), newAVR(t, false), p, ir.LowerOptions{})
	if !avr.IsInternal(err) {
		t.Fatalf("err=%v, want internal error for a register below the window", err)
	}
}

func TestLowerObservesCancellation(t *testing.T) {
	p, err := ir.DecodeProgram(strings.NewReader(demo))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := ir.Lower(ctx, newAVR(t, false), p, ir.LowerOptions{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v, want context.Canceled", err)
	}
}

func TestLowerOnly(t *testing.T) {
	p, err := ir.DecodeProgram(strings.NewReader(demo))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	progs, err := ir.Lower(context.Background(), newAVR(t, false), p, ir.LowerOptions{Only: map[string]bool{"add3": true}})
	if err != nil {
		t.Fatalf("lower: %v", err)
	}
	if len(progs) != 2 || progs[1].Name() != "add3" {
		t.Fatalf("got %d programs, want the vector and add3", len(progs))
	}
}
