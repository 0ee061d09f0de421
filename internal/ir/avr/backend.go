// Package avr lowers IR onto 8-bit AVR-class microcontrollers.
//
// One Backend compiles procedures one at a time into an instruction stream.
// Registers come from a sliding window over r2..r25 with push-based
// spilling; branches are emitted symbolically and resolved by a fixup pass
// after the optional dataflow optimizer has run.
package avr

import (
	"log/slog"

	"github.com/tinyrange/avrc/internal/asm/avr"
	"github.com/tinyrange/avrc/internal/ir"
)

// Name is the registry key of this backend.
const Name = "avr"

func init() {
	ir.RegisterBackend(Name, func(log *slog.Logger) ir.Backend { return New(log) })
}

// Defaults applied by Init when the target leaves a field unset.
const (
	DefaultAllocStart      = 16
	DefaultOptimizerPasses = 64
	DefaultUnrollLimit     = 32
	DefaultThrowFrame      = 0x0100
	maxFixupPasses         = 64
	popDropLimit           = 6
)

type config struct {
	target      ir.Target
	codePtr     int
	align       int
	frameGlobal int
	layout      FrameLayout
}

// Backend implements ir.Backend for AVR-class targets.
type Backend struct {
	log *slog.Logger
	cfg config
	err *InternalError

	inited bool
	s      *avr.Stream
	regs   *RegState
	proc   *procState
	labels []labelState

	pending  *pendingProc
	finished *avr.Stream
	liveOut  avr.RegSet
}

var _ ir.Backend = (*Backend)(nil)

func New(log *slog.Logger) *Backend {
	if log == nil {
		log = slog.Default()
	}
	return &Backend{log: log.With("backend", Name)}
}

// Init validates the target and derives layout constants. It resets any
// previous state, including a latched error.
func (b *Backend) Init(t ir.Target) {
	b.err = nil
	b.s, b.proc, b.labels, b.pending, b.finished = nil, nil, nil, nil, nil

	if t.PointerSize == 0 {
		t.PointerSize = 2
	}
	if t.CodePointerSize == 0 {
		t.CodePointerSize = 2
	}
	if t.StackAlignment == 0 {
		t.StackAlignment = 1
	}
	if t.AllocStart == 0 {
		t.AllocStart = DefaultAllocStart
	}
	if t.OptimizerPasses == 0 {
		t.OptimizerPasses = DefaultOptimizerPasses
	}
	if t.UnrollLimit == 0 {
		t.UnrollLimit = DefaultUnrollLimit
	}
	if t.ThrowFrameGlobal == 0 {
		t.ThrowFrameGlobal = DefaultThrowFrame
	}

	switch {
	case t.PointerSize != 2:
		b.fail("init", "pointer size %d unsupported, want 2", t.PointerSize)
	case t.CodePointerSize != 2 && t.CodePointerSize != 3:
		b.fail("init", "code pointer size %d unsupported, want 2 or 3", t.CodePointerSize)
	case t.StackAlignment != 1 && t.StackAlignment != 2:
		b.fail("init", "stack alignment %d unsupported", t.StackAlignment)
	case t.AllocStart < bankLo || t.AllocStart > bankHi:
		b.fail("init", "allocation start r%d outside r%d..r%d", t.AllocStart, bankLo, bankHi)
	case t.ThrowFrameGlobal < 0 || t.ThrowFrameGlobal > 0xFFFE:
		b.fail("init", "throw frame global %#x outside data space", t.ThrowFrameGlobal)
	}
	if b.failed() {
		return
	}

	b.cfg = config{
		target:      t,
		codePtr:     t.CodePointerSize,
		align:       t.StackAlignment,
		frameGlobal: t.ThrowFrameGlobal,
		layout:      NewFrameLayout(t.CodePointerSize),
	}
	b.regs = NewRegState(uint8(t.AllocStart))
	b.inited = true
	b.log.Debug("initialized", "target", t.Name, "codePointer", t.CodePointerSize,
		"allocStart", t.AllocStart, "optimize", t.Optimize)
}

// Layout returns the throw-frame layout derived at Init.
func (b *Backend) Layout() FrameLayout { return b.cfg.layout }

// Stream exposes the instruction stream under construction, or the last
// finalized one.
func (b *Backend) Stream() *avr.Stream {
	if b.s != nil {
		return b.s
	}
	if b.pending != nil {
		return b.pending.s
	}
	return b.finished
}

// RegState exposes the allocator.
func (b *Backend) RegState() *RegState { return b.regs }

// ready reports whether an entry point that emits code may run.
func (b *Backend) ready(op string) bool {
	if b.failed() {
		return false
	}
	if !b.inited {
		b.fail(op, "backend used before Init")
		return false
	}
	if b.proc == nil {
		b.fail(op, "no open procedure")
		return false
	}
	return true
}

// emit appends ins to the stream and records written allocatable
// registers for the callee-saved set.
func (b *Backend) emit(ins avr.Instruction) avr.Ref {
	r := b.s.Append(ins)
	b.regs.Written |= b.s.At(r).Write & bankMask
	return r
}

func (b *Backend) op2(k avr.Kind, d, r uint8) avr.Ref {
	return b.emit(avr.Instruction{Kind: k, Reg0: d, Reg1: r})
}

func (b *Backend) op1(k avr.Kind, d uint8) avr.Ref {
	return b.emit(avr.Instruction{Kind: k, Reg0: d})
}

func (b *Backend) opImm(k avr.Kind, d uint8, imm int32) avr.Ref {
	return b.emit(avr.Instruction{Kind: k, Reg0: d, Imm: imm})
}

// scratchImm loads v into XL without touching flags and returns XL.
func (b *Backend) scratchImm(v uint8) uint8 {
	b.opImm(avr.KindLDI, avr.XL, int32(v))
	return avr.XL
}

// operand returns the registers holding r, restoring it from the stack
// when it was spilled. avoid protects registers already in use by the
// current construct.
func (b *Backend) operand(op string, r ir.Reg, avoid avr.RegSet) []uint8 {
	bind, ok := b.regs.Lookup(r.Num)
	if !ok {
		b.fail(op, "register %d used before definition", r.Num)
		return nil
	}
	if bind.Type.Size() != r.Type.Size() {
		b.fail(op, "register %d is %s, used as %s", r.Num, bind.Type, r.Type)
		return nil
	}
	if bind.Spilled {
		if !b.restore(op, r.Num, avoid) {
			return nil
		}
		bind, _ = b.regs.Lookup(r.Num)
	}
	return bind.Regs
}

// operands resolves several registers at once. Each result avoids the
// registers of the others.
func (b *Backend) operands(op string, rs ...ir.Reg) [][]uint8 {
	var avoid avr.RegSet
	for _, r := range rs {
		if bind, ok := b.regs.Lookup(r.Num); ok && !bind.Spilled {
			avoid |= bind.Mask()
		}
	}
	out := make([][]uint8, len(rs))
	for i, r := range rs {
		out[i] = b.operand(op, r, avoid)
		if out[i] == nil {
			return nil
		}
		avoid |= avr.Regs(out[i]...)
	}
	return out
}

func (b *Backend) restore(op string, num int, avoid avr.RegSet) bool {
	res, err := b.regs.Restore(num, avoid)
	if err != nil {
		b.failErr(wrapOp(op, err))
		return false
	}
	if res.Above == 0 {
		for _, reg := range res.Regs {
			b.op1(avr.KindPOP, reg)
		}
		b.dropBytes(res.Drop)
		b.log.Debug("restored spilled register", "reg", num, "regs", res.Mask())
		return true
	}
	b.pushVictims(res.Victims, num)
	// SP+1 is the top byte; the value's low byte sits Above bytes deeper.
	b.opImm(avr.KindIN, avr.XL, avr.IOSPL)
	b.opImm(avr.KindIN, avr.XH, avr.IOSPH)
	b.addImmPair(avr.XL, res.Above+1)
	for _, reg := range res.Regs {
		b.op1(avr.KindLDXInc, reg)
	}
	b.log.Debug("restored buried register", "reg", num, "regs", res.Mask(), "above", res.Above, "top", b.regs.Top())
	return true
}

// pushVictims emits the pushes for spilled bindings, high byte first.
func (b *Backend) pushVictims(victims []*Binding, forNum int) {
	for _, v := range victims {
		for i := len(v.Regs) - 1; i >= 0; i-- {
			b.op1(avr.KindPUSH, v.Regs[i])
		}
		b.log.Debug("spilled register", "reg", v.Num, "for", forNum, "base", b.regs.Window.Base)
	}
}

// define allocates registers for a new value.
func (b *Backend) define(op string, r ir.Reg, req Request) []uint8 {
	bind, victims, err := b.regs.Allocate(r, req)
	if err != nil {
		b.failErr(wrapOp(op, err))
		return nil
	}
	b.pushVictims(victims, r.Num)
	b.emit(avr.Instruction{Kind: avr.KindAlloc, Mask: bind.Mask()})
	return bind.Regs
}

func wrapOp(op string, err error) error {
	if ie, ok := err.(*InternalError); ok {
		return &InternalError{Op: op, Detail: ie.Detail, Err: ie.Err}
	}
	return err
}

// dropBytes discards n bytes from the hardware stack.
func (b *Backend) dropBytes(n int) {
	if n <= 0 {
		return
	}
	if n <= popDropLimit {
		for i := 0; i < n; i++ {
			b.op1(avr.KindPOP, avr.R0)
		}
		return
	}
	b.opImm(avr.KindIN, avr.XL, avr.IOSPL)
	b.opImm(avr.KindIN, avr.XH, avr.IOSPH)
	b.addImmPair(avr.XL, n)
	b.opImm(avr.KindOUT, avr.XH, avr.IOSPH)
	b.opImm(avr.KindOUT, avr.XL, avr.IOSPL)
}

// addImmPair adds a 16-bit constant to the pair lo:lo+1, which must be
// X, Y, Z or r24.
func (b *Backend) addImmPair(lo uint8, n int) {
	switch {
	case n == 0:
	case n > 0 && n <= 63:
		b.opImm(avr.KindADIW, lo, int32(n))
	case n < 0 && n >= -63:
		b.opImm(avr.KindSBIW, lo, int32(-n))
	default:
		neg := uint16(-n)
		b.opImm(avr.KindSUBI, lo, int32(uint8(neg)))
		b.opImm(avr.KindSBCI, lo+1, int32(uint8(neg>>8)))
	}
}

func mask(regs ...[]uint8) avr.RegSet {
	var m avr.RegSet
	for _, rs := range regs {
		m |= avr.Regs(rs...)
	}
	return m
}

func allUpper(regs []uint8) bool {
	for _, r := range regs {
		if r < 16 {
			return false
		}
	}
	return true
}
