package avr

import (
	"github.com/tinyrange/avrc/internal/asm/avr"
	"github.com/tinyrange/avrc/internal/ir"
)

type procState struct {
	info   ir.ProcedureInfo
	parent *procState

	framed    bool
	locals    int
	paramBase int
	resultOff int

	prolog avr.Ref
	epilog ir.Label

	mark  int
	depth int
	dead  bool
}

type pendingProc struct {
	s    *avr.Stream
	info ir.ProcedureInfo
}

type labelState struct {
	anchor avr.Ref
	placed bool
	// unchecked labels accept any stack depth. Used for epilogs.
	unchecked bool
	depth     int
	depthSet  bool
}

// frameOffsets returns the Y displacement of the first parameter byte and
// of the result slot for a frame with the given local area.
func (b *Backend) frameOffsets(info ir.ProcedureInfo, locals int) (paramBase, resultOff int) {
	paramBase = locals + 2 + 1
	if !info.Inline {
		paramBase += b.cfg.codePtr
	}
	return paramBase, paramBase + info.ParamBytes()
}

func (b *Backend) roundLocals(n int) int {
	if a := b.cfg.align; a > 1 && n%a != 0 {
		n += a - n%a
	}
	return n
}

// BeginProcedure opens a procedure. A non-inlined procedure, or an inlined
// one with no enclosing procedure, starts a fresh stream and resets the
// register state. An inlined procedure opened inside another continues the
// enclosing stream and keeps its bindings.
func (b *Backend) BeginProcedure(info ir.ProcedureInfo) {
	if b.failed() {
		return
	}
	if !b.inited {
		b.fail("begin", "backend used before Init")
		return
	}
	if info.Locals < 0 {
		b.fail("begin", "%s: negative locals %d", info.Name, info.Locals)
		return
	}
	nested := b.proc != nil
	if nested && !info.Inline {
		b.fail("begin", "%s: only inlined procedures may nest inside %s", info.Name, b.proc.info.Name)
		return
	}
	if !nested {
		if b.pending != nil {
			b.fail("begin", "%s: %s was ended but never finalized", info.Name, b.pending.info.Name)
			return
		}
		b.s = avr.NewStream()
		b.labels = b.labels[:0]
		b.regs.Reset()
	}

	p := &procState{
		info:   info,
		parent: b.proc,
		locals: b.roundLocals(info.Locals),
		mark:   b.regs.Mark(),
		depth:  b.regs.Depth(),
	}
	p.framed = info.Locals > 0 || len(info.Params) > 0 || info.Result != ir.TypeInvalid
	p.paramBase, p.resultOff = b.frameOffsets(info, p.locals)
	b.proc = p

	if p.framed {
		b.op1(avr.KindPUSH, avr.YL)
		b.op1(avr.KindPUSH, avr.YH)
		b.opImm(avr.KindIN, avr.YL, avr.IOSPL)
		b.opImm(avr.KindIN, avr.YH, avr.IOSPH)
		if p.locals > 0 {
			b.addImmPair(avr.YL, -p.locals)
			b.opImm(avr.KindOUT, avr.YH, avr.IOSPH)
			b.opImm(avr.KindOUT, avr.YL, avr.IOSPL)
		}
	}
	p.prolog = b.emit(avr.Instruction{Kind: avr.KindAnchor, Comment: "prolog"})
	p.epilog = b.newLabel(true)
	b.log.Debug("begin procedure", "name", info.Name, "inline", info.Inline,
		"framed", p.framed, "locals", p.locals, "params", info.ParamBytes())
}

// EndProcedure closes the innermost procedure and emits its epilog.
func (b *Backend) EndProcedure() {
	if !b.ready("end") {
		return
	}
	p := b.proc
	if !p.dead {
		b.dropBytes(b.regs.Depth() - p.depth)
	}
	b.regs.Unwind(p.mark)

	b.placeLabel(p.epilog)
	if b.failed() {
		return
	}

	var saved avr.RegSet
	if !p.info.Inline {
		saved = b.regs.Written & bankMask
		at := p.prolog
		saved.Each(func(r uint8) {
			at = b.s.InsertAfter(at, avr.Instruction{Kind: avr.KindPUSH, Reg0: r})
		})
		for r := int(bankHi); r >= bankLo; r-- {
			if saved.Has(uint8(r)) {
				b.op1(avr.KindPOP, uint8(r))
			}
		}
	}
	if p.framed {
		if p.locals > 0 {
			b.addImmPair(avr.YL, p.locals)
			b.opImm(avr.KindOUT, avr.YH, avr.IOSPH)
			b.opImm(avr.KindOUT, avr.YL, avr.IOSPL)
		}
		b.op1(avr.KindPOP, avr.YH)
		b.op1(avr.KindPOP, avr.YL)
	}
	if !p.info.Inline {
		b.emit(avr.Instruction{Kind: avr.KindRET})
	}
	b.log.Debug("end procedure", "name", p.info.Name, "saved", saved)

	b.proc = p.parent
	if b.proc == nil {
		for i, l := range b.labels {
			if !l.placed && b.s.At(l.anchor).Kind == avr.KindAnchor {
				b.log.Debug("label never placed", "label", i, "proc", p.info.Name)
			}
		}
		b.pending = &pendingProc{s: b.s, info: p.info}
		b.s = nil
	}
}

// Return stores v into the caller's result slot and leaves through the
// epilog.
func (b *Backend) Return(v *ir.Reg) {
	if !b.ready("return") {
		return
	}
	p := b.proc
	switch {
	case v == nil && p.info.Result != ir.TypeInvalid:
		b.fail("return", "%s returns %s but no value was given", p.info.Name, p.info.Result)
		return
	case v != nil && p.info.Result == ir.TypeInvalid:
		b.fail("return", "%s has no result", p.info.Name)
		return
	case v != nil && v.Type.Size() != p.info.Result.Size():
		b.fail("return", "%s returns %s, got %s", p.info.Name, p.info.Result, v.Type)
		return
	}
	if v != nil {
		src := b.operand("return", *v, 0)
		if src == nil {
			return
		}
		b.frameStore(p.resultOff, src)
	}
	b.dropBytes(b.regs.Depth() - p.depth)
	b.jumpTo(p.epilog)
	p.dead = true
}

// Release ends the lifetime of r.
func (b *Backend) Release(r ir.Reg) {
	if !b.ready("release") {
		return
	}
	freed, drop, err := b.regs.Release(r.Num)
	if err != nil {
		b.failErr(err)
		return
	}
	if freed != 0 {
		b.emit(avr.Instruction{Kind: avr.KindFree, Mask: freed})
	}
	if !b.proc.dead {
		b.dropBytes(drop)
	}
}

func (b *Backend) NewLabel() ir.Label {
	if b.failed() {
		return ir.NoLabel
	}
	if b.s == nil {
		b.fail("label", "no open procedure")
		return ir.NoLabel
	}
	return b.newLabel(false)
}

func (b *Backend) newLabel(unchecked bool) ir.Label {
	r := b.s.New(avr.Instruction{Kind: avr.KindAnchor})
	b.labels = append(b.labels, labelState{anchor: r, unchecked: unchecked})
	return ir.Label(len(b.labels) - 1)
}

func (b *Backend) label(op string, l ir.Label) *labelState {
	if l < 0 || int(l) >= len(b.labels) {
		b.fail(op, "unknown label %d", l)
		return nil
	}
	return &b.labels[l]
}

// reach records that control arrives at l with the current stack depth.
func (b *Backend) reach(op string, l ir.Label) *labelState {
	ls := b.label(op, l)
	if ls == nil || ls.unchecked {
		return ls
	}
	d := b.regs.Depth()
	if !ls.depthSet {
		ls.depth, ls.depthSet = d, true
	} else if ls.depth != d {
		b.fail(op, "label %d reached with stack depth %d, expected %d", l, d, ls.depth)
		return nil
	}
	return ls
}

func (b *Backend) PlaceLabel(l ir.Label) {
	if !b.ready("place") {
		return
	}
	b.placeLabel(l)
}

func (b *Backend) placeLabel(l ir.Label) {
	ls := b.label("place", l)
	if ls == nil {
		return
	}
	if ls.placed {
		b.fail("place", "label %d placed twice", l)
		return
	}
	if b.proc.dead && ls.depthSet && !ls.unchecked && ls.depth != b.regs.Depth() {
		b.fail("place", "label %d reached with stack depth %d after dead code at depth %d", l, ls.depth, b.regs.Depth())
		return
	}
	if !b.proc.dead {
		if b.reach("place", l) == nil {
			return
		}
	}
	b.s.Link(ls.anchor, b.s.Last())
	ls.placed = true
	b.proc.dead = false
}

// anchorOf returns the anchor for l, for pseudo instructions that reference
// a label without transferring control.
func (b *Backend) anchorOf(op string, l ir.Label) avr.Ref {
	ls := b.label(op, l)
	if ls == nil {
		return avr.NoRef
	}
	return ls.anchor
}

func (b *Backend) Jump(l ir.Label) {
	if !b.ready("jump") {
		return
	}
	if b.proc.dead {
		return
	}
	b.jumpTo(l)
	b.proc.dead = true
}

func (b *Backend) jumpTo(l ir.Label) {
	ls := b.reach("jump", l)
	if ls == nil {
		return
	}
	b.emit(avr.Instruction{Kind: avr.KindRJMP, Target: ls.anchor})
}

// branchTo emits a conditional branch to l. Conditions without a single
// encoding are split later by fixup.
func (b *Backend) branchTo(c avr.Cond, l ir.Label) {
	ls := b.reach("branch", l)
	if ls == nil {
		return
	}
	b.emit(avr.Instruction{Kind: avr.KindBranch, Cond: c, Target: ls.anchor})
}
