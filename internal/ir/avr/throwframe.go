package avr

import (
	"github.com/tinyrange/avrc/internal/asm/avr"
	"github.com/tinyrange/avrc/internal/ir"
)

// FrameLayout gives the byte offsets of the fields of an exception frame
// record. Records live in the locals of the procedure that installs them
// and are chained through Prev from a global current-frame pointer.
type FrameLayout struct {
	Prev     int // previous record, 2 bytes
	Resume   int // handler code address, code-pointer width
	ClassCtx int
	InstCtx  int
	SavedY   int
	SavedSP  int
	Exc      int // thrown value, written by __throw
	Size     int
}

func NewFrameLayout(codePtr int) FrameLayout {
	l := FrameLayout{Prev: 0, Resume: 2}
	l.ClassCtx = l.Resume + codePtr
	l.InstCtx = l.ClassCtx + 2
	l.SavedY = l.InstCtx + 2
	l.SavedSP = l.SavedY + 2
	l.Exc = l.SavedSP + 2
	l.Size = l.Exc + 2
	return l
}

func (b *Backend) frameDisp(op string, frame int) (int, bool) {
	return b.localDisp(op, frame, b.cfg.layout.Size)
}

// handlerAnchor pins the handler label and records that it is entered with
// the current stack depth.
func (b *Backend) handlerAnchor(op string, handler ir.Label) avr.Ref {
	ls := b.reach(op, handler)
	if ls == nil {
		return avr.NoRef
	}
	b.s.Update(ls.anchor, func(ins *avr.Instruction) { ins.Keep = true })
	return ls.anchor
}

// storeResume computes the address of handler into Z (and r0 for 3-byte
// code pointers) and stores it through X+.
func (b *Backend) storeResume(handler avr.Ref) {
	here := b.s.New(avr.Instruction{Kind: avr.KindAnchor})
	b.emit(avr.Instruction{Kind: avr.KindRCALL, Target: here})
	b.s.Link(here, b.s.Last())
	if b.cfg.codePtr == 3 {
		b.op1(avr.KindPOP, avr.R0)
	}
	b.op1(avr.KindPOP, avr.ZH)
	b.op1(avr.KindPOP, avr.ZL)
	b.emit(avr.Instruction{Kind: avr.KindPatchedAdd, Target: handler, Base: here})
	b.op1(avr.KindSTXInc, avr.ZL)
	b.op1(avr.KindSTXInc, avr.ZH)
	if b.cfg.codePtr == 3 {
		b.op1(avr.KindSTXInc, avr.R0)
	}
}

// storeWord stores a 2-byte context register through X+, or zero when r
// is nil.
func (b *Backend) storeWord(regs []uint8) {
	if regs == nil {
		b.op2(avr.KindEOR, avr.R1, avr.R1)
		regs = []uint8{avr.R1, avr.R1}
	}
	b.op1(avr.KindSTXInc, regs[0])
	b.op1(avr.KindSTXInc, regs[1])
}

// BuildFrame fills the record at local offset frame, links it in front of
// the current frame chain and arms handler as its resume point.
func (b *Backend) BuildFrame(frame int, handler ir.Label, classCtx, instCtx *ir.Reg) {
	if !b.ready("build_frame") {
		return
	}
	disp, ok := b.frameDisp("build_frame", frame)
	if !ok {
		return
	}
	var ctx []ir.Reg
	for _, r := range []*ir.Reg{classCtx, instCtx} {
		if r != nil {
			if r.Type.Size() != 2 {
				b.fail("build_frame", "context register %d is %s", r.Num, r.Type)
				return
			}
			ctx = append(ctx, *r)
		}
	}
	var ops [][]uint8
	if len(ctx) > 0 {
		if ops = b.operands("build_frame", ctx...); ops == nil {
			return
		}
	}
	var cc, ic []uint8
	if classCtx != nil {
		cc, ops = ops[0], ops[1:]
	}
	if instCtx != nil {
		ic = ops[0]
	}
	anchor := b.handlerAnchor("build_frame", handler)
	if anchor == avr.NoRef {
		return
	}

	g := int32(b.cfg.frameGlobal)
	l := b.cfg.layout
	b.frameAddrX(disp)
	b.opImm(avr.KindLDS, avr.R0, g)
	b.opImm(avr.KindLDS, avr.R1, g+1)
	b.op1(avr.KindSTXInc, avr.R0)
	b.op1(avr.KindSTXInc, avr.R1)
	b.storeResume(anchor)
	b.storeWord(cc)
	b.storeWord(ic)
	b.op1(avr.KindSTXInc, avr.YL)
	b.op1(avr.KindSTXInc, avr.YH)
	b.opImm(avr.KindIN, avr.R0, avr.IOSPL)
	b.op1(avr.KindSTXInc, avr.R0)
	b.opImm(avr.KindIN, avr.R0, avr.IOSPH)
	b.op1(avr.KindSTXInc, avr.R0)
	b.storeWord(nil)
	b.opImm(avr.KindSBIW, avr.XL, int32(l.Size))
	b.opImm(avr.KindSTS, avr.XL, g)
	b.opImm(avr.KindSTS, avr.XH, g+1)
}

// UpdateFrame re-arms the record at frame with a new handler.
func (b *Backend) UpdateFrame(frame int, handler ir.Label) {
	if !b.ready("update_frame") {
		return
	}
	disp, ok := b.frameDisp("update_frame", frame)
	if !ok {
		return
	}
	anchor := b.handlerAnchor("update_frame", handler)
	if anchor == avr.NoRef {
		return
	}
	b.frameAddrX(disp + b.cfg.layout.Resume)
	b.storeResume(anchor)
}

// ResetFrame unlinks the record at frame, restoring its predecessor as the
// current frame.
func (b *Backend) ResetFrame(frame int) {
	if !b.ready("reset_frame") {
		return
	}
	disp, ok := b.frameDisp("reset_frame", frame)
	if !ok {
		return
	}
	g := int32(b.cfg.frameGlobal)
	b.frameLoad([]uint8{avr.R0, avr.R1}, disp+b.cfg.layout.Prev)
	b.opImm(avr.KindSTS, avr.R0, g)
	b.opImm(avr.KindSTS, avr.R1, g+1)
}

// Throw raises exc. __throw never returns: it resumes the handler of the
// current frame with that frame's Y and SP.
func (b *Backend) Throw(exc ir.Reg) {
	if !b.ready("throw") {
		return
	}
	if exc.Type.Size() != 2 {
		b.fail("throw", "exception register %d is %s", exc.Num, exc.Type)
		return
	}
	s := b.operand("throw", exc, 0)
	if s == nil {
		return
	}
	b.op1(avr.KindPUSH, s[1])
	b.op1(avr.KindPUSH, s[0])
	b.emit(avr.Instruction{Kind: avr.KindCALL, Sym: RoutineThrow, Aux: 2, NoReturn: true})
	b.proc.dead = true
}

// LoadException reads the value delivered to the record at frame.
func (b *Backend) LoadException(dst ir.Reg, frame int) {
	if !b.ready("load_exception") {
		return
	}
	if dst.Type.Size() != 2 {
		b.fail("load_exception", "exception register %d is %s", dst.Num, dst.Type)
		return
	}
	disp, ok := b.frameDisp("load_exception", frame)
	if !ok {
		return
	}
	d := b.define("load_exception", dst, Request{})
	if d == nil {
		return
	}
	b.frameLoad(d, disp+b.cfg.layout.Exc)
}
