package avr

import (
	"io"

	"github.com/tinyrange/avrc/internal/asm"
	"github.com/tinyrange/avrc/internal/asm/avr"
	"github.com/tinyrange/avrc/internal/ir/avr/opt"
)

// SetLiveOut declares registers that are read after the end of the stream.
// Only inlined fragments that fall off their end need it.
func (b *Backend) SetLiveOut(live avr.RegSet) { b.liveOut = live }

// HeaderVector emits the short relative jump used in fixed-size header
// slots such as interrupt vectors.
func (b *Backend) HeaderVector(sym string) {
	if !b.ready("header") {
		return
	}
	if sym == "" {
		b.fail("header", "header vector without a symbol")
		return
	}
	b.emit(avr.Instruction{Kind: avr.KindRJMP, Sym: sym, Header: true})
}

// Finalize optimizes, fixes up and encodes the most recently ended
// procedure.
func (b *Backend) Finalize() (asm.Program, error) {
	if err := b.Err(); err != nil {
		return asm.Program{}, err
	}
	if b.pending == nil {
		b.fail("finalize", "no ended procedure to finalize")
		return asm.Program{}, b.Err()
	}
	p := b.pending
	b.pending = nil
	s, name := p.s, p.info.Name

	var unplaced error
	s.Each(func(_ avr.Ref, ins *avr.Instruction) {
		for _, t := range []avr.Ref{ins.Target, ins.Base} {
			if t != avr.NoRef && !s.At(t).Linked() && unplaced == nil {
				unplaced = internalf("finalize", "%s: %s references a label that was never placed", name, ins.Kind)
			}
		}
	})
	if unplaced != nil {
		b.failErr(unplaced)
		return asm.Program{}, b.Err()
	}

	t := b.cfg.target
	if t.Optimize {
		o := opt.Options{
			MaxPasses:   t.OptimizerPasses,
			UnrollLimit: t.UnrollLimit,
			LiveOut:     b.liveOut,
			Logger:      b.log,
		}
		if t.DeadCodeOnly {
			n, err := opt.RemoveDead(s, o)
			if err != nil {
				b.failErr(&InternalError{Op: "optimize", Detail: name, Err: err})
				return asm.Program{}, b.Err()
			}
			b.log.Debug("removed dead code", "proc", name, "removed", n)
		} else {
			st, err := opt.Run(s, o)
			if err != nil {
				b.failErr(&InternalError{Op: "optimize", Detail: name, Err: err})
				return asm.Program{}, b.Err()
			}
			b.log.Debug("optimized", "proc", name, "iterations", st.Iterations,
				"removed", st.Removed, "rewritten", st.Rewritten)
		}
	}

	fx, err := Fixup(s, name, maxFixupPasses)
	if err != nil {
		b.failErr(wrapOp("fixup", err))
		return asm.Program{}, b.Err()
	}
	b.log.Debug("fixup", "proc", name, "passes", fx.Passes, "removed", fx.Removed,
		"split", fx.Split, "relaxed", fx.Relaxed, "widened", fx.Widened)

	code, relocs, err := encodeStream(s)
	if err != nil {
		b.failErr(&InternalError{Op: "encode", Detail: name, Err: err})
		return asm.Program{}, b.Err()
	}
	if len(code)%2 != 0 {
		b.log.Warn("procedure has odd size", "proc", name, "bytes", len(code))
	}
	b.finished = s
	b.liveOut = 0
	return asm.NewProgram(name, code, relocs), nil
}

// encodeStream resolves transfer displacements and serializes every real
// instruction of s, collecting relocations for symbolic references.
func encodeStream(s *avr.Stream) ([]byte, []asm.Relocation, error) {
	size := s.Renumber()
	code := make([]byte, 0, size)
	var relocs []asm.Relocation
	var err error

	s.Each(func(_ avr.Ref, ins *avr.Instruction) {
		if err != nil || !ins.Real() {
			return
		}
		switch ins.Kind {
		case avr.KindRJMP, avr.KindRCALL, avr.KindBranch:
			if ins.Target != avr.NoRef {
				ins.Imm = int32(wordDelta(s, ins))
			}
		case avr.KindPatchedAdd:
			ins.Imm = int32((s.At(ins.Target).Offset - s.At(ins.Base).Offset) / 2)
		}

		switch {
		case ins.Kind == avr.KindCALL && ins.Sym != "":
			relocs = append(relocs, asm.Relocation{Offset: ins.Offset, Kind: asm.RelocCode, Sym: ins.Sym})
		case ins.Kind == avr.KindJMP && ins.Sym != "":
			rel := asm.Relocation{Offset: ins.Offset, Kind: asm.RelocCode, Sym: ins.Sym}
			if ins.Target != avr.NoRef {
				rel.Addend = int32(s.At(ins.Target).Offset)
			}
			relocs = append(relocs, rel)
		case ins.Kind == avr.KindRJMP && ins.Header:
			relocs = append(relocs, asm.Relocation{Offset: ins.Offset, Kind: asm.RelocCode, Sym: ins.Sym, Header: true})
		case ins.Kind == avr.KindLoadAddr:
			relocs = append(relocs, asm.Relocation{Offset: ins.Offset, Kind: asm.RelocPointer, Sym: ins.Sym})
		}

		before := len(code)
		if code, err = avr.Encode(code, ins); err != nil {
			return
		}
		if n := len(code) - before; n != ins.Size {
			err = internalf("encode", "%s encoded to %d bytes, sized %d", ins, n, ins.Size)
		}
	})
	if err != nil {
		return nil, nil, err
	}
	return code, relocs, nil
}

// PatchCodeReference resolves a code relocation. Header slots hold an RJMP
// relative to at; everything else holds a JMP or CALL word address.
func (b *Backend) PatchCodeReference(code []byte, rel asm.Relocation, at, target uint32) error {
	if rel.Offset < 0 || rel.Offset >= len(code) {
		return internalf("patch", "relocation offset %d outside %d bytes", rel.Offset, len(code))
	}
	if target%2 != 0 {
		return internalf("patch", "code target %#x for %s is not word aligned", target, rel.Sym)
	}
	if rel.Header {
		disp := (int64(target) - int64(at) - 2) / 2
		if err := avr.PatchRelative(code[rel.Offset:], int32(disp)); err != nil {
			return &InternalError{Op: "patch", Detail: rel.Sym, Err: err}
		}
		return nil
	}
	if err := avr.PatchAbsolute(code[rel.Offset:], target/2); err != nil {
		return &InternalError{Op: "patch", Detail: rel.Sym, Err: err}
	}
	return nil
}

// PatchPointerReference writes a data address into an LDI pair.
func (b *Backend) PatchPointerReference(code []byte, rel asm.Relocation, addr uint32) error {
	if rel.Offset < 0 || rel.Offset >= len(code) {
		return internalf("patch", "relocation offset %d outside %d bytes", rel.Offset, len(code))
	}
	if addr > 0xFFFF {
		return internalf("patch", "data address %#x for %s exceeds 16 bits", addr, rel.Sym)
	}
	if err := avr.PatchImmPair(code[rel.Offset:], uint16(addr)); err != nil {
		return &InternalError{Op: "patch", Detail: rel.Sym, Err: err}
	}
	return nil
}

// Listing writes the last finalized stream with addresses and labels.
func (b *Backend) Listing(w io.Writer) error {
	s := b.Stream()
	if s == nil {
		return internalf("listing", "nothing compiled")
	}
	return avr.WriteListing(w, s, false)
}
