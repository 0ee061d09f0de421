package avr

import (
	"github.com/tinyrange/avrc/internal/asm/avr"
)

// Reach of relative transfers, in words from the following instruction.
const (
	branchMin = -64
	branchMax = 63
	rjmpMin   = -2048
	rjmpMax   = 2047
)

// FixupStats reports what a fixup run changed.
type FixupStats struct {
	Passes    int
	Removed   int
	Split     int
	Relaxed   int
	Widened   int
	CodeBytes int
}

// wordDelta returns the distance in words from the end of ins to its
// target.
func wordDelta(s *avr.Stream, ins *avr.Instruction) int {
	return (s.At(ins.Target).Offset - (ins.Offset + ins.Size)) / 2
}

// Fixup rewrites jumps until every one fits its encoding. Offsets are
// recomputed each pass; forms only ever grow, so the loop converges. Jumps
// to the next instruction are removed. Conditions with no single encoding
// are split into two branches. Branches out of range become an inverted
// branch over an RJMP, and RJMPs out of range become absolute JMPs relative
// to the procedure symbol sym.
func Fixup(s *avr.Stream, sym string, maxPasses int) (FixupStats, error) {
	var st FixupStats
	for {
		if st.Passes >= maxPasses {
			return st, internalf("fixup", "no fixed point after %d passes", maxPasses)
		}
		st.Passes++
		st.CodeBytes = s.Renumber()
		changed := false

		s.Each(func(r avr.Ref, ins *avr.Instruction) {
			switch ins.Kind {
			case avr.KindRJMP, avr.KindBranch:
				if ins.Target == avr.NoRef {
					return
				}
				if !s.At(ins.Target).Linked() {
					return
				}
				d := wordDelta(s, ins)
				if d == 0 {
					if s.Neutralize(r) {
						st.Removed++
						changed = true
					}
					return
				}
				if ins.Kind == avr.KindBranch && !ins.Cond.Encodable() {
					splitBranch(s, r)
					st.Split++
					changed = true
					return
				}
				if ins.Kind == avr.KindBranch && (d < branchMin || d > branchMax) {
					relaxBranch(s, r)
					st.Relaxed++
					changed = true
					return
				}
				if ins.Kind == avr.KindRJMP && (d < rjmpMin || d > rjmpMax) {
					s.Update(r, func(ins *avr.Instruction) {
						ins.Kind = avr.KindJMP
						ins.Sym = sym
					})
					st.Relaxed++
					changed = true
				}
			case avr.KindPatchedAdd:
				if ins.Size != 2 {
					return
				}
				d := (s.At(ins.Target).Offset - s.At(ins.Base).Offset) / 2
				if d < 0 || d > 63 {
					s.Update(r, func(ins *avr.Instruction) { ins.Size = 4 })
					st.Widened++
					changed = true
				}
			}
		})
		if !changed {
			return st, nil
		}
	}
}

// splitBranch expands GT and LE into two encodable branches:
//
//	GT: BREQ skip; BRGE T; skip:
//	LE: BRLT T; BREQ T
func splitBranch(s *avr.Stream, r avr.Ref) {
	ins := s.At(r)
	target := ins.Target
	switch ins.Cond {
	case avr.CondGT:
		skip := s.New(avr.Instruction{Kind: avr.KindAnchor})
		s.Update(r, func(ins *avr.Instruction) {
			ins.Cond = avr.CondEQ
			ins.Target = skip
		})
		second := s.InsertAfter(r, avr.Instruction{Kind: avr.KindBranch, Cond: avr.CondGE, Target: target})
		s.Link(skip, second)
	case avr.CondLE:
		s.Update(r, func(ins *avr.Instruction) { ins.Cond = avr.CondLT })
		s.InsertAfter(r, avr.Instruction{Kind: avr.KindBranch, Cond: avr.CondEQ, Target: target})
	}
}

// relaxBranch turns "BRcc T" into "BR!cc skip; RJMP T; skip:".
func relaxBranch(s *avr.Stream, r avr.Ref) {
	ins := s.At(r)
	target := ins.Target
	skip := s.New(avr.Instruction{Kind: avr.KindAnchor})
	s.Update(r, func(ins *avr.Instruction) {
		ins.Cond = ins.Cond.Invert()
		ins.Target = skip
	})
	jmp := s.InsertAfter(r, avr.Instruction{Kind: avr.KindRJMP, Target: target})
	s.Link(skip, jmp)
}
