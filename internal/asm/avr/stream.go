package avr

import "fmt"

// Stream is an ordered, doubly linked sequence of instructions stored in an
// index arena. Instructions are never removed from the arena; dead ones are
// neutralized to zero size so Refs held elsewhere stay valid.
type Stream struct {
	ins   []*Instruction
	first Ref
	last  Ref
}

func NewStream() *Stream {
	return &Stream{first: NoRef, last: NoRef}
}

// Len returns the arena size, including unlinked and neutralized entries.
func (s *Stream) Len() int { return len(s.ins) }

func (s *Stream) First() Ref { return s.first }
func (s *Stream) Last() Ref  { return s.last }

// At returns the instruction for r. The pointer stays valid for the
// lifetime of the stream. Mutations should go through Update so derived
// fields stay in sync.
func (s *Stream) At(r Ref) *Instruction {
	return s.ins[r]
}

func (s *Stream) Next(r Ref) Ref { return s.ins[r].next }
func (s *Stream) Prev(r Ref) Ref { return s.ins[r].prev }

// New allocates an instruction in the arena without linking it. Anchors for
// labels that are referenced before they are placed use this.
func (s *Stream) New(ins Instruction) Ref {
	p := new(Instruction)
	*p = ins
	p.prev, p.next, p.linked = NoRef, NoRef, false
	if !usesTarget(p.Kind) {
		p.Target = NoRef
	}
	if p.Kind != KindPatchedAdd {
		p.Base = NoRef
	}
	p.Size = defaultSize(p)
	Classify(p)
	s.ins = append(s.ins, p)
	return Ref(len(s.ins) - 1)
}

// Append adds ins at the end of the stream.
func (s *Stream) Append(ins Instruction) Ref {
	r := s.New(ins)
	s.Link(r, s.last)
	return r
}

// InsertAfter links a new instruction immediately after at. at == NoRef
// inserts at the front.
func (s *Stream) InsertAfter(at Ref, ins Instruction) Ref {
	r := s.New(ins)
	s.Link(r, at)
	return r
}

// InsertBefore links a new instruction immediately before at.
func (s *Stream) InsertBefore(at Ref, ins Instruction) Ref {
	return s.InsertAfter(s.ins[at].prev, ins)
}

// Link places the unlinked instruction r after at (NoRef for the front).
func (s *Stream) Link(r, at Ref) {
	p := s.ins[r]
	if p.linked {
		panic(fmt.Sprintf("avr: instruction %d already linked", r))
	}
	p.linked = true
	p.prev = at
	if at == NoRef {
		p.next = s.first
		s.first = r
	} else {
		p.next = s.ins[at].next
		s.ins[at].next = r
	}
	if p.next == NoRef {
		s.last = r
	} else {
		s.ins[p.next].prev = r
	}
}

// Update applies fn to r and reclassifies it.
func (s *Stream) Update(r Ref, fn func(ins *Instruction)) {
	p := s.ins[r]
	fn(p)
	if p.Kind == KindPatchedAdd {
		if p.Size < 2 {
			p.Size = 2
		}
	} else {
		p.Size = defaultSize(p)
	}
	Classify(p)
}

// Neutralize removes r from the program without unlinking it. The
// instruction directly after a skip is turned into a NOP instead so the skip
// keeps its meaning. It reports whether anything changed.
func (s *Stream) Neutralize(r Ref) bool {
	p := s.ins[r]
	kind := KindNone
	if s.FollowsSkip(r) {
		kind = KindNOP
	}
	if p.Kind == kind {
		return false
	}
	s.Update(r, func(ins *Instruction) {
		*ins = Instruction{
			Kind:   kind,
			Target: NoRef,
			Base:   NoRef,
			Seq:    ins.Seq,
			Offset: ins.Offset,
			prev:   ins.prev,
			next:   ins.next,
			linked: ins.linked,
		}
	})
	return true
}

func usesTarget(k Kind) bool {
	return k.IsJump() || k == KindRCALL || k == KindPatchedAdd
}

// NextReal returns the first instruction after r that occupies code space.
func (s *Stream) NextReal(r Ref) Ref {
	for r = s.ins[r].next; r != NoRef; r = s.ins[r].next {
		if s.ins[r].Real() {
			return r
		}
	}
	return NoRef
}

// PrevReal returns the last instruction before r that occupies code space.
func (s *Stream) PrevReal(r Ref) Ref {
	for r = s.ins[r].prev; r != NoRef; r = s.ins[r].prev {
		if s.ins[r].Real() {
			return r
		}
	}
	return NoRef
}

// FollowsSkip reports whether r is the instruction a preceding SBRC, SBRS or
// CPSE would skip.
func (s *Stream) FollowsSkip(r Ref) bool {
	p := s.PrevReal(r)
	return p != NoRef && s.ins[p].Kind.IsSkip()
}

// Renumber assigns sequence numbers and byte offsets in stream order.
func (s *Stream) Renumber() int {
	seq, off := 0, 0
	for r := s.first; r != NoRef; r = s.ins[r].next {
		p := s.ins[r]
		p.Seq = seq
		p.Offset = off
		seq++
		off += p.Size
	}
	return off
}

// Reclassify recomputes derived fields for every linked instruction.
func (s *Stream) Reclassify() {
	for r := s.first; r != NoRef; r = s.ins[r].next {
		Classify(s.ins[r])
	}
}

// Each calls fn for every linked instruction in order.
func (s *Stream) Each(fn func(r Ref, ins *Instruction)) {
	for r := s.first; r != NoRef; {
		next := s.ins[r].next
		fn(r, s.ins[r])
		r = next
	}
}

// Count returns the number of linked instructions that occupy code space.
func (s *Stream) Count() int {
	n := 0
	s.Each(func(_ Ref, ins *Instruction) {
		if ins.Real() {
			n++
		}
	})
	return n
}
