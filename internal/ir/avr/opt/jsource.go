package opt

import (
	"github.com/tinyrange/avrc/internal/asm/avr"
)

// sources records, for every position, the positions control can arrive
// from: the fallthrough predecessor, jumps and branches targeting it and
// skips stepping over the instruction before it. Lists are recycled across
// analysis generations.
type sources struct {
	lists [][]int32
	free  [][]int32
}

func newSources() *sources { return &sources{} }

func (s *sources) reset(n int) {
	for i, l := range s.lists {
		if l != nil {
			s.free = append(s.free, l[:0])
			s.lists[i] = nil
		}
	}
	s.lists = resize(s.lists, n)
}

func (s *sources) add(at int, from int32) {
	l := s.lists[at]
	if l == nil {
		if n := len(s.free); n > 0 {
			l, s.free = s.free[n-1], s.free[:n-1]
		}
	}
	s.lists[at] = append(l, from)
}

func (s *sources) get(at int) []int32 { return s.lists[at] }

// isJoin reports whether position i can be entered other than by falling
// through from i-1.
func (a *analysis) isJoin(i int) bool {
	if a.external[i] {
		return true
	}
	for _, p := range a.preds.get(i) {
		if int(p) != i-1 {
			return true
		}
	}
	return false
}

// straight reports whether control passes from position from to position
// to through every instruction between them, with no other way in and no
// skips. Real instructions strictly between must satisfy ok, when given.
func (a *analysis) straight(from, to int, ok func(*avr.Instruction) bool) bool {
	if from >= to || a.s.FollowsSkip(a.refs[from]) {
		return false
	}
	for k := from + 1; k <= to; k++ {
		prev := a.ins(k - 1)
		if prev.Terminal() || prev.Kind.IsJump() || prev.Kind.IsSkip() || a.isJoin(k) {
			return false
		}
		cur := a.ins(k)
		if !cur.Real() {
			continue
		}
		if a.s.FollowsSkip(a.refs[k]) {
			return false
		}
		if k < to && ok != nil && !ok(cur) {
			return false
		}
	}
	return true
}
