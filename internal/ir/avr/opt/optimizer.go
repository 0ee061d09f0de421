// Package opt is the dataflow peephole optimizer for AVR instruction
// streams.
//
// Each iteration classifies the stream, neutralizes unreachable code,
// removes instructions whose results are never read and then walks the
// stream backwards applying rewrite rules. Iterations repeat until nothing
// changes; a rule that changes control flow ends its iteration early so the
// next one starts from fresh reachability.
package opt

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/avrc/internal/asm/avr"
)

// Options tunes a run.
type Options struct {
	// MaxPasses bounds the number of iterations. Exceeding it is an error.
	MaxPasses int
	// UnrollLimit bounds the number of instructions a counted shift loop
	// may expand to.
	UnrollLimit int
	// LiveOut lists registers read after control falls off the end of the
	// stream.
	LiveOut avr.RegSet
	Logger  *slog.Logger
}

const (
	defaultMaxPasses   = 64
	defaultUnrollLimit = 32
)

// Stats reports what a run did.
type Stats struct {
	Iterations int
	Removed    int
	Rewritten  int
}

// ErrNoFixedPoint is wrapped by the error returned when MaxPasses is
// exhausted.
var ErrNoFixedPoint = errors.New("opt: no fixed point")

func (o Options) normalized() Options {
	if o.MaxPasses <= 0 {
		o.MaxPasses = defaultMaxPasses
	}
	if o.UnrollLimit <= 0 {
		o.UnrollLimit = defaultUnrollLimit
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Run optimizes s in place.
func Run(s *avr.Stream, o Options) (Stats, error) {
	o = o.normalized()
	a := newAnalysis(s, o)
	defer a.release()

	var st Stats
	for {
		if st.Iterations >= o.MaxPasses {
			return st, fmt.Errorf("%w after %d iterations", ErrNoFixedPoint, o.MaxPasses)
		}
		st.Iterations++
		a.build()

		if n := a.removeUnreachable(); n > 0 {
			st.Removed += n
			continue
		}
		n := a.removeDead()
		st.Removed += n
		changed := n > 0

		for i := len(a.refs) - 1; i >= 0; i-- {
			if !a.reach[i] || !a.ins(i).Linked() {
				continue
			}
			res := a.apply(i)
			if res == noChange {
				continue
			}
			changed = true
			st.Rewritten++
			a.invalidate()
			if res == flowChange {
				break
			}
		}
		if !changed {
			break
		}
	}
	o.Logger.Debug("opt: done", "iterations", st.Iterations, "removed", st.Removed, "rewritten", st.Rewritten)
	return st, nil
}

// RemoveDead only neutralizes unreachable and effect-free instructions,
// repeating until nothing changes. It returns the number removed.
func RemoveDead(s *avr.Stream, o Options) (int, error) {
	o = o.normalized()
	a := newAnalysis(s, o)
	defer a.release()

	total := 0
	for pass := 0; ; pass++ {
		if pass >= o.MaxPasses {
			return total, fmt.Errorf("%w after %d iterations", ErrNoFixedPoint, o.MaxPasses)
		}
		a.build()
		n := a.removeUnreachable()
		if n == 0 {
			n = a.removeDead()
		}
		if n == 0 {
			return total, nil
		}
		total += n
	}
}

type result uint8

const (
	noChange result = iota
	dataChange
	flowChange
)

// exit is the successor index of falling off the end of the stream.
const exit = -1

type analysis struct {
	s    *avr.Stream
	opts Options

	refs  []avr.Ref
	succ  [][2]int32
	nsucc []uint8
	preds *sources
	reach []bool
	// external marks positions entered from outside the stream: the entry
	// and address-taken anchors.
	external []bool

	values *valueCache
	live   liveScratch
}

func newAnalysis(s *avr.Stream, o Options) *analysis {
	return &analysis{
		s:      s,
		opts:   o,
		preds:  newSources(),
		values: newValueCache(),
	}
}

func (a *analysis) release() {
	a.values.reset()
	a.preds.reset(0)
}

func (a *analysis) ins(i int) *avr.Instruction { return a.s.At(a.refs[i]) }

// index returns the position of a linked instruction.
func (a *analysis) index(r avr.Ref) int { return a.s.At(r).Seq }

func (a *analysis) invalidate() { a.values.reset() }

func (a *analysis) build() {
	a.s.Reclassify()
	a.s.Renumber()
	a.invalidate()

	a.refs = a.refs[:0]
	a.s.Each(func(r avr.Ref, _ *avr.Instruction) { a.refs = append(a.refs, r) })
	n := len(a.refs)

	a.succ = resize(a.succ, n)
	a.nsucc = resize(a.nsucc, n)
	a.reach = resize(a.reach, n)
	a.external = resize(a.external, n)
	a.preds.reset(n)

	for i := 0; i < n; i++ {
		a.nsucc[i] = 0
		a.reach[i] = false
		a.external[i] = false
		a.computeSucc(i)
		for k := 0; k < int(a.nsucc[i]); k++ {
			if j := a.succ[i][k]; j != exit {
				a.preds.add(int(j), int32(i))
			}
		}
	}
	if n == 0 {
		return
	}
	a.external[0] = true
	for i := 0; i < n; i++ {
		if ins := a.ins(i); ins.Kind == avr.KindAnchor && ins.Keep {
			a.external[i] = true
		}
	}

	var work []int
	for i := 0; i < n; i++ {
		if a.external[i] {
			a.reach[i] = true
			work = append(work, i)
		}
	}
	for len(work) > 0 {
		i := work[len(work)-1]
		work = work[:len(work)-1]
		for k := 0; k < int(a.nsucc[i]); k++ {
			j := a.succ[i][k]
			if j != exit && !a.reach[j] {
				a.reach[j] = true
				work = append(work, int(j))
			}
		}
	}
}

func resize[T any](s []T, n int) []T {
	if cap(s) < n {
		return make([]T, n)
	}
	return s[:n]
}

func (a *analysis) next(i int) int32 {
	if i+1 < len(a.refs) {
		return int32(i + 1)
	}
	return exit
}

func (a *analysis) computeSucc(i int) {
	ins := a.ins(i)
	push := func(j int32) {
		a.succ[i][a.nsucc[i]] = j
		a.nsucc[i]++
	}
	switch {
	case (ins.Kind == avr.KindRJMP || ins.Kind == avr.KindJMP) && ins.Target != avr.NoRef:
		push(int32(a.index(ins.Target)))
	case ins.Terminal():
	case ins.Kind == avr.KindBranch:
		push(a.next(i))
		push(int32(a.index(ins.Target)))
	case ins.Kind.IsSkip():
		push(a.next(i))
		if r := a.s.NextReal(a.refs[i]); r != avr.NoRef {
			push(a.next(a.index(r)))
		} else {
			push(exit)
		}
	default:
		push(a.next(i))
	}
}

func (a *analysis) removeUnreachable() int {
	n := 0
	for i := range a.refs {
		ins := a.ins(i)
		if a.reach[i] || !ins.Real() {
			continue
		}
		if a.s.Neutralize(a.refs[i]) {
			n++
		}
	}
	return n
}

// removable reports whether ins has no effect besides its register and
// flag writes.
func removable(ins *avr.Instruction) bool {
	if !ins.Real() || ins.Effects.Has(avr.MustKeep) {
		return false
	}
	if ins.Effects.Any(avr.WritesMem | avr.WritesStack) {
		return false
	}
	switch {
	case ins.Kind.IsJump(), ins.Kind.IsSkip(), ins.Kind.IsCall(), ins.Terminal():
		return false
	case ins.Kind == avr.KindRaw:
		return false
	}
	return true
}

func flagReads(ins *avr.Instruction) avr.Effect {
	return (ins.Effects & avr.FlagsWritten) >> 3
}

func (a *analysis) removeDead() int {
	n := 0
	for i := len(a.refs) - 1; i >= 0; i-- {
		ins := a.ins(i)
		if !a.reach[i] || !removable(ins) {
			continue
		}
		if a.liveAfter(i, ins.Write, flagReads(ins)) {
			continue
		}
		if a.s.Neutralize(a.refs[i]) {
			n++
		}
	}
	return n
}
