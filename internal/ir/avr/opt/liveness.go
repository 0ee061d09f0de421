package opt

import (
	"github.com/tinyrange/avrc/internal/asm/avr"
)

// liveScratch holds the visited state of backward and forward walks.
// Stamps avoid clearing between queries.
type liveScratch struct {
	gen   uint32
	stamp []uint32
	bits  []uint64
}

func (l *liveScratch) next(n int) uint32 {
	if len(l.stamp) < n {
		l.stamp = make([]uint32, n)
		l.bits = make([]uint64, n)
		l.gen = 0
	}
	l.gen++
	if l.gen == 0 {
		clear(l.stamp)
		l.gen = 1
	}
	return l.gen
}

// seen marks j visited and reports whether it already was.
func (l *liveScratch) seen(j int, gen uint32) bool {
	if l.stamp[j] == gen {
		return true
	}
	l.stamp[j] = gen
	return false
}

// unsearched returns the part of want not yet searched from j and records
// it as searched.
func (l *liveScratch) unsearched(j int, gen uint32, want uint64) uint64 {
	if l.stamp[j] != gen {
		l.stamp[j] = gen
		l.bits[j] = 0
	}
	want &^= l.bits[j]
	l.bits[j] |= want
	return want
}

func liveKey(regs avr.RegSet, flags avr.Effect) uint64 {
	return uint64(regs) | uint64(flags&avr.FlagsRead)<<32
}

type liveItem struct {
	at   int32
	want uint64
}

// liveAfter reports whether any of regs, or any flag in flags (given as
// read bits), may be read on some path leaving position i before being
// overwritten.
func (a *analysis) liveAfter(i int, regs avr.RegSet, flags avr.Effect) bool {
	return a.liveFrom(a.succ[i][:a.nsucc[i]], regs, flags)
}

// liveFrom is liveAfter for paths starting at the given positions.
func (a *analysis) liveFrom(starts []int32, regs avr.RegSet, flags avr.Effect) bool {
	want := liveKey(regs, flags)
	if want == 0 {
		return false
	}
	gen := a.live.next(len(a.refs))
	var work []liveItem
	for _, at := range starts {
		work = append(work, liveItem{at, want})
	}
	for len(work) > 0 {
		it := work[len(work)-1]
		work = work[:len(work)-1]
		if it.at == exit {
			if avr.RegSet(it.want)&a.opts.LiveOut != 0 {
				return true
			}
			continue
		}
		j := int(it.at)
		w := a.live.unsearched(j, gen, it.want)
		if w == 0 {
			continue
		}
		ins := a.ins(j)
		regs, flags := avr.RegSet(w), avr.Effect(w>>32)
		switch ins.Kind {
		case avr.KindIJMP:
			return true
		case avr.KindRET, avr.KindRETI:
			continue
		case avr.KindFree:
			regs &^= ins.Mask
		}
		if ins.Read&regs != 0 || ins.Effects&flags != 0 {
			return true
		}
		regs &^= ins.Write
		flags &^= flagReads(ins)
		w = liveKey(regs, flags)
		if w == 0 {
			continue
		}
		for k := 0; k < int(a.nsucc[j]); k++ {
			work = append(work, liveItem{a.succ[j][k], w})
		}
	}
	return false
}
