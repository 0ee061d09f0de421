package opt

import (
	"github.com/tinyrange/avrc/internal/asm/avr"
)

var shiftBody = map[avr.Kind]bool{
	avr.KindADD: true,
	avr.KindADC: true,
	avr.KindLSR: true,
	avr.KindROR: true,
	avr.KindASR: true,
}

// unrollShift expands a counted shift loop
//
//	LDI c,n; L: body; DEC c; BRNE L
//
// into n copies of body when the counter and the final flags are dead and
// the expansion stays within the unroll limit.
func (a *analysis) unrollShift(i int) result {
	br := a.ins(i)
	if br.Kind != avr.KindBranch || br.Cond != avr.CondNE || br.Target == avr.NoRef {
		return noChange
	}
	head := a.index(br.Target)
	if head >= i {
		return noChange
	}
	pd := a.s.PrevReal(a.refs[i])
	if pd == avr.NoRef {
		return noChange
	}
	dec := a.index(pd)
	c := a.ins(dec).Reg0
	if a.ins(dec).Kind != avr.KindDEC || dec <= head {
		return noChange
	}

	// The loop head is entered only by falling in and by the back edge.
	for _, p := range a.preds.get(head) {
		if int(p) != head-1 && int(p) != i {
			return noChange
		}
	}
	if a.external[head] {
		return noChange
	}

	var body []int
	for k := head + 1; k < dec; k++ {
		ins := a.ins(k)
		if !ins.Real() {
			if ins.Kind != avr.KindNone {
				return noChange
			}
			continue
		}
		if !shiftBody[ins.Kind] || (ins.Read|ins.Write).Has(c) || a.isJoin(k) {
			return noChange
		}
		body = append(body, k)
	}
	if len(body) == 0 || a.isJoin(dec) || a.isJoin(i) {
		return noChange
	}

	pi := a.s.PrevReal(a.refs[head])
	if pi == avr.NoRef {
		return noChange
	}
	start := a.index(pi)
	ld := a.ins(start)
	if ld.Kind != avr.KindLDI || ld.Reg0 != c || a.s.FollowsSkip(pi) {
		return noChange
	}
	for k := start + 1; k < head; k++ {
		if a.ins(k).Kind == avr.KindAnchor || a.isJoin(k) {
			return noChange
		}
	}
	n := int(uint8(ld.Imm))
	if n == 0 || n*len(body) > a.opts.UnrollLimit {
		return noChange
	}
	if a.liveFrom([]int32{a.next(i)}, avr.Regs(c), avr.FlagsRead) {
		return noChange
	}

	copies := make([]avr.Instruction, len(body))
	for k, at := range body {
		ins := a.ins(at)
		copies[k] = avr.Instruction{Kind: ins.Kind, Reg0: ins.Reg0, Reg1: ins.Reg1}
	}
	decRef := a.refs[dec]
	for rep := 1; rep < n; rep++ {
		for _, ins := range copies {
			a.s.InsertBefore(decRef, ins)
		}
	}
	a.neutralize(start)
	a.neutralize(dec)
	a.neutralize(i)
	return flowChange
}
