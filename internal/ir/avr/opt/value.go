package opt

import (
	"github.com/tinyrange/avrc/internal/asm/avr"
)

// ValueKind classifies what is known about a register byte.
type ValueKind uint8

const (
	Unknown ValueKind = iota
	// Const is a known byte.
	Const
	// FrameRel is one half of the frame pointer plus Off.
	FrameRel
	// Addr is one half of the address of Sym plus Off.
	Addr
)

// ValueInfo describes the content of one register byte at a program
// point. Half selects the low (0) or high (1) byte of a 16-bit quantity for
// FrameRel and Addr.
type ValueInfo struct {
	Kind ValueKind
	Byte uint8
	Off  int32
	Sym  string
	Half uint8
}

func (v ValueInfo) equal(o ValueInfo) bool {
	switch {
	case v.Kind != o.Kind:
		return false
	case v.Kind == Const:
		return v.Byte == o.Byte
	case v.Kind == Unknown:
		return true
	}
	return v.Off == o.Off && v.Sym == o.Sym && v.Half == o.Half
}

func constByte(b uint8) ValueInfo { return ValueInfo{Kind: Const, Byte: b} }

// pair is a 16-bit value assembled from two register bytes.
type pair struct {
	kind ValueKind
	val  uint16 // Const
	off  int32  // FrameRel, Addr
	sym  string
}

func makePair(lo, hi ValueInfo) (pair, bool) {
	switch {
	case lo.Kind == Const && hi.Kind == Const:
		return pair{kind: Const, val: uint16(lo.Byte) | uint16(hi.Byte)<<8}, true
	case lo.Kind != hi.Kind || lo.Kind == Unknown:
		return pair{}, false
	case lo.Half != 0 || hi.Half != 1 || lo.Off != hi.Off || lo.Sym != hi.Sym:
		return pair{}, false
	}
	return pair{kind: lo.Kind, off: lo.Off, sym: lo.Sym}, true
}

func (p pair) add(d int32) pair {
	if p.kind == Const {
		p.val += uint16(d)
	} else {
		p.off += d
	}
	return p
}

func (p pair) half(h uint8) ValueInfo {
	if p.kind == Const {
		return constByte(uint8(p.val >> (8 * h)))
	}
	return ValueInfo{Kind: p.kind, Off: p.off, Sym: p.sym, Half: h}
}

// maxValueDepth bounds recursion through register copies.
const maxValueDepth = 8

// maxDefs bounds the number of reaching definitions merged at a use.
const maxDefs = 8

// valueCache memoizes valueBefore results for one analysis generation.
// Entries come from a free list and go back to it on reset.
type valueCache struct {
	m    map[uint64]*ValueInfo
	free []*ValueInfo
}

func newValueCache() *valueCache {
	return &valueCache{m: make(map[uint64]*ValueInfo)}
}

func cacheKey(i int, r uint8) uint64 { return uint64(i)<<8 | uint64(r) }

func (c *valueCache) get(i int, r uint8) (ValueInfo, bool) {
	v, ok := c.m[cacheKey(i, r)]
	if !ok {
		return ValueInfo{}, false
	}
	return *v, true
}

func (c *valueCache) put(i int, r uint8, v ValueInfo) {
	if p, ok := c.m[cacheKey(i, r)]; ok {
		*p = v
		return
	}
	var p *ValueInfo
	if n := len(c.free); n > 0 {
		p, c.free = c.free[n-1], c.free[:n-1]
	} else {
		p = new(ValueInfo)
	}
	*p = v
	c.m[cacheKey(i, r)] = p
}

func (c *valueCache) reset() {
	for k, p := range c.m {
		*p = ValueInfo{}
		c.free = append(c.free, p)
		delete(c.m, k)
	}
}

// valueBefore returns what is known about r just before position i.
func (a *analysis) valueBefore(i int, r uint8) ValueInfo {
	return a.valueAt(i, r, 0)
}

func (a *analysis) valueAt(i int, r uint8, depth int) ValueInfo {
	switch r {
	case avr.YL:
		return ValueInfo{Kind: FrameRel, Half: 0}
	case avr.YH:
		return ValueInfo{Kind: FrameRel, Half: 1}
	}
	if v, ok := a.values.get(i, r); ok {
		return v
	}
	if depth > maxValueDepth {
		return ValueInfo{}
	}
	// Seed the cache so cycles through copies resolve to Unknown.
	a.values.put(i, r, ValueInfo{})

	v := a.mergeDefs(i, r, depth)
	a.values.put(i, r, v)
	return v
}

func (a *analysis) mergeDefs(i int, r uint8, depth int) ValueInfo {
	defs, crossY, ok := a.reachingDefs(i, r)
	if !ok || len(defs) == 0 {
		return ValueInfo{}
	}
	v := a.valueAfter(defs[0], r, depth+1)
	if v.Kind == Unknown {
		return v
	}
	for _, d := range defs[1:] {
		if !v.equal(a.valueAfter(d, r, depth+1)) {
			return ValueInfo{}
		}
	}
	if v.Kind == FrameRel && crossY {
		return ValueInfo{}
	}
	return v
}

// reachingDefs walks backwards from i and collects the instructions that
// last wrote r on each path. It fails when a path reaches an entry point
// without a definition. crossY reports whether any path crossed a write of
// the frame pointer.
func (a *analysis) reachingDefs(i int, r uint8) (defs []int, crossY bool, ok bool) {
	if a.external[i] {
		return nil, false, false
	}
	gen := a.live.next(len(a.refs))
	work := append([]int32(nil), a.preds.get(i)...)
	for len(work) > 0 {
		j := int(work[len(work)-1])
		work = work[:len(work)-1]
		if a.live.seen(j, gen) {
			continue
		}
		ins := a.ins(j)
		if ins.Write.Has(r) {
			if len(defs) == maxDefs {
				return nil, false, false
			}
			defs = append(defs, j)
			continue
		}
		if ins.Write&avr.Regs(avr.YL, avr.YH) != 0 {
			crossY = true
		}
		if a.external[j] {
			return nil, false, false
		}
		work = append(work, a.preds.get(j)...)
	}
	return defs, crossY, true
}

func (a *analysis) pairAt(i int, lo uint8, depth int) (pair, bool) {
	return makePair(a.valueAt(i, lo, depth), a.valueAt(i, lo+1, depth))
}

// valueAfter returns what is known about r just after position j, which
// writes it.
func (a *analysis) valueAfter(j int, r uint8, depth int) ValueInfo {
	ins := a.ins(j)
	d := ins.Reg0
	switch ins.Kind {
	case avr.KindLDI:
		return constByte(uint8(ins.Imm))
	case avr.KindEOR, avr.KindSUB:
		if d == ins.Reg1 {
			return constByte(0)
		}
	case avr.KindMOV:
		return a.valueAt(j, ins.Reg1, depth)
	case avr.KindMOVW:
		return a.valueAt(j, ins.Reg1+(r-d), depth)
	case avr.KindLoadAddr:
		return ValueInfo{Kind: Addr, Sym: ins.Sym, Half: r - d}
	case avr.KindADIW, avr.KindSBIW:
		p, ok := a.pairAt(j, d, depth)
		if !ok {
			return ValueInfo{}
		}
		k := ins.Imm
		if ins.Kind == avr.KindSBIW {
			k = -k
		}
		return p.add(k).half(r - d)
	case avr.KindLDXInc, avr.KindLDXDec, avr.KindSTXInc, avr.KindSTXDec:
		if r != avr.XL && r != avr.XH {
			return ValueInfo{}
		}
		if (ins.Kind == avr.KindLDXInc || ins.Kind == avr.KindLDXDec) && (d == avr.XL || d == avr.XH) {
			return ValueInfo{}
		}
		p, ok := a.pairAt(j, avr.XL, depth)
		if !ok {
			return ValueInfo{}
		}
		step := int32(1)
		if ins.Kind == avr.KindLDXDec || ins.Kind == avr.KindSTXDec {
			step = -1
		}
		return p.add(step).half(r - avr.XL)
	case avr.KindSUBI:
		return a.subiAfter(j, ins, depth)
	case avr.KindSBCI:
		return a.sbciAfter(j, ins, depth)
	}

	if r != d {
		return ValueInfo{}
	}
	x := a.valueAt(j, d, depth)
	if x.Kind != Const {
		return ValueInfo{}
	}
	var y uint8
	switch ins.Kind {
	case avr.KindADD, avr.KindSUB, avr.KindAND, avr.KindOR, avr.KindEOR:
		yv := a.valueAt(j, ins.Reg1, depth)
		if yv.Kind != Const {
			return ValueInfo{}
		}
		y = yv.Byte
	default:
		y = uint8(ins.Imm)
	}
	if v, ok := evalConst(ins.Kind, x.Byte, y); ok {
		return constByte(v)
	}
	return ValueInfo{}
}

// subiAfter handles SUBI, which may be the low half of a SUBI/SBCI pair
// adjusting a 16-bit pointer.
func (a *analysis) subiAfter(j int, ins *avr.Instruction, depth int) ValueInfo {
	d := ins.Reg0
	x := a.valueAt(j, d, depth)
	switch x.Kind {
	case Const:
		return constByte(x.Byte - uint8(ins.Imm))
	case FrameRel, Addr:
		if x.Half != 0 {
			return ValueInfo{}
		}
		k := ins.Imm & 0xFF
		if n := a.s.NextReal(a.refs[j]); n != avr.NoRef {
			if hi := a.s.At(n); hi.Kind == avr.KindSBCI && hi.Reg0 == d+1 {
				k |= (hi.Imm & 0xFF) << 8
			}
		}
		x.Off -= k
		return x
	}
	return ValueInfo{}
}

// sbciAfter handles the high half of a SUBI/SBCI pair.
func (a *analysis) sbciAfter(j int, ins *avr.Instruction, depth int) ValueInfo {
	d := ins.Reg0
	pr := a.s.PrevReal(a.refs[j])
	if pr == avr.NoRef || d == 0 {
		return ValueInfo{}
	}
	lo := a.s.At(pr)
	if lo.Kind != avr.KindSUBI || lo.Reg0 != d-1 {
		return ValueInfo{}
	}
	p, ok := a.pairAt(a.index(pr), d-1, depth)
	if !ok {
		return ValueInfo{}
	}
	k := (lo.Imm & 0xFF) | (ins.Imm&0xFF)<<8
	return p.add(-k).half(1)
}

// evalConst computes the byte result of a single-result ALU instruction
// that does not consume the carry.
func evalConst(k avr.Kind, x, y uint8) (uint8, bool) {
	switch k {
	case avr.KindADD:
		return x + y, true
	case avr.KindSUB, avr.KindSUBI:
		return x - y, true
	case avr.KindAND, avr.KindANDI:
		return x & y, true
	case avr.KindOR, avr.KindORI:
		return x | y, true
	case avr.KindEOR:
		return x ^ y, true
	case avr.KindINC:
		return x + 1, true
	case avr.KindDEC:
		return x - 1, true
	case avr.KindCOM:
		return ^x, true
	case avr.KindNEG:
		return -x, true
	case avr.KindSWAP:
		return x<<4 | x>>4, true
	case avr.KindLSR:
		return x >> 1, true
	case avr.KindASR:
		return uint8(int8(x) >> 1), true
	}
	return 0, false
}

// compareFlags returns SREG after CP x, y.
func compareFlags(x, y uint8) uint8 {
	r := x - y
	var s uint8
	if x < y {
		s |= 1 << avr.SregC
	}
	if r == 0 {
		s |= 1 << avr.SregZ
	}
	n := r >> 7 & 1
	v := ((x ^ y) & (x ^ r)) >> 7 & 1
	s |= n<<avr.SregN | v<<avr.SregV | (n^v)<<avr.SregS
	return s
}

// testFlags returns SREG after TST x.
func testFlags(x uint8) uint8 {
	var s uint8
	if x == 0 {
		s |= 1 << avr.SregZ
	}
	n := x >> 7 & 1
	return s | n<<avr.SregN | n<<avr.SregS
}
