package avr

import (
	"github.com/tinyrange/avrc/internal/asm/avr"
	"github.com/tinyrange/avrc/internal/ir"
)

const (
	maxDisp = 63

	// Arrays carry a 16-bit length ahead of their elements.
	arrayLengthSize = 2

	ioLow  = 0x20
	ioHigh = 0x5F
)

// copyRegs moves src into dst byte by byte, using MOVW where both sides
// line up on even pairs.
func (b *Backend) copyRegs(dst, src []uint8) {
	for i := 0; i < len(dst) && i < len(src); i++ {
		if i+1 < len(dst) && i+1 < len(src) &&
			dst[i]%2 == 0 && src[i]%2 == 0 && dst[i+1] == dst[i]+1 && src[i+1] == src[i]+1 {
			if dst[i] != src[i] {
				b.op2(avr.KindMOVW, dst[i], src[i])
			}
			i++
			continue
		}
		if dst[i] != src[i] {
			b.op2(avr.KindMOV, dst[i], src[i])
		}
	}
}

var (
	regsX = []uint8{avr.XL, avr.XH}
	regsY = []uint8{avr.YL, avr.YH}
	regsZ = []uint8{avr.ZL, avr.ZH}
)

// frameAddrX points X at Y+disp.
func (b *Backend) frameAddrX(disp int) {
	b.copyRegs(regsX, regsY)
	b.addImmPair(avr.XL, disp)
}

// frameLoad reads len(dst) bytes starting at Y+disp.
func (b *Backend) frameLoad(dst []uint8, disp int) {
	if disp >= 0 && disp+len(dst)-1 <= maxDisp {
		for i, r := range dst {
			b.opImm(avr.KindLDDY, r, int32(disp+i))
		}
		return
	}
	b.frameAddrX(disp)
	for _, r := range dst {
		b.op1(avr.KindLDXInc, r)
	}
}

// frameStore writes src to Y+disp.
func (b *Backend) frameStore(disp int, src []uint8) {
	if disp >= 0 && disp+len(src)-1 <= maxDisp {
		for i, r := range src {
			b.opImm(avr.KindSTDY, r, int32(disp+i))
		}
		return
	}
	b.frameAddrX(disp)
	for _, r := range src {
		b.op1(avr.KindSTXInc, r)
	}
}

func (b *Backend) paramDisp(i int) (int, bool) {
	p := b.proc
	if i < 0 || i >= len(p.info.Params) {
		return 0, false
	}
	disp := p.paramBase
	for _, t := range p.info.Params[i+1:] {
		disp += t.Size()
	}
	return disp, true
}

func (b *Backend) LoadParam(dst ir.Reg, index int) {
	if !b.ready("param") {
		return
	}
	disp, ok := b.paramDisp(index)
	if !ok {
		b.fail("param", "%s has no parameter %d", b.proc.info.Name, index)
		return
	}
	if want := b.proc.info.Params[index]; want.Size() != dst.Type.Size() {
		b.fail("param", "parameter %d is %s, loaded as %s", index, want, dst.Type)
		return
	}
	d := b.define("param", dst, Request{})
	if d == nil {
		return
	}
	b.frameLoad(d, disp)
}

func (b *Backend) localDisp(op string, offset, size int) (int, bool) {
	if offset < 0 || offset+size > b.proc.info.Locals {
		b.fail(op, "local slot %d+%d outside %d bytes of locals", offset, size, b.proc.info.Locals)
		return 0, false
	}
	return 1 + offset, true
}

func (b *Backend) LoadLocal(dst ir.Reg, offset int) {
	if !b.ready("load_local") {
		return
	}
	disp, ok := b.localDisp("load_local", offset, dst.Type.Size())
	if !ok {
		return
	}
	d := b.define("load_local", dst, Request{})
	if d == nil {
		return
	}
	b.frameLoad(d, disp)
}

func (b *Backend) StoreLocal(offset int, src ir.Reg) {
	if !b.ready("store_local") {
		return
	}
	disp, ok := b.localDisp("store_local", offset, src.Type.Size())
	if !ok {
		return
	}
	s := b.operand("store_local", src, 0)
	if s == nil {
		return
	}
	b.frameStore(disp, s)
}

func (b *Backend) AddressOfLocal(dst ir.Reg, offset int) {
	if !b.ready("addr_local") {
		return
	}
	if dst.Type.Size() != 2 {
		b.fail("addr_local", "address of local needs a 2-byte register, got %s", dst.Type)
		return
	}
	disp, ok := b.localDisp("addr_local", offset, 0)
	if !ok {
		return
	}
	d := b.define("addr_local", dst, Request{})
	if d == nil {
		return
	}
	b.frameAddrX(disp)
	b.copyRegs(d, regsX)
}

// LoadAddress materializes the data-space address of sym. The value is
// resolved by PatchPointerReference.
func (b *Backend) LoadAddress(dst ir.Reg, sym string) {
	if !b.ready("addr") {
		return
	}
	if sym == "" || dst.Type.Size() != 2 {
		b.fail("addr", "load address needs a symbol and a 2-byte register")
		return
	}
	d := b.define("addr", dst, Request{})
	if d == nil {
		return
	}
	b.emit(avr.Instruction{Kind: avr.KindLoadAddr, Reg0: avr.ZL, Sym: sym})
	b.copyRegs(d, regsZ)
}

// pointerZ copies a 2-byte pointer operand into Z.
func (b *Backend) pointerZ(op string, ptr ir.Reg) bool {
	if ptr.Type.Size() != 2 {
		b.fail(op, "pointer register %d is %s", ptr.Num, ptr.Type)
		return false
	}
	p := b.operand(op, ptr, 0)
	if p == nil {
		return false
	}
	b.copyRegs(regsZ, p)
	return true
}

func (b *Backend) Load(dst ir.Reg, ptr ir.Reg, offset int) {
	if !b.ready("load") {
		return
	}
	if offset < 0 {
		b.fail("load", "negative offset %d", offset)
		return
	}
	if !b.pointerZ("load", ptr) {
		return
	}
	if offset+dst.Type.Size()-1 > maxDisp {
		b.addImmPair(avr.ZL, offset)
		offset = 0
	}
	d := b.define("load", dst, Request{})
	if d == nil {
		return
	}
	for i, r := range d {
		b.opImm(avr.KindLDDZ, r, int32(offset+i))
	}
}

func (b *Backend) Store(ptr ir.Reg, offset int, src ir.Reg) {
	if !b.ready("store") {
		return
	}
	if offset < 0 {
		b.fail("store", "negative offset %d", offset)
		return
	}
	ops := b.operands("store", ptr, src)
	if ops == nil {
		return
	}
	if len(ops[0]) != 2 {
		b.fail("store", "pointer register %d is %s", ptr.Num, ptr.Type)
		return
	}
	b.copyRegs(regsZ, ops[0])
	if offset+len(ops[1])-1 > maxDisp {
		b.addImmPair(avr.ZL, offset)
		offset = 0
	}
	for i, r := range ops[1] {
		b.opImm(avr.KindSTDZ, r, int32(offset+i))
	}
}

func log2Size(n int) (int, bool) {
	switch n {
	case 1:
		return 0, true
	case 2:
		return 1, true
	case 4:
		return 2, true
	case 8:
		return 3, true
	}
	return 0, false
}

// elementX checks idx against the length of arr and leaves the address of
// element idx in X. A failing check calls __bounds, which does not return.
func (b *Backend) elementX(op string, arr, idx []uint8, elem int, signed bool) bool {
	shift, ok := log2Size(elem)
	if !ok || len(arr) != 2 {
		b.fail(op, "unsupported array access: element %d bytes, array register %d bytes", elem, len(arr))
		return false
	}

	b.copyRegs(regsZ, arr)
	b.opImm(avr.KindLDDZ, avr.R0, 0)
	b.opImm(avr.KindLDDZ, avr.R1, 1)
	if len(idx) == 1 {
		// A negative byte index must fail the unsigned compare.
		b.scratchImm(0)
		if signed {
			b.emit(avr.Instruction{Kind: avr.KindSBRC, Reg0: idx[0], Reg1: 7})
			b.scratchImm(0xFF)
		}
	}
	b.op2(avr.KindCP, idx[0], avr.R0)
	if len(idx) > 1 {
		b.op2(avr.KindCPC, idx[1], avr.R1)
	} else {
		b.op2(avr.KindCPC, avr.XL, avr.R1)
	}
	if len(idx) > 2 {
		b.scratchImm(0)
		for _, r := range idx[2:] {
			b.op2(avr.KindCPC, r, avr.XL)
		}
	}
	ok2 := b.s.New(avr.Instruction{Kind: avr.KindAnchor})
	b.emit(avr.Instruction{Kind: avr.KindBranch, Cond: avr.CondLO, Target: ok2})
	b.emit(avr.Instruction{Kind: avr.KindCALL, Sym: RoutineBounds, NoReturn: true})
	b.s.Link(ok2, b.s.Last())

	b.op2(avr.KindMOV, avr.XL, idx[0])
	if len(idx) > 1 {
		b.op2(avr.KindMOV, avr.XH, idx[1])
	} else {
		b.opImm(avr.KindLDI, avr.XH, 0)
	}
	for i := 0; i < shift; i++ {
		b.op2(avr.KindADD, avr.XL, avr.XL)
		b.op2(avr.KindADC, avr.XH, avr.XH)
	}
	b.op2(avr.KindADD, avr.XL, arr[0])
	b.op2(avr.KindADC, avr.XH, arr[1])
	b.opImm(avr.KindADIW, avr.XL, arrayLengthSize)
	return true
}

// Index loads element idx of the array arr into dst. Out-of-range indices
// raise through __bounds.
func (b *Backend) Index(dst, arr, idx ir.Reg) {
	if !b.ready("index") {
		return
	}
	ops := b.operands("index", arr, idx)
	if ops == nil {
		return
	}
	if !b.elementX("index", ops[0], ops[1], dst.Type.Size(), idx.Type.Signed()) {
		return
	}
	d := b.define("index", dst, Request{})
	if d == nil {
		return
	}
	for _, r := range d {
		b.op1(avr.KindLDXInc, r)
	}
}

func (b *Backend) IndexStore(arr, idx, v ir.Reg) {
	if !b.ready("index_store") {
		return
	}
	ops := b.operands("index_store", arr, idx, v)
	if ops == nil {
		return
	}
	if !b.elementX("index_store", ops[0], ops[1], len(ops[2]), idx.Type.Signed()) {
		return
	}
	for _, r := range ops[2] {
		b.op1(avr.KindSTXInc, r)
	}
}

func checkDataAddr(addr, n int) bool {
	return addr >= 0 && addr+n-1 <= 0xFFFF
}

// IORead reads a memory-mapped location, low byte first.
func (b *Backend) IORead(dst ir.Reg, addr int) {
	if !b.ready("io_read") {
		return
	}
	if !checkDataAddr(addr, dst.Type.Size()) {
		b.fail("io_read", "address %#x out of range", addr)
		return
	}
	d := b.define("io_read", dst, Request{})
	if d == nil {
		return
	}
	for i, r := range d {
		b.loadData(r, addr+i)
	}
}

// IOWrite writes a memory-mapped location, high byte first so 16-bit
// timer registers latch correctly.
func (b *Backend) IOWrite(addr int, src ir.Reg) {
	if !b.ready("io_write") {
		return
	}
	if !checkDataAddr(addr, src.Type.Size()) {
		b.fail("io_write", "address %#x out of range", addr)
		return
	}
	s := b.operand("io_write", src, 0)
	if s == nil {
		return
	}
	for i := len(s) - 1; i >= 0; i-- {
		b.storeData(addr+i, s[i])
	}
}

func (b *Backend) loadData(r uint8, addr int) {
	if addr >= ioLow && addr <= ioHigh {
		b.opImm(avr.KindIN, r, int32(addr-ioLow))
		return
	}
	b.opImm(avr.KindLDS, r, int32(addr))
}

func (b *Backend) storeData(addr int, r uint8) {
	if addr >= ioLow && addr <= ioHigh {
		b.opImm(avr.KindOUT, r, int32(addr-ioLow))
		return
	}
	b.opImm(avr.KindSTS, r, int32(addr))
}
