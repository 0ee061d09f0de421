package sim

import (
	"fmt"

	"github.com/tinyrange/avrc/internal/asm/avr"
)

const (
	flagC = 1 << avr.SregC
	flagZ = 1 << avr.SregZ
	flagN = 1 << avr.SregN
	flagV = 1 << avr.SregV
	flagS = 1 << avr.SregS
	flagH = 1 << avr.SregH
)

func bit(v uint8, n uint) bool { return v>>n&1 != 0 }

func b2u(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

// setFlags replaces the bits in mask with those in v.
func (c *CPU) setFlags(mask, v uint8) { c.SREG = c.SREG&^mask | v&mask }

func (c *CPU) carry() uint8 { return c.SREG & flagC }

// nzs computes N, Z and S for a result given V.
func nzs(r uint8, v bool) uint8 {
	n := bit(r, 7)
	f := b2u(n)<<avr.SregN | b2u(v)<<avr.SregV | b2u(n != v)<<avr.SregS
	if r == 0 {
		f |= flagZ
	}
	return f
}

func addFlags(d, r, res uint8) uint8 {
	c := bit(d, 7) && bit(r, 7) || bit(r, 7) && !bit(res, 7) || !bit(res, 7) && bit(d, 7)
	h := bit(d, 3) && bit(r, 3) || bit(r, 3) && !bit(res, 3) || !bit(res, 3) && bit(d, 3)
	v := bit(d, 7) && bit(r, 7) && !bit(res, 7) || !bit(d, 7) && !bit(r, 7) && bit(res, 7)
	return nzs(res, v) | b2u(c)<<avr.SregC | b2u(h)<<avr.SregH
}

func subFlags(d, r, res uint8) uint8 {
	c := !bit(d, 7) && bit(r, 7) || bit(r, 7) && bit(res, 7) || bit(res, 7) && !bit(d, 7)
	h := !bit(d, 3) && bit(r, 3) || bit(r, 3) && bit(res, 3) || bit(res, 3) && !bit(d, 3)
	v := bit(d, 7) && !bit(r, 7) && !bit(res, 7) || !bit(d, 7) && bit(r, 7) && bit(res, 7)
	return nzs(res, v) | b2u(c)<<avr.SregC | b2u(h)<<avr.SregH
}

const arithMask = flagC | flagZ | flagN | flagV | flagS | flagH

func (c *CPU) add(d, r uint8, withCarry bool) {
	x, y := c.R[d], c.R[r]
	res := x + y
	if withCarry {
		res += c.carry()
	}
	c.setFlags(arithMask, addFlags(x, y, res))
	c.R[d] = res
}

// sub computes d - r (- C) and returns the result. Chained forms keep Z
// only when it was already set.
func (c *CPU) sub(x, y uint8, withCarry bool) uint8 {
	res := x - y
	if withCarry {
		res -= c.carry()
	}
	f := subFlags(x, y, res)
	if withCarry && c.SREG&flagZ == 0 {
		f &^= flagZ
	}
	c.setFlags(arithMask, f)
	return res
}

func (c *CPU) logic(d uint8, res uint8) {
	c.setFlags(flagZ|flagN|flagV|flagS, nzs(res, false))
	c.R[d] = res
}

// shiftRight stores res into d with the flags of LSR, ROR and ASR.
func (c *CPU) shiftRight(d uint8, res uint8, out bool) {
	n := bit(res, 7)
	v := n != out
	f := nzs(res, v) | b2u(out)<<avr.SregC
	c.setFlags(flagC|flagZ|flagN|flagV|flagS, f)
	c.R[d] = res
}

func (c *CPU) skip() {
	next, err := c.fetch(c.PC)
	if err != nil {
		c.fault(err)
		return
	}
	c.PC += uint32(next.Size / 2)
}

func (c *CPU) call(target uint32, ret uint32) error {
	if h, ok := c.hooks[target]; ok {
		c.PC = ret
		return h(c)
	}
	c.pushPC(ret)
	c.PC = target
	return nil
}

func (c *CPU) exec(ins *avr.Instruction, pc uint32) error {
	d, r := ins.Reg0, ins.Reg1
	k := uint8(ins.Imm)
	switch ins.Kind {
	case avr.KindNOP:
	case avr.KindMOV:
		c.R[d] = c.R[r]
	case avr.KindMOVW:
		c.R[d], c.R[d+1] = c.R[r], c.R[r+1]
	case avr.KindLDI:
		c.R[d] = k

	case avr.KindADD:
		c.add(d, r, false)
	case avr.KindADC:
		c.add(d, r, true)
	case avr.KindSUB:
		c.R[d] = c.sub(c.R[d], c.R[r], false)
	case avr.KindSBC:
		c.R[d] = c.sub(c.R[d], c.R[r], true)
	case avr.KindSUBI:
		c.R[d] = c.sub(c.R[d], k, false)
	case avr.KindSBCI:
		c.R[d] = c.sub(c.R[d], k, true)
	case avr.KindCP:
		c.sub(c.R[d], c.R[r], false)
	case avr.KindCPC:
		c.sub(c.R[d], c.R[r], true)
	case avr.KindCPI:
		c.sub(c.R[d], k, false)
	case avr.KindCPSE:
		if c.R[d] == c.R[r] {
			c.skip()
		}

	case avr.KindAND:
		c.logic(d, c.R[d]&c.R[r])
	case avr.KindTST:
		c.logic(d, c.R[d])
	case avr.KindOR:
		c.logic(d, c.R[d]|c.R[r])
	case avr.KindEOR:
		c.logic(d, c.R[d]^c.R[r])
	case avr.KindANDI:
		c.logic(d, c.R[d]&k)
	case avr.KindORI:
		c.logic(d, c.R[d]|k)

	case avr.KindADIW, avr.KindSBIW:
		x := c.Pair(d)
		var res uint16
		var cf, vf bool
		hi := bit(c.R[d+1], 7)
		if ins.Kind == avr.KindADIW {
			res = x + uint16(ins.Imm)
			r15 := res&0x8000 != 0
			cf, vf = !r15 && hi, !hi && r15
		} else {
			res = x - uint16(ins.Imm)
			r15 := res&0x8000 != 0
			cf, vf = r15 && !hi, hi && !r15
		}
		n := res&0x8000 != 0
		f := b2u(cf)<<avr.SregC | b2u(n)<<avr.SregN | b2u(vf)<<avr.SregV | b2u(n != vf)<<avr.SregS
		if res == 0 {
			f |= flagZ
		}
		c.setFlags(flagC|flagZ|flagN|flagV|flagS, f)
		c.SetPair(d, res)

	case avr.KindCOM:
		res := ^c.R[d]
		c.setFlags(flagC|flagZ|flagN|flagV|flagS, nzs(res, false)|flagC)
		c.R[d] = res
	case avr.KindNEG:
		x := c.R[d]
		res := -x
		f := subFlags(0, x, res)
		c.setFlags(arithMask, f)
		c.R[d] = res
	case avr.KindINC:
		res := c.R[d] + 1
		c.setFlags(flagZ|flagN|flagV|flagS, nzs(res, res == 0x80))
		c.R[d] = res
	case avr.KindDEC:
		res := c.R[d] - 1
		c.setFlags(flagZ|flagN|flagV|flagS, nzs(res, res == 0x7F))
		c.R[d] = res
	case avr.KindLSR:
		x := c.R[d]
		c.shiftRight(d, x>>1, bit(x, 0))
	case avr.KindROR:
		x := c.R[d]
		c.shiftRight(d, x>>1|c.carry()<<7, bit(x, 0))
	case avr.KindASR:
		x := c.R[d]
		c.shiftRight(d, x>>1|x&0x80, bit(x, 0))
	case avr.KindSWAP:
		x := c.R[d]
		c.R[d] = x<<4 | x>>4

	case avr.KindMUL, avr.KindMULS:
		var res uint16
		if ins.Kind == avr.KindMUL {
			res = uint16(c.R[d]) * uint16(c.R[r])
		} else {
			res = uint16(int16(int8(c.R[d])) * int16(int8(c.R[r])))
		}
		f := b2u(res&0x8000 != 0) << avr.SregC
		if res == 0 {
			f |= flagZ
		}
		c.setFlags(flagC|flagZ, f)
		c.SetPair(avr.R0, res)

	case avr.KindCLC:
		c.SREG &^= flagC
	case avr.KindSEC:
		c.SREG |= flagC

	case avr.KindLDX:
		c.R[d] = c.Read(c.Pair(avr.XL))
	case avr.KindLDXInc:
		x := c.Pair(avr.XL)
		v := c.Read(x)
		c.SetPair(avr.XL, x+1)
		c.R[d] = v
	case avr.KindLDXDec:
		x := c.Pair(avr.XL) - 1
		c.SetPair(avr.XL, x)
		c.R[d] = c.Read(x)
	case avr.KindSTX:
		c.Write(c.Pair(avr.XL), c.R[d])
	case avr.KindSTXInc:
		x := c.Pair(avr.XL)
		c.Write(x, c.R[d])
		c.SetPair(avr.XL, x+1)
	case avr.KindSTXDec:
		x := c.Pair(avr.XL) - 1
		c.SetPair(avr.XL, x)
		c.Write(x, c.R[d])
	case avr.KindLDDY:
		c.R[d] = c.Read(c.Pair(avr.YL) + uint16(ins.Imm))
	case avr.KindLDDZ:
		c.R[d] = c.Read(c.Pair(avr.ZL) + uint16(ins.Imm))
	case avr.KindSTDY:
		c.Write(c.Pair(avr.YL)+uint16(ins.Imm), c.R[d])
	case avr.KindSTDZ:
		c.Write(c.Pair(avr.ZL)+uint16(ins.Imm), c.R[d])
	case avr.KindLDS:
		c.R[d] = c.Read(uint16(ins.Imm))
	case avr.KindSTS:
		c.Write(uint16(ins.Imm), c.R[d])

	case avr.KindPUSH:
		c.push(c.R[d])
	case avr.KindPOP:
		c.R[d] = c.pop()
	case avr.KindIN:
		c.R[d] = c.Read(uint16(ins.Imm) + 0x20)
	case avr.KindOUT:
		c.Write(uint16(ins.Imm)+0x20, c.R[d])
	case avr.KindSBI, avr.KindCBI:
		addr := uint16(ins.Imm) + 0x20
		v := c.Read(addr)
		if ins.Kind == avr.KindSBI {
			v |= 1 << r
		} else {
			v &^= 1 << r
		}
		c.Write(addr, v)
	case avr.KindSBRC:
		if !bit(c.R[d], uint(r)) {
			c.skip()
		}
	case avr.KindSBRS:
		if bit(c.R[d], uint(r)) {
			c.skip()
		}

	case avr.KindRJMP:
		c.PC = uint32(int64(c.PC) + int64(ins.Imm))
	case avr.KindJMP:
		c.PC = uint32(ins.Imm)
	case avr.KindRCALL:
		return c.call(uint32(int64(c.PC)+int64(ins.Imm)), c.PC)
	case avr.KindCALL:
		return c.call(uint32(ins.Imm), c.PC)
	case avr.KindICALL:
		return c.call(uint32(c.Pair(avr.ZL)), c.PC)
	case avr.KindIJMP:
		c.PC = uint32(c.Pair(avr.ZL))
	case avr.KindRET, avr.KindRETI:
		c.PC = c.popPC()
	case avr.KindBranch:
		if ins.Cond.Holds(c.SREG) {
			c.PC = uint32(int64(c.PC) + int64(ins.Imm))
		}
	default:
		return fmt.Errorf("cannot execute %s", ins.Kind)
	}
	return nil
}
