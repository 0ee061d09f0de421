package avr

const (
	arith   = WritesZ | WritesC | WritesS
	logical = WritesZ | WritesS
)

// Classify derives the register read/write masks and effect flags of ins
// from its kind and operands.
func Classify(ins *Instruction) {
	var rd, wr RegSet
	var fx Effect
	d, r := ins.Reg0, ins.Reg1

	switch ins.Kind {
	case KindNone, KindAnchor, KindAlloc, KindFree, KindNOP:
	case KindRaw:
		rd, wr = ^RegSet(0), ^RegSet(0)
		fx = ReadsStack | WritesStack | ReadsMem | WritesMem | FlagsRead | FlagsWritten | MustKeep

	case KindMOV:
		rd, wr = Regs(r), Regs(d)
	case KindMOVW:
		rd, wr = RegRange(r, 2), RegRange(d, 2)
	case KindLDI:
		wr = Regs(d)
		fx = UpperOnly

	case KindADD, KindSUB:
		rd, wr, fx = Regs(d, r), Regs(d), arith
		if ins.Kind == KindSUB && d == r {
			rd = 0
		}
	case KindADC:
		rd, wr, fx = Regs(d, r), Regs(d), arith|ReadsC
	case KindSBC:
		rd, wr, fx = Regs(d, r), Regs(d), arith|ReadsC|ReadsZ
	case KindAND, KindOR:
		rd, wr, fx = Regs(d, r), Regs(d), logical
	case KindEOR:
		rd, wr, fx = Regs(d, r), Regs(d), logical
		if d == r {
			rd = 0
		}
	case KindCP:
		rd, fx = Regs(d, r), arith
		if d == r {
			rd = 0
		}
	case KindCPC:
		rd, fx = Regs(d, r), arith|ReadsC|ReadsZ
	case KindCPSE:
		rd = Regs(d, r)

	case KindSUBI:
		rd, wr, fx = Regs(d), Regs(d), arith|UpperOnly
	case KindSBCI:
		rd, wr, fx = Regs(d), Regs(d), arith|ReadsC|ReadsZ|UpperOnly
	case KindANDI, KindORI:
		rd, wr, fx = Regs(d), Regs(d), logical|UpperOnly
	case KindCPI:
		rd, fx = Regs(d), arith|UpperOnly

	case KindADIW, KindSBIW:
		rd, wr, fx = RegRange(d, 2), RegRange(d, 2), arith

	case KindCOM, KindNEG, KindLSR, KindASR:
		rd, wr, fx = Regs(d), Regs(d), arith
	case KindROR:
		rd, wr, fx = Regs(d), Regs(d), arith|ReadsC
	case KindINC, KindDEC:
		rd, wr, fx = Regs(d), Regs(d), logical
	case KindSWAP:
		rd, wr = Regs(d), Regs(d)
	case KindTST:
		rd, fx = Regs(d), logical

	case KindMUL, KindMULS:
		rd, wr, fx = Regs(d, r), Regs(R0, R1), WritesZ|WritesC|DestroysExtra
		if ins.Kind == KindMULS {
			fx |= UpperOnly
		}

	case KindCLC, KindSEC:
		fx = WritesC

	case KindLDX:
		rd, wr, fx = Regs(XL, XH), Regs(d), ReadsMem
	case KindLDXInc, KindLDXDec:
		rd, wr, fx = Regs(XL, XH), Regs(d, XL, XH), ReadsMem
	case KindSTX:
		rd, fx = Regs(d, XL, XH), WritesMem
	case KindSTXInc, KindSTXDec:
		rd, wr, fx = Regs(d, XL, XH), Regs(XL, XH), WritesMem
	case KindLDDY:
		rd, wr, fx = Regs(YL, YH), Regs(d), ReadsStack
	case KindLDDZ:
		rd, wr, fx = Regs(ZL, ZH), Regs(d), ReadsMem
	case KindSTDY:
		rd, fx = Regs(d, YL, YH), WritesStack
	case KindSTDZ:
		rd, fx = Regs(d, ZL, ZH), WritesMem
	case KindLDS:
		wr, fx = Regs(d), ReadsMem
		if ins.Imm < 0x60 {
			fx |= MustKeep
		}
	case KindSTS:
		rd, fx = Regs(d), WritesMem

	case KindPUSH:
		rd, fx = Regs(d), WritesStack|MustKeep
	case KindPOP:
		wr, fx = Regs(d), ReadsStack|MustKeep
	case KindIN:
		wr, fx = Regs(d), ReadsMem|MustKeep
		switch ins.Imm {
		case IOSPL, IOSPH:
			fx |= ReadsStack
		case IOSREG:
			fx |= FlagsRead
		}
	case KindOUT:
		rd, fx = Regs(d), WritesMem|MustKeep
		switch ins.Imm {
		case IOSPL, IOSPH:
			fx |= WritesStack
		case IOSREG:
			fx |= FlagsWritten
		}
	case KindSBI, KindCBI:
		fx = ReadsMem | WritesMem | MustKeep
	case KindSBRC, KindSBRS:
		rd = Regs(d)

	case KindRJMP, KindJMP:
	case KindBranch:
		fx = condReads(ins.Cond)
	case KindRCALL, KindCALL, KindICALL:
		wr = ScratchRegs | ins.Clobber
		fx = ReadsStack | WritesStack | ReadsMem | WritesMem | FlagsWritten | MustKeep
		if ins.Clobber != 0 {
			fx |= DestroysExtra
		}
		if ins.Kind == KindICALL {
			rd = Regs(ZL, ZH)
		}
		if ins.Kind == KindRCALL && ins.Target != NoRef {
			// RCALL to a local anchor only captures the return address.
			wr, fx = 0, WritesStack|MustKeep
		}
	case KindIJMP:
		rd, fx = Regs(ZL, ZH), MustKeep
	case KindRET, KindRETI:
		fx = ReadsStack | MustKeep

	case KindLoadAddr:
		wr, fx = RegRange(d, 2), UpperOnly
	case KindPatchedAdd:
		rd, wr, fx = Regs(ZL, ZH), Regs(ZL, ZH), arith
	}

	if ins.Keep {
		fx |= MustKeep
	}
	ins.Read, ins.Write, ins.Effects = rd, wr, fx
}

func condReads(c Cond) Effect {
	switch c {
	case CondEQ, CondNE:
		return ReadsZ
	case CondLO, CondSH:
		return ReadsC
	case CondMI, CondPL, CondLT, CondGE:
		return ReadsS
	case CondGT, CondLE:
		return ReadsZ | ReadsS
	}
	return FlagsRead
}
