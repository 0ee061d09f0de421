package avr

import (
	"fmt"
	"io"
	"strings"
)

// String renders ins in assembler syntax. Relative transfers print their
// resolved displacement in bytes.
func (ins *Instruction) String() string {
	return ins.format(nil)
}

func (ins *Instruction) format(target func(Ref) string) string {
	d, r := RegName(ins.Reg0), RegName(ins.Reg1)
	name := ins.Kind.String()
	rel := func() string {
		if target != nil && ins.Target != NoRef {
			return target(ins.Target)
		}
		return fmt.Sprintf(".%+d", ins.Imm*2)
	}

	switch ins.Kind {
	case KindNone:
		return ""
	case KindAnchor:
		return "anchor"
	case KindRaw:
		parts := make([]string, len(ins.Raw))
		for i, b := range ins.Raw {
			parts[i] = fmt.Sprintf("0x%02x", b)
		}
		return ".byte " + strings.Join(parts, ", ")
	case KindAlloc, KindFree:
		return fmt.Sprintf("; %s %s", name, ins.Mask)
	case KindNOP, KindCLC, KindSEC, KindICALL, KindIJMP, KindRET, KindRETI:
		return name
	case KindMOV, KindADD, KindADC, KindSUB, KindSBC, KindAND, KindOR, KindEOR,
		KindCP, KindCPC, KindCPSE, KindMUL, KindMULS:
		return fmt.Sprintf("%s %s, %s", name, d, r)
	case KindMOVW:
		return fmt.Sprintf("movw %s, %s", d, r)
	case KindLDI, KindSUBI, KindSBCI, KindANDI, KindORI, KindCPI:
		return fmt.Sprintf("%s %s, 0x%02x", name, d, uint8(ins.Imm))
	case KindADIW, KindSBIW:
		return fmt.Sprintf("%s %s, 0x%02x", name, d, ins.Imm)
	case KindCOM, KindNEG, KindINC, KindDEC, KindLSR, KindROR, KindASR, KindSWAP,
		KindTST, KindPUSH, KindPOP:
		return fmt.Sprintf("%s %s", name, d)
	case KindLDX:
		return fmt.Sprintf("ld %s, X", d)
	case KindLDXInc:
		return fmt.Sprintf("ld %s, X+", d)
	case KindLDXDec:
		return fmt.Sprintf("ld %s, -X", d)
	case KindSTX:
		return fmt.Sprintf("st X, %s", d)
	case KindSTXInc:
		return fmt.Sprintf("st X+, %s", d)
	case KindSTXDec:
		return fmt.Sprintf("st -X, %s", d)
	case KindLDDY:
		return fmt.Sprintf("ldd %s, Y+%d", d, ins.Imm)
	case KindLDDZ:
		return fmt.Sprintf("ldd %s, Z+%d", d, ins.Imm)
	case KindSTDY:
		return fmt.Sprintf("std Y+%d, %s", ins.Imm, d)
	case KindSTDZ:
		return fmt.Sprintf("std Z+%d, %s", ins.Imm, d)
	case KindLDS:
		return fmt.Sprintf("lds %s, 0x%04x", d, ins.Imm)
	case KindSTS:
		return fmt.Sprintf("sts 0x%04x, %s", ins.Imm, d)
	case KindIN:
		return fmt.Sprintf("in %s, 0x%02x", d, ins.Imm)
	case KindOUT:
		return fmt.Sprintf("out 0x%02x, %s", ins.Imm, d)
	case KindSBI, KindCBI:
		return fmt.Sprintf("%s 0x%02x, %d", name, ins.Imm, ins.Reg1)
	case KindSBRC, KindSBRS:
		return fmt.Sprintf("%s %s, %d", name, d, ins.Reg1)
	case KindRJMP, KindRCALL:
		return fmt.Sprintf("%s %s", name, rel())
	case KindJMP, KindCALL:
		if ins.Sym != "" {
			return fmt.Sprintf("%s %s", name, ins.Sym)
		}
		if target != nil && ins.Target != NoRef {
			return fmt.Sprintf("%s %s", name, target(ins.Target))
		}
		return fmt.Sprintf("%s 0x%x", name, uint32(ins.Imm)*2)
	case KindBranch:
		return fmt.Sprintf("br%s %s", ins.Cond, rel())
	case KindLoadAddr:
		return fmt.Sprintf("ldi %s, lo8(%s)\nldi %s, hi8(%s)", d, ins.Sym, RegName(ins.Reg0+1), ins.Sym)
	case KindPatchedAdd:
		if ins.Size == 2 {
			return fmt.Sprintf("adiw r30, 0x%02x", ins.Imm)
		}
		return fmt.Sprintf("subi r30, lo8(%d)\nsbci r31, hi8(%d)", -ins.Imm, -ins.Imm)
	}
	return name
}

// WriteListing prints the stream with offsets and generated label names.
// Neutralized instructions and markers are omitted unless verbose is set.
func WriteListing(w io.Writer, s *Stream, verbose bool) error {
	labels := make(map[Ref]string)
	s.Each(func(_ Ref, ins *Instruction) {
		if usesTarget(ins.Kind) && ins.Target != NoRef {
			labels[ins.Target] = ""
		}
		if ins.Kind == KindPatchedAdd && ins.Base != NoRef {
			labels[ins.Base] = ""
		}
	})
	n := 0
	s.Each(func(r Ref, ins *Instruction) {
		if _, ok := labels[r]; ok {
			labels[r] = fmt.Sprintf(".L%d", n)
			n++
		}
	})
	name := func(r Ref) string { return labels[r] }

	var err error
	s.Each(func(r Ref, ins *Instruction) {
		if err != nil {
			return
		}
		if l, ok := labels[r]; ok {
			if _, err = fmt.Fprintf(w, "%s:\n", l); err != nil {
				return
			}
		}
		if !ins.Real() && !verbose {
			return
		}
		text := ins.format(name)
		if text == "" {
			text = "; removed"
		}
		if ins.Comment != "" {
			text += " ; " + ins.Comment
		}
		for _, line := range strings.Split(text, "\n") {
			if _, err = fmt.Fprintf(w, "%6x:\t%s\n", ins.Offset, line); err != nil {
				return
			}
		}
	})
	return err
}
