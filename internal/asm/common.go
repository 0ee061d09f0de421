package asm

import (
	"fmt"
	"sort"
)

// RelocKind identifies what a relocation placeholder refers to.
type RelocKind uint8

const (
	// RelocCode is an absolute code address (JMP/CALL, 22-bit word address).
	RelocCode RelocKind = iota
	// RelocPointer is a data-space pointer materialized by an LDI lo/hi pair.
	RelocPointer
)

func (k RelocKind) String() string {
	switch k {
	case RelocCode:
		return "code"
	case RelocPointer:
		return "pointer"
	default:
		return fmt.Sprintf("reloc(%d)", uint8(k))
	}
}

// Relocation records a placeholder inside a Program that must be rewritten
// once the final address of Sym is known.
type Relocation struct {
	Offset int // byte offset of the placeholder inside the program
	Kind   RelocKind
	Sym    string
	Addend int32
	// Header marks a placeholder inside a fixed-size header region. Header
	// placeholders use the short relative form instead of an absolute one.
	Header bool
}

// Program is the encoded output for one procedure.
type Program struct {
	name        string
	code        []byte
	relocations []Relocation
}

func NewProgram(name string, code []byte, relocations []Relocation) Program {
	return Program{
		name:        name,
		code:        append([]byte(nil), code...),
		relocations: append([]Relocation(nil), relocations...),
	}
}

func (p Program) Name() string { return p.name }

func (p Program) Bytes() []byte {
	return append([]byte(nil), p.code...)
}

func (p Program) Relocations() []Relocation {
	return append([]Relocation(nil), p.relocations...)
}

func (p Program) Size() int { return len(p.code) }

func (p Program) Clone() Program {
	return NewProgram(p.name, p.code, p.relocations)
}

// Patcher rewrites relocation placeholders. The AVR backend implements it.
type Patcher interface {
	// PatchCodeReference resolves a code relocation. at is the byte address of
	// the placeholder and target the byte address of the referenced code.
	PatchCodeReference(code []byte, rel Relocation, at, target uint32) error
	// PatchPointerReference resolves a pointer relocation to a data address.
	PatchPointerReference(code []byte, rel Relocation, addr uint32) error
}

type placed struct {
	prog Program
	at   uint32
}

// Image lays programs out back to back in flash and resolves relocations
// between them.
type Image struct {
	base     uint32
	code     []byte
	progs    []placed
	codeSyms map[string]uint32
	dataSyms map[string]uint32
}

func NewImage(base uint32) *Image {
	return &Image{
		base:     base,
		codeSyms: make(map[string]uint32),
		dataSyms: make(map[string]uint32),
	}
}

// Add places p at the next word-aligned address and defines its name as a
// code symbol.
func (im *Image) Add(p Program) (uint32, error) {
	if len(im.code)%2 != 0 {
		im.code = append(im.code, 0)
	}
	at := im.base + uint32(len(im.code))
	if p.name != "" {
		if _, exists := im.codeSyms[p.name]; exists {
			return 0, fmt.Errorf("asm: duplicate symbol %q", p.name)
		}
		im.codeSyms[p.name] = at
	}
	im.code = append(im.code, p.code...)
	im.progs = append(im.progs, placed{prog: p, at: at})
	return at, nil
}

// DefineCode binds sym to a byte address in flash.
func (im *Image) DefineCode(sym string, addr uint32) { im.codeSyms[sym] = addr }

// DefineData binds sym to a data-space address.
func (im *Image) DefineData(sym string, addr uint32) { im.dataSyms[sym] = addr }

// Symbol returns the flash byte address of a code symbol.
func (im *Image) Symbol(sym string) (uint32, bool) {
	addr, ok := im.codeSyms[sym]
	return addr, ok
}

// Link resolves every relocation it can and returns the sorted list of
// symbols that remain undefined.
func (im *Image) Link(p Patcher) ([]string, error) {
	missing := make(map[string]struct{})
	for _, pl := range im.progs {
		start := pl.at - im.base
		seg := im.code[start : start+uint32(len(pl.prog.code))]
		for _, rel := range pl.prog.relocations {
			switch rel.Kind {
			case RelocCode:
				target, ok := im.codeSyms[rel.Sym]
				if !ok {
					missing[rel.Sym] = struct{}{}
					continue
				}
				target = uint32(int64(target) + int64(rel.Addend))
				if err := p.PatchCodeReference(seg, rel, pl.at+uint32(rel.Offset), target); err != nil {
					return nil, fmt.Errorf("asm: link %s+%#x: %w", pl.prog.name, rel.Offset, err)
				}
			case RelocPointer:
				addr, ok := im.dataSyms[rel.Sym]
				if !ok {
					missing[rel.Sym] = struct{}{}
					continue
				}
				addr = uint32(int64(addr) + int64(rel.Addend))
				if err := p.PatchPointerReference(seg, rel, addr); err != nil {
					return nil, fmt.Errorf("asm: link %s+%#x: %w", pl.prog.name, rel.Offset, err)
				}
			default:
				return nil, fmt.Errorf("asm: unknown relocation kind %s", rel.Kind)
			}
		}
	}
	out := make([]string, 0, len(missing))
	for sym := range missing {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out, nil
}

// Bytes returns the laid out flash contents starting at the image base.
func (im *Image) Bytes() []byte {
	return append([]byte(nil), im.code...)
}
