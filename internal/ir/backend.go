package ir

import (
	"io"

	"github.com/tinyrange/avrc/internal/asm"
)

// Target describes the device a backend generates code for.
type Target struct {
	Name string
	// PointerSize is the width of a data pointer in bytes.
	PointerSize int
	// CodePointerSize is the width of a return address on the stack.
	CodePointerSize int
	// StackAlignment rounds local-variable areas.
	StackAlignment int
	RAMStart       int
	RAMEnd         int
	FlashSize      int
	// ThrowFrameGlobal is the data address of the current throw-frame pointer.
	ThrowFrameGlobal int
	// AllocStart is the register where the general allocation search starts.
	AllocStart int

	Optimize bool
	// DeadCodeOnly restricts the optimizer to removing unreachable and
	// effect-free instructions.
	DeadCodeOnly    bool
	OptimizerPasses int
	UnrollLimit     int
}

// ProcedureInfo describes the procedure being opened by BeginProcedure.
type ProcedureInfo struct {
	Name   string
	Params []Type
	Result Type // TypeInvalid for procedures without a result
	Locals int  // bytes
	Inline bool
}

// ParamBytes returns the total size of the parameter area.
func (p ProcedureInfo) ParamBytes() int {
	n := 0
	for _, t := range p.Params {
		n += t.Size()
	}
	return n
}

// Backend lowers IR constructs one call at a time. Entry points do not
// return errors; the first internal failure is latched and reported by Err.
// Callers must check Err after each construct.
type Backend interface {
	asm.Patcher

	Init(t Target)
	BeginProcedure(info ProcedureInfo)
	EndProcedure()

	Const(dst Reg, value int64)
	Assign(dst, src Reg)
	Binary(op Op, dst, a, b Reg)
	BinaryImm(op Op, dst, a Reg, imm int64)
	Unary(op Op, dst, a Reg)
	Shift(op Op, dst, a, amount Reg)
	ShiftImm(op Op, dst, a Reg, amount int)
	Convert(dst, src Reg)

	NewLabel() Label
	PlaceLabel(l Label)
	Jump(l Label)
	Compare(c Cond, a, b Reg, l Label)
	CompareImm(c Cond, a Reg, imm int64, l Label)

	LoadParam(dst Reg, index int)
	LoadLocal(dst Reg, offset int)
	StoreLocal(offset int, src Reg)
	AddressOfLocal(dst Reg, offset int)
	LoadAddress(dst Reg, sym string)
	Load(dst, ptr Reg, offset int)
	Store(ptr Reg, offset int, src Reg)
	Index(dst, array, index Reg)
	IndexStore(array, index, src Reg)
	IORead(dst Reg, addr int)
	IOWrite(addr int, src Reg)

	CallDirect(sym string, args []Reg, result *Reg)
	CallIndirect(fn Reg, args []Reg, result *Reg)
	CallVirtual(obj Reg, slot int, args []Reg, result *Reg)
	Push(src Reg)
	Pop(dst Reg)
	Discard(bytes int)
	Return(value *Reg)
	Release(r Reg)

	BuildFrame(frame int, handler Label, classCtx, instCtx *Reg)
	UpdateFrame(frame int, handler Label)
	ResetFrame(frame int)
	Throw(exc Reg)
	LoadException(dst Reg, frame int)

	HeaderVector(sym string)

	// Finalize runs optional optimization, fixup and encoding for the most
	// recently ended procedure.
	Finalize() (asm.Program, error)
	// Listing writes the assembler listing of the last finalized procedure.
	Listing(w io.Writer) error

	Err() error
}
