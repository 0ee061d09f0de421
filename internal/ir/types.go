package ir

import (
	"fmt"
	"strings"
)

// Type is the machine type of an IR register.
type Type uint8

const (
	TypeInvalid Type = iota
	Bool
	I8
	I16
	U16 // unsigned 16-bit character
	I32
	I64
	F32
	F64
	Ptr  // data pointer
	DPtr // double-width pointer
)

var typeNames = map[Type]string{
	Bool: "bool", I8: "i8", I16: "i16", U16: "u16", I32: "i32", I64: "i64",
	F32: "f32", F64: "f64", Ptr: "ptr", DPtr: "dptr",
}

func (t Type) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// Size returns the width of t in bytes.
func (t Type) Size() int {
	switch t {
	case Bool, I8:
		return 1
	case I16, U16, Ptr:
		return 2
	case I32, F32, DPtr:
		return 4
	case I64, F64:
		return 8
	}
	return 0
}

// Signed reports whether t sign-extends when widened.
func (t Type) Signed() bool {
	switch t {
	case I8, I16, I32, I64, F32, F64:
		return true
	}
	return false
}

func (t Type) Float() bool { return t == F32 || t == F64 }

// ParseType resolves a type name as written in program files.
func ParseType(s string) (Type, error) {
	for t, n := range typeNames {
		if n == strings.ToLower(s) {
			return t, nil
		}
	}
	return TypeInvalid, fmt.Errorf("ir: unknown type %q", s)
}

// Op is an arithmetic, logical or shift operation.
type Op uint8

const (
	OpInvalid Op = iota
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpMod
	OpAnd
	OpOr
	OpXor
	OpShl
	OpShr  // arithmetic
	OpUshr // logical
	OpNeg
	OpNot
)

var opNames = map[Op]string{
	OpAdd: "add", OpSub: "sub", OpMul: "mul", OpDiv: "div", OpMod: "mod", OpAnd: "and",
	OpOr: "or", OpXor: "xor", OpShl: "shl", OpShr: "shr", OpUshr: "ushr", OpNeg: "neg", OpNot: "not",
}

func (o Op) String() string {
	if n, ok := opNames[o]; ok {
		return n
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

func (o Op) IsShift() bool { return o == OpShl || o == OpShr || o == OpUshr }

func ParseOp(s string) (Op, error) {
	for o, n := range opNames {
		if n == strings.ToLower(s) {
			return o, nil
		}
	}
	return OpInvalid, fmt.Errorf("ir: unknown op %q", s)
}

// Cond is a comparison predicate.
type Cond uint8

const (
	CondEQ Cond = iota
	CondNE
	CondLT
	CondLE
	CondGT
	CondGE
	CondULT
	CondULE
	CondUGT
	CondUGE
)

var condNames = [...]string{"eq", "ne", "lt", "le", "gt", "ge", "ult", "ule", "ugt", "uge"}

func (c Cond) String() string {
	if int(c) < len(condNames) {
		return condNames[c]
	}
	return fmt.Sprintf("cond(%d)", uint8(c))
}

// Swap returns the predicate that holds for (b, a) when c holds for (a, b).
func (c Cond) Swap() Cond {
	switch c {
	case CondLT:
		return CondGT
	case CondLE:
		return CondGE
	case CondGT:
		return CondLT
	case CondGE:
		return CondLE
	case CondULT:
		return CondUGT
	case CondULE:
		return CondUGE
	case CondUGT:
		return CondULT
	case CondUGE:
		return CondULE
	}
	return c
}

func ParseCond(s string) (Cond, error) {
	for i, n := range condNames {
		if n == strings.ToLower(s) {
			return Cond(i), nil
		}
	}
	return 0, fmt.Errorf("ir: unknown condition %q", s)
}

// Reg is an IR register: a window-relative number and its type.
type Reg struct {
	Num  int
	Type Type
}

func (r Reg) String() string { return fmt.Sprintf("%%%d:%s", r.Num, r.Type) }

// Label is an opaque jump target created by a backend.
type Label int

const NoLabel Label = -1
