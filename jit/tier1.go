// Package jit lowers decoded guest basic blocks into a CFG-structured
// intermediate representation for a compiling backend, and discovers whole
// Functions by following block successors. Anything it cannot express at
// this tier bails to a side exit that resumes the interpreter at the exact
// guest PC, so results are identical regardless of which tier executed a
// block.
package jit

import (
	"fmt"

	"github.com/colorfulnotion/x86core/x86"
)

// ValueID names one abstract SSA-like value. Ids are assigned once and
// never reassigned.
type ValueID uint32

// BinKind enumerates the binary operators shared by both tiers. Sar has no
// Tier-2 equivalent and forces a bail when lowered.
type BinKind uint8

const (
	BinAdd BinKind = iota
	BinSub
	BinMul
	BinAnd
	BinOr
	BinXor
	BinShl
	BinShr
	BinSar
	BinEq // 1 if equal else 0
	BinNe // 1 if not equal else 0
)

func (k BinKind) String() string {
	switch k {
	case BinAdd:
		return "add"
	case BinSub:
		return "sub"
	case BinMul:
		return "mul"
	case BinAnd:
		return "and"
	case BinOr:
		return "or"
	case BinXor:
		return "xor"
	case BinShl:
		return "shl"
	case BinShr:
		return "shr"
	case BinSar:
		return "sar"
	case BinEq:
		return "eq"
	case BinNe:
		return "ne"
	default:
		return fmt.Sprintf("bin(%d)", uint8(k))
	}
}

// CondCode is one of the 16 x86 condition codes.
type CondCode uint8

const (
	CcO CondCode = iota
	CcNo
	CcB
	CcAe
	CcE
	CcNe
	CcBe
	CcA
	CcS
	CcNs
	CcP
	CcNp
	CcL
	CcGe
	CcLe
	CcG
)

var ccNames = [16]string{
	"o", "no", "b", "ae", "e", "ne", "be", "a",
	"s", "ns", "p", "np", "l", "ge", "le", "g",
}

func (cc CondCode) String() string {
	if int(cc) < len(ccNames) {
		return ccNames[cc]
	}
	return fmt.Sprintf("cc(%d)", uint8(cc))
}

// T1Kind discriminates the closed Tier-1 instruction set the external
// decoder produces.
type T1Kind uint8

const (
	T1Const   T1Kind = iota // Dst = Imm
	T1ReadReg               // Dst = guest register
	T1WriteReg              // guest register = Src
	T1BinOp                 // Dst = A op B, optionally defining Flags
	T1Cmp                   // flags = compare A, B (sub without result)
	T1Test                  // flags = test A, B (and without result)
	T1EvalCC                // Dst = condition code as 0/1
	T1Select                // Dst = Cond != 0 ? A : B
	T1Load                  // Dst = memory[A], width Width
	T1Store                 // memory[A] = B, width Width
	T1Call                  // helper-call escape
)

// T1Instr is one Tier-1 instruction. PC is the guest PC of the originating
// guest instruction; a bail resumes the interpreter there.
type T1Instr struct {
	Kind  T1Kind
	PC    uint64
	Dst   ValueID
	A     ValueID
	B     ValueID
	Cond  ValueID
	Imm   uint64
	Reg   x86.GuestReg
	Op    BinKind
	Cc    CondCode
	Flags FlagMask
	Width uint8
}

// T1TermKind discriminates the single terminator every Tier-1 block ends in.
type T1TermKind uint8

const (
	T1Jump     T1TermKind = iota // unconditional to Target
	T1JumpCond                   // to Target if Cc holds, else fall through to Next
	T1JumpInd                    // computed target in Src
	T1Exit                       // explicit interpreter exit
)

// T1Term is the Tier-1 terminator. PC is the guest PC of the terminating
// instruction; Target and Next are guest PCs, not block ids.
type T1Term struct {
	Kind   T1TermKind
	PC     uint64
	Cc     CondCode
	Target uint64
	Next   uint64
	Src    ValueID
}

// T1Block is one decoded guest basic block: entry PC, the instructions in
// order, exactly one terminator, and the number of value ids the decoder
// assigned (seeding the lowering context's id counter).
type T1Block struct {
	PC         uint64
	ValueCount uint32
	Instrs     []T1Instr
	Term       T1Term
}

// DecodeFunc is the external decoder/translator seam: invoked once per
// discovered PC, it must produce a well-formed Tier-1 block.
type DecodeFunc func(pc uint64) (*T1Block, error)
