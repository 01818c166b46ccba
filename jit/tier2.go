package jit

import (
	"fmt"
	"strings"

	"github.com/colorfulnotion/x86core/x86"
)

// FlagMask is a bit-set over the four tracked flags. PF and AF are
// untracked at Tier-2.
type FlagMask uint8

const (
	FlagC FlagMask = 1 << 0
	FlagZ FlagMask = 1 << 1
	FlagS FlagMask = 1 << 2
	FlagO FlagMask = 1 << 3

	FlagsNone FlagMask = 0
	FlagsCZSO FlagMask = FlagC | FlagZ | FlagS | FlagO
)

func (m FlagMask) String() string {
	if m == 0 {
		return "-"
	}
	var sb strings.Builder
	if m&FlagC != 0 {
		sb.WriteByte('c')
	}
	if m&FlagZ != 0 {
		sb.WriteByte('z')
	}
	if m&FlagS != 0 {
		sb.WriteByte('s')
	}
	if m&FlagO != 0 {
		sb.WriteByte('o')
	}
	return sb.String()
}

// FlagBit returns the mask bit tracking the given architectural flag, or
// (0, false) for PF/AF which Tier-2 does not model.
func FlagBit(f x86.Flag) (FlagMask, bool) {
	switch f {
	case x86.CF:
		return FlagC, true
	case x86.ZF:
		return FlagZ, true
	case x86.SF:
		return FlagS, true
	case x86.OF:
		return FlagO, true
	default:
		return 0, false
	}
}

// BlockID indexes a Block inside its Function.
type BlockID uint32

// InstrKind discriminates the Tier-2 instruction set.
type InstrKind uint8

const (
	InstrConst    InstrKind = iota // Dst = Imm
	InstrLoadReg                   // Dst = full 64-bit architectural register Reg
	InstrStoreReg                  // architectural register Reg = Src
	InstrBinOp                     // Dst = A op B, defining Flags
	InstrLoadFlag                  // Dst = flag as 0/1
	InstrSideExit                  // leave jitted code, resume interpreter at PC
)

// Instr is one Tier-2 instruction.
type Instr struct {
	Kind  InstrKind `json:"kind"`
	Dst   ValueID   `json:"dst,omitempty"`
	A     ValueID   `json:"a,omitempty"`
	B     ValueID   `json:"b,omitempty"`
	Imm   uint64    `json:"imm,omitempty"`
	Reg   uint8     `json:"reg,omitempty"`
	Op    BinKind   `json:"op,omitempty"`
	Flag  x86.Flag  `json:"flag,omitempty"`
	Flags FlagMask  `json:"flags,omitempty"`
	PC    uint64    `json:"pc,omitempty"`
}

func (in Instr) String() string {
	switch in.Kind {
	case InstrConst:
		return fmt.Sprintf("v%d = const 0x%x", in.Dst, in.Imm)
	case InstrLoadReg:
		return fmt.Sprintf("v%d = ldreg %s", in.Dst, x86.GprName(int(in.Reg)))
	case InstrStoreReg:
		return fmt.Sprintf("streg %s, v%d", x86.GprName(int(in.Reg)), in.A)
	case InstrBinOp:
		return fmt.Sprintf("v%d = %s v%d, v%d [%s]", in.Dst, in.Op, in.A, in.B, in.Flags)
	case InstrLoadFlag:
		return fmt.Sprintf("v%d = ldflag %s", in.Dst, in.Flag)
	case InstrSideExit:
		return fmt.Sprintf("sideexit 0x%x", in.PC)
	default:
		return fmt.Sprintf("instr(%d)", uint8(in.Kind))
	}
}

// TermKind discriminates Tier-2 terminators.
type TermKind uint8

const (
	TermJump TermKind = iota
	TermBranch
	TermReturn
)

// Terminator ends a Block. Every named block id must exist in the Function.
type Terminator struct {
	Kind TermKind `json:"kind"`
	Cond ValueID  `json:"cond,omitempty"`
	Then BlockID  `json:"then,omitempty"`
	Else BlockID  `json:"else,omitempty"`
}

func (t Terminator) String() string {
	switch t.Kind {
	case TermJump:
		return fmt.Sprintf("jump b%d", t.Then)
	case TermBranch:
		return fmt.Sprintf("branch v%d, b%d, b%d", t.Cond, t.Then, t.Else)
	case TermReturn:
		return "return"
	default:
		return fmt.Sprintf("term(%d)", uint8(t.Kind))
	}
}

// Block is one Tier-2 basic block: originating guest PC, instructions in
// order, one terminator.
type Block struct {
	PC     uint64     `json:"pc"`
	Instrs []Instr    `json:"instrs"`
	Term   Terminator `json:"term"`
}

// Function is an immutable set of blocks plus the entry block id, produced
// by one CFG discovery pass and handed to the compiling backend.
type Function struct {
	Blocks []Block `json:"blocks"`
	Entry  BlockID `json:"entry"`
}

// Validate checks the structural well-formedness contract: the entry id
// and every terminator target must name an existing block.
func (fn *Function) Validate() error {
	n := BlockID(len(fn.Blocks))
	if fn.Entry >= n {
		return fmt.Errorf("entry block b%d out of range (%d blocks)", fn.Entry, n)
	}
	for i, b := range fn.Blocks {
		switch b.Term.Kind {
		case TermJump:
			if b.Term.Then >= n {
				return fmt.Errorf("block b%d jumps to missing b%d", i, b.Term.Then)
			}
		case TermBranch:
			if b.Term.Then >= n || b.Term.Else >= n {
				return fmt.Errorf("block b%d branches to missing b%d/b%d", i, b.Term.Then, b.Term.Else)
			}
		case TermReturn:
		default:
			return fmt.Errorf("block b%d has unknown terminator %d", i, b.Term.Kind)
		}
	}
	return nil
}

func (b *Block) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "block @0x%x\n", b.PC)
	for _, in := range b.Instrs {
		fmt.Fprintf(&sb, "  %s\n", in)
	}
	fmt.Fprintf(&sb, "  %s\n", b.Term)
	return sb.String()
}

func (fn *Function) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "function entry=b%d blocks=%d\n", fn.Entry, len(fn.Blocks))
	for i, b := range fn.Blocks {
		fmt.Fprintf(&sb, "b%d: %s", i, b.String())
	}
	return sb.String()
}
