package jit

import (
	"github.com/colorfulnotion/x86core/log"
	"github.com/colorfulnotion/x86core/x86"
)

// lowerState is the explicit tri-state of the lowering context, checked at
// the top of every step.
type lowerState uint8

const (
	lowerTranslating lowerState = iota
	lowerBailed
)

// DraftTerm is a terminator whose targets are still guest PCs. CFG
// discovery maps them to block ids in its resolution pass.
type DraftTerm struct {
	Kind   TermKind
	Cond   ValueID
	ThenPC uint64
	ElsePC uint64
}

// LowerResult is one lowered block plus its draft terminator.
type LowerResult struct {
	Block  Block
	Term   DraftTerm
	Bailed bool
}

// Builder lowers one Tier-1 block into one Tier-2 block. Its value-id
// counter is seeded above the Tier-1 block's value count, so ids copied
// verbatim keep their numeric identity and no rename pass is needed.
// A Builder is constructed per block and discarded afterwards.
type Builder struct {
	blk      Block
	next     ValueID
	state    lowerState
	exitPC   uint64
	curPC    uint64
	boundary int // instruction index at the current guest-instruction start
}

// Lower converts one decoded Tier-1 block into a Tier-2 block, bailing to
// a side exit on any construct this tier does not model.
func Lower(t1 *T1Block) *LowerResult {
	b := &Builder{
		blk:  Block{PC: t1.PC},
		next: ValueID(t1.ValueCount),
	}
	b.curPC = t1.PC
	for i := range t1.Instrs {
		b.step(&t1.Instrs[i])
	}
	term := b.lowerTerm(&t1.Term)
	if b.state == lowerBailed {
		b.blk.Instrs = append(b.blk.Instrs, Instr{Kind: InstrSideExit, PC: b.exitPC})
		b.blk.Term = Terminator{Kind: TermReturn}
		log.Debug(log.JitMonitoring, "lowering bailed", "block", t1.PC, "resume", b.exitPC)
		return &LowerResult{Block: b.blk, Term: DraftTerm{Kind: TermReturn}, Bailed: true}
	}
	if term.Kind == TermReturn {
		b.blk.Term = Terminator{Kind: TermReturn}
	}
	return &LowerResult{Block: b.blk, Term: term}
}

func (b *Builder) newValue() ValueID {
	v := b.next
	b.next++
	return v
}

func (b *Builder) emit(in Instr) {
	b.blk.Instrs = append(b.blk.Instrs, in)
}

// beginInstr marks a guest-instruction boundary so a later bail can drop
// any partial effects of the instruction it interrupts.
func (b *Builder) beginInstr(pc uint64) {
	if pc != b.curPC {
		b.curPC = pc
		b.boundary = len(b.blk.Instrs)
	}
}

// bail stops translation, dropping anything emitted for the current guest
// instruction; the interpreter resumes exactly there. Idempotent.
func (b *Builder) bail(pc uint64) {
	if b.state == lowerBailed {
		return
	}
	b.state = lowerBailed
	b.exitPC = pc
	b.blk.Instrs = b.blk.Instrs[:b.boundary]
}

func (b *Builder) emitConst(v uint64) ValueID {
	id := b.newValue()
	b.emit(Instr{Kind: InstrConst, Dst: id, Imm: v})
	return id
}

func (b *Builder) emitBin(op BinKind, dst, a, rhs ValueID, flags FlagMask) {
	b.emit(Instr{Kind: InstrBinOp, Dst: dst, Op: op, A: a, B: rhs, Flags: flags})
}

func (b *Builder) step(in *T1Instr) {
	if b.state == lowerBailed {
		return
	}
	b.beginInstr(in.PC)

	switch in.Kind {
	case T1Const:
		b.emit(Instr{Kind: InstrConst, Dst: in.Dst, Imm: in.Imm})

	case T1ReadReg:
		b.lowerReadReg(in)

	case T1WriteReg:
		b.lowerWriteReg(in)

	case T1BinOp:
		if in.Op == BinSar {
			// no Tier-2 equivalent
			b.bail(in.PC)
			return
		}
		b.emitBin(in.Op, in.Dst, in.A, in.B, in.Flags)

	case T1Cmp:
		b.emitBin(BinSub, b.newValue(), in.A, in.B, in.Flags)

	case T1Test:
		b.emitBin(BinAnd, b.newValue(), in.A, in.B, in.Flags)

	case T1EvalCC:
		if !b.lowerCC(in.Cc, in.Dst) {
			b.bail(in.PC)
		}

	case T1Select:
		b.lowerSelect(in)

	case T1Load, T1Store, T1Call:
		// memory and helper escapes are not modeled at this tier yet
		b.bail(in.PC)

	default:
		b.bail(in.PC)
	}
}

// lowerReadReg reads a guest register. Narrow and aliased reads always go
// through the full 64-bit backing register, then shift (high byte) and
// mask; there is no narrower physical storage.
func (b *Builder) lowerReadReg(in *T1Instr) {
	switch in.Reg.Kind {
	case x86.GuestFlag:
		if _, ok := FlagBit(in.Reg.Flag); !ok {
			// PF/AF are untracked
			b.bail(in.PC)
			return
		}
		b.emit(Instr{Kind: InstrLoadFlag, Dst: in.Dst, Flag: in.Reg.Flag})

	case x86.GuestGpr:
		if in.Reg.Width == 64 && !in.Reg.High {
			b.emit(Instr{Kind: InstrLoadReg, Dst: in.Dst, Reg: uint8(in.Reg.Gpr)})
			return
		}
		shift, mask, ok := x86.AliasShiftMask(in.Reg.Width, in.Reg.High)
		if !ok {
			b.bail(in.PC)
			return
		}
		full := b.newValue()
		b.emit(Instr{Kind: InstrLoadReg, Dst: full, Reg: uint8(in.Reg.Gpr)})
		src := full
		if shift != 0 {
			shifted := b.newValue()
			b.emitBin(BinShr, shifted, full, b.emitConst(uint64(shift)), FlagsNone)
			src = shifted
		}
		b.emitBin(BinAnd, in.Dst, src, b.emitConst(mask), FlagsNone)

	default:
		// RIP-relative values are materialized by the decoder, not read here
		b.bail(in.PC)
	}
}

// lowerWriteReg writes a guest register: 64-bit replaces outright, 32-bit
// zero-extends, 16-/8-bit (including high-byte) merge into the untouched
// bits of the backing register. RIP and flag writes bail.
func (b *Builder) lowerWriteReg(in *T1Instr) {
	if in.Reg.Kind != x86.GuestGpr {
		b.bail(in.PC)
		return
	}
	reg := uint8(in.Reg.Gpr)
	switch {
	case in.Reg.Width == 64 && !in.Reg.High:
		b.emit(Instr{Kind: InstrStoreReg, Reg: reg, A: in.A})

	case in.Reg.Width == 32 && !in.Reg.High:
		ext := b.newValue()
		b.emitBin(BinAnd, ext, in.A, b.emitConst(0xFFFFFFFF), FlagsNone)
		b.emit(Instr{Kind: InstrStoreReg, Reg: reg, A: ext})

	case in.Reg.Width == 16 || in.Reg.Width == 8:
		shift, mask, ok := x86.AliasShiftMask(in.Reg.Width, in.Reg.High)
		if !ok {
			b.bail(in.PC)
			return
		}
		old := b.newValue()
		b.emit(Instr{Kind: InstrLoadReg, Dst: old, Reg: reg})
		cleared := b.newValue()
		b.emitBin(BinAnd, cleared, old, b.emitConst(^(mask << shift)), FlagsNone)
		narrowed := b.newValue()
		b.emitBin(BinAnd, narrowed, in.A, b.emitConst(mask), FlagsNone)
		insert := narrowed
		if shift != 0 {
			shifted := b.newValue()
			b.emitBin(BinShl, shifted, narrowed, b.emitConst(uint64(shift)), FlagsNone)
			insert = shifted
		}
		merged := b.newValue()
		b.emitBin(BinOr, merged, cleared, insert, FlagsNone)
		b.emit(Instr{Kind: InstrStoreReg, Reg: reg, A: merged})

	default:
		b.bail(in.PC)
	}
}

func (b *Builder) ldFlag(f x86.Flag) ValueID {
	id := b.newValue()
	b.emit(Instr{Kind: InstrLoadFlag, Dst: id, Flag: f})
	return id
}

// notOf complements a 0/1 value.
func (b *Builder) notOf(v ValueID) ValueID {
	id := b.newValue()
	b.emitBin(BinXor, id, v, b.emitConst(1), FlagsNone)
	return id
}

func (b *Builder) binInto(op BinKind, dst, a, rhs ValueID) {
	b.emitBin(op, dst, a, rhs, FlagsNone)
}

// lowerCC expands one of the 16 x86 conditions into boolean arithmetic
// over the four tracked flags, leaving the 0/1 result in dst. Identities:
// Be = CF|ZF, A = !(CF|ZF), L = SF^OF, Ge = !(SF^OF), Le = ZF|(SF^OF),
// G = !ZF & !(SF^OF). Parity conditions are not lowerable.
func (b *Builder) lowerCC(cc CondCode, dst ValueID) bool {
	switch cc {
	case CcO:
		b.emit(Instr{Kind: InstrLoadFlag, Dst: dst, Flag: x86.OF})
	case CcNo:
		b.binInto(BinXor, dst, b.ldFlag(x86.OF), b.emitConst(1))
	case CcB:
		b.emit(Instr{Kind: InstrLoadFlag, Dst: dst, Flag: x86.CF})
	case CcAe:
		b.binInto(BinXor, dst, b.ldFlag(x86.CF), b.emitConst(1))
	case CcE:
		b.emit(Instr{Kind: InstrLoadFlag, Dst: dst, Flag: x86.ZF})
	case CcNe:
		b.binInto(BinXor, dst, b.ldFlag(x86.ZF), b.emitConst(1))
	case CcBe:
		b.binInto(BinOr, dst, b.ldFlag(x86.CF), b.ldFlag(x86.ZF))
	case CcA:
		either := b.newValue()
		b.binInto(BinOr, either, b.ldFlag(x86.CF), b.ldFlag(x86.ZF))
		b.binInto(BinXor, dst, either, b.emitConst(1))
	case CcS:
		b.emit(Instr{Kind: InstrLoadFlag, Dst: dst, Flag: x86.SF})
	case CcNs:
		b.binInto(BinXor, dst, b.ldFlag(x86.SF), b.emitConst(1))
	case CcL:
		b.binInto(BinXor, dst, b.ldFlag(x86.SF), b.ldFlag(x86.OF))
	case CcGe:
		ne := b.newValue()
		b.binInto(BinXor, ne, b.ldFlag(x86.SF), b.ldFlag(x86.OF))
		b.binInto(BinXor, dst, ne, b.emitConst(1))
	case CcLe:
		ne := b.newValue()
		b.binInto(BinXor, ne, b.ldFlag(x86.SF), b.ldFlag(x86.OF))
		b.binInto(BinOr, dst, b.ldFlag(x86.ZF), ne)
	case CcG:
		ne := b.newValue()
		b.binInto(BinXor, ne, b.ldFlag(x86.SF), b.ldFlag(x86.OF))
		eq := b.notOf(ne)
		nz := b.notOf(b.ldFlag(x86.ZF))
		b.binInto(BinAnd, dst, nz, eq)
	case CcP, CcNp:
		return false
	default:
		return false
	}
	return true
}

// lowerSelect lowers a branchless select: boolean-cast the condition and
// its complement, multiply each candidate by its boolean, sum. Exactly one
// product is nonzero.
func (b *Builder) lowerSelect(in *T1Instr) {
	zero := b.emitConst(0)
	taken := b.newValue()
	b.emitBin(BinNe, taken, in.Cond, zero, FlagsNone)
	nottaken := b.newValue()
	b.emitBin(BinEq, nottaken, in.Cond, zero, FlagsNone)
	pa := b.newValue()
	b.emitBin(BinMul, pa, in.A, taken, FlagsNone)
	pb := b.newValue()
	b.emitBin(BinMul, pb, in.B, nottaken, FlagsNone)
	b.emitBin(BinAdd, in.Dst, pa, pb, FlagsNone)
}

// lowerTerm lowers the Tier-1 terminator into a draft terminator over
// guest PCs. Indirect jumps and explicit exits leave jitted code through a
// side exit at the terminating instruction.
func (b *Builder) lowerTerm(t *T1Term) DraftTerm {
	if b.state == lowerBailed {
		return DraftTerm{Kind: TermReturn}
	}
	b.beginInstr(t.PC)
	switch t.Kind {
	case T1Jump:
		return DraftTerm{Kind: TermJump, ThenPC: t.Target}
	case T1JumpCond:
		cond := b.newValue()
		if !b.lowerCC(t.Cc, cond) {
			b.bail(t.PC)
			return DraftTerm{Kind: TermReturn}
		}
		return DraftTerm{Kind: TermBranch, Cond: cond, ThenPC: t.Target, ElsePC: t.Next}
	case T1JumpInd, T1Exit:
		b.emit(Instr{Kind: InstrSideExit, PC: t.PC})
		return DraftTerm{Kind: TermReturn}
	default:
		b.bail(t.PC)
		return DraftTerm{Kind: TermReturn}
	}
}
