package jit

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/colorfulnotion/x86core/x86"
)

// ByteDecoder translates raw machine code into Tier-1 blocks. It covers a
// register-and-immediate integer subset; anything outside it terminates the
// block with an explicit exit so the interpreter takes over at that PC.
type ByteDecoder struct {
	code []byte
	base uint64
}

// NewByteDecoder builds a decoder over a flat code buffer mapped at base.
// Its Decode method satisfies DecodeFunc.
func NewByteDecoder(code []byte, base uint64) *ByteDecoder {
	return &ByteDecoder{code: code, base: base}
}

// blockBuilder accumulates one Tier-1 block while the decoder walks
// straight-line code.
type blockBuilder struct {
	blk  T1Block
	next ValueID
}

func (bb *blockBuilder) val() ValueID {
	v := bb.next
	bb.next++
	return v
}

func (bb *blockBuilder) emit(in T1Instr) {
	bb.blk.Instrs = append(bb.blk.Instrs, in)
}

func (bb *blockBuilder) constVal(pc, imm uint64) ValueID {
	v := bb.val()
	bb.emit(T1Instr{Kind: T1Const, PC: pc, Dst: v, Imm: imm})
	return v
}

func (bb *blockBuilder) readReg(pc uint64, r x86.GuestReg) ValueID {
	v := bb.val()
	bb.emit(T1Instr{Kind: T1ReadReg, PC: pc, Dst: v, Reg: r})
	return v
}

func (bb *blockBuilder) writeReg(pc uint64, r x86.GuestReg, src ValueID) {
	bb.emit(T1Instr{Kind: T1WriteReg, PC: pc, Reg: r, A: src})
}

func (bb *blockBuilder) exitAt(pc uint64) {
	bb.blk.Term = T1Term{Kind: T1Exit, PC: pc}
}

func (bb *blockBuilder) finish() *T1Block {
	bb.blk.ValueCount = uint32(bb.next)
	return &bb.blk
}

// regToGuest maps an x86asm register operand onto the GuestReg addressing
// scheme. The x86asm constants are laid out in hardware-encoding order per
// width class, so the mapping is arithmetic.
func regToGuest(r x86asm.Reg) (x86.GuestReg, bool) {
	switch {
	case r >= x86asm.AL && r <= x86asm.BL:
		return x86.Gpr(int(r-x86asm.AL), 8), true
	case r >= x86asm.AH && r <= x86asm.BH:
		return x86.GprHigh(int(r - x86asm.AH)), true
	case r >= x86asm.SPB && r <= x86asm.DIB:
		return x86.Gpr(int(r-x86asm.SPB)+4, 8), true
	case r >= x86asm.R8B && r <= x86asm.R15B:
		return x86.Gpr(int(r-x86asm.R8B)+8, 8), true
	case r >= x86asm.AX && r <= x86asm.R15W:
		return x86.Gpr(int(r-x86asm.AX), 16), true
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return x86.Gpr(int(r-x86asm.EAX), 32), true
	case r >= x86asm.RAX && r <= x86asm.R15:
		return x86.Gpr(int(r-x86asm.RAX), 64), true
	default:
		return x86.GuestReg{}, false
	}
}

var binOps = map[x86asm.Op]BinKind{
	x86asm.ADD: BinAdd,
	x86asm.SUB: BinSub,
	x86asm.AND: BinAnd,
	x86asm.OR:  BinOr,
	x86asm.XOR: BinXor,
	x86asm.SHL: BinShl,
	x86asm.SHR: BinShr,
	x86asm.SAR: BinSar,
}

var jccOps = map[x86asm.Op]CondCode{
	x86asm.JO:  CcO,
	x86asm.JNO: CcNo,
	x86asm.JB:  CcB,
	x86asm.JAE: CcAe,
	x86asm.JE:  CcE,
	x86asm.JNE: CcNe,
	x86asm.JBE: CcBe,
	x86asm.JA:  CcA,
	x86asm.JS:  CcS,
	x86asm.JNS: CcNs,
	x86asm.JP:  CcP,
	x86asm.JNP: CcNp,
	x86asm.JL:  CcL,
	x86asm.JGE: CcGe,
	x86asm.JLE: CcLe,
	x86asm.JG:  CcG,
}

var cmovOps = map[x86asm.Op]CondCode{
	x86asm.CMOVO:  CcO,
	x86asm.CMOVNO: CcNo,
	x86asm.CMOVB:  CcB,
	x86asm.CMOVAE: CcAe,
	x86asm.CMOVE:  CcE,
	x86asm.CMOVNE: CcNe,
	x86asm.CMOVBE: CcBe,
	x86asm.CMOVA:  CcA,
	x86asm.CMOVS:  CcS,
	x86asm.CMOVNS: CcNs,
	x86asm.CMOVP:  CcP,
	x86asm.CMOVNP: CcNp,
	x86asm.CMOVL:  CcL,
	x86asm.CMOVGE: CcGe,
	x86asm.CMOVLE: CcLe,
	x86asm.CMOVG:  CcG,
}

// Decode produces the Tier-1 block starting at pc: straight-line
// instructions up to and including the first control transfer. A PC outside
// the mapped code, an undecodable byte sequence or an instruction outside
// the supported subset ends the block with an exit at that PC.
func (d *ByteDecoder) Decode(pc uint64) (*T1Block, error) {
	bb := &blockBuilder{blk: T1Block{PC: pc}}

	cur := pc
	for {
		if cur < d.base || cur >= d.base+uint64(len(d.code)) {
			bb.exitAt(cur)
			return bb.finish(), nil
		}
		inst, err := x86asm.Decode(d.code[cur-d.base:], 64)
		if err != nil {
			bb.exitAt(cur)
			return bb.finish(), nil
		}
		next := cur + uint64(inst.Len)

		done, err := d.translate(bb, inst, cur, next)
		if err != nil {
			return nil, err
		}
		if done {
			return bb.finish(), nil
		}
		cur = next
	}
}

// translate lowers one decoded instruction into the block. It returns true
// when the instruction terminated the block.
func (d *ByteDecoder) translate(bb *blockBuilder, inst x86asm.Inst, pc, next uint64) (bool, error) {
	switch {
	case inst.Op == x86asm.NOP:
		return false, nil

	case inst.Op == x86asm.RET:
		bb.exitAt(pc)
		return true, nil

	case inst.Op == x86asm.JMP:
		switch a := inst.Args[0].(type) {
		case x86asm.Rel:
			bb.blk.Term = T1Term{Kind: T1Jump, PC: pc, Target: next + uint64(int64(a))}
			return true, nil
		case x86asm.Reg:
			g, ok := regToGuest(a)
			if !ok || g.Width != 64 {
				bb.exitAt(pc)
				return true, nil
			}
			target := bb.readReg(pc, g)
			bb.blk.Term = T1Term{Kind: T1JumpInd, PC: pc, Src: target}
			return true, nil
		default:
			bb.exitAt(pc)
			return true, nil
		}

	case jccOps[inst.Op] != 0 || inst.Op == x86asm.JO:
		rel, ok := inst.Args[0].(x86asm.Rel)
		if !ok {
			bb.exitAt(pc)
			return true, nil
		}
		bb.blk.Term = T1Term{
			Kind:   T1JumpCond,
			PC:     pc,
			Cc:     jccOps[inst.Op],
			Target: next + uint64(int64(rel)),
			Next:   next,
		}
		return true, nil

	case inst.Op == x86asm.MOV:
		dst, ok := inst.Args[0].(x86asm.Reg)
		if !ok {
			bb.exitAt(pc)
			return true, nil
		}
		g, ok := regToGuest(dst)
		if !ok {
			bb.exitAt(pc)
			return true, nil
		}
		switch src := inst.Args[1].(type) {
		case x86asm.Imm:
			bb.writeReg(pc, g, bb.constVal(pc, uint64(int64(src))))
		case x86asm.Reg:
			sg, ok := regToGuest(src)
			if !ok {
				bb.exitAt(pc)
				return true, nil
			}
			bb.writeReg(pc, g, bb.readReg(pc, sg))
		default:
			bb.exitAt(pc)
			return true, nil
		}
		return false, nil

	case inst.Op == x86asm.CMP || inst.Op == x86asm.TEST:
		a, av, ok := d.operandValue(bb, inst.Args[0], pc)
		if !ok {
			bb.exitAt(pc)
			return true, nil
		}
		_, bv, ok := d.operandValue(bb, inst.Args[1], pc)
		if !ok {
			bb.exitAt(pc)
			return true, nil
		}
		kind := T1Cmp
		if inst.Op == x86asm.TEST {
			kind = T1Test
		}
		bb.emit(T1Instr{Kind: kind, PC: pc, A: av, B: bv, Flags: FlagsCZSO, Width: a.Width})
		return false, nil

	case binOps[inst.Op] != 0 || inst.Op == x86asm.ADD:
		dst, ok := inst.Args[0].(x86asm.Reg)
		if !ok {
			bb.exitAt(pc)
			return true, nil
		}
		g, ok := regToGuest(dst)
		if !ok {
			bb.exitAt(pc)
			return true, nil
		}
		_, bv, ok := d.operandValue(bb, inst.Args[1], pc)
		if !ok {
			bb.exitAt(pc)
			return true, nil
		}
		av := bb.readReg(pc, g)
		res := bb.val()
		bb.emit(T1Instr{Kind: T1BinOp, PC: pc, Dst: res, A: av, B: bv, Op: binOps[inst.Op], Flags: FlagsCZSO, Width: g.Width})
		bb.writeReg(pc, g, res)
		return false, nil

	case cmovOps[inst.Op] != 0 || inst.Op == x86asm.CMOVO:
		dst, ok := inst.Args[0].(x86asm.Reg)
		if !ok {
			bb.exitAt(pc)
			return true, nil
		}
		g, ok := regToGuest(dst)
		if !ok {
			bb.exitAt(pc)
			return true, nil
		}
		src, ok := inst.Args[1].(x86asm.Reg)
		if !ok {
			bb.exitAt(pc)
			return true, nil
		}
		sg, ok := regToGuest(src)
		if !ok {
			bb.exitAt(pc)
			return true, nil
		}
		cond := bb.val()
		bb.emit(T1Instr{Kind: T1EvalCC, PC: pc, Dst: cond, Cc: cmovOps[inst.Op]})
		then := bb.readReg(pc, sg)
		els := bb.readReg(pc, g)
		sel := bb.val()
		bb.emit(T1Instr{Kind: T1Select, PC: pc, Dst: sel, Cond: cond, A: then, B: els})
		bb.writeReg(pc, g, sel)
		return false, nil

	default:
		bb.exitAt(pc)
		return true, nil
	}
}

// operandValue materializes a register or immediate operand as a value id.
func (d *ByteDecoder) operandValue(bb *blockBuilder, arg x86asm.Arg, pc uint64) (x86.GuestReg, ValueID, bool) {
	switch a := arg.(type) {
	case x86asm.Reg:
		g, ok := regToGuest(a)
		if !ok {
			return x86.GuestReg{}, 0, false
		}
		return g, bb.readReg(pc, g), true
	case x86asm.Imm:
		return x86.GuestReg{}, bb.constVal(pc, uint64(int64(a))), true
	default:
		return x86.GuestReg{}, 0, false
	}
}

// Disasm renders the code buffer as a Go-syntax listing, one instruction
// per line, stopping at the first undecodable byte.
func (d *ByteDecoder) Disasm() string {
	out := ""
	pc := d.base
	for pc < d.base+uint64(len(d.code)) {
		inst, err := x86asm.Decode(d.code[pc-d.base:], 64)
		if err != nil {
			out += fmt.Sprintf("0x%x: (bad)\n", pc)
			break
		}
		out += fmt.Sprintf("0x%x: %s\n", pc, x86asm.GoSyntax(inst, pc, nil))
		pc += uint64(inst.Len)
	}
	return out
}
