package jit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colorfulnotion/x86core/x86"
)

// evalBlock executes one lowered block against a register file and flag
// set, mirroring what a compiled backend would do. Side exits stop
// execution and report the resume PC.
func evalBlock(t *testing.T, blk *Block, regs *[16]uint64, flags map[x86.Flag]bool) (map[ValueID]uint64, uint64, bool) {
	t.Helper()
	vals := make(map[ValueID]uint64)
	for _, in := range blk.Instrs {
		switch in.Kind {
		case InstrConst:
			vals[in.Dst] = in.Imm
		case InstrLoadReg:
			vals[in.Dst] = regs[in.Reg]
		case InstrStoreReg:
			regs[in.Reg] = vals[in.A]
		case InstrLoadFlag:
			if flags[in.Flag] {
				vals[in.Dst] = 1
			} else {
				vals[in.Dst] = 0
			}
		case InstrBinOp:
			a, b := vals[in.A], vals[in.B]
			switch in.Op {
			case BinAdd:
				vals[in.Dst] = a + b
			case BinSub:
				vals[in.Dst] = a - b
			case BinMul:
				vals[in.Dst] = a * b
			case BinAnd:
				vals[in.Dst] = a & b
			case BinOr:
				vals[in.Dst] = a | b
			case BinXor:
				vals[in.Dst] = a ^ b
			case BinShl:
				vals[in.Dst] = a << (b & 63)
			case BinShr:
				vals[in.Dst] = a >> (b & 63)
			case BinEq:
				if a == b {
					vals[in.Dst] = 1
				} else {
					vals[in.Dst] = 0
				}
			case BinNe:
				if a != b {
					vals[in.Dst] = 1
				} else {
					vals[in.Dst] = 0
				}
			default:
				t.Fatalf("evaluator hit unsupported op %s", in.Op)
			}
		case InstrSideExit:
			return vals, in.PC, true
		default:
			t.Fatalf("evaluator hit unsupported instr kind %d", in.Kind)
		}
	}
	return vals, 0, false
}

func ccBlock(cc CondCode) *T1Block {
	return &T1Block{
		PC:         0x100,
		ValueCount: 1,
		Instrs: []T1Instr{
			{Kind: T1EvalCC, PC: 0x100, Dst: 0, Cc: cc},
		},
		Term: T1Term{Kind: T1Exit, PC: 0x103},
	}
}

func TestLowerConditionCodes(t *testing.T) {
	testCases := []struct {
		name     string
		cc       CondCode
		flags    map[x86.Flag]bool
		expected uint64
	}{
		{"be with carry", CcBe, map[x86.Flag]bool{x86.CF: true}, 1},
		{"be with zero", CcBe, map[x86.Flag]bool{x86.ZF: true}, 1},
		{"be clear", CcBe, map[x86.Flag]bool{}, 0},
		{"a with carry", CcA, map[x86.Flag]bool{x86.CF: true}, 0},
		{"a clear", CcA, map[x86.Flag]bool{}, 1},
		{"l on sign xor overflow", CcL, map[x86.Flag]bool{x86.SF: true}, 1},
		{"l both set", CcL, map[x86.Flag]bool{x86.SF: true, x86.OF: true}, 0},
		{"ge both set", CcGe, map[x86.Flag]bool{x86.SF: true, x86.OF: true}, 1},
		{"le zero only", CcLe, map[x86.Flag]bool{x86.ZF: true}, 1},
		{"g needs nz and agreeing signs", CcG, map[x86.Flag]bool{}, 1},
		{"g zero kills it", CcG, map[x86.Flag]bool{x86.ZF: true}, 0},
		{"g disagreeing signs kill it", CcG, map[x86.Flag]bool{x86.OF: true}, 0},
		{"e", CcE, map[x86.Flag]bool{x86.ZF: true}, 1},
		{"ne", CcNe, map[x86.Flag]bool{x86.ZF: true}, 0},
		{"s", CcS, map[x86.Flag]bool{x86.SF: true}, 1},
		{"no", CcNo, map[x86.Flag]bool{}, 1},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			res := Lower(ccBlock(tc.cc))
			require.False(t, res.Bailed)
			var regs [16]uint64
			vals, _, _ := evalBlock(t, &res.Block, &regs, tc.flags)
			assert.Equal(t, tc.expected, vals[0])
		})
	}
}

func TestLowerParityBails(t *testing.T) {
	for _, cc := range []CondCode{CcP, CcNp} {
		res := Lower(ccBlock(cc))
		assert.True(t, res.Bailed)
		require.Len(t, res.Block.Instrs, 1, "side exit and nothing else survives")
		assert.Equal(t, InstrSideExit, res.Block.Instrs[0].Kind)
		assert.Equal(t, uint64(0x100), res.Block.Instrs[0].PC, "resume at the bailing instruction")
	}
}

func TestLowerSarBailsToZeroInstrBlock(t *testing.T) {
	t1 := &T1Block{
		PC:         0x200,
		ValueCount: 3,
		Instrs: []T1Instr{
			{Kind: T1BinOp, PC: 0x200, Dst: 2, A: 0, B: 1, Op: BinSar, Flags: FlagsCZSO},
		},
		Term: T1Term{Kind: T1Exit, PC: 0x204},
	}
	res := Lower(t1)
	require.True(t, res.Bailed)
	require.Len(t, res.Block.Instrs, 1)
	assert.Equal(t, InstrSideExit, res.Block.Instrs[0].Kind)
	assert.Equal(t, uint64(0x200), res.Block.Instrs[0].PC, "side exit names the block entry PC")
	assert.Equal(t, TermReturn, res.Block.Term.Kind)
}

func TestLowerBailTruncatesPartialInstruction(t *testing.T) {
	// first guest instruction completes, second starts emitting then hits
	// an unsupported construct; its partial effects must be dropped
	t1 := &T1Block{
		PC:         0x300,
		ValueCount: 4,
		Instrs: []T1Instr{
			{Kind: T1Const, PC: 0x300, Dst: 0, Imm: 0xAB},
			{Kind: T1WriteReg, PC: 0x300, Reg: x86.Gpr(x86.RBX, 64), A: 0},
			{Kind: T1ReadReg, PC: 0x305, Dst: 1, Reg: x86.Gpr(x86.RCX, 64)},
			{Kind: T1BinOp, PC: 0x305, Dst: 2, A: 1, B: 1, Op: BinSar},
		},
		Term: T1Term{Kind: T1Exit, PC: 0x308},
	}
	res := Lower(t1)
	require.True(t, res.Bailed)

	var regs [16]uint64
	_, resume, exited := evalBlock(t, &res.Block, &regs, nil)
	assert.True(t, exited)
	assert.Equal(t, uint64(0x305), resume, "interpreter resumes at the interrupted instruction")
	assert.Equal(t, uint64(0xAB), regs[x86.RBX], "completed instruction keeps its effect")

	// nothing of the second instruction may remain before the side exit
	for _, in := range res.Block.Instrs[:len(res.Block.Instrs)-1] {
		assert.NotEqual(t, InstrLoadReg, in.Kind)
	}
}

func TestLowerNarrowRegisterAccess(t *testing.T) {
	t.Run("high byte read", func(t *testing.T) {
		t1 := &T1Block{
			PC:         0x400,
			ValueCount: 1,
			Instrs: []T1Instr{
				{Kind: T1ReadReg, PC: 0x400, Dst: 0, Reg: x86.GprHigh(x86.RCX)},
			},
			Term: T1Term{Kind: T1Exit, PC: 0x402},
		}
		res := Lower(t1)
		require.False(t, res.Bailed)
		regs := [16]uint64{}
		regs[x86.RCX] = 0x1234
		vals, _, _ := evalBlock(t, &res.Block, &regs, nil)
		assert.Equal(t, uint64(0x12), vals[0])
	})

	t.Run("byte write merges", func(t *testing.T) {
		t1 := &T1Block{
			PC:         0x400,
			ValueCount: 1,
			Instrs: []T1Instr{
				{Kind: T1Const, PC: 0x400, Dst: 0, Imm: 0xEE},
				{Kind: T1WriteReg, PC: 0x400, Reg: x86.Gpr(x86.RAX, 8), A: 0},
			},
			Term: T1Term{Kind: T1Exit, PC: 0x402},
		}
		res := Lower(t1)
		require.False(t, res.Bailed)
		regs := [16]uint64{}
		regs[x86.RAX] = 0x1122334455667788
		evalBlock(t, &res.Block, &regs, nil)
		assert.Equal(t, uint64(0x11223344556677EE), regs[x86.RAX])
	})

	t.Run("dword write zero extends", func(t *testing.T) {
		t1 := &T1Block{
			PC:         0x400,
			ValueCount: 1,
			Instrs: []T1Instr{
				{Kind: T1Const, PC: 0x400, Dst: 0, Imm: 0xFF},
				{Kind: T1WriteReg, PC: 0x400, Reg: x86.Gpr(x86.RAX, 32), A: 0},
			},
			Term: T1Term{Kind: T1Exit, PC: 0x402},
		}
		res := Lower(t1)
		require.False(t, res.Bailed)
		regs := [16]uint64{}
		regs[x86.RAX] = 0xFFFFFFFFFFFFFFFF
		evalBlock(t, &res.Block, &regs, nil)
		assert.Equal(t, uint64(0xFF), regs[x86.RAX])
	})

	t.Run("rip read bails", func(t *testing.T) {
		t1 := &T1Block{
			PC:         0x400,
			ValueCount: 1,
			Instrs: []T1Instr{
				{Kind: T1ReadReg, PC: 0x400, Dst: 0, Reg: x86.Rip()},
			},
			Term: T1Term{Kind: T1Exit, PC: 0x402},
		}
		assert.True(t, Lower(t1).Bailed)
	})

	t.Run("untracked flag read bails", func(t *testing.T) {
		t1 := &T1Block{
			PC:         0x400,
			ValueCount: 1,
			Instrs: []T1Instr{
				{Kind: T1ReadReg, PC: 0x400, Dst: 0, Reg: x86.FlagReg(x86.PF)},
			},
			Term: T1Term{Kind: T1Exit, PC: 0x402},
		}
		assert.True(t, Lower(t1).Bailed)
	})
}

func TestLowerSelect(t *testing.T) {
	build := func(cond uint64) *T1Block {
		return &T1Block{
			PC:         0x500,
			ValueCount: 4,
			Instrs: []T1Instr{
				{Kind: T1Const, PC: 0x500, Dst: 0, Imm: cond},
				{Kind: T1Const, PC: 0x500, Dst: 1, Imm: 111},
				{Kind: T1Const, PC: 0x500, Dst: 2, Imm: 222},
				{Kind: T1Select, PC: 0x500, Dst: 3, Cond: 0, A: 1, B: 2},
			},
			Term: T1Term{Kind: T1Exit, PC: 0x504},
		}
	}

	res := Lower(build(5))
	require.False(t, res.Bailed)
	var regs [16]uint64
	vals, _, _ := evalBlock(t, &res.Block, &regs, nil)
	assert.Equal(t, uint64(111), vals[3], "nonzero condition picks A")

	res = Lower(build(0))
	vals, _, _ = evalBlock(t, &res.Block, &regs, nil)
	assert.Equal(t, uint64(222), vals[3], "zero condition picks B")
}

func TestLowerCmpTestDefineFlags(t *testing.T) {
	t1 := &T1Block{
		PC:         0x600,
		ValueCount: 2,
		Instrs: []T1Instr{
			{Kind: T1Const, PC: 0x600, Dst: 0, Imm: 5},
			{Kind: T1Const, PC: 0x600, Dst: 1, Imm: 5},
			{Kind: T1Cmp, PC: 0x603, A: 0, B: 1, Flags: FlagsCZSO},
			{Kind: T1Test, PC: 0x606, A: 0, B: 1, Flags: FlagsCZSO},
		},
		Term: T1Term{Kind: T1Exit, PC: 0x609},
	}
	res := Lower(t1)
	require.False(t, res.Bailed)

	var sub, and *Instr
	for i := range res.Block.Instrs {
		in := &res.Block.Instrs[i]
		if in.Kind == InstrBinOp && in.Op == BinSub {
			sub = in
		}
		if in.Kind == InstrBinOp && in.Op == BinAnd {
			and = in
		}
	}
	require.NotNil(t, sub)
	require.NotNil(t, and)
	assert.Equal(t, FlagsCZSO, sub.Flags)
	assert.Equal(t, FlagsCZSO, and.Flags)
	assert.GreaterOrEqual(t, uint32(sub.Dst), uint32(2), "scratch result ids come after the seeded range")
}

func TestLowerTerminators(t *testing.T) {
	t.Run("jump", func(t *testing.T) {
		t1 := &T1Block{PC: 0x700, Term: T1Term{Kind: T1Jump, PC: 0x700, Target: 0x720}}
		res := Lower(t1)
		require.False(t, res.Bailed)
		assert.Equal(t, TermJump, res.Term.Kind)
		assert.Equal(t, uint64(0x720), res.Term.ThenPC)
	})

	t.Run("conditional", func(t *testing.T) {
		t1 := &T1Block{PC: 0x700, Term: T1Term{Kind: T1JumpCond, PC: 0x700, Cc: CcNe, Target: 0x720, Next: 0x702}}
		res := Lower(t1)
		require.False(t, res.Bailed)
		assert.Equal(t, TermBranch, res.Term.Kind)
		assert.Equal(t, uint64(0x720), res.Term.ThenPC)
		assert.Equal(t, uint64(0x702), res.Term.ElsePC)
		assert.NotEmpty(t, res.Block.Instrs, "condition materialized in the block")
	})

	t.Run("parity conditional bails", func(t *testing.T) {
		t1 := &T1Block{PC: 0x700, Term: T1Term{Kind: T1JumpCond, PC: 0x700, Cc: CcP, Target: 0x720, Next: 0x702}}
		res := Lower(t1)
		assert.True(t, res.Bailed)
	})

	t.Run("indirect jump side-exits", func(t *testing.T) {
		t1 := &T1Block{
			PC:         0x700,
			ValueCount: 1,
			Instrs:     []T1Instr{{Kind: T1ReadReg, PC: 0x700, Dst: 0, Reg: x86.Gpr(x86.RAX, 64)}},
			Term:       T1Term{Kind: T1JumpInd, PC: 0x702, Src: 0},
		}
		res := Lower(t1)
		require.False(t, res.Bailed)
		assert.Equal(t, TermReturn, res.Term.Kind)
		last := res.Block.Instrs[len(res.Block.Instrs)-1]
		assert.Equal(t, InstrSideExit, last.Kind)
		assert.Equal(t, uint64(0x702), last.PC)
	})
}

func TestLowerMemoryBails(t *testing.T) {
	t1 := &T1Block{
		PC:         0x800,
		ValueCount: 2,
		Instrs: []T1Instr{
			{Kind: T1Const, PC: 0x800, Dst: 0, Imm: 0x1000},
			{Kind: T1Load, PC: 0x800, Dst: 1, A: 0, Width: 8},
		},
		Term: T1Term{Kind: T1Exit, PC: 0x804},
	}
	res := Lower(t1)
	require.True(t, res.Bailed)
	assert.Equal(t, uint64(0x800), res.Block.Instrs[0].PC)
}
