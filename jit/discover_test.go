package jit

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mapDecode serves canned Tier-1 blocks by PC.
func mapDecode(blocks map[uint64]*T1Block) DecodeFunc {
	return func(pc uint64) (*T1Block, error) {
		b, ok := blocks[pc]
		if !ok {
			return nil, errors.New("no block at pc")
		}
		return b, nil
	}
}

func jumpBlock(pc, target uint64) *T1Block {
	return &T1Block{PC: pc, Term: T1Term{Kind: T1Jump, PC: pc, Target: target}}
}

func branchBlock(pc, target, next uint64) *T1Block {
	return &T1Block{PC: pc, Term: T1Term{Kind: T1JumpCond, PC: pc, Cc: CcNe, Target: target, Next: next}}
}

func exitBlock(pc uint64) *T1Block {
	return &T1Block{PC: pc, Term: T1Term{Kind: T1Exit, PC: pc}}
}

func blockByPC(fn *Function, pc uint64) *Block {
	for i := range fn.Blocks {
		if fn.Blocks[i].PC == pc {
			return &fn.Blocks[i]
		}
	}
	return nil
}

func TestDiscoverDiamond(t *testing.T) {
	decode := mapDecode(map[uint64]*T1Block{
		0x00: branchBlock(0x00, 0x10, 0x20),
		0x10: jumpBlock(0x10, 0x30),
		0x20: jumpBlock(0x20, 0x30),
		0x30: exitBlock(0x30),
	})

	fn, err := Discover(0x00, decode, DiscoverConfig{})
	require.NoError(t, err)
	require.NoError(t, fn.Validate())
	require.Len(t, fn.Blocks, 4)
	assert.Equal(t, BlockID(0), fn.Entry)
	assert.Equal(t, uint64(0x00), fn.Blocks[fn.Entry].PC)

	entry := blockByPC(fn, 0x00)
	require.Equal(t, TermBranch, entry.Term.Kind)
	assert.Equal(t, uint64(0x10), fn.Blocks[entry.Term.Then].PC)
	assert.Equal(t, uint64(0x20), fn.Blocks[entry.Term.Else].PC)

	join := blockByPC(fn, 0x30)
	require.NotNil(t, join)
	assert.Equal(t, TermReturn, join.Term.Kind)
	for _, pc := range []uint64{0x10, 0x20} {
		b := blockByPC(fn, pc)
		require.Equal(t, TermJump, b.Term.Kind)
		assert.Equal(t, uint64(0x30), fn.Blocks[b.Term.Then].PC)
	}
}

func TestDiscoverSelfLoop(t *testing.T) {
	decode := mapDecode(map[uint64]*T1Block{
		0x00: jumpBlock(0x00, 0x00),
	})
	fn, err := Discover(0x00, decode, DiscoverConfig{})
	require.NoError(t, err)
	require.Len(t, fn.Blocks, 1)
	assert.Equal(t, TermJump, fn.Blocks[0].Term.Kind)
	assert.Equal(t, BlockID(0), fn.Blocks[0].Term.Then, "self edge resolves to own id")
}

func TestDiscoverIdempotent(t *testing.T) {
	blocks := map[uint64]*T1Block{
		0x00: branchBlock(0x00, 0x10, 0x20),
		0x10: jumpBlock(0x10, 0x00),
		0x20: exitBlock(0x20),
	}
	fn1, err := Discover(0x00, mapDecode(blocks), DiscoverConfig{})
	require.NoError(t, err)
	fn2, err := Discover(0x00, mapDecode(blocks), DiscoverConfig{})
	require.NoError(t, err)
	assert.Equal(t, fn1, fn2)
}

func TestDiscoverMaxBlocksJumpDegrades(t *testing.T) {
	decode := mapDecode(map[uint64]*T1Block{
		0x00: jumpBlock(0x00, 0x10),
		0x10: jumpBlock(0x10, 0x20),
		0x20: exitBlock(0x20),
	})
	fn, err := Discover(0x00, decode, DiscoverConfig{MaxBlocks: 2})
	require.NoError(t, err)
	require.NoError(t, fn.Validate())
	require.Len(t, fn.Blocks, 2)

	// the edge to the never-discovered 0x20 degrades to an inline side exit
	tail := blockByPC(fn, 0x10)
	require.NotNil(t, tail)
	assert.Equal(t, TermReturn, tail.Term.Kind)
	last := tail.Instrs[len(tail.Instrs)-1]
	assert.Equal(t, InstrSideExit, last.Kind)
	assert.Equal(t, uint64(0x20), last.PC)
}

func TestDiscoverMaxBlocksBranchStubs(t *testing.T) {
	decode := mapDecode(map[uint64]*T1Block{
		0x00: branchBlock(0x00, 0x10, 0x20),
		0x10: exitBlock(0x10),
		0x20: exitBlock(0x20),
	})
	fn, err := Discover(0x00, decode, DiscoverConfig{MaxBlocks: 1})
	require.NoError(t, err)
	require.NoError(t, fn.Validate())
	require.Len(t, fn.Blocks, 3, "one discovered block plus two side-exit stubs")

	entry := blockByPC(fn, 0x00)
	require.Equal(t, TermBranch, entry.Term.Kind)
	for _, pc := range []uint64{0x10, 0x20} {
		stub := blockByPC(fn, pc)
		require.NotNil(t, stub)
		require.Len(t, stub.Instrs, 1)
		assert.Equal(t, InstrSideExit, stub.Instrs[0].Kind)
		assert.Equal(t, pc, stub.Instrs[0].PC)
		assert.Equal(t, TermReturn, stub.Term.Kind)
	}
}

func TestDiscoverSharedMissingTargetSharesStub(t *testing.T) {
	decode := mapDecode(map[uint64]*T1Block{
		0x00: branchBlock(0x00, 0x10, 0x30),
		0x10: branchBlock(0x10, 0x30, 0x00),
	})
	fn, err := Discover(0x00, decode, DiscoverConfig{MaxBlocks: 2})
	require.NoError(t, err)
	require.NoError(t, fn.Validate())
	require.Len(t, fn.Blocks, 3, "two discovered blocks share one stub")

	// both truncated edges name 0x30; exactly one stub should exist for it
	count := 0
	var stub *Block
	for i := range fn.Blocks {
		if fn.Blocks[i].PC == 0x30 {
			count++
			stub = &fn.Blocks[i]
		}
	}
	require.Equal(t, 1, count)
	require.Len(t, stub.Instrs, 1)
	assert.Equal(t, InstrSideExit, stub.Instrs[0].Kind)
	assert.Equal(t, blockByPC(fn, 0x00).Term.Else, blockByPC(fn, 0x10).Term.Then)
}

func TestDiscoverDecodeErrorPropagates(t *testing.T) {
	decode := mapDecode(map[uint64]*T1Block{
		0x00: jumpBlock(0x00, 0x10),
	})
	_, err := Discover(0x00, decode, DiscoverConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "0x10")
}

func TestDiscoverBailedBlockIsTerminal(t *testing.T) {
	decode := mapDecode(map[uint64]*T1Block{
		0x00: {
			PC:         0x00,
			ValueCount: 3,
			Instrs: []T1Instr{
				{Kind: T1BinOp, PC: 0x00, Dst: 2, A: 0, B: 1, Op: BinSar},
			},
			Term: T1Term{Kind: T1Jump, PC: 0x04, Target: 0x10},
		},
	})
	fn, err := Discover(0x00, decode, DiscoverConfig{})
	require.NoError(t, err)
	require.Len(t, fn.Blocks, 1, "bailed block has no successors to follow")
	assert.Equal(t, TermReturn, fn.Blocks[0].Term.Kind)
}

func TestFunctionValidate(t *testing.T) {
	fn := &Function{Blocks: []Block{{Term: Terminator{Kind: TermJump, Then: 5}}}}
	assert.Error(t, fn.Validate())

	fn = &Function{Entry: 1, Blocks: []Block{{Term: Terminator{Kind: TermReturn}}}}
	assert.Error(t, fn.Validate())

	fn = &Function{Blocks: []Block{{Term: Terminator{Kind: TermReturn}}}}
	assert.NoError(t, fn.Validate())
}

func TestDumpTree(t *testing.T) {
	decode := mapDecode(map[uint64]*T1Block{
		0x00: branchBlock(0x00, 0x10, 0x20),
		0x10: jumpBlock(0x10, 0x00),
		0x20: exitBlock(0x20),
	})
	fn, err := Discover(0x00, decode, DiscoverConfig{})
	require.NoError(t, err)

	out := fn.DumpTree()
	assert.Contains(t, out, "b0 @0x0")
	assert.Contains(t, out, "[seen]", "back edge prints as a reference")
}
