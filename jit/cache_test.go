package jit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleFunction() *Function {
	return &Function{
		Blocks: []Block{
			{
				PC: 0x400000,
				Instrs: []Instr{
					{Kind: InstrConst, Dst: 0, Imm: 42},
					{Kind: InstrStoreReg, Reg: 3, A: 0},
				},
				Term: Terminator{Kind: TermJump, Then: 1},
			},
			{
				PC:     0x400010,
				Instrs: []Instr{{Kind: InstrSideExit, PC: 0x400010}},
				Term:   Terminator{Kind: TermReturn},
			},
		},
	}
}

func TestFunctionCacheRoundTrip(t *testing.T) {
	cache, err := NewMemoryFunctionCache()
	require.NoError(t, err)
	defer cache.Close()

	fn := sampleFunction()
	require.NoError(t, cache.Put(0x400000, fn))

	got, ok, err := cache.Get(0x400000)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, fn, got)
}

func TestFunctionCacheMiss(t *testing.T) {
	cache, err := NewMemoryFunctionCache()
	require.NoError(t, err)
	defer cache.Close()

	got, ok, err := cache.Get(0xDEAD)
	assert.NoError(t, err, "a miss is not an error")
	assert.False(t, ok)
	assert.Nil(t, got)
}

func TestFunctionCacheDelete(t *testing.T) {
	cache, err := NewMemoryFunctionCache()
	require.NoError(t, err)
	defer cache.Close()

	require.NoError(t, cache.Put(0x1000, sampleFunction()))
	require.NoError(t, cache.Delete(0x1000))
	_, ok, err := cache.Get(0x1000)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFunctionCacheOverwrite(t *testing.T) {
	cache, err := NewMemoryFunctionCache()
	require.NoError(t, err)
	defer cache.Close()

	fn := sampleFunction()
	require.NoError(t, cache.Put(0x2000, fn))

	fn2 := sampleFunction()
	fn2.Blocks = fn2.Blocks[:1]
	fn2.Blocks[0].Term = Terminator{Kind: TermReturn}
	require.NoError(t, cache.Put(0x2000, fn2))

	got, ok, err := cache.Get(0x2000)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, got.Blocks, 1)
}

func TestFunctionCacheOnDisk(t *testing.T) {
	dir := t.TempDir()

	cache, err := NewFunctionCache(dir)
	require.NoError(t, err)
	require.NoError(t, cache.Put(0x3000, sampleFunction()))
	require.NoError(t, cache.Close())

	// reopen: contents persist
	cache, err = NewFunctionCache(dir)
	require.NoError(t, err)
	defer cache.Close()
	got, ok, err := cache.Get(0x3000)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(0x400000), got.Blocks[0].PC)
}
