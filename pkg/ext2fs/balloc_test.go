package ext2fs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlockAllocatorDistinctBlocks(t *testing.T) {
	ctx := context.Background()
	fs, err := mountFreshVolume()
	require.NoError(t, err)

	alloc := fs.Blocks()
	seen := make(map[int64]bool)
	for i := 0; i < 200; i++ {
		blk, err := alloc.NewBlock(ctx, uint32(100+i%3), 0)
		require.NoError(t, err)
		require.False(t, seen[blk], "block %d allocated twice", blk)
		seen[blk] = true
	}
}

func TestBlockAllocatorFreeAndDoubleFree(t *testing.T) {
	ctx := context.Background()
	fs, err := mountFreshVolume()
	require.NoError(t, err)

	alloc := fs.Blocks()
	blk, err := alloc.NewBlock(ctx, 500, 0)
	require.NoError(t, err)

	before := fs.FreeBlocks()
	require.NoError(t, alloc.FreeBlock(ctx, blk))
	require.Equal(t, before+1, fs.FreeBlocks())

	// freeing an already-free block is logged as a warning and otherwise
	// ignored: no error, and the free count does not move again
	err = alloc.FreeBlock(ctx, blk)
	require.NoError(t, err)
	require.Equal(t, before+1, fs.FreeBlocks())
}

func TestBlockAllocatorSequentialWriterStaysContiguous(t *testing.T) {
	ctx := context.Background()
	fs, err := mountFreshVolume()
	require.NoError(t, err)

	alloc := fs.Blocks()
	goal := int64(0)
	var blocks []int64
	for i := 0; i < 16; i++ {
		blk, err := alloc.NewBlock(ctx, 900, goal)
		require.NoError(t, err)
		blocks = append(blocks, blk)
		goal = blk
	}

	// a reserving sequential writer should see runs of contiguous blocks,
	// even though perfect contiguity isn't guaranteed across window
	// boundaries.
	contiguous := 0
	for i := 1; i < len(blocks); i++ {
		if blocks[i] == blocks[i-1]+1 {
			contiguous++
		}
	}
	require.Greater(t, contiguous, len(blocks)/2)
}
