package ext2fs

import (
	"context"

	"github.com/vorteil/ext2fs/pkg/ext2fs/bcache"
)

// bitmapTest reports whether bit i is set in a bitmap block's buffer.
func bitmapTest(data []byte, i int64) bool {
	return data[i/8]&(1<<uint(i%8)) != 0
}

// bitmapSet sets bit i in a bitmap block's buffer.
func bitmapSet(data []byte, i int64) {
	data[i/8] |= 1 << uint(i%8)
}

// bitmapClear clears bit i in a bitmap block's buffer.
func bitmapClear(data []byte, i int64) {
	data[i/8] &^= 1 << uint(i%8)
}

// bitmapFindNextZero scans from bit `from` (inclusive) up to `limit`
// (exclusive) for the first clear bit, returning -1 if none is found.
func bitmapFindNextZero(data []byte, from, limit int64) int64 {
	for i := from; i < limit; i++ {
		if !bitmapTest(data, i) {
			return i
		}
	}
	return -1
}

// bitmapCountFree counts clear bits in [0, limit).
func bitmapCountFree(data []byte, limit int64) int64 {
	var n int64
	for i := int64(0); i < limit; i++ {
		if !bitmapTest(data, i) {
			n++
		}
	}
	return n
}

// groupBitmaps is the pair of cached bitmap buffers for one block group,
// guarded by the group's own mutex (see groupDesc.mu) rather than an
// internal lock of their own -- callers must already hold it.
type groupBitmaps struct {
	block *bcache.Buffer
	inode *bcache.Buffer
}

// loadGroupBitmaps fetches the block and inode bitmap buffers for group g.
func (fs *FileSystem) loadGroupBitmaps(ctx context.Context, g int64) (*groupBitmaps, error) {
	gd := fs.groups[g]
	bb, err := fs.cache.GetBlock(ctx, int64(gd.desc.BlockBitmap))
	if err != nil {
		return nil, wrapErr(KindIoError, err, "reading block bitmap for group %d", g)
	}
	ib, err := fs.cache.GetBlock(ctx, int64(gd.desc.InodeBitmap))
	if err != nil {
		return nil, wrapErr(KindIoError, err, "reading inode bitmap for group %d", g)
	}
	return &groupBitmaps{block: bb, inode: ib}, nil
}
