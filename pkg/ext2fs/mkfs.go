package ext2fs

import (
	"context"
	"time"

	"github.com/vorteil/ext2fs/pkg/ext2fs/bcache"
)

// MkfsOptions configures Mkfs's layout decisions. A zero BlockSize falls
// back to DefaultBlockSize; a zero (false) SparseSuper formats without
// sparse_super.
type MkfsOptions struct {
	BlockSize  int64 // defaults to DefaultBlockSize
	TotalBytes int64 // required: target device size
	VolumeName string
	SparseSuper bool // false: every group keeps a superblock backup
}

// Mkfs formats dev as a fresh ext2-compatible filesystem sized to fit
// within opts.TotalBytes, writing the superblock, every group descriptor
// table backup, and zeroed bitmaps/inode tables. It mirrors the teacher's
// staged compiler protocol (size/layout decided up front, then structures
// written out in dependency order) generalized from "build once" to
// "format, then Mount normally."
func Mkfs(ctx context.Context, dev bcache.Device, opts MkfsOptions) error {
	blockSize := opts.BlockSize
	if blockSize == 0 {
		blockSize = DefaultBlockSize
	}

	totalBlocks := opts.TotalBytes / blockSize
	blocksPerGroup := blockSize * 8
	numGroups := divide(totalBlocks, blocksPerGroup)
	if numGroups < 1 {
		numGroups = 1
	}

	inodesPerGroup := divide(totalBlocks/numGroups, 4) // roughly one inode per 4 blocks
	if inodesPerGroup < int64(blockSize/InodeSize) {
		inodesPerGroup = int64(blockSize / InodeSize)
	}
	inodesPerGroup = align(inodesPerGroup, blockSize/InodeSize)

	cache := bcache.New(dev, int(blockSize))

	sb := Superblock{
		TotalInodes:      uint32(inodesPerGroup * numGroups),
		TotalBlocks:      uint32(totalBlocks),
		FirstDataBlock:   firstDataBlock(blockSize),
		LogBlockSize:     logBlockSize(blockSize),
		BlocksPerGroup:   uint32(blocksPerGroup),
		ClustersPerGroup: uint32(blocksPerGroup),
		InodesPerGroup:   uint32(inodesPerGroup),
		Signature:        Signature,
		State:            StateValid,
		VersionMajor:     1,
		FirstIno:         FirstUserIno,
		InodeSize:        InodeSize,
		FeatureIncompat:  FeatureIncompatFiletype,
		FeatureROCompat:  FeatureROCompatSparseSuper,
		UUID:             newVolumeUUID(),
		LastWrittenTime:  uint32(time.Now().Unix()),
	}
	copy(sb.VolumeName[:], opts.VolumeName)
	if !opts.SparseSuper && opts.TotalBytes != 0 {
		sb.FeatureROCompat &^= FeatureROCompatSparseSuper
	}

	inodeTableBlocks := divide(inodesPerGroup, blockSize/InodeSize)
	overheadPerGroup := 2 + inodeTableBlocks // block bitmap + inode bitmap + inode table

	var freeBlocks, freeInodes uint32
	groups := make([]BlockGroupDescriptor, numGroups)
	firstBlocks := make([]int64, numGroups)

	gdtBlocks := divide(numGroups, int64(blockSize/DescriptorSize))

	for g := int64(0); g < numGroups; g++ {
		blocksInGroup := blocksPerGroup
		if g == numGroups-1 {
			blocksInGroup = totalBlocks - g*blocksPerGroup
		}

		first := int64(sb.FirstDataBlock) + g*blocksPerGroup
		firstBlocks[g] = first

		superOverhead := int64(0)
		if groupHasSuperBackup(&sb, g) {
			superOverhead = 1 + gdtBlocks
		}

		blockBitmapBlk := first + superOverhead
		inodeBitmapBlk := blockBitmapBlk + 1
		inodeTableBlk := inodeBitmapBlk + 1

		used := superOverhead + overheadPerGroup
		free := blocksInGroup - used
		if g == 0 {
			// reserve the root directory's first data block
			free--
		}

		groups[g] = BlockGroupDescriptor{
			BlockBitmap:     uint32(blockBitmapBlk),
			InodeBitmap:     uint32(inodeBitmapBlk),
			InodeTable:      uint32(inodeTableBlk),
			FreeBlocksCount: uint16(free),
			FreeInodesCount: uint16(inodesPerGroup),
		}
		freeBlocks += uint32(free)
		freeInodes += uint32(inodesPerGroup)

		if err := zeroBitmaps(ctx, cache, blockBitmapBlk, inodeBitmapBlk, used, int64(inodesPerGroup)); err != nil {
			return err
		}
		if err := zeroRange(ctx, cache, inodeTableBlk, inodeTableBlks(inodesPerGroup, blockSize)); err != nil {
			return err
		}
	}

	// the root directory consumes inode 2 and one data block in group 0;
	// reserved inode 1 below it is marked used as well
	groups[0].FreeInodesCount -= RootDirInode
	groups[0].UsedDirsCount = 1
	freeInodes -= RootDirInode

	sb.UnallocatedBlocks = freeBlocks
	sb.UnallocatedInodes = freeInodes

	if err := writeSuperAndGDT(ctx, cache, &sb, groups, firstBlocks, gdtBlocks); err != nil {
		return err
	}

	return formatRootDir(ctx, cache, &sb, &groups[0])
}

func firstDataBlock(blockSize int64) uint32 {
	if blockSize == MinBlockSize {
		return 1
	}
	return 0
}

func logBlockSize(blockSize int64) uint32 {
	n := uint32(0)
	for (MinBlockSize << n) < blockSize {
		n++
	}
	return n
}

func inodeTableBlks(inodesPerGroup, blockSize int64) int64 {
	return divide(inodesPerGroup, blockSize/InodeSize)
}

func zeroRange(ctx context.Context, cache *bcache.Cache, start, count int64) error {
	for i := int64(0); i < count; i++ {
		if _, err := cache.ZeroBlock(ctx, start+i); err != nil {
			return wrapErr(KindIoError, err, "zeroing block %d", start+i)
		}
	}
	return nil
}

func zeroBitmaps(ctx context.Context, cache *bcache.Cache, blockBitmapBlk, inodeBitmapBlk, usedBlocks, inodesPerGroup int64) error {
	bb, err := cache.ZeroBlock(ctx, blockBitmapBlk)
	if err != nil {
		return err
	}
	for i := int64(0); i < usedBlocks; i++ {
		bitmapSet(bb.Data(), i)
	}
	bb.MarkDirty()

	ib, err := cache.ZeroBlock(ctx, inodeBitmapBlk)
	if err != nil {
		return err
	}
	ib.MarkDirty()
	return nil
}

func writeSuperAndGDT(ctx context.Context, cache *bcache.Cache, sb *Superblock, groups []BlockGroupDescriptor, firstBlocks []int64, gdtBlocks int64) error {
	raw, err := encode(sb)
	if err != nil {
		return wrapErr(KindIoError, err, "encoding superblock")
	}

	gdtRaw := make([]byte, len(groups)*DescriptorSize)
	for i := range groups {
		enc, err := encode(&groups[i])
		if err != nil {
			return wrapErr(KindIoError, err, "encoding group descriptor %d", i)
		}
		copy(gdtRaw[i*DescriptorSize:], enc)
	}

	for g, first := range firstBlocks {
		if !groupHasSuperBackup(sb, int64(g)) {
			continue
		}
		sbBlk := first
		sbOff := 0
		if g == 0 && cache.BlockSize() > MinBlockSize {
			// the primary superblock sits at byte 1024 of block 0
			sbOff = MinBlockSize
		}
		buf, err := cache.GetBlock(ctx, sbBlk)
		if err != nil {
			return wrapErr(KindIoError, err, "writing superblock backup in group %d", g)
		}
		copy(buf.Data()[sbOff:], raw)
		buf.MarkDirty()

		for b := int64(0); b < gdtBlocks; b++ {
			gdtBuf, err := cache.GetBlock(ctx, sbBlk+1+b)
			if err != nil {
				return wrapErr(KindIoError, err, "writing gdt backup in group %d", g)
			}
			lo := b * int64(cache.BlockSize())
			hi := lo + int64(cache.BlockSize())
			if hi > int64(len(gdtRaw)) {
				hi = int64(len(gdtRaw))
			}
			copy(gdtBuf.Data(), gdtRaw[lo:hi])
			gdtBuf.MarkDirty()
		}
	}
	return nil
}

// formatRootDir writes inode 2's on-disk record and its "."/".." data
// block directly, without going through a live FileSystem -- mkfs runs
// before anything is mounted.
func formatRootDir(ctx context.Context, cache *bcache.Cache, sb *Superblock, rootGroup *BlockGroupDescriptor) error {
	now := uint32(time.Now().Unix())

	inodesPerBlock := int64(cache.BlockSize()) / InodeSize
	within := int64(RootDirInode - 1)
	blk := int64(rootGroup.InodeTable) + within/inodesPerBlock
	off := (within % inodesPerBlock) * InodeSize

	buf, err := cache.GetBlock(ctx, blk)
	if err != nil {
		return wrapErr(KindIoError, err, "reading root inode table block")
	}

	rootDataBlock := int64(rootGroup.InodeTable) + inodeTableBlks(int64(sb.InodesPerGroup), int64(cache.BlockSize()))

	root := Inode{
		Mode:       ModeDir | 0755,
		LinksCount: 2,
		ATime:      now,
		CTime:      now,
		MTime:      now,
		SizeLo:     uint32(cache.BlockSize()),
		BlocksLo:   uint32(cache.BlockSize() / SectorSize),
	}
	root.Block[0] = uint32(rootDataBlock)

	raw, err := encode(&root)
	if err != nil {
		return wrapErr(KindIoError, err, "encoding root inode")
	}
	copy(buf.Data()[off:off+InodeSize], raw)
	buf.MarkDirty()

	dirBuf, err := cache.ZeroBlock(ctx, rootDataBlock)
	if err != nil {
		return err
	}
	data := dirBuf.Data()
	dot := dentry{Inode: RootDirInode, RecLen: dentryMinLength(1), NameLen: 1, FileType: FileTypeDir, Name: ".", offset: 0}
	encodeDentry(data, dot)
	dotdot := dentry{Inode: RootDirInode, RecLen: uint16(cache.BlockSize()) - dot.RecLen, NameLen: 2, FileType: FileTypeDir, Name: "..", offset: int(dot.RecLen)}
	encodeDentry(data, dotdot)
	dirBuf.MarkDirty()

	// mark the root's data block used in group 0's block bitmap
	bb, err := cache.GetBlock(ctx, int64(rootGroup.BlockBitmap))
	if err != nil {
		return err
	}
	bitmapSet(bb.Data(), rootDataBlock-int64(sb.FirstDataBlock))
	bb.MarkDirty()

	// mark inode 2 (and the reserved inodes below it) used in the inode
	// bitmap
	ib, err := cache.GetBlock(ctx, int64(rootGroup.InodeBitmap))
	if err != nil {
		return err
	}
	for i := int64(0); i < RootDirInode; i++ {
		bitmapSet(ib.Data(), i)
	}
	ib.MarkDirty()

	return cache.Sync(ctx)
}
