package ext2fs

import (
	"context"
	"sync"
)

// groupDesc is the in-memory state for a single block group: its on-disk
// descriptor plus the per-group spinlock that serializes bitmap mutation
// and descriptor-counter updates. This is the bottom of the lock
// hierarchy's per-group tier -- it is taken after meta_lock/rsv_window_lock
// and before individual buffer locks.
type groupDesc struct {
	mu   sync.Mutex
	desc BlockGroupDescriptor

	// number of blocks/inodes addressable within this group; the last
	// group of a filesystem whose size isn't an exact multiple of
	// BlocksPerGroup/InodesPerGroup is smaller than the rest.
	blocksInGroup int64
	inodesInGroup int64

	// firstBlock is the absolute block number of this group's first
	// block (FirstDataBlock + g*BlocksPerGroup).
	firstBlock int64
	firstInode int64 // 1-based inode number of this group's first inode

	// rsvTree holds the reservation windows of every inode currently
	// reserving space within this group; nil until the first reservation
	// is made (see reserve.go).
	rsvTree *reservationTree
}

// freeBlocks and freeInodes return the group descriptor's live counters.
func (g *groupDesc) freeBlocks() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return int64(g.desc.FreeBlocksCount)
}

func (g *groupDesc) freeInodes() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return int64(g.desc.FreeInodesCount)
}

// adjustFreeBlocks adds delta (positive or negative) to the group's free
// block counter and the filesystem-wide counter, under the group lock
// followed by the superblock's atomic counter -- never the reverse order.
func (fs *FileSystem) adjustFreeBlocks(g int64, delta int64) {
	gd := fs.groups[g]
	gd.mu.Lock()
	gd.desc.FreeBlocksCount = uint16(int64(gd.desc.FreeBlocksCount) + delta)
	gd.mu.Unlock()
	fs.super.addFreeBlocks(delta)
}

// adjustFreeInodes mirrors adjustFreeBlocks for the inode counters, and
// additionally tracks the used-directory count when isDir is true.
func (fs *FileSystem) adjustFreeInodes(g int64, delta int64, isDir bool) {
	gd := fs.groups[g]
	gd.mu.Lock()
	gd.desc.FreeInodesCount = uint16(int64(gd.desc.FreeInodesCount) + delta)
	if isDir {
		gd.desc.UsedDirsCount = uint16(int64(gd.desc.UsedDirsCount) - delta)
	}
	gd.mu.Unlock()
	fs.super.addFreeInodes(delta)
}

// writeGroupDescriptor flushes group g's descriptor (and its sparse-super
// backups, if any) back into the group descriptor table buffers.
func (fs *FileSystem) writeGroupDescriptor(ctx context.Context, g int64) error {
	gd := fs.groups[g]
	gd.mu.Lock()
	desc := gd.desc
	gd.mu.Unlock()

	raw, err := encode(&desc)
	if err != nil {
		return wrapErr(KindIoError, err, "encoding group descriptor %d", g)
	}

	for _, backup := range fs.gdtBackupGroups() {
		off := g * DescriptorSize
		blk := backup.firstBlock + 1 + off/fs.blockSize
		buf, err := fs.cache.GetBlock(ctx, blk)
		if err != nil {
			return wrapErr(KindIoError, err, "reading gdt block for backup in group %d", backup.index)
		}
		copy(buf.Data()[off%fs.blockSize:], raw)
		buf.MarkDirty()
	}
	return nil
}

type gdtBackup struct {
	index      int64
	firstBlock int64
}

// gdtBackupGroups returns every group holding a backup copy of the
// superblock and group descriptor table, per the sparse_super rule.
func (fs *FileSystem) gdtBackupGroups() []gdtBackup {
	var out []gdtBackup
	for g, gd := range fs.groups {
		idx := int64(g)
		if groupHasSuperBackup(&fs.super.sb, idx) {
			out = append(out, gdtBackup{index: idx, firstBlock: gd.firstBlock})
		}
	}
	return out
}
