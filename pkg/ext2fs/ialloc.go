package ext2fs

import "context"

// InodeAllocator allocates and frees inodes against a mounted filesystem.
type InodeAllocator struct {
	fs *FileSystem
}

func (fs *FileSystem) Inodes() *InodeAllocator { return &InodeAllocator{fs: fs} }

// New allocates a fresh inode for a child of parent, choosing a placement
// group by the Orlov strategy for directories (spread across the least-full
// groups, biased away from parent's own group once it grows crowded) or by
// a quadratic probe outward from parent's group for everything else
// (keeping files near their directory for locality, the documented
// resolution for non-directory placement).
func (a *InodeAllocator) New(ctx context.Context, parentGroup int64, isDir bool) (ino uint32, group int64, err error) {
	fs := a.fs
	if fs.super.isFrozen() {
		return 0, 0, newErr(KindBusy, "filesystem frozen")
	}
	if fs.FreeInodes() == 0 {
		return 0, 0, newErr(KindNoSpace, "no free inodes")
	}

	if isDir {
		group, err = a.orlovGroup(parentGroup)
	} else {
		group, err = a.quadraticProbeGroup(parentGroup)
	}
	if err != nil {
		return 0, 0, err
	}

	idx, err := a.allocInGroup(ctx, group)
	if err != nil {
		return 0, 0, err
	}

	ino = uint32(fs.groups[group].firstInode + idx)
	fs.adjustFreeInodes(group, -1, isDir)
	return ino, group, nil
}

// orlovGroup implements the classic Orlov heuristic: average the free
// inodes/blocks/directories across all groups, narrow to the groups whose
// free inodes are at least that average (and, as a secondary admission
// filter, whose free blocks are at least average and directory count isn't
// above average), then among that qualifying set pick the one with the
// greatest free-blocks count -- not merely the first one encountered --
// spreading top-level directories across the disk's least-loaded groups
// instead of packing them all into whichever qualifying group sorts first.
func (a *InodeAllocator) orlovGroup(parentGroup int64) (int64, error) {
	fs := a.fs
	n := int64(len(fs.groups))

	var totalFreeInodes, totalFreeBlocks, totalDirs int64
	for _, gd := range fs.groups {
		totalFreeInodes += gd.freeInodes()
		totalFreeBlocks += gd.freeBlocks()
		gd.mu.Lock()
		totalDirs += int64(gd.desc.UsedDirsCount)
		gd.mu.Unlock()
	}
	avgFreeInodes := totalFreeInodes / n
	avgFreeBlocks := totalFreeBlocks / n
	avgDirs := totalDirs / n

	best := int64(-1)
	bestFreeBlocks := int64(-1)
	for i := int64(0); i < n; i++ {
		g := (parentGroup + i) % n
		gd := fs.groups[g]
		gd.mu.Lock()
		dirs := int64(gd.desc.UsedDirsCount)
		gd.mu.Unlock()

		if gd.freeInodes() < avgFreeInodes || gd.freeBlocks() < avgFreeBlocks || dirs > avgDirs+1 {
			continue
		}
		if fb := gd.freeBlocks(); fb > bestFreeBlocks {
			best, bestFreeBlocks = g, fb
		}
	}
	if best >= 0 {
		return best, nil
	}

	// no group met every criterion; fall back to the least-loaded group
	// by directory count, matching ext2's degraded-Orlov behavior on a
	// near-full filesystem.
	fallback := int64(0)
	fallbackDirs := int64(-1)
	for g, gd := range fs.groups {
		if gd.freeInodes() == 0 {
			continue
		}
		gd.mu.Lock()
		dirs := int64(gd.desc.UsedDirsCount)
		gd.mu.Unlock()
		if fallbackDirs < 0 || dirs < fallbackDirs {
			fallback, fallbackDirs = int64(g), dirs
		}
	}
	if fallbackDirs < 0 {
		return 0, newErr(KindNoSpace, "no group has free inodes")
	}
	return fallback, nil
}

// quadraticProbeGroup starts at parentGroup and probes outward with
// quadratically increasing offsets (parent, parent+1, parent-1, parent+4,
// parent-4, parent+9, ...) until it finds a group with a free inode,
// keeping a new file's inode close to its parent directory's inode table
// while still tolerating a full home group.
func (a *InodeAllocator) quadraticProbeGroup(parentGroup int64) (int64, error) {
	fs := a.fs
	n := int64(len(fs.groups))

	if fs.groups[parentGroup].freeInodes() > 0 {
		return parentGroup, nil
	}

	for k := int64(1); k*k < n; k++ {
		for _, sign := range []int64{1, -1} {
			g := parentGroup + sign*k*k
			if g < 0 || g >= n {
				continue
			}
			if fs.groups[g].freeInodes() > 0 {
				return g, nil
			}
		}
	}

	for g, gd := range fs.groups {
		if gd.freeInodes() > 0 {
			return int64(g), nil
		}
	}
	return 0, newErr(KindNoSpace, "no group has free inodes")
}

// allocInGroup marks the first free bit in group g's inode bitmap used and
// returns its 0-based offset within the group.
func (a *InodeAllocator) allocInGroup(ctx context.Context, g int64) (int64, error) {
	fs := a.fs
	gd := fs.groups[g]

	bm, err := fs.loadGroupBitmaps(ctx, g)
	if err != nil {
		return 0, err
	}

	gd.mu.Lock()
	defer gd.mu.Unlock()

	data := bm.inode.Data()
	idx := bitmapFindNextZero(data, 0, gd.inodesInGroup)
	if idx < 0 {
		return 0, newErr(KindNoSpace, "group %d inode bitmap exhausted despite nonzero free count", g)
	}
	bitmapSet(data, idx)
	bm.inode.MarkDirty()
	return idx, nil
}

// Free releases ino back to its group's inode bitmap.
func (a *InodeAllocator) Free(ctx context.Context, ino uint32, isDir bool) error {
	fs := a.fs
	g, within := fs.inodeGroupOf(ino)
	gd := fs.groups[g]

	bm, err := fs.loadGroupBitmaps(ctx, g)
	if err != nil {
		return err
	}

	gd.mu.Lock()
	data := bm.inode.Data()
	if !bitmapTest(data, within) {
		gd.mu.Unlock()
		return newErr(KindCorruption, "freeing already-free inode %d", ino)
	}
	bitmapClear(data, within)
	bm.inode.MarkDirty()
	gd.mu.Unlock()

	fs.adjustFreeInodes(g, 1, isDir)
	fs.discardReservation(g, ino)
	return nil
}

// inodeGroupOf returns the group and in-group offset for an absolute,
// 1-based inode number.
func (fs *FileSystem) inodeGroupOf(ino uint32) (group, within int64) {
	ipg := int64(fs.super.sb.InodesPerGroup)
	rel := int64(ino) - 1
	return rel / ipg, rel % ipg
}
