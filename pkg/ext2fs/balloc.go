package ext2fs

import "context"

// minWindowSize is the smallest window ever carved out for a stream of
// sequential allocations; windows grow geometrically from here as an inode
// keeps allocating without interruption.
const minWindowSize = 8

// maxWindowSize caps how large a single reservation window is allowed to
// grow, so one big sequential writer cannot starve its neighbors of an
// entire group's free space.
const maxWindowSize = 1024

// BlockAllocator allocates and frees data blocks against a mounted
// filesystem, maintaining per-inode reservation windows to keep
// sequential writers' blocks contiguous under concurrent allocation.
type BlockAllocator struct {
	fs *FileSystem
}

func (fs *FileSystem) Blocks() *BlockAllocator { return &BlockAllocator{fs: fs} }

// NewBlock allocates a single block for ino, preferring one near goal
// (typically the previous block in the file); a goal of 0 or less starts
// from the filesystem's first data block. With reservations enabled it
// first tries ino's reservation window in the goal's group (moving the
// window once if it is full), then searches every group from the goal's
// group on, skipping on the first pass groups with fewer free blocks than
// half the minimum window.
func (b *BlockAllocator) NewBlock(ctx context.Context, ino uint32, goal int64) (int64, error) {
	fs := b.fs
	if fs.super.isFrozen() {
		return 0, newErr(KindBusy, "filesystem frozen")
	}

	if goal <= 0 {
		goal = int64(fs.super.sb.FirstDataBlock)
	}
	g, within := fs.blockGroupOf(goal)

	if fs.opts.Reservation {
		blk, err := b.allocReserved(ctx, ino, g, within)
		if err == nil {
			return blk, nil
		}
		if k, ok := KindOf(err); !ok || k != KindNoSpace {
			return 0, err
		}
		// fall through to an unreserved search across every group
	}

	return b.allocAnyGroup(ctx, g, within)
}

// blockGroupOf returns the group index owning absolute block b and that
// block's offset within the group.
func (fs *FileSystem) blockGroupOf(blk int64) (group int64, within int64) {
	rel := blk - int64(fs.super.sb.FirstDataBlock)
	bpg := int64(fs.super.sb.BlocksPerGroup)
	return rel / bpg, rel % bpg
}

// allocReserved attempts to satisfy the request from ino's reservation
// window, growing or relocating the window as needed, then marking one
// block within it used.
func (b *BlockAllocator) allocReserved(ctx context.Context, ino uint32, g, goalWithin int64) (int64, error) {
	fs := b.fs
	w := fs.windowFor(ino)
	gd := fs.groups[g]

	gd.mu.Lock()
	if gd.rsvTree == nil {
		gd.rsvTree = &reservationTree{}
	}

	needNewWindow := w.length() == 0 || goalWithin < w.start || goalWithin > w.end
	if needNewWindow {
		if w.length() > 0 {
			gd.rsvTree.remove(w)
		}
		if err := b.carveWindowLocked(gd, w, goalWithin); err != nil {
			gd.mu.Unlock()
			return 0, err
		}
		gd.rsvTree.insert(w)
	}
	gd.mu.Unlock()

	blk, err := b.allocFromWindow(ctx, g, w, goalWithin)
	if err != nil {
		// The window may have been positioned over a range that is
		// actually full (bitmap fragmentation); shift it forward by one
		// full window length and retry once, the documented fix for the
		// window going stale across a concurrent allocation in the same
		// group crossing its boundary.
		gd.mu.Lock()
		gd.rsvTree.remove(w)
		shiftErr := b.carveWindowLocked(gd, w, w.end+1)
		if shiftErr == nil {
			gd.rsvTree.insert(w)
		}
		gd.mu.Unlock()
		if shiftErr != nil {
			return 0, shiftErr
		}
		return b.allocFromWindow(ctx, g, w, w.start)
	}
	return blk, nil
}

// carveWindowLocked picks a fresh, non-overlapping window for w starting
// at or after `near`, sized by doubling w's previous allocation hit rate
// (bounded to [minWindowSize, maxWindowSize]). Caller holds gd.mu.
func (b *BlockAllocator) carveWindowLocked(gd *groupDesc, w *reservationWindow, near int64) error {
	size := w.alloc_hit * 2
	if size < minWindowSize {
		size = minWindowSize
	}
	if size > maxWindowSize {
		size = maxWindowSize
	}
	if size > gd.blocksInGroup {
		size = gd.blocksInGroup
	}

	start := near
	if start < 0 {
		start = 0
	}

	if gd.rsvTree == nil {
		gd.rsvTree = &reservationTree{}
	}

	for {
		if start+size > gd.blocksInGroup {
			return newErr(KindNoSpace, "no room for reservation window in group")
		}
		if prev := gd.rsvTree.findOverlap(start); prev != nil {
			// start lies inside another window: hop past it
			start = prev.end + 1
			continue
		}
		next := gd.rsvTree.findNextWindow(start - 1)
		end := start + size - 1
		if next != nil && next.start <= end {
			// overlapping: shrink to fit before next, or hop past it
			if next.start-start >= minWindowSize {
				end = next.start - 1
			} else {
				start = next.end + 1
				continue
			}
		}
		w.start, w.end = start, end
		w.alloc_hit = 0
		return nil
	}
}

// allocFromWindow finds and marks the first free block within w, preferring
// goalWithin if it falls inside the window and is itself free.
func (b *BlockAllocator) allocFromWindow(ctx context.Context, g int64, w *reservationWindow, goalWithin int64) (int64, error) {
	fs := b.fs
	gd := fs.groups[g]

	bm, err := fs.loadGroupBitmaps(ctx, g)
	if err != nil {
		return 0, err
	}

	gd.mu.Lock()
	defer gd.mu.Unlock()

	data := bm.block.Data()
	from := w.start
	if goalWithin >= w.start && goalWithin <= w.end && !bitmapTest(data, goalWithin) {
		from = goalWithin
	}

	idx := bitmapFindNextZero(data, from, w.end+1)
	if idx < 0 {
		idx = bitmapFindNextZero(data, w.start, from)
	}
	if idx < 0 {
		return 0, ErrNoSpace()
	}

	bitmapSet(data, idx)
	bm.block.MarkDirty()
	w.alloc_hit++

	gd.desc.FreeBlocksCount--
	fs.super.addFreeBlocks(-1)

	return gd.firstBlock + idx, nil
}

// allocAnyGroup searches every group starting at g for a free block,
// skipping groups whose free count is below half a reservation window
// (those groups are reserved for small, non-reserving allocations so a
// sequential writer never fully starves them), wrapping around once.
func (b *BlockAllocator) allocAnyGroup(ctx context.Context, start, goalWithin int64) (int64, error) {
	fs := b.fs
	n := int64(len(fs.groups))

	for pass := 0; pass < 2; pass++ {
		for i := int64(0); i < n; i++ {
			g := (start + i) % n
			gd := fs.groups[g]

			if pass == 0 && gd.freeBlocks() < minWindowSize/2 {
				continue
			}
			if gd.freeBlocks() == 0 {
				continue
			}

			bm, err := fs.loadGroupBitmaps(ctx, g)
			if err != nil {
				return 0, err
			}

			gd.mu.Lock()
			from := int64(0)
			if g == start {
				from = goalWithin
			}
			data := bm.block.Data()
			idx := bitmapFindNextZero(data, from, gd.blocksInGroup)
			if idx < 0 {
				idx = bitmapFindNextZero(data, 0, from)
			}
			if idx < 0 {
				gd.mu.Unlock()
				continue
			}
			bitmapSet(data, idx)
			bm.block.MarkDirty()
			gd.desc.FreeBlocksCount--
			gd.mu.Unlock()
			fs.super.addFreeBlocks(-1)

			return gd.firstBlock + idx, nil
		}
	}
	return 0, ErrNoSpace()
}

// FreeBlock releases a single previously allocated block back to its
// group's bitmap. Freeing a block whose bit is already clear is logged as a
// warning and otherwise ignored rather than failing the call: it indicates
// an accounting inconsistency worth surfacing, but aborting would leave
// every other block in the same Truncate/Evict run leaked, which is worse.
func (b *BlockAllocator) FreeBlock(ctx context.Context, blk int64) error {
	fs := b.fs
	g, within := fs.blockGroupOf(blk)
	if g < 0 || g >= int64(len(fs.groups)) {
		return newErr(KindInvalid, "block %d out of range", blk)
	}
	gd := fs.groups[g]

	bm, err := fs.loadGroupBitmaps(ctx, g)
	if err != nil {
		return err
	}

	gd.mu.Lock()
	data := bm.block.Data()
	if !bitmapTest(data, within) {
		gd.mu.Unlock()
		fs.log.Warnf("freeing already-free block %d (group %d, offset %d)", blk, g, within)
		return nil
	}
	bitmapClear(data, within)
	bm.block.MarkDirty()
	gd.desc.FreeBlocksCount++
	gd.mu.Unlock()

	fs.super.addFreeBlocks(1)
	return nil
}

// FreeBlocks releases a contiguous run of count blocks starting at blk,
// continuing through any individual already-clear bit (see FreeBlock)
// rather than stopping the whole run short.
func (b *BlockAllocator) FreeBlocks(ctx context.Context, blk, count int64) error {
	for i := int64(0); i < count; i++ {
		if err := b.FreeBlock(ctx, blk+i); err != nil {
			return err
		}
	}
	return nil
}
