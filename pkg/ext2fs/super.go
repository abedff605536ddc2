package ext2fs

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vorteil/ext2fs/pkg/elog"
	"github.com/vorteil/ext2fs/pkg/ext2fs/bcache"
)

// superState holds the in-memory superblock plus the live, atomically
// updated counters the mounted filesystem consults on every allocation.
// The on-disk Superblock.UnallocatedBlocks/UnallocatedInodes fields are
// refreshed from these counters at Sync time rather than kept hot
// themselves, mirroring how a live mount treats the on-disk superblock as
// a checkpoint rather than a ledger.
type superState struct {
	sb Superblock

	mu sync.RWMutex

	freeBlocks int64
	freeInodes int64

	frozen int32 // atomic; freeze()/unfreeze() gate new write transactions
	dirty  int32 // atomic; set whenever a counter or group desc changes
}

func (s *superState) addFreeBlocks(delta int64) {
	s.mu.Lock()
	s.freeBlocks += delta
	s.mu.Unlock()
	atomic.StoreInt32(&s.dirty, 1)
}

func (s *superState) addFreeInodes(delta int64) {
	s.mu.Lock()
	s.freeInodes += delta
	s.mu.Unlock()
	atomic.StoreInt32(&s.dirty, 1)
}

func (s *superState) FreeBlocks() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.freeBlocks
}

func (s *superState) FreeInodes() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.freeInodes
}

func (s *superState) isFrozen() bool {
	return atomic.LoadInt32(&s.frozen) == 1
}

// FileSystem is a single mounted ext2-compatible volume: the live
// superblock state, per-group descriptors, the buffered block cache that
// mediates all device I/O, and the mount options in effect. Every exported
// operation (Lookup, Create, Link, Truncate, ...) hangs off FileSystem.
type FileSystem struct {
	dev       bcache.Device
	cache     *bcache.Cache
	blockSize int64

	super  *superState
	groups []*groupDesc

	opts Options
	log  elog.Logger

	// reservations guards the pool of reservation-window allocation state
	// keyed by inode number; see reserve.go.
	reservations sync.Mutex
	windows      map[uint32]*reservationWindow

	// syncMu serializes Sync/Unmount against concurrent freeze/unfreeze.
	syncMu sync.Mutex
}

// Mount opens an ext2-compatible filesystem on dev, validates its
// superblock, and returns a live FileSystem ready to serve operations. The
// device is assumed already positioned at absolute byte 0; the superblock
// itself lives at byte offset 1024 regardless of block size.
func Mount(ctx context.Context, dev bcache.Device, opts Options, log elog.Logger) (*FileSystem, error) {

	if log == nil {
		log = &elog.CLI{}
	}

	probe := bcache.New(dev, MinBlockSize)
	sbBlock, err := probe.GetBlock(ctx, 1) // byte offset 1024 == block 1 at 1024-byte blocks
	if err != nil {
		return nil, wrapErr(KindIoError, err, "reading superblock")
	}

	var sb Superblock
	if err := decode(sbBlock.Data(), &sb); err != nil {
		return nil, wrapErr(KindCorruption, err, "decoding superblock")
	}

	if sb.Signature != Signature {
		return nil, newErr(KindCorruption, "bad superblock magic 0x%x", sb.Signature)
	}
	if err := sb.checkFeatures(); err != nil {
		return nil, err
	}
	if sb.State != StateValid {
		if opts.Errors == ErrorPanic {
			return nil, newErr(KindCorruption, "filesystem was not cleanly unmounted (state 0x%x)", sb.State)
		}
		log.Warnf("mounting filesystem that was not cleanly unmounted (state 0x%x); fsck is recommended", sb.State)
	}
	if err := opts.apply(&sb); err != nil {
		return nil, err
	}

	blockSize := sb.blockSize()
	cache := bcache.New(dev, int(blockSize))
	cache.Synchronous = opts.Synchronous

	fs := &FileSystem{
		dev:       dev,
		cache:     cache,
		blockSize: blockSize,
		opts:      opts,
		log:       log,
		windows:   make(map[uint32]*reservationWindow),
	}
	fs.super = &superState{
		sb:         sb,
		freeBlocks: int64(sb.UnallocatedBlocks),
		freeInodes: int64(sb.UnallocatedInodes),
	}

	if err := fs.loadGroups(ctx); err != nil {
		return nil, err
	}

	fs.super.sb.LastMountTime = uint32(fs.now())
	fs.super.sb.MountsSinceCheck++

	log.Infof("mounted ext2 filesystem: %d blocks, %d inodes, %d groups", sb.TotalBlocks, sb.TotalInodes, len(fs.groups))

	return fs, nil
}

// now returns the current unix time; kept as a method so tests can stub it
// without reaching for a package-level clock.
func (fs *FileSystem) now() int64 {
	return time.Now().Unix()
}

// loadGroups reads the group descriptor table and populates fs.groups.
func (fs *FileSystem) loadGroups(ctx context.Context) error {
	sb := &fs.super.sb
	totalBlocks := int64(sb.TotalBlocks)
	bpg := int64(sb.BlocksPerGroup)
	ipg := int64(sb.InodesPerGroup)
	numGroups := divide(totalBlocks, bpg)

	gdtBlock := int64(sb.FirstDataBlock) + 1
	gdtBuf, err := fs.cache.GetBlock(ctx, gdtBlock)
	if err != nil {
		return wrapErr(KindIoError, err, "reading group descriptor table")
	}

	fs.groups = make([]*groupDesc, numGroups)
	data := gdtBuf.Data()
	for g := int64(0); g < numGroups; g++ {
		off := g * DescriptorSize
		var desc BlockGroupDescriptor
		if err := decode(data[off:off+DescriptorSize], &desc); err != nil {
			return wrapErr(KindCorruption, err, "decoding group descriptor %d", g)
		}

		blocksInGroup := bpg
		if g == numGroups-1 {
			blocksInGroup = totalBlocks - g*bpg
		}

		fs.groups[g] = &groupDesc{
			desc:          desc,
			blocksInGroup: blocksInGroup,
			inodesInGroup: ipg,
			firstBlock:    int64(sb.FirstDataBlock) + g*bpg,
			firstInode:    g*ipg + 1,
		}
	}
	return nil
}

// Sync flushes dirty superblock/group-descriptor/bitmap/data state to the
// underlying device. It is safe to call on a live, concurrently used
// filesystem; it does not itself freeze new operations.
func (fs *FileSystem) Sync(ctx context.Context) error {
	fs.syncMu.Lock()
	defer fs.syncMu.Unlock()

	fs.super.mu.RLock()
	fs.super.sb.UnallocatedBlocks = uint32(fs.super.freeBlocks)
	fs.super.sb.UnallocatedInodes = uint32(fs.super.freeInodes)
	sb := fs.super.sb
	fs.super.mu.RUnlock()

	raw, err := encode(&sb)
	if err != nil {
		return wrapErr(KindIoError, err, "encoding superblock")
	}

	for _, backup := range fs.gdtBackupGroups() {
		blk := backup.firstBlock
		off := 0
		if backup.index == 0 && fs.blockSize > MinBlockSize {
			// the primary superblock sits at byte 1024 of block 0
			off = MinBlockSize
		}
		buf, err := fs.cache.GetBlock(ctx, blk)
		if err != nil {
			return wrapErr(KindIoError, err, "reading superblock block for group %d", backup.index)
		}
		copy(buf.Data()[off:], raw)
		buf.MarkDirty()
	}

	for g := range fs.groups {
		if err := fs.writeGroupDescriptor(ctx, int64(g)); err != nil {
			return err
		}
	}

	atomic.StoreInt32(&fs.super.dirty, 0)
	return fs.cache.Sync(ctx)
}

// Unmount marks the filesystem's on-disk state VALID_FS and flushes all
// state. After Unmount returns, the FileSystem must not be used again.
func (fs *FileSystem) Unmount(ctx context.Context) error {
	fs.super.mu.Lock()
	fs.super.sb.State = StateValid
	fs.super.mu.Unlock()

	if err := fs.Sync(ctx); err != nil {
		return err
	}
	fs.log.Infof("unmounted ext2 filesystem")
	return nil
}

// Freeze blocks new write transactions from starting, then clears the
// on-disk VALID_FS state bit and flushes, mirroring the freeze/unfreeze
// ioctl pair. Callers already inside a write transaction are allowed to
// finish it. Clearing the bit before Sync (rather than after) means a crash
// partway through the freeze leaves the on-disk superblock marked unclean,
// so the next mount detects it instead of silently succeeding.
func (fs *FileSystem) Freeze(ctx context.Context) error {
	atomic.StoreInt32(&fs.super.frozen, 1)

	fs.super.mu.Lock()
	fs.super.sb.State = StateError
	fs.super.mu.Unlock()

	return fs.Sync(ctx)
}

// Unfreeze restores the on-disk VALID_FS state bit, flushes it, and resumes
// accepting new write transactions.
func (fs *FileSystem) Unfreeze(ctx context.Context) error {
	fs.super.mu.Lock()
	fs.super.sb.State = StateValid
	fs.super.mu.Unlock()

	if err := fs.Sync(ctx); err != nil {
		return err
	}
	atomic.StoreInt32(&fs.super.frozen, 0)
	return nil
}

// BlockSize returns the filesystem's block size in bytes.
func (fs *FileSystem) BlockSize() int64 { return fs.blockSize }

// TotalBlocks and TotalInodes report the filesystem's static capacity.
func (fs *FileSystem) TotalBlocks() int64 { return int64(fs.super.sb.TotalBlocks) }
func (fs *FileSystem) TotalInodes() int64 { return int64(fs.super.sb.TotalInodes) }

// FreeBlocks and FreeInodes report the live, mutable counters.
func (fs *FileSystem) FreeBlocks() int64 { return fs.super.FreeBlocks() }
func (fs *FileSystem) FreeInodes() int64 { return fs.super.FreeInodes() }
