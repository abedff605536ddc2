package ext2fs

import (
	"context"
	"sync"
	"time"
)

// InodeMaximumInlineBytes is the number of bytes a fast symlink can store
// directly within Inode.Block rather than allocating a data block.
const InodeMaximumInlineBytes = 60

// MemInode is the live, in-memory representation of one open inode: the
// on-disk record plus the locks that serialize truncation, metadata
// mutation, and reservation-window access against each other and against
// concurrent readers. Lock order, outermost first: Mu (i_mutex) ->
// TruncateMu -> metaMu. Reservation window access is independently
// guarded by FileSystem.reservations plus the owning group's mutex.
type MemInode struct {
	fs  *FileSystem
	Ino uint32

	Mu         sync.RWMutex // serializes read/write/truncate against each other
	TruncateMu sync.Mutex   // serializes concurrent truncate calls specifically
	metaMu     sync.Mutex   // guards the on-disk struct fields below

	disk  Inode
	new   bool // true between allocation and the first successful write-out
	dirty bool

	// chainGen counts structural mutations of the block-pointer chain
	// (splices and truncation-driven clears). BlockMap.getBranch samples it
	// before and after an unlocked indirect-block walk and returns Busy if
	// it changed mid-walk, rather than risking a torn read.
	chainGen int64
}

// GetInode loads ino's on-disk record into a live MemInode. Once the link
// count has dropped to zero, the caller releases the inode with Evict.
func (fs *FileSystem) GetInode(ctx context.Context, ino uint32) (*MemInode, error) {
	g, within := fs.inodeGroupOf(ino)
	if g < 0 || g >= int64(len(fs.groups)) {
		return nil, newErr(KindInvalid, "inode %d out of range", ino)
	}
	gd := fs.groups[g]

	table := int64(gd.desc.InodeTable)
	inodesPerBlock := fs.blockSize / InodeSize
	blk := table + within/inodesPerBlock
	off := (within % inodesPerBlock) * InodeSize

	buf, err := fs.cache.GetBlock(ctx, blk)
	if err != nil {
		return nil, wrapErr(KindIoError, err, "reading inode table block for inode %d", ino)
	}

	mi := &MemInode{fs: fs, Ino: ino}
	if err := decode(buf.Data()[off:off+InodeSize], &mi.disk); err != nil {
		return nil, wrapErr(KindCorruption, err, "decoding inode %d", ino)
	}
	return mi, nil
}

// NewInode allocates an inode number via fs.Inodes().New, zeroes its
// on-disk record, and returns it marked new; the caller must call Write
// before the first Sync to commit it. uid/gid are full 32-bit identities;
// SetOwner32 splits them across the base 16-bit fields and the OSD2
// high-half extension, honoring the NoUID32 mount option.
func (fs *FileSystem) NewInode(ctx context.Context, parentGroup int64, mode uint16, uid, gid uint32) (*MemInode, error) {
	ino, _, err := fs.Inodes().New(ctx, parentGroup, IsDir(mode))
	if err != nil {
		return nil, err
	}
	mi := &MemInode{fs: fs, Ino: ino, new: true}
	now := uint32(fs.now())
	mi.disk = Inode{
		Mode:       mode,
		ATime:      now,
		CTime:      now,
		MTime:      now,
		LinksCount: 0,
	}
	mi.SetOwner32(uid, gid)
	return mi, nil
}

// UID32 and GID32 return the inode's full 32-bit owning uid/gid: the base
// 16-bit field plus, unless the NoUID32 mount option is set, the high 16
// bits stored in the OSD2 Linux2 union.
func (mi *MemInode) UID32() uint32 {
	mi.metaMu.Lock()
	defer mi.metaMu.Unlock()
	uid := uint32(mi.disk.UID)
	if !mi.fs.opts.NoUID32 {
		uid |= uint32(mi.disk.uidHigh()) << 16
	}
	return uid
}

func (mi *MemInode) GID32() uint32 {
	mi.metaMu.Lock()
	defer mi.metaMu.Unlock()
	gid := uint32(mi.disk.GID)
	if !mi.fs.opts.NoUID32 {
		gid |= uint32(mi.disk.gidHigh()) << 16
	}
	return gid
}

// SetOwner32 sets the inode's owning uid/gid, splitting each across the
// base 16-bit field and the OSD2 high-half extension. When NoUID32 is set
// the high halves are zeroed rather than populated, matching the on-disk
// behavior of a filesystem mounted for 16-bit-only uid/gid compatibility.
func (mi *MemInode) SetOwner32(uid, gid uint32) {
	mi.metaMu.Lock()
	defer mi.metaMu.Unlock()
	mi.disk.UID = uint16(uid)
	mi.disk.GID = uint16(gid)
	if mi.fs.opts.NoUID32 {
		mi.disk.setUIDHigh(0)
		mi.disk.setGIDHigh(0)
	} else {
		mi.disk.setUIDHigh(uint16(uid >> 16))
		mi.disk.setGIDHigh(uint16(gid >> 16))
	}
	mi.dirty = true
}

// Core returns a copy of the inode's on-disk fields.
func (mi *MemInode) Core() Inode {
	mi.metaMu.Lock()
	defer mi.metaMu.Unlock()
	return mi.disk
}

// Size returns the inode's logical byte size.
func (mi *MemInode) Size() uint64 {
	mi.metaMu.Lock()
	defer mi.metaMu.Unlock()
	return uint64(mi.disk.SizeHi)<<32 | uint64(mi.disk.SizeLo)
}

// setSize updates the 32/64-bit split size fields, setting the
// large_file ro-compat feature the first time a file crosses 2 GiB (only
// meaningful for regular files).
func (mi *MemInode) setSize(size uint64) {
	mi.metaMu.Lock()
	mi.disk.SizeLo = uint32(size)
	mi.disk.SizeHi = uint32(size >> 32)
	mi.dirty = true
	mi.metaMu.Unlock()

	if size > 0xFFFFFFFF {
		mi.fs.super.mu.Lock()
		mi.fs.super.sb.FeatureROCompat |= FeatureROCompatLargeFile
		mi.fs.super.mu.Unlock()
	}
}

// SetAttr applies a metadata change (mode/uid/gid/mtime/atime) under the
// inode's metadata lock and marks it dirty. Fields left at their zero
// value in attr are not modified; use SetAttrMask-style call sites to be
// explicit about which fields changed.
type Attr struct {
	Mode  *uint16
	UID   *uint32
	GID   *uint32
	ATime *uint32
	MTime *uint32
	CTime *uint32
}

func (mi *MemInode) SetAttr(a Attr) {
	mi.metaMu.Lock()
	noUID32 := mi.fs.opts.NoUID32
	if a.Mode != nil {
		mi.disk.Mode = *a.Mode
	}
	if a.UID != nil {
		mi.disk.UID = uint16(*a.UID)
		if noUID32 {
			mi.disk.setUIDHigh(0)
		} else {
			mi.disk.setUIDHigh(uint16(*a.UID >> 16))
		}
	}
	if a.GID != nil {
		mi.disk.GID = uint16(*a.GID)
		if noUID32 {
			mi.disk.setGIDHigh(0)
		} else {
			mi.disk.setGIDHigh(uint16(*a.GID >> 16))
		}
	}
	if a.ATime != nil {
		mi.disk.ATime = *a.ATime
	}
	if a.MTime != nil {
		mi.disk.MTime = *a.MTime
	}
	if a.CTime != nil {
		mi.disk.CTime = *a.CTime
	}
	mi.dirty = true
	mi.metaMu.Unlock()
}

func (mi *MemInode) touchTimes(atime, mtime bool) {
	now := uint32(time.Now().Unix())
	mi.metaMu.Lock()
	if atime {
		mi.disk.ATime = now
	}
	if mtime {
		mi.disk.MTime = now
		mi.disk.CTime = now
	}
	mi.dirty = true
	mi.metaMu.Unlock()
}

// Link adjusts the inode's hard-link count by delta, refusing to exceed
// MaxLinks.
func (mi *MemInode) Link(delta int) error {
	mi.metaMu.Lock()
	defer mi.metaMu.Unlock()
	n := int(mi.disk.LinksCount) + delta
	if n < 0 {
		return newErr(KindCorruption, "link count underflow on inode %d", mi.Ino)
	}
	if n > MaxLinks {
		return newErr(KindTooBig, "too many hard links")
	}
	mi.disk.LinksCount = uint16(n)
	mi.dirty = true
	return nil
}

// LinksCount returns the current hard-link count.
func (mi *MemInode) LinksCount() uint16 {
	mi.metaMu.Lock()
	defer mi.metaMu.Unlock()
	return mi.disk.LinksCount
}

// Write flushes the in-memory record back to its inode table block,
// regardless of whether it is marked dirty (callers that only read never
// reach here).
func (mi *MemInode) Write(ctx context.Context) error {
	fs := mi.fs
	g, within := fs.inodeGroupOf(mi.Ino)
	gd := fs.groups[g]

	table := int64(gd.desc.InodeTable)
	inodesPerBlock := fs.blockSize / InodeSize
	blk := table + within/inodesPerBlock
	off := (within % inodesPerBlock) * InodeSize

	buf, err := fs.cache.GetBlock(ctx, blk)
	if err != nil {
		return wrapErr(KindIoError, err, "reading inode table block for inode %d", mi.Ino)
	}

	mi.metaMu.Lock()
	raw, err := encode(&mi.disk)
	mi.dirty = false
	mi.new = false
	mi.metaMu.Unlock()
	if err != nil {
		return wrapErr(KindIoError, err, "encoding inode %d", mi.Ino)
	}

	copy(buf.Data()[off:off+InodeSize], raw)
	buf.MarkDirty()
	return nil
}

// Evict frees ino's blocks and inode number once its link count has
// reached zero, called on the last close of an unlinked inode. It stamps
// DTime and, per the on-disk convention of zeroing the OSD2 uid/gid-high
// extension once dtime is set, clears those halves too.
func (mi *MemInode) Evict(ctx context.Context) error {
	if mi.LinksCount() != 0 {
		return newErr(KindInvalid, "evicting inode %d with nonzero link count", mi.Ino)
	}
	if err := mi.fs.BlockMap().Truncate(ctx, mi, 0); err != nil {
		return err
	}

	mi.metaMu.Lock()
	mi.disk.DTime = uint32(mi.fs.now())
	mi.disk.setUIDHigh(0)
	mi.disk.setGIDHigh(0)
	isDir := IsDir(mi.disk.Mode)
	mi.dirty = true
	mi.metaMu.Unlock()

	if err := mi.Write(ctx); err != nil {
		return err
	}
	return mi.fs.Inodes().Free(ctx, mi.Ino, isDir)
}

// IsFastSymlink reports whether the symlink target is stored inline in
// Inode.Block rather than in a data block (true when the target fits
// within InodeMaximumInlineBytes and the inode has zero allocated blocks).
func (mi *MemInode) IsFastSymlink() bool {
	d := mi.Core()
	return IsLnk(d.Mode) && d.BlocksLo == 0 && uint64(d.SizeLo) < InodeMaximumInlineBytes
}

// FastSymlinkTarget returns the inline symlink target bytes stored across
// Inode.Block, truncated to SizeLo.
func (mi *MemInode) FastSymlinkTarget() []byte {
	d := mi.Core()
	raw, _ := encode(&d.Block)
	if int(d.SizeLo) > len(raw) {
		return raw
	}
	return raw[:d.SizeLo]
}

// SetFastSymlinkTarget stores target inline in Inode.Block and updates
// SizeLo, valid only for targets under InodeMaximumInlineBytes.
func (mi *MemInode) SetFastSymlinkTarget(target []byte) error {
	if len(target) >= InodeMaximumInlineBytes {
		return newErr(KindInvalid, "symlink target too large for inline storage")
	}
	var block [15]uint32
	buf := make([]byte, 60)
	copy(buf, target)
	if err := decode(buf, &block); err != nil {
		return wrapErr(KindIoError, err, "packing inline symlink target")
	}
	mi.metaMu.Lock()
	mi.disk.Block = block
	mi.disk.SizeLo = uint32(len(target))
	mi.dirty = true
	mi.metaMu.Unlock()
	return nil
}
