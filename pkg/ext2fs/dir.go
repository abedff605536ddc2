package ext2fs

import (
	"context"
	"encoding/binary"
)

// dentryHeaderLen is the size of a directory entry's fixed header:
// inode(4) + rec_len(2) + name_len(1) + file_type(1).
const dentryHeaderLen = 8

// dentryMinLength returns the minimum record length able to hold a name of
// the given length, rounded up to the on-disk 4-byte alignment.
func dentryMinLength(nameLen int) uint16 {
	return uint16(align(int64(dentryHeaderLen+nameLen), 4))
}

// dentry is the in-memory decoding of one directory record.
type dentry struct {
	Inode    uint32
	RecLen   uint16
	NameLen  uint8
	FileType uint8
	Name     string

	// offset is this record's byte offset within its containing data
	// block, needed to splice/rewrite it in place.
	offset int
}

func decodeDentry(data []byte, off int) dentry {
	d := dentry{
		Inode:    binary.LittleEndian.Uint32(data[off:]),
		RecLen:   binary.LittleEndian.Uint16(data[off+4:]),
		NameLen:  data[off+6],
		FileType: data[off+7],
		offset:   off,
	}
	end := off + dentryHeaderLen + int(d.NameLen)
	if end <= len(data) {
		d.Name = string(data[off+dentryHeaderLen : end])
	}
	return d
}

func encodeDentry(data []byte, d dentry) {
	off := d.offset
	binary.LittleEndian.PutUint32(data[off:], d.Inode)
	binary.LittleEndian.PutUint16(data[off+4:], d.RecLen)
	data[off+6] = d.NameLen
	data[off+7] = d.FileType
	copy(data[off+dentryHeaderLen:], d.Name)
}

// DirEngine implements directory content operations (lookup, link, unlink,
// rename) over a directory MemInode's data blocks, using linear scan and
// slack-space reuse exactly as the classic (non-htree) ext2 directory
// format requires.
type DirEngine struct {
	fs *FileSystem
}

func (fs *FileSystem) Dir() *DirEngine { return &DirEngine{fs: fs} }

// forEachBlock calls fn with the data of each allocated logical block of
// dir, stopping early if fn returns a non-nil error (io.EOF-style sentinel
// `errStopIteration` is treated as a normal stop, not propagated).
var errStopIteration = newErr(KindInvalid, "stop directory iteration")

func (e *DirEngine) forEachBlock(ctx context.Context, dir *MemInode, fn func(n int64, data []byte, dirty *bool) error) error {
	size := dir.Size()
	blocks := divide(int64(size), e.fs.blockSize)
	for n := int64(0); n < blocks; n++ {
		phys, err := e.fs.BlockMap().GetBlock(ctx, dir, n, false, 0)
		if err != nil {
			return err
		}
		if phys == 0 {
			continue
		}
		buf, err := e.fs.cache.GetBlock(ctx, phys)
		if err != nil {
			return err
		}
		dirty := false
		err = fn(n, buf.Data(), &dirty)
		if dirty {
			buf.MarkDirty()
		}
		if err == errStopIteration {
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Lookup scans dir's entries for name and returns its inode number, or
// ErrNotFound.
func (e *DirEngine) Lookup(ctx context.Context, dir *MemInode, name string) (uint32, error) {
	var found uint32
	err := e.forEachBlock(ctx, dir, func(n int64, data []byte, dirty *bool) error {
		off := 0
		for off < len(data) {
			d := decodeDentry(data, off)
			if d.RecLen == 0 {
				break
			}
			if d.Inode != 0 && d.Name == name {
				found = d.Inode
				return errStopIteration
			}
			off += int(d.RecLen)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if found == 0 {
		return 0, ErrNotFound()
	}
	return found, nil
}

// IsEmpty reports whether dir contains only "." and "..".
func (e *DirEngine) IsEmpty(ctx context.Context, dir *MemInode) (bool, error) {
	empty := true
	err := e.forEachBlock(ctx, dir, func(n int64, data []byte, dirty *bool) error {
		off := 0
		for off < len(data) {
			d := decodeDentry(data, off)
			if d.RecLen == 0 {
				break
			}
			if d.Inode != 0 && d.Name != "." && d.Name != ".." {
				empty = false
				return errStopIteration
			}
			off += int(d.RecLen)
		}
		return nil
	})
	return empty, err
}

// AddLink inserts a (name, ino, fileType) entry into dir, reusing slack
// space in an existing record if a big-enough gap exists, otherwise
// appending a new block. Returns ErrExists if name is already present.
func (e *DirEngine) AddLink(ctx context.Context, dir *MemInode, name string, ino uint32, fileType uint8) error {
	needed := dentryMinLength(len(name))

	if _, err := e.Lookup(ctx, dir, name); err == nil {
		return ErrExists()
	} else if k, ok := KindOf(err); !ok || k != KindNotFound {
		return err
	}

	inserted := false
	err := e.forEachBlock(ctx, dir, func(n int64, data []byte, dirty *bool) error {
		off := 0
		for off < len(data) {
			d := decodeDentry(data, off)
			if d.RecLen == 0 {
				break
			}
			if d.Inode != 0 && d.Name == name {
				return ErrExists()
			}

			used := uint16(0)
			if d.Inode != 0 {
				used = dentryMinLength(int(d.NameLen))
			}
			slack := d.RecLen - used

			if slack >= needed {
				if d.Inode != 0 {
					// split the record: shrink the live entry to its
					// minimum size and place the new entry in the slack.
					d.RecLen = used
					encodeDentry(data, d)
					newOff := off + int(used)
					nd := dentry{Inode: ino, RecLen: slack, NameLen: uint8(len(name)), FileType: fileType, Name: name, offset: newOff}
					encodeDentry(data, nd)
				} else {
					nd := dentry{Inode: ino, RecLen: d.RecLen, NameLen: uint8(len(name)), FileType: fileType, Name: name, offset: off}
					encodeDentry(data, nd)
				}
				*dirty = true
				inserted = true
				return errStopIteration
			}

			off += int(d.RecLen)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if inserted {
		return nil
	}

	return e.appendBlock(ctx, dir, name, ino, fileType)
}

// appendBlock allocates a new logical block for dir, zeroes it, and writes
// the new entry as the block's only record, spanning the whole block.
func (e *DirEngine) appendBlock(ctx context.Context, dir *MemInode, name string, ino uint32, fileType uint8) error {
	fs := e.fs
	n := divide(int64(dir.Size()), fs.blockSize)

	phys, err := fs.BlockMap().GetBlock(ctx, dir, n, true, 0)
	if err != nil {
		return err
	}
	buf, err := fs.cache.ZeroBlock(ctx, phys)
	if err != nil {
		return err
	}

	nd := dentry{Inode: ino, RecLen: uint16(fs.blockSize), NameLen: uint8(len(name)), FileType: fileType, Name: name}
	encodeDentry(buf.Data(), nd)
	buf.MarkDirty()

	dir.setSize(uint64((n + 1) * fs.blockSize))
	return nil
}

// MakeEmpty formats a freshly allocated directory's first block with "."
// and ".." entries.
func (e *DirEngine) MakeEmpty(ctx context.Context, dir *MemInode, parentIno uint32) error {
	fs := e.fs
	phys, err := fs.BlockMap().GetBlock(ctx, dir, 0, true, 0)
	if err != nil {
		return err
	}
	buf, err := fs.cache.ZeroBlock(ctx, phys)
	if err != nil {
		return err
	}

	data := buf.Data()
	dot := dentry{Inode: dir.Ino, RecLen: dentryMinLength(1), NameLen: 1, FileType: FileTypeDir, Name: ".", offset: 0}
	encodeDentry(data, dot)

	dotdotOff := int(dot.RecLen)
	dotdot := dentry{Inode: parentIno, RecLen: uint16(fs.blockSize) - dot.RecLen, NameLen: 2, FileType: FileTypeDir, Name: "..", offset: dotdotOff}
	encodeDentry(data, dotdot)

	buf.MarkDirty()
	dir.setSize(uint64(fs.blockSize))
	return nil
}

// DeleteEntry removes name from dir by merging its record length into the
// previous record in the same block (or zeroing the inode field if it is
// the block's first record), the standard ext2 unlink-within-directory
// operation. Returns ErrNotFound if name is absent.
func (e *DirEngine) DeleteEntry(ctx context.Context, dir *MemInode, name string) (removedIno uint32, err error) {
	found := false
	err = e.forEachBlock(ctx, dir, func(n int64, data []byte, dirty *bool) error {
		off := 0
		prevOff := -1
		for off < len(data) {
			d := decodeDentry(data, off)
			if d.RecLen == 0 {
				break
			}
			if d.Inode != 0 && d.Name == name {
				removedIno = d.Inode
				found = true
				if prevOff >= 0 {
					prev := decodeDentry(data, prevOff)
					prev.RecLen += d.RecLen
					encodeDentry(data, prev)
				} else {
					d.Inode = 0
					d.NameLen = 0
					d.FileType = FileTypeUnknown
					d.Name = ""
					encodeDentry(data, d)
				}
				*dirty = true
				return errStopIteration
			}
			prevOff = off
			off += int(d.RecLen)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, ErrNotFound()
	}
	return removedIno, nil
}

// Rename moves name from srcDir to name2 in dstDir, updating the moved
// entry's ".." back-reference if it is itself a directory and
// dstDir differs from srcDir. If an entry named name2 already exists in
// dstDir it is first removed and its inode number returned as victimIno,
// 0 if there was none; the caller (FileSystem.Rename) is responsible for
// the victim's emptiness check, link-count decrement, and eviction, since
// DirEngine itself has no notion of link counts. A rename where the source
// and destination name both resolve to the same directory entry (same
// directory, same name) is a no-op, as required: without this check the
// lookup-delete-add-delete sequence below would match its own freshly
// written entry on the final DeleteEntry and erase it.
func (e *DirEngine) Rename(ctx context.Context, srcDir *MemInode, name string, dstDir *MemInode, name2 string, movedIsDir bool) (victimIno uint32, err error) {
	if srcDir.Ino == dstDir.Ino && name == name2 {
		return 0, nil
	}

	ino, err := e.Lookup(ctx, srcDir, name)
	if err != nil {
		return 0, err
	}

	if existing, lerr := e.Lookup(ctx, dstDir, name2); lerr == nil {
		victimIno = existing
		if _, derr := e.DeleteEntry(ctx, dstDir, name2); derr != nil {
			return 0, derr
		}
	}

	fileType := FileTypeReg
	if movedIsDir {
		fileType = FileTypeDir
	}
	if err := e.AddLink(ctx, dstDir, name2, ino, uint8(fileType)); err != nil {
		return 0, err
	}
	if _, err := e.DeleteEntry(ctx, srcDir, name); err != nil {
		return 0, err
	}

	if movedIsDir && srcDir.Ino != dstDir.Ino {
		moved, err := e.fs.GetInode(ctx, ino)
		if err != nil {
			return victimIno, err
		}
		if err := e.fixupDotDot(ctx, moved, dstDir.Ino); err != nil {
			return victimIno, err
		}
	}
	return victimIno, nil
}

// fixupDotDot rewrites a directory's ".." entry to point at newParent,
// used after Rename moves a directory to a new parent.
func (e *DirEngine) fixupDotDot(ctx context.Context, dir *MemInode, newParent uint32) error {
	return e.forEachBlock(ctx, dir, func(n int64, data []byte, dirty *bool) error {
		off := 0
		for off < len(data) {
			d := decodeDentry(data, off)
			if d.RecLen == 0 {
				break
			}
			if d.Inode != 0 && d.Name == ".." {
				d.Inode = newParent
				encodeDentry(data, d)
				*dirty = true
				return errStopIteration
			}
			off += int(d.RecLen)
		}
		return nil
	})
}
