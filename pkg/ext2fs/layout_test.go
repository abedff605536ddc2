package ext2fs

import (
	"encoding/binary"
	"testing"
)

func TestInodeStructSize(t *testing.T) {
	inode := &Inode{}
	size := binary.Size(inode)
	if size != InodeSize {
		t.Errorf("struct Inode is the wrong size -- expect %d but got %d", InodeSize, size)
	}
}

func TestBlockGroupDescriptorStructSize(t *testing.T) {
	d := &BlockGroupDescriptor{}
	size := binary.Size(d)
	if size != DescriptorSize {
		t.Errorf("struct BlockGroupDescriptor is the wrong size -- expect %d but got %d", DescriptorSize, size)
	}
}

func TestSuperblockStructSize(t *testing.T) {
	sb := &Superblock{}
	size := binary.Size(sb)
	if size != 1024 {
		t.Errorf("struct Superblock is the wrong size -- expect 1024 but got %d", size)
	}
}

func TestDivideAlign(t *testing.T) {
	if divide(10, 4) != 3 {
		t.Errorf("divide(10, 4) should be 3")
	}
	if divide(8, 4) != 2 {
		t.Errorf("divide(8, 4) should be 2")
	}
	if align(10, 4) != 12 {
		t.Errorf("align(10, 4) should be 12")
	}
}

func TestIsSparseSuperGroup(t *testing.T) {
	sparse := map[int64]bool{0: true, 1: true, 2: false, 3: true, 4: false, 5: true, 7: true, 9: true, 25: true, 27: true}
	for g, want := range sparse {
		if got := isSparseSuperGroup(g); got != want {
			t.Errorf("isSparseSuperGroup(%d) = %v, want %v", g, got, want)
		}
	}
}

func TestFileTypeOf(t *testing.T) {
	cases := []struct {
		mode uint16
		want uint8
	}{
		{ModeReg, FileTypeReg},
		{ModeDir, FileTypeDir},
		{ModeLnk, FileTypeSymlink},
	}
	for _, c := range cases {
		if got := fileTypeOf(c.mode); got != c.want {
			t.Errorf("fileTypeOf(0x%x) = %d, want %d", c.mode, got, c.want)
		}
	}
}
