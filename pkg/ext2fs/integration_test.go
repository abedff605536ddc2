package ext2fs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMountFreshVolume(t *testing.T) {
	fs, err := mountFreshVolume()
	require.NoError(t, err)
	require.NotZero(t, fs.TotalBlocks())
	require.NotZero(t, fs.FreeInodes())
}

func TestCreateAndLookup(t *testing.T) {
	ctx := context.Background()
	fs, err := mountFreshVolume()
	require.NoError(t, err)

	root, err := fs.GetInode(ctx, RootDirInode)
	require.NoError(t, err)

	child, err := fs.Create(ctx, root, "hello.txt", 0644, 1000, 1000)
	require.NoError(t, err)
	require.True(t, IsReg(child.Core().Mode))

	ino, err := fs.Lookup(ctx, root, "hello.txt")
	require.NoError(t, err)
	require.Equal(t, child.Ino, ino)

	_, err = fs.Lookup(ctx, root, "nonexistent")
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	require.Equal(t, KindNotFound, kind)
}

func TestWriteReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	fs, err := mountFreshVolume()
	require.NoError(t, err)

	root, err := fs.GetInode(ctx, RootDirInode)
	require.NoError(t, err)

	child, err := fs.Create(ctx, root, "data.bin", 0644, 0, 0)
	require.NoError(t, err)

	payload := make([]byte, fs.BlockSize()*3+137)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	n, err := fs.WriteAt(ctx, child, payload, 0)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.Equal(t, uint64(len(payload)), child.Size())

	got := make([]byte, len(payload))
	n, err = fs.ReadAt(ctx, child, got, 0)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.Equal(t, payload, got)
}

func TestMkdirAndRmdir(t *testing.T) {
	ctx := context.Background()
	fs, err := mountFreshVolume()
	require.NoError(t, err)

	root, err := fs.GetInode(ctx, RootDirInode)
	require.NoError(t, err)

	sub, err := fs.Mkdir(ctx, root, "subdir", 0755, 0, 0)
	require.NoError(t, err)
	require.True(t, IsDir(sub.Core().Mode))
	require.EqualValues(t, 2, sub.LinksCount())

	empty, err := fs.Dir().IsEmpty(ctx, sub)
	require.NoError(t, err)
	require.True(t, empty)

	_, err = fs.Create(ctx, sub, "f", 0644, 0, 0)
	require.NoError(t, err)

	err = fs.Rmdir(ctx, root, "subdir")
	require.Error(t, err) // must refuse: not empty

	require.NoError(t, fs.Unlink(ctx, sub, "f"))
	require.NoError(t, fs.Rmdir(ctx, root, "subdir"))

	_, err = fs.Lookup(ctx, root, "subdir")
	require.Error(t, err)
}

func TestUnlinkFreesInode(t *testing.T) {
	ctx := context.Background()
	fs, err := mountFreshVolume()
	require.NoError(t, err)

	root, err := fs.GetInode(ctx, RootDirInode)
	require.NoError(t, err)

	before := fs.FreeInodes()

	child, err := fs.Create(ctx, root, "gone.txt", 0644, 0, 0)
	require.NoError(t, err)
	require.NotZero(t, child.Ino)

	require.NoError(t, fs.Unlink(ctx, root, "gone.txt"))
	require.Equal(t, before, fs.FreeInodes())

	_, err = fs.Lookup(ctx, root, "gone.txt")
	require.Error(t, err)
}

func TestTruncateShrinksAndFreesBlocks(t *testing.T) {
	ctx := context.Background()
	fs, err := mountFreshVolume()
	require.NoError(t, err)

	root, err := fs.GetInode(ctx, RootDirInode)
	require.NoError(t, err)

	child, err := fs.Create(ctx, root, "big.bin", 0644, 0, 0)
	require.NoError(t, err)

	payload := make([]byte, fs.BlockSize()*20)
	_, err = fs.WriteAt(ctx, child, payload, 0)
	require.NoError(t, err)

	freeBefore := fs.FreeBlocks()

	require.NoError(t, fs.BlockMap().Truncate(ctx, child, 0))
	require.NoError(t, child.Write(ctx))

	require.Equal(t, uint64(0), child.Size())
	require.Greater(t, fs.FreeBlocks(), freeBefore)
}

func TestRenameWithinAndAcrossDirs(t *testing.T) {
	ctx := context.Background()
	fs, err := mountFreshVolume()
	require.NoError(t, err)

	root, err := fs.GetInode(ctx, RootDirInode)
	require.NoError(t, err)

	a, err := fs.Mkdir(ctx, root, "a", 0755, 0, 0)
	require.NoError(t, err)
	b, err := fs.Mkdir(ctx, root, "b", 0755, 0, 0)
	require.NoError(t, err)

	_, err = fs.Create(ctx, a, "file.txt", 0644, 0, 0)
	require.NoError(t, err)

	require.NoError(t, fs.Rename(ctx, a, "file.txt", b, "renamed.txt"))

	_, err = fs.Lookup(ctx, a, "file.txt")
	require.Error(t, err)
	_, err = fs.Lookup(ctx, b, "renamed.txt")
	require.NoError(t, err)
}

func TestSyncAndRemount(t *testing.T) {
	ctx := context.Background()
	dev := newMemDevice(testVolumeSize)
	require.NoError(t, Mkfs(ctx, dev, MkfsOptions{TotalBytes: testVolumeSize}))

	fs, err := Mount(ctx, dev, DefaultOptions(), nil)
	require.NoError(t, err)

	root, err := fs.GetInode(ctx, RootDirInode)
	require.NoError(t, err)
	_, err = fs.Create(ctx, root, "survives.txt", 0644, 0, 0)
	require.NoError(t, err)

	require.NoError(t, fs.Unmount(ctx))

	fs2, err := Mount(ctx, dev, DefaultOptions(), nil)
	require.NoError(t, err)

	root2, err := fs2.GetInode(ctx, RootDirInode)
	require.NoError(t, err)
	_, err = fs2.Lookup(ctx, root2, "survives.txt")
	require.NoError(t, err)
}
