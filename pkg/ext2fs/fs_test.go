package ext2fs

import (
	"context"
	"sync"

	"github.com/vorteil/ext2fs/pkg/ext2fs/bcache"
)

// memDevice is an in-memory bcache.Device backed by a growable byte slice,
// used throughout this package's tests in place of a real block device.
type memDevice struct {
	mu   sync.Mutex
	data []byte
}

func newMemDevice(size int64) *memDevice {
	return &memDevice{data: make([]byte, size)}
}

func (d *memDevice) ReadAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if off >= int64(len(d.data)) {
		return 0, nil
	}
	n := copy(p, d.data[off:])
	return n, nil
}

func (d *memDevice) WriteAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	need := off + int64(len(p))
	if need > int64(len(d.data)) {
		grown := make([]byte, need)
		copy(grown, d.data)
		d.data = grown
	}
	n := copy(d.data[off:], p)
	return n, nil
}

const testVolumeSize = 16 * 1024 * 1024

// mountFreshVolume formats and mounts a small in-memory volume for tests.
func mountFreshVolume() (*FileSystem, error) {
	ctx := context.Background()
	dev := newMemDevice(testVolumeSize)

	if err := Mkfs(ctx, dev, MkfsOptions{TotalBytes: testVolumeSize, VolumeName: "test"}); err != nil {
		return nil, err
	}
	return Mount(ctx, dev, DefaultOptions(), nil)
}
