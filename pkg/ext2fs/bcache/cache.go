// Package bcache implements the buffered block-cache collaborator that the
// ext2 core reads and writes through. The core treats the real page/buffer
// cache as an external collaborator (see the filesystem's design notes); this
// package is the minimal concrete stand-in that makes the core runnable and
// testable without a host kernel underneath it.
package bcache

import (
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"
)

// Device is the randomly-addressable backing store a Cache reads and writes
// blocks through -- typically a file opened on the raw volume.
type Device interface {
	io.ReaderAt
	io.WriterAt
}

// Buffer is a single cached block. Mutations to Data must be followed by
// MarkDirty so that Sync knows to flush the buffer back to the device.
type Buffer struct {
	block int64
	data  []byte

	mu    sync.Mutex
	dirty bool
	cache *Cache
}

// Block returns the block number this buffer caches.
func (b *Buffer) Block() int64 { return b.block }

// Data returns the buffer's backing slice. Callers may read and write it
// directly; writers must call MarkDirty afterwards.
func (b *Buffer) Data() []byte { return b.data }

// MarkDirty flags the buffer so a future Sync/Flush writes it back.
func (b *Buffer) MarkDirty() {
	b.mu.Lock()
	b.dirty = true
	b.mu.Unlock()
}

// IsDirty reports whether the buffer has unflushed writes.
func (b *Buffer) IsDirty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dirty
}

func (b *Buffer) flushLocked() error {
	if !b.dirty {
		return nil
	}
	off := b.block * int64(b.cache.blockSize)
	if _, err := b.cache.dev.WriteAt(b.data, off); err != nil {
		return errors.Wrapf(err, "flushing block %d", b.block)
	}
	b.dirty = false
	return nil
}

// Cache is a fixed-block-size buffer cache over a Device. It is safe for
// concurrent use: each Buffer is independently locked by the caller's
// discipline (the core's lock hierarchy governs ordering), while the cache's
// own map is guarded by an internal mutex.
type Cache struct {
	dev       Device
	blockSize int

	mu  sync.Mutex
	buf map[int64]*Buffer

	// Synchronous makes ZeroBlock write each zeroed block to the device
	// before it returns. Buffers changed through MarkDirty are not flushed
	// early; they reach the device on Sync or Flush.
	Synchronous bool
}

// New creates a Cache backed by dev, caching blocks of blockSize bytes.
func New(dev Device, blockSize int) *Cache {
	return &Cache{
		dev:       dev,
		blockSize: blockSize,
		buf:       make(map[int64]*Buffer),
	}
}

// BlockSize returns the cache's fixed block size in bytes.
func (c *Cache) BlockSize() int { return c.blockSize }

// GetBlock returns the cached Buffer for block, reading it from the device
// on first access. The returned buffer is shared by all callers asking for
// the same block number -- callers must coordinate concurrent mutation
// through the core's own lock hierarchy.
func (c *Cache) GetBlock(ctx context.Context, block int64) (*Buffer, error) {

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if b, ok := c.buf[block]; ok {
		c.mu.Unlock()
		return b, nil
	}
	c.mu.Unlock()

	data := make([]byte, c.blockSize)
	off := block * int64(c.blockSize)
	if _, err := c.dev.ReadAt(data, off); err != nil && err != io.EOF {
		return nil, errors.Wrapf(err, "reading block %d", block)
	}

	b := &Buffer{block: block, data: data, cache: c}

	c.mu.Lock()
	if existing, ok := c.buf[block]; ok {
		c.mu.Unlock()
		return existing, nil
	}
	c.buf[block] = b
	c.mu.Unlock()

	return b, nil
}

// ZeroBlock returns a freshly zeroed buffer for block without reading the
// device, and marks it dirty -- used when splicing a brand-new indirect
// block or inode-table block onto the tree.
func (c *Cache) ZeroBlock(ctx context.Context, block int64) (*Buffer, error) {
	b, err := c.GetBlock(ctx, block)
	if err != nil {
		return nil, err
	}
	for i := range b.data {
		b.data[i] = 0
	}
	b.MarkDirty()
	if c.Synchronous {
		return b, c.Flush(ctx, b)
	}
	return b, nil
}

// Flush writes a single buffer back to the device if dirty.
func (c *Cache) Flush(ctx context.Context, b *Buffer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushLocked()
}

// Sync flushes every dirty buffer currently cached.
func (c *Cache) Sync(ctx context.Context) error {
	c.mu.Lock()
	buffers := make([]*Buffer, 0, len(c.buf))
	for _, b := range c.buf {
		buffers = append(buffers, b)
	}
	c.mu.Unlock()

	for _, b := range buffers {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.Flush(ctx, b); err != nil {
			return err
		}
	}
	return nil
}

// Forget drops a buffer from the cache without flushing it. Used on the
// error-path cleanup ladder when a newly-obtained buffer must be released
// without being written back (e.g. after a partial allocation failure).
func (c *Cache) Forget(block int64) {
	c.mu.Lock()
	delete(c.buf, block)
	c.mu.Unlock()
}
