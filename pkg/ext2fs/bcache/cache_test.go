package bcache

import (
	"context"
	"testing"
)

type memDevice struct {
	data []byte
}

func (d *memDevice) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(d.data)) {
		return 0, nil
	}
	return copy(p, d.data[off:]), nil
}

func (d *memDevice) WriteAt(p []byte, off int64) (int, error) {
	need := off + int64(len(p))
	if need > int64(len(d.data)) {
		grown := make([]byte, need)
		copy(grown, d.data)
		d.data = grown
	}
	return copy(d.data[off:], p), nil
}

func TestGetBlockSharedInstance(t *testing.T) {
	ctx := context.Background()
	dev := &memDevice{data: make([]byte, 4096)}
	c := New(dev, 1024)

	b1, err := c.GetBlock(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	b2, err := c.GetBlock(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if b1 != b2 {
		t.Errorf("GetBlock should return the same *Buffer for repeated calls on one block")
	}
}

func TestFlushWritesThroughToDevice(t *testing.T) {
	ctx := context.Background()
	dev := &memDevice{data: make([]byte, 4096)}
	c := New(dev, 1024)

	b, err := c.GetBlock(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	copy(b.Data(), []byte("hello world"))
	b.MarkDirty()

	if err := c.Flush(ctx, b); err != nil {
		t.Fatal(err)
	}
	if string(dev.data[2*1024:2*1024+11]) != "hello world" {
		t.Errorf("Flush did not write block contents through to the device")
	}
	if b.IsDirty() {
		t.Errorf("buffer should not be dirty after a successful flush")
	}
}

func TestSyncFlushesAllDirtyBuffers(t *testing.T) {
	ctx := context.Background()
	dev := &memDevice{data: make([]byte, 8192)}
	c := New(dev, 1024)

	for i := int64(0); i < 4; i++ {
		b, err := c.ZeroBlock(ctx, i)
		if err != nil {
			t.Fatal(err)
		}
		b.Data()[0] = byte(i + 1)
		b.MarkDirty()
	}

	if err := c.Sync(ctx); err != nil {
		t.Fatal(err)
	}
	for i := int64(0); i < 4; i++ {
		if dev.data[i*1024] != byte(i+1) {
			t.Errorf("block %d not flushed by Sync", i)
		}
	}
}

func TestForgetDropsWithoutFlushing(t *testing.T) {
	ctx := context.Background()
	dev := &memDevice{data: make([]byte, 4096)}
	c := New(dev, 1024)

	b, err := c.GetBlock(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	b.Data()[0] = 0xFF
	b.MarkDirty()
	c.Forget(0)

	if dev.data[0] == 0xFF {
		t.Errorf("Forget should not have flushed the dirty buffer")
	}

	b2, err := c.GetBlock(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if b2 == b {
		t.Errorf("GetBlock after Forget should return a fresh buffer")
	}
}
