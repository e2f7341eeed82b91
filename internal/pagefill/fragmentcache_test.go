package pagefill

import (
	"bytes"
	"testing"
)

// sizedReader is a DataReader whose blocks are keyed purely by offset and
// whose decompressed length can differ per offset, the way real fragment
// blocks of differing packed sizes do. It mimics squashfs.Reader.ReadDataBlock
// in the one respect this test cares about: it only ever fills the first
// len(dest) bytes, exactly like zlib's io.ReadFull(zr, dest) does, so a dest
// slice left over too short from a previous call would truncate it.
type sizedReader struct {
	contents map[int64][]byte
}

func (r *sizedReader) ReadDataBlock(offset int64, blockWord uint32, dest []byte) (int, error) {
	content := r.contents[offset]
	n := copy(dest, content)
	return n, nil
}

// TestGetDoesNotTruncateLargerFragmentAfterSmallerOne reproduces the slot
// reuse that internal/squashfs hits in production: several distinct
// fragment blocks cycle through the cache's fixed slots, and a slot last
// populated by a small fragment must not hand back a too-short buffer when
// it is later reused for a larger one.
func TestGetDoesNotTruncateLargerFragmentAfterSmallerOne(t *testing.T) {
	const blockSize = 4096
	reader := &sizedReader{contents: map[int64][]byte{
		0:    bytes.Repeat([]byte{0x01}, 10), // smallest, populates slot 0 first
		4096: bytes.Repeat([]byte{0x02}, 20),
		8192: bytes.Repeat([]byte{0x03}, 30),
		// Cache has fragmentCacheSlots==3 slots; this fourth, larger fragment
		// forces round-robin reuse of slot 0, which was last sized to 10 bytes.
		12288: bytes.Repeat([]byte{0x04}, 3000),
	}}
	c := NewFragmentCache(blockSize)

	for _, offset := range []int64{0, 4096, 8192} {
		e, err := c.Get(offset, uint32(len(reader.contents[offset]))|(1<<24), reader)
		if err != nil {
			t.Fatalf("Get(%d): %v", offset, err)
		}
		if !bytes.Equal(e.Data(), reader.contents[offset]) {
			t.Fatalf("Get(%d) = %x, want %x", offset, e.Data(), reader.contents[offset])
		}
		c.Release(e)
	}

	e, err := c.Get(12288, uint32(len(reader.contents[12288]))|(1<<24), reader)
	if err != nil {
		t.Fatalf("Get(12288): %v", err)
	}
	defer c.Release(e)
	if len(e.Data()) != 3000 {
		t.Fatalf("Get(12288): len(Data()) = %d, want 3000 (truncated to an earlier, smaller fragment's size)", len(e.Data()))
	}
	if !bytes.Equal(e.Data(), reader.contents[12288]) {
		t.Fatal("Get(12288): contents mismatch after reusing a slot last sized for a smaller fragment")
	}
}

// TestGetReusesPinnedEntryForSameOffset exercises the existing fast path
// (matching offset while still pinned) alongside the slot-reuse path above,
// so both branches of Get's slot scan are covered by one file.
func TestGetReusesPinnedEntryForSameOffset(t *testing.T) {
	reader := &sizedReader{contents: map[int64][]byte{0: bytes.Repeat([]byte{0x42}, 100)}}
	c := NewFragmentCache(4096)

	e1, err := c.Get(0, 100|(1<<24), reader)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	e2, err := c.Get(0, 100|(1<<24), reader)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if e1 != e2 {
		t.Fatal("second Get for the same still-pinned offset returned a different entry")
	}
	c.Release(e1)
	c.Release(e2)
}
