package pagefill

import "sync"

// fragmentCacheSlots is the number of fragment blocks kept decompressed at
// once. Grounded on the MJKWoolnough/squashfs blockCache pattern (a small,
// fixed, round-robin-replaced array), adapted from plain replacement to
// reference counting: a pinned fragment must survive until every page-fill
// reading out of it has released it.
const fragmentCacheSlots = 3

// FragEntry is one decompressed fragment block, pinned in the cache while
// refs > 0.
type FragEntry struct {
	block int64
	data  []byte // always blockSize bytes of backing capacity; see size
	size  int    // valid prefix of data for the current block
	err   bool
	refs  int
}

// Data returns the fragment block's decompressed bytes.
func (e *FragEntry) Data() []byte { return e.data[:e.size] }

// Errored reports whether decompressing this fragment block failed.
func (e *FragEntry) Errored() bool { return e.err }

// FragmentCache caches decompressed fragment blocks, keyed by their absolute
// on-disk offset.
type FragmentCache struct {
	mu        sync.Mutex
	blockSize uint32
	entries   [fragmentCacheSlots]FragEntry
	next      int
}

// NewFragmentCache returns a fragment cache sized for data blocks of
// blockSize bytes (a fragment block's decompressed size never exceeds one
// data block).
func NewFragmentCache(blockSize uint32) *FragmentCache {
	return &FragmentCache{blockSize: blockSize}
}

// Get returns the decompressed fragment block at the given absolute offset,
// pinning it (incrementing its reference count). Only an entry that some
// caller still pins is shared; otherwise Get reads and decompresses the
// block again via reader, even if an unpinned slot still holds it, reusing
// the first unpinned slot in round-robin order. Get returns ErrFragmentError if every
// slot is currently pinned by some other caller.
func (c *FragmentCache) Get(offset int64, compressedSize uint32, reader DataReader) (*FragEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.entries {
		e := &c.entries[i]
		if e.refs > 0 && e.block == offset {
			e.refs++
			return e, nil
		}
	}

	for probe := 0; probe < fragmentCacheSlots; probe++ {
		idx := c.next
		c.next = (c.next + 1) % fragmentCacheSlots
		e := &c.entries[idx]
		if e.refs > 0 {
			continue
		}
		if e.data == nil {
			e.data = make([]byte, c.blockSize)
		}
		// Always hand the reader the full-capacity buffer: a shorter slice
		// left over from a previous, smaller fragment would truncate this
		// one's decompression (io.ReadFull stops at len(dest)).
		n, err := reader.ReadDataBlock(offset, compressedSize, e.data[:cap(e.data)])
		e.block = offset
		e.err = err != nil || n == 0
		e.size = n
		e.refs = 1
		return e, nil
	}

	return nil, ErrFragmentError
}

// Release drops a reference to e acquired via Get.
func (c *FragmentCache) Release(e *FragEntry) {
	c.mu.Lock()
	if e.refs > 0 {
		e.refs--
	}
	c.mu.Unlock()
}
