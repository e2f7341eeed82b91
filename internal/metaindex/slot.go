// Package metaindex implements the block-list index cache (the meta-index):
// a fixed-size, slot-based cache of per-file logical-block-index to
// on-disk-offset mappings, populated incrementally from a compressed
// metadata stream.
//
// The cache trades a small, bounded amount of memory for avoiding a full
// rescan of a file's block list on every random-access read. It is the core
// collaborator behind BlockLocator, which PageFiller (see
// github.com/distr1/squashfs-core/internal/pagefill) calls for every page it
// fills.
package metaindex

import "sync"

// Cache geometry constants, fixed for the lifetime of a mounted archive.
const (
	// EntriesPerSlot is the number of MetaEntry records held by one slot.
	EntriesPerSlot = 127

	// IndexesPerEntry is the number of logical datablocks one MetaEntry
	// advances over (before multiplying by Skip).
	IndexesPerEntry = 16

	// SlotCount is the number of MetaSlots in the archive-instance cache.
	SlotCount = 8

	// CachedMetadataBlocks bounds the Skip factor (see skip.go).
	CachedMetadataBlocks = 8
)

// MetaEntry caches one coarse-index's mapping: the position of the metadata
// block holding the block-list cursor at this point, and the absolute
// on-disk byte offset of the corresponding data block.
type MetaEntry struct {
	IndexBlock    int64 // relative to InodeTableStart
	OffsetInBlock int
	DataBlock     int64
}

// MetaSlot caches a strictly increasing, contiguous run of MetaEntry values
// for exactly one file.
type MetaSlot struct {
	InodeNumber uint64 // 0 means unused
	Offset      int64  // coarse-index of Entry[0]
	Skip        int    // skip factor active when this slot was allocated
	Entries     int    // number of valid entries, 0..EntriesPerSlot
	Locked      bool

	Entry [EntriesPerSlot]MetaEntry
}

// Cache is the archive-instance state: the slot table plus the mutex
// guarding it (the scratch-page lock lives in pagefill.Filler instead). One
// Cache is constructed per
// mounted archive; it is never a package-level singleton.
type Cache struct {
	mu sync.Mutex

	// slots is nil until the first large-file access allocates it.
	slots    []MetaSlot
	nextSlot int
}

// locate scans the slot table for a slot belonging to inode whose Offset
// falls in [low, high] and which is not currently locked. Among candidates,
// the one with the largest Offset is returned (closest to, but not past,
// high), and is locked before locate returns. Returns nil if the slot table
// is unallocated or no candidate exists.
func (c *Cache) locate(inode uint64, low, high int64) *MetaSlot {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.slots == nil {
		return nil
	}

	var best *MetaSlot
	for i := range c.slots {
		s := &c.slots[i]
		if s.Locked || s.InodeNumber != inode {
			continue
		}
		if s.Offset < low || s.Offset > high {
			continue
		}
		if best == nil || s.Offset > best.Offset {
			best = s
		}
	}
	if best != nil {
		best.Locked = true
	}
	return best
}

// empty allocates the slot table on first use, then probes up to SlotCount
// positions starting at nextSlot for a non-locked slot, rotating nextSlot
// past every position it visits — including when all slots are locked and
// it returns nil. This rotation-on-failure is contractual (see spec §9):
// repeated exhaustion still spreads probes evenly across the table.
func (c *Cache) empty(inode uint64, coarseOffset int64, skip int) *MetaSlot {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.slots == nil {
		c.slots = make([]MetaSlot, SlotCount)
		c.nextSlot = 0
	}

	for probe := 0; probe < SlotCount; probe++ {
		idx := c.nextSlot
		c.nextSlot = (c.nextSlot + 1) % SlotCount
		s := &c.slots[idx]
		if s.Locked {
			continue
		}
		*s = MetaSlot{
			InodeNumber: inode,
			Offset:      coarseOffset,
			Skip:        skip,
			Entries:     0,
			Locked:      true,
		}
		return s
	}
	return nil
}

// release clears Locked. Releasing c.mu already establishes the
// happens-before edge the spec calls a "full memory barrier": any goroutine
// that subsequently acquires c.mu and observes Locked == false also observes
// every entry write this filler made while it held the slot, so no separate
// fence is needed under Go's memory model.
func (c *Cache) release(s *MetaSlot) {
	c.mu.Lock()
	s.Locked = false
	c.mu.Unlock()
}
