package metaindex

// Position is the running (index_block, offset_in_block, data_block) triple
// IndexFiller advances as it walks a file's block list. IndexBlock and
// OffsetInBlock describe a Cursor into the metadata stream; DataBlock is the
// absolute on-disk byte offset reached so far.
type Position struct {
	IndexBlock    int64
	OffsetInBlock int
	DataBlock     int64
}

// IndexFiller grows a Cache slot's mapping incrementally, up to a target
// coarse-index, reading block-list words through a MetadataSource.
type IndexFiller struct {
	Cache  *Cache
	Source MetadataSource

	// InodeTableStart is added to/subtracted from MetaEntry.IndexBlock to
	// convert between the slot's archive-relative storage and the absolute
	// metadata-stream cursor the MetadataSource expects.
	InodeTableStart int64

	// ScratchWords bounds how many block-list words one MetadataSource call
	// reads; larger spans are walked in multiple calls.
	ScratchWords int
}

// Fill walks coarse-index positions toward targetCoarse, starting from start
// (the file's on-inode block-list origin), using the Cache to avoid
// re-reading ranges a previous Fill call already cached. It returns the
// coarse-index actually reached and the Position at that point.
//
// If a located slot is corrupt (matches the requested range but has no
// entries), Fill returns ErrCorruptSlot immediately. If the slot table is
// exhausted, Fill does not fail: the walk simply terminates early and the
// caller proceeds from the last Position reached (degraded but correct).
func (f *IndexFiller) Fill(inode uint64, skip int, start Position, targetCoarse int64) (int64, Position, error) {
	pos := int64(0)
	cur := start

	scratch := make([]uint32, f.ScratchWords)

	for pos < targetCoarse {
		slot := f.Cache.locate(inode, pos+1, targetCoarse)
		if slot != nil {
			if slot.Entries == 0 {
				f.Cache.release(slot)
				return pos, cur, ErrCorruptSlot
			}
			j := targetCoarse
			if top := slot.Offset + int64(slot.Entries) - 1; top < j {
				j = top
			}
			e := slot.Entry[j-slot.Offset]
			cur = Position{
				IndexBlock:    e.IndexBlock + f.InodeTableStart,
				OffsetInBlock: e.OffsetInBlock,
				DataBlock:     e.DataBlock,
			}
			pos = j
		} else {
			slot = f.Cache.empty(inode, pos+1, skip)
			if slot == nil {
				// ExhaustedCache: no wait-queue, degrade to the caller's
				// current Position.
				break
			}
		}

		if err := f.extend(slot, skip, targetCoarse, &pos, &cur, scratch); err != nil {
			f.Cache.release(slot)
			return pos, cur, err
		}
		f.Cache.release(slot)
	}

	return pos, cur, nil
}

// extend appends entries to slot, advancing the running triple by
// skip*IndexesPerEntry datablocks per entry, from slot's current Entries
// count up to targetCoarse (bounded by the slot's capacity).
func (f *IndexFiller) extend(slot *MetaSlot, skip int, targetCoarse int64, pos *int64, cur *Position, scratch []uint32) error {
	limit := slot.Offset + EntriesPerSlot - 1
	for i := slot.Offset + int64(slot.Entries); i <= targetCoarse && i <= limit; i++ {
		remaining := skip * IndexesPerEntry
		for remaining > 0 {
			n := remaining
			if n > f.ScratchWords {
				n = f.ScratchWords
			}
			next, span, err := readBlockIndexes(f.Source, Cursor{Block: cur.IndexBlock, Offset: cur.OffsetInBlock}, n, scratch)
			if err != nil {
				return err
			}
			cur.IndexBlock = next.Block
			cur.OffsetInBlock = next.Offset
			cur.DataBlock += span
			remaining -= n
		}
		slot.Entry[i-slot.Offset] = MetaEntry{
			IndexBlock:    cur.IndexBlock - f.InodeTableStart,
			OffsetInBlock: cur.OffsetInBlock,
			DataBlock:     cur.DataBlock,
		}
		slot.Entries++
		*pos = i
	}
	return nil
}
