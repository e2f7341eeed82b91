package metaindex

// FileInfo carries the per-file facts BlockLocator needs: identity, size
// (to derive Skip), and the block-list's origin in the metadata stream.
type FileInfo struct {
	InodeNumber    uint64
	Size           int64
	BlockListStart Cursor
	StartBlock     int64 // absolute on-disk offset of the file's first data block
}

// BlockLocator is the public entry point into the meta-index: given a file
// and a logical datablock index, it returns that datablock's absolute
// on-disk offset and its compressed size.
type BlockLocator struct {
	Filler    *IndexFiller
	BlockSize uint32
}

// Locate resolves logicalIndex to (dataBlockOffset, blockWord). blockWord is
// the raw on-disk block-list word — callers needing just the on-disk length
// apply CompressedSize to it; the "uncompressed" flag bit is preserved so
// the DataReader can tell a literal block from a compressed one. A blockWord
// of 0 denotes a hole. Locate never fails due to slot cache exhaustion
// (IndexFiller degrades gracefully); it only fails if the underlying
// MetadataSource reports a read failure, in which case the sentinel
// (0, 0, err) is returned for the caller (PageFiller) to interpret as an
// error-fill condition.
func (b *BlockLocator) Locate(file FileInfo, logicalIndex int64) (int64, uint32, error) {
	blocks := (file.Size + int64(b.BlockSize) - 1) / int64(b.BlockSize)
	skip := Skip(blocks)

	targetCoarse := logicalIndex / (IndexesPerEntry * int64(skip))

	start := Position{
		IndexBlock:    file.BlockListStart.Block,
		OffsetInBlock: file.BlockListStart.Offset,
		DataBlock:     file.StartBlock,
	}

	reachedCoarse, cur, err := b.Filler.Fill(file.InodeNumber, skip, start, targetCoarse)
	if err != nil {
		return 0, 0, err
	}

	remaining := logicalIndex - reachedCoarse*IndexesPerEntry*int64(skip)
	scratch := make([]uint32, b.Filler.ScratchWords)
	for remaining > 0 {
		n := remaining
		if n > int64(b.Filler.ScratchWords) {
			n = int64(b.Filler.ScratchWords)
		}
		next, span, err := readBlockIndexes(b.Filler.Source, Cursor{Block: cur.IndexBlock, Offset: cur.OffsetInBlock}, int(n), scratch)
		if err != nil {
			return 0, 0, err
		}
		cur.IndexBlock = next.Block
		cur.OffsetInBlock = next.Offset
		cur.DataBlock += span
		remaining -= n
	}

	word := scratch[:1]
	if _, err := b.Filler.Source.ReadBlockIndexes(Cursor{Block: cur.IndexBlock, Offset: cur.OffsetInBlock}, word); err != nil {
		return 0, 0, err
	}

	return cur.DataBlock, word[0], nil
}
