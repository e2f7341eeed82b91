package metaindex

// Cursor is a position in the metadata stream: the on-disk offset of a
// metadata block plus a byte offset within its decompression.
type Cursor struct {
	Block  int64
	Offset int
}

// MetadataSource is the read_metadata collaborator: it pulls block-list
// words out of the compressed metadata stream, transparently handling
// metadata block boundaries and decompression.
type MetadataSource interface {
	// ReadBlockIndexes fills words with len(words) little-endian 32-bit
	// block-list words read starting at cursor, and returns the cursor
	// advanced past the 4*len(words) bytes consumed.
	ReadBlockIndexes(cursor Cursor, words []uint32) (Cursor, error)
}

// CompressedSize masks out the "uncompressed" flag bit (bit 24), returning
// the on-disk length of the block the word describes. A result of 0 denotes
// a hole (sparse block).
func CompressedSize(word uint32) uint32 {
	return word & 0x00FFFFFF
}

// readBlockIndexes reads n block-list words from src starting at cursor,
// using scratch as the destination buffer (len(scratch) must be >= n), and
// returns the advanced cursor plus the physical on-disk span — the sum of
// CompressedSize over the n words — those words describe.
func readBlockIndexes(src MetadataSource, cursor Cursor, n int, scratch []uint32) (Cursor, int64, error) {
	words := scratch[:n]
	next, err := src.ReadBlockIndexes(cursor, words)
	if err != nil {
		return cursor, 0, err
	}
	var span int64
	for _, w := range words {
		span += int64(CompressedSize(w))
	}
	return next, span, nil
}
