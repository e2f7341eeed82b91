package metaindex

// Skip derives the per-file cache granularity from the number of datablocks
// the file occupies: the factor is chosen so a single full slot covers the
// entire file when possible, but never so large that one hop's metadata-block
// traversal would exceed CachedMetadataBlocks.
func Skip(blocks int64) int {
	if blocks < 1 {
		blocks = 1
	}
	skip := int((blocks-1)/((EntriesPerSlot+1)*IndexesPerEntry)) + 1
	if skip > CachedMetadataBlocks-1 {
		skip = CachedMetadataBlocks - 1
	}
	return skip
}
