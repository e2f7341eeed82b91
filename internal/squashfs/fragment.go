package squashfs

import (
	"encoding/binary"
	"io"

	"golang.org/x/xerrors"
)

// readFragmentTable parses the on-disk fragment table: a block-pointer index
// at super.FragmentTableStart, each pointer addressing one metadata chunk of
// packed fragmentEntry structs. Mirrors the layout Writer.writeFragmentTable
// produces.
func (r *Reader) readFragmentTable() ([]fragmentEntry, error) {
	if r.super.Fragments == 0 || r.super.FragmentTableStart == noFragmentTable {
		return nil, nil
	}

	const entrySize = 16 // sizeof(fragmentEntry): int64 + uint32 + uint32
	total := int(r.super.Fragments) * entrySize
	blocks := (total + (metadataBlockSize - 1)) / metadataBlockSize

	ptrs := make([]uint64, blocks)
	ptrBuf := io.NewSectionReader(r.r, r.super.FragmentTableStart, int64(blocks)*8)
	if err := binary.Read(ptrBuf, binary.LittleEndian, ptrs); err != nil {
		return nil, err
	}

	entries := make([]fragmentEntry, 0, r.super.Fragments)
	remaining := total
	for _, ptr := range ptrs {
		br, err := r.blockReader(int64(ptr), 0)
		if err != nil {
			return nil, err
		}
		take := remaining
		if take > metadataBlockSize {
			take = metadataBlockSize
		}
		chunk := make([]byte, take)
		if _, err := io.ReadFull(br, chunk); err != nil {
			return nil, err
		}
		for off := 0; off+entrySize <= len(chunk); off += entrySize {
			entries = append(entries, fragmentEntry{
				StartBlock: int64(binary.LittleEndian.Uint64(chunk[off:])),
				Size:       binary.LittleEndian.Uint32(chunk[off+8:]),
				Unused:     binary.LittleEndian.Uint32(chunk[off+12:]),
			})
		}
		remaining -= take
	}
	return entries, nil
}

// fragments returns the parsed fragment table, reading and caching it on
// first use.
func (r *Reader) fragments() ([]fragmentEntry, error) {
	r.fragOnce.Do(func() {
		r.fragEntries, r.fragErr = r.readFragmentTable()
	})
	return r.fragEntries, r.fragErr
}

// fragmentLocation resolves a fragment index to its block's absolute on-disk
// offset and raw block-list word (on-disk length plus the literal-storage
// flag, see writeCompressedBlock).
func (r *Reader) fragmentLocation(index uint32) (int64, uint32, error) {
	entries, err := r.fragments()
	if err != nil {
		return 0, 0, err
	}
	if int(index) >= len(entries) {
		return 0, 0, xerrors.Errorf("fragment index %d out of range (table has %d entries)", index, len(entries))
	}
	e := entries[index]
	return e.StartBlock, e.Size, nil
}
