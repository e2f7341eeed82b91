package squashfs

import (
	"encoding/binary"
	"io"

	"github.com/distr1/squashfs-core/internal/metaindex"
)

// advanceMetadata reads n bytes starting at cursor, transparently crossing
// metadata block boundaries, and returns those bytes along with the cursor
// immediately following them.
//
// Unlike blockReader (which streams a whole table via io.Reader), this walks
// the on-disk metadata blocks directly so it can report the exact
// (block, offset) position callers need to resume from, matching
// IndexFiller's incremental, slot-sized reads.
func (r *Reader) advanceMetadata(cursor metaindex.Cursor, n int) ([]byte, metaindex.Cursor, error) {
	block := cursor.Block
	offset := cursor.Offset
	out := make([]byte, 0, n)

	for len(out) < n {
		var l uint16
		if err := binary.Read(io.NewSectionReader(r.r, block, 2), binary.LittleEndian, &l); err != nil {
			return nil, cursor, err
		}
		literal := l&0x8000 > 0
		size := int64(l & 0x7FFF)
		payloadOff := block + 2

		var data []byte
		if literal {
			data = make([]byte, size)
			if _, err := r.r.ReadAt(data, payloadOff); err != nil {
				return nil, cursor, err
			}
		} else {
			raw := make([]byte, size)
			if _, err := r.r.ReadAt(raw, payloadOff); err != nil {
				return nil, cursor, err
			}
			dst := make([]byte, metadataBlockSize)
			dn, err := r.compressor.Decompress(dst, raw)
			if err != nil {
				return nil, cursor, err
			}
			data = dst[:dn]
		}

		avail := data[offset:]
		take := n - len(out)
		if take > len(avail) {
			take = len(avail)
		}
		out = append(out, avail[:take]...)

		if take == len(avail) {
			block = payloadOff + size
			offset = 0
		} else {
			offset += take
		}
	}

	return out, metaindex.Cursor{Block: block, Offset: offset}, nil
}

// ReadBlockIndexes implements metaindex.MetadataSource.
func (r *Reader) ReadBlockIndexes(cursor metaindex.Cursor, words []uint32) (metaindex.Cursor, error) {
	out, next, err := r.advanceMetadata(cursor, len(words)*4)
	if err != nil {
		return cursor, err
	}
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(out[i*4:])
	}
	return next, nil
}

// ReadDataBlock implements pagefill.DataReader. blockWord carries the
// on-disk length in its low 24 bits and the literal-storage flag (bit 24,
// see writeCompressedBlock) in the bit above it.
func (r *Reader) ReadDataBlock(offset int64, blockWord uint32, dest []byte) (int, error) {
	literal := blockWord&(1<<24) != 0
	size := metaindex.CompressedSize(blockWord)
	if size == 0 {
		return 0, nil
	}

	if literal {
		n, err := r.r.ReadAt(dest[:size], offset)
		return n, err
	}

	raw := make([]byte, size)
	if _, err := r.r.ReadAt(raw, offset); err != nil {
		return 0, err
	}
	return r.compressor.Decompress(dest, raw)
}
