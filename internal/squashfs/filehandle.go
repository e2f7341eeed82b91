package squashfs

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/distr1/squashfs-core/internal/metaindex"
	"github.com/distr1/squashfs-core/internal/pagecache"
	"github.com/distr1/squashfs-core/internal/pagefill"
)

// indexPipeline is the per-archive meta-index and page-fill machinery: one
// shared slot cache, filler and locator for every open file, plus one
// fragment cache for tail-packed file ends. Built lazily on first use and
// reused for the Reader's lifetime.
type indexPipeline struct {
	locator   *metaindex.BlockLocator
	filler    *pagefill.Filler
	fragments *pagefill.FragmentCache
}

func (r *Reader) pipeline() *indexPipeline {
	r.pipelineOnce.Do(func() {
		cache := &metaindex.Cache{}
		indexFiller := &metaindex.IndexFiller{
			Cache:           cache,
			Source:          r,
			InodeTableStart: r.super.InodeTableStart,
			ScratchWords:    metaindex.EntriesPerSlot * metaindex.IndexesPerEntry,
		}
		locator := &metaindex.BlockLocator{Filler: indexFiller, BlockSize: r.super.BlockSize}
		fragments := pagefill.NewFragmentCache(r.super.BlockSize)
		filler := pagefill.NewFiller(locator, r, fragments, r.super.BlockSize, uint(r.super.BlockLog))
		r.pipelineValue = &indexPipeline{locator: locator, filler: filler, fragments: fragments}
	})
	return r.pipelineValue
}

// File is an open regular file backed by the page-fill pipeline: reads are
// served by filling one 4096-byte page at a time through FillPages rather
// than by a flat SectionReader, exercising decompression, fragment lookup
// and hole handling exactly as a mounted filesystem would.
type File struct {
	fh   *pagefill.FileHandle
	p    *indexPipeline
	size int64
}

// OpenFile resolves inode (which must name a regular file) into a File ready
// for paged reads.
func (r *Reader) OpenFile(inode Inode) (*File, error) {
	i, err := r.readInode(inode)
	if err != nil {
		return nil, err
	}

	blockoffset, offset := r.inode(inode)
	headerCursor := metaindex.Cursor{Block: r.super.InodeTableStart + blockoffset, Offset: int(offset)}

	var (
		fi         metaindex.FileInfo
		fragBlock  int64 = pagefill.NoFragment
		fragSize   uint32
		fragOffset uint32
	)

	switch x := i.(type) {
	case regInodeHeader:
		fi.Size = int64(x.FileSize)
		fi.StartBlock = int64(x.StartBlock)
		fi.InodeNumber = uint64(x.InodeNumber)
		_, next, err := r.advanceMetadata(headerCursor, binary.Size(x))
		if err != nil {
			return nil, err
		}
		fi.BlockListStart = next
		if x.Fragment != invalidFragment {
			off, word, err := r.fragmentLocation(x.Fragment)
			if err != nil {
				return nil, err
			}
			fragBlock, fragSize, fragOffset = off, word, x.Offset
		}

	case lregInodeHeader:
		fi.Size = int64(x.FileSize)
		fi.StartBlock = int64(x.StartBlock)
		fi.InodeNumber = uint64(x.InodeNumber)
		_, next, err := r.advanceMetadata(headerCursor, binary.Size(x))
		if err != nil {
			return nil, err
		}
		fi.BlockListStart = next
		if x.Fragment != invalidFragment {
			off, word, err := r.fragmentLocation(x.Fragment)
			if err != nil {
				return nil, err
			}
			fragBlock, fragSize, fragOffset = off, word, x.Offset
		}

	default:
		return nil, fmt.Errorf("BUG: non-file inode type %T", i)
	}

	p := r.pipeline()
	fh := &pagefill.FileHandle{
		Inode:          fi,
		FragmentBlock:  fragBlock,
		FragmentSize:   fragSize,
		FragmentOffset: fragOffset,
		Pages:          pagecache.New(),
	}
	return &File{fh: fh, p: p, size: fi.Size}, nil
}

// Size returns the file's uncompressed byte size.
func (f *File) Size() int64 { return f.size }

// ReadAt reads len(p) bytes starting at off, filling and assembling whole
// pages through the page-fill pipeline.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	if off >= f.size {
		return 0, io.EOF
	}
	end := off + int64(len(p))
	if end > f.size {
		end = f.size
	}

	n := 0
	for cur := off; cur < end; {
		pageIdx := cur / pagecache.PageSize
		pageStart := pageIdx * pagecache.PageSize
		pageOff := int(cur - pageStart)

		page := f.fh.Pages.AcquireBlocking(pageIdx)
		if !page.Uptodate() {
			f.p.filler.FillPages(f.fh, pageIdx, page) // unlocks page
			page = f.fh.Pages.AcquireBlocking(pageIdx)
		}

		data := page.Data()
		take := len(data) - pageOff
		if remaining := int(end - cur); take > remaining {
			take = remaining
		}
		copy(p[n:], data[pageOff:pageOff+take])
		page.Unlock()
		f.fh.Pages.Release(page)

		n += take
		cur += int64(take)
	}

	var err error
	if int64(n) < int64(len(p)) {
		err = io.EOF
	}
	return n, err
}
