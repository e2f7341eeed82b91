// Package pagefill implements the page-fill pipeline: given a file and a
// page index, it resolves the owning datablock (or fragment) through
// internal/metaindex, reads and decompresses it, and deposits the result
// into host-supplied page buffers.
package pagefill

import (
	"sync"

	"github.com/distr1/squashfs-core/internal/metaindex"
	"github.com/distr1/squashfs-core/internal/pagecache"
)

const pageSize = pagecache.PageSize

// pageShift is log2(pageSize), used to derive the number of pages per
// datablock from blockLog.
const pageShift = 12

// NoFragment is the sentinel FileHandle.FragmentBlock value meaning "this
// file has no fragment".
const NoFragment int64 = -1

// DataReader is the read_data collaborator: it reads one data (or fragment)
// block at an absolute offset, decompresses it into dest and returns the
// decompressed byte count. blockWord is the raw block-list word as returned
// by metaindex.BlockLocator.Locate: the low 24 bits give the on-disk length,
// bit 24 marks the block as stored literally (uncompressed) rather than
// compressed. A zero blockWord is never passed here — FillPages handles that
// as a hole before calling DataReader.
type DataReader interface {
	ReadDataBlock(offset int64, blockWord uint32, dest []byte) (int, error)
}

// FileHandle carries everything FillPages needs about the file being read,
// beyond what metaindex.FileInfo already covers.
type FileHandle struct {
	Inode          metaindex.FileInfo
	FragmentBlock  int64 // NoFragment if the file has no fragment
	FragmentSize   uint32
	FragmentOffset uint32
	Pages          *pagecache.Cache
}

// Option configures a Filler.
type Option func(*Filler)

// WithPerRequestScratch switches the datablock decompression buffer from a
// single shared buffer (the default, guarded by scratchMu) to a fresh
// allocation per FillPages call. This trades memory for concurrency: the
// spec does not mandate sharing, and a shared buffer becomes a bottleneck
// under heavy concurrent random reads.
func WithPerRequestScratch(perRequest bool) Option {
	return func(f *Filler) { f.perRequestScratch = perRequest }
}

// Filler is the PageFiller: the single entry point wired to a host's
// page-read hook.
type Filler struct {
	Locator   *metaindex.BlockLocator
	Data      DataReader
	Fragments *FragmentCache

	blockSize uint32
	blockLog  uint

	scratchMu sync.Mutex
	scratch   []byte

	perRequestScratch bool
}

// NewFiller constructs a Filler for an archive with the given data block
// size and its log2 (blockLog).
func NewFiller(locator *metaindex.BlockLocator, data DataReader, fragments *FragmentCache, blockSize uint32, blockLog uint, opts ...Option) *Filler {
	f := &Filler{
		Locator:   locator,
		Data:      data,
		Fragments: fragments,
		blockSize: blockSize,
		blockLog:  blockLog,
		scratch:   make([]byte, blockSize),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Filler) acquireScratch() []byte {
	if f.perRequestScratch {
		return make([]byte, f.blockSize)
	}
	f.scratchMu.Lock()
	return f.scratch
}

func (f *Filler) releaseScratch() {
	if f.perRequestScratch {
		return
	}
	f.scratchMu.Unlock()
}

// errorFill zeroes target, marks it errored-then-uptodate (so the host does
// not retry indefinitely) and unlocks it. FillPages always returns success
// to its own caller; this is the graceful fallback for any internal failure.
func errorFill(target *pagecache.Page) {
	buf := target.Data()
	for i := range buf {
		buf[i] = 0
	}
	target.MarkError()
	target.MarkUptodate()
	target.Unlock()
}

func advance(b []byte, n int) []byte {
	if len(b) <= n {
		return nil
	}
	return b[n:]
}

// FillPages fills target (the host-supplied, already-locked page at
// targetPage) and, opportunistically, any sibling pages within the same
// datablock that can be acquired without blocking. It always unlocks target
// before returning.
func (f *Filler) FillPages(fh *FileHandle, targetPage int64, target *pagecache.Page) {
	fileLastPage := (fh.Inode.Size + pageSize - 1) / pageSize
	if targetPage >= fileLastPage {
		buf := target.Data()
		for i := range buf {
			buf[i] = 0
		}
		target.MarkUptodate()
		target.Unlock()
		return
	}

	shift := f.blockLog - pageShift
	datablockIndex := targetPage >> shift
	pageMask := (int64(1) << shift) - 1
	startPage := targetPage &^ pageMask
	endPage := startPage | pageMask
	fileLastDatablock := fh.Inode.Size >> f.blockLog

	useFragment := datablockIndex >= fileLastDatablock && fh.FragmentBlock != NoFragment

	var (
		dataPtr []byte
		bytes   int64
		sparse  bool
		frag    *FragEntry
		scratch []byte
	)

	if useFragment {
		var err error
		frag, err = f.Fragments.Get(fh.FragmentBlock, fh.FragmentSize, f.Data)
		if err != nil || frag.Errored() {
			if frag != nil {
				f.Fragments.Release(frag)
			}
			errorFill(target)
			return
		}
		bytes = fh.Inode.Size % int64(f.blockSize)
		if bytes == 0 {
			bytes = int64(f.blockSize)
		}
		off := int64(fh.FragmentOffset)
		if off > int64(len(frag.Data())) {
			off = int64(len(frag.Data()))
		}
		dataPtr = frag.Data()[off:]
	} else {
		dataOffset, compressedSize, err := f.Locator.Locate(fh.Inode, datablockIndex)
		if err != nil {
			errorFill(target)
			return
		}
		if compressedSize == 0 {
			// Hole: materialize zeros without touching read_data or the
			// scratch lock.
			bytes = int64(f.blockSize)
			if datablockIndex == fileLastDatablock {
				if m := fh.Inode.Size % int64(f.blockSize); m != 0 {
					bytes = m
				}
			}
			sparse = true
		} else {
			scratch = f.acquireScratch()
			n, err := f.Data.ReadDataBlock(dataOffset, compressedSize, scratch)
			if err != nil || n == 0 {
				f.releaseScratch()
				errorFill(target)
				return
			}
			bytes = int64(n)
			dataPtr = scratch[:n]
		}
	}

	for i := startPage; i <= endPage && bytes > 0; i++ {
		var avail int64
		if !sparse {
			avail = bytes
			if avail > pageSize {
				avail = pageSize
			}
		}

		page := target
		isTarget := i == targetPage
		if !isTarget {
			page = fh.Pages.Acquire(i)
			if page == nil {
				bytes -= pageSize
				dataPtr = advance(dataPtr, pageSize)
				continue
			}
		}

		if page.Uptodate() {
			page.Unlock()
			if !isTarget {
				fh.Pages.Release(page)
			}
			bytes -= pageSize
			dataPtr = advance(dataPtr, pageSize)
			continue
		}

		buf := page.Data()
		n := copy(buf, cap64(dataPtr, avail))
		for j := n; j < len(buf); j++ {
			buf[j] = 0
		}
		fh.Pages.DCacheFlush(i)
		page.MarkUptodate()
		page.Unlock()
		if !isTarget {
			fh.Pages.Release(page)
		}

		bytes -= pageSize
		dataPtr = advance(dataPtr, pageSize)
	}

	if useFragment {
		f.Fragments.Release(frag)
	} else if !sparse {
		f.releaseScratch()
	}
}

// cap64 returns b truncated to at most n bytes (n is already known to fit
// an int here: it is bounded by pageSize).
func cap64(b []byte, n int64) []byte {
	if int64(len(b)) > n {
		return b[:n]
	}
	return b
}
