package pagefill

import (
	"bytes"
	"testing"

	"github.com/distr1/squashfs-core/internal/metaindex"
	"github.com/distr1/squashfs-core/internal/pagecache"
)

// fakeSource is a metaindex.MetadataSource backed by an in-memory block-list:
// one uint32 word per logical datablock, no real metadata-block boundaries.
type fakeSource struct {
	words []uint32
}

func (s *fakeSource) ReadBlockIndexes(cursor metaindex.Cursor, words []uint32) (metaindex.Cursor, error) {
	for i := range words {
		words[i] = s.words[cursor.Block+int64(i)]
	}
	return metaindex.Cursor{Block: cursor.Block + int64(len(words))}, nil
}

// fakeData is a DataReader over an in-memory map of offset -> plaintext
// contents; ReadDataBlock "decompresses" by simply copying (blockWord's low
// bits give the length, mirroring a literally-stored block).
type fakeData struct {
	blocks map[int64][]byte
	fail   map[int64]bool
}

func (d *fakeData) ReadDataBlock(offset int64, blockWord uint32, dest []byte) (int, error) {
	if d.fail[offset] {
		return 0, ErrReadFailure
	}
	content := d.blocks[offset]
	n := copy(dest, content)
	return n, nil
}

func setup(t *testing.T, blockSize uint32, blockLog uint, blockContents [][]byte) (*Filler, *FileHandle, *fakeData) {
	t.Helper()

	words := make([]uint32, len(blockContents))
	data := &fakeData{blocks: make(map[int64][]byte), fail: make(map[int64]bool)}
	var offset int64
	var size int64
	for i, c := range blockContents {
		words[i] = uint32(len(c)) | (1 << 24) // literal, so fakeData's plain copy matches
		data.blocks[offset] = c
		size += int64(len(c))
		offset += int64(blockSize) // fixed stride: matches Locate's offsets while every block is exactly blockSize long
	}

	cache := &metaindex.Cache{}
	indexFiller := &metaindex.IndexFiller{
		Cache:           cache,
		Source:          &fakeSource{words: words},
		InodeTableStart: 0,
		ScratchWords:    metaindex.EntriesPerSlot * metaindex.IndexesPerEntry,
	}
	locator := &metaindex.BlockLocator{Filler: indexFiller, BlockSize: blockSize}
	fragments := NewFragmentCache(blockSize)
	filler := NewFiller(locator, data, fragments, blockSize, blockLog)

	fh := &FileHandle{
		Inode: metaindex.FileInfo{
			InodeNumber: 1,
			Size:        size,
			StartBlock:  0,
		},
		FragmentBlock: NoFragment,
		Pages:         pagecache.New(),
	}
	return filler, fh, data
}

func TestFillPagesWholeDataBlock(t *testing.T) {
	const blockSize = 4096
	content := bytes.Repeat([]byte{0xAB}, blockSize)
	filler, fh, _ := setup(t, blockSize, 12, [][]byte{content})

	page := fh.Pages.AcquireBlocking(0)
	filler.FillPages(fh, 0, page)

	page = fh.Pages.AcquireBlocking(0)
	defer page.Unlock()
	if !page.Uptodate() {
		t.Fatal("page not marked uptodate")
	}
	if !bytes.Equal(page.Data(), content) {
		t.Fatal("page contents do not match the data block")
	}
}

func TestFillPagesPartialLastBlockZeroPads(t *testing.T) {
	const blockSize = 4096
	content := bytes.Repeat([]byte{0x42}, 100) // file ends mid-block
	filler, fh, _ := setup(t, blockSize, 12, [][]byte{content})
	fh.Inode.Size = 100 // override: the single block is only partly valid

	page := fh.Pages.AcquireBlocking(0)
	filler.FillPages(fh, 0, page)

	page = fh.Pages.AcquireBlocking(0)
	defer page.Unlock()
	want := append(append([]byte{}, content...), make([]byte, pagecache.PageSize-len(content))...)
	if !bytes.Equal(page.Data(), want) {
		t.Fatal("tail of page past EOF was not zero-padded")
	}
}

func TestFillPagesPastEOFZeroesAndMarksUptodate(t *testing.T) {
	const blockSize = 4096
	content := bytes.Repeat([]byte{0x11}, blockSize)
	filler, fh, _ := setup(t, blockSize, 12, [][]byte{content})

	page := fh.Pages.AcquireBlocking(1) // file is only one block (one page) long
	filler.FillPages(fh, 1, page)

	page = fh.Pages.AcquireBlocking(1)
	defer page.Unlock()
	if !page.Uptodate() {
		t.Fatal("past-EOF page must still be marked uptodate")
	}
	for _, b := range page.Data() {
		if b != 0 {
			t.Fatal("past-EOF page must read as zero")
		}
	}
}

func TestFillPagesHoleZeroFills(t *testing.T) {
	const blockSize = 4096

	// A block-list word of 0 denotes a hole: wire a MetadataSource that
	// reports one, and a DataReader holding no blocks, so that calling it
	// would fail the read and mark the page errored, which the test checks:
	// a hole must be zero-filled without touching read_data.
	cache := &metaindex.Cache{}
	indexFiller := &metaindex.IndexFiller{
		Cache:        cache,
		Source:       &fakeSource{words: []uint32{0}},
		ScratchWords: metaindex.EntriesPerSlot * metaindex.IndexesPerEntry,
	}
	locator := &metaindex.BlockLocator{Filler: indexFiller, BlockSize: blockSize}
	fragments := NewFragmentCache(blockSize)
	data := &fakeData{blocks: map[int64][]byte{}, fail: map[int64]bool{}}
	f := NewFiller(locator, data, fragments, blockSize, 12)

	fh := &FileHandle{
		Inode:         metaindex.FileInfo{InodeNumber: 1, Size: blockSize},
		FragmentBlock: NoFragment,
		Pages:         pagecache.New(),
	}

	page := fh.Pages.AcquireBlocking(0)
	f.FillPages(fh, 0, page)

	page = fh.Pages.AcquireBlocking(0)
	defer page.Unlock()
	if !page.Uptodate() {
		t.Fatal("hole page must be marked uptodate")
	}
	if page.Errored() {
		t.Fatal("hole page marked errored: ReadDataBlock was called for a hole")
	}
	for _, b := range page.Data() {
		if b != 0 {
			t.Fatal("hole page must read as zero without ever calling ReadDataBlock")
		}
	}
}

func TestFillPagesFragmentTail(t *testing.T) {
	const blockSize = 4096
	filler, fh, data := setup(t, blockSize, 12, [][]byte{})

	tail := bytes.Repeat([]byte{0x77}, 50)
	const fragOffset = 4096 * 3 // arbitrary fragment-block location
	data.blocks[fragOffset] = append(bytes.Repeat([]byte{0}, 10), tail...)
	fh.Inode.Size = 50
	fh.Inode.StartBlock = 0
	fh.FragmentBlock = fragOffset
	fh.FragmentSize = uint32(len(data.blocks[fragOffset])) | (1 << 24)
	fh.FragmentOffset = 10

	page := fh.Pages.AcquireBlocking(0)
	filler.FillPages(fh, 0, page)

	page = fh.Pages.AcquireBlocking(0)
	defer page.Unlock()
	if !page.Uptodate() {
		t.Fatal("fragment-tail page must be marked uptodate")
	}
	if !bytes.Equal(page.Data()[:50], tail) {
		t.Fatal("fragment-tail contents mismatch")
	}
	for _, b := range page.Data()[50:] {
		if b != 0 {
			t.Fatal("bytes past file size within the page must be zero")
		}
	}
}

func TestFillPagesReadFailureZeroesAndMarksError(t *testing.T) {
	const blockSize = 4096
	content := bytes.Repeat([]byte{0x99}, blockSize)
	filler, fh, data := setup(t, blockSize, 12, [][]byte{content})
	data.fail[0] = true

	page := fh.Pages.AcquireBlocking(0)
	filler.FillPages(fh, 0, page)

	page = fh.Pages.AcquireBlocking(0)
	defer page.Unlock()
	if !page.Uptodate() {
		t.Fatal("even a failed fill must end up marked uptodate so the host does not retry forever")
	}
	if !page.Errored() {
		t.Fatal("Errored() = false, want true after a failed read_data")
	}
	for _, b := range page.Data() {
		if b != 0 {
			t.Fatal("failed fill must zero the page")
		}
	}
}
