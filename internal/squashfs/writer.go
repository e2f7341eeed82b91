package squashfs

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

func writeIdTable(w io.WriteSeeker, ids []uint32) (start int64, err error) {
	metaOff, err := w.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, ids); err != nil {
		return 0, err
	}

	if err := binary.Write(w, binary.LittleEndian, uint16(buf.Len())|0x8000); err != nil {
		return 0, err
	}
	if _, err := io.Copy(w, &buf); err != nil {
		return 0, err
	}
	off, err := w.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	return off, binary.Write(w, binary.LittleEndian, metaOff)
}

// slog returns the log2 of block, as required by superblock.BlockLog.
func slog(block uint32) uint16 {
	for i := uint16(12); i <= 20; i++ {
		if block == (1 << i) {
			return i
		}
	}
	return 0
}

// filesystemFlags returns flags for a SquashFS file system created by this
// package. Metadata is written uncompressed (for simplicity); data blocks and
// fragments go through the Writer's configured Compressor, and fragments are
// used whenever a file's tail is shorter than one data block.
func filesystemFlags() uint16 {
	const (
		noI = 1 << iota // uncompressed metadata
		noD             // uncompressed data
		_
		noF               // uncompressed fragments
		noFrag            // never use fragments
		alwaysFrag        // always use fragments
		duplicateChecking // de-duplication
		exportable        // exportable via NFS
		noX               // uncompressed xattrs
		noXattr           // no xattrs
		compopt           // compressor-specific options present?
	)
	return noI | noX | noXattr
}

// Writer writes a SquashFS image. Create one with NewWriter, add files and
// directories under Root, then call Flush.
type Writer struct {
	// Root represents the file system root. Like all directories, Flush must be
	// called precisely once.
	Root *Directory

	xattrs   []Xattr
	xattrIds []xattrId

	w io.WriteSeeker

	compressor Compressor

	sb       superblock
	inodeBuf bytes.Buffer
	dirBuf   bytes.Buffer

	// fragBuf accumulates file tails shorter than one data block, packed
	// together into shared fragment blocks.
	fragBuf     bytes.Buffer
	fragEntries []fragmentEntry

	writeInodeNumTo map[string][]int64
}

// NewWriter returns a Writer which will write a SquashFS file system image to
// w once Flush is called, compressing data blocks with zlib.
//
// Create new files and directories with the corresponding methods on the Root
// directory of the Writer.
//
// File data is written to w even before Flush is called.
func NewWriter(w io.WriteSeeker, mkfsTime time.Time) (*Writer, error) {
	return NewWriterCompressor(w, mkfsTime, zlibCompressor{})
}

// NewWriterCompressor is like NewWriter but selects the data block compressor
// explicitly, e.g. to produce a zstd-compressed image.
func NewWriterCompressor(w io.WriteSeeker, mkfsTime time.Time, c Compressor) (*Writer, error) {
	// Skip over superblock to the data area, we come back to the superblock
	// when flushing.
	if _, err := w.Seek(96, io.SeekStart); err != nil {
		return nil, err
	}
	wr := &Writer{
		w:          w,
		compressor: c,
		sb: superblock{
			Magic:              magic,
			MkfsTime:           int32(mkfsTime.Unix()),
			BlockSize:          dataBlockSize,
			Fragments:          0,
			Compression:        c.ID(),
			BlockLog:           slog(dataBlockSize),
			Flags:              filesystemFlags(),
			NoIds:              1, // just one uid/gid mapping (for root)
			Major:              majorVersion,
			Minor:              minorVersion,
			XattrIdTableStart:  -1, // not present
			LookupTableStart:   -1, // not present
			FragmentTableStart: -1,
		},
		writeInodeNumTo: make(map[string][]int64),
	}
	wr.Root = &Directory{
		w:       wr,
		name:    "", // root
		modTime: mkfsTime,
	}
	return wr, nil
}

// Directory represents a SquashFS directory.
type Directory struct {
	w          *Writer
	name       string
	modTime    time.Time
	dirEntries []fullDirEntry
	parent     *Directory
}

func (d *Directory) path() string {
	if d.parent == nil {
		return d.name
	}
	return filepath.Join(d.parent.path(), d.name)
}

type file struct {
	w       *Writer
	d       *Directory
	off     int64
	size    uint32
	name    string
	modTime time.Time
	mode    uint16

	// buf accumulates at least dataBlockSize bytes, at which point a new block
	// is written out.
	buf bytes.Buffer

	// blocksizes stores, for each block of dataBlockSize bytes (uncompressed),
	// the encoded block-list word for that block (see the length mask in
	// metaindex.CompressedSize). A zero entry denotes a hole.
	blocksizes []uint32

	xattrRef uint32
}

// Directory creates a new directory with the specified name and modTime.
func (d *Directory) Directory(name string, modTime time.Time) *Directory {
	return &Directory{
		w:       d.w,
		name:    name,
		modTime: modTime,
		parent:  d,
	}
}

// File creates a file with the specified name, modTime and mode. The returned
// file must be closed after writing.
func (d *Directory) File(name string, modTime time.Time, mode uint16, xattrs []Xattr) (*file, error) {
	off, err := d.w.w.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, err
	}

	xattrRef := uint32(invalidXattr)
	if len(xattrs) > 0 {
		xattrRef = uint32(len(d.w.xattrs))
		d.w.xattrs = append(d.w.xattrs, xattrs[0]) // TODO: support multiple
		size := len(xattrs[0].FullName) + len(xattrs[0].Value)
		d.w.xattrIds = append(d.w.xattrIds, xattrId{
			// Xattr is populated in writeXattrTables
			Count: 1, // TODO: support multiple
			Size:  uint32(size),
		})
	}
	return &file{
		w:        d.w,
		d:        d,
		off:      off,
		name:     name,
		modTime:  modTime,
		mode:     mode,
		xattrRef: xattrRef,
	}, nil
}

// Symlink creates a symbolic link from newname to oldname with the specified
// modTime and mode.
func (d *Directory) Symlink(oldname, newname string, modTime time.Time, mode os.FileMode) error {
	startBlock := d.w.inodeBuf.Len() / metadataBlockSize
	offset := d.w.inodeBuf.Len() - startBlock*metadataBlockSize

	if err := binary.Write(&d.w.inodeBuf, binary.LittleEndian, symlinkInodeHeader{
		inodeHeader: inodeHeader{
			InodeType:   symlinkType,
			Mode:        uint16(mode),
			Uid:         0,
			Gid:         0,
			Mtime:       int32(modTime.Unix()),
			InodeNumber: d.w.sb.Inodes + 1,
		},
		Nlink:       1,
		SymlinkSize: uint32(len(oldname)),
	}); err != nil {
		return err
	}
	if _, err := d.w.inodeBuf.Write([]byte(oldname)); err != nil {
		return err
	}

	d.dirEntries = append(d.dirEntries, fullDirEntry{
		startBlock:  uint32(startBlock),
		offset:      uint16(offset),
		inodeNumber: d.w.sb.Inodes + 1,
		entryType:   symlinkType,
		name:        newname,
	})

	d.w.sb.Inodes++
	return nil
}

// Flush writes directory entries and creates inodes for the directory.
func (d *Directory) Flush() error {
	countByStartBlock := make(map[uint32]uint32)
	for _, de := range d.dirEntries {
		countByStartBlock[de.startBlock]++
	}

	dirBufStartBlock := d.w.dirBuf.Len() / metadataBlockSize
	dirBufOffset := d.w.dirBuf.Len()

	currentBlock := int64(-1)
	currentInodeOffset := int64(-1)
	var subdirs int
	for _, de := range d.dirEntries {
		if de.entryType == dirType {
			subdirs++
		}
		if int64(de.startBlock) != currentBlock {
			dh := dirHeader{
				Count:       countByStartBlock[de.startBlock] - 1,
				StartBlock:  de.startBlock * (metadataBlockSize + 2),
				InodeOffset: de.inodeNumber,
			}
			if err := binary.Write(&d.w.dirBuf, binary.LittleEndian, &dh); err != nil {
				return err
			}

			currentBlock = int64(de.startBlock)
			currentInodeOffset = int64(de.inodeNumber)
		}
		if err := binary.Write(&d.w.dirBuf, binary.LittleEndian, &dirEntry{
			Offset:      de.offset,
			InodeNumber: int16(de.inodeNumber - uint32(currentInodeOffset)),
			EntryType:   de.entryType,
			Size:        uint16(len(de.name) - 1),
		}); err != nil {
			return err
		}
		if _, err := d.w.dirBuf.Write([]byte(de.name)); err != nil {
			return err
		}
	}

	startBlock := d.w.inodeBuf.Len() / metadataBlockSize
	offset := d.w.inodeBuf.Len() - startBlock*metadataBlockSize
	inodeBufOffset := d.w.inodeBuf.Len()

	// parentInodeOffset is the offset (in bytes) of the ParentInode field
	// within a dirInodeHeader or ldirInodeHeader
	var parentInodeOffset int64

	if len(d.dirEntries) > 256 ||
		d.w.dirBuf.Len()-dirBufOffset > metadataBlockSize {
		parentInodeOffset = (2 + 2 + 2 + 2 + 4 + 4) + 4 + 4 + 4
		if err := binary.Write(&d.w.inodeBuf, binary.LittleEndian, ldirInodeHeader{
			inodeHeader: inodeHeader{
				InodeType: ldirType,
				Mode: unix.S_IRUSR | unix.S_IWUSR | unix.S_IXUSR |
					unix.S_IRGRP | unix.S_IXGRP |
					unix.S_IROTH | unix.S_IXOTH,
				Uid:         0,
				Gid:         0,
				Mtime:       int32(d.modTime.Unix()),
				InodeNumber: d.w.sb.Inodes + 1,
			},

			Nlink:       uint32(subdirs + 2 - 1), // + 2 for . and ..
			FileSize:    uint32(d.w.dirBuf.Len()-dirBufOffset) + 3,
			StartBlock:  uint32(dirBufStartBlock * (metadataBlockSize + 2)),
			ParentInode: d.w.sb.Inodes + 2, // invalid
			Icount:      0,                 // no directory index
			Offset:      uint16(dirBufOffset - dirBufStartBlock*metadataBlockSize),
			Xattr:       invalidXattr,
		}); err != nil {
			return err
		}
	} else {
		parentInodeOffset = (2 + 2 + 2 + 2 + 4 + 4) + 4 + 4 + 2 + 2
		if err := binary.Write(&d.w.inodeBuf, binary.LittleEndian, dirInodeHeader{
			inodeHeader: inodeHeader{
				InodeType: dirType,
				Mode: unix.S_IRUSR | unix.S_IWUSR | unix.S_IXUSR |
					unix.S_IRGRP | unix.S_IXGRP |
					unix.S_IROTH | unix.S_IXOTH,
				Uid:         0,
				Gid:         0,
				Mtime:       int32(d.modTime.Unix()),
				InodeNumber: d.w.sb.Inodes + 1,
			},
			StartBlock:  uint32(dirBufStartBlock * (metadataBlockSize + 2)),
			Nlink:       uint32(subdirs + 2 - 1), // + 2 for . and ..
			FileSize:    uint16(d.w.dirBuf.Len()-dirBufOffset) + 3,
			Offset:      uint16(dirBufOffset - dirBufStartBlock*metadataBlockSize),
			ParentInode: d.w.sb.Inodes + 2, // invalid
		}); err != nil {
			return err
		}
	}

	path := d.path()
	for _, offset := range d.w.writeInodeNumTo[path] {
		// Directly manipulating unread data in bytes.Buffer via Bytes(), as per
		// https://groups.google.com/d/msg/golang-nuts/1ON9XVQ1jXE/8j9RaeSYxuEJ
		b := d.w.inodeBuf.Bytes()
		binary.LittleEndian.PutUint32(b[offset:offset+4], d.w.sb.Inodes+1)
	}

	if d.parent != nil {
		parentPath := filepath.Dir(d.path())
		if parentPath == "." {
			parentPath = ""
		}
		d.w.writeInodeNumTo[parentPath] = append(d.w.writeInodeNumTo[parentPath], int64(inodeBufOffset)+parentInodeOffset)
		d.parent.dirEntries = append(d.parent.dirEntries, fullDirEntry{
			startBlock:  uint32(startBlock),
			offset:      uint16(offset),
			inodeNumber: d.w.sb.Inodes + 1,
			entryType:   dirType,
			name:        d.name,
		})
	} else { // root
		d.w.sb.RootInode = Inode((startBlock*(metadataBlockSize+2))<<16 | offset)
	}

	d.w.sb.Inodes++

	return nil
}

// Write implements io.Writer
func (f *file) Write(p []byte) (n int, err error) {
	n, err = f.buf.Write(p)
	if n > 0 {
		// Keep track of the uncompressed file size.
		f.size += uint32(n)
		for f.buf.Len() >= dataBlockSize {
			if err := f.writeBlock(dataBlockSize); err != nil {
				return 0, err
			}
		}
	}
	return n, err
}

// WriteHole appends one full data block of zero bytes to the file without
// writing anything to disk. It may only be called on a block boundary, i.e.
// directly after construction or after a prior Write/WriteHole left no
// partial block buffered.
func (f *file) WriteHole() error {
	if f.buf.Len() != 0 {
		return xerrors.New("WriteHole called with a partial block pending")
	}
	f.blocksizes = append(f.blocksizes, 0)
	f.size += dataBlockSize
	return nil
}

// writeBlock compresses and writes up to n bytes from the front of f.buf,
// shifting any remainder to the start of the buffer.
func (f *file) writeBlock(n int) error {
	if n > f.buf.Len() {
		n = f.buf.Len()
	}
	b := f.buf.Bytes()
	block := b[:n]
	rest := b[n:]

	size, err := f.w.writeCompressedBlock(block)
	if err != nil {
		return err
	}
	f.blocksizes = append(f.blocksizes, size)

	copy(b, rest)
	f.buf.Truncate(len(rest))
	return nil
}

// writeCompressedBlock writes block to w.w, compressed with w.compressor if
// that makes it smaller, and returns the corresponding block-list word.
func (w *Writer) writeCompressedBlock(block []byte) (uint32, error) {
	compressed, cerr := w.compressor.Compress(block)
	if cerr == nil && len(compressed) < len(block) {
		if _, err := w.w.Write(compressed); err != nil {
			return 0, err
		}
		return uint32(len(compressed)), nil
	}
	// Store uncompressed: Linux returns i/o errors when it encounters a
	// compressed block which is larger than the uncompressed data:
	// https://github.com/torvalds/linux/blob/3ca24ce9ff764bc27bceb9b2fd8ece74846c3fd3/fs/squashfs/block.c#L150
	if _, err := w.w.Write(block); err != nil {
		return 0, err
	}
	return uint32(len(block)) | (1 << 24), nil // SQUASHFS_COMPRESSED_BIT_BLOCK
}

// Close implements io.Closer
func (f *file) Close() error {
	fragment := uint32(invalidFragment)
	var fragOffset uint32

	for f.buf.Len() > dataBlockSize {
		if err := f.writeBlock(dataBlockSize); err != nil {
			return err
		}
	}
	if n := f.buf.Len(); n > 0 {
		var err error
		fragment, fragOffset, err = f.w.packFragment(f.buf.Bytes())
		if err != nil {
			return err
		}
		f.buf.Reset()
	}

	startBlock := f.w.inodeBuf.Len() / metadataBlockSize
	offset := f.w.inodeBuf.Len() - startBlock*metadataBlockSize

	if err := binary.Write(&f.w.inodeBuf, binary.LittleEndian, lregInodeHeader{
		inodeHeader: inodeHeader{
			InodeType:   lregType,
			Mode:        f.mode,
			Uid:         0,
			Gid:         0,
			Mtime:       int32(f.modTime.Unix()),
			InodeNumber: f.w.sb.Inodes + 1,
		},
		StartBlock: uint64(f.off),
		FileSize:   uint64(f.size),
		Nlink:      1,
		Fragment:   fragment,
		Offset:     fragOffset,
		Xattr:      f.xattrRef,
	}); err != nil {
		return err
	}

	if err := binary.Write(&f.w.inodeBuf, binary.LittleEndian, f.blocksizes); err != nil {
		return err
	}

	f.d.dirEntries = append(f.d.dirEntries, fullDirEntry{
		startBlock:  uint32(startBlock),
		offset:      uint16(offset),
		inodeNumber: f.w.sb.Inodes + 1,
		entryType:   fileType,
		name:        f.name,
	})

	f.w.sb.Inodes++

	return nil
}

// packFragment appends tail to the writer's shared fragment buffer, flushing
// it first if tail would not fit in the remaining space of a fragment block.
// It returns the fragment index and the uncompressed offset within that
// fragment's block at which tail begins.
func (w *Writer) packFragment(tail []byte) (index, offset uint32, err error) {
	if w.fragBuf.Len()+len(tail) > dataBlockSize {
		if err := w.flushFragment(); err != nil {
			return 0, 0, err
		}
	}
	index = uint32(len(w.fragEntries))
	offset = uint32(w.fragBuf.Len())
	if _, err := w.fragBuf.Write(tail); err != nil {
		return 0, 0, err
	}
	return index, offset, nil
}

// flushFragment writes the current fragment buffer to disk as one fragment
// block and records its fragmentEntry. It is a no-op if the buffer is empty.
func (w *Writer) flushFragment() error {
	if w.fragBuf.Len() == 0 {
		return nil
	}
	off, err := w.w.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	size, err := w.writeCompressedBlock(w.fragBuf.Bytes())
	if err != nil {
		return err
	}
	w.fragEntries = append(w.fragEntries, fragmentEntry{
		StartBlock: off,
		Size:       size,
	})
	w.fragBuf.Reset()
	return nil
}

// https://dr-emann.github.io/squashfs/squashfs.html#_xattr_table
func writeXattr(w io.Writer, xattrs []Xattr) error {
	for _, attr := range xattrs {
		if err := binary.Write(w, binary.LittleEndian, struct {
			Type     uint16
			NameSize uint16
		}{
			Type:     attr.Type,
			NameSize: uint16(len(attr.FullName)),
		}); err != nil {
			return err
		}
		if _, err := w.Write([]byte(attr.FullName)); err != nil {
			return err
		}

		if err := binary.Write(w, binary.LittleEndian, struct {
			ValSize uint32
		}{
			ValSize: uint32(len(attr.Value)),
		}); err != nil {
			return err
		}

		if _, err := w.Write(attr.Value); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) writeXattrTables() (int64, error) {
	if len(w.xattrs) == 0 {
		return -1, nil
	}
	off, err := w.w.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	xattrTableStart := uint64(off)

	var xattrBuf bytes.Buffer
	if err := writeXattr(&xattrBuf, w.xattrs); err != nil {
		return 0, err
	}
	xattrBlocks := (xattrBuf.Len() + (metadataBlockSize - 1)) / metadataBlockSize

	if err := w.writeMetadataChunks(&xattrBuf); err != nil {
		return 0, err
	}

	// write xattr id table
	off, err = w.w.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	idTableOff := uint64(off)
	var xattrIdBuf bytes.Buffer
	size := uint64(0)
	for _, id := range w.xattrIds {
		id.Xattr = uint64(size)
		size += uint64(id.Size) + 8 /* sizeof(Type+NameSize+ValSize) */
		if err := binary.Write(&xattrIdBuf, binary.LittleEndian, id); err != nil {
			return 0, err
		}
	}
	if err := w.writeMetadataChunks(&xattrIdBuf); err != nil {
		return 0, err
	}

	// xattr table header
	off, err = w.w.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	if err := binary.Write(w.w, binary.LittleEndian, xattrTableHeader{
		XattrTableStart: xattrTableStart,
		XattrIds:        uint32(len(w.xattrs)),
	}); err != nil {
		return 0, err
	}
	// write block index
	for i := 0; i < xattrBlocks; i++ {
		if err := binary.Write(w.w, binary.LittleEndian, struct {
			BlockOffset uint64
		}{
			BlockOffset: idTableOff + (uint64(i) * (metadataBlockSize + 2 /* sizeof(uint16) */)),
		}); err != nil {
			return 0, err
		}
	}
	return off, nil
}

// writeFragmentTable writes the accumulated fragmentEntry array as metadata
// chunks, followed by a block-index pointing at each chunk. It returns the
// offset of that index, stored in superblock.FragmentTableStart.
func (w *Writer) writeFragmentTable() (int64, error) {
	if err := w.flushFragment(); err != nil {
		return -1, err
	}
	if len(w.fragEntries) == 0 {
		return -1, nil
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, w.fragEntries); err != nil {
		return 0, err
	}
	blocks := (buf.Len() + (metadataBlockSize - 1)) / metadataBlockSize

	tableStart, err := w.w.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	if err := w.writeMetadataChunks(&buf); err != nil {
		return 0, err
	}

	off, err := w.w.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	for i := 0; i < blocks; i++ {
		if err := binary.Write(w.w, binary.LittleEndian, uint64(tableStart)+(uint64(i)*(metadataBlockSize+2))); err != nil {
			return 0, err
		}
	}
	return off, nil
}

// writeMetadataChunks copies from r to w in blocks of metadataBlockSize bytes
// each, prefixing each block with a uint16 length header, setting the
// uncompressed bit.
func (w *Writer) writeMetadataChunks(r io.Reader) error {
	buf := make([]byte, metadataBlockSize)
	for {
		buf = buf[:metadataBlockSize]
		n, err := r.Read(buf)
		if err != nil {
			if err == io.EOF { // done
				return nil
			}
			return err
		}
		buf = buf[:n]
		if err := binary.Write(w.w, binary.LittleEndian, uint16(len(buf))|0x8000); err != nil {
			return err
		}
		if _, err := w.w.Write(buf); err != nil {
			return err
		}
	}
}

// Flush writes the SquashFS file system. The Writer must not be used after
// calling Flush.
func (w *Writer) Flush() error {
	// (1) superblock will be written later

	// (2) compressor-specific options omitted

	// (3) data has already been written

	// (4) write inode table
	off, err := w.w.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	w.sb.InodeTableStart = off

	if err := w.writeMetadataChunks(&w.inodeBuf); err != nil {
		return err
	}

	// (5) write directory table
	off, err = w.w.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	w.sb.DirectoryTableStart = off

	if err := w.writeMetadataChunks(&w.dirBuf); err != nil {
		return err
	}

	// (6) write fragment table
	fragOff, err := w.writeFragmentTable()
	if err != nil {
		return err
	}
	w.sb.FragmentTableStart = fragOff
	w.sb.Fragments = uint32(len(w.fragEntries))

	// (7) export table omitted

	// (8) write uid/gid lookup table
	idTableStart, err := writeIdTable(w.w, []uint32{0})
	if err != nil {
		return err
	}
	w.sb.IdTableStart = idTableStart

	// (9) xattr table
	off, err = w.writeXattrTables()
	if err != nil {
		return err
	}
	w.sb.XattrIdTableStart = off

	off, err = w.w.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	w.sb.BytesUsed = off

	// Pad to 4096, required for the kernel to be able to access all pages
	if pad := off % 4096; pad > 0 {
		padding := make([]byte, 4096-pad)
		if _, err := w.w.Write(padding); err != nil {
			return err
		}
	}

	// (1) Write superblock
	if _, err := w.w.Seek(0, io.SeekStart); err != nil {
		return err
	}

	return binary.Write(w.w, binary.LittleEndian, &w.sb)
}
