// Package squashfs implements reading and writing SquashFS file system
// images.
//
// Data and metadata blocks may be stored zlib- or zstd-compressed (see
// Compressor); inodes and directory entries are written uncompressed for
// simplicity, matching what real mksquashfs produces when asked to skip
// compressing metadata.
//
// Note that SquashFS requires directory entries to be sorted, i.e. files and
// directories need to be added in the correct order.
//
// This package intentionally only implements a subset of SquashFS. Notably,
// block devices, character devices, FIFOs and sockets are not supported,
// and Writer stores at most one xattr per file.
package squashfs

import (
	"encoding/binary"
	"strings"
)

// Inode contains a block number + offset within that block.
type Inode int64

const (
	zlibCompression = 1 + iota
	lzmaCompression
	lzoCompression
	xzCompression
	lz4Compression
	zstdCompression
)

const (
	invalidFragment = 0xFFFFFFFF
	invalidXattr    = 0xFFFFFFFF
)

// noFragmentTable is the sentinel superblock.FragmentTableStart is set to
// when the archive has no fragment table. The on-disk field is a 64-bit
// 0xFFFFFFFFFFFFFFFF, i.e. int64(-1); Writer stores it that way (see
// writer.go), so the comparison must use the same width rather than the
// 32-bit invalidFragment/invalidXattr sentinels above.
const noFragmentTable int64 = -1

// InvalidBlock is the sentinel value for regInodeHeader/lregInodeHeader.Fragment
// meaning "this file has no fragment".
const InvalidBlock = invalidFragment

// Explanations partly copied from
// https://dr-emann.github.io/squashfs/squashfs.html#_the_superblock
type superblock struct {
	// Magic is always "hsqs"
	Magic uint32

	// Inodes is the number of inodes stored in the archive.
	Inodes uint32

	// MkfsTime is the last modification time of the archive, which is identical
	// to the creation time, since our archives are immutable.
	MkfsTime int32

	// BlockSize is the size of a data block in bytes.
	// Must be a power of two between 4 KiB and 1 MiB.
	BlockSize uint32

	// Fragments is the number of entries in the fragment table.
	Fragments uint32

	// Compression is an ID designating the compressor
	// used for both data and meta data blocks.
	Compression uint16

	// The log_2 of the block size. If the two fields do not agree,
	// the archive is considered corrupted.
	BlockLog uint16

	Flags uint16

	// NoIds is the number of entries in the ID lookup table.
	NoIds uint16

	// Major is the major version number (4).
	Major uint16

	// Minor is the minor version number (0).
	Minor uint16

	// RootInode is a reference to the inode of the root directory.
	RootInode Inode

	// BytesUsed is the number of bytes used by the archive.
	BytesUsed int64

	// Byte offsets at which the respective id table starts.
	// If the xattr, fragment or export table are absent,
	// the respective field must be set to 0xFFFFFFFFFFFFFFFF.
	IdTableStart        int64
	XattrIdTableStart   int64
	InodeTableStart     int64
	DirectoryTableStart int64
	FragmentTableStart  int64
	LookupTableStart    int64
}

const (
	dirType = 1 + iota
	fileType
	symlinkType
	blkdevType
	chrdevType
	fifoType
	socketType
	// The larger types are used for e.g. sparse files, xattrs, etc.
	ldirType
	lregType
	lsymlinkType
	lblkdevType
	lchrdevType
	lfifoType
	lsocketType
)

// https://dr-emann.github.io/squashfs/squashfs.html#_common_inode_header
type inodeHeader struct {
	InodeType uint16

	// Mode is a bit mask representing Unix file permissions for the inode.
	Mode uint16

	// Uid is an index into the id table, giving the user id of the owner.
	Uid uint16

	// Gid is an index into the id table, giving the group id of the owner.
	Gid uint16

	// Mtime is the signed number of seconds since the UNIX epoch.
	Mtime int32

	// InodeNumber is a unique inode number.
	InodeNumber uint32
}

// fileType
//
// https://dr-emann.github.io/squashfs/squashfs.html#_file_inodes
type regInodeHeader struct {
	inodeHeader

	// StartBlock is the full byte offset from the start of the file system.
	StartBlock uint32

	// Fragment is an index into the fragment table which describes the fragment
	// block that the tail end of this file is stored in. If fragments are not
	// used, this field is set to 0xFFFFFFFF.
	Fragment uint32

	// Offset is the (uncompressed) offset within the fragment block where the
	// tail end of this file is.
	Offset uint32

	// FileSize is the (uncompressed) size of this file.
	FileSize uint32

	// Followed by a uint32 array of compressed block sizes.
}

// lregType
//
// https://dr-emann.github.io/squashfs/squashfs.html#_file_inodes
type lregInodeHeader struct {
	inodeHeader

	// StartBlock is the full byte offset from the start of the file system.
	StartBlock uint64

	// FileSize is the (uncompressed) size of this file.
	FileSize uint64

	// Sparse is the number of bytes saved by omitting zero bytes.
	Sparse uint64

	// Nlink is the number of hard links to this node.
	Nlink uint32

	// Fragment is an index into the fragment table, or 0xFFFFFFFF.
	Fragment uint32

	// Offset is the (uncompressed) offset within the fragment block.
	Offset uint32

	// Xattr is an index into the Xattr table, or 0xFFFFFFFF if the inode has no
	// extended attributes.
	Xattr uint32

	// Followed by a uint32 array of compressed block sizes.
}

// symlinkType
//
// https://dr-emann.github.io/squashfs/squashfs.html#_symbolic_links
type symlinkInodeHeader struct {
	inodeHeader

	Nlink uint32

	// SymlinkSize is the size in bytes of the target path this symlink points
	// to.
	SymlinkSize uint32

	// Followed by a byte array of SymlinkSize bytes. The path is not
	// null-terminated.
}

// dirType
//
// https://dr-emann.github.io/squashfs/squashfs.html#_directory_inodes
type dirInodeHeader struct {
	inodeHeader

	// StartBlock is the block index of the metadata block in the directory
	// table where the entry information starts.
	StartBlock uint32

	Nlink uint32

	// FileSize is the total (uncompressed) size in bytes of the entry listing
	// in the directory table, including headers.
	//
	// This value is 3 bytes larger than the real listing: the kernel creates
	// "." and ".." entries for offsets 0 and 1, subtracting 3 from the size.
	FileSize uint16

	// Offset is the (uncompressed) offset within the metadata block in the
	// directory table where the directory listing starts.
	Offset uint16

	// ParentInode is the inode number of the parent of this directory.
	ParentInode uint32
}

// ldirType
//
// https://dr-emann.github.io/squashfs/squashfs.html#_directory_inodes
type ldirInodeHeader struct {
	inodeHeader

	Nlink uint32

	FileSize uint32

	StartBlock uint32

	ParentInode uint32

	// Icount is the number of directory index entries following this inode.
	Icount uint16

	Offset uint16

	// Xattr is an index into the Xattr table, or 0xFFFFFFFF if the inode has no
	// extended attributes.
	Xattr uint32
}

// https://dr-emann.github.io/squashfs/squashfs.html#_directory_table
type dirHeader struct {
	// Count is the number of entries following the header.
	Count uint32

	// StartBlock is the location of the metadata block in the inode table.
	StartBlock uint32

	// InodeOffset is an arbitrary inode number; entries store their inode
	// number as a difference to this value.
	InodeOffset uint32
}

func (d *dirHeader) Unmarshal(b []byte) {
	_ = b[11]
	e := binary.LittleEndian
	d.Count = e.Uint32(b)
	d.StartBlock = e.Uint32(b[4:])
	d.InodeOffset = e.Uint32(b[8:])
}

// https://dr-emann.github.io/squashfs/squashfs.html#_directory_table
type dirEntry struct {
	// Offset is an offset into the uncompressed inode metadata block.
	Offset uint16

	// InodeNumber is the difference of this inode relative to dirHeader.InodeOffset.
	InodeNumber int16

	// EntryType is the inode type.
	EntryType uint16

	// Size is one less than the size of the entry name.
	Size uint16

	// Followed by a byte array of Size+1 bytes.
}

func (d *dirEntry) Unmarshal(b []byte) {
	_ = b[7]
	e := binary.LittleEndian
	d.Offset = e.Uint16(b)
	d.InodeNumber = int16(e.Uint16(b[2:]))
	d.EntryType = e.Uint16(b[4:])
	d.Size = e.Uint16(b[6:])
}

// xattr types
const (
	XattrTypeUser = iota
	XattrTypeTrusted
	XattrTypeSecurity
)

var xattrPrefix = map[int]string{
	XattrTypeUser:     "user.",
	XattrTypeTrusted:  "trusted.",
	XattrTypeSecurity: "security.",
}

type Xattr struct {
	Type     uint16
	FullName string
	Value    []byte
}

func XattrFromAttr(attr string, val []byte) Xattr {
	for typ, prefix := range xattrPrefix {
		if !strings.HasPrefix(attr, prefix) {
			continue
		}
		return Xattr{
			Type:     uint16(typ),
			FullName: strings.TrimPrefix(attr, prefix),
			Value:    val,
		}
	}
	return Xattr{}
}

type xattrId struct {
	Xattr uint64
	Count uint32
	Size  uint32
}

type xattrTableHeader struct {
	XattrTableStart uint64
	XattrIds        uint32
	Unused          uint32
}

type fullDirEntry struct {
	startBlock  uint32
	offset      uint16
	inodeNumber uint32
	entryType   uint16
	name        string
}

const (
	magic             = 0x73717368
	dataBlockSize     = 131072
	metadataBlockSize = 8192
	majorVersion      = 4
	minorVersion      = 0
)

// fragmentEntry is one entry of the on-disk fragment table: the location and
// on-disk size of a fragment block.
//
// https://dr-emann.github.io/squashfs/squashfs.html#_fragment_table
type fragmentEntry struct {
	StartBlock int64
	Size       uint32
	Unused     uint32
}
