// Package fsmount exposes one SquashFS image as a read-only FUSE file
// system. It is adapted from distri's multi-package union FUSE binding,
// trimmed to a single archive: a SquashFS inode doubles directly as the
// FUSE inode ID, so there is no image-multiplexing or union-overlay
// bookkeeping to maintain.
package fsmount

import (
	"context"
	"io"
	"log"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"golang.org/x/xerrors"

	"github.com/distr1/squashfs-core/internal/squashfs"
)

// never is used for FUSE expiration timestamps. The archive is immutable
// and inodes are stable, so the kernel can cache attributes and directory
// entries forever; one year stands in for "forever" since FUSE has no such
// sentinel.
var never = time.Now().Add(365 * 24 * time.Hour)

type fileSystem struct {
	fuseutil.NotImplementedFileSystem

	rd *squashfs.Reader

	dircacheMu sync.Mutex
	dircache   map[squashfs.Inode]map[string]fuseops.ChildInodeEntry

	fileReadersMu sync.Mutex
	fileReaders   map[fuseops.InodeID]*squashfs.File
}

// Mount mounts the SquashFS image backing rd at mountpoint and returns a
// function that blocks until the mount is unmounted.
func Mount(ctx context.Context, rd *squashfs.Reader, mountpoint string) (join func(context.Context) error, err error) {
	fs := &fileSystem{
		rd:          rd,
		dircache:    make(map[squashfs.Inode]map[string]fuseops.ChildInodeEntry),
		fileReaders: make(map[fuseops.InodeID]*squashfs.File),
	}

	server := fuseutil.NewFileSystemServer(fs)
	mfs, err := fuse.Mount(mountpoint, server, &fuse.MountConfig{
		FSName:   "squashfs-core",
		ReadOnly: true,
		Options: map[string]string{
			"allow_other": "",
		},
		EnableSymlinkCaching:   true,
		EnableNoOpenSupport:    true,
		EnableNoOpendirSupport: true,
	})
	if err != nil {
		return nil, xerrors.Errorf("fuse.Mount: %v", err)
	}
	join = func(ctx context.Context) error {
		defer syscall.Unmount(mountpoint, 0)
		return mfs.Join(ctx)
	}
	return join, nil
}

// squashfsInode maps a FUSE inode ID back to the SquashFS inode it names.
// fuseops.RootInodeID (1) is special-cased to the archive's actual root
// inode, which SquashFS does not otherwise guarantee is 1.
func (fs *fileSystem) squashfsInode(i fuseops.InodeID) squashfs.Inode {
	if i == fuseops.RootInodeID {
		return fs.rd.RootInode()
	}
	return squashfs.Inode(i)
}

func (fs *fileSystem) fuseInode(i squashfs.Inode) fuseops.InodeID {
	if i == fs.rd.RootInode() {
		return fuseops.RootInodeID
	}
	return fuseops.InodeID(i)
}

func (fs *fileSystem) fuseAttributes(fi os.FileInfo) fuseops.InodeAttributes {
	return fuseops.InodeAttributes{
		Size:  uint64(fi.Size()),
		Nlink: 1,
		Mode:  fi.Mode(),
		Atime: fi.ModTime(),
		Mtime: fi.ModTime(),
		Ctime: fi.ModTime(),
	}
}

func (fs *fileSystem) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	op.BlockSize = 4096
	op.Blocks = 1
	op.IoSize = 65536
	return nil
}

func (fs *fileSystem) dirEntries(inode squashfs.Inode) (map[string]fuseops.ChildInodeEntry, error) {
	fs.dircacheMu.Lock()
	entries, ok := fs.dircache[inode]
	fs.dircacheMu.Unlock()
	if ok {
		return entries, nil
	}

	fis, err := fs.rd.Readdir(inode)
	if err != nil {
		return nil, err
	}
	entries = make(map[string]fuseops.ChildInodeEntry, len(fis))
	for _, fi := range fis {
		child := fi.Sys().(*squashfs.FileInfo).Inode
		entries[fi.Name()] = fuseops.ChildInodeEntry{
			Child:      fs.fuseInode(child),
			Attributes: fs.fuseAttributes(fi),
		}
	}
	fs.dircacheMu.Lock()
	fs.dircache[inode] = entries
	fs.dircacheMu.Unlock()
	return entries, nil
}

func (fs *fileSystem) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	parent := fs.squashfsInode(op.Parent)
	entries, err := fs.dirEntries(parent)
	if err != nil {
		log.Println(err)
		return fuse.EIO
	}
	cie, ok := entries[op.Name]
	if !ok {
		return nil // ENOENT is signaled by a zero op.Entry.Child
	}
	op.Entry.Child = cie.Child
	op.Entry.Attributes = cie.Attributes
	op.Entry.AttributesExpiration = never
	op.Entry.EntryExpiration = never
	return nil
}

func (fs *fileSystem) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	op.AttributesExpiration = never
	inode := fs.squashfsInode(op.Inode)
	fi, err := fs.rd.Stat("", inode)
	if err != nil {
		return fuse.ENOENT
	}
	op.Attributes = fs.fuseAttributes(fi)
	return nil
}

func (fs *fileSystem) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	// Instruct the kernel to not send OpenDir requests for performance:
	// https://github.com/torvalds/linux/commit/7678ac50615d9c7a491d9861e020e4f5f71b594c
	return fuse.ENOSYS
}

func (fs *fileSystem) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	inode := fs.squashfsInode(op.Inode)
	entries, err := fs.dirEntries(inode)
	if err != nil {
		log.Println(err)
		return fuse.EIO
	}

	var dirents []fuseutil.Dirent
	for name, cie := range entries {
		typ := fuseutil.DT_File
		if cie.Attributes.Mode.IsDir() {
			typ = fuseutil.DT_Directory
		}
		dirents = append(dirents, fuseutil.Dirent{
			Offset: fuseops.DirOffset(len(dirents) + 1),
			Inode:  cie.Child,
			Name:   name,
			Type:   typ,
		})
	}

	if op.Offset > fuseops.DirOffset(len(dirents)) {
		return fuse.EIO
	}
	for _, d := range dirents[op.Offset:] {
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], d)
		if n == 0 {
			break
		}
		op.BytesRead += n
	}
	return nil
}

func (fs *fileSystem) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	// Instruct the kernel to not send OpenFile requests for performance:
	// https://github.com/torvalds/linux/commit/7678ac50615d9c7a491d9861e020e4f5f71b594c
	return fuse.ENOSYS
}

func (fs *fileSystem) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	fs.fileReadersMu.Lock()
	f, ok := fs.fileReaders[op.Inode]
	fs.fileReadersMu.Unlock()
	if !ok {
		var err error
		f, err = fs.rd.FileReader(fs.squashfsInode(op.Inode))
		if err != nil {
			return err
		}
		fs.fileReadersMu.Lock()
		fs.fileReaders[op.Inode] = f
		fs.fileReadersMu.Unlock()
	}

	var err error
	op.BytesRead, err = f.ReadAt(op.Dst, op.Offset)
	if err == io.EOF {
		err = nil // FUSE does not want io.EOF
	}
	return err
}

func (fs *fileSystem) ReadSymlink(ctx context.Context, op *fuseops.ReadSymlinkOp) error {
	inode := fs.squashfsInode(op.Inode)
	target, err := fs.rd.ReadLink(inode)
	if err != nil {
		return err
	}
	op.Target = target
	return nil
}

func (fs *fileSystem) ListXattr(ctx context.Context, op *fuseops.ListXattrOp) error {
	inode := fs.squashfsInode(op.Inode)
	attrs, err := fs.rd.ReadXattrs(inode)
	if err != nil {
		return err
	}
	for _, attr := range attrs {
		op.BytesRead += len(attr.FullName) + 1
	}
	if op.BytesRead > len(op.Dst) {
		if len(op.Dst) == 0 {
			return nil
		}
		return syscall.ERANGE
	}
	copied := 0
	for _, attr := range attrs {
		copy(op.Dst[copied:], []byte(attr.FullName))
		copied += len(attr.FullName) + 1
		op.Dst[copied-1] = 0
	}
	return nil
}

func (fs *fileSystem) GetXattr(ctx context.Context, op *fuseops.GetXattrOp) error {
	inode := fs.squashfsInode(op.Inode)
	attrs, err := fs.rd.ReadXattrs(inode)
	if err != nil {
		return err
	}
	var val []byte
	for _, attr := range attrs {
		if attr.FullName == op.Name {
			val = attr.Value
			break
		}
	}
	if val == nil {
		return syscall.ENODATA
	}
	op.BytesRead = len(val)
	if op.BytesRead > len(op.Dst) {
		if len(op.Dst) == 0 {
			return nil
		}
		return syscall.ERANGE
	}
	copy(op.Dst, val)
	return nil
}

func (fs *fileSystem) Destroy() {}
