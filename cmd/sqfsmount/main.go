// Command sqfsmount mounts a single SquashFS image as a read-only FUSE file
// system.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/distr1/squashfs-core/internal/fsmount"
	"github.com/distr1/squashfs-core/internal/oninterrupt"
	"github.com/distr1/squashfs-core/internal/squashfs"
)

func mount(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("sqfsmount", flag.ExitOnError)
	var readiness = fset.Int("readiness", -1, "file descriptor on which to send a readiness notification")
	fset.Parse(args)
	if fset.NArg() != 2 {
		return fmt.Errorf("syntax: sqfsmount <image> <mountpoint>")
	}
	image, mountpoint := fset.Arg(0), fset.Arg(1)

	f, err := os.Open(image)
	if err != nil {
		return err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return err
	}
	if fi.Size() == 0 {
		return fmt.Errorf("%s: empty file", image)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(fi.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmap %s: %v", image, err)
	}
	defer unix.Munmap(data)

	rd, err := squashfs.NewReader(&mmapReaderAt{data})
	if err != nil {
		return fmt.Errorf("reading %s: %v", image, err)
	}

	join, err := fsmount.Mount(ctx, rd, mountpoint)
	if err != nil {
		return err
	}

	oninterrupt.Register(func() {
		syscall.Unmount(mountpoint, 0)
	})

	var eg errgroup.Group
	eg.Go(func() error {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGHUP)
		for range c {
			log.Printf("received SIGHUP, nothing to refresh for a read-only archive mount")
		}
		return nil
	})

	if *readiness != -1 {
		os.NewFile(uintptr(*readiness), "").Close()
	}

	return join(ctx)
}

// mmapReaderAt exposes a read-only mmap'd image as an io.ReaderAt without
// copying it into a separate buffer.
type mmapReaderAt struct {
	data []byte
}

func (m *mmapReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(m.data)) {
		return 0, errors.New("sqfsmount: read past end of image")
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, errors.New("sqfsmount: short read")
	}
	return n, nil
}

func main() {
	log.SetFlags(0)
	if err := mount(context.Background(), os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}
