package squashfs

import (
	"bytes"
	"io"
	"sort"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/orcaman/writerseeker"
	"golang.org/x/sys/unix"
)

const testMode = unix.S_IRUSR | unix.S_IRGRP | unix.S_IROTH

// buildTestImage writes a small in-memory SquashFS image via Writer and
// returns a Reader opened against it, without touching the filesystem.
func buildTestImage(t *testing.T, files map[string][]byte) *Reader {
	t.Helper()

	ws := &writerseeker.WriterSeeker{}
	w, err := NewWriter(ws, time.Now())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	for name, contents := range files {
		ff, err := w.Root.File(name, time.Now(), testMode, nil)
		if err != nil {
			t.Fatalf("File(%q): %v", name, err)
		}
		if _, err := ff.Write(contents); err != nil {
			t.Fatalf("Write(%q): %v", name, err)
		}
		if err := ff.Close(); err != nil {
			t.Fatalf("Close(%q): %v", name, err)
		}
	}

	if err := w.Root.Flush(); err != nil {
		t.Fatalf("Root.Flush: %v", err)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Writer.Flush: %v", err)
	}

	rd, err := NewReader(ws.BytesReader())
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	return rd
}

func TestReaddirAndStatRoundTrip(t *testing.T) {
	want := map[string][]byte{
		"a.txt": []byte("hello from a"),
		"b.txt": bytes.Repeat([]byte{0x5a}, 3*131072+17), // spans multiple data blocks plus a fragment tail
	}
	rd := buildTestImage(t, want)

	root := rd.RootInode()
	fis, err := rd.Readdir(root)
	if err != nil {
		t.Fatalf("Readdir: %v", err)
	}

	type entry struct {
		Name  string
		Size  int64
		IsDir bool
	}
	var got []entry
	for _, fi := range fis {
		got = append(got, entry{fi.Name(), fi.Size(), fi.IsDir()})
	}
	sort.Slice(got, func(i, j int) bool { return got[i].Name < got[j].Name })

	var wantEntries []entry
	for name, contents := range want {
		wantEntries = append(wantEntries, entry{name, int64(len(contents)), false})
	}
	sort.Slice(wantEntries, func(i, j int) bool { return wantEntries[i].Name < wantEntries[j].Name })

	if diff := cmp.Diff(wantEntries, got); diff != "" {
		t.Fatalf("Readdir mismatch (-want +got):\n%s", diff)
	}
}

func TestOpenFileReadAtRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		name     string
		contents []byte
	}{
		{"empty", nil},
		{"small", []byte("contents that fit entirely in the tail fragment")},
		{"exactly-one-block", bytes.Repeat([]byte{0x3c}, 131072)},
		{"multi-block-with-fragment", bytes.Repeat([]byte{0x7e}, 2*131072+500)},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			rd := buildTestImage(t, map[string][]byte{tc.name: tc.contents})

			inode, err := rd.LookupPath(tc.name)
			if err != nil {
				t.Fatalf("LookupPath: %v", err)
			}
			f, err := rd.OpenFile(inode)
			if err != nil {
				t.Fatalf("OpenFile: %v", err)
			}
			if got := f.Size(); got != int64(len(tc.contents)) {
				t.Fatalf("Size() = %d, want %d", got, len(tc.contents))
			}

			got := make([]byte, len(tc.contents))
			n, err := f.ReadAt(got, 0)
			if err != nil && err != io.EOF {
				t.Fatalf("ReadAt: %v", err)
			}
			if n != len(tc.contents) {
				t.Fatalf("ReadAt returned %d bytes, want %d", n, len(tc.contents))
			}
			if !bytes.Equal(got, tc.contents) {
				t.Fatalf("contents mismatch for %q", tc.name)
			}
		})
	}
}

func TestOpenFileReadAtHoleZeroFills(t *testing.T) {
	ws := &writerseeker.WriterSeeker{}
	w, err := NewWriter(ws, time.Now())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	ff, err := w.Root.File("sparse", time.Now(), testMode, nil)
	if err != nil {
		t.Fatalf("File: %v", err)
	}
	tail := []byte("tail after the hole")
	if err := ff.WriteHole(); err != nil {
		t.Fatalf("WriteHole: %v", err)
	}
	if _, err := ff.Write(tail); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := ff.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := w.Root.Flush(); err != nil {
		t.Fatalf("Root.Flush: %v", err)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Writer.Flush: %v", err)
	}

	rd, err := NewReader(ws.BytesReader())
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}

	inode, err := rd.LookupPath("sparse")
	if err != nil {
		t.Fatalf("LookupPath: %v", err)
	}
	f, err := rd.OpenFile(inode)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}

	want := append(make([]byte, 131072), tail...)
	got := make([]byte, len(want))
	n, err := f.ReadAt(got, 0)
	if err != nil && err != io.EOF {
		t.Fatalf("ReadAt: %v", err)
	}
	if n != len(want) {
		t.Fatalf("ReadAt returned %d bytes, want %d", n, len(want))
	}
	if !bytes.Equal(got, want) {
		t.Fatal("hole region was not zero-filled, or tail contents are wrong")
	}
}

func TestReadXattrsRoundTrip(t *testing.T) {
	ws := &writerseeker.WriterSeeker{}
	w, err := NewWriter(ws, time.Now())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	xattr := Xattr{Type: XattrTypeUser, FullName: "comment", Value: []byte("hello")}
	ff, err := w.Root.File("f", time.Now(), testMode, []Xattr{xattr})
	if err != nil {
		t.Fatalf("File: %v", err)
	}
	if err := ff.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := w.Root.Flush(); err != nil {
		t.Fatalf("Root.Flush: %v", err)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Writer.Flush: %v", err)
	}

	rd, err := NewReader(ws.BytesReader())
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}

	inode, err := rd.LookupPath("f")
	if err != nil {
		t.Fatalf("LookupPath: %v", err)
	}
	got, err := rd.ReadXattrs(inode)
	if err != nil {
		t.Fatalf("ReadXattrs: %v", err)
	}
	// ReadXattrs returns the name with its type prefix restored.
	want := Xattr{Type: XattrTypeUser, FullName: "user.comment", Value: []byte("hello")}
	if diff := cmp.Diff([]Xattr{want}, got); diff != "" {
		t.Fatalf("ReadXattrs mismatch (-want +got):\n%s", diff)
	}
}

func TestOpenFileReadAtOffsetWithinLaterPage(t *testing.T) {
	contents := bytes.Repeat([]byte{0}, 131072)
	copy(contents[131072-10:], []byte("TAILMARKER"))
	rd := buildTestImage(t, map[string][]byte{"f": contents})

	inode, err := rd.LookupPath("f")
	if err != nil {
		t.Fatalf("LookupPath: %v", err)
	}
	f, err := rd.OpenFile(inode)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}

	buf := make([]byte, 10)
	n, err := f.ReadAt(buf, 131072-10)
	if err != nil && err != io.EOF {
		t.Fatalf("ReadAt: %v", err)
	}
	if n != 10 || string(buf) != "TAILMARKER" {
		t.Fatalf("ReadAt at tail offset = %q (n=%d), want %q", buf, n, "TAILMARKER")
	}
}
