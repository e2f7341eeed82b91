// Package pagecache is a small in-process stand-in for the host page cache
// that a kernel filesystem driver would integrate with: page-aligned
// buffers, keyed by page index within one file mapping, with non-blocking
// acquisition, lock/unlock, and uptodate/error marking.
//
// PageFiller (internal/pagefill) fills the target page the host handed it
// plus any sibling pages in the same datablock it can acquire without
// blocking, exercising real readahead. squashfs.File.ReadAt plays the host:
// it acquires each target page with AcquireBlocking.
package pagecache

import "sync"

// PageSize is the host page size this cache fills in units of.
const PageSize = 4096

// Page is one cached, page-sized buffer.
type Page struct {
	mu   sync.Mutex
	data [PageSize]byte

	refMu    sync.Mutex
	refs     int
	uptodate bool
	errored  bool
}

// Data returns the page's backing buffer.
func (p *Page) Data() []byte { return p.data[:] }

// Uptodate reports whether the page's contents are valid.
func (p *Page) Uptodate() bool { return p.uptodate }

// Errored reports whether the last fill attempt for this page failed.
func (p *Page) Errored() bool { return p.errored }

// MarkUptodate marks the page's contents as valid.
func (p *Page) MarkUptodate() { p.uptodate = true }

// MarkError flags the page as having failed to fill. The caller still marks
// it uptodate afterwards (zeroed) so the host does not retry indefinitely.
func (p *Page) MarkError() { p.errored = true }

// Unlock releases the page's lock, acquired by Cache.Acquire.
func (p *Page) Unlock() { p.mu.Unlock() }

// Cache holds the pages belonging to one file mapping.
type Cache struct {
	mu    sync.Mutex
	pages map[int64]*Page
}

// New returns an empty page cache for one open file.
func New() *Cache {
	return &Cache{pages: make(map[int64]*Page)}
}

func (c *Cache) pageAt(index int64) *Page {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pages[index]
	if !ok {
		p = &Page{}
		c.pages[index] = p
	}
	return p
}

// Acquire performs a non-blocking page acquisition: it returns the locked
// page at index, or nil if the page is currently locked by someone else.
// The caller must eventually call Unlock, and Release if it is not the
// host-supplied target page.
func (c *Cache) Acquire(index int64) *Page {
	p := c.pageAt(index)
	if !p.mu.TryLock() {
		return nil
	}
	p.refMu.Lock()
	p.refs++
	p.refMu.Unlock()
	return p
}

// AcquireBlocking waits for and locks the page at index. A real kernel
// always blocks to obtain the target page of a read; only sibling readahead
// pages use the non-blocking Acquire.
func (c *Cache) AcquireBlocking(index int64) *Page {
	p := c.pageAt(index)
	p.mu.Lock()
	p.refMu.Lock()
	p.refs++
	p.refMu.Unlock()
	return p
}

// Release drops a reference acquired via Acquire. It does not unlock the
// page; callers unlock before releasing, mirroring the host's
// unlock-then-put-page ordering.
func (c *Cache) Release(p *Page) {
	p.refMu.Lock()
	if p.refs > 0 {
		p.refs--
	}
	p.refMu.Unlock()
}

// DCacheFlush flushes any CPU data-cache aliases for the page at index. In
// this in-process cache there is exactly one mapping of the underlying
// memory, so there is nothing to flush; the call exists so call sites read
// the same as the host contract they are modeled on.
func (c *Cache) DCacheFlush(index int64) {}
