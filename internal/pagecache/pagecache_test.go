package pagecache

import (
	"testing"
	"time"
)

func TestAcquireNonBlockingReturnsNilWhenLocked(t *testing.T) {
	c := New()
	p := c.AcquireBlocking(0)

	if got := c.Acquire(0); got != nil {
		t.Fatalf("Acquire(0) on an already-locked page = %v, want nil", got)
	}

	p.Unlock()
	c.Release(p)

	q := c.Acquire(0)
	if q == nil {
		t.Fatal("Acquire(0) after Unlock = nil, want the page")
	}
	q.Unlock()
	c.Release(q)
}

func TestAcquireBlockingWaitsForRelease(t *testing.T) {
	c := New()
	p := c.AcquireBlocking(1)

	done := make(chan struct{})
	go func() {
		q := c.AcquireBlocking(1)
		q.Unlock()
		c.Release(q)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("AcquireBlocking returned before the holder unlocked")
	case <-time.After(20 * time.Millisecond):
	}

	p.Unlock()
	c.Release(p)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("AcquireBlocking never returned after Unlock")
	}
}

func TestPageIdentityStable(t *testing.T) {
	c := New()
	p := c.AcquireBlocking(5)
	p.MarkUptodate()
	copy(p.Data(), []byte("hello"))
	p.Unlock()
	c.Release(p)

	q := c.AcquireBlocking(5)
	if !q.Uptodate() {
		t.Fatal("page at the same index lost its uptodate flag across Acquire calls")
	}
	if got := string(q.Data()[:5]); got != "hello" {
		t.Fatalf("page data = %q, want %q", got, "hello")
	}
	q.Unlock()
	c.Release(q)
}

func TestMarkErrorStillUptodate(t *testing.T) {
	c := New()
	p := c.AcquireBlocking(0)
	p.MarkError()
	p.MarkUptodate()
	p.Unlock()
	c.Release(p)

	q := c.AcquireBlocking(0)
	if !q.Errored() {
		t.Fatal("Errored() = false, want true")
	}
	if !q.Uptodate() {
		t.Fatal("Uptodate() = false, want true (errored pages are still marked uptodate so the host stops retrying)")
	}
	q.Unlock()
	c.Release(q)
}
