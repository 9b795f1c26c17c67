package store

import (
	"sync"

	"github.com/arborly/tuplebox/errs"
)

// Pool owns the backing memory for pages (spec.md §2's "Page/buffer pool"
// layer): it allocates, restores, and frees page-sized regions, and is the
// thing that actually reports BoxFull when exhausted. A Store never touches
// raw memory except through its Pool.
type Pool struct {
	mu       sync.Mutex
	maxBytes int64
	used     int64
	pages    map[PageID]*Page
	freeIDs  []PageID
	nextID   PageID
}

// NewPool constructs a Pool with a byte budget. maxBytes <= 0 means
// unbounded (bounded only by host memory), matching an embedding
// application that wants to defer the BoxFull decision to the OS.
func NewPool(maxBytes int64) *Pool {
	return &Pool{maxBytes: maxBytes, pages: make(map[PageID]*Page)}
}

// Acquire allocates a new page of exactly `size` bytes (a PageSizeClasses
// member or an oversize power-of-two class) and returns it pinned in the
// pool. Returns BoxFullError if the pool's byte budget is exhausted.
func (pl *Pool) Acquire(size int) (*Page, error) {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	// gofail: var AllocateBoxFull struct{}
	// a gofail-enabled build can turn this on to force BoxFull on a pool
	// that would otherwise still have room; no shipped test enables it.
	if pl.maxBytes > 0 && pl.used+int64(size) > pl.maxBytes {
		return nil, &errs.BoxFullError{Requested: size, Available: int(pl.maxBytes - pl.used)}
	}

	var id PageID
	if n := len(pl.freeIDs); n > 0 {
		id = pl.freeIDs[n-1]
		pl.freeIDs = pl.freeIDs[:n-1]
	} else {
		id = pl.nextID
		pl.nextID++
	}

	p := newPage(id, size)
	pl.pages[id] = p
	pl.used += int64(size)
	return p, nil
}

// Restore reinstalls a page from externally-supplied bytes (durability or
// replication), returning the live Page view over it. The caller
// (Store.LoadPage) is responsible for resetting refcounts.
func (pl *Pool) Restore(id PageID, buf []byte) *Page {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	p := wrapPage(id, buf)
	pl.pages[id] = p
	pl.used += int64(len(buf))
	if id >= pl.nextID {
		pl.nextID = id + 1
	}
	return p
}

// Release returns a page to the pool for reuse, marking it reclaimable.
func (pl *Pool) Release(id PageID) {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	p, ok := pl.pages[id]
	if !ok {
		return
	}
	pl.used -= int64(len(p.buf))
	delete(pl.pages, id)
	pl.freeIDs = append(pl.freeIDs, id)
}

// Get returns the live page for an id, or (nil, false) if it is not
// currently resident (freed or never allocated).
func (pl *Pool) Get(id PageID) (*Page, bool) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	p, ok := pl.pages[id]
	return p, ok
}

// PageCount reports how many pages are currently resident, used by tests to
// assert the BoxFull/free/refill cycle of spec.md §8 property 9.
func (pl *Pool) PageCount() int {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return len(pl.pages)
}

// UsedBytes reports the pool's current byte usage.
func (pl *Pool) UsedBytes() int64 {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return pl.used
}
