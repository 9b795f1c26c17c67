package store

import (
	"sort"
	"sync"

	"github.com/arborly/tuplebox/errs"
	"github.com/arborly/tuplebox/metrics"
	"github.com/rs/zerolog"
)

// dirEntry tracks one page's currently available content bytes for the
// fit-selection algorithm of spec.md §4.1.
type dirEntry struct {
	page      PageID
	available int
}

// directory is the per-relation structure mapping owned page ids to their
// available bytes, kept sorted ascending by available bytes (ties broken by
// page id) so fit selection is a binary search.
type directory struct {
	entries []dirEntry
}

func (d *directory) find(p PageID) int {
	for i, e := range d.entries {
		if e.page == p {
			return i
		}
	}
	return -1
}

// insert adds or updates a page's entry, keeping entries sorted.
func (d *directory) upsert(p PageID, available int) {
	if i := d.find(p); i >= 0 {
		d.entries = append(d.entries[:i], d.entries[i+1:]...)
	}
	i := sort.Search(len(d.entries), func(i int) bool {
		if d.entries[i].available != available {
			return d.entries[i].available >= available
		}
		return d.entries[i].page >= p
	})
	d.entries = append(d.entries, dirEntry{})
	copy(d.entries[i+1:], d.entries[i:])
	d.entries[i] = dirEntry{page: p, available: available}
}

func (d *directory) remove(p PageID) {
	if i := d.find(p); i >= 0 {
		d.entries = append(d.entries[:i], d.entries[i+1:]...)
	}
}

// fit performs the binary search for the smallest page whose available
// bytes >= need, ties broken by page id order (ascending order of the slice
// already encodes both tiebreaks).
func (d *directory) fit(need int) (PageID, bool) {
	i := sort.Search(len(d.entries), func(i int) bool {
		return d.entries[i].available >= need
	})
	if i == len(d.entries) {
		return 0, false
	}
	return d.entries[i].page, true
}

// Store is the paged slotted store of spec.md §4.1: it allocates, retrieves,
// updates, and frees variable-size tuples within fixed-size pages, handing
// out refcounted ids stable across page reorganizations.
type Store struct {
	pool *Pool
	log  zerolog.Logger

	mu    sync.Mutex
	dirs  map[RelationID]*directory
	pages map[RelationID][]PageID // for LoadPage bookkeeping / diagnostics
}

// NewStore constructs a paged slotted store over the given buffer pool.
func NewStore(pool *Pool, log zerolog.Logger) *Store {
	return &Store{
		pool:  pool,
		log:   log.With().Str("component", "store").Logger(),
		dirs:  make(map[RelationID]*directory),
		pages: make(map[RelationID][]PageID),
	}
}

func (s *Store) dirFor(r RelationID) *directory {
	d, ok := s.dirs[r]
	if !ok {
		d = &directory{}
		s.dirs[r] = d
	}
	return d
}

// Allocate locates a page already associated with relationID that has
// enough room, or asks the pool for a new page at the appropriate size
// class, then performs intra-page slot allocation. Returns BoxFullError if
// the pool cannot supply a page (never retried internally).
func (s *Store) Allocate(relationID RelationID, value []byte) (TupleID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	need := len(value) + slotEntrySize
	dir := s.dirFor(relationID)

	if pid, ok := dir.fit(need); ok {
		page, ok := s.pool.Get(pid)
		if !ok {
			dir.remove(pid)
		} else {
			page.lock.Lock()
			slot, ok := page.allocSlot(len(value))
			if ok {
				copy(page.content(slot), value)
				page.lock.Unlock()
				dir.upsert(pid, page.AvailableBytes())
				return MakeTupleID(pid, slot), nil
			}
			page.lock.Unlock()
			// Directory was stale (another path shrank the page between
			// the fit() check and the latch); fall through to a new page.
		}
	}

	size := SizeClassFor(need)
	page, err := s.pool.Acquire(size)
	if err != nil {
		metrics.BoxFullTotal.Inc()
		return 0, err
	}
	page.setRelationID(relationID)
	metrics.PagesAllocatedTotal.Inc()
	metrics.BufferPoolBytesInUse.Add(float64(size))

	page.lock.Lock()
	slot, ok := page.allocSlot(len(value))
	if !ok {
		page.lock.Unlock()
		return 0, &errs.BoxFullError{Requested: need, Available: page.AvailableBytes()}
	}
	copy(page.content(slot), value)
	page.lock.Unlock()

	s.pages[relationID] = append(s.pages[relationID], page.ID)
	dir.upsert(page.ID, page.AvailableBytes())
	return MakeTupleID(page.ID, slot), nil
}

// Get resolves a tuple id to a copy of its current bytes.
func (s *Store) Get(id TupleID) ([]byte, error) {
	page, ok := s.pool.Get(id.PageID())
	if !ok {
		return nil, errs.ErrNotFound
	}
	page.lock.RLock()
	defer page.lock.RUnlock()
	if int(id.SlotID()) >= page.SlotCount() || !page.slotInUse(id.SlotID()) {
		return nil, errs.ErrNotFound
	}
	out := make([]byte, page.slotUsedLen(id.SlotID()))
	copy(out, page.usedContent(id.SlotID()))
	return out, nil
}

// Upcount increments a tuple's refcount.
func (s *Store) Upcount(id TupleID) error {
	page, ok := s.pool.Get(id.PageID())
	if !ok {
		return errs.ErrNotFound
	}
	page.lock.Lock()
	defer page.lock.Unlock()
	if int(id.SlotID()) >= page.SlotCount() || !page.slotInUse(id.SlotID()) {
		return errs.ErrNotFound
	}
	page.setSlotRefcount(id.SlotID(), page.slotRefcount(id.SlotID())+1)
	return nil
}

// Dncount decrements a tuple's refcount; at zero the slot is freed, and if
// the page becomes empty it is returned to the pool.
func (s *Store) Dncount(id TupleID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	page, ok := s.pool.Get(id.PageID())
	if !ok {
		return errs.ErrNotFound
	}
	page.lock.Lock()
	if int(id.SlotID()) >= page.SlotCount() || !page.slotInUse(id.SlotID()) {
		page.lock.Unlock()
		return errs.ErrNotFound
	}
	rc := page.slotRefcount(id.SlotID())
	if rc == 0 {
		page.lock.Unlock()
		return &errs.FatalError{Reason: "dncount: refcount underflow"}
	}
	rc--
	page.setSlotRefcount(id.SlotID(), rc)
	if rc == 0 {
		page.freeSlot(id.SlotID())
	}
	empty := page.IsEmpty() || page.UsedBytes() == 0
	avail := page.AvailableBytes()
	page.lock.Unlock()

	dir := s.dirFor(page.RelationID())
	if empty {
		dir.remove(page.ID)
		ids := s.pages[page.RelationID()]
		for i, pid := range ids {
			if pid == page.ID {
				s.pages[page.RelationID()] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
		s.pool.Release(page.ID)
		metrics.PagesFreedTotal.Inc()
		metrics.BufferPoolBytesInUse.Sub(float64(page.Size()))
		s.log.Debug().Uint32("page", uint32(page.ID)).Msg("page emptied, returned to pool")
	} else {
		dir.upsert(page.ID, avail)
	}
	return nil
}

// UpdateWith acquires a write latch on the containing page and calls fn with
// a pinned, mutable view of the slot's live bytes (the length the tuple was
// allocated with). fn only ever sees that fixed-size slice, so it cannot
// change the tuple's length, and UpdateWith does not inspect what fn wrote;
// a caller whose new content has a different length must Dncount the old
// tuple and Allocate a new one instead.
func (s *Store) UpdateWith(id TupleID, fn func([]byte)) error {
	page, ok := s.pool.Get(id.PageID())
	if !ok {
		return errs.ErrNotFound
	}
	page.lock.Lock()
	defer page.lock.Unlock()
	if int(id.SlotID()) >= page.SlotCount() || !page.slotInUse(id.SlotID()) {
		return errs.ErrNotFound
	}
	fn(page.content(id.SlotID())[:page.slotUsedLen(id.SlotID())])
	return nil
}

// LoadPage restores a page from external bytes (durability/replication),
// resets all refcounts to 1, and returns references to every live slot for
// rehydration by the relation layer above.
func (s *Store) LoadPage(pageID PageID, relationID RelationID, bytes []byte) ([]TupleID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	page := s.pool.Restore(pageID, append([]byte(nil), bytes...))
	page.setRelationID(relationID)
	// The saved bytes carry the read latch SaveInto held while copying;
	// start the restored page unlocked.
	page.put32(offLockState, 0)

	var ids []TupleID
	count := page.SlotCount()
	for i := 0; i < count; i++ {
		sid := SlotID(i)
		if !page.slotInUse(sid) {
			continue
		}
		page.setSlotRefcount(sid, 1)
		ids = append(ids, MakeTupleID(pageID, sid))
	}

	s.pages[relationID] = append(s.pages[relationID], pageID)
	s.dirFor(relationID).upsert(pageID, page.AvailableBytes())
	return ids, nil
}

// SaveInto copies a page's bytes under a read latch, for durability.
func (s *Store) SaveInto(pageID PageID, buf []byte) error {
	page, ok := s.pool.Get(pageID)
	if !ok {
		return errs.ErrNotFound
	}
	page.lock.RLock()
	defer page.lock.RUnlock()
	copy(buf, page.buf)
	return nil
}

// PageCount exposes the pool's resident page count for tests/metrics.
func (s *Store) PageCount() int { return s.pool.PageCount() }

// Pages returns a copy of every relation's resident page ids, for a backing
// source that needs to enumerate pages to snapshot (SaveInto) or restore
// (LoadPage) them.
func (s *Store) Pages() map[RelationID][]PageID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[RelationID][]PageID, len(s.pages))
	for r, ids := range s.pages {
		out[r] = append([]PageID(nil), ids...)
	}
	return out
}

// PageSize reports a resident page's byte size, the buffer length a caller
// must allocate before calling SaveInto.
func (s *Store) PageSize(id PageID) (int, bool) {
	page, ok := s.pool.Get(id)
	if !ok {
		return 0, false
	}
	return page.Size(), true
}
