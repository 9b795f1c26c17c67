package store

import "fmt"

// RelationID mirrors the root package's RelationID without importing it, to
// keep the store package free of a dependency on relation/schema concerns
// (spec.md's layering: the paged store only knows "a relation_id", not what
// a relation is for).
type RelationID int

// PageID addresses a page owned by a Store's buffer pool.
type PageID uint32

// SlotID addresses a slot within a single page.
type SlotID uint32

// TupleID is a stable, page-relative identifier for an allocated slot: the
// high 32 bits are the PageID, the low 32 the SlotID. Slot ids are stable
// for the life of a slot (spec.md §3 Page invariants).
type TupleID uint64

// MakeTupleID packs a page/slot pair into a TupleID.
func MakeTupleID(p PageID, s SlotID) TupleID {
	return TupleID(uint64(p)<<32 | uint64(s))
}

func (t TupleID) PageID() PageID { return PageID(t >> 32) }
func (t TupleID) SlotID() SlotID { return SlotID(uint32(t)) }

func (t TupleID) String() string {
	return fmt.Sprintf("tuple(page=%d,slot=%d)", t.PageID(), t.SlotID())
}
