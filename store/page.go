package store

import (
	"encoding/binary"

	"github.com/arborly/tuplebox/store/pagelock"
)

// Page header layout (spec.md §3 "Page"), low to high addresses:
//
//	offset  0: relationID   uint32
//	offset  4: usedBytes    uint32  -- sum of live slots' usedLen
//	offset  8: indexLength  uint32  -- slotCount * slotEntrySize
//	offset 12: contentLength uint32 -- total bytes reserved by the content
//	                                   region (allocated, not just used)
//	offset 16: slotCount    uint32
//	offset 20: lockState    uint32  -- pagelock state word
//	offset 24: wakeCounter  uint32  -- pagelock wake counter
//
// followed by a slot-index array growing upward from offset 28, a free
// region, and tuple content growing downward from the page's end.
const (
	headerSize     = 28
	slotEntrySize  = 20
	offRelationID  = 0
	offUsedBytes   = 4
	offIndexLen    = 8
	offContentLen  = 12
	offSlotCount   = 16
	offLockState   = 20
	offWakeCounter = 24
)

// slot index entry, 20 bytes, relative to its own base offset:
//
//	offset 0: inUse        uint32 (0/1)
//	offset 4: refcount     uint32
//	offset 8: contentOff   uint32 -- absolute offset into the page
//	offset12: allocatedLen uint32
//	offset16: usedLen      uint32
const (
	slotOffInUse     = 0
	slotOffRefcount  = 4
	slotOffContent   = 8
	slotOffAllocated = 12
	slotOffUsed      = 16
)

// Page is a fixed-size byte region hosting multiple variable-length tuples
// for a single relation, in the slotted layout of spec.md §3/§4.1.
type Page struct {
	ID   PageID
	buf  []byte
	lock *pagelock.Lock
}

func newPage(id PageID, size int) *Page {
	p := &Page{ID: id, buf: make([]byte, size)}
	p.lock = pagelock.New(p.word(offLockState), p.word(offWakeCounter))
	return p
}

func wrapPage(id PageID, buf []byte) *Page {
	p := &Page{ID: id, buf: buf}
	p.lock = pagelock.New(p.word(offLockState), p.word(offWakeCounter))
	return p
}

func (p *Page) word(off int) *uint32 {
	// The header words are 4-byte aligned by construction (headerSize and
	// every field offset within it are multiples of 4).
	return (*uint32)(ptrAt(p.buf, off))
}

func (p *Page) get32(off int) uint32 { return binary.LittleEndian.Uint32(p.buf[off:]) }
func (p *Page) put32(off int, v uint32) { binary.LittleEndian.PutUint32(p.buf[off:], v) }

func (p *Page) RelationID() RelationID { return RelationID(p.get32(offRelationID)) }
func (p *Page) setRelationID(r RelationID) { p.put32(offRelationID, uint32(r)) }

func (p *Page) UsedBytes() int    { return int(p.get32(offUsedBytes)) }
func (p *Page) IndexLength() int  { return int(p.get32(offIndexLen)) }
func (p *Page) ContentLength() int { return int(p.get32(offContentLen)) }
func (p *Page) SlotCount() int    { return int(p.get32(offSlotCount)) }
func (p *Page) Size() int         { return len(p.buf) }

// AvailableBytes is the room left for a new tuple: total page size minus
// header, minus the slot index, minus the content already reserved. This is
// the quantity the per-relation fit-selection directory (alloc.go) sorts on.
func (p *Page) AvailableBytes() int {
	return p.Size() - headerSize - p.IndexLength() - p.ContentLength()
}

// IsEmpty reports whether the page's slot count is zero, i.e. no slot has
// ever been allocated on it. Freed slots keep their index entries, so a page
// whose slots have all been freed is not IsEmpty; UsedBytes() == 0 is the
// check that covers that case.
func (p *Page) IsEmpty() bool { return p.SlotCount() == 0 }

func (p *Page) slotOffset(s SlotID) int { return headerSize + int(s)*slotEntrySize }

func (p *Page) slotInUse(s SlotID) bool {
	return p.get32(p.slotOffset(s)+slotOffInUse) != 0
}
func (p *Page) slotRefcount(s SlotID) uint32 {
	return p.get32(p.slotOffset(s) + slotOffRefcount)
}
func (p *Page) setSlotRefcount(s SlotID, v uint32) {
	p.put32(p.slotOffset(s)+slotOffRefcount, v)
}
func (p *Page) slotContentOffset(s SlotID) int {
	return int(p.get32(p.slotOffset(s) + slotOffContent))
}
func (p *Page) slotAllocatedLen(s SlotID) int {
	return int(p.get32(p.slotOffset(s) + slotOffAllocated))
}
func (p *Page) slotUsedLen(s SlotID) int {
	return int(p.get32(p.slotOffset(s) + slotOffUsed))
}

// content returns a mutable view over a slot's allocated bytes (not just its
// used prefix), for write access under the page's write latch.
func (p *Page) content(s SlotID) []byte {
	off := p.slotContentOffset(s)
	return p.buf[off : off+p.slotAllocatedLen(s)]
}

// usedContent returns the live (used-length) prefix of a slot's bytes.
func (p *Page) usedContent(s SlotID) []byte {
	off := p.slotContentOffset(s)
	return p.buf[off : off+p.slotUsedLen(s)]
}

// allocSlot performs the intra-page slot allocation algorithm of spec.md
// §4.1: reuse the smallest free slot whose allocated length >= size, else
// append at the low end of the content region and push a new index entry.
// Returns InvalidSlot if the page has no room at all.
func (p *Page) allocSlot(size int) (SlotID, bool) {
	best := InvalidSlot
	bestAlloc := -1
	count := p.SlotCount()
	for i := 0; i < count; i++ {
		s := SlotID(i)
		if p.slotInUse(s) {
			continue
		}
		alloc := p.slotAllocatedLen(s)
		if alloc >= size && (best == InvalidSlot || alloc < bestAlloc) {
			best = s
			bestAlloc = alloc
		}
	}
	if best != InvalidSlot {
		p.reuseSlot(best, size)
		return best, true
	}
	if p.AvailableBytes() < size+slotEntrySize {
		return InvalidSlot, false
	}
	return p.appendSlot(size), true
}

func (p *Page) reuseSlot(s SlotID, size int) {
	off := p.slotOffset(s)
	p.put32(off+slotOffInUse, 1)
	p.put32(off+slotOffRefcount, 1)
	p.put32(off+slotOffUsed, uint32(size))
	p.put32(offUsedBytes, uint32(p.UsedBytes()+size))
}

func (p *Page) appendSlot(size int) SlotID {
	contentStart := p.Size() - p.ContentLength() - size
	s := SlotID(p.SlotCount())
	off := p.slotOffset(s)
	p.put32(off+slotOffInUse, 1)
	p.put32(off+slotOffRefcount, 1)
	p.put32(off+slotOffContent, uint32(contentStart))
	p.put32(off+slotOffAllocated, uint32(size))
	p.put32(off+slotOffUsed, uint32(size))

	p.put32(offContentLen, uint32(p.ContentLength()+size))
	p.put32(offSlotCount, uint32(s)+1)
	p.put32(offIndexLen, uint32(int(s)+1)*slotEntrySize)
	p.put32(offUsedBytes, uint32(p.UsedBytes()+size))
	return s
}

// freeSlot marks a slot unused. The slot's index entry and content region
// are left in place for potential reuse (spec.md §4.1: "slots freed in the
// middle are left in place"); coalescing with neighbors is not performed,
// matching the spec's "coalescing is optional for correctness".
func (p *Page) freeSlot(s SlotID) {
	used := p.slotUsedLen(s)
	off := p.slotOffset(s)
	p.put32(off+slotOffInUse, 0)
	p.put32(off+slotOffUsed, 0)
	p.put32(offUsedBytes, uint32(p.UsedBytes()-used))
}

// InvalidSlot marks "no slot" in allocSlot's search.
const InvalidSlot SlotID = 0xFFFFFFFF

// Bytes returns the full backing buffer, for durability (save_into).
func (p *Page) Bytes() []byte { return p.buf }
