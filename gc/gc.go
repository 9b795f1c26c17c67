// Package gc implements spec.md §4.4's garbage collection interface for
// anonymous, reference-scanned objects: per-object metadata carrying a
// generation (young/old), enumeration by generation, promotion, and
// collection of unreachable sets discovered by a whole-database reference
// scan. Every operation here is mediated through a *mvcc.Tx, so these
// operations "observe a consistent snapshot and their mutations must commit
// to take effect" exactly as spec.md §4.4 requires — gc itself holds no
// state of its own beyond which relation ordinals it was configured with.
package gc

import (
	"encoding/binary"

	"github.com/arborly/tuplebox/mvcc"
)

// Generation is an object's collection generation; spec.md §4.4 names only
// two: young (freshly created, scanned every cycle) and old (survived at
// least one scan, promoted out of the young set).
type Generation byte

const (
	Young Generation = 0
	Old   Generation = 1
)

func (g Generation) String() string {
	if g == Old {
		return "old"
	}
	return "young"
}

func encodeID(id int64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(id))
	return b
}

func decodeID(b []byte) int64 {
	return int64(binary.LittleEndian.Uint64(b))
}

func encodeSlot(slot int64) []byte {
	return encodeID(slot)
}

// Manager is configured once with the relation ordinals it operates over: a
// metadata relation (object id -> one-byte generation) and a reference
// relation, keyed by a composite (holder object id, slot index) domain
// whose codomain is the referenced object id — the general shape of a
// "list of objects" property (spec.md §8 S6).
type Manager struct {
	metaRel int
	refRel  int
}

// New returns a Manager bound to the given metadata and reference relation
// ordinals; both must already be registered with the owning mvcc.Manager
// (the reference relation composite, the metadata relation plain).
func New(metaRelID, refRelID int) *Manager {
	return &Manager{metaRel: metaRelID, refRel: refRelID}
}

// CreateObject registers id as a fresh young anonymous object. Callers mint
// id themselves, typically from a tuplebox/seq counter, before calling this
// (the guaranteed-unique fast path assumes the id has never been used).
func (m *Manager) CreateObject(tx *mvcc.Tx, id int64) {
	tx.InsertGuaranteedUnique(m.metaRel, encodeID(id), []byte{byte(Young)})
}

// GenerationOf returns id's current generation as tx observes it.
func (m *Manager) GenerationOf(tx *mvcc.Tx, id int64) (Generation, error) {
	v, err := tx.SeekUniqueByDomain(m.metaRel, encodeID(id))
	if err != nil {
		return 0, err
	}
	return Generation(v[0]), nil
}

// Promote moves id from young to old.
func (m *Manager) Promote(tx *mvcc.Tx, id int64) {
	tx.Upsert(m.metaRel, encodeID(id), []byte{byte(Old)})
}

// EnumerateGeneration returns every object id currently at generation gen.
func (m *Manager) EnumerateGeneration(tx *mvcc.Tx, gen Generation) []int64 {
	entries := tx.ScanWithPredicate(m.metaRel, func(_, c []byte) bool {
		return len(c) == 1 && Generation(c[0]) == gen
	})
	ids := make([]int64, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, decodeID(e.Domain))
	}
	return ids
}

// AddReference records that holder references target through the given
// slot (e.g. an index into a list-of-objects property). slot need only be
// unique per holder; callers that store a single scalar reference (rather
// than a list) can pass slot=0. It can only fail if the reference relation
// is not composite or its component widths are not 8 bytes each (the size
// of an encoded int64).
func (m *Manager) AddReference(tx *mvcc.Tx, holder int64, slot int64, target int64) error {
	return tx.UpsertComposite(m.refRel, encodeID(holder), encodeSlot(slot), encodeID(target))
}

// RemoveReference deletes one previously recorded reference.
func (m *Manager) RemoveReference(tx *mvcc.Tx, holder int64, slot int64) error {
	return tx.DeleteCompositeIfExists(m.refRel, encodeID(holder), encodeSlot(slot))
}

// ScanReferences scans the whole reference relation in one call, then walks
// the results in slices of batchSize (SPEC_FULL §C.4), and returns the set
// of object ids reachable from at least one recorded reference.
func (m *Manager) ScanReferences(tx *mvcc.Tx, batchSize int) map[int64]bool {
	if batchSize <= 0 {
		batchSize = 1 << 20
	}
	entries := tx.ScanWithPredicate(m.refRel, nil)
	reachable := make(map[int64]bool)
	for start := 0; start < len(entries); start += batchSize {
		end := start + batchSize
		if end > len(entries) {
			end = len(entries)
		}
		for _, e := range entries[start:end] {
			reachable[decodeID(e.Codomain)] = true
		}
	}
	return reachable
}

// Unreachable returns every known object (young and old) absent from
// reachable, the candidate set a caller would pass to CollectUnreachable.
func (m *Manager) Unreachable(tx *mvcc.Tx, reachable map[int64]bool) []int64 {
	var out []int64
	for _, id := range m.EnumerateGeneration(tx, Young) {
		if !reachable[id] {
			out = append(out, id)
		}
	}
	for _, id := range m.EnumerateGeneration(tx, Old) {
		if !reachable[id] {
			out = append(out, id)
		}
	}
	return out
}

// CollectUnreachable removes metadata and the backing object in one
// transactional step (spec.md §4.4): for each id, its metadata entry is
// deleted along with its domain in every relation listed in objectRelIDs
// (the relations an embedding application uses to store an anonymous
// object's own properties).
func (m *Manager) CollectUnreachable(tx *mvcc.Tx, ids []int64, objectRelIDs ...int) {
	for _, id := range ids {
		tx.RemoveByDomain(m.metaRel, encodeID(id))
		for _, relID := range objectRelIDs {
			tx.RemoveByDomain(relID, encodeID(id))
		}
	}
}
