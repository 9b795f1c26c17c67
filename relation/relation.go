// Package relation implements the relational substrate of spec.md §4.2: a
// catalogue of named binary relations, each backed by a primary domain->
// codomain map and an optional inverse (codomain->set<domain>) index.
//
// Relation itself is an in-memory canonical map; tuplebox/store's paged
// slotted allocator is a separate, independently-usable backend for callers
// that need tuple bytes on real pages (spec.md §1 describes it as "used by
// one of its back-end implementations", not mandatory for all of them). The
// MVCC layer (tuplebox/mvcc) is the only consumer that need care about
// transactions; Relation here is the single-writer-at-a-time canonical view
// each transaction's commit validates against and applies deltas to.
package relation

import (
	"bytes"
	"sync"

	"github.com/arborly/tuplebox/errs"
	"github.com/arborly/tuplebox/metrics"
)

// Entry is one (domain, codomain) pair as returned by scans.
type Entry struct {
	Domain   []byte
	Codomain []byte
}

// Relation is a single named binary relation's canonical (non-transactional)
// state: the primary map, the optional inverse index, and a write clock.
// Reads here never consult a backing source — that fallback belongs to the
// MVCC layer's working set (spec.md §4.3/§4.5), which is the only component
// permitted to read through to durable storage.
type Relation struct {
	mu sync.RWMutex

	name       string
	hasInverse bool
	composite  *Composite

	primary map[string]*record
	inverse map[string]map[string]struct{} // codomain(string) -> set<domain(string)>

	clock uint64
}

type record struct {
	codomain []byte
	writeTS  uint64
}

// Composite fixes the byte widths of a composite-domain relation's two
// components (spec.md §3, §4.2).
type Composite struct {
	WidthA int
	WidthB int
}

// New constructs an empty relation.
func New(name string, hasInverse bool, composite *Composite) *Relation {
	r := &Relation{
		name:       name,
		hasInverse: hasInverse,
		composite:  composite,
		primary:    make(map[string]*record),
	}
	if hasInverse {
		r.inverse = make(map[string]map[string]struct{})
	}
	return r
}

func (r *Relation) Name() string      { return r.name }
func (r *Relation) HasInverse() bool  { return r.hasInverse }
func (r *Relation) Composite() *Composite { return r.composite }

// Clock returns the relation's current write timestamp, bumped on every
// commit that touches it (spec.md §4.3 commit protocol step 4).
func (r *Relation) Clock() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.clock
}

// Lock/Unlock expose the per-relation read/write lock the MVCC manager
// takes only during commit's validate/apply window (spec.md §5): readers
// never take it, so ordinary lookups use RLock directly below instead.
func (r *Relation) Lock()    { r.mu.Lock() }
func (r *Relation) Unlock()  { r.mu.Unlock() }
func (r *Relation) RLock()   { r.mu.RLock() }
func (r *Relation) RUnlock() { r.mu.RUnlock() }

// TryLock attempts to acquire the exclusive lock without blocking, used by
// the MVCC commit protocol's prepare step (spec.md §4.3 step 1) to acquire
// every touched relation without risking a lock-order deadlock across
// concurrently committing transactions.
func (r *Relation) TryLock() bool { return r.mu.TryLock() }

// PeekLocked reads the current canonical entry for d without copying into a
// transaction's working set. Callers must hold at least RLock (the commit
// path holds the exclusive Lock while validating).
func (r *Relation) PeekLocked(d []byte) (codomain []byte, writeTS uint64, exists bool) {
	rec, ok := r.primary[string(d)]
	if !ok {
		return nil, 0, false
	}
	return rec.codomain, rec.writeTS, true
}

// ApplyInsertLocked installs (d, c) with the given write timestamp,
// unconditionally — the MVCC commit path calls this only after validating
// (or for a guaranteed-unique fast-path insert that skips validation
// entirely per SPEC_FULL §C.6). Must be called with the exclusive lock
// held.
func (r *Relation) ApplyInsertLocked(d, c []byte, ts uint64) {
	key := string(d)
	r.primary[key] = &record{codomain: append([]byte(nil), c...), writeTS: ts}
	if r.hasInverse {
		r.addInverse(c, d)
	}
	r.BumpClock(ts)
}

// ApplyUpsertLocked installs (d, c) with the given write timestamp,
// replacing any prior value and updating the inverse index accordingly.
func (r *Relation) ApplyUpsertLocked(d, c []byte, ts uint64) {
	key := string(d)
	if old, exists := r.primary[key]; exists && r.hasInverse {
		r.removeInverse(old.codomain, d)
	}
	r.primary[key] = &record{codomain: append([]byte(nil), c...), writeTS: ts}
	if r.hasInverse {
		r.addInverse(c, d)
	}
	r.BumpClock(ts)
}

// ApplyDeleteLocked removes d if present; a delete of an already-absent
// domain is a no-op (spec.md §4.3 commit step 2: "treated as success").
func (r *Relation) ApplyDeleteLocked(d []byte, ts uint64) {
	key := string(d)
	if old, exists := r.primary[key]; exists {
		delete(r.primary, key)
		if r.hasInverse {
			r.removeInverse(old.codomain, d)
		}
	}
	r.BumpClock(ts)
}

// --- primary operations (spec.md §4.2) ---

// InsertTuple stores (d, c), failing with ErrDuplicate if d is already
// present. Must be called with the write lock held (the MVCC commit path
// holds it across the whole validate+apply window).
func (r *Relation) InsertTuple(d, c []byte) error {
	key := string(d)
	if _, exists := r.primary[key]; exists {
		return errs.ErrDuplicate
	}
	r.insertLocked(key, d, c)
	return nil
}

// InsertGuaranteedUnique skips the duplicate check entirely (and, extending
// spec.md §4.3's guaranteed_unique fast path symmetrically per SPEC_FULL
// §C.6, skips inverse-index duplicate scanning too) for callers asserting
// the domain is freshly minted and cannot collide.
func (r *Relation) InsertGuaranteedUnique(d, c []byte) {
	r.insertLocked(string(d), d, c)
}

func (r *Relation) insertLocked(key string, d, c []byte) {
	r.primary[key] = &record{codomain: append([]byte(nil), c...), writeTS: r.clock}
	if r.hasInverse {
		r.addInverse(c, d)
	}
}

// Upsert stores (d, c), replacing any prior value and moving d's inverse
// membership from the old codomain's set to the new one.
func (r *Relation) Upsert(d, c []byte) {
	key := string(d)
	if old, exists := r.primary[key]; exists && r.hasInverse {
		r.removeInverse(old.codomain, d)
	}
	r.primary[key] = &record{codomain: append([]byte(nil), c...), writeTS: r.clock}
	if r.hasInverse {
		r.addInverse(c, d)
	}
}

// RemoveByDomain removes (d, *) if present, returning ErrNotFound if absent.
func (r *Relation) RemoveByDomain(d []byte) error {
	key := string(d)
	old, exists := r.primary[key]
	if !exists {
		return errs.ErrNotFound
	}
	delete(r.primary, key)
	if r.hasInverse {
		r.removeInverse(old.codomain, d)
	}
	return nil
}

// SeekUniqueByDomain returns the codomain for d, or ErrNotFound.
func (r *Relation) SeekUniqueByDomain(d []byte) ([]byte, error) {
	rec, ok := r.primary[string(d)]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return append([]byte(nil), rec.codomain...), nil
}

// ScanWithPredicate performs a full relation scan, returning every (d, c)
// pair for which pred returns true.
func (r *Relation) ScanWithPredicate(pred func(d, c []byte) bool) []Entry {
	metrics.RelationScansTotal.WithLabelValues(r.name).Inc()
	var out []Entry
	for k, rec := range r.primary {
		d := []byte(k)
		if pred == nil || pred(d, rec.codomain) {
			out = append(out, Entry{Domain: d, Codomain: append([]byte(nil), rec.codomain...)})
		}
	}
	return out
}

// --- inverse / codomain operations ---

func (r *Relation) addInverse(c, d []byte) {
	key := string(c)
	set, ok := r.inverse[key]
	if !ok {
		set = make(map[string]struct{})
		r.inverse[key] = set
	}
	set[string(d)] = struct{}{}
}

func (r *Relation) removeInverse(c, d []byte) {
	key := string(c)
	set, ok := r.inverse[key]
	if !ok {
		return
	}
	delete(set, string(d))
	if len(set) == 0 {
		delete(r.inverse, key)
	}
}

// SeekByCodomain returns the set of domains currently mapped to c, or the
// empty set if unknown. Order is not significant.
func (r *Relation) SeekByCodomain(c []byte) ([][]byte, error) {
	if !r.hasInverse {
		return nil, errs.ErrNoInverse
	}
	set, ok := r.inverse[string(c)]
	if !ok {
		return nil, nil
	}
	out := make([][]byte, 0, len(set))
	for d := range set {
		out = append(out, []byte(d))
	}
	return out, nil
}

// SeekUniqueByCodomain returns the single domain mapped to c, erroring if
// the multiplicity is not exactly one.
func (r *Relation) SeekUniqueByCodomain(c []byte) ([]byte, error) {
	ds, err := r.SeekByCodomain(c)
	if err != nil {
		return nil, err
	}
	if len(ds) == 0 {
		return nil, errs.ErrNotFound
	}
	if len(ds) > 1 {
		return nil, errs.ErrMultipleMatches
	}
	return ds[0], nil
}

// RemoveByCodomain resolves c via the inverse index, then removes every
// resolved domain. Fails with ErrNoInverse if the relation has none.
func (r *Relation) RemoveByCodomain(c []byte) error {
	if !r.hasInverse {
		return errs.ErrNoInverse
	}
	ds, _ := r.SeekByCodomain(c)
	if len(ds) == 0 {
		return errs.ErrNotFound
	}
	for _, d := range ds {
		_ = r.RemoveByDomain(d)
	}
	return nil
}

// TupleSizeForUniqueDomain reports the storage footprint (domain bytes plus
// codomain bytes) for accounting, per spec.md §4.2.
func (r *Relation) TupleSizeForUniqueDomain(d []byte) (int, bool) {
	rec, ok := r.primary[string(d)]
	if !ok {
		return 0, false
	}
	return len(d) + len(rec.codomain), true
}

// TupleSizeForUniqueCodomain reports the aggregate footprint of every
// (domain, c) pair currently mapped to c.
func (r *Relation) TupleSizeForUniqueCodomain(c []byte) (int, bool) {
	if !r.hasInverse {
		return 0, false
	}
	set, ok := r.inverse[string(c)]
	if !ok || len(set) == 0 {
		return 0, false
	}
	total := 0
	for d := range set {
		total += len(d) + len(c)
	}
	return total, true
}

// --- composite domain operations ---

// EncodeComposite concatenates a and b according to the relation's fixed
// component widths, per spec.md §3/§4.2.
func (r *Relation) EncodeComposite(a, b []byte) ([]byte, error) {
	if r.composite == nil {
		return nil, errs.ErrEncoding
	}
	if len(a) != r.composite.WidthA || len(b) != r.composite.WidthB {
		return nil, errs.ErrEncoding
	}
	out := make([]byte, 0, len(a)+len(b))
	out = append(out, a...)
	out = append(out, b...)
	return out, nil
}

// InsertCompositeDomainTuple inserts ((a,b) -> c).
func (r *Relation) InsertCompositeDomainTuple(a, b, c []byte) error {
	d, err := r.EncodeComposite(a, b)
	if err != nil {
		return err
	}
	return r.InsertTuple(d, c)
}

// SeekByUniqueCompositeDomain seeks the codomain for (a,b).
func (r *Relation) SeekByUniqueCompositeDomain(a, b []byte) ([]byte, error) {
	d, err := r.EncodeComposite(a, b)
	if err != nil {
		return nil, err
	}
	return r.SeekUniqueByDomain(d)
}

// UpsertComposite upserts ((a,b) -> c).
func (r *Relation) UpsertComposite(a, b, c []byte) error {
	d, err := r.EncodeComposite(a, b)
	if err != nil {
		return err
	}
	r.Upsert(d, c)
	return nil
}

// DeleteCompositeIfExists deletes (a,b) if present, without erroring if
// absent (unlike RemoveByDomain).
func (r *Relation) DeleteCompositeIfExists(a, b []byte) error {
	d, err := r.EncodeComposite(a, b)
	if err != nil {
		return err
	}
	if err := r.RemoveByDomain(d); err != nil && err != errs.ErrNotFound {
		return err
	}
	return nil
}

// ScanPrefixA returns every entry whose composite domain starts with
// component a, enabled by the relation's fixed component widths.
func (r *Relation) ScanPrefixA(a []byte) []Entry {
	if r.composite == nil {
		return nil
	}
	return r.ScanWithPredicate(func(d, _ []byte) bool {
		return len(d) >= len(a) && bytes.Equal(d[:len(a)], a)
	})
}

// BumpClock advances the relation's write timestamp, called once per commit
// that applies a delta to this relation (spec.md §4.3 step 4).
func (r *Relation) BumpClock(to uint64) {
	if to > r.clock {
		r.clock = to
	}
}
