package mvcc

import (
	"github.com/arborly/tuplebox/errs"
	"github.com/arborly/tuplebox/relation"
	"github.com/google/uuid"
)

// Tx is a single transaction: a monotonic snapshot timestamp, a per-relation
// working set, and a set of transient (process-private, non-validated)
// relations (spec.md §4.3). Tx is not safe for concurrent use by multiple
// goroutines — like database/sql, a transaction belongs to whichever
// goroutine obtained it (spec.md §5: "operations on a single transaction
// are not required to be thread-safe").
type Tx struct {
	id  uuid.UUID
	ts  uint64
	mgr *Manager

	sets      map[int]*workingSet
	transient map[int]*relation.Relation
	nextTransientID int
}

// ID returns the transaction's diagnostic identifier.
func (tx *Tx) ID() uuid.UUID { return tx.id }

// Timestamp returns the transaction's snapshot/begin timestamp.
func (tx *Tx) Timestamp() uint64 { return tx.ts }

func (tx *Tx) setFor(relID int) *workingSet {
	ws, ok := tx.sets[relID]
	if !ok {
		ws = newWorkingSet()
		tx.sets[relID] = ws
	}
	return ws
}

// peek builds the peekFunc a working set uses to fall through past its
// local state: first the canonical relation (under RLock, matching spec.md
// §5's "readers never take" the exclusive lock), then the registered
// backing source if the relation hasn't been fully loaded.
func (tx *Tx) peek(relID int) peekFunc {
	return func(domain []byte) (uint64, []byte, bool) {
		r := tx.mgr.relationFor(relID)
		r.RLock()
		c, ts, found := r.PeekLocked(domain)
		r.RUnlock()
		if found {
			return ts, append([]byte(nil), c...), true
		}
		if src, ok := tx.mgr.backing[relID]; ok {
			ts, val, ok2, err := src.Get(relID, domain)
			if err == nil && ok2 {
				return ts, val, true
			}
		}
		return 0, nil, false
	}
}

// --- primary operations (spec.md §4.2, mediated through the working set) ---

// InsertTuple requests an insert of (d, c). Duplicate detection is deferred
// to commit-time validation against the canonical relation (spec.md §4.3);
// a transaction can freely Insert and later observe the collision via
// Commit's ConflictRetry result and its *ConflictError (kind DuplicateWrite,
// or ConcurrentWrite if the domain was committed after tx first observed
// it) rather than here.
func (tx *Tx) InsertTuple(relID int, d, c []byte) {
	tx.setFor(relID).write(d, OpInsert, c, false, tx.peek(relID))
}

// InsertGuaranteedUnique is the optional fast path of spec.md §4.3 for
// inserts the caller asserts cannot collide (e.g. freshly-allocated
// identifiers): it skips duplicate checks and conflict validation entirely,
// including on the inverse index (SPEC_FULL §C.6).
func (tx *Tx) InsertGuaranteedUnique(relID int, d, c []byte) {
	tx.setFor(relID).write(d, OpInsert, c, true, tx.peek(relID))
}

// Upsert requests (d, c), replacing any prior value.
func (tx *Tx) Upsert(relID int, d, c []byte) {
	tx.setFor(relID).write(d, OpUpdate, c, false, tx.peek(relID))
}

// RemoveByDomain requests removal of d.
func (tx *Tx) RemoveByDomain(relID int, d []byte) {
	tx.setFor(relID).write(d, OpDelete, nil, false, tx.peek(relID))
}

// SeekUniqueByDomain returns the codomain currently visible to tx for d:
// its own pending write if any, else the first-observed canonical/backing
// value.
func (tx *Tx) SeekUniqueByDomain(relID int, d []byte) ([]byte, error) {
	v, found := tx.setFor(relID).read(d, tx.peek(relID))
	if !found {
		return nil, errs.ErrNotFound
	}
	return v, nil
}

// ScanWithPredicate performs a full relation scan as visible to tx. The
// first scan caches every canonical entry, then every backing-source entry
// not already cached, into the working set's base index and marks it fully
// loaded; each scan returns the cached entries with local pending writes
// overlaid.
func (tx *Tx) ScanWithPredicate(relID int, pred func(d, c []byte) bool) []relation.Entry {
	ws := tx.setFor(relID)
	r := tx.mgr.relationFor(relID)

	seen := make(map[string]bool)
	var out []relation.Entry

	r.RLock()
	base := r.ScanWithPredicate(nil)
	if !ws.fullyLoaded {
		for _, e := range base {
			if _, already := ws.base[string(e.Domain)]; !already {
				_, ts, _ := r.PeekLocked(e.Domain)
				ws.base[string(e.Domain)] = cacheEntry{value: e.Codomain, ts: ts, present: true}
			}
		}
	}
	r.RUnlock()

	if !ws.fullyLoaded {
		if src, ok := tx.mgr.backing[relID]; ok {
			entries, err := src.Scan(relID, nil)
			if err == nil {
				for _, e := range entries {
					if _, already := ws.base[string(e.Domain)]; !already {
						ws.base[string(e.Domain)] = cacheEntry{value: e.Codomain, ts: e.WriteTS, present: true}
					}
				}
			}
		}
		ws.fullyLoaded = true
	}

	for domainKey, c := range ws.base {
		if !c.present {
			continue
		}
		e := relation.Entry{Domain: []byte(domainKey), Codomain: c.value}
		seen[string(e.Domain)] = true
		if op, ok := ws.log[string(e.Domain)]; ok {
			if op.Kind != OpDelete && (pred == nil || pred(e.Domain, op.Value)) {
				out = append(out, relation.Entry{Domain: e.Domain, Codomain: op.Value})
			}
			continue
		}
		if pred == nil || pred(e.Domain, e.Codomain) {
			out = append(out, relation.Entry{Domain: e.Domain, Codomain: e.Codomain})
		}
	}
	for domainKey, op := range ws.log {
		if seen[domainKey] || op.Kind == OpDelete {
			continue
		}
		d := []byte(domainKey)
		if pred == nil || pred(d, op.Value) {
			out = append(out, relation.Entry{Domain: d, Codomain: op.Value})
		}
	}
	return out
}

// --- inverse / codomain operations ---

// SeekByCodomain resolves the inverse index for c, overlaid with this
// transaction's pending writes to relations that declare an inverse.
func (tx *Tx) SeekByCodomain(relID int, c []byte) ([][]byte, error) {
	r := tx.mgr.relationFor(relID)
	if !r.HasInverse() {
		return nil, errs.ErrNoInverse
	}
	r.RLock()
	ds, _ := r.SeekByCodomain(c)
	r.RUnlock()

	ws := tx.setFor(relID)
	result := make(map[string][]byte)
	for _, d := range ds {
		result[string(d)] = d
	}
	for domainKey, op := range ws.log {
		d := []byte(domainKey)
		switch op.Kind {
		case OpDelete:
			delete(result, domainKey)
		default:
			// Only include if this op's codomain is c; otherwise make sure
			// a stale prior membership under c is not shown.
			if string(op.Value) == string(c) {
				result[domainKey] = d
			} else {
				delete(result, domainKey)
			}
		}
	}
	out := make([][]byte, 0, len(result))
	for _, d := range result {
		out = append(out, d)
	}
	return out, nil
}

// SeekUniqueByCodomain errors unless exactly one domain currently maps to c.
func (tx *Tx) SeekUniqueByCodomain(relID int, c []byte) ([]byte, error) {
	ds, err := tx.SeekByCodomain(relID, c)
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

// RemoveByCodomain resolves c via the inverse index as tx currently sees
// it, then requests removal of every resolved domain.
func (tx *Tx) RemoveByCodomain(relID int, c []byte) error {
	ds, err := tx.SeekByCodomain(relID, c)
	if err != nil {
		return err
	}
	if len(ds) == 0 {
		return errs.ErrNotFound
	}
	for _, d := range ds {
		tx.RemoveByDomain(relID, d)
	}
	return nil
}

// --- composite domain operations ---

// compositeDomain concatenates a and b through the relation's own
// EncodeComposite, so the fixed-width check spec.md §3/§4.2 requires ("the
// component widths are fixed per relation") is enforced on every path a
// caller can reach, not only relation.Relation's own direct callers.
func (tx *Tx) compositeDomain(relID int, a, b []byte) ([]byte, error) {
	return tx.mgr.relationFor(relID).EncodeComposite(a, b)
}

func (tx *Tx) InsertCompositeDomainTuple(relID int, a, b, c []byte) error {
	d, err := tx.compositeDomain(relID, a, b)
	if err != nil {
		return err
	}
	tx.InsertTuple(relID, d, c)
	return nil
}

func (tx *Tx) SeekByUniqueCompositeDomain(relID int, a, b []byte) ([]byte, error) {
	d, err := tx.compositeDomain(relID, a, b)
	if err != nil {
		return nil, err
	}
	return tx.SeekUniqueByDomain(relID, d)
}

func (tx *Tx) UpsertComposite(relID int, a, b, c []byte) error {
	d, err := tx.compositeDomain(relID, a, b)
	if err != nil {
		return err
	}
	tx.Upsert(relID, d, c)
	return nil
}

func (tx *Tx) DeleteCompositeIfExists(relID int, a, b []byte) error {
	d, err := tx.compositeDomain(relID, a, b)
	if err != nil {
		return err
	}
	tx.RemoveByDomain(relID, d)
	return nil
}

// --- transient relations ---

// firstTransientID is chosen well above any plausible schema-declared
// relation ordinal so transient ids never collide with real ones.
const firstTransientID = 1 << 20

// CreateTransientRelation creates a process-private relation bound to tx's
// lifetime, for intermediate results and scratch storage (spec.md §4.3).
// It is not validated at commit and is discarded on either Commit or
// Rollback.
func (tx *Tx) CreateTransientRelation(hasInverse bool) int {
	id := firstTransientID + tx.nextTransientID
	tx.nextTransientID++
	tx.transient[id] = relation.New("transient", hasInverse, nil)
	return id
}

// Transient returns the scratch relation created by CreateTransientRelation.
// Since transient relations are never validated at commit, callers use its
// plain (non-transactional) methods directly.
func (tx *Tx) Transient(id int) (*relation.Relation, bool) {
	r, ok := tx.transient[id]
	return r, ok
}

// --- commit / rollback ---

// Commit validates the working set against current canonical state and, if
// clean, applies it (spec.md §4.3). Returns ConflictRetry (not an error in
// the Go sense beyond carrying a *ConflictError) when the caller should
// re-drive the transaction with a fresh Begin.
func (tx *Tx) Commit() (CommitResult, error) {
	defer tx.mgr.unregisterTx(tx)
	tx.transient = nil
	if len(tx.sets) == 0 {
		return Success, nil
	}
	return tx.mgr.commit(tx)
}

// Rollback discards the working set and releases any transient relations.
// Sequence side-effects (tuplebox/seq) are not rolled back (spec.md §3,
// §4.3).
func (tx *Tx) Rollback() {
	tx.mgr.unregisterTx(tx)
	tx.sets = nil
	tx.transient = nil
}
