package backing

import (
	"bytes"
	"encoding/gob"
	"os"
	"sync"

	"github.com/arborly/tuplebox/store"
	natomic "github.com/natefinch/atomic"
	"github.com/rs/zerolog"
)

// indexRef is where StoreSource's domain index points: the paged-store
// tuple id currently holding a domain's codomain bytes, and the write
// timestamp it was committed at.
type indexRef struct {
	Tuple store.TupleID
	TS    uint64
}

// pageRecord is one resident page's durable image, keyed by the relation it
// belongs to so LoadPage can be replayed with the right relation id.
type pageRecord struct {
	Relation store.RelationID
	Page     store.PageID
	Bytes    []byte
}

// indexRecord is one domain index entry's durable form (indexRef's map
// can't be gob-encoded directly since its key is a relation/domain pair).
type indexRecord struct {
	Relation int
	Domain   []byte
	Tuple    store.TupleID
	TS       uint64
}

// storeSnapshot is the whole-file payload persisted on every Put: every
// resident page's raw bytes plus the domain index pointing into them.
type storeSnapshot struct {
	Pages []pageRecord
	Index []indexRecord
}

// StoreSource is the paged-store-backed reference Source (SPEC_FULL §A.7):
// unlike FileSource's whole-value gob map, every Get/Put here actually goes
// through tuplebox/store's Allocate/Get/UpdateWith/Dncount, so the page,
// buffer pool, fit-selection allocator, and pagelock futex machinery of
// spec.md §4.1 sit on a real transactional path instead of only their own
// unit tests. Durability is a whole-snapshot rewrite of the store's
// resident pages (SaveInto) plus the domain index, restored on open via
// LoadPage — the same atomic-rename discipline FileSource uses, just over
// page bytes instead of whole values.
type StoreSource struct {
	mu    sync.Mutex
	path  string
	pool  *store.Pool
	st    *store.Store
	index map[int]map[string]indexRef // relation -> domain(string) -> ref
}

// OpenStoreSource opens (or creates) a paged store backed by a single
// snapshot file at path. maxBytes bounds the underlying buffer pool, as
// with any other Pool (<=0 means unbounded).
func OpenStoreSource(path string, maxBytes int64, log zerolog.Logger) (*StoreSource, error) {
	pool := store.NewPool(maxBytes)
	ss := &StoreSource{
		path:  path,
		pool:  pool,
		st:    store.NewStore(pool, log),
		index: make(map[int]map[string]indexRef),
	}
	if err := ss.load(); err != nil {
		return nil, err
	}
	return ss, nil
}

func (ss *StoreSource) indexFor(relation int) map[string]indexRef {
	rel, ok := ss.index[relation]
	if !ok {
		rel = make(map[string]indexRef)
		ss.index[relation] = rel
	}
	return rel
}

// Get resolves domain to its current codomain bytes via store.Store.Get.
func (ss *StoreSource) Get(relation int, domain []byte) (uint64, []byte, bool, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	rel, ok := ss.index[relation]
	if !ok {
		return 0, nil, false, nil
	}
	r, ok := rel[string(domain)]
	if !ok {
		return 0, nil, false, nil
	}
	value, err := ss.st.Get(r.Tuple)
	if err != nil {
		return 0, nil, false, err
	}
	return r.TS, value, true, nil
}

// Scan walks every domain currently indexed for relation, fetching each
// one's live bytes from the store.
func (ss *StoreSource) Scan(relation int, pred func(domain, codomain []byte) bool) ([]Entry, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	rel, ok := ss.index[relation]
	if !ok {
		return nil, nil
	}
	var out []Entry
	for domainKey, r := range rel {
		value, err := ss.st.Get(r.Tuple)
		if err != nil {
			return nil, err
		}
		domain := []byte(domainKey)
		if pred == nil || pred(domain, value) {
			out = append(out, Entry{
				Domain:   append([]byte(nil), domain...),
				Codomain: append([]byte(nil), value...),
				WriteTS:  r.TS,
			})
		}
	}
	return out, nil
}

// Put applies a batch of deltas against the paged store: a delete drops the
// tuple's refcount to free its slot, an insert allocates a fresh tuple, and
// an update tries an in-place UpdateWith when the new value is the same
// length as the old allocation before falling back to free-then-reallocate.
// The whole store is then snapshotted to disk.
func (ss *StoreSource) Put(deltas []Delta) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	for _, d := range deltas {
		rel := ss.indexFor(d.Relation)
		key := string(d.Domain)
		old, existed := rel[key]

		if d.Deleted {
			if existed {
				if err := ss.st.Dncount(old.Tuple); err != nil {
					return err
				}
				delete(rel, key)
			}
			continue
		}

		if existed {
			var wrote bool
			if err := ss.st.UpdateWith(old.Tuple, func(buf []byte) {
				if len(buf) == len(d.Codomain) {
					copy(buf, d.Codomain)
					wrote = true
				}
			}); err != nil {
				return err
			}
			if wrote {
				rel[key] = indexRef{Tuple: old.Tuple, TS: d.WriteTS}
				continue
			}
			if err := ss.st.Dncount(old.Tuple); err != nil {
				return err
			}
		}

		tuple, err := ss.st.Allocate(store.RelationID(d.Relation), d.Codomain)
		if err != nil {
			return err
		}
		rel[key] = indexRef{Tuple: tuple, TS: d.WriteTS}
	}

	return ss.persistLocked()
}

// persistLocked rewrites the snapshot file from every resident page's
// current bytes (SaveInto) plus the domain index, atomically.
func (ss *StoreSource) persistLocked() error {
	pages := ss.st.Pages()

	var snap storeSnapshot
	for relID, ids := range pages {
		for _, pid := range ids {
			size, ok := ss.st.PageSize(pid)
			if !ok {
				continue
			}
			buf := make([]byte, size)
			if err := ss.st.SaveInto(pid, buf); err != nil {
				return err
			}
			snap.Pages = append(snap.Pages, pageRecord{Relation: relID, Page: pid, Bytes: buf})
		}
	}
	for relID, rel := range ss.index {
		for domain, r := range rel {
			snap.Index = append(snap.Index, indexRecord{
				Relation: relID,
				Domain:   []byte(domain),
				Tuple:    r.Tuple,
				TS:       r.TS,
			})
		}
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&snap); err != nil {
		return err
	}
	return natomic.WriteFile(ss.path, &buf)
}

// load restores every page (LoadPage) and the domain index from an
// existing snapshot file, or leaves ss empty if path does not exist yet.
func (ss *StoreSource) load() error {
	f, err := os.Open(ss.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	var snap storeSnapshot
	if err := gob.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for _, pr := range snap.Pages {
		if _, err := ss.st.LoadPage(pr.Page, pr.Relation, pr.Bytes); err != nil {
			return err
		}
	}
	for _, ir := range snap.Index {
		ss.indexFor(ir.Relation)[string(ir.Domain)] = indexRef{Tuple: ir.Tuple, TS: ir.TS}
	}
	return nil
}
