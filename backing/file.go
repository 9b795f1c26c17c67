package backing

import (
	"bytes"
	"encoding/gob"
	"os"
	"sync"

	natomic "github.com/natefinch/atomic"
)

// record is the gob-serializable on-disk form of one durable (domain,
// codomain, write_ts) tuple.
type record struct {
	Domain   []byte
	Codomain []byte
	WriteTS  uint64
}

// snapshot is the whole-file payload: every relation's live records.
type snapshot struct {
	Relations map[int][]record
}

// FileSource is the reference backing-source implementation named in
// SPEC_FULL §A.7: an in-memory index mirrored to a single snapshot file,
// replaced atomically (write-temp, fsync, rename) via natefinch/atomic on
// every Put, the way calvinalkan-agent-task persists its task files. It is
// intentionally simple — a whole-file rewrite per commit batch — since its
// purpose is to give the paged store/relation/mvcc layers something real to
// exercise end-to-end, not to be a production WAL.
type FileSource struct {
	mu   sync.Mutex
	path string
	data map[int]map[string]record // relation -> domain(string) -> record
}

// OpenFileSource loads an existing snapshot file, or starts empty if path
// does not exist.
func OpenFileSource(path string) (*FileSource, error) {
	fs := &FileSource{path: path, data: make(map[int]map[string]record)}

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return fs, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var snap snapshot
	if err := gob.NewDecoder(f).Decode(&snap); err != nil {
		return nil, err
	}
	for relID, recs := range snap.Relations {
		m := make(map[string]record, len(recs))
		for _, r := range recs {
			m[string(r.Domain)] = r
		}
		fs.data[relID] = m
	}
	return fs, nil
}

func (fs *FileSource) Get(relation int, domain []byte) (uint64, []byte, bool, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	rel, ok := fs.data[relation]
	if !ok {
		return 0, nil, false, nil
	}
	rec, ok := rel[string(domain)]
	if !ok {
		return 0, nil, false, nil
	}
	return rec.WriteTS, append([]byte(nil), rec.Codomain...), true, nil
}

func (fs *FileSource) Scan(relation int, pred func(domain, codomain []byte) bool) ([]Entry, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	rel, ok := fs.data[relation]
	if !ok {
		return nil, nil
	}
	var out []Entry
	for _, rec := range rel {
		if pred == nil || pred(rec.Domain, rec.Codomain) {
			out = append(out, Entry{
				Domain:   append([]byte(nil), rec.Domain...),
				Codomain: append([]byte(nil), rec.Codomain...),
				WriteTS:  rec.WriteTS,
			})
		}
	}
	return out, nil
}

// Put applies a batch of deltas and persists the new snapshot atomically.
func (fs *FileSource) Put(deltas []Delta) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	for _, d := range deltas {
		rel, ok := fs.data[d.Relation]
		if !ok {
			rel = make(map[string]record)
			fs.data[d.Relation] = rel
		}
		key := string(d.Domain)
		if d.Deleted {
			delete(rel, key)
			continue
		}
		rel[key] = record{
			Domain:   append([]byte(nil), d.Domain...),
			Codomain: append([]byte(nil), d.Codomain...),
			WriteTS:  d.WriteTS,
		}
	}
	return fs.persistLocked()
}

func (fs *FileSource) persistLocked() error {
	snap := snapshot{Relations: make(map[int][]record, len(fs.data))}
	for relID, rel := range fs.data {
		recs := make([]record, 0, len(rel))
		for _, r := range rel {
			recs = append(recs, r)
		}
		snap.Relations[relID] = recs
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&snap); err != nil {
		return err
	}
	return natomic.WriteFile(fs.path, &buf)
}
