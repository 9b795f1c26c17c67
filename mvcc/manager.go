package mvcc

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arborly/tuplebox/backing"
	"github.com/arborly/tuplebox/errs"
	"github.com/arborly/tuplebox/metrics"
	"github.com/arborly/tuplebox/relation"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// relationContentionRetries bounds the manager's internal retry of the
// *lock-acquisition* race distinct from a tuple-version conflict (spec.md
// §4.3 step 3): "the manager itself may internally retry a bounded number of
// times (e.g. 3) for relation-contention conflicts".
const relationContentionRetries = 3

// Manager owns the canonical relations and assigns transaction timestamps.
// It is the thing spec.md §6's "transactional API" (begin/commit/rollback)
// is a method set of.
type Manager struct {
	log zerolog.Logger

	clock     atomic.Uint64
	relations map[int]*relation.Relation
	backing   map[int]backing.Source

	mu       sync.Mutex
	activeTx map[uint64]*Tx
}

// NewManager constructs a Manager with no relations registered yet.
func NewManager(log zerolog.Logger) *Manager {
	return &Manager{
		log:       log.With().Str("component", "mvcc").Logger(),
		relations: make(map[int]*relation.Relation),
		backing:   make(map[int]backing.Source),
		activeTx:  make(map[uint64]*Tx),
	}
}

// Register installs a canonical relation under the given ordinal, optionally
// paired with a backing source the working set falls through to once its
// local state is exhausted.
func (m *Manager) Register(id int, r *relation.Relation, src backing.Source) {
	m.relations[id] = r
	if src != nil {
		m.backing[id] = src
	}
}

func (m *Manager) relationFor(id int) *relation.Relation {
	r, ok := m.relations[id]
	if !ok {
		panic("mvcc: unregistered relation id")
	}
	return r
}

// nextTS assigns a monotonically increasing timestamp, used both as a
// transaction's snapshot timestamp at Begin and as its write timestamp at
// commit (spec.md §4.3: "Begins with a monotonically assigned timestamp
// ts").
func (m *Manager) nextTS() uint64 { return m.clock.Add(1) }

// Begin starts a new transaction. Its snapshot is everything with
// write-timestamp < ts (spec.md §4.3); since reads are serviced lazily
// against the live canonical relations rather than a materialized copy,
// this is enforced by commit-time validation (see (*Tx).Commit), not by
// blocking concurrent writers during the transaction's lifetime.
func (m *Manager) Begin() *Tx {
	tx := &Tx{
		id:      uuid.New(),
		ts:      m.nextTS(),
		mgr:     m,
		sets:    make(map[int]*workingSet),
		transient: make(map[int]*relation.Relation),
	}
	m.mu.Lock()
	m.activeTx[uint64(tx.ts)] = tx
	m.mu.Unlock()
	return tx
}

func (m *Manager) unregisterTx(tx *Tx) {
	m.mu.Lock()
	delete(m.activeTx, uint64(tx.ts))
	m.mu.Unlock()
}

// CommitResult is the first-class commit outcome of spec.md §4.3: a
// ConflictRetry result is not an error, it's a signal the caller should
// re-drive the transaction.
type CommitResult int

const (
	Success CommitResult = iota
	ConflictRetry
)

func (r CommitResult) String() string {
	if r == Success {
		return "success"
	}
	return "conflict-retry"
}

// commit runs the optimistic commit protocol of spec.md §4.3 for tx.
func (m *Manager) commit(tx *Tx) (result CommitResult, err error) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.CommitDuration)
		metrics.CommitsTotal.WithLabelValues(result.String()).Inc()
		var ce *errs.ConflictError
		if errors.As(err, &ce) {
			metrics.ConflictsTotal.WithLabelValues(ce.Kind.String()).Inc()
		}
	}()
	return m.commitLocked(tx)
}

func (m *Manager) commitLocked(tx *Tx) (CommitResult, error) {
	relIDs := make([]int, 0, len(tx.sets))
	for id := range tx.sets {
		relIDs = append(relIDs, id)
	}
	sort.Ints(relIDs) // fixed lock order avoids cross-transaction deadlock

	acquired, err := m.acquireAll(relIDs)
	if err != nil {
		return ConflictRetry, err
	}
	defer func() {
		for _, r := range acquired {
			r.Unlock()
		}
	}()

	// Validate every op against the current canonical entry ("theirs").
	for _, relID := range relIDs {
		r := m.relationFor(relID)
		ws := tx.sets[relID]
		for domainKey, op := range ws.entries() {
			domain := []byte(domainKey)
			theirsCodomain, theirsTS, theirsExists := r.PeekLocked(domain)

			if op.GuaranteedUnique {
				continue // fast path: skip all validation (SPEC_FULL §C.6)
			}
			if theirsExists && theirsTS > op.ReadTS {
				return ConflictRetry, &errs.ConflictError{Kind: errs.ConcurrentWrite, Relation: r.Name(), Domain: domain}
			}
			if op.Kind == OpInsert && theirsExists {
				return ConflictRetry, &errs.ConflictError{Kind: errs.DuplicateWrite, Relation: r.Name(), Domain: domain}
			}
			if op.Kind == OpDelete && !theirsExists {
				continue // idempotent success (spec.md §4.3 step 2)
			}
			_ = theirsCodomain
		}
	}

	// gofail: var CommitAfterValidate struct{}
	// a gofail-enabled build can turn this on to crash between validation
	// and apply; no shipped test enables it.

	// Apply.
	for _, relID := range relIDs {
		r := m.relationFor(relID)
		ws := tx.sets[relID]
		var deltas []backing.Delta
		for domainKey, op := range ws.entries() {
			domain := []byte(domainKey)
			switch op.Kind {
			case OpInsert:
				if op.GuaranteedUnique {
					r.ApplyInsertLocked(domain, op.Value, tx.ts)
				} else {
					r.ApplyUpsertLocked(domain, op.Value, tx.ts)
				}
				deltas = append(deltas, backing.Delta{Relation: relID, Domain: domain, Codomain: op.Value, WriteTS: tx.ts})
			case OpUpdate:
				r.ApplyUpsertLocked(domain, op.Value, tx.ts)
				deltas = append(deltas, backing.Delta{Relation: relID, Domain: domain, Codomain: op.Value, WriteTS: tx.ts})
			case OpDelete:
				r.ApplyDeleteLocked(domain, tx.ts)
				deltas = append(deltas, backing.Delta{Relation: relID, Domain: domain, Deleted: true, WriteTS: tx.ts})
			}
		}
		if src, ok := m.backing[relID]; ok && len(deltas) > 0 {
			if err := src.Put(deltas); err != nil {
				m.log.Warn().Err(err).Str("relation", r.Name()).Msg("backing source put failed after apply")
			}
		}
	}

	return Success, nil
}

// acquireAll tries to TryLock every relation in order, retrying the whole
// attempt (after releasing any partial acquisitions) up to
// relationContentionRetries times if it cannot acquire them all — the
// relation-contention case of spec.md §4.3 step 3, distinct from a
// tuple-version conflict.
func (m *Manager) acquireAll(relIDs []int) ([]*relation.Relation, error) {
	var attempt int
	for {
		var acquired []*relation.Relation
		ok := true
		for _, id := range relIDs {
			r := m.relationFor(id)
			if r.TryLock() {
				acquired = append(acquired, r)
			} else {
				ok = false
				break
			}
		}
		if ok {
			return acquired, nil
		}
		for _, r := range acquired {
			r.Unlock()
		}
		attempt++
		if attempt > relationContentionRetries {
			return nil, &errs.ConflictError{Kind: errs.RelationContention}
		}
		time.Sleep(time.Duration(attempt) * time.Millisecond)
	}
}
