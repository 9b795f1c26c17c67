// Package seq implements spec.md §3's Sequences: named 64-bit signed
// counters with get/increment/raise-max semantics, process-wide and shared
// across transactions. Sequence state outlives any individual transaction:
// commit/rollback of a transaction never rolls back a sequence
// side-effect (spec.md §3, §4.3).
package seq

import (
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/arborly/tuplebox/metrics"
)

// Name identifies a sequence; spec.md §4.2 allows representing sequences
// "as a reserved relation or as a side table with atomic 64-bit cells,
// indexed by a small integer name" — this package is the latter.
type Name int

// Sequences is a process-wide table of named atomic counters. It is created
// at Open and held by the owning Database handle (spec.md §9's note on
// avoiding ambient globals — never a package-level singleton). Cell lookup
// takes the read lock, and the write lock only to create a cell the first
// time a name is used; Increment is an atomic add and RaiseMax a
// compare-and-swap loop on the cell, so both are linearizable (spec.md §5).
type Sequences struct {
	mu    sync.RWMutex
	cells map[Name]*atomic.Int64
}

// New constructs an empty sequence table.
func New() *Sequences {
	return &Sequences{cells: make(map[Name]*atomic.Int64)}
}

func (s *Sequences) cell(name Name) *atomic.Int64 {
	s.mu.RLock()
	c, ok := s.cells[name]
	s.mu.RUnlock()
	if ok {
		return c
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok = s.cells[name]; ok {
		return c
	}
	c = &atomic.Int64{}
	s.cells[name] = c
	return c
}

// Current returns a sequence's value without mutating it.
func (s *Sequences) Current(name Name) int64 {
	return s.cell(name).Load()
}

// Increment atomically adds one and returns the new value.
func (s *Sequences) Increment(name Name) int64 {
	metrics.SequenceIncrementsTotal.WithLabelValues(strconv.Itoa(int(name))).Inc()
	return s.cell(name).Add(1)
}

// RaiseMax performs a monotonic max-update: the cell becomes max(cell, v).
// Implemented as a compare-and-swap loop, per spec.md §5.
func (s *Sequences) RaiseMax(name Name, v int64) int64 {
	c := s.cell(name)
	for {
		cur := c.Load()
		if v <= cur {
			return cur
		}
		if c.CompareAndSwap(cur, v) {
			return v
		}
	}
}

// Snapshot returns a point-in-time copy of every named counter, for metrics
// export (SPEC_FULL §C.5) without holding any lock across the caller's use
// of the result.
func (s *Sequences) Snapshot() map[Name]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[Name]int64, len(s.cells))
	for name, c := range s.cells {
		out[name] = c.Load()
	}
	return out
}
