// Package tuplebox is the public facade of the storage and transactional
// core of spec.md: declare a Schema, Open a Database against it, and drive
// transactions through Begin/Commit/Rollback. The heavy lifting lives in the
// internal-shaped tuplebox/store, tuplebox/relation, tuplebox/mvcc,
// tuplebox/seq, tuplebox/gc, and tuplebox/backing packages; this file only
// wires them together the way a caller expects a single import to behave.
package tuplebox

import (
	"fmt"

	"github.com/arborly/tuplebox/backing"
	"github.com/arborly/tuplebox/gc"
	"github.com/arborly/tuplebox/mvcc"
	"github.com/arborly/tuplebox/relation"
	"github.com/arborly/tuplebox/seq"
	"github.com/rs/zerolog"
)

// Tx is the handle a caller drives reads and writes through (spec.md §4.3).
// It is a type alias, not a wrapper, so every tuplebox/mvcc.Tx method is
// available here without re-declaration.
type Tx = mvcc.Tx

// CommitResult is the first-class outcome of (*Tx).Commit.
type CommitResult = mvcc.CommitResult

const (
	Success       = mvcc.Success
	ConflictRetry = mvcc.ConflictRetry
)

// Database is an open instance of the storage core: a schema's worth of
// registered relations, the transaction manager that validates and applies
// commits against them, and the process-wide sequence table whose lifetime
// is tied to this handle (spec.md §9's note on avoiding ambient globals).
type Database struct {
	schema *Schema
	mgr    *mvcc.Manager
	seqs   *seq.Sequences
	log    zerolog.Logger
}

type openOptions struct {
	log     zerolog.Logger
	backing map[RelationID]backing.Source
}

// Option configures Open.
type Option func(*openOptions)

// WithLogger installs a zerolog.Logger every component logs through. The
// zero value (zerolog.Nop()) is used if this option is omitted.
func WithLogger(log zerolog.Logger) Option {
	return func(o *openOptions) { o.log = log }
}

// WithBacking registers a durable backing source (tuplebox/backing.Source)
// for one relation; a working set falls through to it once its local
// operation log and base index are exhausted (spec.md §4.3). Relations
// without a registered source are purely in-memory for the process
// lifetime.
func WithBacking(id RelationID, src backing.Source) Option {
	return func(o *openOptions) {
		if o.backing == nil {
			o.backing = make(map[RelationID]backing.Source)
		}
		o.backing[id] = src
	}
}

// Open builds a Database from schema: every declared relation is
// constructed and registered with a fresh transaction manager, and a new
// Sequences table is created for this handle.
func Open(schema *Schema, opts ...Option) (*Database, error) {
	o := openOptions{log: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}

	mgr := mvcc.NewManager(o.log)
	for _, def := range schema.All() {
		var composite *relation.Composite
		if def.Composite != nil {
			composite = &relation.Composite{WidthA: def.Composite.WidthA, WidthB: def.Composite.WidthB}
		}
		r := relation.New(def.String(), def.HasInverse, composite)
		mgr.Register(int(def.ID), r, o.backing[def.ID])
	}

	return &Database{
		schema: schema,
		mgr:    mgr,
		seqs:   seq.New(),
		log:    o.log.With().Str("component", "tuplebox").Logger(),
	}, nil
}

// Schema returns the catalogue this Database was opened with.
func (db *Database) Schema() *Schema { return db.schema }

// Sequences returns the process-wide sequence table bound to this handle's
// lifetime (spec.md §3).
func (db *Database) Sequences() *seq.Sequences { return db.seqs }

// Begin starts a new transaction (spec.md §4.3).
func (db *Database) Begin() *Tx { return db.mgr.Begin() }

// NewGC returns a garbage-collection manager (spec.md §4.4) operating over
// the given metadata and reference relation ids, both of which must already
// be declared in this Database's schema.
func (db *Database) NewGC(metaRelID, refRelID RelationID) (*gc.Manager, error) {
	if _, ok := db.schema.Lookup(metaRelID); !ok {
		return nil, fmt.Errorf("tuplebox: NewGC: relation id %d not in schema", metaRelID)
	}
	if _, ok := db.schema.Lookup(refRelID); !ok {
		return nil, fmt.Errorf("tuplebox: NewGC: relation id %d not in schema", refRelID)
	}
	return gc.New(int(metaRelID), int(refRelID)), nil
}

// Close releases this Database's handle. Registered backing sources are not
// closed here — they outlive the handle that used them and a caller that
// owns one is responsible for its own lifecycle.
func (db *Database) Close() error {
	db.log.Info().Msg("database closed")
	return nil
}
