package gc

import (
	"testing"

	"github.com/arborly/tuplebox/mvcc"
	"github.com/arborly/tuplebox/relation"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const (
	relMeta = 1
	relRefs = 2
	relProp = 3 // stand-in for a regular object's own property relation
)

func newTestManager() (*mvcc.Manager, *Manager) {
	m := mvcc.NewManager(zerolog.Nop())
	m.Register(relMeta, relation.New("ObjectMeta", false, nil), nil)
	m.Register(relRefs, relation.New("References", false, &relation.Composite{WidthA: 8, WidthB: 8}), nil)
	m.Register(relProp, relation.New("Prop", false, nil), nil)
	return m, New(relMeta, relRefs)
}

// TestAnonymousObjectGC is spec.md §8 S6.
func TestAnonymousObjectGC(t *testing.T) {
	mm, g := newTestManager()

	const regular int64 = 100
	const a1, a2, a3, a4 = int64(1), int64(2), int64(3), int64(4)

	tx := mm.Begin()
	for _, id := range []int64{a1, a2, a3, a4} {
		g.CreateObject(tx, id)
	}
	// regular object references only a1 and a3 via a list-of-objects
	// property, recorded as two slots under the regular object's id.
	require.NoError(t, g.AddReference(tx, regular, 0, a1))
	require.NoError(t, g.AddReference(tx, regular, 1, a3))
	res, err := tx.Commit()
	require.NoError(t, err)
	require.Equal(t, mvcc.Success, res)

	tx2 := mm.Begin()
	reachable := g.ScanReferences(tx2, 10)
	require.True(t, reachable[a1])
	require.True(t, reachable[a3])
	require.False(t, reachable[a2])
	require.False(t, reachable[a4])

	unreachable := g.Unreachable(tx2, reachable)
	require.ElementsMatch(t, []int64{a2, a4}, unreachable)

	g.CollectUnreachable(tx2, unreachable, relProp)
	res, err = tx2.Commit()
	require.NoError(t, err)
	require.Equal(t, mvcc.Success, res)

	tx3 := mm.Begin()
	_, err = g.GenerationOf(tx3, a1)
	require.NoError(t, err)
	_, err = g.GenerationOf(tx3, a3)
	require.NoError(t, err)
	_, err = g.GenerationOf(tx3, a2)
	require.Error(t, err)
	_, err = g.GenerationOf(tx3, a4)
	require.Error(t, err)
}

func TestPromoteMovesBetweenGenerations(t *testing.T) {
	mm, g := newTestManager()
	tx := mm.Begin()
	g.CreateObject(tx, 1)
	gen, err := g.GenerationOf(tx, 1)
	require.NoError(t, err)
	require.Equal(t, Young, gen)

	require.ElementsMatch(t, []int64{1}, g.EnumerateGeneration(tx, Young))
	require.Empty(t, g.EnumerateGeneration(tx, Old))

	g.Promote(tx, 1)
	gen, err = g.GenerationOf(tx, 1)
	require.NoError(t, err)
	require.Equal(t, Old, gen)
	require.Empty(t, g.EnumerateGeneration(tx, Young))
	require.ElementsMatch(t, []int64{1}, g.EnumerateGeneration(tx, Old))

	_, err = tx.Commit()
	require.NoError(t, err)
}

func TestRemoveReferenceDropsReachability(t *testing.T) {
	mm, g := newTestManager()
	tx := mm.Begin()
	g.CreateObject(tx, 1)
	require.NoError(t, g.AddReference(tx, 100, 0, 1))
	_, err := tx.Commit()
	require.NoError(t, err)

	tx2 := mm.Begin()
	require.NoError(t, g.RemoveReference(tx2, 100, 0))
	_, err = tx2.Commit()
	require.NoError(t, err)

	tx3 := mm.Begin()
	reachable := g.ScanReferences(tx3, 100)
	require.False(t, reachable[1])
}
