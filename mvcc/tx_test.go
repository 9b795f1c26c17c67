package mvcc

import (
	"encoding/binary"
	"testing"

	"github.com/arborly/tuplebox/errs"
	"github.com/arborly/tuplebox/relation"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func obj(n int64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(n))
	return b
}

const (
	relParent   = 1
	relLocation = 2
)

func newTestManager() *Manager {
	m := NewManager(zerolog.Nop())
	m.Register(relParent, relation.New("Parent", false, nil), nil)
	m.Register(relLocation, relation.New("Location", true, nil), nil)
	return m
}

func TestInsertThenSeekWithinSameTx(t *testing.T) {
	m := newTestManager()
	tx := m.Begin()
	tx.InsertTuple(relParent, obj(1), obj(2))
	got, err := tx.SeekUniqueByDomain(relParent, obj(1))
	require.NoError(t, err)
	require.Equal(t, obj(2), got)

	res, err := tx.Commit()
	require.NoError(t, err)
	require.Equal(t, Success, res)

	tx2 := m.Begin()
	got, err = tx2.SeekUniqueByDomain(relParent, obj(1))
	require.NoError(t, err)
	require.Equal(t, obj(2), got)
	_, _ = tx2.Commit()
}

// TestConcurrentUpdateConflict is spec.md §8 S4.
func TestConcurrentUpdateConflict(t *testing.T) {
	m := newTestManager()

	setup := m.Begin()
	setup.InsertTuple(relLocation, obj(5), obj(10))
	res, err := setup.Commit()
	require.NoError(t, err)
	require.Equal(t, Success, res)

	t1 := m.Begin()
	t2 := m.Begin()

	got, err := t1.SeekUniqueByDomain(relLocation, obj(5))
	require.NoError(t, err)
	require.Equal(t, obj(10), got)
	got, err = t2.SeekUniqueByDomain(relLocation, obj(5))
	require.NoError(t, err)
	require.Equal(t, obj(10), got)

	t1.Upsert(relLocation, obj(5), obj(11))
	t2.Upsert(relLocation, obj(5), obj(12))

	res1, err1 := t1.Commit()
	require.NoError(t, err1)
	require.Equal(t, Success, res1)

	res2, err2 := t2.Commit()
	require.Equal(t, ConflictRetry, res2)
	var ce *errs.ConflictError
	require.ErrorAs(t, err2, &ce)
	require.Equal(t, errs.ConcurrentWrite, ce.Kind)

	t3 := m.Begin()
	got, err = t3.SeekUniqueByDomain(relLocation, obj(5))
	require.NoError(t, err)
	require.Equal(t, obj(11), got)
	t3.Upsert(relLocation, obj(5), obj(13))
	res3, err3 := t3.Commit()
	require.NoError(t, err3)
	require.Equal(t, Success, res3)
}

func TestConcurrentInsertConflict(t *testing.T) {
	m := newTestManager()
	t1 := m.Begin()
	t2 := m.Begin()

	t1.InsertTuple(relParent, obj(99), obj(1))
	t2.InsertTuple(relParent, obj(99), obj(2))

	res1, err1 := t1.Commit()
	require.NoError(t, err1)
	require.Equal(t, Success, res1)

	res2, err2 := t2.Commit()
	require.Equal(t, ConflictRetry, res2)
	require.Error(t, err2)
}

func TestDeleteOfMissingIsIdempotentSuccess(t *testing.T) {
	m := newTestManager()
	tx := m.Begin()
	tx.RemoveByDomain(relParent, obj(404))
	res, err := tx.Commit()
	require.NoError(t, err)
	require.Equal(t, Success, res)
}

func TestGuaranteedUniqueSkipsValidation(t *testing.T) {
	m := newTestManager()
	setup := m.Begin()
	setup.InsertTuple(relParent, obj(1), obj(2))
	_, _ = setup.Commit()

	tx := m.Begin()
	tx.InsertGuaranteedUnique(relParent, obj(1), obj(999))
	res, err := tx.Commit()
	require.NoError(t, err)
	require.Equal(t, Success, res)

	tx2 := m.Begin()
	got, err := tx2.SeekUniqueByDomain(relParent, obj(1))
	require.NoError(t, err)
	require.Equal(t, obj(999), got)
}

func TestResurrectionAfterDeleteThenInsert(t *testing.T) {
	m := newTestManager()
	tx := m.Begin()
	tx.InsertTuple(relParent, obj(7), obj(1))
	tx.RemoveByDomain(relParent, obj(7))
	tx.InsertTuple(relParent, obj(7), obj(2))

	got, err := tx.SeekUniqueByDomain(relParent, obj(7))
	require.NoError(t, err)
	require.Equal(t, obj(2), got)

	res, err := tx.Commit()
	require.NoError(t, err)
	require.Equal(t, Success, res)
}

func TestTransientRelationNotValidatedAtCommit(t *testing.T) {
	m := newTestManager()
	tx := m.Begin()
	scratch := tx.CreateTransientRelation(false)
	r, ok := tx.Transient(scratch)
	require.True(t, ok)
	require.NoError(t, r.InsertTuple(obj(1), obj(2)))

	res, err := tx.Commit()
	require.NoError(t, err)
	require.Equal(t, Success, res)
}
