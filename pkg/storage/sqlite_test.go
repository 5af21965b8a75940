package storage

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/termgraph/termgraph/pkg/relation"
)

func openSQLite(t *testing.T) (*SQLStore, *relation.Registry) {
	t.Helper()
	reg := relation.NewRegistry()
	s, err := OpenSQLStore(":memory:", reg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, reg
}

// A writer that loses the race between the duplicate check and the insert
// must land on the merge outcome, not on a unique-index error.
func TestSQLitePutMergesWhenInsertLosesRace(t *testing.T) {
	s, reg := openSQLite(t)
	ctx := context.Background()

	first := relation.New("cat", "mammal", relation.TypeIsA, 0.6, "user-1")
	firstID, err := s.Put(ctx, first)
	require.NoError(t, err)

	// Replay the losing half of the race: the key is already taken, so the
	// insert reports a conflict instead of failing.
	loser := relation.New("cat", "mammal", relation.TypeIsA, 0.9, "user-2")
	spec, err := reg.Spec(relation.TypeIsA)
	require.NoError(t, err)

	tx, err := s.db.BeginTx(ctx, nil)
	require.NoError(t, err)
	inserted, err := s.insertTx(ctx, tx, loser, spec.Symmetric)
	require.NoError(t, err)
	require.False(t, inserted)

	// The conflict resolves to the stored row and merges into it.
	existing, err := s.findByKeyTx(ctx, tx, loser.Key(), spec, loser.Status)
	require.NoError(t, err)
	id, err := s.mergeTx(ctx, tx, existing, loser)
	require.ErrorIs(t, err, relation.ErrDuplicate)
	assert.Equal(t, firstID, id)

	stored, err := s.Get(ctx, firstID)
	require.NoError(t, err)
	assert.Equal(t, 0.9, stored.Confidence)

	count, err := s.EdgeCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestSQLiteConcurrentPutsConverge(t *testing.T) {
	s, _ := openSQLite(t)
	ctx := context.Background()

	confs := []float64{0.5, 0.6, 0.7, 0.8, 0.9, 0.85, 0.75, 0.65}
	var wg sync.WaitGroup
	errs := make([]error, len(confs))
	for i, conf := range confs {
		wg.Add(1)
		go func(i int, conf float64) {
			defer wg.Done()
			_, errs[i] = s.Put(ctx, relation.New("a", "b", relation.TypeIsA, conf, "test"))
		}(i, conf)
	}
	wg.Wait()

	inserts := 0
	for _, err := range errs {
		if err == nil {
			inserts++
			continue
		}
		require.True(t, errors.Is(err, relation.ErrDuplicate), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, inserts)

	count, err := s.EdgeCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	stored, err := s.Lookup(ctx, "a", "b", relation.TypeIsA)
	require.NoError(t, err)
	assert.Equal(t, 0.9, stored.Confidence)
}
