package review

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/termgraph/termgraph/pkg/relation"
	"github.com/termgraph/termgraph/pkg/storage"
)

func newQueue(t *testing.T) (*Queue, storage.Store) {
	t.Helper()
	reg := relation.NewRegistry()
	store := storage.NewMemoryStore(reg)
	t.Cleanup(func() { store.Close() })
	return NewQueue(store, log.New(io.Discard, "", 0)), store
}

func propose(t *testing.T, store storage.Store, source, target relation.TermID, conf float64) relation.RelationID {
	t.Helper()
	ctx := context.Background()
	base, err := store.Put(ctx, relation.New("evidence-a", "evidence-b", relation.TypeIsA, 1.0, "test"))
	if err != nil && !errors.Is(err, relation.ErrDuplicate) {
		require.NoError(t, err)
	}
	rel := &relation.Relation{
		ID:         relation.NewRelationID(),
		SourceID:   source,
		TargetID:   target,
		Type:       relation.TypeIsA,
		Confidence: conf,
		Provenance: relation.ProvenanceInferred,
		Status:     relation.StatusProvisional,
		DerivationPath: []relation.DerivationStep{
			{EdgeID: base, Rule: "transitive"},
		},
	}
	id, err := store.Put(ctx, rel)
	require.NoError(t, err)
	return id
}

func TestApproveConfirmsRelation(t *testing.T) {
	q, store := newQueue(t)
	ctx := context.Background()

	id := propose(t, store, "cat", "animal", 0.9)

	got, err := q.Resolve(ctx, id, Approve, nil, "reviewer-1")
	require.NoError(t, err)
	assert.Equal(t, relation.StatusConfirmed, got.Status)
	assert.Equal(t, 0.9, got.Confidence)
	assert.Equal(t, "reviewer-1", got.CreatedBy)

	// Confirmed relations surface through traversal queries.
	out, err := store.GetOutgoing(ctx, "cat", relation.TypeIsA)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, id, out[0].ID)

	pending, err := q.Pending(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestApproveWithConfidenceOverride(t *testing.T) {
	q, store := newQueue(t)
	ctx := context.Background()

	id := propose(t, store, "cat", "animal", 0.9)

	conf := 0.8
	got, err := q.Resolve(ctx, id, Approve, &conf, "")
	require.NoError(t, err)
	assert.Equal(t, 0.8, got.Confidence)

	badConf := 1.5
	id2 := propose(t, store, "dog", "animal", 0.9)
	_, err = q.Resolve(ctx, id2, Approve, &badConf, "")
	assert.ErrorIs(t, err, relation.ErrInvalidConfidence)
}

func TestRejectRemovesEntirely(t *testing.T) {
	q, store := newQueue(t)
	ctx := context.Background()

	id := propose(t, store, "cat", "animal", 0.9)

	got, err := q.Resolve(ctx, id, Reject, nil, "")
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = store.Get(ctx, id)
	assert.ErrorIs(t, err, relation.ErrNotFound)
}

func TestResolveIsFinal(t *testing.T) {
	q, store := newQueue(t)
	ctx := context.Background()

	id := propose(t, store, "cat", "animal", 0.9)
	_, err := q.Resolve(ctx, id, Approve, nil, "")
	require.NoError(t, err)

	// A second decision cannot flip the first.
	_, err = q.Resolve(ctx, id, Reject, nil, "")
	assert.ErrorIs(t, err, relation.ErrAlreadyResolved)

	_, err = q.Resolve(ctx, "rel-missing", Approve, nil, "")
	assert.ErrorIs(t, err, relation.ErrNotFound)
}

func TestApproveMergesIntoExistingConfirmed(t *testing.T) {
	q, store := newQueue(t)
	ctx := context.Background()

	confirmedID, err := store.Put(ctx, relation.New("cat", "animal", relation.TypeIsA, 0.7, "user-1"))
	require.NoError(t, err)

	// A proposal for a different key, retargeted by review onto the
	// confirmed one, merges.
	id := propose(t, store, "cat", "beast", 0.95)
	prop, err := store.Get(ctx, id)
	require.NoError(t, err)
	prop.TargetID = "animal"
	require.NoError(t, store.Update(ctx, prop))

	got, err := q.Resolve(ctx, id, Approve, nil, "")
	require.NoError(t, err)
	assert.Equal(t, confirmedID, got.ID)
	assert.Equal(t, 0.95, got.Confidence)

	_, err = store.Get(ctx, id)
	assert.ErrorIs(t, err, relation.ErrNotFound)
}

func TestPendingOrderAndLimit(t *testing.T) {
	q, store := newQueue(t)
	ctx := context.Background()

	propose(t, store, "a", "x", 0.9)
	propose(t, store, "a", "y", 0.9)
	propose(t, store, "a", "z", 0.9)

	pending, err := q.Pending(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	all, err := q.Pending(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestParseDecision(t *testing.T) {
	d, err := ParseDecision("approve")
	require.NoError(t, err)
	assert.Equal(t, Approve, d)

	_, err = ParseDecision("maybe")
	assert.Error(t, err)
}
