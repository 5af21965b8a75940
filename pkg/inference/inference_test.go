package inference

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/termgraph/termgraph/pkg/relation"
	"github.com/termgraph/termgraph/pkg/rules"
	"github.com/termgraph/termgraph/pkg/storage"
)

func newOrchestrator(t *testing.T) (*Orchestrator, storage.Store) {
	t.Helper()
	reg := relation.NewRegistry()
	eng, err := rules.NewEngine(rules.DefaultConfig(), reg)
	require.NoError(t, err)
	store := storage.NewMemoryStore(reg)
	t.Cleanup(func() { store.Close() })
	quiet := log.New(io.Discard, "", 0)
	return NewOrchestrator(store, eng, quiet), store
}

func mustAssert(t *testing.T, store storage.Store, source, target relation.TermID, typ relation.Type, conf float64) relation.RelationID {
	t.Helper()
	id, err := store.Put(context.Background(), relation.New(source, target, typ, conf, "test"))
	require.NoError(t, err)
	return id
}

func TestInferTransitiveChain(t *testing.T) {
	orch, store := newOrchestrator(t)
	ctx := context.Background()

	e1 := mustAssert(t, store, "cat", "mammal", relation.TypeIsA, 1.0)
	e2 := mustAssert(t, store, "mammal", "animal", relation.TypeIsA, 1.0)

	res, err := orch.Infer(ctx, "cat", nil)
	require.NoError(t, err)
	require.Len(t, res.Proposed, 1)

	prop := res.Proposed[0]
	assert.Equal(t, relation.TermID("cat"), prop.SourceID)
	assert.Equal(t, relation.TermID("animal"), prop.TargetID)
	assert.Equal(t, relation.TypeIsA, prop.Type)
	assert.Equal(t, 0.9, prop.Confidence)
	assert.Equal(t, relation.StatusProvisional, prop.Status)
	assert.Equal(t, relation.ProvenanceInferred, prop.Provenance)
	require.Len(t, prop.DerivationPath, 2)
	assert.Equal(t, e1, prop.DerivationPath[0].EdgeID)
	assert.Equal(t, e2, prop.DerivationPath[1].EdgeID)

	// The proposal is in the review queue, not in traversal results.
	pending, err := store.GetPending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	out, err := store.GetOutgoing(ctx, "cat", relation.TypeIsA)
	require.NoError(t, err)
	assert.Len(t, out, 1)
}

func TestInferIsIdempotent(t *testing.T) {
	orch, store := newOrchestrator(t)
	ctx := context.Background()

	mustAssert(t, store, "cat", "mammal", relation.TypeIsA, 1.0)
	mustAssert(t, store, "mammal", "animal", relation.TypeIsA, 1.0)

	first, err := orch.Infer(ctx, "cat", nil)
	require.NoError(t, err)
	require.Len(t, first.Proposed, 1)

	second, err := orch.Infer(ctx, "cat", nil)
	require.NoError(t, err)
	require.Len(t, second.Proposed, 1)
	assert.Equal(t, first.Proposed[0].ID, second.Proposed[0].ID)

	count, err := store.EdgeCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestInferDepthPerCall(t *testing.T) {
	orch, store := newOrchestrator(t)
	ctx := context.Background()

	mustAssert(t, store, "a", "b", relation.TypeIsA, 1.0)
	mustAssert(t, store, "b", "c", relation.TypeIsA, 1.0)
	mustAssert(t, store, "c", "d", relation.TypeIsA, 1.0)

	// Depth 2 stops at a -> c even though the configured depth reaches d.
	res, err := orch.InferDepth(ctx, "a", []rules.Rule{rules.RuleTransitive}, 2)
	require.NoError(t, err)
	require.Len(t, res.Proposed, 1)
	assert.Equal(t, relation.TermID("c"), res.Proposed[0].TargetID)

	count, err := store.EdgeCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), count)
}

func TestInferDepthZeroIsEmptyNotError(t *testing.T) {
	orch, store := newOrchestrator(t)
	ctx := context.Background()

	mustAssert(t, store, "cat", "mammal", relation.TypeIsA, 1.0)
	mustAssert(t, store, "mammal", "animal", relation.TypeIsA, 1.0)

	for _, depth := range []int{0, -5} {
		res, err := orch.InferDepth(ctx, "cat", nil, depth)
		require.NoError(t, err)
		assert.Empty(t, res.Proposed)
		assert.Zero(t, res.SkippedConfirmed)
	}

	// Nothing was materialized.
	count, err := store.EdgeCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestInferSkipsConfirmedDuplicates(t *testing.T) {
	orch, store := newOrchestrator(t)
	ctx := context.Background()

	mustAssert(t, store, "cat", "mammal", relation.TypeIsA, 1.0)
	mustAssert(t, store, "mammal", "animal", relation.TypeIsA, 1.0)
	// The conclusion is already asserted.
	mustAssert(t, store, "cat", "animal", relation.TypeIsA, 1.0)

	res, err := orch.Infer(ctx, "cat", nil)
	require.NoError(t, err)
	assert.Empty(t, res.Proposed)
	assert.Equal(t, 1, res.SkippedConfirmed)

	pending, err := store.GetPending(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestInferCycleNeverSelfLoops(t *testing.T) {
	orch, store := newOrchestrator(t)
	ctx := context.Background()

	mustAssert(t, store, "a", "b", relation.TypeIsA, 1.0)
	mustAssert(t, store, "b", "c", relation.TypeIsA, 1.0)
	mustAssert(t, store, "c", "a", relation.TypeIsA, 1.0)

	res, err := orch.Infer(ctx, "a", nil)
	require.NoError(t, err)
	for _, p := range res.Proposed {
		assert.NotEqual(t, p.SourceID, p.TargetID)
	}
}

func TestDeleteRelationCascades(t *testing.T) {
	orch, store := newOrchestrator(t)
	ctx := context.Background()

	e1 := mustAssert(t, store, "cat", "mammal", relation.TypeIsA, 1.0)
	mustAssert(t, store, "mammal", "animal", relation.TypeIsA, 1.0)

	res, err := orch.Infer(ctx, "cat", nil)
	require.NoError(t, err)
	require.Len(t, res.Proposed, 1)
	inferredID := res.Proposed[0].ID

	// Deleting a constituent edge invalidates the derivation, and nothing
	// can re-derive cat -> animal anymore.
	require.NoError(t, orch.DeleteRelation(ctx, e1))

	_, err = store.Get(ctx, inferredID)
	assert.ErrorIs(t, err, relation.ErrNotFound)

	pending, err := store.GetPending(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestReevaluateKeepsRederivable(t *testing.T) {
	orch, store := newOrchestrator(t)
	ctx := context.Background()

	// Two independent chains derive a -> d.
	ab := mustAssert(t, store, "a", "b", relation.TypeIsA, 1.0)
	mustAssert(t, store, "b", "d", relation.TypeIsA, 1.0)
	ax := mustAssert(t, store, "a", "x", relation.TypeIsA, 1.0)
	xd := mustAssert(t, store, "x", "d", relation.TypeIsA, 1.0)

	res, err := orch.Infer(ctx, "a", []rules.Rule{rules.RuleTransitive})
	require.NoError(t, err)

	var inferred *relation.Relation
	for _, p := range res.Proposed {
		if p.TargetID == "d" {
			inferred = p
		}
	}
	require.NotNil(t, inferred)

	// Remove one chain. The other still justifies the inference.
	require.NoError(t, orch.DeleteRelation(ctx, ab))

	got, err := store.Get(ctx, inferred.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.9, got.Confidence)
	for _, step := range got.DerivationPath {
		assert.NotEqual(t, ab, step.EdgeID)
		assert.Contains(t, []relation.RelationID{ax, xd}, step.EdgeID)
	}
}

func TestReinferAll(t *testing.T) {
	orch, store := newOrchestrator(t)
	ctx := context.Background()

	mustAssert(t, store, "cat", "mammal", relation.TypeIsA, 1.0)
	mustAssert(t, store, "mammal", "animal", relation.TypeIsA, 1.0)
	mustAssert(t, store, "vehicle", "car", relation.TypeBroader, 1.0)

	opts := DefaultBulkOptions()
	res, err := orch.ReinferAll(ctx, opts)
	require.NoError(t, err)
	assert.Equal(t, 5, res.TermsProcessed)
	assert.Greater(t, res.Proposed, 0)

	pending, err := store.GetPending(ctx, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, pending)

	// Re-running converges: same proposals, merged.
	count, err := store.EdgeCount(ctx)
	require.NoError(t, err)
	_, err = orch.ReinferAll(ctx, opts)
	require.NoError(t, err)
	again, err := store.EdgeCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, count, again)
}

func TestReinferAllResumesFromCheckpoint(t *testing.T) {
	orch, store := newOrchestrator(t)
	ctx := context.Background()

	mustAssert(t, store, "a", "b", relation.TypeIsA, 1.0)
	mustAssert(t, store, "b", "c", relation.TypeIsA, 1.0)
	mustAssert(t, store, "c", "d", relation.TypeIsA, 1.0)

	cpPath := filepath.Join(t.TempDir(), "reinfer.checkpoint")
	// Simulate an interrupted pass that finished through term "b".
	require.NoError(t, saveCheckpoint(cpPath, checkpoint{LastTerm: "b"}))

	res, err := orch.ReinferAll(ctx, BulkOptions{ChunkSize: 1, CheckpointPath: cpPath})
	require.NoError(t, err)
	// Terms are a, b, c, d; only c and d remain.
	assert.Equal(t, 2, res.TermsProcessed)

	// A completed pass clears its checkpoint.
	_, err = os.Stat(cpPath)
	assert.True(t, os.IsNotExist(err))
}

func TestSchedulerRejectsBadSpec(t *testing.T) {
	orch, _ := newOrchestrator(t)
	s := NewScheduler(orch, DefaultBulkOptions(), log.New(io.Discard, "", 0))
	assert.Error(t, s.Schedule("not a cron spec"))
	assert.NoError(t, s.Schedule("0 3 * * *"))
}
