package backend

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/termgraph/termgraph/pkg/relation"
	"github.com/termgraph/termgraph/pkg/storage"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func newSelector(t *testing.T, cfg Config) (*Selector, storage.Store, storage.Store) {
	t.Helper()
	reg := relation.NewRegistry()
	relational := storage.NewMemoryStore(reg)
	graph := storage.NewMemoryStore(reg)
	sel := NewSelector(relational, graph, cfg, quietLogger())
	t.Cleanup(func() { sel.Close() })
	return sel, relational, graph
}

func TestSelectorTransparentWithoutGraph(t *testing.T) {
	reg := relation.NewRegistry()
	sel := NewSelector(storage.NewMemoryStore(reg), nil, DefaultConfig(), quietLogger())
	defer sel.Close()
	ctx := context.Background()

	id, err := sel.Put(ctx, relation.New("a", "b", relation.TypeIsA, 1.0, ""))
	require.NoError(t, err)

	got, err := sel.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, relation.TermID("a"), got.SourceID)
	assert.Equal(t, ModeRelational, sel.Mode())

	err = sel.MigrateToGraph(ctx)
	assert.ErrorIs(t, err, relation.ErrStoreUnavailable)

	activated, err := sel.MaybeActivate(ctx, nil, 2)
	require.NoError(t, err)
	assert.False(t, activated)
}

func TestMigrateToGraphAndDualWrite(t *testing.T) {
	sel, _, graph := newSelector(t, DefaultConfig())
	ctx := context.Background()

	preID, err := sel.Put(ctx, relation.New("a", "b", relation.TypeIsA, 1.0, ""))
	require.NoError(t, err)

	require.NoError(t, sel.MigrateToGraph(ctx))
	assert.Equal(t, ModeGraph, sel.Mode())

	// Existing data was copied.
	_, err = graph.Get(ctx, preID)
	require.NoError(t, err)

	// New writes land in both backends.
	postID, err := sel.Put(ctx, relation.New("b", "c", relation.TypeIsA, 1.0, ""))
	require.NoError(t, err)
	_, err = graph.Get(ctx, postID)
	require.NoError(t, err)

	// Migration is idempotent.
	require.NoError(t, sel.MigrateToGraph(ctx))
	count, err := graph.EdgeCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	// A duplicate through the selector merges in both backends.
	_, err = sel.Put(ctx, relation.New("a", "b", relation.TypeIsA, 0.5, ""))
	assert.ErrorIs(t, err, relation.ErrDuplicate)
	gcount, err := graph.EdgeCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), gcount)
}

func TestRollbackToRelational(t *testing.T) {
	sel, _, _ := newSelector(t, DefaultConfig())
	ctx := context.Background()

	_, err := sel.Put(ctx, relation.New("a", "b", relation.TypeIsA, 1.0, ""))
	require.NoError(t, err)
	require.NoError(t, sel.MigrateToGraph(ctx))

	sel.RollbackToRelational()
	assert.Equal(t, ModeRelational, sel.Mode())
	// Idempotent.
	sel.RollbackToRelational()
	assert.Equal(t, ModeRelational, sel.Mode())

	// Reads still served, from the source of truth.
	out, err := sel.GetOutgoing(ctx, "a", "")
	require.NoError(t, err)
	assert.Len(t, out, 1)
}

func TestMaybeActivateBelowThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ActivationThreshold = 100
	sel, _, _ := newSelector(t, cfg)
	ctx := context.Background()

	_, err := sel.Put(ctx, relation.New("a", "b", relation.TypeIsA, 1.0, ""))
	require.NoError(t, err)

	activated, err := sel.MaybeActivate(ctx, nil, 2)
	require.NoError(t, err)
	assert.False(t, activated)
	assert.Equal(t, ModeRelational, sel.Mode())
}

// flakyStore fails reads on demand, for exercising the automatic fallback.
type flakyStore struct {
	storage.Store
	fail bool
}

var errInjected = errors.New("injected graph failure")

func (f *flakyStore) Get(ctx context.Context, id relation.RelationID) (*relation.Relation, error) {
	if f.fail {
		return nil, errInjected
	}
	return f.Store.Get(ctx, id)
}

func (f *flakyStore) GetOutgoing(ctx context.Context, termID relation.TermID, t relation.Type) ([]*relation.Relation, error) {
	if f.fail {
		return nil, errInjected
	}
	return f.Store.GetOutgoing(ctx, termID, t)
}

func TestGraphFailureFallsBack(t *testing.T) {
	reg := relation.NewRegistry()
	relational := storage.NewMemoryStore(reg)
	flaky := &flakyStore{Store: storage.NewMemoryStore(reg)}

	cfg := DefaultConfig()
	cfg.MinSamples = 1
	cfg.ErrorRateThreshold = 0.5
	sel := NewSelector(relational, flaky, cfg, quietLogger())
	defer sel.Close()
	ctx := context.Background()

	id, err := sel.Put(ctx, relation.New("a", "b", relation.TypeIsA, 1.0, ""))
	require.NoError(t, err)
	require.NoError(t, sel.MigrateToGraph(ctx))

	flaky.fail = true

	// The failing graph read is answered by the relational store, and the
	// selector drops back to relational mode.
	got, err := sel.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, relation.TermID("a"), got.SourceID)
	assert.Equal(t, ModeRelational, sel.Mode())
}

func TestBenchmarkReportsBothBackends(t *testing.T) {
	sel, _, _ := newSelector(t, DefaultConfig())
	ctx := context.Background()

	_, err := sel.Put(ctx, relation.New("a", "b", relation.TypeIsA, 1.0, ""))
	require.NoError(t, err)
	_, err = sel.Put(ctx, relation.New("b", "c", relation.TypeIsA, 1.0, ""))
	require.NoError(t, err)
	require.NoError(t, sel.MigrateToGraph(ctx))

	res, err := sel.Benchmark(ctx, []relation.TermID{"a", "b"}, 2)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, res.RelationalP95, time.Duration(0))
	assert.GreaterOrEqual(t, res.GraphP95, time.Duration(0))
}

func TestP95(t *testing.T) {
	assert.Equal(t, time.Duration(0), p95(nil))

	samples := make([]time.Duration, 100)
	for i := range samples {
		samples[i] = time.Duration(i+1) * time.Millisecond
	}
	assert.Equal(t, 95*time.Millisecond, p95(samples))

	assert.Equal(t, 7*time.Millisecond, p95([]time.Duration{7 * time.Millisecond}))
}

func TestReviewQueriesAlwaysHitSourceOfTruth(t *testing.T) {
	sel, relational, _ := newSelector(t, DefaultConfig())
	ctx := context.Background()

	base, err := sel.Put(ctx, relation.New("a", "b", relation.TypeIsA, 1.0, ""))
	require.NoError(t, err)
	require.NoError(t, sel.MigrateToGraph(ctx))

	// A proposal written directly to the relational store (e.g. by a
	// concurrent process) is visible in the pending queue immediately.
	prop := &relation.Relation{
		ID:         relation.NewRelationID(),
		SourceID:   "a",
		TargetID:   "c",
		Type:       relation.TypeIsA,
		Confidence: 0.9,
		Provenance: relation.ProvenanceInferred,
		Status:     relation.StatusProvisional,
		DerivationPath: []relation.DerivationStep{
			{EdgeID: base, Rule: "transitive"},
		},
	}
	_, err = relational.Put(ctx, prop)
	require.NoError(t, err)

	pending, err := sel.GetPending(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}
