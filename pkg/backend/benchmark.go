package backend

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/termgraph/termgraph/pkg/relation"
	"github.com/termgraph/termgraph/pkg/storage"
)

// BenchmarkResult compares traversal latency across the two backends.
type BenchmarkResult struct {
	RelationalP95 time.Duration
	GraphP95      time.Duration

	// Adopt is true when the graph backend beat the relational one by at
	// least the configured speedup factor.
	Adopt bool
}

// Benchmark measures Neighborhood latency on both backends over the given
// probe terms and compares p95. The probe set should be representative;
// callers typically sample hub terms. Both backends must hold the same
// data, so run after syncGraph or MigrateToGraph.
func (s *Selector) Benchmark(ctx context.Context, terms []relation.TermID, hops int) (*BenchmarkResult, error) {
	if s.graph == nil {
		return nil, fmt.Errorf("%w: no graph backend configured", relation.ErrStoreUnavailable)
	}
	if len(terms) == 0 {
		var err error
		terms, err = s.relational.Terms(ctx)
		if err != nil {
			return nil, err
		}
	}
	if hops <= 0 {
		hops = 2
	}

	relP95, err := measureP95(ctx, s.relational, terms, hops)
	if err != nil {
		return nil, fmt.Errorf("benchmark relational: %w", err)
	}
	graphP95, err := measureP95(ctx, s.graph, terms, hops)
	if err != nil {
		return nil, fmt.Errorf("benchmark graph: %w", err)
	}

	return &BenchmarkResult{
		RelationalP95: relP95,
		GraphP95:      graphP95,
		Adopt:         float64(graphP95)*s.cfg.AdoptionSpeedup < float64(relP95),
	}, nil
}

func measureP95(ctx context.Context, store storage.Store, terms []relation.TermID, hops int) (time.Duration, error) {
	samples := make([]time.Duration, 0, len(terms))
	for _, term := range terms {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		start := time.Now()
		if _, err := store.Neighborhood(ctx, term, hops); err != nil {
			return 0, err
		}
		samples = append(samples, time.Since(start))
	}
	return p95(samples), nil
}

// p95 returns the 95th percentile of the samples, the nearest-rank way.
func p95(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	idx := (95*len(samples) + 99) / 100
	if idx > 0 {
		idx--
	}
	return samples[idx]
}
