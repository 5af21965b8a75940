// Package backend selects between the relational and the native graph
// storage backend at runtime.
//
// The relational store (SQLite) is always the source of truth and receives
// every write. The graph store (BadgerDB) is a derived read-optimization:
// once the graph grows past the activation threshold and a benchmark shows
// traversal reads are materially faster there, reads switch to it and
// writes become dual-writes. If the graph backend starts failing, reads
// fall back to the relational store automatically; no data is lost because
// the relational store never stopped receiving writes.
//
// The Selector implements storage.Store, so everything above it (rules,
// inference, review, the HTTP API) is backend-agnostic.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/termgraph/termgraph/pkg/relation"
	"github.com/termgraph/termgraph/pkg/storage"
)

// Mode names the backend currently serving reads.
type Mode string

const (
	ModeRelational Mode = "relational"
	ModeGraph      Mode = "graph"
)

// Config tunes backend selection.
type Config struct {
	// ActivationThreshold is the edge count past which the graph backend
	// becomes a candidate for serving reads.
	ActivationThreshold int64

	// AdoptionSpeedup is the factor by which graph traversal p95 must beat
	// relational p95 for adoption. 2.0 means "at least twice as fast".
	AdoptionSpeedup float64

	// ErrorRateThreshold is the graph operation failure rate that triggers
	// automatic fallback to the relational backend.
	ErrorRateThreshold float64

	// MinSamples is the minimum number of graph operations observed before
	// the error rate is acted on.
	MinSamples int64
}

// DefaultConfig returns the standard selection tuning: activation at 5000
// edges, adoption requires a 2x traversal speedup, fallback at a 10%
// failure rate over at least 50 operations.
func DefaultConfig() Config {
	return Config{
		ActivationThreshold: 5000,
		AdoptionSpeedup:     2.0,
		ErrorRateThreshold:  0.10,
		MinSamples:          50,
	}
}

// Selector routes Store operations between the two backends.
type Selector struct {
	relational storage.Store
	graph      storage.Store
	cfg        Config
	logger     *log.Logger

	mu   sync.RWMutex
	mode Mode

	graphOps  atomic.Int64
	graphErrs atomic.Int64
}

var _ storage.Store = (*Selector)(nil)

// NewSelector creates a selector. The graph store may be nil, in which case
// the selector is a transparent wrapper over the relational store and
// migration is unavailable.
func NewSelector(relational, graph storage.Store, cfg Config, logger *log.Logger) *Selector {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.ActivationThreshold <= 0 {
		cfg.ActivationThreshold = DefaultConfig().ActivationThreshold
	}
	if cfg.AdoptionSpeedup <= 0 {
		cfg.AdoptionSpeedup = DefaultConfig().AdoptionSpeedup
	}
	if cfg.ErrorRateThreshold <= 0 {
		cfg.ErrorRateThreshold = DefaultConfig().ErrorRateThreshold
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = DefaultConfig().MinSamples
	}
	return &Selector{
		relational: relational,
		graph:      graph,
		cfg:        cfg,
		logger:     logger,
		mode:       ModeRelational,
	}
}

// Mode returns the backend currently serving reads.
func (s *Selector) Mode() Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

// graphActive reports whether reads are served by the graph backend.
func (s *Selector) graphActive() bool {
	return s.Mode() == ModeGraph && s.graph != nil
}

// recordGraph tracks graph operation outcomes and falls back to the
// relational backend when the failure rate crosses the threshold.
func (s *Selector) recordGraph(err error) {
	ops := s.graphOps.Add(1)
	if err == nil || errors.Is(err, relation.ErrNotFound) || errors.Is(err, relation.ErrDuplicate) {
		return
	}
	errs := s.graphErrs.Add(1)
	if ops < s.cfg.MinSamples {
		return
	}
	rate := float64(errs) / float64(ops)
	if rate >= s.cfg.ErrorRateThreshold && s.Mode() == ModeGraph {
		s.logger.Printf("backend: graph failure rate %.1f%% over %d ops, falling back to relational", rate*100, ops)
		s.RollbackToRelational()
	}
}

// MigrateToGraph copies the full relation set into the graph backend and
// switches reads to it. Idempotent: re-running re-imports (a no-op for
// already-present relations) and leaves the mode at graph.
func (s *Selector) MigrateToGraph(ctx context.Context) error {
	if s.graph == nil {
		return fmt.Errorf("%w: no graph backend configured", relation.ErrStoreUnavailable)
	}
	rels, err := s.relational.ExportAll(ctx)
	if err != nil {
		return fmt.Errorf("export for migration: %w", err)
	}
	if err := s.graph.ImportAll(ctx, rels); err != nil {
		return fmt.Errorf("import into graph backend: %w", err)
	}

	s.mu.Lock()
	was := s.mode
	s.mode = ModeGraph
	s.mu.Unlock()

	s.graphOps.Store(0)
	s.graphErrs.Store(0)
	if was != ModeGraph {
		s.logger.Printf("backend: migrated %d relations, reads now served by graph backend", len(rels))
	}
	return nil
}

// RollbackToRelational switches reads back to the relational backend. The
// relational store received every write all along, so no data movement is
// needed. Idempotent.
func (s *Selector) RollbackToRelational() {
	s.mu.Lock()
	was := s.mode
	s.mode = ModeRelational
	s.mu.Unlock()
	if was != ModeRelational {
		s.logger.Printf("backend: reads now served by relational backend")
	}
}

// MaybeActivate checks the activation threshold and, when crossed, runs the
// adoption benchmark and migrates if the graph backend wins. Returns true
// if a migration happened.
func (s *Selector) MaybeActivate(ctx context.Context, benchTerms []relation.TermID, hops int) (bool, error) {
	if s.graph == nil || s.graphActive() {
		return false, nil
	}
	count, err := s.relational.EdgeCount(ctx)
	if err != nil {
		return false, err
	}
	if count < s.cfg.ActivationThreshold {
		return false, nil
	}

	// Benchmark needs both backends populated.
	if err := s.syncGraph(ctx); err != nil {
		return false, err
	}
	res, err := s.Benchmark(ctx, benchTerms, hops)
	if err != nil {
		return false, err
	}
	if !res.Adopt {
		s.logger.Printf("backend: graph p95 %s vs relational p95 %s, staying relational",
			res.GraphP95, res.RelationalP95)
		return false, nil
	}
	return true, s.MigrateToGraph(ctx)
}

func (s *Selector) syncGraph(ctx context.Context) error {
	rels, err := s.relational.ExportAll(ctx)
	if err != nil {
		return err
	}
	return s.graph.ImportAll(ctx, rels)
}

// --- storage.Store ---

// Put writes to the relational source of truth and, when the graph backend
// is active, mirrors the write. A graph mirror failure never fails the
// call; it is counted toward the fallback error rate.
func (s *Selector) Put(ctx context.Context, rel *relation.Relation) (relation.RelationID, error) {
	id, err := s.relational.Put(ctx, rel)
	if err != nil && !errors.Is(err, relation.ErrDuplicate) {
		return id, err
	}
	if s.graphActive() {
		stored, gerr := s.relational.Get(ctx, id)
		if gerr == nil {
			_, gerr = s.graph.Put(ctx, stored.Clone())
		}
		s.recordGraph(gerr)
	}
	return id, err
}

func (s *Selector) Get(ctx context.Context, id relation.RelationID) (*relation.Relation, error) {
	if s.graphActive() {
		rel, err := s.graph.Get(ctx, id)
		s.recordGraph(err)
		if err == nil || errors.Is(err, relation.ErrNotFound) {
			return rel, err
		}
	}
	return s.relational.Get(ctx, id)
}

func (s *Selector) Update(ctx context.Context, rel *relation.Relation) error {
	err := s.relational.Update(ctx, rel)
	if err != nil && !errors.Is(err, relation.ErrDuplicate) {
		return err
	}
	if s.graphActive() {
		gerr := s.graph.Update(ctx, rel.Clone())
		s.recordGraph(gerr)
	}
	return err
}

func (s *Selector) Delete(ctx context.Context, id relation.RelationID) ([]*relation.Relation, error) {
	affected, err := s.relational.Delete(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.graphActive() {
		_, gerr := s.graph.Delete(ctx, id)
		if errors.Is(gerr, relation.ErrNotFound) {
			gerr = nil
		}
		s.recordGraph(gerr)
	}
	return affected, nil
}

func (s *Selector) GetOutgoing(ctx context.Context, termID relation.TermID, t relation.Type) ([]*relation.Relation, error) {
	if s.graphActive() {
		rels, err := s.graph.GetOutgoing(ctx, termID, t)
		s.recordGraph(err)
		if err == nil {
			return rels, nil
		}
	}
	return s.relational.GetOutgoing(ctx, termID, t)
}

func (s *Selector) GetIncoming(ctx context.Context, termID relation.TermID, t relation.Type) ([]*relation.Relation, error) {
	if s.graphActive() {
		rels, err := s.graph.GetIncoming(ctx, termID, t)
		s.recordGraph(err)
		if err == nil {
			return rels, nil
		}
	}
	return s.relational.GetIncoming(ctx, termID, t)
}

func (s *Selector) Lookup(ctx context.Context, source, target relation.TermID, t relation.Type) (*relation.Relation, error) {
	if s.graphActive() {
		rel, err := s.graph.Lookup(ctx, source, target, t)
		s.recordGraph(err)
		if err == nil || errors.Is(err, relation.ErrNotFound) {
			return rel, err
		}
	}
	return s.relational.Lookup(ctx, source, target, t)
}

func (s *Selector) Exists(ctx context.Context, source, target relation.TermID, t relation.Type) (bool, error) {
	_, err := s.Lookup(ctx, source, target, t)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, relation.ErrNotFound) {
		return false, nil
	}
	return false, err
}

func (s *Selector) Neighborhood(ctx context.Context, termID relation.TermID, maxHops int) ([]*relation.Relation, error) {
	if s.graphActive() {
		rels, err := s.graph.Neighborhood(ctx, termID, maxHops)
		s.recordGraph(err)
		if err == nil {
			return rels, nil
		}
	}
	return s.relational.Neighborhood(ctx, termID, maxHops)
}

func (s *Selector) GetPending(ctx context.Context, limit int) ([]*relation.Relation, error) {
	// Review decisions must see the source of truth.
	return s.relational.GetPending(ctx, limit)
}

func (s *Selector) Terms(ctx context.Context) ([]relation.TermID, error) {
	return s.relational.Terms(ctx)
}

func (s *Selector) EdgeCount(ctx context.Context) (int64, error) {
	return s.relational.EdgeCount(ctx)
}

func (s *Selector) ExportAll(ctx context.Context) ([]*relation.Relation, error) {
	return s.relational.ExportAll(ctx)
}

func (s *Selector) ImportAll(ctx context.Context, rels []*relation.Relation) error {
	if err := s.relational.ImportAll(ctx, rels); err != nil {
		return err
	}
	if s.graphActive() {
		s.recordGraph(s.graph.ImportAll(ctx, rels))
	}
	return nil
}

// Close closes both backends.
func (s *Selector) Close() error {
	err := s.relational.Close()
	if s.graph != nil {
		if gerr := s.graph.Close(); err == nil {
			err = gerr
		}
	}
	return err
}
