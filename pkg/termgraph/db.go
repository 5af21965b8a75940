// Package termgraph provides the main API for embedded TermGraph usage.
//
// TermGraph is a relation graph store with rule-based inference: it
// persists typed, directed, weighted relations between domain terms,
// derives new relations with algebraic rules (transitivity, symmetry,
// equivalence, inverses), and routes everything the machine derives
// through a human review queue before it becomes part of the graph.
//
// Architecture:
//   - Storage: SQLite source of truth with an optional BadgerDB graph
//     backend selected at runtime (package backend)
//   - Rules: pure candidate generation (package rules)
//   - Inference: candidate materialization, cascade re-evaluation, bulk
//     passes (package inference)
//   - Review: the human-in-the-loop queue (package review)
//
// Example Usage:
//
//	cfg := config.Default()
//	cfg.Storage.SQLitePath = ":memory:"
//	cfg.Storage.BadgerDir = ""
//
//	db, err := termgraph.Open(cfg, nil)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer db.Close()
//
//	rel, err := db.CreateRelation(ctx, "term-cat", "term-mammal", relation.TypeIsA, 1.0, "user-1")
//	res, err := db.Infer(ctx, "term-cat", nil)
//	pending, err := db.Pending(ctx, 10)
//	approved, err := db.Resolve(ctx, pending[0].ID, review.Approve, nil, "reviewer-1")
package termgraph

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/termgraph/termgraph/pkg/backend"
	"github.com/termgraph/termgraph/pkg/config"
	"github.com/termgraph/termgraph/pkg/inference"
	"github.com/termgraph/termgraph/pkg/relation"
	"github.com/termgraph/termgraph/pkg/review"
	"github.com/termgraph/termgraph/pkg/rules"
	"github.com/termgraph/termgraph/pkg/storage"
)

// TermChecker verifies that a term ID exists in the external term
// subsystem. The graph core treats term IDs as opaque; existence is the
// only question it ever asks. A nil checker accepts every non-empty ID.
type TermChecker interface {
	TermExists(ctx context.Context, id relation.TermID) (bool, error)
}

// ErrUnknownTerm signals a relation endpoint that the term subsystem does
// not know.
var ErrUnknownTerm = errors.New("unknown term")

// DB is the embedded TermGraph handle.
type DB struct {
	cfg      *config.Config
	registry *relation.Registry
	store    *backend.Selector
	orch     *inference.Orchestrator
	queue    *review.Queue
	sched    *inference.Scheduler
	terms    TermChecker
	logger   *log.Logger
}

// Open wires up a TermGraph instance from configuration. The term checker
// may be nil. A nil logger uses the standard logger.
func Open(cfg *config.Config, terms TermChecker) (*DB, error) {
	return OpenWithLogger(cfg, terms, nil)
}

// OpenWithLogger is Open with an explicit logger.
func OpenWithLogger(cfg *config.Config, terms TermChecker, logger *log.Logger) (*DB, error) {
	if logger == nil {
		logger = log.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	registry, err := cfg.Registry()
	if err != nil {
		return nil, err
	}

	relational, err := storage.OpenSQLStore(cfg.Storage.SQLitePath, registry)
	if err != nil {
		return nil, err
	}

	var graph storage.Store
	if cfg.Storage.BadgerDir != "" {
		g, err := storage.NewBadgerStore(cfg.Storage.BadgerDir, registry)
		if err != nil {
			relational.Close()
			return nil, err
		}
		graph = g
	}

	selector := backend.NewSelector(relational, graph, backend.Config{
		ActivationThreshold: cfg.Storage.ActivationThreshold,
		AdoptionSpeedup:     cfg.Storage.AdoptionSpeedup,
		ErrorRateThreshold:  cfg.Storage.ErrorRateThreshold,
	}, logger)

	engine, err := rules.NewEngine(rules.Config{
		Decay:         cfg.Inference.Decay,
		MinConfidence: cfg.Inference.MinConfidence,
		MaxDepth:      cfg.Inference.MaxDepth,
	}, registry)
	if err != nil {
		selector.Close()
		return nil, err
	}

	orch := inference.NewOrchestrator(selector, engine, logger)
	db := &DB{
		cfg:      cfg,
		registry: registry,
		store:    selector,
		orch:     orch,
		queue:    review.NewQueue(selector, logger),
		terms:    terms,
		logger:   logger,
	}

	if cfg.Inference.Schedule != "" {
		sched := inference.NewScheduler(orch, db.bulkOptions(), logger)
		if err := sched.Schedule(cfg.Inference.Schedule); err != nil {
			selector.Close()
			return nil, err
		}
		sched.Start()
		db.sched = sched
	}
	return db, nil
}

func (db *DB) bulkOptions() inference.BulkOptions {
	return inference.BulkOptions{
		ChunkSize:      db.cfg.Inference.ChunkSize,
		CheckpointPath: db.cfg.Inference.CheckpointPath,
	}
}

// Registry exposes the relation type registry.
func (db *DB) Registry() *relation.Registry { return db.registry }

// Store exposes the underlying store, primarily for tests and tooling.
func (db *DB) Store() storage.Store { return db.store }

func (db *DB) checkTerm(ctx context.Context, id relation.TermID) error {
	if id == "" {
		return fmt.Errorf("%w: empty term id", relation.ErrInvalidType)
	}
	if db.terms == nil {
		return nil
	}
	ok, err := db.terms.TermExists(ctx, id)
	if err != nil {
		return fmt.Errorf("check term %s: %w", id, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTerm, id)
	}
	return nil
}

// CreateRelation asserts a confirmed relation between two existing terms.
// Re-asserting an existing relation merges confidence via max() and returns
// the stored relation without error; the graph converges instead of
// erroring on agreement.
func (db *DB) CreateRelation(ctx context.Context, source, target relation.TermID, t relation.Type, confidence float64, createdBy string) (*relation.Relation, error) {
	if err := db.checkTerm(ctx, source); err != nil {
		return nil, err
	}
	if err := db.checkTerm(ctx, target); err != nil {
		return nil, err
	}

	rel := relation.New(source, target, t, confidence, createdBy)
	id, err := db.store.Put(ctx, rel)
	if err != nil && !errors.Is(err, relation.ErrDuplicate) {
		return nil, err
	}
	return db.store.Get(ctx, id)
}

// GetRelation returns one relation by ID, any status.
func (db *DB) GetRelation(ctx context.Context, id relation.RelationID) (*relation.Relation, error) {
	return db.store.Get(ctx, id)
}

// DeleteRelation removes a relation and re-evaluates every inferred
// relation that was derived from it.
func (db *DB) DeleteRelation(ctx context.Context, id relation.RelationID) error {
	return db.orch.DeleteRelation(ctx, id)
}

// GetRelations returns the confirmed relations of a term in the given
// direction, optionally filtered by type.
func (db *DB) GetRelations(ctx context.Context, termID relation.TermID, dir storage.Direction, t relation.Type) ([]*relation.Relation, error) {
	if t != "" && !db.registry.Known(t) {
		return nil, fmt.Errorf("%w: %q", relation.ErrInvalidType, t)
	}
	return storage.GetRelations(ctx, db.store, termID, dir, t)
}

// Neighborhood returns all confirmed relations within maxHops of a term.
func (db *DB) Neighborhood(ctx context.Context, termID relation.TermID, maxHops int) ([]*relation.Relation, error) {
	return db.store.Neighborhood(ctx, termID, maxHops)
}

// Infer runs the rule engine for one term at the configured depth and
// materializes surviving candidates into the review queue. Nil ruleSet
// means all rules.
func (db *DB) Infer(ctx context.Context, termID relation.TermID, ruleSet []rules.Rule) (*inference.Result, error) {
	return db.InferDepth(ctx, termID, ruleSet, db.cfg.Inference.MaxDepth)
}

// InferDepth is Infer with a per-call depth bound. A maxDepth of zero or
// less yields an empty result, not an error.
func (db *DB) InferDepth(ctx context.Context, termID relation.TermID, ruleSet []rules.Rule, maxDepth int) (*inference.Result, error) {
	if err := db.checkTerm(ctx, termID); err != nil {
		return nil, err
	}
	return db.orch.InferDepth(ctx, termID, ruleSet, maxDepth)
}

// ReinferAll runs a full re-inference pass over every term, resumable via
// the configured checkpoint.
func (db *DB) ReinferAll(ctx context.Context) (*inference.BulkResult, error) {
	return db.orch.ReinferAll(ctx, db.bulkOptions())
}

// Pending returns provisional relations awaiting review, oldest first.
func (db *DB) Pending(ctx context.Context, limit int) ([]*relation.Relation, error) {
	return db.queue.Pending(ctx, limit)
}

// Resolve applies a review decision to a provisional relation.
func (db *DB) Resolve(ctx context.Context, id relation.RelationID, decision review.Decision, reviewerConfidence *float64, reviewer string) (*relation.Relation, error) {
	return db.queue.Resolve(ctx, id, decision, reviewerConfidence, reviewer)
}

// MaybeActivateGraph checks the activation threshold and migrates reads to
// the graph backend when the benchmark justifies it.
func (db *DB) MaybeActivateGraph(ctx context.Context) (bool, error) {
	return db.store.MaybeActivate(ctx, nil, 2)
}

// MigrateToGraph forces a migration to the graph backend.
func (db *DB) MigrateToGraph(ctx context.Context) error {
	return db.store.MigrateToGraph(ctx)
}

// RollbackToRelational forces reads back to the relational backend.
func (db *DB) RollbackToRelational() {
	db.store.RollbackToRelational()
}

// Stats summarizes the graph.
type Stats struct {
	Edges       int64        `json:"edges"`
	Terms       int          `json:"terms"`
	Pending     int          `json:"pending"`
	ReadBackend backend.Mode `json:"read_backend"`
}

// Stats returns graph counters and the active read backend.
func (db *DB) Stats(ctx context.Context) (*Stats, error) {
	edges, err := db.store.EdgeCount(ctx)
	if err != nil {
		return nil, err
	}
	terms, err := db.store.Terms(ctx)
	if err != nil {
		return nil, err
	}
	pending, err := db.store.GetPending(ctx, 0)
	if err != nil {
		return nil, err
	}
	return &Stats{
		Edges:       edges,
		Terms:       len(terms),
		Pending:     len(pending),
		ReadBackend: db.store.Mode(),
	}, nil
}

// Close stops the scheduler and closes both storage backends.
func (db *DB) Close() error {
	if db.sched != nil {
		db.sched.Stop()
	}
	return db.store.Close()
}
