// Package inference orchestrates rule application against the relation
// store.
//
// The rule engine (package rules) is pure and only proposes candidates;
// this package owns the write side: deduplicating candidates against the
// store, materializing survivors as provisional relations for human review,
// re-evaluating inferred relations after a constituent edge disappears, and
// running bulk re-inference over the whole graph in resumable chunks.
//
// Example Usage:
//
//	eng, _ := rules.NewEngine(rules.DefaultConfig(), reg)
//	orch := inference.NewOrchestrator(store, eng, nil)
//
//	res, err := orch.Infer(ctx, "term-cat", nil)
//	if err != nil {
//		log.Fatal(err)
//	}
//	for _, rel := range res.Proposed {
//		fmt.Printf("%s -[%s]-> %s (%.2f)\n", rel.SourceID, rel.Type, rel.TargetID, rel.Confidence)
//	}
package inference

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/termgraph/termgraph/pkg/relation"
	"github.com/termgraph/termgraph/pkg/rules"
	"github.com/termgraph/termgraph/pkg/storage"
)

// Result reports one inference run for a term.
type Result struct {
	TermID relation.TermID

	// Proposed are the provisional relations materialized (or merged into
	// an existing proposal) by this run, ordered by confidence descending.
	Proposed []*relation.Relation

	// SkippedConfirmed counts candidates dropped because an identical
	// confirmed relation already exists.
	SkippedConfirmed int

	Elapsed time.Duration
}

// Orchestrator connects the rule engine to the store.
//
// Concurrent Infer calls are safe: the stores make the duplicate check and
// the write one atomic unit, so two runs proposing the same candidate
// converge on a single stored proposal.
type Orchestrator struct {
	store  storage.Store
	engine *rules.Engine
	logger *log.Logger
}

// NewOrchestrator creates an orchestrator. A nil logger uses the standard
// logger.
func NewOrchestrator(store storage.Store, engine *rules.Engine, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.Default()
	}
	return &Orchestrator{store: store, engine: engine, logger: logger}
}

// Infer runs the requested rules (nil means all) for one term at the
// engine's configured depth and materializes the surviving candidates as
// provisional relations.
//
// Materialization is all-or-nothing: if a write fails partway, the
// relations inserted by this run are rolled back and the error is returned.
// Proposals another run merged into concurrently are left alone.
func (o *Orchestrator) Infer(ctx context.Context, termID relation.TermID, ruleSet []rules.Rule) (*Result, error) {
	return o.InferDepth(ctx, termID, ruleSet, o.engine.Config().MaxDepth)
}

// InferDepth is Infer with a per-call depth bound. A maxDepth of zero or
// less yields an empty result, not an error.
func (o *Orchestrator) InferDepth(ctx context.Context, termID relation.TermID, ruleSet []rules.Rule, maxDepth int) (*Result, error) {
	start := time.Now()
	if maxDepth <= 0 {
		return &Result{TermID: termID, Elapsed: time.Since(start)}, nil
	}

	cands, err := o.engine.ApplyDepth(ctx, o.store, termID, ruleSet, maxDepth)
	if err != nil {
		return nil, fmt.Errorf("apply rules for %s: %w", termID, err)
	}

	res := &Result{TermID: termID}
	var inserted []relation.RelationID
	rollback := func() {
		for _, id := range inserted {
			if _, err := o.store.Delete(context.Background(), id); err != nil &&
				!errors.Is(err, relation.ErrNotFound) {
				o.logger.Printf("inference: rollback of %s failed: %v", id, err)
			}
		}
	}

	now := time.Now().UTC()
	for _, cand := range cands {
		// Candidates identical to a confirmed relation are not re-proposed.
		existing, err := o.store.Lookup(ctx, cand.SourceID, cand.TargetID, cand.Type)
		if err != nil && !errors.Is(err, relation.ErrNotFound) {
			rollback()
			return nil, fmt.Errorf("dedup candidate %s->%s: %w", cand.SourceID, cand.TargetID, err)
		}
		if existing != nil && existing.Status == relation.StatusConfirmed {
			res.SkippedConfirmed++
			continue
		}

		rel := cand.Relation(now)
		id, err := o.store.Put(ctx, rel)
		switch {
		case err == nil:
			inserted = append(inserted, id)
			stored, err := o.store.Get(ctx, id)
			if err != nil {
				rollback()
				return nil, fmt.Errorf("read back %s: %w", id, err)
			}
			res.Proposed = append(res.Proposed, stored)
		case errors.Is(err, relation.ErrDuplicate):
			// Merged into an existing proposal. Idempotent by design, and
			// never rolled back: the proposal predates this run.
			stored, err := o.store.Get(ctx, id)
			if err != nil {
				rollback()
				return nil, fmt.Errorf("read back merged %s: %w", id, err)
			}
			res.Proposed = append(res.Proposed, stored)
		default:
			rollback()
			return nil, fmt.Errorf("materialize %s -[%s]-> %s: %w", cand.SourceID, cand.Type, cand.TargetID, err)
		}
	}

	sort.Slice(res.Proposed, func(i, j int) bool {
		if res.Proposed[i].Confidence != res.Proposed[j].Confidence {
			return res.Proposed[i].Confidence > res.Proposed[j].Confidence
		}
		return res.Proposed[i].ID < res.Proposed[j].ID
	})
	res.Elapsed = time.Since(start)
	return res, nil
}

// Reevaluate processes inferred relations whose derivation referenced a
// deleted edge. Each relation is judged individually: if the rules can
// still derive its (source, target, type) from the remaining confirmed
// edges, it survives with the fresh confidence and derivation; otherwise it
// is removed. Removal cascades through relations derived from the removed
// ones.
func (o *Orchestrator) Reevaluate(ctx context.Context, affected []*relation.Relation) error {
	queue := append([]*relation.Relation(nil), affected...)
	seen := make(map[relation.RelationID]bool, len(queue))

	for len(queue) > 0 {
		rel := queue[0]
		queue = queue[1:]
		if seen[rel.ID] || rel.Provenance != relation.ProvenanceInferred {
			continue
		}
		seen[rel.ID] = true

		cands, err := o.engine.Apply(ctx, o.store, rel.SourceID, nil)
		if err != nil {
			return fmt.Errorf("reevaluate %s: %w", rel.ID, err)
		}

		var rederived *rules.Candidate
		for i, cand := range cands {
			if cand.SourceID == rel.SourceID && cand.TargetID == rel.TargetID && cand.Type == rel.Type {
				rederived = &cands[i]
				break
			}
		}

		if rederived == nil {
			cascade, err := o.store.Delete(ctx, rel.ID)
			if errors.Is(err, relation.ErrNotFound) {
				continue
			}
			if err != nil {
				return fmt.Errorf("remove stale inference %s: %w", rel.ID, err)
			}
			o.logger.Printf("inference: removed %s -[%s]-> %s, derivation no longer holds",
				rel.SourceID, rel.Type, rel.TargetID)
			queue = append(queue, cascade...)
			continue
		}

		fresh := rel.Clone()
		fresh.Confidence = rederived.Confidence
		fresh.DerivationPath = append([]relation.DerivationStep(nil), rederived.Path...)
		if err := o.store.Update(ctx, fresh); err != nil &&
			!errors.Is(err, relation.ErrDuplicate) && !errors.Is(err, relation.ErrNotFound) {
			return fmt.Errorf("refresh inference %s: %w", rel.ID, err)
		}
	}
	return nil
}

// DeleteRelation removes one relation and re-evaluates every inferred
// relation that depended on it.
func (o *Orchestrator) DeleteRelation(ctx context.Context, id relation.RelationID) error {
	affected, err := o.store.Delete(ctx, id)
	if err != nil {
		return err
	}
	if len(affected) > 0 {
		o.logger.Printf("inference: %d inferred relation(s) reference deleted %s, re-evaluating", len(affected), id)
	}
	return o.Reevaluate(ctx, affected)
}

// BulkResult summarizes a full re-inference pass.
type BulkResult struct {
	TermsProcessed int
	Proposed       int
	Skipped        int
	Elapsed        time.Duration
}

// BulkOptions tunes ReinferAll.
type BulkOptions struct {
	// ChunkSize is the number of terms processed between checkpoints.
	ChunkSize int

	// CheckpointPath, when set, persists progress after each chunk so an
	// interrupted pass resumes where it stopped instead of starting over.
	CheckpointPath string
}

// DefaultBulkOptions returns the standard chunking with no checkpoint file.
func DefaultBulkOptions() BulkOptions {
	return BulkOptions{ChunkSize: 100}
}

// ReinferAll runs inference for every term in the graph, in sorted term
// order, checkpointing after each chunk. Cancellation is honored at chunk
// boundaries; already-materialized proposals stay (re-running is
// idempotent, they merge).
func (o *Orchestrator) ReinferAll(ctx context.Context, opts BulkOptions) (*BulkResult, error) {
	start := time.Now()
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultBulkOptions().ChunkSize
	}

	terms, err := o.store.Terms(ctx)
	if err != nil {
		return nil, fmt.Errorf("list terms: %w", err)
	}

	cp, err := loadCheckpoint(opts.CheckpointPath)
	if err != nil {
		return nil, err
	}
	startIdx := cp.resumeIndex(terms)
	if startIdx > 0 {
		o.logger.Printf("inference: resuming bulk pass at term %d of %d", startIdx, len(terms))
	}

	res := &BulkResult{}
	for base := startIdx; base < len(terms); base += opts.ChunkSize {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		end := base + opts.ChunkSize
		if end > len(terms) {
			end = len(terms)
		}
		for _, term := range terms[base:end] {
			r, err := o.Infer(ctx, term, nil)
			if err != nil {
				return res, fmt.Errorf("bulk inference at %s: %w", term, err)
			}
			res.TermsProcessed++
			res.Proposed += len(r.Proposed)
			res.Skipped += r.SkippedConfirmed
		}
		if err := saveCheckpoint(opts.CheckpointPath, checkpoint{LastTerm: string(terms[end-1])}); err != nil {
			return res, err
		}
	}

	if err := clearCheckpoint(opts.CheckpointPath); err != nil {
		return res, err
	}
	res.Elapsed = time.Since(start)
	o.logger.Printf("inference: bulk pass done, %d terms, %d proposed, %d skipped in %s",
		res.TermsProcessed, res.Proposed, res.Skipped, res.Elapsed.Round(time.Millisecond))
	return res, nil
}
