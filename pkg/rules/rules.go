// Package rules implements the inference rules of the relation graph.
//
// The engine is pure: it reads confirmed edges through a narrow Graph
// interface and returns candidate relations. It never writes. Materializing
// candidates, deduplicating them against the store and queueing them for
// review is the orchestrator's job (package inference).
//
// Rules:
//   - transitive:  A -t-> B, B -t-> C  =>  A -t-> C for transitive t,
//     chains up to MaxDepth edges of the same type
//   - equivalence: A ≡ B, B -t-> C  =>  A -t-> C for transitive t
//     (relations propagate across equivalent terms)
//   - inverse:     B -t-> A  =>  A -inv(t)-> B for directional pairs
//     (broader/narrower, part_of/has_part)
//   - symmetric:   A -t-> B  =>  B -t-> A for symmetric t; the reverse
//     edge logically exists and is served by the stores as a reversed
//     view, so this rule never materializes anything
//
// Confidence: an n-edge derivation scores product(c_i) * decay^(n-1), one
// decay per composition step. A direct edge keeps its own confidence.
// Candidates below MinConfidence are discarded.
package rules

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/termgraph/termgraph/pkg/relation"
)

// Rule names an inference rule. The name is recorded on each derivation
// step of the relations the rule produces.
type Rule string

const (
	RuleTransitive  Rule = "transitive"
	RuleSymmetric   Rule = "symmetric"
	RuleEquivalence Rule = "equivalence"
	RuleInverse     Rule = "inverse"
)

// AllRules is the default rule set, applied in deterministic order.
var AllRules = []Rule{RuleTransitive, RuleSymmetric, RuleEquivalence, RuleInverse}

// ParseRule validates a rule name from config or an API request.
func ParseRule(name string) (Rule, error) {
	switch Rule(name) {
	case RuleTransitive, RuleSymmetric, RuleEquivalence, RuleInverse:
		return Rule(name), nil
	}
	return "", fmt.Errorf("unknown inference rule %q", name)
}

// Config tunes the rule engine.
type Config struct {
	// Decay is the per-composition-step confidence multiplier.
	Decay float64

	// MinConfidence is the floor below which candidates are discarded.
	MinConfidence float64

	// MaxDepth bounds transitive and equivalence chains, in edges.
	MaxDepth int
}

// DefaultConfig returns the standard tuning: decay 0.9 per step, candidates
// below 0.75 discarded, chains of at most 3 edges.
func DefaultConfig() Config {
	return Config{
		Decay:         0.9,
		MinConfidence: 0.75,
		MaxDepth:      3,
	}
}

// Validate checks the configuration bounds.
func (c Config) Validate() error {
	if c.Decay <= 0 || c.Decay > 1 {
		return fmt.Errorf("decay must be in (0, 1], got %v", c.Decay)
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		return fmt.Errorf("min confidence must be in [0, 1], got %v", c.MinConfidence)
	}
	if c.MaxDepth < 1 {
		return fmt.Errorf("max depth must be at least 1, got %d", c.MaxDepth)
	}
	return nil
}

// Graph is the read surface the rules need. storage.Store satisfies it.
// Implementations return confirmed edges only and answer symmetric types in
// both directions.
type Graph interface {
	GetOutgoing(ctx context.Context, termID relation.TermID, t relation.Type) ([]*relation.Relation, error)
	GetIncoming(ctx context.Context, termID relation.TermID, t relation.Type) ([]*relation.Relation, error)
}

// Candidate is a proposed relation produced by a rule, not yet persisted.
type Candidate struct {
	SourceID   relation.TermID
	TargetID   relation.TermID
	Type       relation.Type
	Confidence float64
	Rule       Rule
	Depth      int
	Path       []relation.DerivationStep

	// OldestEdge is the creation time of the oldest constituent edge,
	// used as the final dedup tie-break.
	OldestEdge time.Time
}

// Relation converts the candidate into a provisional inferred relation
// ready for Store.Put.
func (c Candidate) Relation(now time.Time) *relation.Relation {
	return &relation.Relation{
		ID:             relation.NewRelationID(),
		SourceID:       c.SourceID,
		TargetID:       c.TargetID,
		Type:           c.Type,
		Confidence:     c.Confidence,
		Provenance:     relation.ProvenanceInferred,
		Status:         relation.StatusProvisional,
		DerivationPath: append([]relation.DerivationStep(nil), c.Path...),
		CreatedAt:      now,
	}
}

// Engine applies inference rules against a Graph.
type Engine struct {
	cfg Config
	reg *relation.Registry
}

// NewEngine creates a rule engine. The registry supplies the algebraic
// properties each rule keys on.
func NewEngine(cfg Config, reg *relation.Registry) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg, reg: reg}, nil
}

// Config returns the engine's tuning.
func (e *Engine) Config() Config { return e.cfg }

// Apply runs the requested rules for one term with the configured MaxDepth
// and returns the surviving candidates: deduplicated by (source, target,
// type) keeping the highest confidence (shortest derivation on ties, oldest
// constituent edge on full ties), sorted by confidence descending.
// Candidates whose derivation revisits a term on its own path are dropped
// silently; a graph cycle must never become a self-loop or an unbounded
// chain.
func (e *Engine) Apply(ctx context.Context, g Graph, termID relation.TermID, ruleSet []Rule) ([]Candidate, error) {
	return e.ApplyDepth(ctx, g, termID, ruleSet, e.cfg.MaxDepth)
}

// ApplyDepth is Apply with a per-call depth bound overriding the configured
// MaxDepth. A maxDepth of zero or less yields no candidates and no error.
func (e *Engine) ApplyDepth(ctx context.Context, g Graph, termID relation.TermID, ruleSet []Rule, maxDepth int) ([]Candidate, error) {
	if maxDepth <= 0 {
		return nil, nil
	}
	if len(ruleSet) == 0 {
		ruleSet = AllRules
	}
	var all []Candidate
	for _, rule := range ruleSet {
		var (
			found []Candidate
			err   error
		)
		switch rule {
		case RuleTransitive:
			found, err = e.applyTransitive(ctx, g, termID, maxDepth)
		case RuleEquivalence:
			found, err = e.applyEquivalence(ctx, g, termID, maxDepth)
		case RuleInverse:
			found, err = e.applyInverse(ctx, g, termID)
		case RuleSymmetric:
			// Reverse edges of symmetric types logically exist already;
			// the stores serve them as reversed views. Nothing to produce.
		default:
			return nil, fmt.Errorf("unknown inference rule %q", rule)
		}
		if err != nil {
			return nil, err
		}
		all = append(all, found...)
	}
	return dedupe(all), nil
}

// pathNode is one hop of a traversal path, linked backwards through an
// arena so concurrent branches share prefixes without copying.
type pathNode struct {
	edge *relation.Relation
	prev int // arena index, -1 for the root
}

// onPath reports whether term was already visited on the path ending at
// node idx, walking the arena links back to the root.
func onPath(arena []pathNode, idx int, origin relation.TermID, term relation.TermID) bool {
	if term == origin {
		return true
	}
	for i := idx; i >= 0; i = arena[i].prev {
		if arena[i].edge.SourceID == term || arena[i].edge.TargetID == term {
			return true
		}
	}
	return false
}

// materializePath walks the arena links and returns the derivation steps in
// traversal order, tagged with the rule.
func materializePath(arena []pathNode, idx int, rule Rule) []relation.DerivationStep {
	var n int
	for i := idx; i >= 0; i = arena[i].prev {
		n++
	}
	steps := make([]relation.DerivationStep, n)
	for i := idx; i >= 0; i = arena[i].prev {
		n--
		steps[n] = relation.DerivationStep{EdgeID: arena[i].edge.ID, Rule: string(rule)}
	}
	return steps
}

// oldestEdge returns the earliest creation time among the edges on the path
// ending at idx.
func oldestEdge(arena []pathNode, idx int) time.Time {
	oldest := arena[idx].edge.CreatedAt
	for i := arena[idx].prev; i >= 0; i = arena[i].prev {
		if arena[i].edge.CreatedAt.Before(oldest) {
			oldest = arena[i].edge.CreatedAt
		}
	}
	return oldest
}

// applyTransitive composes same-type chains from termID over each
// transitive type: A -t-> B, B -t-> C gives A -t-> C at
// product(c_i) * decay^(n-1). Depth-first with per-path visited tracking,
// so cycles in the graph terminate and never produce a candidate whose
// endpoints repeat a path term.
func (e *Engine) applyTransitive(ctx context.Context, g Graph, termID relation.TermID, maxDepth int) ([]Candidate, error) {
	var out []Candidate
	for _, t := range e.transitiveTypes() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		found, err := e.chase(ctx, g, termID, t, RuleTransitive, maxDepth)
		if err != nil {
			return nil, err
		}
		out = append(out, found...)
	}
	return out, nil
}

func (e *Engine) transitiveTypes() []relation.Type {
	types := e.reg.Types()
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	var out []relation.Type
	for _, t := range types {
		spec, err := e.reg.Spec(t)
		if err == nil && spec.Transitive {
			out = append(out, t)
		}
	}
	return out
}

// chase runs the shared chain traversal: iterative depth-first over
// outgoing edges of one type, yielding a candidate for every simple path of
// two or more edges that clears the confidence floor.
func (e *Engine) chase(ctx context.Context, g Graph, origin relation.TermID, t relation.Type, rule Rule, maxDepth int) ([]Candidate, error) {
	type frame struct {
		term  relation.TermID
		depth int
		conf  float64
		node  int // arena index of the edge that reached term, -1 at root
	}

	var (
		out   []Candidate
		arena []pathNode
	)
	stack := []frame{{term: origin, depth: 0, conf: 1.0, node: -1}}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if f.depth >= maxDepth {
			continue
		}

		edges, err := g.GetOutgoing(ctx, f.term, t)
		if err != nil {
			return nil, err
		}
		for _, edge := range edges {
			next := edge.TargetID
			if f.node >= 0 && onPath(arena, f.node, origin, next) {
				// Cycle on this path. Drop the branch, keep the others.
				continue
			}
			if f.node < 0 && next == origin {
				continue
			}

			conf := f.conf * edge.Confidence
			depth := f.depth + 1
			if depth > 1 {
				conf *= e.cfg.Decay
			}
			if conf < e.cfg.MinConfidence {
				// Confidence is monotonically non-increasing along a
				// chain; the whole branch is below the floor.
				continue
			}

			arena = append(arena, pathNode{edge: edge, prev: f.node})
			node := len(arena) - 1
			if depth >= 2 {
				out = append(out, Candidate{
					SourceID:   origin,
					TargetID:   next,
					Type:       t,
					Confidence: round3(conf),
					Rule:       rule,
					Depth:      depth,
					Path:       materializePath(arena, node, rule),
					OldestEdge: oldestEdge(arena, node),
				})
			}
			stack = append(stack, frame{term: next, depth: depth, conf: conf, node: node})
		}
	}
	return out, nil
}

// applyEquivalence propagates relations across equivalent terms: A ≡ B and
// B -t-> C gives A -t-> C at c_eq * c_rel * decay, for transitive-eligible t
// only. Closure over the equivalence type itself (A ≡ B ≡ C gives A ≡ C)
// falls out of the transitive rule, since equivalence types are transitive.
func (e *Engine) applyEquivalence(ctx context.Context, g Graph, termID relation.TermID, maxDepth int) ([]Candidate, error) {
	if maxDepth < 2 {
		// A propagated relation is a two-edge derivation.
		return nil, nil
	}
	var out []Candidate
	for _, eqType := range e.equivalenceTypes() {
		eqEdges, err := g.GetOutgoing(ctx, termID, eqType)
		if err != nil {
			return nil, err
		}
		for _, eq := range eqEdges {
			peer := eq.TargetID
			if peer == termID {
				continue
			}
			edges, err := g.GetOutgoing(ctx, peer, "")
			if err != nil {
				return nil, err
			}
			for _, edge := range edges {
				if edge.Type == eqType || edge.TargetID == termID || edge.ID == eq.ID {
					continue
				}
				spec, err := e.reg.Spec(edge.Type)
				if err != nil || !spec.Transitive {
					// Only transitive-eligible types propagate across
					// equivalence.
					continue
				}
				conf := round3(eq.Confidence * edge.Confidence * e.cfg.Decay)
				if conf < e.cfg.MinConfidence {
					continue
				}
				oldest := eq.CreatedAt
				if edge.CreatedAt.Before(oldest) {
					oldest = edge.CreatedAt
				}
				out = append(out, Candidate{
					SourceID:   termID,
					TargetID:   edge.TargetID,
					Type:       edge.Type,
					Confidence: conf,
					Rule:       RuleEquivalence,
					Depth:      2,
					Path: []relation.DerivationStep{
						{EdgeID: eq.ID, Rule: string(RuleEquivalence)},
						{EdgeID: edge.ID, Rule: string(RuleEquivalence)},
					},
					OldestEdge: oldest,
				})
			}
		}
	}
	return out, nil
}

func (e *Engine) equivalenceTypes() []relation.Type {
	types := e.reg.Types()
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	var out []relation.Type
	for _, t := range types {
		spec, err := e.reg.Spec(t)
		if err == nil && spec.Equivalence {
			out = append(out, t)
		}
	}
	return out
}

// applyInverse inverts directional pairs: B -t-> A gives A -inv(t)-> B at
// the same confidence. Single edge, no decay.
func (e *Engine) applyInverse(ctx context.Context, g Graph, termID relation.TermID) ([]Candidate, error) {
	edges, err := g.GetIncoming(ctx, termID, "")
	if err != nil {
		return nil, err
	}
	var out []Candidate
	for _, edge := range edges {
		spec, err := e.reg.Spec(edge.Type)
		if err != nil || spec.Inverse == "" {
			continue
		}
		if edge.SourceID == termID {
			continue
		}
		if edge.Confidence < e.cfg.MinConfidence {
			continue
		}
		out = append(out, Candidate{
			SourceID:   termID,
			TargetID:   edge.SourceID,
			Type:       spec.Inverse,
			Confidence: edge.Confidence,
			Rule:       RuleInverse,
			Depth:      1,
			Path: []relation.DerivationStep{
				{EdgeID: edge.ID, Rule: string(RuleInverse)},
			},
			OldestEdge: edge.CreatedAt,
		})
	}
	return out, nil
}

// dedupe collapses candidates sharing (source, target, type), keeping the
// highest confidence and, on ties, the shortest derivation, then the one
// built on the oldest constituent edge. The result is ordered by confidence
// descending with a stable key order for equal confidence.
func dedupe(cands []Candidate) []Candidate {
	type key struct {
		source relation.TermID
		target relation.TermID
		t      relation.Type
	}
	best := make(map[key]Candidate, len(cands))
	for _, c := range cands {
		k := key{c.SourceID, c.TargetID, c.Type}
		cur, ok := best[k]
		if !ok || betterCandidate(c, cur) {
			best[k] = c
		}
	}
	out := make([]Candidate, 0, len(best))
	for _, c := range best {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		if out[i].SourceID != out[j].SourceID {
			return out[i].SourceID < out[j].SourceID
		}
		if out[i].TargetID != out[j].TargetID {
			return out[i].TargetID < out[j].TargetID
		}
		return out[i].Type < out[j].Type
	})
	return out
}

// betterCandidate orders two candidates for the same (source, target, type):
// higher confidence, then shorter derivation, then older constituent edge.
func betterCandidate(c, cur Candidate) bool {
	if c.Confidence != cur.Confidence {
		return c.Confidence > cur.Confidence
	}
	if len(c.Path) != len(cur.Path) {
		return len(c.Path) < len(cur.Path)
	}
	return c.OldestEdge.Before(cur.OldestEdge)
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
