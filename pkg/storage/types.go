// Package storage provides the relation store interface and implementations
// for TermGraph.
//
// The store persists typed, directed, weighted relations between terms and
// serves the indexed lookups the inference orchestrator depends on: outgoing
// and incoming edges by (term, type), direction-aware existence checks, and
// bounded-depth neighborhood expansion as a single call.
//
// Design principles:
//   - One Store interface, multiple backends selected at construction time
//   - The relational backend (SQLite) is always the source of truth; the
//     native graph backend (Badger) is a derived read-optimization
//   - Per-edge atomic writes; the duplicate check and the insert are a
//     single atomic unit (insert-or-merge, never insert-then-check)
//   - Thread-safe implementations returning deep copies
//
// Example Usage:
//
//	reg := relation.NewRegistry()
//	store := storage.NewMemoryStore(reg)
//	defer store.Close()
//
//	rel := relation.New("term-cat", "term-mammal", relation.TypeIsA, 1.0, "user-1")
//	id, err := store.Put(ctx, rel)
//	if errors.Is(err, relation.ErrDuplicate) {
//		// confidence merged into the existing edge; id is the existing ID
//	}
//
//	out, _ := store.GetOutgoing(ctx, "term-cat", "")
//	for _, r := range out {
//		fmt.Printf("%s -[%s]-> %s (%.2f)\n", r.SourceID, r.Type, r.TargetID, r.Confidence)
//	}
package storage

import (
	"context"
	"fmt"

	"github.com/termgraph/termgraph/pkg/relation"
)

// Direction selects which edges of a term a query returns.
type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
	DirectionBoth     Direction = "both"
)

// Store is the persistence contract for the relation graph.
//
// Semantics shared by all implementations:
//
//   - Put enforces the uniqueness invariant: no two edges with identical
//     (source, target, type) and the same status. A duplicate confirmed
//     insert merges confidence via max() and returns the existing ID with
//     relation.ErrDuplicate. A provisional insert whose key already exists
//     as a confirmed edge is dropped the same way. A provisional insert
//     matching an existing provisional edge merges confidence (keeping the
//     higher-confidence derivation path). The check and the write are one
//     atomic unit per edge.
//
//   - Asserting a confirmed edge whose key currently exists only as a
//     provisional edge replaces the provisional edge: a direct assertion
//     supersedes a pending machine proposal.
//
//   - GetOutgoing and GetIncoming return confirmed edges only and present
//     the logical view of symmetric types: a stored A->B of a symmetric
//     type appears (reversed, same ID) in GetOutgoing(B). Provisional edges
//     never surface through traversal queries.
//
//   - Lookup and Exists are direction-aware per the type's symmetric flag
//     and consider both statuses, preferring confirmed.
//
//   - Delete removes one edge and returns the inferred edges whose
//     derivation path references it, so the orchestrator can re-evaluate
//     them individually. It never cascades the delete itself.
//
//   - Neighborhood returns all confirmed edges reachable within maxHops of
//     a term, following direction (symmetric types both ways), in one call.
//
//   - Backend I/O failures are wrapped with relation.ErrStoreUnavailable
//     and leave no partial writes.
type Store interface {
	// Put inserts or merges one relation. See interface comment for the
	// duplicate semantics. The relation's ID is assigned when empty.
	Put(ctx context.Context, rel *relation.Relation) (relation.RelationID, error)

	// Get returns the relation with the given ID, any status.
	Get(ctx context.Context, id relation.RelationID) (*relation.Relation, error)

	// Update replaces the stored relation with the same ID, maintaining all
	// indexes. A status transition to confirmed that collides with an
	// existing confirmed edge merges into it (max confidence), removes the
	// updated record and returns relation.ErrDuplicate.
	Update(ctx context.Context, rel *relation.Relation) error

	// Delete removes the relation and returns the inferred relations whose
	// derivation path references it.
	Delete(ctx context.Context, id relation.RelationID) ([]*relation.Relation, error)

	// GetOutgoing returns confirmed edges leaving termID, optionally
	// filtered by type (empty = all types). Symmetric types are answered in
	// both directions.
	GetOutgoing(ctx context.Context, termID relation.TermID, t relation.Type) ([]*relation.Relation, error)

	// GetIncoming mirrors GetOutgoing for edges arriving at termID.
	GetIncoming(ctx context.Context, termID relation.TermID, t relation.Type) ([]*relation.Relation, error)

	// Lookup returns the edge connecting source to target with the given
	// type, honoring symmetry, preferring confirmed over provisional.
	// Returns relation.ErrNotFound when absent.
	Lookup(ctx context.Context, source, target relation.TermID, t relation.Type) (*relation.Relation, error)

	// Exists reports whether Lookup would succeed.
	Exists(ctx context.Context, source, target relation.TermID, t relation.Type) (bool, error)

	// Neighborhood returns all confirmed edges within maxHops of termID.
	Neighborhood(ctx context.Context, termID relation.TermID, maxHops int) ([]*relation.Relation, error)

	// GetPending returns provisional relations, oldest first, up to limit
	// (limit <= 0 means no limit).
	GetPending(ctx context.Context, limit int) ([]*relation.Relation, error)

	// Terms returns the distinct term IDs appearing as source or target of
	// any relation, sorted. Used to partition bulk re-inference.
	Terms(ctx context.Context) ([]relation.TermID, error)

	// EdgeCount returns the total number of stored relations.
	EdgeCount(ctx context.Context) (int64, error)

	// ExportAll returns every stored relation with full derivation path and
	// confidence, for backend migration.
	ExportAll(ctx context.Context) ([]*relation.Relation, error)

	// ImportAll inserts relations preserving IDs. Idempotent: re-importing
	// the same set is a no-op.
	ImportAll(ctx context.Context, rels []*relation.Relation) error

	Close() error
}

// GetRelations is the query surface used by term-detail views: confirmed
// edges of a term in the requested direction, optionally filtered by type.
// Provisional edges are never returned.
func GetRelations(ctx context.Context, s Store, termID relation.TermID, dir Direction, t relation.Type) ([]*relation.Relation, error) {
	switch dir {
	case DirectionOutgoing:
		return s.GetOutgoing(ctx, termID, t)
	case DirectionIncoming:
		return s.GetIncoming(ctx, termID, t)
	case DirectionBoth:
		out, err := s.GetOutgoing(ctx, termID, t)
		if err != nil {
			return nil, err
		}
		in, err := s.GetIncoming(ctx, termID, t)
		if err != nil {
			return nil, err
		}
		// Symmetric edges show up in both directions under the same ID.
		seen := make(map[relation.RelationID]struct{}, len(out))
		for _, r := range out {
			seen[r.ID] = struct{}{}
		}
		for _, r := range in {
			if _, dup := seen[r.ID]; !dup {
				out = append(out, r)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown direction %q", dir)
	}
}

// mergeConfidence applies the re-assertion policy: confidence only ever
// increases, via max().
func mergeConfidence(existing, incoming float64) float64 {
	if incoming > existing {
		return incoming
	}
	return existing
}

// reversedView returns a logical reverse of a symmetric edge: same ID and
// metadata, source and target swapped. Never persisted.
func reversedView(r *relation.Relation) *relation.Relation {
	v := r.Clone()
	v.SourceID, v.TargetID = r.TargetID, r.SourceID
	return v
}
