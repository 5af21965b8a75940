package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/termgraph/termgraph/pkg/relation"
)

// statusKey is the uniqueness unit: one edge per (source, target, type) per
// status.
type statusKey struct {
	key    relation.Key
	status relation.Status
}

// MemoryStore is a thread-safe in-memory relation store.
//
// Use Cases:
//   - Unit testing (no disk I/O, fast cleanup)
//   - Small graphs that fit entirely in RAM
//   - Development and prototyping
//
// Performance Characteristics:
//   - Lookup by ID or key: O(1)
//   - Outgoing/incoming edges: O(degree)
//   - Neighborhood: O(edges within k hops)
//
// Thread Safety:
//
//	All public methods are safe for concurrent use. Returned relations are
//	deep copies.
type MemoryStore struct {
	mu       sync.RWMutex
	registry *relation.Registry

	relations map[relation.RelationID]*relation.Relation

	// Indexes for efficient lookups
	bySource map[relation.TermID]map[relation.RelationID]struct{}
	byTarget map[relation.TermID]map[relation.RelationID]struct{}
	byKey    map[statusKey]relation.RelationID

	// derivedBy maps a constituent edge ID to the inferred relations whose
	// derivation path references it. Drives cascading invalidation.
	derivedBy map[relation.RelationID]map[relation.RelationID]struct{}

	closed bool
}

// NewMemoryStore creates an empty in-memory store bound to a type registry.
func NewMemoryStore(registry *relation.Registry) *MemoryStore {
	return &MemoryStore{
		registry:  registry,
		relations: make(map[relation.RelationID]*relation.Relation),
		bySource:  make(map[relation.TermID]map[relation.RelationID]struct{}),
		byTarget:  make(map[relation.TermID]map[relation.RelationID]struct{}),
		byKey:     make(map[statusKey]relation.RelationID),
		derivedBy: make(map[relation.RelationID]map[relation.RelationID]struct{}),
	}
}

// Put inserts or merges a relation. See the Store interface for semantics.
func (m *MemoryStore) Put(ctx context.Context, rel *relation.Relation) (relation.RelationID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", relation.ErrStoreUnavailable
	}
	return m.putLocked(rel)
}

func (m *MemoryStore) putLocked(rel *relation.Relation) (relation.RelationID, error) {
	if err := rel.Validate(m.registry); err != nil {
		return "", err
	}
	spec, _ := m.registry.Spec(rel.Type)

	// Same-status duplicate: merge confidence, keep the better derivation.
	if existing := m.findByKeyLocked(rel.Key(), spec, rel.Status); existing != nil {
		if rel.Confidence > existing.Confidence {
			existing.Confidence = rel.Confidence
			if rel.Provenance == relation.ProvenanceInferred {
				existing.DerivationPath = append([]relation.DerivationStep(nil), rel.DerivationPath...)
				m.reindexDerivationLocked(existing)
			}
		}
		return existing.ID, relation.ErrDuplicate
	}

	if rel.Status == relation.StatusProvisional {
		// A confirmed edge with the same key makes the proposal redundant.
		if existing := m.findByKeyLocked(rel.Key(), spec, relation.StatusConfirmed); existing != nil {
			return existing.ID, relation.ErrDuplicate
		}
	} else {
		// A direct assertion supersedes a pending proposal for the same key.
		if pending := m.findByKeyLocked(rel.Key(), spec, relation.StatusProvisional); pending != nil {
			m.removeLocked(pending.ID)
		}
	}

	if rel.ID == "" {
		rel.ID = relation.NewRelationID()
	}
	if rel.CreatedAt.IsZero() {
		rel.CreatedAt = time.Now().UTC()
	}

	stored := rel.Clone()
	m.relations[stored.ID] = stored
	m.indexLocked(stored)
	return stored.ID, nil
}

// findByKeyLocked resolves a key to the stored relation of the given
// status, checking the reverse orientation for symmetric types.
func (m *MemoryStore) findByKeyLocked(key relation.Key, spec relation.TypeSpec, status relation.Status) *relation.Relation {
	if id, ok := m.byKey[statusKey{key, status}]; ok {
		return m.relations[id]
	}
	if spec.Symmetric {
		if id, ok := m.byKey[statusKey{key.Reversed(), status}]; ok {
			return m.relations[id]
		}
	}
	return nil
}

func (m *MemoryStore) indexLocked(rel *relation.Relation) {
	if m.bySource[rel.SourceID] == nil {
		m.bySource[rel.SourceID] = make(map[relation.RelationID]struct{})
	}
	m.bySource[rel.SourceID][rel.ID] = struct{}{}
	if m.byTarget[rel.TargetID] == nil {
		m.byTarget[rel.TargetID] = make(map[relation.RelationID]struct{})
	}
	m.byTarget[rel.TargetID][rel.ID] = struct{}{}
	m.byKey[statusKey{rel.Key(), rel.Status}] = rel.ID
	for _, step := range rel.DerivationPath {
		if m.derivedBy[step.EdgeID] == nil {
			m.derivedBy[step.EdgeID] = make(map[relation.RelationID]struct{})
		}
		m.derivedBy[step.EdgeID][rel.ID] = struct{}{}
	}
}

func (m *MemoryStore) unindexLocked(rel *relation.Relation) {
	delete(m.bySource[rel.SourceID], rel.ID)
	delete(m.byTarget[rel.TargetID], rel.ID)
	delete(m.byKey, statusKey{rel.Key(), rel.Status})
	for _, step := range rel.DerivationPath {
		delete(m.derivedBy[step.EdgeID], rel.ID)
	}
}

func (m *MemoryStore) reindexDerivationLocked(rel *relation.Relation) {
	// Drop stale reverse entries, then rebuild from the current path.
	for edgeID, deps := range m.derivedBy {
		if _, ok := deps[rel.ID]; ok && !rel.References(edgeID) {
			delete(deps, rel.ID)
		}
	}
	for _, step := range rel.DerivationPath {
		if m.derivedBy[step.EdgeID] == nil {
			m.derivedBy[step.EdgeID] = make(map[relation.RelationID]struct{})
		}
		m.derivedBy[step.EdgeID][rel.ID] = struct{}{}
	}
}

func (m *MemoryStore) removeLocked(id relation.RelationID) {
	rel, ok := m.relations[id]
	if !ok {
		return
	}
	m.unindexLocked(rel)
	delete(m.relations, id)
}

// Get returns a relation by ID, any status.
func (m *MemoryStore) Get(ctx context.Context, id relation.RelationID) (*relation.Relation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, relation.ErrStoreUnavailable
	}
	rel, ok := m.relations[id]
	if !ok {
		return nil, relation.ErrNotFound
	}
	return rel.Clone(), nil
}

// Update replaces the stored relation with the same ID.
func (m *MemoryStore) Update(ctx context.Context, rel *relation.Relation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return relation.ErrStoreUnavailable
	}
	old, ok := m.relations[rel.ID]
	if !ok {
		return relation.ErrNotFound
	}
	if err := rel.Validate(m.registry); err != nil {
		return err
	}
	spec, _ := m.registry.Spec(rel.Type)

	// Transitioning onto an occupied key merges into the occupant.
	if other := m.findByKeyLocked(rel.Key(), spec, rel.Status); other != nil && other.ID != rel.ID {
		other.Confidence = mergeConfidence(other.Confidence, rel.Confidence)
		m.removeLocked(rel.ID)
		return relation.ErrDuplicate
	}

	m.unindexLocked(old)
	stored := rel.Clone()
	m.relations[stored.ID] = stored
	m.indexLocked(stored)
	return nil
}

// Delete removes a relation and returns the inferred relations whose
// derivation path references it.
func (m *MemoryStore) Delete(ctx context.Context, id relation.RelationID) ([]*relation.Relation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, relation.ErrStoreUnavailable
	}
	rel, ok := m.relations[id]
	if !ok {
		return nil, relation.ErrNotFound
	}

	var affected []*relation.Relation
	for depID := range m.derivedBy[id] {
		if dep, ok := m.relations[depID]; ok {
			affected = append(affected, dep.Clone())
		}
	}
	m.unindexLocked(rel)
	delete(m.relations, id)
	delete(m.derivedBy, id)

	sort.Slice(affected, func(i, j int) bool { return affected[i].ID < affected[j].ID })
	return affected, nil
}

// GetOutgoing returns confirmed edges leaving termID; symmetric types are
// answered in both directions.
func (m *MemoryStore) GetOutgoing(ctx context.Context, termID relation.TermID, t relation.Type) ([]*relation.Relation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, relation.ErrStoreUnavailable
	}
	return m.edgesLocked(termID, t, true), nil
}

// GetIncoming mirrors GetOutgoing for arriving edges.
func (m *MemoryStore) GetIncoming(ctx context.Context, termID relation.TermID, t relation.Type) ([]*relation.Relation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, relation.ErrStoreUnavailable
	}
	return m.edgesLocked(termID, t, false), nil
}

func (m *MemoryStore) edgesLocked(termID relation.TermID, t relation.Type, outgoing bool) []*relation.Relation {
	direct, reverse := m.bySource, m.byTarget
	if !outgoing {
		direct, reverse = m.byTarget, m.bySource
	}

	var out []*relation.Relation
	for id := range direct[termID] {
		rel := m.relations[id]
		if rel.Status != relation.StatusConfirmed {
			continue
		}
		if t != "" && rel.Type != t {
			continue
		}
		out = append(out, rel.Clone())
	}
	// Symmetric edges stored in the opposite orientation surface as
	// reversed views with the same ID.
	for id := range reverse[termID] {
		rel := m.relations[id]
		if rel.Status != relation.StatusConfirmed {
			continue
		}
		if t != "" && rel.Type != t {
			continue
		}
		if rel.SourceID == rel.TargetID {
			continue // reflexive self-edge already covered above
		}
		spec, err := m.registry.Spec(rel.Type)
		if err != nil || !spec.Symmetric {
			continue
		}
		out = append(out, reversedView(rel))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Lookup returns the edge connecting source to target, honoring symmetry,
// preferring confirmed over provisional.
func (m *MemoryStore) Lookup(ctx context.Context, source, target relation.TermID, t relation.Type) (*relation.Relation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, relation.ErrStoreUnavailable
	}
	spec, err := m.registry.Spec(t)
	if err != nil {
		return nil, err
	}
	key := relation.Key{Source: source, Target: target, Type: t}
	for _, status := range []relation.Status{relation.StatusConfirmed, relation.StatusProvisional} {
		if rel := m.findByKeyLocked(key, spec, status); rel != nil {
			return rel.Clone(), nil
		}
	}
	return nil, relation.ErrNotFound
}

// Exists reports whether an edge connects source to target with type t.
func (m *MemoryStore) Exists(ctx context.Context, source, target relation.TermID, t relation.Type) (bool, error) {
	_, err := m.Lookup(ctx, source, target, t)
	if err == nil {
		return true, nil
	}
	if err == relation.ErrNotFound {
		return false, nil
	}
	return false, err
}

// Neighborhood returns all confirmed edges within maxHops of termID via
// breadth-first expansion.
func (m *MemoryStore) Neighborhood(ctx context.Context, termID relation.TermID, maxHops int) ([]*relation.Relation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, relation.ErrStoreUnavailable
	}

	seen := make(map[relation.RelationID]struct{})
	visited := map[relation.TermID]struct{}{termID: {}}
	frontier := []relation.TermID{termID}
	var out []*relation.Relation

	for hop := 0; hop < maxHops && len(frontier) > 0; hop++ {
		var next []relation.TermID
		for _, term := range frontier {
			for _, rel := range m.edgesLocked(term, "", true) {
				if _, dup := seen[rel.ID]; dup {
					continue
				}
				seen[rel.ID] = struct{}{}
				// The result carries the stored orientation even when the
				// frontier reached the edge through a symmetric reverse view.
				out = append(out, m.relations[rel.ID].Clone())
				if _, ok := visited[rel.TargetID]; !ok {
					visited[rel.TargetID] = struct{}{}
					next = append(next, rel.TargetID)
				}
			}
		}
		frontier = next
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetPending returns provisional relations, oldest first.
func (m *MemoryStore) GetPending(ctx context.Context, limit int) ([]*relation.Relation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, relation.ErrStoreUnavailable
	}
	var out []*relation.Relation
	for _, rel := range m.relations {
		if rel.Status == relation.StatusProvisional {
			out = append(out, rel.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Terms returns the distinct term IDs, sorted.
func (m *MemoryStore) Terms(ctx context.Context) ([]relation.TermID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, relation.ErrStoreUnavailable
	}
	set := make(map[relation.TermID]struct{})
	for _, rel := range m.relations {
		set[rel.SourceID] = struct{}{}
		set[rel.TargetID] = struct{}{}
	}
	out := make([]relation.TermID, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// EdgeCount returns the number of stored relations.
func (m *MemoryStore) EdgeCount(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, relation.ErrStoreUnavailable
	}
	return int64(len(m.relations)), nil
}

// ExportAll returns every stored relation.
func (m *MemoryStore) ExportAll(ctx context.Context) ([]*relation.Relation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, relation.ErrStoreUnavailable
	}
	out := make([]*relation.Relation, 0, len(m.relations))
	for _, rel := range m.relations {
		out = append(out, rel.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ImportAll inserts relations preserving IDs. Idempotent.
func (m *MemoryStore) ImportAll(ctx context.Context, rels []*relation.Relation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return relation.ErrStoreUnavailable
	}
	for _, rel := range rels {
		if err := ctx.Err(); err != nil {
			return err
		}
		if existing, ok := m.relations[rel.ID]; ok {
			existing.Confidence = mergeConfidence(existing.Confidence, rel.Confidence)
			continue
		}
		if _, err := m.putLocked(rel.Clone()); err != nil && err != relation.ErrDuplicate {
			return fmt.Errorf("import %s: %w", rel.ID, err)
		}
	}
	return nil
}

// Close releases the store. Subsequent calls fail with ErrStoreUnavailable.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
