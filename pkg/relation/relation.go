// Package relation defines the relation record model for TermGraph.
//
// A Relation is a typed, directed, weighted edge between two domain terms.
// Terms themselves live in an external subsystem and are referenced here by
// opaque identifier only; the graph core never inspects term content.
//
// Each relation type declares algebraic properties (symmetric, transitive,
// reflexive, an optional inverse type) through a Registry. The rule engine
// and the stores consult these properties to decide how edges compose and
// how direction-aware lookups behave.
//
// Example Usage:
//
//	reg := relation.NewRegistry()
//
//	rel := relation.New("term-cat", "term-mammal", relation.TypeIsA, 1.0, "user-1")
//	if err := rel.Validate(reg); err != nil {
//		log.Fatal(err)
//	}
//
//	spec, _ := reg.Spec(relation.TypeIsA)
//	fmt.Printf("%s transitive=%v\n", spec.Name, spec.Transitive) // is_a transitive=true
//
// Provenance and lifecycle:
//   - Asserted relations are created directly by a user action and start
//     confirmed with an empty derivation path.
//   - Inferred relations are produced by the rule engine, start provisional,
//     and carry the ordered list of constituent edge IDs plus the rule that
//     incorporated each edge. The path is sufficient to re-validate the
//     derivation without re-running inference.
package relation

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Errors returned across the relation graph core.
var (
	// ErrDuplicate signals that a confirmed edge with the same
	// (source, target, type) key already exists. Not fatal: the store merges
	// confidence via max() and returns the existing ID alongside this error.
	ErrDuplicate = errors.New("relation already exists")

	// ErrInvalidType signals an unknown relation type or a type/direction
	// mismatch (such as a self-loop on a non-reflexive type).
	ErrInvalidType = errors.New("invalid relation type")

	// ErrInvalidConfidence signals a confidence value outside [0, 1].
	ErrInvalidConfidence = errors.New("confidence out of range")

	// ErrNotFound signals an operation on a missing relation ID.
	ErrNotFound = errors.New("relation not found")

	// ErrCycleDetected signals a candidate whose derivation would be
	// self-referential. The rule engine drops such candidates silently; the
	// error exists for internal signaling and tests, it is never surfaced to
	// callers as a failure.
	ErrCycleDetected = errors.New("derivation cycle detected")

	// ErrAlreadyResolved signals a HITL decision on an edge that is no
	// longer provisional.
	ErrAlreadyResolved = errors.New("relation already resolved")

	// ErrStoreUnavailable signals a backend I/O failure. Fatal to the caller
	// of Put/Infer; the core guarantees no partial writes and does not retry
	// internally.
	ErrStoreUnavailable = errors.New("relation store unavailable")
)

// TermID is a strongly-typed identifier for a domain term.
//
// Terms are owned by the external term subsystem; the graph core treats the
// ID as opaque and globally unique.
type TermID string

// RelationID is a strongly-typed identifier for a relation (edge).
type RelationID string

// NewRelationID mints a fresh relation identifier.
func NewRelationID() RelationID {
	return RelationID("rel-" + uuid.NewString())
}

// Type names a relation type such as "is_a" or "part_of".
type Type string

// Built-in relation types. The registry is extensible; these are the
// defaults every TermGraph deployment starts with.
const (
	TypeIsA          Type = "is_a"
	TypePartOf       Type = "part_of"
	TypeHasPart      Type = "has_part"
	TypeBroader      Type = "broader"
	TypeNarrower     Type = "narrower"
	TypeRelatedTo    Type = "related_to"
	TypeEquivalentTo Type = "equivalent_to"
)

// TypeSpec declares the algebraic properties of a relation type.
//
// Symmetric types imply the reverse edge logically exists without being
// materialized twice; lookups must check both directions. Transitive types
// are eligible for chain composition by the rule engine. Reflexive types
// permit source == target. Inverse, when set, names the type of the implied
// reverse edge for directional pairs (broader/narrower, part_of/has_part).
// Equivalence marks the type whose edges propagate other relations across
// equivalent terms.
type TypeSpec struct {
	Name        Type `yaml:"name"`
	Symmetric   bool `yaml:"symmetric"`
	Transitive  bool `yaml:"transitive"`
	Reflexive   bool `yaml:"reflexive"`
	Equivalence bool `yaml:"equivalence"`
	Inverse     Type `yaml:"inverse,omitempty"`
}

// Registry holds the known relation types and their specs.
//
// Thread-safe. A Registry is shared by the stores, the rule engine and the
// orchestrator so all components agree on type semantics.
type Registry struct {
	mu    sync.RWMutex
	specs map[Type]TypeSpec
}

// NewRegistry creates a registry pre-populated with the default types:
//
//	is_a          transitive
//	part_of       transitive, inverse has_part
//	has_part      transitive, inverse part_of
//	broader       transitive, inverse narrower
//	narrower      transitive, inverse broader
//	related_to    symmetric, transitive
//	equivalent_to symmetric, transitive, reflexive, equivalence
func NewRegistry() *Registry {
	r := &Registry{specs: make(map[Type]TypeSpec)}
	for _, spec := range []TypeSpec{
		{Name: TypeIsA, Transitive: true},
		{Name: TypePartOf, Transitive: true, Inverse: TypeHasPart},
		{Name: TypeHasPart, Transitive: true, Inverse: TypePartOf},
		{Name: TypeBroader, Transitive: true, Inverse: TypeNarrower},
		{Name: TypeNarrower, Transitive: true, Inverse: TypeBroader},
		{Name: TypeRelatedTo, Symmetric: true, Transitive: true},
		{Name: TypeEquivalentTo, Symmetric: true, Transitive: true, Reflexive: true, Equivalence: true},
	} {
		r.specs[spec.Name] = spec
	}
	return r
}

// Register adds or replaces a relation type. Adding a type is a deliberate
// schema change, not something callers do per request.
func (r *Registry) Register(spec TypeSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("%w: empty type name", ErrInvalidType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs[spec.Name] = spec
	return nil
}

// Spec returns the TypeSpec for a type name, or ErrInvalidType when the
// type is unknown.
func (r *Registry) Spec(t Type) (TypeSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[t]
	if !ok {
		return TypeSpec{}, fmt.Errorf("%w: %q", ErrInvalidType, t)
	}
	return spec, nil
}

// Known reports whether a type name is registered.
func (r *Registry) Known(t Type) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.specs[t]
	return ok
}

// Types returns the registered type names.
func (r *Registry) Types() []Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Type, 0, len(r.specs))
	for t := range r.specs {
		out = append(out, t)
	}
	return out
}

// Provenance records how a relation came to exist.
type Provenance string

const (
	// ProvenanceAsserted marks a relation created by direct user action.
	ProvenanceAsserted Provenance = "asserted"
	// ProvenanceInferred marks a relation produced by the rule engine.
	ProvenanceInferred Provenance = "inferred"
)

// Status is the review state of a relation.
type Status string

const (
	// StatusConfirmed relations are visible to query consumers.
	StatusConfirmed Status = "confirmed"
	// StatusProvisional relations await a human review decision and are
	// invisible to normal query consumers.
	StatusProvisional Status = "provisional"
)

// DerivationStep is one hop of an inferred relation's proof chain: the
// constituent persisted edge and the rule that incorporated it.
type DerivationStep struct {
	EdgeID RelationID `json:"edge_id"`
	Rule   string     `json:"rule"`
}

// Relation is the atomic typed edge of the knowledge graph.
type Relation struct {
	ID         RelationID `json:"id"`
	SourceID   TermID     `json:"source_id"`
	TargetID   TermID     `json:"target_id"`
	Type       Type       `json:"relation_type"`
	Confidence float64    `json:"confidence"`
	Provenance Provenance `json:"provenance"`
	Status     Status     `json:"status"`

	// DerivationPath is the ordered chain of persisted edge IDs that
	// justifies an inferred relation. Empty for asserted relations.
	DerivationPath []DerivationStep `json:"derivation_path,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	CreatedBy string    `json:"created_by,omitempty"`
}

// New creates an asserted, confirmed relation with a fresh ID.
func New(source, target TermID, t Type, confidence float64, createdBy string) *Relation {
	return &Relation{
		ID:         NewRelationID(),
		SourceID:   source,
		TargetID:   target,
		Type:       t,
		Confidence: confidence,
		Provenance: ProvenanceAsserted,
		Status:     StatusConfirmed,
		CreatedAt:  time.Now().UTC(),
		CreatedBy:  createdBy,
	}
}

// Key identifies a relation up to (source, target, type). Two confirmed
// relations may never share a Key.
type Key struct {
	Source TermID
	Target TermID
	Type   Type
}

// Key returns the relation's identity key.
func (r *Relation) Key() Key {
	return Key{Source: r.SourceID, Target: r.TargetID, Type: r.Type}
}

// Reversed returns the key with source and target swapped. Used for
// direction-aware lookups on symmetric types.
func (k Key) Reversed() Key {
	return Key{Source: k.Target, Target: k.Source, Type: k.Type}
}

// References reports whether the relation's derivation path contains the
// given edge ID. Used for cascading invalidation on delete.
func (r *Relation) References(id RelationID) bool {
	for _, step := range r.DerivationPath {
		if step.EdgeID == id {
			return true
		}
	}
	return false
}

// Clone returns a deep copy. Stores return copies so callers can't mutate
// indexed state.
func (r *Relation) Clone() *Relation {
	out := *r
	if r.DerivationPath != nil {
		out.DerivationPath = make([]DerivationStep, len(r.DerivationPath))
		copy(out.DerivationPath, r.DerivationPath)
	}
	return &out
}

// Validate checks the relation against the registry and the model
// invariants: known type, confidence in [0,1], no self-loop on
// non-reflexive types, and no self-referential derivation.
func (r *Relation) Validate(reg *Registry) error {
	spec, err := reg.Spec(r.Type)
	if err != nil {
		return err
	}
	if r.SourceID == "" || r.TargetID == "" {
		return fmt.Errorf("%w: empty term id", ErrInvalidType)
	}
	if r.SourceID == r.TargetID && !spec.Reflexive {
		return fmt.Errorf("%w: self-loop on non-reflexive type %q", ErrInvalidType, r.Type)
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("%w: %.3f", ErrInvalidConfidence, r.Confidence)
	}
	if r.Provenance == ProvenanceInferred && len(r.DerivationPath) == 0 {
		return fmt.Errorf("%w: inferred relation without derivation path", ErrInvalidType)
	}
	if r.References(r.ID) {
		return ErrCycleDetected
	}
	return nil
}

// Matches reports whether the relation connects source to target with the
// given type, honoring the symmetric flag: for symmetric types either
// orientation matches.
func (r *Relation) Matches(source, target TermID, spec TypeSpec) bool {
	if r.Type != spec.Name {
		return false
	}
	if r.SourceID == source && r.TargetID == target {
		return true
	}
	return spec.Symmetric && r.SourceID == target && r.TargetID == source
}
