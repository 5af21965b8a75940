// Package review implements the human-in-the-loop queue for inferred
// relations.
//
// Every relation the rule engine materializes starts provisional and is
// invisible to normal graph queries. A reviewer either approves it, which
// confirms the relation and makes it part of the graph (and future
// inference evidence), or rejects it, which removes it entirely. Rejected
// proposals can reappear on the next inference pass; rejection is a
// decision about the proposal, not a permanent ban on the conclusion.
package review

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/termgraph/termgraph/pkg/relation"
	"github.com/termgraph/termgraph/pkg/storage"
)

// Decision is a reviewer's verdict on a provisional relation.
type Decision string

const (
	Approve Decision = "approve"
	Reject  Decision = "reject"
)

// ParseDecision validates a decision from an API request.
func ParseDecision(s string) (Decision, error) {
	switch Decision(s) {
	case Approve, Reject:
		return Decision(s), nil
	}
	return "", fmt.Errorf("unknown review decision %q", s)
}

// Queue serves and resolves pending proposals.
type Queue struct {
	store  storage.Store
	logger *log.Logger
}

// NewQueue creates a review queue over the given store. A nil logger uses
// the standard logger.
func NewQueue(store storage.Store, logger *log.Logger) *Queue {
	if logger == nil {
		logger = log.Default()
	}
	return &Queue{store: store, logger: logger}
}

// Pending returns provisional relations awaiting review, oldest first, up
// to limit (limit <= 0 means all).
func (q *Queue) Pending(ctx context.Context, limit int) ([]*relation.Relation, error) {
	return q.store.GetPending(ctx, limit)
}

// Resolve applies one review decision.
//
// Approving confirms the relation; confidence may be overridden by passing
// a non-nil reviewerConfidence. Rejecting removes the relation entirely.
// Resolving a relation that is not provisional returns ErrAlreadyResolved;
// a missing ID returns ErrNotFound. Both cases are safe to retry blindly,
// a double-submit cannot flip an earlier decision.
//
// On approve, the confirmed relation is returned. If confirming collides
// with an existing confirmed edge of the same (source, target, type), the
// two merge and the survivor is returned.
func (q *Queue) Resolve(ctx context.Context, id relation.RelationID, decision Decision, reviewerConfidence *float64, reviewer string) (*relation.Relation, error) {
	rel, err := q.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rel.Status != relation.StatusProvisional {
		return nil, fmt.Errorf("%w: %s", relation.ErrAlreadyResolved, id)
	}

	switch decision {
	case Reject:
		// Provisional relations are never inference evidence, so nothing
		// derives from them and the delete cannot cascade.
		if _, err := q.store.Delete(ctx, id); err != nil {
			return nil, err
		}
		q.logger.Printf("review: rejected %s -[%s]-> %s", rel.SourceID, rel.Type, rel.TargetID)
		return nil, nil

	case Approve:
		if reviewerConfidence != nil {
			if *reviewerConfidence < 0 || *reviewerConfidence > 1 {
				return nil, fmt.Errorf("%w: %.3f", relation.ErrInvalidConfidence, *reviewerConfidence)
			}
			rel.Confidence = *reviewerConfidence
		}
		rel.Status = relation.StatusConfirmed
		if reviewer != "" {
			rel.CreatedBy = reviewer
		}

		err := q.store.Update(ctx, rel)
		if errors.Is(err, relation.ErrDuplicate) {
			// Merged into an already-confirmed edge for the same key.
			survivor, lerr := q.store.Lookup(ctx, rel.SourceID, rel.TargetID, rel.Type)
			if lerr != nil {
				return nil, lerr
			}
			q.logger.Printf("review: approved %s merged into %s", id, survivor.ID)
			return survivor, nil
		}
		if err != nil {
			return nil, err
		}
		q.logger.Printf("review: approved %s -[%s]-> %s (%.2f)", rel.SourceID, rel.Type, rel.TargetID, rel.Confidence)
		return rel, nil

	default:
		return nil, fmt.Errorf("unknown review decision %q", decision)
	}
}
