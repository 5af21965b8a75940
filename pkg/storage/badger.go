package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/termgraph/termgraph/pkg/relation"
)

// Key prefixes for BadgerDB storage organization.
// Using single-byte prefixes for efficiency.
const (
	prefixRelation   = byte(0x01) // relation:relationID -> Relation
	prefixOutgoing   = byte(0x02) // outgoing:sourceID:relationID -> []byte{}
	prefixIncoming   = byte(0x03) // incoming:targetID:relationID -> []byte{}
	prefixIdentity   = byte(0x04) // identity:source:target:type:status -> relationID
	prefixDerivation = byte(0x05) // derivation:edgeID:relationID -> []byte{}
	prefixPending    = byte(0x06) // pending:createdAt:relationID -> []byte{}
)

// pendingTimeLayout is fixed-width so lexical key order is creation order.
const pendingTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// BadgerStore is the native graph backend, backed by BadgerDB.
//
// It keeps the same Store semantics as SQLStore but trades the relational
// engine for an embedded LSM key-value store with purpose-built secondary
// indexes, so traversal queries are prefix scans instead of table scans.
// The backend selector promotes it for read-heavy traversal workloads once
// the graph grows past the activation threshold; the relational store stays
// the source of truth.
//
// Key Structure:
//   - Relations:  0x01 + relationID -> JSON(Relation)
//   - Outgoing:   0x02 + sourceID + 0x00 + relationID -> empty
//   - Incoming:   0x03 + targetID + 0x00 + relationID -> empty
//   - Identity:   0x04 + source + 0x00 + target + 0x00 + type + 0x00 + status -> relationID
//   - Derivation: 0x05 + constituentEdgeID + 0x00 + relationID -> empty
//   - Pending:    0x06 + createdAt + 0x00 + relationID -> empty
//
// Every mutation runs in one badger.Update transaction, so the identity
// check and the write commit together.
type BadgerStore struct {
	db       *badger.DB
	registry *relation.Registry
	mu       sync.RWMutex
	closed   bool
}

// BadgerStoreOptions configures the BadgerDB backend.
type BadgerStoreOptions struct {
	// DataDir is the directory for storing data files. Required unless
	// InMemory is set.
	DataDir string

	// InMemory runs BadgerDB in memory-only mode. Useful for testing and
	// for the selector's shadow benchmark. Data is not persisted.
	InMemory bool

	// SyncWrites forces fsync after each write. Slower but more durable.
	SyncWrites bool

	// Logger for BadgerDB internal logging. If nil, Badger stays quiet.
	Logger badger.Logger
}

// NewBadgerStore opens a persistent graph store at dataDir with default
// settings.
func NewBadgerStore(dataDir string, registry *relation.Registry) (*BadgerStore, error) {
	return NewBadgerStoreWithOptions(BadgerStoreOptions{DataDir: dataDir}, registry)
}

// NewBadgerStoreWithOptions opens a graph store with explicit options.
func NewBadgerStoreWithOptions(opts BadgerStoreOptions, registry *relation.Registry) (*BadgerStore, error) {
	badgerOpts := badger.DefaultOptions(opts.DataDir)
	if opts.InMemory {
		badgerOpts = badgerOpts.WithInMemory(true)
		badgerOpts.Dir = ""
		badgerOpts.ValueDir = ""
	}
	if opts.SyncWrites {
		badgerOpts = badgerOpts.WithSyncWrites(true)
	}
	badgerOpts = badgerOpts.WithLogger(opts.Logger)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("%w: open badger: %v", relation.ErrStoreUnavailable, err)
	}
	return &BadgerStore{db: db, registry: registry}, nil
}

// Key construction helpers. All composite keys separate components with a
// 0x00 byte; term and relation IDs never contain NUL.

func relationKey(id relation.RelationID) []byte {
	return append([]byte{prefixRelation}, []byte(id)...)
}

func compositeKey(prefix byte, parts ...string) []byte {
	size := 1
	for _, p := range parts {
		size += len(p) + 1
	}
	key := make([]byte, 0, size)
	key = append(key, prefix)
	for i, p := range parts {
		if i > 0 {
			key = append(key, 0x00)
		}
		key = append(key, p...)
	}
	return key
}

func scanPrefix(prefix byte, parts ...string) []byte {
	key := compositeKey(prefix, parts...)
	return append(key, 0x00)
}

// lastComponent returns the bytes after the final 0x00 separator, which is
// always the relation ID in index keys.
func lastComponent(key []byte) relation.RelationID {
	i := bytes.LastIndexByte(key, 0x00)
	return relation.RelationID(key[i+1:])
}

func identityKey(k relation.Key, status relation.Status) []byte {
	return compositeKey(prefixIdentity, string(k.Source), string(k.Target), string(k.Type), string(status))
}

func (b *BadgerStore) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("%w: store closed", relation.ErrStoreUnavailable)
	}
	return nil
}

func (b *BadgerStore) wrapIO(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, relation.ErrNotFound) || errors.Is(err, relation.ErrDuplicate) ||
		errors.Is(err, relation.ErrInvalidType) || errors.Is(err, relation.ErrInvalidConfidence) ||
		errors.Is(err, relation.ErrCycleDetected) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", relation.ErrStoreUnavailable, op, err)
}

// loadTxn reads and decodes one relation record.
func loadTxn(txn *badger.Txn, id relation.RelationID) (*relation.Relation, error) {
	item, err := txn.Get(relationKey(id))
	if err == badger.ErrKeyNotFound {
		return nil, relation.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rel relation.Relation
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rel)
	}); err != nil {
		return nil, err
	}
	return &rel, nil
}

// findByKeyTxn resolves an identity key to a relation, checking the reverse
// orientation for symmetric types.
func findByKeyTxn(txn *badger.Txn, key relation.Key, spec relation.TypeSpec, status relation.Status) (*relation.Relation, error) {
	lookup := func(k relation.Key) (*relation.Relation, error) {
		item, err := txn.Get(identityKey(k, status))
		if err == badger.ErrKeyNotFound {
			return nil, relation.ErrNotFound
		}
		if err != nil {
			return nil, err
		}
		var id relation.RelationID
		if err := item.Value(func(val []byte) error {
			id = relation.RelationID(val)
			return nil
		}); err != nil {
			return nil, err
		}
		return loadTxn(txn, id)
	}
	rel, err := lookup(key)
	if err == nil || !errors.Is(err, relation.ErrNotFound) {
		return rel, err
	}
	if !spec.Symmetric || key.Source == key.Target {
		return nil, relation.ErrNotFound
	}
	return lookup(key.Reversed())
}

// writeTxn stores the record and all of its index entries.
func writeTxn(txn *badger.Txn, rel *relation.Relation) error {
	raw, err := json.Marshal(rel)
	if err != nil {
		return err
	}
	if err := txn.Set(relationKey(rel.ID), raw); err != nil {
		return err
	}
	if err := txn.Set(compositeKey(prefixOutgoing, string(rel.SourceID), string(rel.ID)), nil); err != nil {
		return err
	}
	if err := txn.Set(compositeKey(prefixIncoming, string(rel.TargetID), string(rel.ID)), nil); err != nil {
		return err
	}
	if err := txn.Set(identityKey(rel.Key(), rel.Status), []byte(rel.ID)); err != nil {
		return err
	}
	for _, step := range rel.DerivationPath {
		if err := txn.Set(compositeKey(prefixDerivation, string(step.EdgeID), string(rel.ID)), nil); err != nil {
			return err
		}
	}
	if rel.Status == relation.StatusProvisional {
		ts := rel.CreatedAt.UTC().Format(pendingTimeLayout)
		if err := txn.Set(compositeKey(prefixPending, ts, string(rel.ID)), nil); err != nil {
			return err
		}
	}
	return nil
}

// removeTxn deletes the record and all of its index entries.
func removeTxn(txn *badger.Txn, rel *relation.Relation) error {
	if err := txn.Delete(relationKey(rel.ID)); err != nil {
		return err
	}
	if err := txn.Delete(compositeKey(prefixOutgoing, string(rel.SourceID), string(rel.ID))); err != nil {
		return err
	}
	if err := txn.Delete(compositeKey(prefixIncoming, string(rel.TargetID), string(rel.ID))); err != nil {
		return err
	}
	if err := txn.Delete(identityKey(rel.Key(), rel.Status)); err != nil {
		return err
	}
	for _, step := range rel.DerivationPath {
		if err := txn.Delete(compositeKey(prefixDerivation, string(step.EdgeID), string(rel.ID))); err != nil {
			return err
		}
	}
	if rel.Status == relation.StatusProvisional {
		ts := rel.CreatedAt.UTC().Format(pendingTimeLayout)
		if err := txn.Delete(compositeKey(prefixPending, ts, string(rel.ID))); err != nil {
			return err
		}
	}
	return nil
}

// Put inserts or merges a relation. Identity check and write commit in one
// Badger transaction.
func (b *BadgerStore) Put(ctx context.Context, rel *relation.Relation) (relation.RelationID, error) {
	if err := b.checkOpen(); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := rel.Validate(b.registry); err != nil {
		return "", err
	}
	spec, _ := b.registry.Spec(rel.Type)

	var (
		outID relation.RelationID
		dup   bool
	)
	err := b.db.Update(func(txn *badger.Txn) error {
		existing, err := findByKeyTxn(txn, rel.Key(), spec, rel.Status)
		if err != nil && !errors.Is(err, relation.ErrNotFound) {
			return err
		}
		if existing != nil {
			outID, dup = existing.ID, true
			if rel.Confidence <= existing.Confidence {
				return nil
			}
			// Merge: keep the higher confidence, and for inferred edges
			// the derivation that produced it.
			if err := removeTxn(txn, existing); err != nil {
				return err
			}
			existing.Confidence = rel.Confidence
			if rel.Provenance == relation.ProvenanceInferred {
				existing.DerivationPath = append([]relation.DerivationStep(nil), rel.DerivationPath...)
			}
			return writeTxn(txn, existing)
		}

		if rel.Status == relation.StatusProvisional {
			confirmed, err := findByKeyTxn(txn, rel.Key(), spec, relation.StatusConfirmed)
			if err != nil && !errors.Is(err, relation.ErrNotFound) {
				return err
			}
			if confirmed != nil {
				outID, dup = confirmed.ID, true
				return nil
			}
		} else {
			pending, err := findByKeyTxn(txn, rel.Key(), spec, relation.StatusProvisional)
			if err != nil && !errors.Is(err, relation.ErrNotFound) {
				return err
			}
			if pending != nil {
				if err := removeTxn(txn, pending); err != nil {
					return err
				}
			}
		}

		if rel.ID == "" {
			rel.ID = relation.NewRelationID()
		}
		if rel.CreatedAt.IsZero() {
			rel.CreatedAt = time.Now().UTC()
		}
		outID = rel.ID
		return writeTxn(txn, rel)
	})
	if err != nil {
		return "", b.wrapIO("put", err)
	}
	if dup {
		return outID, relation.ErrDuplicate
	}
	return outID, nil
}

// Get returns a relation by ID, any status.
func (b *BadgerStore) Get(ctx context.Context, id relation.RelationID) (*relation.Relation, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	var rel *relation.Relation
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		rel, err = loadTxn(txn, id)
		return err
	})
	if err != nil {
		return nil, b.wrapIO("get", err)
	}
	return rel, nil
}

// Update replaces the stored relation with the same ID.
func (b *BadgerStore) Update(ctx context.Context, rel *relation.Relation) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	if err := rel.Validate(b.registry); err != nil {
		return err
	}
	spec, _ := b.registry.Spec(rel.Type)

	var dup bool
	err := b.db.Update(func(txn *badger.Txn) error {
		old, err := loadTxn(txn, rel.ID)
		if err != nil {
			return err
		}
		other, err := findByKeyTxn(txn, rel.Key(), spec, rel.Status)
		if err != nil && !errors.Is(err, relation.ErrNotFound) {
			return err
		}
		if other != nil && other.ID != rel.ID {
			// Transition onto an occupied key merges into the occupant.
			dup = true
			if err := removeTxn(txn, old); err != nil {
				return err
			}
			if rel.Confidence > other.Confidence {
				if err := removeTxn(txn, other); err != nil {
					return err
				}
				other.Confidence = rel.Confidence
				return writeTxn(txn, other)
			}
			return nil
		}
		if err := removeTxn(txn, old); err != nil {
			return err
		}
		return writeTxn(txn, rel)
	})
	if err != nil {
		return b.wrapIO("update", err)
	}
	if dup {
		return relation.ErrDuplicate
	}
	return nil
}

// Delete removes a relation and returns the inferred relations whose
// derivation path references it, resolved through the derivation index.
func (b *BadgerStore) Delete(ctx context.Context, id relation.RelationID) ([]*relation.Relation, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	var affected []*relation.Relation
	err := b.db.Update(func(txn *badger.Txn) error {
		rel, err := loadTxn(txn, id)
		if err != nil {
			return err
		}

		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		prefix := scanPrefix(prefixDerivation, string(id))
		var dependentIDs []relation.RelationID
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			dependentIDs = append(dependentIDs, lastComponent(it.Item().Key()))
		}
		it.Close()

		for _, depID := range dependentIDs {
			dep, err := loadTxn(txn, depID)
			if errors.Is(err, relation.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			affected = append(affected, dep)
		}
		return removeTxn(txn, rel)
	})
	if err != nil {
		return nil, b.wrapIO("delete", err)
	}
	sort.Slice(affected, func(i, j int) bool { return affected[i].ID < affected[j].ID })
	return affected, nil
}

// GetOutgoing returns confirmed edges leaving termID; symmetric types are
// answered in both directions without materializing the reverse edge.
func (b *BadgerStore) GetOutgoing(ctx context.Context, termID relation.TermID, t relation.Type) ([]*relation.Relation, error) {
	return b.edges(ctx, termID, t, true)
}

// GetIncoming mirrors GetOutgoing for arriving edges.
func (b *BadgerStore) GetIncoming(ctx context.Context, termID relation.TermID, t relation.Type) ([]*relation.Relation, error) {
	return b.edges(ctx, termID, t, false)
}

func (b *BadgerStore) edges(ctx context.Context, termID relation.TermID, t relation.Type, outgoing bool) ([]*relation.Relation, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	var out []*relation.Relation
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		out, err = b.edgesTxn(txn, termID, t, outgoing)
		return err
	})
	if err != nil {
		return nil, b.wrapIO("edges", err)
	}
	return out, nil
}

func (b *BadgerStore) edgesTxn(txn *badger.Txn, termID relation.TermID, t relation.Type, outgoing bool) ([]*relation.Relation, error) {
	directPrefix, reversePrefix := prefixOutgoing, prefixIncoming
	if !outgoing {
		directPrefix, reversePrefix = prefixIncoming, prefixOutgoing
	}

	collect := func(indexPrefix byte, mirrored bool) ([]*relation.Relation, error) {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		var rels []*relation.Relation
		prefix := scanPrefix(indexPrefix, string(termID))
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			rel, err := loadTxn(txn, lastComponent(it.Item().Key()))
			if errors.Is(err, relation.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			if rel.Status != relation.StatusConfirmed {
				continue
			}
			if t != "" && rel.Type != t {
				continue
			}
			if mirrored {
				spec, err := b.registry.Spec(rel.Type)
				if err != nil || !spec.Symmetric || rel.SourceID == rel.TargetID {
					continue
				}
				rel = reversedView(rel)
			}
			rels = append(rels, rel)
		}
		return rels, nil
	}

	out, err := collect(directPrefix, false)
	if err != nil {
		return nil, err
	}
	mirrored, err := collect(reversePrefix, true)
	if err != nil {
		return nil, err
	}
	return append(out, mirrored...), nil
}

// Lookup returns the edge connecting source to target, honoring symmetry,
// preferring confirmed over provisional.
func (b *BadgerStore) Lookup(ctx context.Context, source, target relation.TermID, t relation.Type) (*relation.Relation, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	spec, err := b.registry.Spec(t)
	if err != nil {
		return nil, err
	}
	key := relation.Key{Source: source, Target: target, Type: t}
	var found *relation.Relation
	err = b.db.View(func(txn *badger.Txn) error {
		for _, status := range []relation.Status{relation.StatusConfirmed, relation.StatusProvisional} {
			rel, err := findByKeyTxn(txn, key, spec, status)
			if err == nil {
				found = rel
				return nil
			}
			if !errors.Is(err, relation.ErrNotFound) {
				return err
			}
		}
		return relation.ErrNotFound
	})
	if err != nil {
		return nil, b.wrapIO("lookup", err)
	}
	return found, nil
}

// Exists reports whether an edge connects source to target with type t.
func (b *BadgerStore) Exists(ctx context.Context, source, target relation.TermID, t relation.Type) (bool, error) {
	_, err := b.Lookup(ctx, source, target, t)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, relation.ErrNotFound) {
		return false, nil
	}
	return false, err
}

// Neighborhood returns all confirmed edges within maxHops of termID with a
// breadth-first expansion over the traversal indexes, in one transaction.
func (b *BadgerStore) Neighborhood(ctx context.Context, termID relation.TermID, maxHops int) ([]*relation.Relation, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	if maxHops <= 0 {
		return nil, nil
	}
	var out []*relation.Relation
	err := b.db.View(func(txn *badger.Txn) error {
		visited := map[relation.TermID]bool{termID: true}
		seen := make(map[relation.RelationID]bool)
		frontier := []relation.TermID{termID}
		for hop := 0; hop < maxHops && len(frontier) > 0; hop++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			var next []relation.TermID
			for _, term := range frontier {
				rels, err := b.edgesTxn(txn, term, "", true)
				if err != nil {
					return err
				}
				for _, rel := range rels {
					if !seen[rel.ID] {
						seen[rel.ID] = true
						stored, err := loadTxn(txn, rel.ID)
						if err != nil {
							return err
						}
						out = append(out, stored)
					}
					if !visited[rel.TargetID] {
						visited[rel.TargetID] = true
						next = append(next, rel.TargetID)
					}
				}
			}
			frontier = next
		}
		return nil
	})
	if err != nil {
		return nil, b.wrapIO("neighborhood", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetPending returns provisional relations, oldest first, using the
// creation-time ordered pending index.
func (b *BadgerStore) GetPending(ctx context.Context, limit int) ([]*relation.Relation, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	var out []*relation.Relation
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte{prefixPending}
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			rel, err := loadTxn(txn, lastComponent(it.Item().Key()))
			if errors.Is(err, relation.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			out = append(out, rel)
		}
		return nil
	})
	if err != nil {
		return nil, b.wrapIO("pending", err)
	}
	return out, nil
}

// Terms returns the distinct term IDs, sorted.
func (b *BadgerStore) Terms(ctx context.Context) ([]relation.TermID, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	set := make(map[relation.TermID]bool)
	err := b.forEachRelation(func(rel *relation.Relation) error {
		set[rel.SourceID] = true
		set[rel.TargetID] = true
		return nil
	})
	if err != nil {
		return nil, b.wrapIO("terms", err)
	}
	out := make([]relation.TermID, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// EdgeCount returns the number of stored relations.
func (b *BadgerStore) EdgeCount(ctx context.Context) (int64, error) {
	if err := b.checkOpen(); err != nil {
		return 0, err
	}
	var n int64
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte{prefixRelation}
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, b.wrapIO("count", err)
	}
	return n, nil
}

// ExportAll returns every stored relation, sorted by ID.
func (b *BadgerStore) ExportAll(ctx context.Context) ([]*relation.Relation, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	var out []*relation.Relation
	err := b.forEachRelation(func(rel *relation.Relation) error {
		out = append(out, rel)
		return nil
	})
	if err != nil {
		return nil, b.wrapIO("export", err)
	}
	return out, nil
}

func (b *BadgerStore) forEachRelation(fn func(*relation.Relation) error) error {
	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte{prefixRelation}
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rel relation.Relation
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rel)
			}); err != nil {
				return err
			}
			if err := fn(rel.Clone()); err != nil {
				return err
			}
		}
		return nil
	})
}

// ImportAll inserts relations preserving IDs. Idempotent.
func (b *BadgerStore) ImportAll(ctx context.Context, rels []*relation.Relation) error {
	for _, rel := range rels {
		existing, err := b.Get(ctx, rel.ID)
		if err == nil {
			if rel.Confidence > existing.Confidence {
				existing.Confidence = rel.Confidence
				if err := b.Update(ctx, existing); err != nil && !errors.Is(err, relation.ErrDuplicate) {
					return err
				}
			}
			continue
		}
		if !errors.Is(err, relation.ErrNotFound) {
			return err
		}
		if _, err := b.Put(ctx, rel.Clone()); err != nil && !errors.Is(err, relation.ErrDuplicate) {
			return fmt.Errorf("import %s: %w", rel.ID, err)
		}
	}
	return nil
}

// Close flushes and closes the underlying BadgerDB instance. Idempotent.
func (b *BadgerStore) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}
