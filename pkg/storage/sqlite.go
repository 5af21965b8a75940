package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/termgraph/termgraph/pkg/relation"
)

// SQLStore is the relational relation store, backed by SQLite.
//
// The relational backend is always the source of truth for the graph. It
// answers bounded-depth neighborhood expansion with a recursive CTE and
// enforces the uniqueness invariant with a unique index over
// (source_id, target_id, relation_type, status), so the duplicate check and
// the insert are one atomic unit.
//
// A side table, derivation_steps, indexes each inferred relation by the
// constituent edges of its proof chain; deleting a confirmed edge finds the
// inferred edges to re-evaluate with a single indexed lookup.
type SQLStore struct {
	db       *sql.DB
	registry *relation.Registry
}

const sqlSchema = `
CREATE TABLE IF NOT EXISTS relations (
	id TEXT PRIMARY KEY,
	source_id TEXT NOT NULL,
	target_id TEXT NOT NULL,
	relation_type TEXT NOT NULL,
	confidence REAL NOT NULL DEFAULT 1.0,
	provenance TEXT NOT NULL,
	status TEXT NOT NULL,
	symmetric INTEGER NOT NULL DEFAULT 0,
	derivation_path TEXT,
	created_at TEXT NOT NULL,
	created_by TEXT
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_relations_key
	ON relations(source_id, target_id, relation_type, status);
CREATE INDEX IF NOT EXISTS idx_relations_source ON relations(source_id, relation_type);
CREATE INDEX IF NOT EXISTS idx_relations_target ON relations(target_id, relation_type);
CREATE INDEX IF NOT EXISTS idx_relations_pending ON relations(status, created_at);

CREATE TABLE IF NOT EXISTS derivation_steps (
	relation_id TEXT NOT NULL,
	hop INTEGER NOT NULL,
	edge_id TEXT NOT NULL,
	rule TEXT NOT NULL,
	PRIMARY KEY (relation_id, hop)
);

CREATE INDEX IF NOT EXISTS idx_derivation_edge ON derivation_steps(edge_id);
`

// OpenSQLStore opens (or creates) a SQLite-backed store at dbPath.
// Pass ":memory:" for an ephemeral database. WAL mode is enabled for
// file-based databases so concurrent inference runs can read while one
// writer proceeds.
func OpenSQLStore(dbPath string, registry *relation.Registry) (*SQLStore, error) {
	connStr := dbPath
	if dbPath == ":memory:" {
		// Shared cache so every pooled connection sees the same database.
		connStr = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", relation.ErrStoreUnavailable, dbPath, err)
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ping: %v", relation.ErrStoreUnavailable, err)
	}
	if dbPath != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: enable WAL: %v", relation.ErrStoreUnavailable, err)
		}
	}
	if _, err := db.Exec(sqlSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: create schema: %v", relation.ErrStoreUnavailable, err)
	}
	return &SQLStore{db: db, registry: registry}, nil
}

const relationColumns = `id, source_id, target_id, relation_type, confidence,
	provenance, status, derivation_path, created_at, created_by`

func (s *SQLStore) scanRelation(row interface{ Scan(...any) error }) (*relation.Relation, error) {
	var (
		rel       relation.Relation
		pathJSON  sql.NullString
		createdAt string
		createdBy sql.NullString
	)
	err := row.Scan(&rel.ID, &rel.SourceID, &rel.TargetID, &rel.Type, &rel.Confidence,
		&rel.Provenance, &rel.Status, &pathJSON, &createdAt, &createdBy)
	if err != nil {
		return nil, err
	}
	if pathJSON.Valid && pathJSON.String != "" {
		if err := json.Unmarshal([]byte(pathJSON.String), &rel.DerivationPath); err != nil {
			return nil, fmt.Errorf("decode derivation path of %s: %w", rel.ID, err)
		}
	}
	if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		rel.CreatedAt = ts
	}
	rel.CreatedBy = createdBy.String
	return &rel, nil
}

func (s *SQLStore) wrapIO(op string, err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", relation.ErrStoreUnavailable, op, err)
}

// findByKeyTx resolves (source, target, type, status) to a stored relation
// inside a transaction, checking the reverse orientation for symmetric types.
func (s *SQLStore) findByKeyTx(ctx context.Context, tx *sql.Tx, key relation.Key, spec relation.TypeSpec, status relation.Status) (*relation.Relation, error) {
	query := `SELECT ` + relationColumns + ` FROM relations
		WHERE source_id = ? AND target_id = ? AND relation_type = ? AND status = ?`
	rel, err := s.scanRelation(tx.QueryRowContext(ctx, query, key.Source, key.Target, key.Type, status))
	if err == nil {
		return rel, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}
	if !spec.Symmetric || key.Source == key.Target {
		return nil, sql.ErrNoRows
	}
	return s.scanRelation(tx.QueryRowContext(ctx, query, key.Target, key.Source, key.Type, status))
}

// insertTx writes the relation row and its derivation steps. It reports
// false without error when the key is already taken, so a write that lost
// the race between the duplicate check and the insert can merge instead of
// failing on the unique index.
func (s *SQLStore) insertTx(ctx context.Context, tx *sql.Tx, rel *relation.Relation, symmetric bool) (bool, error) {
	var pathJSON any
	if len(rel.DerivationPath) > 0 {
		b, err := json.Marshal(rel.DerivationPath)
		if err != nil {
			return false, err
		}
		pathJSON = string(b)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO relations
		(id, source_id, target_id, relation_type, confidence, provenance, status,
		 symmetric, derivation_path, created_at, created_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_id, target_id, relation_type, status) DO NOTHING`,
		rel.ID, rel.SourceID, rel.TargetID, rel.Type, rel.Confidence,
		rel.Provenance, rel.Status, boolToInt(symmetric), pathJSON,
		// Fixed-width timestamp so ORDER BY created_at is creation order.
		rel.CreatedAt.UTC().Format(pendingTimeLayout), rel.CreatedBy)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	return true, s.insertStepsTx(ctx, tx, rel)
}

func (s *SQLStore) insertStepsTx(ctx context.Context, tx *sql.Tx, rel *relation.Relation) error {
	for hop, step := range rel.DerivationPath {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO derivation_steps (relation_id, hop, edge_id, rule) VALUES (?, ?, ?, ?)`,
			rel.ID, hop, step.EdgeID, step.Rule); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) deleteRowTx(ctx context.Context, tx *sql.Tx, id relation.RelationID) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM relations WHERE id = ?`, id); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `DELETE FROM derivation_steps WHERE relation_id = ?`, id)
	return err
}

// Put inserts or merges a relation. The duplicate check and the write run
// in one transaction, so concurrent inference runs cannot double-insert the
// same (source, target, type) proposal.
func (s *SQLStore) Put(ctx context.Context, rel *relation.Relation) (relation.RelationID, error) {
	if err := rel.Validate(s.registry); err != nil {
		return "", err
	}
	spec, _ := s.registry.Spec(rel.Type)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", s.wrapIO("begin", err)
	}
	defer tx.Rollback()

	// Same-status duplicate: merge confidence, keep the better derivation.
	existing, err := s.findByKeyTx(ctx, tx, rel.Key(), spec, rel.Status)
	if err != nil && err != sql.ErrNoRows {
		return "", s.wrapIO("lookup", err)
	}
	if existing != nil {
		return s.mergeTx(ctx, tx, existing, rel)
	}

	if rel.Status == relation.StatusProvisional {
		// Identical confirmed edge: the proposal is redundant.
		confirmed, err := s.findByKeyTx(ctx, tx, rel.Key(), spec, relation.StatusConfirmed)
		if err != nil && err != sql.ErrNoRows {
			return "", s.wrapIO("lookup confirmed", err)
		}
		if confirmed != nil {
			if err := tx.Commit(); err != nil {
				return "", s.wrapIO("commit", err)
			}
			return confirmed.ID, relation.ErrDuplicate
		}
	} else {
		// A direct assertion supersedes a pending proposal for the key.
		pending, err := s.findByKeyTx(ctx, tx, rel.Key(), spec, relation.StatusProvisional)
		if err != nil && err != sql.ErrNoRows {
			return "", s.wrapIO("lookup pending", err)
		}
		if pending != nil {
			if err := s.deleteRowTx(ctx, tx, pending.ID); err != nil {
				return "", s.wrapIO("supersede pending", err)
			}
		}
	}

	if rel.ID == "" {
		rel.ID = relation.NewRelationID()
	}
	if rel.CreatedAt.IsZero() {
		rel.CreatedAt = time.Now().UTC()
	}
	inserted, err := s.insertTx(ctx, tx, rel, spec.Symmetric)
	if err != nil {
		return "", s.wrapIO("insert", err)
	}
	if !inserted {
		// A concurrent writer claimed the key after the duplicate check.
		// Insert-or-merge still holds: merge into the winner.
		existing, err := s.findByKeyTx(ctx, tx, rel.Key(), spec, rel.Status)
		if err != nil {
			return "", s.wrapIO("lookup after conflict", err)
		}
		return s.mergeTx(ctx, tx, existing, rel)
	}
	if err := tx.Commit(); err != nil {
		return "", s.wrapIO("commit", err)
	}
	return rel.ID, nil
}

// mergeTx folds rel into the stored duplicate, commits, and reports the
// merge as (existing ID, ErrDuplicate).
func (s *SQLStore) mergeTx(ctx context.Context, tx *sql.Tx, existing *relation.Relation, rel *relation.Relation) (relation.RelationID, error) {
	if rel.Confidence > existing.Confidence {
		if _, err := tx.ExecContext(ctx,
			`UPDATE relations SET confidence = ? WHERE id = ?`,
			rel.Confidence, existing.ID); err != nil {
			return "", s.wrapIO("merge", err)
		}
		if rel.Provenance == relation.ProvenanceInferred {
			if err := s.replaceDerivationTx(ctx, tx, existing.ID, rel.DerivationPath); err != nil {
				return "", s.wrapIO("merge path", err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return "", s.wrapIO("commit", err)
	}
	return existing.ID, relation.ErrDuplicate
}

func (s *SQLStore) replaceDerivationTx(ctx context.Context, tx *sql.Tx, id relation.RelationID, path []relation.DerivationStep) error {
	b, err := json.Marshal(path)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE relations SET derivation_path = ? WHERE id = ?`, string(b), id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM derivation_steps WHERE relation_id = ?`, id); err != nil {
		return err
	}
	for hop, step := range path {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO derivation_steps (relation_id, hop, edge_id, rule) VALUES (?, ?, ?, ?)`,
			id, hop, step.EdgeID, step.Rule); err != nil {
			return err
		}
	}
	return nil
}

// Get returns a relation by ID, any status.
func (s *SQLStore) Get(ctx context.Context, id relation.RelationID) (*relation.Relation, error) {
	rel, err := s.scanRelation(s.db.QueryRowContext(ctx,
		`SELECT `+relationColumns+` FROM relations WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, relation.ErrNotFound
	}
	if err != nil {
		return nil, s.wrapIO("get", err)
	}
	return rel, nil
}

// Update replaces the stored relation with the same ID.
func (s *SQLStore) Update(ctx context.Context, rel *relation.Relation) error {
	if err := rel.Validate(s.registry); err != nil {
		return err
	}
	spec, _ := s.registry.Spec(rel.Type)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.wrapIO("begin", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM relations WHERE id = ?`, rel.ID).Scan(&exists); err != nil {
		return s.wrapIO("update lookup", err)
	}
	if exists == 0 {
		return relation.ErrNotFound
	}

	// Transitioning onto an occupied key merges into the occupant.
	other, err := s.findByKeyTx(ctx, tx, rel.Key(), spec, rel.Status)
	if err != nil && err != sql.ErrNoRows {
		return s.wrapIO("update key lookup", err)
	}
	if other != nil && other.ID != rel.ID {
		merged := mergeConfidence(other.Confidence, rel.Confidence)
		if _, err := tx.ExecContext(ctx,
			`UPDATE relations SET confidence = ? WHERE id = ?`, merged, other.ID); err != nil {
			return s.wrapIO("update merge", err)
		}
		if err := s.deleteRowTx(ctx, tx, rel.ID); err != nil {
			return s.wrapIO("update remove", err)
		}
		if err := tx.Commit(); err != nil {
			return s.wrapIO("commit", err)
		}
		return relation.ErrDuplicate
	}

	var pathJSON any
	if len(rel.DerivationPath) > 0 {
		b, err := json.Marshal(rel.DerivationPath)
		if err != nil {
			return err
		}
		pathJSON = string(b)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE relations SET
		source_id = ?, target_id = ?, relation_type = ?, confidence = ?,
		provenance = ?, status = ?, symmetric = ?, derivation_path = ?, created_by = ?
		WHERE id = ?`,
		rel.SourceID, rel.TargetID, rel.Type, rel.Confidence,
		rel.Provenance, rel.Status, boolToInt(spec.Symmetric), pathJSON, rel.CreatedBy,
		rel.ID); err != nil {
		return s.wrapIO("update", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM derivation_steps WHERE relation_id = ?`, rel.ID); err != nil {
		return s.wrapIO("update steps", err)
	}
	if err := s.insertStepsTx(ctx, tx, rel); err != nil {
		return s.wrapIO("update steps", err)
	}
	if err := tx.Commit(); err != nil {
		return s.wrapIO("commit", err)
	}
	return nil
}

// Delete removes a relation and returns the inferred relations whose
// derivation path references it.
func (s *SQLStore) Delete(ctx context.Context, id relation.RelationID) ([]*relation.Relation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, s.wrapIO("begin", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM relations WHERE id = ?`, id).Scan(&exists); err != nil {
		return nil, s.wrapIO("delete lookup", err)
	}
	if exists == 0 {
		return nil, relation.ErrNotFound
	}

	rows, err := tx.QueryContext(ctx, `SELECT `+relationColumns+` FROM relations
		WHERE id IN (SELECT DISTINCT relation_id FROM derivation_steps WHERE edge_id = ?)
		ORDER BY id`, id)
	if err != nil {
		return nil, s.wrapIO("delete affected", err)
	}
	affected, err := s.collectRows(rows)
	if err != nil {
		return nil, s.wrapIO("delete affected", err)
	}

	if err := s.deleteRowTx(ctx, tx, id); err != nil {
		return nil, s.wrapIO("delete", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, s.wrapIO("commit", err)
	}
	return affected, nil
}

func (s *SQLStore) collectRows(rows *sql.Rows) ([]*relation.Relation, error) {
	defer rows.Close()
	var out []*relation.Relation
	for rows.Next() {
		rel, err := s.scanRelation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rel)
	}
	return out, rows.Err()
}

// GetOutgoing returns confirmed edges leaving termID; symmetric types are
// answered in both directions without materializing the reverse edge.
func (s *SQLStore) GetOutgoing(ctx context.Context, termID relation.TermID, t relation.Type) ([]*relation.Relation, error) {
	return s.edges(ctx, termID, t, true)
}

// GetIncoming mirrors GetOutgoing for arriving edges.
func (s *SQLStore) GetIncoming(ctx context.Context, termID relation.TermID, t relation.Type) ([]*relation.Relation, error) {
	return s.edges(ctx, termID, t, false)
}

func (s *SQLStore) edges(ctx context.Context, termID relation.TermID, t relation.Type, outgoing bool) ([]*relation.Relation, error) {
	directCol, reverseCol := "source_id", "target_id"
	if !outgoing {
		directCol, reverseCol = "target_id", "source_id"
	}

	query := `SELECT ` + relationColumns + ` FROM relations
		WHERE ` + directCol + ` = ? AND status = 'confirmed'`
	args := []any{termID}
	if t != "" {
		query += ` AND relation_type = ?`
		args = append(args, t)
	}
	query += ` ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.wrapIO("edges", err)
	}
	out, err := s.collectRows(rows)
	if err != nil {
		return nil, s.wrapIO("edges", err)
	}

	// Symmetric edges stored in the opposite orientation surface as
	// reversed views with the same ID.
	query = `SELECT ` + relationColumns + ` FROM relations
		WHERE ` + reverseCol + ` = ? AND symmetric = 1 AND status = 'confirmed'
		  AND source_id != target_id`
	args = []any{termID}
	if t != "" {
		query += ` AND relation_type = ?`
		args = append(args, t)
	}
	query += ` ORDER BY id`
	rows, err = s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.wrapIO("edges symmetric", err)
	}
	mirrored, err := s.collectRows(rows)
	if err != nil {
		return nil, s.wrapIO("edges symmetric", err)
	}
	for _, rel := range mirrored {
		out = append(out, reversedView(rel))
	}
	return out, nil
}

// Lookup returns the edge connecting source to target, honoring symmetry,
// preferring confirmed over provisional.
func (s *SQLStore) Lookup(ctx context.Context, source, target relation.TermID, t relation.Type) (*relation.Relation, error) {
	spec, err := s.registry.Spec(t)
	if err != nil {
		return nil, err
	}
	query := `SELECT ` + relationColumns + ` FROM relations
		WHERE relation_type = ? AND status = ?
		  AND (
			(source_id = ? AND target_id = ?)
			OR (? = 1 AND source_id = ? AND target_id = ?)
		  )
		LIMIT 1`
	for _, status := range []relation.Status{relation.StatusConfirmed, relation.StatusProvisional} {
		rel, err := s.scanRelation(s.db.QueryRowContext(ctx, query,
			t, status, source, target, boolToInt(spec.Symmetric), target, source))
		if err == nil {
			return rel, nil
		}
		if err != sql.ErrNoRows {
			return nil, s.wrapIO("lookup", err)
		}
	}
	return nil, relation.ErrNotFound
}

// Exists reports whether an edge connects source to target with type t.
func (s *SQLStore) Exists(ctx context.Context, source, target relation.TermID, t relation.Type) (bool, error) {
	_, err := s.Lookup(ctx, source, target, t)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, relation.ErrNotFound) {
		return false, nil
	}
	return false, err
}

// Neighborhood returns all confirmed edges within maxHops of termID using a
// recursive CTE, so the expansion is a single round trip regardless of
// depth.
func (s *SQLStore) Neighborhood(ctx context.Context, termID relation.TermID, maxHops int) ([]*relation.Relation, error) {
	if maxHops <= 0 {
		return nil, nil
	}
	query := `
	WITH RECURSIVE frontier(term_id, depth) AS (
		SELECT ?, 0
		UNION
		SELECT CASE WHEN r.source_id = f.term_id THEN r.target_id ELSE r.source_id END,
		       f.depth + 1
		FROM relations r
		JOIN frontier f
		  ON (r.source_id = f.term_id OR (r.symmetric = 1 AND r.target_id = f.term_id))
		WHERE r.status = 'confirmed' AND f.depth < ?
	)
	SELECT ` + relationColumns + ` FROM relations
	WHERE status = 'confirmed' AND id IN (
		SELECT r.id
		FROM relations r
		JOIN frontier f
		  ON (r.source_id = f.term_id OR (r.symmetric = 1 AND r.target_id = f.term_id))
		WHERE r.status = 'confirmed' AND f.depth < ?
	)
	ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query, termID, maxHops, maxHops)
	if err != nil {
		return nil, s.wrapIO("neighborhood", err)
	}
	out, err := s.collectRows(rows)
	if err != nil {
		return nil, s.wrapIO("neighborhood", err)
	}
	return out, nil
}

// GetPending returns provisional relations, oldest first.
func (s *SQLStore) GetPending(ctx context.Context, limit int) ([]*relation.Relation, error) {
	query := `SELECT ` + relationColumns + ` FROM relations
		WHERE status = 'provisional' ORDER BY created_at, id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.wrapIO("pending", err)
	}
	out, err := s.collectRows(rows)
	if err != nil {
		return nil, s.wrapIO("pending", err)
	}
	return out, nil
}

// Terms returns the distinct term IDs, sorted.
func (s *SQLStore) Terms(ctx context.Context) ([]relation.TermID, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source_id FROM relations UNION SELECT target_id FROM relations ORDER BY 1`)
	if err != nil {
		return nil, s.wrapIO("terms", err)
	}
	defer rows.Close()
	var out []relation.TermID
	for rows.Next() {
		var t relation.TermID
		if err := rows.Scan(&t); err != nil {
			return nil, s.wrapIO("terms", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrapIO("terms", err)
	}
	return out, nil
}

// EdgeCount returns the number of stored relations.
func (s *SQLStore) EdgeCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM relations`).Scan(&n); err != nil {
		return 0, s.wrapIO("count", err)
	}
	return n, nil
}

// ExportAll returns every stored relation with full derivation path.
func (s *SQLStore) ExportAll(ctx context.Context) ([]*relation.Relation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+relationColumns+` FROM relations ORDER BY id`)
	if err != nil {
		return nil, s.wrapIO("export", err)
	}
	out, err := s.collectRows(rows)
	if err != nil {
		return nil, s.wrapIO("export", err)
	}
	return out, nil
}

// ImportAll inserts relations preserving IDs. Re-importing the same set is
// a no-op, which makes backend migration and rollback safely repeatable.
func (s *SQLStore) ImportAll(ctx context.Context, rels []*relation.Relation) error {
	for _, rel := range rels {
		existing, err := s.Get(ctx, rel.ID)
		if err == nil {
			if rel.Confidence > existing.Confidence {
				existing.Confidence = rel.Confidence
				if err := s.Update(ctx, existing); err != nil && !errors.Is(err, relation.ErrDuplicate) {
					return err
				}
			}
			continue
		}
		if !errors.Is(err, relation.ErrNotFound) {
			return err
		}
		if _, err := s.Put(ctx, rel.Clone()); err != nil && !errors.Is(err, relation.ErrDuplicate) {
			return fmt.Errorf("import %s: %w", rel.ID, err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
