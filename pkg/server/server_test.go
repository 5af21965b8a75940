package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/termgraph/termgraph/pkg/config"
	"github.com/termgraph/termgraph/pkg/relation"
	"github.com/termgraph/termgraph/pkg/termgraph"
)

func newTestServer(t *testing.T, serverCfg *Config) (*Server, *termgraph.DB) {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.SQLitePath = ":memory:"
	cfg.Storage.BadgerDir = ""
	cfg.Inference.CheckpointPath = ""

	quiet := log.New(io.Discard, "", 0)
	db, err := termgraph.OpenWithLogger(cfg, nil, quiet)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	srv, err := New(db, serverCfg, quiet)
	require.NoError(t, err)
	return srv, db
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any, out any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if out != nil && rec.Code < 300 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec
}

func TestCreateAndGetRelations(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	h := srv.Handler()

	var created relation.Relation
	rec := doJSON(t, h, http.MethodPost, "/relations", map[string]any{
		"source_id":     "cat",
		"target_id":     "mammal",
		"relation_type": "is_a",
		"confidence":    1.0,
		"created_by":    "user-1",
	}, &created)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, relation.StatusConfirmed, created.Status)

	var rels []*relation.Relation
	rec = doJSON(t, h, http.MethodGet, "/relations/cat", nil, &rels)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, rels, 1)
	assert.Equal(t, created.ID, rels[0].ID)

	rec = doJSON(t, h, http.MethodGet, "/relations/mammal?direction=incoming&type=is_a", nil, &rels)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, rels, 1)

	// Unknown term: empty list, not an error.
	rec = doJSON(t, h, http.MethodGet, "/relations/nothing", nil, &rels)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rels)
}

func TestCreateRelationValidation(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/relations", map[string]any{
		"source_id": "a", "target_id": "b", "relation_type": "bogus",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/relations", map[string]any{
		"source_id": "a", "target_id": "b", "relation_type": "is_a", "confidence": 1.7,
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/relations/a?direction=sideways", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/relations", bytes.NewBufferString("{not json"))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestDeleteRelation(t *testing.T) {
	srv, db := newTestServer(t, nil)
	h := srv.Handler()
	ctx := context.Background()

	rel, err := db.CreateRelation(ctx, "a", "b", relation.TypeIsA, 1.0, "")
	require.NoError(t, err)

	rec := doJSON(t, h, http.MethodDelete, "/relations/"+string(rel.ID), nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, h, http.MethodDelete, "/relations/"+string(rel.ID), nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInferAndReviewEndpoints(t *testing.T) {
	srv, db := newTestServer(t, nil)
	h := srv.Handler()
	ctx := context.Background()

	_, err := db.CreateRelation(ctx, "cat", "mammal", relation.TypeIsA, 1.0, "")
	require.NoError(t, err)
	_, err = db.CreateRelation(ctx, "mammal", "animal", relation.TypeIsA, 1.0, "")
	require.NoError(t, err)

	var inferRes struct {
		Proposed []*relation.Relation `json:"Proposed"`
	}
	rec := doJSON(t, h, http.MethodPost, "/infer", map[string]any{"term_id": "cat"}, &inferRes)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, inferRes.Proposed, 1)
	assert.Equal(t, 0.9, inferRes.Proposed[0].Confidence)

	var pending []*relation.Relation
	rec = doJSON(t, h, http.MethodGet, "/hitl/pending", nil, &pending)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, pending, 1)

	var resolved resolveResponse
	rec = doJSON(t, h, http.MethodPost, "/hitl/resolve", map[string]any{
		"id": string(pending[0].ID), "decision": "approve", "reviewer": "reviewer-1",
	}, &resolved)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, resolved.Relation)
	assert.Equal(t, relation.StatusConfirmed, resolved.Relation.Status)

	// Double resolve conflicts.
	rec = doJSON(t, h, http.MethodPost, "/hitl/resolve", map[string]any{
		"id": string(pending[0].ID), "decision": "reject",
	}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/hitl/resolve", map[string]any{
		"id": "rel-missing", "decision": "approve",
	}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/hitl/resolve", map[string]any{
		"id": "x", "decision": "maybe",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInferMaxDepthParam(t *testing.T) {
	srv, db := newTestServer(t, nil)
	h := srv.Handler()
	ctx := context.Background()

	_, err := db.CreateRelation(ctx, "a", "b", relation.TypeIsA, 1.0, "")
	require.NoError(t, err)
	_, err = db.CreateRelation(ctx, "b", "c", relation.TypeIsA, 1.0, "")
	require.NoError(t, err)

	var res struct {
		Proposed []*relation.Relation `json:"Proposed"`
	}

	// Zero depth is a valid request with an empty answer.
	rec := doJSON(t, h, http.MethodPost, "/infer", map[string]any{
		"term_id": "a", "max_depth": 0,
	}, &res)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, res.Proposed)

	rec = doJSON(t, h, http.MethodPost, "/infer", map[string]any{
		"term_id": "a", "max_depth": 2, "rules": []string{"transitive"},
	}, &res)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, res.Proposed, 1)
	assert.Equal(t, relation.TermID("c"), res.Proposed[0].TargetID)
}

func TestInferValidation(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/infer", map[string]any{}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/infer", map[string]any{
		"term_id": "cat", "rules": []string{"telepathy"},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInferRateLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InferRatePerMinute = 1
	srv, _ := newTestServer(t, cfg)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/infer", map[string]any{"term_id": "cat"}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/infer", map[string]any{"term_id": "cat"}, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestAuthMiddleware(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("sesame"), bcrypt.MinCost)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.APITokenHash = string(hash)
	srv, _ := newTestServer(t, cfg)
	h := srv.Handler()

	// No token.
	rec := doJSON(t, h, http.MethodGet, "/stats", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Wrong token.
	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	// Correct token.
	req = httptest.NewRequest(http.MethodGet, "/stats", nil)
	req.Header.Set("Authorization", "Bearer sesame")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)

	// Health stays open for probes.
	rec = doJSON(t, h, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthAndStats(t *testing.T) {
	srv, db := newTestServer(t, nil)
	h := srv.Handler()
	ctx := context.Background()

	_, err := db.CreateRelation(ctx, "a", "b", relation.TypeIsA, 1.0, "")
	require.NoError(t, err)

	var health healthResponse
	rec := doJSON(t, h, http.MethodGet, "/health", nil, &health)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", health.Status)

	var stats termgraph.Stats
	rec = doJSON(t, h, http.MethodGet, "/stats", nil, &stats)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(1), stats.Edges)
	assert.Equal(t, 2, stats.Terms)
}

func TestMethodRouting(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	h := srv.Handler()

	req := httptest.NewRequest(http.MethodPut, "/relations", bytes.NewBufferString("{}"))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}
