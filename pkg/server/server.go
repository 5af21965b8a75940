// Package server provides the HTTP REST API for TermGraph.
//
// Endpoints:
//
//	POST   /relations           assert a relation
//	GET    /relations/{term}    confirmed relations of a term
//	DELETE /relations/{id}      delete a relation (cascades re-evaluation)
//	POST   /infer               run inference for a term (rate limited)
//	GET    /hitl/pending        review queue, oldest first
//	POST   /hitl/resolve        approve or reject a proposal
//	GET    /stats               graph counters and active backend
//	GET    /health              liveness
//
// Authentication is a single bearer API token checked against a bcrypt
// hash. An empty hash disables the check; never deploy that way.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"github.com/termgraph/termgraph/pkg/inference"
	"github.com/termgraph/termgraph/pkg/relation"
	"github.com/termgraph/termgraph/pkg/review"
	"github.com/termgraph/termgraph/pkg/rules"
	"github.com/termgraph/termgraph/pkg/storage"
	"github.com/termgraph/termgraph/pkg/termgraph"
)

// Config holds HTTP server configuration.
type Config struct {
	// Address to bind to (default "127.0.0.1")
	Address string
	// Port to listen on (default 8087)
	Port int
	// APITokenHash is the bcrypt hash of the accepted bearer token.
	// Empty disables authentication.
	APITokenHash string
	// ReadTimeout for requests
	ReadTimeout time.Duration
	// WriteTimeout for responses
	WriteTimeout time.Duration
	// InferRatePerMinute caps POST /infer calls; inference is the most
	// expensive operation the API exposes (default 10).
	InferRatePerMinute int
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Address:            "127.0.0.1",
		Port:               8087,
		ReadTimeout:        15 * time.Second,
		WriteTimeout:       30 * time.Second,
		InferRatePerMinute: 10,
	}
}

// Server is the TermGraph HTTP API server.
type Server struct {
	config *Config
	db     *termgraph.DB
	logger *log.Logger

	httpServer *http.Server
	listener   net.Listener
	inferLimit *rate.Limiter

	requestCount atomic.Int64
	errorCount   atomic.Int64
}

// New creates a server over an opened TermGraph instance.
func New(db *termgraph.DB, config *Config, logger *log.Logger) (*Server, error) {
	if db == nil {
		return nil, fmt.Errorf("database required")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = log.Default()
	}
	perMinute := config.InferRatePerMinute
	if perMinute <= 0 {
		perMinute = DefaultConfig().InferRatePerMinute
	}
	return &Server{
		config:     config,
		db:         db,
		logger:     logger,
		inferLimit: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
	}, nil
}

// Start begins listening. Blocks until the listener fails or Stop is
// called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Address, s.config.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	s.logger.Printf("server: listening on %s", ln.Addr())
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Addr returns the bound address, useful when Port was 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /relations", s.withAuth(s.handleCreateRelation))
	mux.HandleFunc("GET /relations/{term}", s.withAuth(s.handleGetRelations))
	mux.HandleFunc("DELETE /relations/{id}", s.withAuth(s.handleDeleteRelation))
	mux.HandleFunc("POST /infer", s.withAuth(s.handleInfer))
	mux.HandleFunc("GET /hitl/pending", s.withAuth(s.handlePending))
	mux.HandleFunc("POST /hitl/resolve", s.withAuth(s.handleResolve))
	mux.HandleFunc("GET /stats", s.withAuth(s.handleStats))
	mux.HandleFunc("GET /health", s.handleHealth)

	return s.countRequests(mux)
}

func (s *Server) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.requestCount.Add(1)
		next.ServeHTTP(w, r)
	})
}

// withAuth enforces the bearer token when a hash is configured.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.config.APITokenHash != "" {
			token, ok := bearerToken(r)
			if !ok || bcrypt.CompareHashAndPassword([]byte(s.config.APITokenHash), []byte(token)) != nil {
				s.writeError(w, http.StatusUnauthorized, "invalid or missing API token")
				return
			}
		}
		next(w, r)
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", false
	}
	return strings.TrimSpace(h[len(prefix):]), true
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Printf("server: encode response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.errorCount.Add(1)
	s.writeJSON(w, status, errorResponse{Error: msg})
}

// writeStoreError maps the domain error taxonomy onto HTTP statuses.
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, relation.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, termgraph.ErrUnknownTerm):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, relation.ErrInvalidType),
		errors.Is(err, relation.ErrInvalidConfidence):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, relation.ErrAlreadyResolved):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, relation.ErrStoreUnavailable):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, http.StatusRequestTimeout, err.Error())
	default:
		s.logger.Printf("server: internal error: %v", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

type createRelationRequest struct {
	SourceID   string  `json:"source_id"`
	TargetID   string  `json:"target_id"`
	Type       string  `json:"relation_type"`
	Confidence float64 `json:"confidence"`
	CreatedBy  string  `json:"created_by"`
}

func (s *Server) handleCreateRelation(w http.ResponseWriter, r *http.Request) {
	var req createRelationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Confidence == 0 {
		req.Confidence = 1.0
	}
	rel, err := s.db.CreateRelation(r.Context(),
		relation.TermID(req.SourceID), relation.TermID(req.TargetID),
		relation.Type(req.Type), req.Confidence, req.CreatedBy)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, rel)
}

func (s *Server) handleGetRelations(w http.ResponseWriter, r *http.Request) {
	term := relation.TermID(r.PathValue("term"))
	dir := storage.Direction(r.URL.Query().Get("direction"))
	if dir == "" {
		dir = storage.DirectionOutgoing
	}
	t := relation.Type(r.URL.Query().Get("type"))

	rels, err := s.db.GetRelations(r.Context(), term, dir, t)
	if err != nil {
		if strings.Contains(err.Error(), "unknown direction") {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.writeStoreError(w, err)
		return
	}
	if rels == nil {
		rels = []*relation.Relation{}
	}
	s.writeJSON(w, http.StatusOK, rels)
}

func (s *Server) handleDeleteRelation(w http.ResponseWriter, r *http.Request) {
	id := relation.RelationID(r.PathValue("id"))
	if err := s.db.DeleteRelation(r.Context(), id); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type inferRequest struct {
	TermID string   `json:"term_id"`
	Rules  []string `json:"rules"`
	// MaxDepth overrides the configured chain depth for this request.
	// Absent means the configured default; zero or less yields an empty
	// result.
	MaxDepth *int `json:"max_depth,omitempty"`
}

func (s *Server) handleInfer(w http.ResponseWriter, r *http.Request) {
	if !s.inferLimit.Allow() {
		s.writeError(w, http.StatusTooManyRequests, "inference rate limit exceeded")
		return
	}
	var req inferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.TermID == "" {
		s.writeError(w, http.StatusBadRequest, "term_id required")
		return
	}
	var ruleSet []rules.Rule
	for _, name := range req.Rules {
		rule, err := rules.ParseRule(name)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		ruleSet = append(ruleSet, rule)
	}

	var (
		res *inference.Result
		err error
	)
	if req.MaxDepth != nil {
		res, err = s.db.InferDepth(r.Context(), relation.TermID(req.TermID), ruleSet, *req.MaxDepth)
	} else {
		res, err = s.db.Infer(r.Context(), relation.TermID(req.TermID), ruleSet)
	}
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	pending, err := s.db.Pending(r.Context(), limit)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if pending == nil {
		pending = []*relation.Relation{}
	}
	s.writeJSON(w, http.StatusOK, pending)
}

type resolveRequest struct {
	ID         string   `json:"id"`
	Decision   string   `json:"decision"`
	Confidence *float64 `json:"confidence,omitempty"`
	Reviewer   string   `json:"reviewer"`
}

type resolveResponse struct {
	Resolved bool               `json:"resolved"`
	Relation *relation.Relation `json:"relation,omitempty"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	decision, err := review.ParseDecision(req.Decision)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rel, err := s.db.Resolve(r.Context(), relation.RelationID(req.ID), decision, req.Confidence, req.Reviewer)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resolveResponse{Resolved: true, Relation: rel})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.db.Stats(r.Context())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

type healthResponse struct {
	Status   string `json:"status"`
	Requests int64  `json:"requests"`
	Errors   int64  `json:"errors"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:   "ok",
		Requests: s.requestCount.Load(),
		Errors:   s.errorCount.Load(),
	})
}
