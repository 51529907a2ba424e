//
// Tencent is pleased to support the open source community by making trpc-pipeline-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-pipeline-go is licensed under the Apache License Version 2.0.
//
//

// Package server exposes a running engine over HTTP. Remote workers post
// step results to the callback endpoint; operators abort, pause, resume and
// answer interventions; both can read execution status.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"trpc.group/trpc-go/trpc-pipeline-go/adviser"
	"trpc.group/trpc-go/trpc-pipeline-go/engine"
	"trpc.group/trpc-go/trpc-pipeline-go/execution"
	"trpc.group/trpc-go/trpc-pipeline-go/log"
	"trpc.group/trpc-go/trpc-pipeline-go/store"
)

const defaultMaxBodySize int64 = 1 << 20

// Engine is the part of engine.Engine the server drives.
type Engine interface {
	Resume(ctx context.Context, token string, data []byte, isError bool) error
	Abort(ctx context.Context, planExecutionID string) error
	AbortNode(ctx context.Context, nodeExecutionID string) error
	Pause(ctx context.Context, planExecutionID string) error
	ResumePlan(ctx context.Context, planExecutionID string) error
	Intervene(ctx context.Context, nodeExecutionID string, action adviser.ResponseType) error
	PlanExecution(ctx context.Context, id string) (*execution.PlanExecution, error)
	NodeExecution(ctx context.Context, id string) (*execution.NodeExecution, error)
	NodeExecutions(ctx context.Context, planExecutionID string) ([]*execution.NodeExecution, error)
}

var _ Engine = (*engine.Engine)(nil)

// Server routes HTTP requests to an Engine.
type Server struct {
	engine  Engine
	router  *mux.Router
	handler http.Handler

	maxBodySize    int64
	allowedOrigins []string
}

// Option configures the Server instance.
type Option func(*Server)

// WithMaxBodySize bounds request bodies. Larger callbacks are rejected with
// 413. Non-positive values keep the default of 1 MiB.
func WithMaxBodySize(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBodySize = n
		}
	}
}

// WithAllowedOrigins enables CORS for the given origins, e.g. for a status
// dashboard served from another host.
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) { s.allowedOrigins = append(s.allowedOrigins, origins...) }
}

// New creates a server for e.
func New(e Engine, opts ...Option) *Server {
	s := &Server{
		engine:      e,
		router:      mux.NewRouter(),
		maxBodySize: defaultMaxBodySize,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerRoutes()
	s.handler = s.router
	if len(s.allowedOrigins) > 0 {
		c := cors.New(cors.Options{
			AllowedOrigins: s.allowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"*"},
			ExposedHeaders: []string{"Content-Length", "Content-Type"},
		})
		s.handler = c.Handler(s.router)
	}
	return s
}

// Handler returns the http.Handler for the server.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) registerRoutes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/callbacks/{token}", s.handleCallback).Methods(http.MethodPost)

	v1.HandleFunc("/plan-executions/{id}", s.handleGetPlanExecution).Methods(http.MethodGet)
	v1.HandleFunc("/plan-executions/{id}/nodes", s.handleListNodes).Methods(http.MethodGet)
	v1.HandleFunc("/plan-executions/{id}/abort", s.planAction(s.engine.Abort)).Methods(http.MethodPost)
	v1.HandleFunc("/plan-executions/{id}/pause", s.planAction(s.engine.Pause)).Methods(http.MethodPost)
	v1.HandleFunc("/plan-executions/{id}/resume", s.planAction(s.engine.ResumePlan)).Methods(http.MethodPost)

	v1.HandleFunc("/node-executions/{id}", s.handleGetNodeExecution).Methods(http.MethodGet)
	v1.HandleFunc("/node-executions/{id}/abort", s.planAction(s.engine.AbortNode)).Methods(http.MethodPost)
	v1.HandleFunc("/node-executions/{id}/intervention", s.handleIntervention).Methods(http.MethodPost)
}

// ---- Handlers -----------------------------------------------------------

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleCallback answers a wait token. The body is passed through as the
// response data; a step.Response for step tokens. The query parameter
// error=true marks the answer as an error.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]
	log.Debugf("handleCallback called: token=%s", token)
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodySize))
	if err != nil {
		s.writeError(w, err)
		return
	}
	isError := r.URL.Query().Get("error") == "true"
	if err := s.engine.Resume(r.Context(), token, data, isError); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleGetPlanExecution(w http.ResponseWriter, r *http.Request) {
	pe, err := s.engine.PlanExecution(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, pe)
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.engine.PlanExecution(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	nodes, err := s.engine.NodeExecutions(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if nodes == nil {
		nodes = []*execution.NodeExecution{}
	}
	s.writeJSON(w, http.StatusOK, nodes)
}

func (s *Server) handleGetNodeExecution(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.NodeExecution(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, n)
}

// interventionRequest is the body of an intervention answer.
type interventionRequest struct {
	Action adviser.ResponseType `json:"action"`
}

func (s *Server) handleIntervention(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req interventionRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBodySize))
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	log.Infof("handleIntervention called: node=%s action=%s", id, req.Action)
	if err := s.engine.Intervene(r.Context(), id, req.Action); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// planAction adapts an engine control call on the {id} path variable.
func (s *Server) planAction(fn func(ctx context.Context, id string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		log.Infof("control request: path=%s", r.URL.Path)
		if err := fn(r.Context(), id); err != nil {
			s.writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// ---- helpers ------------------------------------------------------------

var errBadRequest = errors.New("server: bad request")

// statusOf maps engine and store errors to HTTP status codes.
func statusOf(err error) int {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errBadRequest), errors.Is(err, engine.ErrInvalidAction):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrStatusConflict), errors.Is(err, engine.ErrNotWaiting):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := statusOf(err)
	if code == http.StatusInternalServerError {
		log.Errorf("server: %v", err)
	}
	s.writeJSON(w, code, map[string]string{"error": err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
