// Package server exposes registered agents and teams over HTTP: JSON run
// endpoints with optional SSE streaming, continuation and cancellation for
// paused runs, a websocket channel and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hupe1980/agentos/agent"
	"github.com/hupe1980/agentos/artifact"
	"github.com/hupe1980/agentos/logging"
	"github.com/hupe1980/agentos/run"
	"github.com/hupe1980/agentos/team"
)

// Options configures New.
type Options struct {
	// Addr is the listen address (":7777" by default).
	Addr string

	// APIKey, when set, is required to authenticate websocket clients and,
	// as a bearer token, the REST endpoints.
	APIKey string

	// Logger receives request diagnostics.
	Logger logging.Logger
}

// Server hosts agents and teams behind an HTTP API.
type Server struct {
	addr   string
	apiKey string
	logger logging.Logger

	agents map[string]*agent.Agent
	teams  map[string]*team.Team

	metrics *metrics
	router  chi.Router
}

// New constructs a Server. Register entities before calling Handler or
// ListenAndServe.
func New(optFns ...func(o *Options)) *Server {
	opts := Options{
		Addr:   ":7777",
		Logger: logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	s := &Server{
		addr:    opts.Addr,
		apiKey:  opts.APIKey,
		logger:  opts.Logger,
		agents:  make(map[string]*agent.Agent),
		teams:   make(map[string]*team.Team),
		metrics: newMetrics(),
	}
	s.router = s.buildRouter()
	return s
}

// RegisterAgent makes an agent addressable under /v1/agents/{id}.
func (s *Server) RegisterAgent(a *agent.Agent) {
	s.agents[a.ID()] = a
}

// RegisterTeam makes a team addressable under /v1/teams/{id}.
func (s *Server) RegisterTeam(t *team.Team) {
	s.teams[t.ID()] = t
}

// Handler returns the HTTP handler, e.g. for tests.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe runs the server until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server.listen", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{}))
	r.Get("/ws", s.handleWebSocket)

	r.Route("/v1", func(r chi.Router) {
		if s.apiKey != "" {
			r.Use(s.requireBearer)
		}

		r.Get("/agents", s.handleListAgents)
		r.Post("/agents/{agent_id}/runs", s.handleAgentRun)
		r.Post("/agents/{agent_id}/runs/{run_id}/continue", s.handleAgentContinue)
		r.Post("/agents/{agent_id}/runs/{run_id}/cancel", s.handleAgentCancel)

		r.Get("/teams", s.handleListTeams)
		r.Post("/teams/{team_id}/runs", s.handleTeamRun)
		r.Post("/teams/{team_id}/runs/{run_id}/continue", s.handleTeamContinue)
		r.Post("/teams/{team_id}/runs/{run_id}/cancel", s.handleTeamCancel)
	})

	return r
}

func (s *Server) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+s.apiKey {
			writeError(w, http.StatusUnauthorized, "invalid or missing api key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type entityInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

func (s *Server) handleListAgents(w http.ResponseWriter, _ *http.Request) {
	infos := make([]entityInfo, 0, len(s.agents))
	for _, a := range s.agents {
		infos = append(infos, entityInfo{ID: a.ID(), Name: a.Name(), Description: a.Description()})
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleListTeams(w http.ResponseWriter, _ *http.Request) {
	infos := make([]entityInfo, 0, len(s.teams))
	for _, t := range s.teams {
		infos = append(infos, entityInfo{ID: t.ID(), Name: t.Name(), Description: t.Description()})
	}
	writeJSON(w, http.StatusOK, infos)
}

// runRequest is the body of run and continue requests. Run submissions carry
// message and optional files; continuations carry updated_tools.
type runRequest struct {
	Message      string               `json:"message,omitempty"`
	SessionID    string               `json:"session_id,omitempty"`
	UserID       string               `json:"user_id,omitempty"`
	Stream       bool                 `json:"stream,omitempty"`
	Files        []artifact.Artifact  `json:"files,omitempty"`
	UpdatedTools []*run.ToolExecution `json:"updated_tools,omitempty"`
}

func (s *Server) handleAgentRun(w http.ResponseWriter, r *http.Request) {
	a, ok := s.agents[chi.URLParam(r, "agent_id")]
	if !ok {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}

	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	opt := func(o *agent.RunOptions) {
		o.SessionID = req.SessionID
		o.UserID = req.UserID
		o.Files = req.Files
	}

	// Runs detach from the request context: a dropped client must not abort
	// a run that may have side effects in flight.
	if req.Stream {
		events, err := a.RunStream(context.Background(), req.Message, opt)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.streamSSE(w, r, events, "agent", a.ID())
		return
	}

	out, err := a.Run(context.Background(), req.Message, opt)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.metrics.observeRun("agent", a.ID(), out)
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAgentContinue(w http.ResponseWriter, r *http.Request) {
	a, ok := s.agents[chi.URLParam(r, "agent_id")]
	if !ok {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	runID := chi.URLParam(r, "run_id")

	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Stream {
		events, err := a.ContinueStream(context.Background(), runID, req.UpdatedTools)
		if err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.streamSSE(w, r, events, "agent", a.ID())
		return
	}

	out, err := a.Continue(context.Background(), runID, req.UpdatedTools)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.metrics.observeRun("agent", a.ID(), out)
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAgentCancel(w http.ResponseWriter, r *http.Request) {
	a, ok := s.agents[chi.URLParam(r, "agent_id")]
	if !ok {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	runID := chi.URLParam(r, "run_id")
	if !a.Cancel(runID) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no run with id %s", runID))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"run_id": runID, "status": string(run.StatusCancelled)})
}

func (s *Server) handleTeamRun(w http.ResponseWriter, r *http.Request) {
	t, ok := s.teams[chi.URLParam(r, "team_id")]
	if !ok {
		writeError(w, http.StatusNotFound, "team not found")
		return
	}

	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	opt := func(o *team.RunOptions) {
		o.SessionID = req.SessionID
		o.UserID = req.UserID
	}

	if req.Stream {
		events, err := t.RunStream(context.Background(), req.Message, opt)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.streamSSE(w, r, events, "team", t.ID())
		return
	}

	out, err := t.Run(context.Background(), req.Message, opt)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.metrics.observeRun("team", t.ID(), out)
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleTeamContinue(w http.ResponseWriter, r *http.Request) {
	t, ok := s.teams[chi.URLParam(r, "team_id")]
	if !ok {
		writeError(w, http.StatusNotFound, "team not found")
		return
	}
	runID := chi.URLParam(r, "run_id")

	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Stream {
		events, err := t.ContinueStream(context.Background(), runID, req.UpdatedTools)
		if err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.streamSSE(w, r, events, "team", t.ID())
		return
	}

	out, err := t.Continue(context.Background(), runID, req.UpdatedTools)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.metrics.observeRun("team", t.ID(), out)
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleTeamCancel(w http.ResponseWriter, r *http.Request) {
	t, ok := s.teams[chi.URLParam(r, "team_id")]
	if !ok {
		writeError(w, http.StatusNotFound, "team not found")
		return
	}
	runID := chi.URLParam(r, "run_id")
	if !t.Cancel(runID) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no run with id %s", runID))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"run_id": runID, "status": string(run.StatusCancelled)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
