// Package httpapi is the service's inbound HTTP surface: research submission
// and status, report retrieval, and the observer-facing event stream over SSE
// and WebSocket. The API is deliberately open (CORS *); deployments wanting
// authentication put a proxy in front.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/fathomlabs/fathom/internal/artifact"
	"github.com/fathomlabs/fathom/internal/runlog"
	"github.com/fathomlabs/fathom/internal/session"
)

// Starter launches research runs. Satisfied by *coordinator.Coordinator.
type Starter interface {
	Start(ctx context.Context, query string) (*session.Run, error)
}

// Server handles the /api/v1 endpoints.
type Server struct {
	starter    Starter
	sessions   *session.Manager
	artifacts  *artifact.Store
	runLog     *runlog.Store // optional; nil disables the list endpoint
	reportName string
	logger     *zap.Logger
}

// NewServer wires the API handlers.
func NewServer(starter Starter, sessions *session.Manager, artifacts *artifact.Store, runLog *runlog.Store, reportName string, logger *zap.Logger) *Server {
	if reportName == "" {
		reportName = "final_report.md"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		starter:    starter,
		sessions:   sessions,
		artifacts:  artifacts,
		runLog:     runLog,
		reportName: reportName,
		logger:     logger,
	}
}

// RegisterRoutes registers the API endpoints on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("/api/v1/research", cors(http.HandlerFunc(s.handleCollection)))
	mux.Handle("/api/v1/research/", cors(http.HandlerFunc(s.handleRun)))
}

// handleCollection dispatches the collection endpoint: POST submits a run,
// GET lists recent ones from the run log.
func (s *Server) handleCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleSubmit(w, r)
	case http.MethodGet:
		s.handleRecent(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

type submitRequest struct {
	Query     string `json:"query"`
	SessionID string `json:"session_id,omitempty"`
}

type submitResponse struct {
	RunID     string `json:"run_id"`
	Status    string `json:"status"`
	StreamURL string `json:"stream_url"`
}

// handleSubmit accepts a research goal and starts the run in the background.
// POST /api/v1/research
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	run, err := s.starter.Start(r.Context(), req.Query)
	if err != nil {
		s.logger.Warn("research submission rejected", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.Info("research run accepted",
		zap.String("run_id", run.ID),
		zap.String("query", req.Query))
	writeJSON(w, http.StatusAccepted, submitResponse{
		RunID:     run.ID,
		Status:    "running",
		StreamURL: "/stream/sse?run_id=" + run.ID,
	})
}

// handleRecent lists the most recently updated runs from the run log.
// GET /api/v1/research[?limit=n]
func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	if s.runLog == nil {
		writeError(w, http.StatusServiceUnavailable, "run log disabled")
		return
	}
	limit := 20
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	runs, err := s.runLog.RecentRuns(r.Context(), limit)
	if err != nil {
		s.logger.Error("recent runs lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "run list failed")
		return
	}
	out := make([]map[string]any, 0, len(runs))
	for _, rec := range runs {
		out = append(out, map[string]any{
			"id":          rec.ID,
			"query":       rec.Query,
			"status":      rec.Status,
			"report_path": rec.ReportPath,
			"tokens_used": rec.TokensUsed,
			"created_at":  rec.CreatedAt,
			"updated_at":  rec.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

// handleRun serves run status and the report.
// GET /api/v1/research/{id}
// GET /api/v1/research/{id}/report
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/research/")
	runID, sub, _ := strings.Cut(rest, "/")
	if runID == "" {
		writeError(w, http.StatusNotFound, "run id required")
		return
	}

	run, err := s.sessions.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, session.ErrRunNotFound) || errors.Is(err, session.ErrRunExpired) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.logger.Error("run lookup failed", zap.String("run_id", runID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "run lookup failed")
		return
	}

	switch sub {
	case "":
		writeJSON(w, http.StatusOK, run)
	case "report":
		s.serveReport(w, run)
	default:
		writeError(w, http.StatusNotFound, "unknown resource")
	}
}

// serveReport returns the final report once the run is done. A run still in
// flight answers 409 so clients can tell "not yet" from "never existed".
func (s *Server) serveReport(w http.ResponseWriter, run *session.Run) {
	if run.Status != session.StatusDone {
		writeError(w, http.StatusConflict, "run is "+string(run.Status))
		return
	}
	content, err := s.artifacts.Read(run.ID, s.reportName)
	if err != nil {
		if errors.Is(err, artifact.ErrNotFound) {
			writeError(w, http.StatusNotFound, "report not found")
			return
		}
		s.logger.Error("report read failed", zap.String("run_id", run.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "report read failed")
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(content)
}

// cors applies the permissive policy of the original service: any origin,
// preflight answered inline.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Last-Event-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
