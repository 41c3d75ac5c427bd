// Package server exposes the analysis pipeline over HTTP: one endpoint
// to run an analysis, one to read a session's audit trail, plus metrics
// and health. Raw subject identifiers appear only in request bodies and
// reports, never in server logs.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/hannes/sagi/audit"
	"github.com/hannes/sagi/gateway"
	"github.com/hannes/sagi/metrics"
	"github.com/hannes/sagi/pipeline"
)

const maxRequestBody = 1 << 20

// Server represents the HTTP server for the analysis service.
type Server struct {
	pipe *pipeline.Pipeline
	met  *metrics.Metrics
	http *http.Server
}

// NewServer creates a new server instance listening on addr.
func NewServer(addr string, pipe *pipeline.Pipeline, met *metrics.Metrics) *Server {
	s := &Server{pipe: pipe, met: met}
	s.http = &http.Server{
		Addr:        addr,
		Handler:     s.routes(),
		ReadTimeout: 15 * time.Second,
		// Analyze holds the connection through the oracle call, so
		// the write timeout must outlast the gateway timeout.
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/analyze", s.handleAnalyze)
	mux.HandleFunc("GET /api/audit/{session}", s.handleAuditTrail)
	mux.HandleFunc("GET /api/metrics", s.handleMetrics)
	mux.HandleFunc("GET /health", s.healthCheck)
	return mux
}

// Start starts the HTTP server. It returns http.ErrServerClosed after
// a clean Shutdown.
func (s *Server) Start() error {
	log.Printf("Starting analysis service on %s", s.http.Addr)
	return s.http.ListenAndServe()
}

// Shutdown stops accepting connections and waits for in-flight
// requests to finish or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

type analyzeRequest struct {
	SubjectID string `json:"subject_id"`
}

// handleAnalyze runs the full pipeline for one subject and returns the
// report. The subject identifier is deliberately kept out of log lines;
// failures are located by session instead.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	log.Printf("[SERVER] Received %s request to %s", r.Method, r.URL.Path)

	var req analyzeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.SubjectID) == "" {
		http.Error(w, "subject_id is required", http.StatusBadRequest)
		return
	}

	rep, err := s.pipe.Run(r.Context(), req.SubjectID)
	if err != nil {
		s.writeRunError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rep)
}

// writeRunError maps a failed run to a status code. The response names
// the failing stage and session so the caller can pull the audit trail,
// and nothing else.
func (s *Server) writeRunError(w http.ResponseWriter, err error) {
	log.Printf("[SERVER] Analysis run failed: %v", err)

	status := http.StatusInternalServerError
	msg := "Analysis failed"
	var verr *gateway.AnonymityViolationError
	if errors.As(err, &verr) {
		status = http.StatusUnprocessableEntity
		msg = "Analysis blocked by anonymity validation"
	}
	var perr *pipeline.PipelineError
	if errors.As(err, &perr) {
		msg = fmt.Sprintf("%s at stage %s (session %s)", msg, perr.Stage, perr.SessionID)
	}
	http.Error(w, msg, status)
}

type auditResponse struct {
	SessionID  string        `json:"session_id"`
	ChainValid bool          `json:"chain_valid"`
	ChainError string        `json:"chain_error,omitempty"`
	Entries    []audit.Entry `json:"entries"`
}

// handleAuditTrail returns one session's entries together with the
// result of verifying the hash chain over them.
func (s *Server) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session")
	entries, err := s.pipe.AuditTrail(r.Context(), sessionID)
	if err != nil {
		log.Printf("[SERVER] Audit trail lookup failed: %v", err)
		http.Error(w, "Failed to load audit trail", http.StatusInternalServerError)
		return
	}
	if len(entries) == 0 {
		http.Error(w, "Unknown session", http.StatusNotFound)
		return
	}

	resp := auditResponse{SessionID: sessionID, ChainValid: true, Entries: entries}
	if err := audit.Verify(entries); err != nil {
		resp.ChainValid = false
		resp.ChainError = err.Error()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.met.Snapshot())
}

// healthCheck provides a simple health check endpoint
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(`{"status":"healthy","service":"sagi-analysis"}`)); err != nil {
		log.Printf("[SERVER] Failed to write health check response: %v", err)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[SERVER] Failed to write response: %v", err)
	}
}
