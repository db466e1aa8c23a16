// Copyright 2025 FinSight
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"finsight/platform/shared/logger"
	"finsight/platform/shared/types"
)

// defaultAwaitTimeout bounds a result poll when the caller does not
// pass timeout_ms.
const defaultAwaitTimeout = 30 * time.Second

// Server exposes the pipeline over HTTP.
type Server struct {
	pipeline *Pipeline
	log      *logger.Logger
}

// NewServer creates the HTTP surface for a pipeline.
func NewServer(p *Pipeline) *Server {
	return &Server{pipeline: p, log: logger.New("gateway-http")}
}

// Router builds the route table with CORS applied.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.Handle("/prometheus", promhttp.Handler()).Methods("GET")

	r.HandleFunc("/api/v1/query", s.submitHandler).Methods("POST")
	r.HandleFunc("/api/v1/query/{id}/result", s.resultHandler).Methods("GET")
	r.HandleFunc("/api/v1/query/{id}", s.cancelHandler).Methods("DELETE")
	r.HandleFunc("/api/v1/stats", s.statsHandler).Methods("GET")
	r.HandleFunc("/api/v1/performance", s.performanceHandler).Methods("GET")
	r.HandleFunc("/api/v1/metrics/reset", s.metricsResetHandler).Methods("POST")
	r.HandleFunc("/api/v1/emergency-stop", s.emergencyStopHandler).Methods("POST")
	r.HandleFunc("/api/v1/resume", s.resumeHandler).Methods("POST")

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})
	return c.Handler(r)
}

type submitRequest struct {
	Query        string `json:"query"`
	TenantID     string `json:"tenant_id"`
	WorkflowMode string `json:"workflow_mode"`
	Priority     *int   `json:"priority,omitempty"`
}

func (s *Server) submitHandler(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Query == "" || req.TenantID == "" {
		writeError(w, http.StatusBadRequest, "query and tenant_id are required")
		return
	}

	priority := PriorityDefault
	if req.Priority != nil {
		priority = *req.Priority
	}

	result := s.pipeline.SubmitQuery(r.Context(), req.Query, req.TenantID,
		types.WorkflowMode(req.WorkflowMode), priority)

	status := http.StatusAccepted
	if !result.Accepted {
		status = rejectionStatus(result.Reason)
	}
	writeJSON(w, status, result)
}

func (s *Server) resultHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	timeout := defaultAwaitTimeout
	if raw := r.URL.Query().Get("timeout_ms"); raw != "" {
		if ms, err := strconv.Atoi(raw); err == nil && ms > 0 {
			timeout = time.Duration(ms) * time.Millisecond
		}
	}

	outcome, err := s.pipeline.AwaitResult(r.Context(), id, timeout)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) cancelHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	cancelled := s.pipeline.Cancel(id)
	status := http.StatusOK
	if !cancelled {
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]interface{}{"cancelled": cancelled})
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pipeline.Stats())
}

func (s *Server) performanceHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pipeline.PerformanceReport())
}

func (s *Server) metricsResetHandler(w http.ResponseWriter, r *http.Request) {
	s.pipeline.ResetMetrics()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) emergencyStopHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pipeline.EmergencyStop())
}

func (s *Server) resumeHandler(w http.ResponseWriter, r *http.Request) {
	s.pipeline.Resume()
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"service": "query-gateway",
		"load":    s.pipeline.LoadSnapshot(),
	})
}

// rejectionStatus maps error kinds to HTTP status codes.
func rejectionStatus(kind ErrorKind) int {
	switch kind {
	case ErrKindConcurrencySaturated, ErrKindRateLimited, ErrKindQueueFull, ErrKindCircuitOpen:
		return http.StatusTooManyRequests
	case ErrKindValidationRejected, ErrKindAnalyzerMalformed,
		ErrKindGovernorRejected, ErrKindCostCritical:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
