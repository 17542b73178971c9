// Package api implements the HTTP control surface SPEC_FULL.md's EXPANSION
// names as an alternative to the cobra CLI: the same dispatcher operations
// (submit/list/get/cancel/retry/approve/reject, pause/resume, cost, PR
// status) exposed as JSON over gorilla/mux, for operators who prefer HTTP.
// Grounded on ipiton-alert-history-service's cmd/server + internal/api
// split and its middleware/recovery.go panic-recovery idiom.
package api

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wardnb/autonomous-dev-team/core"
	"github.com/wardnb/autonomous-dev-team/dispatcher"
	"github.com/wardnb/autonomous-dev-team/safety"
	"github.com/wardnb/autonomous-dev-team/telemetry"
	"github.com/wardnb/autonomous-dev-team/worker"
)

// Server holds everything the control API needs to serve requests.
type Server struct {
	Dispatcher *dispatcher.Dispatcher
	Costs      *safety.CostTracker
	VCS        worker.VCSGateway
	Metrics    *telemetry.Metrics
	Logger     core.Logger
}

// NewRouter builds the gorilla/mux router exposing /v1/sessions,
// /v1/sessions/{id}, /v1/dispatcher/{pause,resume}, /v1/cost, /v1/pr/{number}
// and /metrics, wrapped in recovery and request-logging middleware.
func (s *Server) NewRouter() *mux.Router {
	if s.Logger == nil {
		s.Logger = &core.NoOpLogger{}
	}

	r := mux.NewRouter()
	r.Use(s.recoverMiddleware)
	r.Use(s.logMiddleware)

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/sessions", s.handleListSessions).Methods(http.MethodGet)
	v1.HandleFunc("/sessions", s.handleSubmitSession).Methods(http.MethodPost)
	v1.HandleFunc("/sessions/{id}", s.handleGetSession).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{id}/cancel", s.handleCancelSession).Methods(http.MethodPost)
	v1.HandleFunc("/sessions/{id}/retry", s.handleRetrySession).Methods(http.MethodPost)
	v1.HandleFunc("/sessions/{id}/approve", s.handleApproveSession).Methods(http.MethodPost)
	v1.HandleFunc("/sessions/{id}/reject", s.handleRejectSession).Methods(http.MethodPost)
	v1.HandleFunc("/dispatcher/pause", s.handlePause).Methods(http.MethodPost)
	v1.HandleFunc("/dispatcher/resume", s.handleResume).Methods(http.MethodPost)
	v1.HandleFunc("/dispatcher/status", s.handleDispatcherStatus).Methods(http.MethodGet)
	v1.HandleFunc("/cost", s.handleCost).Methods(http.MethodGet)
	v1.HandleFunc("/pr/{number}", s.handlePRStatus).Methods(http.MethodGet)

	if s.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.Metrics.Registry(), promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.Logger.Error("api: panic recovered", map[string]interface{}{
					"error": rec,
					"stack": string(debug.Stack()),
					"path":  r.URL.Path,
				})
				writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal server error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.Logger.Info("api request", map[string]interface{}{
			"method":      r.Method,
			"path":        r.URL.Path,
			"duration_ms": time.Since(start).Milliseconds(),
		})
	})
}
