// Package httpapi exposes listings and job scheduling over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/DEEJ4Y/servicehub/jobs"
	"github.com/DEEJ4Y/servicehub/listing"
	"github.com/cockroachdb/errors"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Caller identity headers set by the gateway in front of the service.
const (
	HeaderUserID   = "X-User-Id"
	HeaderUserType = "X-User-Type"
)

// Config holds the dependencies of the HTTP handler.
type Config struct {
	// Engine runs listings. Required.
	Engine *listing.Engine

	// Scheduler serves the job endpoints. Required.
	Scheduler *jobs.Scheduler

	// Metrics, when set, is mounted at MetricsPath.
	Metrics     http.Handler
	MetricsPath string

	// Health reports readiness for /healthz. Default: always healthy
	Health func(ctx context.Context) error

	Logger *zap.Logger
}

type server struct {
	engine    *listing.Engine
	scheduler *jobs.Scheduler
	health    func(ctx context.Context) error
	log       *zap.Logger
}

// NewHandler builds the router for the API.
func NewHandler(config Config) (http.Handler, error) {
	if config.Engine == nil {
		return nil, errors.New("listing engine is required")
	}
	if config.Scheduler == nil {
		return nil, errors.New("scheduler is required")
	}
	if config.Health == nil {
		config.Health = func(context.Context) error { return nil }
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.MetricsPath == "" {
		config.MetricsPath = "/metrics"
	}

	s := &server{
		engine:    config.Engine,
		scheduler: config.Scheduler,
		health:    config.Health,
		log:       config.Logger,
	}

	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
	if config.Metrics != nil {
		r.Handle(config.MetricsPath, config.Metrics).Methods(http.MethodGet)
	}

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/dashboard", s.dashboard).Methods(http.MethodGet)
	v1.HandleFunc("/jobs/schedulable", s.listSchedulable).Methods(http.MethodGet)
	v1.HandleFunc("/jobs/{jobId}/schedule", s.scheduleJob).Methods(http.MethodPost)
	v1.HandleFunc("/jobs/{jobId}/status", s.updateJobStatus).Methods(http.MethodPatch)
	v1.HandleFunc("/{kind:jobs|requests|reports|users}", s.list).Methods(http.MethodGet)

	return r, nil
}

func (s *server) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.health(ctx); err != nil {
		s.log.Warn("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", rec.status),
			zap.Duration("took", time.Since(started)))
	})
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps domain errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, jobs.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, jobs.ErrAlreadyScheduled):
		return http.StatusConflict
	case errors.Is(err, jobs.ErrInvalidScheduleTime),
		errors.Is(err, jobs.ErrInvalidStatus),
		errors.Is(err, listing.ErrInvalidParam),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

var errBadRequest = errors.New("bad request")

func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		msg = http.StatusText(status)
	}
	writeJSON(w, status, errorBody{Error: msg})
}
