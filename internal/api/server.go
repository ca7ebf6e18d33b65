// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package api provides the operator HTTP surface for the runtime core:
// status, forced drain, safe-mode toggle, config replacement and metrics.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ninjra/autocapture-prime/internal/conductor"
	"github.com/ninjra/autocapture-prime/internal/config"
	"github.com/ninjra/autocapture-prime/internal/governor"
	"github.com/ninjra/autocapture-prime/internal/log"
	"github.com/ninjra/autocapture-prime/internal/scheduler"
)

// Server exposes the operator endpoints.
type Server struct {
	gov    *governor.Governor
	sched  *scheduler.Scheduler
	cond   *conductor.Conductor
	holder *config.Holder
	logger zerolog.Logger
}

// New creates the operator API server.
func New(gov *governor.Governor, sched *scheduler.Scheduler, cond *conductor.Conductor, holder *config.Holder, logger zerolog.Logger) *Server {
	return &Server{
		gov:    gov,
		sched:  sched,
		cond:   cond,
		holder: holder,
		logger: logger,
	}
}

// Router builds the chi router with request logging and rate limiting.
func (s *Server) Router(cfg config.APIConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestLogger())
	if cfg.RequestsPerMinute > 0 {
		r.Use(httprate.Limit(cfg.RequestsPerMinute, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))
	}

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Post("/drain", s.handleDrain)
		r.Post("/safemode", s.handleSafeMode)
		r.Post("/reset", s.handleReset)
		r.Put("/config", s.handleConfig)
	})
	return r
}

type statusResponse struct {
	Governor governor.Status `json:"governor"`
	Queue    queueStatus     `json:"queue"`
}

type queueStatus struct {
	Heavy int `json:"heavy"`
	Light int `json:"light"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	heavy, light := s.sched.QueueDepth()
	writeJSON(w, http.StatusOK, statusResponse{
		Governor: s.gov.Status(),
		Queue:    queueStatus{Heavy: heavy, Light: light},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleDrain runs one forced tick: query intent is raised for exactly one
// decision, which admits heavy work even while the user is active.
func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	decision := s.cond.RunOnce(r.Context(), true)
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":                decision.Mode,
		"reason":              decision.Reason,
		"heavy_allowed":       decision.HeavyAllowed,
		"budget_remaining_ms": decision.BudgetRemainingMS,
	})
}

type safeModeRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) handleSafeMode(w http.ResponseWriter, r *http.Request) {
	var req safeModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "body must be {\"enabled\": true|false}")
		return
	}
	s.gov.SetSafeMode(*req.Enabled)
	writeJSON(w, http.StatusOK, map[string]bool{"safe_mode": *req.Enabled})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.gov.Reset()
	writeJSON(w, http.StatusOK, s.gov.Status())
}

// handleConfig accepts a full-replacement configuration record. Unknown
// keys and out-of-range values reject the update atomically.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var next config.AppConfig
	if err := dec.Decode(&next); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.holder.Update(next); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err := s.gov.UpdateConfig(next.Governor); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"epoch": s.holder.Current().Epoch})
}

func (s *Server) requestLogger() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx := r.Context()

			reqID := log.RequestIDFromContext(ctx)
			if reqID == "" {
				reqID = uuid.New().String()
				ctx = log.ContextWithRequestID(ctx, reqID)
			}
			w.Header().Set("X-Request-ID", reqID)

			l := s.logger.With().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str(log.FieldRequestID, reqID).
				Logger()
			r = r.WithContext(l.WithContext(ctx))

			next.ServeHTTP(w, r)

			l.Info().
				Str("event", "request.handled").
				Dur("duration", time.Since(start)).
				Msg("http request")
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
