// Package api exposes the HTTP interface for the share-of-voice service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/brandlens/sov-crawler/internal/config"
	"github.com/brandlens/sov-crawler/internal/metrics"
	"github.com/brandlens/sov-crawler/internal/sov"
	"github.com/brandlens/sov-crawler/internal/volume"
)

const maxBrands = 20

// Executor runs one analysis to completion. Implementations own their own
// error persistence; the API only launches them.
type Executor interface {
	Execute(ctx context.Context, runID string) error
}

// VolumeAnalyzer reports keyword search-volume statistics. Optional.
type VolumeAnalyzer interface {
	Analyze(ctx context.Context, keyword, startDate, endDate string) (volume.Report, error)
}

// Server wires HTTP handlers to the store and the run executor.
type Server struct {
	router   chi.Router
	store    sov.Store
	executor Executor
	volume   VolumeAnalyzer
	idGen    sov.IDGenerator
	clock    sov.Clock
	cfg      config.Config
	logger   *zap.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewServer constructs a Server with middleware and routes. volumeClient
// may be nil, disabling the volume endpoint.
func NewServer(
	store sov.Store,
	executor Executor,
	volumeClient VolumeAnalyzer,
	idGen sov.IDGenerator,
	clock sov.Clock,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:    store,
		executor: executor,
		volume:   volumeClient,
		idGen:    idGen,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
		inFlight: make(map[string]struct{}),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(60 * time.Second))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/runs", func(r chi.Router) {
			r.Post("/", s.createRun)
			r.Get("/", s.listRuns)
			r.Route("/{run_id}", func(r chi.Router) {
				r.Post("/execute", s.executeRun)
				r.Get("/", s.getRun)
				r.Get("/exposures", s.getExposures)
				r.Get("/results", s.getResults)
				r.Get("/results/by-type", s.getResultsByType)
			})
		})
		r.Get("/volume", s.getVolume)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	// The store is the only hard dependency at startup.
	if _, err := s.store.GetRun(r.Context(), "readiness-probe"); err != nil && isInternal(err) {
		s.writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type createRunRequest struct {
	UserID  string   `json:"user_id"`
	Keyword string   `json:"keyword"`
	Brands  []string `json:"brands"`
}

func (s *Server) createRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req.Keyword = strings.TrimSpace(req.Keyword)
	if req.Keyword == "" {
		s.writeError(w, http.StatusBadRequest, "keyword is required")
		return
	}
	brands := normalizeBrands(req.Brands)
	if len(brands) == 0 {
		s.writeError(w, http.StatusBadRequest, "at least one brand is required")
		return
	}
	if len(brands) > maxBrands {
		s.writeError(w, http.StatusBadRequest, "too many brands")
		return
	}

	runID, err := s.idGen.NewID()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "generate run id")
		return
	}
	run := sov.Run{
		ID:        runID,
		UserID:    req.UserID,
		Keyword:   req.Keyword,
		Brands:    brands,
		Status:    sov.RunStatusPending,
		CreatedAt: s.clock.Now(),
	}
	if err := s.store.CreateRun(r.Context(), run); err != nil {
		s.writeError(w, http.StatusInternalServerError, "create run")
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{
		"run_id": runID,
		"status": string(sov.RunStatusPending),
	})
}

func (s *Server) executeRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if run.Status != sov.RunStatusPending {
		s.writeError(w, http.StatusConflict, "run is not pending")
		return
	}
	if !s.markInFlight(runID) {
		s.writeError(w, http.StatusConflict, "run is already executing")
		return
	}

	// The run outlives the HTTP request; its own global timeout bounds it.
	go func() {
		defer s.clearInFlight(runID)
		if err := s.executor.Execute(context.Background(), runID); err != nil {
			s.logger.Warn("run execution finished with error",
				zap.String("run_id", runID), zap.Error(err))
		}
	}()

	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"run_id": runID,
		"status": string(sov.RunStatusCrawling),
	})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"run": run})
}

func (s *Server) getExposures(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	if _, err := s.store.GetRun(r.Context(), runID); err != nil {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	exposures, err := s.store.ListExposures(r.Context(), runID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "list exposures")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"exposures": exposures})
}

func (s *Server) getResults(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if run.Status != sov.RunStatusCompleted {
		s.writeError(w, http.StatusConflict, "run is not completed")
		return
	}
	results, err := s.store.ListResults(r.Context(), runID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "list results")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) getResultsByType(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if run.Status != sov.RunStatusCompleted {
		s.writeError(w, http.StatusConflict, "run is not completed")
		return
	}
	rows, err := s.store.ListResultsByType(r.Context(), runID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "list results by type")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"results_by_type": rows})
}

func (s *Server) getVolume(w http.ResponseWriter, r *http.Request) {
	if s.volume == nil {
		s.writeError(w, http.StatusServiceUnavailable, "volume analysis is not configured")
		return
	}
	keyword := strings.TrimSpace(r.URL.Query().Get("keyword"))
	if keyword == "" {
		s.writeError(w, http.StatusBadRequest, "keyword is required")
		return
	}
	end := r.URL.Query().Get("end")
	if end == "" {
		end = s.clock.Now().Format("2006-01-02")
	}
	start := r.URL.Query().Get("start")
	if start == "" {
		start = s.clock.Now().AddDate(0, 0, -370).Format("2006-01-02")
	}
	report, err := s.volume.Analyze(r.Context(), keyword, start, end)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) markInFlight(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.inFlight[runID]; exists {
		return false
	}
	s.inFlight[runID] = struct{}{}
	return true
}

func (s *Server) clearInFlight(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, runID)
}

func normalizeBrands(brands []string) []string {
	seen := make(map[string]struct{}, len(brands))
	out := make([]string, 0, len(brands))
	for _, brand := range brands {
		brand = strings.TrimSpace(brand)
		if brand == "" {
			continue
		}
		key := strings.ToLower(brand)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, brand)
	}
	return out
}

// isInternal distinguishes infrastructure failures from plain not-found.
// A missing probe row means the store answered; anything else means it
// did not.
func isInternal(err error) bool {
	return err != nil && !errors.Is(err, sov.ErrNotFound)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
