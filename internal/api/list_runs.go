package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/brandlens/sov-crawler/internal/sov"
)

const (
	defaultRunLimit = 50
	maxRunLimit     = 500
)

// RunLister is the optional read surface behind the run dashboard listing.
// Stores that don't implement it disable the endpoint.
type RunLister interface {
	ListRuns(ctx context.Context, status *sov.RunStatus, limit, offset int) ([]sov.Run, error)
}

// listRuns handles GET /v1/runs?status=&limit=&offset=. It returns a JSON
// object {"runs": [...]} on success, 400 for invalid filters, or 503 when
// the store has no listing support.
func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	lister, ok := s.store.(RunLister)
	if !ok {
		s.writeError(w, http.StatusServiceUnavailable, "run listing unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultRunLimit, maxRunLimit)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	status, err := parseRunStatus(strings.TrimSpace(r.URL.Query().Get("status")))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	runs, err := lister.ListRuns(r.Context(), status, limit, offset)
	if err != nil {
		s.logger.Error("list runs failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []sov.Run{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func parseRunStatus(input string) (*sov.RunStatus, error) {
	if input == "" {
		return nil, nil
	}
	status := sov.RunStatus(strings.ToLower(input))
	switch status {
	case sov.RunStatusPending, sov.RunStatusCrawling, sov.RunStatusExtracting,
		sov.RunStatusAnalyzing, sov.RunStatusCompleted, sov.RunStatusFailed:
		return &status, nil
	default:
		return nil, errors.New("invalid status")
	}
}
