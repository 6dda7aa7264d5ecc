// Package memory provides an in-memory sov.Store for development and
// testing.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/brandlens/sov-crawler/internal/sov"
)

// ErrNotFound is returned when a run or exposure does not exist.
var ErrNotFound = sov.ErrNotFound

// Store keeps all run state in process memory.
type Store struct {
	mu            sync.RWMutex
	runs          map[string]sov.Run
	exposures     map[string][]sov.Exposure // by run ID
	scores        map[string][]sov.Score    // by run ID
	results       map[string][]sov.ResultRow
	resultsByType map[string][]sov.ResultByTypeRow
	exposureRun   map[string]string // exposure ID -> run ID
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		runs:          make(map[string]sov.Run),
		exposures:     make(map[string][]sov.Exposure),
		scores:        make(map[string][]sov.Score),
		results:       make(map[string][]sov.ResultRow),
		resultsByType: make(map[string][]sov.ResultByTypeRow),
		exposureRun:   make(map[string]string),
	}
}

// CreateRun stores a new run.
func (s *Store) CreateRun(_ context.Context, run sov.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return errors.New("run already exists")
	}
	s.runs[run.ID] = run
	return nil
}

// GetRun fetches a run by ID.
func (s *Store) GetRun(_ context.Context, runID string) (sov.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return sov.Run{}, ErrNotFound
	}
	return run, nil
}

// UpdateRunStatus transitions the run's status.
func (s *Store) UpdateRunStatus(_ context.Context, runID string, status sov.RunStatus, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return ErrNotFound
	}
	run.Status = status
	run.StatusMessage = message
	s.runs[runID] = run
	return nil
}

// UpdateRunProgress records processed/total counters.
func (s *Store) UpdateRunProgress(_ context.Context, runID string, processed, total int, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return ErrNotFound
	}
	run.ProcessedExposures = processed
	run.TotalExposures = total
	run.StatusMessage = message
	s.runs[runID] = run
	return nil
}

// CompleteRun marks the run completed.
func (s *Store) CompleteRun(_ context.Context, runID string, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return ErrNotFound
	}
	run.Status = sov.RunStatusCompleted
	run.StatusMessage = ""
	run.CompletedAt = &completedAt
	s.runs[runID] = run
	return nil
}

// FailRun marks the run failed with the terminal error text.
func (s *Store) FailRun(_ context.Context, runID string, errText string, failedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return ErrNotFound
	}
	run.Status = sov.RunStatusFailed
	run.ErrorMessage = errText
	run.CompletedAt = &failedAt
	s.runs[runID] = run
	return nil
}

// ListRuns returns runs newest-first, optionally filtered by status.
func (s *Store) ListRuns(_ context.Context, status *sov.RunStatus, limit, offset int) ([]sov.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	runs := make([]sov.Run, 0, len(s.runs))
	for _, run := range s.runs {
		if status != nil && run.Status != *status {
			continue
		}
		runs = append(runs, run)
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	if offset >= len(runs) {
		return nil, nil
	}
	runs = runs[offset:]
	if limit > 0 && limit < len(runs) {
		runs = runs[:limit]
	}
	return runs, nil
}

// InsertExposures appends exposures to their run.
func (s *Store) InsertExposures(_ context.Context, exposures []sov.Exposure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, exp := range exposures {
		s.exposures[exp.RunID] = append(s.exposures[exp.RunID], exp)
		s.exposureRun[exp.ID] = exp.RunID
	}
	return nil
}

// UpdateExposureContent records the extraction outcome for one exposure.
func (s *Store) UpdateExposureContent(_ context.Context, exposureID string, content *string, status sov.ExtractionStatus, urlType sov.URLType, method string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	runID, ok := s.exposureRun[exposureID]
	if !ok {
		return ErrNotFound
	}
	list := s.exposures[runID]
	for i := range list {
		if list[i].ID == exposureID {
			list[i].Content = content
			list[i].Status = status
			list[i].URLType = urlType
			list[i].Method = method
			return nil
		}
	}
	return ErrNotFound
}

// ListExposures returns a run's exposures in block/position order.
func (s *Store) ListExposures(_ context.Context, runID string) ([]sov.Exposure, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.exposures[runID]
	out := make([]sov.Exposure, len(list))
	copy(out, list)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].BlockType != out[j].BlockType {
			return out[i].BlockType < out[j].BlockType
		}
		return out[i].Position < out[j].Position
	})
	return out, nil
}

// InsertScores appends scores under the owning run.
func (s *Store) InsertScores(_ context.Context, scores []sov.Score) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, score := range scores {
		runID, ok := s.exposureRun[score.ExposureID]
		if !ok {
			return ErrNotFound
		}
		s.scores[runID] = append(s.scores[runID], score)
	}
	return nil
}

// ListScores returns all scores for a run.
func (s *Store) ListScores(_ context.Context, runID string) ([]sov.Score, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.scores[runID]
	out := make([]sov.Score, len(list))
	copy(out, list)
	return out, nil
}

// InsertResults stores the per-brand rollups.
func (s *Store) InsertResults(_ context.Context, rows []sov.ResultRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range rows {
		s.results[row.RunID] = append(s.results[row.RunID], row)
	}
	return nil
}

// InsertResultsByType stores the per-block-type rollups.
func (s *Store) InsertResultsByType(_ context.Context, rows []sov.ResultByTypeRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range rows {
		s.resultsByType[row.RunID] = append(s.resultsByType[row.RunID], row)
	}
	return nil
}

// ListResults returns the per-brand rollups for a run.
func (s *Store) ListResults(_ context.Context, runID string) ([]sov.ResultRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.results[runID]
	out := make([]sov.ResultRow, len(list))
	copy(out, list)
	return out, nil
}

// ListResultsByType returns the per-block-type rollups for a run.
func (s *Store) ListResultsByType(_ context.Context, runID string) ([]sov.ResultByTypeRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.resultsByType[runID]
	out := make([]sov.ResultByTypeRow, len(list))
	copy(out, list)
	return out, nil
}
