package sov

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Store implementations when the requested run
// or exposure does not exist. Callers use it to tell a missing row apart
// from an unavailable store.
var ErrNotFound = errors.New("not found")

// Store persists runs, exposures, scores, and result rollups.
type Store interface {
	CreateRun(ctx context.Context, run Run) error
	GetRun(ctx context.Context, runID string) (Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status RunStatus, message string) error
	UpdateRunProgress(ctx context.Context, runID string, processed, total int, message string) error
	CompleteRun(ctx context.Context, runID string, completedAt time.Time) error
	FailRun(ctx context.Context, runID string, errText string, failedAt time.Time) error

	InsertExposures(ctx context.Context, exposures []Exposure) error
	UpdateExposureContent(ctx context.Context, exposureID string, content *string, status ExtractionStatus, urlType URLType, method string) error
	ListExposures(ctx context.Context, runID string) ([]Exposure, error)

	InsertScores(ctx context.Context, scores []Score) error
	ListScores(ctx context.Context, runID string) ([]Score, error)

	InsertResults(ctx context.Context, rows []ResultRow) error
	InsertResultsByType(ctx context.Context, rows []ResultByTypeRow) error
	ListResults(ctx context.Context, runID string) ([]ResultRow, error)
	ListResultsByType(ctx context.Context, runID string) ([]ResultByTypeRow, error)
}

// ExposureSource queries the search engine for a keyword and returns the
// result-page content blocks. An empty slice is an ordinary "no results"
// outcome, not an error.
type ExposureSource interface {
	Crawl(ctx context.Context, keyword string) ([]Section, error)
}

// Embedder computes a vector embedding for a piece of text. Failures are
// soft: callers record them and skip the affected exposure.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VisionTranscriber asks a vision-capable model to transcribe text visible
// in the given images.
type VisionTranscriber interface {
	Transcribe(ctx context.Context, imageURLs []string, prompt string) (string, error)
}

// Publisher pushes run lifecycle events to an event bus.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Archive stores raw extracted content and returns a URI.
type Archive interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run and exposure IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
