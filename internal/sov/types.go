// Package sov defines the core types and collaborator interfaces for the
// brand share-of-voice analysis pipeline.
package sov

import (
	"time"
)

// RunStatus represents the lifecycle state of an analysis run.
type RunStatus string

// Run status values persisted in the store. A run moves through
// crawling -> extracting -> analyzing -> completed, or to failed from any
// state. No transition skips a stage.
const (
	RunStatusPending    RunStatus = "pending"
	RunStatusCrawling   RunStatus = "crawling"
	RunStatusExtracting RunStatus = "extracting"
	RunStatusAnalyzing  RunStatus = "analyzing"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusFailed     RunStatus = "failed"
)

// Terminal reports whether the status ends the run lifecycle.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// Run is one share-of-voice analysis request. It is created before crawling
// begins and mutated only by the orchestrator.
type Run struct {
	ID                 string     `json:"id"`
	UserID             string     `json:"user_id"`
	Keyword            string     `json:"keyword"`
	Brands             []string   `json:"brands"`
	Status             RunStatus  `json:"status"`
	TotalExposures     int        `json:"total_exposures"`
	ProcessedExposures int        `json:"processed_exposures"`
	StatusMessage      string     `json:"status_message,omitempty"`
	ErrorMessage       string     `json:"error_message,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
}

// ExtractionStatus tags the outcome of the content extraction stage for one
// exposure.
type ExtractionStatus string

// Extraction status values. The *_meta statuses mark content recovered from
// page metadata; success_meta_review marks the low-confidence variant that
// is scored but excluded from aggregation.
const (
	ExtractionPending    ExtractionStatus = "pending"
	ExtractionSuccess    ExtractionStatus = "success"
	ExtractionSuccessOCR ExtractionStatus = "success_ocr"
	ExtractionSuccessAPI ExtractionStatus = "success_api"
	ExtractionMeta       ExtractionStatus = "success_meta"
	ExtractionMetaReview ExtractionStatus = "success_meta_review"
	ExtractionFailed     ExtractionStatus = "failed"
)

// URLType classifies an exposure URL into an extraction category.
type URLType string

// URL categories, each with its own ordered extraction strategy list.
const (
	URLTypeBlog  URLType = "blog"
	URLTypeForum URLType = "forum"
	URLTypeNews  URLType = "news"
	URLTypeView  URLType = "view"
	URLTypeAd    URLType = "ad"
	URLTypeOther URLType = "other"
)

// Exposure is one crawled search result belonging to a run. Rows are
// inserted in bulk right after crawling, updated once by the extraction
// stage, and immutable afterward.
type Exposure struct {
	ID        string           `json:"id"`
	RunID     string           `json:"run_id"`
	BlockType string           `json:"block_type"`
	Title     string           `json:"title"`
	URL       string           `json:"url"`
	Summary   string           `json:"summary,omitempty"`
	Position  int              `json:"position"`
	Content   *string          `json:"content,omitempty"`
	Status    ExtractionStatus `json:"status"`
	URLType   URLType          `json:"url_type"`
	Method    string           `json:"method,omitempty"`
}

// Score is the relevance judgment of one (exposure, brand) pair. Created
// once during analysis, never mutated.
type Score struct {
	ExposureID    string  `json:"exposure_id"`
	Brand         string  `json:"brand"`
	RuleScore     float64 `json:"rule_score"`
	SemanticScore float64 `json:"semantic_score"`
	Combined      float64 `json:"combined"`
	Relevant      bool    `json:"relevant"`
	NeedsReview   bool    `json:"needs_review"`
}

// ResultRow is the per-brand rollup over all exposures of a run. Percentage
// is count/total*100 formatted with two decimals.
type ResultRow struct {
	RunID         string `json:"run_id"`
	Brand         string `json:"brand"`
	ExposureCount int    `json:"exposure_count"`
	Percentage    string `json:"percentage"`
}

// ResultByTypeRow is the per-(block type, brand) rollup; the percentage is
// computed within the block type.
type ResultByTypeRow struct {
	RunID         string `json:"run_id"`
	BlockType     string `json:"block_type"`
	Brand         string `json:"brand"`
	ExposureCount int    `json:"exposure_count"`
	Percentage    string `json:"percentage"`
}

// FailureCounters tracks per-unit soft failures during a run. Counters are
// surfaced in the progress message but never fail the run by themselves.
type FailureCounters struct {
	ExtractionTimeouts int `json:"extraction_timeouts"`
	ExtractionFailures int `json:"extraction_failures"`
	EmbeddingTimeouts  int `json:"embedding_timeouts"`
	EmbeddingFailures  int `json:"embedding_failures"`
}

// Total returns the number of failed units across all failure kinds.
func (c FailureCounters) Total() int {
	return c.ExtractionTimeouts + c.ExtractionFailures + c.EmbeddingTimeouts + c.EmbeddingFailures
}

// Section is one content block returned by the exposure source, holding an
// ordered list of posts.
type Section struct {
	Title string `json:"title"`
	Posts []Post `json:"posts"`
}

// Post is one search result inside a section.
type Post struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Summary string `json:"summary,omitempty"`
}
