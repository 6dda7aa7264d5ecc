// Package runner owns the lifecycle of one share-of-voice run: crawl,
// persist exposures, extract content under bounded concurrency, embed and
// score, aggregate, finalize. It is the single point that converts residual
// errors into a failed run; nothing propagates past it.
package runner

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/brandlens/sov-crawler/internal/extract"
	"github.com/brandlens/sov-crawler/internal/metrics"
	"github.com/brandlens/sov-crawler/internal/scoring"
	"github.com/brandlens/sov-crawler/internal/sov"
)

// Config holds the nested timeout budgets and the fan-out width.
type Config struct {
	CrawlTimeout   time.Duration
	ExtractTimeout time.Duration
	EmbedTimeout   time.Duration
	GlobalTimeout  time.Duration
	Concurrency    int
	// Topic names the completion-event topic; empty disables publishing.
	Topic string
	// ArchivePrefix prefixes archived content paths; empty disables
	// archiving.
	ArchivePrefix string
}

func (c Config) withDefaults() Config {
	if c.CrawlTimeout <= 0 {
		c.CrawlTimeout = 60 * time.Second
	}
	if c.ExtractTimeout <= 0 {
		c.ExtractTimeout = 45 * time.Second
	}
	if c.EmbedTimeout <= 0 {
		c.EmbedTimeout = 15 * time.Second
	}
	if c.GlobalTimeout <= 0 {
		c.GlobalTimeout = 10 * time.Minute
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 5
	}
	return c
}

// minMetadataLen gates the low-confidence metadata fallback.
const minMetadataLen = 20

// terminalPersistTimeout bounds store writes that must land even after the
// global run context has expired.
const terminalPersistTimeout = 10 * time.Second

// placeSectionPattern identifies map/place-listing blocks, which are not
// brand mentions and are excluded from exposures entirely.
var placeSectionPattern = regexp.MustCompile(`(?i)(지도|플레이스|place|map)`)

// ContentExtractor is the extraction surface the runner drives.
type ContentExtractor interface {
	Extract(ctx context.Context, url string, hint sov.URLType, apiDescription string, stats *extract.Stats) extract.Result
	FetchMetadata(ctx context.Context, url string) (extract.Metadata, error)
}

// BrowserPool is released at the end of every run, success or failure.
type BrowserPool interface {
	Shutdown()
}

// Runner executes runs end to end.
type Runner struct {
	store     sov.Store
	source    sov.ExposureSource
	extractor ContentExtractor
	engine    *scoring.Engine
	pool      BrowserPool
	publisher sov.Publisher
	archive   sov.Archive
	idGen     sov.IDGenerator
	clock     sov.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Runner. publisher and archive may be nil.
func New(
	store sov.Store,
	source sov.ExposureSource,
	extractor ContentExtractor,
	engine *scoring.Engine,
	pool BrowserPool,
	publisher sov.Publisher,
	archive sov.Archive,
	idGen sov.IDGenerator,
	clock sov.Clock,
	cfg Config,
	logger *zap.Logger,
) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		store:     store,
		source:    source,
		extractor: extractor,
		engine:    engine,
		pool:      pool,
		publisher: publisher,
		archive:   archive,
		idGen:     idGen,
		clock:     clock,
		cfg:       cfg.withDefaults(),
		logger:    logger,
	}
}

// runState carries all per-run mutable bookkeeping. Nothing here outlives
// the run, so concurrent runs never share counters or embedding caches.
type runState struct {
	start   time.Time
	total   int
	session *scoring.Session
	stats   *extract.Stats

	mu        sync.Mutex
	processed int
	failures  sov.FailureCounters
}

type failureKind int

const (
	failExtractTimeout failureKind = iota
	failExtract
	failEmbedTimeout
	failEmbed
)

func (s *runState) fail(kind failureKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch kind {
	case failExtractTimeout:
		s.failures.ExtractionTimeouts++
	case failExtract:
		s.failures.ExtractionFailures++
	case failEmbedTimeout:
		s.failures.EmbeddingTimeouts++
	case failEmbed:
		s.failures.EmbeddingFailures++
	}
}

func (s *runState) snapshot() (int, sov.FailureCounters) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processed, s.failures
}

// Execute runs one analysis to completion or failure. The error return
// mirrors what was persisted on the run; callers need not act on it.
func (r *Runner) Execute(ctx context.Context, runID string) (err error) {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, r.cfg.GlobalTimeout)
	defer cancel()
	defer r.pool.Shutdown()
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("run panicked: %v", rec)
		}
		if err != nil {
			r.failRun(run.ID, err)
		}
	}()

	return r.run(runCtx, run)
}

func (r *Runner) run(ctx context.Context, run sov.Run) error {
	if err := r.setStatus(ctx, run.ID, sov.RunStatusCrawling,
		fmt.Sprintf("crawling search results for %q", run.Keyword)); err != nil {
		return err
	}

	exposures, err := r.crawl(ctx, run)
	if err != nil {
		return err
	}
	if len(exposures) == 0 {
		// "No data" is a valid terminal outcome, not a failure.
		if err := r.store.UpdateRunProgress(ctx, run.ID, 0, 0, "no exposures found"); err != nil {
			return fmt.Errorf("persist empty progress: %w", err)
		}
		r.completeRun(run.ID)
		r.publishEvent(run, sov.RunStatusCompleted, 0)
		return nil
	}

	if err := r.store.InsertExposures(ctx, exposures); err != nil {
		return fmt.Errorf("persist exposures: %w", err)
	}
	if err := r.setStatus(ctx, run.ID, sov.RunStatusExtracting,
		fmt.Sprintf("extracting content from %d exposures", len(exposures))); err != nil {
		return err
	}
	if err := r.store.UpdateRunProgress(ctx, run.ID, 0, len(exposures), "starting content extraction"); err != nil {
		return fmt.Errorf("persist initial progress: %w", err)
	}

	state := &runState{
		start:   r.clock.Now(),
		total:   len(exposures),
		session: r.engine.NewSession(),
		stats:   extract.NewStats(),
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.fanOut(ctx, run, exposures, state)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("run exceeded global timeout of %s: %w", r.cfg.GlobalTimeout, ctx.Err())
	}
	if ctx.Err() != nil {
		return fmt.Errorf("run exceeded global timeout of %s: %w", r.cfg.GlobalTimeout, ctx.Err())
	}

	if err := r.setStatus(ctx, run.ID, sov.RunStatusAnalyzing, "aggregating brand exposure"); err != nil {
		return err
	}
	if err := r.finalize(ctx, run, state); err != nil {
		return err
	}

	processed, failures := state.snapshot()
	r.logger.Info("run completed",
		zap.String("run_id", run.ID),
		zap.Int("processed", processed),
		zap.Int("total", state.total),
		zap.Int("soft_failures", failures.Total()),
		zap.String("extraction_summary", state.stats.Summary()),
	)
	r.completeRun(run.ID)
	r.publishEvent(run, sov.RunStatusCompleted, state.total)
	return nil
}

// crawl queries the exposure source under its own budget and converts the
// surviving sections into exposure rows. Map/place blocks are dropped; a
// crawl error degrades to an empty result.
func (r *Runner) crawl(ctx context.Context, run sov.Run) ([]sov.Exposure, error) {
	crawlCtx, cancel := context.WithTimeout(ctx, r.cfg.CrawlTimeout)
	defer cancel()

	sections, err := r.source.Crawl(crawlCtx, run.Keyword)
	if err != nil {
		r.logger.Warn("exposure source failed, treating as empty result",
			zap.String("run_id", run.ID), zap.Error(err))
		sections = nil
	}

	var exposures []sov.Exposure
	for _, section := range sections {
		if placeSectionPattern.MatchString(section.Title) {
			continue
		}
		for i, post := range section.Posts {
			id, err := r.idGen.NewID()
			if err != nil {
				return nil, fmt.Errorf("generate exposure id: %w", err)
			}
			exposures = append(exposures, sov.Exposure{
				ID:        id,
				RunID:     run.ID,
				BlockType: section.Title,
				Title:     post.Title,
				URL:       post.URL,
				Summary:   post.Summary,
				Position:  i + 1,
				Status:    sov.ExtractionPending,
				URLType:   extract.Classify(post.URL),
			})
		}
	}
	return exposures, nil
}

// fanOut processes exposures through a fixed-width worker pool. Units are
// independent; ordering between them is not guaranteed and aggregation
// never assumes it.
func (r *Runner) fanOut(ctx context.Context, run sov.Run, exposures []sov.Exposure, state *runState) {
	jobs := make(chan sov.Exposure)
	var wg sync.WaitGroup
	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for exp := range jobs {
				if ctx.Err() != nil {
					return
				}
				r.processExposure(ctx, run, exp, state)
			}
		}()
	}

	for _, exp := range exposures {
		select {
		case jobs <- exp:
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return
		}
	}
	close(jobs)
	wg.Wait()
}

// processExposure is one unit of work: extraction, the metadata fallback,
// then scoring. Every failure here is soft; the unit records it and the run
// moves on.
func (r *Runner) processExposure(ctx context.Context, run sov.Run, exp sov.Exposure, state *runState) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("exposure unit panicked",
				zap.String("run_id", run.ID),
				zap.String("exposure_id", exp.ID),
				zap.Any("panic", rec),
			)
			state.fail(failExtract)
		}
	}()
	metrics.IncActiveExtractions()
	defer metrics.DecActiveExtractions()

	extCtx, cancel := context.WithTimeout(ctx, r.cfg.ExtractTimeout)
	res := r.extractor.Extract(extCtx, exp.URL, exp.URLType, exp.Summary, state.stats)
	timedOut := errors.Is(extCtx.Err(), context.DeadlineExceeded)
	cancel()

	content := res.Content
	status := res.Status
	method := res.Method
	needsReview := false

	if content == nil {
		metaContent, metaStatus, review := r.metadataFallback(ctx, run, exp)
		if metaContent != nil {
			content = metaContent
			status = metaStatus
			method = "metadata"
			needsReview = review
		} else if timedOut {
			state.fail(failExtractTimeout)
		} else {
			state.fail(failExtract)
		}
	}

	if err := r.store.UpdateExposureContent(ctx, exp.ID, content, status, res.URLType, method); err != nil {
		r.logger.Error("persist exposure content failed",
			zap.String("exposure_id", exp.ID), zap.Error(err))
	}

	if content != nil {
		r.archiveContent(ctx, run, exp, *content)
		r.scoreExposure(ctx, run, exp, *content, needsReview, state)
	}

	r.finishUnit(ctx, run.ID, state)
}

// finishUnit advances the processed counter and persists the progress line
// while still holding the counter lock. Persisting under the lock keeps the
// stored counter monotonic: a slow write for unit n cannot land after, and
// overwrite, the write for unit n+1.
func (r *Runner) finishUnit(ctx context.Context, runID string, state *runState) {
	state.mu.Lock()
	defer state.mu.Unlock()
	state.processed++
	msg := progressMessage(state.processed, state.total, r.clock.Now().Sub(state.start), state.failures)
	if err := r.store.UpdateRunProgress(ctx, runID, state.processed, state.total, msg); err != nil {
		r.logger.Warn("persist progress failed", zap.String("run_id", runID), zap.Error(err))
	}
}

// metadataFallback accepts page metadata as a content basis only when it
// mentions a brand (normal confidence) or at least the market keyword
// (low confidence, flagged for review and excluded from aggregation).
func (r *Runner) metadataFallback(ctx context.Context, run sov.Run, exp sov.Exposure) (*string, sov.ExtractionStatus, bool) {
	meta, err := r.extractor.FetchMetadata(ctx, exp.URL)
	if err != nil {
		return nil, "", false
	}
	combined := strings.TrimSpace(strings.Join([]string{meta.Title, meta.Description, exp.Summary}, " "))
	if len([]rune(combined)) < minMetadataLen {
		return nil, "", false
	}
	lower := strings.ToLower(combined)
	for _, brand := range run.Brands {
		if strings.Contains(lower, strings.ToLower(brand)) {
			return &combined, sov.ExtractionMeta, false
		}
	}
	if strings.Contains(lower, strings.ToLower(run.Keyword)) {
		return &combined, sov.ExtractionMetaReview, true
	}
	return nil, "", false
}

// scoreExposure embeds the content under the embedding budget and writes
// one score per brand. Any embedding failure skips scoring for this
// exposure only.
func (r *Runner) scoreExposure(ctx context.Context, run sov.Run, exp sov.Exposure, content string, needsReview bool, state *runState) {
	embedCtx, cancel := context.WithTimeout(ctx, r.cfg.EmbedTimeout)
	defer cancel()

	contentVec, err := r.engine.Embed(embedCtx, content)
	if err != nil {
		r.recordEmbedFailure(embedCtx, exp.ID, err, state)
		return
	}

	scores := make([]sov.Score, 0, len(run.Brands))
	for _, brand := range run.Brands {
		brandVec, berr := state.session.BrandVector(embedCtx, brand)
		if berr != nil {
			r.recordEmbedFailure(embedCtx, exp.ID, berr, state)
			return
		}
		j := r.engine.Score(content, brand, contentVec, brandVec)
		scores = append(scores, sov.Score{
			ExposureID:    exp.ID,
			Brand:         brand,
			RuleScore:     j.Rule,
			SemanticScore: j.Semantic,
			Combined:      j.Combined,
			Relevant:      j.Relevant,
			NeedsReview:   needsReview,
		})
	}
	if err := r.store.InsertScores(ctx, scores); err != nil {
		r.logger.Error("persist scores failed", zap.String("exposure_id", exp.ID), zap.Error(err))
	}
}

func (r *Runner) recordEmbedFailure(embedCtx context.Context, exposureID string, err error, state *runState) {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(embedCtx.Err(), context.DeadlineExceeded) {
		state.fail(failEmbedTimeout)
	} else {
		state.fail(failEmbed)
	}
	r.logger.Warn("embedding failed, skipping exposure scoring",
		zap.String("exposure_id", exposureID), zap.Error(err))
}

// finalize aggregates persisted scores into result rollups. It reads back
// from the store rather than from in-flight state so only settled units
// count.
func (r *Runner) finalize(ctx context.Context, run sov.Run, state *runState) error {
	exposures, err := r.store.ListExposures(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("list exposures for aggregation: %w", err)
	}
	scores, err := r.store.ListScores(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("list scores for aggregation: %w", err)
	}

	results, typeRows := computeResults(run.ID, run.Brands, exposures, scores)
	if err := r.store.InsertResults(ctx, results); err != nil {
		return fmt.Errorf("persist results: %w", err)
	}
	if len(typeRows) > 0 {
		if err := r.store.InsertResultsByType(ctx, typeRows); err != nil {
			return fmt.Errorf("persist results by type: %w", err)
		}
	}
	return nil
}

func (r *Runner) archiveContent(ctx context.Context, run sov.Run, exp sov.Exposure, content string) {
	if r.archive == nil || r.cfg.ArchivePrefix == "" {
		return
	}
	path := fmt.Sprintf("%s/%s/%s.txt", strings.Trim(r.cfg.ArchivePrefix, "/"), run.ID, exp.ID)
	if _, err := r.archive.PutObject(ctx, path, "text/plain; charset=utf-8", []byte(content)); err != nil {
		r.logger.Warn("archive content failed", zap.String("exposure_id", exp.ID), zap.Error(err))
	}
}

func (r *Runner) setStatus(ctx context.Context, runID string, status sov.RunStatus, message string) error {
	if err := r.store.UpdateRunStatus(ctx, runID, status, message); err != nil {
		return fmt.Errorf("update run status to %s: %w", status, err)
	}
	return nil
}

// completeRun and failRun use a fresh context so terminal writes land even
// after the global budget expired.
func (r *Runner) completeRun(runID string) {
	ctx, cancel := context.WithTimeout(context.Background(), terminalPersistTimeout)
	defer cancel()
	if err := r.store.CompleteRun(ctx, runID, r.clock.Now()); err != nil {
		r.logger.Error("persist run completion failed", zap.String("run_id", runID), zap.Error(err))
	}
	metrics.ObserveRun(string(sov.RunStatusCompleted))
}

func (r *Runner) failRun(runID string, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), terminalPersistTimeout)
	defer cancel()
	if err := r.store.FailRun(ctx, runID, cause.Error(), r.clock.Now()); err != nil {
		r.logger.Error("persist run failure failed", zap.String("run_id", runID), zap.Error(err))
	}
	r.logger.Error("run failed", zap.String("run_id", runID), zap.Error(cause))
	metrics.ObserveRun(string(sov.RunStatusFailed))
}

func (r *Runner) publishEvent(run sov.Run, status sov.RunStatus, total int) {
	if r.publisher == nil || r.cfg.Topic == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), terminalPersistTimeout)
	defer cancel()
	payload := map[string]any{
		"run_id":          run.ID,
		"keyword":         run.Keyword,
		"status":          string(status),
		"total_exposures": total,
		"timestamp":       r.clock.Now().Format(time.RFC3339),
	}
	if _, err := r.publisher.Publish(ctx, r.cfg.Topic, payload); err != nil {
		r.logger.Warn("publish run event failed", zap.String("run_id", run.ID), zap.Error(err))
	}
}
