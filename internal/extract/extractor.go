package extract

import (
	"context"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/brandlens/sov-crawler/internal/browser"
	"github.com/brandlens/sov-crawler/internal/metrics"
	"github.com/brandlens/sov-crawler/internal/sov"
)

// Length gates. An extraction below the category minimum does not count as
// success and triggers the next fallback tier.
const (
	DefaultMinContentLen = 100
	DefaultForumMinLen   = 20
	DefaultHTTPFirstLen  = 200
	minAPIDescriptionLen = 50
	minSponsorLen        = 2
)

// Config tunes the extractor. Zero durations and lengths fall back to
// defaults.
type Config struct {
	MinContentLen  int
	ForumMinLen    int
	HTTPFirstLen   int
	BrowserTimeout time.Duration
	HTTPTimeout    time.Duration
	AdPollTimeout  time.Duration
	UserAgent      string
}

func (c Config) withDefaults() Config {
	if c.MinContentLen <= 0 {
		c.MinContentLen = DefaultMinContentLen
	}
	if c.ForumMinLen <= 0 {
		c.ForumMinLen = DefaultForumMinLen
	}
	if c.HTTPFirstLen <= 0 {
		c.HTTPFirstLen = DefaultHTTPFirstLen
	}
	if c.BrowserTimeout <= 0 {
		c.BrowserTimeout = 25 * time.Second
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if c.AdPollTimeout <= 0 {
		c.AdPollTimeout = 5 * time.Second
	}
	return c
}

// Result is the outcome of extracting one exposure.
type Result struct {
	Content *string
	Status  sov.ExtractionStatus
	URLType sov.URLType
	Method  string
}

// OCRFallback recovers text from page images; implementations are
// best-effort and may return "" without error.
type OCRFallback interface {
	TryOCR(ctx context.Context, url string) (string, error)
}

// browserFunc renders a page and extracts text per opts. A function field
// so tests can exercise the strategy tables without a live browser.
type browserFunc func(ctx context.Context, url string, opts browserOpts) (string, error)

// Extractor runs the tiered extraction chain for every category.
type Extractor struct {
	pool       *browser.Pool
	ocr        OCRFallback
	httpClient *http.Client
	browserFn  browserFunc
	cfg        Config
	logger     *zap.Logger
}

// New constructs an Extractor. ocr may be nil, disabling the vision tier;
// pool may be nil, degrading every browser tier to an unavailable error.
func New(pool *browser.Pool, ocr OCRFallback, cfg Config, logger *zap.Logger) *Extractor {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Extractor{
		pool:       pool,
		ocr:        ocr,
		httpClient: newHTTPClient(cfg.HTTPTimeout),
		cfg:        cfg,
		logger:     logger,
	}
	e.browserFn = e.browserExtract
	return e
}

// Extract resolves the URL's category and walks its strategy table,
// falling back through OCR and the caller-supplied description before
// giving up. The stats collector records every outcome for the post-run
// summary; it is observability, not control flow.
func (e *Extractor) Extract(ctx context.Context, rawURL string, hint sov.URLType, apiDescription string, stats *Stats) Result {
	return e.extract(ctx, rawURL, hint, apiDescription, stats, 0)
}

func (e *Extractor) extract(ctx context.Context, rawURL string, hint sov.URLType, apiDescription string, stats *Stats, depth int) Result {
	start := time.Now()
	category := hint
	if category == "" {
		category = Classify(rawURL)
	}

	if category == sov.URLTypeAd && depth == 0 {
		return e.extractAd(ctx, rawURL, apiDescription, stats, start)
	}

	tiers, minLen := e.tiersFor(category)
	content, method, err := e.runTiers(ctx, rawURL, tiers, minLen)
	if err == nil {
		stats.Record(category, "success")
		metrics.ObserveExtraction(string(category), "success", time.Since(start))
		return Result{Content: &content, Status: sov.ExtractionSuccess, URLType: category, Method: method}
	}
	e.logger.Debug("structural extraction exhausted",
		zap.String("url", rawURL),
		zap.String("category", string(category)),
		zap.Error(err),
	)

	if OCREligible(category) && e.ocr != nil {
		text, oerr := e.ocr.TryOCR(ctx, rawURL)
		if oerr != nil {
			e.logger.Debug("ocr fallback failed", zap.String("url", rawURL), zap.Error(oerr))
		}
		if text != "" {
			stats.Record(category, "success_ocr")
			metrics.ObserveExtraction(string(category), "success_ocr", time.Since(start))
			return Result{Content: &text, Status: sov.ExtractionSuccessOCR, URLType: category, Method: "ocr"}
		}
	}

	if desc := strings.TrimSpace(apiDescription); len([]rune(desc)) >= minAPIDescriptionLen {
		stats.Record(category, "success_api")
		metrics.ObserveExtraction(string(category), "success_api", time.Since(start))
		return Result{Content: &desc, Status: sov.ExtractionSuccessAPI, URLType: category, Method: "api_description"}
	}

	stats.Record(category, "failed")
	metrics.ObserveExtraction(string(category), "failed", time.Since(start))
	return Result{Status: sov.ExtractionFailed, URLType: category}
}

// extractAd resolves the advertisement gateway (HTTP redirect chain first,
// then a browser poll for client-side redirects) and re-dispatches using
// the resolved URL's category, so the persisted urlType reflects the
// landing page rather than the gateway.
func (e *Extractor) extractAd(ctx context.Context, rawURL, apiDescription string, stats *Stats, start time.Time) Result {
	resolved, err := e.resolveAdRedirect(ctx, rawURL)
	if err != nil {
		e.logger.Debug("ad redirect resolution failed", zap.String("url", rawURL), zap.Error(err))
		resolved = rawURL
	}

	sponsor := ""
	if Classify(resolved) == sov.URLTypeAd {
		browserResolved, browserSponsor, berr := e.resolveAdInBrowser(ctx, resolved)
		if berr != nil {
			e.logger.Debug("ad browser resolution failed", zap.String("url", rawURL), zap.Error(berr))
		} else {
			resolved = browserResolved
			sponsor = browserSponsor
		}
	}

	if Classify(resolved) != sov.URLTypeAd {
		return e.extract(ctx, resolved, "", apiDescription, stats, 1)
	}

	// The gateway never left; the sponsor name is the only brand signal
	// available off the landing page.
	if len([]rune(strings.TrimSpace(sponsor))) >= minSponsorLen {
		sponsor = strings.TrimSpace(sponsor)
		stats.Record(sov.URLTypeAd, "success")
		metrics.ObserveExtraction(string(sov.URLTypeAd), "success", time.Since(start))
		return Result{Content: &sponsor, Status: sov.ExtractionSuccess, URLType: sov.URLTypeAd, Method: "ad_sponsor"}
	}

	stats.Record(sov.URLTypeAd, "failed")
	metrics.ObserveExtraction(string(sov.URLTypeAd), "failed", time.Since(start))
	return Result{Status: sov.ExtractionFailed, URLType: sov.URLTypeAd}
}

// tiersFor returns the ordered strategy table and the success gate for one
// category.
func (e *Extractor) tiersFor(category sov.URLType) ([]tier, int) {
	switch category {
	case sov.URLTypeBlog:
		return []tier{{
			name:            "browser_mobile",
			run:             e.mobileHandler(blogSelectors, false, e.cfg.MinContentLen),
			timeout:         e.cfg.BrowserTimeout,
			fallback:        e.desktopHandler(blogSelectors, false, true, e.cfg.MinContentLen),
			fallbackName:    "browser_pc",
			fallbackTimeout: e.cfg.BrowserTimeout,
		}}, e.cfg.MinContentLen
	case sov.URLTypeForum:
		return []tier{{
			name:            "browser_mobile",
			run:             e.mobileHandler(forumSelectors, true, e.cfg.ForumMinLen),
			timeout:         e.cfg.BrowserTimeout,
			fallback:        e.desktopHandler(forumSelectors, true, true, e.cfg.ForumMinLen),
			fallbackName:    "browser_pc",
			fallbackTimeout: e.cfg.BrowserTimeout,
		}}, e.cfg.ForumMinLen
	case sov.URLTypeView:
		return []tier{{
			name:            "browser_mobile",
			run:             e.mobileHandler(viewSelectors, false, e.cfg.MinContentLen),
			timeout:         e.cfg.BrowserTimeout,
			fallback:        e.desktopHandler(viewSelectors, false, true, e.cfg.MinContentLen),
			fallbackName:    "browser_pc",
			fallbackTimeout: e.cfg.BrowserTimeout,
		}}, e.cfg.MinContentLen
	case sov.URLTypeNews:
		return []tier{{
			name:            "browser_pc",
			run:             e.desktopHandler(newsSelectors, false, false, e.cfg.MinContentLen),
			timeout:         e.cfg.BrowserTimeout,
			retries:         1,
			backoff:         500 * time.Millisecond,
			fallback:        e.httpReadable,
			fallbackName:    "http_fetch",
			fallbackTimeout: e.cfg.HTTPTimeout,
		}}, e.cfg.MinContentLen
	default:
		return []tier{
			{
				name:    "http_fetch",
				run:     e.httpReadable,
				timeout: e.cfg.HTTPTimeout,
				minLen:  e.cfg.HTTPFirstLen,
			},
			{
				name:    "browser_pc",
				run:     e.desktopHandler(genericSelectors, false, false, e.cfg.MinContentLen),
				timeout: e.cfg.BrowserTimeout,
			},
		}, e.cfg.MinContentLen
	}
}

func (e *Extractor) mobileHandler(selectors []string, comments bool, minLen int) handlerFunc {
	return func(ctx context.Context, url string) (string, error) {
		return e.browserFn(ctx, url, browserOpts{
			mobile:          true,
			selectors:       selectors,
			minLen:          minLen,
			collectComments: comments,
		})
	}
}

func (e *Extractor) desktopHandler(selectors []string, comments, frame bool, minLen int) handlerFunc {
	return func(ctx context.Context, url string) (string, error) {
		return e.browserFn(ctx, url, browserOpts{
			mobile:          false,
			selectors:       selectors,
			minLen:          minLen,
			collectComments: comments,
			followFrame:     frame,
		})
	}
}
