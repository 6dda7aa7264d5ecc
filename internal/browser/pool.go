// Package browser manages a shared headless Chrome process behind a pool of
// tabs. The pool keeps at most one live browser, recycles it after a usage
// ceiling, and caps how many tabs may be open concurrently.
package browser

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/brandlens/sov-crawler/internal/metrics"
)

// ErrUnavailable indicates the browser process could not be launched.
// Callers treat this as a degraded-mode signal, not a fatal run failure.
var ErrUnavailable = errors.New("browser unavailable")

// ErrClosed indicates the pool has been shut down.
var ErrClosed = errors.New("browser pool closed")

const defaultUsageCeiling = 20

// Config controls pool behavior.
type Config struct {
	// MaxTabs caps concurrently open tabs. Zero means unlimited.
	MaxTabs int
	// UsageCeiling recycles the browser process after this many
	// acquisitions (default 20).
	UsageCeiling int
	// UserAgent overrides the browser user agent when non-empty.
	UserAgent string
	// HostQPS throttles navigations per host. Zero disables throttling.
	HostQPS float64
}

// Pool owns the single live browser process and hands out tabs.
type Pool struct {
	cfg    Config
	logger *zap.Logger
	sem    chan struct{}

	mu            sync.Mutex
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	usage         int
	closed        bool

	hostLimiters sync.Map
}

// Tab is one acquired browser tab. Callers must Close it in a deferred
// block; the pool cannot detect leaked tabs.
type Tab struct {
	ctx     context.Context
	cancel  context.CancelFunc
	release func()
	once    sync.Once
}

// Context returns the chromedp tab context for running actions.
func (t *Tab) Context() context.Context {
	return t.ctx
}

// Close tears down the tab and returns its concurrency slot.
func (t *Tab) Close() {
	t.once.Do(func() {
		t.cancel()
		if t.release != nil {
			t.release()
		}
	})
}

// NewPool creates a Pool. The browser process launches lazily on first
// Acquire.
func NewPool(cfg Config, logger *zap.Logger) *Pool {
	if cfg.UsageCeiling <= 0 {
		cfg.UsageCeiling = defaultUsageCeiling
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var sem chan struct{}
	if cfg.MaxTabs > 0 {
		sem = make(chan struct{}, cfg.MaxTabs)
	}
	return &Pool{
		cfg:    cfg,
		logger: logger,
		sem:    sem,
	}
}

// Acquire waits for a tab slot, launching or recycling the browser process
// as needed, and returns a fresh tab.
func (p *Pool) Acquire(ctx context.Context) (*Tab, error) {
	release, err := p.acquireSlot(ctx)
	if err != nil {
		return nil, err
	}

	browserCtx, err := p.checkout()
	if err != nil {
		release()
		return nil, err
	}

	tabCtx, tabCancel := chromedp.NewContext(browserCtx)
	return &Tab{
		ctx:     tabCtx,
		cancel:  tabCancel,
		release: release,
	}, nil
}

// checkout returns a live browser context, recycling past the ceiling and
// relaunching a dead process.
func (p *Pool) checkout() (context.Context, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrClosed
	}

	if p.browserCtx != nil && p.usage >= p.cfg.UsageCeiling {
		p.logger.Info("recycling browser process", zap.Int("usage", p.usage))
		p.teardownLocked()
		metrics.IncBrowserRecycles()
	}
	if p.browserCtx != nil && p.browserCtx.Err() != nil {
		p.logger.Warn("browser process died, relaunching")
		p.teardownLocked()
	}

	if p.browserCtx == nil {
		if err := p.launchLocked(); err != nil {
			metrics.IncBrowserLaunchFailures()
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}

	p.usage++
	return p.browserCtx, nil
}

func (p *Pool) launchLocked() error {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if p.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(p.cfg.UserAgent))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return fmt.Errorf("chromedp warmup: %w", err)
	}
	p.allocCancel = allocCancel
	p.browserCtx = browserCtx
	p.browserCancel = browserCancel
	p.usage = 0
	return nil
}

func (p *Pool) teardownLocked() {
	if p.browserCancel != nil {
		p.browserCancel()
	}
	if p.allocCancel != nil {
		p.allocCancel()
	}
	p.browserCtx = nil
	p.browserCancel = nil
	p.allocCancel = nil
	p.usage = 0
}

// Shutdown closes the browser process. Called at the end of every run,
// success or failure, to bound resource usage across runs. The pool may be
// reused afterwards; the next Acquire relaunches.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.teardownLocked()
}

// Close shuts the pool down permanently.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.teardownLocked()
	p.closed = true
}

// WaitHostBudget blocks until the per-host navigation limiter admits the
// URL. No-op when HostQPS is unset.
func (p *Pool) WaitHostBudget(ctx context.Context, rawURL string) error {
	if p.cfg.HostQPS <= 0 {
		return nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse url for host budget: %w", err)
	}
	host := strings.ToLower(parsed.Host)
	val, _ := p.hostLimiters.LoadOrStore(host, rate.NewLimiter(rate.Limit(p.cfg.HostQPS), 1))
	limiter, ok := val.(*rate.Limiter)
	if !ok {
		return fmt.Errorf("unexpected limiter type %T", val)
	}
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait host limiter: %w", err)
	}
	return nil
}

func (p *Pool) acquireSlot(ctx context.Context) (func(), error) {
	if p.sem == nil {
		return func() {}, nil
	}
	select {
	case p.sem <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() { <-p.sem })
		}, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire tab slot: %w", ctx.Err())
	}
}

// Usage returns the acquisition count since the last launch or recycle.
func (p *Pool) Usage() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.usage
}

// WithNavTimeout derives a context for one navigation bounded by d.
func WithNavTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = 45 * time.Second
	}
	return context.WithTimeout(ctx, d)
}
