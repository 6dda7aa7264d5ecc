package extract

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/brandlens/sov-crawler/internal/browser"
)

const (
	mobileUserAgent = "Mozilla/5.0 (Linux; Android 14; SM-S921N) AppleWebKit/537.36 (KHTML, like Gecko) " +
		"Chrome/124.0.0.0 Mobile Safari/537.36"

	scrollMaxSteps  = 8
	scrollStepPx    = 1200
	scrollSettle    = 300 * time.Millisecond
	expandSettle    = 700 * time.Millisecond
	commentsLabel   = "\n\n[comments]\n"
	adPollInterval  = 500 * time.Millisecond
	maxExpandClicks = 4
)

// Ranked structural selectors per category. Order matters: the first
// selector yielding enough text wins.
var (
	blogSelectors = []string{
		".se-main-container",
		"#postViewArea",
		".post_ct",
		"#viewTypeSelector",
		".article_view",
		".entry-content",
		"article",
	}
	forumSelectors = []string{
		".se-main-container",
		".article_viewer",
		"#tbody",
		".ArticleContentBox .article_container",
		"#app .article",
		"article",
	}
	newsSelectors = []string{
		"#dic_area",
		"#newsct_article",
		".article_body",
		"#articleBodyContents",
		"#articeBody",
		".news_end",
		"article",
	}
	viewSelectors = []string{
		".se_component_wrap",
		".se-main-container",
		".__viewer_container",
		"#ct",
		"article",
		"main",
	}
	genericSelectors = []string{
		"article",
		"main",
		"#content",
		".content",
		"body",
	}
)

// commentSelectors covers the comment containers scanned for forum posts.
// Comments materially change relevance scoring for forum content.
var commentSelectors = []string{
	".comment_area",
	".CommentBox",
	".u_cbox_contents",
	".comment_text_view",
	".cmt_contents",
	"#cbox_module",
	".comment_list",
	".reply_list",
	".list_comment",
	".comment-content",
	".comment_view",
	".cmt_list",
	"#comment",
	".comments",
}

// expanderCSSHooks are product-specific "show more" controls clicked before
// re-extraction, in addition to generic text/aria-label matches.
var expanderCSSHooks = []string{
	".u_cbox_btn_more",
	".btn_more",
	".link_more",
	".se-more-button",
	"a.more",
	"button.expand",
}

type browserOpts struct {
	mobile          bool
	selectors       []string
	minLen          int
	collectComments bool
	followFrame     bool
}

// browserExtract renders the page in a pooled tab and pulls text from the
// ranked selectors, auto-scrolling for lazy content and clicking expanders
// between the two extraction passes. The longer pass wins.
func (e *Extractor) browserExtract(ctx context.Context, url string, opts browserOpts) (string, error) {
	if e.pool == nil {
		return "", browser.ErrUnavailable
	}
	if err := e.pool.WaitHostBudget(ctx, url); err != nil {
		return "", err
	}
	tab, err := e.pool.Acquire(ctx)
	if err != nil {
		return "", err
	}
	defer tab.Close()

	tabCtx, cancel := browser.WithNavTimeout(tab.Context(), e.cfg.BrowserTimeout)
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()

	if err := chromedp.Run(tabCtx,
		deviceAction(opts.mobile, e.cfg.UserAgent),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500*time.Millisecond),
	); err != nil {
		return "", fmt.Errorf("navigate: %w", err)
	}

	if opts.followFrame {
		if err := e.followMainFrame(tabCtx); err != nil {
			e.logger.Debug("main frame follow failed", zap.String("url", url), zap.Error(err))
		}
	}

	if err := e.autoScroll(tabCtx); err != nil {
		e.logger.Debug("auto scroll aborted", zap.String("url", url), zap.Error(err))
	}

	first, err := selectorText(tabCtx, opts.selectors, opts.minLen)
	if err != nil {
		return "", err
	}

	best := first
	if clicked, cerr := e.clickExpanders(tabCtx); cerr == nil && clicked > 0 {
		if err := chromedp.Run(tabCtx, chromedp.Sleep(expandSettle)); err == nil {
			if second, serr := selectorText(tabCtx, opts.selectors, opts.minLen); serr == nil {
				if len(second) > len(best) {
					best = second
				}
			}
		}
	}

	if opts.collectComments {
		if comments, cerr := collectComments(tabCtx); cerr == nil && comments != "" {
			best += commentsLabel + comments
		}
	}
	return best, nil
}

func deviceAction(mobile bool, desktopUA string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if mobile {
			if err := emulation.SetDeviceMetricsOverride(412, 915, 2.0, true).Do(ctx); err != nil {
				return fmt.Errorf("set mobile metrics: %w", err)
			}
			return emulation.SetUserAgentOverride(mobileUserAgent).Do(ctx)
		}
		if err := emulation.SetDeviceMetricsOverride(1366, 900, 1.0, false).Do(ctx); err != nil {
			return fmt.Errorf("set desktop metrics: %w", err)
		}
		if desktopUA != "" {
			return emulation.SetUserAgentOverride(desktopUA).Do(ctx)
		}
		return nil
	})
}

// followMainFrame navigates into an embedded main frame when the PC page
// wraps its article in one.
func (e *Extractor) followMainFrame(ctx context.Context) error {
	var frameURL string
	script := `(() => {
	const f = document.querySelector('iframe#mainFrame, iframe[name="mainFrame"]');
	return f && f.src ? new URL(f.src, location.href).href : '';
})()`
	if err := chromedp.Run(ctx, chromedp.Evaluate(script, &frameURL)); err != nil {
		return fmt.Errorf("probe main frame: %w", err)
	}
	if frameURL == "" {
		return nil
	}
	return chromedp.Run(ctx,
		chromedp.Navigate(frameURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(300*time.Millisecond),
	)
}

// autoScroll scrolls in capped increments while the document keeps growing,
// so lazy-loaded content renders before extraction.
func (e *Extractor) autoScroll(ctx context.Context) error {
	var lastHeight int
	for i := 0; i < scrollMaxSteps; i++ {
		var height int
		script := fmt.Sprintf(`(() => { window.scrollBy(0, %d); return document.body.scrollHeight; })()`, scrollStepPx)
		if err := chromedp.Run(ctx,
			chromedp.Evaluate(script, &height),
			chromedp.Sleep(scrollSettle),
		); err != nil {
			return fmt.Errorf("scroll step %d: %w", i, err)
		}
		if height <= lastHeight {
			break
		}
		lastHeight = height
	}
	return nil
}

// clickExpanders clicks visible "show more" controls matched by text
// content, aria-label, or the product CSS hooks, and reports how many were
// clicked.
func (e *Extractor) clickExpanders(ctx context.Context) (int, error) {
	hooks := make([]string, len(expanderCSSHooks))
	for i, h := range expanderCSSHooks {
		hooks[i] = fmt.Sprintf("%q", h)
	}
	script := fmt.Sprintf(`(() => {
	const pattern = /(더\s*보기|펼치기|전체\s*보기|show more|read more|expand)/i;
	const seen = new Set();
	let clicked = 0;
	const tryClick = (el) => {
		if (!el || seen.has(el) || clicked >= %d) return;
		seen.add(el);
		const rect = el.getBoundingClientRect();
		if (rect.width === 0 || rect.height === 0) return;
		el.click();
		clicked++;
	};
	for (const sel of [%s]) {
		for (const el of document.querySelectorAll(sel)) tryClick(el);
	}
	for (const el of document.querySelectorAll('a, button, span[role="button"]')) {
		const label = (el.textContent || '') + ' ' + (el.getAttribute('aria-label') || '');
		if (pattern.test(label)) tryClick(el);
	}
	return clicked;
})()`, maxExpandClicks, strings.Join(hooks, ", "))

	var clicked int
	if err := chromedp.Run(ctx, chromedp.Evaluate(script, &clicked)); err != nil {
		return 0, fmt.Errorf("click expanders: %w", err)
	}
	return clicked, nil
}

// selectorText returns the first selector's text meeting minLen, falling
// back to the longest text any selector produced.
func selectorText(ctx context.Context, selectors []string, minLen int) (string, error) {
	quoted := make([]string, len(selectors))
	for i, sel := range selectors {
		quoted[i] = fmt.Sprintf("%q", sel)
	}
	script := fmt.Sprintf(`(() => {
	let longest = '';
	for (const sel of [%s]) {
		const el = document.querySelector(sel);
		if (!el) continue;
		const text = (el.innerText || '').trim();
		if (text.length >= %d) return text;
		if (text.length > longest.length) longest = text;
	}
	return longest;
})()`, strings.Join(quoted, ", "), minLen)

	var text string
	if err := chromedp.Run(ctx, chromedp.Evaluate(script, &text)); err != nil {
		return "", fmt.Errorf("selector text: %w", err)
	}
	return strings.TrimSpace(text), nil
}

// collectComments concatenates deduplicated text from every matched comment
// container.
func collectComments(ctx context.Context) (string, error) {
	quoted := make([]string, len(commentSelectors))
	for i, sel := range commentSelectors {
		quoted[i] = fmt.Sprintf("%q", sel)
	}
	script := fmt.Sprintf(`(() => {
	const seen = new Set();
	const parts = [];
	for (const sel of [%s]) {
		for (const el of document.querySelectorAll(sel)) {
			const text = (el.innerText || '').trim();
			if (text && !seen.has(text)) {
				seen.add(text);
				parts.push(text);
			}
		}
	}
	return parts.join('\n');
})()`, strings.Join(quoted, ", "))

	var text string
	if err := chromedp.Run(ctx, chromedp.Evaluate(script, &text)); err != nil {
		return "", fmt.Errorf("collect comments: %w", err)
	}
	return strings.TrimSpace(text), nil
}

// resolveAdInBrowser loads the ad gateway page and polls for a client-side
// redirect, also scraping a sponsor-name heuristic off the landing page.
func (e *Extractor) resolveAdInBrowser(ctx context.Context, url string) (string, string, error) {
	if e.pool == nil {
		return "", "", browser.ErrUnavailable
	}
	tab, err := e.pool.Acquire(ctx)
	if err != nil {
		return "", "", err
	}
	defer tab.Close()

	tabCtx, cancel := context.WithTimeout(tab.Context(), e.cfg.AdPollTimeout)
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()

	if err := chromedp.Run(tabCtx, chromedp.Navigate(url)); err != nil {
		return "", "", fmt.Errorf("navigate ad gateway: %w", err)
	}

	final := url
	deadline := time.Now().Add(e.cfg.AdPollTimeout)
	for time.Now().Before(deadline) {
		var loc string
		if err := chromedp.Run(tabCtx, chromedp.Location(&loc)); err != nil {
			break
		}
		if loc != "" && loc != url && Classify(loc) != Classify(url) {
			final = loc
			break
		}
		if err := chromedp.Run(tabCtx, chromedp.Sleep(adPollInterval)); err != nil {
			break
		}
	}

	var sponsor string
	sponsorScript := `(() => {
	const meta = document.querySelector('meta[property="og:site_name"]');
	if (meta && meta.content) return meta.content.trim();
	const el = document.querySelector('.sponsor, .ad_sponsor, .advertiser, .brand_name');
	return el ? (el.innerText || '').trim() : '';
})()`
	if err := chromedp.Run(tabCtx, chromedp.Evaluate(sponsorScript, &sponsor)); err != nil {
		sponsor = ""
	}
	return final, sponsor, nil
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
