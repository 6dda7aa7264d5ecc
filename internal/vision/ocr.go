// Package vision recovers text embedded in page images when structural
// extraction comes up empty. It is strictly best-effort: every failure path
// degrades to an empty result.
package vision

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/brandlens/sov-crawler/internal/browser"
	"github.com/brandlens/sov-crawler/internal/sov"
)

const (
	// minImageEdge filters out thumbnails; only images rendered larger
	// than this on both axes are considered.
	minImageEdge = 100
	// maxImages caps how many image URLs go to the vision model.
	maxImages = 3
	// minRecoveredRunes below which a transcription is discarded.
	minRecoveredRunes = 10

	defaultTimeout = 30 * time.Second
)

// transcribePrompt is the fixed instruction sent with the images.
const transcribePrompt = "Transcribe any text visible in these images. " +
	"Pay particular attention to brand names, company names, and organization names. " +
	"Return only the transcribed text, nothing else."

// skipImagePattern rejects chrome imagery by filename.
var skipImagePattern = regexp.MustCompile(`(?i)(icon|logo|btn|button|banner|sprite|blank|profile|avatar|emoticon)`)

// contentContainerSelectors is the priority list of containers scanned for
// candidate images before falling back to the whole body.
var contentContainerSelectors = []string{
	".se-main-container",
	"#postViewArea",
	"article",
	".article_body",
	"#dic_area",
	".post-content",
	"#content",
	"main",
}

// OCR drives the image-harvest-then-transcribe fallback.
type OCR struct {
	pool        *browser.Pool
	transcriber sov.VisionTranscriber
	timeout     time.Duration
	logger      *zap.Logger
}

// New constructs the fallback around a browser pool and a transcriber.
func New(pool *browser.Pool, transcriber sov.VisionTranscriber, timeout time.Duration, logger *zap.Logger) *OCR {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OCR{pool: pool, transcriber: transcriber, timeout: timeout, logger: logger}
}

// TryOCR loads the page, collects up to three representative images, and
// asks the vision model to transcribe their text. It returns "" when too
// little text is recovered or anything fails; callers tolerate that
// silently.
func (o *OCR) TryOCR(ctx context.Context, url string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	urls, err := o.harvestImages(ctx, url)
	if err != nil {
		return "", fmt.Errorf("harvest images: %w", err)
	}
	if len(urls) == 0 {
		return "", nil
	}

	text, err := o.transcriber.Transcribe(ctx, urls, transcribePrompt)
	if err != nil {
		return "", fmt.Errorf("transcribe: %w", err)
	}
	text = strings.TrimSpace(text)
	if len([]rune(text)) < minRecoveredRunes {
		o.logger.Debug("ocr recovered too little text", zap.String("url", url), zap.Int("len", len(text)))
		return "", nil
	}
	return text, nil
}

func (o *OCR) harvestImages(ctx context.Context, url string) ([]string, error) {
	tab, err := o.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer tab.Close()

	navCtx, cancel := browser.WithNavTimeout(tab.Context(), o.timeout)
	defer cancel()

	var raw []string
	err = chromedp.Run(navCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500*time.Millisecond),
		chromedp.Evaluate(harvestScript(), &raw),
	)
	if err != nil {
		return nil, fmt.Errorf("chromedp run: %w", err)
	}

	return filterImageURLs(raw), nil
}

// filterImageURLs drops chrome imagery by filename and caps the batch sent
// to the vision model.
func filterImageURLs(raw []string) []string {
	urls := make([]string, 0, maxImages)
	for _, u := range raw {
		if skipImagePattern.MatchString(u) {
			continue
		}
		urls = append(urls, u)
		if len(urls) == maxImages {
			break
		}
	}
	return urls
}

// harvestScript returns image sources under the first matching content
// container (or body) whose rendered size exceeds the minimum edge.
func harvestScript() string {
	quoted := make([]string, len(contentContainerSelectors))
	for i, sel := range contentContainerSelectors {
		quoted[i] = fmt.Sprintf("%q", sel)
	}
	return fmt.Sprintf(`(() => {
	const selectors = [%s];
	let root = document.body;
	for (const sel of selectors) {
		const el = document.querySelector(sel);
		if (el) { root = el; break; }
	}
	const urls = [];
	for (const img of root.querySelectorAll('img')) {
		const rect = img.getBoundingClientRect();
		if (rect.width > %d && rect.height > %d && img.src && img.src.startsWith('http')) {
			urls.push(img.src);
		}
	}
	return urls;
})()`, strings.Join(quoted, ", "), minImageEdge, minImageEdge)
}
