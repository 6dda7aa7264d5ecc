package extract

import (
	"context"
	"fmt"
	"io"
	"net/http"
	nurl "net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
)

const maxBodyBytes = 4 << 20

// fetchHTML performs a plain GET following redirects and returns the body
// plus the final URL of the chain.
func (e *Extractor) fetchHTML(ctx context.Context, rawURL string) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", e.cfg.UserAgent)
	req.Header.Set("Accept-Language", "ko,en;q=0.8")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", "", fmt.Errorf("http status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", "", fmt.Errorf("read body: %w", err)
	}
	finalURL := rawURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}
	return string(body), finalURL, nil
}

// httpReadable fetches over plain HTTP and extracts readable article text,
// falling back to a whole-document tag strip when readability yields
// nothing useful.
func (e *Extractor) httpReadable(ctx context.Context, rawURL string) (string, error) {
	html, finalURL, err := e.fetchHTML(ctx, rawURL)
	if err != nil {
		return "", err
	}

	if parsed, perr := nurl.Parse(finalURL); perr == nil {
		article, rerr := readability.FromReader(strings.NewReader(html), parsed)
		if rerr == nil {
			text := strings.TrimSpace(article.TextContent)
			if text != "" {
				return text, nil
			}
		}
	}
	return stripTags(html)
}

// stripTags removes script/style subtrees and collapses the remaining body
// text.
func stripTags(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	doc.Find("script, style, noscript, iframe").Remove()
	return collapseWhitespace(doc.Find("body").Text()), nil
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Metadata is the page <title> plus meta description used by the
// low-confidence fallback path.
type Metadata struct {
	Title       string
	Description string
}

// Combined joins the metadata fields for match checks.
func (m Metadata) Combined() string {
	return strings.TrimSpace(m.Title + " " + m.Description)
}

// FetchMetadata pulls the page title and meta description over plain HTTP.
func (e *Extractor) FetchMetadata(ctx context.Context, rawURL string) (Metadata, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.HTTPTimeout)
	defer cancel()

	html, _, err := e.fetchHTML(ctx, rawURL)
	if err != nil {
		return Metadata{}, err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return Metadata{}, fmt.Errorf("parse html: %w", err)
	}

	meta := Metadata{Title: strings.TrimSpace(doc.Find("title").First().Text())}
	if desc, ok := doc.Find(`meta[name="description"]`).Attr("content"); ok {
		meta.Description = strings.TrimSpace(desc)
	}
	if meta.Description == "" {
		if desc, ok := doc.Find(`meta[property="og:description"]`).Attr("content"); ok {
			meta.Description = strings.TrimSpace(desc)
		}
	}
	if meta.Title == "" {
		if title, ok := doc.Find(`meta[property="og:title"]`).Attr("content"); ok {
			meta.Title = strings.TrimSpace(title)
		}
	}
	return meta, nil
}

// resolveAdRedirect follows the advertisement gateway's HTTP redirect chain
// and returns the landing URL. When the chain never leaves the gateway it
// returns the input unchanged; the caller then falls back to browser-side
// resolution.
func (e *Extractor) resolveAdRedirect(ctx context.Context, rawURL string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.HTTPTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return rawURL, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", e.cfg.UserAgent)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return rawURL, fmt.Errorf("resolve redirect: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.Request != nil && resp.Request.URL != nil {
		return resp.Request.URL.String(), nil
	}
	return rawURL, nil
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        32,
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     60 * time.Second,
		},
	}
}
