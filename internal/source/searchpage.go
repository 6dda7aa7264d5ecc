// Package source implements the exposure source over a search engine's
// result page using Colly. The DOM heuristics here are specific to the
// target search UI; the orchestrator only ever sees structured sections.
package source

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/brandlens/sov-crawler/internal/sov"
)

// Config controls the search-page collector.
type Config struct {
	// BaseURL is the search endpoint; the keyword is appended as the
	// query parameter.
	BaseURL string
	// QueryParam names the keyword parameter (default "query").
	QueryParam string
	UserAgent  string
	Timeout    time.Duration
	// MaxPerSection caps posts collected per content block.
	MaxPerSection int
}

// SearchPage crawls the result page and groups organic results into
// sections by content block.
type SearchPage struct {
	cfg    Config
	logger *zap.Logger
}

// New builds a SearchPage source.
func New(cfg Config, logger *zap.Logger) (*SearchPage, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("source.base_url is required")
	}
	if cfg.QueryParam == "" {
		cfg.QueryParam = "query"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxPerSection <= 0 {
		cfg.MaxPerSection = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SearchPage{cfg: cfg, logger: logger}, nil
}

// sectionSelectors maps result-page block containers to their title and
// item selectors. Checked in document order.
var sectionSelectors = []struct {
	container string
	title     string
	item      string
	link      string
	itemTitle string
	summary   string
}{
	{
		container: "section.sc_new",
		title:     ".api_title, .mod_title_area .title",
		item:      "li.bx, div.bx",
		link:      "a.title_link, a.api_txt_lines, a.link_tit",
		itemTitle: "a.title_link, .title_area, .api_txt_lines",
		summary:   ".dsc_txt, .api_txt_lines.dsc_txt, .dsc_area",
	},
	{
		container: ".group_news, .list_news",
		title:     ".group_head .title",
		item:      "li.bx",
		link:      "a.news_tit",
		itemTitle: "a.news_tit",
		summary:   ".news_dsc",
	},
}

// Crawl fetches the result page for the keyword and returns its content
// blocks in page order. An empty slice means "no results" and is not an
// error.
func (s *SearchPage) Crawl(ctx context.Context, keyword string) ([]sov.Section, error) {
	collector := colly.NewCollector(colly.Async(false))
	collector.SetRequestTimeout(s.cfg.Timeout)
	collector.IgnoreRobotsTxt = true
	if s.cfg.UserAgent != "" {
		collector.UserAgent = s.cfg.UserAgent
	}

	var sections []sov.Section
	var crawlErr error

	for _, sel := range sectionSelectors {
		sel := sel
		collector.OnHTML(sel.container, func(el *colly.HTMLElement) {
			title := strings.TrimSpace(el.ChildText(sel.title))
			if title == "" {
				title = "unknown"
			}
			section := sov.Section{Title: title}
			el.ForEach(sel.item, func(_ int, item *colly.HTMLElement) {
				if len(section.Posts) >= s.cfg.MaxPerSection {
					return
				}
				link := item.ChildAttr(sel.link, "href")
				if link == "" {
					return
				}
				post := sov.Post{
					Title:   strings.TrimSpace(item.ChildText(sel.itemTitle)),
					URL:     item.Request.AbsoluteURL(link),
					Summary: strings.TrimSpace(item.ChildText(sel.summary)),
				}
				if post.Title == "" {
					return
				}
				section.Posts = append(section.Posts, post)
			})
			if len(section.Posts) > 0 {
				sections = append(sections, section)
			}
		})
	}

	collector.OnError(func(resp *colly.Response, err error) {
		crawlErr = fmt.Errorf("search page fetch (%d): %w", resp.StatusCode, err)
	})

	target, err := s.buildURL(keyword)
	if err != nil {
		return nil, err
	}
	done := make(chan error, 1)
	go func() {
		verr := collector.Visit(target)
		collector.Wait()
		done <- verr
	}()
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("search crawl canceled: %w", ctx.Err())
	case verr := <-done:
		if verr != nil && crawlErr == nil {
			crawlErr = fmt.Errorf("visit search page: %w", verr)
		}
	}

	if crawlErr != nil {
		s.logger.Warn("search page crawl failed", zap.String("keyword", keyword), zap.Error(crawlErr))
		// Ordinary "no results" must not surface as an error.
		return nil, nil
	}
	s.logger.Info("search page crawled",
		zap.String("keyword", keyword),
		zap.Int("sections", len(sections)),
	)
	return sections, nil
}

func (s *SearchPage) buildURL(keyword string) (string, error) {
	parsed, err := url.Parse(s.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	q := parsed.Query()
	q.Set(s.cfg.QueryParam, keyword)
	parsed.RawQuery = q.Encode()
	return parsed.String(), nil
}
