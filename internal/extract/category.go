// Package extract turns an exposure URL into readable text through a
// category-specific chain of extraction strategies with fallbacks.
package extract

import (
	"net/url"
	"strings"

	"github.com/brandlens/sov-crawler/internal/sov"
)

// hostRule maps a host/path pattern onto a URL category. Rules are checked
// in order; first hit wins. The table mirrors the search UI this service
// targets but is data, not control flow, so new portals slot in without
// touching the dispatcher.
type hostRule struct {
	hostContains string
	pathContains string
	category     sov.URLType
}

var classificationRules = []hostRule{
	{hostContains: "adcr.naver.com", category: sov.URLTypeAd},
	{hostContains: "ader.naver.com", category: sov.URLTypeAd},
	{hostContains: "searchad", category: sov.URLTypeAd},

	{hostContains: "blog.naver.com", category: sov.URLTypeBlog},
	{hostContains: "tistory.com", category: sov.URLTypeBlog},
	{hostContains: "brunch.co.kr", category: sov.URLTypeBlog},

	{hostContains: "cafe.naver.com", category: sov.URLTypeForum},
	{hostContains: "cafe.daum.net", category: sov.URLTypeForum},

	{hostContains: "news.naver.com", category: sov.URLTypeNews},
	{hostContains: "news", category: sov.URLTypeNews},

	{hostContains: "post.naver.com", category: sov.URLTypeView},
	{hostContains: "in.naver.com", category: sov.URLTypeView},
	{pathContains: "/view/", category: sov.URLTypeView},
}

// Classify derives the extraction category from the URL's host and path.
func Classify(rawURL string) sov.URLType {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return sov.URLTypeOther
	}
	host := strings.ToLower(parsed.Host)
	path := strings.ToLower(parsed.Path)
	for _, rule := range classificationRules {
		if rule.hostContains != "" && !strings.Contains(host, rule.hostContains) {
			continue
		}
		if rule.pathContains != "" && !strings.Contains(path, rule.pathContains) {
			continue
		}
		return rule.category
	}
	return sov.URLTypeOther
}

// OCREligible reports whether the category qualifies for the vision-text
// fallback after structural strategies are exhausted.
func OCREligible(t sov.URLType) bool {
	switch t {
	case sov.URLTypeBlog, sov.URLTypeForum, sov.URLTypeNews, sov.URLTypeView:
		return true
	default:
		return false
	}
}
