// Package volume reports monthly search-volume statistics for a keyword,
// combining the search-ad keyword tool (absolute current volume) with the
// DataLab trend API (relative history).
package volume

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultAdAPIBase   = "https://api.searchad.naver.com"
	defaultDataLabBase = "https://openapi.naver.com"
	keywordToolPath    = "/keywordstool"
	dataLabSearchPath  = "/v1/datalab/search"

	// Volumes below the reporting threshold come back as "< 10"; they are
	// folded to a midpoint estimate.
	belowThresholdVolume = 5
)

// Config carries the credentials for both upstream APIs.
type Config struct {
	AdAPIKey      string
	AdSecretKey   string
	AdCustomerID  string
	DataLabID     string
	DataLabSecret string
	// AdAPIBase and DataLabBase override the production endpoints in tests.
	AdAPIBase   string
	DataLabBase string
	Timeout     time.Duration
}

// Stats is the current absolute monthly volume for one keyword.
type Stats struct {
	Keyword     string `json:"keyword"`
	TotalVolume int    `json:"total_volume"`
	Competition string `json:"competition"`
}

// TrendPoint is one month of relative search interest.
type TrendPoint struct {
	Period string  `json:"period"`
	Ratio  float64 `json:"ratio"`
}

// SeriesPoint is one month of estimated absolute volume.
type SeriesPoint struct {
	Period string `json:"period"`
	Volume int    `json:"volume"`
}

// Report is the combined volume picture for a keyword.
type Report struct {
	Keyword     string        `json:"keyword"`
	TotalVolume int           `json:"total_volume"`
	Competition string        `json:"competition"`
	Series      []SeriesPoint `json:"series"`
	MoMGrowth   *float64      `json:"mom_growth,omitempty"`
	YoYGrowth   *float64      `json:"yoy_growth,omitempty"`
}

// Client queries both volume APIs.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger
	now        func() time.Time
}

// New builds a volume Client.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.AdAPIKey == "" || cfg.AdSecretKey == "" || cfg.AdCustomerID == "" {
		return nil, fmt.Errorf("ad api credentials are required")
	}
	if cfg.AdAPIBase == "" {
		cfg.AdAPIBase = defaultAdAPIBase
	}
	if cfg.DataLabBase == "" {
		cfg.DataLabBase = defaultDataLabBase
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
		now:        time.Now,
	}, nil
}

// flexCount decodes a volume that arrives either as a JSON number or as a
// "< 10" style string.
type flexCount int

func (c *flexCount) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		str = strings.TrimSpace(str)
		if strings.HasPrefix(str, "<") {
			*c = belowThresholdVolume
			return nil
		}
		n, err := strconv.Atoi(str)
		if err != nil {
			return fmt.Errorf("parse volume %q: %w", str, err)
		}
		*c = flexCount(n)
		return nil
	}
	var n float64
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*c = flexCount(int(n))
	return nil
}

type keywordToolResponse struct {
	KeywordList []struct {
		RelKeyword         string    `json:"relKeyword"`
		MonthlyPcQcCnt     flexCount `json:"monthlyPcQcCnt"`
		MonthlyMobileQcCnt flexCount `json:"monthlyMobileQcCnt"`
		CompIdx            string    `json:"compIdx"`
	} `json:"keywordList"`
}

// KeywordStats fetches the current total monthly volume for a keyword from
// the search-ad keyword tool. Whitespace is stripped before matching; when
// no exact match exists the first suggestion is used.
func (c *Client) KeywordStats(ctx context.Context, keyword string) (Stats, error) {
	clean := strings.ReplaceAll(keyword, " ", "")
	target, err := url.Parse(c.cfg.AdAPIBase + keywordToolPath)
	if err != nil {
		return Stats{}, fmt.Errorf("parse ad api url: %w", err)
	}
	q := target.Query()
	q.Set("hintKeywords", clean)
	q.Set("showDetail", "1")
	target.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return Stats{}, fmt.Errorf("build keyword tool request: %w", err)
	}
	timestamp := strconv.FormatInt(c.now().UnixMilli(), 10)
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	req.Header.Set("X-Timestamp", timestamp)
	req.Header.Set("X-API-KEY", c.cfg.AdAPIKey)
	req.Header.Set("X-Customer", c.cfg.AdCustomerID)
	req.Header.Set("X-Signature", signRequest(c.cfg.AdSecretKey, timestamp, http.MethodGet, keywordToolPath))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Stats{}, fmt.Errorf("keyword tool request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Stats{}, fmt.Errorf("keyword tool status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed keywordToolResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Stats{}, fmt.Errorf("decode keyword tool response: %w", err)
	}
	if len(parsed.KeywordList) == 0 {
		return Stats{}, fmt.Errorf("no volume data for keyword %q", keyword)
	}

	item := parsed.KeywordList[0]
	for _, candidate := range parsed.KeywordList {
		if strings.ReplaceAll(candidate.RelKeyword, " ", "") == clean {
			item = candidate
			break
		}
	}
	return Stats{
		Keyword:     item.RelKeyword,
		TotalVolume: int(item.MonthlyPcQcCnt) + int(item.MonthlyMobileQcCnt),
		Competition: item.CompIdx,
	}, nil
}

// signRequest produces the base64 HMAC-SHA256 signature over
// "timestamp.method.path" required by the search-ad API.
func signRequest(secret, timestamp, method, path string) string {
	mac := hmac.New(sha256.New, []byte(strings.TrimSpace(secret)))
	fmt.Fprintf(mac, "%s.%s.%s", timestamp, method, path)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

type dataLabRequest struct {
	StartDate     string         `json:"startDate"`
	EndDate       string         `json:"endDate"`
	TimeUnit      string         `json:"timeUnit"`
	KeywordGroups []dataLabGroup `json:"keywordGroups"`
}

type dataLabGroup struct {
	GroupName string   `json:"groupName"`
	Keywords  []string `json:"keywords"`
}

type dataLabResponse struct {
	Results []struct {
		Data []struct {
			Period string  `json:"period"`
			Ratio  float64 `json:"ratio"`
		} `json:"data"`
	} `json:"results"`
}

// Trend fetches monthly relative search interest between two dates
// (YYYY-MM-DD) from DataLab.
func (c *Client) Trend(ctx context.Context, keyword, startDate, endDate string) ([]TrendPoint, error) {
	if c.cfg.DataLabID == "" || c.cfg.DataLabSecret == "" {
		return nil, fmt.Errorf("datalab credentials are required")
	}
	body, err := json.Marshal(dataLabRequest{
		StartDate: startDate,
		EndDate:   endDate,
		TimeUnit:  "month",
		KeywordGroups: []dataLabGroup{
			{GroupName: keyword, Keywords: []string{keyword}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal datalab request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.DataLabBase+dataLabSearchPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build datalab request: %w", err)
	}
	req.Header.Set("X-Naver-Client-Id", c.cfg.DataLabID)
	req.Header.Set("X-Naver-Client-Secret", c.cfg.DataLabSecret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("datalab request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("datalab status %d", resp.StatusCode)
	}

	var parsed dataLabResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode datalab response: %w", err)
	}
	if len(parsed.Results) == 0 {
		return nil, nil
	}
	points := make([]TrendPoint, 0, len(parsed.Results[0].Data))
	for _, d := range parsed.Results[0].Data {
		points = append(points, TrendPoint{Period: d.Period, Ratio: d.Ratio})
	}
	return points, nil
}

// Analyze produces the combined report: current absolute volume, the trend
// series scaled to absolute estimates, and month-over-month and
// year-over-year growth where enough history exists.
func (c *Client) Analyze(ctx context.Context, keyword, startDate, endDate string) (Report, error) {
	stats, err := c.KeywordStats(ctx, keyword)
	if err != nil {
		return Report{}, err
	}
	trend, err := c.Trend(ctx, stats.Keyword, startDate, endDate)
	if err != nil {
		c.logger.Warn("trend fetch failed, reporting volume only",
			zap.String("keyword", stats.Keyword), zap.Error(err))
		trend = nil
	}

	report := Report{
		Keyword:     stats.Keyword,
		TotalVolume: stats.TotalVolume,
		Competition: stats.Competition,
		Series:      ScaleSeries(trend, stats.TotalVolume),
	}
	report.MoMGrowth, report.YoYGrowth = growth(report.Series)
	return report, nil
}

// ScaleSeries converts relative ratios to absolute volume estimates by
// anchoring the latest ratio to the current total volume.
func ScaleSeries(trend []TrendPoint, totalVolume int) []SeriesPoint {
	if len(trend) == 0 {
		return nil
	}
	lastRatio := trend[len(trend)-1].Ratio
	multiplier := 0.0
	if lastRatio > 0 {
		multiplier = float64(totalVolume) / lastRatio
	}
	out := make([]SeriesPoint, 0, len(trend))
	for _, p := range trend {
		out = append(out, SeriesPoint{
			Period: p.Period,
			Volume: int(math.Round(p.Ratio * multiplier)),
		})
	}
	return out
}

// growth computes month-over-month (needs 2 points) and year-over-year
// (needs 13 points) percentage change of the latest month.
func growth(series []SeriesPoint) (mom, yoy *float64) {
	if len(series) >= 2 {
		curr := series[len(series)-1].Volume
		prev := series[len(series)-2].Volume
		if prev > 0 {
			v := (float64(curr) - float64(prev)) / float64(prev) * 100
			mom = &v
		}
	}
	if len(series) >= 13 {
		curr := series[len(series)-1].Volume
		prevYear := series[len(series)-13].Volume
		if prevYear > 0 {
			v := (float64(curr) - float64(prevYear)) / float64(prevYear) * 100
			yoy = &v
		}
	}
	return mom, yoy
}
