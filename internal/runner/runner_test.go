package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/brandlens/sov-crawler/internal/extract"
	"github.com/brandlens/sov-crawler/internal/notify"
	"github.com/brandlens/sov-crawler/internal/scoring"
	"github.com/brandlens/sov-crawler/internal/sov"
	"github.com/brandlens/sov-crawler/internal/storage/memory"
)

type stubSource struct {
	sections []sov.Section
	err      error
}

func (s *stubSource) Crawl(context.Context, string) ([]sov.Section, error) {
	return s.sections, s.err
}

// stubExtractor maps URL to a canned result; URLs without an entry fail.
type stubExtractor struct {
	mu       sync.Mutex
	contents map[string]string
	metadata map[string]extract.Metadata
	block    bool
}

func (s *stubExtractor) Extract(ctx context.Context, url string, hint sov.URLType, _ string, _ *extract.Stats) extract.Result {
	if s.block {
		<-ctx.Done()
		return extract.Result{Status: sov.ExtractionFailed, URLType: hint}
	}
	s.mu.Lock()
	content, ok := s.contents[url]
	s.mu.Unlock()
	if !ok {
		return extract.Result{Status: sov.ExtractionFailed, URLType: hint}
	}
	return extract.Result{
		Content: &content,
		Status:  sov.ExtractionSuccess,
		URLType: hint,
		Method:  "browser_mobile",
	}
}

func (s *stubExtractor) FetchMetadata(_ context.Context, url string) (extract.Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.metadata[url]
	if !ok {
		return extract.Metadata{}, errors.New("metadata unavailable")
	}
	return meta, nil
}

// slowProgressStore stalls the first per-unit progress write so a later,
// higher write would overtake it if writes were not ordered.
type slowProgressStore struct {
	*memory.Store
}

func (s *slowProgressStore) UpdateRunProgress(ctx context.Context, runID string, processed, total int, message string) error {
	if processed == 1 && total > 1 {
		time.Sleep(300 * time.Millisecond)
	}
	return s.Store.UpdateRunProgress(ctx, runID, processed, total, message)
}

type stubEmbedder struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (s *stubEmbedder) Embed(context.Context, string) ([]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return []float32{1, 0, 0}, nil
}

type stubPool struct {
	mu        sync.Mutex
	shutdowns int
}

func (p *stubPool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shutdowns++
}

func (p *stubPool) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shutdowns
}

type seqIDGen struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDGen) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("id-%d", g.n), nil
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func newTestRunner(store sov.Store, source sov.ExposureSource, extractor ContentExtractor, embedder sov.Embedder, pool BrowserPool, pub sov.Publisher, cfg Config) *Runner {
	engine := scoring.NewEngine(embedder, scoring.Config{}, nil)
	return New(store, source, extractor, engine, pool, pub, nil,
		&seqIDGen{}, fixedClock{t: time.Unix(1700000000, 0).UTC()}, cfg, nil)
}

func seedRun(t *testing.T, store sov.Store, run sov.Run) sov.Run {
	t.Helper()
	if run.Status == "" {
		run.Status = sov.RunStatusPending
	}
	require.NoError(t, store.CreateRun(context.Background(), run))
	return run
}

func TestExecuteHappyPath(t *testing.T) {
	t.Parallel()

	store := memory.New()
	seedRun(t, store, sov.Run{ID: "run-1", Keyword: "김치", Brands: []string{"비비고", "종가집"}})

	source := &stubSource{sections: []sov.Section{{
		Title: "블로그",
		Posts: []sov.Post{
			{Title: "후기", URL: "https://blog.naver.com/a/1", Summary: "비비고 김치 후기"},
			{Title: "리뷰", URL: "https://blog.naver.com/b/2", Summary: "김치 맛집"},
		},
	}}}
	extractor := &stubExtractor{contents: map[string]string{
		"https://blog.naver.com/a/1": "비비고 김치를 주문해서 먹어봤다. 아주 만족스러웠다.",
		"https://blog.naver.com/b/2": "마트에서 산 김치로 찌개를 끓였다. 브랜드는 기억나지 않는다.",
	}}
	pool := &stubPool{}
	pub := notify.NewMemory()

	r := newTestRunner(store, source, extractor, &stubEmbedder{}, pool, pub, Config{Topic: "sov-events"})
	require.NoError(t, r.Execute(context.Background(), "run-1"))

	ctx := context.Background()
	run, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, sov.RunStatusCompleted, run.Status)
	require.Equal(t, 2, run.TotalExposures)
	require.Equal(t, 2, run.ProcessedExposures)
	require.NotNil(t, run.CompletedAt)

	exposures, err := store.ListExposures(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, exposures, 2)
	for _, exp := range exposures {
		require.Equal(t, sov.ExtractionSuccess, exp.Status)
		require.Equal(t, sov.URLTypeBlog, exp.URLType)
		require.NotNil(t, exp.Content)
	}

	scores, err := store.ListScores(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, scores, 4)

	results, err := store.ListResults(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, results, 2)
	byBrand := map[string]sov.ResultRow{}
	for _, row := range results {
		byBrand[row.Brand] = row
	}
	require.Equal(t, 1, byBrand["비비고"].ExposureCount)
	require.Equal(t, "50.00", byBrand["비비고"].Percentage)
	require.Equal(t, 0, byBrand["종가집"].ExposureCount)
	require.Equal(t, "0.00", byBrand["종가집"].Percentage)

	typeRows, err := store.ListResultsByType(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, typeRows, 2)

	require.Equal(t, 1, pool.count())
	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "sov-events", msgs[0].Topic)
}

func TestExecuteEmptyCrawlCompletes(t *testing.T) {
	t.Parallel()

	store := memory.New()
	seedRun(t, store, sov.Run{ID: "run-1", Keyword: "김치", Brands: []string{"비비고"}})

	pool := &stubPool{}
	pub := notify.NewMemory()
	r := newTestRunner(store, &stubSource{}, &stubExtractor{}, &stubEmbedder{}, pool, pub, Config{Topic: "sov-events"})
	require.NoError(t, r.Execute(context.Background(), "run-1"))

	run, err := store.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, sov.RunStatusCompleted, run.Status)
	require.Equal(t, 0, run.TotalExposures)
	require.Len(t, pub.Messages(), 1)
	require.Equal(t, 1, pool.count())
}

func TestExecuteSourceErrorDegradesToEmpty(t *testing.T) {
	t.Parallel()

	store := memory.New()
	seedRun(t, store, sov.Run{ID: "run-1", Keyword: "김치", Brands: []string{"비비고"}})

	source := &stubSource{err: errors.New("search page unreachable")}
	r := newTestRunner(store, source, &stubExtractor{}, &stubEmbedder{}, &stubPool{}, nil, Config{})
	require.NoError(t, r.Execute(context.Background(), "run-1"))

	run, err := store.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, sov.RunStatusCompleted, run.Status)
}

func TestExecuteFiltersPlaceSections(t *testing.T) {
	t.Parallel()

	store := memory.New()
	seedRun(t, store, sov.Run{ID: "run-1", Keyword: "김치", Brands: []string{"비비고"}})

	source := &stubSource{sections: []sov.Section{
		{Title: "플레이스", Posts: []sov.Post{{Title: "식당", URL: "https://map.naver.com/p/1"}}},
		{Title: "블로그", Posts: []sov.Post{{Title: "후기", URL: "https://blog.naver.com/a/1"}}},
	}}
	extractor := &stubExtractor{contents: map[string]string{
		"https://blog.naver.com/a/1": "비비고 김치 후기입니다.",
	}}
	r := newTestRunner(store, source, extractor, &stubEmbedder{}, &stubPool{}, nil, Config{})
	require.NoError(t, r.Execute(context.Background(), "run-1"))

	exposures, err := store.ListExposures(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, exposures, 1)
	require.Equal(t, "블로그", exposures[0].BlockType)
}

func TestMetadataFallbackStatuses(t *testing.T) {
	t.Parallel()

	store := memory.New()
	seedRun(t, store, sov.Run{ID: "run-1", Keyword: "김치", Brands: []string{"비비고"}})

	source := &stubSource{sections: []sov.Section{{
		Title: "웹사이트",
		Posts: []sov.Post{
			{Title: "상품", URL: "https://shop.example.com/brand"},
			{Title: "소개", URL: "https://shop.example.com/keyword"},
			{Title: "기타", URL: "https://shop.example.com/none"},
		},
	}}}
	extractor := &stubExtractor{
		contents: map[string]string{},
		metadata: map[string]extract.Metadata{
			"https://shop.example.com/brand":   {Title: "비비고 공식몰", Description: "비비고 김치 전 제품을 판매합니다"},
			"https://shop.example.com/keyword": {Title: "전통 김치 전문몰", Description: "국산 배추로 만든 김치를 판매합니다"},
			"https://shop.example.com/none":    {Title: "생활용품 할인몰", Description: "주방용품과 생활잡화 할인 판매"},
		},
	}
	r := newTestRunner(store, source, extractor, &stubEmbedder{}, &stubPool{}, nil, Config{})
	require.NoError(t, r.Execute(context.Background(), "run-1"))

	exposures, err := store.ListExposures(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, exposures, 3)
	statuses := map[string]sov.ExtractionStatus{}
	for _, exp := range exposures {
		statuses[exp.URL] = exp.Status
	}
	require.Equal(t, sov.ExtractionMeta, statuses["https://shop.example.com/brand"])
	require.Equal(t, sov.ExtractionMetaReview, statuses["https://shop.example.com/keyword"])
	require.Equal(t, sov.ExtractionFailed, statuses["https://shop.example.com/none"])

	// Review-flagged scores exist but never count toward results.
	scores, err := store.ListScores(context.Background(), "run-1")
	require.NoError(t, err)
	reviewSeen := false
	for _, score := range scores {
		if score.NeedsReview {
			reviewSeen = true
		}
	}
	require.True(t, reviewSeen)

	results, err := store.ListResults(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, 1, results[0].ExposureCount)
}

func TestProgressPersistenceIsMonotonic(t *testing.T) {
	t.Parallel()

	store := &slowProgressStore{Store: memory.New()}
	seedRun(t, store, sov.Run{ID: "run-1", Keyword: "김치", Brands: []string{"비비고"}})

	source := &stubSource{sections: []sov.Section{{
		Title: "블로그",
		Posts: []sov.Post{
			{Title: "후기", URL: "https://blog.naver.com/a/1"},
			{Title: "리뷰", URL: "https://blog.naver.com/b/2"},
		},
	}}}
	extractor := &stubExtractor{contents: map[string]string{
		"https://blog.naver.com/a/1": "비비고 김치 후기입니다.",
		"https://blog.naver.com/b/2": "김치찌개 레시피입니다.",
	}}
	r := newTestRunner(store, source, extractor, &stubEmbedder{}, &stubPool{}, nil, Config{Concurrency: 2})
	require.NoError(t, r.Execute(context.Background(), "run-1"))

	run, err := store.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, sov.RunStatusCompleted, run.Status)
	require.Equal(t, run.TotalExposures, run.ProcessedExposures)
	require.Equal(t, 2, run.ProcessedExposures)
}

func TestExecuteGlobalTimeoutFailsRun(t *testing.T) {
	t.Parallel()

	store := memory.New()
	seedRun(t, store, sov.Run{ID: "run-1", Keyword: "김치", Brands: []string{"비비고"}})

	source := &stubSource{sections: []sov.Section{{
		Title: "블로그",
		Posts: []sov.Post{{Title: "후기", URL: "https://blog.naver.com/a/1"}},
	}}}
	extractor := &stubExtractor{block: true}
	pool := &stubPool{}
	r := newTestRunner(store, source, extractor, &stubEmbedder{}, pool, nil, Config{
		GlobalTimeout:  100 * time.Millisecond,
		ExtractTimeout: time.Minute,
	})

	err := r.Execute(context.Background(), "run-1")
	require.Error(t, err)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	run, gerr := store.GetRun(context.Background(), "run-1")
	require.NoError(t, gerr)
	require.Equal(t, sov.RunStatusFailed, run.Status)
	require.Contains(t, run.ErrorMessage, "global timeout")
	require.Equal(t, 1, pool.count())
}

func TestEmbedFailureSkipsScoringButCompletes(t *testing.T) {
	t.Parallel()

	store := memory.New()
	seedRun(t, store, sov.Run{ID: "run-1", Keyword: "김치", Brands: []string{"비비고"}})

	source := &stubSource{sections: []sov.Section{{
		Title: "블로그",
		Posts: []sov.Post{{Title: "후기", URL: "https://blog.naver.com/a/1"}},
	}}}
	extractor := &stubExtractor{contents: map[string]string{
		"https://blog.naver.com/a/1": "비비고 김치 후기입니다.",
	}}
	r := newTestRunner(store, source, extractor, &stubEmbedder{err: errors.New("quota exceeded")}, &stubPool{}, nil, Config{})
	require.NoError(t, r.Execute(context.Background(), "run-1"))

	run, err := store.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, sov.RunStatusCompleted, run.Status)

	scores, err := store.ListScores(context.Background(), "run-1")
	require.NoError(t, err)
	require.Empty(t, scores)

	results, err := store.ListResults(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "0.00", results[0].Percentage)
}

func TestExecuteMissingRun(t *testing.T) {
	t.Parallel()

	r := newTestRunner(memory.New(), &stubSource{}, &stubExtractor{}, &stubEmbedder{}, &stubPool{}, nil, Config{})
	require.Error(t, r.Execute(context.Background(), "ghost"))
}
