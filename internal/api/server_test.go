package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/brandlens/sov-crawler/internal/config"
	"github.com/brandlens/sov-crawler/internal/sov"
	"github.com/brandlens/sov-crawler/internal/storage/memory"
)

type fakeExecutor struct {
	mu   sync.Mutex
	runs []string
}

func (f *fakeExecutor) Execute(_ context.Context, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, runID)
	return nil
}

func (f *fakeExecutor) executed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.runs))
	copy(out, f.runs)
	return out
}

// downStore simulates a store whose backend is unreachable.
type downStore struct {
	*memory.Store
}

func (s *downStore) GetRun(context.Context, string) (sov.Run, error) {
	return sov.Run{}, errors.New("dial tcp 127.0.0.1:5432: connect: connection refused")
}

type fakeClock struct{ t time.Time }

func (c fakeClock) Now() time.Time { return c.t }

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

func newTestServer(t *testing.T, store sov.Store, exec Executor, cfg config.Config) *Server {
	t.Helper()
	return NewServer(store, exec, nil,
		&seqIDGen{},
		fakeClock{t: time.Unix(1700000000, 0).UTC()},
		cfg, nil)
}

func postJSON(t *testing.T, handler http.Handler, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func getPath(handler http.Handler, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestCreateRunValidation(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, memory.New(), &fakeExecutor{}, config.Config{})

	rec := postJSON(t, srv.Handler(), "/v1/runs", map[string]any{"keyword": "", "brands": []string{"a"}})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postJSON(t, srv.Handler(), "/v1/runs", map[string]any{"keyword": "비건 프로틴", "brands": []string{" ", ""}})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postJSON(t, srv.Handler(), "/v1/runs", map[string]any{
		"keyword": "비건 프로틴",
		"brands":  []string{"브랜드A", "브랜드B"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "pending", resp["status"])
	require.NotEmpty(t, resp["run_id"])
}

func TestCreateRunDeduplicatesBrands(t *testing.T) {
	t.Parallel()

	store := memory.New()
	srv := newTestServer(t, store, &fakeExecutor{}, config.Config{})

	rec := postJSON(t, srv.Handler(), "/v1/runs", map[string]any{
		"keyword": "김치",
		"brands":  []string{"종가집", "종가집", " 비비고 "},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	run, err := store.GetRun(context.Background(), resp["run_id"])
	require.NoError(t, err)
	require.Equal(t, []string{"종가집", "비비고"}, run.Brands)
}

func TestExecuteRunLaunchesOnce(t *testing.T) {
	t.Parallel()

	store := memory.New()
	exec := &fakeExecutor{}
	srv := newTestServer(t, store, exec, config.Config{})

	rec := postJSON(t, srv.Handler(), "/v1/runs", map[string]any{"keyword": "김치", "brands": []string{"비비고"}})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	runID := created["run_id"]

	rec = postJSON(t, srv.Handler(), "/v1/runs/"+runID+"/execute", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Eventually(t, func() bool {
		return len(exec.executed()) == 1
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, []string{runID}, exec.executed())
}

func TestExecuteRunRejectsNonPending(t *testing.T) {
	t.Parallel()

	store := memory.New()
	require.NoError(t, store.CreateRun(context.Background(), sov.Run{
		ID: "run-1", Status: sov.RunStatusCompleted,
	}))
	srv := newTestServer(t, store, &fakeExecutor{}, config.Config{})

	rec := postJSON(t, srv.Handler(), "/v1/runs/run-1/execute", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestExecuteRunMissing(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, memory.New(), &fakeExecutor{}, config.Config{})
	rec := postJSON(t, srv.Handler(), "/v1/runs/ghost/execute", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetRunAndExposures(t *testing.T) {
	t.Parallel()

	store := memory.New()
	ctx := context.Background()
	require.NoError(t, store.CreateRun(ctx, sov.Run{ID: "run-1", Keyword: "김치", Status: sov.RunStatusExtracting}))
	require.NoError(t, store.InsertExposures(ctx, []sov.Exposure{
		{ID: "e1", RunID: "run-1", BlockType: "블로그", Position: 1, Status: sov.ExtractionPending},
	}))
	srv := newTestServer(t, store, &fakeExecutor{}, config.Config{})

	rec := getPath(srv.Handler(), "/v1/runs/run-1")
	require.Equal(t, http.StatusOK, rec.Code)
	var runResp struct {
		Run sov.Run `json:"run"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runResp))
	require.Equal(t, sov.RunStatusExtracting, runResp.Run.Status)

	rec = getPath(srv.Handler(), "/v1/runs/run-1/exposures")
	require.Equal(t, http.StatusOK, rec.Code)
	var expResp struct {
		Exposures []sov.Exposure `json:"exposures"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &expResp))
	require.Len(t, expResp.Exposures, 1)
}

func TestResultsRequireCompletedRun(t *testing.T) {
	t.Parallel()

	store := memory.New()
	ctx := context.Background()
	require.NoError(t, store.CreateRun(ctx, sov.Run{ID: "run-1", Status: sov.RunStatusAnalyzing}))
	srv := newTestServer(t, store, &fakeExecutor{}, config.Config{})

	rec := getPath(srv.Handler(), "/v1/runs/run-1/results")
	require.Equal(t, http.StatusConflict, rec.Code)

	require.NoError(t, store.CompleteRun(ctx, "run-1", time.Now()))
	require.NoError(t, store.InsertResults(ctx, []sov.ResultRow{
		{RunID: "run-1", Brand: "비비고", ExposureCount: 2, Percentage: "40.00"},
	}))
	require.NoError(t, store.InsertResultsByType(ctx, []sov.ResultByTypeRow{
		{RunID: "run-1", BlockType: "블로그", Brand: "비비고", ExposureCount: 2, Percentage: "66.67"},
	}))

	rec = getPath(srv.Handler(), "/v1/runs/run-1/results")
	require.Equal(t, http.StatusOK, rec.Code)
	var results struct {
		Results []sov.ResultRow `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &results))
	require.Len(t, results.Results, 1)
	require.Equal(t, "40.00", results.Results[0].Percentage)

	rec = getPath(srv.Handler(), "/v1/runs/run-1/results/by-type")
	require.Equal(t, http.StatusOK, rec.Code)
	var byType struct {
		Rows []sov.ResultByTypeRow `json:"results_by_type"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &byType))
	require.Len(t, byType.Rows, 1)
	require.Equal(t, "66.67", byType.Rows[0].Percentage)
}

func TestListRunsFilterAndPagination(t *testing.T) {
	t.Parallel()

	store := memory.New()
	ctx := context.Background()
	base := time.Unix(1700000000, 0).UTC()
	for i := 0; i < 3; i++ {
		status := sov.RunStatusCompleted
		if i == 1 {
			status = sov.RunStatusFailed
		}
		require.NoError(t, store.CreateRun(ctx, sov.Run{
			ID:        fmt.Sprintf("run-%d", i),
			Status:    status,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	srv := newTestServer(t, store, &fakeExecutor{}, config.Config{})

	rec := getPath(srv.Handler(), "/v1/runs?status=completed")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Runs []sov.Run `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Runs, 2)
	// Newest first.
	require.Equal(t, "run-2", resp.Runs[0].ID)

	rec = getPath(srv.Handler(), "/v1/runs?status=bogus")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = getPath(srv.Handler(), "/v1/runs?limit=-1")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReadyzDistinguishesStoreFailure(t *testing.T) {
	t.Parallel()

	// An empty store answers not-found for the probe row, which still
	// means the store is reachable.
	srv := newTestServer(t, memory.New(), &fakeExecutor{}, config.Config{})
	rec := getPath(srv.Handler(), "/readyz")
	require.Equal(t, http.StatusOK, rec.Code)

	down := newTestServer(t, &downStore{Store: memory.New()}, &fakeExecutor{}, config.Config{})
	rec = getPath(down.Handler(), "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()

	cfg := config.Config{}
	cfg.Auth.Enabled = true
	cfg.Auth.APIKey = "sekrit"
	srv := newTestServer(t, memory.New(), &fakeExecutor{}, cfg)

	rec := getPath(srv.Handler(), "/healthz")
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-API-Key", "sekrit")
	ok := httptest.NewRecorder()
	srv.Handler().ServeHTTP(ok, req)
	require.Equal(t, http.StatusOK, ok.Code)
}

func TestVolumeEndpointUnconfigured(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, memory.New(), &fakeExecutor{}, config.Config{})
	rec := getPath(srv.Handler(), "/v1/volume?keyword=캠핑의자")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
