package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/brandlens/sov-crawler/internal/sov"
)

func TestCreateRunInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	run := sov.Run{
		ID:            "run-1",
		UserID:        "user-1",
		Keyword:       "비건 프로틴",
		Brands:        []string{"브랜드A", "브랜드B"},
		Status:        sov.RunStatusPending,
		StatusMessage: "queued",
		CreatedAt:     now,
	}

	mock.ExpectExec("INSERT INTO sov_runs").
		WithArgs(
			run.ID,
			run.UserID,
			run.Keyword,
			[]byte(`["브랜드A","브랜드B"]`),
			string(sov.RunStatusPending),
			run.StatusMessage,
			run.CreatedAt,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.CreateRun(context.Background(), run))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRunScansBrands(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	rows := pgxmock.NewRows([]string{
		"id", "user_id", "keyword", "brands", "status", "total_exposures",
		"processed_exposures", "status_message", "error_message",
		"created_at", "completed_at",
	}).AddRow(
		"run-1", "user-1", "김치", []byte(`["종가집","비비고"]`),
		"extracting", 12, 4, "processing exposures 4/12", "", now, nil,
	)
	mock.ExpectQuery("SELECT id, user_id, keyword").
		WithArgs("run-1").
		WillReturnRows(rows)

	run, err := store.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, sov.RunStatusExtracting, run.Status)
	require.Equal(t, []string{"종가집", "비비고"}, run.Brands)
	require.Equal(t, 12, run.TotalExposures)
	require.Nil(t, run.CompletedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRunMissingMapsNotFound(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT id, user_id, keyword").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err = store.GetRun(context.Background(), "missing")
	require.ErrorIs(t, err, sov.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateRunStatusMissingRun(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock)
	require.NoError(t, err)

	mock.ExpectExec("UPDATE sov_runs").
		WithArgs("missing", string(sov.RunStatusCrawling), "crawling").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = store.UpdateRunStatus(context.Background(), "missing", sov.RunStatusCrawling, "crawling")
	require.Error(t, err)
	require.ErrorIs(t, err, sov.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertExposuresBulk(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock)
	require.NoError(t, err)

	exposures := []sov.Exposure{
		{
			ID: "e1", RunID: "run-1", BlockType: "블로그", Title: "first",
			URL: "https://blog.naver.com/a/1", Position: 1,
			Status: sov.ExtractionPending, URLType: sov.URLTypeBlog,
		},
		{
			ID: "e2", RunID: "run-1", BlockType: "블로그", Title: "second",
			URL: "https://blog.naver.com/a/2", Position: 2,
			Status: sov.ExtractionPending, URLType: sov.URLTypeBlog,
		},
	}
	for _, exp := range exposures {
		mock.ExpectExec("INSERT INTO sov_exposures").
			WithArgs(
				exp.ID, exp.RunID, exp.BlockType, exp.Title, exp.URL,
				exp.Summary, exp.Position, string(exp.Status), string(exp.URLType),
			).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}

	require.NoError(t, store.InsertExposures(context.Background(), exposures))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateExposureContentNullContent(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock)
	require.NoError(t, err)

	mock.ExpectExec("UPDATE sov_exposures").
		WithArgs("e1", (*string)(nil), string(sov.ExtractionFailed), string(sov.URLTypeNews), "").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err = store.UpdateExposureContent(context.Background(), "e1", nil, sov.ExtractionFailed, sov.URLTypeNews, "")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListScoresJoinsExposures(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock)
	require.NoError(t, err)

	rows := pgxmock.NewRows([]string{
		"exposure_id", "brand", "rule_score", "semantic_score", "combined",
		"relevant", "needs_review",
	}).
		AddRow("e1", "브랜드A", 1.0, 0.9, 0.94, true, false).
		AddRow("e1", "브랜드B", 0.0, 0.3, 0.18, false, false)
	mock.ExpectQuery("SELECT sc.exposure_id").
		WithArgs("run-1").
		WillReturnRows(rows)

	scores, err := store.ListScores(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, scores, 2)
	require.True(t, scores[0].Relevant)
	require.Equal(t, "브랜드B", scores[1].Brand)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertResultsPercentageVerbatim(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock)
	require.NoError(t, err)

	row := sov.ResultRow{RunID: "run-1", Brand: "브랜드A", ExposureCount: 3, Percentage: "42.86"}
	mock.ExpectExec("INSERT INTO sov_results").
		WithArgs(row.RunID, row.Brand, row.ExposureCount, row.Percentage).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.InsertResults(context.Background(), []sov.ResultRow{row}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewWithPoolRequiresPool(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil)
	require.Error(t, err)
}
