package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/4ndr3c0d3/shotfleet/internal/shot"
)

func TestRecordCaptureInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewCaptureStoreWithPool(mock, "captures", "")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	rec := shot.CaptureRecord{
		ID:          "uuid-v7",
		RunID:       "run-1",
		TaskIndex:   3,
		Label:       "github",
		URL:         "https://github.com/",
		Engine:      "remote",
		Location:    "results/concurrent_github/github_3_20231114-221320-000000.png",
		ContentHash: "sha256:abc",
		SizeBytes:   2048,
		Attempts:    2,
		CapturedAt:  now,
	}

	mock.ExpectExec("INSERT INTO captures").
		WithArgs(
			rec.ID,
			rec.RunID,
			rec.TaskIndex,
			rec.Label,
			rec.URL,
			rec.Engine,
			rec.Location,
			rec.ContentHash,
			rec.SizeBytes,
			rec.Attempts,
			rec.CapturedAt,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.RecordCapture(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordCaptureWithoutRunStoresNull(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewCaptureStoreWithPool(mock, "", "")
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO captures").
		WithArgs("id-1", nil, 0, "example", "https://example.com", "playwright", "memory://x.png",
			"sha256:def", 10, 1, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = store.RecordCapture(context.Background(), shot.CaptureRecord{
		ID: "id-1", Label: "example", URL: "https://example.com", Engine: "playwright",
		Location: "memory://x.png", ContentHash: "sha256:def", SizeBytes: 10, Attempts: 1,
		CapturedAt: time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordCaptureRequiresID(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewCaptureStoreWithPool(mock, "", "")
	require.NoError(t, err)
	require.Error(t, store.RecordCapture(context.Background(), shot.CaptureRecord{}))
}

func TestRecordCaptureExecError(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewCaptureStoreWithPool(mock, "", "")
	require.NoError(t, err)
	mock.ExpectExec("INSERT INTO captures").WillReturnError(errors.New("connection reset"))

	err = store.RecordCapture(context.Background(), shot.CaptureRecord{ID: "x", CapturedAt: time.Now()})
	require.ErrorContains(t, err, "insert capture")
}

func TestRunLifecycle(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewCaptureStoreWithPool(mock, "", "runs")
	require.NoError(t, err)

	started := time.Unix(1700000000, 0).UTC()
	finished := started.Add(time.Minute)
	mock.ExpectExec("INSERT INTO runs").
		WithArgs("run-1", "wikipedia", "https://www.wikipedia.org/", "concurrent", 10, 10, started).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE runs SET").
		WithArgs("run-1", finished, 9, 1).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE runs SET").
		WithArgs("missing", finished, 0, 0).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, store.StartRun(context.Background(), RunRecord{
		ID: "run-1", Label: "wikipedia", URL: "https://www.wikipedia.org/", Mode: "concurrent",
		Tasks: 10, Concurrency: 10, StartedAt: started,
	}))
	require.NoError(t, store.FinishRun(context.Background(), "run-1", finished, 9, 1))
	require.Error(t, store.FinishRun(context.Background(), "missing", finished, 0, 0))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewCaptureStoreWithPool(mock, "", "")
	require.NoError(t, err)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS capture_runs").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS captures").WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTableNameValidation(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewCaptureStoreWithPool(mock, "captures; DROP TABLE x", "")
	require.Error(t, err)
	_, err = NewCaptureStoreWithPool(nil, "", "")
	require.Error(t, err)
	_, err = NewCaptureStore(context.Background(), CaptureStoreConfig{})
	require.Error(t, err)
}
