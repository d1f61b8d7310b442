package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/jobscout/internal/scrape"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewWithPool(mock, "")
	require.NoError(t, err)
	return store, mock
}

func TestNewWithPoolValidatesSchema(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewWithPool(nil, "")
	require.Error(t, err)
	_, err = NewWithPool(mock, "bad-schema;drop")
	require.Error(t, err)
	s, err := NewWithPool(mock, "jobs")
	require.NoError(t, err)
	require.Equal(t, "jobs.scrape_runs", s.table("scrape_runs"))
}

func TestCreateRunInsertsRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	run := scrape.Run{
		ID:        "run-1",
		UserID:    "user-1",
		Source:    "jobboard",
		Filters:   scrape.Query{"keyword": "go"},
		Limit:     5,
		RequestID: "req-1",
		Status:    scrape.RunPending,
		CreatedAt: now,
	}

	mock.ExpectExec("INSERT INTO public.scrape_runs").
		WithArgs("run-1", "user-1", "jobboard", "", []byte(`{"keyword":"go"}`), 5, "req-1", "PENDING", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.CreateRun(context.Background(), run))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRunScansRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	created := time.Unix(1700000000, 0).UTC()
	started := created.Add(time.Second)
	completed := created.Add(time.Minute)

	rows := mock.NewRows([]string{
		"id", "user_id", "source", "listing_url", "filters", "run_limit", "request_id", "status",
		"total_found", "scraped_count", "error", "failure_type", "created_at", "started_at", "completed_at",
	}).AddRow(
		"run-1", "user-1", "jobboard", "", []byte(`{"keyword":"go"}`), 5, "req-1", "COMPLETED",
		7, 5, "", "", created, &started, &completed,
	)
	mock.ExpectQuery("SELECT id, user_id").WithArgs("run-1").WillReturnRows(rows)

	run, err := store.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, scrape.RunCompleted, run.Status)
	require.Equal(t, "go", run.Filters.Text("keyword"))
	require.Equal(t, 5, run.ScrapedCount)
	require.Equal(t, 7, run.TotalFound)
	require.NotNil(t, run.CompletedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRunRejectsUnknownStatus(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	rows := mock.NewRows([]string{
		"id", "user_id", "source", "listing_url", "filters", "run_limit", "request_id", "status",
		"total_found", "scraped_count", "error", "failure_type", "created_at", "started_at", "completed_at",
	}).AddRow(
		"run-1", "user-1", "jobboard", "", []byte(`{}`), 5, "req-1", "DONE",
		0, 0, "", "", time.Unix(1700000000, 0).UTC(), (*time.Time)(nil), (*time.Time)(nil),
	)
	mock.ExpectQuery("SELECT id, user_id").WithArgs("run-1").WillReturnRows(rows)

	_, err := store.GetRun(context.Background(), "run-1")
	require.ErrorContains(t, err, `unknown status "DONE"`)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRunNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT id, user_id").WithArgs("missing").WillReturnError(pgx.ErrNoRows)

	_, err := store.GetRun(context.Background(), "missing")
	require.ErrorIs(t, err, scrape.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkRunningReportsApplied(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectExec("UPDATE public.scrape_runs SET status").
		WithArgs("RUNNING", now, "run-1", "PENDING").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE public.scrape_runs SET status").
		WithArgs("RUNNING", now, "run-1", "PENDING").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ok, err := store.MarkRunning(context.Background(), "run-1", now)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = store.MarkRunning(context.Background(), "run-1", now)
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteRunSkipsTerminalRows(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	completion := scrape.RunCompletion{
		Status:       scrape.RunFailed,
		Error:        "boom",
		FailureType:  scrape.FailureNetwork,
		CompletedAt:  now,
		ScrapedCount: 1,
		TotalFound:   2,
	}
	mock.ExpectExec("UPDATE public.scrape_runs").
		WithArgs("FAILED", 2, 1, "boom", "network", now, "run-1", "COMPLETED", "FAILED").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	applied, err := store.CompleteRun(context.Background(), "run-1", completion)
	require.NoError(t, err)
	require.False(t, applied)
	require.NoError(t, mock.ExpectationsWereMet())

	_, err = store.CompleteRun(context.Background(), "run-1", scrape.RunCompletion{Status: scrape.RunRunning})
	require.Error(t, err)
}

func TestRegisterEventDeduplicates(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	ev := scrape.CallbackEvent{SourceRunID: "run-1", EventID: "evt-1", Status: scrape.RunCompleted, ReceivedAt: now}
	mock.ExpectExec("INSERT INTO public.scrape_callback_events").
		WithArgs("run-1", "evt-1", "COMPLETED", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO public.scrape_callback_events").
		WithArgs("run-1", "evt-1", "COMPLETED", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	inserted, err := store.RegisterEvent(context.Background(), ev)
	require.NoError(t, err)
	require.True(t, inserted)
	inserted, err = store.RegisterEvent(context.Background(), ev)
	require.NoError(t, err)
	require.False(t, inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLinkOffersReturnsNewLinks(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	a := scrape.CanonicalOffer{Key: "source:a", Offer: scrape.Offer{Title: "A"}}
	b := scrape.CanonicalOffer{Key: "source:b", Offer: scrape.Offer{Title: "B"}}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO public.job_offers").
		WithArgs("source:a", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectExec("INSERT INTO public.user_job_offers").
		WithArgs("user-1", "source:a", "run-1").
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectExec("INSERT INTO public.job_offers").
		WithArgs("source:b", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO public.user_job_offers").
		WithArgs("user-1", "source:b", "run-1").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	inserted, err := store.LinkOffers(context.Background(), "user-1", "run-1", []scrape.CanonicalOffer{a, b})
	require.NoError(t, err)
	require.Equal(t, []scrape.CanonicalOffer{b}, inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLinkOffersRollsBackOnError(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO public.job_offers").
		WithArgs("source:a", pgxmock.AnyArg()).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err := store.LinkOffers(context.Background(), "user-1", "run-1",
		[]scrape.CanonicalOffer{{Key: "source:a"}})
	require.ErrorContains(t, err, "disk full")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateCreatesTables(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	for _, table := range []string{"scrape_runs", "scrape_callback_events", "job_offers", "user_job_offers"} {
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS public." + table).
			WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	}
	require.NoError(t, store.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
