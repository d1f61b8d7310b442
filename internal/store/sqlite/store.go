// Package sqlite provides a single-file SQLite store for runs, callback
// events and offers, suitable for local development and small deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/JakeFAU/jobscout/internal/scrape"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

var pragmas = []string{
	"PRAGMA foreign_keys=ON",
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=10000",
	"PRAGMA synchronous=NORMAL",
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS scrape_runs (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	source TEXT NOT NULL,
	listing_url TEXT NOT NULL DEFAULT '',
	filters TEXT NOT NULL DEFAULT '{}',
	run_limit INTEGER NOT NULL DEFAULT 0,
	request_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	total_found INTEGER NOT NULL DEFAULT 0,
	scraped_count INTEGER NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT '',
	failure_type TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	started_at TEXT,
	completed_at TEXT
)`,
	`CREATE TABLE IF NOT EXISTS scrape_callback_events (
	source_run_id TEXT NOT NULL,
	event_id TEXT NOT NULL,
	status TEXT NOT NULL,
	received_at TEXT NOT NULL,
	PRIMARY KEY (source_run_id, event_id)
)`,
	`CREATE TABLE IF NOT EXISTS job_offers (
	offer_key TEXT PRIMARY KEY,
	payload TEXT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS user_job_offers (
	user_id TEXT NOT NULL,
	offer_key TEXT NOT NULL REFERENCES job_offers(offer_key),
	run_id TEXT NOT NULL,
	PRIMARY KEY (user_id, offer_key)
)`,
}

// Store implements scrape.RunStore, scrape.EventStore and scrape.OfferStore.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection keeps :memory: databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply sqlite schema: %w", err)
		}
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(raw sql.NullString) (*time.Time, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw.String)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp %q: %w", raw.String, err)
	}
	return &t, nil
}

// CreateRun inserts a new run row.
func (s *Store) CreateRun(ctx context.Context, run scrape.Run) error {
	if run.ID == "" {
		return fmt.Errorf("run id is required")
	}
	filters, err := json.Marshal(run.Filters)
	if err != nil {
		return fmt.Errorf("marshal filters: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO scrape_runs (id, user_id, source, listing_url, filters, run_limit, request_id, status, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.UserID, run.Source, run.ListingURL, string(filters), run.Limit, run.RequestID,
		string(run.Status), formatTime(run.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetRun loads a run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (scrape.Run, error) {
	var run scrape.Run
	var filters, status, failureType, createdAt string
	var startedAt, completedAt sql.NullString
	err := s.db.QueryRowContext(ctx, `
SELECT id, user_id, source, listing_url, filters, run_limit, request_id, status,
	total_found, scraped_count, error, failure_type, created_at, started_at, completed_at
FROM scrape_runs WHERE id = ?`, id).Scan(
		&run.ID, &run.UserID, &run.Source, &run.ListingURL, &filters, &run.Limit, &run.RequestID, &status,
		&run.TotalFound, &run.ScrapedCount, &run.Error, &failureType, &createdAt, &startedAt, &completedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return scrape.Run{}, scrape.ErrNotFound
		}
		return scrape.Run{}, fmt.Errorf("get run: %w", err)
	}
	if err := json.Unmarshal([]byte(filters), &run.Filters); err != nil {
		return scrape.Run{}, fmt.Errorf("decode filters: %w", err)
	}
	created, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return scrape.Run{}, fmt.Errorf("parse created_at: %w", err)
	}
	run.CreatedAt = created
	if run.StartedAt, err = parseTime(startedAt); err != nil {
		return scrape.Run{}, err
	}
	if run.CompletedAt, err = parseTime(completedAt); err != nil {
		return scrape.Run{}, err
	}
	run.Status = scrape.RunStatus(status)
	if !run.Status.Valid() {
		return scrape.Run{}, fmt.Errorf("run %s has unknown status %q", id, status)
	}
	run.FailureType = scrape.FailureType(failureType)
	return run, nil
}

// MarkRunning moves a PENDING run to RUNNING.
func (s *Store) MarkRunning(ctx context.Context, id string, startedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scrape_runs SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
		string(scrape.RunRunning), formatTime(startedAt), id, string(scrape.RunPending),
	)
	if err != nil {
		return false, fmt.Errorf("mark run running: %w", err)
	}
	return applied(res)
}

// CompleteRun applies a terminal transition unless the run is already terminal.
func (s *Store) CompleteRun(ctx context.Context, id string, c scrape.RunCompletion) (bool, error) {
	if !c.Status.IsTerminal() {
		return false, fmt.Errorf("status %s is not terminal", c.Status)
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE scrape_runs
SET status = ?, total_found = ?, scraped_count = ?, error = ?, failure_type = ?, completed_at = ?
WHERE id = ? AND status NOT IN (?, ?)`,
		string(c.Status), c.TotalFound, c.ScrapedCount, c.Error, string(c.FailureType), formatTime(c.CompletedAt),
		id, string(scrape.RunCompleted), string(scrape.RunFailed),
	)
	if err != nil {
		return false, fmt.Errorf("complete run: %w", err)
	}
	return applied(res)
}

// RegisterEvent inserts a callback event row; duplicates report false.
func (s *Store) RegisterEvent(ctx context.Context, event scrape.CallbackEvent) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
INSERT INTO scrape_callback_events (source_run_id, event_id, status, received_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (source_run_id, event_id) DO NOTHING`,
		event.SourceRunID, event.EventID, string(event.Status), formatTime(event.ReceivedAt),
	)
	if err != nil {
		return false, fmt.Errorf("register callback event: %w", err)
	}
	return applied(res)
}

// LinkOffers inserts missing offers and user links in one transaction and
// returns the links that did not exist before.
func (s *Store) LinkOffers(ctx context.Context, userID, runID string, offers []scrape.CanonicalOffer) ([]scrape.CanonicalOffer, error) {
	if len(offers) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin link offers: %w", err)
	}
	var inserted []scrape.CanonicalOffer
	for _, offer := range offers {
		payload, err := json.Marshal(offer.Offer)
		if err != nil {
			_ = tx.Rollback()
			return nil, fmt.Errorf("marshal offer %s: %w", offer.Key, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO job_offers (offer_key, payload) VALUES (?, ?) ON CONFLICT (offer_key) DO NOTHING`,
			offer.Key, string(payload),
		); err != nil {
			_ = tx.Rollback()
			return nil, fmt.Errorf("insert offer: %w", err)
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO user_job_offers (user_id, offer_key, run_id) VALUES (?, ?, ?) ON CONFLICT (user_id, offer_key) DO NOTHING`,
			userID, offer.Key, runID,
		)
		if err != nil {
			_ = tx.Rollback()
			return nil, fmt.Errorf("insert user offer: %w", err)
		}
		ok, err := applied(res)
		if err != nil {
			_ = tx.Rollback()
			return nil, err
		}
		if ok {
			inserted = append(inserted, offer)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit link offers: %w", err)
	}
	return inserted, nil
}

// CountUserOffers returns how many offers are linked to a user.
func (s *Store) CountUserOffers(ctx context.Context, userID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM user_job_offers WHERE user_id = ?`, userID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count user offers: %w", err)
	}
	return n, nil
}

func applied(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}
