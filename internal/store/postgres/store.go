// Package postgres provides Postgres-backed run, callback-event and offer
// persistence for the controller.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/jobscout/internal/scrape"
)

var validSchemaName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	Schema          string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// Store implements scrape.RunStore, scrape.EventStore and scrape.OfferStore.
type Store struct {
	pool   pool
	schema string
}

// New connects to Postgres using cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	schema, err := schemaName(cfg.Schema)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: p, schema: schema}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, schema string) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := schemaName(schema)
	if err != nil {
		return nil, err
	}
	return &Store{pool: p, schema: name}, nil
}

func schemaName(schema string) (string, error) {
	if schema == "" {
		return "public", nil
	}
	if !validSchemaName.MatchString(schema) {
		return "", fmt.Errorf("invalid schema name %q", schema)
	}
	return schema, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) table(name string) string {
	return s.schema + "." + name
}

// Migrate creates the tables when they do not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	source TEXT NOT NULL,
	listing_url TEXT NOT NULL DEFAULT '',
	filters JSONB NOT NULL DEFAULT '{}'::jsonb,
	run_limit INTEGER NOT NULL DEFAULT 0,
	request_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	total_found INTEGER NOT NULL DEFAULT 0,
	scraped_count INTEGER NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT '',
	failure_type TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ
)`, s.table("scrape_runs")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	source_run_id TEXT NOT NULL,
	event_id TEXT NOT NULL,
	status TEXT NOT NULL,
	received_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (source_run_id, event_id)
)`, s.table("scrape_callback_events")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	offer_key TEXT PRIMARY KEY,
	payload JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`, s.table("job_offers")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	user_id TEXT NOT NULL,
	offer_key TEXT NOT NULL,
	run_id TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (user_id, offer_key)
)`, s.table("user_job_offers")),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate postgres: %w", err)
		}
	}
	return nil
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
	query := fmt.Sprintf(`
INSERT INTO %s (
	id, user_id, source, listing_url, filters, run_limit, request_id, status, created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`, s.table("scrape_runs"))
	_, err = s.pool.Exec(ctx, query,
		run.ID,
		run.UserID,
		run.Source,
		run.ListingURL,
		filters,
		run.Limit,
		run.RequestID,
		string(run.Status),
		run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetRun loads a run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (scrape.Run, error) {
	query := fmt.Sprintf(`
SELECT id, user_id, source, listing_url, filters, run_limit, request_id, status,
	total_found, scraped_count, error, failure_type, created_at, started_at, completed_at
FROM %s
WHERE id = $1`, s.table("scrape_runs"))

	var (
		run         scrape.Run
		filters     []byte
		status      string
		failureType string
	)
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&run.ID,
		&run.UserID,
		&run.Source,
		&run.ListingURL,
		&filters,
		&run.Limit,
		&run.RequestID,
		&status,
		&run.TotalFound,
		&run.ScrapedCount,
		&run.Error,
		&failureType,
		&run.CreatedAt,
		&run.StartedAt,
		&run.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return scrape.Run{}, scrape.ErrNotFound
		}
		return scrape.Run{}, fmt.Errorf("get run: %w", err)
	}
	if len(filters) > 0 {
		if err := json.Unmarshal(filters, &run.Filters); err != nil {
			return scrape.Run{}, fmt.Errorf("decode filters: %w", err)
		}
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
	query := fmt.Sprintf(`
UPDATE %s SET status = $1, started_at = $2
WHERE id = $3 AND status = $4`, s.table("scrape_runs"))
	tag, err := s.pool.Exec(ctx, query, string(scrape.RunRunning), startedAt, id, string(scrape.RunPending))
	if err != nil {
		return false, fmt.Errorf("mark run running: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CompleteRun applies a terminal transition unless the run is already terminal.
func (s *Store) CompleteRun(ctx context.Context, id string, c scrape.RunCompletion) (bool, error) {
	if !c.Status.IsTerminal() {
		return false, fmt.Errorf("status %s is not terminal", c.Status)
	}
	query := fmt.Sprintf(`
UPDATE %s
SET status = $1, total_found = $2, scraped_count = $3, error = $4, failure_type = $5, completed_at = $6
WHERE id = $7 AND status NOT IN ($8, $9)`, s.table("scrape_runs"))
	tag, err := s.pool.Exec(ctx, query,
		string(c.Status),
		c.TotalFound,
		c.ScrapedCount,
		c.Error,
		string(c.FailureType),
		c.CompletedAt,
		id,
		string(scrape.RunCompleted),
		string(scrape.RunFailed),
	)
	if err != nil {
		return false, fmt.Errorf("complete run: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RegisterEvent inserts a callback event row; duplicates report false.
func (s *Store) RegisterEvent(ctx context.Context, event scrape.CallbackEvent) (bool, error) {
	query := fmt.Sprintf(`
INSERT INTO %s (source_run_id, event_id, status, received_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (source_run_id, event_id) DO NOTHING`, s.table("scrape_callback_events"))
	tag, err := s.pool.Exec(ctx, query, event.SourceRunID, event.EventID, string(event.Status), event.ReceivedAt)
	if err != nil {
		return false, fmt.Errorf("register callback event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// LinkOffers upserts offers and user links in one transaction and returns
// the links that did not exist before.
func (s *Store) LinkOffers(ctx context.Context, userID, runID string, offers []scrape.CanonicalOffer) ([]scrape.CanonicalOffer, error) {
	if len(offers) == 0 {
		return nil, nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin link offers: %w", err)
	}
	inserted, err := s.linkOffers(ctx, tx, userID, runID, offers)
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit link offers: %w", err)
	}
	return inserted, nil
}

func (s *Store) linkOffers(ctx context.Context, tx pgx.Tx, userID, runID string, offers []scrape.CanonicalOffer) ([]scrape.CanonicalOffer, error) {
	offerQuery := fmt.Sprintf(`
INSERT INTO %s (offer_key, payload) VALUES ($1, $2)
ON CONFLICT (offer_key) DO NOTHING`, s.table("job_offers"))
	linkQuery := fmt.Sprintf(`
INSERT INTO %s (user_id, offer_key, run_id) VALUES ($1, $2, $3)
ON CONFLICT (user_id, offer_key) DO NOTHING`, s.table("user_job_offers"))

	var inserted []scrape.CanonicalOffer
	for _, offer := range offers {
		payload, err := json.Marshal(offer.Offer)
		if err != nil {
			return nil, fmt.Errorf("marshal offer %s: %w", offer.Key, err)
		}
		if _, err := tx.Exec(ctx, offerQuery, offer.Key, payload); err != nil {
			return nil, fmt.Errorf("insert offer: %w", err)
		}
		tag, err := tx.Exec(ctx, linkQuery, userID, offer.Key, runID)
		if err != nil {
			return nil, fmt.Errorf("insert user offer: %w", err)
		}
		if tag.RowsAffected() == 1 {
			inserted = append(inserted, offer)
		}
	}
	return inserted, nil
}
