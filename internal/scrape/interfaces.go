package scrape

import (
	"context"
	"time"
)

// CrawlExecutor runs one crawl attempt for a query. Implementations must
// honour ctx cancellation on a best-effort basis.
type CrawlExecutor interface {
	Crawl(ctx context.Context, req CrawlRequest) (CrawlResult, error)
}

// Scorer scores a newly linked offer for a user.
type Scorer interface {
	Score(ctx context.Context, req ScoreRequest) error
}

// RunStore persists controller-side run state. Transitions are conditional
// writes so concurrent callers cannot regress a terminal run.
type RunStore interface {
	CreateRun(ctx context.Context, run Run) error
	GetRun(ctx context.Context, id string) (Run, error)
	// MarkRunning moves a PENDING run to RUNNING. It reports false when the
	// run was not PENDING.
	MarkRunning(ctx context.Context, id string, startedAt time.Time) (bool, error)
	// CompleteRun applies a terminal transition to a non-terminal run. It
	// reports false when the run was already terminal.
	CompleteRun(ctx context.Context, id string, completion RunCompletion) (bool, error)
}

// EventStore records received callback events.
type EventStore interface {
	// RegisterEvent inserts the event and reports false if (SourceRunID,
	// EventID) was already present.
	RegisterEvent(ctx context.Context, event CallbackEvent) (bool, error)
}

// OfferStore persists canonical offers and their per-user associations.
type OfferStore interface {
	// LinkOffers inserts offers and user associations that do not exist yet and
	// returns the offers whose association was newly created. Existing rows are
	// never updated.
	LinkOffers(ctx context.Context, userID, runID string, offers []CanonicalOffer) ([]CanonicalOffer, error)
}

// DeadLetterStore holds callbacks that could not be delivered.
type DeadLetterStore interface {
	Put(ctx context.Context, entry DeadLetterEntry) (string, error)
	List(ctx context.Context) ([]string, error)
	Get(ctx context.Context, id string) (DeadLetterEntry, error)
	Delete(ctx context.Context, id string) error
}

// Dispatcher hands a scrape task to a worker.
type Dispatcher interface {
	Dispatch(ctx context.Context, env DispatchEnvelope) (DispatchAck, error)
}

// Hasher computes digests for text-only offer identities.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces request, run and event IDs.
type IDGenerator interface {
	NewID() (string, error)
}
