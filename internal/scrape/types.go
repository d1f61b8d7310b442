// Package scrape defines the domain types and interfaces shared by the worker
// and controller sides of the scrape pipeline.
package scrape

import (
	"time"
)

// RunStatus represents the lifecycle state of a scrape run.
//
//	PENDING -> RUNNING -> COMPLETED
//	                   \-> FAILED
type RunStatus string

// Run status values persisted by the controller.
const (
	RunPending   RunStatus = "PENDING"
	RunRunning   RunStatus = "RUNNING"
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
)

// IsTerminal reports whether no further transition is permitted.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunCompleted, RunFailed:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunPending, RunRunning, RunCompleted, RunFailed:
		return true
	default:
		return false
	}
}

// Run is the controller's durable record of one orchestrated scrape.
type Run struct {
	ID           string      `json:"id"`
	UserID       string      `json:"userId"`
	Source       string      `json:"source"`
	ListingURL   string      `json:"listingUrl,omitempty"`
	Filters      Query       `json:"filters,omitempty"`
	Limit        int         `json:"limit"`
	RequestID    string      `json:"requestId,omitempty"`
	Status       RunStatus   `json:"status"`
	TotalFound   int         `json:"totalFound"`
	ScrapedCount int         `json:"scrapedCount"`
	Error        string      `json:"error,omitempty"`
	FailureType  FailureType `json:"failureType,omitempty"`
	CreatedAt    time.Time   `json:"createdAt"`
	StartedAt    *time.Time  `json:"startedAt,omitempty"`
	CompletedAt  *time.Time  `json:"completedAt,omitempty"`
}

// RunCompletion carries the fields written by a terminal transition.
type RunCompletion struct {
	Status       RunStatus
	TotalFound   int
	ScrapedCount int
	Error        string
	FailureType  FailureType
	CompletedAt  time.Time
}

// Offer is one job listing as produced by a crawl executor.
type Offer struct {
	ExternalID  string         `json:"externalId,omitempty"`
	URL         string         `json:"url,omitempty"`
	Title       string         `json:"title,omitempty"`
	Company     string         `json:"company,omitempty"`
	Location    string         `json:"location,omitempty"`
	Description string         `json:"description,omitempty"`
	Salary      string         `json:"salary,omitempty"`
	PublishedAt string         `json:"publishedAt,omitempty"`
	Attributes  map[string]any `json:"attributes,omitempty"`
}

// CanonicalOffer is an Offer paired with its run-unique identity.
type CanonicalOffer struct {
	Key string `json:"key"`
	Offer
}

// CallbackEvent is one received terminal report, unique per (SourceRunID, EventID).
type CallbackEvent struct {
	SourceRunID string
	EventID     string
	Status      RunStatus
	ReceivedAt  time.Time
}

// RelaxationStep records one loosening of the query between attempts.
type RelaxationStep struct {
	Attempt int    `json:"attempt"`
	Reason  string `json:"reason"`
	Filters Query  `json:"filters,omitempty"`
}

// Diagnostics summarises how a job arrived at its outcome.
type Diagnostics struct {
	Attempts          int              `json:"attempts"`
	RelaxationTrail   []RelaxationStep `json:"relaxationTrail,omitempty"`
	BlockedPages      int              `json:"blockedPages"`
	DiscoveredLinks   int              `json:"discoveredLinks"`
	DuplicatesDropped int              `json:"duplicatesDropped"`
	InvalidDropped    int              `json:"invalidDropped"`
}

// CallbackPayload is the terminal report sent from the worker to the controller.
// Count fields are pointers so the receiver can tell "absent" from zero.
type CallbackPayload struct {
	EventID      string       `json:"eventId,omitempty"`
	SourceRunID  string       `json:"sourceRunId,omitempty"`
	RunID        string       `json:"runId,omitempty"`
	RequestID    string       `json:"requestId,omitempty"`
	Source       string       `json:"source,omitempty"`
	Status       RunStatus    `json:"status"`
	ScrapedCount *int         `json:"scrapedCount,omitempty"`
	TotalFound   *int         `json:"totalFound,omitempty"`
	ItemCount    *int         `json:"itemCount,omitempty"`
	Items        []Offer      `json:"items,omitempty"`
	Error        string       `json:"error,omitempty"`
	FailureType  FailureType  `json:"failureType,omitempty"`
	FailureCode  string       `json:"failureCode,omitempty"`
	Diagnostics  *Diagnostics `json:"diagnostics,omitempty"`
	StartedAt    *time.Time   `json:"startedAt,omitempty"`
	CompletedAt  *time.Time   `json:"completedAt,omitempty"`
}

// DeadLetterEntry is a callback that exhausted its delivery attempts.
type DeadLetterEntry struct {
	ID          string          `json:"-"`
	Destination string          `json:"destination"`
	Token       string          `json:"token,omitempty"`
	Payload     CallbackPayload `json:"payload"`
	Reason      string          `json:"reason"`
	Attempts    int             `json:"attempts"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// CrawlRequest is one attempt handed to a CrawlExecutor.
type CrawlRequest struct {
	RunID       string
	SourceRunID string
	Source      string
	ListingURL  string
	Query       Query
	// Budget is the number of new items still wanted.
	Budget  int
	Attempt int
	// SkipKeys holds canonical keys already processed in earlier attempts.
	SkipKeys map[string]struct{}
}

// CrawlResult is what an executor produced for one attempt.
type CrawlResult struct {
	Items []Offer
	// ZeroResults is set when the listing itself reported no primary matches.
	ZeroResults     bool
	BlockedPages    int
	DiscoveredLinks int
}

// ScoreRequest asks the scoring service to score a newly linked offer.
type ScoreRequest struct {
	UserID string
	RunID  string
	Offer  CanonicalOffer
}

// QueueStats is a snapshot of the worker task queue.
type QueueStats struct {
	Queued        int `json:"queued"`
	Active        int `json:"active"`
	MaxConcurrent int `json:"maxConcurrent"`
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int {
	return &v
}

// TimePtr returns a pointer to a copy of t.
func TimePtr(t time.Time) *time.Time {
	ts := t
	return &ts
}
