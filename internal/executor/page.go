// Package executor is the reference crawl executor: it fetches a job-board
// listing page with colly or headless Chrome, extracts offers with CSS
// selectors, and reports blocked pages and discovered links.
package executor

import (
	"context"
	"net/http"
	"time"
)

// Page is one fetched document.
type Page struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// Fetcher retrieves one page.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (Page, error)
}
