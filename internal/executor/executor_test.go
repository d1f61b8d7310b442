package executor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/jobscout/internal/scrape"
)

const listingPage = `<html><body>
<nav><a href="/about">About</a><a href="#top">Top</a></nav>
<article class="job-offer" data-offer-id="A-1">
  <h2>Senior  Go Engineer</h2>
  <a href="/offers/a-1?ref=list">details</a>
  <span class="company">Acme</span>
  <span class="location">Warsaw</span>
</article>
<article class="job-offer" data-offer-id="B-2">
  <h2>Platform Engineer</h2>
  <a href="https://jobs.example.com/offers/b-2">details</a>
  <p class="description">Kubernetes and Go</p>
</article>
<article class="job-offer">
  <h2>Data Engineer</h2>
  <a href="/offers/c-3">details</a>
</article>
%s
</body></html>`

type stubFetcher struct {
	pages map[string]Page
	calls atomic.Int32
	err   error
}

func (s *stubFetcher) Fetch(_ context.Context, url string) (Page, error) {
	s.calls.Add(1)
	if s.err != nil {
		return Page{}, s.err
	}
	p, ok := s.pages[url]
	if !ok {
		return Page{URL: url, StatusCode: http.StatusNotFound}, nil
	}
	if p.URL == "" {
		p.URL = url
	}
	return p, nil
}

func TestListingURLEncodesQuery(t *testing.T) {
	t.Parallel()

	got, err := ListingURL("https://jobs.example.com/search?lang=en", scrape.Query{
		"technologies":      []any{"go", "", "k8s"},
		"keyword":           " backend ",
		"withSalary":        true,
		"remoteRecruitment": false,
		"salaryMin":         float64(12000),
		"location":          "",
	})
	require.NoError(t, err)
	require.Equal(t,
		"https://jobs.example.com/search?keyword=backend&lang=en&salaryMin=12000&technologies=go%2Ck8s&withSalary=true",
		got)

	_, err = ListingURL("/relative", nil)
	require.Error(t, err)
}

func TestCrawlExtractsOffersAgainstLiveServer(t *testing.T) {
	t.Parallel()

	queries := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		queries <- r.URL.RawQuery
		w.Header().Set("Content-Type", "text/html")
		_, _ = fmt.Fprintf(w, listingPage, "")
	}))
	defer srv.Close()

	exec := New(NewColly(CollyConfig{UserAgent: "jobscout-test", Timeout: 5 * time.Second}), nil, nil, nil, Config{}, nil)
	res, err := exec.Crawl(context.Background(), scrape.CrawlRequest{
		Source:     "jobboard",
		ListingURL: srv.URL + "/search",
		Query:      scrape.Query{"keyword": "go"},
	})
	require.NoError(t, err)
	require.Equal(t, "keyword=go", <-queries)
	require.False(t, res.ZeroResults)
	require.Len(t, res.Items, 3)
	require.Equal(t, "A-1", res.Items[0].ExternalID)
	require.Equal(t, "Senior Go Engineer", res.Items[0].Title)
	require.Equal(t, "Acme", res.Items[0].Company)
	require.Equal(t, srv.URL+"/offers/a-1?ref=list", res.Items[0].URL)
	require.Equal(t, "Kubernetes and Go", res.Items[1].Description)
	require.Equal(t, 4, res.DiscoveredLinks)
}

func TestCrawlHonoursSkipKeysAndBudget(t *testing.T) {
	t.Parallel()

	base := "https://jobs.example.com/search"
	fetcher := &stubFetcher{pages: map[string]Page{
		base + "?keyword=go": {StatusCode: http.StatusOK, Body: []byte(fmt.Sprintf(listingPage, ""))},
	}}
	exec := New(fetcher, nil, nil, nil, Config{}, nil)

	res, err := exec.Crawl(context.Background(), scrape.CrawlRequest{
		ListingURL: base,
		Query:      scrape.Query{"keyword": "go"},
		Budget:     1,
		SkipKeys:   map[string]struct{}{"source:a-1": {}},
	})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	require.Equal(t, "B-2", res.Items[0].ExternalID)
}

func TestCrawlFollowsPagination(t *testing.T) {
	t.Parallel()

	base := "https://jobs.example.com/search"
	page2 := `<html><body><article class="job-offer" data-offer-id="D-4"><h2>SRE</h2></article>
<a rel="next" href="/search?keyword=go">again</a></body></html>`
	fetcher := &stubFetcher{pages: map[string]Page{
		base + "?keyword=go": {StatusCode: http.StatusOK, Body: []byte(fmt.Sprintf(listingPage, `<a rel="next" href="/search?page=2">next</a>`))},
		base + "?page=2":     {StatusCode: http.StatusOK, Body: []byte(page2)},
	}}
	exec := New(fetcher, nil, nil, nil, Config{MaxPages: 5}, nil)

	res, err := exec.Crawl(context.Background(), scrape.CrawlRequest{ListingURL: base, Query: scrape.Query{"keyword": "go"}})
	require.NoError(t, err)
	require.Len(t, res.Items, 4)
	require.Equal(t, int32(2), fetcher.calls.Load(), "visited pages are not fetched twice")
}

func TestCrawlSignalsZeroResults(t *testing.T) {
	t.Parallel()

	base := "https://jobs.example.com/search"
	fetcher := &stubFetcher{pages: map[string]Page{
		base + "?keyword=cobol": {StatusCode: http.StatusOK, Body: []byte(`<html><body><p>No offers</p><a href="/x">x</a></body></html>`)},
	}}
	exec := New(fetcher, nil, nil, nil, Config{}, nil)

	res, err := exec.Crawl(context.Background(), scrape.CrawlRequest{ListingURL: base, Query: scrape.Query{"keyword": "cobol"}})
	require.NoError(t, err)
	require.True(t, res.ZeroResults)
	require.Empty(t, res.Items)
	require.Equal(t, 1, res.DiscoveredLinks)
}

func TestCrawlBlockedPageIsNetworkFailure(t *testing.T) {
	t.Parallel()

	base := "https://jobs.example.com/search"
	fetcher := &stubFetcher{pages: map[string]Page{
		base: {StatusCode: http.StatusForbidden, Body: []byte("Attention Required! | Cloudflare")},
	}}
	exec := New(fetcher, nil, nil, nil, Config{}, nil)

	res, err := exec.Crawl(context.Background(), scrape.CrawlRequest{ListingURL: base})
	require.Error(t, err)
	var typed *scrape.Error
	require.ErrorAs(t, err, &typed)
	require.Equal(t, scrape.FailureNetwork, typed.Type)
	require.Equal(t, 1, res.BlockedPages)
}

func TestCrawlFetchErrorIsNetworkFailure(t *testing.T) {
	t.Parallel()

	exec := New(&stubFetcher{err: errors.New("dial tcp: connection refused")}, nil, nil, nil, Config{}, nil)
	_, err := exec.Crawl(context.Background(), scrape.CrawlRequest{ListingURL: "https://jobs.example.com"})
	var typed *scrape.Error
	require.ErrorAs(t, err, &typed)
	require.Equal(t, scrape.FailureNetwork, typed.Type)
}

func TestCrawlRequiresListingURL(t *testing.T) {
	t.Parallel()

	exec := New(&stubFetcher{}, nil, nil, nil, Config{ListingURLs: map[string]string{"jobboard": "https://jobs.example.com"}}, nil)
	_, err := exec.Crawl(context.Background(), scrape.CrawlRequest{Source: "other"})
	var typed *scrape.Error
	require.ErrorAs(t, err, &typed)
	require.Equal(t, scrape.FailureValidation, typed.Type)

	res, err := exec.Crawl(context.Background(), scrape.CrawlRequest{Source: "JobBoard"})
	require.NoError(t, err)
	require.Empty(t, res.Items, "configured listing answered 404 with no offers")
}

func TestCrawlPromotesAppShellToRenderer(t *testing.T) {
	t.Parallel()

	base := "https://jobs.example.com/search"
	shell := Page{StatusCode: http.StatusOK, Body: []byte(`<html><body><div id="root"></div><script src="/app.js"></script></body></html>`)}
	rendered := Page{StatusCode: http.StatusOK, Body: []byte(fmt.Sprintf(listingPage, "")), UsedHeadless: true}
	plain := &stubFetcher{pages: map[string]Page{base: shell}}
	browser := &stubFetcher{pages: map[string]Page{base: rendered}}

	exec := New(plain, browser, NewHostLimiter(0, 0), nil, Config{}, nil)
	res, err := exec.Crawl(context.Background(), scrape.CrawlRequest{ListingURL: base})
	require.NoError(t, err)
	require.Len(t, res.Items, 3)
	require.Equal(t, int32(1), browser.calls.Load())
}

func TestDetectors(t *testing.T) {
	t.Parallel()

	require.True(t, Blocked(Page{StatusCode: http.StatusTooManyRequests}))
	require.True(t, Blocked(Page{StatusCode: http.StatusOK, Body: []byte("<title>Just a moment...</title>")}))
	require.False(t, Blocked(Page{StatusCode: http.StatusOK, Body: []byte("<h1>Jobs</h1>")}))

	require.True(t, NeedsRendering(Page{StatusCode: http.StatusOK}, 0))
	require.True(t, NeedsRendering(Page{StatusCode: http.StatusOK, Body: []byte(`<div data-reactroot></div>`)}, 0))
	scripty := "<html><script>" + strings.Repeat("x", 400) + "</script><p>hi</p></html>"
	require.True(t, NeedsRendering(Page{StatusCode: http.StatusOK, Body: []byte(scripty)}, 0))
	require.False(t, NeedsRendering(Page{StatusCode: http.StatusOK, Body: []byte(fmt.Sprintf(listingPage, ""))}, 64))
	require.False(t, NeedsRendering(Page{StatusCode: http.StatusNotFound}, 0))
}

func TestHostLimiterSpacesRequests(t *testing.T) {
	t.Parallel()

	limiter := NewHostLimiter(20, 1)
	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, limiter.Wait(ctx, "https://jobs.example.com/a"))
	}
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	require.Error(t, limiter.Wait(canceled, "https://jobs.example.com/a"))
	require.Equal(t, "unknown", hostOf("::bad"))
}

func TestHeadlessHelpers(t *testing.T) {
	t.Parallel()

	_, err := NewHeadless(HeadlessConfig{MaxParallel: -1})
	require.Error(t, err)

	headers := toNetworkHeaders(http.Header{"X-One": {"1"}, "X-Many": {"a", "b"}, "X-None": {}})
	require.Equal(t, "1", headers["X-One"])
	require.Equal(t, []string{"a", "b"}, headers["X-Many"])
	require.NotContains(t, headers, "X-None")

	meta := &documentMeta{}
	status, hdr, url := meta.snapshot("https://a.example", "https://b.example")
	require.Equal(t, http.StatusOK, status)
	require.NotNil(t, hdr)
	require.Equal(t, "https://b.example", url)
}
