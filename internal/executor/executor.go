package executor

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/jobscout/internal/dedup"
	"github.com/JakeFAU/jobscout/internal/metrics"
	"github.com/JakeFAU/jobscout/internal/scrape"
)

// Config controls listing resolution and pagination.
type Config struct {
	// ListingURLs maps a source kind to its listing page, used when a task
	// carries no listingUrl of its own.
	ListingURLs map[string]string
	Selectors   Selectors
	MaxPages    int
	// RenderThreshold is the body size below which script-heavy pages are
	// re-fetched with the renderer.
	RenderThreshold int
}

// Executor implements scrape.CrawlExecutor.
type Executor struct {
	fetcher  Fetcher
	renderer Fetcher
	limiter  *HostLimiter
	hasher   scrape.Hasher
	cfg      Config
	logger   *zap.Logger
}

// New builds an Executor. renderer is optional; when set, pages that look
// like unrendered app shells are fetched again through it.
func New(fetcher, renderer Fetcher, limiter *HostLimiter, hasher scrape.Hasher, cfg Config, logger *zap.Logger) *Executor {
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 3
	}
	if cfg.Selectors == (Selectors{}) {
		cfg.Selectors = DefaultSelectors()
	}
	if limiter == nil {
		limiter = NewHostLimiter(0, 0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		fetcher:  fetcher,
		renderer: renderer,
		limiter:  limiter,
		hasher:   hasher,
		cfg:      cfg,
		logger:   logger.Named("executor"),
	}
}

// Crawl fetches the listing for req and returns offers not yet in req.SkipKeys.
func (e *Executor) Crawl(ctx context.Context, req scrape.CrawlRequest) (scrape.CrawlResult, error) {
	base := strings.TrimSpace(req.ListingURL)
	if base == "" {
		base = e.cfg.ListingURLs[strings.ToLower(req.Source)]
	}
	if base == "" {
		return scrape.CrawlResult{}, scrape.NewError(scrape.FailureValidation,
			fmt.Sprintf("listing url is required for source %q", req.Source), nil)
	}
	pageURL, err := ListingURL(base, req.Query)
	if err != nil {
		return scrape.CrawlResult{}, scrape.NewError(scrape.FailureValidation, "invalid listing url", err)
	}
	if e.fetcher == nil {
		return scrape.CrawlResult{}, scrape.NewError(scrape.FailureValidation, "no fetcher configured", nil)
	}

	logger := e.logger.With(zap.String("source_run_id", req.SourceRunID), zap.Int("attempt", req.Attempt))
	var res scrape.CrawlResult
	seen := map[string]struct{}{}
	visited := map[string]struct{}{}

	for page := 1; page <= e.cfg.MaxPages && pageURL != ""; page++ {
		visited[pageURL] = struct{}{}
		p, err := e.fetch(ctx, pageURL)
		if err != nil {
			if page == 1 {
				return res, scrape.NewError(scrape.FailureNetwork, "fetch listing page", err)
			}
			logger.Warn("pagination fetch failed", zap.String("url", pageURL), zap.Error(err))
			break
		}
		metrics.ObservePage(metrics.SanitizeSite(pageURL), strconv.Itoa(p.StatusCode))

		if Blocked(p) {
			res.BlockedPages++
			logger.Warn("listing page blocked", zap.String("url", pageURL), zap.Int("status", p.StatusCode))
			if page == 1 {
				return res, scrape.NewError(scrape.FailureNetwork,
					fmt.Sprintf("listing page blocked with status %d", p.StatusCode), nil)
			}
			break
		}

		ex, err := Extract(p.Body, p.URL, e.cfg.Selectors)
		if err != nil {
			return res, scrape.NewError(scrape.FailureParse, "extract listing", err)
		}
		res.DiscoveredLinks += ex.DiscoveredLinks
		if page == 1 && len(ex.Offers) == 0 {
			res.ZeroResults = true
			return res, nil
		}

		for _, offer := range ex.Offers {
			key, err := dedup.Key(offer, e.hasher)
			if err == nil {
				if _, skip := req.SkipKeys[key]; skip {
					continue
				}
				if _, dup := seen[key]; dup {
					continue
				}
				seen[key] = struct{}{}
			}
			res.Items = append(res.Items, offer)
			if req.Budget > 0 && len(res.Items) >= req.Budget {
				return res, nil
			}
		}

		if _, done := visited[ex.NextURL]; done {
			break
		}
		pageURL = ex.NextURL
	}
	return res, nil
}

func (e *Executor) fetch(ctx context.Context, pageURL string) (Page, error) {
	if err := e.limiter.Wait(ctx, pageURL); err != nil {
		return Page{}, err
	}
	p, err := e.fetcher.Fetch(ctx, pageURL)
	if err != nil {
		return Page{}, err
	}
	if e.renderer == nil || !NeedsRendering(p, e.cfg.RenderThreshold) {
		return p, nil
	}
	e.logger.Debug("promoting listing to headless", zap.String("url", pageURL))
	rendered, err := e.renderer.Fetch(ctx, pageURL)
	if err != nil {
		return Page{}, fmt.Errorf("render listing: %w", err)
	}
	return rendered, nil
}

// ListingURL encodes q into base's query string. Arrays are comma-joined,
// false booleans and empty values are omitted.
func ListingURL(base string, q scrape.Query) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse listing url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("listing url %q must be absolute", base)
	}
	values := u.Query()
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if v, ok := queryValue(q, k); ok {
			values.Set(k, v)
		}
	}
	u.RawQuery = values.Encode()
	return u.String(), nil
}

func queryValue(q scrape.Query, key string) (string, bool) {
	switch v := q[key].(type) {
	case string:
		s := strings.TrimSpace(v)
		return s, s != ""
	case bool:
		return "true", v
	case []string, []any:
		items := q.Strings(key)
		return strings.Join(items, ","), len(items) > 0
	default:
		if f, ok := q.Number(key); ok {
			return strconv.FormatFloat(f, 'f', -1, 64), true
		}
		return "", false
	}
}
