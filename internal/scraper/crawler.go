package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Felipeflowers17/CA-doc/internal/portal"
	"github.com/Felipeflowers17/CA-doc/internal/ratelimit"
)

const (
	NextPageSelector = `button[aria-label="Go to next page"]`

	DefaultNavTimeout = 10 * time.Second
)

type StopReason string

const (
	StopCompleted    StopReason = "completed"
	StopNavigation   StopReason = "navigation_not_found"
	StopCancelled    StopReason = "cancelled"
	StopSinkFailure  StopReason = "persistence_failed"
	StopFirstPageErr StopReason = "first_page_failed"
)

// PageSink receives the records of every fetched page, in page order. An
// error from StorePage aborts the crawl.
type PageSink interface {
	StorePage(ctx context.Context, page int, records []portal.Record) error
}

type PageSinkFunc func(ctx context.Context, page int, records []portal.Record) error

func (f PageSinkFunc) StorePage(ctx context.Context, page int, records []portal.Record) error {
	return f(ctx, page, records)
}

type CrawlOptions struct {
	Filters  map[string]string
	MaxPages int // 0 means no cap
}

type CrawlResult struct {
	TotalResults      int
	TotalPages        int
	PagesRequested    int
	PagesFetched      int
	PagesSkipped      []int
	RecordsSeen       int
	DuplicatesDropped int
	StopReason        StopReason
}

// Crawler walks the paginated listing: page 1 by direct navigation, the rest
// by clicking the next page control.
type Crawler struct {
	driver     Driver
	fetcher    *Fetcher
	limiter    ratelimit.RateLimiter
	navTimeout time.Duration
	logger     *slog.Logger
}

func NewCrawler(driver Driver, fetcher *Fetcher, limiter ratelimit.RateLimiter, navTimeout time.Duration, logger *slog.Logger) *Crawler {
	if navTimeout <= 0 {
		navTimeout = DefaultNavTimeout
	}
	if limiter == nil {
		limiter = ratelimit.NewDelay(0, 0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Crawler{
		driver:     driver,
		fetcher:    fetcher,
		limiter:    limiter,
		navTimeout: navTimeout,
		logger:     logger.With("component", "crawler"),
	}
}

func (c *Crawler) Crawl(ctx context.Context, opts CrawlOptions, sink PageSink) (CrawlResult, error) {
	res := CrawlResult{PagesSkipped: []int{}}
	seen := make(map[string]struct{})

	firstURL := portal.ListingURL(1, opts.Filters)
	c.logger.Info("starting listing crawl", "url", firstURL, "max_pages", opts.MaxPages)

	first, err := c.fetcher.FetchListing(ctx, 1, func() error {
		return c.driver.Goto(ctx, firstURL)
	})
	if err != nil {
		res.StopReason = StopFirstPageErr
		return res, fmt.Errorf("%w: %w", ErrFirstPage, err)
	}

	res.TotalResults = first.Pagination.TotalResults
	res.TotalPages = first.Pagination.TotalPages
	limit := effectiveLimit(opts.MaxPages, res.TotalPages)
	res.PagesRequested = limit

	c.logger.Info("page limit computed",
		"total_results", res.TotalResults,
		"total_pages", res.TotalPages,
		"limit", limit,
	)

	if err := c.store(ctx, sink, first, seen, &res); err != nil {
		return res, err
	}

	for n := 2; n <= limit; n++ {
		if err := c.limiter.Wait(ctx); err != nil {
			c.logger.Info("crawl cancelled", "next_page", n, "pages_fetched", res.PagesFetched)
			res.StopReason = StopCancelled
			return res, err
		}

		if err := c.driver.WaitVisible(ctx, NextPageSelector, c.navTimeout); err != nil {
			c.logger.Warn("next page control not found, stopping early",
				"page", n,
				"selector", NextPageSelector,
				"error", fmt.Errorf("%w: %v", ErrNavigationNotFound, err),
			)
			res.StopReason = StopNavigation
			return res, nil
		}

		page, err := c.fetcher.FetchListing(ctx, n, func() error {
			return c.driver.Click(ctx, NextPageSelector)
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				res.StopReason = StopCancelled
				return res, ctxErr
			}
			c.logger.Warn("skipping listing page", "page", n, "error", err)
			res.PagesSkipped = append(res.PagesSkipped, n)
			continue
		}

		if err := c.store(ctx, sink, page, seen, &res); err != nil {
			return res, err
		}
	}

	res.StopReason = StopCompleted
	c.logger.Info("listing crawl finished",
		"pages_fetched", res.PagesFetched,
		"pages_skipped", len(res.PagesSkipped),
		"records", res.RecordsSeen,
		"duplicates", res.DuplicatesDropped,
	)
	return res, nil
}

// store forwards the page to the sink without records already forwarded
// earlier in this crawl.
func (c *Crawler) store(ctx context.Context, sink PageSink, page ListingPage, seen map[string]struct{}, res *CrawlResult) error {
	res.PagesFetched++
	res.RecordsSeen += len(page.Records)

	fresh := make([]portal.Record, 0, len(page.Records))
	for _, r := range page.Records {
		if r.Code != "" {
			if _, dup := seen[r.Code]; dup {
				res.DuplicatesDropped++
				c.logger.Debug("dropping record seen on an earlier page", "code", r.Code, "page", page.Number)
				continue
			}
		}
		fresh = append(fresh, r)
	}

	if err := sink.StorePage(ctx, page.Number, fresh); err != nil {
		res.StopReason = StopSinkFailure
		return fmt.Errorf("storing page %d: %w", page.Number, err)
	}

	for _, r := range fresh {
		if r.Code != "" {
			seen[r.Code] = struct{}{}
		}
	}
	return nil
}

func effectiveLimit(maxPages, totalPages int) int {
	limit := totalPages
	if maxPages > 0 && maxPages < limit {
		limit = maxPages
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}
