package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Felipeflowers17/CA-doc/internal/portal"
)

const DefaultFetchTimeout = 30 * time.Second

var (
	ErrTimeout            = errors.New("timed out waiting for api response")
	ErrMalformed          = errors.New("malformed api response")
	ErrNoMatch            = errors.New("no matching api response")
	ErrFirstPage          = errors.New("first listing page could not be fetched")
	ErrNavigationNotFound = errors.New("next page control not found")
)

// ListingPage is one successfully fetched listing page.
type ListingPage struct {
	Number     int
	Pagination portal.Pagination
	Records    []portal.Record
}

// Fetcher correlates triggering browser actions with the API response they
// cause and decodes it.
type Fetcher struct {
	driver  Driver
	timeout time.Duration
	logger  *slog.Logger
}

func NewFetcher(driver Driver, timeout time.Duration, logger *slog.Logger) *Fetcher {
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		driver:  driver,
		timeout: timeout,
		logger:  logger.With("component", "fetcher"),
	}
}

// FetchListing runs trigger and waits for the listing API response of the
// given page.
func (f *Fetcher) FetchListing(ctx context.Context, page int, trigger func() error) (ListingPage, error) {
	m := ResponseMatcher{
		URLContains: portal.ListingAPIPath,
		Param:       portal.PageNumberParam,
		Value:       fmt.Sprint(page),
	}

	payload, err := f.await(ctx, m, trigger)
	if err != nil {
		f.logger.Warn("listing page fetch failed", "page", page, "error", err)
		return ListingPage{}, err
	}

	lp := ListingPage{
		Number:     page,
		Pagination: portal.ExtractPagination(payload),
		Records:    portal.ExtractResults(payload),
	}

	f.logger.Info("listing page fetched",
		"page", page,
		"records", len(lp.Records),
		"total_results", lp.Pagination.TotalResults,
		"total_pages", lp.Pagination.TotalPages,
	)
	return lp, nil
}

// FetchDetail navigates to the detail page of code and waits for its detail
// API response.
func (f *Fetcher) FetchDetail(ctx context.Context, code string) (portal.Detail, error) {
	m := DetailMatcher(code)

	payload, err := f.await(ctx, m, func() error {
		return f.driver.Goto(ctx, portal.DetailPageURL(code))
	})
	if err != nil {
		f.logger.Warn("detail fetch failed", "code", code, "error", err)
		return portal.Detail{}, err
	}

	detail, ok := portal.ExtractDetail(payload)
	if !ok {
		f.logger.Warn("detail payload unusable", "code", code)
		return portal.Detail{}, fmt.Errorf("%w: detail %s has no payload", ErrMalformed, code)
	}

	f.logger.Info("detail fetched", "code", code, "products", len(detail.Products))
	return detail, nil
}

// DetailMatcher selects the detail API response of one tender, the call
// portal.DetailAPIURL describes. Other calls for the same code are ignored.
func DetailMatcher(code string) ResponseMatcher {
	return ResponseMatcher{
		URLContains: portal.ListingAPIPath,
		Param:       portal.CodeParam,
		Value:       code,
		Extra:       map[string]string{portal.ActionParam: portal.DetailAction},
	}
}

type awaitResult struct {
	resp Response
	err  error
}

// await races the driver's wait for a matching response against a timer.
// When the timer or ctx wins, the wait is cancelled and await returns only
// after it has stopped, so the driver is never used by two callers at once.
func (f *Fetcher) await(ctx context.Context, m ResponseMatcher, trigger func() error) (portal.Payload, error) {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan awaitResult, 1)
	go func() {
		resp, err := f.driver.ExpectResponse(waitCtx, m.Match, f.timeout, trigger)
		done <- awaitResult{resp: resp, err: err}
	}()

	timer := time.NewTimer(f.timeout)
	defer timer.Stop()

	var res awaitResult
	select {
	case res = <-done:
	case <-timer.C:
		cancel()
		<-done
		return nil, fmt.Errorf("%w after %s: %s", ErrTimeout, f.timeout, m)
	case <-ctx.Done():
		<-done
		return nil, ctx.Err()
	}

	if res.err != nil {
		if errors.Is(res.err, ErrTimeout) {
			return nil, fmt.Errorf("%w: %s", ErrTimeout, m)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrNoMatch, m, res.err)
	}
	if res.resp == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoMatch, m)
	}

	body, err := res.resp.Body()
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", ErrMalformed, err)
	}

	payload, err := portal.Decode(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !portal.Validate(payload) {
		return nil, fmt.Errorf("%w: missing success marker", ErrMalformed)
	}

	return payload, nil
}
