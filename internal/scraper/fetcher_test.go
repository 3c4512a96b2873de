package scraper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Felipeflowers17/CA-doc/internal/portal"
)

const testTimeout = 50 * time.Millisecond

func TestResponseMatcher(t *testing.T) {
	m := ResponseMatcher{URLContains: portal.ListingAPIPath, Param: portal.PageNumberParam, Value: "1"}

	tests := []struct {
		name     string
		resp     fakeResponse
		expected bool
	}{
		{"exact page", fakeResponse{url: listingAPIURL(1), status: 200}, true},
		{"page ten is not page one", fakeResponse{url: listingAPIURL(10), status: 200}, false},
		{"wrong status", fakeResponse{url: listingAPIURL(1), status: 500}, false},
		{"other host", fakeResponse{url: "https://example.com/compra-agil?page_number=1", status: 200}, false},
		{"missing parameter", fakeResponse{url: "https://" + portal.ListingAPIPath, status: 200}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, m.Match(tt.resp))
		})
	}

	t.Run("no parameter required", func(t *testing.T) {
		m := ResponseMatcher{URLContains: portal.ListingAPIPath}
		assert.True(t, m.Match(fakeResponse{url: "https://" + portal.ListingAPIPath, status: 200}))
	})
}

func TestDetailMatcher(t *testing.T) {
	m := DetailMatcher("A1")

	assert.True(t, m.Match(fakeResponse{url: portal.DetailAPIURL("A1"), status: 200}))
	assert.False(t, m.Match(fakeResponse{url: attachmentsAPIURL("A1"), status: 200}), "attachments share the code")
	assert.False(t, m.Match(fakeResponse{url: portal.DetailAPIURL("A10"), status: 200}))
	assert.False(t, m.Match(fakeResponse{url: "https://" + portal.ListingAPIPath + "?code=A1", status: 200}))
	assert.False(t, m.Match(fakeResponse{url: portal.DetailAPIURL("A1"), status: 404}))
	assert.Equal(t, portal.ListingAPIPath+" [action=ficha code=A1]", m.String())
}

func TestFetchListing(t *testing.T) {
	d := newFakeDriver()
	d.listing[1] = listingJSON(3, "A1", "A2")
	f := NewFetcher(d, testTimeout, nil)

	page, err := f.FetchListing(context.Background(), 1, func() error {
		return d.Goto(context.Background(), portal.ListingURL(1, nil))
	})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Number)
	assert.Equal(t, 3, page.Pagination.TotalPages)
	require.Len(t, page.Records, 2)
	assert.Equal(t, "A1", page.Records[0].Code)
}

func TestFetchListingFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("no response", func(t *testing.T) {
		d := newFakeDriver()
		f := NewFetcher(d, testTimeout, nil)

		_, err := f.FetchListing(ctx, 1, func() error { return d.Goto(ctx, portal.ListingURL(1, nil)) })
		assert.ErrorIs(t, err, ErrTimeout)
	})

	t.Run("driver never returns", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		d := newFakeDriver()
		d.hang = true
		f := NewFetcher(d, testTimeout, nil)

		start := time.Now()
		_, err := f.FetchListing(ctx, 1, func() error { return d.Goto(ctx, portal.ListingURL(1, nil)) })
		assert.ErrorIs(t, err, ErrTimeout)
		assert.Less(t, time.Since(start), time.Second)
		assert.Zero(t, d.inflight.Load(), "the abandoned wait stopped before the fetch returned")
		assert.Equal(t, int32(1), d.cancelled.Load())
		require.NoError(t, ctx.Err(), "only the wait is cancelled, not the caller")
	})

	t.Run("caller cancellation stops the wait", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())

		d := newFakeDriver()
		d.hang = true
		f := NewFetcher(d, time.Minute, nil)

		go func() {
			time.Sleep(10 * time.Millisecond)
			cancel()
		}()
		_, err := f.FetchListing(ctx, 1, func() error { return d.Goto(ctx, portal.ListingURL(1, nil)) })
		assert.ErrorIs(t, err, context.Canceled)
		assert.Zero(t, d.inflight.Load())
	})

	t.Run("not json", func(t *testing.T) {
		d := newFakeDriver()
		d.listing[1] = "<html>maintenance</html>"
		f := NewFetcher(d, testTimeout, nil)

		_, err := f.FetchListing(ctx, 1, func() error { return d.Goto(ctx, portal.ListingURL(1, nil)) })
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("missing success marker", func(t *testing.T) {
		d := newFakeDriver()
		d.listing[1] = `{"results":[]}`
		f := NewFetcher(d, testTimeout, nil)

		_, err := f.FetchListing(ctx, 1, func() error { return d.Goto(ctx, portal.ListingURL(1, nil)) })
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("trigger fails", func(t *testing.T) {
		d := newFakeDriver()
		d.gotoErr = errors.New("net::ERR_NAME_NOT_RESOLVED")
		f := NewFetcher(d, testTimeout, nil)

		_, err := f.FetchListing(ctx, 1, func() error { return d.Goto(ctx, portal.ListingURL(1, nil)) })
		assert.ErrorIs(t, err, ErrNoMatch)
	})
}

func TestFetchDetail(t *testing.T) {
	ctx := context.Background()

	d := newFakeDriver()
	d.details["A1"] = `{"success":"OK","payload":{"descripcion":"Alfombras","productos_solicitados":[{"nombre":"alfombra roja"}]}}`
	d.details["BAD"] = `{"success":"OK"}`
	f := NewFetcher(d, testTimeout, nil)

	detail, err := f.FetchDetail(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, "Alfombras", detail.Description, "the attachments response for A1 arrives first and is ignored")
	assert.Equal(t, []string{"alfombra roja"}, detail.ProductNames())

	_, err = f.FetchDetail(ctx, "BAD")
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = f.FetchDetail(ctx, "MISSING")
	assert.ErrorIs(t, err, ErrTimeout)

	assert.Equal(t, []string{"A1", "BAD", "MISSING"}, d.detailed)
}
