package scraper

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Felipeflowers17/CA-doc/internal/portal"
)

type fakeResponse struct {
	url    string
	status int
	body   string
}

func (r fakeResponse) URL() string           { return r.url }
func (r fakeResponse) Status() int           { return r.status }
func (r fakeResponse) Body() ([]byte, error) { return []byte(r.body), nil }

// fakeDriver replays canned API bodies. Navigating to a listing URL or
// clicking the next page control "loads" a page and emits its API response
// together with some noise; a page without a canned body emits nothing.
type fakeDriver struct {
	mu sync.Mutex

	listing map[int]string
	details map[string]string

	navMissingAt int  // WaitVisible fails once this page would be next
	hang         bool // ExpectResponse never returns until ctx ends
	gotoErr      error

	inflight  atomic.Int32 // ExpectResponse calls not yet returned
	cancelled atomic.Int32 // ExpectResponse calls that ended on ctx

	current  int
	pending  []fakeResponse
	gotos    []string
	clicks   int
	loaded   []int
	detailed []string
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		listing: map[int]string{},
		details: map[string]string{},
	}
}

func listingAPIURL(page int) string {
	return fmt.Sprintf("https://%s?status=2&%s=%d", portal.ListingAPIPath, portal.PageNumberParam, page)
}

func attachmentsAPIURL(code string) string {
	return fmt.Sprintf("https://%s?%s=adjuntos&%s=%s", portal.ListingAPIPath, portal.ActionParam, portal.CodeParam, url.QueryEscape(code))
}

func (d *fakeDriver) loadPage(n int) {
	d.current = n
	d.loaded = append(d.loaded, n)
	// A stale response for another page number sharing the same prefix.
	d.pending = append(d.pending, fakeResponse{url: listingAPIURL(n * 10), status: 200, body: `{"success":"OK","results":[]}`})
	if body, ok := d.listing[n]; ok {
		d.pending = append(d.pending, fakeResponse{url: listingAPIURL(n), status: 200, body: body})
	}
}

func (d *fakeDriver) Goto(_ context.Context, raw string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.gotos = append(d.gotos, raw)
	if d.gotoErr != nil {
		return d.gotoErr
	}

	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	q := u.Query()

	if strings.HasSuffix(u.Path, "/ficha") {
		code := q.Get(portal.CodeParam)
		d.detailed = append(d.detailed, code)
		// The detail page also lists attachments for the same code first.
		d.pending = append(d.pending, fakeResponse{url: attachmentsAPIURL(code), status: 200, body: `{"success":"OK","payload":{"descripcion":"adjuntos"}}`})
		if body, ok := d.details[code]; ok {
			d.pending = append(d.pending, fakeResponse{url: portal.DetailAPIURL(code), status: 200, body: body})
		}
		return nil
	}

	n, err := strconv.Atoi(q.Get(portal.PageNumberParam))
	if err != nil {
		return err
	}
	d.loadPage(n)
	return nil
}

func (d *fakeDriver) Click(_ context.Context, selector string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if selector != NextPageSelector {
		return fmt.Errorf("unknown selector %q", selector)
	}
	d.clicks++
	d.loadPage(d.current + 1)
	return nil
}

func (d *fakeDriver) WaitVisible(_ context.Context, selector string, _ time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if selector != NextPageSelector {
		return fmt.Errorf("unknown selector %q", selector)
	}
	if d.navMissingAt > 0 && d.current+1 >= d.navMissingAt {
		return errors.New("locator not visible")
	}
	return nil
}

func (d *fakeDriver) ExpectResponse(ctx context.Context, match func(Response) bool, timeout time.Duration, trigger func() error) (Response, error) {
	d.inflight.Add(1)
	defer d.inflight.Add(-1)

	d.mu.Lock()
	d.pending = nil
	d.mu.Unlock()

	if err := trigger(); err != nil {
		return nil, err
	}

	if d.hang {
		<-ctx.Done()
		d.cancelled.Add(1)
		return nil, ctx.Err()
	}

	d.mu.Lock()
	pending := d.pending
	d.pending = nil
	d.mu.Unlock()

	for _, r := range pending {
		if match(r) {
			return r, nil
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *fakeDriver) loadedPages() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int(nil), d.loaded...)
}

func listingJSON(totalPages int, codes ...string) string {
	var b strings.Builder
	fmt.Fprintf(&b, `{"success":"OK","resultCount":%d,"pageCount":%d,"results":[`, len(codes)*totalPages, totalPages)
	for i, c := range codes {
		if i > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, `{"codigo":%q,"nombre":"compra %s","organismo":"I MUNICIPALIDAD DE PENCO","estado":"Publicada"}`, c, c)
	}
	b.WriteString("]}")
	return b.String()
}
