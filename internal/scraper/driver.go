package scraper

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// Response is a network response captured by a Driver.
type Response interface {
	URL() string
	Status() int
	Body() ([]byte, error)
}

// Driver is the browser capability the fetcher and crawler need. A single
// Driver is one page of one browser session and is not safe for concurrent use.
type Driver interface {
	Goto(ctx context.Context, url string) error
	Click(ctx context.Context, selector string) error
	WaitVisible(ctx context.Context, selector string, timeout time.Duration) error

	// ExpectResponse arms match, runs trigger and blocks until a response
	// satisfies match or timeout elapses. Implementations must arm the
	// matcher before trigger runs and return soon after ctx ends.
	ExpectResponse(ctx context.Context, match func(Response) bool, timeout time.Duration, trigger func() error) (Response, error)
}

// ResponseMatcher selects API responses by URL substring, exact query
// parameters and a 200 status.
type ResponseMatcher struct {
	URLContains string
	Param       string
	Value       string
	Extra       map[string]string // further parameters that must all match
}

func (m ResponseMatcher) Match(r Response) bool {
	if r.Status() != http.StatusOK {
		return false
	}

	raw := r.URL()
	if !strings.Contains(raw, m.URLContains) {
		return false
	}
	if m.Param == "" && len(m.Extra) == 0 {
		return true
	}

	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	q := u.Query()
	if m.Param != "" && !hasValue(q, m.Param, m.Value) {
		return false
	}
	for k, v := range m.Extra {
		if !hasValue(q, k, v) {
			return false
		}
	}
	return true
}

func hasValue(q url.Values, key, want string) bool {
	for _, v := range q[key] {
		if v == want {
			return true
		}
	}
	return false
}

func (m ResponseMatcher) String() string {
	var params []string
	if m.Param != "" {
		params = append(params, m.Param+"="+m.Value)
	}
	for k, v := range m.Extra {
		params = append(params, k+"="+v)
	}
	if len(params) == 0 {
		return m.URLContains
	}
	sort.Strings(params)
	return fmt.Sprintf("%s [%s]", m.URLContains, strings.Join(params, " "))
}
