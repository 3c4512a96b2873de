package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/Felipeflowers17/CA-doc/internal/scraper"
)

const APIKeyHeader = "X-Api-Key"

type Browser struct {
	pw      *playwright.Playwright
	browser playwright.Browser
	context playwright.BrowserContext
	opts    *Options
	logger  *slog.Logger
}

type Options struct {
	Headless       bool
	SlowMo         time.Duration
	Timeout        time.Duration
	UserAgent      string
	ViewportWidth  int
	ViewportHeight int
	AcceptLanguage string
	TimezoneID     string
	Locale         string
	ProxyServer    string
	APIKey         string
	ExtraHeaders   map[string]string
}

func DefaultOptions() *Options {
	return &Options{
		Headless:       true,
		Timeout:        30 * time.Second,
		UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		ViewportWidth:  1920,
		ViewportHeight: 1080,
		AcceptLanguage: "es-CL,es;q=0.9,en;q=0.8",
		TimezoneID:     "America/Santiago",
		Locale:         "es-CL",
		ExtraHeaders: map[string]string{
			"Accept": "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8",
		},
	}
}

// headers returns the extra headers sent with every request of the session.
func (o *Options) headers() map[string]string {
	h := make(map[string]string, len(o.ExtraHeaders)+2)
	for k, v := range o.ExtraHeaders {
		h[k] = v
	}
	if o.AcceptLanguage != "" {
		h["Accept-Language"] = o.AcceptLanguage
	}
	if o.APIKey != "" {
		h[APIKeyHeader] = o.APIKey
	}
	return h
}

func New(opts *Options, logger *slog.Logger) (*Browser, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if logger == nil {
		logger = slog.Default()
	}

	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}

	launchOpts := playwright.BrowserTypeLaunchOptions{
		Headless: &opts.Headless,
		Args: []string{
			"--disable-blink-features=AutomationControlled",
			"--disable-dev-shm-usage",
			"--no-sandbox",
			"--disable-setuid-sandbox",
		},
	}
	if opts.SlowMo > 0 {
		launchOpts.SlowMo = playwright.Float(millis(opts.SlowMo))
	}
	if opts.ProxyServer != "" {
		launchOpts.Proxy = &playwright.Proxy{
			Server: opts.ProxyServer,
		}
	}

	browser, err := pw.Chromium.Launch(launchOpts)
	if err != nil {
		pw.Stop()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	contextOpts := playwright.BrowserNewContextOptions{
		UserAgent:         &opts.UserAgent,
		AcceptDownloads:   playwright.Bool(false),
		JavaScriptEnabled: playwright.Bool(true),
		Locale:            &opts.Locale,
		TimezoneId:        &opts.TimezoneID,
		Viewport: &playwright.Size{
			Width:  opts.ViewportWidth,
			Height: opts.ViewportHeight,
		},
		ExtraHttpHeaders: opts.headers(),
	}

	browserCtx, err := browser.NewContext(contextOpts)
	if err != nil {
		browser.Close()
		pw.Stop()
		return nil, fmt.Errorf("failed to create browser context: %w", err)
	}

	return &Browser{
		pw:      pw,
		browser: browser,
		context: browserCtx,
		opts:    opts,
		logger:  logger.With("component", "browser"),
	}, nil
}

// NewPage opens a tab and wraps it as a scraper.Driver.
func (b *Browser) NewPage() (*Page, error) {
	page, err := b.context.NewPage()
	if err != nil {
		return nil, fmt.Errorf("failed to create new page: %w", err)
	}

	page.SetDefaultTimeout(millis(b.opts.Timeout))

	return &Page{
		page:    page,
		timeout: b.opts.Timeout,
		logger:  b.logger,
	}, nil
}

func (b *Browser) Close() error {
	var errs []error

	if b.context != nil {
		if err := b.context.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close context: %w", err))
		}
	}

	if b.browser != nil {
		if err := b.browser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close browser: %w", err))
		}
	}

	if b.pw != nil {
		if err := b.pw.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop playwright: %w", err))
		}
	}

	return errors.Join(errs...)
}

// Session is one browser with one tab, owned by a single pipeline run.
type Session struct {
	*Page
	browser *Browser
}

func Open(opts *Options, logger *slog.Logger) (*Session, error) {
	b, err := New(opts, logger)
	if err != nil {
		return nil, err
	}

	page, err := b.NewPage()
	if err != nil {
		b.Close()
		return nil, err
	}

	b.logger.Info("browser session opened", "headless", b.opts.Headless, "locale", b.opts.Locale)
	return &Session{Page: page, browser: b}, nil
}

func (s *Session) Close() error {
	err := s.browser.Close()
	s.browser.logger.Info("browser session closed")
	return err
}

// Page implements scraper.Driver on a playwright tab.
type Page struct {
	page    playwright.Page
	timeout time.Duration
	logger  *slog.Logger
}

var _ scraper.Driver = (*Page)(nil)

func (p *Page) Goto(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.logger.Debug("navigating", "url", url)
	_, err := p.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateNetworkidle,
		Timeout:   playwright.Float(millis(p.timeout)),
	})
	if err != nil {
		return fmt.Errorf("navigation to %s failed: %w", url, mapError(err))
	}
	return nil
}

func (p *Page) Click(ctx context.Context, selector string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := p.page.Locator(selector).First().Click(); err != nil {
		return fmt.Errorf("click on %s failed: %w", selector, mapError(err))
	}
	return nil
}

func (p *Page) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := p.page.Locator(selector).First().WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateVisible,
		Timeout: playwright.Float(millis(timeout)),
	})
	if err != nil {
		return fmt.Errorf("%s not visible: %w", selector, mapError(err))
	}
	return nil
}

func (p *Page) ExpectResponse(ctx context.Context, match func(scraper.Response) bool, timeout time.Duration, trigger func() error) (scraper.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	predicate := func(r playwright.Response) bool {
		return match(r)
	}

	resp, err := p.page.ExpectResponse(predicate, trigger, playwright.PageExpectResponseOptions{
		Timeout: playwright.Float(millis(timeout)),
	})
	if err != nil {
		return nil, mapError(err)
	}

	p.logger.Debug("api response captured", "url", resp.URL(), "status", resp.Status())
	return resp, nil
}

func mapError(err error) error {
	if errors.Is(err, playwright.ErrTimeout) {
		return fmt.Errorf("%w: %v", scraper.ErrTimeout, err)
	}
	return err
}

func millis(d time.Duration) float64 {
	return float64(d.Milliseconds())
}
