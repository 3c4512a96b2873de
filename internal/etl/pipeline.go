package etl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Felipeflowers17/CA-doc/internal/database"
	"github.com/Felipeflowers17/CA-doc/internal/events"
	"github.com/Felipeflowers17/CA-doc/internal/portal"
	"github.com/Felipeflowers17/CA-doc/internal/ratelimit"
	"github.com/Felipeflowers17/CA-doc/internal/scoring"
	"github.com/Felipeflowers17/CA-doc/internal/scraper"
)

const (
	DefaultPageDelay   = 2 * time.Second
	DefaultDetailDelay = 1 * time.Second

	dateLayout = "2006-01-02"
)

var ErrSession = errors.New("browser session could not be opened")

// Session is one browser tab owned by a single run.
type Session interface {
	scraper.Driver
	Close() error
}

// SessionOpener starts a browser session for a run.
type SessionOpener interface {
	Open(ctx context.Context) (Session, error)
}

type SessionOpenerFunc func(ctx context.Context) (Session, error)

func (f SessionOpenerFunc) Open(ctx context.Context) (Session, error) {
	return f(ctx)
}

// TenderStore is the persistence the pipeline needs.
type TenderStore interface {
	UpsertBatch(ctx context.Context, records []portal.Record) (database.UpsertStats, error)
	Phase2Candidates(ctx context.Context) ([]*database.Tender, error)
	ApplyPhase2(ctx context.Context, code string, detail portal.Detail, combined int) error
}

type EventPublisher interface {
	PublishTenderRelevant(ctx context.Context, payload *events.TenderRelevantPayload) error
}

// Config tunes the run. A zero delay disables that wait; a negative one
// selects the default.
type Config struct {
	FetchTimeout   time.Duration
	NavTimeout     time.Duration
	PageDelay      time.Duration
	PageJitter     time.Duration
	DetailDelay    time.Duration
	MaxDetailDelay time.Duration
	Filters        map[string]string // extra listing filters, merged under the date range
}

// Params are the inputs of one run.
type Params struct {
	From     time.Time
	To       time.Time
	MaxPages int // 0 means no cap
	RunID    string
}

func (p Params) Validate() error {
	if p.From.IsZero() || p.To.IsZero() {
		return errors.New("date range is required")
	}
	if p.From.After(p.To) {
		return fmt.Errorf("date_from %s is after date_to %s", p.From.Format(dateLayout), p.To.Format(dateLayout))
	}
	if p.MaxPages < 0 {
		return fmt.Errorf("max_pages must not be negative, got %d", p.MaxPages)
	}
	return nil
}

// Summary reports what one run did.
type Summary struct {
	Crawl         scraper.CrawlResult  `json:"crawl"`
	Upsert        database.UpsertStats `json:"upsert"`
	Candidates    int                  `json:"candidates"`
	DetailsOK     int                  `json:"details_ok"`
	DetailsFailed int                  `json:"details_failed"`
	Relevant      int                  `json:"relevant"`
	Cancelled     bool                 `json:"cancelled"`
	Duration      time.Duration        `json:"duration"`
}

// Pipeline composes the listing crawl and the detail pass. It is not
// reentrant; callers run one Run at a time.
type Pipeline struct {
	sessions  SessionOpener
	store     TenderStore
	engine    *scoring.Engine
	publisher EventPublisher
	config    Config
	base      *slog.Logger // handed to collaborators that tag their own component
	logger    *slog.Logger
}

func NewPipeline(sessions SessionOpener, store TenderStore, engine *scoring.Engine, publisher EventPublisher, config Config, logger *slog.Logger) *Pipeline {
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = scraper.DefaultFetchTimeout
	}
	if config.NavTimeout <= 0 {
		config.NavTimeout = scraper.DefaultNavTimeout
	}
	if config.PageDelay < 0 {
		config.PageDelay = DefaultPageDelay
	}
	if config.DetailDelay < 0 {
		config.DetailDelay = DefaultDetailDelay
	}
	if config.MaxDetailDelay < config.DetailDelay {
		config.MaxDetailDelay = 10 * config.DetailDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		sessions:  sessions,
		store:     store,
		engine:    engine,
		publisher: publisher,
		config:    config,
		base:      logger,
		logger:    logger.With("component", "etl"),
	}
}

// Run executes both phases. progress may be nil; when set it receives
// human readable messages and is never closed by Run.
func (p *Pipeline) Run(ctx context.Context, params Params, progress chan<- Progress) (Summary, error) {
	started := time.Now()
	var summary Summary
	report := newReporter(ctx, params.RunID, progress)

	if err := params.Validate(); err != nil {
		return summary, err
	}

	from, to := params.From.Format(dateLayout), params.To.Format(dateLayout)
	p.logger.Info("starting etl run", "run_id", params.RunID, "from", from, "to", to, "max_pages", params.MaxPages)
	report.send(StageListing, "Iniciando Fase 1 (Listado) Rango: %s a %s...", from, to)

	session, err := p.sessions.Open(ctx)
	if err != nil {
		report.send(StageFailed, "Error Crítico: no se pudo abrir el navegador: %v", err)
		return summary, fmt.Errorf("%w: %w", ErrSession, err)
	}
	defer func() {
		if err := session.Close(); err != nil {
			p.logger.Warn("failed to close browser session", "error", err)
		}
	}()

	fetcher := scraper.NewFetcher(session, p.config.FetchTimeout, p.base)

	crawl, err := p.phase1(ctx, session, fetcher, params, &summary, report)
	summary.Crawl = crawl
	if err != nil {
		if ctx.Err() != nil {
			summary.Cancelled = true
			summary.Duration = time.Since(started)
			report.send(StageCancelled, "Proceso cancelado durante la Fase 1.")
			return summary, nil
		}
		report.send(StageFailed, "Error Crítico en Fase 1: %v", err)
		return summary, fmt.Errorf("phase 1: %w", err)
	}

	report.send(StageCandidates, "Obteniendo candidatas para Fase 2...")
	candidates, err := p.store.Phase2Candidates(ctx)
	if err != nil {
		report.send(StageFailed, "Error de BD: %v", err)
		return summary, fmt.Errorf("loading candidates: %w", err)
	}
	summary.Candidates = len(candidates)

	if len(candidates) == 0 {
		summary.Duration = time.Since(started)
		p.logger.Info("no candidates for phase 2")
		report.send(StageDone, "Proceso finalizado. No hay CAs nuevas para Fase 2.")
		return summary, nil
	}

	report.send(StageDetail, "Iniciando Fase 2 (Fichas). %d CAs por procesar...", len(candidates))
	err = p.phase2(ctx, fetcher, params, candidates, &summary, report)
	summary.Duration = time.Since(started)
	if err != nil {
		report.send(StageFailed, "Error de BD en Fase 2: %v", err)
		return summary, fmt.Errorf("phase 2: %w", err)
	}
	if summary.Cancelled {
		report.send(StageCancelled, "Proceso cancelado durante la Fase 2.")
		return summary, nil
	}

	p.logger.Info("etl run finished",
		"run_id", params.RunID,
		"pages_fetched", summary.Crawl.PagesFetched,
		"inserted", summary.Upsert.Inserted,
		"updated", summary.Upsert.Updated,
		"details_ok", summary.DetailsOK,
		"details_failed", summary.DetailsFailed,
		"relevant", summary.Relevant,
		"duration", summary.Duration,
	)
	report.send(StageDone, "Proceso ETL Completo. %d fichas procesadas, %d relevantes.", summary.DetailsOK, summary.Relevant)
	return summary, nil
}

func (p *Pipeline) phase1(ctx context.Context, driver scraper.Driver, fetcher *scraper.Fetcher, params Params, summary *Summary, report *reporter) (scraper.CrawlResult, error) {
	limiter := ratelimit.NewDelay(p.config.PageDelay, p.config.PageJitter)
	crawler := scraper.NewCrawler(driver, fetcher, limiter, p.config.NavTimeout, p.base)

	sink := scraper.PageSinkFunc(func(ctx context.Context, page int, records []portal.Record) error {
		stats, err := p.store.UpsertBatch(ctx, records)
		if err != nil {
			return err
		}
		summary.Upsert.Add(stats)
		report.send(StageListing, "Fase 1: página %d guardada (%d nuevas, %d actualizadas).", page, stats.Inserted, stats.Updated)
		return nil
	})

	return crawler.Crawl(ctx, scraper.CrawlOptions{
		Filters:  p.filters(params),
		MaxPages: params.MaxPages,
	}, sink)
}

func (p *Pipeline) filters(params Params) map[string]string {
	filters := make(map[string]string, len(p.config.Filters)+2)
	for k, v := range p.config.Filters {
		filters[k] = v
	}
	filters["date_from"] = params.From.Format(dateLayout)
	filters["date_to"] = params.To.Format(dateLayout)
	return filters
}

// phase2 walks the candidates in order. A failed detail fetch is logged and
// skipped; a failed detail update ends the pass with its error. Cancellation
// is honoured at the delay between details.
func (p *Pipeline) phase2(ctx context.Context, fetcher *scraper.Fetcher, params Params, candidates []*database.Tender, summary *Summary, report *reporter) error {
	delay := ratelimit.NewBackoff(p.config.DetailDelay, p.config.MaxDetailDelay)
	total := len(candidates)

	for i, tender := range candidates {
		if i > 0 {
			if err := delay.Wait(ctx); err != nil {
				summary.Cancelled = true
				p.logger.Info("detail pass cancelled", "processed", i, "total", total)
				return nil
			}
		}

		report.send(StageDetail, "Fase 2: Procesando %d/%d (%s)...", i+1, total, tender.Code)

		detail, err := fetcher.FetchDetail(ctx, tender.Code)
		if err != nil {
			if ctx.Err() != nil {
				summary.Cancelled = true
				return nil
			}
			delay.RecordError()
			summary.DetailsFailed++
			p.logger.Warn("skipping candidate", "code", tender.Code, "error", err)
			continue
		}
		delay.RecordSuccess()

		phase2 := p.engine.Phase2(detail.Products)
		combined := p.engine.Combined(tender.Score, phase2)

		if err := p.store.ApplyPhase2(ctx, tender.Code, detail, combined); err != nil {
			if ctx.Err() != nil {
				summary.Cancelled = true
				return nil
			}
			p.logger.Error("failed to store detail", "code", tender.Code, "error", err)
			return fmt.Errorf("storing detail %s: %w", tender.Code, err)
		}
		summary.DetailsOK++

		p.logger.Info("candidate scored",
			"code", tender.Code,
			"phase1", tender.Score,
			"phase2", phase2,
			"combined", combined,
		)

		if p.engine.Rules().Relevant(combined) {
			summary.Relevant++
			p.publishRelevant(ctx, params, tender, detail, combined)
		}
	}
	return nil
}

func (p *Pipeline) publishRelevant(ctx context.Context, params Params, tender *database.Tender, detail portal.Detail, combined int) {
	if p.publisher == nil {
		return
	}
	payload := &events.TenderRelevantPayload{
		RunID:     params.RunID,
		Code:      tender.Code,
		Name:      tender.Name,
		Status:    tender.Status,
		Score:     combined,
		Amount:    tender.Amount,
		ClosesAt:  tender.ClosesAt,
		Products:  detail.ProductNames(),
		DetailURL: portal.DetailPageURL(tender.Code),
	}
	if err := p.publisher.PublishTenderRelevant(ctx, payload); err != nil {
		p.logger.Error("failed to publish relevance event", "code", tender.Code, "error", err)
	}
}
