package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Felipeflowers17/CA-doc/internal/browser"
	"github.com/Felipeflowers17/CA-doc/internal/config"
	"github.com/Felipeflowers17/CA-doc/internal/database"
	"github.com/Felipeflowers17/CA-doc/internal/etl"
	"github.com/Felipeflowers17/CA-doc/internal/events"
	"github.com/Felipeflowers17/CA-doc/internal/jobs"
	"github.com/Felipeflowers17/CA-doc/internal/portal"
	"github.com/Felipeflowers17/CA-doc/internal/scoring"
)

const dateLayout = "2006-01-02"

// consoleSink prints progress messages the way an operator watches a run.
type consoleSink struct{}

func (consoleSink) Broadcast(p etl.Progress) {
	fmt.Printf("[%s] %-9s %s\n", p.Time.Format("15:04:05"), p.Stage, p.Message)
}

func main() {
	yesterday := time.Now().In(portal.Location).AddDate(0, 0, -1).Format(dateLayout)
	today := time.Now().In(portal.Location).Format(dateLayout)

	var (
		from     = flag.String("from", yesterday, "First publication date (YYYY-MM-DD)")
		to       = flag.String("to", today, "Last publication date (YYYY-MM-DD)")
		maxPages = flag.Int("pages", 0, "Maximum listing pages to crawl (0 = unlimited)")
		headless = flag.Bool("headless", true, "Run browser in headless mode")
		migrate  = flag.Bool("migrate", true, "Apply database migrations before the run")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	cfg.Browser.Headless = *headless

	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	params, err := parseParams(*from, *to, *maxPages)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()
		os.Exit(2)
	}

	run, err := execute(cfg, params, *migrate, logger)
	if err != nil {
		logger.Error("etl run failed", "error", err)
		os.Exit(1)
	}

	printRun(run)
	if run.Status != database.RunCompleted {
		os.Exit(1)
	}
}

func parseParams(from, to string, maxPages int) (etl.Params, error) {
	start, err := time.ParseInLocation(dateLayout, from, portal.Location)
	if err != nil {
		return etl.Params{}, fmt.Errorf("invalid -from %q: %w", from, err)
	}
	end, err := time.ParseInLocation(dateLayout, to, portal.Location)
	if err != nil {
		return etl.Params{}, fmt.Errorf("invalid -to %q: %w", to, err)
	}
	params := etl.Params{From: start, To: end, MaxPages: maxPages}
	if err := params.Validate(); err != nil {
		return etl.Params{}, err
	}
	return params, nil
}

func execute(cfg *config.Config, params etl.Params, migrate bool, logger *slog.Logger) (*database.Run, error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbConfig := cfg.DB()
	if migrate {
		if err := database.Migrate(dbConfig.DSN(), logger); err != nil {
			return nil, err
		}
	}

	db, err := database.New(ctx, dbConfig)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	engine := scoring.NewEngine(cfg.Rules(), logger)
	tenders := database.NewTenderRepository(db, engine, logger)
	publisher := events.NewPublisher(db, logger).WithStream(cfg.Redis.Stream)

	browserOpts := cfg.BrowserOptions()
	sessions := etl.SessionOpenerFunc(func(ctx context.Context) (etl.Session, error) {
		s, err := browser.Open(browserOpts, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	})

	pipeline := etl.NewPipeline(sessions, tenders, engine, publisher, cfg.Pipeline(), logger)
	manager := jobs.NewManager(database.NewRunRepository(db), pipeline, consoleSink{}, logger)

	if err := manager.Recover(ctx); err != nil {
		return nil, err
	}

	run, err := manager.Start(ctx, params)
	if err != nil {
		return nil, err
	}

	go func() {
		<-ctx.Done()
		manager.Cancel()
	}()
	manager.Wait()

	return manager.Get(context.WithoutCancel(ctx), run.ID)
}

func printRun(run *database.Run) {
	fmt.Println()
	fmt.Printf("Run %s: %s\n", run.ID, run.Status)
	fmt.Printf("  Pages fetched:   %d\n", run.PagesFetched)
	fmt.Printf("  Records seen:    %d\n", run.RecordsSeen)
	fmt.Printf("  Inserted:        %d\n", run.Inserted)
	fmt.Printf("  Updated:         %d\n", run.Updated)
	fmt.Printf("  Details fetched: %d/%d\n", run.Phase2OK, run.Phase2Total)
	fmt.Printf("  Relevant:        %d\n", run.Relevant)
	if run.Error != nil {
		fmt.Printf("  Error:           %s\n", *run.Error)
	}
}
