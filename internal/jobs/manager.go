package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Felipeflowers17/CA-doc/internal/database"
	"github.com/Felipeflowers17/CA-doc/internal/etl"
)

var ErrRunInProgress = errors.New("an etl run is already in progress")

const DefaultListLimit = 50

type RunStore interface {
	Create(ctx context.Context, run *database.Run) error
	MarkRunning(ctx context.Context, id uuid.UUID) error
	Finish(ctx context.Context, run *database.Run) error
	Get(ctx context.Context, id uuid.UUID) (*database.Run, error)
	List(ctx context.Context, limit int) ([]*database.Run, error)
	FailStale(ctx context.Context) (int64, error)
}

type Runner interface {
	Run(ctx context.Context, params etl.Params, progress chan<- etl.Progress) (etl.Summary, error)
}

// ProgressSink receives every progress message of every run.
type ProgressSink interface {
	Broadcast(p etl.Progress)
}

// Manager runs the pipeline on a background goroutine, one run at a time.
type Manager struct {
	runs   RunStore
	runner Runner
	sink   ProgressSink
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	current   *database.Run
	cancelRun context.CancelFunc
}

func NewManager(runs RunStore, runner Runner, sink ProgressSink, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		runs:   runs,
		runner: runner,
		sink:   sink,
		logger: logger.With("component", "job_manager"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Recover fails runs a previous process left pending or running.
func (m *Manager) Recover(ctx context.Context) error {
	n, err := m.runs.FailStale(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		m.logger.Warn("marked interrupted runs as failed", "count", n)
	}
	return nil
}

// Start records a new run and executes it in the background.
func (m *Manager) Start(ctx context.Context, params etl.Params) (*database.Run, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		return nil, ErrRunInProgress
	}
	if m.ctx.Err() != nil {
		return nil, fmt.Errorf("manager is shut down: %w", m.ctx.Err())
	}

	run := &database.Run{
		DateFrom: params.From,
		DateTo:   params.To,
		MaxPages: params.MaxPages,
	}
	if err := m.runs.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	params.RunID = run.ID.String()

	runCtx, cancel := context.WithCancel(m.ctx)
	m.current = run
	m.cancelRun = cancel

	m.logger.Info("run created",
		"id", run.ID,
		"from", params.From.Format("2006-01-02"),
		"to", params.To.Format("2006-01-02"),
		"max_pages", params.MaxPages)

	snapshot := *run
	m.wg.Add(1)
	go m.execute(runCtx, cancel, &snapshot, params)

	return run, nil
}

func (m *Manager) execute(ctx context.Context, cancel context.CancelFunc, run *database.Run, params etl.Params) {
	defer m.wg.Done()
	defer cancel()

	// Run bookkeeping ignores cancellation of the run itself.
	storeCtx := context.WithoutCancel(ctx)

	if err := m.runs.MarkRunning(storeCtx, run.ID); err != nil {
		m.logger.Error("failed to mark run as running", "id", run.ID, "error", err)
	}
	now := time.Now()
	run.StartedAt = &now
	run.Status = database.RunRunning
	m.setCurrent(run)

	progress := make(chan etl.Progress, 16)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for p := range progress {
			m.logger.Info("run progress", "id", run.ID, "stage", p.Stage, "message", p.Message)
			if m.sink != nil {
				m.sink.Broadcast(p)
			}
		}
	}()

	summary, err := m.runner.Run(ctx, params, progress)
	close(progress)
	<-drained

	applySummary(run, summary)
	switch {
	case err != nil:
		run.Status = database.RunFailed
		msg := err.Error()
		run.Error = &msg
		m.logger.Error("run failed", "id", run.ID, "error", err)
	case summary.Cancelled:
		run.Status = database.RunFailed
		msg := "cancelled"
		run.Error = &msg
		m.logger.Warn("run cancelled", "id", run.ID)
	default:
		run.Status = database.RunCompleted
		m.logger.Info("run completed",
			"id", run.ID,
			"pages_fetched", run.PagesFetched,
			"inserted", run.Inserted,
			"updated", run.Updated,
			"relevant", run.Relevant,
			"duration", summary.Duration)
	}

	if err := m.runs.Finish(storeCtx, run); err != nil {
		m.logger.Error("failed to store run result", "id", run.ID, "error", err)
	}

	m.mu.Lock()
	m.current = nil
	m.cancelRun = nil
	m.mu.Unlock()
}

func applySummary(run *database.Run, s etl.Summary) {
	run.PagesFetched = s.Crawl.PagesFetched
	run.RecordsSeen = s.Crawl.RecordsSeen
	run.Inserted = s.Upsert.Inserted
	run.Updated = s.Upsert.Updated
	run.Phase2Total = s.Candidates
	run.Phase2OK = s.DetailsOK
	run.Relevant = s.Relevant
}

func (m *Manager) setCurrent(run *database.Run) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		snapshot := *run
		m.current = &snapshot
	}
}

// Current returns a snapshot of the active run, or nil.
func (m *Manager) Current() *database.Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	snapshot := *m.current
	return &snapshot
}

// Cancel stops the active run at its next cancellation point. It reports
// whether a run was active.
func (m *Manager) Cancel() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancelRun == nil {
		return false
	}
	m.cancelRun()
	return true
}

func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*database.Run, error) {
	return m.runs.Get(ctx, id)
}

func (m *Manager) List(ctx context.Context) ([]*database.Run, error) {
	return m.runs.List(ctx, DefaultListLimit)
}

// Wait blocks until the active run, if any, has been recorded.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Shutdown cancels the active run and waits for it, or for ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
