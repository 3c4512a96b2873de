package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Felipeflowers17/CA-doc/internal/database"
	"github.com/Felipeflowers17/CA-doc/internal/etl"
	"github.com/Felipeflowers17/CA-doc/internal/scraper"
)

type memoryRunStore struct {
	mu        sync.Mutex
	runs      map[uuid.UUID]database.Run
	createErr error
	stale     int64
}

func newMemoryRunStore() *memoryRunStore {
	return &memoryRunStore{runs: map[uuid.UUID]database.Run{}}
}

func (s *memoryRunStore) Create(_ context.Context, run *database.Run) error {
	if s.createErr != nil {
		return s.createErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	run.ID = uuid.New()
	run.Status = database.RunPending
	run.CreatedAt = time.Now()
	s.runs[run.ID] = *run
	return nil
}

func (s *memoryRunStore) MarkRunning(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return database.ErrNotFound
	}
	run.Status = database.RunRunning
	s.runs[id] = run
	return nil
}

func (s *memoryRunStore) Finish(_ context.Context, run *database.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = *run
	return nil
}

func (s *memoryRunStore) Get(_ context.Context, id uuid.UUID) (*database.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	return &run, nil
}

func (s *memoryRunStore) List(_ context.Context, limit int) ([]*database.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*database.Run{}
	for _, r := range s.runs {
		r := r
		out = append(out, &r)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *memoryRunStore) FailStale(context.Context) (int64, error) {
	return s.stale, nil
}

// gatedRunner blocks every run until release is closed or the run is
// cancelled.
type gatedRunner struct {
	release chan struct{}
	started chan etl.Params
	summary etl.Summary
	err     error
}

func newGatedRunner() *gatedRunner {
	return &gatedRunner{release: make(chan struct{}), started: make(chan etl.Params, 4)}
}

func (r *gatedRunner) Run(ctx context.Context, params etl.Params, progress chan<- etl.Progress) (etl.Summary, error) {
	select {
	case r.started <- params:
	default:
	}
	progress <- etl.Progress{RunID: params.RunID, Stage: etl.StageListing, Message: "Iniciando Fase 1"}

	select {
	case <-r.release:
	case <-ctx.Done():
		return etl.Summary{Cancelled: true}, nil
	}

	progress <- etl.Progress{RunID: params.RunID, Stage: etl.StageDone, Message: "Proceso ETL Completo."}
	return r.summary, r.err
}

type recordingSink struct {
	mu  sync.Mutex
	got []etl.Progress
}

func (s *recordingSink) Broadcast(p etl.Progress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, p)
}

func (s *recordingSink) messages() []etl.Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]etl.Progress(nil), s.got...)
}

func params() etl.Params {
	return etl.Params{
		From: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC),
	}
}

func TestManager_SingleRun(t *testing.T) {
	ctx := context.Background()
	store := newMemoryRunStore()
	runner := newGatedRunner()
	runner.summary = etl.Summary{
		Crawl:      scraper.CrawlResult{PagesFetched: 3, RecordsSeen: 40},
		Upsert:     database.UpsertStats{Inserted: 7, Updated: 2},
		Candidates: 5,
		DetailsOK:  4,
		Relevant:   1,
	}
	sink := &recordingSink{}
	m := NewManager(store, runner, sink, nil)

	run, err := m.Start(ctx, params())
	require.NoError(t, err)
	started := <-runner.started
	assert.Equal(t, run.ID.String(), started.RunID)

	t.Run("second start is rejected while running", func(t *testing.T) {
		_, err := m.Start(ctx, params())
		assert.ErrorIs(t, err, ErrRunInProgress)

		current := m.Current()
		require.NotNil(t, current)
		assert.Equal(t, run.ID, current.ID)
	})

	close(runner.release)
	m.Wait()

	t.Run("summary is stored", func(t *testing.T) {
		assert.Nil(t, m.Current())

		got, err := m.Get(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, database.RunCompleted, got.Status)
		assert.Equal(t, 3, got.PagesFetched)
		assert.Equal(t, 40, got.RecordsSeen)
		assert.Equal(t, 7, got.Inserted)
		assert.Equal(t, 2, got.Updated)
		assert.Equal(t, 5, got.Phase2Total)
		assert.Equal(t, 4, got.Phase2OK)
		assert.Equal(t, 1, got.Relevant)
		assert.Nil(t, got.Error)
	})

	t.Run("progress reaches the sink", func(t *testing.T) {
		msgs := sink.messages()
		require.Len(t, msgs, 2)
		assert.Equal(t, etl.StageDone, msgs[1].Stage)
	})
}

func TestManager_FailedRunFreesTheSlot(t *testing.T) {
	ctx := context.Background()
	store := newMemoryRunStore()
	runner := newGatedRunner()
	runner.err = errors.New("phase 1: first listing page could not be fetched")
	close(runner.release)

	m := NewManager(store, runner, nil, nil)

	run, err := m.Start(ctx, params())
	require.NoError(t, err)
	m.Wait()

	got, err := m.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, database.RunFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Contains(t, *got.Error, "first listing page")

	_, err = m.Start(ctx, params())
	assert.NoError(t, err)
	m.Wait()
}

func TestManager_Cancel(t *testing.T) {
	ctx := context.Background()
	store := newMemoryRunStore()
	runner := newGatedRunner()
	m := NewManager(store, runner, nil, nil)

	assert.False(t, m.Cancel())

	run, err := m.Start(ctx, params())
	require.NoError(t, err)
	<-runner.started

	assert.True(t, m.Cancel())
	m.Wait()

	got, err := m.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, database.RunFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, "cancelled", *got.Error)
}

func TestManager_Shutdown(t *testing.T) {
	store := newMemoryRunStore()
	runner := newGatedRunner()
	m := NewManager(store, runner, nil, nil)

	_, err := m.Start(context.Background(), params())
	require.NoError(t, err)
	<-runner.started

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	_, err = m.Start(context.Background(), params())
	assert.Error(t, err)
}

func TestManager_StartErrors(t *testing.T) {
	t.Run("invalid params", func(t *testing.T) {
		m := NewManager(newMemoryRunStore(), newGatedRunner(), nil, nil)
		_, err := m.Start(context.Background(), etl.Params{})
		assert.Error(t, err)
		assert.Nil(t, m.Current())
	})

	t.Run("store failure", func(t *testing.T) {
		store := newMemoryRunStore()
		store.createErr = errors.New("db down")
		m := NewManager(store, newGatedRunner(), nil, nil)

		_, err := m.Start(context.Background(), params())
		assert.ErrorContains(t, err, "db down")
		assert.Nil(t, m.Current())
	})
}

func TestManager_Recover(t *testing.T) {
	store := newMemoryRunStore()
	store.stale = 2
	m := NewManager(store, newGatedRunner(), nil, nil)
	assert.NoError(t, m.Recover(context.Background()))
}

func TestScheduledParams(t *testing.T) {
	loc := time.FixedZone("CLT", -3*3600)
	now := time.Date(2025, 3, 10, 14, 30, 0, 0, loc)

	p := scheduledParams(now, ScheduleConfig{LookbackDays: 3, MaxPages: 5})
	assert.Equal(t, time.Date(2025, 3, 7, 0, 0, 0, 0, loc), p.From)
	assert.Equal(t, time.Date(2025, 3, 10, 0, 0, 0, 0, loc), p.To)
	assert.Equal(t, 5, p.MaxPages)
	assert.NoError(t, p.Validate())
}

func TestManager_StartScheduler(t *testing.T) {
	store := newMemoryRunStore()
	runner := newGatedRunner()
	close(runner.release)
	m := NewManager(store, runner, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.StartScheduler(ctx, ScheduleConfig{Interval: 20 * time.Millisecond, LookbackDays: 1})
		close(done)
	}()

	select {
	case <-runner.started:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not start a run")
	}

	cancel()
	<-done
	m.Wait()

	runs, err := m.List(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, runs)
}

func TestManager_SchedulerDisabled(t *testing.T) {
	m := NewManager(newMemoryRunStore(), newGatedRunner(), nil, nil)

	done := make(chan struct{})
	go func() {
		m.StartScheduler(context.Background(), ScheduleConfig{})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disabled scheduler should return immediately")
	}
}
