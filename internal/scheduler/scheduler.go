package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"
)

// Refresher runs one refresh batch. It must return only once the batch has settled.
type Refresher interface {
	RunScheduledRefresh(ctx context.Context)
}

// Config selects the trigger: Cron, when set, takes precedence over Interval.
type Config struct {
	Interval   time.Duration
	Cron       string
	RunOnStart bool
}

// Scheduler triggers the refresh batch periodically. Invocations never overlap:
// gocron runs the job in singleton mode and RunNow refuses to start while a
// batch is running.
type Scheduler struct {
	cron      *gocron.Scheduler
	refresher Refresher
	cfg       Config
	logger    *zap.Logger

	running atomic.Bool
	// mu orders batch starts against Stop: no wg.Add once stopping is set.
	mu       sync.Mutex
	stopping bool
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

func New(refresher Refresher, cfg Config, logger *zap.Logger) *Scheduler {
	cron := gocron.NewScheduler(time.UTC)
	cron.SingletonModeAll()
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:      cron,
		refresher: refresher,
		cfg:       cfg,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start schedules the refresh job and starts the scheduler in the background.
func (s *Scheduler) Start() error {
	var chain *gocron.Scheduler
	switch {
	case s.cfg.Cron != "":
		chain = s.cron.Cron(s.cfg.Cron)
	case s.cfg.Interval > 0:
		chain = s.cron.Every(s.cfg.Interval)
	default:
		return errors.New("scheduler: interval or cron expression required")
	}
	if !s.cfg.RunOnStart {
		chain = chain.WaitForSchedule()
	}

	if _, err := chain.Do(s.tick); err != nil {
		return fmt.Errorf("schedule refresh job: %w", err)
	}

	s.cron.StartAsync()
	s.logger.Info("refresh scheduler started",
		zap.Duration("interval", s.cfg.Interval),
		zap.String("cron", s.cfg.Cron),
		zap.Bool("run_on_start", s.cfg.RunOnStart))
	return nil
}

func (s *Scheduler) tick() {
	if !s.RunNow(s.ctx) {
		s.logger.Warn("scheduled refresh skipped: batch running or scheduler stopping")
	}
}

// begin claims the single batch slot. It fails while a batch runs or once Stop
// has been called.
func (s *Scheduler) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping || !s.running.CompareAndSwap(false, true) {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Scheduler) end() {
	s.running.Store(false)
	s.wg.Done()
}

// RunNow runs a refresh batch synchronously. It returns false without running
// when another batch is in progress or the scheduler is stopping.
func (s *Scheduler) RunNow(ctx context.Context) bool {
	if !s.begin() {
		return false
	}
	defer s.end()

	s.logger.Info("refresh batch starting")
	s.refresher.RunScheduledRefresh(ctx)
	return true
}

// Trigger starts a refresh batch in the background. It returns false when a
// batch is already running or the scheduler is stopping.
func (s *Scheduler) Trigger() bool {
	if !s.begin() {
		return false
	}
	go func() {
		defer s.end()
		s.refresher.RunScheduledRefresh(s.ctx)
	}()
	return true
}

// Running reports whether a batch is in progress.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Stop halts future ticks, refuses new batches and waits for a running one. If ctx expires first,
// the batch's context is canceled and Stop waits for it to unwind.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()
	s.cron.Stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.logger.Warn("refresh still running at shutdown deadline, canceling")
		s.cancel()
		<-done
		return ctx.Err()
	}
}
