// Package scheduler drives StoryPipe's timer-based conversation work.
//
// A cron job ticks at a fixed interval. Each tick lists the trials whose
// driving timestamp has elapsed and hands them to the conversation state
// machine, a bounded number at a time. The scheduler keeps no timers of its
// own; everything it needs is read back from storage on every tick.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/BTreeMap/StoryPipe/internal/flow"
	"github.com/BTreeMap/StoryPipe/internal/store"
)

// Defaults.
const (
	DefaultTickInterval = time.Minute
	DefaultWorkers      = 4
	DefaultBatchSize    = store.DefaultDueLimit
)

// DueRunner performs the due action of one trial.
type DueRunner interface {
	RunDue(ctx context.Context, trialID string) error
}

// TickResult summarizes one tick.
type TickResult struct {
	RunID     string
	Due       int
	Succeeded int
	Failed    int
	Stalled   int
}

// Opts holds configuration options for the Scheduler.
type Opts struct {
	TickInterval time.Duration
	Workers      int
	BatchSize    int
	Clock        func() time.Time
}

// Option defines a configuration option for the Scheduler.
type Option func(*Opts)

// WithTickInterval sets how often Tick runs once started.
func WithTickInterval(d time.Duration) Option {
	return func(o *Opts) { o.TickInterval = d }
}

// WithWorkers sets how many trials are processed concurrently within a tick.
func WithWorkers(n int) Option {
	return func(o *Opts) { o.Workers = n }
}

// WithBatchSize caps how many due trials a single tick picks up.
func WithBatchSize(n int) Option {
	return func(o *Opts) { o.BatchSize = n }
}

// WithClock overrides the time source used to select due trials.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Clock = now }
}

// Scheduler provides cron-based tick scheduling.
type Scheduler struct {
	cron   *cron.Cron
	trials store.TrialRepo
	runner DueRunner
	cfg    Opts
}

// NewScheduler creates a scheduler. Call Start to begin ticking.
func NewScheduler(trials store.TrialRepo, runner DueRunner, opts ...Option) *Scheduler {
	cfg := Opts{
		TickInterval: DefaultTickInterval,
		Workers:      DefaultWorkers,
		BatchSize:    DefaultBatchSize,
		Clock:        time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	// Standard 5-field parser plus descriptors such as "@every 1m". Overlapping
	// ticks are skipped rather than queued.
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	logger := slogCronLogger{}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	return &Scheduler{cron: c, trials: trials, runner: runner, cfg: cfg}
}

// Start registers the tick job and starts the cron loop. Ticks run with ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	expr := fmt.Sprintf("@every %s", s.cfg.TickInterval)
	if err := s.AddJob(expr, func() {
		if _, err := s.Tick(ctx); err != nil {
			slog.Error("Scheduler tick failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule tick: %w", err)
	}
	s.cron.Start()
	slog.Info("Scheduler started", "tickInterval", s.cfg.TickInterval, "workers", s.cfg.Workers)
	return nil
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	slog.Info("Scheduler stopped")
}

// Tick runs the due action of every due trial once. It is safe to call
// repeatedly or concurrently: the state machine claims each trial before
// sending, so a trial picked up twice is acted on once.
func (s *Scheduler) Tick(ctx context.Context) (TickResult, error) {
	result := TickResult{RunID: uuid.NewString()}
	log := slog.With("runID", result.RunID)
	now := s.cfg.Clock().UTC()

	due, err := s.trials.ListDueTrials(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return result, fmt.Errorf("list due trials: %w", err)
	}
	result.Due = len(due)
	if len(due) == 0 {
		log.Debug("Scheduler.Tick: nothing due")
		return result, nil
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, s.cfg.Workers)
	)
	for _, t := range due {
		if ctx.Err() != nil {
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(trialID string) {
			defer wg.Done()
			defer func() { <-sem }()
			err := s.runner.RunDue(ctx, trialID)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				result.Succeeded++
			case errors.Is(err, flow.ErrRetryExhausted):
				result.Stalled++
				log.Warn("Scheduler.Tick: trial stalled", "trialID", trialID)
			default:
				result.Failed++
				log.Warn("Scheduler.Tick: due action failed, retrying next tick", "trialID", trialID, "error", err)
			}
		}(t.ID)
	}
	wg.Wait()

	log.Info("Scheduler.Tick: tick finished", "due", result.Due, "succeeded", result.Succeeded, "failed", result.Failed, "stalled", result.Stalled)
	return result, ctx.Err()
}

// slogCronLogger routes cron's own logging through slog.
type slogCronLogger struct{}

func (slogCronLogger) Info(msg string, keysAndValues ...interface{}) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (slogCronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	slog.Error("cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
