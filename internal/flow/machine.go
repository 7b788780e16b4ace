// Package flow drives a storyteller's trial through the story-collection
// conversation.
//
// The Machine consumes inbound messages and scheduler ticks, applies the
// transition table in models and issues outbound sends. All timers live on the
// trial row, so a Machine holds no state that is lost on restart.
//
// Every mutation follows the same discipline: take the per-trial lock, load the
// trial, decide, persist with a version compare-and-swap and release the lock.
// Network I/O happens outside the lock. Before a send the Machine persists a
// short claim lease so that neither the scheduler nor a concurrent inbound
// handler starts the same send, and after the send it re-reads the trial and
// re-checks the state and question index before applying the result.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/StoryPipe/internal/gateway"
	"github.com/BTreeMap/StoryPipe/internal/ingest"
	"github.com/BTreeMap/StoryPipe/internal/models"
	"github.com/BTreeMap/StoryPipe/internal/store"
)

// Default timings.
const (
	DefaultQuestionInterval    = 24 * time.Hour
	DefaultReminderInterval    = 48 * time.Hour
	DefaultNextQuestionDelay   = 24 * time.Hour
	DefaultReadinessBackoff    = 2 * time.Hour
	DefaultMaxReadinessBackoff = 24 * time.Hour
	DefaultMaxReadinessRetries = 3
	DefaultMaxReminders        = 2
	DefaultClaimTTL            = 2 * time.Minute
	maxConflictRetries         = 5
)

var (
	// ErrTrialNotFound is returned when a trial id does not exist.
	ErrTrialNotFound     = errors.New("trial not found")
	// ErrUnknownSender is returned for inbound messages that match no trial and carry no join code.
	ErrUnknownSender     = errors.New("sender is not a known storyteller")
	// ErrRetryExhausted is returned when readiness retries are used up and the trial stalls.
	ErrRetryExhausted    = errors.New("readiness retries exhausted")
	// ErrNotStalled is returned by ResumeTrial for trials that are not stalled.
	ErrNotStalled        = errors.New("trial is not stalled")
	// ErrActiveTrialExists is returned when the storyteller already has a trial in progress.
	ErrActiveTrialExists = errors.New("storyteller already has an active trial")

	// errStale signals that a trial no longer satisfies the preconditions of a
	// pending write; the write is skipped.
	errStale = errors.New("trial changed")
)

// Ingester stores a voice note as the answer to a question.
type Ingester interface {
	Ingest(ctx context.Context, req ingest.Request) (*models.VoiceNote, error)
}

// Opts holds configuration options for the Machine.
type Opts struct {
	Script              Script
	QuestionInterval    time.Duration // wait after a question before the first reminder
	ReminderInterval    time.Duration // wait after each reminder
	NextQuestionDelay   time.Duration // zero sends the next question right after an answer
	ReadinessBackoff    time.Duration
	MaxReadinessBackoff time.Duration
	MaxReadinessRetries int
	MaxReminders        int
	ClaimTTL            time.Duration
	Classifier          Classifier
	Clock               func() time.Time
}

// Option defines a configuration option for the Machine.
type Option func(*Opts)

// WithScript sets the conversation copy and questions.
func WithScript(s Script) Option {
	return func(o *Opts) { o.Script = s }
}

// WithQuestionInterval sets how long a question waits before a reminder.
func WithQuestionInterval(d time.Duration) Option {
	return func(o *Opts) { o.QuestionInterval = d }
}

// WithReminderInterval sets the wait after each reminder.
func WithReminderInterval(d time.Duration) Option {
	return func(o *Opts) { o.ReminderInterval = d }
}

// WithNextQuestionDelay sets the delay between an answer and the next question.
func WithNextQuestionDelay(d time.Duration) Option {
	return func(o *Opts) { o.NextQuestionDelay = d }
}

// WithReadinessBackoff sets the base and cap of the readiness retry backoff.
func WithReadinessBackoff(base, max time.Duration) Option {
	return func(o *Opts) {
		o.ReadinessBackoff = base
		o.MaxReadinessBackoff = max
	}
}

// WithMaxReadinessRetries sets how many failed readiness attempts stall a trial.
func WithMaxReadinessRetries(n int) Option {
	return func(o *Opts) { o.MaxReadinessRetries = n }
}

// WithMaxReminders sets how many reminders are sent per question.
func WithMaxReminders(n int) Option {
	return func(o *Opts) { o.MaxReminders = n }
}

// WithClaimTTL sets how long a send lease blocks other senders.
func WithClaimTTL(d time.Duration) Option {
	return func(o *Opts) { o.ClaimTTL = d }
}

// WithClassifier sets the readiness reply classifier.
func WithClassifier(c Classifier) Option {
	return func(o *Opts) { o.Classifier = c }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Clock = now }
}

// Machine is the conversation state machine.
type Machine struct {
	trials   store.TrialRepo
	gw       gateway.Gateway
	ingester Ingester
	locks    *trialLocks
	cfg      Opts
}

// New creates a Machine.
func New(trials store.TrialRepo, gw gateway.Gateway, ingester Ingester, opts ...Option) *Machine {
	cfg := Opts{
		Script:              DefaultScript(),
		QuestionInterval:    DefaultQuestionInterval,
		ReminderInterval:    DefaultReminderInterval,
		NextQuestionDelay:   DefaultNextQuestionDelay,
		ReadinessBackoff:    DefaultReadinessBackoff,
		MaxReadinessBackoff: DefaultMaxReadinessBackoff,
		MaxReadinessRetries: DefaultMaxReadinessRetries,
		MaxReminders:        DefaultMaxReminders,
		ClaimTTL:            DefaultClaimTTL,
		Classifier:          KeywordClassifier{},
		Clock:               time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.Script = cfg.Script.withDefaults()
	if cfg.MaxReadinessRetries < 1 {
		cfg.MaxReadinessRetries = 1
	}
	slog.Debug("Machine created", "questions", len(cfg.Script.Questions), "maxReadinessRetries", cfg.MaxReadinessRetries, "maxReminders", cfg.MaxReminders)
	return &Machine{
		trials:   trials,
		gw:       gw,
		ingester: ingester,
		locks:    newTrialLocks(),
		cfg:      cfg,
	}
}

// Script returns the script in use.
func (m *Machine) Script() Script {
	return m.cfg.Script
}

func (m *Machine) now() time.Time {
	return m.cfg.Clock().UTC()
}

// readinessBackoff returns the wait before the readiness check is retried
// after retryCount failed attempts.
func (m *Machine) readinessBackoff(retryCount int) time.Duration {
	d := m.cfg.ReadinessBackoff
	for i := 0; i < retryCount; i++ {
		d *= 2
		if m.cfg.MaxReadinessBackoff > 0 && d >= m.cfg.MaxReadinessBackoff {
			return m.cfg.MaxReadinessBackoff
		}
	}
	return d
}

// mutate runs fn on a freshly loaded trial under the trial lock and persists
// the result. Version conflicts with writers in other processes are retried.
// errStale from fn skips the write and is returned to the caller.
func (m *Machine) mutate(ctx context.Context, trialID string, fn func(t *models.Trial) error) (*models.Trial, error) {
	for attempt := 1; attempt <= maxConflictRetries; attempt++ {
		t, err := m.mutateOnce(ctx, trialID, fn)
		if errors.Is(err, store.ErrConflict) {
			slog.Debug("Machine.mutate: version conflict, retrying", "trialID", trialID, "attempt", attempt)
			continue
		}
		return t, err
	}
	return nil, fmt.Errorf("update trial %s: %w", trialID, store.ErrConflict)
}

func (m *Machine) mutateOnce(ctx context.Context, trialID string, fn func(t *models.Trial) error) (*models.Trial, error) {
	unlock := m.locks.lock(trialID)
	defer unlock()

	t, err := m.trials.GetTrial(ctx, trialID)
	if err != nil {
		return nil, fmt.Errorf("load trial: %w", err)
	}
	if t == nil {
		return nil, ErrTrialNotFound
	}
	if err := fn(t); err != nil {
		return t, err
	}
	if err := m.trials.UpdateTrial(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// claim takes the send lease on t inside a mutate callback.
func (m *Machine) claim(t *models.Trial, now time.Time) {
	t.ClaimedUntil = models.TimePtr(now.Add(m.cfg.ClaimTTL))
}

// release drops the send lease after a failed send so the scheduler can retry
// on its next tick.
func (m *Machine) release(ctx context.Context, trialID string) {
	_, err := m.mutate(ctx, trialID, func(t *models.Trial) error {
		if t.ClaimedUntil == nil {
			return errStale
		}
		t.ClaimedUntil = nil
		return nil
	})
	if err != nil && !errors.Is(err, errStale) {
		slog.Error("Machine.release: failed to clear claim", "error", err, "trialID", trialID)
	}
}

// send delivers one rendered text to the storyteller.
func (m *Machine) send(ctx context.Context, t *models.Trial, text string, questionIndex int) error {
	phone := t.Phone()
	if phone == "" {
		return gateway.Permanent("send", errors.New("storyteller phone unknown"))
	}
	return m.gw.SendText(ctx, phone, m.cfg.Script.render(text, t, questionIndex))
}

// sendBestEffort sends a courtesy message whose failure does not affect the conversation.
func (m *Machine) sendBestEffort(ctx context.Context, t *models.Trial, text, kind string, questionIndex int) {
	if err := m.send(ctx, t, text, questionIndex); err != nil {
		slog.Warn("Machine: best-effort send failed", "error", err, "trialID", t.ID, "kind", kind)
	}
}
