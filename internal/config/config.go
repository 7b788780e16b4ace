// Package config loads the StoryPipe conversation catalogue: question list,
// message copy, timings and delivery limits.
//
// The file is TOML and optional. Missing values fall back to Default, and the
// merged result is validated before use.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
	"golang.org/x/time/rate"

	"github.com/BTreeMap/StoryPipe/internal/flow"
	"github.com/BTreeMap/StoryPipe/internal/gateway"
	"github.com/BTreeMap/StoryPipe/internal/ingest"
	"github.com/BTreeMap/StoryPipe/internal/retry"
	"github.com/BTreeMap/StoryPipe/internal/scheduler"
)

// DefaultFileName is looked up in the state directory when no path is given.
const DefaultFileName = "storypipe.toml"

// Duration is a time.Duration written as a Go duration string ("36h", "90s").
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Conversation holds the state machine timings.
type Conversation struct {
	QuestionInterval    Duration `toml:"question_interval"`
	ReminderInterval    Duration `toml:"reminder_interval"`
	NextQuestionDelay   Duration `toml:"next_question_delay"`
	ReadinessBackoff    Duration `toml:"readiness_backoff"`
	MaxReadinessBackoff Duration `toml:"max_readiness_backoff"`
	MaxReadinessRetries int      `toml:"max_readiness_retries"`
	MaxReminders        int      `toml:"max_reminders"`
	ClaimTTL            Duration `toml:"claim_ttl"`
}

// Scheduler holds tick settings.
type Scheduler struct {
	TickInterval Duration `toml:"tick_interval"`
	Workers      int      `toml:"workers"`
	BatchSize    int      `toml:"batch_size"`
}

// Delivery holds outbound and download limits.
type Delivery struct {
	MaxAttempts     int      `toml:"max_attempts"`
	BaseDelay       Duration `toml:"base_delay"`
	MaxDelay        Duration `toml:"max_delay"`
	NetworkTimeout  Duration `toml:"network_timeout"`
	SendsPerSecond  float64  `toml:"sends_per_second"`
	SendBurst       int      `toml:"send_burst"`
	MaxMediaBytes   int64    `toml:"max_media_bytes"`
	StaleDownloadAt Duration `toml:"stale_download_after"`
}

// Classifier holds readiness reply classification settings.
type Classifier struct {
	UseOpenAI bool   `toml:"use_openai"`
	Model     string `toml:"model"`
}

// Config is the full catalogue.
type Config struct {
	Conversation Conversation `toml:"conversation"`
	Scheduler    Scheduler    `toml:"scheduler"`
	Delivery     Delivery     `toml:"delivery"`
	Classifier   Classifier   `toml:"classifier"`
	Script       flow.Script  `toml:"script"`
}

// Load reads path over the defaults and validates the result. A missing file
// is not an error; the second return value reports whether it existed.
func Load(path string) (*Config, bool, error) {
	cfg := Default()
	exists := false
	if path != "" {
		file, err := os.Open(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, false, fmt.Errorf("open config: %w", err)
		default:
			defer file.Close()
			exists = true
			decoder := toml.NewDecoder(file)
			decoder.DisallowUnknownFields()
			if err := decoder.Decode(&cfg); err != nil {
				return nil, true, fmt.Errorf("parse config: %w", err)
			}
		}
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, exists, err
	}
	return &cfg, exists, nil
}

// normalize fills copy left empty in the file from the built-in script.
func (c *Config) normalize() {
	d := flow.DefaultScript()
	fill := func(dst *string, def string) {
		if *dst == "" {
			*dst = def
		}
	}
	fill(&c.Script.Welcome, d.Welcome)
	fill(&c.Script.Readiness, d.Readiness)
	fill(&c.Script.NotReady, d.NotReady)
	fill(&c.Script.Stalled, d.Stalled)
	fill(&c.Script.Question, d.Question)
	fill(&c.Script.Reminder, d.Reminder)
	fill(&c.Script.Acknowledge, d.Acknowledge)
	fill(&c.Script.Closing, d.Closing)
	fill(&c.Script.VoiceNoteHint, d.VoiceNoteHint)
	if c.Script.Questions == nil {
		c.Script.Questions = d.Questions
	}
}

// FlowOptions returns the state machine options described by c.
func (c *Config) FlowOptions() []flow.Option {
	conv := c.Conversation
	return []flow.Option{
		flow.WithScript(c.Script),
		flow.WithQuestionInterval(conv.QuestionInterval.Duration),
		flow.WithReminderInterval(conv.ReminderInterval.Duration),
		flow.WithNextQuestionDelay(conv.NextQuestionDelay.Duration),
		flow.WithReadinessBackoff(conv.ReadinessBackoff.Duration, conv.MaxReadinessBackoff.Duration),
		flow.WithMaxReadinessRetries(conv.MaxReadinessRetries),
		flow.WithMaxReminders(conv.MaxReminders),
		flow.WithClaimTTL(conv.ClaimTTL.Duration),
	}
}

// SchedulerOptions returns the scheduler options described by c.
func (c *Config) SchedulerOptions() []scheduler.Option {
	return []scheduler.Option{
		scheduler.WithTickInterval(c.Scheduler.TickInterval.Duration),
		scheduler.WithWorkers(c.Scheduler.Workers),
		scheduler.WithBatchSize(c.Scheduler.BatchSize),
	}
}

// GatewayOptions returns the retry, timeout and rate options for gateway.Reliable.
func (c *Config) GatewayOptions() []gateway.ReliableOption {
	d := c.Delivery
	policy := retry.DefaultPolicy(gateway.IsTransient)
	policy.MaxAttempts = d.MaxAttempts
	policy.BaseDelay = d.BaseDelay.Duration
	policy.MaxDelay = d.MaxDelay.Duration
	return []gateway.ReliableOption{
		gateway.WithRetryPolicy(policy),
		gateway.WithNetworkTimeout(d.NetworkTimeout.Duration),
		gateway.WithSendRate(rate.Limit(d.SendsPerSecond), d.SendBurst),
	}
}

// CreateSample writes a commented sample configuration file to path.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// IngestOptions returns the voice note pipeline options described by c.
func (c *Config) IngestOptions() []ingest.Option {
	return []ingest.Option{ingest.WithMaxMediaBytes(c.Delivery.MaxMediaBytes)}
}
