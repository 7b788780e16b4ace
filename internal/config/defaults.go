package config

import (
	"time"

	"github.com/BTreeMap/StoryPipe/internal/flow"
	"github.com/BTreeMap/StoryPipe/internal/gateway"
	"github.com/BTreeMap/StoryPipe/internal/genai"
	"github.com/BTreeMap/StoryPipe/internal/ingest"
	"github.com/BTreeMap/StoryPipe/internal/retry"
	"github.com/BTreeMap/StoryPipe/internal/scheduler"
)

// DefaultStaleDownloadAfter is how long a voice note may sit in downloading
// before recovery marks it failed.
const DefaultStaleDownloadAfter = 15 * time.Minute

// Default returns the built-in configuration.
func Default() Config {
	policy := retry.DefaultPolicy(nil)
	return Config{
		Conversation: Conversation{
			QuestionInterval:    Duration{flow.DefaultQuestionInterval},
			ReminderInterval:    Duration{flow.DefaultReminderInterval},
			NextQuestionDelay:   Duration{flow.DefaultNextQuestionDelay},
			ReadinessBackoff:    Duration{flow.DefaultReadinessBackoff},
			MaxReadinessBackoff: Duration{flow.DefaultMaxReadinessBackoff},
			MaxReadinessRetries: flow.DefaultMaxReadinessRetries,
			MaxReminders:        flow.DefaultMaxReminders,
			ClaimTTL:            Duration{flow.DefaultClaimTTL},
		},
		Scheduler: Scheduler{
			TickInterval: Duration{scheduler.DefaultTickInterval},
			Workers:      scheduler.DefaultWorkers,
			BatchSize:    scheduler.DefaultBatchSize,
		},
		Delivery: Delivery{
			MaxAttempts:     policy.MaxAttempts,
			BaseDelay:       Duration{policy.BaseDelay},
			MaxDelay:        Duration{policy.MaxDelay},
			NetworkTimeout:  Duration{gateway.DefaultNetworkTimeout},
			SendsPerSecond:  float64(gateway.DefaultSendRate),
			SendBurst:       gateway.DefaultSendBurst,
			MaxMediaBytes:   ingest.DefaultMaxMediaBytes,
			StaleDownloadAt: Duration{DefaultStaleDownloadAfter},
		},
		Classifier: Classifier{
			Model: string(genai.DefaultModel),
		},
		Script: flow.DefaultScript(),
	}
}
