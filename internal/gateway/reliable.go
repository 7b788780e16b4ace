package gateway

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/BTreeMap/StoryPipe/internal/models"
	"github.com/BTreeMap/StoryPipe/internal/retry"
)

// Default Reliable settings.
const (
	DefaultNetworkTimeout = 15 * time.Second
	DefaultSendRate       = rate.Limit(5) // messages per second
	DefaultSendBurst      = 5
)

// ReliableOpts configures a Reliable gateway.
type ReliableOpts struct {
	Policy         retry.Policy
	NetworkTimeout time.Duration
	SendRate       rate.Limit
	SendBurst      int
}

// ReliableOption defines a configuration option for Reliable.
type ReliableOption func(*ReliableOpts)

// WithRetryPolicy overrides the retry policy. The Retryable predicate is always IsTransient.
func WithRetryPolicy(p retry.Policy) ReliableOption {
	return func(o *ReliableOpts) { o.Policy = p }
}

// WithNetworkTimeout sets the per-attempt deadline for provider calls.
func WithNetworkTimeout(d time.Duration) ReliableOption {
	return func(o *ReliableOpts) { o.NetworkTimeout = d }
}

// WithSendRate limits outbound sends to r per second with the given burst.
func WithSendRate(r rate.Limit, burst int) ReliableOption {
	return func(o *ReliableOpts) {
		o.SendRate = r
		o.SendBurst = burst
	}
}

// Reliable wraps a Gateway with per-attempt timeouts, bounded retries of
// transient failures and an outbound send rate limit.
type Reliable struct {
	inner   Gateway
	policy  retry.Policy
	timeout time.Duration
	limiter *rate.Limiter
}

// Compile-time check that Reliable implements Gateway.
var _ Gateway = (*Reliable)(nil)

// NewReliable wraps inner.
func NewReliable(inner Gateway, opts ...ReliableOption) *Reliable {
	cfg := ReliableOpts{
		Policy:         retry.DefaultPolicy(IsTransient),
		NetworkTimeout: DefaultNetworkTimeout,
		SendRate:       DefaultSendRate,
		SendBurst:      DefaultSendBurst,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.Policy.Retryable = IsTransient
	if cfg.SendBurst <= 0 {
		cfg.SendBurst = 1
	}
	return &Reliable{
		inner:   inner,
		policy:  cfg.Policy,
		timeout: cfg.NetworkTimeout,
		limiter: rate.NewLimiter(cfg.SendRate, cfg.SendBurst),
	}
}

func (r *Reliable) attemptCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.timeout)
}

// SendText sends with retries. Each attempt waits for the rate limiter.
func (r *Reliable) SendText(ctx context.Context, recipient, body string) error {
	attempts, err := r.policy.Do(ctx, "SendText", func(ctx context.Context) error {
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}
		actx, cancel := r.attemptCtx(ctx)
		defer cancel()
		return Classify("SendText", r.inner.SendText(actx, recipient, body))
	})
	if err != nil {
		slog.Warn("Reliable.SendText: send failed", "recipient", recipient, "attempts", attempts, "error", err)
		return err
	}
	return nil
}

// FetchMediaMetadata fetches metadata with retries.
func (r *Reliable) FetchMediaMetadata(ctx context.Context, ref models.MediaRef) (MediaMetadata, error) {
	var meta MediaMetadata
	_, err := r.policy.Do(ctx, "FetchMediaMetadata", func(ctx context.Context) error {
		actx, cancel := r.attemptCtx(ctx)
		defer cancel()
		m, err := r.inner.FetchMediaMetadata(actx, ref)
		if err != nil {
			return Classify("FetchMediaMetadata", err)
		}
		meta = m
		return nil
	})
	return meta, err
}

// DownloadMedia downloads with retries.
func (r *Reliable) DownloadMedia(ctx context.Context, ref models.MediaRef) ([]byte, error) {
	var data []byte
	attempts, err := r.policy.Do(ctx, "DownloadMedia", func(ctx context.Context) error {
		actx, cancel := r.attemptCtx(ctx)
		defer cancel()
		b, err := r.inner.DownloadMedia(actx, ref)
		if err != nil {
			return Classify("DownloadMedia", err)
		}
		data = b
		return nil
	})
	if err != nil {
		slog.Warn("Reliable.DownloadMedia: download failed", "mediaID", ref.ID, "attempts", attempts, "error", err)
		return nil, err
	}
	return data, nil
}
