// Package gateway defines the messaging capability used by the conversation
// core: send text, fetch inbound media metadata and download media bytes.
//
// Provider implementations live in internal/twiliowhatsapp and
// internal/whatsapp. Every error they return is classified as transient or
// permanent so callers never handle raw transport failures.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/BTreeMap/StoryPipe/internal/models"
)

// Gateway is the messaging capability.
type Gateway interface {
	// SendText delivers body to a canonical (digits only) recipient phone.
	SendText(ctx context.Context, recipient, body string) error
	// FetchMediaMetadata returns the content type and size of an inbound attachment.
	FetchMediaMetadata(ctx context.Context, ref models.MediaRef) (MediaMetadata, error)
	// DownloadMedia returns the attachment bytes.
	DownloadMedia(ctx context.Context, ref models.MediaRef) ([]byte, error)
}

// MediaMetadata describes a provider-hosted attachment.
type MediaMetadata struct {
	MimeType  string
	SizeBytes int64
	// URL is the canonical location of the bytes, if the provider exposes one.
	URL string
}

// Kind classifies a provider failure.
type Kind int

const (
	// KindTransient covers rate limiting, 5xx responses and network timeouts.
	KindTransient Kind = iota
	// KindPermanent covers bad credentials, invalid recipients and other 4xx responses.
	KindPermanent
	// KindNotFound is a permanent failure for media the provider no longer has.
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindNotFound:
		return "not_found"
	}
	return "unknown"
}

// Sentinel errors matched by errors.Is against a *ProviderError.
var (
	ErrTransient = errors.New("transient provider error")
	ErrPermanent = errors.New("permanent provider error")
	ErrNotFound  = errors.New("media not found")
)

// ProviderError is a classified failure from a messaging provider.
type ProviderError struct {
	Kind       Kind
	Op         string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s provider error (status %d): %v", e.Op, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s provider error: %v", e.Op, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Is lets errors.Is match the kind sentinels. Not-found errors are also permanent.
func (e *ProviderError) Is(target error) bool {
	switch target {
	case ErrTransient:
		return e.Kind == KindTransient
	case ErrPermanent:
		return e.Kind == KindPermanent || e.Kind == KindNotFound
	case ErrNotFound:
		return e.Kind == KindNotFound
	}
	return false
}

// Transient wraps err as a transient failure of op.
func Transient(op string, err error) error {
	return &ProviderError{Kind: KindTransient, Op: op, Err: err}
}

// Permanent wraps err as a permanent failure of op.
func Permanent(op string, err error) error {
	return &ProviderError{Kind: KindPermanent, Op: op, Err: err}
}

// NotFound wraps err as a not-found failure of op.
func NotFound(op string, err error) error {
	return &ProviderError{Kind: KindNotFound, Op: op, Err: err}
}

// FromHTTPStatus classifies an HTTP status: 429 and 5xx are transient, 404 is
// not found, other 4xx are permanent. It returns nil for 2xx and 3xx statuses.
func FromHTTPStatus(op string, status int, err error) error {
	if err == nil {
		err = errors.New(http.StatusText(status))
	}
	switch {
	case status == http.StatusTooManyRequests || status >= 500 || status == http.StatusRequestTimeout:
		return &ProviderError{Kind: KindTransient, Op: op, StatusCode: status, Err: err}
	case status == http.StatusNotFound || status == http.StatusGone:
		return &ProviderError{Kind: KindNotFound, Op: op, StatusCode: status, Err: err}
	case status >= 400:
		return &ProviderError{Kind: KindPermanent, Op: op, StatusCode: status, Err: err}
	}
	return nil
}

// Classify converts any error into a *ProviderError. Already classified errors
// are returned unchanged; timeouts and network errors are transient; anything
// else is permanent. Context cancellation is returned as-is.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient(op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient(op, err)
	}
	return Permanent(op, err)
}

// IsTransient reports whether err is a retryable provider failure.
func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }

// IsPermanent reports whether err is a non-retryable provider failure.
func IsPermanent(err error) bool { return errors.Is(err, ErrPermanent) }

// IsNotFound reports whether err says the media no longer exists.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
