// Package messaging is StoryPipe's inbound boundary. Provider services turn
// Twilio webhooks and WhatsApp events into models.InboundMessage values, and the
// Dispatcher applies transport-level dedup before handing them to the
// conversation state machine.
package messaging

import (
	"context"
	"errors"
	"time"

	"github.com/BTreeMap/StoryPipe/internal/models"
)

// Constants for inbound services.
const (
	// DefaultChannelBufferSize defines the buffer size of inbound channels.
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds how long an inbound emit may block.
	DefaultChannelTimeout = 1 * time.Second
)

// ErrServiceStopped is returned when emitting into a stopped service.
var ErrServiceStopped = errors.New("messaging service stopped")

// Service is a streaming source of inbound messages.
type Service interface {
	// Start begins background processing (e.g., registering event handlers).
	Start(ctx context.Context) error

	// Stop stops background processing and closes the inbound channel.
	Stop() error

	// Inbound returns the channel of normalized inbound messages.
	Inbound() <-chan models.InboundMessage
}

// Handler consumes one normalized inbound message.
type Handler interface {
	HandleInbound(ctx context.Context, msg models.InboundMessage) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg models.InboundMessage) error

// HandleInbound calls f.
func (f HandlerFunc) HandleInbound(ctx context.Context, msg models.InboundMessage) error {
	return f(ctx, msg)
}
