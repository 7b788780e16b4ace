package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/StoryPipe/internal/flow"
	"github.com/BTreeMap/StoryPipe/internal/models"
	"github.com/BTreeMap/StoryPipe/internal/store"
)

// Dispatcher routes inbound messages to a handler at most once per provider
// message id. A message is marked processed only after the handler succeeds,
// so a failed message is handled again when the provider redelivers it.
type Dispatcher struct {
	dedup   store.DedupRepo
	handler Handler
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(dedup store.DedupRepo, handler Handler) *Dispatcher {
	return &Dispatcher{dedup: dedup, handler: handler}
}

// HandleInbound dedups and dispatches msg. Messages from unknown senders are
// treated as handled.
func (d *Dispatcher) HandleInbound(ctx context.Context, msg models.InboundMessage) error {
	log := slog.With("messageID", msg.MessageID, "from", msg.From)
	if msg.MessageID == "" {
		return fmt.Errorf("inbound message from %q has no message id", msg.From)
	}

	processed, err := d.dedup.IsProcessed(ctx, msg.MessageID)
	if err != nil {
		return fmt.Errorf("check inbound dedup: %w", err)
	}
	if processed {
		log.Info("Dispatcher.HandleInbound: duplicate delivery skipped")
		return nil
	}
	first, err := d.dedup.RecordInbound(ctx, msg.MessageID, "")
	if err != nil {
		return fmt.Errorf("record inbound: %w", err)
	}
	if !first {
		log.Debug("Dispatcher.HandleInbound: redelivery of unprocessed message")
	}

	err = d.handler.HandleInbound(ctx, msg)
	switch {
	case errors.Is(err, flow.ErrUnknownSender):
		log.Info("Dispatcher.HandleInbound: message from unknown sender ignored")
	case err != nil:
		log.Warn("Dispatcher.HandleInbound: handling failed, awaiting redelivery", "error", err)
		return err
	}

	if err := d.dedup.MarkProcessed(ctx, msg.MessageID); err != nil {
		return fmt.Errorf("mark inbound processed: %w", err)
	}
	return nil
}

// Run consumes svc's inbound channel until it closes or ctx is done. Errors
// are logged; the message stays unprocessed.
func (d *Dispatcher) Run(ctx context.Context, svc Service) {
	in := svc.Inbound()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			if err := d.HandleInbound(ctx, msg); err != nil {
				slog.Error("Dispatcher.Run: inbound message failed", "messageID", msg.MessageID, "error", err)
			}
		}
	}
}
