package store

import (
	"context"
	"time"
)

// DedupRecord represents an inbound message deduplication record.
type DedupRecord struct {
	MessageID   string     `json:"message_id" db:"message_id"`
	TrialID     string     `json:"trial_id" db:"trial_id"`
	ReceivedAt  time.Time  `json:"received_at" db:"received_at"`
	ProcessedAt *time.Time `json:"processed_at" db:"processed_at"`
}

// DedupRepo defines the interface for inbound message deduplication keyed by
// the provider-assigned message id.
type DedupRepo interface {
	// RecordInbound inserts a new inbound message record. Returns false if the
	// message was already recorded.
	RecordInbound(ctx context.Context, messageID, trialID string) (bool, error)

	// IsProcessed reports whether a message was recorded and fully handled.
	// Recorded but unprocessed messages may be handled again on redelivery.
	IsProcessed(ctx context.Context, messageID string) (bool, error)

	// MarkProcessed sets the processed_at timestamp for a message.
	MarkProcessed(ctx context.Context, messageID string) error
}
