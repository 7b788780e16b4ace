// Package store provides storage backends for StoryPipe.
//
// Trials, voice notes and inbound dedup records live in SQLite or PostgreSQL
// (sharing one sqlx implementation) or, for tests, in memory. Lookups that find
// nothing return nil with a nil error.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/BTreeMap/StoryPipe/internal/models"
)

var (
	// ErrConflict is returned by UpdateTrial when the stored version no longer
	// matches the version the caller read.
	ErrConflict = errors.New("trial was modified concurrently")
	// ErrNotFound is returned by updates that target a missing row.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicateJoinCode is returned when a generated join code collides.
	ErrDuplicateJoinCode = errors.New("join code already in use")
)

// DefaultDueLimit caps how many trials a single ListDueTrials call returns.
const DefaultDueLimit = 100

// TrialFilter narrows ListTrials. Zero values match everything.
type TrialFilter struct {
	State models.ConversationState
	Limit int
}

// TrialRepo persists trials.
type TrialRepo interface {
	// CreateTrial inserts a new trial. Version, CreatedAt and UpdatedAt are set by the store.
	CreateTrial(ctx context.Context, t *models.Trial) error
	GetTrial(ctx context.Context, id string) (*models.Trial, error)
	// GetTrialByPhone returns the storyteller's active trial, falling back to the
	// most recent terminal one.
	GetTrialByPhone(ctx context.Context, phone string) (*models.Trial, error)
	GetTrialByJoinCode(ctx context.Context, code string) (*models.Trial, error)
	ListTrials(ctx context.Context, filter TrialFilter) ([]models.Trial, error)
	// UpdateTrial writes every mutable column when the stored version equals
	// t.Version, then increments t.Version. It returns ErrConflict otherwise.
	UpdateTrial(ctx context.Context, t *models.Trial) error
	// ListDueTrials returns unclaimed trials whose driving timestamp is at or
	// before now: undelivered welcomes, readiness retries, undelivered
	// readiness checks and question/reminder windows.
	ListDueTrials(ctx context.Context, now time.Time, limit int) ([]models.Trial, error)
}

// VoiceNoteRepo persists voice notes. A row never regresses from completed.
type VoiceNoteRepo interface {
	GetVoiceNote(ctx context.Context, trialID string, questionIndex int) (*models.VoiceNote, error)
	GetVoiceNoteByMediaID(ctx context.Context, trialID, mediaID string) (*models.VoiceNote, error)
	ListVoiceNotes(ctx context.Context, trialID string) ([]models.VoiceNote, error)
	// UpsertPendingVoiceNote inserts a pending row for the note's slot or resets a
	// pending/failed row to pending with the new media reference. A completed row is
	// left untouched and returned as-is.
	UpsertPendingVoiceNote(ctx context.Context, v *models.VoiceNote) (*models.VoiceNote, error)
	// MarkVoiceNoteDownloading moves a non-completed row to downloading and bumps attempts.
	MarkVoiceNoteDownloading(ctx context.Context, id string) error
	// MarkVoiceNoteCompleted records the stored media. It reports false when the
	// row was already completed.
	MarkVoiceNoteCompleted(ctx context.Context, id string, media models.CompletedMedia) (bool, error)
	MarkVoiceNoteFailed(ctx context.Context, id string, errMsg string) error
	// FailStaleDownloads marks rows stuck in downloading since before staleBefore as failed.
	FailStaleDownloads(ctx context.Context, staleBefore time.Time) (int, error)
}

// Store is the full persistence surface used by StoryPipe.
type Store interface {
	TrialRepo
	VoiceNoteRepo
	DedupRepo
	Close() error
}

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN string // database connection string or file path
}

// Option defines a configuration option for stores.
type Option func(*Opts)

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithSQLiteDSN sets the SQLite database file path or DSN.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType returns the database/sql driver name for a DSN: "postgres" for
// PostgreSQL URLs and keyword strings, "sqlite3" for everything else.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") || strings.Contains(lower, "user=") {
		return "postgres"
	}
	return "sqlite3"
}

// New opens the store selected by DSN type. An empty DSN yields an in-memory store.
func New(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return NewInMemoryStore(), nil
	}
	if DetectDSNType(dsn) == "postgres" {
		return NewPostgresStore(WithPostgresDSN(dsn))
	}
	return NewSQLiteStore(WithSQLiteDSN(dsn))
}
