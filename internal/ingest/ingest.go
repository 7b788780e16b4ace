// Package ingest turns an inbound voice-note reference into a stored,
// content-verified answer as one idempotent unit of work.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dustin/go-humanize"

	"github.com/BTreeMap/StoryPipe/internal/gateway"
	"github.com/BTreeMap/StoryPipe/internal/media"
	"github.com/BTreeMap/StoryPipe/internal/models"
	"github.com/BTreeMap/StoryPipe/internal/store"
	"github.com/BTreeMap/StoryPipe/internal/util"
)

// DefaultMaxMediaBytes caps the size of an accepted voice note.
const DefaultMaxMediaBytes = 32 << 20

// DefaultMimeType is assumed when neither the provider nor the webhook names one.
const DefaultMimeType = "audio/ogg"

// ErrDuplicateAnswer is returned when the question slot already holds a
// completed voice note or the same media was already stored. Callers treat it
// as a successful no-op.
var ErrDuplicateAnswer = errors.New("question already answered")

// ErrMediaTooLarge is returned (wrapped as a permanent provider error) when a
// voice note exceeds the configured limit.
var ErrMediaTooLarge = errors.New("media exceeds size limit")

// Request is one inbound voice note offered as the answer to a question.
type Request struct {
	TrialID       string
	QuestionIndex int
	QuestionText  string
	Media         models.MediaRef
}

// Opts holds configuration options for the pipeline.
type Opts struct {
	MaxMediaBytes int64
}

// Option defines a configuration option for the pipeline.
type Option func(*Opts)

// WithMaxMediaBytes sets the largest accepted voice note.
func WithMaxMediaBytes(n int64) Option {
	return func(o *Opts) { o.MaxMediaBytes = n }
}

// Pipeline downloads, hashes and stores voice notes. The gateway is expected
// to retry transient failures itself (see gateway.Reliable).
type Pipeline struct {
	repo     store.VoiceNoteRepo
	gw       gateway.Gateway
	blobs    *media.BlobStore
	maxBytes int64
}

// New creates a pipeline.
func New(repo store.VoiceNoteRepo, gw gateway.Gateway, blobs *media.BlobStore, opts ...Option) *Pipeline {
	cfg := Opts{MaxMediaBytes: DefaultMaxMediaBytes}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Pipeline{repo: repo, gw: gw, blobs: blobs, maxBytes: cfg.MaxMediaBytes}
}

// Ingest stores req's media as the answer to its question. On success the
// returned note is completed. ErrDuplicateAnswer is returned, together with the
// existing note, when the slot or the media was already recorded. Any other
// error leaves the slot pending or failed so a redelivery retries from scratch.
func (p *Pipeline) Ingest(ctx context.Context, req Request) (*models.VoiceNote, error) {
	log := slog.With("trialID", req.TrialID, "questionIndex", req.QuestionIndex, "mediaID", req.Media.ID)

	existing, err := p.repo.GetVoiceNote(ctx, req.TrialID, req.QuestionIndex)
	if err != nil {
		return nil, err
	}
	if existing.IsCompleted() {
		log.Info("Pipeline.Ingest: question already answered")
		return existing, ErrDuplicateAnswer
	}
	if req.Media.ID != "" {
		same, err := p.repo.GetVoiceNoteByMediaID(ctx, req.TrialID, req.Media.ID)
		if err != nil {
			return nil, err
		}
		if same != nil && (same.IsCompleted() || same.QuestionIndex != req.QuestionIndex) {
			log.Info("Pipeline.Ingest: media already recorded", "existingQuestionIndex", same.QuestionIndex)
			return same, ErrDuplicateAnswer
		}
	}

	note, err := p.repo.UpsertPendingVoiceNote(ctx, &models.VoiceNote{
		ID:            util.GenerateVoiceNoteID(),
		FreeTrialID:   req.TrialID,
		QuestionIndex: req.QuestionIndex,
		QuestionText:  req.QuestionText,
		MediaID:       req.Media.ID,
		MediaURL:      req.Media.URL,
		MimeType:      req.Media.MimeType,
	})
	if err != nil {
		return nil, err
	}
	if note.IsCompleted() {
		return note, ErrDuplicateAnswer
	}
	if err := p.repo.MarkVoiceNoteDownloading(ctx, note.ID); err != nil {
		return nil, err
	}

	meta, err := p.gw.FetchMediaMetadata(ctx, req.Media)
	if err != nil {
		return nil, p.fail(ctx, note, "fetch media metadata", err)
	}
	if meta.SizeBytes > p.maxBytes {
		return nil, p.fail(ctx, note, "fetch media metadata", gateway.Permanent("FetchMediaMetadata", ErrMediaTooLarge))
	}

	data, err := p.gw.DownloadMedia(ctx, req.Media)
	if err != nil {
		return nil, p.fail(ctx, note, "download media", err)
	}
	if int64(len(data)) > p.maxBytes {
		return nil, p.fail(ctx, note, "download media", gateway.Permanent("DownloadMedia", ErrMediaTooLarge))
	}
	if meta.SizeBytes > 0 && meta.SizeBytes != int64(len(data)) {
		log.Warn("Pipeline.Ingest: downloaded size differs from metadata", "announced", meta.SizeBytes, "downloaded", len(data))
	}

	sha := media.Hash(data)
	mimeType := firstNonEmpty(meta.MimeType, req.Media.MimeType, DefaultMimeType)
	path, err := p.blobs.Put(req.TrialID, sha, mimeType, data)
	if err != nil {
		return nil, p.fail(ctx, note, "store media", err)
	}

	done, err := p.repo.MarkVoiceNoteCompleted(ctx, note.ID, models.CompletedMedia{
		MediaID:       req.Media.ID,
		MediaURL:      firstNonEmpty(meta.URL, req.Media.URL),
		LocalFilePath: path,
		MimeType:      mimeType,
		SizeBytes:     int64(len(data)),
		SHA256:        sha,
	})
	if err != nil {
		return nil, err
	}
	stored, err := p.repo.GetVoiceNote(ctx, req.TrialID, req.QuestionIndex)
	if err != nil {
		return nil, err
	}
	if !done {
		log.Info("Pipeline.Ingest: slot completed concurrently")
		return stored, ErrDuplicateAnswer
	}
	log.Info("Pipeline.Ingest: voice note stored", "voiceNoteID", note.ID, "size", humanize.IBytes(uint64(len(data))), "sha256", sha)
	return stored, nil
}

func (p *Pipeline) fail(ctx context.Context, note *models.VoiceNote, step string, cause error) error {
	slog.Warn("Pipeline.Ingest: ingestion failed", "voiceNoteID", note.ID, "step", step, "error", cause)
	if err := p.repo.MarkVoiceNoteFailed(ctx, note.ID, cause.Error()); err != nil {
		slog.Error("Pipeline.Ingest: failed to mark voice note failed", "voiceNoteID", note.ID, "error", err)
	}
	return fmt.Errorf("%s: %w", step, cause)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
