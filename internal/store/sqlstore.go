package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/StoryPipe/internal/models"
	"github.com/jmoiron/sqlx"
)

// sqlStore is the dialect-neutral implementation shared by SQLiteStore and
// PostgresStore. Queries are written with ? placeholders and rebound for the driver.
type sqlStore struct {
	db   *sqlx.DB
	name string
	// isUniqueViolation recognizes the driver's unique constraint error.
	isUniqueViolation func(error) bool
}

func newSQLStore(db *sqlx.DB, name string, isUniqueViolation func(error) bool) *sqlStore {
	return &sqlStore{db: db, name: name, isUniqueViolation: isUniqueViolation}
}

const insertTrialQuery = `INSERT INTO free_trials (
	id, buyer_phone, buyer_name, storyteller_name, storyteller_phone, album, join_code,
	conversation_state, current_question_index,
	initial_contact_at, welcome_sent_at, readiness_asked_at, last_question_sent_at, reminder_sent_at,
	next_question_scheduled_for, retry_readiness_at,
	retry_count, last_readiness_response, reminder_count,
	completed_at, stalled_at, claimed_until, version, created_at, updated_at
) VALUES (
	:id, :buyer_phone, :buyer_name, :storyteller_name, :storyteller_phone, :album, :join_code,
	:conversation_state, :current_question_index,
	:initial_contact_at, :welcome_sent_at, :readiness_asked_at, :last_question_sent_at, :reminder_sent_at,
	:next_question_scheduled_for, :retry_readiness_at,
	:retry_count, :last_readiness_response, :reminder_count,
	:completed_at, :stalled_at, :claimed_until, :version, :created_at, :updated_at
)`

const updateTrialQuery = `UPDATE free_trials SET
	storyteller_phone = :storyteller_phone,
	conversation_state = :conversation_state,
	current_question_index = :current_question_index,
	initial_contact_at = :initial_contact_at,
	welcome_sent_at = :welcome_sent_at,
	readiness_asked_at = :readiness_asked_at,
	last_question_sent_at = :last_question_sent_at,
	reminder_sent_at = :reminder_sent_at,
	next_question_scheduled_for = :next_question_scheduled_for,
	retry_readiness_at = :retry_readiness_at,
	retry_count = :retry_count,
	last_readiness_response = :last_readiness_response,
	reminder_count = :reminder_count,
	completed_at = :completed_at,
	stalled_at = :stalled_at,
	claimed_until = :claimed_until,
	version = version + 1,
	updated_at = :updated_at
WHERE id = :id AND version = :version`

func (s *sqlStore) CreateTrial(ctx context.Context, t *models.Trial) error {
	now := time.Now().UTC()
	t.Version = 1
	t.CreatedAt = now
	t.UpdatedAt = now
	if _, err := s.db.NamedExecContext(ctx, insertTrialQuery, t); err != nil {
		if s.isUniqueViolation != nil && s.isUniqueViolation(err) && strings.Contains(err.Error(), "join_code") {
			return ErrDuplicateJoinCode
		}
		slog.Error(s.name+".CreateTrial failed", "error", err, "trialID", t.ID)
		return fmt.Errorf("failed to insert trial %s: %w", t.ID, err)
	}
	slog.Debug(s.name+".CreateTrial succeeded", "trialID", t.ID, "state", t.State)
	return nil
}

func (s *sqlStore) getTrial(ctx context.Context, query string, args ...interface{}) (*models.Trial, error) {
	var t models.Trial
	err := s.db.GetContext(ctx, &t, s.db.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *sqlStore) GetTrial(ctx context.Context, id string) (*models.Trial, error) {
	t, err := s.getTrial(ctx, `SELECT * FROM free_trials WHERE id = ?`, id)
	if err != nil {
		slog.Error(s.name+".GetTrial failed", "error", err, "trialID", id)
		return nil, fmt.Errorf("failed to get trial %s: %w", id, err)
	}
	return t, nil
}

func (s *sqlStore) GetTrialByPhone(ctx context.Context, phone string) (*models.Trial, error) {
	t, err := s.getTrial(ctx, `SELECT * FROM free_trials WHERE storyteller_phone = ?
		ORDER BY CASE WHEN conversation_state IN ('completed', 'stalled') THEN 1 ELSE 0 END, created_at DESC
		LIMIT 1`, phone)
	if err != nil {
		slog.Error(s.name+".GetTrialByPhone failed", "error", err, "phone", phone)
		return nil, fmt.Errorf("failed to get trial by phone: %w", err)
	}
	return t, nil
}

func (s *sqlStore) GetTrialByJoinCode(ctx context.Context, code string) (*models.Trial, error) {
	t, err := s.getTrial(ctx, `SELECT * FROM free_trials WHERE join_code = ?`, code)
	if err != nil {
		slog.Error(s.name+".GetTrialByJoinCode failed", "error", err)
		return nil, fmt.Errorf("failed to get trial by join code: %w", err)
	}
	return t, nil
}

func (s *sqlStore) ListTrials(ctx context.Context, filter TrialFilter) ([]models.Trial, error) {
	query := `SELECT * FROM free_trials`
	var args []interface{}
	if filter.State != "" {
		query += ` WHERE conversation_state = ?`
		args = append(args, filter.State)
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	var trials []models.Trial
	if err := s.db.SelectContext(ctx, &trials, s.db.Rebind(query), args...); err != nil {
		slog.Error(s.name+".ListTrials failed", "error", err)
		return nil, fmt.Errorf("failed to list trials: %w", err)
	}
	return trials, nil
}

func (s *sqlStore) UpdateTrial(ctx context.Context, t *models.Trial) error {
	t.UpdatedAt = time.Now().UTC()
	res, err := s.db.NamedExecContext(ctx, updateTrialQuery, t)
	if err != nil {
		slog.Error(s.name+".UpdateTrial failed", "error", err, "trialID", t.ID)
		return fmt.Errorf("failed to update trial %s: %w", t.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected for trial %s: %w", t.ID, err)
	}
	if n == 0 {
		slog.Debug(s.name+".UpdateTrial version conflict", "trialID", t.ID, "version", t.Version)
		return ErrConflict
	}
	t.Version++
	return nil
}

const dueTrialsQuery = `SELECT * FROM free_trials
WHERE (claimed_until IS NULL OR claimed_until <= ?)
  AND (
    (conversation_state = 'awaiting_initial_contact'
      AND initial_contact_at IS NOT NULL AND initial_contact_at <= ?)
    OR (conversation_state IN ('welcome_sent', 'awaiting_readiness')
      AND retry_readiness_at IS NOT NULL AND retry_readiness_at <= ?)
    OR (conversation_state IN ('questioning', 'reminder_sent')
      AND next_question_scheduled_for IS NOT NULL AND next_question_scheduled_for <= ?)
  )
ORDER BY created_at
LIMIT ?`

func (s *sqlStore) ListDueTrials(ctx context.Context, now time.Time, limit int) ([]models.Trial, error) {
	if limit <= 0 {
		limit = DefaultDueLimit
	}
	now = now.UTC()
	var trials []models.Trial
	if err := s.db.SelectContext(ctx, &trials, s.db.Rebind(dueTrialsQuery), now, now, now, now, limit); err != nil {
		slog.Error(s.name+".ListDueTrials failed", "error", err)
		return nil, fmt.Errorf("failed to list due trials: %w", err)
	}
	slog.Debug(s.name+".ListDueTrials succeeded", "count", len(trials))
	return trials, nil
}

func (s *sqlStore) getVoiceNote(ctx context.Context, query string, args ...interface{}) (*models.VoiceNote, error) {
	var v models.VoiceNote
	err := s.db.GetContext(ctx, &v, s.db.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *sqlStore) GetVoiceNote(ctx context.Context, trialID string, questionIndex int) (*models.VoiceNote, error) {
	v, err := s.getVoiceNote(ctx, `SELECT * FROM voice_notes WHERE free_trial_id = ? AND question_index = ?`, trialID, questionIndex)
	if err != nil {
		slog.Error(s.name+".GetVoiceNote failed", "error", err, "trialID", trialID, "questionIndex", questionIndex)
		return nil, fmt.Errorf("failed to get voice note: %w", err)
	}
	return v, nil
}

func (s *sqlStore) GetVoiceNoteByMediaID(ctx context.Context, trialID, mediaID string) (*models.VoiceNote, error) {
	v, err := s.getVoiceNote(ctx, `SELECT * FROM voice_notes WHERE free_trial_id = ? AND media_id = ?
		ORDER BY CASE WHEN download_status = 'completed' THEN 0 ELSE 1 END LIMIT 1`, trialID, mediaID)
	if err != nil {
		slog.Error(s.name+".GetVoiceNoteByMediaID failed", "error", err, "trialID", trialID, "mediaID", mediaID)
		return nil, fmt.Errorf("failed to get voice note by media id: %w", err)
	}
	return v, nil
}

func (s *sqlStore) ListVoiceNotes(ctx context.Context, trialID string) ([]models.VoiceNote, error) {
	var notes []models.VoiceNote
	err := s.db.SelectContext(ctx, &notes, s.db.Rebind(`SELECT * FROM voice_notes WHERE free_trial_id = ? ORDER BY question_index`), trialID)
	if err != nil {
		slog.Error(s.name+".ListVoiceNotes failed", "error", err, "trialID", trialID)
		return nil, fmt.Errorf("failed to list voice notes: %w", err)
	}
	return notes, nil
}

const upsertVoiceNoteQuery = `INSERT INTO voice_notes (
	id, free_trial_id, question_index, question_text, media_id, media_url, mime_type,
	download_status, attempts, last_error, created_at, updated_at
) VALUES (
	:id, :free_trial_id, :question_index, :question_text, :media_id, :media_url, :mime_type,
	'pending', 0, '', :created_at, :updated_at
)
ON CONFLICT (free_trial_id, question_index) DO UPDATE SET
	question_text = excluded.question_text,
	media_id = excluded.media_id,
	media_url = excluded.media_url,
	mime_type = excluded.mime_type,
	download_status = 'pending',
	last_error = '',
	updated_at = excluded.updated_at
WHERE voice_notes.download_status IN ('pending', 'failed')`

func (s *sqlStore) UpsertPendingVoiceNote(ctx context.Context, v *models.VoiceNote) (*models.VoiceNote, error) {
	now := time.Now().UTC()
	v.CreatedAt = now
	v.UpdatedAt = now
	if _, err := s.db.NamedExecContext(ctx, upsertVoiceNoteQuery, v); err != nil {
		slog.Error(s.name+".UpsertPendingVoiceNote failed", "error", err, "trialID", v.FreeTrialID, "questionIndex", v.QuestionIndex)
		return nil, fmt.Errorf("failed to upsert voice note: %w", err)
	}
	stored, err := s.GetVoiceNote(ctx, v.FreeTrialID, v.QuestionIndex)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, fmt.Errorf("voice note for trial %s question %d vanished after upsert", v.FreeTrialID, v.QuestionIndex)
	}
	slog.Debug(s.name+".UpsertPendingVoiceNote succeeded", "voiceNoteID", stored.ID, "status", stored.DownloadStatus)
	return stored, nil
}

func (s *sqlStore) execVoiceNote(ctx context.Context, op, query string, args ...interface{}) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		slog.Error(s.name+"."+op+" failed", "error", err)
		return 0, fmt.Errorf("%s failed: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s rows affected: %w", op, err)
	}
	return n, nil
}

func (s *sqlStore) MarkVoiceNoteDownloading(ctx context.Context, id string) error {
	_, err := s.execVoiceNote(ctx, "MarkVoiceNoteDownloading",
		`UPDATE voice_notes SET download_status = 'downloading', attempts = attempts + 1, updated_at = ?
		 WHERE id = ? AND download_status <> 'completed'`, time.Now().UTC(), id)
	return err
}

func (s *sqlStore) MarkVoiceNoteCompleted(ctx context.Context, id string, media models.CompletedMedia) (bool, error) {
	now := time.Now().UTC()
	n, err := s.execVoiceNote(ctx, "MarkVoiceNoteCompleted",
		`UPDATE voice_notes SET download_status = 'completed', media_id = COALESCE(NULLIF(?, ''), media_id),
		 media_url = ?, local_file_path = ?, mime_type = ?, size_bytes = ?, media_sha256 = ?, last_error = '',
		 completed_at = ?, updated_at = ?
		 WHERE id = ? AND download_status <> 'completed'`,
		media.MediaID, media.MediaURL, media.LocalFilePath, media.MimeType, media.SizeBytes, media.SHA256, now, now, id)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *sqlStore) MarkVoiceNoteFailed(ctx context.Context, id string, errMsg string) error {
	_, err := s.execVoiceNote(ctx, "MarkVoiceNoteFailed",
		`UPDATE voice_notes SET download_status = 'failed', last_error = ?, updated_at = ?
		 WHERE id = ? AND download_status <> 'completed'`, errMsg, time.Now().UTC(), id)
	return err
}

func (s *sqlStore) FailStaleDownloads(ctx context.Context, staleBefore time.Time) (int, error) {
	n, err := s.execVoiceNote(ctx, "FailStaleDownloads",
		`UPDATE voice_notes SET download_status = 'failed', last_error = 'download interrupted', updated_at = ?
		 WHERE download_status = 'downloading' AND updated_at < ?`, time.Now().UTC(), staleBefore.UTC())
	return int(n), err
}

func (s *sqlStore) RecordInbound(ctx context.Context, messageID, trialID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO inbound_dedup (message_id, trial_id, received_at) VALUES (?, ?, ?)
		 ON CONFLICT (message_id) DO NOTHING`), messageID, trialID, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record inbound rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *sqlStore) IsProcessed(ctx context.Context, messageID string) (bool, error) {
	var processedAt sql.NullTime
	err := s.db.GetContext(ctx, &processedAt, s.db.Rebind(`SELECT processed_at FROM inbound_dedup WHERE message_id = ?`), messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return processedAt.Valid, nil
}

func (s *sqlStore) MarkProcessed(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`), time.Now().UTC(), messageID)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *sqlStore) Close() error {
	slog.Debug(s.name + ".Close invoked")
	if err := s.db.Close(); err != nil {
		slog.Error(s.name+".Close failed", "error", err)
		return err
	}
	return nil
}
