package models

import "time"

// DownloadStatus tracks a voice note through the ingestion pipeline.
type DownloadStatus string

const (
	DownloadStatusPending     DownloadStatus = "pending"
	DownloadStatusDownloading DownloadStatus = "downloading"
	DownloadStatusCompleted   DownloadStatus = "completed"
	DownloadStatusFailed      DownloadStatus = "failed"
)

// VoiceNote is one answer to one question of a trial. At most one exists per
// (FreeTrialID, QuestionIndex).
type VoiceNote struct {
	ID             string         `json:"id" db:"id"`
	FreeTrialID    string         `json:"free_trial_id" db:"free_trial_id"`
	QuestionIndex  int            `json:"question_index" db:"question_index"`
	QuestionText   string         `json:"question_text" db:"question_text"`
	MediaID        string         `json:"media_id" db:"media_id"`
	MediaURL       string         `json:"media_url,omitempty" db:"media_url"`
	LocalFilePath  string         `json:"local_file_path,omitempty" db:"local_file_path"`
	MimeType       string         `json:"mime_type,omitempty" db:"mime_type"`
	SizeBytes      int64          `json:"size_bytes" db:"size_bytes"`
	MediaSHA256    string         `json:"media_sha256,omitempty" db:"media_sha256"`
	DownloadStatus DownloadStatus `json:"download_status" db:"download_status"`
	Attempts       int            `json:"attempts" db:"attempts"`
	LastError      string         `json:"last_error,omitempty" db:"last_error"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at" db:"updated_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty" db:"completed_at"`
}

// IsCompleted reports whether the note's media has been stored.
func (v *VoiceNote) IsCompleted() bool {
	return v != nil && v.DownloadStatus == DownloadStatusCompleted
}

// CompletedMedia is what the ingestion pipeline records when a download finishes.
type CompletedMedia struct {
	// MediaID names the take whose bytes were stored; it overwrites whatever a
	// concurrent upsert left on the row.
	MediaID       string
	MediaURL      string
	LocalFilePath string
	MimeType      string
	SizeBytes     int64
	SHA256        string
}
