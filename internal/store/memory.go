package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/StoryPipe/internal/models"
)

// InMemoryStore is a Store kept entirely in process memory. It mirrors the SQL
// stores' semantics (CAS updates, slot uniqueness, completed-row guards) and is
// used when no DSN is configured and in tests.
type InMemoryStore struct {
	mu         sync.RWMutex
	trials     map[string]*models.Trial
	voiceNotes map[string]*models.VoiceNote // keyed by id
	inbound    map[string]*DedupRecord
}

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		trials:     make(map[string]*models.Trial),
		voiceNotes: make(map[string]*models.VoiceNote),
		inbound:    make(map[string]*DedupRecord),
	}
}

func (s *InMemoryStore) CreateTrial(_ context.Context, t *models.Trial) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.trials[t.ID]; exists {
		return fmt.Errorf("trial %s already exists", t.ID)
	}
	for _, existing := range s.trials {
		if existing.JoinCode == t.JoinCode {
			return ErrDuplicateJoinCode
		}
	}
	now := time.Now().UTC()
	t.Version = 1
	t.CreatedAt = now
	t.UpdatedAt = now
	s.trials[t.ID] = t.Clone()
	return nil
}

func (s *InMemoryStore) GetTrial(_ context.Context, id string) (*models.Trial, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.trials[id]; ok {
		return t.Clone(), nil
	}
	return nil, nil
}

func (s *InMemoryStore) GetTrialByPhone(_ context.Context, phone string) (*models.Trial, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *models.Trial
	for _, t := range s.trials {
		if t.Phone() != phone {
			continue
		}
		if best == nil || betterPhoneMatch(t, best) {
			best = t
		}
	}
	if best == nil {
		return nil, nil
	}
	return best.Clone(), nil
}

// betterPhoneMatch prefers active trials, then the most recently created.
func betterPhoneMatch(candidate, current *models.Trial) bool {
	ca, cu := !candidate.State.IsTerminal(), !current.State.IsTerminal()
	if ca != cu {
		return ca
	}
	return candidate.CreatedAt.After(current.CreatedAt)
}

func (s *InMemoryStore) GetTrialByJoinCode(_ context.Context, code string) (*models.Trial, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.trials {
		if t.JoinCode == code {
			return t.Clone(), nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) ListTrials(_ context.Context, filter TrialFilter) ([]models.Trial, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Trial
	for _, t := range s.trials {
		if filter.State != "" && t.State != filter.State {
			continue
		}
		out = append(out, *t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *InMemoryStore) UpdateTrial(_ context.Context, t *models.Trial) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.trials[t.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != t.Version {
		return ErrConflict
	}
	t.Version++
	t.UpdatedAt = time.Now().UTC()
	c := t.Clone()
	// Identity columns are immutable in the SQL stores too.
	c.BuyerPhone, c.BuyerName, c.StorytellerName = stored.BuyerPhone, stored.BuyerName, stored.StorytellerName
	c.Album, c.JoinCode, c.CreatedAt = stored.Album, stored.JoinCode, stored.CreatedAt
	s.trials[t.ID] = c
	return nil
}

func (s *InMemoryStore) ListDueTrials(_ context.Context, now time.Time, limit int) ([]models.Trial, error) {
	if limit <= 0 {
		limit = DefaultDueLimit
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Trial
	for _, t := range s.trials {
		if isDue(t, now) {
			out = append(out, *t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func isDue(t *models.Trial, now time.Time) bool {
	if t.IsClaimed(now) {
		return false
	}
	switch t.State {
	case models.StateAwaitingInitialContact:
		return t.InitialContactAt != nil && !t.InitialContactAt.After(now)
	case models.StateWelcomeSent, models.StateAwaitingReadiness:
		return t.RetryReadinessAt != nil && !t.RetryReadinessAt.After(now)
	case models.StateQuestioning, models.StateReminderSent:
		return t.NextQuestionScheduledFor != nil && !t.NextQuestionScheduledFor.After(now)
	}
	return false
}

func (s *InMemoryStore) findVoiceNote(trialID string, questionIndex int) *models.VoiceNote {
	for _, v := range s.voiceNotes {
		if v.FreeTrialID == trialID && v.QuestionIndex == questionIndex {
			return v
		}
	}
	return nil
}

func cloneVoiceNote(v *models.VoiceNote) *models.VoiceNote {
	if v == nil {
		return nil
	}
	c := *v
	if v.CompletedAt != nil {
		ts := *v.CompletedAt
		c.CompletedAt = &ts
	}
	return &c
}

func (s *InMemoryStore) GetVoiceNote(_ context.Context, trialID string, questionIndex int) (*models.VoiceNote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneVoiceNote(s.findVoiceNote(trialID, questionIndex)), nil
}

func (s *InMemoryStore) GetVoiceNoteByMediaID(_ context.Context, trialID, mediaID string) (*models.VoiceNote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *models.VoiceNote
	for _, v := range s.voiceNotes {
		if v.FreeTrialID != trialID || v.MediaID != mediaID {
			continue
		}
		if found == nil || v.IsCompleted() {
			found = v
		}
	}
	return cloneVoiceNote(found), nil
}

func (s *InMemoryStore) ListVoiceNotes(_ context.Context, trialID string) ([]models.VoiceNote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.VoiceNote
	for _, v := range s.voiceNotes {
		if v.FreeTrialID == trialID {
			out = append(out, *cloneVoiceNote(v))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QuestionIndex < out[j].QuestionIndex })
	return out, nil
}

func (s *InMemoryStore) UpsertPendingVoiceNote(_ context.Context, v *models.VoiceNote) (*models.VoiceNote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.trials[v.FreeTrialID]; !ok {
		return nil, fmt.Errorf("failed to upsert voice note: trial %s: %w", v.FreeTrialID, ErrNotFound)
	}
	now := time.Now().UTC()
	existing := s.findVoiceNote(v.FreeTrialID, v.QuestionIndex)
	if existing == nil {
		c := cloneVoiceNote(v)
		c.DownloadStatus = models.DownloadStatusPending
		c.Attempts = 0
		c.LastError = ""
		c.CreatedAt, c.UpdatedAt = now, now
		s.voiceNotes[c.ID] = c
		return cloneVoiceNote(c), nil
	}
	if existing.DownloadStatus == models.DownloadStatusPending || existing.DownloadStatus == models.DownloadStatusFailed {
		existing.QuestionText = v.QuestionText
		existing.MediaID = v.MediaID
		existing.MediaURL = v.MediaURL
		existing.MimeType = v.MimeType
		existing.DownloadStatus = models.DownloadStatusPending
		existing.LastError = ""
		existing.UpdatedAt = now
	}
	return cloneVoiceNote(existing), nil
}

func (s *InMemoryStore) MarkVoiceNoteDownloading(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.voiceNotes[id]; ok && !v.IsCompleted() {
		v.DownloadStatus = models.DownloadStatusDownloading
		v.Attempts++
		v.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (s *InMemoryStore) MarkVoiceNoteCompleted(_ context.Context, id string, media models.CompletedMedia) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.voiceNotes[id]
	if !ok || v.IsCompleted() {
		return false, nil
	}
	now := time.Now().UTC()
	v.DownloadStatus = models.DownloadStatusCompleted
	if media.MediaID != "" {
		v.MediaID = media.MediaID
	}
	v.MediaURL = media.MediaURL
	v.LocalFilePath = media.LocalFilePath
	v.MimeType = media.MimeType
	v.SizeBytes = media.SizeBytes
	v.MediaSHA256 = media.SHA256
	v.LastError = ""
	v.CompletedAt = &now
	v.UpdatedAt = now
	return true, nil
}

func (s *InMemoryStore) MarkVoiceNoteFailed(_ context.Context, id string, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.voiceNotes[id]; ok && !v.IsCompleted() {
		v.DownloadStatus = models.DownloadStatusFailed
		v.LastError = errMsg
		v.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (s *InMemoryStore) FailStaleDownloads(_ context.Context, staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, v := range s.voiceNotes {
		if v.DownloadStatus == models.DownloadStatusDownloading && v.UpdatedAt.Before(staleBefore) {
			v.DownloadStatus = models.DownloadStatusFailed
			v.LastError = "download interrupted"
			v.UpdatedAt = time.Now().UTC()
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) RecordInbound(_ context.Context, messageID, trialID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inbound[messageID]; ok {
		return false, nil
	}
	s.inbound[messageID] = &DedupRecord{MessageID: messageID, TrialID: trialID, ReceivedAt: time.Now().UTC()}
	return true, nil
}

func (s *InMemoryStore) IsProcessed(_ context.Context, messageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.inbound[messageID]
	return ok && r.ProcessedAt != nil, nil
}

func (s *InMemoryStore) MarkProcessed(_ context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.inbound[messageID]; ok {
		now := time.Now().UTC()
		r.ProcessedAt = &now
	}
	return nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
