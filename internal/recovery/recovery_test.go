package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BTreeMap/StoryPipe/internal/models"
	"github.com/BTreeMap/StoryPipe/internal/store"
)

// Mock recoverable for testing
type mockRecoverable struct {
	recoverError  error
	recoverCalled bool
}

func (m *mockRecoverable) RecoverState(ctx context.Context) error {
	m.recoverCalled = true
	return m.recoverError
}

func TestRecoverAllRunsEveryComponent(t *testing.T) {
	rm := NewRecoveryManager()
	ok := &mockRecoverable{}
	failing := &mockRecoverable{recoverError: errors.New("boom")}
	var fnCalled bool
	rm.RegisterRecoverable(failing)
	rm.RegisterRecoverable(ok)
	rm.RegisterRecoverable(RecoverableFunc{Name: "catch-up", Fn: func(context.Context) error {
		fnCalled = true
		return nil
	}})

	err := rm.RecoverAll(context.Background())
	if err == nil {
		t.Error("expected an error from the failing component")
	}
	if !ok.recoverCalled || !failing.recoverCalled || !fnCalled {
		t.Error("expected every component to run despite the failure")
	}
}

func TestRecoverAllNoComponents(t *testing.T) {
	if err := NewRecoveryManager().RecoverAll(context.Background()); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func seedDownloading(t *testing.T, st *store.InMemoryStore, trialID string, index int) *models.VoiceNote {
	t.Helper()
	ctx := context.Background()
	trial := &models.Trial{ID: trialID, JoinCode: "STORY-" + trialID, State: models.StateQuestioning}
	if err := st.CreateTrial(ctx, trial); err != nil {
		t.Fatalf("CreateTrial failed: %v", err)
	}
	note, err := st.UpsertPendingVoiceNote(ctx, &models.VoiceNote{
		ID:            "vn-" + trialID,
		FreeTrialID:   trialID,
		QuestionIndex: index,
		MediaID:       "media-" + trialID,
	})
	if err != nil {
		t.Fatalf("UpsertPendingVoiceNote failed: %v", err)
	}
	if err := st.MarkVoiceNoteDownloading(ctx, note.ID); err != nil {
		t.Fatalf("MarkVoiceNoteDownloading failed: %v", err)
	}
	return note
}

func TestStaleDownloadsSweep(t *testing.T) {
	st := store.NewInMemoryStore()
	seedDownloading(t, st, "t1", 0)

	sweeper := NewStaleDownloads(st, 15*time.Minute)
	n, err := sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if n != 0 {
		t.Fatalf("fresh download must not be failed, got %d", n)
	}

	sweeper.clock = func() time.Time { return time.Now().Add(time.Hour) }
	if err := sweeper.RecoverState(context.Background()); err != nil {
		t.Fatalf("RecoverState failed: %v", err)
	}
	note, err := st.GetVoiceNote(context.Background(), "t1", 0)
	if err != nil || note == nil {
		t.Fatalf("GetVoiceNote failed: %v", err)
	}
	if note.DownloadStatus != models.DownloadStatusFailed {
		t.Errorf("expected failed, got %s", note.DownloadStatus)
	}
}
