package flow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/BTreeMap/StoryPipe/internal/gateway"
	"github.com/BTreeMap/StoryPipe/internal/ingest"
	"github.com/BTreeMap/StoryPipe/internal/media"
	"github.com/BTreeMap/StoryPipe/internal/models"
	"github.com/BTreeMap/StoryPipe/internal/retry"
	"github.com/BTreeMap/StoryPipe/internal/store"
)

const storytellerPhone = "15550001111"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	t       *testing.T
	store   *store.InMemoryStore
	mock    *gateway.MockGateway
	clock   *fakeClock
	machine *Machine
}

func testScript() Script {
	return Script{
		Welcome:       "welcome {storyteller}",
		Readiness:     "ready?",
		NotReady:      "no problem",
		Stalled:       "pausing",
		Question:      "{question}",
		Reminder:      "reminder: {question}",
		Acknowledge:   "thanks",
		Closing:       "all done",
		VoiceNoteHint: "voice note please",
		Questions:     []string{"Q-one", "Q-two", "Q-three"},
	}
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	s := store.NewInMemoryStore()
	blobs, err := media.NewBlobStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBlobStore failed: %v", err)
	}
	mock := gateway.NewMockGateway()
	policy := retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Sleep: func(context.Context, time.Duration) error { return nil }}
	gw := gateway.NewReliable(mock, gateway.WithRetryPolicy(policy), gateway.WithSendRate(rate.Inf, 1))
	clock := &fakeClock{now: time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)}
	base := []Option{
		WithClock(clock.Now),
		WithScript(testScript()),
		WithNextQuestionDelay(0),
		WithQuestionInterval(24 * time.Hour),
		WithReminderInterval(48 * time.Hour),
		WithReadinessBackoff(time.Hour, 4*time.Hour),
		WithMaxReadinessRetries(3),
		WithMaxReminders(2),
	}
	m := New(s, gw, ingest.New(s, gw, blobs), append(base, opts...)...)
	return &fixture{t: t, store: s, mock: mock, clock: clock, machine: m}
}

func (f *fixture) createTrial() *models.Trial {
	f.t.Helper()
	tr, err := f.machine.CreateTrial(context.Background(), models.CreateTrialRequest{
		BuyerPhone:       "+1 (555) 999-0000",
		BuyerName:        "Sam",
		StorytellerName:  "Grandma",
		StorytellerPhone: "+1 555 000 1111",
	})
	if err != nil {
		f.t.Fatalf("CreateTrial failed: %v", err)
	}
	return tr
}

func (f *fixture) trial(id string) *models.Trial {
	f.t.Helper()
	tr, err := f.store.GetTrial(context.Background(), id)
	if err != nil || tr == nil {
		f.t.Fatalf("GetTrial(%s) = %v, %v", id, tr, err)
	}
	return tr
}

func (f *fixture) text(id, body string) error {
	return f.machine.HandleInbound(context.Background(), models.InboundMessage{
		MessageID: id, From: storytellerPhone, Body: body, Time: f.clock.Now(),
	})
}

func (f *fixture) voice(id, mediaID string) error {
	return f.machine.HandleInbound(context.Background(), models.InboundMessage{
		MessageID: id, From: storytellerPhone, Time: f.clock.Now(),
		Media: &models.MediaRef{ID: mediaID, MimeType: "audio/ogg"},
	})
}

// startQuestioning drives a new trial to questioning on question 0.
func (f *fixture) startQuestioning() *models.Trial {
	f.t.Helper()
	tr := f.createTrial()
	if err := f.text("SM1", "hi"); err != nil {
		f.t.Fatalf("hi failed: %v", err)
	}
	if err := f.text("SM2", "yes"); err != nil {
		f.t.Fatalf("yes failed: %v", err)
	}
	tr = f.trial(tr.ID)
	if tr.State != models.StateQuestioning {
		f.t.Fatalf("expected questioning, got %s", tr.State)
	}
	f.mock.Reset()
	return tr
}

func (f *fixture) sent() []string {
	return f.mock.MessagesTo(storytellerPhone)
}

func TestCreateTrialCanonicalizesPhones(t *testing.T) {
	f := newFixture(t)
	tr := f.createTrial()
	if tr.BuyerPhone != "15559990000" || tr.Phone() != storytellerPhone {
		t.Errorf("phones not canonical: buyer=%s storyteller=%s", tr.BuyerPhone, tr.Phone())
	}
	if tr.State != models.StateAwaitingInitialContact {
		t.Errorf("expected awaiting_initial_contact, got %s", tr.State)
	}
	if len(tr.JoinCode) != len("STORY-")+6 {
		t.Errorf("unexpected join code %q", tr.JoinCode)
	}

	_, err := f.machine.CreateTrial(context.Background(), models.CreateTrialRequest{
		BuyerPhone: "15559990000", StorytellerName: "Grandma", StorytellerPhone: storytellerPhone,
	})
	if !errors.Is(err, ErrActiveTrialExists) {
		t.Errorf("expected ErrActiveTrialExists, got %v", err)
	}

	_, err = f.machine.CreateTrial(context.Background(), models.CreateTrialRequest{StorytellerName: "Grandma"})
	if !errors.Is(err, models.ErrEmptyBuyerPhone) {
		t.Errorf("expected ErrEmptyBuyerPhone, got %v", err)
	}
}

func TestInitialContactSendsWelcomeAndReadiness(t *testing.T) {
	f := newFixture(t)
	tr := f.createTrial()

	if err := f.text("SM1", "hi"); err != nil {
		t.Fatalf("HandleInbound failed: %v", err)
	}

	got := f.sent()
	if len(got) != 2 || got[0] != "welcome Grandma" || got[1] != "ready?" {
		t.Fatalf("expected welcome and readiness, got %q", got)
	}
	tr = f.trial(tr.ID)
	if tr.State != models.StateAwaitingReadiness {
		t.Errorf("expected awaiting_readiness, got %s", tr.State)
	}
	now := f.clock.Now()
	if tr.WelcomeSentAt == nil || tr.ReadinessAskedAt == nil {
		t.Errorf("timestamps not stamped: %+v", tr)
	}
	if tr.RetryReadinessAt == nil || !tr.RetryReadinessAt.Equal(now.Add(time.Hour)) {
		t.Errorf("expected retry at now+1h, got %v", tr.RetryReadinessAt)
	}
	if tr.ClaimedUntil != nil {
		t.Errorf("claim not released: %v", tr.ClaimedUntil)
	}
}

func TestReadinessSendFailureLeavesWelcomeSentDue(t *testing.T) {
	f := newFixture(t)
	tr := f.createTrial()
	// Welcome succeeds, readiness fails permanently.
	f.mock.FailSends(nil, gateway.Permanent("SendText", errors.New("rejected")))

	if err := f.text("SM1", "hi"); err == nil {
		t.Fatal("expected readiness send error")
	}
	tr = f.trial(tr.ID)
	if tr.State != models.StateWelcomeSent {
		t.Fatalf("expected welcome_sent, got %s", tr.State)
	}
	due, err := f.store.ListDueTrials(context.Background(), f.clock.Now(), 0)
	if err != nil || len(due) != 1 {
		t.Fatalf("expected trial to be due, got %d (%v)", len(due), err)
	}

	f.mock.Reset()
	if err := f.machine.RunDue(context.Background(), tr.ID); err != nil {
		t.Fatalf("RunDue failed: %v", err)
	}
	if got := f.sent(); len(got) != 1 || got[0] != "ready?" {
		t.Fatalf("expected readiness resend, got %q", got)
	}
	if tr = f.trial(tr.ID); tr.State != models.StateAwaitingReadiness || tr.RetryCount != 0 {
		t.Errorf("expected awaiting_readiness with no failures counted, got %s/%d", tr.State, tr.RetryCount)
	}
}

func TestWelcomeSendFailureRetriedByScheduler(t *testing.T) {
	f := newFixture(t)
	tr := f.createTrial()
	f.mock.FailSends(gateway.Permanent("SendText", errors.New("rejected")))

	if err := f.text("SM1", "hi"); !gateway.IsPermanent(err) {
		t.Fatalf("expected permanent welcome error, got %v", err)
	}
	tr = f.trial(tr.ID)
	if tr.State != models.StateAwaitingInitialContact || tr.InitialContactAt == nil || tr.ClaimedUntil != nil {
		t.Fatalf("expected released initial contact, got %s contact=%v claim=%v", tr.State, tr.InitialContactAt, tr.ClaimedUntil)
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		f.clock.Advance(10 * time.Minute)
		due, err := f.store.ListDueTrials(ctx, f.clock.Now(), 0)
		if err != nil {
			t.Fatalf("ListDueTrials failed: %v", err)
		}
		for _, d := range due {
			if err := f.machine.RunDue(ctx, d.ID); err != nil {
				t.Fatalf("RunDue failed: %v", err)
			}
		}
	}

	if got := f.sent(); len(got) != 2 || got[0] != "welcome Grandma" || got[1] != "ready?" {
		t.Fatalf("expected welcome and readiness once, got %q", got)
	}
	if tr = f.trial(tr.ID); tr.State != models.StateAwaitingReadiness || tr.WelcomeSentAt == nil {
		t.Errorf("expected awaiting_readiness after retry, got %s", tr.State)
	}
}

func TestAffirmativeReplySendsFirstQuestion(t *testing.T) {
	f := newFixture(t)
	tr := f.createTrial()
	if err := f.text("SM1", "hi"); err != nil {
		t.Fatalf("hi failed: %v", err)
	}
	f.mock.Reset()

	if err := f.text("SM2", "Yes!"); err != nil {
		t.Fatalf("yes failed: %v", err)
	}

	if got := f.sent(); len(got) != 1 || got[0] != "Q-one" {
		t.Fatalf("expected first question, got %q", got)
	}
	tr = f.trial(tr.ID)
	if tr.State != models.StateQuestioning {
		t.Fatalf("expected questioning, got %s", tr.State)
	}
	now := f.clock.Now()
	if tr.NextQuestionScheduledFor == nil || !tr.NextQuestionScheduledFor.After(now) {
		t.Errorf("expected future next_question_scheduled_for, got %v", tr.NextQuestionScheduledFor)
	}
	if tr.LastQuestionSentAt == nil || tr.RetryReadinessAt != nil {
		t.Errorf("unexpected timers: last=%v retry=%v", tr.LastQuestionSentAt, tr.RetryReadinessAt)
	}
	if tr.CurrentQuestionIndex != 0 {
		t.Errorf("index moved to %d", tr.CurrentQuestionIndex)
	}
}

func TestAffirmativeReplyQuestionFailureRetriedByScheduler(t *testing.T) {
	f := newFixture(t)
	tr := f.createTrial()
	if err := f.text("SM1", "hi"); err != nil {
		t.Fatalf("hi failed: %v", err)
	}
	f.mock.Reset()
	f.mock.FailSends(gateway.Permanent("SendText", errors.New("rejected")))

	if err := f.text("SM2", "ok"); err == nil {
		t.Fatal("expected send error")
	}
	tr = f.trial(tr.ID)
	if tr.State != models.StateAwaitingReadiness || tr.LastReadinessResponse != models.ReadinessAffirmative {
		t.Fatalf("expected pending affirmative, got %s/%q", tr.State, tr.LastReadinessResponse)
	}

	if err := f.machine.RunDue(context.Background(), tr.ID); err != nil {
		t.Fatalf("RunDue failed: %v", err)
	}
	if got := f.sent(); len(got) != 1 || got[0] != "Q-one" {
		t.Fatalf("expected first question from scheduler, got %q", got)
	}
	if tr = f.trial(tr.ID); tr.State != models.StateQuestioning {
		t.Errorf("expected questioning, got %s", tr.State)
	}
}

func TestVoiceNoteAdvancesAndSendsNextQuestion(t *testing.T) {
	f := newFixture(t)
	tr := f.startQuestioning()
	f.mock.AddMedia("ME1", "audio/ogg", []byte("answer one"))

	if err := f.voice("MM1", "ME1"); err != nil {
		t.Fatalf("voice note failed: %v", err)
	}

	note, err := f.store.GetVoiceNote(context.Background(), tr.ID, 0)
	if err != nil || note == nil {
		t.Fatalf("GetVoiceNote = %v, %v", note, err)
	}
	if !note.IsCompleted() || note.QuestionText != "Q-one" {
		t.Errorf("unexpected note %+v", note)
	}
	tr = f.trial(tr.ID)
	if tr.CurrentQuestionIndex != 1 || tr.State != models.StateQuestioning {
		t.Errorf("expected index 1 questioning, got %d %s", tr.CurrentQuestionIndex, tr.State)
	}
	if got := f.sent(); len(got) != 2 || got[0] != "thanks" || got[1] != "Q-two" {
		t.Errorf("expected ack and next question, got %q", got)
	}
	if tr.LastQuestionSentAt == nil || tr.ClaimedUntil != nil {
		t.Errorf("question send not recorded: last=%v claim=%v", tr.LastQuestionSentAt, tr.ClaimedUntil)
	}
}

func TestDuplicateVoiceNoteAdvancesOnce(t *testing.T) {
	f := newFixture(t)
	tr := f.startQuestioning()
	f.mock.AddMedia("ME1", "audio/ogg", []byte("answer one"))

	for i := 0; i < 2; i++ {
		if err := f.voice("MM1", "ME1"); err != nil {
			t.Fatalf("delivery %d failed: %v", i+1, err)
		}
	}

	notes, err := f.store.ListVoiceNotes(context.Background(), tr.ID)
	if err != nil {
		t.Fatalf("ListVoiceNotes failed: %v", err)
	}
	if len(notes) != 1 {
		t.Fatalf("expected one voice note, got %d", len(notes))
	}
	if tr = f.trial(tr.ID); tr.CurrentQuestionIndex != 1 {
		t.Errorf("expected index 1, got %d", tr.CurrentQuestionIndex)
	}
	if f.mock.DownloadCalls != 1 {
		t.Errorf("expected one download, got %d", f.mock.DownloadCalls)
	}
}

func TestVoiceNoteTransientDownloadFailuresRecovered(t *testing.T) {
	f := newFixture(t)
	tr := f.startQuestioning()
	f.mock.AddMedia("ME1", "audio/ogg", []byte("answer one"))
	f.mock.FailDownloads(
		gateway.Transient("DownloadMedia", errors.New("503")),
		gateway.Transient("DownloadMedia", errors.New("503")),
	)

	if err := f.voice("MM1", "ME1"); err != nil {
		t.Fatalf("voice note failed: %v", err)
	}
	note, _ := f.store.GetVoiceNote(context.Background(), tr.ID, 0)
	if note == nil || !note.IsCompleted() {
		t.Fatalf("expected completed note, got %+v", note)
	}
	if f.mock.DownloadCalls != 3 {
		t.Errorf("expected 3 download attempts, got %d", f.mock.DownloadCalls)
	}
	if tr = f.trial(tr.ID); tr.CurrentQuestionIndex != 1 {
		t.Errorf("expected index 1, got %d", tr.CurrentQuestionIndex)
	}
}

func TestVoiceNoteDownloadExhaustedDoesNotAdvance(t *testing.T) {
	f := newFixture(t)
	tr := f.startQuestioning()
	f.mock.AddMedia("ME1", "audio/ogg", []byte("answer one"))
	for i := 0; i < 3; i++ {
		f.mock.FailDownloads(gateway.Transient("DownloadMedia", errors.New("503")))
	}

	err := f.voice("MM1", "ME1")
	if !gateway.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	note, _ := f.store.GetVoiceNote(context.Background(), tr.ID, 0)
	if note == nil || note.DownloadStatus != models.DownloadStatusFailed {
		t.Fatalf("expected failed note, got %+v", note)
	}
	tr = f.trial(tr.ID)
	if tr.CurrentQuestionIndex != 0 || tr.State != models.StateQuestioning {
		t.Errorf("trial advanced: %d %s", tr.CurrentQuestionIndex, tr.State)
	}
	if got := f.sent(); len(got) != 0 {
		t.Errorf("storyteller was messaged: %q", got)
	}

	// Redelivery of the same message completes the answer.
	if err := f.voice("MM1", "ME1"); err != nil {
		t.Fatalf("redelivery failed: %v", err)
	}
	if tr = f.trial(tr.ID); tr.CurrentQuestionIndex != 1 {
		t.Errorf("expected index 1 after redelivery, got %d", tr.CurrentQuestionIndex)
	}
}

func TestStoredAnswerWithoutAdvanceIsCompletedOnRedelivery(t *testing.T) {
	f := newFixture(t)
	tr := f.startQuestioning()
	f.mock.AddMedia("ME1", "audio/ogg", []byte("answer one"))

	// Simulate a crash between storing the note and advancing the trial.
	blobs, _ := media.NewBlobStore(t.TempDir())
	p := ingest.New(f.store, f.mock, blobs)
	if _, err := p.Ingest(context.Background(), ingest.Request{TrialID: tr.ID, QuestionIndex: 0, QuestionText: "Q-one", Media: models.MediaRef{ID: "ME1"}}); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	if err := f.voice("MM1", "ME1"); err != nil {
		t.Fatalf("redelivery failed: %v", err)
	}
	if tr = f.trial(tr.ID); tr.CurrentQuestionIndex != 1 {
		t.Errorf("expected index 1, got %d", tr.CurrentQuestionIndex)
	}
	if err := f.voice("MM1", "ME1"); err != nil {
		t.Fatalf("second redelivery failed: %v", err)
	}
	if tr = f.trial(tr.ID); tr.CurrentQuestionIndex != 1 {
		t.Errorf("index advanced twice: %d", tr.CurrentQuestionIndex)
	}
}

func TestLastAnswerCompletesTrial(t *testing.T) {
	f := newFixture(t)
	tr := f.startQuestioning()
	for i, id := range []string{"ME1", "ME2", "ME3"} {
		f.mock.AddMedia(id, "audio/ogg", []byte("answer "+id))
		if err := f.voice("MM"+id, id); err != nil {
			t.Fatalf("answer %d failed: %v", i, err)
		}
	}
	tr = f.trial(tr.ID)
	if tr.State != models.StateCompleted || tr.CompletedAt == nil {
		t.Fatalf("expected completed, got %s", tr.State)
	}
	if tr.CurrentQuestionIndex != 3 {
		t.Errorf("expected index 3, got %d", tr.CurrentQuestionIndex)
	}
	got := f.sent()
	if got[len(got)-1] != "all done" {
		t.Errorf("expected closing message last, got %q", got)
	}

	// Messages after completion are ignored.
	f.mock.Reset()
	if err := f.text("SM9", "hello?"); err != nil {
		t.Fatalf("post-completion message failed: %v", err)
	}
	if len(f.sent()) != 0 {
		t.Errorf("completed trial replied: %q", f.sent())
	}
}

func TestNextQuestionDelayDefersToScheduler(t *testing.T) {
	f := newFixture(t, WithNextQuestionDelay(24*time.Hour))
	tr := f.startQuestioning()
	f.mock.AddMedia("ME1", "audio/ogg", []byte("answer one"))

	if err := f.voice("MM1", "ME1"); err != nil {
		t.Fatalf("voice note failed: %v", err)
	}
	tr = f.trial(tr.ID)
	if tr.LastQuestionSentAt != nil {
		t.Errorf("next question marked sent: %v", tr.LastQuestionSentAt)
	}
	want := f.clock.Now().Add(24 * time.Hour)
	if tr.NextQuestionScheduledFor == nil || !tr.NextQuestionScheduledFor.Equal(want) {
		t.Fatalf("expected next question at %v, got %v", want, tr.NextQuestionScheduledFor)
	}
	if got := f.sent(); len(got) != 1 || got[0] != "thanks" {
		t.Fatalf("expected only the ack, got %q", got)
	}

	f.clock.Advance(24 * time.Hour)
	f.mock.Reset()
	if err := f.machine.RunDue(context.Background(), tr.ID); err != nil {
		t.Fatalf("RunDue failed: %v", err)
	}
	if got := f.sent(); len(got) != 1 || got[0] != "Q-two" {
		t.Fatalf("expected second question, got %q", got)
	}
	if tr = f.trial(tr.ID); tr.LastQuestionSentAt == nil || tr.State != models.StateQuestioning {
		t.Errorf("question not recorded: %+v", tr)
	}
}

func TestVoiceNoteBeforeDelayedQuestionIgnored(t *testing.T) {
	f := newFixture(t, WithNextQuestionDelay(24*time.Hour))
	tr := f.startQuestioning()
	ctx := context.Background()
	f.mock.AddMedia("ME1", "audio/ogg", []byte("answer one"))
	f.mock.AddMedia("ME2", "audio/ogg", []byte("more about Q-one"))

	if err := f.voice("MM1", "ME1"); err != nil {
		t.Fatalf("first voice note failed: %v", err)
	}
	downloads := f.mock.DownloadCalls

	f.clock.Advance(time.Minute)
	if err := f.voice("MM2", "ME2"); err != nil {
		t.Fatalf("second voice note failed: %v", err)
	}
	if note, err := f.store.GetVoiceNote(ctx, tr.ID, 1); err != nil || note != nil {
		t.Fatalf("voice note stored for unsent question: %+v, %v", note, err)
	}
	if f.mock.DownloadCalls != downloads {
		t.Errorf("media downloaded for unsent question")
	}
	if tr = f.trial(tr.ID); tr.CurrentQuestionIndex != 1 || tr.LastQuestionSentAt != nil {
		t.Fatalf("trial moved: index %d sent %v", tr.CurrentQuestionIndex, tr.LastQuestionSentAt)
	}

	f.clock.Advance(24 * time.Hour)
	if err := f.machine.RunDue(ctx, tr.ID); err != nil {
		t.Fatalf("RunDue failed: %v", err)
	}
	if err := f.voice("MM3", "ME2"); err != nil {
		t.Fatalf("answer to sent question failed: %v", err)
	}
	if tr = f.trial(tr.ID); tr.CurrentQuestionIndex != 2 {
		t.Errorf("expected index 2 after answering Q-two, got %d", tr.CurrentQuestionIndex)
	}
}

func TestRemindersEscalateThenWait(t *testing.T) {
	f := newFixture(t)
	tr := f.startQuestioning()
	ctx := context.Background()

	f.clock.Advance(24 * time.Hour)
	if err := f.machine.RunDue(ctx, tr.ID); err != nil {
		t.Fatalf("first reminder failed: %v", err)
	}
	tr = f.trial(tr.ID)
	if tr.State != models.StateReminderSent || tr.ReminderCount != 1 {
		t.Fatalf("expected reminder_sent/1, got %s/%d", tr.State, tr.ReminderCount)
	}
	if want := f.clock.Now().Add(48 * time.Hour); !tr.NextQuestionScheduledFor.Equal(want) {
		t.Errorf("expected reminder window %v, got %v", want, tr.NextQuestionScheduledFor)
	}

	f.clock.Advance(48 * time.Hour)
	if err := f.machine.RunDue(ctx, tr.ID); err != nil {
		t.Fatalf("second reminder failed: %v", err)
	}
	tr = f.trial(tr.ID)
	if tr.ReminderCount != 2 || tr.NextQuestionScheduledFor != nil {
		t.Fatalf("expected reminders exhausted, got %d next=%v", tr.ReminderCount, tr.NextQuestionScheduledFor)
	}
	if tr.CurrentQuestionIndex != 0 {
		t.Errorf("reminder advanced the index to %d", tr.CurrentQuestionIndex)
	}
	if got := f.sent(); len(got) != 2 || got[0] != "reminder: Q-one" || got[1] != "reminder: Q-one" {
		t.Errorf("unexpected reminders %q", got)
	}

	f.clock.Advance(30 * 24 * time.Hour)
	due, _ := f.store.ListDueTrials(ctx, f.clock.Now(), 0)
	if len(due) != 0 {
		t.Errorf("trial still due after reminders ran out")
	}

	// An answer after the reminders still advances the trial.
	f.mock.AddMedia("ME1", "audio/ogg", []byte("late answer"))
	if err := f.voice("MM1", "ME1"); err != nil {
		t.Fatalf("late answer failed: %v", err)
	}
	tr = f.trial(tr.ID)
	if tr.CurrentQuestionIndex != 1 || tr.State != models.StateQuestioning || tr.ReminderCount != 0 {
		t.Errorf("unexpected trial after late answer: %d %s %d", tr.CurrentQuestionIndex, tr.State, tr.ReminderCount)
	}
}

func TestReadinessTimeoutsStallTrial(t *testing.T) {
	f := newFixture(t)
	tr := f.createTrial()
	ctx := context.Background()
	if err := f.text("SM1", "hi"); err != nil {
		t.Fatalf("hi failed: %v", err)
	}
	f.mock.Reset()

	for i := 1; i <= 2; i++ {
		f.clock.Advance(5 * time.Hour)
		if err := f.machine.RunDue(ctx, tr.ID); err != nil {
			t.Fatalf("retry %d failed: %v", i, err)
		}
		tr = f.trial(tr.ID)
		if tr.RetryCount != i || tr.State != models.StateAwaitingReadiness {
			t.Fatalf("after retry %d: count=%d state=%s", i, tr.RetryCount, tr.State)
		}
	}
	if got := f.sent(); len(got) != 2 {
		t.Fatalf("expected two readiness resends, got %q", got)
	}

	f.clock.Advance(5 * time.Hour)
	err := f.machine.RunDue(ctx, tr.ID)
	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("expected ErrRetryExhausted, got %v", err)
	}
	tr = f.trial(tr.ID)
	if tr.State != models.StateStalled || tr.StalledAt == nil || tr.RetryReadinessAt != nil {
		t.Fatalf("expected stalled with timers cleared, got %+v", tr)
	}

	f.mock.Reset()
	f.clock.Advance(72 * time.Hour)
	due, _ := f.store.ListDueTrials(ctx, f.clock.Now(), 0)
	if len(due) != 0 {
		t.Fatalf("stalled trial still due")
	}
	if err := f.machine.RunDue(ctx, tr.ID); err != nil {
		t.Fatalf("RunDue on stalled trial: %v", err)
	}
	if err := f.text("SM5", "yes"); err != nil {
		t.Fatalf("reply to stalled trial: %v", err)
	}
	if got := f.sent(); len(got) != 0 {
		t.Errorf("stalled trial sent %q", got)
	}
}

func TestNegativeRepliesStallTrial(t *testing.T) {
	f := newFixture(t)
	tr := f.createTrial()
	if err := f.text("SM1", "hi"); err != nil {
		t.Fatalf("hi failed: %v", err)
	}
	f.mock.Reset()

	replies := []string{"not now", "maybe?", "no"}
	for i, body := range replies {
		if err := f.text("SMR"+body, body); err != nil {
			t.Fatalf("reply %d failed: %v", i, err)
		}
	}
	tr = f.trial(tr.ID)
	if tr.State != models.StateStalled || tr.RetryCount != 3 {
		t.Fatalf("expected stalled after 3 replies, got %s/%d", tr.State, tr.RetryCount)
	}
	got := f.sent()
	if len(got) != 3 || got[0] != "no problem" || got[2] != "pausing" {
		t.Errorf("unexpected acknowledgments %q", got)
	}
}

func TestNegativeReplyRearmsWithBackoff(t *testing.T) {
	f := newFixture(t)
	tr := f.createTrial()
	if err := f.text("SM1", "hi"); err != nil {
		t.Fatalf("hi failed: %v", err)
	}
	if err := f.text("SM2", "later please"); err != nil {
		t.Fatalf("reply failed: %v", err)
	}
	tr = f.trial(tr.ID)
	want := f.clock.Now().Add(2 * time.Hour)
	if tr.RetryCount != 1 || tr.LastReadinessResponse != models.ReadinessNegative {
		t.Fatalf("unexpected retry state %d/%q", tr.RetryCount, tr.LastReadinessResponse)
	}
	if !tr.RetryReadinessAt.Equal(want) {
		t.Errorf("expected retry at %v, got %v", want, tr.RetryReadinessAt)
	}

	// The resend after a counted reply does not count again.
	f.clock.Advance(2 * time.Hour)
	f.mock.Reset()
	if err := f.machine.RunDue(context.Background(), tr.ID); err != nil {
		t.Fatalf("RunDue failed: %v", err)
	}
	tr = f.trial(tr.ID)
	if tr.RetryCount != 1 || tr.LastReadinessResponse != models.ReadinessNone {
		t.Errorf("unexpected retry state after resend %d/%q", tr.RetryCount, tr.LastReadinessResponse)
	}
	if got := f.sent(); len(got) != 1 || got[0] != "ready?" {
		t.Errorf("expected readiness resend, got %q", got)
	}
}

func TestResumeTrial(t *testing.T) {
	f := newFixture(t, WithMaxReadinessRetries(1))
	tr := f.createTrial()
	ctx := context.Background()
	if err := f.text("SM1", "hi"); err != nil {
		t.Fatalf("hi failed: %v", err)
	}
	if _, err := f.machine.ResumeTrial(ctx, tr.ID); !errors.Is(err, ErrNotStalled) {
		t.Fatalf("expected ErrNotStalled, got %v", err)
	}
	if err := f.text("SM2", "no"); err != nil {
		t.Fatalf("no failed: %v", err)
	}
	if tr = f.trial(tr.ID); tr.State != models.StateStalled {
		t.Fatalf("expected stalled, got %s", tr.State)
	}

	tr, err := f.machine.ResumeTrial(ctx, tr.ID)
	if err != nil {
		t.Fatalf("ResumeTrial failed: %v", err)
	}
	if tr.State != models.StateAwaitingReadiness || tr.RetryCount != 0 || tr.StalledAt != nil {
		t.Fatalf("unexpected resumed trial %+v", tr)
	}

	f.mock.Reset()
	if err := f.machine.RunDue(ctx, tr.ID); err != nil {
		t.Fatalf("RunDue failed: %v", err)
	}
	if got := f.sent(); len(got) != 1 || got[0] != "ready?" {
		t.Fatalf("expected readiness re-ask, got %q", got)
	}
	if tr = f.trial(tr.ID); tr.RetryCount != 0 {
		t.Errorf("re-ask counted as failure: %d", tr.RetryCount)
	}

	if _, err := f.machine.ResumeTrial(ctx, "ft_missing"); !errors.Is(err, ErrTrialNotFound) {
		t.Errorf("expected ErrTrialNotFound, got %v", err)
	}
}

func TestJoinCodeBindsUnknownSender(t *testing.T) {
	f := newFixture(t)
	tr, err := f.machine.CreateTrial(context.Background(), models.CreateTrialRequest{
		BuyerPhone: "15559990000", StorytellerName: "Grandpa",
	})
	if err != nil {
		t.Fatalf("CreateTrial failed: %v", err)
	}

	err = f.machine.HandleInbound(context.Background(), models.InboundMessage{MessageID: "SM0", From: "15557770000", Body: "hello"})
	if !errors.Is(err, ErrUnknownSender) {
		t.Fatalf("expected ErrUnknownSender, got %v", err)
	}

	body := "hi it's me " + tr.JoinCode[:6] + "abc" // wrong code
	if err := f.machine.HandleInbound(context.Background(), models.InboundMessage{MessageID: "SM1", From: "whatsapp:+1 555 777 0000", Body: body}); !errors.Is(err, ErrUnknownSender) {
		t.Fatalf("expected ErrUnknownSender for bad code, got %v", err)
	}

	lower := "my code is " + "story-" + tr.JoinCode[len("STORY-"):]
	if err := f.machine.HandleInbound(context.Background(), models.InboundMessage{MessageID: "SM2", From: "whatsapp:+1 555 777 0000", Body: lower}); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	tr = f.trial(tr.ID)
	if tr.Phone() != "15557770000" || tr.State != models.StateAwaitingReadiness {
		t.Fatalf("expected bound phone and readiness, got %q %s", tr.Phone(), tr.State)
	}
	if got := f.mock.MessagesTo("15557770000"); len(got) != 2 || got[0] != "welcome Grandpa" {
		t.Errorf("unexpected messages %q", got)
	}

	// A second phone cannot take over a bound code.
	err = f.machine.HandleInbound(context.Background(), models.InboundMessage{MessageID: "SM3", From: "15556660000", Body: tr.JoinCode})
	if !errors.Is(err, ErrUnknownSender) {
		t.Errorf("expected ErrUnknownSender for second phone, got %v", err)
	}
}

func TestTextDuringQuestioningSendsHint(t *testing.T) {
	f := newFixture(t)
	tr := f.startQuestioning()
	if err := f.text("SM3", "I'll tell you tomorrow"); err != nil {
		t.Fatalf("text failed: %v", err)
	}
	if got := f.sent(); len(got) != 1 || got[0] != "voice note please" {
		t.Errorf("expected hint, got %q", got)
	}
	if after := f.trial(tr.ID); after.Version != tr.Version {
		t.Errorf("text changed the trial: version %d -> %d", tr.Version, after.Version)
	}
}

func TestTextAfterReminderReopensQuestion(t *testing.T) {
	f := newFixture(t)
	tr := f.startQuestioning()
	ctx := context.Background()

	f.clock.Advance(24 * time.Hour)
	if err := f.machine.RunDue(ctx, tr.ID); err != nil {
		t.Fatalf("reminder failed: %v", err)
	}
	reminded := f.trial(tr.ID)
	if reminded.State != models.StateReminderSent {
		t.Fatalf("expected reminder_sent, got %s", reminded.State)
	}

	f.mock.Reset()
	if err := f.text("SM3", "sorry, busy today"); err != nil {
		t.Fatalf("text failed: %v", err)
	}
	if got := f.sent(); len(got) != 1 || got[0] != "voice note please" {
		t.Errorf("expected hint, got %q", got)
	}
	tr = f.trial(tr.ID)
	if tr.State != models.StateQuestioning {
		t.Fatalf("expected questioning after reply, got %s", tr.State)
	}
	if tr.ReminderCount != 1 || !tr.NextQuestionScheduledFor.Equal(*reminded.NextQuestionScheduledFor) {
		t.Errorf("reply reset reminders: count %d next %v", tr.ReminderCount, tr.NextQuestionScheduledFor)
	}

	f.clock.Advance(48 * time.Hour)
	if err := f.machine.RunDue(ctx, tr.ID); err != nil {
		t.Fatalf("second reminder failed: %v", err)
	}
	if tr = f.trial(tr.ID); tr.State != models.StateReminderSent || tr.ReminderCount != 2 || tr.NextQuestionScheduledFor != nil {
		t.Errorf("expected last reminder, got %s/%d next=%v", tr.State, tr.ReminderCount, tr.NextQuestionScheduledFor)
	}
}

// blockingGateway holds SendText until release is closed and records what the
// store looked like while the send was in flight.
type blockingGateway struct {
	*gateway.MockGateway
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *blockingGateway) SendText(ctx context.Context, recipient, body string) error {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return g.MockGateway.SendText(ctx, recipient, body)
}

func TestRunDueClaimsBeforeSending(t *testing.T) {
	f := newFixture(t)
	tr := f.startQuestioning()
	ctx := context.Background()
	f.clock.Advance(24 * time.Hour)

	gw := &blockingGateway{MockGateway: f.mock, entered: make(chan struct{}), release: make(chan struct{})}
	m := New(f.store, gw, nil, WithClock(f.clock.Now), WithScript(testScript()), WithMaxReminders(2))

	done := make(chan error, 1)
	go func() { done <- m.RunDue(ctx, tr.ID) }()
	<-gw.entered

	// While the first send is in flight the row is claimed and not selectable.
	inFlight := f.trial(tr.ID)
	if !inFlight.IsClaimed(f.clock.Now()) {
		t.Fatal("trial not claimed before send")
	}
	due, err := f.store.ListDueTrials(ctx, f.clock.Now(), 0)
	if err != nil || len(due) != 0 {
		t.Fatalf("claimed trial still due: %d (%v)", len(due), err)
	}
	if err := m.RunDue(ctx, tr.ID); err != nil {
		t.Fatalf("concurrent RunDue failed: %v", err)
	}

	close(gw.release)
	if err := <-done; err != nil {
		t.Fatalf("RunDue failed: %v", err)
	}
	if err := m.RunDue(ctx, tr.ID); err != nil {
		t.Fatalf("repeated RunDue failed: %v", err)
	}
	if got := f.sent(); len(got) != 1 {
		t.Fatalf("expected exactly one reminder, got %q", got)
	}
}

func TestRunDueConcurrentTicksSendOnce(t *testing.T) {
	f := newFixture(t)
	tr := f.startQuestioning()
	f.clock.Advance(24 * time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f.machine.RunDue(context.Background(), tr.ID); err != nil {
				t.Errorf("RunDue failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := f.sent(); len(got) != 1 {
		t.Fatalf("expected one reminder, got %q", got)
	}
	if tr = f.trial(tr.ID); tr.ReminderCount != 1 {
		t.Errorf("expected reminder count 1, got %d", tr.ReminderCount)
	}
}

func TestFailedSendReleasesClaim(t *testing.T) {
	f := newFixture(t)
	tr := f.startQuestioning()
	f.clock.Advance(24 * time.Hour)
	f.mock.FailSends(gateway.Permanent("SendText", errors.New("rejected")))

	if err := f.machine.RunDue(context.Background(), tr.ID); !gateway.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	tr = f.trial(tr.ID)
	if tr.ClaimedUntil != nil || tr.State != models.StateQuestioning || tr.ReminderCount != 0 {
		t.Fatalf("failed send changed the trial: %+v", tr)
	}
	if err := f.machine.RunDue(context.Background(), tr.ID); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if tr = f.trial(tr.ID); tr.State != models.StateReminderSent {
		t.Errorf("expected reminder_sent after retry, got %s", tr.State)
	}
}

func TestQuestionIndexNeverDecreases(t *testing.T) {
	f := newFixture(t)
	tr := f.startQuestioning()
	ctx := context.Background()
	last := 0
	check := func(step string) {
		got := f.trial(tr.ID).CurrentQuestionIndex
		if got < last {
			t.Fatalf("%s: index decreased %d -> %d", step, last, got)
		}
		last = got
	}
	f.mock.AddMedia("ME1", "audio/ogg", []byte("one"))
	f.mock.AddMedia("ME2", "audio/ogg", []byte("two"))

	_ = f.voice("MM1", "ME1")
	check("answer 1")
	_ = f.voice("MM1", "ME1")
	check("replay 1")
	f.clock.Advance(24 * time.Hour)
	_ = f.machine.RunDue(ctx, tr.ID)
	check("reminder")
	_ = f.voice("MM2", "ME2")
	check("answer 2")
	_ = f.voice("MMX", "missing")
	check("missing media")
	if last != 2 {
		t.Errorf("expected index 2, got %d", last)
	}
}
