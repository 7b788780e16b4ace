package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/BTreeMap/StoryPipe/internal/ingest"
	"github.com/BTreeMap/StoryPipe/internal/models"
	"github.com/BTreeMap/StoryPipe/internal/store"
	"github.com/BTreeMap/StoryPipe/internal/util"
)

var joinCodePattern = regexp.MustCompile(`(?i)` + regexp.QuoteMeta(util.JoinCodePrefix) + `[0-9A-Z]{6}`)

// maxJoinCodeAttempts bounds regeneration after a join code collision.
const maxJoinCodeAttempts = 5

// HandleInbound routes one inbound message to the sender's trial. A sender
// without a trial is bound through a join code in the message body, otherwise
// ErrUnknownSender is returned. Messages for finished trials are ignored.
func (m *Machine) HandleInbound(ctx context.Context, msg models.InboundMessage) error {
	phone, err := util.CanonicalizePhone(msg.From)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnknownSender, err)
	}
	log := slog.With("from", phone, "messageID", msg.MessageID)

	trial, err := m.trials.GetTrialByPhone(ctx, phone)
	if err != nil {
		return fmt.Errorf("look up trial by phone: %w", err)
	}
	if trial == nil || trial.State.IsTerminal() {
		bound, err := m.bindJoinCode(ctx, phone, msg.Body)
		if err != nil {
			return err
		}
		if bound != nil {
			trial = bound
		}
	}
	if trial == nil {
		log.Info("Machine.HandleInbound: message from unknown sender")
		return ErrUnknownSender
	}
	log = log.With("trialID", trial.ID, "state", trial.State)

	switch trial.State {
	case models.StateCompleted, models.StateStalled:
		log.Debug("Machine.HandleInbound: trial finished, ignoring message")
		return nil
	}

	if msg.IsVoiceNote() {
		return m.handleVoiceNote(ctx, trial, msg)
	}
	return m.handleText(ctx, trial, msg)
}

// bindJoinCode attaches phone to the trial named by a join code in body.
// It returns nil when body carries no usable code.
func (m *Machine) bindJoinCode(ctx context.Context, phone, body string) (*models.Trial, error) {
	code := strings.ToUpper(joinCodePattern.FindString(body))
	if code == "" {
		return nil, nil
	}
	candidate, err := m.trials.GetTrialByJoinCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("look up join code: %w", err)
	}
	if candidate == nil {
		slog.Info("Machine.bindJoinCode: unknown join code", "from", phone, "joinCode", code)
		return nil, nil
	}
	bound, err := m.mutate(ctx, candidate.ID, func(t *models.Trial) error {
		if existing := t.Phone(); existing != "" && existing != phone {
			return errStale
		}
		t.StorytellerPhone = models.StringPtr(phone)
		return nil
	})
	if errors.Is(err, errStale) {
		slog.Warn("Machine.bindJoinCode: join code already bound to another phone", "from", phone, "trialID", candidate.ID)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("bind join code: %w", err)
	}
	slog.Info("Machine.bindJoinCode: storyteller phone bound", "trialID", bound.ID, "from", phone)
	return bound, nil
}

func (m *Machine) handleText(ctx context.Context, trial *models.Trial, msg models.InboundMessage) error {
	switch trial.State {
	case models.StateAwaitingInitialContact:
		return m.startConversation(ctx, trial.ID)
	case models.StateWelcomeSent:
		// The readiness check has not gone out yet; any reply is a good moment to send it.
		return m.runClaimed(ctx, trial.ID, func(t *models.Trial, now time.Time) (dueAction, error) {
			if t.State != models.StateWelcomeSent {
				return actionNone, errStale
			}
			return actionReadiness, nil
		})
	case models.StateAwaitingReadiness:
		return m.handleReadinessReply(ctx, trial, msg.Body)
	case models.StateReminderSent:
		if err := m.reopenQuestion(ctx, trial.ID); err != nil {
			return err
		}
		m.sendBestEffort(ctx, trial, m.cfg.Script.VoiceNoteHint, "voice_note_hint", trial.CurrentQuestionIndex)
		return nil
	case models.StateQuestioning:
		m.sendBestEffort(ctx, trial, m.cfg.Script.VoiceNoteHint, "voice_note_hint", trial.CurrentQuestionIndex)
		return nil
	}
	return nil
}

// reopenQuestion moves a reminded trial back to questioning once the
// storyteller replies. Reminder count and timer are kept, so a text reply does
// not earn extra reminders.
func (m *Machine) reopenQuestion(ctx context.Context, trialID string) error {
	_, err := m.mutate(ctx, trialID, func(t *models.Trial) error {
		if t.State != models.StateReminderSent {
			return errStale
		}
		return t.TransitionTo(models.StateQuestioning)
	})
	if errors.Is(err, errStale) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("record reply after reminder: %w", err)
	}
	slog.Info("Machine.reopenQuestion: storyteller replied after reminder", "trialID", trialID)
	return nil
}

// startConversation records the storyteller's first contact and sends the
// welcome followed by the readiness check. A welcome that fails to send stays
// due, so the scheduler retries it.
func (m *Machine) startConversation(ctx context.Context, trialID string) error {
	return m.runClaimed(ctx, trialID, func(t *models.Trial, now time.Time) (dueAction, error) {
		if t.State != models.StateAwaitingInitialContact {
			return actionNone, errStale
		}
		if t.InitialContactAt == nil {
			t.InitialContactAt = models.TimePtr(now)
		}
		return actionWelcome, nil
	})
}

// handleReadinessReply classifies a text reply to the readiness check.
func (m *Machine) handleReadinessReply(ctx context.Context, trial *models.Trial, body string) error {
	resp, err := m.cfg.Classifier.Classify(ctx, body)
	if err != nil {
		slog.Warn("Machine.handleReadinessReply: classification failed", "error", err, "trialID", trial.ID)
		resp = models.ReadinessAmbiguous
	}
	now := m.now()
	log := slog.With("trialID", trial.ID, "response", resp)

	if resp == models.ReadinessAffirmative {
		claimed := false
		t, err := m.mutate(ctx, trial.ID, func(t *models.Trial) error {
			if t.State != models.StateAwaitingReadiness {
				return errStale
			}
			if err := t.TransitionTo(models.StateAwaitingReadiness); err != nil {
				return err
			}
			t.LastReadinessResponse = models.ReadinessAffirmative
			// Keeps the first question due if the send below does not happen or fails.
			t.RetryReadinessAt = models.TimePtr(now)
			claimed = !t.IsClaimed(now)
			if claimed {
				m.claim(t, now)
			}
			return nil
		})
		if errors.Is(err, errStale) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("record readiness reply: %w", err)
		}
		if !claimed {
			log.Info("Machine.handleReadinessReply: send in progress, first question left to the scheduler")
			return nil
		}
		log.Info("Machine.handleReadinessReply: storyteller is ready")
		return m.deliverQuestion(ctx, t)
	}

	stalled := false
	t, err := m.mutate(ctx, trial.ID, func(t *models.Trial) error {
		if t.State != models.StateAwaitingReadiness {
			return errStale
		}
		t.LastReadinessResponse = resp
		var err error
		stalled, err = m.countReadinessFailure(t, now)
		return err
	})
	if errors.Is(err, errStale) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("record readiness reply: %w", err)
	}
	if stalled {
		log.Warn("Machine.handleReadinessReply: trial stalled", "error", ErrRetryExhausted, "retryCount", t.RetryCount)
		m.sendBestEffort(ctx, t, m.cfg.Script.Stalled, "stalled", -1)
		return nil
	}
	log.Info("Machine.handleReadinessReply: storyteller not ready", "retryCount", t.RetryCount, "retryAt", t.RetryReadinessAt)
	m.sendBestEffort(ctx, t, m.cfg.Script.NotReady, "not_ready", -1)
	return nil
}

// countReadinessFailure records one failed readiness attempt on t and either
// re-arms the retry timer or stalls the trial.
func (m *Machine) countReadinessFailure(t *models.Trial, now time.Time) (bool, error) {
	t.RetryCount++
	if t.RetryCount >= m.cfg.MaxReadinessRetries {
		if err := t.TransitionTo(models.StateStalled); err != nil {
			return false, err
		}
		t.StalledAt = models.TimePtr(now)
		t.RetryReadinessAt = nil
		t.NextQuestionScheduledFor = nil
		t.ClaimedUntil = nil
		return true, nil
	}
	if err := t.TransitionTo(models.StateAwaitingReadiness); err != nil {
		return false, err
	}
	t.RetryReadinessAt = models.TimePtr(now.Add(m.readinessBackoff(t.RetryCount)))
	return false, nil
}

// handleVoiceNote stores a voice note as the answer to the current question and
// advances the trial.
func (m *Machine) handleVoiceNote(ctx context.Context, trial *models.Trial, msg models.InboundMessage) error {
	log := slog.With("trialID", trial.ID, "messageID", msg.MessageID)
	if !trial.State.AcceptsAnswers() {
		log.Info("Machine.handleVoiceNote: voice note outside questioning, ignoring", "state", trial.State)
		return nil
	}
	questions := m.cfg.Script.Questions
	index := trial.CurrentQuestionIndex
	if index >= len(questions) {
		log.Warn("Machine.handleVoiceNote: question index past the script", "questionIndex", index)
		return nil
	}
	if trial.LastQuestionSentAt == nil {
		// The next question is scheduled but has not gone out, so nothing is open to answer.
		log.Info("Machine.handleVoiceNote: question not sent yet, ignoring voice note", "questionIndex", index)
		return nil
	}

	media := *msg.Media
	if media.MessageID == "" {
		media.MessageID = msg.MessageID
	}
	note, err := m.ingester.Ingest(ctx, ingest.Request{
		TrialID:       trial.ID,
		QuestionIndex: index,
		QuestionText:  questions[index],
		Media:         media,
	})
	if errors.Is(err, ingest.ErrDuplicateAnswer) {
		if note == nil || note.QuestionIndex != index {
			log.Info("Machine.handleVoiceNote: duplicate voice note ignored", "questionIndex", index)
			return nil
		}
		// The slot was stored but the trial never advanced, e.g. after a crash.
		log.Info("Machine.handleVoiceNote: completing advance for stored answer", "questionIndex", index)
	} else if err != nil {
		log.Warn("Machine.handleVoiceNote: ingestion failed, question stays open", "error", err, "questionIndex", index)
		return fmt.Errorf("ingest voice note: %w", err)
	}

	return m.advance(ctx, trial.ID, index)
}

// advance moves the trial past answeredIndex once its voice note is stored.
func (m *Machine) advance(ctx context.Context, trialID string, answeredIndex int) error {
	now := m.now()
	total := len(m.cfg.Script.Questions)
	sendNow := false
	t, err := m.mutate(ctx, trialID, func(t *models.Trial) error {
		if !t.State.AcceptsAnswers() || t.CurrentQuestionIndex != answeredIndex {
			return errStale
		}
		t.CurrentQuestionIndex++
		t.ReminderCount = 0
		t.ReminderSentAt = nil
		if t.CurrentQuestionIndex >= total {
			if err := t.TransitionTo(models.StateCompleted); err != nil {
				return err
			}
			t.CompletedAt = models.TimePtr(now)
			t.NextQuestionScheduledFor = nil
			t.ClaimedUntil = nil
			return nil
		}
		if err := t.TransitionTo(models.StateQuestioning); err != nil {
			return err
		}
		t.LastQuestionSentAt = nil
		if m.cfg.NextQuestionDelay <= 0 {
			sendNow = !t.IsClaimed(now)
			t.NextQuestionScheduledFor = models.TimePtr(now)
			if sendNow {
				m.claim(t, now)
			}
		} else {
			t.NextQuestionScheduledFor = models.TimePtr(now.Add(m.cfg.NextQuestionDelay))
		}
		return nil
	})
	if errors.Is(err, errStale) {
		slog.Debug("Machine.advance: trial already moved on", "trialID", trialID, "questionIndex", answeredIndex)
		return nil
	}
	if err != nil {
		return fmt.Errorf("advance trial: %w", err)
	}

	slog.Info("Machine.advance: answer recorded", "trialID", trialID, "questionIndex", answeredIndex, "state", t.State)
	if t.State == models.StateCompleted {
		m.sendBestEffort(ctx, t, m.cfg.Script.Closing, "closing", -1)
		return nil
	}
	m.sendBestEffort(ctx, t, m.cfg.Script.Acknowledge, "acknowledge", answeredIndex)
	if sendNow {
		return m.deliverQuestion(ctx, t)
	}
	return nil
}

// CreateTrial opens a trial from a buyer's confirmation. The storyteller phone
// is optional; without it the storyteller joins by texting the join code.
func (m *Machine) CreateTrial(ctx context.Context, req models.CreateTrialRequest) (*models.Trial, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	buyerPhone, err := util.CanonicalizePhone(req.BuyerPhone)
	if err != nil {
		return nil, fmt.Errorf("buyer_phone: %w", err)
	}
	var storytellerPhone *string
	if strings.TrimSpace(req.StorytellerPhone) != "" {
		phone, err := util.CanonicalizePhone(req.StorytellerPhone)
		if err != nil {
			return nil, fmt.Errorf("storyteller_phone: %w", err)
		}
		existing, err := m.trials.GetTrialByPhone(ctx, phone)
		if err != nil {
			return nil, fmt.Errorf("look up storyteller: %w", err)
		}
		if existing != nil && !existing.State.IsTerminal() {
			return nil, fmt.Errorf("%w: %s", ErrActiveTrialExists, existing.ID)
		}
		storytellerPhone = models.StringPtr(phone)
	}

	for attempt := 1; attempt <= maxJoinCodeAttempts; attempt++ {
		t := &models.Trial{
			ID:               util.GenerateTrialID(),
			BuyerPhone:       buyerPhone,
			BuyerName:        strings.TrimSpace(req.BuyerName),
			StorytellerName:  strings.TrimSpace(req.StorytellerName),
			StorytellerPhone: storytellerPhone,
			Album:            strings.TrimSpace(req.Album),
			JoinCode:         util.GenerateJoinCode(),
			State:            models.StateAwaitingInitialContact,
		}
		err := m.trials.CreateTrial(ctx, t)
		if errors.Is(err, store.ErrDuplicateJoinCode) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create trial: %w", err)
		}
		slog.Info("Machine.CreateTrial: trial created", "trialID", t.ID, "joinCode", t.JoinCode, "hasStorytellerPhone", storytellerPhone != nil)
		return t, nil
	}
	return nil, fmt.Errorf("create trial: %w", store.ErrDuplicateJoinCode)
}

// ResumeTrial restarts a stalled trial. The readiness check is re-sent on the
// next scheduler tick with a fresh retry budget.
func (m *Machine) ResumeTrial(ctx context.Context, trialID string) (*models.Trial, error) {
	now := m.now()
	t, err := m.mutate(ctx, trialID, func(t *models.Trial) error {
		if t.State != models.StateStalled {
			return fmt.Errorf("%w: state is %s", ErrNotStalled, t.State)
		}
		if err := t.TransitionTo(models.StateAwaitingReadiness); err != nil {
			return err
		}
		t.RetryCount = 0
		t.LastReadinessResponse = models.ReadinessNone
		t.StalledAt = nil
		// No ask is outstanding, so the next tick re-asks without counting a timeout.
		t.ReadinessAskedAt = nil
		t.RetryReadinessAt = models.TimePtr(now)
		t.ClaimedUntil = nil
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("Machine.ResumeTrial: trial resumed", "trialID", trialID)
	return t, nil
}
