package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/StoryPipe/internal/models"
)

// dueAction is the send a claimed trial is waiting for.
type dueAction int

const (
	actionNone dueAction = iota
	actionWelcome
	actionReadiness
	actionQuestion
	actionReminder
)

func (a dueAction) String() string {
	switch a {
	case actionWelcome:
		return "welcome"
	case actionReadiness:
		return "readiness"
	case actionQuestion:
		return "question"
	case actionReminder:
		return "reminder"
	}
	return "none"
}

// RunDue performs the timer-driven action of a trial returned by
// store.ListDueTrials: a welcome whose first send failed, a readiness check or
// retry, a pending question, or a reminder. The driving timestamp is claimed before any send, so calling RunDue
// again for the same trial while the first call is in flight, or after it has
// finished, sends nothing. ErrRetryExhausted is returned when the elapsed
// readiness timer was the last allowed attempt and the trial stalled.
func (m *Machine) RunDue(ctx context.Context, trialID string) error {
	stalled := false
	err := m.runClaimed(ctx, trialID, func(t *models.Trial, now time.Time) (dueAction, error) {
		action, err := m.dueAction(t, now)
		stalled = err == nil && t.State == models.StateStalled
		return action, err
	})
	if err != nil {
		return err
	}
	if stalled {
		return fmt.Errorf("trial %s: %w", trialID, ErrRetryExhausted)
	}
	return nil
}

// runClaimed lets decide inspect and update the trial under the lock. When it
// picks an action the trial is claimed in the same write and the action is
// performed afterwards.
func (m *Machine) runClaimed(ctx context.Context, trialID string, decide func(t *models.Trial, now time.Time) (dueAction, error)) error {
	now := m.now()
	action := actionNone
	t, err := m.mutate(ctx, trialID, func(t *models.Trial) error {
		if t.IsClaimed(now) {
			return errStale
		}
		var err error
		action, err = decide(t, now)
		if err != nil {
			return err
		}
		if action != actionNone {
			m.claim(t, now)
		}
		return nil
	})
	if errors.Is(err, errStale) {
		slog.Debug("Machine.runClaimed: nothing to do", "trialID", trialID)
		return nil
	}
	if err != nil {
		return err
	}
	if action == actionNone && t.State == models.StateStalled {
		slog.Warn("Machine.runClaimed: trial stalled", "trialID", trialID, "error", ErrRetryExhausted, "retryCount", t.RetryCount)
		m.sendBestEffort(ctx, t, m.cfg.Script.Stalled, "stalled", -1)
		return nil
	}

	slog.Debug("Machine.runClaimed: running action", "trialID", trialID, "action", action, "state", t.State)
	switch action {
	case actionWelcome:
		return m.deliverWelcome(ctx, t)
	case actionReadiness:
		return m.deliverReadiness(ctx, t)
	case actionQuestion:
		return m.deliverQuestion(ctx, t)
	case actionReminder:
		return m.deliverReminder(ctx, t)
	}
	return nil
}

// dueAction decides what an elapsed timer means for t, updating counters and
// timers that change without a send.
func (m *Machine) dueAction(t *models.Trial, now time.Time) (dueAction, error) {
	switch t.State {
	case models.StateAwaitingInitialContact:
		if !timerElapsed(t.InitialContactAt, now) {
			return actionNone, errStale
		}
		return actionWelcome, nil

	case models.StateWelcomeSent:
		if !timerElapsed(t.RetryReadinessAt, now) {
			return actionNone, errStale
		}
		return actionReadiness, nil

	case models.StateAwaitingReadiness:
		if !timerElapsed(t.RetryReadinessAt, now) {
			return actionNone, errStale
		}
		switch t.LastReadinessResponse {
		case models.ReadinessAffirmative:
			return actionQuestion, nil
		case models.ReadinessNone:
			if t.ReadinessAskedAt != nil {
				// No reply since the last ask: the timeout is a failed attempt.
				stalled, err := m.countReadinessFailure(t, now)
				if err != nil || stalled {
					return actionNone, err
				}
			}
		}
		return actionReadiness, nil

	case models.StateQuestioning, models.StateReminderSent:
		if !timerElapsed(t.NextQuestionScheduledFor, now) {
			return actionNone, errStale
		}
		if t.LastQuestionSentAt == nil {
			return actionQuestion, nil
		}
		if t.ReminderCount >= m.cfg.MaxReminders {
			// Reminders are used up; the question stays open until answered.
			t.NextQuestionScheduledFor = nil
			return actionNone, nil
		}
		return actionReminder, nil
	}
	return actionNone, errStale
}

func timerElapsed(at *time.Time, now time.Time) bool {
	return at != nil && !at.After(now)
}

// deliverWelcome sends the welcome for a claimed trial and follows it with the
// readiness check. The claim is held until the readiness check is recorded.
func (m *Machine) deliverWelcome(ctx context.Context, claimed *models.Trial) error {
	if err := m.send(ctx, claimed, m.cfg.Script.Welcome, -1); err != nil {
		m.release(ctx, claimed.ID)
		return fmt.Errorf("send welcome: %w", err)
	}
	now := m.now()
	t, err := m.mutate(ctx, claimed.ID, func(t *models.Trial) error {
		if t.State != models.StateAwaitingInitialContact {
			return errStale
		}
		if err := t.TransitionTo(models.StateWelcomeSent); err != nil {
			return err
		}
		t.WelcomeSentAt = models.TimePtr(now)
		// Due immediately, so the scheduler delivers the readiness check if the send below fails.
		t.RetryReadinessAt = models.TimePtr(now)
		return nil
	})
	if errors.Is(err, errStale) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("record welcome: %w", err)
	}
	slog.Info("Machine.deliverWelcome: welcome sent", "trialID", t.ID)
	return m.deliverReadiness(ctx, t)
}

// deliverReadiness sends the readiness check for a claimed trial.
func (m *Machine) deliverReadiness(ctx context.Context, claimed *models.Trial) error {
	if err := m.send(ctx, claimed, m.cfg.Script.Readiness, -1); err != nil {
		m.release(ctx, claimed.ID)
		return fmt.Errorf("send readiness check: %w", err)
	}
	now := m.now()
	t, err := m.mutate(ctx, claimed.ID, func(t *models.Trial) error {
		if t.State != models.StateWelcomeSent && t.State != models.StateAwaitingReadiness {
			return errStale
		}
		if err := t.TransitionTo(models.StateAwaitingReadiness); err != nil {
			return err
		}
		t.ReadinessAskedAt = models.TimePtr(now)
		if t.LastReadinessResponse != models.ReadinessAffirmative {
			t.LastReadinessResponse = models.ReadinessNone
			t.RetryReadinessAt = models.TimePtr(now.Add(m.readinessBackoff(t.RetryCount)))
		}
		t.ClaimedUntil = nil
		return nil
	})
	if errors.Is(err, errStale) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("record readiness check: %w", err)
	}
	slog.Info("Machine.deliverReadiness: readiness check sent", "trialID", t.ID, "retryCount", t.RetryCount, "retryAt", t.RetryReadinessAt)
	return nil
}

// deliverQuestion sends the question at the claimed trial's current index.
func (m *Machine) deliverQuestion(ctx context.Context, claimed *models.Trial) error {
	index := claimed.CurrentQuestionIndex
	if index >= len(m.cfg.Script.Questions) {
		m.release(ctx, claimed.ID)
		return fmt.Errorf("question index %d out of range", index)
	}
	if err := m.send(ctx, claimed, m.cfg.Script.Question, index); err != nil {
		m.release(ctx, claimed.ID)
		return fmt.Errorf("send question %d: %w", index, err)
	}
	now := m.now()
	t, err := m.mutate(ctx, claimed.ID, func(t *models.Trial) error {
		switch t.State {
		case models.StateAwaitingReadiness, models.StateQuestioning, models.StateReminderSent:
		default:
			return errStale
		}
		if t.CurrentQuestionIndex != index {
			return errStale
		}
		if err := t.TransitionTo(models.StateQuestioning); err != nil {
			return err
		}
		t.LastQuestionSentAt = models.TimePtr(now)
		t.NextQuestionScheduledFor = models.TimePtr(now.Add(m.cfg.QuestionInterval))
		t.RetryReadinessAt = nil
		t.ReminderCount = 0
		t.ReminderSentAt = nil
		t.ClaimedUntil = nil
		return nil
	})
	if errors.Is(err, errStale) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("record question %d: %w", index, err)
	}
	slog.Info("Machine.deliverQuestion: question sent", "trialID", t.ID, "questionIndex", index, "nextAt", t.NextQuestionScheduledFor)
	return nil
}

// deliverReminder re-prompts the open question of a claimed trial.
func (m *Machine) deliverReminder(ctx context.Context, claimed *models.Trial) error {
	index := claimed.CurrentQuestionIndex
	if err := m.send(ctx, claimed, m.cfg.Script.Reminder, index); err != nil {
		m.release(ctx, claimed.ID)
		return fmt.Errorf("send reminder for question %d: %w", index, err)
	}
	now := m.now()
	t, err := m.mutate(ctx, claimed.ID, func(t *models.Trial) error {
		if !t.State.AcceptsAnswers() || t.CurrentQuestionIndex != index {
			return errStale
		}
		if err := t.TransitionTo(models.StateReminderSent); err != nil {
			return err
		}
		t.ReminderSentAt = models.TimePtr(now)
		t.ReminderCount++
		if t.ReminderCount >= m.cfg.MaxReminders {
			t.NextQuestionScheduledFor = nil
		} else {
			t.NextQuestionScheduledFor = models.TimePtr(now.Add(m.cfg.ReminderInterval))
		}
		t.ClaimedUntil = nil
		return nil
	})
	if errors.Is(err, errStale) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("record reminder for question %d: %w", index, err)
	}
	slog.Info("Machine.deliverReminder: reminder sent", "trialID", t.ID, "questionIndex", index, "reminderCount", t.ReminderCount)
	return nil
}
