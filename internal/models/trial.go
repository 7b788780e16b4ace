package models

import "time"

// Trial is one buyer/storyteller pairing and the conversation driven through it.
//
// Timer fields are nil until the corresponding occurrence happens. The scheduler
// derives all due work from them, so a Trial loaded from storage is enough to
// resume the conversation after a restart.
type Trial struct {
	ID               string            `json:"id" db:"id"`
	BuyerPhone       string            `json:"buyer_phone" db:"buyer_phone"`
	BuyerName        string            `json:"buyer_name" db:"buyer_name"`
	StorytellerName  string            `json:"storyteller_name" db:"storyteller_name"`
	StorytellerPhone *string           `json:"storyteller_phone,omitempty" db:"storyteller_phone"`
	Album            string            `json:"album" db:"album"`
	JoinCode         string            `json:"join_code" db:"join_code"`
	State            ConversationState `json:"conversation_state" db:"conversation_state"`

	CurrentQuestionIndex int `json:"current_question_index" db:"current_question_index"`

	InitialContactAt         *time.Time `json:"initial_contact_at,omitempty" db:"initial_contact_at"`
	WelcomeSentAt            *time.Time `json:"welcome_sent_at,omitempty" db:"welcome_sent_at"`
	ReadinessAskedAt         *time.Time `json:"readiness_asked_at,omitempty" db:"readiness_asked_at"`
	LastQuestionSentAt       *time.Time `json:"last_question_sent_at,omitempty" db:"last_question_sent_at"`
	ReminderSentAt           *time.Time `json:"reminder_sent_at,omitempty" db:"reminder_sent_at"`
	NextQuestionScheduledFor *time.Time `json:"next_question_scheduled_for,omitempty" db:"next_question_scheduled_for"`
	RetryReadinessAt         *time.Time `json:"retry_readiness_at,omitempty" db:"retry_readiness_at"`

	RetryCount            int               `json:"retry_count" db:"retry_count"`
	LastReadinessResponse ReadinessResponse `json:"last_readiness_response" db:"last_readiness_response"`
	ReminderCount         int               `json:"reminder_count" db:"reminder_count"`

	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	StalledAt   *time.Time `json:"stalled_at,omitempty" db:"stalled_at"`

	// ClaimedUntil is a short lease taken before an outbound send so that a
	// repeated or concurrent tick does not select the trial again.
	ClaimedUntil *time.Time `json:"-" db:"claimed_until"`

	// Version is bumped on every write and used for compare-and-swap updates.
	Version   int64     `json:"version" db:"version"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Phone returns the storyteller phone or "" when it has not been captured yet.
func (t *Trial) Phone() string {
	if t.StorytellerPhone == nil {
		return ""
	}
	return *t.StorytellerPhone
}

// Clone returns a deep copy so callers can mutate a trial without aliasing stored timestamps.
func (t *Trial) Clone() *Trial {
	c := *t
	c.StorytellerPhone = cloneString(t.StorytellerPhone)
	c.InitialContactAt = cloneTime(t.InitialContactAt)
	c.WelcomeSentAt = cloneTime(t.WelcomeSentAt)
	c.ReadinessAskedAt = cloneTime(t.ReadinessAskedAt)
	c.LastQuestionSentAt = cloneTime(t.LastQuestionSentAt)
	c.ReminderSentAt = cloneTime(t.ReminderSentAt)
	c.NextQuestionScheduledFor = cloneTime(t.NextQuestionScheduledFor)
	c.RetryReadinessAt = cloneTime(t.RetryReadinessAt)
	c.CompletedAt = cloneTime(t.CompletedAt)
	c.StalledAt = cloneTime(t.StalledAt)
	c.ClaimedUntil = cloneTime(t.ClaimedUntil)
	return &c
}

// IsClaimed reports whether an unexpired send lease is held at now.
func (t *Trial) IsClaimed(now time.Time) bool {
	return t.ClaimedUntil != nil && t.ClaimedUntil.After(now)
}

// TransitionTo moves the trial to state s, rejecting edges outside the transition table.
func (t *Trial) TransitionTo(s ConversationState) error {
	if err := ValidateTransition(t.State, s); err != nil {
		return err
	}
	t.State = s
	return nil
}

// TimePtr returns a pointer to a UTC copy of ts.
func TimePtr(ts time.Time) *time.Time {
	u := ts.UTC()
	return &u
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string {
	return &s
}

func cloneTime(ts *time.Time) *time.Time {
	if ts == nil {
		return nil
	}
	c := *ts
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}
