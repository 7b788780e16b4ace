package flow

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/BTreeMap/StoryPipe/internal/models"
)

// ErrEmptyScript is returned when a script has no questions.
var ErrEmptyScript = errors.New("script must contain at least one question")

// Script is the conversation copy. Texts may use the placeholders {storyteller},
// {buyer}, {question}, {number} and {total}.
type Script struct {
	Welcome       string   `toml:"welcome"`
	Readiness     string   `toml:"readiness"`
	NotReady      string   `toml:"not_ready"`
	Stalled       string   `toml:"stalled"`
	Question      string   `toml:"question"`
	Reminder      string   `toml:"reminder"`
	Acknowledge   string   `toml:"acknowledge"`
	Closing       string   `toml:"closing"`
	VoiceNoteHint string   `toml:"voice_note_hint"`
	Questions     []string `toml:"questions"`
}

// DefaultScript returns the built-in copy and question list.
func DefaultScript() Script {
	return Script{
		Welcome:       "Hi {storyteller}! {buyer} has invited you to share your stories. Each day I'll send you one question, and you answer with a voice note whenever it suits you.",
		Readiness:     "Are you ready for your first question? Just reply yes when you are.",
		NotReady:      "No problem at all. I'll check back with you a little later.",
		Stalled:       "I'll pause here for now. {buyer} can restart our conversation whenever you like.",
		Question:      "Question {number} of {total}: {question}\n\nReply with a voice note whenever you're ready.",
		Reminder:      "Just a gentle reminder of today's question: {question}",
		Acknowledge:   "Thank you, I've saved your story!",
		Closing:       "That was the last question. Thank you for sharing your stories with {buyer}!",
		VoiceNoteHint: "Please answer with a voice note so {buyer} can hear your story in your own voice.",
		Questions: []string{
			"Where did you grow up, and what was your home like?",
			"Who was your best friend as a child, and what did you get up to together?",
			"What was your first job, and what do you remember about it?",
			"How did you meet the love of your life?",
			"What is a tradition from your family that you'd like to see carried on?",
			"What is the best piece of advice you've ever received?",
			"What moment in your life are you most proud of?",
		},
	}
}

// Validate checks that the script can drive a conversation.
func (s Script) Validate() error {
	if len(s.Questions) == 0 {
		return ErrEmptyScript
	}
	for i, q := range s.Questions {
		if strings.TrimSpace(q) == "" {
			return fmt.Errorf("question %d is empty", i+1)
		}
	}
	return nil
}

// withDefaults fills empty texts from DefaultScript.
func (s Script) withDefaults() Script {
	d := DefaultScript()
	fill := func(dst *string, def string) {
		if strings.TrimSpace(*dst) == "" {
			*dst = def
		}
	}
	fill(&s.Welcome, d.Welcome)
	fill(&s.Readiness, d.Readiness)
	fill(&s.NotReady, d.NotReady)
	fill(&s.Stalled, d.Stalled)
	fill(&s.Question, d.Question)
	fill(&s.Reminder, d.Reminder)
	fill(&s.Acknowledge, d.Acknowledge)
	fill(&s.Closing, d.Closing)
	fill(&s.VoiceNoteHint, d.VoiceNoteHint)
	if len(s.Questions) == 0 {
		s.Questions = d.Questions
	}
	return s
}

// render expands placeholders for trial t. questionIndex < 0 leaves the question placeholders empty.
func (s Script) render(text string, t *models.Trial, questionIndex int) string {
	question, number := "", ""
	if questionIndex >= 0 && questionIndex < len(s.Questions) {
		question = s.Questions[questionIndex]
		number = strconv.Itoa(questionIndex + 1)
	}
	buyer := t.BuyerName
	if buyer == "" {
		buyer = "your family"
	}
	return strings.NewReplacer(
		"{storyteller}", t.StorytellerName,
		"{buyer}", buyer,
		"{question}", question,
		"{number}", number,
		"{total}", strconv.Itoa(len(s.Questions)),
	).Replace(text)
}
