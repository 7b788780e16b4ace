// Package models defines conversation state and the transition table for trials.
package models

import (
	"errors"
	"fmt"
)

// ConversationState is the phase a trial's conversation is in.
type ConversationState string

const (
	StateAwaitingInitialContact ConversationState = "awaiting_initial_contact"
	StateWelcomeSent            ConversationState = "welcome_sent"
	StateAwaitingReadiness      ConversationState = "awaiting_readiness"
	StateQuestioning            ConversationState = "questioning"
	StateReminderSent           ConversationState = "reminder_sent"
	StateCompleted              ConversationState = "completed"
	StateStalled                ConversationState = "stalled"
)

// ErrInvalidTransition is returned when a state change is not in the transition table.
var ErrInvalidTransition = errors.New("invalid state transition")

// transitions lists every allowed edge. Self-loops are the explicit retry and
// re-arm loops. stalled -> awaiting_readiness is reachable only through a manual resume.
var transitions = map[ConversationState][]ConversationState{
	StateAwaitingInitialContact: {StateWelcomeSent},
	StateWelcomeSent:            {StateAwaitingReadiness},
	StateAwaitingReadiness:      {StateAwaitingReadiness, StateQuestioning, StateStalled},
	StateQuestioning:            {StateQuestioning, StateReminderSent, StateCompleted},
	StateReminderSent:           {StateQuestioning, StateReminderSent, StateCompleted},
	StateStalled:                {StateAwaitingReadiness},
	StateCompleted:              nil,
}

// IsValidState reports whether s is a known conversation state.
func IsValidState(s ConversationState) bool {
	_, ok := transitions[s]
	return ok
}

// IsTerminal reports whether no automatic transition leaves s.
func (s ConversationState) IsTerminal() bool {
	return s == StateCompleted || s == StateStalled
}

// AcceptsAnswers reports whether a voice note may be recorded in state s.
func (s ConversationState) AcceptsAnswers() bool {
	return s == StateQuestioning || s == StateReminderSent
}

// ValidateTransition returns ErrInvalidTransition if from -> to is not allowed.
func ValidateTransition(from, to ConversationState) error {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// ReadinessResponse is the classification of a storyteller's reply to the readiness check.
type ReadinessResponse string

const (
	ReadinessNone        ReadinessResponse = ""
	ReadinessAffirmative ReadinessResponse = "affirmative"
	ReadinessNegative    ReadinessResponse = "negative"
	ReadinessAmbiguous   ReadinessResponse = "ambiguous"
)
