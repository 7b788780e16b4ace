// Package models defines the core data structures for StoryPipe.
//
// It includes trials, voice notes, inbound message events and the API response
// envelopes shared across modules.
package models

import (
	"errors"
	"strings"
)

// Validation constants for input validation
const (
	// MaxNameLength defines the maximum allowed length for buyer and storyteller names
	MaxNameLength = 200
	// MaxAlbumLength defines the maximum allowed length for an album identifier
	MaxAlbumLength = 200
)

// Error variables for better error handling and testability
var (
	ErrEmptyBuyerPhone      = errors.New("buyer_phone is required")
	ErrEmptyStorytellerName = errors.New("storyteller_name is required")
	ErrNameTooLong          = errors.New("name exceeds maximum length")
	ErrAlbumTooLong         = errors.New("album exceeds maximum length")
)

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}

// CreateTrialRequest is the buyer confirmation that opens a trial.
type CreateTrialRequest struct {
	BuyerPhone       string `json:"buyer_phone"`
	BuyerName        string `json:"buyer_name,omitempty"`
	StorytellerName  string `json:"storyteller_name"`
	StorytellerPhone string `json:"storyteller_phone,omitempty"`
	Album            string `json:"album,omitempty"`
}

// Validate checks required fields and length limits. Phone canonicalization is
// done by the messaging layer.
func (r *CreateTrialRequest) Validate() error {
	if strings.TrimSpace(r.BuyerPhone) == "" {
		return ErrEmptyBuyerPhone
	}
	if strings.TrimSpace(r.StorytellerName) == "" {
		return ErrEmptyStorytellerName
	}
	if len(r.BuyerName) > MaxNameLength || len(r.StorytellerName) > MaxNameLength {
		return ErrNameTooLong
	}
	if len(r.Album) > MaxAlbumLength {
		return ErrAlbumTooLong
	}
	return nil
}
