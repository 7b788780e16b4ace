package models

import "time"

// MediaRef identifies a provider-hosted media attachment.
type MediaRef struct {
	// ID is the provider's media identifier (Twilio media SID, WhatsApp message ID).
	ID string `json:"id"`
	// MessageID is the provider message that carried the attachment.
	MessageID string `json:"message_id,omitempty"`
	// URL is where the provider serves the bytes, when it exposes one.
	URL string `json:"url,omitempty"`
	// MimeType is the content type announced in the inbound notification, if any.
	MimeType string `json:"mime_type,omitempty"`
}

// InboundMessage is a normalized inbound event from a messaging provider.
type InboundMessage struct {
	// MessageID is the provider-assigned message id, used as the transport idempotency key.
	MessageID string    `json:"message_id"`
	From      string    `json:"from"`
	Body      string    `json:"body,omitempty"`
	Media     *MediaRef `json:"media,omitempty"`
	Time      time.Time `json:"time"`
}

// IsVoiceNote reports whether the message carries an audio attachment.
func (m InboundMessage) IsVoiceNote() bool {
	if m.Media == nil {
		return false
	}
	if m.Media.MimeType == "" {
		return true
	}
	return len(m.Media.MimeType) >= 6 && m.Media.MimeType[:6] == "audio/"
}
