package messaging

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	twilioclient "github.com/twilio/twilio-go/client"

	"github.com/BTreeMap/StoryPipe/internal/models"
	"github.com/BTreeMap/StoryPipe/internal/twiliowhatsapp"
)

// TwilioSignatureHeader carries the webhook request signature.
const TwilioSignatureHeader = "X-Twilio-Signature"

var (
	// ErrMissingFields is returned when a webhook lacks MessageSid or From.
	ErrMissingFields = errors.New("twilio webhook missing required fields")
	// ErrInvalidSignature is returned when signature validation is enabled and fails.
	ErrInvalidSignature = errors.New("twilio webhook signature invalid")
)

// TwilioService parses inbound Twilio WhatsApp webhooks.
type TwilioService struct {
	validator *twilioclient.RequestValidator
	publicURL string
	clock     func() time.Time
}

// TwilioOption configures a TwilioService.
type TwilioOption func(*TwilioService)

// WithSignatureValidation checks X-Twilio-Signature against authToken. publicURL
// is the webhook URL exactly as configured in the Twilio console.
func WithSignatureValidation(authToken, publicURL string) TwilioOption {
	return func(s *TwilioService) {
		if authToken == "" {
			return
		}
		v := twilioclient.NewRequestValidator(authToken)
		s.validator = &v
		s.publicURL = publicURL
	}
}

// NewTwilioService creates a webhook parser.
func NewTwilioService(opts ...TwilioOption) *TwilioService {
	s := &TwilioService{clock: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ParseWebhook validates and normalizes one webhook request. Only the first
// media attachment is considered.
func (s *TwilioService) ParseWebhook(r *http.Request) (models.InboundMessage, error) {
	if err := r.ParseForm(); err != nil {
		return models.InboundMessage{}, fmt.Errorf("parse twilio webhook form: %w", err)
	}
	if s.validator != nil {
		params := make(map[string]string, len(r.PostForm))
		for key := range r.PostForm {
			params[key] = r.PostForm.Get(key)
		}
		if !s.validator.Validate(s.publicURL, params, r.Header.Get(TwilioSignatureHeader)) {
			return models.InboundMessage{}, ErrInvalidSignature
		}
	}

	msg := models.InboundMessage{
		MessageID: r.FormValue("MessageSid"),
		From:      r.FormValue("From"),
		Body:      strings.TrimSpace(r.FormValue("Body")),
		Time:      s.clock().UTC(),
	}
	if msg.MessageID == "" || msg.From == "" {
		return models.InboundMessage{}, ErrMissingFields
	}

	numMedia, _ := strconv.Atoi(r.FormValue("NumMedia"))
	if numMedia > 0 {
		mediaURL := r.FormValue("MediaUrl0")
		ref := &models.MediaRef{
			MessageID: msg.MessageID,
			URL:       mediaURL,
			MimeType:  r.FormValue("MediaContentType0"),
		}
		if _, mediaSID, ok := twiliowhatsapp.ParseMediaURL(mediaURL); ok {
			ref.ID = mediaSID
		} else {
			ref.ID = msg.MessageID
		}
		msg.Media = ref
		if numMedia > 1 {
			slog.Warn("TwilioService.ParseWebhook: ignoring extra attachments", "messageSid", msg.MessageID, "numMedia", numMedia)
		}
	}

	slog.Debug("TwilioService.ParseWebhook: inbound message", "messageSid", msg.MessageID, "from", msg.From, "hasMedia", msg.Media != nil)
	return msg, nil
}
