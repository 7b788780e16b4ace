package messaging

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/BTreeMap/StoryPipe/internal/models"
	"github.com/BTreeMap/StoryPipe/internal/whatsapp"
)

// audioCache remembers inbound audio so the gateway can download it later.
type audioCache interface {
	RememberAudio(messageID string, audio *waE2E.AudioMessage)
}

// WhatsAppService turns whatsmeow message events into inbound messages.
type WhatsAppService struct {
	waClient *whatsapp.Client
	audio    audioCache
	inbound  chan models.InboundMessage
	mu       sync.RWMutex
	stopped  bool
}

// NewWhatsAppService creates a service over the given client. A nil client
// yields a service whose events are fed by tests through handleEvent.
func NewWhatsAppService(client *whatsapp.Client) *WhatsAppService {
	s := &WhatsAppService{
		waClient: client,
		inbound:  make(chan models.InboundMessage, DefaultChannelBufferSize),
	}
	if client != nil {
		s.audio = client
	}
	return s
}

// Start registers the whatsmeow event handler.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Debug("WhatsAppService.Start: no live client, skipping event handler")
		return nil
	}
	id := s.waClient.GetClient().AddEventHandler(s.handleEvent)
	go func() {
		<-ctx.Done()
		s.waClient.GetClient().RemoveEventHandler(id)
		slog.Debug("WhatsAppService event handler removed")
	}()
	slog.Info("WhatsAppService started")
	return nil
}

// Stop closes the inbound channel. Later events are dropped.
func (s *WhatsAppService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.inbound)
	slog.Info("WhatsAppService stopped")
	return nil
}

// Inbound returns the channel of inbound messages.
func (s *WhatsAppService) Inbound() <-chan models.InboundMessage {
	return s.inbound
}

func (s *WhatsAppService) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		if msg, ok := s.normalize(v); ok {
			s.emit(msg)
		}
	case *events.Connected:
		slog.Info("WhatsAppService connected")
	case *events.Disconnected:
		slog.Warn("WhatsAppService disconnected")
	}
}

// normalize converts a direct message from a storyteller. Group chats, own
// messages and anything other than text or audio are skipped.
func (s *WhatsAppService) normalize(evt *events.Message) (models.InboundMessage, bool) {
	if evt.Message == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return models.InboundMessage{}, false
	}
	sender := evt.Info.Sender
	if sender.Server != types.DefaultUserServer {
		slog.Debug("WhatsAppService ignoring non-phone sender", "sender", sender.String())
		return models.InboundMessage{}, false
	}

	msg := models.InboundMessage{
		MessageID: evt.Info.ID,
		From:      sender.User,
		Time:      evt.Info.Timestamp.UTC(),
	}
	switch {
	case evt.Message.GetAudioMessage() != nil:
		audio := evt.Message.GetAudioMessage()
		if s.audio != nil {
			s.audio.RememberAudio(evt.Info.ID, audio)
		}
		msg.Media = &models.MediaRef{
			ID:        evt.Info.ID,
			MessageID: evt.Info.ID,
			MimeType:  strings.TrimSpace(audio.GetMimetype()),
		}
	case evt.Message.GetConversation() != "":
		msg.Body = strings.TrimSpace(evt.Message.GetConversation())
	case evt.Message.GetExtendedTextMessage().GetText() != "":
		msg.Body = strings.TrimSpace(evt.Message.GetExtendedTextMessage().GetText())
	default:
		slog.Debug("WhatsAppService ignoring unsupported message", "from", sender.User, "messageID", evt.Info.ID)
		return models.InboundMessage{}, false
	}
	return msg, true
}

func (s *WhatsAppService) emit(msg models.InboundMessage) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		slog.Warn("WhatsAppService dropping inbound message (service stopped)", "from", msg.From, "messageID", msg.MessageID)
		return
	}
	select {
	case s.inbound <- msg:
		slog.Debug("WhatsAppService inbound message forwarded", "from", msg.From, "messageID", msg.MessageID)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService inbound channel blocked, dropping message", "from", msg.From, "timeout", DefaultChannelTimeout)
	}
}
