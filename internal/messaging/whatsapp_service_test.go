package messaging

import (
	"context"
	"testing"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
)

// Ensure WhatsAppService implements Service interface
func TestWhatsAppService_ImplementsService(t *testing.T) {
	var _ Service = (*WhatsAppService)(nil)
}

type fakeAudioCache struct {
	remembered map[string]*waE2E.AudioMessage
}

func (f *fakeAudioCache) RememberAudio(id string, audio *waE2E.AudioMessage) {
	if f.remembered == nil {
		f.remembered = make(map[string]*waE2E.AudioMessage)
	}
	f.remembered[id] = audio
}

func messageEvent(id, user string, msg *waE2E.Message) *events.Message {
	return &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{
				Sender: types.NewJID(user, types.DefaultUserServer),
				Chat:   types.NewJID(user, types.DefaultUserServer),
			},
			ID:        id,
			Timestamp: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC),
		},
		Message: msg,
	}
}

func receive(t *testing.T, svc *WhatsAppService) (ok bool) {
	t.Helper()
	select {
	case <-svc.Inbound():
		return true
	default:
		return false
	}
}

func TestWhatsAppService_TextMessage(t *testing.T) {
	svc := NewWhatsAppService(nil)
	svc.handleEvent(messageEvent("ID1", "15550001111", &waE2E.Message{Conversation: proto.String(" yes ")}))
	select {
	case msg := <-svc.Inbound():
		if msg.MessageID != "ID1" || msg.From != "15550001111" || msg.Body != "yes" || msg.Media != nil {
			t.Errorf("unexpected message %+v", msg)
		}
	default:
		t.Fatal("expected an inbound message")
	}

	svc.handleEvent(messageEvent("ID2", "15550001111", &waE2E.Message{
		ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("ready")},
	}))
	select {
	case msg := <-svc.Inbound():
		if msg.Body != "ready" {
			t.Errorf("expected extended text body, got %q", msg.Body)
		}
	default:
		t.Fatal("expected an inbound extended text message")
	}
}

func TestWhatsAppService_AudioMessageRemembered(t *testing.T) {
	cache := &fakeAudioCache{}
	svc := NewWhatsAppService(nil)
	svc.audio = cache
	audio := &waE2E.AudioMessage{Mimetype: proto.String("audio/ogg; codecs=opus"), PTT: proto.Bool(true)}
	svc.handleEvent(messageEvent("AUDIO1", "15550001111", &waE2E.Message{AudioMessage: audio}))

	select {
	case msg := <-svc.Inbound():
		if !msg.IsVoiceNote() {
			t.Fatalf("expected a voice note, got %+v", msg)
		}
		if msg.Media.ID != "AUDIO1" || msg.Media.MimeType != "audio/ogg; codecs=opus" {
			t.Errorf("unexpected media %+v", msg.Media)
		}
	default:
		t.Fatal("expected an inbound voice note")
	}
	if cache.remembered["AUDIO1"] != audio {
		t.Error("audio message was not remembered for download")
	}
}

func TestWhatsAppService_IgnoresOwnGroupAndUnsupported(t *testing.T) {
	svc := NewWhatsAppService(nil)

	own := messageEvent("O1", "15550001111", &waE2E.Message{Conversation: proto.String("hi")})
	own.Info.IsFromMe = true
	svc.handleEvent(own)

	group := messageEvent("G1", "15550001111", &waE2E.Message{Conversation: proto.String("hi")})
	group.Info.IsGroup = true
	svc.handleEvent(group)

	svc.handleEvent(messageEvent("I1", "15550001111", &waE2E.Message{ImageMessage: &waE2E.ImageMessage{}}))
	svc.handleEvent(&events.Connected{})

	if receive(t, svc) {
		t.Error("expected no inbound messages")
	}
}

func TestWhatsAppService_StartStop(t *testing.T) {
	svc := NewWhatsAppService(nil)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("second Stop returned error: %v", err)
	}
	if _, ok := <-svc.Inbound(); ok {
		t.Error("expected inbound channel closed")
	}
	// Events after Stop are dropped without panicking.
	svc.handleEvent(messageEvent("LATE", "15550001111", &waE2E.Message{Conversation: proto.String("hi")}))
}
