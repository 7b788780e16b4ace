package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/BTreeMap/StoryPipe/internal/models"
)

// SentMessage records one outbound text.
type SentMessage struct {
	To   string
	Body string
}

// MockGateway is an in-memory Gateway for tests and dry runs. Scripted errors
// are consumed one per call, in order, before calls start succeeding.
type MockGateway struct {
	mu sync.Mutex

	Sent []SentMessage
	// Media maps a media ref ID to its bytes.
	Media map[string][]byte
	// MimeTypes maps a media ref ID to its content type; defaults to audio/ogg.
	MimeTypes map[string]string

	SendErrors     []error
	MetadataErrors []error
	DownloadErrors []error

	SendCalls     int
	MetadataCalls int
	DownloadCalls int
}

// Compile-time check that MockGateway implements Gateway.
var _ Gateway = (*MockGateway)(nil)

// NewMockGateway creates an empty mock.
func NewMockGateway() *MockGateway {
	return &MockGateway{
		Media:     make(map[string][]byte),
		MimeTypes: make(map[string]string),
	}
}

// AddMedia registers downloadable bytes for a media id.
func (m *MockGateway) AddMedia(id, mimeType string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Media[id] = data
	m.MimeTypes[id] = mimeType
}

// FailSends queues errors returned by the next SendText calls.
func (m *MockGateway) FailSends(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SendErrors = append(m.SendErrors, errs...)
}

// FailDownloads queues errors returned by the next DownloadMedia calls.
func (m *MockGateway) FailDownloads(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DownloadErrors = append(m.DownloadErrors, errs...)
}

// FailMetadata queues errors returned by the next FetchMediaMetadata calls.
func (m *MockGateway) FailMetadata(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.MetadataErrors = append(m.MetadataErrors, errs...)
}

func pop(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func (m *MockGateway) SendText(_ context.Context, recipient, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SendCalls++
	if err := pop(&m.SendErrors); err != nil {
		return err
	}
	m.Sent = append(m.Sent, SentMessage{To: recipient, Body: body})
	return nil
}

func (m *MockGateway) FetchMediaMetadata(_ context.Context, ref models.MediaRef) (MediaMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.MetadataCalls++
	if err := pop(&m.MetadataErrors); err != nil {
		return MediaMetadata{}, err
	}
	data, ok := m.Media[ref.ID]
	if !ok {
		return MediaMetadata{}, NotFound("FetchMediaMetadata", fmt.Errorf("no media %q", ref.ID))
	}
	mime := m.MimeTypes[ref.ID]
	if mime == "" {
		mime = "audio/ogg"
	}
	return MediaMetadata{MimeType: mime, SizeBytes: int64(len(data)), URL: ref.URL}, nil
}

func (m *MockGateway) DownloadMedia(_ context.Context, ref models.MediaRef) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DownloadCalls++
	if err := pop(&m.DownloadErrors); err != nil {
		return nil, err
	}
	data, ok := m.Media[ref.ID]
	if !ok {
		return nil, NotFound("DownloadMedia", fmt.Errorf("no media %q", ref.ID))
	}
	return append([]byte(nil), data...), nil
}

// Messages returns a copy of the sent messages.
func (m *MockGateway) Messages() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.Sent...)
}

// MessagesTo returns the bodies sent to recipient, in order.
func (m *MockGateway) MessagesTo(recipient string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, s := range m.Sent {
		if s.To == recipient {
			out = append(out, s.Body)
		}
	}
	return out
}

// Reset clears recorded messages and counters, keeping registered media.
func (m *MockGateway) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sent = nil
	m.SendCalls, m.MetadataCalls, m.DownloadCalls = 0, 0, 0
}
