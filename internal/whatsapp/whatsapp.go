// Package whatsapp wraps the Whatsmeow client for WhatsApp integration in StoryPipe.
//
// The client implements gateway.Gateway. Inbound audio messages are remembered
// by message ID so the ingestion pipeline can fetch their metadata and bytes later.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/BTreeMap/StoryPipe/internal/gateway"
	"github.com/BTreeMap/StoryPipe/internal/models"
	"github.com/BTreeMap/StoryPipe/internal/store"
)

// Constants for WhatsApp client configuration
const (
	// DefaultSQLitePath is the default path for WhatsApp/whatsmeow SQLite database
	DefaultSQLitePath = "/var/lib/storypipe/whatsmeow.db"
	// JIDSuffix is the WhatsApp JID suffix for regular users
	JIDSuffix = "s.whatsapp.net"
	// DefaultAudioCacheSize bounds how many inbound audio messages are remembered.
	DefaultAudioCacheSize = 1024
)

// messageSender is the subset of *whatsmeow.Client used for outbound text.
type messageSender interface {
	SendMessage(ctx context.Context, to types.JID, message *waE2E.Message, extra ...whatsmeow.SendRequestExtra) (whatsmeow.SendResponse, error)
}

// mediaDownloader is the subset of *whatsmeow.Client used for media.
type mediaDownloader interface {
	Download(ctx context.Context, msg whatsmeow.DownloadableMessage) ([]byte, error)
}

// Opts holds configuration options for the WhatsApp client.
// This focuses solely on WhatsApp/whatsmeow database configuration and login settings.
type Opts struct {
	DBDSN       string // WhatsApp/whatsmeow database connection string
	QRPath      string // path to write login QR code
	NumericCode bool   // use numeric login code instead of QR code
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithDBDSN sets the WhatsApp/whatsmeow database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) {
		o.DBDSN = dsn
	}
}

// WithQRCodeOutput instructs the WhatsApp client to write the login QR code to the specified path.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) {
		o.QRPath = path
	}
}

// WithNumericCode instructs the WhatsApp client to use numeric login code instead of QR code.
func WithNumericCode() Option {
	return func(o *Opts) {
		o.NumericCode = true
	}
}

// Client wraps the Whatsmeow client and implements gateway.Gateway.
type Client struct {
	waClient   *whatsmeow.Client
	sender     messageSender
	downloader mediaDownloader

	mu         sync.Mutex
	audio      map[string]*waE2E.AudioMessage
	audioOrder []string
	cacheSize  int
}

// Compile-time check that Client implements gateway.Gateway.
var _ gateway.Gateway = (*Client)(nil)

// foreignKeysDSN returns dsn with the foreign key pragma whatsmeow needs for
// its session tables, and whether dsn was missing it. Postgres DSNs are
// returned unchanged.
func foreignKeysDSN(dsn string) (string, bool) {
	if store.DetectDSNType(dsn) != "sqlite3" || strings.Contains(strings.ToLower(dsn), "foreign_keys") {
		return dsn, false
	}
	fixed := dsn
	if !strings.HasPrefix(fixed, "file:") {
		fixed = "file:" + fixed
	}
	if strings.Contains(fixed, "?") {
		return fixed + "&_foreign_keys=on", true
	}
	return fixed + "?_foreign_keys=on", true
}

// NewClient creates a new WhatsApp client, applying any provided options for customization.
// On first use it runs the QR (or numeric code) login flow.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("WhatsApp NewClient options set", "DBDSN_set", cfg.DBDSN != "", "QRPath_set", cfg.QRPath != "", "NumericCode", cfg.NumericCode)

	dbDSN := cfg.DBDSN
	if dbDSN == "" {
		dbDSN = DefaultSQLitePath
		slog.Debug("No WhatsApp database DSN provided, using default SQLite path", "default_path", dbDSN)
	}

	dbDriver := store.DetectDSNType(dbDSN)
	if suggested, missing := foreignKeysDSN(dbDSN); missing {
		slog.Warn("WhatsApp NewClient: session database has no foreign key pragma; whatsmeow may leave orphaned rows",
			"suggestedDSN", suggested)
	}

	slog.Debug("WhatsApp NewClient initializing DB store", "driver", dbDriver)
	ctx := context.Background()
	container, err := sqlstore.New(ctx, dbDriver, dbDSN, waLog.Stdout("Database", "INFO", true))
	if err != nil {
		slog.Error("Failed to initialize WhatsApp DB store", "error", err)
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		slog.Error("Failed to get first device from store", "error", err)
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}

	waClient := whatsmeow.NewClient(deviceStore, waLog.Stdout("Client", "INFO", true))

	if waClient.Store.ID == nil {
		slog.Info("WhatsApp login required; starting QR code flow")
		qrChan, _ := waClient.GetQRChannel(context.Background())
		if err := waClient.Connect(); err != nil {
			slog.Error("Failed to connect to WhatsApp during login", "error", err)
			return nil, fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
		}
		writer := io.Writer(os.Stdout)
		if cfg.QRPath != "" {
			f, ferr := os.Create(cfg.QRPath)
			if ferr != nil {
				slog.Error("Failed to create QR file", "error", ferr)
				return nil, fmt.Errorf("failed to create QR file: %w", ferr)
			}
			defer f.Close()
			writer = f
		}
		for evt := range qrChan {
			if evt.Event == "code" {
				if cfg.NumericCode {
					fmt.Fprintln(writer, evt.Code)
				} else {
					qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
				}
			} else {
				slog.Info("WhatsApp login event", "event", evt.Event)
			}
		}
	} else {
		slog.Debug("WhatsApp already logged in, connecting to server")
		if err := waClient.Connect(); err != nil {
			slog.Error("Failed to connect to WhatsApp server", "error", err)
			return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
		}
	}
	slog.Info("WhatsApp client connected successfully")
	c := newClient(waClient, waClient)
	c.waClient = waClient
	return c, nil
}

func newClient(sender messageSender, downloader mediaDownloader) *Client {
	return &Client{
		sender:     sender,
		downloader: downloader,
		audio:      make(map[string]*waE2E.AudioMessage),
		cacheSize:  DefaultAudioCacheSize,
	}
}

// SendText sends a WhatsApp text message to a canonical digits-only recipient.
func (c *Client) SendText(ctx context.Context, to string, body string) error {
	if c.sender == nil {
		return gateway.Permanent("SendText", errors.New("whatsapp client not initialized"))
	}
	if to == "" {
		return gateway.Permanent("SendText", errors.New("recipient cannot be empty"))
	}
	if body == "" {
		return gateway.Permanent("SendText", errors.New("message body cannot be empty"))
	}

	jid := types.NewJID(strings.TrimPrefix(to, "+"), JIDSuffix)
	msg := &waE2E.Message{Conversation: &body}

	if _, err := c.sender.SendMessage(ctx, jid, msg); err != nil {
		slog.Error("Failed to send WhatsApp message", "error", err, "to", to)
		return classifySendError(err)
	}
	slog.Debug("WhatsApp message sent successfully", "to", to)
	return nil
}

// RememberAudio keeps an inbound audio message so its media can be fetched by
// message ID. The oldest entries are evicted beyond the cache size.
func (c *Client) RememberAudio(messageID string, audio *waE2E.AudioMessage) {
	if messageID == "" || audio == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.audio[messageID]; !exists {
		c.audioOrder = append(c.audioOrder, messageID)
	}
	c.audio[messageID] = audio
	for len(c.audioOrder) > c.cacheSize {
		delete(c.audio, c.audioOrder[0])
		c.audioOrder = c.audioOrder[1:]
	}
}

func (c *Client) lookupAudio(op string, ref models.MediaRef) (*waE2E.AudioMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	audio, ok := c.audio[ref.ID]
	if !ok {
		return nil, gateway.NotFound(op, fmt.Errorf("audio message %q not known", ref.ID))
	}
	return audio, nil
}

// FetchMediaMetadata returns the mime type and length announced by the sender.
func (c *Client) FetchMediaMetadata(_ context.Context, ref models.MediaRef) (gateway.MediaMetadata, error) {
	audio, err := c.lookupAudio("FetchMediaMetadata", ref)
	if err != nil {
		return gateway.MediaMetadata{}, err
	}
	return gateway.MediaMetadata{
		MimeType:  audio.GetMimetype(),
		SizeBytes: int64(audio.GetFileLength()),
		URL:       audio.GetURL(),
	}, nil
}

// DownloadMedia downloads and decrypts the audio attachment.
func (c *Client) DownloadMedia(ctx context.Context, ref models.MediaRef) ([]byte, error) {
	audio, err := c.lookupAudio("DownloadMedia", ref)
	if err != nil {
		return nil, err
	}
	if c.downloader == nil {
		return nil, gateway.Permanent("DownloadMedia", errors.New("whatsapp client not initialized"))
	}
	data, err := c.downloader.Download(ctx, audio)
	if err != nil {
		slog.Warn("WhatsApp media download failed", "messageID", ref.ID, "error", err)
		return nil, classifyDownloadError(err)
	}
	return data, nil
}

// GetClient returns the underlying whatsmeow client for event handling.
// It is nil for clients built without a live connection.
func (c *Client) GetClient() *whatsmeow.Client {
	return c.waClient
}

func classifySendError(err error) error {
	if errors.Is(err, whatsmeow.ErrNotConnected) || errors.Is(err, whatsmeow.ErrNotLoggedIn) {
		return gateway.Transient("SendText", err)
	}
	return gateway.Classify("SendText", err)
}

func classifyDownloadError(err error) error {
	switch {
	case errors.Is(err, whatsmeow.ErrMediaDownloadFailedWith404), errors.Is(err, whatsmeow.ErrMediaDownloadFailedWith410):
		return gateway.NotFound("DownloadMedia", err)
	case errors.Is(err, whatsmeow.ErrFileLengthMismatch), errors.Is(err, whatsmeow.ErrInvalidMediaSHA256):
		return gateway.Transient("DownloadMedia", err)
	case errors.Is(err, whatsmeow.ErrNoURLPresent), errors.Is(err, whatsmeow.ErrUnknownMediaType):
		return gateway.Permanent("DownloadMedia", err)
	}
	return gateway.Classify("DownloadMedia", err)
}
