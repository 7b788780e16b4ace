// Package twiliowhatsapp implements the messaging gateway on the Twilio API for WhatsApp.
package twiliowhatsapp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/BTreeMap/StoryPipe/internal/gateway"
	"github.com/BTreeMap/StoryPipe/internal/models"
)

// DefaultMaxDownloadBytes caps a single media download.
const DefaultMaxDownloadBytes = 64 << 20

// messageAPI is the subset of the Twilio v2010 API used by the client.
type messageAPI interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
	FetchMedia(messageSid string, sid string, params *twilioApi.FetchMediaParams) (*twilioApi.ApiV2010Media, error)
}

// Opts holds configuration options for the Twilio WhatsApp client.
type Opts struct {
	AccountSID       string
	AuthToken        string
	FromWhats        string
	HTTPClient       *http.Client
	MaxDownloadBytes int64
}

// Option defines a configuration option for the Twilio WhatsApp client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromWhats sets the sender, in "whatsapp:+1234567890" format.
func WithFromWhats(from string) Option {
	return func(o *Opts) { o.FromWhats = from }
}

// WithHTTPClient sets the client used for media downloads.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// WithMaxDownloadBytes caps media downloads.
func WithMaxDownloadBytes(n int64) Option {
	return func(o *Opts) { o.MaxDownloadBytes = n }
}

// Client wraps the Twilio REST API for WhatsApp and implements gateway.Gateway.
type Client struct {
	api        messageAPI
	http       *http.Client
	accountSID string
	authToken  string
	fromWhats  string // WhatsApp number in "whatsapp:+1234567890" format
	maxBytes   int64
}

// Compile-time check that Client implements gateway.Gateway.
var _ gateway.Gateway = (*Client)(nil)

// NewClient creates a Twilio client. Missing options fall back to the
// TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER environment variables.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromWhats == "" {
		cfg.FromWhats = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("Twilio client config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromWhats_set", cfg.FromWhats != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromWhats == "" {
		return nil, fmt.Errorf("fromWhats number must be provided")
	}

	rest := twilio.NewRestClientWithParams(
		twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		},
	)
	return newClient(rest.Api, cfg), nil
}

func newClient(api messageAPI, cfg Opts) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	maxBytes := cfg.MaxDownloadBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxDownloadBytes
	}
	from := cfg.FromWhats
	if from != "" && !strings.HasPrefix(from, "whatsapp:") {
		from = "whatsapp:" + from
	}
	return &Client{
		api:        api,
		http:       httpClient,
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		fromWhats:  from,
		maxBytes:   maxBytes,
	}
}

// SendText sends a WhatsApp message to a canonical digits-only recipient.
func (c *Client) SendText(ctx context.Context, to string, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	params := &twilioApi.CreateMessageParams{}
	params.SetTo("whatsapp:+" + strings.TrimPrefix(to, "+"))
	params.SetFrom(c.fromWhats)
	params.SetBody(body)

	if _, err := c.api.CreateMessage(params); err != nil {
		slog.Error("Twilio SendText failed", "to", to, "error", err)
		return classifyTwilioError("SendText", err)
	}
	slog.Debug("Twilio message sent", "to", to)
	return nil
}

// FetchMediaMetadata looks up the media resource of an inbound message. Twilio
// does not report a size, so SizeBytes is zero until the download.
func (c *Client) FetchMediaMetadata(ctx context.Context, ref models.MediaRef) (gateway.MediaMetadata, error) {
	if err := ctx.Err(); err != nil {
		return gateway.MediaMetadata{}, err
	}
	messageSID, mediaSID := ref.MessageID, ref.ID
	if messageSID == "" || mediaSID == "" {
		m, s, ok := ParseMediaURL(ref.URL)
		if !ok {
			return gateway.MediaMetadata{}, gateway.Permanent("FetchMediaMetadata", fmt.Errorf("cannot resolve media reference %q", ref.URL))
		}
		messageSID, mediaSID = m, s
	}
	media, err := c.api.FetchMedia(messageSID, mediaSID, &twilioApi.FetchMediaParams{})
	if err != nil {
		slog.Warn("Twilio FetchMediaMetadata failed", "messageSid", messageSID, "mediaSid", mediaSID, "error", err)
		return gateway.MediaMetadata{}, classifyTwilioError("FetchMediaMetadata", err)
	}
	meta := gateway.MediaMetadata{MimeType: ref.MimeType, URL: ref.URL}
	if media.ContentType != nil {
		meta.MimeType = *media.ContentType
	}
	if meta.URL == "" {
		meta.URL = c.mediaURL(messageSID, mediaSID)
	}
	return meta, nil
}

// DownloadMedia fetches the media bytes with HTTP basic auth. Twilio redirects
// to short-lived storage; the redirect is followed by the HTTP client.
func (c *Client) DownloadMedia(ctx context.Context, ref models.MediaRef) ([]byte, error) {
	url := ref.URL
	if url == "" {
		url = c.mediaURL(ref.MessageID, ref.ID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, gateway.Permanent("DownloadMedia", err)
	}
	req.SetBasicAuth(c.accountSID, c.authToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, gateway.Classify("DownloadMedia", err)
	}
	defer resp.Body.Close()
	if perr := gateway.FromHTTPStatus("DownloadMedia", resp.StatusCode, nil); perr != nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, perr
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		return nil, gateway.Transient("DownloadMedia", err)
	}
	if int64(len(data)) > c.maxBytes {
		return nil, gateway.Permanent("DownloadMedia", fmt.Errorf("media exceeds %s", humanize.IBytes(uint64(c.maxBytes))))
	}
	slog.Debug("Twilio media downloaded", "mediaSid", ref.ID, "size", humanize.IBytes(uint64(len(data))))
	return data, nil
}

func (c *Client) mediaURL(messageSID, mediaSID string) string {
	return fmt.Sprintf("https://api.twilio.com/2010-04-01/Accounts/%s/Messages/%s/Media/%s", c.accountSID, messageSID, mediaSID)
}

// ParseMediaURL extracts the message and media SIDs from a Twilio media URL.
func ParseMediaURL(url string) (messageSID, mediaSID string, ok bool) {
	parts := strings.Split(strings.TrimSuffix(url, "/"), "/")
	for i := 0; i+3 < len(parts); i++ {
		if parts[i] == "Messages" && parts[i+2] == "Media" {
			return parts[i+1], strings.TrimSuffix(parts[i+3], ".json"), true
		}
	}
	return "", "", false
}

// classifyTwilioError maps Twilio REST errors onto the gateway taxonomy by HTTP status.
func classifyTwilioError(op string, err error) error {
	var restErr *twilioclient.TwilioRestError
	if errors.As(err, &restErr) && restErr.Status != 0 {
		return gateway.FromHTTPStatus(op, restErr.Status, err)
	}
	return gateway.Classify(op, err)
}
