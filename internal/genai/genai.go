// Package genai provides GenAI-enhanced operations using OpenAI API.
//
// StoryPipe uses it for one thing: deciding whether a storyteller's free-text
// reply to the readiness check means yes or no when simple keyword matching
// cannot tell.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/BTreeMap/StoryPipe/internal/models"
)

// Defaults for the classification model.
const (
	DefaultModel       = openai.ChatModelGPT4oMini
	DefaultTemperature = 0.0
	DefaultMaxTokens   = 60
)

var (
	// ErrAPIKeyRequired is returned by NewClient when no API key is configured.
	ErrAPIKeyRequired    = errors.New("OpenAI API key is required")
	// ErrNoChoicesReturned is returned when the model answers without choices.
	ErrNoChoicesReturned = errors.New("no choices returned")
)

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// completionsService adapts the SDK's chat completions service to chatService.
type completionsService struct {
	svc openai.ChatCompletionService
}

func (s completionsService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := s.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	// DebugMode writes every request and response under StateDir/debug.
	DebugMode bool
	StateDir  string
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = t }
}

// WithMaxTokens sets the completion token limit.
func WithMaxTokens(n int) Option {
	return func(o *Opts) { o.MaxTokens = n }
}

// WithDebugMode enables request/response dumps under stateDir/debug.
func WithDebugMode(enabled bool, stateDir string) Option {
	return func(o *Opts) {
		o.DebugMode = enabled
		o.StateDir = stateDir
	}
}

// Client wraps the OpenAI ChatCompletion service.
type Client struct {
	chat        chatService
	model       string
	temperature float64
	maxTokens   int
	debugMode   bool
	stateDir    string
}

// NewClient initializes a new GenAI client. An API key is required.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{
		Model:       string(DefaultModel),
		Temperature: DefaultTemperature,
		MaxTokens:   DefaultMaxTokens,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrAPIKeyRequired
	}
	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	slog.Debug("GenAI client created", "model", cfg.Model, "debugMode", cfg.DebugMode)
	return &Client{
		chat:        completionsService{svc: cli.Chat.Completions},
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		debugMode:   cfg.DebugMode,
		stateDir:    cfg.StateDir,
	}, nil
}

// GeneratePromptWithContext returns the model's answer to a system and user prompt.
func (c *Client) GeneratePromptWithContext(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
		Temperature: openai.Float(c.temperature),
	}
	if c.maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(c.maxTokens))
	}

	started := time.Now()
	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		slog.Error("GenAI.GeneratePromptWithContext: request failed", "error", err, "model", c.model)
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	content := resp.Choices[0].Message.Content
	slog.Debug("GenAI.GeneratePromptWithContext: response received", "model", c.model, "duration", time.Since(started), "length", len(content))
	c.writeDebug(systemPrompt, userPrompt, content)
	return content, nil
}

// GeneratePrompt is GeneratePromptWithContext with a background context.
func (c *Client) GeneratePrompt(systemPrompt, userPrompt string) (string, error) {
	return c.GeneratePromptWithContext(context.Background(), systemPrompt, userPrompt)
}

type debugRecord struct {
	Time         time.Time `json:"time"`
	Model        string    `json:"model"`
	SystemPrompt string    `json:"system_prompt"`
	UserPrompt   string    `json:"user_prompt"`
	Response     string    `json:"response"`
}

// writeDebug stores one exchange when debug mode is on. Failures are logged only.
func (c *Client) writeDebug(systemPrompt, userPrompt, response string) {
	if !c.debugMode || c.stateDir == "" {
		return
	}
	dir := filepath.Join(c.stateDir, "debug")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Warn("GenAI.writeDebug: failed to create debug directory", "error", err, "dir", dir)
		return
	}
	now := time.Now().UTC()
	rec := debugRecord{Time: now, Model: c.model, SystemPrompt: systemPrompt, UserPrompt: userPrompt, Response: response}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		slog.Warn("GenAI.writeDebug: failed to encode record", "error", err)
		return
	}
	name := filepath.Join(dir, fmt.Sprintf("genai_%s.json", now.Format("20060102T150405.000000000")))
	if err := os.WriteFile(name, data, 0o644); err != nil {
		slog.Warn("GenAI.writeDebug: failed to write record", "error", err, "file", name)
	}
}

const readinessSystemPrompt = `You classify replies in a chat where a storyteller was asked whether they are ready to answer a question about their life.
Answer with JSON only: {"readiness": "affirmative" | "negative" | "ambiguous"}.
"affirmative" means they agree to start now. "negative" means they decline or want to wait. Use "ambiguous" for anything else.`

type readinessAnswer struct {
	Readiness string `json:"readiness"`
}

// ReadinessClassifier classifies readiness replies with a chat model.
type ReadinessClassifier struct {
	client *Client
}

// NewReadinessClassifier wraps c.
func NewReadinessClassifier(c *Client) *ReadinessClassifier {
	return &ReadinessClassifier{client: c}
}

// Classify returns the model's classification of text. Unparseable answers are ambiguous.
func (r *ReadinessClassifier) Classify(ctx context.Context, text string) (models.ReadinessResponse, error) {
	content, err := r.client.GeneratePromptWithContext(ctx, readinessSystemPrompt, text)
	if err != nil {
		return models.ReadinessAmbiguous, err
	}
	resp := parseReadiness(content)
	slog.Debug("ReadinessClassifier.Classify: classified reply", "response", resp)
	return resp, nil
}

// parseReadiness reads the JSON answer, falling back to a bare label anywhere in content.
func parseReadiness(content string) models.ReadinessResponse {
	trimmed := strings.TrimSpace(content)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.Trim(trimmed, "`\n ")

	var ans readinessAnswer
	label := ""
	if err := json.Unmarshal([]byte(trimmed), &ans); err == nil {
		label = ans.Readiness
	} else {
		label = trimmed
	}
	label = strings.ToLower(label)
	switch {
	case strings.Contains(label, string(models.ReadinessAffirmative)):
		return models.ReadinessAffirmative
	case strings.Contains(label, string(models.ReadinessNegative)):
		return models.ReadinessNegative
	}
	return models.ReadinessAmbiguous
}
