package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/StoryPipe/internal/config"
	"github.com/BTreeMap/StoryPipe/internal/store"
	"github.com/BTreeMap/StoryPipe/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for StoryPipe state data
	DefaultStateDir = "/var/lib/storypipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "storypipe.db"
	// DefaultWhatsAppDBFileName is the default whatsmeow session database filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultMediaDirName holds stored voice notes under the state directory
	DefaultMediaDirName = "media"
)

// Messaging providers.
const (
	ProviderTwilio   = "twilio"
	ProviderWhatsApp = "whatsapp"
)

// Env holds environment configuration. Empty fields are filled by resolve.
type Env struct {
	StateDir         string
	DBDSN            string
	APIAddr          string
	Provider         string
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string
	TwilioWebhookURL string
	WhatsAppDSN      string
	OpenAIKey        string
	ConfigPath       string
	MediaDir         string
	TickInterval     time.Duration
	LogLevel         string
	GenAIDebug       bool
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Env {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	env := Env{
		StateDir:         os.Getenv("STORYPIPE_STATE_DIR"),
		DBDSN:            os.Getenv("STORYPIPE_DB_DSN"),
		APIAddr:          os.Getenv("API_ADDR"),
		Provider:         strings.ToLower(strings.TrimSpace(os.Getenv("MESSAGING_PROVIDER"))),
		TwilioAccountSID: os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber: os.Getenv("TWILIO_FROM_NUMBER"),
		TwilioWebhookURL: os.Getenv("TWILIO_WEBHOOK_URL"),
		WhatsAppDSN:      os.Getenv("WHATSAPP_DB_DSN"),
		OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
		ConfigPath:       os.Getenv("STORYPIPE_CONFIG"),
		MediaDir:         os.Getenv("STORYPIPE_MEDIA_DIR"),
		TickInterval:     util.ParseDurationEnv("TICK_INTERVAL", 0),
		LogLevel:         os.Getenv("LOG_LEVEL"),
		GenAIDebug:       util.ParseBoolEnv("GENAI_DEBUG", false),
	}
	// DATABASE_URL is the conventional name on most hosting platforms.
	if env.DBDSN == "" {
		env.DBDSN = os.Getenv("DATABASE_URL")
	}

	slog.Debug("environment variables loaded",
		"STORYPIPE_STATE_DIR", env.StateDir,
		"STORYPIPE_DB_DSN_SET", env.DBDSN != "",
		"API_ADDR", env.APIAddr,
		"MESSAGING_PROVIDER", env.Provider,
		"TWILIO_ACCOUNT_SID_SET", env.TwilioAccountSID != "",
		"WHATSAPP_DB_DSN_SET", env.WhatsAppDSN != "",
		"OPENAI_API_KEY_SET", env.OpenAIKey != "",
		"STORYPIPE_CONFIG", env.ConfigPath)
	return env
}

// resolve fills every unset location from the state directory. It runs after
// flags are applied so that --state-dir moves all derived paths with it.
func (e *Env) resolve() error {
	if e.StateDir == "" {
		e.StateDir = DefaultStateDir
	}
	if e.DBDSN == "" {
		e.DBDSN = filepath.Join(e.StateDir, DefaultDBFileName)
	}
	if e.WhatsAppDSN == "" {
		e.WhatsAppDSN = "file:" + filepath.Join(e.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	}
	if e.ConfigPath == "" {
		e.ConfigPath = filepath.Join(e.StateDir, config.DefaultFileName)
	}
	if e.MediaDir == "" {
		e.MediaDir = filepath.Join(e.StateDir, DefaultMediaDirName)
	}
	if e.Provider == "" {
		e.Provider = ProviderTwilio
	}
	switch e.Provider {
	case ProviderTwilio, ProviderWhatsApp:
	default:
		return fmt.Errorf("unknown MESSAGING_PROVIDER %q (want %s or %s)", e.Provider, ProviderTwilio, ProviderWhatsApp)
	}
	return nil
}

// ensureDirectoriesExist creates the state directory and, for file-based
// stores, the database directory.
func ensureDirectoriesExist(e *Env) error {
	dirs := []string{e.StateDir}
	if store.DetectDSNType(e.DBDSN) == "sqlite3" {
		dirs = append(dirs, filepath.Dir(strings.TrimPrefix(e.DBDSN, "file:")))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			slog.Error("Failed to create state directory", "error", err, "dir", dir)
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
