// Package api provides the StoryPipe HTTP surface: the Twilio inbound webhook,
// a small trial administration API and a health check.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/BTreeMap/StoryPipe/internal/messaging"
	"github.com/BTreeMap/StoryPipe/internal/models"
	"github.com/BTreeMap/StoryPipe/internal/store"
)

// Default server settings.
const (
	DefaultAddr            = ":8080"
	DefaultShutdownTimeout = 10 * time.Second
	DefaultReadTimeout     = 15 * time.Second
	DefaultWriteTimeout    = 30 * time.Second
)

// TrialService performs the trial operations exposed over HTTP.
type TrialService interface {
	CreateTrial(ctx context.Context, req models.CreateTrialRequest) (*models.Trial, error)
	ResumeTrial(ctx context.Context, trialID string) (*models.Trial, error)
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr string
	// Twilio parses webhooks. Without it POST /webhooks/twilio is not routed.
	Twilio *messaging.TwilioService
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithTwilioWebhook enables the Twilio inbound webhook.
func WithTwilioWebhook(svc *messaging.TwilioService) Option {
	return func(o *Opts) { o.Twilio = svc }
}

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	trials  TrialService
	st      store.Store
	inbound messaging.Handler
	twilio  *messaging.TwilioService
	addr    string
	router  *mux.Router
}

// NewServer wires the handlers. inbound receives webhook messages, normally a
// messaging.Dispatcher.
func NewServer(trials TrialService, st store.Store, inbound messaging.Handler, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{
		trials:  trials,
		st:      st,
		inbound: inbound,
		twilio:  cfg.Twilio,
		addr:    cfg.Addr,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.healthHandler).Methods(http.MethodGet)
	r.HandleFunc("/trials", s.createTrialHandler).Methods(http.MethodPost)
	r.HandleFunc("/trials", s.listTrialsHandler).Methods(http.MethodGet)
	r.HandleFunc("/trials/{id}", s.getTrialHandler).Methods(http.MethodGet)
	r.HandleFunc("/trials/{id}/voice-notes", s.listVoiceNotesHandler).Methods(http.MethodGet)
	r.HandleFunc("/trials/{id}/resume", s.resumeTrialHandler).Methods(http.MethodPost)
	if s.twilio != nil {
		r.HandleFunc("/webhooks/twilio", s.twilioWebhookHandler).Methods(http.MethodPost)
	}
	r.Use(loggingMiddleware)
	return r
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	slog.Info("API server stopped")
	return nil
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("API request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(started))
	})
}
