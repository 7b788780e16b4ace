package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/StoryPipe/internal/config"
	"github.com/BTreeMap/StoryPipe/internal/flow"
	"github.com/BTreeMap/StoryPipe/internal/gateway"
	"github.com/BTreeMap/StoryPipe/internal/genai"
	"github.com/BTreeMap/StoryPipe/internal/ingest"
	"github.com/BTreeMap/StoryPipe/internal/media"
	"github.com/BTreeMap/StoryPipe/internal/scheduler"
	"github.com/BTreeMap/StoryPipe/internal/store"
	"github.com/BTreeMap/StoryPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/StoryPipe/internal/whatsapp"
)

// whatsAppLogin holds the interactive login flags of the whatsmeow provider.
type whatsAppLogin struct {
	qrOutput string
	numeric  bool
}

// app is the wired object graph shared by serve and tick.
type app struct {
	env       *Env
	cfg       *config.Config
	store     store.Store
	gateway   *gateway.Reliable
	whatsapp  *whatsapp.Client
	machine   *flow.Machine
	scheduler *scheduler.Scheduler
}

// openStore opens the store named by the environment.
func openStore(env *Env) (store.Store, error) {
	if err := ensureDirectoriesExist(env); err != nil {
		return nil, err
	}
	st, err := store.New(env.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	slog.Debug("Store opened", "driver", store.DetectDSNType(env.DBDSN))
	return st, nil
}

// buildApp wires the store, the provider gateway, the voice note pipeline, the
// state machine and the scheduler.
func buildApp(env *Env, cfg *config.Config, login whatsAppLogin) (*app, error) {
	st, err := openStore(env)
	if err != nil {
		return nil, err
	}
	a := &app{env: env, cfg: cfg, store: st}

	provider, err := a.buildProvider(login)
	if err != nil {
		st.Close()
		return nil, err
	}
	a.gateway = gateway.NewReliable(provider, cfg.GatewayOptions()...)

	blobs, err := media.NewBlobStore(env.MediaDir)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("open media directory: %w", err)
	}
	pipeline := ingest.New(st, a.gateway, blobs, cfg.IngestOptions()...)

	opts := append(cfg.FlowOptions(), flow.WithClassifier(buildClassifier(env, cfg)))
	a.machine = flow.New(st, a.gateway, pipeline, opts...)
	a.scheduler = scheduler.NewScheduler(st, a.machine, cfg.SchedulerOptions()...)
	return a, nil
}

func (a *app) buildProvider(login whatsAppLogin) (gateway.Gateway, error) {
	switch a.env.Provider {
	case ProviderWhatsApp:
		opts := []whatsapp.Option{whatsapp.WithDBDSN(a.env.WhatsAppDSN)}
		if login.qrOutput != "" {
			opts = append(opts, whatsapp.WithQRCodeOutput(login.qrOutput))
		}
		if login.numeric {
			opts = append(opts, whatsapp.WithNumericCode())
		}
		client, err := whatsapp.NewClient(opts...)
		if err != nil {
			return nil, fmt.Errorf("whatsapp client: %w", err)
		}
		a.whatsapp = client
		return client, nil
	default:
		client, err := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(a.env.TwilioAccountSID),
			twiliowhatsapp.WithAuthToken(a.env.TwilioAuthToken),
			twiliowhatsapp.WithFromWhats(a.env.TwilioFromNumber),
			twiliowhatsapp.WithMaxDownloadBytes(a.cfg.Delivery.MaxMediaBytes),
		)
		if err != nil {
			return nil, fmt.Errorf("twilio client: %w", err)
		}
		return client, nil
	}
}

// buildClassifier returns the keyword classifier, backed by the OpenAI
// classifier for ambiguous replies when configured.
func buildClassifier(env *Env, cfg *config.Config) flow.Classifier {
	keyword := flow.KeywordClassifier{}
	if !cfg.Classifier.UseOpenAI {
		return keyword
	}
	opts := []genai.Option{
		genai.WithAPIKey(env.OpenAIKey),
		genai.WithDebugMode(env.GenAIDebug, env.StateDir),
	}
	if cfg.Classifier.Model != "" {
		opts = append(opts, genai.WithModel(cfg.Classifier.Model))
	}
	client, err := genai.NewClient(opts...)
	if err != nil {
		slog.Warn("OpenAI classifier disabled", "error", err)
		return keyword
	}
	return flow.WithFallback(keyword, genai.NewReadinessClassifier(client))
}

// Close disconnects the WhatsApp session, if any, and closes the store.
func (a *app) Close() error {
	var errs []error
	if a.whatsapp != nil {
		if wa := a.whatsapp.GetClient(); wa != nil {
			wa.Disconnect()
		}
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
