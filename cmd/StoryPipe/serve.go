package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/BTreeMap/StoryPipe/internal/api"
	"github.com/BTreeMap/StoryPipe/internal/config"
	"github.com/BTreeMap/StoryPipe/internal/lockfile"
	"github.com/BTreeMap/StoryPipe/internal/messaging"
	"github.com/BTreeMap/StoryPipe/internal/recovery"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	var login whatsAppLogin
	var sweepSchedule string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server, the scheduler and the WhatsApp listener",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(runCtx, &ctx.env, cfg, login, sweepSchedule)
		},
	}

	cmd.Flags().StringVar(&login.qrOutput, "qr-output", "", "path to write the WhatsApp login QR code")
	cmd.Flags().BoolVar(&login.numeric, "numeric-code", false, "use a numeric WhatsApp login code instead of a QR code")
	cmd.Flags().StringVar(&sweepSchedule, "sweep-schedule", recovery.DefaultSweepSchedule, "cron expression for the stale download sweep")
	return cmd
}

func runServe(ctx context.Context, env *Env, cfg *config.Config, login whatsAppLogin, sweepSchedule string) error {
	if err := ensureDirectoriesExist(env); err != nil {
		return err
	}
	lock, err := lockfile.AcquireLock(env.StateDir)
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			slog.Warn("Failed to release state directory lock", "error", err)
		}
	}()

	slog.Info("Bootstrapping StoryPipe", "provider", env.Provider, "stateDir", env.StateDir, "questions", len(cfg.Script.Questions))
	a, err := buildApp(env, cfg, login)
	if err != nil {
		return err
	}
	defer a.Close()

	// Release interrupted downloads and catch up on work that fell due while
	// the process was down, before new deliveries arrive.
	sweeper := recovery.NewStaleDownloads(a.store, cfg.Delivery.StaleDownloadAt.Duration)
	rm := recovery.NewRecoveryManager()
	rm.RegisterRecoverable(sweeper)
	rm.RegisterRecoverable(recovery.RecoverableFunc{
		Name: "catch-up-tick",
		Fn: func(ctx context.Context) error {
			_, err := a.scheduler.Tick(ctx)
			return err
		},
	})
	if err := rm.RecoverAll(ctx); err != nil {
		slog.Warn("Startup recovery incomplete", "error", err)
	}

	if err := recovery.ScheduleStaleDownloadSweep(ctx, a.scheduler, sweeper, sweepSchedule); err != nil {
		return err
	}
	if err := a.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer a.scheduler.Stop()

	dispatcher := messaging.NewDispatcher(a.store, a.machine)
	var apiOpts []api.Option
	if env.APIAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(env.APIAddr))
	}
	switch env.Provider {
	case ProviderWhatsApp:
		svc := messaging.NewWhatsAppService(a.whatsapp)
		if err := svc.Start(ctx); err != nil {
			return fmt.Errorf("start whatsapp listener: %w", err)
		}
		defer svc.Stop()
		go dispatcher.Run(ctx, svc)
	default:
		var twOpts []messaging.TwilioOption
		if env.TwilioWebhookURL != "" {
			twOpts = append(twOpts, messaging.WithSignatureValidation(env.TwilioAuthToken, env.TwilioWebhookURL))
		} else {
			slog.Warn("TWILIO_WEBHOOK_URL not set; webhook signatures are not verified")
		}
		apiOpts = append(apiOpts, api.WithTwilioWebhook(messaging.NewTwilioService(twOpts...)))
	}

	server := api.NewServer(a.machine, a.store, dispatcher, apiOpts...)
	if err := server.Run(ctx); err != nil {
		return err
	}
	slog.Info("StoryPipe exited successfully")
	return nil
}
