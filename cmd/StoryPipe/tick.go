package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newTickCommand(ctx *commandContext) *cobra.Command {
	var login whatsAppLogin

	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Run one scheduler tick and exit",
		Long: "Run one scheduler tick and exit. Safe to run from cron next to a running " +
			"server: each trial is claimed before anything is sent.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			a, err := buildApp(&ctx.env, cfg, login)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.scheduler.Tick(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Tick %s: %d due, %d sent, %d failed, %d stalled\n",
				res.RunID, res.Due, res.Succeeded, res.Failed, res.Stalled)
			return nil
		},
	}

	cmd.Flags().StringVar(&login.qrOutput, "qr-output", "", "path to write the WhatsApp login QR code")
	cmd.Flags().BoolVar(&login.numeric, "numeric-code", false, "use a numeric WhatsApp login code instead of a QR code")
	return cmd
}
