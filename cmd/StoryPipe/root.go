package main

import (
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/BTreeMap/StoryPipe/internal/config"
)

const skipConfigAnnotation = "skipConfigLoad"

// globalFlags hold persistent flag values; non-empty values override the environment.
type globalFlags struct {
	stateDir   string
	dbDSN      string
	configPath string
	logLevel   string
}

// commandContext carries the resolved environment and the lazily loaded
// conversation catalogue to every subcommand.
type commandContext struct {
	flags globalFlags
	env   Env

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func (c *commandContext) prepare() error {
	c.env = loadEnvironmentConfig()
	if v := strings.TrimSpace(c.flags.stateDir); v != "" {
		c.env.StateDir = v
	}
	if v := strings.TrimSpace(c.flags.dbDSN); v != "" {
		c.env.DBDSN = v
	}
	if v := strings.TrimSpace(c.flags.configPath); v != "" {
		c.env.ConfigPath = v
	}
	if v := strings.TrimSpace(c.flags.logLevel); v != "" {
		c.env.LogLevel = v
	}
	initializeLogger(c.env.LogLevel)
	return c.env.resolve()
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		cfg, _, err := config.Load(c.env.ConfigPath)
		if err != nil {
			c.configErr = err
			return
		}
		if c.env.TickInterval > 0 {
			cfg.Scheduler.TickInterval = config.Duration{Duration: c.env.TickInterval}
			if err := cfg.Validate(); err != nil {
				c.configErr = err
				return
			}
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "storypipe",
		Short:         "Collect life stories as WhatsApp voice notes",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := ctx.prepare(); err != nil {
				return err
			}
			if cmd.Annotations[skipConfigAnnotation] == "true" {
				return nil
			}
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&ctx.flags.stateDir, "state-dir", "", "state directory for StoryPipe data (overrides $STORYPIPE_STATE_DIR)")
	pf.StringVar(&ctx.flags.dbDSN, "db-dsn", "", "database DSN, SQLite path or PostgreSQL URL (overrides $STORYPIPE_DB_DSN or $DATABASE_URL)")
	pf.StringVarP(&ctx.flags.configPath, "config", "c", "", "conversation catalogue file (overrides $STORYPIPE_CONFIG)")
	pf.StringVar(&ctx.flags.logLevel, "log-level", "", "debug, info, warn or error (overrides $LOG_LEVEL)")

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newTickCommand(ctx))
	rootCmd.AddCommand(newTrialsCommand(ctx))
	rootCmd.AddCommand(newConfigCommand(ctx))

	return rootCmd
}
