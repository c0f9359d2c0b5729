package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/vovakirdan/recallchat/internal/app"
	"github.com/vovakirdan/recallchat/internal/config"
	"github.com/vovakirdan/recallchat/internal/log"
)

type serveFlags struct {
	addr              string
	readHeaderTimeout time.Duration
	shutdownTimeout   time.Duration
	applySchema       bool
}

func newServeCmd(root *rootFlags) *cobra.Command {
	flags := &serveFlags{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(root)
			if err != nil {
				return err
			}
			// Flags win over file and environment.
			cfg.UpdateFrom(config.Config{
				Addr:              flags.addr,
				ReadHeaderTimeout: flags.readHeaderTimeout,
				ShutdownTimeout:   flags.shutdownTimeout,
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			application, err := app.New(&cfg, logger, app.Options{ApplySchema: flags.applySchema})
			if err != nil {
				return err
			}

			logger.Info().Str("addr", cfg.Addr).Str("version", version).Msg("starting recallchat server")
			if err := application.Run(ctx); err != nil {
				return fmt.Errorf("server exited with error: %w", err)
			}
			logger.Info().Msg("server stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&flags.addr, "addr", "", "HTTP listen address")
	cmd.Flags().DurationVar(&flags.readHeaderTimeout, "read-header-timeout", 0, "HTTP read header timeout")
	cmd.Flags().DurationVar(&flags.shutdownTimeout, "shutdown-timeout", 0, "graceful shutdown timeout")
	cmd.Flags().BoolVar(&flags.applySchema, "apply-schema", false, "create missing tables on start")
	return cmd
}

func newTokenCmd(root *rootFlags) *cobra.Command {
	var username, avatar string

	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Mint a signed identity token for local testing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := setup(root)
			if err != nil {
				return err
			}
			token, err := app.IssueToken(&cfg, args[0], username, avatar)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&username, "username", "", "display name carried in the token")
	cmd.Flags().StringVar(&avatar, "avatar", "", "avatar carried in the token")
	return cmd
}

func newSweepCmd(root *rootFlags) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Purge recalled messages whose window elapsed, then exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(root)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			purged, err := app.Sweep(ctx, &cfg, logger, app.Options{})
			if err != nil {
				return fmt.Errorf("sweep: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d message(s)\n", purged)
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "give up after this long")
	return cmd
}

// setup resolves configuration and builds the process logger.
func setup(root *rootFlags) (config.Config, *zerolog.Logger, error) {
	bootstrap := log.New("info", "console")

	cfg, path, err := config.Load(bootstrap, root.configPath)
	if err != nil {
		return cfg, nil, err
	}
	if root.logLevel != "" {
		cfg.LogLevel = root.logLevel
	}
	if cfg.DatabasePath == "" {
		return cfg, nil, errors.New("database_path is required")
	}

	logger := log.New(cfg.LogLevel, cfg.LogFormat)
	logger.Debug().Str("config", path).Msg("configuration loaded")
	return cfg, logger, nil
}
