package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"relaybot/internal/bus"
	"relaybot/internal/channel"
	"relaybot/internal/config"
	"relaybot/internal/journal"
	"relaybot/internal/metrics"
	"relaybot/internal/relay"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "relaybot",
		Short: "Relay messages from one Discord channel to a webhook",
		Long: `relaybot watches a source Discord channel and re-posts every message
through a destination webhook, keeping the author's display name and avatar.

Required environment: DISCORD_TOKEN, SOURCE_CHANNEL_ID, TARGET_CHANNEL_ID,
TARGET_CHANNEL_WEBHOOK_TOKEN. A .env file in the working directory is loaded
first when present.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runRelay,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to an optional YAML config file")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return config.LoadDotEnv()
	}

	root.AddCommand(doctorCmd())
	root.AddCommand(configCmd())
	root.AddCommand(journalCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		logger.Error("relaybot failed", "err", err)
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config or RELAYBOT_CONFIG.
// An empty path means environment-only configuration.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return os.Getenv(config.EnvConfigPath)
}

func runRelay(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, closeLog, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer closeLog()
	logger = log

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	events := bus.NewEventBus(logger)

	collector := metrics.NewCollector("relaybot")
	metrics.NewRelay(collector).Subscribe(events)
	if cfg.Metrics.Addr != "" {
		srv := metrics.NewServer(cfg.Metrics.Addr, cfg.Metrics.Endpoint, collector, logger)
		go func() {
			if err := srv.Start(ctx); err != nil {
				logger.Error("metrics server error", "err", err)
			}
		}()
	}

	if cfg.Journal.Path != "" {
		store, err := journal.NewSQLiteStore(cfg.Journal.Path, logger)
		if err != nil {
			return fmt.Errorf("journal: %w", err)
		}
		defer store.Close()

		cutoff := time.Now().AddDate(0, 0, -cfg.Journal.RetentionDays)
		if n, err := store.Prune(ctx, cutoff); err != nil {
			logger.Warn("journal prune failed", "err", err)
		} else if n > 0 {
			logger.Info("journal pruned", "removed", n, "retention_days", cfg.Journal.RetentionDays)
		}
		unsubscribe := journal.Subscribe(events, store, logger)
		defer unsubscribe()
	}

	discord, err := channel.NewDiscord(channel.DiscordConfig{
		Token:       cfg.Discord.Token,
		HTTPTimeout: cfg.Discord.RequestTimeout,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	handler := relay.NewHandler(relay.Config{
		SourceChannelID:   cfg.Relay.SourceChannelID,
		Target:            cfg.Relay.Target(),
		FallbackAvatarURL: cfg.Relay.FallbackAvatarURL,
		Platform:          discord,
		Events:            events,
		Logger:            logger,
	})

	logger.Info("relay starting",
		"version", version,
		"source_channel_id", cfg.Relay.SourceChannelID,
		"target_webhook_id", cfg.Relay.TargetChannelID,
	)

	if err := discord.Start(ctx, handler.OnMessage); err != nil {
		return err
	}

	logger.Info("shutting down relay...")

	const shutdownTimeout = 10 * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := handler.Shutdown(shutdownCtx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			logger.Warn("shutdown timed out, in-flight relays cancelled")
			return fmt.Errorf("shutdown timed out")
		}
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the relaybot version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "relaybot %s\n", version)
		},
	}
}
