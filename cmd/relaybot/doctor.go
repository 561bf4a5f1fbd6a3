package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"relaybot/internal/channel"
	"relaybot/internal/config"
	"relaybot/internal/journal"

	"github.com/spf13/cobra"
)

func doctorCmd() *cobra.Command {
	var offline bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on the relay configuration",
		Long: `Verifies that the configuration is complete, the journal and log file are
writable, the metrics port is free and the destination webhook can be resolved.
Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(cmd.Context(), cmd.OutOrStdout(), offline)
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "skip checks that call the Discord API")
	return cmd
}

func runDoctor(ctx context.Context, w io.Writer, offline bool) error {
	fmt.Fprintf(w, "relaybot doctor v%s\n", version)
	fmt.Fprintf(w, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

	passed := 0
	failed := 0
	warned := 0

	// 1. Config loads and validates
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		printFail(w, "Config", err.Error())
		fmt.Fprintf(w, "\nSet the required environment variables (or a .env file) and try again.\n")
		return fmt.Errorf("config invalid")
	}
	if cfgPath == "" {
		cfgPath = "environment only"
	}
	printPass(w, "Config", cfgPath)
	passed++

	// 2. Journal writable
	if cfg.Journal.Path != "" {
		if detail, err := checkJournal(ctx, cfg.Journal.Path); err != nil {
			printFail(w, "Journal", err.Error())
			failed++
		} else {
			printPass(w, "Journal", detail)
			passed++
		}
	} else {
		printWarn(w, "Journal", "disabled (no journal.path)")
		warned++
	}

	// 3. Log file writable
	if cfg.Log.File != "" {
		if err := checkLogFile(cfg.Log.File); err != nil {
			printWarn(w, "Log file", err.Error())
			warned++
		} else {
			printPass(w, "Log file", cfg.Log.File)
			passed++
		}
	}

	// 4. Metrics port
	if cfg.Metrics.Addr != "" {
		if err := checkAddr(cfg.Metrics.Addr); err != nil {
			printWarn(w, "Metrics", fmt.Sprintf("%s may be in use: %v", cfg.Metrics.Addr, err))
			warned++
		} else {
			printPass(w, "Metrics", cfg.Metrics.Addr+cfg.Metrics.Endpoint)
			passed++
		}
	}

	// 5. Destination webhook resolves
	if offline {
		printWarn(w, "Webhook", "skipped (--offline)")
		warned++
	} else {
		discord, err := channel.NewDiscord(channel.DiscordConfig{
			Token:       cfg.Discord.Token,
			HTTPTimeout: cfg.Discord.RequestTimeout,
			Logger:      logger,
		})
		if err != nil {
			printFail(w, "Webhook", err.Error())
			failed++
		} else {
			rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			wh, err := discord.ResolveWebhook(rctx, cfg.Relay.Target())
			cancel()
			if err != nil {
				printFail(w, "Webhook", err.Error())
				failed++
			} else {
				printPass(w, "Webhook", fmt.Sprintf("%s (channel %s)", wh.Name, wh.ChannelID))
				passed++
			}
		}
	}

	// Summary
	fmt.Fprintf(w, "\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Fprintf(w, "Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
	if failed > 0 {
		fmt.Fprintf(w, "\nPlease fix the failed checks before running relaybot.\n")
		return fmt.Errorf("%d check(s) failed", failed)
	}
	if warned > 0 {
		fmt.Fprintf(w, "\nrelaybot should work but consider fixing the warnings.\n")
	} else {
		fmt.Fprintf(w, "\nAll checks passed! relaybot is ready to run.\n")
	}
	return nil
}

// checkJournal opens the journal, which creates and migrates it if needed.
func checkJournal(ctx context.Context, path string) (string, error) {
	store, err := journal.NewSQLiteStore(path, logger)
	if err != nil {
		return "", err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := store.Recent(ctx, 1); err != nil {
		return "", fmt.Errorf("cannot read: %w", err)
	}
	v, err := store.SchemaVersion(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s (schema v%d)", path, v), nil
}

// checkLogFile opens the log file the way the relay does, creating it if needed.
func checkLogFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	return f.Close()
}

func checkAddr(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

func printPass(w io.Writer, check, detail string) {
	fmt.Fprintf(w, "  [PASS] %-20s %s\n", check, detail)
}

func printFail(w io.Writer, check, detail string) {
	fmt.Fprintf(w, "  [FAIL] %-20s %s\n", check, detail)
}

func printWarn(w io.Writer, check, detail string) {
	fmt.Fprintf(w, "  [WARN] %-20s %s\n", check, detail)
}
