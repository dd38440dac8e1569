// Command concierge runs the expert-routed assistant.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nous-labs/concierge/internal/daemon"
)

var (
	version = "dev"
	commit  = "unknown"
)

type rootFlags struct {
	config   string
	brain    string
	logLevel string
	logJSON  bool
}

func main() {
	var flags rootFlags

	rootCmd := &cobra.Command{
		Use:           "concierge",
		Short:         "Expert-routed personal assistant",
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&flags.config, "config", os.Getenv("CONCIERGE_CONFIG_PATH"), "path to config file (JSON or YAML)")
	rootCmd.PersistentFlags().StringVar(&flags.brain, "brain", "", "path to brain directory (overrides config)")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "debug, info, warn or error (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&flags.logJSON, "log-json", false, "log as JSON")

	rootCmd.AddCommand(serveCmd(&flags), askCmd(&flags), versionCmd())

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		slog.Error("concierge failed", "error", err)
		os.Exit(1)
	}
}

// setup loads the config and installs the default logger.
func setup(flags *rootFlags) (*daemon.Config, error) {
	cfg, err := daemon.LoadConfig(flags.config)
	if err != nil {
		return nil, err
	}
	if flags.brain != "" {
		cfg.BrainPath = flags.brain
	}
	if flags.logLevel != "" {
		cfg.LogLevel = flags.logLevel
	}

	opts := &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if flags.logJSON {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
	return cfg, nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func serveCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the Matrix channel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup(flags)
			if err != nil {
				return err
			}
			d, err := daemon.New(cfg)
			if err != nil {
				return err
			}
			defer d.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			slog.Info("concierge starting", "version", version, "brain", cfg.BrainPath)
			if err := d.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			slog.Info("concierge stopped")
			return nil
		},
	}
}

func askCmd(flags *rootFlags) *cobra.Command {
	var userID string
	var timeout time.Duration
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "ask <message>",
		Short: "Run a single turn and print the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup(flags)
			if err != nil {
				return err
			}
			d, err := daemon.New(cfg)
			if err != nil {
				return err
			}
			defer d.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			state, err := d.Ask(ctx, userID, "cli:"+userID, strings.Join(args, " "))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(state)
			}
			fmt.Fprintln(out, state.ExpertResponse)
			fmt.Fprintln(out)
			confidence := 0.0
			if state.Intent != nil {
				confidence = state.Intent.Confidence
			}
			fmt.Fprintf(out, "expert=%s confidence=%.2f memories_used=%d", state.Expert(), confidence, state.MemoriesUsed)
			if status := state.Action.Status(); status != "" {
				fmt.Fprintf(out, " action=%s", status)
			}
			fmt.Fprintf(out, " run_id=%s\n", state.RunID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "local", "user id the turn belongs to")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "turn deadline")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the final state as JSON")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "concierge %s (%s)\n", version, commit)
		},
	}
}
