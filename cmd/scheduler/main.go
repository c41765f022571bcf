package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/developingchet/meeting-scheduler/internal/access"
	"github.com/developingchet/meeting-scheduler/internal/config"
	"github.com/developingchet/meeting-scheduler/internal/gcal"
	"github.com/developingchet/meeting-scheduler/internal/guard"
	"github.com/developingchet/meeting-scheduler/internal/logger"
	"github.com/developingchet/meeting-scheduler/internal/server"
	"github.com/developingchet/meeting-scheduler/internal/storage"
)

// Version is set by the build system via -ldflags.
var Version = "dev"

func main() {
	if err := newRoot().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRoot() *cobra.Command {
	root := &cobra.Command{
		Use:          "meeting-scheduler",
		Short:        "Meeting scheduler with calendar-backed availability and abuse defense",
		SilenceUsage: true,
	}
	root.AddCommand(
		runCmd(),
		healthcheckCmd(),
		versionCmd(),
		tokenCmd(),
		unbanCmd(),
		renewCmd(),
	)
	return root
}

// runCmd is the main daemon command.
func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the scheduler daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon()
		},
	}
}

func runDaemon() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := buildLogger(cfg)
	log.Info().Str("version", Version).Str("timezone", cfg.Timezone).Msg("meeting-scheduler starting")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	app, err := server.NewApp(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("build app: %w", err)
	}
	defer app.Close()

	if err := app.Run(ctx); err != nil {
		return err
	}
	log.Info().Msg("meeting-scheduler stopped")
	return nil
}

// healthcheckCmd exits 0 if the health endpoint answers.
func healthcheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "healthcheck",
		Short: "Check health endpoint and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Get("http://" + healthHost(cfg.HealthAddr) + "/healthz")
			if err != nil {
				return fmt.Errorf("healthcheck failed: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("healthcheck returned %d", resp.StatusCode)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "healthy")
			return nil
		},
	}
}

// healthHost turns a listen address like ":8081" into a dialable one.
func healthHost(addr string) string {
	if len(addr) > 0 && addr[0] == ':' {
		return "127.0.0.1" + addr
	}
	return addr
}

// versionCmd prints the version and exits.
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "meeting-scheduler %s\n", Version)
		},
	}
}

// tokenCmd prints a fresh friend token.
func tokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Print a friend access token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			tiers := access.NewResolver(access.Config{
				Secret:   []byte(cfg.TokenSecret),
				Location: cfg.Location(),
				TokenTTL: cfg.FriendTokenTTL,
			})
			token, expires, err := tiers.Issue()
			if err != nil {
				return fmt.Errorf("issue token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expires.Format(time.RFC3339))
			return nil
		},
	}
}

// unbanCmd removes a ban directly from the bbolt file. The daemon must be
// stopped: bbolt holds an exclusive lock.
func unbanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unban <address>",
		Short: "Remove a ban for an address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			store, err := storage.NewBboltStore(cfg.DataDir)
			if err != nil {
				return err
			}
			defer store.Close()

			g := guard.New(store, nil, nil, guard.NewConfig(), buildLogger(cfg))
			removed, err := g.Unban(args[0])
			if err != nil {
				return err
			}
			if !removed {
				return fmt.Errorf("no ban recorded for %s", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "unbanned %s\n", guard.NormalizeAddress(args[0]))
			return nil
		},
	}
}

// renewCmd runs a one-shot push subscription renewal.
func renewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "renew",
		Short: "Renew calendar push subscriptions and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if !cfg.PushEnabled() {
				return fmt.Errorf("push subscriptions need GOOGLE_REFRESH_TOKEN and PUSH_CALLBACK_URL")
			}
			log := buildLogger(cfg)

			store, err := storage.NewBboltStore(cfg.DataDir)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := context.Background()
			provider, err := gcal.New(ctx, gcal.Config{
				ClientID:     cfg.GoogleClientID,
				ClientSecret: cfg.GoogleClientSecret,
				RefreshToken: cfg.GoogleRefreshToken,
				CalendarID:   cfg.CalendarIDs[0],
				Location:     cfg.Location(),
			})
			if err != nil {
				return err
			}
			renewer := gcal.NewRenewer(provider, store, gcal.RenewerConfig{
				CalendarIDs: cfg.CalendarIDs,
				CallbackURL: cfg.PushCallbackURL,
				Token:       cfg.PushChannelToken,
			}, log)
			renewed := renewer.RenewAll(ctx)
			fmt.Fprintf(cmd.OutOrStdout(), "renewed %d of %d calendars\n", renewed, len(cfg.CalendarIDs))
			if renewed < len(cfg.CalendarIDs) {
				return fmt.Errorf("%d renewals failed", len(cfg.CalendarIDs)-renewed)
			}
			return nil
		},
	}
}

// buildLogger constructs a zerolog.Logger based on config.
func buildLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var base zerolog.Logger
	if cfg.LogFormat == "text" {
		cw := zerolog.NewConsoleWriter()
		cw.Out = logger.NewRedactWriter(os.Stderr)
		base = zerolog.New(cw).Level(level).With().Timestamp().Logger()
	} else {
		redactWriter := logger.NewRedactWriter(os.Stderr)
		base = zerolog.New(redactWriter).Level(level).With().Timestamp().Logger()
	}
	return base
}
