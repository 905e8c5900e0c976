package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/fibersync/internal/connectivity"
	"github.com/roach88/fibersync/internal/engine"
	"github.com/roach88/fibersync/internal/feed"
	"github.com/roach88/fibersync/internal/status"
)

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sync engine until interrupted",
		Long: `Run the sync engine in the foreground.

The engine drains queued writes whenever the server is reachable, retries
transient failures with backoff, follows the change feed when one is
configured, and logs every sync status change. With a health_url it polls
the server to track connectivity; without one it assumes the link is up.
A --registry directory is watched and reloaded on change.

Example:
  fibersync run --db ./fibersync.db --config ./fibersync.yaml
  FIBERSYNC_REMOTE_URL=https://api.example.net fibersync run --verbose`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(rootOpts, cmd)
		},
	}
	return cmd
}

func runEngine(opts *RootOptions, cmd *cobra.Command) error {
	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := opts.Config
	source, err := feedSource(cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid change feed", err)
	}
	var extra []engine.EngineOption
	if source != nil {
		extra = append(extra, engine.WithFeed(source))
	}

	s, err := openSession(ctx, opts, extra...)
	if err != nil {
		return err
	}
	defer s.Close()
	if err := s.requireRemote("run"); err != nil {
		return err
	}

	s.engine.OnStatus(func(st status.Status) {
		fmt.Fprintln(cmd.OutOrStdout(), st.Banner())
	})

	g, ctx := errgroup.WithContext(ctx)
	if cfg.HealthURL != "" {
		checker := &connectivity.HealthChecker{
			URL:      cfg.HealthURL,
			Interval: cfg.HealthInterval,
			Client:   &http.Client{Timeout: 5 * time.Second},
			Monitor:  s.monitor,
		}
		g.Go(func() error {
			if err := checker.Run(ctx); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	if cfg.Registry != "" {
		g.Go(func() error {
			if err := s.engine.WatchRegistry(ctx, cfg.Registry); err != nil && ctx.Err() == nil {
				// The engine keeps the registry it has; only reloads stop.
				slog.Error("registry watch stopped", "dir", cfg.Registry, "error", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		return s.engine.Run(ctx)
	})

	slog.Info("engine started", "db", cfg.Database, "remote", cfg.RemoteURL, "feed", source != nil)
	fmt.Fprintln(cmd.OutOrStdout(), "Engine started. Press Ctrl-C to stop.")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "engine error", err)
	}

	slog.Info("engine stopped gracefully")
	return nil
}

// feedSource picks the change-feed transport named by cfg, or nil.
func feedSource(cfg *Config) (feed.Source, error) {
	switch {
	case cfg.FeedURL != "" && cfg.FeedDSN != "":
		return nil, errors.New("feed_url and feed_dsn are mutually exclusive")
	case cfg.FeedURL != "":
		header := http.Header{}
		if cfg.APIKey != "" {
			header.Set("apikey", cfg.APIKey)
		}
		if token := firstNonEmpty(cfg.Token, cfg.APIKey); token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
		return &feed.WebSocketSource{URL: cfg.FeedURL, Header: header}, nil
	case cfg.FeedDSN != "":
		return &feed.PostgresSource{DSN: cfg.FeedDSN, Channel: cfg.FeedChannel}, nil
	}
	return nil, nil
}
