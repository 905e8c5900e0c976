package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/roach88/fibersync/internal/connectivity"
	"github.com/roach88/fibersync/internal/engine"
	"github.com/roach88/fibersync/internal/outbox"
	"github.com/roach88/fibersync/internal/query"
	"github.com/roach88/fibersync/internal/record"
	"github.com/roach88/fibersync/internal/registry"
	"github.com/roach88/fibersync/internal/remote"
	"github.com/roach88/fibersync/internal/store"
)

// session is an open mirror plus the engine over it.
type session struct {
	cfg     *Config
	store   *store.Store
	reg     *registry.Registry
	remote  remote.Service
	monitor *connectivity.Monitor
	engine  *engine.Engine
}

// openSession opens the mirror and assembles an engine. Without a remote
// URL the engine starts offline against a service that refuses every call,
// so local commands still work.
func openSession(ctx context.Context, opts *RootOptions, extra ...engine.EngineOption) (*session, error) {
	cfg := opts.Config
	if cfg == nil {
		var err error
		if cfg, err = ResolveConfig(opts); err != nil {
			return nil, WrapExitError(ExitCommandError, "invalid configuration", err)
		}
	}
	logger := newLogger(opts.Verbose)

	reg, err := registry.Load(cfg.Registry)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load registry", err)
	}

	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	s := &session{cfg: cfg, store: st, reg: reg}
	if cfg.RemoteURL != "" {
		clientOpts := []remote.Option{remote.WithValidator(reg), remote.WithLogger(logger)}
		if cfg.Token != "" {
			clientOpts = append(clientOpts, remote.WithToken(cfg.Token))
		}
		s.remote = remote.NewHTTPClient(cfg.RemoteURL, cfg.APIKey, clientOpts...)
		s.monitor = connectivity.NewMonitor(true)
	} else {
		s.remote = unconfiguredRemote{}
		s.monitor = connectivity.NewMonitor(false)
	}

	var outboxOpts []outbox.Option
	if cfg.MaxAttempts > 0 {
		outboxOpts = append(outboxOpts, outbox.WithMaxAttempts(cfg.MaxAttempts))
	}
	if cfg.Concurrency > 0 {
		outboxOpts = append(outboxOpts, outbox.WithConcurrency(cfg.Concurrency))
	}

	engineOpts := []engine.EngineOption{
		engine.WithLogger(logger),
		engine.WithConnectivity(s.monitor),
		engine.WithRetention(cfg.Retention),
		engine.WithSyncOnReconnect(cfg.SyncOnReconnect),
		engine.WithOutboxOptions(outboxOpts...),
	}
	eng, err := engine.New(ctx, st, s.remote, reg, append(engineOpts, extra...)...)
	if err != nil {
		st.Close()
		code := ExitCommandError
		if errors.As(err, new(*engine.RuntimeError)) {
			// A mirror that cannot be prepared needs a reset, not a flag fix.
			code = ExitFailure
		}
		return nil, WrapExitError(code, "failed to start engine", err)
	}
	s.engine = eng
	return s, nil
}

// requireRemote rejects commands that only make sense with a server.
func (s *session) requireRemote(command string) error {
	if _, ok := s.remote.(unconfiguredRemote); ok {
		return NewExitError(ExitCommandError,
			fmt.Sprintf("%s needs a server: set remote_url in the config file or FIBERSYNC_REMOTE_URL", command))
	}
	return nil
}

func (s *session) Close() {
	s.engine.Close()
	if err := s.store.Close(); err != nil {
		slog.Error("error closing database", "error", err)
	}
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

var errNoRemote = errors.New("no server configured")

// unconfiguredRemote fails every call as unreachable, which the engine
// treats like being offline.
type unconfiguredRemote struct{}

var _ remote.Service = unconfiguredRemote{}

func (unconfiguredRemote) Select(context.Context, query.Descriptor) ([]record.Row, error) {
	return nil, &remote.NetworkError{Op: "select", Err: errNoRemote}
}

func (unconfiguredRemote) Insert(context.Context, string, record.Row) (record.Row, error) {
	return nil, &remote.NetworkError{Op: "insert", Err: errNoRemote}
}

func (unconfiguredRemote) Update(context.Context, string, record.Row, record.Row) (record.Row, error) {
	return nil, &remote.NetworkError{Op: "update", Err: errNoRemote}
}

func (unconfiguredRemote) Delete(context.Context, string, record.Row) error {
	return &remote.NetworkError{Op: "delete", Err: errNoRemote}
}

func (unconfiguredRemote) Call(context.Context, string, map[string]any) (json.RawMessage, error) {
	return nil, &remote.NetworkError{Op: "call", Err: errNoRemote}
}
