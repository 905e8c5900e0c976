package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/fibersync/internal/cache"
	"github.com/roach88/fibersync/internal/clock"
	"github.com/roach88/fibersync/internal/connectivity"
	"github.com/roach88/fibersync/internal/fanin"
	"github.com/roach88/fibersync/internal/feed"
	"github.com/roach88/fibersync/internal/outbox"
	"github.com/roach88/fibersync/internal/record"
	"github.com/roach88/fibersync/internal/registry"
	"github.com/roach88/fibersync/internal/remote"
	"github.com/roach88/fibersync/internal/resolver"
	"github.com/roach88/fibersync/internal/status"
	"github.com/roach88/fibersync/internal/store"
	"github.com/roach88/fibersync/internal/syncer"
)

// DefaultPruneInterval is how often the Run loop prunes the outbox.
const DefaultPruneInterval = time.Hour

// Engine wires the store, outbox, resolver, cache, fan-in and syncer.
//
// Thread-safety model:
//   - Enqueue, Query, Call, Watch and the status methods: safe from any
//     goroutine
//   - Run: at most one goroutine
//   - Drain and Sync: safe to call directly; a Drain that overlaps another
//     reports Skipped
type Engine struct {
	store  *store.Store
	remote remote.Service
	reg    atomic.Pointer[registry.Registry]
	conn   *connectivity.Monitor
	clock  clock.Clock
	logger *slog.Logger

	outbox   *outbox.Outbox
	policy   *cache.Policy
	cache    *cache.Cache
	fanin    *fanin.FanIn
	resolver *resolver.Resolver
	syncer   *syncer.Syncer
	status   *status.Reporter

	queue *eventQueue

	source          feed.Source
	retention       time.Duration
	pruneInterval   time.Duration
	syncOnReconnect bool

	outboxOpts []outbox.Option
	fanOpts    []fanin.Option
	syncOpts   []syncer.Option
	cacheOpts  []cache.Option

	mu         sync.Mutex
	retryTimer clock.Timer
	retryAt    time.Time
	pruneTimer clock.Timer
}

// EngineOption allows configuration of engine parameters.
type EngineOption func(*Engine)

// WithClock replaces the wall clock for every component.
func WithClock(c clock.Clock) EngineOption {
	return func(e *Engine) { e.clock = c }
}

// WithLogger sets the logger handed to every component.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithConnectivity shares a monitor fed by a health checker or the platform.
// Default: a monitor that starts online and never changes.
func WithConnectivity(m *connectivity.Monitor) EngineOption {
	return func(e *Engine) { e.conn = m }
}

// WithFeed sets the change feed Run subscribes to.
func WithFeed(src feed.Source) EngineOption {
	return func(e *Engine) { e.source = src }
}

// WithRetention sets how long succeeded tasks are kept.
// Default: outbox.DefaultRetention.
func WithRetention(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.retention = d
		}
	}
}

// WithPruneInterval sets how often Run prunes.
func WithPruneInterval(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.pruneInterval = d
		}
	}
}

// WithSyncOnReconnect makes the back-online sequence resync every entity
// after draining the outbox.
func WithSyncOnReconnect(on bool) EngineOption {
	return func(e *Engine) { e.syncOnReconnect = on }
}

// WithOutboxOptions passes options through to the outbox.
func WithOutboxOptions(opts ...outbox.Option) EngineOption {
	return func(e *Engine) { e.outboxOpts = append(e.outboxOpts, opts...) }
}

// WithFanInOptions passes options through to the fan-in.
func WithFanInOptions(opts ...fanin.Option) EngineOption {
	return func(e *Engine) { e.fanOpts = append(e.fanOpts, opts...) }
}

// WithSyncerOptions passes options through to the syncer.
func WithSyncerOptions(opts ...syncer.Option) EngineOption {
	return func(e *Engine) { e.syncOpts = append(e.syncOpts, opts...) }
}

// WithCacheOptions passes options through to the query cache.
func WithCacheOptions(opts ...cache.Option) EngineOption {
	return func(e *Engine) { e.cacheOpts = append(e.cacheOpts, opts...) }
}

// New prepares the store for reg and assembles the engine.
//
// Startup creates or evolves mirror tables, returns tasks stranded in
// processing by a crash to pending, and loads persisted cache entries.
// A store that cannot be prepared yields a RuntimeError with
// ErrCodeStartup wrapping the storage error; HardReset is the recovery.
func New(
	ctx context.Context,
	st *store.Store,
	svc remote.Service,
	reg *registry.Registry,
	opts ...EngineOption,
) (*Engine, error) {
	e := &Engine{
		store:         st,
		remote:        svc,
		clock:         clock.Real(),
		logger:        slog.Default(),
		queue:         newEventQueue(),
		retention:     outbox.DefaultRetention,
		pruneInterval: DefaultPruneInterval,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.conn == nil {
		e.conn = connectivity.NewMonitor(true)
	}
	e.reg.Store(reg)

	e.outbox = outbox.New(st, svc, reg, append([]outbox.Option{
		outbox.WithClock(e.clock),
		outbox.WithConnectivity(e.conn),
		outbox.WithLogger(e.logger),
	}, e.outboxOpts...)...)

	e.policy = cache.NewPolicy(reg)
	e.cache = cache.New(e.policy, append([]cache.Option{
		cache.WithStore(st),
		cache.WithClock(e.clock),
		cache.WithLogger(e.logger),
	}, e.cacheOpts...)...)

	e.fanin = fanin.New(reg, append([]fanin.Option{
		fanin.WithClock(e.clock),
		fanin.WithLogger(e.logger),
		fanin.WithSink(e.invalidate),
	}, e.fanOpts...)...)

	e.resolver = resolver.New(e.conn, resolver.WithLogger(e.logger))

	e.syncer = syncer.New(st, svc, reg, append([]syncer.Option{
		syncer.WithClock(e.clock),
		syncer.WithLogger(e.logger),
		syncer.WithOnSynced(e.synced),
	}, e.syncOpts...)...)

	e.status = status.NewReporter(e.outbox, e.conn)
	e.status.OnChange(func(s status.Status) {
		e.logger.Info("sync status", "status", s.String(), "banner", s.Banner())
	})

	e.outbox.OnApplied(func(a outbox.Applied) {
		e.fanin.Notify(a.Task.Entity)
	})
	e.outbox.OnChange(e.refreshStatus)

	if err := e.prepare(ctx, reg); err != nil {
		e.resolver.Close()
		return nil, err
	}
	return e, nil
}

func (e *Engine) prepare(ctx context.Context, reg *registry.Registry) error {
	if err := e.store.EnsureMirror(ctx, reg.Entities(), e.clock.Now()); err != nil {
		return &RuntimeError{Code: ErrCodeStartup, Message: "prepare mirror", Err: err}
	}
	recovered, err := e.outbox.Recover(ctx)
	if err != nil {
		return &RuntimeError{Code: ErrCodeStartup, Message: "recover outbox", Err: err}
	}
	loaded, err := e.cache.Load(ctx)
	if err != nil {
		return &RuntimeError{Code: ErrCodeStartup, Message: "load cache", Err: err}
	}
	e.logger.Debug("engine prepared",
		"entities", len(reg.Entities()),
		"recovered_tasks", recovered,
		"cache_entries", loaded,
	)
	return nil
}

// Close stops timers and background reads. It does not close the store.
func (e *Engine) Close() {
	e.queue.Close()
	e.mu.Lock()
	if e.retryTimer != nil {
		e.retryTimer.Stop()
		e.retryTimer = nil
	}
	if e.pruneTimer != nil {
		e.pruneTimer.Stop()
		e.pruneTimer = nil
	}
	e.mu.Unlock()
	e.resolver.Close()
}

// Registry returns the registry currently used for invalidation.
func (e *Engine) Registry() *registry.Registry {
	return e.reg.Load()
}

// Connectivity returns the monitor the engine consults.
func (e *Engine) Connectivity() *connectivity.Monitor {
	return e.conn
}

// SetRegistry swaps the registry used for invalidation and cache policy
// and creates mirror tables for entities it adds. The write and resync
// paths keep the registry the engine was built with.
func (e *Engine) SetRegistry(ctx context.Context, reg *registry.Registry) error {
	if err := e.store.EnsureMirror(ctx, reg.Entities(), e.clock.Now()); err != nil {
		return fmt.Errorf("apply registry: %w", err)
	}
	e.reg.Store(reg)
	e.policy.SetRegistry(reg)
	e.fanin.SetRegistry(reg)
	e.logger.Info("registry reloaded", "entities", len(reg.Entities()))
	return nil
}

// WatchRegistry reloads the registry from dir on change until ctx is done.
func (e *Engine) WatchRegistry(ctx context.Context, dir string) error {
	return registry.Watch(ctx, dir, func(reg *registry.Registry) {
		if err := e.SetRegistry(ctx, reg); err != nil {
			e.logger.Error("registry reload failed", "dir", dir, "error", err)
		}
	})
}

// Enqueue records a local write and schedules a drain.
func (e *Engine) Enqueue(ctx context.Context, entity string, op store.Operation, payload record.Row) (int64, error) {
	id, err := e.outbox.Enqueue(ctx, entity, op, payload)
	if err != nil {
		return 0, err
	}
	e.queue.Enqueue(Event{Type: EventTypeDrain})
	return id, nil
}

// RetryFailed re-queues a failed task and schedules a drain.
func (e *Engine) RetryFailed(ctx context.Context, taskID int64) (int64, error) {
	id, err := e.outbox.RetryFailed(ctx, taskID)
	if err != nil {
		return 0, err
	}
	e.queue.Enqueue(Event{Type: EventTypeDrain})
	return id, nil
}

// Discard drops a failed task, unblocking later writes to its record.
func (e *Engine) Discard(ctx context.Context, taskID int64) error {
	if err := e.outbox.Discard(ctx, taskID); err != nil {
		return err
	}
	e.queue.Enqueue(Event{Type: EventTypeDrain})
	return nil
}

// Tasks lists outbox tasks, optionally filtered by status.
func (e *Engine) Tasks(ctx context.Context, statuses ...store.TaskStatus) ([]store.Task, error) {
	return e.outbox.Tasks(ctx, statuses...)
}

// Drain replays ready tasks now and arms the retry timer for the earliest
// waiting one.
func (e *Engine) Drain(ctx context.Context) (outbox.Report, error) {
	report, err := e.outbox.Drain(ctx)
	if err != nil {
		return report, err
	}
	if !report.NextRetryAt.IsZero() && !report.Stopped {
		e.scheduleRetry(report.NextRetryAt)
	}
	return report, nil
}

// Sync resyncs entities, or every entity when none are named.
func (e *Engine) Sync(ctx context.Context, entities ...string) (syncer.Summary, error) {
	return e.syncer.SyncAll(ctx, entities...)
}

// SyncSince reports how long ago entity last synced successfully.
func (e *Engine) SyncSince(ctx context.Context, entity string) (time.Duration, bool, error) {
	return e.syncer.Since(ctx, entity)
}

// Status derives the current sync status.
func (e *Engine) Status(ctx context.Context) (status.Status, error) {
	return e.status.Current(ctx)
}

// OnStatus registers fn to receive each status change.
func (e *Engine) OnStatus(fn func(status.Status)) {
	e.status.OnChange(fn)
}

// Focus re-resolves every live query, as on a window refocus.
func (e *Engine) Focus() int {
	return e.resolver.Focus()
}

// FlushInvalidations runs the pending invalidation pass now.
func (e *Engine) FlushInvalidations() {
	e.fanin.Flush()
}

// Trigger queues ev for the Run loop. Returns false once the engine is
// closed.
func (e *Engine) Trigger(ev Event) bool {
	return e.queue.Enqueue(ev)
}

// HardReset wipes the mirror, the outbox, sync status and the cache, then
// recreates the mirror tables. It refuses unless confirm is ResetToken.
// Live queries are re-resolved afterwards.
func (e *Engine) HardReset(ctx context.Context, confirm string) error {
	if confirm != ResetToken {
		return &RuntimeError{
			Code:    ErrCodeResetNotConfirmed,
			Message: fmt.Sprintf("hard reset requires confirmation %q", ResetToken),
		}
	}
	e.logger.Warn("hard reset: wiping local data")

	e.mu.Lock()
	if e.retryTimer != nil {
		e.retryTimer.Stop()
		e.retryTimer = nil
	}
	e.retryAt = time.Time{}
	e.mu.Unlock()

	if err := e.store.Wipe(ctx); err != nil {
		return fmt.Errorf("hard reset: %w", err)
	}
	e.cache.Clear()
	if err := e.store.EnsureMirror(ctx, e.reg.Load().Entities(), e.clock.Now()); err != nil {
		return fmt.Errorf("hard reset: %w", err)
	}
	e.refreshStatus()
	e.resolver.Focus()
	e.logger.Info("hard reset complete")
	return nil
}

// invalidate is the fan-in sink.
func (e *Engine) invalidate(p fanin.Pass) {
	ctx := context.Background()
	expired, err := e.cache.Invalidate(ctx, p.Tags...)
	if err != nil {
		e.logger.Warn("cache invalidation failed", "error", err)
	}
	var refreshed int
	if p.All {
		refreshed = e.resolver.Focus()
	} else {
		refreshed = e.resolver.Invalidate(p.Tags...)
	}
	e.logger.Debug("invalidated",
		"tables", p.Tables,
		"all", p.All,
		"cache_entries", len(expired),
		"queries", refreshed,
	)
}

func (e *Engine) synced(r syncer.Result) {
	if r.Err == nil {
		e.fanin.Notify(r.Entity)
	}
}

func (e *Engine) refreshStatus() {
	if _, err := e.status.Refresh(context.Background()); err != nil {
		e.logger.Warn("status refresh failed", "error", err)
	}
}

// scheduleRetry arms a single timer for the earliest waiting task. An
// earlier deadline replaces a later one.
func (e *Engine) scheduleRetry(at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.retryTimer != nil {
		if !e.retryAt.IsZero() && !at.Before(e.retryAt) {
			return
		}
		e.retryTimer.Stop()
	}
	delay := at.Sub(e.clock.Now())
	if delay < 0 {
		delay = 0
	}
	e.retryAt = at
	e.retryTimer = e.clock.AfterFunc(delay, func() {
		e.mu.Lock()
		e.retryTimer = nil
		e.retryAt = time.Time{}
		e.mu.Unlock()
		e.queue.Enqueue(Event{Type: EventTypeDrain})
	})
	e.logger.Debug("retry scheduled", "at", at, "in", delay)
}

func (e *Engine) schedulePrune() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pruneTimer != nil {
		e.pruneTimer.Stop()
	}
	e.pruneTimer = e.clock.AfterFunc(e.pruneInterval, func() {
		e.queue.Enqueue(Event{Type: EventTypePrune})
	})
}
