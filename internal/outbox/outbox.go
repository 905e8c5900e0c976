package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/roach88/fibersync/internal/clock"
	"github.com/roach88/fibersync/internal/record"
	"github.com/roach88/fibersync/internal/registry"
	"github.com/roach88/fibersync/internal/remote"
	"github.com/roach88/fibersync/internal/store"
)

const (
	DefaultMaxAttempts = 5
	DefaultConcurrency = 4
	DefaultRetention   = 24 * time.Hour
)

var (
	// ErrNotFailed is returned by RetryFailed and Discard for a task that
	// is not in the failed state.
	ErrNotFailed = errors.New("task is not failed")
	// ErrNotWritable is returned by Enqueue for an entity that is unknown
	// or a read-only view.
	ErrNotWritable = errors.New("entity is not writable")
)

// Connectivity reports whether the remote service is reachable.
type Connectivity interface {
	Online() bool
}

type alwaysOnline struct{}

func (alwaysOnline) Online() bool { return true }

// Applied describes a confirmed write. Row is the server's representation
// stored in the mirror, nil when the server sent none and the mirror was
// left for the next read to refresh.
type Applied struct {
	Task store.Task
	Row  record.Row
}

// Outbox is the mutation queue. It is safe for concurrent use.
type Outbox struct {
	store        *store.Store
	remote       remote.Service
	reg          *registry.Registry
	clock        clock.Clock
	connectivity Connectivity
	logger       *slog.Logger
	newID        func() (string, error)

	maxAttempts int
	concurrency int
	newBackoff  func() *backoff.ExponentialBackOff

	draining atomic.Bool

	mu        sync.Mutex
	onApplied []func(Applied)
	onChange  []func()
}

// Option configures an Outbox.
type Option func(*Outbox)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(o *Outbox) { o.clock = c }
}

// WithConnectivity sets the online signal Drain checks between batches.
func WithConnectivity(c Connectivity) Option {
	return func(o *Outbox) { o.connectivity = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Outbox) { o.logger = l }
}

// WithMaxAttempts bounds attempts for retryable failures.
func WithMaxAttempts(n int) Option {
	return func(o *Outbox) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

// WithConcurrency bounds how many records replay at once.
func WithConcurrency(n int) Option {
	return func(o *Outbox) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithBackoff sets the retry schedule: initial delay, cap, and jitter
// (0 for a deterministic schedule).
func WithBackoff(initial, max time.Duration, jitter float64) Option {
	return func(o *Outbox) {
		o.newBackoff = func() *backoff.ExponentialBackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = initial
			b.MaxInterval = max
			b.RandomizationFactor = jitter
			b.MaxElapsedTime = 0
			// NewExponentialBackOff reset with the library defaults.
			b.Reset()
			return b
		}
	}
}

// WithIDGenerator sets how client ids are minted for inserts that lack one.
func WithIDGenerator(gen func() (string, error)) Option {
	return func(o *Outbox) { o.newID = gen }
}

// New creates an outbox over st replaying against svc.
func New(st *store.Store, svc remote.Service, reg *registry.Registry, opts ...Option) *Outbox {
	o := &Outbox{
		store:        st,
		remote:       svc,
		reg:          reg,
		clock:        clock.Real(),
		connectivity: alwaysOnline{},
		logger:       slog.Default(),
		newID:        newUUIDv7,
		maxAttempts:  DefaultMaxAttempts,
		concurrency:  DefaultConcurrency,
	}
	WithBackoff(time.Second, time.Minute, 0.5)(o)
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func newUUIDv7() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// OnApplied registers fn to run after each confirmed write.
func (o *Outbox) OnApplied(fn func(Applied)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onApplied = append(o.onApplied, fn)
}

// OnChange registers fn to run whenever task states may have changed.
func (o *Outbox) OnChange(fn func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onChange = append(o.onChange, fn)
}

func (o *Outbox) notifyChange() {
	o.mu.Lock()
	fns := append([]func(){}, o.onChange...)
	o.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (o *Outbox) notifyApplied(a Applied) {
	o.mu.Lock()
	fns := append([]func(Applied){}, o.onApplied...)
	o.mu.Unlock()
	for _, fn := range fns {
		fn(a)
	}
}

// Enqueue records a write and returns its task id. It never touches the
// network.
//
// The payload is the full row for an insert, the key fields plus changed
// fields for an update, and the key fields for a delete. An insert whose
// entity has a single key field and no value for it receives a UUIDv7, so
// replaying the insert after a lost acknowledgement upserts the same row.
func (o *Outbox) Enqueue(ctx context.Context, entity string, op store.Operation, payload record.Row) (int64, error) {
	e, ok := o.reg.Entity(entity)
	if !ok || e.View {
		return 0, fmt.Errorf("enqueue %s: %w", entity, ErrNotWritable)
	}
	if !op.Valid() {
		return 0, fmt.Errorf("enqueue %s: unknown operation %q", entity, op)
	}
	payload = payload.Clone()
	if op == store.OpInsert && len(e.Key) == 1 {
		if v, ok := payload[e.Key[0]]; !ok || v == nil {
			id, err := o.newID()
			if err != nil {
				return 0, fmt.Errorf("enqueue %s: generate id: %w", entity, err)
			}
			payload[e.Key[0]] = id
		}
	}
	key, err := e.RowKey(payload)
	if err != nil {
		return 0, fmt.Errorf("enqueue %s: %w", entity, err)
	}

	id, err := o.store.InsertTask(ctx, store.Task{
		Entity:    entity,
		RecordKey: key,
		Op:        op,
		Payload:   payload,
		CreatedAt: o.clock.Now(),
	})
	if err != nil {
		return 0, fmt.Errorf("enqueue %s: %w", entity, err)
	}
	o.logger.Debug("task enqueued", "task", id, "entity", entity, "op", op, "key", key)
	o.notifyChange()
	return id, nil
}

// RetryFailed replaces a failed task with a fresh pending copy and returns
// the copy's id.
func (o *Outbox) RetryFailed(ctx context.Context, taskID int64) (int64, error) {
	id, err := o.store.RetryTask(ctx, taskID, o.clock.Now())
	if errors.Is(err, store.ErrTaskState) {
		return 0, fmt.Errorf("retry task %d: %w", taskID, ErrNotFailed)
	}
	if err != nil {
		return 0, err
	}
	o.logger.Info("task re-enqueued", "task", id, "retry_of", taskID)
	o.notifyChange()
	return id, nil
}

// Discard drops a failed task so tasks behind it on the same record can
// proceed.
func (o *Outbox) Discard(ctx context.Context, taskID int64) error {
	err := o.store.DiscardTask(ctx, taskID)
	if errors.Is(err, store.ErrTaskState) {
		return fmt.Errorf("discard task %d: %w", taskID, ErrNotFailed)
	}
	if err != nil {
		return err
	}
	o.logger.Info("task discarded", "task", taskID)
	o.notifyChange()
	return nil
}

// Recover returns tasks left processing by an interrupted process to
// pending. Call it once at startup before the first Drain.
func (o *Outbox) Recover(ctx context.Context) (int64, error) {
	n, err := o.store.RecoverProcessing(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		o.logger.Warn("recovered interrupted tasks", "count", n)
		o.notifyChange()
	}
	return n, nil
}

// Prune deletes success tasks older than retention.
func (o *Outbox) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	return o.store.PruneSucceeded(ctx, o.clock.Now().Add(-retention))
}

// Counts tallies tasks by state.
func (o *Outbox) Counts(ctx context.Context) (store.TaskCounts, error) {
	return o.store.CountTasks(ctx, o.clock.Now())
}

// Tasks lists tasks, optionally filtered by status.
func (o *Outbox) Tasks(ctx context.Context, statuses ...store.TaskStatus) ([]store.Task, error) {
	return o.store.ListTasks(ctx, statuses...)
}

// Overlay merges unconfirmed writes for entity over rows read from the
// mirror: inserts are upserted, updates patched and deletes removed, in
// replay order. The mirror itself is never changed. Rows for records with
// no unconfirmed write are returned as is, in their original order.
func (o *Outbox) Overlay(ctx context.Context, entity string, rows []record.Row) ([]record.Row, error) {
	e, ok := o.reg.Entity(entity)
	if !ok {
		return nil, fmt.Errorf("overlay %s: %w", entity, store.ErrUnknownEntity)
	}
	tasks, err := o.store.PendingFor(ctx, entity)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return rows, nil
	}

	order := make([]string, 0, len(rows))
	byKey := make(map[string]record.Row, len(rows))
	for _, r := range rows {
		k, err := e.RowKey(r)
		if err != nil {
			return nil, fmt.Errorf("overlay %s: %w", entity, err)
		}
		if _, seen := byKey[k]; !seen {
			order = append(order, k)
		}
		byKey[k] = r
	}

	for _, t := range tasks {
		switch t.Op {
		case store.OpInsert:
			if _, seen := byKey[t.RecordKey]; !seen {
				order = append(order, t.RecordKey)
				byKey[t.RecordKey] = t.Payload.Clone()
			} else {
				byKey[t.RecordKey] = byKey[t.RecordKey].Merge(t.Payload)
			}
		case store.OpUpdate:
			if existing, ok := byKey[t.RecordKey]; ok && existing != nil {
				byKey[t.RecordKey] = existing.Merge(t.Payload)
			}
		case store.OpDelete:
			if _, ok := byKey[t.RecordKey]; ok {
				byKey[t.RecordKey] = nil
			}
		}
	}

	out := make([]record.Row, 0, len(order))
	for _, k := range order {
		if r := byKey[k]; r != nil {
			out = append(out, r)
		}
	}
	return out, nil
}
