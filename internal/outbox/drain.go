package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/fibersync/internal/query"
	"github.com/roach88/fibersync/internal/record"
	"github.com/roach88/fibersync/internal/registry"
	"github.com/roach88/fibersync/internal/remote"
	"github.com/roach88/fibersync/internal/store"
)

// Report summarises one Drain.
type Report struct {
	Attempted   int
	Succeeded   int
	Retried     int
	Failed      int
	Interrupted int
	// Skipped is set when another Drain was already running.
	Skipped bool
	// Stopped is set when the link went offline mid-drain.
	Stopped bool
	// NextRetryAt is when the earliest waiting task becomes ready, zero
	// when nothing is waiting.
	NextRetryAt time.Time
	// Errors combines the errors of every retried or failed attempt.
	Errors error
}

type outcome int

const (
	outcomeSucceeded outcome = iota
	outcomeRetried
	outcomeFailed
	outcomeInterrupted
)

// Drain replays ready tasks until none are left, the link goes offline or
// ctx is canceled. A second call while one is running returns at once with
// Report.Skipped set.
//
// The returned error is reserved for local storage failures. Remote
// failures are recorded on the tasks and summarised in the report.
func (o *Outbox) Drain(ctx context.Context) (Report, error) {
	var report Report
	if !o.draining.CompareAndSwap(false, true) {
		report.Skipped = true
		return report, nil
	}
	defer o.draining.Store(false)

	var mu sync.Mutex
	for ctx.Err() == nil {
		if !o.connectivity.Online() {
			report.Stopped = true
			break
		}
		heads, err := o.store.ReadyHeads(ctx, o.clock.Now(), o.concurrency)
		if err != nil {
			return report, fmt.Errorf("drain: %w", err)
		}
		if len(heads) == 0 {
			break
		}

		// Claim the whole batch first so observers see it as in flight.
		for _, t := range heads {
			if err := o.store.MarkProcessing(ctx, t.ID, o.clock.Now()); err != nil {
				return report, fmt.Errorf("drain: %w", err)
			}
		}
		o.notifyChange()

		var g errgroup.Group
		g.SetLimit(o.concurrency)
		for _, t := range heads {
			g.Go(func() error {
				out, taskErr, err := o.process(ctx, t)
				if err != nil {
					return err
				}
				mu.Lock()
				defer mu.Unlock()
				report.Attempted++
				switch out {
				case outcomeSucceeded:
					report.Succeeded++
				case outcomeRetried:
					report.Retried++
				case outcomeFailed:
					report.Failed++
				case outcomeInterrupted:
					report.Interrupted++
				}
				if taskErr != nil {
					report.Errors = multierr.Append(report.Errors,
						fmt.Errorf("task %d (%s %s %s): %w", t.ID, t.Op, t.Entity, t.RecordKey, taskErr))
				}
				return nil
			})
		}
		err = g.Wait()
		o.notifyChange()
		if err != nil {
			return report, fmt.Errorf("drain: %w", err)
		}
	}

	next, ok, err := o.store.NextAttemptAt(context.WithoutCancel(ctx))
	if err != nil {
		return report, fmt.Errorf("drain: %w", err)
	}
	if ok {
		report.NextRetryAt = next
	}
	if report.Attempted > 0 || report.Stopped {
		o.logger.Info("outbox drained",
			"attempted", report.Attempted,
			"succeeded", report.Succeeded,
			"retried", report.Retried,
			"failed", report.Failed,
			"stopped", report.Stopped)
	}
	return report, nil
}

// process runs one attempt of t, which must already be marked processing.
// It returns the outcome, the remote error behind a retry or failure, and
// any local storage error.
func (o *Outbox) process(ctx context.Context, t store.Task) (outcome, error, error) {
	t.Attempts++
	// Bookkeeping after the attempt must land even if ctx is canceled.
	bg := context.WithoutCancel(ctx)

	applied, change, err := o.apply(ctx, t)
	if err == nil {
		if err := o.store.CompleteTask(bg, t.ID, change, o.clock.Now()); err != nil {
			return 0, nil, err
		}
		o.logger.Debug("task applied", "task", t.ID, "entity", t.Entity, "op", t.Op, "key", t.RecordKey)
		o.notifyApplied(Applied{Task: t, Row: applied})
		return outcomeSucceeded, nil, nil
	}

	now := o.clock.Now()
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		if err := o.store.RescheduleTask(bg, t.ID, err.Error(), now); err != nil {
			return 0, nil, err
		}
		return outcomeInterrupted, nil, nil
	}

	if remote.IsRetryable(err) && t.Attempts < o.maxAttempts {
		delay := o.backoffFor(t.Attempts)
		if ra, ok := remote.RetryAfter(err); ok && ra > delay {
			delay = ra
		}
		if err := o.store.RescheduleTask(bg, t.ID, err.Error(), now.Add(delay)); err != nil {
			return 0, nil, err
		}
		o.logger.Warn("task attempt failed, will retry",
			"task", t.ID, "entity", t.Entity, "attempt", t.Attempts, "delay", delay, "error", err)
		return outcomeRetried, err, nil
	}

	if err := o.store.FailTask(bg, t.ID, err.Error()); err != nil {
		return 0, nil, err
	}
	o.logger.Error("task failed",
		"task", t.ID, "entity", t.Entity, "op", t.Op, "key", t.RecordKey, "attempts", t.Attempts, "error", err)
	return outcomeFailed, err, nil
}

// backoffFor returns the delay before the attempt after attempt n.
func (o *Outbox) backoffFor(n int) time.Duration {
	b := o.newBackoff()
	var d time.Duration
	for i := 0; i < n; i++ {
		d = b.NextBackOff()
	}
	return d
}

// apply performs the remote write for t and returns the row to store and
// the mirror change to commit with the task.
func (o *Outbox) apply(ctx context.Context, t store.Task) (record.Row, store.MirrorChange, error) {
	change := store.MirrorChange{Entity: t.Entity}
	e, ok := o.reg.Entity(t.Entity)
	if !ok {
		return nil, change, fmt.Errorf("%w: %s", store.ErrUnknownEntity, t.Entity)
	}
	key := keyFields(e, t.Payload)

	var (
		row record.Row
		err error
	)
	switch t.Op {
	case store.OpInsert:
		row, err = o.remote.Insert(ctx, t.Entity, t.Payload)
	case store.OpUpdate:
		row, err = o.remote.Update(ctx, t.Entity, key, t.Payload)
	case store.OpDelete:
		if err := o.remote.Delete(ctx, t.Entity, key); err != nil {
			return nil, change, err
		}
		change.DeleteKey = t.RecordKey
		return nil, change, nil
	default:
		return nil, change, fmt.Errorf("unknown operation %q", t.Op)
	}
	if err != nil {
		return nil, change, err
	}

	if row == nil {
		row = o.refetch(ctx, e, key)
		if row == nil {
			return nil, change, nil
		}
	}
	if err := o.checkReturned(e, t.RecordKey, row); err != nil {
		return nil, change, err
	}
	change.Upsert = row
	return row, change, nil
}

// refetch reads the written row back when the server sent no
// representation. Any failure leaves the mirror to the next read.
func (o *Outbox) refetch(ctx context.Context, e *registry.Entity, key record.Row) record.Row {
	preds := make([]query.Predicate, 0, len(e.Key))
	for _, f := range e.Key {
		preds = append(preds, query.Eq{Field: f, Value: key[f]})
	}
	rows, err := o.remote.Select(ctx, query.Select(e.Name, preds...))
	if err != nil || len(rows) == 0 {
		o.logger.Debug("no representation for written row", "entity", e.Name, "error", err)
		return nil
	}
	return rows[0]
}

func (o *Outbox) checkReturned(e *registry.Entity, want string, row record.Row) error {
	got, err := e.RowKey(row)
	if err != nil {
		return &remote.MalformedError{Entity: e.Name, Err: err}
	}
	if got != want {
		return &remote.MalformedError{Entity: e.Name, Err: fmt.Errorf("returned row %q for key %q", got, want)}
	}
	if err := o.reg.ValidateRow(e.Name, row); err != nil {
		return &remote.MalformedError{Entity: e.Name, Err: err}
	}
	return nil
}

func keyFields(e *registry.Entity, payload record.Row) record.Row {
	key := make(record.Row, len(e.Key))
	for _, f := range e.Key {
		key[f] = payload[f]
	}
	return key
}
