package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/fibersync/internal/querysql"
	"github.com/roach88/fibersync/internal/record"
)

// Operation is the kind of write a task replays.
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid reports whether op is one of the known operations.
func (op Operation) Valid() bool {
	switch op {
	case OpInsert, OpUpdate, OpDelete:
		return true
	}
	return false
}

// TaskStatus is the lifecycle state of an outbox task.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusProcessing TaskStatus = "processing"
	StatusSuccess    TaskStatus = "success"
	StatusFailed     TaskStatus = "failed"
)

// Task is one queued write.
type Task struct {
	ID            int64
	Entity        string
	RecordKey     string
	Op            Operation
	Payload       record.Row
	Status        TaskStatus
	Attempts      int
	LastAttemptAt time.Time
	NextAttemptAt time.Time
	Error         string
	CreatedAt     time.Time
	RetryOf       int64
	// Seq orders the task among its record's tasks. It equals ID except
	// for a manual retry, which takes the position of the task it replaced.
	Seq int64
}

// TaskCounts summarises the outbox for status reporting.
type TaskCounts struct {
	Pending    int
	Processing int
	Failed     int
	Succeeded  int
	// Waiting is the subset of Pending whose next attempt is in the future.
	Waiting int
}

// MirrorChange is the mirror write applied together with a task success.
// A nil Upsert and empty DeleteKey applies nothing.
type MirrorChange struct {
	Entity    string
	Upsert    record.Row
	DeleteKey string
}

const taskColumns = `id, entity, record_key, operation, payload, status, attempts,
	last_attempt_at, next_attempt_at, error, created_at, retry_of, COALESCE(seq, id)`

// headFilter keeps, per record, only the earliest task that is not yet
// success.
const headFilter = `NOT EXISTS (
	SELECT 1 FROM outbox prior
	WHERE prior.entity = outbox.entity AND prior.record_key = outbox.record_key
	AND prior.status IN ('pending', 'processing', 'failed')
	AND COALESCE(prior.seq, prior.id) < COALESCE(outbox.seq, outbox.id)
)`

// InsertTask appends t to the outbox and returns its id. Status defaults to
// pending.
func (s *Store) InsertTask(ctx context.Context, t Task) (int64, error) {
	if !t.Op.Valid() {
		return 0, fmt.Errorf("insert task: unknown operation %q", t.Op)
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	payload, err := t.Payload.Encode()
	if err != nil {
		return 0, fmt.Errorf("insert task: %w", err)
	}
	var retryOf sql.NullInt64
	if t.RetryOf != 0 {
		retryOf = sql.NullInt64{Int64: t.RetryOf, Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO outbox (entity, record_key, operation, payload, status, attempts, next_attempt_at, created_at, retry_of)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)
	`, t.Entity, t.RecordKey, string(t.Op), string(payload), string(t.Status),
		millis(t.NextAttemptAt), millis(t.CreatedAt), retryOf)
	if err != nil {
		return 0, classify("insert task", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, classify("insert task", err)
	}
	return id, nil
}

// GetTask reads one task.
func (s *Store) GetTask(ctx context.Context, id int64) (Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM outbox WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return Task{}, fmt.Errorf("%w: %d", ErrTaskNotFound, id)
	}
	if err != nil {
		return Task{}, classify("get task", err)
	}
	return t, nil
}

// ListTasks returns tasks in creation order, optionally restricted to the
// given statuses.
func (s *Store) ListTasks(ctx context.Context, statuses ...TaskStatus) ([]Task, error) {
	q := `SELECT ` + taskColumns + ` FROM outbox`
	var args []any
	if len(statuses) > 0 {
		q += ` WHERE status IN (?` + strings.Repeat(", ?", len(statuses)-1) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	q += ` ORDER BY id ASC`
	return s.queryTasks(ctx, q, args...)
}

// ReadyHeads returns, oldest first, the tasks that may be attempted now.
//
// A record's head is its earliest task, in replay order, that is not yet
// success. Only heads
// are candidates, which is what keeps writes to one record in creation
// order: a record whose head is processing or failed has nothing ready,
// and a pending head whose backoff has not elapsed waits.
func (s *Store) ReadyHeads(ctx context.Context, now time.Time, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM outbox
		WHERE status = 'pending' AND next_attempt_at <= ? AND `+headFilter+`
		ORDER BY COALESCE(seq, id) ASC
		LIMIT ?
	`, millis(now), limit)
}

// NextAttemptAt returns the earliest time a pending head becomes ready.
// ok is false when no pending head exists.
func (s *Store) NextAttemptAt(ctx context.Context) (time.Time, bool, error) {
	var ms sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MIN(next_attempt_at) FROM outbox
		WHERE status = 'pending' AND `+headFilter+`
	`).Scan(&ms)
	if err != nil {
		return time.Time{}, false, classify("next attempt", err)
	}
	if !ms.Valid {
		return time.Time{}, false, nil
	}
	return fromMillis(ms.Int64), true, nil
}

// MarkProcessing claims a pending task for an attempt.
func (s *Store) MarkProcessing(ctx context.Context, id int64, now time.Time) error {
	return s.transition(ctx, "mark processing", id, StatusPending, `
		UPDATE outbox SET status = 'processing', attempts = attempts + 1, last_attempt_at = ?
		WHERE id = ? AND status = 'pending'
	`, millis(now), id)
}

// CompleteTask marks a processing task success and applies change to the
// mirror in the same transaction, so a reader never sees the task done
// without its effect.
func (s *Store) CompleteTask(ctx context.Context, id int64, change MirrorChange, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("complete task", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE outbox SET status = 'success', error = NULL, last_attempt_at = ?
		WHERE id = ? AND status = 'processing'
	`, millis(now), id)
	if err != nil {
		return classify("complete task", err)
	}
	if err := expectOne(res, id, StatusProcessing); err != nil {
		return fmt.Errorf("complete task: %w", err)
	}

	switch {
	case change.Upsert != nil:
		e, err := s.entity(change.Entity)
		if err != nil {
			return fmt.Errorf("complete task: %w", err)
		}
		if err := putRows(ctx, tx, e, []record.Row{change.Upsert}, now); err != nil {
			return err
		}
	case change.DeleteKey != "":
		if _, err := s.entity(change.Entity); err != nil {
			return fmt.Errorf("complete task: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+querysql.TableName(change.Entity)+" WHERE key = ?", change.DeleteKey); err != nil {
			return classify("complete task", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return classify("complete task", err)
	}
	return nil
}

// RescheduleTask returns a processing task to pending with its error and
// the time of its next attempt.
func (s *Store) RescheduleTask(ctx context.Context, id int64, errMsg string, next time.Time) error {
	return s.transition(ctx, "reschedule task", id, StatusProcessing, `
		UPDATE outbox SET status = 'pending', error = ?, next_attempt_at = ?
		WHERE id = ? AND status = 'processing'
	`, errMsg, millis(next), id)
}

// FailTask moves a processing task to the terminal failed state.
func (s *Store) FailTask(ctx context.Context, id int64, errMsg string) error {
	return s.transition(ctx, "fail task", id, StatusProcessing, `
		UPDATE outbox SET status = 'failed', error = ?
		WHERE id = ? AND status = 'processing'
	`, errMsg, id)
}

// DiscardTask deletes a failed task.
func (s *Store) DiscardTask(ctx context.Context, id int64) error {
	return s.transition(ctx, "discard task", id, StatusFailed,
		`DELETE FROM outbox WHERE id = ? AND status = 'failed'`, id)
}

// RetryTask replaces a failed task with a fresh pending copy in one
// transaction and returns the new task's id. The copy keeps the failed
// task's replay position, so tasks queued behind it on the same record
// still run after it.
func (s *Store) RetryTask(ctx context.Context, id int64, now time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, classify("retry task", err)
	}
	defer tx.Rollback()

	old, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM outbox WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("retry task: %w: %d", ErrTaskNotFound, id)
	}
	if err != nil {
		return 0, classify("retry task", err)
	}
	if old.Status != StatusFailed {
		return 0, fmt.Errorf("retry task: %w: task %d is %s, not %s", ErrTaskState, id, old.Status, StatusFailed)
	}
	payload, err := old.Payload.Encode()
	if err != nil {
		return 0, fmt.Errorf("retry task: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM outbox WHERE id = ?`, id); err != nil {
		return 0, classify("retry task", err)
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO outbox (entity, record_key, operation, payload, status, attempts, next_attempt_at, created_at, retry_of, seq)
		VALUES (?, ?, ?, ?, 'pending', 0, 0, ?, ?, ?)
	`, old.Entity, old.RecordKey, string(old.Op), string(payload), millis(now), id, old.Seq)
	if err != nil {
		return 0, classify("retry task", err)
	}
	newID, err := res.LastInsertId()
	if err != nil {
		return 0, classify("retry task", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, classify("retry task", err)
	}
	return newID, nil
}

// RecoverProcessing returns tasks left processing by an interrupted drain to
// pending. Their attempt stays counted.
func (s *Store) RecoverProcessing(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE outbox SET status = 'pending' WHERE status = 'processing'`)
	if err != nil {
		return 0, classify("recover processing", err)
	}
	n, err := res.RowsAffected()
	return n, classify("recover processing", err)
}

// PruneSucceeded deletes success tasks whose last attempt is before cutoff.
func (s *Store) PruneSucceeded(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM outbox WHERE status = 'success' AND last_attempt_at < ?`, millis(cutoff))
	if err != nil {
		return 0, classify("prune succeeded", err)
	}
	n, err := res.RowsAffected()
	return n, classify("prune succeeded", err)
}

// CountTasks tallies the outbox by status as of now.
func (s *Store) CountTasks(ctx context.Context, now time.Time) (TaskCounts, error) {
	var c TaskCounts
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(status = 'pending'), 0),
			COALESCE(SUM(status = 'processing'), 0),
			COALESCE(SUM(status = 'failed'), 0),
			COALESCE(SUM(status = 'success'), 0),
			COALESCE(SUM(status = 'pending' AND next_attempt_at > ?), 0)
		FROM outbox
	`, millis(now)).Scan(&c.Pending, &c.Processing, &c.Failed, &c.Succeeded, &c.Waiting)
	if err != nil {
		return TaskCounts{}, classify("count tasks", err)
	}
	return c, nil
}

// PendingFor returns the non-terminal tasks for one entity in creation
// order. The optimistic overlay is built from these.
func (s *Store) PendingFor(ctx context.Context, entity string) ([]Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM outbox
		WHERE entity = ? AND status IN ('pending', 'processing')
		ORDER BY COALESCE(seq, id) ASC
	`, entity)
}

func (s *Store) transition(ctx context.Context, op string, id int64, from TaskStatus, stmt string, args ...any) error {
	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return classify(op, err)
	}
	if err := expectOne(res, id, from); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func expectOne(res sql.Result, id int64, from TaskStatus) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("%w: task %d is not %s", ErrTaskState, id, from)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (Task, error) {
	var (
		t           Task
		op, status  string
		payload     string
		lastAttempt sql.NullInt64
		nextAttempt int64
		errMsg      sql.NullString
		createdAt   int64
		retryOf     sql.NullInt64
	)
	if err := r.Scan(&t.ID, &t.Entity, &t.RecordKey, &op, &payload, &status, &t.Attempts,
		&lastAttempt, &nextAttempt, &errMsg, &createdAt, &retryOf, &t.Seq); err != nil {
		return Task{}, err
	}
	row, err := record.Decode([]byte(payload))
	if err != nil {
		return Task{}, fmt.Errorf("task %d payload: %w", t.ID, err)
	}
	t.Op = Operation(op)
	t.Status = TaskStatus(status)
	t.Payload = row
	t.LastAttemptAt = nullMillis(lastAttempt)
	t.NextAttemptAt = fromMillis(nextAttempt)
	t.Error = errMsg.String
	t.CreatedAt = fromMillis(createdAt)
	t.RetryOf = retryOf.Int64
	return t, nil
}

func (s *Store) queryTasks(ctx context.Context, q string, args ...any) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classify("query tasks", err)
	}
	defer rows.Close()

	tasks := []Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, classify("query tasks", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("query tasks", err)
	}
	return tasks, nil
}
