package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/roach88/fibersync/internal/engine"
	"github.com/roach88/fibersync/internal/outbox"
	"github.com/roach88/fibersync/internal/query"
	"github.com/roach88/fibersync/internal/record"
	"github.com/roach88/fibersync/internal/resolver"
	"github.com/roach88/fibersync/internal/store"
)

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync [entity...]",
		Short: "Resync entities from the server",
		Long: `Resync the named entities, or every entity when none are named.

Full-strategy entities are replaced wholesale; incremental ones fetch rows
newer than the mirror's latest timestamp. One entity failing does not stop
the others.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.requireRemote("sync"); err != nil {
				return err
			}

			summary, syncErr := s.engine.Sync(cmd.Context(), args...)
			type entityResult struct {
				Entity   string `json:"entity"`
				Strategy string `json:"strategy"`
				Rows     int    `json:"rows"`
				Error    string `json:"error,omitempty"`
			}
			results := make([]entityResult, 0, len(summary.Results))
			for _, r := range summary.Results {
				er := entityResult{Entity: r.Entity, Strategy: string(r.Strategy), Rows: r.Rows}
				if r.Err != nil {
					er.Error = r.Err.Error()
				}
				results = append(results, er)
			}

			out := rootOpts.formatter(cmd)
			if rootOpts.Format == "json" {
				if err := out.Success(results); err != nil {
					return err
				}
			} else {
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ENTITY\tSTRATEGY\tROWS\tERROR")
				for _, r := range results {
					fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", r.Entity, r.Strategy, r.Rows, r.Error)
				}
				if err := w.Flush(); err != nil {
					return err
				}
			}
			if summary.Failed > 0 {
				return WrapExitError(ExitFailure, fmt.Sprintf("%d entity sync(s) failed", summary.Failed), syncErr)
			}
			if syncErr != nil {
				return WrapExitError(ExitFailure, "sync failed", syncErr)
			}
			return nil
		},
	}
}

// StatusReport is the status command's payload.
type StatusReport struct {
	Status     string `json:"status"`
	Banner     string `json:"banner"`
	Pending    int    `json:"pending"`
	Processing int    `json:"processing"`
	Failed     int    `json:"failed"`
	Succeeded  int    `json:"succeeded"`
	Waiting    int    `json:"waiting"`
}

func (r StatusReport) String() string {
	return fmt.Sprintf("%s\n  pending %d (waiting %d), processing %d, failed %d, succeeded %d",
		r.Banner, r.Pending, r.Waiting, r.Processing, r.Failed, r.Succeeded)
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the sync status and outbox counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer s.Close()

			st, err := s.engine.Status(cmd.Context())
			if err != nil {
				return WrapExitError(ExitFailure, "failed to read status", err)
			}
			c, err := s.store.CountTasks(cmd.Context(), time.Now())
			if err != nil {
				return WrapExitError(ExitFailure, "failed to count tasks", err)
			}
			return rootOpts.formatter(cmd).Success(StatusReport{
				Status:     st.String(),
				Banner:     st.Banner(),
				Pending:    c.Pending,
				Processing: c.Processing,
				Failed:     c.Failed,
				Succeeded:  c.Succeeded,
				Waiting:    c.Waiting,
			})
		},
	}
}

// TaskView is one outbox task as printed by the tasks command.
type TaskView struct {
	ID          int64      `json:"id"`
	Entity      string     `json:"entity"`
	Key         string     `json:"key"`
	Op          string     `json:"op"`
	Status      string     `json:"status"`
	Attempts    int        `json:"attempts"`
	NextAttempt *time.Time `json:"next_attempt_at,omitempty"`
	Error       string     `json:"error,omitempty"`
	RetryOf     int64      `json:"retry_of,omitempty"`
}

func taskView(t store.Task) TaskView {
	v := TaskView{
		ID:       t.ID,
		Entity:   t.Entity,
		Key:      t.RecordKey,
		Op:       string(t.Op),
		Status:   string(t.Status),
		Attempts: t.Attempts,
		Error:    t.Error,
		RetryOf:  t.RetryOf,
	}
	if t.Status == store.StatusPending && !t.NextAttemptAt.IsZero() {
		next := t.NextAttemptAt
		v.NextAttempt = &next
	}
	return v
}

// NewTasksCommand creates the tasks command.
func NewTasksCommand(rootOpts *RootOptions) *cobra.Command {
	var statuses []string

	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List outbox tasks",
		Long: `List queued writes in replay order.

Examples:
  fibersync tasks
  fibersync tasks --status failed
  fibersync tasks --status pending,processing --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := make([]store.TaskStatus, 0, len(statuses))
			for _, st := range statuses {
				ts := store.TaskStatus(st)
				switch ts {
				case store.StatusPending, store.StatusProcessing, store.StatusSuccess, store.StatusFailed:
					filter = append(filter, ts)
				default:
					return NewExitError(ExitCommandError, fmt.Sprintf("unknown task status %q", st))
				}
			}

			s, err := openSession(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer s.Close()

			tasks, err := s.engine.Tasks(cmd.Context(), filter...)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to list tasks", err)
			}
			views := make([]TaskView, len(tasks))
			for i, t := range tasks {
				views[i] = taskView(t)
			}

			if rootOpts.Format == "json" {
				return rootOpts.formatter(cmd).Success(views)
			}
			if len(views) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No tasks.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tENTITY\tKEY\tOP\tSTATUS\tATTEMPTS\tERROR")
			for _, v := range views {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d\t%s\n", v.ID, v.Entity, v.Key, v.Op, v.Status, v.Attempts, v.Error)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringSliceVar(&statuses, "status", nil, "only tasks in these states (pending|processing|success|failed)")
	return cmd
}

// TaskAck confirms a change to one outbox task.
type TaskAck struct {
	TaskID    int64      `json:"task_id"`
	RetryOf   int64      `json:"retry_of,omitempty"`
	Discarded bool       `json:"discarded,omitempty"`
	Drain     *DrainView `json:"drain,omitempty"`
}

func (a TaskAck) String() string {
	var s string
	switch {
	case a.Discarded:
		s = fmt.Sprintf("Discarded task %d", a.TaskID)
	case a.RetryOf != 0:
		s = fmt.Sprintf("Task %d re-queued as task %d", a.RetryOf, a.TaskID)
	default:
		s = fmt.Sprintf("Queued task %d", a.TaskID)
	}
	if a.Drain != nil {
		s += "\n" + a.Drain.String()
	}
	return s
}

// NewEnqueueCommand creates the enqueue command.
func NewEnqueueCommand(rootOpts *RootOptions) *cobra.Command {
	var drain bool

	cmd := &cobra.Command{
		Use:   "enqueue <entity> <insert|update|delete> <json>",
		Short: "Queue a local write",
		Long: `Queue a write for replay. The payload must carry the entity's key
fields, except for an insert into a single-key entity, which gets a
generated id.

Examples:
  fibersync enqueue nodes insert '{"name":"Exchange 4","status":true}'
  fibersync enqueue nodes update '{"id":"n1","name":"Exchange 4A"}' --drain`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			op := store.Operation(args[1])
			if !op.Valid() {
				return NewExitError(ExitCommandError, fmt.Sprintf("unknown operation %q", args[1]))
			}
			payload, err := record.Decode([]byte(args[2]))
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid payload", err)
			}

			s, err := openSession(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer s.Close()

			id, err := s.engine.Enqueue(cmd.Context(), args[0], op, payload)
			if err != nil {
				code := ExitFailure
				if errors.Is(err, outbox.ErrNotWritable) {
					code = ExitCommandError
				}
				return WrapExitError(code, "failed to enqueue", err)
			}
			out := rootOpts.formatter(cmd)
			out.VerboseLog("queued task %d", id)
			if !drain {
				return out.Success(TaskAck{TaskID: id})
			}
			report, err := s.engine.Drain(cmd.Context())
			if err != nil {
				return WrapExitError(ExitFailure, "drain failed", err)
			}
			drained := reportView(report)
			return out.Success(TaskAck{TaskID: id, Drain: &drained})
		},
	}

	cmd.Flags().BoolVar(&drain, "drain", false, "replay the outbox right after queueing")
	return cmd
}

// DrainView is a drain report as printed.
type DrainView struct {
	Attempted   int        `json:"attempted"`
	Succeeded   int        `json:"succeeded"`
	Retried     int        `json:"retried"`
	Failed      int        `json:"failed"`
	Stopped     bool       `json:"stopped,omitempty"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	Errors      []string   `json:"errors,omitempty"`
}

func (v DrainView) String() string {
	s := fmt.Sprintf("attempted %d: %d succeeded, %d retried, %d failed", v.Attempted, v.Succeeded, v.Retried, v.Failed)
	if v.Stopped {
		s += " (stopped: offline)"
	}
	if v.NextRetryAt != nil {
		s += fmt.Sprintf("\nnext retry at %s", v.NextRetryAt.Format(time.RFC3339))
	}
	for _, e := range v.Errors {
		s += "\n  " + e
	}
	return s
}

func reportView(r outbox.Report) DrainView {
	v := DrainView{
		Attempted: r.Attempted,
		Succeeded: r.Succeeded,
		Retried:   r.Retried,
		Failed:    r.Failed,
		Stopped:   r.Stopped,
	}
	if !r.NextRetryAt.IsZero() {
		next := r.NextRetryAt
		v.NextRetryAt = &next
	}
	for _, err := range multierr.Errors(r.Errors) {
		v.Errors = append(v.Errors, err.Error())
	}
	return v
}

// NewDrainCommand creates the drain command.
func NewDrainCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Replay ready outbox tasks now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer s.Close()

			// Without a server the link is offline and the report says stopped.
			report, err := s.engine.Drain(cmd.Context())
			if err != nil {
				return WrapExitError(ExitFailure, "drain failed", err)
			}
			if err := rootOpts.formatter(cmd).Success(reportView(report)); err != nil {
				return err
			}
			if report.Failed > 0 {
				return NewExitError(ExitFailure, fmt.Sprintf("%d task(s) failed", report.Failed))
			}
			return nil
		},
	}
}

// NewRetryCommand creates the retry command.
func NewRetryCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <task-id>",
		Short: "Re-queue a failed task in its original position",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			s, err := openSession(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer s.Close()

			newID, err := s.engine.RetryFailed(cmd.Context(), id)
			if err != nil {
				return taskError("retry", err)
			}
			return rootOpts.formatter(cmd).Success(TaskAck{TaskID: newID, RetryOf: id})
		},
	}
}

// NewDiscardCommand creates the discard command.
func NewDiscardCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "discard <task-id>",
		Short: "Drop a failed task",
		Long: `Drop a failed task. Later writes to the same record are no longer
blocked behind it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			s, err := openSession(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.engine.Discard(cmd.Context(), id); err != nil {
				return taskError("discard", err)
			}
			return rootOpts.formatter(cmd).Success(TaskAck{TaskID: id, Discarded: true})
		},
	}
}

func parseTaskID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, NewExitError(ExitCommandError, fmt.Sprintf("invalid task id %q", arg))
	}
	return id, nil
}

func taskError(op string, err error) error {
	if errors.Is(err, outbox.ErrNotFailed) || errors.Is(err, store.ErrTaskNotFound) {
		return WrapExitError(ExitCommandError, op+" refused", err)
	}
	return WrapExitError(ExitFailure, op+" failed", err)
}

// QueryView is a query result as printed.
type QueryView struct {
	Source string       `json:"source"`
	Stale  bool         `json:"stale,omitempty"`
	Rows   []record.Row `json:"rows"`
	Error  string       `json:"error,omitempty"`
}

// NewQueryCommand creates the query command.
func NewQueryCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		localFirst bool
		optimistic bool
		limit      int
		orderBy    string
	)

	cmd := &cobra.Command{
		Use:   "query <entity> [field=value...]",
		Short: "Read an entity through the resolver",
		Long: `Read rows from the server, falling back to the local mirror when it is
unreachable. Values are parsed as JSON when they can be, so status=true
matches a boolean and name=Exchange matches a string.

Examples:
  fibersync query nodes status=true
  fibersync query v_nodes_complete node_type_id=3 --order-by name --limit 20
  fibersync query nodes --optimistic --format json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			preds, err := parseFilters(args[1:])
			if err != nil {
				return NewExitError(ExitCommandError, err.Error())
			}
			d := query.Select(args[0], preds...)
			d.Limit = limit
			if orderBy != "" {
				desc := strings.HasPrefix(orderBy, "-")
				d.OrderBy = []query.Order{{Field: strings.TrimPrefix(orderBy, "-"), Desc: desc}}
			}

			s, err := openSession(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer s.Close()

			ropts := engine.ReadOptions{Optimistic: optimistic}
			if localFirst {
				ropts.Mode = resolver.LocalFirst
			}
			res := s.engine.Query(cmd.Context(), d, ropts)
			view := QueryView{Source: string(res.Source), Stale: res.Stale, Rows: res.Rows}
			if view.Rows == nil {
				view.Rows = []record.Row{}
			}
			if res.Err != nil {
				view.Error = res.Err.Error()
			}

			if rootOpts.Format == "json" {
				if err := rootOpts.formatter(cmd).Success(view); err != nil {
					return err
				}
			} else {
				w := cmd.OutOrStdout()
				for _, r := range view.Rows {
					data, err := record.MarshalCanonical(r)
					if err != nil {
						return err
					}
					fmt.Fprintln(w, string(data))
				}
				stale := ""
				if view.Stale {
					stale = ", stale"
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "%d row(s) from %s%s\n", len(view.Rows), view.Source, stale)
			}
			if res.Err != nil {
				if engine.IsNoLocalCopy(res.Err) {
					return WrapExitError(ExitFailure, "no data available offline", res.Err)
				}
				if len(view.Rows) == 0 {
					return WrapExitError(ExitFailure, "query failed", res.Err)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&localFirst, "local-first", false, "answer from the mirror and refresh in the background")
	cmd.Flags().BoolVar(&optimistic, "optimistic", false, "merge queued writes into the result")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum rows")
	cmd.Flags().StringVar(&orderBy, "order-by", "", "sort field; prefix with - for descending")
	return cmd
}

// parseFilters turns field=value arguments into equality predicates.
func parseFilters(args []string) ([]query.Predicate, error) {
	preds := make([]query.Predicate, 0, len(args))
	for _, arg := range args {
		field, raw, ok := strings.Cut(arg, "=")
		if !ok || field == "" {
			return nil, fmt.Errorf("invalid filter %q: want field=value", arg)
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		preds = append(preds, query.Eq{Field: field, Value: value})
	}
	return preds, nil
}

// NewResetCommand creates the reset command.
func NewResetCommand(rootOpts *RootOptions) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Wipe the local mirror, outbox and cache",
		Long: `Wipe every local table: mirrored rows, queued writes (including failed
ones), sync timestamps and cached query results. The next sync rebuilds the
mirror from the server. Queued writes that never reached the server are
lost.

Requires --yes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			confirm := ""
			if yes {
				confirm = engine.ResetToken
			}
			s, err := openSession(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.engine.HardReset(cmd.Context(), confirm); err != nil {
				if engine.IsResetNotConfirmed(err) {
					return NewExitError(ExitCommandError, "reset wipes all local data; re-run with --yes")
				}
				return WrapExitError(ExitFailure, "reset failed", err)
			}
			return rootOpts.formatter(cmd).Success("Local data wiped.")
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "confirm wiping all local data")
	return cmd
}
