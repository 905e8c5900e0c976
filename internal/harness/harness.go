package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/roach88/fibersync/internal/connectivity"
	"github.com/roach88/fibersync/internal/engine"
	"github.com/roach88/fibersync/internal/outbox"
	"github.com/roach88/fibersync/internal/record"
	"github.com/roach88/fibersync/internal/registry"
	"github.com/roach88/fibersync/internal/remote"
	"github.com/roach88/fibersync/internal/store"
	"github.com/roach88/fibersync/internal/testutil"
)

// Start is the virtual time every scenario begins at.
var Start = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// Harness drives one engine through a scenario's steps.
// Steps run synchronously on the caller's goroutine; the engine's Run loop
// is never started, so every drain and sync happens exactly where the
// scenario asks for it.
type Harness struct {
	store   *store.Store
	engine  *engine.Engine
	remote  *testutil.FakeRemote
	clock   *testutil.FakeClock
	monitor *connectivity.Monitor
	reg     *registry.Registry
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database with a virtual clock,
// sequential ids and an in-memory server, so results are reproducible.
//
// Execution flow:
// 1. Load the registry and open the store
// 2. Seed the server and the mirror
// 3. Execute steps, recording the status after each
// 4. Evaluate assertions against the final state
func Run(scenario *Scenario) (*Result, error) {
	ctx := context.Background()

	reg, err := loadRegistry(scenario.Registry)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	h := &Harness{
		store:   st,
		remote:  testutil.NewFakeRemote(reg),
		clock:   testutil.NewFakeClock(Start),
		monitor: connectivity.NewMonitor(scenario.Online),
		reg:     reg,
	}

	if err := h.seedRemote(scenario.Remote); err != nil {
		return nil, err
	}

	eng, err := engine.New(ctx, st, h.remote, reg,
		engine.WithClock(h.clock),
		engine.WithConnectivity(h.monitor),
		engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		engine.WithOutboxOptions(
			outbox.WithIDGenerator(testutil.NewSequentialIDs().Next),
			outbox.WithBackoff(time.Second, time.Minute, 0),
			outbox.WithConcurrency(1),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start engine: %w", err)
	}
	defer eng.Close()
	h.engine = eng

	if err := h.seedMirror(ctx, scenario.Mirror); err != nil {
		return nil, err
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		detail, err := h.execute(ctx, step)
		if err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, step.Kind(), err)
		}
		s, err := eng.Status(ctx)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		result.AddTrace(i, step.Kind(), detail, s.String())
	}

	final, err := eng.Status(ctx)
	if err != nil {
		return nil, err
	}
	result.FinalStatus = final.String()
	for _, c := range h.remote.Calls() {
		result.Calls = append(result.Calls, formatCall(c))
	}

	actx := &AssertionContext{
		Ctx:    ctx,
		Engine: eng,
		Store:  st,
		Remote: h.remote,
	}
	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(errMsg)
	}

	return result, nil
}

func loadRegistry(dir string) (*registry.Registry, error) {
	if dir == "" {
		return registry.MustDefault(), nil
	}
	reg, err := registry.Load(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to load registry: %w", err)
	}
	return reg, nil
}

func (h *Harness) seedRemote(seed map[string][]map[string]any) error {
	for _, entity := range sortedNames(seed) {
		if _, ok := h.reg.Entity(entity); !ok {
			return fmt.Errorf("remote seed: unknown entity %q", entity)
		}
		for _, r := range seed[entity] {
			h.remote.Seed(entity, record.Row(r))
		}
	}
	return nil
}

func (h *Harness) seedMirror(ctx context.Context, seed map[string][]map[string]any) error {
	for _, entity := range sortedNames(seed) {
		rows := make([]record.Row, 0, len(seed[entity]))
		for _, r := range seed[entity] {
			rows = append(rows, record.Row(r))
		}
		if err := h.store.Put(ctx, entity, rows, h.clock.Now()); err != nil {
			return fmt.Errorf("mirror seed: %w", err)
		}
	}
	return nil
}

// execute runs one step and returns a short description for the trace.
// Errors the engine reports as part of normal operation (a drain that
// stops offline, a sync that fails) go into the detail; only a broken
// scenario returns an error.
func (h *Harness) execute(ctx context.Context, step Step) (string, error) {
	switch step.Kind() {
	case "enqueue":
		e := step.Enqueue
		id, err := h.engine.Enqueue(ctx, e.Entity, store.Operation(e.Op), record.Row(e.Payload))
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("task %d %s %s", id, e.Op, e.Entity), nil

	case "online":
		h.monitor.Set(*step.Online)
		if *step.Online {
			return "online", nil
		}
		return "offline", nil

	case "remote_down":
		h.remote.SetOffline(*step.RemoteDown)
		if *step.RemoteDown {
			return "server unreachable", nil
		}
		return "server reachable", nil

	case "fail":
		f := step.Fail
		herr := &remote.HTTPError{StatusCode: f.Status, Code: f.Code, Message: f.Message}
		if herr.Message == "" {
			herr.Message = http.StatusText(f.Status)
		}
		if f.RetryAfter != "" {
			herr.RetryAfter, _ = time.ParseDuration(f.RetryAfter)
		}
		h.remote.FailNext(f.Op, f.Entity, herr)
		return fmt.Sprintf("next %s %s -> %d", f.Op, f.Entity, f.Status), nil

	case "drain":
		report, err := h.engine.Drain(ctx)
		if err != nil {
			return "error: " + err.Error(), nil
		}
		return describeReport(report), nil

	case "advance":
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return "", err
		}
		h.clock.Advance(d)
		return "+" + d.String(), nil

	case "sync":
		summary, err := h.engine.Sync(ctx, step.Sync.Entities...)
		var parts []string
		for _, r := range summary.Results {
			if r.Err != nil {
				parts = append(parts, fmt.Sprintf("%s failed", r.Entity))
				continue
			}
			parts = append(parts, fmt.Sprintf("%s %d", r.Entity, r.Rows))
		}
		if err != nil && len(parts) == 0 {
			return "error: " + err.Error(), nil
		}
		return strings.Join(parts, ", "), nil

	case "retry":
		id, err := h.engine.RetryFailed(ctx, step.Retry)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("task %d -> %d", step.Retry, id), nil

	case "discard":
		if err := h.engine.Discard(ctx, step.Discard); err != nil {
			return "", err
		}
		return fmt.Sprintf("task %d", step.Discard), nil

	case "reset":
		if err := h.engine.HardReset(ctx, engine.ResetToken); err != nil {
			return "", err
		}
		return "wiped", nil
	}
	return "", fmt.Errorf("step names no action")
}

func describeReport(r outbox.Report) string {
	if r.Stopped && r.Attempted == 0 {
		return "stopped"
	}
	var parts []string
	add := func(n int, label string) {
		if n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, label))
		}
	}
	add(r.Succeeded, "succeeded")
	add(r.Retried, "retried")
	add(r.Failed, "failed")
	add(r.Interrupted, "interrupted")
	if len(parts) == 0 {
		return "nothing ready"
	}
	return strings.Join(parts, ", ")
}

func formatCall(c testutil.RemoteCall) string {
	if c.Key == "" {
		return c.Op + " " + c.Entity
	}
	return c.Op + " " + c.Entity + "/" + c.Key
}
