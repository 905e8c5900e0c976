package outbox

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/fibersync/internal/connectivity"
	"github.com/roach88/fibersync/internal/registry"
	"github.com/roach88/fibersync/internal/store"
	"github.com/roach88/fibersync/internal/testutil"
)

var testStart = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	outbox  *Outbox
	store   *store.Store
	remote  *testutil.FakeRemote
	clock   *testutil.FakeClock
	monitor *connectivity.Monitor
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	reg := registry.MustDefault()
	st, err := store.Open(filepath.Join(t.TempDir(), "outbox.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.EnsureMirror(t.Context(), reg.Entities(), testStart))

	f := &fixture{
		store:   st,
		remote:  testutil.NewFakeRemote(reg),
		clock:   testutil.NewFakeClock(testStart),
		monitor: connectivity.NewMonitor(true),
	}
	base := []Option{
		WithClock(f.clock),
		WithConnectivity(f.monitor),
		WithIDGenerator(testutil.NewSequentialIDs().Next),
		WithBackoff(time.Second, time.Minute, 0),
	}
	f.outbox = New(st, f.remote, reg, append(base, opts...)...)
	return f
}

func (f *fixture) enqueue(t *testing.T, entity string, op store.Operation, payload map[string]any) int64 {
	t.Helper()
	id, err := f.outbox.Enqueue(t.Context(), entity, op, payload)
	require.NoError(t, err)
	return id
}

func (f *fixture) task(t *testing.T, id int64) store.Task {
	t.Helper()
	task, err := f.store.GetTask(t.Context(), id)
	require.NoError(t, err)
	return task
}

func (f *fixture) drain(t *testing.T) Report {
	t.Helper()
	report, err := f.outbox.Drain(t.Context())
	require.NoError(t, err)
	return report
}

// callsFor returns the ops sent for one record, in order.
func (f *fixture) callsFor(entity, key string) []string {
	var ops []string
	for _, c := range f.remote.Calls() {
		if c.Entity == entity && c.Key == key {
			ops = append(ops, c.Op)
		}
	}
	return ops
}
