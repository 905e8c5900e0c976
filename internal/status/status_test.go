package status

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fibersync/internal/connectivity"
	"github.com/roach88/fibersync/internal/store"
)

func TestDerive(t *testing.T) {
	tests := []struct {
		name   string
		counts store.TaskCounts
		online bool
		want   Status
	}{
		{"offline wins over everything", store.TaskCounts{Failed: 2, Pending: 3}, false, Status{Kind: Offline}},
		{"failed wins over syncing", store.TaskCounts{Failed: 1, Processing: 1, Pending: 4}, true, Status{Kind: Failed, N: 1}},
		{"processing is syncing", store.TaskCounts{Processing: 1, Pending: 2, Waiting: 2}, true, Status{Kind: Syncing, N: 3}},
		{"ready tasks are syncing", store.TaskCounts{Pending: 2, Waiting: 1}, true, Status{Kind: Syncing, N: 2}},
		{"all waiting is pending", store.TaskCounts{Pending: 2, Waiting: 2}, true, Status{Kind: Pending, N: 2}},
		{"empty is synced", store.TaskCounts{Succeeded: 10}, true, Status{Kind: Synced}},
		{"offline with empty queue", store.TaskCounts{}, false, Status{Kind: Offline}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Derive(tt.counts, tt.online))
		})
	}
}

func TestBanner(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{Status{Kind: Offline}, "Offline"},
		{Status{Kind: Failed, N: 1}, "1 sync failed"},
		{Status{Kind: Failed, N: 3}, "3 sync failed"},
		{Status{Kind: Syncing, N: 1}, "Syncing 1 change…"},
		{Status{Kind: Syncing, N: 1500}, "Syncing 1,500 changes…"},
		{Status{Kind: Pending, N: 1}, "1 change pending"},
		{Status{Kind: Pending, N: 4}, "4 changes pending"},
		{Status{Kind: Synced}, "Synced"},
	}
	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.status.Banner())
		})
	}
}

func TestString(t *testing.T) {
	assert.Equal(t, "failed(2)", Status{Kind: Failed, N: 2}.String())
	assert.Equal(t, "synced", Status{Kind: Synced}.String())
}

type fakeCounter struct {
	counts store.TaskCounts
	err    error
}

func (f *fakeCounter) Counts(context.Context) (store.TaskCounts, error) {
	return f.counts, f.err
}

func TestReporter_NotifiesOnChangeOnly(t *testing.T) {
	counter := &fakeCounter{counts: store.TaskCounts{Pending: 1}}
	m := connectivity.NewMonitor(true)
	r := NewReporter(counter, m)
	var seen []Status
	r.OnChange(func(s Status) { seen = append(seen, s) })

	_, ok := r.Last()
	assert.False(t, ok)

	s, err := r.Refresh(t.Context())
	require.NoError(t, err)
	assert.Equal(t, Status{Kind: Syncing, N: 1}, s)

	_, err = r.Refresh(t.Context())
	require.NoError(t, err)

	counter.counts = store.TaskCounts{Succeeded: 1}
	_, err = r.Refresh(t.Context())
	require.NoError(t, err)

	m.Set(false)
	_, err = r.Refresh(t.Context())
	require.NoError(t, err)

	assert.Equal(t, []Status{{Kind: Syncing, N: 1}, {Kind: Synced}, {Kind: Offline}}, seen)
	last, ok := r.Last()
	assert.True(t, ok)
	assert.Equal(t, Status{Kind: Offline}, last)
}

func TestReporter_CountError(t *testing.T) {
	boom := errors.New("db gone")
	r := NewReporter(&fakeCounter{err: boom}, connectivity.NewMonitor(true))

	_, err := r.Refresh(t.Context())
	assert.ErrorIs(t, err, boom)
	_, ok := r.Last()
	assert.False(t, ok)
}
