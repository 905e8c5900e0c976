package testutil

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fibersync/internal/query"
	"github.com/roach88/fibersync/internal/record"
	"github.com/roach88/fibersync/internal/registry"
	"github.com/roach88/fibersync/internal/remote"
)

func TestFakeRemote_CRUD(t *testing.T) {
	f := NewFakeRemote(registry.MustDefault())
	ctx := t.Context()

	f.SetStamp(func(entity string, row record.Row) { row["version"] = 1 })

	got, err := f.Insert(ctx, "nodes", record.Row{"id": "n1", "name": "Alpha", "status": true})
	require.NoError(t, err)
	assert.Equal(t, record.Row{"id": "n1", "name": "Alpha", "status": true, "version": json.Number("1")}, got)

	// merge-duplicates keeps columns the upsert did not send
	got, err = f.Insert(ctx, "nodes", record.Row{"id": "n1", "name": "Beta"})
	require.NoError(t, err)
	assert.Equal(t, true, got["status"])
	assert.Equal(t, "Beta", got["name"])

	got, err = f.Update(ctx, "nodes", record.Row{"id": "n1"}, record.Row{"name": "Gamma"})
	require.NoError(t, err)
	assert.Equal(t, "Gamma", got["name"])

	got, err = f.Update(ctx, "nodes", record.Row{"id": "missing"}, record.Row{"name": "x"})
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, f.Delete(ctx, "nodes", record.Row{"id": "n1"}))
	_, ok := f.Row("nodes", "n1")
	assert.False(t, ok)

	assert.Equal(t, 2, f.CountCalls("insert"))
	assert.Equal(t, RemoteCall{Op: "delete", Entity: "nodes", Key: "n1"}, f.Calls()[4])
}

func TestFakeRemote_InsertWithoutKeyIsRejected(t *testing.T) {
	f := NewFakeRemote(registry.MustDefault())
	_, err := f.Insert(t.Context(), "nodes", record.Row{"name": "x"})

	var he *remote.HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, 400, he.StatusCode)
}

func TestFakeRemote_SelectAppliesDescriptor(t *testing.T) {
	f := NewFakeRemote(registry.MustDefault())
	f.Seed("nodes",
		record.Row{"id": "a", "name": "A", "area": "x"},
		record.Row{"id": "b", "name": "B", "area": "y"},
		record.Row{"id": "c", "name": "C", "area": "x"},
	)

	d := query.Select("nodes", query.Eq{Field: "area", Value: "x"})
	d.OrderBy = []query.Order{{Field: "name", Desc: true}}
	rows, err := f.Select(t.Context(), d)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "c", rows[0]["id"])
	assert.Equal(t, "a", rows[1]["id"])
}

func TestFakeRemote_ScriptedFailures(t *testing.T) {
	f := NewFakeRemote(registry.MustDefault())
	ctx := t.Context()
	boom := &remote.HTTPError{StatusCode: 503}

	f.FailNext("insert", "nodes", boom)
	_, err := f.Insert(ctx, "nodes", record.Row{"id": "n1", "name": "A"})
	assert.Same(t, boom, err)

	_, err = f.Insert(ctx, "nodes", record.Row{"id": "n1", "name": "A"})
	assert.NoError(t, err, "failure is consumed")

	rejected := &remote.HTTPError{StatusCode: 422}
	f.FailNextFor("insert", "nodes", "n2", rejected)
	_, err = f.Insert(ctx, "nodes", record.Row{"id": "n3", "name": "C"})
	assert.NoError(t, err, "other records are unaffected")
	_, err = f.Insert(ctx, "nodes", record.Row{"id": "n2", "name": "B"})
	assert.Same(t, rejected, err)
	_, err = f.Insert(ctx, "nodes", record.Row{"id": "n2", "name": "B"})
	assert.NoError(t, err)

	f.SetOffline(true)
	_, err = f.Select(ctx, query.Select("nodes"))
	assert.True(t, remote.IsNetworkClass(err))
	f.SetOffline(false)

	blocked := errors.New("blocked")
	f.OnCall(func(ctx context.Context, call RemoteCall) error {
		if call.Op == "delete" {
			return blocked
		}
		return nil
	})
	assert.ErrorIs(t, f.Delete(ctx, "nodes", record.Row{"id": "n1"}), blocked)
}

func TestFakeRemote_PagedData(t *testing.T) {
	f := NewFakeRemote(registry.MustDefault())
	for _, id := range []string{"t1", "t2", "t3", "t4"} {
		f.Seed("inventory_transactions", record.Row{"id": id, "created_at": "2025-01-0" + id[1:] + "T00:00:00Z"})
	}

	raw, err := f.Call(t.Context(), "get_paged_data", map[string]any{
		"p_view_name": "inventory_transactions",
		"p_limit":     2,
		"p_offset":    0,
		"p_filters":   map[string]any{"created_at": map[string]any{"operator": ">", "value": "2025-01-01T00:00:00Z"}},
		"p_order_by":  "created_at",
		"p_order_dir": "asc",
	})
	require.NoError(t, err)

	var page struct {
		Data       []map[string]any `json:"data"`
		TotalCount int              `json:"total_count"`
	}
	require.NoError(t, json.Unmarshal(raw, &page))
	assert.Equal(t, 3, page.TotalCount)
	require.Len(t, page.Data, 2)
	assert.Equal(t, "t2", page.Data[0]["id"])
	assert.Equal(t, "t3", page.Data[1]["id"])

	_, err = f.Call(t.Context(), "no_such_proc", nil)
	assert.Error(t, err)
}
