package cache

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fibersync/internal/query"
	"github.com/roach88/fibersync/internal/registry"
	"github.com/roach88/fibersync/internal/store"
	"github.com/roach88/fibersync/internal/testutil"
)

var testStart = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestPolicy_IsMirrorManaged(t *testing.T) {
	p := NewPolicy(registry.MustDefault())

	tests := []struct {
		name string
		key  string
		want bool
	}{
		{"entity query", query.Select("nodes").MustKey(), true},
		{"view query", query.Select("v_nodes_complete").MustKey(), true},
		{"ephemeral procedure", query.Call("get_my_role", nil).MustKey(), false},
		{"ephemeral procedure with args", query.Call("get_unique_values", map[string]any{"col": "status"}).MustKey(), false},
		{"paging procedure feeds the mirror", query.Call("get_paged_data", nil).MustKey(), true},
		{"unknown procedure", query.Call("drop_everything", nil).MustKey(), true},
		{"unknown entity", query.Select("mystery").MustKey(), true},
		{"unparseable key", "not a key", true},
		{"empty key", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.IsMirrorManaged(tt.key))
		})
	}
}

func TestPolicy_NilRegistryFailsClosed(t *testing.T) {
	p := NewPolicy(nil)
	assert.True(t, p.IsMirrorManaged(query.Call("get_my_role", nil).MustKey()))
}

func TestCache_PutGetAndFreshness(t *testing.T) {
	clk := testutil.NewFakeClock(testStart)
	c := New(NewPolicy(registry.MustDefault()), WithClock(clk), WithTTL(time.Minute))
	key := query.Call("get_my_role", nil).MustKey()

	_, err := c.Put(t.Context(), key, []string{"get_my_role"}, json.RawMessage(`"admin"`))
	require.NoError(t, err)

	e, ok := c.Get(key)
	require.True(t, ok)
	assert.JSONEq(t, `"admin"`, string(e.Data))
	assert.True(t, e.Fresh(clk.Now()))

	clk.Advance(time.Minute)
	e, ok = c.Get(key)
	require.True(t, ok, "expired entries remain available as a fallback")
	assert.False(t, e.Fresh(clk.Now()))
}

func TestCache_PersistsOnlyEphemeralKeys(t *testing.T) {
	st := openStore(t)
	c := New(NewPolicy(registry.MustDefault()), WithStore(st), WithClock(testutil.NewFakeClock(testStart)))
	ctx := t.Context()

	roleKey := query.Call("get_my_role", nil).MustKey()
	nodesKey := query.Select("nodes").MustKey()
	_, err := c.Put(ctx, roleKey, []string{"get_my_role"}, json.RawMessage(`"admin"`))
	require.NoError(t, err)
	_, err = c.Put(ctx, nodesKey, []string{"nodes"}, json.RawMessage(`[]`))
	require.NoError(t, err)

	persisted, err := st.LoadCacheEntries(ctx)
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, roleKey, persisted[0].Key)
	assert.Equal(t, 2, c.Len())
}

func TestCache_LoadDeletesRejectedEntries(t *testing.T) {
	st := openStore(t)
	ctx := t.Context()
	roleKey := query.Call("get_my_role", nil).MustKey()
	nodesKey := query.Select("nodes").MustKey()
	staleKey := query.Call("is_super_admin", nil).MustKey()

	// Written by an older build whose policy allowed nodes.
	for _, e := range []store.CacheEntry{
		{Key: roleKey, Tags: []string{"get_my_role"}, Data: []byte(`"admin"`), StoredAt: testStart, ExpiresAt: testStart.Add(time.Hour)},
		{Key: nodesKey, Tags: []string{"nodes"}, Data: []byte(`[]`), StoredAt: testStart, ExpiresAt: testStart.Add(time.Hour)},
		{Key: staleKey, Data: []byte(`true`), StoredAt: testStart.Add(-time.Hour), ExpiresAt: testStart},
	} {
		require.NoError(t, st.PutCacheEntry(ctx, e))
	}

	c := New(NewPolicy(registry.MustDefault()), WithStore(st), WithClock(testutil.NewFakeClock(testStart)))
	n, err := c.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, ok := c.Get(roleKey)
	assert.True(t, ok)
	_, ok = c.Get(nodesKey)
	assert.False(t, ok)
	stale, ok := c.Get(staleKey)
	require.True(t, ok, "expired entries load as fallbacks")
	assert.False(t, stale.Fresh(testStart))

	persisted, err := st.LoadCacheEntries(ctx)
	require.NoError(t, err)
	require.Len(t, persisted, 2)
	assert.Equal(t, roleKey, persisted[0].Key)
	assert.Equal(t, staleKey, persisted[1].Key)
}

func TestCache_InvalidateByTag(t *testing.T) {
	st := openStore(t)
	clk := testutil.NewFakeClock(testStart)
	c := New(NewPolicy(registry.MustDefault()), WithStore(st), WithClock(clk))
	ctx := t.Context()

	roleKey := query.Call("get_my_role", nil).MustKey()
	valuesKey := query.Call("get_unique_values", map[string]any{"table": "nodes"}).MustKey()
	_, err := c.Put(ctx, roleKey, []string{"get_my_role"}, json.RawMessage(`"admin"`))
	require.NoError(t, err)
	_, err = c.Put(ctx, valuesKey, []string{"get_unique_values", "nodes-data"}, json.RawMessage(`[]`))
	require.NoError(t, err)

	clk.Advance(time.Second)
	expired, err := c.Invalidate(ctx, "nodes-data", "unrelated")
	require.NoError(t, err)
	assert.Equal(t, []string{valuesKey}, expired)
	assert.Equal(t, 2, c.Len(), "invalidated entries stay as fallbacks")

	e, ok := c.Get(valuesKey)
	require.True(t, ok)
	assert.False(t, e.Fresh(clk.Now()))
	assert.JSONEq(t, `[]`, string(e.Data))
	e, ok = c.Get(roleKey)
	require.True(t, ok)
	assert.True(t, e.Fresh(clk.Now()))

	persisted, err := st.LoadCacheEntries(ctx)
	require.NoError(t, err)
	require.Len(t, persisted, 2)
	assert.Equal(t, roleKey, persisted[0].Key)
	assert.True(t, persisted[0].ExpiresAt.After(clk.Now()))
	assert.Equal(t, valuesKey, persisted[1].Key)
	assert.True(t, clk.Now().Equal(persisted[1].ExpiresAt))

	expired, err = c.Invalidate(ctx, "nothing")
	require.NoError(t, err)
	assert.Empty(t, expired)

	_, err = c.Put(ctx, valuesKey, []string{"get_unique_values", "nodes-data"}, json.RawMessage(`["active"]`))
	require.NoError(t, err)
	e, _ = c.Get(valuesKey)
	assert.True(t, e.Fresh(clk.Now()), "a refetch replaces the stale entry")
}

func TestCache_Clear(t *testing.T) {
	c := New(NewPolicy(registry.MustDefault()))
	_, err := c.Put(t.Context(), "rpc/get_my_role/x", nil, json.RawMessage(`1`))
	require.NoError(t, err)
	c.Clear()
	assert.Zero(t, c.Len())
}
