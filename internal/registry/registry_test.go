package registry

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fibersync/internal/record"
)

func TestDefaultRegistry(t *testing.T) {
	reg, err := Default()
	require.NoError(t, err)

	nodes, ok := reg.Entity("nodes")
	require.True(t, ok)
	assert.Equal(t, []string{"id"}, nodes.Key)
	assert.Equal(t, StrategyFull, nodes.Sync)
	assert.Equal(t, []string{"nodes-data", "v_nodes_complete"}, nodes.Invalidates)
	assert.True(t, nodes.HasSchema())
	assert.False(t, nodes.View)

	rbs, ok := reg.Entity("ring_based_systems")
	require.True(t, ok)
	assert.Equal(t, []string{"system_id", "ring_id"}, rbs.Key)

	movements, ok := reg.Entity("file_movements")
	require.True(t, ok)
	assert.Equal(t, StrategyIncremental, movements.Sync)
	assert.Equal(t, "created_at", movements.TimestampColumn)

	views := reg.Views("nodes")
	require.Len(t, views, 1)
	assert.Equal(t, "v_nodes_complete", views[0].Name)
	assert.True(t, views[0].View)

	p, ok := reg.Procedure("get_my_role")
	require.True(t, ok)
	assert.True(t, p.Ephemeral)
	p, ok = reg.Procedure("get_paged_data")
	require.True(t, ok)
	assert.False(t, p.Ephemeral)
}

func TestEntitiesSorted(t *testing.T) {
	reg := MustDefault()
	entities := reg.Entities()
	require.NotEmpty(t, entities)
	for i := 1; i < len(entities); i++ {
		assert.Less(t, entities[i-1].Name, entities[i].Name)
	}
}

func TestValidateRow(t *testing.T) {
	reg := MustDefault()

	err := reg.ValidateRow("nodes", record.Row{"id": "n1", "name": "Alpha", "status": true})
	assert.NoError(t, err)

	err = reg.ValidateRow("nodes", record.Row{"id": "n1"})
	assert.Error(t, err, "name is required")

	err = reg.ValidateRow("nodes", record.Row{"id": json.Number("5"), "name": "Alpha"})
	assert.Error(t, err, "id must be a string")

	err = reg.ValidateRow("rings", record.Row{"anything": []any{1}})
	assert.NoError(t, err, "entities without a schema accept any object")

	err = reg.ValidateRow("nope", record.Row{})
	assert.Error(t, err)
}

func TestKeyShapeTracksKeyOnly(t *testing.T) {
	a := &Entity{Name: "x", Key: []string{"id"}, Indexes: []string{"name"}}
	b := &Entity{Name: "x", Key: []string{"id"}, Indexes: []string{"status"}}
	c := &Entity{Name: "x", Key: []string{"id", "ring_id"}}

	assert.Equal(t, a.KeyShape(), b.KeyShape())
	assert.NotEqual(t, a.KeyShape(), c.KeyShape())
}

func TestParseRejectsInvalidDefinitions(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"bad entity name", `entity: "Nodes": {key: ["id"]}`},
		{"bad field name", `entity: nodes: {key: ["id"], indexes: ["name; drop"]}`},
		{"incremental without column", `entity: logs: {sync: "incremental"}`},
		{"unknown strategy", `entity: logs: {sync: "sometimes"}`},
		{"unknown related", `entity: v_x: {view: true, related: "x"}`},
		{"no entities", `procedure: p: {}`},
		{"duplicate index", `entity: nodes: {indexes: ["name", "name"]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse("test.cue", []byte(tt.src))
			require.Error(t, err)
		})
	}
}

func TestParseDefaults(t *testing.T) {
	reg, err := Parse("test.cue", []byte(`entity: things: {}`))
	require.NoError(t, err)

	e, ok := reg.Entity("things")
	require.True(t, ok)
	assert.Equal(t, []string{"id"}, e.Key)
	assert.Equal(t, StrategyFull, e.Sync)
	assert.False(t, e.HasSchema())
}

func TestParseReportsCUEPosition(t *testing.T) {
	_, err := Parse("broken.cue", []byte("entity: nodes: {\n  key: [\"id\"\n}\n"))
	require.Error(t, err)
	var le *LoadError
	if assert.ErrorAs(t, err, &le) {
		assert.True(t, le.Pos.IsValid())
	}
}

func TestLoadDirectory(t *testing.T) {
	dir := t.TempDir()
	writeRegistry(t, dir, `package reg
entity: things: {indexes: ["name"]}
procedure: lookup: ephemeral: true
`)

	reg, err := Load(dir)
	require.NoError(t, err)
	_, ok := reg.Entity("things")
	assert.True(t, ok)
	_, ok = reg.Entity("nodes")
	assert.False(t, ok, "a directory replaces the default registry")

	_, err = Load(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestLoadEmptyDirSelectsDefault(t *testing.T) {
	reg, err := Load("")
	require.NoError(t, err)
	_, ok := reg.Entity("nodes")
	assert.True(t, ok)
}

func TestWatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	writeRegistry(t, dir, "package reg\nentity: things: {}\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got *Registry
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, dir, func(r *Registry) {
			mu.Lock()
			got = r
			mu.Unlock()
		})
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	writeRegistry(t, dir, "package reg\nentity: things: {}\nentity: others: {}\n")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		if got == nil {
			return false
		}
		_, ok := got.Entity("others")
		return ok
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func writeRegistry(t *testing.T, dir, src string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "registry.cue"), []byte(src), 0o644))
}
