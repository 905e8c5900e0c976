package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScenario(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

const validScenario = `
name: test_scenario
description: "Test scenario for validation"
online: false
steps:
  - enqueue:
      entity: nodes
      op: insert
      payload: {id: n1, name: A}
  - online: true
  - drain: true
assertions:
  - type: status
    status: synced
`

func TestLoadScenario_ValidFile(t *testing.T) {
	path := writeScenario(t, t.TempDir(), "test.yaml", validScenario)

	scenario, err := LoadScenario(path)
	require.NoError(t, err)

	assert.Equal(t, "test_scenario", scenario.Name)
	assert.False(t, scenario.Online)
	require.Len(t, scenario.Steps, 3)
	assert.Equal(t, "enqueue", scenario.Steps[0].Kind())
	assert.Equal(t, "nodes", scenario.Steps[0].Enqueue.Entity)
	assert.Equal(t, "A", scenario.Steps[0].Enqueue.Payload["name"])
	assert.Equal(t, "online", scenario.Steps[1].Kind())
	assert.True(t, *scenario.Steps[1].Online)
	assert.Equal(t, "drain", scenario.Steps[2].Kind())
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadScenario_UnknownField(t *testing.T) {
	path := writeScenario(t, t.TempDir(), "typo.yaml", validScenario+"assertion: []\n")

	_, err := LoadScenario(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestLoadScenario_RelativeRegistry(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "registry"), 0755))
	path := writeScenario(t, dir, "s.yaml", "registry: registry\n"+validScenario)

	scenario, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "registry"), scenario.Registry)
}

func TestLoadScenario_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name: "missing name",
			content: `
description: d
steps: [{drain: true}]
assertions: [{type: status, status: synced}]
`,
			wantErr: "name is required",
		},
		{
			name: "no steps",
			content: `
name: n
description: d
steps: []
assertions: [{type: status, status: synced}]
`,
			wantErr: "steps list is required",
		},
		{
			name: "two actions in one step",
			content: `
name: n
description: d
steps: [{drain: true, advance: 1s}]
assertions: [{type: status, status: synced}]
`,
			wantErr: "exactly one action",
		},
		{
			name: "bad op",
			content: `
name: n
description: d
steps:
  - enqueue: {entity: nodes, op: upsert, payload: {id: n1}}
assertions: [{type: status, status: synced}]
`,
			wantErr: `invalid op "upsert"`,
		},
		{
			name: "fail with success status",
			content: `
name: n
description: d
steps:
  - fail: {op: insert, entity: nodes, status: 200}
assertions: [{type: status, status: synced}]
`,
			wantErr: "HTTP error status",
		},
		{
			name: "negative advance",
			content: `
name: n
description: d
steps: [{advance: -1s}]
assertions: [{type: status, status: synced}]
`,
			wantErr: "duration must be positive",
		},
		{
			name: "mirror assertion without expectation",
			content: `
name: n
description: d
steps: [{drain: true}]
assertions: [{type: mirror, entity: nodes, key: n1}]
`,
			wantErr: "expect or absent is required",
		},
		{
			name: "unknown assertion",
			content: `
name: n
description: d
steps: [{drain: true}]
assertions: [{type: trace_contains}]
`,
			wantErr: `unknown assertion type "trace_contains"`,
		},
		{
			name: "missing registry dir",
			content: `
name: n
description: d
registry: nowhere
steps: [{drain: true}]
assertions: [{type: status, status: synced}]
`,
			wantErr: "registry directory not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeScenario(t, t.TempDir(), "s.yaml", tt.content)
			_, err := LoadScenario(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDiscover(t *testing.T) {
	scenarios, err := Discover("testdata/scenarios")
	require.NoError(t, err)
	require.NotEmpty(t, scenarios)

	for i := 1; i < len(scenarios); i++ {
		assert.NotEqual(t, scenarios[i-1].Name, scenarios[i].Name)
	}
}

func TestDiscover_DuplicateNames(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "a.yaml", validScenario)
	writeScenario(t, dir, "b.yaml", validScenario)

	_, err := Discover(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `scenario name "test_scenario" used by both a.yaml and b.yaml`)
}

func TestStep_Kind(t *testing.T) {
	on := true
	assert.Equal(t, "online", Step{Online: &on}.Kind())
	assert.Equal(t, "retry", Step{Retry: 4}.Kind())
	assert.Equal(t, "reset", Step{Reset: true}.Kind())
	assert.Equal(t, "", Step{}.Kind())
	assert.Equal(t, "", Step{Drain: true, Reset: true}.Kind())
}
