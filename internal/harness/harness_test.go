package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boolPtr(b bool) *bool { return &b }

func TestRun_OfflineWriteReplays(t *testing.T) {
	scenario := &Scenario{
		Name:        "offline_write",
		Description: "offline write replays on reconnect",
		Online:      false,
		Steps: []Step{
			{Enqueue: &EnqueueStep{Entity: "nodes", Op: "insert", Payload: map[string]any{"id": "n1", "name": "A"}}},
			{Drain: true},
			{Online: boolPtr(true)},
			{Drain: true},
		},
		Assertions: []Assertion{
			{Type: AssertStatus, Status: "synced"},
			{Type: AssertRemote, Entity: "nodes", Key: "n1", Expect: map[string]any{"name": "A"}},
			{Type: AssertMirror, Entity: "nodes", Key: "n1", Expect: map[string]any{"name": "A"}},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)

	assert.True(t, result.Pass, "errors: %v", result.Errors)
	require.Len(t, result.Trace, 4)
	assert.Equal(t, "offline", result.Trace[0].Status)
	assert.Equal(t, "stopped", result.Trace[1].Detail)
	assert.Equal(t, "syncing(1)", result.Trace[2].Status)
	assert.Equal(t, "1 succeeded", result.Trace[3].Detail)
	assert.Equal(t, []string{"insert nodes/n1"}, result.Calls)
}

func TestRun_AssertionFailuresReported(t *testing.T) {
	scenario := &Scenario{
		Name:        "wrong_expectations",
		Description: "assertions that do not hold",
		Online:      true,
		Steps: []Step{
			{Enqueue: &EnqueueStep{Entity: "nodes", Op: "insert", Payload: map[string]any{"id": "n1", "name": "A"}}},
		},
		Assertions: []Assertion{
			{Type: AssertStatus, Status: "synced"},
			{Type: AssertMirror, Entity: "nodes", Key: "n1", Expect: map[string]any{"name": "A"}},
			{Type: AssertCallCount, Op: "insert", Entity: "nodes", Count: 1},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)

	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 3)
	assert.Contains(t, result.Errors[0], "Actual: syncing(1)")
	assert.Contains(t, result.Errors[1], "no such row")
	assert.Contains(t, result.Errors[2], "Actual: 0")
}

func TestRun_RemoteDownRetries(t *testing.T) {
	scenario := &Scenario{
		Name:        "remote_down",
		Description: "transport failure while online",
		Online:      true,
		Steps: []Step{
			{RemoteDown: boolPtr(true)},
			{Enqueue: &EnqueueStep{Entity: "nodes", Op: "delete", Payload: map[string]any{"id": "n1"}}},
			{Drain: true},
			{RemoteDown: boolPtr(false)},
			{Advance: "1s"},
			{Drain: true},
		},
		Remote: map[string][]map[string]any{
			"nodes": {{"id": "n1", "name": "A"}},
		},
		Mirror: map[string][]map[string]any{
			"nodes": {{"id": "n1", "name": "A"}},
		},
		Assertions: []Assertion{
			{Type: AssertCallOrder, Entity: "nodes", Key: "n1", Ops: []string{"delete", "delete"}},
			{Type: AssertRemote, Entity: "nodes", Key: "n1", Absent: true},
			{Type: AssertMirror, Entity: "nodes", Key: "n1", Absent: true},
			{Type: AssertTask, ID: 1, Expect: map[string]any{"status": "success", "attempts": 2}},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)

	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Equal(t, "1 retried", result.Trace[2].Detail)
	assert.Equal(t, "pending(1)", result.Trace[2].Status)
	assert.Equal(t, "synced", result.FinalStatus)
}

func TestRun_DiscardAndReset(t *testing.T) {
	scenario := &Scenario{
		Name:        "discard_and_reset",
		Description: "discarded failures unblock; reset wipes",
		Online:      true,
		Steps: []Step{
			{Fail: &FailStep{Op: "insert", Entity: "nodes", Status: 400, Message: "bad row"}},
			{Enqueue: &EnqueueStep{Entity: "nodes", Op: "insert", Payload: map[string]any{"id": "n1", "name": "A"}}},
			{Drain: true},
			{Discard: 1},
			{Sync: &SyncStep{Entities: []string{"nodes"}}},
			{Reset: true},
		},
		Remote: map[string][]map[string]any{
			"nodes": {{"id": "n2", "name": "B"}},
		},
		Assertions: []Assertion{
			{Type: AssertStatus, Status: "synced"},
			{Type: AssertMirror, Entity: "nodes", Key: "n2", Absent: true},
			{Type: AssertRemote, Entity: "nodes", Key: "n2", Expect: map[string]any{"name": "B"}},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)

	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Equal(t, "failed(1)", result.Trace[2].Status)
	assert.Equal(t, "task 1", result.Trace[3].Detail)
	assert.Equal(t, "synced", result.Trace[3].Status)
	assert.Equal(t, "nodes 1", result.Trace[4].Detail)
	assert.Equal(t, "wiped", result.Trace[5].Detail)
}

func TestRun_UnknownSeedEntity(t *testing.T) {
	scenario := &Scenario{
		Name:        "bad_seed",
		Description: "seeds an entity the registry lacks",
		Remote:      map[string][]map[string]any{"widgets": {{"id": "w1"}}},
		Steps:       []Step{{Drain: true}},
		Assertions:  []Assertion{{Type: AssertStatus, Status: "synced"}},
	}

	_, err := Run(scenario)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown entity "widgets"`)
}

func TestRun_CustomRegistry(t *testing.T) {
	dir := t.TempDir()
	regDir := filepath.Join(dir, "registry")
	require.NoError(t, os.Mkdir(regDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(regDir, "things.cue"), []byte(`package registry

entity: things: {
	key: ["code"]
}
`), 0644))

	path := writeScenario(t, dir, "things.yaml", `
name: things
description: a custom registry with an entity keyed by code
registry: registry
online: true
steps:
  - enqueue:
      entity: things
      op: insert
      payload: {code: t1, label: one}
  - drain: true
assertions:
  - type: remote
    entity: things
    key: t1
    expect: {label: one}
`)

	scenario, err := LoadScenario(path)
	require.NoError(t, err)

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Equal(t, []string{"insert things/t1"}, result.Calls)
}
