package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/fibersync/internal/store"
)

// Scenario is a scripted run of the engine against a fake server.
// Scenarios exercise offline writes, replay ordering and failure handling,
// then assert on the final mirror, server, outbox and status.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Registry is an optional directory of CUE entity definitions,
	// relative to the scenario file. Empty selects the built-in registry.
	Registry string `yaml:"registry,omitempty"`

	// Online is the starting connectivity.
	Online bool `yaml:"online"`

	// Remote seeds the fake server, keyed by entity.
	Remote map[string][]map[string]any `yaml:"remote,omitempty"`

	// Mirror seeds the local mirror, keyed by entity.
	Mirror map[string][]map[string]any `yaml:"mirror,omitempty"`

	// Steps run in order. Each names exactly one action.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final state.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one scripted action.
type Step struct {
	// Enqueue records a local write.
	Enqueue *EnqueueStep `yaml:"enqueue,omitempty"`

	// Online changes connectivity.
	Online *bool `yaml:"online,omitempty"`

	// RemoteDown makes every server call fail at the transport level
	// while connectivity still reports online.
	RemoteDown *bool `yaml:"remote_down,omitempty"`

	// Fail queues an HTTP error for the next call of Op on Entity.
	Fail *FailStep `yaml:"fail,omitempty"`

	// Drain replays ready outbox tasks.
	Drain bool `yaml:"drain,omitempty"`

	// Advance moves the virtual clock, e.g. "1s".
	Advance string `yaml:"advance,omitempty"`

	// Sync resyncs entities from the server.
	Sync *SyncStep `yaml:"sync,omitempty"`

	// Retry re-queues a failed task by id.
	Retry int64 `yaml:"retry,omitempty"`

	// Discard drops a failed task by id.
	Discard int64 `yaml:"discard,omitempty"`

	// Reset performs a confirmed hard reset.
	Reset bool `yaml:"reset,omitempty"`
}

// EnqueueStep is a local write.
type EnqueueStep struct {
	Entity  string         `yaml:"entity"`
	Op      string         `yaml:"op"`
	Payload map[string]any `yaml:"payload"`
}

// FailStep scripts a server error.
type FailStep struct {
	Op         string `yaml:"op"`
	Entity     string `yaml:"entity"`
	Status     int    `yaml:"status"`
	Code       string `yaml:"code,omitempty"`
	Message    string `yaml:"message,omitempty"`
	RetryAfter string `yaml:"retry_after,omitempty"`
}

// SyncStep names the entities to resync; empty means all.
type SyncStep struct {
	Entities []string `yaml:"entities"`
}

// Kind names the step's action, or "" when it names none or several.
func (s Step) Kind() string {
	var kinds []string
	if s.Enqueue != nil {
		kinds = append(kinds, "enqueue")
	}
	if s.Online != nil {
		kinds = append(kinds, "online")
	}
	if s.RemoteDown != nil {
		kinds = append(kinds, "remote_down")
	}
	if s.Fail != nil {
		kinds = append(kinds, "fail")
	}
	if s.Drain {
		kinds = append(kinds, "drain")
	}
	if s.Advance != "" {
		kinds = append(kinds, "advance")
	}
	if s.Sync != nil {
		kinds = append(kinds, "sync")
	}
	if s.Retry != 0 {
		kinds = append(kinds, "retry")
	}
	if s.Discard != 0 {
		kinds = append(kinds, "discard")
	}
	if s.Reset {
		kinds = append(kinds, "reset")
	}
	if len(kinds) != 1 {
		return ""
	}
	return kinds[0]
}

// Assertion validates final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "status": Status equals the final sync status, e.g. "failed(1)"
	// - "task": the outbox task ID matches Expect
	// - "mirror": the local row Entity/Key matches Expect, or is Absent
	// - "remote": the server row Entity/Key matches Expect, or is Absent
	// - "call_order": the calls for Entity/Key were exactly Ops
	// - "call_count": Op on Entity was called Count times
	Type string `yaml:"type"`

	Status string `yaml:"status,omitempty"`

	ID int64 `yaml:"id,omitempty"`

	Entity string `yaml:"entity,omitempty"`
	Key    string `yaml:"key,omitempty"`

	// Expect is a subset match: only listed fields are compared.
	Expect map[string]any `yaml:"expect,omitempty"`

	Absent bool `yaml:"absent,omitempty"`

	Ops []string `yaml:"ops,omitempty"`

	Op    string `yaml:"op,omitempty"`
	Count int    `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertStatus    = "status"
	AssertTask      = "task"
	AssertMirror    = "mirror"
	AssertRemote    = "remote"
	AssertCallOrder = "call_order"
	AssertCallCount = "call_count"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
// A relative Registry path is resolved against the file's directory.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	// Strict decoding catches typos like "assertion:" vs "assertions:".
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if scenario.Registry != "" && !filepath.IsAbs(scenario.Registry) {
		scenario.Registry = filepath.Join(filepath.Dir(path), scenario.Registry)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	return &scenario, nil
}

// Discover loads every *.yaml scenario in dir, sorted by file name.
// Names must be unique because they name golden files.
func Discover(dir string) ([]*Scenario, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, fmt.Errorf("discover scenarios: %w", err)
	}
	sort.Strings(paths)

	seen := make(map[string]string, len(paths))
	out := make([]*Scenario, 0, len(paths))
	for _, p := range paths {
		s, err := LoadScenario(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(p), err)
		}
		if prev, dup := seen[s.Name]; dup {
			return nil, fmt.Errorf("scenario name %q used by both %s and %s", s.Name, filepath.Base(prev), filepath.Base(p))
		}
		seen[s.Name] = p
		out = append(out, s)
	}
	return out, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	if s.Registry != "" {
		if _, err := os.Stat(s.Registry); os.IsNotExist(err) {
			return fmt.Errorf("registry directory not found: %s", s.Registry)
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(i, step); err != nil {
			return err
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}

	return nil
}

func validateStep(index int, s Step) error {
	switch s.Kind() {
	case "":
		return fmt.Errorf("steps[%d]: exactly one action is required", index)
	case "enqueue":
		if s.Enqueue.Entity == "" {
			return fmt.Errorf("steps[%d].enqueue: entity is required", index)
		}
		if !store.Operation(s.Enqueue.Op).Valid() {
			return fmt.Errorf("steps[%d].enqueue: invalid op %q", index, s.Enqueue.Op)
		}
		if s.Enqueue.Payload == nil {
			return fmt.Errorf("steps[%d].enqueue: payload is required", index)
		}
	case "fail":
		if s.Fail.Op == "" || s.Fail.Entity == "" {
			return fmt.Errorf("steps[%d].fail: op and entity are required", index)
		}
		if s.Fail.Status < 400 || s.Fail.Status > 599 {
			return fmt.Errorf("steps[%d].fail: status must be an HTTP error status", index)
		}
		if s.Fail.RetryAfter != "" {
			if _, err := time.ParseDuration(s.Fail.RetryAfter); err != nil {
				return fmt.Errorf("steps[%d].fail: retry_after: %w", index, err)
			}
		}
	case "advance":
		d, err := time.ParseDuration(s.Advance)
		if err != nil {
			return fmt.Errorf("steps[%d].advance: %w", index, err)
		}
		if d <= 0 {
			return fmt.Errorf("steps[%d].advance: duration must be positive", index)
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertStatus:
		if a.Status == "" {
			return fmt.Errorf("assertions[%d]: status is required for status", index)
		}
	case AssertTask:
		if a.ID <= 0 {
			return fmt.Errorf("assertions[%d]: id is required for task", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for task", index)
		}
	case AssertMirror, AssertRemote:
		if a.Entity == "" || a.Key == "" {
			return fmt.Errorf("assertions[%d]: entity and key are required for %s", index, a.Type)
		}
		if !a.Absent && len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect or absent is required for %s", index, a.Type)
		}
	case AssertCallOrder:
		if a.Entity == "" || a.Key == "" {
			return fmt.Errorf("assertions[%d]: entity and key are required for call_order", index)
		}
		if len(a.Ops) == 0 {
			return fmt.Errorf("assertions[%d]: ops list is required for call_order", index)
		}
	case AssertCallCount:
		if a.Op == "" || a.Entity == "" {
			return fmt.Errorf("assertions[%d]: op and entity are required for call_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for call_count", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
