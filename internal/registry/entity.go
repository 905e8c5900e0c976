package registry

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/roach88/fibersync/internal/record"
)

// Strategy selects how an entity is resynced from the server.
type Strategy string

const (
	// StrategyFull replaces the whole mirror table.
	StrategyFull Strategy = "full"
	// StrategyIncremental fetches only rows newer than the local maximum of
	// the entity's timestamp column.
	StrategyIncremental Strategy = "incremental"
)

var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// ValidIdentifier reports whether s may be used as an entity or field name.
// Names are interpolated into SQL identifiers and JSON paths.
func ValidIdentifier(s string) bool {
	return identRe.MatchString(s)
}

// Entity is one mirrored table or view.
type Entity struct {
	Name            string
	Key             []string
	Indexes         []string
	View            bool
	Related         string
	Sync            Strategy
	TimestampColumn string
	Invalidates     []string
	Ephemeral       bool

	schema *jsonschema.Schema
}

// HasSchema reports whether rows of this entity are validated.
func (e *Entity) HasSchema() bool {
	return e.schema != nil
}

// KeyShape identifies the primary-key layout. Mirror tables are rebuilt only
// when this changes.
func (e *Entity) KeyShape() string {
	h, err := record.Hash(record.DomainSchema, e.Key)
	if err != nil {
		// Key holds plain strings; canonical encoding cannot fail.
		panic(err)
	}
	return h
}

// RowKey extracts the primary key of row.
func (e *Entity) RowKey(row record.Row) (string, error) {
	return row.Key(e.Key)
}

// Procedure is a remote procedure known to the cache policy.
type Procedure struct {
	Name      string
	Ephemeral bool
}

// Registry is an immutable set of entities and procedures.
type Registry struct {
	entities   map[string]*Entity
	procedures map[string]Procedure
}

// Entity looks up an entity by name.
func (r *Registry) Entity(name string) (*Entity, bool) {
	e, ok := r.entities[name]
	return e, ok
}

// Entities returns all entities sorted by name.
func (r *Registry) Entities() []*Entity {
	out := make([]*Entity, 0, len(r.entities))
	for _, e := range r.entities {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Views returns the views whose related table is table, sorted by name.
func (r *Registry) Views(table string) []*Entity {
	var out []*Entity
	for _, e := range r.entities {
		if e.View && e.Related == table {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Procedure looks up a remote procedure by name.
func (r *Registry) Procedure(name string) (Procedure, bool) {
	p, ok := r.procedures[name]
	return p, ok
}

// ValidateRow checks row against the entity's JSON Schema. Entities without
// a schema accept any object.
func (r *Registry) ValidateRow(entity string, row record.Row) error {
	e, ok := r.entities[entity]
	if !ok {
		return fmt.Errorf("unknown entity %q", entity)
	}
	if e.schema == nil {
		return nil
	}
	if err := e.schema.Validate(toSchemaValue(row)); err != nil {
		return fmt.Errorf("%s row: %w", entity, err)
	}
	return nil
}

// toSchemaValue strips the named Row type, which the validator does not
// recognise as an object.
func toSchemaValue(v any) any {
	switch val := v.(type) {
	case record.Row:
		return toSchemaValue(map[string]any(val))
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = toSchemaValue(elem)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = toSchemaValue(elem)
		}
		return out
	default:
		return v
	}
}

func (r *Registry) validate() error {
	for _, e := range r.Entities() {
		if !ValidIdentifier(e.Name) {
			return &LoadError{Field: "entity." + e.Name, Message: "invalid entity name"}
		}
		if len(e.Key) == 0 {
			return &LoadError{Field: "entity." + e.Name + ".key", Message: "at least one key field is required"}
		}
		seen := map[string]bool{}
		for _, f := range append(append([]string{}, e.Key...), e.Indexes...) {
			if !ValidIdentifier(f) {
				return &LoadError{Field: "entity." + e.Name, Message: fmt.Sprintf("invalid field name %q", f)}
			}
			if seen[f] && !contains(e.Key, f) {
				return &LoadError{Field: "entity." + e.Name + ".indexes", Message: fmt.Sprintf("duplicate index %q", f)}
			}
			seen[f] = true
		}
		switch e.Sync {
		case StrategyFull:
		case StrategyIncremental:
			if e.TimestampColumn == "" {
				return &LoadError{Field: "entity." + e.Name + ".timestamp_column", Message: "incremental sync requires a timestamp column"}
			}
			if !ValidIdentifier(e.TimestampColumn) {
				return &LoadError{Field: "entity." + e.Name + ".timestamp_column", Message: "invalid field name"}
			}
		default:
			return &LoadError{Field: "entity." + e.Name + ".sync", Message: fmt.Sprintf("unknown strategy %q", e.Sync)}
		}
		if e.Related != "" {
			if _, ok := r.entities[e.Related]; !ok {
				return &LoadError{Field: "entity." + e.Name + ".related", Message: fmt.Sprintf("unknown entity %q", e.Related)}
			}
		}
		for _, tag := range e.Invalidates {
			if tag == "" {
				return &LoadError{Field: "entity." + e.Name + ".invalidates", Message: "empty tag"}
			}
		}
	}
	for name := range r.procedures {
		if !ValidIdentifier(name) {
			return &LoadError{Field: "procedure." + name, Message: "invalid procedure name"}
		}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
