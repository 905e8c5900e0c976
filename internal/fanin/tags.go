package fanin

import (
	"sort"

	"github.com/roach88/fibersync/internal/registry"
)

// DefaultTags are the tags of a table with no explicit invalidation list.
func DefaultTags(table string) []string {
	return []string{"table:" + table, "table:v_" + table, table + "-data"}
}

// Tags expands changed tables to the cache tags that depend on them: the
// table itself, its invalidation list (or DefaultTags when it has none),
// and every view built on it together with the view's own list.
func Tags(reg *registry.Registry, tables ...string) []string {
	set := make(map[string]bool)
	for _, t := range tables {
		set[t] = true
		var e *registry.Entity
		if reg != nil {
			e, _ = reg.Entity(t)
		}
		if e != nil && len(e.Invalidates) > 0 {
			for _, tag := range e.Invalidates {
				set[tag] = true
			}
		} else {
			for _, tag := range DefaultTags(t) {
				set[tag] = true
			}
		}
		if reg == nil {
			continue
		}
		for _, v := range reg.Views(t) {
			set[v.Name] = true
			for _, tag := range v.Invalidates {
				set[tag] = true
			}
		}
	}
	out := make([]string, 0, len(set))
	for tag := range set {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// AllTags expands every registered entity.
func AllTags(reg *registry.Registry) []string {
	if reg == nil {
		return nil
	}
	entities := reg.Entities()
	names := make([]string, len(entities))
	for i, e := range entities {
		names[i] = e.Name
	}
	return Tags(reg, names...)
}
