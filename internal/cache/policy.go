// Package cache holds the short-lived network-response cache and the policy
// that keeps it from persisting data the mirror already owns.
package cache

import (
	"sync/atomic"

	"github.com/roach88/fibersync/internal/query"
	"github.com/roach88/fibersync/internal/registry"
)

// Policy decides which cache keys are mirror-managed. It fails closed: a key
// that cannot be parsed, or names an entity or procedure the registry does
// not list as ephemeral, is mirror-managed.
type Policy struct {
	reg atomic.Pointer[registry.Registry]
}

// NewPolicy creates a policy over reg.
func NewPolicy(reg *registry.Registry) *Policy {
	p := &Policy{}
	p.reg.Store(reg)
	return p
}

// SetRegistry swaps in a reloaded registry.
func (p *Policy) SetRegistry(reg *registry.Registry) {
	p.reg.Store(reg)
}

// IsMirrorManaged reports whether entries under key must never be persisted.
func (p *Policy) IsMirrorManaged(key string) bool {
	kind, name, ok := query.ParseKey(key)
	if !ok {
		return true
	}
	reg := p.reg.Load()
	if reg == nil {
		return true
	}
	switch kind {
	case query.KindEntity:
		e, ok := reg.Entity(name)
		return !ok || !e.Ephemeral
	case query.KindProcedure:
		proc, ok := reg.Procedure(name)
		return !ok || !proc.Ephemeral
	}
	return true
}
