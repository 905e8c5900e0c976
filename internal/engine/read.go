package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/roach88/fibersync/internal/fanin"
	"github.com/roach88/fibersync/internal/query"
	"github.com/roach88/fibersync/internal/record"
	"github.com/roach88/fibersync/internal/resolver"
)

// ReadOptions tune Query, Call and Watch.
type ReadOptions struct {
	Mode resolver.Mode
	// Optimistic merges pending local writes into entity rows. Rows the
	// overlay adds are appended after the resolved ones.
	Optimistic bool
	// Tags are extra invalidation tags. Entity reads are already tagged
	// with their table's tags; procedure calls carry only these.
	Tags []string
	// OnUpdate receives the background result of a LocalFirst read.
	OnUpdate func(resolver.Result)
}

// Query resolves an entity select or a procedure call.
func (e *Engine) Query(ctx context.Context, d query.Descriptor, opts ReadOptions) resolver.Result {
	q, err := e.build(d, opts)
	if err != nil {
		return resolver.Result{Err: err}
	}
	ropts := resolver.Options{Mode: opts.Mode, Persist: q.Persist}
	if opts.OnUpdate != nil {
		ropts.OnUpdate = func(res resolver.Result) {
			opts.OnUpdate(e.finish(context.Background(), d, opts, res))
		}
	}
	res := e.resolver.Resolve(ctx, q.Key, q.Online, q.Local, ropts)
	return e.finish(ctx, d, opts, res)
}

// Call resolves a remote procedure. Results are cached under the call's
// canonical key; procedures on the registry's ephemeral list are also
// persisted so they survive a restart offline.
func (e *Engine) Call(ctx context.Context, procedure string, args map[string]any, opts ReadOptions) resolver.Result {
	return e.Query(ctx, query.Call(procedure, args), opts)
}

// Watch keeps d live: fn receives a result now and again whenever the link
// returns, the app refocuses, or one of the read's tags is invalidated.
func (e *Engine) Watch(d query.Descriptor, opts ReadOptions, fn func(resolver.Result)) (unwatch func(), err error) {
	q, err := e.build(d, opts)
	if err != nil {
		return nil, err
	}
	return e.resolver.Watch(q, func(res resolver.Result) {
		fn(e.finish(context.Background(), d, opts, res))
	}), nil
}

// build turns a descriptor into the resolver's fetch pair.
func (e *Engine) build(d query.Descriptor, opts ReadOptions) (resolver.Query, error) {
	if err := query.Validate(d); err != nil {
		return resolver.Query{}, err
	}
	key, err := d.Key()
	if err != nil {
		return resolver.Query{}, err
	}
	if d.IsProcedure() {
		return e.procedureQuery(d, key, opts), nil
	}

	reg := e.reg.Load()
	ent, ok := reg.Entity(d.Name())
	if !ok {
		return resolver.Query{}, unknownEntity(d.Name())
	}
	tags := append(fanin.Tags(reg, ent.Name), opts.Tags...)

	q := resolver.Query{
		Key:  key,
		Tags: tags,
		Mode: opts.Mode,
		Online: func(ctx context.Context) (resolver.Value, error) {
			rows, err := e.remote.Select(ctx, d)
			if err != nil {
				return resolver.Value{}, err
			}
			return resolver.Value{Rows: rows}, nil
		},
	}
	if ent.Ephemeral {
		q.Persist = e.cachePersist(key, tags, true)
		q.Local = e.cacheLocal(ent.Name, key, true)
		return q, nil
	}
	q.Persist = func(ctx context.Context, v resolver.Value) error {
		return e.store.Put(ctx, ent.Name, v.Rows, e.clock.Now())
	}
	q.Local = func(ctx context.Context) (resolver.Value, error) {
		rows, err := e.store.Query(ctx, d)
		if err != nil {
			return resolver.Value{}, err
		}
		return resolver.Value{Rows: rows}, nil
	}
	return q, nil
}

func (e *Engine) procedureQuery(d query.Descriptor, key string, opts ReadOptions) resolver.Query {
	return resolver.Query{
		Key:  key,
		Tags: opts.Tags,
		Mode: opts.Mode,
		Online: func(ctx context.Context) (resolver.Value, error) {
			raw, err := e.remote.Call(ctx, d.Procedure, d.Args)
			if err != nil {
				return resolver.Value{}, err
			}
			return resolver.Value{Raw: raw}, nil
		},
		Persist: e.cachePersist(key, opts.Tags, false),
		Local:   e.cacheLocal(d.Procedure, key, false),
	}
}

func (e *Engine) cachePersist(key string, tags []string, rows bool) func(context.Context, resolver.Value) error {
	return func(ctx context.Context, v resolver.Value) error {
		data := v.Raw
		if rows {
			var err error
			if data, err = json.Marshal(v.Rows); err != nil {
				return fmt.Errorf("encode rows for %s: %w", key, err)
			}
		}
		_, err := e.cache.Put(ctx, key, tags, data)
		return err
	}
}

// cacheLocal serves the cached copy, fresh or not: offline, an expired
// answer beats none.
func (e *Engine) cacheLocal(name, key string, rows bool) resolver.Fetch {
	return func(context.Context) (resolver.Value, error) {
		entry, ok := e.cache.Get(key)
		if !ok {
			return resolver.Value{}, noLocalCopy(name)
		}
		if !rows {
			return resolver.Value{Raw: entry.Data}, nil
		}
		decoded, err := record.DecodeRows(entry.Data)
		if err != nil {
			return resolver.Value{}, fmt.Errorf("decode cached rows for %s: %w", key, err)
		}
		return resolver.Value{Rows: decoded}, nil
	}
}

// finish applies the optimistic overlay to a settled entity read.
func (e *Engine) finish(ctx context.Context, d query.Descriptor, opts ReadOptions, res resolver.Result) resolver.Result {
	if !opts.Optimistic || d.IsProcedure() {
		return res
	}
	if res.Err != nil && res.Rows == nil {
		return res
	}
	ent, ok := e.reg.Load().Entity(d.Name())
	if !ok || ent.View {
		return res
	}
	overlaid, err := e.outbox.Overlay(ctx, ent.Name, res.Rows)
	if err != nil {
		e.logger.Warn("optimistic overlay failed", "entity", ent.Name, "error", err)
		return res
	}
	res.Rows = matching(d, overlaid)
	return res
}

func matching(d query.Descriptor, rows []record.Row) []record.Row {
	out := make([]record.Row, 0, len(rows))
	for _, r := range rows {
		if d.Matches(r) {
			out = append(out, r)
		}
	}
	return out
}
