package testutil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/roach88/fibersync/internal/query"
	"github.com/roach88/fibersync/internal/record"
	"github.com/roach88/fibersync/internal/registry"
	"github.com/roach88/fibersync/internal/remote"
)

// RemoteCall records one request made to a FakeRemote.
type RemoteCall struct {
	Op     string // select, insert, update, delete, call
	Entity string // entity or procedure name
	Key    string
}

// FakeRemote is an in-memory remote.Service keyed by the registry's
// primary keys. Inserts upsert and merge like the real service.
//
// Failures are scripted: SetOffline makes every call fail with a
// *remote.NetworkError, FailNext queues errors for one (op, entity) pair,
// and OnCall runs before each call to inject latency or block.
type FakeRemote struct {
	mu       sync.Mutex
	reg      *registry.Registry
	tables   map[string]map[string]record.Row
	offline  bool
	failures map[string][]error
	calls    []RemoteCall
	procs    map[string]func(args map[string]any) (any, error)
	hook     func(ctx context.Context, call RemoteCall) error
	stamp    func(entity string, row record.Row)
}

var _ remote.Service = (*FakeRemote)(nil)

// NewFakeRemote creates an empty service for the entities in reg.
func NewFakeRemote(reg *registry.Registry) *FakeRemote {
	return &FakeRemote{
		reg:      reg,
		tables:   make(map[string]map[string]record.Row),
		failures: make(map[string][]error),
		procs:    make(map[string]func(args map[string]any) (any, error)),
	}
}

// Seed stores rows without recording a call. It panics on rows without a
// key, which is a bug in the test.
func (f *FakeRemote) Seed(entity string, rows ...record.Row) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := f.mustEntity(entity)
	for _, r := range rows {
		key, err := e.RowKey(r)
		if err != nil {
			panic(fmt.Sprintf("seed %s: %v", entity, err))
		}
		f.table(entity)[key] = wire(r)
	}
}

// Row returns the stored row for key.
func (f *FakeRemote) Row(entity, key string) (record.Row, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.tables[entity][key]
	if !ok {
		return nil, false
	}
	return wire(r), true
}

// Rows returns every stored row of entity ordered by key.
func (f *FakeRemote) Rows(entity string) []record.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sortedLocked(entity)
}

// SetOffline makes every call fail with a network error while true.
func (f *FakeRemote) SetOffline(offline bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = offline
}

// FailNext queues errs to be returned, one per call, by op on entity.
func (f *FakeRemote) FailNext(op, entity string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := op + ":" + entity
	f.failures[k] = append(f.failures[k], errs...)
}

// FailNextFor is FailNext narrowed to the record with the given key. These
// failures are consumed before the entity-wide ones.
func (f *FakeRemote) FailNextFor(op, entity, key string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := op + ":" + entity + ":" + key
	f.failures[k] = append(f.failures[k], errs...)
}

// OnCall installs a hook run before each call, outside the fake's lock.
// A non-nil error is returned to the caller.
func (f *FakeRemote) OnCall(hook func(ctx context.Context, call RemoteCall) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hook = hook
}

// SetStamp installs a function applied to every written row before it is
// stored, standing in for server-maintained columns.
func (f *FakeRemote) SetStamp(stamp func(entity string, row record.Row)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stamp = stamp
}

// HandleProcedure overrides or adds a procedure.
func (f *FakeRemote) HandleProcedure(name string, fn func(args map[string]any) (any, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.procs[name] = fn
}

// Calls returns the calls made so far.
func (f *FakeRemote) Calls() []RemoteCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]RemoteCall(nil), f.calls...)
}

// CountCalls returns how many calls of op were made.
func (f *FakeRemote) CountCalls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// ResetCalls forgets recorded calls.
func (f *FakeRemote) ResetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

// Select implements remote.Service.
func (f *FakeRemote) Select(ctx context.Context, d query.Descriptor) ([]record.Row, error) {
	if err := f.begin(ctx, RemoteCall{Op: "select", Entity: d.Entity}); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.reg.Entity(d.Entity)
	if !ok {
		return nil, notFound(d.Entity)
	}
	return d.Apply(f.sortedLocked(d.Entity), keyFunc(e)), nil
}

// Insert implements remote.Service.
func (f *FakeRemote) Insert(ctx context.Context, entity string, row record.Row) (record.Row, error) {
	e, ok := f.reg.Entity(entity)
	if !ok {
		return nil, notFound(entity)
	}
	key, err := e.RowKey(row)
	if err != nil {
		return nil, &remote.HTTPError{StatusCode: http.StatusBadRequest, Code: "23502", Message: err.Error()}
	}
	if err := f.begin(ctx, RemoteCall{Op: "insert", Entity: entity, Key: key}); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	merged := wire(row)
	if existing, ok := f.tables[entity][key]; ok {
		merged = existing.Merge(merged)
	}
	return f.storeLocked(entity, key, merged), nil
}

// Update implements remote.Service.
func (f *FakeRemote) Update(ctx context.Context, entity string, key, patch record.Row) (record.Row, error) {
	e, ok := f.reg.Entity(entity)
	if !ok {
		return nil, notFound(entity)
	}
	k, err := e.RowKey(key)
	if err != nil {
		return nil, &remote.HTTPError{StatusCode: http.StatusBadRequest, Message: err.Error()}
	}
	if err := f.begin(ctx, RemoteCall{Op: "update", Entity: entity, Key: k}); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	existing, ok := f.tables[entity][k]
	if !ok {
		return nil, nil
	}
	return f.storeLocked(entity, k, existing.Merge(wire(patch))), nil
}

// Delete implements remote.Service.
func (f *FakeRemote) Delete(ctx context.Context, entity string, key record.Row) error {
	e, ok := f.reg.Entity(entity)
	if !ok {
		return notFound(entity)
	}
	k, err := e.RowKey(key)
	if err != nil {
		return &remote.HTTPError{StatusCode: http.StatusBadRequest, Message: err.Error()}
	}
	if err := f.begin(ctx, RemoteCall{Op: "delete", Entity: entity, Key: k}); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tables[entity], k)
	return nil
}

// Call implements remote.Service. get_paged_data is built in unless
// overridden.
func (f *FakeRemote) Call(ctx context.Context, procedure string, args map[string]any) (json.RawMessage, error) {
	if err := f.begin(ctx, RemoteCall{Op: "call", Entity: procedure}); err != nil {
		return nil, err
	}
	f.mu.Lock()
	fn, ok := f.procs[procedure]
	f.mu.Unlock()

	var (
		result any
		err    error
	)
	switch {
	case ok:
		result, err = fn(args)
	case procedure == "get_paged_data":
		result, err = f.pagedData(args)
	default:
		return nil, notFound("rpc/" + procedure)
	}
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (f *FakeRemote) pagedData(args map[string]any) (any, error) {
	view, _ := args["p_view_name"].(string)
	e, ok := f.reg.Entity(view)
	if !ok {
		return nil, &remote.HTTPError{StatusCode: http.StatusBadRequest, Code: "P0001", Message: "unknown view " + view}
	}
	d := query.Descriptor{Entity: view}

	if filters, ok := args["p_filters"].(map[string]any); ok && len(filters) > 0 {
		fields := make([]string, 0, len(filters))
		for field := range filters {
			fields = append(fields, field)
		}
		sort.Strings(fields)
		var preds []query.Predicate
		for _, field := range fields {
			p, err := pagedFilter(field, filters[field])
			if err != nil {
				return nil, &remote.HTTPError{StatusCode: http.StatusBadRequest, Message: err.Error()}
			}
			preds = append(preds, p)
		}
		d.Filter = query.And{Predicates: preds}
	}
	if orderBy, _ := args["p_order_by"].(string); orderBy != "" {
		dir, _ := args["p_order_dir"].(string)
		d.OrderBy = []query.Order{{Field: orderBy, Desc: dir == "desc"}}
	}

	f.mu.Lock()
	all := d.Apply(f.sortedLocked(view), keyFunc(e))
	f.mu.Unlock()

	limit, offset := intArg(args["p_limit"]), intArg(args["p_offset"])
	page := all
	if offset >= len(page) {
		page = []record.Row{}
	} else {
		page = page[offset:]
	}
	if limit > 0 && limit < len(page) {
		page = page[:limit]
	}
	return map[string]any{"data": page, "total_count": len(all)}, nil
}

var pagedOps = map[string]query.Op{">": query.OpGt, ">=": query.OpGte, "<": query.OpLt, "<=": query.OpLte}

func pagedFilter(field string, v any) (query.Predicate, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return query.Eq{Field: field, Value: v}, nil
	}
	opName, _ := m["operator"].(string)
	if opName == "=" {
		return query.Eq{Field: field, Value: m["value"]}, nil
	}
	op, ok := pagedOps[opName]
	if !ok {
		return nil, fmt.Errorf("unsupported operator %q on %s", opName, field)
	}
	return query.Cmp{Field: field, Op: op, Value: m["value"]}, nil
}

func intArg(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	}
	return 0
}

func (f *FakeRemote) begin(ctx context.Context, call RemoteCall) error {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	hook := f.hook
	f.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, call); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline {
		return &remote.NetworkError{Op: call.Op + " " + call.Entity, Err: errors.New("connection refused")}
	}
	for _, k := range []string{call.Op + ":" + call.Entity + ":" + call.Key, call.Op + ":" + call.Entity} {
		if q := f.failures[k]; len(q) > 0 {
			f.failures[k] = q[1:]
			return q[0]
		}
	}
	return nil
}

func (f *FakeRemote) storeLocked(entity, key string, row record.Row) record.Row {
	if f.stamp != nil {
		f.stamp(entity, row)
	}
	row = wire(row)
	f.table(entity)[key] = row
	return wire(row)
}

func (f *FakeRemote) table(entity string) map[string]record.Row {
	t, ok := f.tables[entity]
	if !ok {
		t = make(map[string]record.Row)
		f.tables[entity] = t
	}
	return t
}

func (f *FakeRemote) sortedLocked(entity string) []record.Row {
	t := f.tables[entity]
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]record.Row, len(keys))
	for i, k := range keys {
		out[i] = wire(t[k])
	}
	return out
}

func (f *FakeRemote) mustEntity(name string) *registry.Entity {
	e, ok := f.reg.Entity(name)
	if !ok {
		panic(fmt.Sprintf("unknown entity %q", name))
	}
	return e
}

func keyFunc(e *registry.Entity) func(record.Row) string {
	return func(r record.Row) string {
		k, _ := e.RowKey(r)
		return k
	}
}

func notFound(name string) error {
	return &remote.HTTPError{StatusCode: http.StatusNotFound, Code: "42P01", Message: fmt.Sprintf("relation %q does not exist", name)}
}

// wire round-trips a row through JSON so callers see the same value types
// the HTTP client decodes.
func wire(r record.Row) record.Row {
	data, err := r.Encode()
	if err != nil {
		panic(err)
	}
	out, err := record.Decode(data)
	if err != nil {
		panic(err)
	}
	return out
}
