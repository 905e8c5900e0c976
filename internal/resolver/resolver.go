// Package resolver decides whether a read is served from the network or
// from the local mirror.
//
// Policy, in order:
//  1. Offline: serve the local fetch. The network is never touched.
//  2. Online: run the network fetch, persist its result, return it.
//  3. A network-class failure falls back to the local fetch and marks the
//     result Stale. This is not an error.
//  4. Any other failure (4xx, validation, malformed data) is returned as
//     the result's error. It never falls back.
//
// Concurrent reads of one key share a single network request. A request in
// flight when the link drops is canceled and resolves to the fallback.
package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/roach88/fibersync/internal/record"
	"github.com/roach88/fibersync/internal/remote"
)

// ErrWentOffline is the cause of a network fetch canceled because the link
// dropped.
var ErrWentOffline = errors.New("connectivity lost during request")

// Source says where a result came from.
type Source string

const (
	SourceNetwork Source = "network"
	SourceLocal   Source = "local"
)

// Mode selects the read strategy.
type Mode int

const (
	// NetworkFirst waits for the network and falls back to local data.
	NetworkFirst Mode = iota
	// LocalFirst returns local data at once with IsLoading set and delivers
	// the network result to OnUpdate when it settles.
	LocalFirst
)

func (m Mode) String() string {
	if m == LocalFirst {
		return "local-first"
	}
	return "network-first"
}

// Value is what a fetch produces: rows for entity reads, a raw JSON
// document for procedure calls.
type Value struct {
	Rows []record.Row
	Raw  json.RawMessage
}

// Result is a settled read.
type Result struct {
	Value
	Source Source
	// Stale is set when the network was tried and failed, so local data is
	// shown instead.
	Stale bool
	// IsLoading is set on a LocalFirst result whose network read is still
	// running.
	IsLoading bool
	Err       error
}

// Fetch produces a value.
type Fetch func(ctx context.Context) (Value, error)

// Options tune one resolution.
type Options struct {
	Mode Mode
	// Persist stores a successful network value locally. It runs once per
	// shared request.
	Persist func(ctx context.Context, v Value) error
	// OnUpdate receives the background result of a LocalFirst read.
	OnUpdate func(Result)
}

// Connectivity is the link state the resolver consults.
type Connectivity interface {
	Online() bool
	// WentOffline returns a channel that is closed while the link is down.
	WentOffline() <-chan struct{}
}

// Resolver is safe for concurrent use.
type Resolver struct {
	conn   Connectivity
	logger *slog.Logger
	group  singleflight.Group

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	watches map[int]*watch
	nextID  int
}

// Option configures a Resolver.
type Option func(*Resolver)

func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// New creates a resolver. Close stops its background work.
func New(conn Connectivity, opts ...Option) *Resolver {
	r := &Resolver{
		conn:    conn,
		logger:  slog.Default(),
		watches: make(map[int]*watch),
	}
	r.base, r.cancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Close cancels background reads and waits for them to finish.
func (r *Resolver) Close() {
	r.cancel()
	r.wg.Wait()
}

// Resolve reads key. Rows and errors are reported in the Result.
func (r *Resolver) Resolve(ctx context.Context, key string, online, local Fetch, opts Options) Result {
	if !r.conn.Online() {
		return r.localResult(ctx, local, false)
	}
	if opts.Mode == LocalFirst {
		res := r.localResult(ctx, local, false)
		res.IsLoading = true
		r.background(func(bg context.Context) {
			final := r.networkResult(bg, key, online, local, opts.Persist)
			if opts.OnUpdate != nil {
				opts.OnUpdate(final)
			}
		})
		return res
	}
	return r.networkResult(ctx, key, online, local, opts.Persist)
}

func (r *Resolver) localResult(ctx context.Context, local Fetch, stale bool) Result {
	v, err := local(ctx)
	if err != nil {
		return Result{Source: SourceLocal, Stale: stale, Err: fmt.Errorf("local read: %w", err)}
	}
	return Result{Value: v, Source: SourceLocal, Stale: stale}
}

type flight struct {
	value      Value
	persistErr error
}

func (r *Resolver) networkResult(ctx context.Context, key string, online, local Fetch, persist func(context.Context, Value) error) Result {
	ch := r.group.DoChan(key, func() (any, error) {
		return r.fetch(key, online, persist)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return Result{Source: SourceNetwork, Err: ctx.Err()}
	}

	if res.Err != nil {
		if remote.IsNetworkClass(res.Err) {
			r.logger.Debug("network read failed, serving local data", "key", key, "error", res.Err)
			return r.localResult(ctx, local, true)
		}
		return Result{Source: SourceNetwork, Err: res.Err}
	}
	f := res.Val.(flight)
	out := Result{Value: f.value, Source: SourceNetwork}
	if f.persistErr != nil {
		out.Err = f.persistErr
	}
	return out
}

// fetch runs one shared network request. It is detached from any single
// caller's context and canceled when the link drops.
func (r *Resolver) fetch(key string, online Fetch, persist func(context.Context, Value) error) (any, error) {
	ctx, cancel := context.WithCancelCause(r.base)
	defer cancel(nil)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-r.conn.WentOffline():
			cancel(ErrWentOffline)
		case <-stop:
		case <-ctx.Done():
		}
	}()

	v, err := online(ctx)
	if err != nil {
		if errors.Is(context.Cause(ctx), ErrWentOffline) {
			return nil, &remote.NetworkError{Op: "read " + key, Err: ErrWentOffline}
		}
		return nil, err
	}
	f := flight{value: v}
	if persist != nil {
		if err := persist(context.WithoutCancel(ctx), v); err != nil {
			r.logger.Error("persist network result failed", "key", key, "error", err)
			f.persistErr = fmt.Errorf("persist %s: %w", key, err)
		}
	}
	return f, nil
}

func (r *Resolver) background(fn func(ctx context.Context)) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn(r.base)
	}()
}
