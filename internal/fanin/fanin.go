// Package fanin coalesces change notifications into invalidation passes.
//
// Every event adds its table to a pending set and restarts a debounce
// timer. When the timer fires, each pending table is expanded to the tags
// of the cached reads that depend on it and the sinks receive one pass.
// A burst that never pauses is flushed once MaxWait has passed since its
// first event.
package fanin

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/fibersync/internal/clock"
	"github.com/roach88/fibersync/internal/feed"
	"github.com/roach88/fibersync/internal/registry"
)

const DefaultWindow = time.Second

// Pass is one invalidation pass.
type Pass struct {
	// Tables are the changed tables, sorted. Nil after a resync event,
	// which invalidates everything.
	Tables []string
	// Tags are the dependent cache tags, sorted and deduplicated.
	Tags []string
	// All is set when the pass covers every registered entity.
	All bool
}

// Sink receives invalidation passes. Sinks run on the timer's goroutine
// and must not block.
type Sink func(Pass)

// FanIn is safe for concurrent use.
type FanIn struct {
	reg     atomic.Pointer[registry.Registry]
	clock   clock.Clock
	window  time.Duration
	maxWait time.Duration
	logger  *slog.Logger

	mu         sync.Mutex
	sinks      []Sink
	pending    map[string]bool
	all        bool
	timer      clock.Timer
	gen        uint64
	burstStart time.Time
	passes     int
}

// Option configures a FanIn.
type Option func(*FanIn)

func WithClock(c clock.Clock) Option {
	return func(f *FanIn) { f.clock = c }
}

// WithWindow sets the debounce window. MaxWait follows at five windows
// unless set explicitly.
func WithWindow(d time.Duration) Option {
	return func(f *FanIn) {
		if d > 0 {
			f.window = d
		}
	}
}

func WithMaxWait(d time.Duration) Option {
	return func(f *FanIn) { f.maxWait = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(f *FanIn) { f.logger = l }
}

func WithSink(s Sink) Option {
	return func(f *FanIn) { f.sinks = append(f.sinks, s) }
}

// New creates a fan-in over reg.
func New(reg *registry.Registry, opts ...Option) *FanIn {
	f := &FanIn{
		clock:   clock.Real(),
		window:  DefaultWindow,
		logger:  slog.Default(),
		pending: make(map[string]bool),
	}
	f.reg.Store(reg)
	for _, opt := range opts {
		opt(f)
	}
	if f.maxWait <= 0 {
		f.maxWait = 5 * f.window
	}
	return f
}

// SetRegistry swaps in a reloaded registry. Pending tables are expanded
// with whichever registry is current when the pass fires.
func (f *FanIn) SetRegistry(reg *registry.Registry) {
	f.reg.Store(reg)
}

// AddSink registers s for subsequent passes.
func (f *FanIn) AddSink(s Sink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinks = append(f.sinks, s)
}

// Notify records a change to table.
func (f *FanIn) Notify(table string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending[table] = true
	f.scheduleLocked()
}

// NotifyAll records a change to every table, as after a feed reconnect
// when events may have been missed.
func (f *FanIn) NotifyAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.all = true
	f.scheduleLocked()
}

func (f *FanIn) scheduleLocked() {
	now := f.clock.Now()
	if f.timer == nil {
		f.burstStart = now
	} else {
		f.timer.Stop()
	}
	delay := f.window
	if rest := f.burstStart.Add(f.maxWait).Sub(now); rest < delay {
		delay = max(rest, 0)
	}
	f.gen++
	gen := f.gen
	f.timer = f.clock.AfterFunc(delay, func() { f.fire(gen) })
}

// Flush fires any pending pass immediately.
func (f *FanIn) Flush() {
	f.mu.Lock()
	if f.timer == nil {
		f.mu.Unlock()
		return
	}
	f.timer.Stop()
	gen := f.gen
	f.mu.Unlock()
	f.fire(gen)
}

// Pending returns the tables waiting for the next pass, sorted.
func (f *FanIn) Pending() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.pending))
	for t := range f.pending {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Passes returns the number of passes fired so far.
func (f *FanIn) Passes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.passes
}

func (f *FanIn) fire(gen uint64) {
	f.mu.Lock()
	if gen != f.gen || f.timer == nil {
		// Superseded by a later event.
		f.mu.Unlock()
		return
	}
	f.timer = nil
	tables := make([]string, 0, len(f.pending))
	for t := range f.pending {
		tables = append(tables, t)
	}
	all := f.all
	f.pending = make(map[string]bool)
	f.all = false
	f.passes++
	sinks := append([]Sink(nil), f.sinks...)
	f.mu.Unlock()

	sort.Strings(tables)
	pass := Pass{Tables: tables, All: all}
	if all {
		pass.Tables = nil
		pass.Tags = AllTags(f.reg.Load())
	} else {
		pass.Tags = Tags(f.reg.Load(), tables...)
	}
	f.logger.Debug("invalidation pass", "tables", pass.Tables, "all", all, "tags", len(pass.Tags))
	for _, s := range sinks {
		s(pass)
	}
}

// Run subscribes to src and feeds its events in until ctx is done.
func (f *FanIn) Run(ctx context.Context, src feed.Source) error {
	events, err := src.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe change feed: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return ctx.Err()
			}
			if ev.Resync() {
				f.NotifyAll()
				continue
			}
			if ev.Table == "" {
				continue
			}
			f.Notify(ev.Table)
		}
	}
}
