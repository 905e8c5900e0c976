// Package status derives the user-facing sync state from outbox counts and
// the connectivity flag. It keeps no state of its own beyond the last value
// it reported.
package status

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/roach88/fibersync/internal/store"
)

// Kind is the state machine's state.
type Kind string

const (
	Offline Kind = "offline"
	Failed  Kind = "failed"
	Syncing Kind = "syncing"
	Pending Kind = "pending"
	Synced  Kind = "synced"
)

// Status is a derived state. N counts the tasks behind it.
type Status struct {
	Kind Kind
	N    int
}

// Derive computes the state. Priority: offline, failed, syncing, pending,
// synced. Pending means every queued task is waiting out a backoff delay.
func Derive(c store.TaskCounts, online bool) Status {
	switch {
	case !online:
		return Status{Kind: Offline}
	case c.Failed > 0:
		return Status{Kind: Failed, N: c.Failed}
	case c.Processing > 0 || c.Pending > c.Waiting:
		return Status{Kind: Syncing, N: c.Pending + c.Processing}
	case c.Pending > 0:
		return Status{Kind: Pending, N: c.Pending}
	default:
		return Status{Kind: Synced}
	}
}

var printer = message.NewPrinter(language.English)

// Banner renders the status line shown to the user.
func (s Status) Banner() string {
	switch s.Kind {
	case Offline:
		return "Offline"
	case Failed:
		return printer.Sprintf("%d sync failed", s.N)
	case Syncing:
		if s.N == 1 {
			return "Syncing 1 change…"
		}
		return printer.Sprintf("Syncing %d changes…", s.N)
	case Pending:
		if s.N == 1 {
			return "1 change pending"
		}
		return printer.Sprintf("%d changes pending", s.N)
	default:
		return "Synced"
	}
}

func (s Status) String() string {
	switch s.Kind {
	case Failed, Syncing, Pending:
		return fmt.Sprintf("%s(%d)", s.Kind, s.N)
	}
	return string(s.Kind)
}

// Counter reports outbox counts.
type Counter interface {
	Counts(ctx context.Context) (store.TaskCounts, error)
}

// Connectivity reports the link state.
type Connectivity interface {
	Online() bool
}

// Reporter recomputes the status on demand and tells listeners when it
// changes.
type Reporter struct {
	counter Counter
	conn    Connectivity

	mu        sync.Mutex
	last      Status
	known     bool
	listeners []func(Status)
}

func NewReporter(counter Counter, conn Connectivity) *Reporter {
	return &Reporter{counter: counter, conn: conn}
}

// OnChange registers fn to receive each new status.
func (r *Reporter) OnChange(fn func(Status)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Current derives the status without notifying anyone.
func (r *Reporter) Current(ctx context.Context) (Status, error) {
	c, err := r.counter.Counts(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("derive status: %w", err)
	}
	return Derive(c, r.conn.Online()), nil
}

// Refresh derives the status and notifies listeners if it differs from the
// last one reported.
func (r *Reporter) Refresh(ctx context.Context) (Status, error) {
	s, err := r.Current(ctx)
	if err != nil {
		return Status{}, err
	}
	r.mu.Lock()
	if r.known && r.last == s {
		r.mu.Unlock()
		return s, nil
	}
	r.last, r.known = s, true
	listeners := append([]func(Status){}, r.listeners...)
	r.mu.Unlock()

	for _, fn := range listeners {
		fn(s)
	}
	return s, nil
}

// Last returns the most recently reported status.
func (r *Reporter) Last() (Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last, r.known
}
