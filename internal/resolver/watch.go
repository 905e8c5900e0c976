package resolver

import (
	"context"
	"sync"
)

// Query is a live read. It is re-resolved when the link comes back, on
// Focus, and when any of its Tags is invalidated. There is no timer.
type Query struct {
	Key    string
	Tags   []string
	Online Fetch
	Local  Fetch
	Mode   Mode
	// Persist is passed through to Options.
	Persist func(ctx context.Context, v Value) error
}

type watch struct {
	id      int
	q       Query
	deliver func(Result)

	// deliverMu keeps deliveries in order without holding mu during the
	// callback, so the callback may unwatch.
	deliverMu sync.Mutex

	mu        sync.Mutex
	started   uint64
	delivered uint64
	closed    bool
}

// Watch registers q and resolves it once in the background. fn receives
// every result in order; a result that settles after a newer one is
// dropped. The returned function unregisters the query.
func (r *Resolver) Watch(q Query, fn func(Result)) (unwatch func()) {
	r.mu.Lock()
	r.nextID++
	w := &watch{id: r.nextID, q: q, deliver: fn}
	r.watches[w.id] = w
	r.mu.Unlock()

	r.refresh(w)
	return func() {
		r.mu.Lock()
		delete(r.watches, w.id)
		r.mu.Unlock()
		w.mu.Lock()
		w.closed = true
		w.mu.Unlock()
	}
}

// Focus re-resolves every live query, as when the user returns to the app.
func (r *Resolver) Focus() int {
	return r.refreshMatching(func(*watch) bool { return true })
}

// Reconnected re-resolves every live query after the link comes back.
func (r *Resolver) Reconnected() int {
	return r.refreshMatching(func(*watch) bool { return true })
}

// Invalidate re-resolves the live queries carrying any of tags and returns
// how many were refreshed.
func (r *Resolver) Invalidate(tags ...string) int {
	want := make(map[string]bool, len(tags))
	for _, t := range tags {
		want[t] = true
	}
	return r.refreshMatching(func(w *watch) bool {
		for _, t := range w.q.Tags {
			if want[t] {
				return true
			}
		}
		return false
	})
}

// Watches returns the number of live queries.
func (r *Resolver) Watches() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.watches)
}

func (r *Resolver) refreshMatching(match func(*watch) bool) int {
	r.mu.Lock()
	var hits []*watch
	for _, w := range r.watches {
		if match(w) {
			hits = append(hits, w)
		}
	}
	r.mu.Unlock()
	for _, w := range hits {
		r.refresh(w)
	}
	return len(hits)
}

func (r *Resolver) refresh(w *watch) {
	w.mu.Lock()
	w.started++
	seq := w.started
	w.mu.Unlock()

	r.background(func(ctx context.Context) {
		opts := Options{Mode: w.q.Mode, Persist: w.q.Persist}
		if w.q.Mode == LocalFirst {
			opts.OnUpdate = func(res Result) { w.offer(seq, res, true) }
		}
		res := r.Resolve(ctx, w.q.Key, w.q.Online, w.q.Local, opts)
		w.offer(seq, res, !res.IsLoading)
	})
}

// offer delivers res unless a newer refresh has already delivered a final
// result. Interim LocalFirst results never overwrite a final one from the
// same or a later refresh.
func (w *watch) offer(seq uint64, res Result, final bool) {
	w.deliverMu.Lock()
	defer w.deliverMu.Unlock()
	w.mu.Lock()
	if w.closed || seq < w.delivered || (!final && seq == w.delivered) {
		w.mu.Unlock()
		return
	}
	if final {
		w.delivered = seq
	}
	deliver := w.deliver
	w.mu.Unlock()
	if deliver != nil {
		deliver(res)
	}
}
