package testutil

import (
	"context"
	"sync"

	"github.com/roach88/fibersync/internal/feed"
)

// FakeSource is an in-memory change feed. Events passed to Emit reach every
// live subscriber in order.
type FakeSource struct {
	mu   sync.Mutex
	subs map[chan feed.Event]struct{}
	err  error
}

var _ feed.Source = (*FakeSource)(nil)

// NewFakeSource creates a feed with no subscribers.
func NewFakeSource() *FakeSource {
	return &FakeSource{subs: make(map[chan feed.Event]struct{})}
}

// FailSubscribe makes subsequent Subscribe calls return err.
func (s *FakeSource) FailSubscribe(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Subscribe registers a subscriber until ctx is done.
func (s *FakeSource) Subscribe(ctx context.Context) (<-chan feed.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	ch := make(chan feed.Event, 256)
	s.subs[ch] = struct{}{}
	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, ch)
		close(ch)
	}()
	return ch, nil
}

// Emit delivers events to all subscribers.
func (s *FakeSource) Emit(events ...feed.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range events {
		for ch := range s.subs {
			ch <- ev
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (s *FakeSource) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}
