// Package connectivity tracks whether the remote service is reachable.
package connectivity

import (
	"log/slog"
	"sync"
)

// Monitor holds the online flag and notifies subscribers of transitions.
// The zero value is not usable; call NewMonitor.
type Monitor struct {
	mu      sync.Mutex
	online  bool
	offline chan struct{} // closed while offline
	subs    map[int]chan bool
	nextID  int
}

// NewMonitor creates a monitor in the given state.
func NewMonitor(online bool) *Monitor {
	m := &Monitor{
		online:  online,
		offline: make(chan struct{}),
		subs:    make(map[int]chan bool),
	}
	if !online {
		close(m.offline)
	}
	return m
}

// Online reports the current state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Set records a new state and reports whether it changed.
func (m *Monitor) Set(online bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.online == online {
		return false
	}
	m.online = online
	if online {
		m.offline = make(chan struct{})
	} else {
		close(m.offline)
	}
	slog.Info("connectivity changed", "online", online)
	for _, ch := range m.subs {
		// Latest value wins for slow subscribers.
		select {
		case <-ch:
		default:
		}
		ch <- online
	}
	return true
}

// WentOffline returns a channel that is closed once the monitor is offline.
// It is already closed if the monitor is offline now.
func (m *Monitor) WentOffline() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offline
}

// Subscribe returns a channel receiving each new state and a function that
// ends the subscription. A subscriber that falls behind sees only the
// latest state.
func (m *Monitor) Subscribe() (<-chan bool, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	ch := make(chan bool, 1)
	m.subs[id] = ch
	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}
