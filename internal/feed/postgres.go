package feed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
)

// DefaultChannel is the NOTIFY channel the server's change trigger uses.
const DefaultChannel = "fibersync_changes"

// PostgresSource listens for NOTIFY payloads on a Postgres channel. The
// payload of each notification is a JSON event as accepted by DecodeEvent.
// pq's listener reconnects on its own; each reconnect is surfaced as a
// Resync event.
type PostgresSource struct {
	DSN     string
	Channel string
	Logger  *slog.Logger
	// PingInterval is how often an idle listener checks its connection.
	// Zero means 90s.
	PingInterval time.Duration
}

var _ Source = (*PostgresSource)(nil)

// Subscribe starts listening. The initial LISTEN must succeed.
func (s *PostgresSource) Subscribe(ctx context.Context) (<-chan Event, error) {
	channel := s.Channel
	if channel == "" {
		channel = DefaultChannel
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	listener := pq.NewListener(s.DSN, 250*time.Millisecond, 30*time.Second,
		func(ev pq.ListenerEventType, err error) {
			switch ev {
			case pq.ListenerEventDisconnected:
				logger.Warn("change feed disconnected", "channel", channel, "error", err)
			case pq.ListenerEventConnectionAttemptFailed:
				logger.Debug("change feed reconnect failed", "channel", channel, "error", err)
			case pq.ListenerEventReconnected:
				logger.Info("change feed reconnected", "channel", channel)
			}
		})
	if err := listener.Listen(channel); err != nil {
		listener.Close()
		return nil, fmt.Errorf("listen %s: %w", channel, err)
	}

	out := make(chan Event, 64)
	go s.run(ctx, listener, logger, out)
	return out, nil
}

func (s *PostgresSource) run(ctx context.Context, listener *pq.Listener, logger *slog.Logger, out chan<- Event) {
	defer close(out)
	defer listener.Close()

	interval := s.PingInterval
	if interval <= 0 {
		interval = 90 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-listener.Notify:
			if !ok {
				return
			}
			ev, keep := notificationEvent(n, logger)
			if !keep {
				continue
			}
			if !send(ctx, out, ev) {
				return
			}
		case <-ticker.C:
			if err := listener.Ping(); err != nil {
				logger.Debug("change feed ping failed", "error", err)
			}
		}
	}
}

// notificationEvent converts one listener notification. pq sends nil after
// re-establishing a dropped connection.
func notificationEvent(n *pq.Notification, logger *slog.Logger) (Event, bool) {
	if n == nil {
		return Event{Op: OpResync}, true
	}
	ev, err := DecodeEvent([]byte(n.Extra))
	if err != nil {
		logger.Warn("dropping change notification", "channel", n.Channel, "error", err)
		return Event{}, false
	}
	return ev, true
}
