package feed

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"nhooyr.io/websocket"
)

// WebSocketSource reads JSON change frames from a websocket endpoint and
// redials with exponential backoff when the connection drops.
type WebSocketSource struct {
	URL    string
	Header http.Header
	Logger *slog.Logger
	// MaxBackoff caps the redial delay. Zero means 30s.
	MaxBackoff time.Duration
}

var _ Source = (*WebSocketSource)(nil)

// Subscribe dials once synchronously so a bad URL or refused handshake is
// reported to the caller, then keeps the feed alive in the background.
func (s *WebSocketSource) Subscribe(ctx context.Context) (<-chan Event, error) {
	conn, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}
	out := make(chan Event, 64)
	go s.run(ctx, conn, out)
	return out, nil
}

func (s *WebSocketSource) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *WebSocketSource) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, s.URL, &websocket.DialOptions{HTTPHeader: s.Header})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (s *WebSocketSource) run(ctx context.Context, conn *websocket.Conn, out chan<- Event) {
	defer close(out)
	for {
		err := s.read(ctx, conn, out)
		conn.CloseNow()
		if ctx.Err() != nil {
			return
		}
		s.logger().Warn("change feed disconnected", "url", s.URL, "error", err)

		conn, err = s.redial(ctx)
		if err != nil {
			return
		}
		if !send(ctx, out, Event{Op: OpResync}) {
			conn.CloseNow()
			return
		}
	}
}

func (s *WebSocketSource) read(ctx context.Context, conn *websocket.Conn, out chan<- Event) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		ev, err := DecodeEvent(data)
		if err != nil {
			s.logger().Warn("dropping change frame", "error", err)
			continue
		}
		if !send(ctx, out, ev) {
			return ctx.Err()
		}
	}
}

func (s *WebSocketSource) redial(ctx context.Context) (*websocket.Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = s.MaxBackoff
	if b.MaxInterval <= 0 {
		b.MaxInterval = 30 * time.Second
	}
	b.MaxElapsedTime = 0

	return backoff.RetryNotifyWithData(func() (*websocket.Conn, error) {
		return s.dial(ctx)
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		s.logger().Debug("change feed redial failed", "error", err, "next", next)
	})
}
