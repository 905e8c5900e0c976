package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

// frameServer accepts websocket connections and writes frames for the n-th
// connection (0-based), then closes it.
func frameServer(t *testing.T, frames func(conn int) []string) *httptest.Server {
	t.Helper()
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		n := int(conns.Add(1)) - 1
		for _, f := range frames(n) {
			if err := c.Write(r.Context(), websocket.MessageText, []byte(f)); err != nil {
				return
			}
		}
		c.Close(websocket.StatusNormalClosure, "done")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func next(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "feed closed")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestWebSocketSourceDeliversAndReconnects(t *testing.T) {
	srv := frameServer(t, func(conn int) []string {
		if conn == 0 {
			return []string{
				`{"table":"nodes","type":"UPDATE","record_id":"n1"}`,
				`not json`,
				`{"table":"rings","type":"INSERT","record_id":"r1"}`,
			}
		}
		return []string{`{"table":"systems","type":"DELETE","record_id":"s1"}`}
	})

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	src := &WebSocketSource{URL: wsURL(srv), MaxBackoff: 50 * time.Millisecond}
	ch, err := src.Subscribe(ctx)
	require.NoError(t, err)

	assert.Equal(t, Event{Table: "nodes", Op: OpUpdate, RecordID: "n1"}, next(t, ch))
	assert.Equal(t, Event{Table: "rings", Op: OpInsert, RecordID: "r1"}, next(t, ch), "malformed frame is skipped")
	assert.True(t, next(t, ch).Resync())
	assert.Equal(t, Event{Table: "systems", Op: OpDelete, RecordID: "s1"}, next(t, ch))

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWebSocketSourceDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	src := &WebSocketSource{URL: wsURL(srv)}
	_, err := src.Subscribe(t.Context())
	assert.Error(t, err)
}
