package engine

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
)

// Run starts the event loop and, when a feed is configured, the change-feed
// subscription. It blocks until ctx is cancelled or Close is called.
//
// On start it queues a drain and a prune. Each transition to online queues
// the back-online sequence. A failing event is logged and the loop moves
// on; the work it stood for is retried by the next trigger.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("engine starting", "online", e.conn.Online(), "feed", e.source != nil)

	g, ctx := errgroup.WithContext(ctx)

	if e.source != nil {
		g.Go(func() error {
			err := e.fanin.Run(ctx, e.source)
			if err != nil && ctx.Err() == nil {
				// Reads still work without the feed; they just go stale
				// until the next refocus or reconnect.
				e.logger.Error("change feed stopped", "error", err)
			}
			return nil
		})
	}

	updates, unsubscribe := e.conn.Subscribe()
	defer unsubscribe()

	e.queue.Enqueue(Event{Type: EventTypeDrain})
	e.queue.Enqueue(Event{Type: EventTypePrune})
	e.refreshStatus()

	g.Go(func() error {
		for {
			if ev, ok := e.queue.TryDequeue(); ok {
				e.process(ctx, ev)
				continue
			}

			select {
			case <-ctx.Done():
				e.logger.Info("engine stopping: context cancelled")
				return ctx.Err()

			case online := <-updates:
				e.refreshStatus()
				if online {
					e.queue.Enqueue(Event{Type: EventTypeReconnect})
				}

			case <-e.queue.Wait():
				// The signal channel is closed by Close.
				if e.queue.Len() == 0 && e.closed() {
					e.logger.Info("engine stopping: queue closed")
					return errStopped
				}
			}
		}
	})

	err := g.Wait()
	if errors.Is(err, errStopped) {
		return nil
	}
	return err
}

var errStopped = errors.New("engine stopped")

func (e *Engine) closed() bool {
	e.queue.mu.Lock()
	defer e.queue.mu.Unlock()
	return e.queue.closed
}

// process handles one event. Called only from the Run loop.
func (e *Engine) process(ctx context.Context, ev Event) {
	e.logger.Debug("processing event", "type", ev.Type.String(), "entities", ev.Entities)

	switch ev.Type {
	case EventTypeDrain:
		e.drain(ctx)

	case EventTypeSync:
		e.sync(ctx, ev.Entities)

	case EventTypeReconnect:
		if !e.conn.Online() {
			return
		}
		e.logger.Info("back online")
		e.drain(ctx)
		if e.syncOnReconnect {
			e.sync(ctx, nil)
		}
		e.resolver.Reconnected()

	case EventTypePrune:
		n, err := e.outbox.Prune(ctx, e.retention)
		if err != nil {
			e.logger.Error("prune failed", "error", err)
		} else if n > 0 {
			e.logger.Info("pruned succeeded tasks", "count", n)
		}
		e.schedulePrune()

	default:
		e.logger.Error("unknown event type", "type", int(ev.Type))
	}
}

func (e *Engine) drain(ctx context.Context) {
	if !e.conn.Online() {
		e.logger.Debug("drain deferred: offline")
		return
	}
	if _, err := e.Drain(ctx); err != nil && ctx.Err() == nil {
		e.logger.Error("drain failed", "error", err)
	}
}

func (e *Engine) sync(ctx context.Context, entities []string) {
	if !e.conn.Online() {
		e.logger.Debug("sync deferred: offline")
		return
	}
	summary, err := e.Sync(ctx, entities...)
	if err != nil && ctx.Err() == nil {
		e.logger.Error("sync finished with failures", "failed", summary.Failed, "error", err)
	}
}
