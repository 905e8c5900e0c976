// Package engine assembles the offline-first sync engine.
//
// An Engine owns the on-device store and wires the parts around it:
//
//	outbox.Enqueue ──► Run loop ──► outbox.Drain ──► remote
//	                                     │
//	                 applied write ──────┤
//	change feed ──► fanin ◄── syncer ────┘
//	                  │
//	                  └──► resolver.Invalidate + cache.Invalidate
//
// Writes land in the outbox and are replayed by the Run loop whenever the
// link is up. Every write the server confirms, every resynced entity and
// every change-feed event goes through the fan-in, whose debounced passes
// invalidate cached procedure results and re-resolve live queries.
//
// EVENT LOOP:
//
// Background work (drain, resync, the back-online sequence, pruning) is
// queued as Events and processed one at a time by Run, so two drains never
// race and a reconnect always drains before it resyncs. Callers may also
// invoke Drain and Sync directly when no loop is running, as the CLI's
// one-shot commands do.
//
// READS:
//
// Query and Call resolve through the resolver: network first when online,
// falling back to the mirror (entities) or the persisted cache (ephemeral
// entities and procedures) when the network is unreachable.
package engine
