// Package store provides SQLite-backed durable storage for the sync engine.
//
// The store holds:
//   - Mirror tables: one per registered entity, named mirror_<entity>, each
//     row the server's JSON keyed by the entity's primary key
//   - Outbox: queued writes awaiting replay, ordered by an autoincrement id
//   - Sync status: the outcome of each entity's last resync
//   - Cache entries: network responses the cache layering policy allowed to
//     persist
//
// # Critical Patterns
//
// Atomic mirror writes
//   - Every mirror operation is one transaction; BulkReplace readers see the
//     old set or the new set, never a mix
//   - CompleteTask marks a task success and writes its mirror effect in the
//     same transaction
//
// Deterministic query results
//   - All queries end with ORDER BY key COLLATE BINARY ASC
//
// Additive schema evolution
//   - Engine tables migrate through PRAGMA user_version
//   - Mirror tables are reconciled against the registry; only a table whose
//     key shape changed is rebuilt, and tables for removed entities are kept
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Storage-class SQLite failures surface as *StorageError matching
// ErrStorageUnavailable.
package store
