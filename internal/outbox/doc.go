// Package outbox queues local writes and replays them against the remote
// service.
//
// Enqueue only touches the local store. Drain replays ready tasks: per
// record strictly in order, across records up to a concurrency limit. A
// confirmed write stores the server's returned row in the mirror in the
// same transaction that marks the task success; the server's row replaces
// the mirror row wholesale.
//
// Failure policy:
//   - network-class errors, 5xx, 408 and 429 go back to pending with
//     exponential backoff (at least the server's Retry-After) until
//     MaxAttempts, then fail;
//   - any other error, including a malformed response, fails the task on
//     its first attempt.
//
// A failed task blocks later tasks on the same record until it is retried
// (RetryFailed) or dropped (Discard). Tasks on other records are unaffected.
package outbox
