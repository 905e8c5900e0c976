// Package record defines the row model shared by the mirror store, the outbox
// and the remote client.
//
// A Row is an opaque server record: a JSON object decoded with json.Number so
// numeric columns round-trip without precision loss. The package imports
// nothing internal; every other package builds on it.
//
// Canonical encoding (MarshalCanonical) follows RFC 8785 key ordering with NFC
// normalized strings. It is used for cache keys and query identity, never for
// the bytes persisted in the mirror, which keep the server's own encoding.
package record
