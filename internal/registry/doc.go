// Package registry describes the entities the engine mirrors.
//
// The registry is written in CUE. Each entry under `entity` names a server
// table or view and declares its key fields, secondary indexes, resync
// strategy, the cache tags a change to it invalidates, and an optional JSON
// Schema used to reject malformed server rows. Entries under `procedure`
// name remote procedures and whether their results are ephemeral, which is
// what the cache layering policy consults.
//
// A default registry for the fiber network dashboard is embedded; Load reads
// an override directory with the same shape.
package registry
