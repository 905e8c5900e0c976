// Package query defines the backend-neutral query descriptor.
//
// A Descriptor is what a consumer asks for: rows of one entity, or the
// result of one remote procedure, narrowed by a predicate tree. The same
// descriptor is compiled to SQL against the local mirror (querysql), to
// request parameters against the server (remote), and evaluated in memory
// against rows (Matches). Its canonical Key identifies it for single-flight
// de-duplication and the response cache.
package query
