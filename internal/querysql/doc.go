// Package querysql compiles query descriptors to SQLite over the mirror.
//
// Mirror rows are stored as the server's JSON text; predicates and ordering
// reach into it with json_extract, which the per-entity expression indexes
// created by the store make cheap.
package querysql
