// Package remote talks to the server-side relational service.
//
// The service exposes PostgREST-style row access under /rest/v1/{entity}
// and named procedures under /rest/v1/rpc/{name}. Failures are split into
// the classes the sync engine reacts to differently: transport failures
// (*NetworkError), non-2xx responses (*HTTPError) and responses that do
// not decode or do not match the entity's schema (*MalformedError).
package remote
