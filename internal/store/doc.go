// Package store provides persistence for barley-gateway.
//
// The Store interface covers profiles, contact names, message history,
// webhook subscriptions, transport credentials, and generic JSON document
// slots used by the flow engine and the delivery queue. SQLiteStore is the
// production implementation, backed by modernc.org/sqlite with WAL mode.
//
// Document slots are deliberately schemaless: the owning component marshals
// its own state and treats malformed bodies as empty, so a corrupt row never
// halts the process.
package store
