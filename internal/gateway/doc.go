// Package gateway wires the barley-gateway components together: the
// SQLite store, the per-profile session manager, the event router, the
// webhook delivery queue, the flow engine, and the UI broadcaster. Run
// restores the webhook queue, starts the background loops and the HTTP
// health server, boots a session for every stored profile, and blocks
// until canceled. Shutdown stops sessions first and closes the store
// last so final writes land.
package gateway
