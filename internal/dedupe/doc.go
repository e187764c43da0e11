// Package dedupe tracks recently processed message keys so that history
// replayed by a reconnecting transport does not trigger duplicate side
// effects. Entries expire after a TTL and the cache is size-bounded,
// evicting oldest-first.
package dedupe
