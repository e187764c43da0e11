// Package session owns the connection lifecycle of every messaging
// profile. Each profile gets one ConnectionSession driven through
// uninitialized -> connecting -> open -> closed, and the Manager
// self-heals from drops, connect timeouts, and remote logouts by
// recycling the attempt after the appropriate delay. A logged-out
// close discards the cached transport credentials so the restart
// produces a fresh linking artifact instead of looping on dead state.
//
// All transport events flow through the Manager into a single Sink,
// stamped with the owning profile ID, so downstream consumers never
// touch transport handles directly.
package session
