// Package webhook delivers event notifications to subscriber URLs with
// at-least-once semantics. Triggering an event enqueues one task per
// matching enabled subscription; a sequential delivery loop posts each
// due task, retrying with exponential backoff (4s, 8s) and dropping a
// task after three total attempts. Payloads carrying a subscription
// secret are signed with HMAC-SHA256 over the raw body.
//
// The in-memory queue is the source of truth. A background tick writes
// it to the store's document slot only when it changed, and Restore
// reloads it on startup so pending retries survive restarts.
package webhook
