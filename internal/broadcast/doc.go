// Package broadcast fans gateway updates out to connected observers.
// The router publishes status changes, linking artifacts, and stored
// messages; dashboards subscribe per profile (or to all profiles) and
// receive them over buffered channels. Slow subscribers lose updates
// rather than backpressuring the router.
package broadcast
