// Package router is the composition point between the session lifecycle
// layer and everything downstream. Inbound messages are persisted,
// counted, fed to the flow engine (except group chats), and announced
// via webhooks; connection changes raise session_opened/session_closed
// webhooks; credential updates are written to the store synchronously.
// Self-sent messages are stored for history but never trigger flows or
// message webhooks.
package router
