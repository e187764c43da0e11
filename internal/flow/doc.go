// Package flow drives per-contact scripted dialogues. An inbound message
// either advances the contact's live session (answering the pending
// QUESTION node) or, when no session exists, is matched against each
// flow's trigger phrases to start one. Node execution walks MESSAGE,
// IMAGE, CONDITION, and ACTION nodes until it reaches a QUESTION (wait
// for input) or an END.
//
// Sessions and flow definitions live in the store's document slots:
// definitions are reloaded on every message so edits apply immediately,
// and sessions survive restarts. Sessions idle for over 24 hours are
// expired with a notice, both lazily on the next message and by an
// hourly background sweep. Broken references (a session pointing at a
// deleted flow or node) are healed by discarding the session.
package flow
