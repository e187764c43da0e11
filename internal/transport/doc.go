// Package transport abstracts the external real-time messaging daemon.
//
// The daemon owns the actual wire protocol and cryptographic session state;
// this package only defines the Event envelope the rest of the gateway
// consumes and a WebSocket adapter that shuttles JSON frames to and from
// the daemon. One Conn corresponds to one profile's live link and is
// exclusively owned by that profile's connection session.
package transport
