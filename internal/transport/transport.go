// ABOUTME: Event envelope and client interfaces for the messaging transport collaborator
// ABOUTME: Defines the tagged-union Event type consumed by the lifecycle manager and router

package transport

import (
	"context"
	"time"
)

// Connection states as reported by the transport daemon.
const (
	StateConnecting = "connecting"
	StateOpen       = "open"
	StateClosed     = "closed"
)

// CodeLoggedOut is the disconnect error code meaning the remote side
// invalidated this device's credentials. Any other code is treated as a
// recoverable drop.
const CodeLoggedOut = 401

// Linking artifact kinds.
const (
	LinkingImage = "image"
	LinkingCode  = "code"
)

// EventKind discriminates the Event tagged union.
type EventKind int

const (
	KindConnection EventKind = iota
	KindLinking
	KindMessage
	KindCredentials
)

// Event is the single envelope for everything the transport reports.
// Exactly one of the pointer fields matching Kind is set.
type Event struct {
	Profile     string
	Kind        EventKind
	Connection  *ConnectionUpdate
	Linking     *LinkingArtifact
	Message     *InboundMessage
	Credentials []byte
}

// ConnectionUpdate reports a transport connection state change.
type ConnectionUpdate struct {
	State     string
	ErrorCode int
}

// LinkingArtifact carries a scannable image or short alphanumeric code
// used to authorize a new connection.
type LinkingArtifact struct {
	Kind  string
	Value string
}

// InboundMessage is a message received on the transport link.
type InboundMessage struct {
	ID         string
	ContactID  string
	Text       string
	SenderName string
	FromMe     bool
	Group      bool
	Timestamp  time.Time
}

// Conn is one live transport link for a single profile. The handle is
// exclusively owned by the lifecycle manager's session; it is never shared.
type Conn interface {
	// Events returns the inbound event stream. The channel is closed when
	// the link is torn down.
	Events() <-chan Event

	SendText(ctx context.Context, contactID, text string) error
	SendImage(ctx context.Context, contactID, url, caption string) error
	RequestLinkingCode(ctx context.Context, phoneNumber string) error
	SignOff(ctx context.Context) error

	Close() error
}

// Client dials transport links. The wire protocol behind a Conn is out of
// this package's hands; implementations are thin codecs.
type Client interface {
	Connect(ctx context.Context, profileID string) (Conn, error)
}
