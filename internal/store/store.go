// ABOUTME: Store interface and data types for barley-gateway persistence
// ABOUTME: Defines Profile, Message, Subscription structs and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateProfile is returned when trying to create a profile that already exists
var ErrDuplicateProfile = errors.New("profile already exists")

// Profile represents one tenant's connection scope. Profiles are created
// and owned by the admin subsystem; the core reads them at boot and
// maintains the unread counter.
type Profile struct {
	ID          string
	Name        string
	UnreadCount int
	CreatedAt   time.Time
}

// Message represents a single stored transport message for history purposes
type Message struct {
	ID        string
	ProfileID string
	ContactID string
	Sender    string
	Content   string
	FromMe    bool
	CreatedAt time.Time
}

// Subscription represents a webhook subscriber for a profile. It is plain
// configuration: created and removed by the admin subsystem, read-only to
// the delivery queue.
type Subscription struct {
	ID        string
	ProfileID string
	URL       string
	Events    []string
	Secret    string
	Enabled   bool
}

// Matches reports whether the subscription should receive the named event.
func (s *Subscription) Matches(event string) bool {
	if !s.Enabled {
		return false
	}
	for _, e := range s.Events {
		if e == event {
			return true
		}
	}
	return false
}

// Document kinds for the JSON document slots. Flow definitions and
// conversation sessions are per profile; the webhook queue snapshot is
// process-wide and stored under an empty profile id.
const (
	DocFlows        = "flows"
	DocSessions     = "sessions"
	DocWebhookQueue = "webhook_queue"
)

// messageHistoryLimit caps stored messages per profile. Older rows are
// pruned on insert.
const messageHistoryLimit = 1000

// Store defines the interface for barley-gateway persistence
type Store interface {
	// Profiles
	CreateProfile(ctx context.Context, profile *Profile) error
	GetProfile(ctx context.Context, id string) (*Profile, error)
	ListProfiles(ctx context.Context) ([]*Profile, error)
	DeleteProfile(ctx context.Context, id string) error
	IncrementUnread(ctx context.Context, id string) error
	ClearUnread(ctx context.Context, id string) error

	// Contacts (display names learned from the transport)
	GetContactName(ctx context.Context, profileID, contactID string) (string, error)
	SetContactName(ctx context.Context, profileID, contactID, name string) error

	// Messages (history, pruned to the most recent per profile)
	SaveMessage(ctx context.Context, msg *Message) error
	ListMessages(ctx context.Context, profileID string, limit int) ([]*Message, error)

	// Webhook subscriptions
	CreateSubscription(ctx context.Context, sub *Subscription) error
	ListSubscriptions(ctx context.Context, profileID string) ([]*Subscription, error)
	DeleteSubscription(ctx context.Context, id string) error

	// Transport credentials (opaque blobs owned by the transport)
	SaveCredentials(ctx context.Context, profileID string, blob []byte) error
	GetCredentials(ctx context.Context, profileID string) ([]byte, error)
	DeleteCredentials(ctx context.Context, profileID string) error

	// Documents: JSON bodies keyed by (profileID, kind). Used for flow
	// definitions, conversation sessions, and the delivery queue snapshot.
	GetDocument(ctx context.Context, profileID, kind string) ([]byte, error)
	SetDocument(ctx context.Context, profileID, kind string, body []byte) error
	DeleteDocuments(ctx context.Context, profileID string) error

	// Close releases any resources held by the store
	Close() error
}
