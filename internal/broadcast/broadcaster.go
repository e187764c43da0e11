// ABOUTME: In-memory fan-out broadcaster pushing gateway updates to observers
// ABOUTME: UI clients subscribe per profile and receive status/message updates live

package broadcast

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64

	// AllProfiles subscribes to updates from every profile.
	AllProfiles = "*"
)

// Update is one UI-facing notification: a status change, a linking
// artifact, or a stored message for the given profile.
type Update struct {
	Profile string `json:"profile"`
	Kind    string `json:"kind"`
	Payload any    `json:"payload,omitempty"`
}

// Broadcaster provides in-memory pub/sub for gateway updates. Observers
// register for one profile (or AllProfiles) and receive updates as they
// happen. This enables live dashboards without polling.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan Update // profileID -> subID -> ch
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan Update),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers an observer for updates on the given profile.
// Returns a channel that receives updates and a subscription ID for later
// unsubscription. The subscription is automatically cleaned up when ctx is
// cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, profileID string) (<-chan Update, string) {
	subID := uuid.New().String()
	ch := make(chan Update, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[profileID]; !ok {
		b.subscribers[profileID] = make(map[string]chan Update)
	}
	b.subscribers[profileID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "profile", profileID, "sub_id", subID)

	// Auto-cleanup on context cancellation
	go func() {
		<-ctx.Done()
		b.Unsubscribe(profileID, subID)
	}()

	return ch, subID
}

// Notify publishes an update to all subscribers of the profile and to
// all-profiles subscribers. Non-blocking: updates are dropped for
// subscribers whose channels are full.
func (b *Broadcaster) Notify(profileID, kind string, payload any) {
	upd := Update{Profile: profileID, Kind: kind, Payload: payload}

	b.mu.RLock()
	// Copy subscriber channels under read lock to avoid holding it during sends
	var targets []chan Update
	for _, ch := range b.subscribers[profileID] {
		targets = append(targets, ch)
	}
	if profileID != AllProfiles {
		for _, ch := range b.subscribers[AllProfiles] {
			targets = append(targets, ch)
		}
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- upd:
			// Sent
		default:
			// Subscriber channel full — drop update for this subscriber
			b.logger.Debug("dropped update for slow subscriber",
				"profile", profileID, "kind", kind)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(profileID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[profileID]
	if !ok {
		return
	}

	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	// Clean up empty profile entries
	if len(subs) == 0 {
		delete(b.subscribers, profileID)
	}

	b.logger.Debug("subscriber removed", "profile", profileID, "sub_id", subID)
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for profileID, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, profileID)
	}

	b.logger.Debug("broadcaster closed")
}
