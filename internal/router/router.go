// ABOUTME: Event router turning normalized transport events into side effects
// ABOUTME: Fans out to store, webhook queue, flow engine, and the UI notifier

package router

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/barleyhq/barley-gateway/internal/dedupe"
	"github.com/barleyhq/barley-gateway/internal/store"
	"github.com/barleyhq/barley-gateway/internal/transport"
)

// Webhook event names raised by the router.
const (
	EventMessageReceived = "message_received"
	EventMessageSent     = "message_sent"
	EventSessionOpened   = "session_opened"
	EventSessionClosed   = "session_closed"
)

// Update kinds pushed to the UI notifier.
const (
	UpdateStatus  = "status"
	UpdateLinking = "linking"
	UpdateMessage = "message"
)

// Triggerer enqueues webhook deliveries. Implemented by webhook.Queue.
type Triggerer interface {
	Trigger(ctx context.Context, profileID, eventName, from string, data map[string]any) error
}

// FlowHandler feeds inbound text into the conversation engine.
type FlowHandler interface {
	HandleMessage(ctx context.Context, profileID, contactID, text string)
}

// Notifier pushes live updates to connected UI observers.
type Notifier interface {
	Notify(profileID, kind string, payload any)
}

// Router is the single consumer of lifecycle events. Each event is
// processed once and fanned out to every interested collaborator.
type Router struct {
	store  store.Store
	hooks  Triggerer
	flows  FlowHandler
	notify Notifier
	seen   *dedupe.Cache
	logger *slog.Logger
	now    func() time.Time
}

// New wires the router. flows, notify, and seen may be nil when the
// respective collaborator is absent.
func New(st store.Store, hooks Triggerer, flows FlowHandler, notify Notifier, seen *dedupe.Cache, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		store:  st,
		hooks:  hooks,
		flows:  flows,
		notify: notify,
		seen:   seen,
		logger: logger.With("component", "router"),
		now:    time.Now,
	}
}

// HandleEvent dispatches one normalized event from the lifecycle manager.
func (r *Router) HandleEvent(ctx context.Context, evt transport.Event) {
	switch evt.Kind {
	case transport.KindConnection:
		r.handleConnection(ctx, evt)
	case transport.KindLinking:
		r.push(evt.Profile, UpdateLinking, evt.Linking)
	case transport.KindMessage:
		r.handleMessage(ctx, evt)
	case transport.KindCredentials:
		// Credential updates must hit durable storage before anything
		// else observes them.
		if err := r.store.SaveCredentials(ctx, evt.Profile, evt.Credentials); err != nil {
			r.logger.Error("persisting transport credentials failed", "profile", evt.Profile, "error", err)
		}
	}
}

func (r *Router) handleConnection(ctx context.Context, evt transport.Event) {
	upd := evt.Connection
	switch upd.State {
	case transport.StateOpen:
		r.trigger(ctx, evt.Profile, EventSessionOpened, evt.Profile, nil)
	case transport.StateClosed:
		var data map[string]any
		if upd.ErrorCode != 0 {
			data = map[string]any{"code": upd.ErrorCode}
		}
		r.trigger(ctx, evt.Profile, EventSessionClosed, evt.Profile, data)
	}
	r.push(evt.Profile, UpdateStatus, upd)
}

func (r *Router) handleMessage(ctx context.Context, evt transport.Event) {
	m := evt.Message

	// Reconnecting transports replay recent history.
	if r.seen != nil && m.ID != "" && r.seen.Seen(evt.Profile+"/"+m.ID) {
		r.logger.Debug("skipping replayed message", "profile", evt.Profile, "message", m.ID)
		return
	}

	msg := &store.Message{
		ID:        m.ID,
		ProfileID: evt.Profile,
		ContactID: m.ContactID,
		Sender:    m.SenderName,
		Content:   m.Text,
		FromMe:    m.FromMe,
		CreatedAt: m.Timestamp,
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = r.now()
	}
	if err := r.store.SaveMessage(ctx, msg); err != nil {
		r.logger.Error("saving message failed", "profile", evt.Profile, "contact", m.ContactID, "error", err)
	}
	r.push(evt.Profile, UpdateMessage, msg)

	if m.FromMe {
		// Our own outbound messages are history only.
		return
	}

	if err := r.store.IncrementUnread(ctx, evt.Profile); err != nil {
		r.logger.Error("bumping unread counter failed", "profile", evt.Profile, "error", err)
	}
	r.recordContactName(ctx, evt.Profile, m.ContactID, m.SenderName)

	if r.flows != nil && !m.Group {
		r.flows.HandleMessage(ctx, evt.Profile, m.ContactID, m.Text)
	}

	data := map[string]any{"message": m.Text}
	if m.SenderName != "" {
		data["senderName"] = m.SenderName
	}
	r.trigger(ctx, evt.Profile, EventMessageReceived, m.ContactID, data)
}

// NotifySent records an outbound message sent on a profile's behalf and
// raises the message_sent webhook. API collaborators call this after a
// successful transport send; inbound echoes of our own messages go
// through HandleEvent instead and stay history-only.
func (r *Router) NotifySent(ctx context.Context, profileID, contactID, text string) {
	msg := &store.Message{
		ID:        uuid.NewString(),
		ProfileID: profileID,
		ContactID: contactID,
		Content:   text,
		FromMe:    true,
		CreatedAt: r.now(),
	}
	if err := r.store.SaveMessage(ctx, msg); err != nil {
		r.logger.Error("saving outbound message failed", "profile", profileID, "contact", contactID, "error", err)
	}
	r.push(profileID, UpdateMessage, msg)

	r.trigger(ctx, profileID, EventMessageSent, contactID, map[string]any{
		"to":        contactID,
		"message":   text,
		"messageId": msg.ID,
	})
}

// recordContactName learns a display name the first time a contact shows
// up with one. Known names are never overwritten here.
func (r *Router) recordContactName(ctx context.Context, profileID, contactID, name string) {
	if name == "" {
		return
	}
	existing, err := r.store.GetContactName(ctx, profileID, contactID)
	if err != nil && err != store.ErrNotFound {
		r.logger.Error("looking up contact name failed", "profile", profileID, "contact", contactID, "error", err)
		return
	}
	if existing != "" {
		return
	}
	if err := r.store.SetContactName(ctx, profileID, contactID, name); err != nil {
		r.logger.Error("recording contact name failed", "profile", profileID, "contact", contactID, "error", err)
	}
}

func (r *Router) trigger(ctx context.Context, profileID, event, from string, data map[string]any) {
	if r.hooks == nil {
		return
	}
	if err := r.hooks.Trigger(ctx, profileID, event, from, data); err != nil {
		r.logger.Error("webhook trigger failed", "profile", profileID, "event", event, "error", err)
	}
}

func (r *Router) push(profileID, kind string, payload any) {
	if r.notify == nil {
		return
	}
	r.notify.Notify(profileID, kind, payload)
}
