// ABOUTME: Durable webhook delivery queue with signed payloads and retry backoff
// ABOUTME: At-least-once semantics; pending tasks survive process restarts

package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/barleyhq/barley-gateway/internal/store"
	"github.com/barleyhq/barley-gateway/internal/version"
)

const (
	// maxAttempts caps total delivery tries per task.
	maxAttempts = 3
	// backoffUnit scales the exponential retry delay: 2^attempts units.
	backoffUnit = 2000 * time.Millisecond

	processInterval = time.Second
	persistInterval = 3 * time.Second

	eventHeader     = "X-Barley-Event"
	signatureHeader = "X-Hub-Signature"
)

// Task is one pending attempt to notify one subscriber about one event.
// The payload is frozen at enqueue time so every retry sends an
// identical body (and identical signature).
type Task struct {
	ID        string          `json:"id"`
	ProfileID string          `json:"profileId"`
	Event     string          `json:"event"`
	URL       string          `json:"url"`
	Secret    string          `json:"secret,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Attempts  int             `json:"attempts"`
	// NextRetry is the next-eligible delivery time in epoch milliseconds.
	NextRetry int64 `json:"nextRetry"`
}

// Storage is the slice of the store the queue needs: subscription lookup
// plus one document slot for queue snapshots.
type Storage interface {
	ListSubscriptions(ctx context.Context, profileID string) ([]*store.Subscription, error)
	GetDocument(ctx context.Context, profileID, kind string) ([]byte, error)
	SetDocument(ctx context.Context, profileID, kind string, body []byte) error
}

// Doer abstracts the HTTP client so tests can intercept deliveries.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Queue delivers webhook notifications at-least-once. The in-memory task
// list is the source of truth; a background tick snapshots it to the
// store only when it changed.
type Queue struct {
	storage Storage
	client  Doer
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	tasks   []*Task
	dirty   bool
	running bool

	wake chan struct{}
}

// NewQueue creates a delivery queue. A nil client gets a default HTTP
// client bounded by timeout.
func NewQueue(storage Storage, client Doer, timeout time.Duration, logger *slog.Logger) *Queue {
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		storage: storage,
		client:  client,
		logger:  logger.With("component", "webhook-queue"),
		now:     time.Now,
		wake:    make(chan struct{}, 1),
	}
}

// Restore reloads the persisted queue snapshot so in-flight retries
// survive a restart. A missing snapshot is a fresh start, not an error.
func (q *Queue) Restore(ctx context.Context) error {
	body, err := q.storage.GetDocument(ctx, "", store.DocWebhookQueue)
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return fmt.Errorf("loading webhook queue snapshot: %w", err)
	}

	var tasks []*Task
	if err := json.Unmarshal(body, &tasks); err != nil {
		return fmt.Errorf("decoding webhook queue snapshot: %w", err)
	}

	q.mu.Lock()
	q.tasks = tasks
	q.mu.Unlock()

	if len(tasks) > 0 {
		q.logger.Info("restored pending webhook tasks", "count", len(tasks))
	}
	return nil
}

// Run drives the delivery and persistence ticks until ctx is cancelled.
// A final snapshot is written on the way out.
func (q *Queue) Run(ctx context.Context) {
	process := time.NewTicker(processInterval)
	defer process.Stop()
	persist := time.NewTicker(persistInterval)
	defer persist.Stop()

	for {
		select {
		case <-ctx.Done():
			q.persistIfDirty(context.Background())
			return
		case <-q.wake:
			q.processQueue(ctx)
		case <-process.C:
			q.processQueue(ctx)
		case <-persist.C:
			q.persistIfDirty(ctx)
		}
	}
}

// Trigger enqueues one delivery task per enabled subscription of the
// profile whose event set contains eventName. No matching subscriptions
// means no work. Delivery failures never surface here; they only affect
// each task's retry schedule.
func (q *Queue) Trigger(ctx context.Context, profileID, eventName, from string, data map[string]any) error {
	subs, err := q.storage.ListSubscriptions(ctx, profileID)
	if err != nil {
		return fmt.Errorf("listing webhook subscriptions: %w", err)
	}

	var matched []*store.Subscription
	for _, sub := range subs {
		if sub.Matches(eventName) {
			matched = append(matched, sub)
		}
	}
	if len(matched) == 0 {
		return nil
	}

	payload, err := buildPayload(eventName, from, data, q.now())
	if err != nil {
		return fmt.Errorf("encoding webhook payload: %w", err)
	}

	nowMS := q.now().UnixMilli()
	q.mu.Lock()
	for _, sub := range matched {
		q.tasks = append(q.tasks, &Task{
			ID:        uuid.NewString(),
			ProfileID: profileID,
			Event:     eventName,
			URL:       sub.URL,
			Secret:    sub.Secret,
			Payload:   payload,
			NextRetry: nowMS,
		})
	}
	q.dirty = true
	q.mu.Unlock()

	q.logger.Debug("webhook tasks enqueued", "profile", profileID, "event", eventName, "count", len(matched))
	q.kick()
	return nil
}

// Pending reports how many tasks are waiting for delivery or retry.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// kick nudges the delivery loop without waiting for the next tick.
func (q *Queue) kick() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// processQueue delivers every due task sequentially. Only one instance
// runs at a time; overlapping calls return immediately.
func (q *Queue) processQueue(ctx context.Context) {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true

	nowMS := q.now().UnixMilli()
	var due []*Task
	for _, t := range q.tasks {
		if t.NextRetry <= nowMS {
			due = append(due, t)
		}
	}
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.running = false
		q.mu.Unlock()
	}()

	for _, t := range due {
		if ctx.Err() != nil {
			return
		}
		if err := q.deliver(ctx, t); err != nil {
			q.recordFailure(t, err)
			continue
		}
		q.remove(t.ID)
		q.logger.Debug("webhook delivered", "task", t.ID, "event", t.Event, "url", t.URL)
	}
}

// deliver POSTs the frozen payload to the task's URL. Any non-2xx
// response or transport error is a failure.
func (q *Queue) deliver(ctx context.Context, t *Task) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(t.Payload))
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "barley-gateway/"+version.Version)
	req.Header.Set(eventHeader, t.Event)
	if t.Secret != "" {
		req.Header.Set(signatureHeader, Sign(t.Secret, t.Payload))
	}

	resp, err := q.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// recordFailure bumps the attempt counter and either reschedules with
// exponential backoff or drops the task once attempts are exhausted.
func (q *Queue) recordFailure(t *Task, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t.Attempts++
	q.dirty = true
	if t.Attempts >= maxAttempts {
		q.removeLocked(t.ID)
		q.logger.Error("webhook delivery exhausted, dropping task",
			"task", t.ID, "event", t.Event, "url", t.URL, "attempts", t.Attempts, "error", err)
		return
	}

	delay := time.Duration(1<<t.Attempts) * backoffUnit
	t.NextRetry = q.now().Add(delay).UnixMilli()
	q.logger.Warn("webhook delivery failed, retrying",
		"task", t.ID, "event", t.Event, "url", t.URL, "attempts", t.Attempts, "retry_in", delay, "error", err)
}

func (q *Queue) remove(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removeLocked(id)
	q.dirty = true
}

func (q *Queue) removeLocked(id string) {
	for i, t := range q.tasks {
		if t.ID == id {
			q.tasks = append(q.tasks[:i], q.tasks[i+1:]...)
			return
		}
	}
}

// persistIfDirty snapshots the queue to the store when it changed since
// the last write. A failed write leaves the queue dirty for the next tick.
func (q *Queue) persistIfDirty(ctx context.Context) {
	q.mu.Lock()
	if !q.dirty {
		q.mu.Unlock()
		return
	}
	snapshot := make([]*Task, len(q.tasks))
	copy(snapshot, q.tasks)
	q.dirty = false
	q.mu.Unlock()

	body, err := json.Marshal(snapshot)
	if err != nil {
		q.logger.Error("encoding webhook queue snapshot failed", "error", err)
		return
	}
	if err := q.storage.SetDocument(ctx, "", store.DocWebhookQueue, body); err != nil {
		q.mu.Lock()
		q.dirty = true
		q.mu.Unlock()
		q.logger.Error("persisting webhook queue failed", "error", err)
	}
}

// Sign computes the signature header value for a payload:
// "sha256=" followed by the hex HMAC-SHA256 of the raw body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// buildPayload merges event-specific fields with the envelope fields.
// Envelope keys win on collision.
func buildPayload(eventName, from string, data map[string]any, now time.Time) (json.RawMessage, error) {
	body := make(map[string]any, len(data)+3)
	for k, v := range data {
		body[k] = v
	}
	body["event"] = eventName
	body["from"] = from
	body["timestamp"] = now.UTC().Format(time.RFC3339)
	return json.Marshal(body)
}
