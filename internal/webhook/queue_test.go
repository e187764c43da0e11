// ABOUTME: Tests for webhook queue matching, signing, retry, and persistence
// ABOUTME: Uses a fake HTTP client and store; time is injected, not slept on

package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/barleyhq/barley-gateway/internal/store"
	"github.com/barleyhq/barley-gateway/internal/version"
)

type recordedRequest struct {
	method string
	url    string
	header http.Header
	body   []byte
}

type fakeDoer struct {
	mu     sync.Mutex
	status int
	err    error
	reqs   []recordedRequest
}

func (d *fakeDoer) Do(req *http.Request) (*http.Response, error) {
	body, _ := io.ReadAll(req.Body)
	d.mu.Lock()
	d.reqs = append(d.reqs, recordedRequest{
		method: req.Method,
		url:    req.URL.String(),
		header: req.Header.Clone(),
		body:   body,
	})
	status, err := d.status, d.err
	d.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewReader(nil)),
	}, nil
}

func (d *fakeDoer) requests() []recordedRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]recordedRequest(nil), d.reqs...)
}

type fakeStorage struct {
	mu       sync.Mutex
	subs     map[string][]*store.Subscription
	docs     map[string][]byte
	setCalls int
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		subs: make(map[string][]*store.Subscription),
		docs: make(map[string][]byte),
	}
}

func (f *fakeStorage) ListSubscriptions(ctx context.Context, profileID string) ([]*store.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[profileID], nil
}

func (f *fakeStorage) GetDocument(ctx context.Context, profileID, kind string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.docs[profileID+"/"+kind]
	if !ok {
		return nil, store.ErrNotFound
	}
	return body, nil
}

func (f *fakeStorage) SetDocument(ctx context.Context, profileID, kind string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[profileID+"/"+kind] = body
	f.setCalls++
	return nil
}

func (f *fakeStorage) setCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.setCalls
}

// testQueue wires a queue with an injected clock the tests can advance.
func testQueue(t *testing.T, storage *fakeStorage, doer *fakeDoer) (*Queue, *time.Time) {
	t.Helper()
	q := NewQueue(storage, doer, time.Second, nil)
	now := time.Unix(1700000000, 0).UTC()
	q.now = func() time.Time { return now }
	return q, &now
}

func subscription(url, secret string, enabled bool, events ...string) *store.Subscription {
	return &store.Subscription{
		ID:      "sub-" + url,
		URL:     url,
		Secret:  secret,
		Enabled: enabled,
		Events:  events,
	}
}

func TestTriggerWithoutMatchIsNoop(t *testing.T) {
	storage := newFakeStorage()
	storage.subs["p1"] = []*store.Subscription{
		subscription("https://a.example/hook", "", false, "message_received"),
		subscription("https://b.example/hook", "", true, "session_closed"),
	}
	doer := &fakeDoer{status: 200}
	q, _ := testQueue(t, storage, doer)

	require.NoError(t, q.Trigger(context.Background(), "p1", "message_received", "c1", nil))
	assert.Zero(t, q.Pending())

	q.processQueue(context.Background())
	assert.Empty(t, doer.requests())
}

func TestTriggerEnqueuesPerMatchingSubscription(t *testing.T) {
	storage := newFakeStorage()
	storage.subs["p1"] = []*store.Subscription{
		subscription("https://a.example/hook", "", true, "message_received"),
		subscription("https://b.example/hook", "", true, "message_received", "session_opened"),
		subscription("https://c.example/hook", "", true, "session_closed"),
	}
	doer := &fakeDoer{status: 200}
	q, _ := testQueue(t, storage, doer)

	require.NoError(t, q.Trigger(context.Background(), "p1", "message_received", "c1", map[string]any{"text": "hi"}))
	assert.Equal(t, 2, q.Pending())
}

func TestDeliveryPostsEnvelopeAndRemovesTask(t *testing.T) {
	storage := newFakeStorage()
	storage.subs["p1"] = []*store.Subscription{
		subscription("https://a.example/hook", "", true, "message_received"),
	}
	doer := &fakeDoer{status: 200}
	q, now := testQueue(t, storage, doer)

	require.NoError(t, q.Trigger(context.Background(), "p1", "message_received", "contact-1", map[string]any{"text": "hello"}))
	q.processQueue(context.Background())

	assert.Zero(t, q.Pending())
	reqs := doer.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, http.MethodPost, reqs[0].method)
	assert.Equal(t, "https://a.example/hook", reqs[0].url)
	assert.Equal(t, "application/json", reqs[0].header.Get("Content-Type"))
	assert.Equal(t, "barley-gateway/"+version.Version, reqs[0].header.Get("User-Agent"))
	assert.Equal(t, "message_received", reqs[0].header.Get("X-Barley-Event"))
	assert.Empty(t, reqs[0].header.Get("X-Hub-Signature"))

	var payload map[string]any
	require.NoError(t, json.Unmarshal(reqs[0].body, &payload))
	assert.Equal(t, "message_received", payload["event"])
	assert.Equal(t, "contact-1", payload["from"])
	assert.Equal(t, "hello", payload["text"])
	assert.Equal(t, now.Format(time.RFC3339), payload["timestamp"])
}

func TestDeliverySignsBodyWithSecret(t *testing.T) {
	storage := newFakeStorage()
	storage.subs["p1"] = []*store.Subscription{
		subscription("https://a.example/hook", "topsecret", true, "session_opened"),
	}
	doer := &fakeDoer{status: 204}
	q, _ := testQueue(t, storage, doer)

	require.NoError(t, q.Trigger(context.Background(), "p1", "session_opened", "p1", nil))
	q.processQueue(context.Background())

	reqs := doer.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, Sign("topsecret", reqs[0].body), reqs[0].header.Get("X-Hub-Signature"))
}

func TestRetryBackoffThenDrop(t *testing.T) {
	storage := newFakeStorage()
	storage.subs["p1"] = []*store.Subscription{
		subscription("https://a.example/hook", "", true, "message_received"),
	}
	doer := &fakeDoer{status: 503}
	q, now := testQueue(t, storage, doer)
	ctx := context.Background()

	require.NoError(t, q.Trigger(ctx, "p1", "message_received", "c1", nil))

	// First attempt fails, reschedules 4s out.
	q.processQueue(ctx)
	require.Equal(t, 1, q.Pending())
	assert.Equal(t, 1, q.tasks[0].Attempts)
	assert.Equal(t, now.Add(4*time.Second).UnixMilli(), q.tasks[0].NextRetry)

	// Not yet due: nothing happens.
	q.processQueue(ctx)
	assert.Equal(t, 1, q.tasks[0].Attempts)
	assert.Len(t, doer.requests(), 1)

	// Second attempt at +4s fails, reschedules 8s out.
	*now = now.Add(4 * time.Second)
	q.processQueue(ctx)
	require.Equal(t, 1, q.Pending())
	assert.Equal(t, 2, q.tasks[0].Attempts)
	assert.Equal(t, now.Add(8*time.Second).UnixMilli(), q.tasks[0].NextRetry)

	// Third attempt exhausts the cap and drops the task.
	*now = now.Add(8 * time.Second)
	q.processQueue(ctx)
	assert.Zero(t, q.Pending())
	assert.Len(t, doer.requests(), 3)
}

func TestNetworkErrorCountsAsFailure(t *testing.T) {
	storage := newFakeStorage()
	storage.subs["p1"] = []*store.Subscription{
		subscription("https://a.example/hook", "", true, "message_received"),
	}
	doer := &fakeDoer{err: errors.New("connection refused")}
	q, _ := testQueue(t, storage, doer)

	require.NoError(t, q.Trigger(context.Background(), "p1", "message_received", "c1", nil))
	q.processQueue(context.Background())

	require.Equal(t, 1, q.Pending())
	assert.Equal(t, 1, q.tasks[0].Attempts)
}

func TestSnapshotSurvivesRestart(t *testing.T) {
	storage := newFakeStorage()
	storage.subs["p1"] = []*store.Subscription{
		subscription("https://a.example/hook", "s1", true, "message_received"),
	}
	doer := &fakeDoer{status: 500}
	q, _ := testQueue(t, storage, doer)
	ctx := context.Background()

	require.NoError(t, q.Trigger(ctx, "p1", "message_received", "c1", map[string]any{"text": "hi"}))
	q.processQueue(ctx) // fails once so attempt count and retry time matter
	q.persistIfDirty(ctx)

	restored, _ := testQueue(t, storage, doer)
	require.NoError(t, restored.Restore(ctx))

	require.Equal(t, 1, restored.Pending())
	orig, loaded := q.tasks[0], restored.tasks[0]
	assert.Equal(t, orig.ID, loaded.ID)
	assert.Equal(t, orig.Attempts, loaded.Attempts)
	assert.Equal(t, orig.NextRetry, loaded.NextRetry)
	assert.Equal(t, orig.Secret, loaded.Secret)
	assert.JSONEq(t, string(orig.Payload), string(loaded.Payload))
}

func TestPersistSkipsCleanQueue(t *testing.T) {
	storage := newFakeStorage()
	storage.subs["p1"] = []*store.Subscription{
		subscription("https://a.example/hook", "", true, "message_received"),
	}
	doer := &fakeDoer{status: 200}
	q, _ := testQueue(t, storage, doer)
	ctx := context.Background()

	require.NoError(t, q.Trigger(ctx, "p1", "message_received", "c1", nil))
	q.persistIfDirty(ctx)
	assert.Equal(t, 1, storage.setCount())

	// Nothing changed since the last snapshot.
	q.persistIfDirty(ctx)
	assert.Equal(t, 1, storage.setCount())
}

func TestRestoreWithoutSnapshot(t *testing.T) {
	q, _ := testQueue(t, newFakeStorage(), &fakeDoer{status: 200})
	require.NoError(t, q.Restore(context.Background()))
	assert.Zero(t, q.Pending())
}
