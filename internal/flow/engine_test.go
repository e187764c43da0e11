// ABOUTME: Tests for flow trigger matching, question routing, and expiry
// ABOUTME: Uses an in-memory store fake and a recording sender

package flow

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/barleyhq/barley-gateway/internal/store"
)

type sentItem struct {
	contactID string
	text      string
	imageURL  string
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentItem
}

func (f *fakeSender) SendText(ctx context.Context, profileID, contactID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentItem{contactID: contactID, text: text})
	return nil
}

func (f *fakeSender) SendImage(ctx context.Context, profileID, contactID, url, caption string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentItem{contactID: contactID, text: caption, imageURL: url})
	return nil
}

func (f *fakeSender) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, s := range f.sent {
		if s.imageURL == "" {
			out = append(out, s.text)
		}
	}
	return out
}

func (f *fakeSender) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = nil
}

type fakeStorage struct {
	mu       sync.Mutex
	profiles []*store.Profile
	docs     map[string][]byte
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{docs: make(map[string][]byte)}
}

func (f *fakeStorage) ListProfiles(ctx context.Context) ([]*store.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.profiles, nil
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
	return nil
}

func (f *fakeStorage) putConfig(t *testing.T, profileID string, cfg *Config) {
	t.Helper()
	body, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, f.SetDocument(context.Background(), profileID, store.DocFlows, body))
}

func (f *fakeStorage) sessions(t *testing.T, profileID string) map[string]*Session {
	t.Helper()
	body, err := f.GetDocument(context.Background(), profileID, store.DocSessions)
	if err == store.ErrNotFound {
		return map[string]*Session{}
	}
	require.NoError(t, err)
	sessions := make(map[string]*Session)
	require.NoError(t, json.Unmarshal(body, &sessions))
	return sessions
}

// supportFlow is a small graph exercising the interesting node kinds:
// START -> MESSAGE -> QUESTION(Sales/Support) -> branch targets.
func supportFlow() *Flow {
	return &Flow{
		ID:       "f1",
		Name:     "support",
		Triggers: []string{"help", "support please"},
		Nodes: []*Node{
			{ID: "start", Type: NodeStart, NextID: "n0"},
			{ID: "n0", Type: NodeMessage, Content: "Welcome!", NextID: "n1"},
			{
				ID:      "n1",
				Type:    NodeQuestion,
				Content: "What do you need?",
				Options: []string{"Sales", "Support"},
				Connections: map[string]string{
					"Sales":   "n2",
					"Support": "n3",
				},
			},
			{ID: "n2", Type: NodeEnd, Content: "Routing you to sales."},
			{ID: "n3", Type: NodeEnd, Content: "Routing you to support."},
		},
	}
}

func testEngine(t *testing.T, storage *fakeStorage) (*Engine, *fakeSender, *time.Time) {
	t.Helper()
	sender := &fakeSender{}
	e := NewEngine(storage, sender, nil, nil)
	now := time.Unix(1700000000, 0).UTC()
	e.now = func() time.Time { return now }
	return e, sender, &now
}

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"  Hello,   World!  ": "hello world",
		"HELP?!":              "help",
		"¿qué tal?":           "qué tal",
		"1.":                  "1",
		"":                    "",
		"!!!":                 "",
	}
	for in, want := range cases {
		assert.Equal(t, want, Normalize(in), "input %q", in)
	}
}

func TestTriggerStartsFlowAndWalksToQuestion(t *testing.T) {
	storage := newFakeStorage()
	storage.putConfig(t, "p1", &Config{Flows: []*Flow{supportFlow()}})
	e, sender, _ := testEngine(t, storage)

	e.HandleMessage(context.Background(), "p1", "c1", "HELP!")

	assert.Equal(t, []string{"Welcome!", "What do you need?\n1. Sales\n2. Support"}, sender.texts())
	sess := storage.sessions(t, "p1")["c1"]
	require.NotNil(t, sess)
	assert.Equal(t, "f1", sess.FlowID)
	assert.Equal(t, "n1", sess.NodeID)
}

func TestTriggerMatchModes(t *testing.T) {
	cases := []struct {
		name    string
		message string
		match   bool
	}{
		{"whole message", "help", true},
		{"token in message", "i need help now", true},
		{"substring phrase", "support please!!!", true},
		{"no match", "good morning", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			storage := newFakeStorage()
			storage.putConfig(t, "p1", &Config{Flows: []*Flow{supportFlow()}})
			e, sender, _ := testEngine(t, storage)

			e.HandleMessage(context.Background(), "p1", "c1", tc.message)

			if tc.match {
				assert.NotEmpty(t, sender.texts())
			} else {
				assert.Empty(t, sender.texts())
			}
		})
	}
}

func TestIdleFallback(t *testing.T) {
	storage := newFakeStorage()
	storage.putConfig(t, "p1", &Config{
		IdleEnabled: true,
		IdleMessage: "No one is around right now.",
		Flows:       []*Flow{supportFlow()},
	})
	e, sender, _ := testEngine(t, storage)

	e.HandleMessage(context.Background(), "p1", "c1", "good morning")
	assert.Equal(t, []string{"No one is around right now."}, sender.texts())
}

func TestQuestionNumericSelection(t *testing.T) {
	storage := newFakeStorage()
	storage.putConfig(t, "p1", &Config{Flows: []*Flow{supportFlow()}})
	e, sender, _ := testEngine(t, storage)
	ctx := context.Background()

	e.HandleMessage(ctx, "p1", "c1", "help")
	sender.reset()

	e.HandleMessage(ctx, "p1", "c1", "2")
	assert.Equal(t, []string{"Routing you to support."}, sender.texts())
	assert.Empty(t, storage.sessions(t, "p1"), "END node must delete the session")
}

func TestQuestionSubstringSelection(t *testing.T) {
	storage := newFakeStorage()
	storage.putConfig(t, "p1", &Config{Flows: []*Flow{supportFlow()}})
	e, sender, _ := testEngine(t, storage)
	ctx := context.Background()

	e.HandleMessage(ctx, "p1", "c1", "help")
	sender.reset()

	e.HandleMessage(ctx, "p1", "c1", "i want sales")
	assert.Equal(t, []string{"Routing you to sales."}, sender.texts())
}

func TestQuestionExactSelection(t *testing.T) {
	storage := newFakeStorage()
	storage.putConfig(t, "p1", &Config{Flows: []*Flow{supportFlow()}})
	e, sender, _ := testEngine(t, storage)
	ctx := context.Background()

	e.HandleMessage(ctx, "p1", "c1", "help")
	sender.reset()

	e.HandleMessage(ctx, "p1", "c1", "Support")
	assert.Equal(t, []string{"Routing you to support."}, sender.texts())
}

func TestQuestionRepromptsOnNoMatch(t *testing.T) {
	storage := newFakeStorage()
	storage.putConfig(t, "p1", &Config{Flows: []*Flow{supportFlow()}})
	e, sender, _ := testEngine(t, storage)
	ctx := context.Background()

	e.HandleMessage(ctx, "p1", "c1", "help")
	sender.reset()

	e.HandleMessage(ctx, "p1", "c1", "xyz")
	assert.Equal(t, []string{repromptNotice}, sender.texts())

	sess := storage.sessions(t, "p1")["c1"]
	require.NotNil(t, sess)
	assert.Equal(t, "n1", sess.NodeID, "session must stay on the question")
	assert.Equal(t, "xyz", sess.Answers["n1"])
}

func TestConditionBranchesOnLastAnswer(t *testing.T) {
	fl := &Flow{
		ID:       "f2",
		Triggers: []string{"order"},
		Nodes: []*Node{
			{ID: "start", Type: NodeStart, NextID: "q"},
			{ID: "q", Type: NodeQuestion, Content: "Pickup or delivery?", NextID: "cond"},
			{
				ID:   "cond",
				Type: NodeCondition,
				Connections: map[string]string{
					"delivery": "d",
					"default":  "p",
				},
			},
			{ID: "d", Type: NodeEnd, Content: "A courier is on the way."},
			{ID: "p", Type: NodeEnd, Content: "See you at the counter."},
		},
	}
	storage := newFakeStorage()
	storage.putConfig(t, "p1", &Config{Flows: []*Flow{fl}})
	e, sender, _ := testEngine(t, storage)
	ctx := context.Background()

	e.HandleMessage(ctx, "p1", "c1", "order")
	sender.reset()
	e.HandleMessage(ctx, "p1", "c1", "Delivery to my house please")
	assert.Equal(t, []string{"A courier is on the way."}, sender.texts())

	e.HandleMessage(ctx, "p1", "c2", "order")
	sender.reset()
	e.HandleMessage(ctx, "p1", "c2", "neither really")
	assert.Equal(t, []string{"See you at the counter."}, sender.texts())
}

func TestActionHookInvoked(t *testing.T) {
	fl := &Flow{
		ID:       "f3",
		Triggers: []string{"notify"},
		Nodes: []*Node{
			{ID: "start", Type: NodeStart, NextID: "a"},
			{ID: "a", Type: NodeAction, Action: "page-oncall", NextID: "e"},
			{ID: "e", Type: NodeEnd, Content: "Done."},
		},
	}
	storage := newFakeStorage()
	storage.putConfig(t, "p1", &Config{Flows: []*Flow{fl}})

	var gotAction string
	sender := &fakeSender{}
	e := NewEngine(storage, sender, func(ctx context.Context, profileID, contactID, action string) {
		gotAction = action
	}, nil)

	e.HandleMessage(context.Background(), "p1", "c1", "notify")
	assert.Equal(t, "page-oncall", gotAction)
	assert.Equal(t, []string{"Done."}, sender.texts())
}

func TestImageNodeSendsImage(t *testing.T) {
	fl := &Flow{
		ID:       "f4",
		Triggers: []string{"menu"},
		Nodes: []*Node{
			{ID: "start", Type: NodeStart, NextID: "img"},
			{ID: "img", Type: NodeImage, ImageURL: "https://cdn.example/menu.png", Caption: "Today's menu"},
		},
	}
	storage := newFakeStorage()
	storage.putConfig(t, "p1", &Config{Flows: []*Flow{fl}})
	e, sender, _ := testEngine(t, storage)

	e.HandleMessage(context.Background(), "p1", "c1", "menu")

	require.Len(t, sender.sent, 1)
	assert.Equal(t, "https://cdn.example/menu.png", sender.sent[0].imageURL)
	assert.Equal(t, "Today's menu", sender.sent[0].text)
	assert.Empty(t, storage.sessions(t, "p1"), "flow end deletes the session")
}

func TestExpiredSessionOnMessage(t *testing.T) {
	storage := newFakeStorage()
	storage.putConfig(t, "p1", &Config{Flows: []*Flow{supportFlow()}})
	e, sender, now := testEngine(t, storage)
	ctx := context.Background()

	e.HandleMessage(ctx, "p1", "c1", "help")
	sender.reset()

	*now = now.Add(25 * time.Hour)
	e.HandleMessage(ctx, "p1", "c1", "help")

	texts := sender.texts()
	require.NotEmpty(t, texts)
	assert.Equal(t, expiredNotice, texts[0])
	// The message then starts the flow fresh.
	assert.Contains(t, texts, "Welcome!")
}

func TestStaleFlowReferenceSelfHeals(t *testing.T) {
	storage := newFakeStorage()
	storage.putConfig(t, "p1", &Config{Flows: []*Flow{supportFlow()}})
	e, sender, _ := testEngine(t, storage)
	ctx := context.Background()

	e.HandleMessage(ctx, "p1", "c1", "help")
	sender.reset()

	// The flow is deleted mid-conversation.
	storage.putConfig(t, "p1", &Config{Flows: nil})
	e.HandleMessage(ctx, "p1", "c1", "2")

	assert.Empty(t, sender.texts())
	assert.Empty(t, storage.sessions(t, "p1"))
}

func TestSweepExpiresIdleSessions(t *testing.T) {
	storage := newFakeStorage()
	storage.profiles = []*store.Profile{{ID: "p1"}}
	storage.putConfig(t, "p1", &Config{Flows: []*Flow{supportFlow()}})
	e, sender, now := testEngine(t, storage)
	ctx := context.Background()

	e.HandleMessage(ctx, "p1", "c1", "help")
	*now = now.Add(12 * time.Hour)
	e.HandleMessage(ctx, "p1", "c2", "help")
	sender.reset()

	*now = now.Add(13 * time.Hour) // c1 now 25h idle, c2 only 13h
	e.Sweep(ctx)

	assert.Equal(t, []string{sweepExpiredNotice}, sender.texts())
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "c1", sender.sent[0].contactID)

	sessions := storage.sessions(t, "p1")
	assert.NotContains(t, sessions, "c1")
	assert.Contains(t, sessions, "c2")
}

func TestMalformedConfigFallsBackToEmpty(t *testing.T) {
	storage := newFakeStorage()
	require.NoError(t, storage.SetDocument(context.Background(), "p1", store.DocFlows, []byte("{not json")))
	e, sender, _ := testEngine(t, storage)

	e.HandleMessage(context.Background(), "p1", "c1", "help")
	assert.Empty(t, sender.texts())
}
