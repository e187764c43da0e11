// ABOUTME: Conversation flow engine driving per-contact scripted dialogues
// ABOUTME: Session state lives in the store so conversations survive restarts

package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/barleyhq/barley-gateway/internal/store"
)

const (
	// sessionExpiry is the inactivity window after which a conversation
	// session is abandoned.
	sessionExpiry = 24 * time.Hour
	// sweepInterval is how often idle sessions are proactively expired.
	sweepInterval = time.Hour
	// maxWalkDepth bounds a single node walk so a cyclic graph cannot
	// spin forever.
	maxWalkDepth = 100

	expiredNotice      = "Session expired due to inactivity."
	sweepExpiredNotice = "Session expired due to 24-hour inactivity."
	repromptNotice     = "Please select one of the options by typing the number or the text."
)

// Sender delivers flow output back to the contact.
type Sender interface {
	SendText(ctx context.Context, profileID, contactID, text string) error
	SendImage(ctx context.Context, profileID, contactID, url, caption string) error
}

// ActionFunc is the hook invoked for ACTION nodes. The engine attaches
// no meaning to the action identifier.
type ActionFunc func(ctx context.Context, profileID, contactID, action string)

// Storage is the slice of the store the engine needs: the flow and
// session document slots, plus the profile list for the expiry sweep.
type Storage interface {
	ListProfiles(ctx context.Context) ([]*store.Profile, error)
	GetDocument(ctx context.Context, profileID, kind string) ([]byte, error)
	SetDocument(ctx context.Context, profileID, kind string, body []byte) error
}

// Engine runs scripted conversations. Flow definitions are reloaded from
// the store on every inbound message so mid-conversation edits take
// effect on the next reply.
type Engine struct {
	storage Storage
	sender  Sender
	action  ActionFunc
	logger  *slog.Logger
	now     func() time.Time

	mu sync.Mutex
}

// NewEngine creates a flow engine. The action hook may be nil.
func NewEngine(storage Storage, sender Sender, action ActionFunc, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		storage: storage,
		sender:  sender,
		action:  action,
		logger:  logger.With("component", "flow-engine"),
		now:     time.Now,
	}
}

// Run drives the hourly session-expiry sweep until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	t := time.NewTicker(sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			e.Sweep(ctx)
		}
	}
}

// HandleMessage processes one inbound text for a contact: either it
// advances that contact's live session, or it tries to start a new flow
// via trigger matching, or it falls back to the idle message.
func (e *Engine) HandleMessage(ctx context.Context, profileID, contactID, text string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cfg := e.loadConfig(ctx, profileID)
	sessions := e.loadSessions(ctx, profileID)
	norm := Normalize(text)

	if sess, ok := sessions[contactID]; ok {
		if e.now().Sub(sess.LastActivity) > sessionExpiry {
			delete(sessions, contactID)
			e.saveSessions(ctx, profileID, sessions)
			e.send(ctx, profileID, contactID, expiredNotice)
			// Fall through to trigger matching as if no session existed.
		} else if e.resumeSession(ctx, profileID, contactID, cfg, sessions, text, norm) {
			return
		}
	}

	for _, fl := range cfg.Flows {
		if !flowMatches(fl, norm) {
			continue
		}
		start := fl.StartNode()
		if start == nil {
			continue
		}
		sess := &Session{
			FlowID:       fl.ID,
			NodeID:       start.ID,
			Answers:      make(map[string]string),
			LastActivity: e.now(),
		}
		sessions[contactID] = sess
		e.saveSessions(ctx, profileID, sessions)
		e.logger.Info("flow started", "profile", profileID, "contact", contactID, "flow", fl.ID)
		e.walk(ctx, profileID, contactID, fl, sess, sessions, start.NextID)
		return
	}

	if cfg.IdleEnabled && cfg.IdleMessage != "" {
		e.send(ctx, profileID, contactID, cfg.IdleMessage)
	}
}

// resumeSession feeds an inbound message into an existing session.
// Returns true when the message was consumed; false means the session
// was stale and the caller should retry trigger matching.
func (e *Engine) resumeSession(ctx context.Context, profileID, contactID string, cfg *Config, sessions map[string]*Session, text, norm string) bool {
	sess := sessions[contactID]

	fl := cfg.Flow(sess.FlowID)
	var node *Node
	if fl != nil {
		node = fl.Node(sess.NodeID)
	}
	if fl == nil || node == nil {
		// The flow was edited out from under the session. Self-heal.
		delete(sessions, contactID)
		e.saveSessions(ctx, profileID, sessions)
		return false
	}

	if node.Type != NodeQuestion {
		// Only questions accept input. Anything else here is stale state.
		delete(sessions, contactID)
		e.saveSessions(ctx, profileID, sessions)
		return true
	}

	if sess.Answers == nil {
		sess.Answers = make(map[string]string)
	}
	sess.Answers[node.ID] = text
	sess.LastAnswer = text
	sess.LastActivity = e.now()

	next, ok := resolveAnswer(node, norm)
	if !ok {
		if len(node.Options) > 0 {
			e.saveSessions(ctx, profileID, sessions)
			e.send(ctx, profileID, contactID, repromptNotice)
			return true
		}
		delete(sessions, contactID)
		e.saveSessions(ctx, profileID, sessions)
		return true
	}

	e.walk(ctx, profileID, contactID, fl, sess, sessions, next)
	return true
}

// resolveAnswer maps a normalized answer to the question's next node:
// exact label match, then a 1-based numeric option pick, then a
// bidirectional substring match, then the node's default edge.
func resolveAnswer(node *Node, norm string) (string, bool) {
	for label, target := range node.Connections {
		if strings.ToLower(label) == norm {
			return target, true
		}
	}

	if n, err := strconv.Atoi(norm); err == nil && n >= 1 && n <= len(node.Options) {
		if target, ok := node.Connections[node.Options[n-1]]; ok {
			return target, true
		}
	}

	if norm != "" {
		for label, target := range node.Connections {
			ll := strings.ToLower(label)
			if ll != "" && (strings.Contains(norm, ll) || strings.Contains(ll, norm)) {
				return target, true
			}
		}
	}

	if node.NextID != "" {
		return node.NextID, true
	}
	return "", false
}

// walk executes nodes from nodeID until one waits for input or the flow
// ends. The session pointer is persisted before each node executes so a
// crash mid-walk resumes at the right place.
func (e *Engine) walk(ctx context.Context, profileID, contactID string, fl *Flow, sess *Session, sessions map[string]*Session, nodeID string) {
	for depth := 0; depth < maxWalkDepth; depth++ {
		if nodeID == "" {
			e.endSession(ctx, profileID, contactID, sessions)
			return
		}
		node := fl.Node(nodeID)
		if node == nil {
			// Dangling edge: discard the session rather than erroring.
			e.endSession(ctx, profileID, contactID, sessions)
			return
		}

		sess.NodeID = node.ID
		sess.LastActivity = e.now()
		e.saveSessions(ctx, profileID, sessions)

		switch node.Type {
		case NodeStart:
			nodeID = node.NextID

		case NodeMessage:
			if node.Content != "" {
				e.send(ctx, profileID, contactID, node.Content)
			}
			nodeID = node.NextID

		case NodeImage:
			if node.ImageURL != "" {
				if err := e.sender.SendImage(ctx, profileID, contactID, node.ImageURL, node.Caption); err != nil {
					e.logger.Warn("sending flow image failed", "profile", profileID, "contact", contactID, "error", err)
				}
			}
			nodeID = node.NextID

		case NodeQuestion:
			e.send(ctx, profileID, contactID, renderQuestion(node))
			return

		case NodeCondition:
			nodeID = resolveCondition(node, sess.LastAnswer)
			if nodeID == "" {
				e.endSession(ctx, profileID, contactID, sessions)
				return
			}

		case NodeAction:
			if e.action != nil && node.Action != "" {
				e.action(ctx, profileID, contactID, node.Action)
			}
			nodeID = node.NextID

		case NodeEnd:
			if node.Content != "" {
				e.send(ctx, profileID, contactID, node.Content)
			}
			e.endSession(ctx, profileID, contactID, sessions)
			return

		default:
			e.endSession(ctx, profileID, contactID, sessions)
			return
		}
	}

	e.logger.Warn("flow walk hit depth limit, discarding session", "profile", profileID, "contact", contactID, "flow", fl.ID)
	e.endSession(ctx, profileID, contactID, sessions)
}

// resolveCondition picks the branch whose label is a case-insensitive
// substring of the last recorded answer, else the "default" branch.
func resolveCondition(node *Node, lastAnswer string) string {
	answer := strings.ToLower(lastAnswer)
	var fallback string
	for label, target := range node.Connections {
		ll := strings.ToLower(label)
		if ll == "default" {
			fallback = target
			continue
		}
		if ll != "" && strings.Contains(answer, ll) {
			return target
		}
	}
	return fallback
}

// renderQuestion formats a question's text with its numbered options.
func renderQuestion(node *Node) string {
	if len(node.Options) == 0 {
		return node.Content
	}
	var b strings.Builder
	b.WriteString(node.Content)
	for i, opt := range node.Options {
		fmt.Fprintf(&b, "\n%d. %s", i+1, opt)
	}
	return b.String()
}

// flowMatches reports whether any trigger phrase equals the whole
// normalized message, equals one of its tokens, or is a substring of it.
func flowMatches(fl *Flow, norm string) bool {
	if norm == "" {
		return false
	}
	tokens := strings.Fields(norm)
	for _, trigger := range fl.Triggers {
		nt := Normalize(trigger)
		if nt == "" {
			continue
		}
		if nt == norm || strings.Contains(norm, nt) {
			return true
		}
		for _, tok := range tokens {
			if tok == nt {
				return true
			}
		}
	}
	return false
}

// Sweep expires sessions idle for more than 24 hours across all
// profiles, sending each affected contact the expiry notice.
func (e *Engine) Sweep(ctx context.Context) {
	profiles, err := e.storage.ListProfiles(ctx)
	if err != nil {
		e.logger.Error("listing profiles for session sweep failed", "error", err)
		return
	}
	for _, p := range profiles {
		e.sweepProfile(ctx, p.ID)
	}
}

func (e *Engine) sweepProfile(ctx context.Context, profileID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sessions := e.loadSessions(ctx, profileID)
	changed := false
	for contactID, sess := range sessions {
		if e.now().Sub(sess.LastActivity) <= sessionExpiry {
			continue
		}
		delete(sessions, contactID)
		changed = true
		e.send(ctx, profileID, contactID, sweepExpiredNotice)
		e.logger.Info("expired idle conversation session", "profile", profileID, "contact", contactID)
	}
	if changed {
		e.saveSessions(ctx, profileID, sessions)
	}
}

func (e *Engine) endSession(ctx context.Context, profileID, contactID string, sessions map[string]*Session) {
	delete(sessions, contactID)
	e.saveSessions(ctx, profileID, sessions)
}

// loadConfig reads the profile's flow configuration. Missing or
// malformed documents fall back to an empty configuration.
func (e *Engine) loadConfig(ctx context.Context, profileID string) *Config {
	body, err := e.storage.GetDocument(ctx, profileID, store.DocFlows)
	if err != nil {
		if err != store.ErrNotFound {
			e.logger.Error("loading flow config failed", "profile", profileID, "error", err)
		}
		return &Config{}
	}
	var cfg Config
	if err := json.Unmarshal(body, &cfg); err != nil {
		e.logger.Warn("malformed flow config, using empty", "profile", profileID, "error", err)
		return &Config{}
	}
	return &cfg
}

func (e *Engine) loadSessions(ctx context.Context, profileID string) map[string]*Session {
	body, err := e.storage.GetDocument(ctx, profileID, store.DocSessions)
	if err != nil {
		if err != store.ErrNotFound {
			e.logger.Error("loading conversation sessions failed", "profile", profileID, "error", err)
		}
		return make(map[string]*Session)
	}
	sessions := make(map[string]*Session)
	if err := json.Unmarshal(body, &sessions); err != nil {
		e.logger.Warn("malformed session document, starting fresh", "profile", profileID, "error", err)
		return make(map[string]*Session)
	}
	return sessions
}

func (e *Engine) saveSessions(ctx context.Context, profileID string, sessions map[string]*Session) {
	body, err := json.Marshal(sessions)
	if err != nil {
		e.logger.Error("encoding conversation sessions failed", "profile", profileID, "error", err)
		return
	}
	if err := e.storage.SetDocument(ctx, profileID, store.DocSessions, body); err != nil {
		e.logger.Error("persisting conversation sessions failed", "profile", profileID, "error", err)
	}
}

func (e *Engine) send(ctx context.Context, profileID, contactID, text string) {
	if err := e.sender.SendText(ctx, profileID, contactID, text); err != nil {
		e.logger.Warn("sending flow message failed", "profile", profileID, "contact", contactID, "error", err)
	}
}
