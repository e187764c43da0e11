// ABOUTME: Flow definition and conversation session types plus text normalization
// ABOUTME: Matches the persisted JSON format produced by the external flow editor

package flow

import (
	"regexp"
	"strings"
	"time"
)

// NodeType is the fixed vocabulary of flow node kinds.
type NodeType string

const (
	NodeStart     NodeType = "START"
	NodeMessage   NodeType = "MESSAGE"
	NodeImage     NodeType = "IMAGE"
	NodeQuestion  NodeType = "QUESTION"
	NodeCondition NodeType = "CONDITION"
	NodeAction    NodeType = "ACTION"
	NodeEnd       NodeType = "END"
)

// Config is a profile's full flow configuration as persisted by the editor.
type Config struct {
	IdleEnabled bool    `json:"idleEnabled"`
	IdleMessage string  `json:"idleMessage,omitempty"`
	Flows       []*Flow `json:"flows"`
}

// Flow returns the flow with the given id, or nil.
func (c *Config) Flow(id string) *Flow {
	for _, f := range c.Flows {
		if f.ID == id {
			return f
		}
	}
	return nil
}

// Flow is one scripted dialogue: trigger phrases plus a node graph.
type Flow struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Triggers []string `json:"triggers"`
	Nodes    []*Node  `json:"nodes"`
}

// Node returns the node with the given id, or nil.
func (f *Flow) Node(id string) *Node {
	for _, n := range f.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// StartNode returns the flow's START node, or nil if the graph has none.
func (f *Flow) StartNode() *Node {
	for _, n := range f.Nodes {
		if n.Type == NodeStart {
			return n
		}
	}
	return nil
}

// Node is one step in a flow graph. Connections map branch labels to
// target node ids; NextID is the unlabeled default edge.
type Node struct {
	ID          string            `json:"id"`
	Type        NodeType          `json:"type"`
	Content     string            `json:"content,omitempty"`
	ImageURL    string            `json:"imageUrl,omitempty"`
	Caption     string            `json:"caption,omitempty"`
	Options     []string          `json:"options,omitempty"`
	NextID      string            `json:"nextId,omitempty"`
	Connections map[string]string `json:"connections,omitempty"`
	Action      string            `json:"action,omitempty"`
}

// Session is the persisted position of one contact inside one flow.
// Answers are keyed by the QUESTION node that asked them.
type Session struct {
	FlowID       string            `json:"flowId"`
	NodeID       string            `json:"nodeId"`
	Answers      map[string]string `json:"answers,omitempty"`
	LastAnswer   string            `json:"lastAnswer,omitempty"`
	LastActivity time.Time         `json:"lastActivity"`
}

var (
	symbolPattern = regexp.MustCompile(`[^\p{L}\p{N}_\s]+`)
	spacePattern  = regexp.MustCompile(`\s+`)
)

// Normalize strips punctuation and symbols, collapses whitespace, and
// lowercases, so trigger and answer matching ignore cosmetic variation.
func Normalize(text string) string {
	t := symbolPattern.ReplaceAllString(text, "")
	t = spacePattern.ReplaceAllString(t, " ")
	return strings.ToLower(strings.TrimSpace(t))
}
