// ABOUTME: WebSocket adapter for the messaging transport daemon
// ABOUTME: Decodes JSON frames into Events and marshals outbound commands

package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// WSClient dials the transport daemon over WebSocket. Each profile gets
// its own stream at {base}/profiles/{id}/stream.
type WSClient struct {
	baseURL string
	logger  *slog.Logger
}

// NewWSClient creates a client for the daemon at baseURL (ws:// or wss://).
func NewWSClient(baseURL string, logger *slog.Logger) *WSClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger.With("component", "transport"),
	}
}

// Connect dials the stream for a profile and starts the read loop.
func (c *WSClient) Connect(ctx context.Context, profileID string) (Conn, error) {
	streamURL := c.baseURL + "/profiles/" + url.PathEscape(profileID) + "/stream"

	ws, _, err := websocket.Dial(ctx, streamURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing transport stream: %w", err)
	}
	// Credential blobs and linking images can be large
	ws.SetReadLimit(8 << 20)

	conn := &wsConn{
		ws:     ws,
		events: make(chan Event, 64),
		logger: c.logger.With("profile", profileID),
	}
	go conn.readLoop()
	return conn, nil
}

// wsConn is one live WebSocket stream for a profile.
type wsConn struct {
	ws      *websocket.Conn
	events  chan Event
	logger  *slog.Logger
	writeMu sync.Mutex
}

// frame is the JSON wire format shared with the transport daemon for both
// inbound events and outbound commands.
type frame struct {
	Type string `json:"type"`

	// connection
	State     string `json:"state,omitempty"`
	ErrorCode int    `json:"errorCode,omitempty"`

	// linking
	ArtifactKind string `json:"artifactKind,omitempty"`
	Artifact     string `json:"artifact,omitempty"`

	// message (inbound) / send commands (outbound)
	MessageID  string `json:"messageId,omitempty"`
	From       string `json:"from,omitempty"`
	To         string `json:"to,omitempty"`
	Text       string `json:"text,omitempty"`
	SenderName string `json:"senderName,omitempty"`
	FromMe     bool   `json:"fromMe,omitempty"`
	Timestamp  int64  `json:"timestamp,omitempty"`
	URL        string `json:"url,omitempty"`
	Caption    string `json:"caption,omitempty"`
	Phone      string `json:"phone,omitempty"`

	// credentials
	Credentials []byte `json:"credentials,omitempty"`
}

// Frame types.
const (
	frameConnection  = "connection"
	frameLinking     = "linking"
	frameMessage     = "message"
	frameCredentials = "credentials"

	frameSendText    = "send_text"
	frameSendImage   = "send_image"
	frameRequestCode = "request_code"
	frameSignOff     = "sign_off"
)

func (c *wsConn) Events() <-chan Event {
	return c.events
}

// readLoop decodes frames until the socket fails, then closes the event
// channel so the lifecycle manager sees the link as gone.
func (c *wsConn) readLoop() {
	defer close(c.events)

	for {
		_, data, err := c.ws.Read(context.Background())
		if err != nil {
			if websocket.CloseStatus(err) == -1 {
				c.logger.Debug("transport stream read error", "error", err)
			}
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn("dropping malformed transport frame", "error", err)
			continue
		}

		evt, ok := decodeFrame(&f)
		if !ok {
			c.logger.Debug("ignoring unknown transport frame", "type", f.Type)
			continue
		}
		c.events <- evt
	}
}

// decodeFrame converts a wire frame into an Event.
func decodeFrame(f *frame) (Event, bool) {
	switch f.Type {
	case frameConnection:
		return Event{
			Kind:       KindConnection,
			Connection: &ConnectionUpdate{State: f.State, ErrorCode: f.ErrorCode},
		}, true
	case frameLinking:
		kind := f.ArtifactKind
		if kind == "" {
			kind = LinkingImage
		}
		return Event{
			Kind:    KindLinking,
			Linking: &LinkingArtifact{Kind: kind, Value: f.Artifact},
		}, true
	case frameMessage:
		return Event{
			Kind: KindMessage,
			Message: &InboundMessage{
				ID:         f.MessageID,
				ContactID:  f.From,
				Text:       f.Text,
				SenderName: f.SenderName,
				FromMe:     f.FromMe,
				Group:      isGroupConversation(f.From),
				Timestamp:  time.Unix(f.Timestamp, 0).UTC(),
			},
		}, true
	case frameCredentials:
		return Event{Kind: KindCredentials, Credentials: f.Credentials}, true
	default:
		return Event{}, false
	}
}

// isGroupConversation reports whether the conversation id names a
// group-style chat rather than a direct contact.
func isGroupConversation(contactID string) bool {
	return strings.HasSuffix(contactID, "@g.us")
}

func (c *wsConn) writeFrame(ctx context.Context, f *frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encoding transport command: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("writing transport command: %w", err)
	}
	return nil
}

func (c *wsConn) SendText(ctx context.Context, contactID, text string) error {
	return c.writeFrame(ctx, &frame{Type: frameSendText, To: contactID, Text: text})
}

func (c *wsConn) SendImage(ctx context.Context, contactID, imageURL, caption string) error {
	return c.writeFrame(ctx, &frame{Type: frameSendImage, To: contactID, URL: imageURL, Caption: caption})
}

func (c *wsConn) RequestLinkingCode(ctx context.Context, phoneNumber string) error {
	return c.writeFrame(ctx, &frame{Type: frameRequestCode, Phone: phoneNumber})
}

func (c *wsConn) SignOff(ctx context.Context) error {
	return c.writeFrame(ctx, &frame{Type: frameSignOff})
}

func (c *wsConn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "session ended")
}
