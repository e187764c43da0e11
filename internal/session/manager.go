// ABOUTME: Connection lifecycle manager owning one state machine per profile
// ABOUTME: Self-heals from drops, timeouts, and logouts without manual intervention

package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/barleyhq/barley-gateway/internal/transport"
)

// ErrNoSession indicates no session exists for the profile.
var ErrNoSession = errors.New("no session for profile")

// ErrNotConnected indicates the profile's link is not open.
var ErrNotConnected = errors.New("profile is not connected")

// Status is the connection state of one profile's session.
type Status string

const (
	StatusUninitialized Status = "uninitialized"
	StatusConnecting    Status = "connecting"
	StatusOpen          Status = "open"
	StatusClosed        Status = "closed"
)

// Sink consumes the normalized events the manager emits: connection
// changes, linking artifacts, inbound messages, and credential updates.
type Sink interface {
	HandleEvent(ctx context.Context, evt transport.Event)
}

// CredentialStore is the slice of persistence the manager needs. It only
// ever discards credentials; persisting fresh ones is the router's job.
type CredentialStore interface {
	DeleteCredentials(ctx context.Context, profileID string) error
}

// Timings holds the recovery delays for the state machine.
type Timings struct {
	// ConnectTimeout bounds how long a session may sit in connecting
	// before it is recycled with fresh credentials.
	ConnectTimeout time.Duration
	// ReconnectDelay is applied after a recoverable drop.
	ReconnectDelay time.Duration
	// RelinkDelay is applied after a terminal (logged-out) drop, before
	// restarting to generate a fresh linking artifact.
	RelinkDelay time.Duration
}

// ConnectionSession is the live/attempting state of one profile's link.
// The transport handle is exclusively owned by this session.
type ConnectionSession struct {
	profileID string

	mu             sync.Mutex
	status         Status
	conn           transport.Conn
	lastErr        error
	artifact       *transport.LinkingArtifact
	connectTimer   Timer
	reconnectTimer Timer
	// gen invalidates in-flight dials, read loops, and timer fires that
	// belong to a superseded connection attempt.
	gen     uint64
	stopped bool
}

func (s *ConnectionSession) stopTimersLocked() {
	if s.connectTimer != nil {
		s.connectTimer.Stop()
		s.connectTimer = nil
	}
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
}

// Manager coordinates all profile sessions and routes their events to the sink.
type Manager struct {
	client  transport.Client
	creds   CredentialStore
	clock   Clock
	timings Timings
	logger  *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*ConnectionSession

	sinkMu sync.RWMutex
	sink   Sink
}

// NewManager creates a lifecycle manager. A nil clock selects the wall clock.
func NewManager(client transport.Client, creds CredentialStore, timings Timings, clock Clock, logger *slog.Logger) *Manager {
	if clock == nil {
		clock = NewClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		client:   client,
		creds:    creds,
		clock:    clock,
		timings:  timings,
		logger:   logger.With("component", "session-manager"),
		sessions: make(map[string]*ConnectionSession),
	}
}

// SetSink wires the event consumer. Must be called before Start.
func (m *Manager) SetSink(sink Sink) {
	m.sinkMu.Lock()
	defer m.sinkMu.Unlock()
	m.sink = sink
}

// Start brings up the session for a profile. Starting a profile that
// already has a live session is a no-op.
func (m *Manager) Start(profileID string) {
	m.mu.Lock()
	if _, exists := m.sessions[profileID]; exists {
		m.mu.Unlock()
		m.logger.Debug("start ignored: session already live", "profile", profileID)
		return
	}
	s := &ConnectionSession{profileID: profileID, status: StatusUninitialized}
	m.sessions[profileID] = s
	m.mu.Unlock()

	m.logger.Info("starting profile session", "profile", profileID)
	m.beginConnecting(s)
}

// beginConnecting transitions the session to connecting, arms the connect
// timeout, and kicks off an async dial.
func (m *Manager) beginConnecting(s *ConnectionSession) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.gen++
	gen := s.gen
	s.status = StatusConnecting
	s.artifact = nil
	s.stopTimersLocked()
	s.connectTimer = m.clock.AfterFunc(m.timings.ConnectTimeout, func() {
		m.connectTimedOut(s, gen)
	})
	s.mu.Unlock()

	m.emitConnection(s.profileID, StatusConnecting, 0)
	go m.dial(s, gen)
}

// dial establishes the transport link for the given attempt generation.
func (m *Manager) dial(s *ConnectionSession, gen uint64) {
	conn, err := m.client.Connect(context.Background(), s.profileID)

	s.mu.Lock()
	if s.stopped || s.gen != gen {
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		s.lastErr = err
		s.mu.Unlock()
		m.logger.Warn("transport connect failed", "profile", s.profileID, "error", err)
		m.recycle(s, gen, m.timings.ReconnectDelay, false, 0)
		return
	}
	s.conn = conn
	s.mu.Unlock()

	go m.readLoop(s, gen, conn)
}

// readLoop consumes the transport event stream for one connection attempt.
func (m *Manager) readLoop(s *ConnectionSession, gen uint64, conn transport.Conn) {
	for evt := range conn.Events() {
		evt.Profile = s.profileID
		switch evt.Kind {
		case transport.KindConnection:
			m.handleConnectionUpdate(s, gen, evt.Connection)
		case transport.KindLinking:
			m.handleLinking(s, gen, evt)
		default:
			// Messages and credential updates pass straight through.
			m.forward(evt)
		}
	}

	// Stream ended without an explicit closed update: recoverable drop.
	s.mu.Lock()
	stale := s.stopped || s.gen != gen
	s.mu.Unlock()
	if stale {
		return
	}
	m.logger.Warn("transport stream ended", "profile", s.profileID)
	m.recycle(s, gen, m.timings.ReconnectDelay, false, 0)
}

// handleConnectionUpdate applies a transport-reported state change.
func (m *Manager) handleConnectionUpdate(s *ConnectionSession, gen uint64, upd *transport.ConnectionUpdate) {
	switch upd.State {
	case transport.StateOpen:
		s.mu.Lock()
		if s.stopped || s.gen != gen {
			s.mu.Unlock()
			return
		}
		if s.connectTimer != nil {
			s.connectTimer.Stop()
			s.connectTimer = nil
		}
		s.status = StatusOpen
		s.artifact = nil
		s.lastErr = nil
		s.mu.Unlock()

		m.logger.Info("profile connected", "profile", s.profileID)
		m.emitConnection(s.profileID, StatusOpen, 0)

	case transport.StateClosed:
		if upd.ErrorCode == transport.CodeLoggedOut {
			m.logger.Info("profile logged out, restarting for fresh link", "profile", s.profileID)
			m.recycle(s, gen, m.timings.RelinkDelay, true, upd.ErrorCode)
		} else {
			m.logger.Warn("connection dropped, reconnecting", "profile", s.profileID, "code", upd.ErrorCode)
			m.recycle(s, gen, m.timings.ReconnectDelay, false, upd.ErrorCode)
		}

	case transport.StateConnecting:
		// Daemon-side handshake progress; the session is already connecting.
	}
}

// handleLinking caches and forwards a linking artifact. Artifacts are only
// meaningful while the session is connecting.
func (m *Manager) handleLinking(s *ConnectionSession, gen uint64, evt transport.Event) {
	s.mu.Lock()
	if s.stopped || s.gen != gen || s.status != StatusConnecting {
		s.mu.Unlock()
		return
	}
	s.artifact = evt.Linking
	s.mu.Unlock()

	m.forward(evt)
}

// connectTimedOut fires when a session has sat in connecting for the full
// timeout. Cached credentials are discarded and the attempt restarts, so a
// profile can never be stuck connecting forever.
func (m *Manager) connectTimedOut(s *ConnectionSession, gen uint64) {
	s.mu.Lock()
	if s.stopped || s.gen != gen || s.status != StatusConnecting {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	m.logger.Warn("connect timeout, recycling with fresh credentials", "profile", s.profileID)
	m.recycle(s, gen, 0, true, 0)
}

// recycle tears down the current attempt and schedules a fresh one after
// delay. dropCreds additionally discards the cached transport credentials.
// The call is a no-op if gen no longer identifies the current attempt.
func (m *Manager) recycle(s *ConnectionSession, gen uint64, delay time.Duration, dropCreds bool, code int) {
	s.mu.Lock()
	if s.stopped || s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.gen++
	if s.conn != nil {
		conn := s.conn
		s.conn = nil
		go func() { _ = conn.Close() }()
	}
	s.stopTimersLocked()
	s.status = StatusClosed
	s.artifact = nil
	s.reconnectTimer = m.clock.AfterFunc(delay, func() {
		m.beginConnecting(s)
	})
	s.mu.Unlock()

	if dropCreds {
		m.dropCredentials(s.profileID)
	}
	m.emitConnection(s.profileID, StatusClosed, code)
}

// Logout signs off gracefully when possible, then performs terminal
// cleanup regardless of whether the graceful call succeeded.
func (m *Manager) Logout(ctx context.Context, profileID string) error {
	s := m.get(profileID)
	if s == nil {
		return ErrNoSession
	}

	s.mu.Lock()
	conn := s.conn
	gen := s.gen
	s.mu.Unlock()

	if conn != nil {
		if err := conn.SignOff(ctx); err != nil {
			m.logger.Warn("graceful sign-off failed", "profile", profileID, "error", err)
		}
	}

	m.dropCredentials(profileID)
	m.recycle(s, gen, m.timings.RelinkDelay, false, 0)
	return nil
}

// Refresh force-terminates the current handle, discards credentials, and
// restarts immediately. Used when a human asks for a brand-new linking
// artifact.
func (m *Manager) Refresh(profileID string) error {
	s := m.get(profileID)
	if s == nil {
		return ErrNoSession
	}

	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()

	m.dropCredentials(profileID)
	m.recycle(s, gen, 0, false, 0)
	return nil
}

// Stop cancels all pending timers for a profile, closes its link, and
// discards the in-memory session before returning. Used on profile deletion.
func (m *Manager) Stop(profileID string) {
	m.mu.Lock()
	s, ok := m.sessions[profileID]
	if ok {
		delete(m.sessions, profileID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	s.stopped = true
	s.gen++
	s.stopTimersLocked()
	conn := s.conn
	s.conn = nil
	s.status = StatusClosed
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	m.logger.Info("profile session stopped", "profile", profileID)
}

// StopAll stops every profile session. Used on shutdown.
func (m *Manager) StopAll() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.Stop(id)
	}
}

// Status returns the current connection state for a profile.
func (m *Manager) Status(profileID string) Status {
	s := m.get(profileID)
	if s == nil {
		return StatusUninitialized
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Artifact returns the cached linking artifact for a profile, or nil if
// none is pending.
func (m *Manager) Artifact(profileID string) *transport.LinkingArtifact {
	s := m.get(profileID)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.artifact
}

// SendText sends a text message on an open profile link. Send errors do
// not affect the connection state.
func (m *Manager) SendText(ctx context.Context, profileID, contactID, text string) error {
	conn, err := m.openConn(profileID)
	if err != nil {
		return err
	}
	return conn.SendText(ctx, contactID, text)
}

// SendImage sends an image reference with optional caption on an open link.
func (m *Manager) SendImage(ctx context.Context, profileID, contactID, url, caption string) error {
	conn, err := m.openConn(profileID)
	if err != nil {
		return err
	}
	return conn.SendImage(ctx, contactID, url, caption)
}

// RequestLinkingCode asks the transport for a short alphanumeric pairing
// code. Valid while the session is connecting; the code arrives as a
// linking-artifact event.
func (m *Manager) RequestLinkingCode(ctx context.Context, profileID, phoneNumber string) error {
	s := m.get(profileID)
	if s == nil {
		return ErrNoSession
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.RequestLinkingCode(ctx, phoneNumber)
}

func (m *Manager) openConn(profileID string) (transport.Conn, error) {
	s := m.get(profileID)
	if s == nil {
		return nil, ErrNoSession
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusOpen || s.conn == nil {
		return nil, ErrNotConnected
	}
	return s.conn, nil
}

func (m *Manager) get(profileID string) *ConnectionSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[profileID]
}

func (m *Manager) dropCredentials(profileID string) {
	if m.creds == nil {
		return
	}
	if err := m.creds.DeleteCredentials(context.Background(), profileID); err != nil {
		m.logger.Error("discarding credentials failed", "profile", profileID, "error", err)
	}
}

func (m *Manager) emitConnection(profileID string, status Status, code int) {
	m.forward(transport.Event{
		Profile:    profileID,
		Kind:       transport.KindConnection,
		Connection: &transport.ConnectionUpdate{State: string(status), ErrorCode: code},
	})
}

func (m *Manager) forward(evt transport.Event) {
	m.sinkMu.RLock()
	sink := m.sink
	m.sinkMu.RUnlock()
	if sink == nil {
		return
	}
	sink.HandleEvent(context.Background(), evt)
}
