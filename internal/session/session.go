// Package session implements the client side of the collaboration
// protocol: one Session per open document view. It debounces and
// broadcasts local edits, mirrors peer presence and locks, applies the
// receive-side merge policy, and reconnects with linear backoff when the
// transport drops.
package session

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"manuscript-collab/internal/protocol"
)

const (
	// DefaultDebounce is the input-quiet interval before a local edit is
	// broadcast; rapid keystrokes coalesce into one settled operation.
	DefaultDebounce = 500 * time.Millisecond

	// DefaultReconnectBaseDelay is the unit of the linear retry schedule.
	DefaultReconnectBaseDelay = time.Second

	// DefaultMaxReconnectAttempts is how many retries run before the
	// session gives up for good.
	DefaultMaxReconnectAttempts = 5

	// DefaultLockPollInterval drives the periodic lock-status refresh that
	// backstops the event-driven updates.
	DefaultLockPollInterval = time.Second
)

// ErrReconnectExhausted is reported through Handler.ConnectionFailed once
// every reconnect attempt has failed.
var ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

// Conn is the subset of the websocket connection the session uses.
// *websocket.Conn satisfies it; tests substitute fakes.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens a transport connection to the relay.
type Dialer func(ctx context.Context) (Conn, error)

// Config configures a Session. URL, DocumentID, UserID, Username, Handler
// and Editor are required; zero durations fall back to the defaults above.
type Config struct {
	URL        string // ws endpoint for the document, e.g. ws://relay/ws/{documentID}
	DocumentID string
	UserID     string
	Username   string

	Handler Handler
	Editor  Editor

	Debounce             time.Duration
	ReconnectBaseDelay   time.Duration
	MaxReconnectAttempts int
	LockPollInterval     time.Duration

	// Cache, when set, persists last-applied content across restarts.
	Cache *SnapshotCache

	// Dialer overrides the default websocket dialer, for tests.
	Dialer Dialer
}

type pendingEdit struct {
	section string
	content string
}

// Session is one client's connection to a document's collaboration channel.
type Session struct {
	cfg    Config
	dialer Dialer
	mirror *mirror

	mu                sync.Mutex
	conn              Conn
	state             ConnectionState
	reconnectAttempts int
	retry             backoff.BackOff
	lastApplied       map[string]string
	focusSection      string
	pending           *pendingEdit
	debounce          *time.Timer

	writeMu sync.Mutex

	closed    chan struct{}
	closeOnce sync.Once
}

// New creates a session for one document view. Call Connect to establish
// the transport.
func New(cfg Config) *Session {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if cfg.LockPollInterval <= 0 {
		cfg.LockPollInterval = DefaultLockPollInterval
	}
	if cfg.Handler == nil {
		cfg.Handler = NopHandler{}
	}

	s := &Session{
		cfg:         cfg,
		mirror:      newMirror(),
		state:       StateDisconnected,
		retry:       newLinearBackOff(cfg.ReconnectBaseDelay, cfg.MaxReconnectAttempts),
		lastApplied: make(map[string]string),
		closed:      make(chan struct{}),
	}

	s.dialer = cfg.Dialer
	if s.dialer == nil {
		s.dialer = websocketDialer(cfg)
	}

	go s.pollLockStatus()
	return s
}

// websocketDialer dials the relay with the identity headers the relay's
// resolver expects from the authenticated front proxy.
func websocketDialer(cfg Config) Dialer {
	return func(ctx context.Context) (Conn, error) {
		header := http.Header{}
		header.Set("X-User-Id", cfg.UserID)
		header.Set("X-User-Name", cfg.Username)
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, header)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// Connect attempts to open the transport. A failed dial is not an error to
// the caller; it schedules a reconnect exactly like a mid-session drop.
func (s *Session) Connect() {
	s.setState(StateConnecting)

	conn, err := s.dialer(context.Background())
	if err != nil {
		slog.Warn("dial failed", "document", s.cfg.DocumentID, "err", err)
		s.scheduleReconnect()
		return
	}
	s.onConnected(conn)
}

func (s *Session) onConnected(conn Conn) {
	s.mu.Lock()
	s.conn = conn
	s.reconnectAttempts = 0
	s.retry.Reset()
	s.mu.Unlock()

	s.setState(StateConnected)
	go s.readLoop(conn)
}

// readLoop drains the transport until it fails, then hands off to the
// reconnect schedule. Locks held before the drop are abandoned; the relay
// releases them when it notices the dead connection.
func (s *Session) readLoop(conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		s.dispatch(data)
	}

	conn.Close()

	select {
	case <-s.closed:
		return
	default:
	}
	s.scheduleReconnect()
}

// scheduleReconnect arms the next retry, or surfaces the terminal failure
// once the attempt cap is spent.
func (s *Session) scheduleReconnect() {
	s.setState(StateDisconnected)

	s.mu.Lock()
	delay := s.retry.NextBackOff()
	if delay == backoff.Stop {
		s.mu.Unlock()
		slog.Warn("reconnect attempts exhausted", "document", s.cfg.DocumentID)
		s.cfg.Handler.ConnectionFailed(ErrReconnectExhausted)
		return
	}
	s.reconnectAttempts++
	attempt := s.reconnectAttempts
	s.mu.Unlock()

	slog.Info("scheduling reconnect",
		"document", s.cfg.DocumentID, "attempt", attempt, "delay", delay)

	timer := time.NewTimer(delay)
	go func() {
		select {
		case <-timer.C:
			s.Connect()
		case <-s.closed:
			timer.Stop()
		}
	}()
}

// dispatch decodes one relay message and routes it. Echoes of this
// session's own presence and text messages are filtered here, centrally,
// rather than per handler; lock events pass through because the grant echo
// is how the session learns its own request succeeded.
func (s *Session) dispatch(data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		slog.Warn("dropping malformed message", "err", err)
		return
	}

	if msg.UserID == s.cfg.UserID {
		switch msg.Type {
		case protocol.MsgUserJoined, protocol.MsgUserLeft, protocol.MsgTextChange:
			return
		}
	}

	switch msg.Type {
	case protocol.MsgCollaboratorsList:
		s.mirror.reset(msg.Collaborators, s.cfg.UserID)
		s.cfg.Handler.CollaboratorsChanged(s.mirror.snapshot())

	case protocol.MsgUserJoined:
		s.mirror.add(msg.UserID, msg.Username)
		s.cfg.Handler.UserJoined(msg.UserID, msg.Username)

	case protocol.MsgUserLeft:
		s.mirror.remove(msg.UserID)
		s.cfg.Handler.UserLeft(msg.UserID, msg.Username)

	case protocol.MsgSectionLocked:
		if msg.UserID != s.cfg.UserID {
			s.mirror.lock(msg.UserID, msg.Username, msg.Section)
		}
		s.cfg.Handler.SectionLocked(msg.Section, msg.UserID, msg.Username)

	case protocol.MsgSectionUnlocked:
		if msg.UserID != s.cfg.UserID {
			s.mirror.unlock(msg.UserID, msg.Section)
		}
		s.cfg.Handler.SectionUnlocked(msg.Section, msg.UserID, msg.Username)

	case protocol.MsgTextChange:
		s.applyRemote(msg)

	case protocol.MsgError:
		s.cfg.Handler.ErrorReceived(msg.Message)
	}
}

// applyRemote is the receive-side merge policy. In order:
//  1. Operations for a section other than the active one are not rendered.
//  2. If the local editor is focused on the section, the remote operation
//     is dropped outright; in-progress local edits take precedence and the
//     section lock is what keeps this case rare.
//  3. Otherwise the new content replaces the buffer wholesale and the caret
//     stays at its previous numeric offset, clamped to the new length.
func (s *Session) applyRemote(msg *protocol.Message) {
	op := msg.Operation
	if err := op.Validate(); err != nil {
		slog.Warn("dropping invalid remote operation", "err", err)
		return
	}

	editor := s.cfg.Editor
	if editor == nil {
		return
	}

	if msg.Section != editor.ActiveSection() {
		// TODO: queue operations for inactive sections instead of
		// dropping them, so switching sections converges without a
		// content re-fetch.
		return
	}

	if editor.Focused() {
		return
	}

	s.mu.Lock()
	base, known := s.lastApplied[msg.Section]
	s.lastApplied[msg.Section] = op.NewText
	s.mu.Unlock()

	if known && !op.AppliesTo(base) {
		// Stale base; applied anyway since the buffer is idle. The last
		// settled writer wins.
		slog.Debug("remote operation base mismatch",
			"document", s.cfg.DocumentID, "section", msg.Section)
	}

	caret := editor.Caret()
	if caret > len(op.NewText) {
		caret = len(op.NewText)
	}
	editor.Apply(msg.Section, op.NewText, caret)
	s.cacheSnapshot(msg.Section, op.NewText)

	s.cfg.Handler.RemoteChangeApplied(msg.Section, op.NewText)
}

// Edit records a local keystroke's settled buffer and arms the trailing-
// edge debounce timer; only the final state after the quiet interval is
// broadcast. An edit to a different section flushes the pending one first.
func (s *Session) Edit(section, content string) {
	s.mu.Lock()
	var flush *outboundChange
	if s.pending != nil && s.pending.section != section {
		flush = s.takePendingLocked()
	}
	s.pending = &pendingEdit{section: section, content: content}
	if s.debounce != nil {
		s.debounce.Stop()
	}
	s.debounce = time.AfterFunc(s.cfg.Debounce, s.flushPending)
	s.mu.Unlock()

	s.sendChange(flush)
}

func (s *Session) flushPending() {
	s.mu.Lock()
	flush := s.takePendingLocked()
	s.mu.Unlock()

	s.sendChange(flush)
}

type outboundChange struct {
	conn    Conn
	section string
	op      *protocol.TextOperation
}

// takePendingLocked turns the pending edit into one whole-buffer replace
// against the previous settled content. Caller holds s.mu.
func (s *Session) takePendingLocked() *outboundChange {
	p := s.pending
	if p == nil {
		return nil
	}
	s.pending = nil

	op := protocol.NewReplace(s.lastApplied[p.section], p.content)
	s.lastApplied[p.section] = p.content

	var conn Conn
	if s.state == StateConnected {
		conn = s.conn
	}
	return &outboundChange{conn: conn, section: p.section, op: op}
}

// sendChange broadcasts one settled edit. Edits made while disconnected
// update the local base and cache but are never replayed; reconciliation
// happens through the document service re-fetch.
func (s *Session) sendChange(c *outboundChange) {
	if c == nil {
		return
	}
	if c.conn != nil {
		s.write(c.conn, protocol.NewTextChange(c.section, c.op))
	}
	s.cacheSnapshot(c.section, c.op.NewText)
}

// FocusSection moves the editing focus: the previous section's lock is
// released before the new one is requested. The brief window with no lock
// on either section is intentional.
func (s *Session) FocusSection(section string) {
	s.mu.Lock()
	prev := s.focusSection
	s.focusSection = section
	conn := s.conn
	connected := s.state == StateConnected
	s.mu.Unlock()

	if !connected || conn == nil {
		return
	}
	if prev != "" && prev != section {
		s.write(conn, protocol.NewSectionUnlocked(prev, s.cfg.UserID, s.cfg.Username))
	}
	if section != "" && section != prev {
		s.write(conn, protocol.NewSectionLocked(section, s.cfg.UserID, s.cfg.Username))
	}
}

// Blur releases the currently focused section's lock.
func (s *Session) Blur() {
	s.FocusSection("")
}

// LockHolder reports which peer, if any, holds a section's lock according
// to the local mirror.
func (s *Session) LockHolder(section string) (userID, username string, held bool) {
	return s.mirror.lockHolder(section)
}

// Collaborators returns the current peer mirror.
func (s *Session) Collaborators() []protocol.Collaborator {
	return s.mirror.snapshot()
}

// State returns the current connection state.
func (s *Session) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ReconnectAttempts returns how many reconnects have been attempted since
// the last successful connection.
func (s *Session) ReconnectAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnectAttempts
}

// Close tears the session down: no further reconnects, pending debounce
// cancelled, transport closed.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)

		s.mu.Lock()
		if s.debounce != nil {
			s.debounce.Stop()
		}
		s.pending = nil
		conn := s.conn
		s.state = StateDisconnected
		s.mu.Unlock()

		if conn != nil {
			conn.Close()
		}
	})
}

// pollLockStatus re-delivers the remote lock table at a fixed interval so
// the UI converges even when an event broadcast was missed.
func (s *Session) pollLockStatus() {
	ticker := time.NewTicker(s.cfg.LockPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cfg.Handler.LockStatusRefreshed(s.mirror.locks())
		case <-s.closed:
			return
		}
	}
}

func (s *Session) setState(state ConnectionState) {
	s.mu.Lock()
	changed := s.state != state
	s.state = state
	s.mu.Unlock()

	if changed {
		s.cfg.Handler.ConnectionStateChanged(state)
	}
}

// write serializes one message onto the transport. Serialized by writeMu
// since the debounce timer and UI calls run on different goroutines.
func (s *Session) write(conn Conn, msg *protocol.Message) {
	data, err := msg.Encode()
	if err != nil {
		slog.Error("message serialization failed", "err", err)
		return
	}

	s.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, data)
	s.writeMu.Unlock()
	if err != nil {
		slog.Warn("write failed", "document", s.cfg.DocumentID, "err", err)
	}
}

func (s *Session) cacheSnapshot(section, content string) {
	if s.cfg.Cache == nil {
		return
	}
	if err := s.cfg.Cache.Put(s.cfg.DocumentID, section, content); err != nil {
		slog.Warn("snapshot cache write failed", "err", err)
	}
}
