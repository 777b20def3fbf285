package session_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"manuscript-collab/internal/protocol"
	"manuscript-collab/internal/session"
)

// fakeConn is an in-memory transport: tests push server messages through
// deliver and inspect what the session wrote through sent.
type fakeConn struct {
	mu       sync.Mutex
	writes   []*protocol.Message
	incoming chan []byte
	done     chan struct{}
	once     sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		incoming: make(chan []byte, 16),
		done:     make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.incoming:
		return websocket.TextMessage, data, nil
	case <-c.done:
		return 0, nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	msg, err := protocol.Decode(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.writes = append(c.writes, msg)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) deliver(t *testing.T, msg *protocol.Message) {
	t.Helper()
	data, err := msg.Encode()
	require.NoError(t, err)
	c.incoming <- data
}

func (c *fakeConn) sent() []*protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*protocol.Message, len(c.writes))
	copy(out, c.writes)
	return out
}

func (c *fakeConn) sentOfType(mt protocol.MessageType) []*protocol.Message {
	var out []*protocol.Message
	for _, m := range c.sent() {
		if m.Type == mt {
			out = append(out, m)
		}
	}
	return out
}

// fakeEditor stands in for the UI layer's buffer and focus state.
type fakeEditor struct {
	mu      sync.Mutex
	active  string
	focused bool
	content map[string]string
	caret   int
	applied int
}

func newFakeEditor(active string) *fakeEditor {
	return &fakeEditor{active: active, content: make(map[string]string)}
}

func (e *fakeEditor) ActiveSection() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

func (e *fakeEditor) Focused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.focused
}

func (e *fakeEditor) Content(section string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.content[section]
}

func (e *fakeEditor) Caret() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.caret
}

func (e *fakeEditor) Apply(section, content string, caret int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.content[section] = content
	e.caret = caret
	e.applied++
}

func (e *fakeEditor) setFocused(focused bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.focused = focused
}

func (e *fakeEditor) appliedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.applied
}

// recordingHandler captures the event interface for assertions.
type recordingHandler struct {
	session.NopHandler

	mu            sync.Mutex
	states        []session.ConnectionState
	remoteApplied []string
	errorNotices  []string

	failed chan error
	locks  chan []session.LockInfo
	locked chan string
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		failed: make(chan error, 1),
		locks:  make(chan []session.LockInfo, 16),
		locked: make(chan string, 16),
	}
}

func (h *recordingHandler) ConnectionStateChanged(state session.ConnectionState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.states = append(h.states, state)
}

func (h *recordingHandler) ConnectionFailed(err error) {
	select {
	case h.failed <- err:
	default:
	}
}

func (h *recordingHandler) SectionLocked(section, userID, username string) {
	select {
	case h.locked <- section + "/" + userID:
	default:
	}
}

func (h *recordingHandler) RemoteChangeApplied(section, content string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.remoteApplied = append(h.remoteApplied, content)
}

func (h *recordingHandler) LockStatusRefreshed(locks []session.LockInfo) {
	select {
	case h.locks <- locks:
	default:
	}
}

func (h *recordingHandler) ErrorReceived(message string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errorNotices = append(h.errorNotices, message)
}

// connect builds a connected session over a fake transport.
func connect(t *testing.T, editor session.Editor, handler session.Handler, tweak func(*session.Config)) (*session.Session, *fakeConn) {
	t.Helper()

	conn := newFakeConn()
	cfg := session.Config{
		DocumentID: "doc1",
		UserID:     "u1",
		Username:   "ada",
		Handler:    handler,
		Editor:     editor,
		Debounce:   30 * time.Millisecond,
		Dialer: func(ctx context.Context) (session.Conn, error) {
			return conn, nil
		},
	}
	if tweak != nil {
		tweak(&cfg)
	}

	s := session.New(cfg)
	s.Connect()
	t.Cleanup(s.Close)

	require.Eventually(t, func() bool {
		return s.State() == session.StateConnected
	}, time.Second, 5*time.Millisecond)
	return s, conn
}

func TestDebounceCoalescesEdits(t *testing.T) {
	s, conn := connect(t, nil, nil, nil)

	s.Edit("methods", "Hello")
	s.Edit("methods", "Hello w")
	s.Edit("methods", "Hello world")

	require.Eventually(t, func() bool {
		return len(conn.sentOfType(protocol.MsgTextChange)) > 0
	}, time.Second, 5*time.Millisecond)

	// Give a late second flush the chance to show up, then assert there
	// was exactly one.
	time.Sleep(100 * time.Millisecond)

	changes := conn.sentOfType(protocol.MsgTextChange)
	require.Len(t, changes, 1, "rapid keystrokes must coalesce into one broadcast")
	assert.Equal(t, "methods", changes[0].Section)
	assert.Equal(t, "", changes[0].Operation.OldText)
	assert.Equal(t, "Hello world", changes[0].Operation.NewText)

	// The next settled edit diffs against the previous one.
	s.Edit("methods", "Hello world!")
	require.Eventually(t, func() bool {
		return len(conn.sentOfType(protocol.MsgTextChange)) == 2
	}, time.Second, 5*time.Millisecond)

	changes = conn.sentOfType(protocol.MsgTextChange)
	assert.Equal(t, "Hello world", changes[1].Operation.OldText)
	assert.Equal(t, "Hello world!", changes[1].Operation.NewText)
}

func TestEditToAnotherSectionFlushesPending(t *testing.T) {
	s, conn := connect(t, nil, nil, nil)

	s.Edit("methods", "Hello")
	s.Edit("abstract", "Summary")

	require.Eventually(t, func() bool {
		return len(conn.sentOfType(protocol.MsgTextChange)) == 2
	}, time.Second, 5*time.Millisecond)

	changes := conn.sentOfType(protocol.MsgTextChange)
	assert.Equal(t, "methods", changes[0].Section)
	assert.Equal(t, "Hello", changes[0].Operation.NewText)
	assert.Equal(t, "abstract", changes[1].Section)
}

func TestRemoteChangeAppliedWhenUnfocused(t *testing.T) {
	editor := newFakeEditor("methods")
	editor.content["methods"] = "draft text"
	editor.caret = len("draft text")
	handler := newRecordingHandler()
	_, conn := connect(t, editor, handler, nil)

	change := protocol.NewTextChange("methods", protocol.NewReplace("draft text", "revised"))
	change.UserID = "u2"
	change.Username = "grace"
	conn.deliver(t, change)

	require.Eventually(t, func() bool {
		return editor.appliedCount() == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, "revised", editor.Content("methods"))
	// Caret clamps to the shorter replacement.
	assert.Equal(t, len("revised"), editor.Caret())

	handler.mu.Lock()
	require.Len(t, handler.remoteApplied, 1)
	assert.Equal(t, "revised", handler.remoteApplied[0])
	handler.mu.Unlock()

	// A follow-up whose old_text does not match the last applied content is
	// still applied; the idle buffer takes the last settled writer.
	stale := protocol.NewTextChange("methods", protocol.NewReplace("some other base", "final"))
	stale.UserID = "u2"
	stale.Username = "grace"
	conn.deliver(t, stale)

	require.Eventually(t, func() bool {
		return editor.appliedCount() == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "final", editor.Content("methods"))

	handler.mu.Lock()
	defer handler.mu.Unlock()
	require.Len(t, handler.remoteApplied, 2)
	assert.Equal(t, "final", handler.remoteApplied[1])
}

func TestRemoteChangeDroppedWhenFocused(t *testing.T) {
	editor := newFakeEditor("methods")
	editor.content["methods"] = "my edit in progress"
	editor.setFocused(true)
	_, conn := connect(t, editor, nil, nil)

	change := protocol.NewTextChange("methods", protocol.NewReplace("", "their text"))
	change.UserID = "u2"
	conn.deliver(t, change)
	conn.deliver(t, change)

	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, 0, editor.appliedCount(), "focused buffer must never be overwritten")
	assert.Equal(t, "my edit in progress", editor.Content("methods"))
}

func TestRemoteChangeForOtherSectionIgnored(t *testing.T) {
	editor := newFakeEditor("introduction")
	_, conn := connect(t, editor, nil, nil)

	change := protocol.NewTextChange("methods", protocol.NewReplace("", "their text"))
	change.UserID = "u2"
	conn.deliver(t, change)

	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, 0, editor.appliedCount())
}

func TestSelfEchoFilteredCentrally(t *testing.T) {
	editor := newFakeEditor("methods")
	handler := newRecordingHandler()
	s, conn := connect(t, editor, handler, nil)

	// Presence and text echoes of our own user are dropped at the receive
	// boundary.
	conn.deliver(t, protocol.NewUserJoined("u1", "ada"))
	ownChange := protocol.NewTextChange("methods", protocol.NewReplace("", "echo"))
	ownChange.UserID = "u1"
	conn.deliver(t, ownChange)

	// Lock echoes pass through: they acknowledge our own grant.
	conn.deliver(t, protocol.NewSectionLocked("methods", "u1", "ada"))

	select {
	case got := <-handler.locked:
		assert.Equal(t, "methods/u1", got)
	case <-time.After(time.Second):
		t.Fatal("own lock grant echo never surfaced")
	}

	assert.Equal(t, 0, editor.appliedCount(), "own text echo must not touch the buffer")
	assert.Empty(t, s.Collaborators(), "own presence echo must not enter the mirror")
}

func TestMirrorFollowsPresenceAndLocks(t *testing.T) {
	s, conn := connect(t, nil, nil, nil)

	conn.deliver(t, protocol.NewCollaboratorsList([]protocol.Collaborator{
		{UserID: "u1", Username: "ada"},
		{UserID: "u2", Username: "grace", LockedSections: []string{"abstract"}},
	}))

	require.Eventually(t, func() bool {
		return len(s.Collaborators()) == 1
	}, time.Second, 5*time.Millisecond)

	peers := s.Collaborators()
	assert.Equal(t, "u2", peers[0].UserID, "snapshot keeps remote peers only")
	assert.Equal(t, []string{"abstract"}, peers[0].LockedSections)

	conn.deliver(t, protocol.NewSectionLocked("methods", "u2", "grace"))
	require.Eventually(t, func() bool {
		_, _, held := s.LockHolder("methods")
		return held
	}, time.Second, 5*time.Millisecond)

	userID, username, _ := s.LockHolder("methods")
	assert.Equal(t, "u2", userID)
	assert.Equal(t, "grace", username)

	conn.deliver(t, protocol.NewUserLeft("u2", "grace"))
	require.Eventually(t, func() bool {
		return len(s.Collaborators()) == 0
	}, time.Second, 5*time.Millisecond)

	_, _, held := s.LockHolder("methods")
	assert.False(t, held, "departed peer's locks leave the mirror")
}

func TestFocusSwitchReleasesBeforeRequesting(t *testing.T) {
	s, conn := connect(t, nil, nil, nil)

	s.FocusSection("methods")
	s.FocusSection("abstract")

	require.Eventually(t, func() bool {
		return len(conn.sent()) == 3
	}, time.Second, 5*time.Millisecond)

	msgs := conn.sent()
	assert.Equal(t, protocol.MsgSectionLocked, msgs[0].Type)
	assert.Equal(t, "methods", msgs[0].Section)
	assert.Equal(t, protocol.MsgSectionUnlocked, msgs[1].Type)
	assert.Equal(t, "methods", msgs[1].Section, "old lock released before new request")
	assert.Equal(t, protocol.MsgSectionLocked, msgs[2].Type)
	assert.Equal(t, "abstract", msgs[2].Section)
}

func TestLockStatusPoll(t *testing.T) {
	handler := newRecordingHandler()
	_, conn := connect(t, nil, handler, func(cfg *session.Config) {
		cfg.LockPollInterval = 10 * time.Millisecond
	})

	conn.deliver(t, protocol.NewSectionLocked("methods", "u2", "grace"))

	deadline := time.After(time.Second)
	for {
		select {
		case locks := <-handler.locks:
			if len(locks) == 1 && locks[0].Section == "methods" && locks[0].UserID == "u2" {
				return
			}
		case <-deadline:
			t.Fatal("poll never surfaced the remote lock")
		}
	}
}

func TestReconnectBackoffExhaustion(t *testing.T) {
	var dials atomic.Int32
	handler := newRecordingHandler()

	s := session.New(session.Config{
		DocumentID:           "doc1",
		UserID:               "u1",
		Username:             "ada",
		Handler:              handler,
		ReconnectBaseDelay:   time.Millisecond,
		MaxReconnectAttempts: 5,
		Dialer: func(ctx context.Context) (session.Conn, error) {
			dials.Add(1)
			return nil, errors.New("network unreachable")
		},
	})
	t.Cleanup(s.Close)

	s.Connect()

	select {
	case err := <-handler.failed:
		assert.ErrorIs(t, err, session.ErrReconnectExhausted)
	case <-time.After(2 * time.Second):
		t.Fatal("session never reported terminal failure")
	}

	// Initial dial plus exactly five retries.
	assert.Equal(t, int32(6), dials.Load())
	assert.Equal(t, 5, s.ReconnectAttempts())
	assert.Equal(t, session.StateDisconnected, s.State())
}

func TestReconnectRebuildsMirror(t *testing.T) {
	conns := make(chan *fakeConn, 2)
	first := newFakeConn()
	second := newFakeConn()
	conns <- first
	conns <- second

	s := session.New(session.Config{
		DocumentID:         "doc1",
		UserID:             "u1",
		Username:           "ada",
		ReconnectBaseDelay: time.Millisecond,
		Dialer: func(ctx context.Context) (session.Conn, error) {
			return <-conns, nil
		},
	})
	t.Cleanup(s.Close)

	s.Connect()
	first.deliver(t, protocol.NewCollaboratorsList([]protocol.Collaborator{
		{UserID: "u2", Username: "grace", LockedSections: []string{"methods"}},
	}))
	require.Eventually(t, func() bool {
		return len(s.Collaborators()) == 1
	}, time.Second, 5*time.Millisecond)

	// Transport drop: the session reconnects and the server resends the
	// full snapshot, from which the mirror is rebuilt from scratch.
	first.Close()

	require.Eventually(t, func() bool {
		return s.State() == session.StateConnected && s.ReconnectAttempts() == 0
	}, time.Second, 5*time.Millisecond)

	second.deliver(t, protocol.NewCollaboratorsList([]protocol.Collaborator{
		{UserID: "u3", Username: "linus"},
	}))

	require.Eventually(t, func() bool {
		peers := s.Collaborators()
		return len(peers) == 1 && peers[0].UserID == "u3"
	}, time.Second, 5*time.Millisecond)

	_, _, held := s.LockHolder("methods")
	assert.False(t, held, "stale pre-reconnect lock must not survive the rebuild")
}

func TestErrorNoticeSurfaces(t *testing.T) {
	handler := newRecordingHandler()
	_, conn := connect(t, nil, handler, nil)

	conn.deliver(t, protocol.NewError("unauthorized lock action"))

	require.Eventually(t, func() bool {
		handler.mu.Lock()
		defer handler.mu.Unlock()
		return len(handler.errorNotices) == 1
	}, time.Second, 5*time.Millisecond)

	handler.mu.Lock()
	defer handler.mu.Unlock()
	assert.Equal(t, "unauthorized lock action", handler.errorNotices[0])
}
