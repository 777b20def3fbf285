package session

import (
	"manuscript-collab/internal/protocol"
)

// ConnectionState is the session's transport state.
type ConnectionState string

const (
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
)

// LockInfo describes one remotely held section lock, for UI rendering.
type LockInfo struct {
	Section  string
	UserID   string
	Username string
}

// Handler is the event interface through which the session surfaces state
// changes to the UI layer. All callbacks run on the session's receive
// goroutine except LockStatusRefreshed, which runs on the poll ticker.
type Handler interface {
	// ConnectionStateChanged reports transport state transitions.
	ConnectionStateChanged(state ConnectionState)

	// ConnectionFailed reports the terminal failure after the reconnect
	// attempt cap is exhausted; recovery requires a manual page reload.
	ConnectionFailed(err error)

	// CollaboratorsChanged delivers the rebuilt peer mirror after a
	// collaborators_list snapshot.
	CollaboratorsChanged(collaborators []protocol.Collaborator)

	// UserJoined and UserLeft report presence deltas.
	UserJoined(userID, username string)
	UserLeft(userID, username string)

	// SectionLocked and SectionUnlocked report lock state changes,
	// including echoes of this session's own granted requests.
	SectionLocked(section, userID, username string)
	SectionUnlocked(section, userID, username string)

	// RemoteChangeApplied reports that a peer's settled edit replaced the
	// local buffer, so downstream previews can re-render.
	RemoteChangeApplied(section, content string)

	// LockStatusRefreshed delivers the remote lock table at the poll
	// interval, independent of events, so the UI converges even if a
	// broadcast was missed.
	LockStatusRefreshed(locks []LockInfo)

	// ErrorReceived reports a protocol error notice from the relay.
	ErrorReceived(message string)
}

// NopHandler implements Handler with no-ops; embed it to implement only the
// callbacks a caller cares about.
type NopHandler struct{}

func (NopHandler) ConnectionStateChanged(ConnectionState)       {}
func (NopHandler) ConnectionFailed(error)                       {}
func (NopHandler) CollaboratorsChanged([]protocol.Collaborator) {}
func (NopHandler) UserJoined(string, string)                    {}
func (NopHandler) UserLeft(string, string)                      {}
func (NopHandler) SectionLocked(string, string, string)         {}
func (NopHandler) SectionUnlocked(string, string, string)       {}
func (NopHandler) RemoteChangeApplied(string, string)           {}
func (NopHandler) LockStatusRefreshed([]LockInfo)               {}
func (NopHandler) ErrorReceived(string)                         {}

// Editor supplies the local editing state the merge policy depends on and
// receives applied remote content. Implemented by the UI layer; all methods
// must be safe to call from the session's goroutines.
type Editor interface {
	// ActiveSection returns the section currently open in the editor.
	ActiveSection() string

	// Focused reports whether the editor has input focus right now.
	Focused() bool

	// Content returns the current buffer content of a section.
	Content(section string) string

	// Caret returns the caret's numeric offset in the active buffer.
	Caret() int

	// Apply replaces a section's buffer with content and moves the caret
	// to the given offset.
	Apply(section, content string, caret int)
}
