package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageType represents the kind of message being sent
type MessageType string

const (
	MsgCollaboratorsList MessageType = "collaborators_list" // Full presence snapshot
	MsgUserJoined        MessageType = "user_joined"        // Presence delta: arrival
	MsgUserLeft          MessageType = "user_left"          // Presence delta: departure
	MsgSectionLocked     MessageType = "section_locked"     // Lock request / grant broadcast
	MsgSectionUnlocked   MessageType = "section_unlocked"   // Unlock request / broadcast
	MsgTextChange        MessageType = "text_change"        // Debounced whole-buffer replace
	MsgError             MessageType = "error"              // Server-side protocol error
)

// Collaborator is a remote peer's visible state: who they are and which
// sections they currently hold locked. It is a read-only mirror on the
// client; the relay's presence registry is authoritative.
type Collaborator struct {
	UserID         string   `json:"user_id"`
	Username       string   `json:"username"`
	LockedSections []string `json:"locked_sections"`
}

// Message is the wire envelope exchanged between sessions and the relay.
// Which fields are populated depends on Type.
type Message struct {
	Type          MessageType    `json:"type"`
	Collaborators []Collaborator `json:"collaborators,omitempty"`
	UserID        string         `json:"user_id,omitempty"`
	Username      string         `json:"username,omitempty"`
	Section       string         `json:"section,omitempty"`
	Operation     *TextOperation `json:"operation,omitempty"`
	Message       string         `json:"message,omitempty"`
}

// NewCollaboratorsList creates a presence snapshot message.
func NewCollaboratorsList(collaborators []Collaborator) *Message {
	return &Message{
		Type:          MsgCollaboratorsList,
		Collaborators: collaborators,
	}
}

// NewUserJoined creates a presence arrival delta.
func NewUserJoined(userID, username string) *Message {
	return &Message{
		Type:     MsgUserJoined,
		UserID:   userID,
		Username: username,
	}
}

// NewUserLeft creates a presence departure delta.
func NewUserLeft(userID, username string) *Message {
	return &Message{
		Type:     MsgUserLeft,
		UserID:   userID,
		Username: username,
	}
}

// NewSectionLocked creates a lock message for the given section and holder.
func NewSectionLocked(section, userID, username string) *Message {
	return &Message{
		Type:     MsgSectionLocked,
		Section:  section,
		UserID:   userID,
		Username: username,
	}
}

// NewSectionUnlocked creates an unlock message for the given section.
func NewSectionUnlocked(section, userID, username string) *Message {
	return &Message{
		Type:     MsgSectionUnlocked,
		Section:  section,
		UserID:   userID,
		Username: username,
	}
}

// NewTextChange creates a change message carrying a whole-buffer replace.
func NewTextChange(section string, op *TextOperation) *Message {
	return &Message{
		Type:      MsgTextChange,
		Section:   section,
		Operation: op,
	}
}

// NewError creates a server-to-client error notice.
func NewError(message string) *Message {
	return &Message{
		Type:    MsgError,
		Message: message,
	}
}

// Encode serializes the message to JSON bytes.
func (m *Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return data, nil
}

// Decode deserializes a message from JSON bytes and rejects unknown types.
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}

	switch msg.Type {
	case MsgCollaboratorsList, MsgUserJoined, MsgUserLeft,
		MsgSectionLocked, MsgSectionUnlocked, MsgTextChange, MsgError:
		return &msg, nil
	default:
		return nil, fmt.Errorf("unknown message type: %q", msg.Type)
	}
}
