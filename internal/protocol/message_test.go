package protocol

import (
	"testing"
)

// TestMessageRoundTrip verifies that each message constructor survives
// encode/decode with its payload intact.
func TestMessageRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  *Message
	}{
		{
			name: "collaborators list",
			msg: NewCollaboratorsList([]Collaborator{
				{UserID: "u1", Username: "ada", LockedSections: []string{"methods"}},
				{UserID: "u2", Username: "grace", LockedSections: []string{}},
			}),
		},
		{
			name: "user joined",
			msg:  NewUserJoined("u1", "ada"),
		},
		{
			name: "user left",
			msg:  NewUserLeft("u1", "ada"),
		},
		{
			name: "section locked",
			msg:  NewSectionLocked("methods", "u1", "ada"),
		},
		{
			name: "section unlocked",
			msg:  NewSectionUnlocked("methods", "u1", "ada"),
		},
		{
			name: "text change",
			msg:  NewTextChange("abstract", NewReplace("old", "new")),
		},
		{
			name: "error",
			msg:  NewError("malformed message"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.msg.Encode()
			if err != nil {
				t.Fatalf("Encode() failed: %v", err)
			}

			decoded, err := Decode(data)
			if err != nil {
				t.Fatalf("Decode() failed: %v", err)
			}

			if decoded.Type != tt.msg.Type {
				t.Errorf("Type = %s, want %s", decoded.Type, tt.msg.Type)
			}
			if decoded.UserID != tt.msg.UserID {
				t.Errorf("UserID = %s, want %s", decoded.UserID, tt.msg.UserID)
			}
			if decoded.Section != tt.msg.Section {
				t.Errorf("Section = %s, want %s", decoded.Section, tt.msg.Section)
			}
			if decoded.Message != tt.msg.Message {
				t.Errorf("Message = %s, want %s", decoded.Message, tt.msg.Message)
			}
			if len(decoded.Collaborators) != len(tt.msg.Collaborators) {
				t.Errorf("Collaborators length = %d, want %d",
					len(decoded.Collaborators), len(tt.msg.Collaborators))
			}
			if tt.msg.Operation != nil {
				if decoded.Operation == nil {
					t.Fatal("Operation missing after decode")
				}
				if decoded.Operation.NewText != tt.msg.Operation.NewText {
					t.Errorf("Operation.NewText = %q, want %q",
						decoded.Operation.NewText, tt.msg.Operation.NewText)
				}
			}
		})
	}
}

// TestDecodeRejectsUnknownType verifies that unrecognized message types
// are an error rather than passing through silently.
func TestDecodeRejectsUnknownType(t *testing.T) {
	if _, err := Decode([]byte(`{"type":"bogus"}`)); err == nil {
		t.Error("Decode accepted unknown message type")
	}
	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Error("Decode accepted non-JSON input")
	}
}

// TestOperationValidate verifies operation validation rules.
func TestOperationValidate(t *testing.T) {
	var nilOp *TextOperation
	if err := nilOp.Validate(); err == nil {
		t.Error("nil operation passed validation")
	}

	op := &TextOperation{Type: "insert", NewText: "x"}
	if err := op.Validate(); err == nil {
		t.Error("non-replace operation passed validation")
	}

	if err := NewReplace("a", "b").Validate(); err != nil {
		t.Errorf("valid replace failed validation: %v", err)
	}
}

// TestOperationAppliesTo verifies the clean-apply base check.
func TestOperationAppliesTo(t *testing.T) {
	op := NewReplace("Hello", "Hello world")

	if !op.AppliesTo("Hello") {
		t.Error("operation should apply to matching base")
	}
	if op.AppliesTo("Goodbye") {
		t.Error("operation should not apply to stale base")
	}
}
