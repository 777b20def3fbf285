package protocol

import (
	"fmt"
	"time"
)

// OpReplace is the only operation kind: a whole-buffer replace. The sender
// carries both the previous settled content and the new content, and the
// receiver decides whether the operation still applies to its local state.
const OpReplace = "replace"

// TextOperation represents a debounced whole-buffer replace of one section.
// It deliberately carries the entire old and new content rather than a
// positional delta; conflict resolution is last-settled-wins at the receiver.
type TextOperation struct {
	Type      string `json:"type"`
	OldText   string `json:"old_text"`
	NewText   string `json:"new_text"`
	Timestamp int64  `json:"timestamp"`
}

// NewReplace creates a replace operation stamped with the current time.
func NewReplace(oldText, newText string) *TextOperation {
	return &TextOperation{
		Type:      OpReplace,
		OldText:   oldText,
		NewText:   newText,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Validate checks if the operation is well formed.
func (op *TextOperation) Validate() error {
	if op == nil {
		return fmt.Errorf("operation cannot be nil")
	}
	if op.Type != OpReplace {
		return fmt.Errorf("unknown operation type: %q", op.Type)
	}
	return nil
}

// AppliesTo reports whether the operation's base matches the receiver's
// last-known content, i.e. whether applying NewText is a clean replacement
// rather than a stale overwrite.
func (op *TextOperation) AppliesTo(base string) bool {
	return op.OldText == base
}

// String returns a human-readable representation of the operation.
func (op *TextOperation) String() string {
	return fmt.Sprintf("Replace(%d -> %d bytes, ts %d)", len(op.OldText), len(op.NewText), op.Timestamp)
}
