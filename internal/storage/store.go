// Package storage persists manuscript section content. The collaboration
// relay only reads it to serve the out-of-band content fetch a client
// performs on load and after reconnect; live edits flow over the broadcast
// channel and are not written here by the relay.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a document section does not exist.
var ErrNotFound = errors.New("section not found")

// Store reads and writes section content keyed by (document, section).
type Store interface {
	// Section returns the stored content of one section.
	// Returns ErrNotFound if the section has never been saved.
	Section(ctx context.Context, documentID, section string) (string, error)

	// SaveSection creates or replaces the content of one section.
	SaveSection(ctx context.Context, documentID, section, content string) error

	// Close releases any underlying resources.
	Close() error
}
