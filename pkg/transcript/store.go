// Package transcript holds the client-side chat transcript: one ordered list
// of entries per conversation thread, plus a transient per-thread status line.
//
// The store is the single authority over entry state. Everything that changes
// an entry goes through CreateEntry and UpdateEntry so that rendering,
// notifications and crash recovery all see the same record; nothing outside
// the store keeps its own copy of entry content.
package transcript

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var ErrEntryNotFound = errors.New("transcript entry not found")

// Store is the transcript state behind the reconciliation engine.
//
// Implementations must be safe for concurrent use: the engine patches entries
// from router handlers while renderers read them.
type Store interface {
	// CreateEntry appends an entry to the thread and returns its id. The
	// thread is created on first use. An entry arriving with a zero id gets
	// one assigned.
	CreateEntry(threadID string, entry *Entry) (uuid.UUID, error)

	// UpdateEntry applies a partial patch to an existing entry. Unknown ids
	// return ErrEntryNotFound.
	UpdateEntry(threadID string, id uuid.UUID, patch Patch) error

	// SetStatus replaces the transient status line of a thread ("thinking",
	// "running search"). Empty clears it. Status is presentation state, not
	// transcript content.
	SetStatus(threadID string, status string) error

	// Entries returns the thread's entries in creation order, as copies.
	Entries(threadID string) []*Entry

	// Entry returns a copy of one entry.
	Entry(threadID string, id uuid.UUID) (*Entry, bool)

	// Threads returns the known thread ids in lexical order.
	Threads() []string

	// Status returns the thread's current status line, empty when cleared.
	Status(threadID string) string
}
