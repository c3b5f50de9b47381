package transcript

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type EntryKind string

const (
	// EntryKindMessage is a chat message, user or assistant.
	EntryKindMessage EntryKind = "message"
	// EntryKindToolCall is a tool invocation shown inline in the transcript.
	EntryKindToolCall EntryKind = "tool-call"
	// EntryKindSystem is a client-generated notice (errors, recovery notes).
	EntryKindSystem EntryKind = "system"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleAssistant Role = "assistant"
	RoleUser      Role = "user"
	RoleTool      Role = "tool"
)

// CompletionReason records which signal closed a streaming entry. Exactly one
// reason is ever assigned per entry.
type CompletionReason string

const (
	// ReasonNormal: the run-finished event arrived.
	ReasonNormal CompletionReason = "normal"
	// ReasonFallback: a shard boundary arrived and no further activity
	// followed within the fallback window.
	ReasonFallback CompletionReason = "fallback"
	// ReasonWatchdog: the stream went silent mid-run.
	ReasonWatchdog CompletionReason = "watchdog"
	// ReasonError: the run failed; the entry keeps the text streamed so far.
	ReasonError CompletionReason = "error"
	// ReasonRecovered: the entry was found dangling open on reattach.
	ReasonRecovered CompletionReason = "recovered"
)

// Entry is a single transcript item. A streaming assistant entry is created
// once per turn and then patched in place as deltas arrive; it never gets a
// sibling for the same run.
type Entry struct {
	ID   uuid.UUID `json:"id"`
	Kind EntryKind `json:"kind"`
	Role Role      `json:"role,omitempty"`
	Text string    `json:"text"`

	// Streaming is true while the entry is still being appended to.
	Streaming        bool             `json:"streaming,omitempty"`
	Completed        bool             `json:"completed,omitempty"`
	CompletionReason CompletionReason `json:"completion_reason,omitempty"`

	RunID string `json:"run_id,omitempty"`

	ToolName   string `json:"tool_name,omitempty"`
	ToolInput  string `json:"tool_input,omitempty"`
	ToolOutput string `json:"tool_output,omitempty"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type EntryOption func(*Entry)

func WithID(id uuid.UUID) EntryOption {
	return func(e *Entry) {
		e.ID = id
	}
}

func WithRunID(runID string) EntryOption {
	return func(e *Entry) {
		e.RunID = runID
	}
}

func WithStreaming() EntryOption {
	return func(e *Entry) {
		e.Streaming = true
	}
}

func WithMetadata(metadata map[string]interface{}) EntryOption {
	return func(e *Entry) {
		e.Metadata = metadata
	}
}

func NewEntry(kind EntryKind, options ...EntryOption) *Entry {
	ret := &Entry{
		ID:        uuid.New(),
		Kind:      kind,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	for _, option := range options {
		option(ret)
	}

	return ret
}

func NewMessageEntry(role Role, text string, options ...EntryOption) *Entry {
	e := NewEntry(EntryKindMessage, options...)
	e.Role = role
	e.Text = text
	return e
}

func NewToolCallEntry(name string, input string, options ...EntryOption) *Entry {
	e := NewEntry(EntryKindToolCall, options...)
	e.Role = RoleTool
	e.ToolName = name
	e.ToolInput = input
	return e
}

func NewSystemEntry(text string, options ...EntryOption) *Entry {
	e := NewEntry(EntryKindSystem, options...)
	e.Role = RoleSystem
	e.Text = text
	return e
}

// Clone returns a copy safe to hand outside the store. Metadata is copied one
// level deep, which is as deep as patches ever write.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Metadata != nil {
		clone.Metadata = make(map[string]interface{}, len(e.Metadata))
		for k, v := range e.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

func (e *Entry) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("id", e.ID.String())
	ev.Str("kind", string(e.Kind))
	if e.Role != "" {
		ev.Str("role", string(e.Role))
	}
	if e.RunID != "" {
		ev.Str("run_id", e.RunID)
	}
	ev.Bool("streaming", e.Streaming)
	ev.Bool("completed", e.Completed)
	if e.CompletionReason != "" {
		ev.Str("completion_reason", string(e.CompletionReason))
	}
	ev.Int("text_len", len(e.Text))
}

// Patch is a partial update applied to an existing entry. Nil fields are left
// untouched; Metadata is merged key by key rather than replaced.
type Patch struct {
	Text             *string
	Streaming        *bool
	Completed        *bool
	CompletionReason *CompletionReason
	ToolOutput       *string
	Metadata         map[string]interface{}
}

func (p Patch) apply(e *Entry) {
	if p.Text != nil {
		e.Text = *p.Text
	}
	if p.Streaming != nil {
		e.Streaming = *p.Streaming
	}
	if p.Completed != nil {
		e.Completed = *p.Completed
	}
	if p.CompletionReason != nil {
		e.CompletionReason = *p.CompletionReason
	}
	if p.ToolOutput != nil {
		e.ToolOutput = *p.ToolOutput
	}
	if len(p.Metadata) > 0 {
		if e.Metadata == nil {
			e.Metadata = make(map[string]interface{}, len(p.Metadata))
		}
		for k, v := range p.Metadata {
			e.Metadata[k] = v
		}
	}
	e.UpdatedAt = time.Now()
}

// Helpers for building patches without local pointer juggling.

func String(s string) *string {
	return &s
}

func Bool(b bool) *bool {
	return &b
}

func Reason(r CompletionReason) *CompletionReason {
	return &r
}
