package events

import (
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Kind is the event-kind discriminator carried in the `event` field of every
// frame the backend relay sends. The vocabulary is fixed: anything outside it
// is classified as unknown and never routed.
type Kind string

const (
	// Chain lifecycle. One chain run is one assistant turn; its end is the
	// authoritative completion signal.
	KindChainStart Kind = "on_chain_start"
	KindChainEnd   Kind = "on_chain_end"
	KindChainError Kind = "on_chain_error"

	// Legacy completion-model calls. Each call is one shard of the run, so
	// its end marks a shard boundary rather than turn completion.
	KindLLMStart  Kind = "on_llm_start"
	KindLLMStream Kind = "on_llm_stream"
	KindLLMEnd    Kind = "on_llm_end"
	KindLLMError  Kind = "on_llm_error"

	// Chat-model calls, same lifecycle as above.
	KindChatModelStart  Kind = "on_chat_model_start"
	KindChatModelStream Kind = "on_chat_model_stream"
	KindChatModelEnd    Kind = "on_chat_model_end"
	KindChatModelError  Kind = "on_chat_model_error"

	// Tool invocations, passed through to the transcript.
	KindToolStart Kind = "on_tool_start"
	KindToolEnd   Kind = "on_tool_end"

	// Retriever lookups.
	KindRetrieverStart Kind = "on_retriever_start"
	KindRetrieverEnd   Kind = "on_retriever_end"

	// Human-in-the-loop approval round-trip.
	KindApprovalRequest  Kind = "on_approval_request"
	KindApprovalDecision Kind = "on_approval_decision"

	// Transport keepalive.
	KindHeartbeat Kind = "ping"

	// Generic backend failure outside any lifecycle.
	KindError Kind = "error"
)

// Backend-private auxiliary kinds. These are emitted by the relay itself
// rather than by the orchestration graph; they are recognized so they do not
// show up as unknown in diagnostics, but carry no transcript content.
const (
	KindProcessingStarted Kind = "processing_started"

	// Deprecated: older relays announced the socket with this kind. Kept in
	// the vocabulary so reconnecting against an old backend stays quiet.
	KindConnectionEstablished Kind = "connection_established"
)

// Category groups kinds for routing and diagnostics.
type Category string

const (
	CategoryLifecycle Category = "lifecycle"
	CategoryStream    Category = "stream"
	CategoryError     Category = "error"
	CategoryTool      Category = "tool"
	CategoryRetriever Category = "retriever"
	CategoryApproval  Category = "approval"
	CategoryHeartbeat Category = "heartbeat"
	CategoryAuxiliary Category = "auxiliary"
	CategoryUnknown   Category = "unknown"
)

var standardKinds = map[Kind]Category{
	KindChainStart:       CategoryLifecycle,
	KindChainEnd:         CategoryLifecycle,
	KindChainError:       CategoryError,
	KindLLMStart:         CategoryLifecycle,
	KindLLMStream:        CategoryStream,
	KindLLMEnd:           CategoryStream,
	KindLLMError:         CategoryError,
	KindChatModelStart:   CategoryLifecycle,
	KindChatModelStream:  CategoryStream,
	KindChatModelEnd:     CategoryStream,
	KindChatModelError:   CategoryError,
	KindToolStart:        CategoryTool,
	KindToolEnd:          CategoryTool,
	KindRetrieverStart:   CategoryRetriever,
	KindRetrieverEnd:     CategoryRetriever,
	KindApprovalRequest:  CategoryApproval,
	KindApprovalDecision: CategoryApproval,
	KindHeartbeat:        CategoryHeartbeat,
	KindError:            CategoryError,
}

var auxiliaryKinds = map[Kind]string{
	KindProcessingStarted:     "backend-private processing notice",
	KindConnectionEstablished: "deprecated backend-private connection notice",
}

// Classification is the result of validating one raw event against the
// protocol vocabulary. Invalid events keep whatever kind string was found so
// the caller can log it.
type Classification struct {
	Valid     bool
	Kind      Kind
	Category  Category
	Auxiliary bool
	Note      string
}

func (c Classification) MarshalZerologObject(ev *zerolog.Event) {
	ev.Bool("valid", c.Valid)
	ev.Str("kind", string(c.Kind))
	ev.Str("category", string(c.Category))
	if c.Auxiliary {
		ev.Bool("auxiliary", true)
	}
	if c.Note != "" {
		ev.Str("note", c.Note)
	}
}

// Classify validates a decoded event value against the protocol vocabulary.
// It is pure: no logging, no state. Non-object input and input without a
// non-empty string `event` field are invalid; kind strings outside both the
// standard and the auxiliary sets are invalid with category unknown.
func Classify(v interface{}) Classification {
	obj, ok := v.(map[string]interface{})
	if !ok {
		return Classification{Category: CategoryUnknown, Note: "event is not an object"}
	}

	raw, ok := obj["event"].(string)
	if !ok || raw == "" {
		return Classification{Category: CategoryUnknown, Note: "event kind missing or empty"}
	}

	kind := Kind(raw)
	if cat, ok := standardKinds[kind]; ok {
		return Classification{Valid: true, Kind: kind, Category: cat}
	}
	if note, ok := auxiliaryKinds[kind]; ok {
		return Classification{
			Valid:     true,
			Kind:      kind,
			Category:  CategoryAuxiliary,
			Auxiliary: true,
			Note:      note,
		}
	}

	return Classification{Kind: kind, Category: CategoryUnknown, Note: "event kind not in protocol vocabulary"}
}

// Envelope is one decoded protocol event. Everything beyond the kind is
// optional; the identifiers may be absent on malformed input and nothing
// downstream may assume their presence.
type Envelope struct {
	Event    string                 `json:"event"`
	RunID    string                 `json:"run_id,omitempty"`
	ThreadID string                 `json:"thread_id,omitempty"`
	Name     string                 `json:"name,omitempty"`
	Data     map[string]interface{} `json:"data,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	Error    interface{}            `json:"error,omitempty"`
	Message  string                 `json:"message,omitempty"`
}

func (e *Envelope) Kind() Kind {
	return Kind(e.Event)
}

// Run returns the run identifier, falling back to metadata when the top-level
// field is absent. Empty means the backend did not say.
func (e *Envelope) Run() string {
	if e.RunID != "" {
		return e.RunID
	}
	if s, ok := e.metaString("run_id"); ok {
		return s
	}
	return ""
}

// Thread returns the conversation thread identifier, falling back to
// metadata. Empty means the event carried none.
func (e *Envelope) Thread() string {
	if e.ThreadID != "" {
		return e.ThreadID
	}
	if s, ok := e.metaString("thread_id"); ok {
		return s
	}
	return ""
}

// Chunk returns the streaming payload fragment of a stream-delta event. Some
// relays wrap it under data.chunk, others inline the fields into data.
func (e *Envelope) Chunk() interface{} {
	if e.Data == nil {
		return nil
	}
	if c, ok := e.Data["chunk"]; ok {
		return c
	}
	return e.Data
}

// Output returns the non-streamed final payload a stream-end event may carry.
func (e *Envelope) Output() interface{} {
	if e.Data == nil {
		return nil
	}
	return e.Data["output"]
}

func (e *Envelope) metaString(key string) (string, bool) {
	if e.Metadata == nil {
		return "", false
	}
	s, ok := e.Metadata[key].(string)
	return s, ok && s != ""
}

func (e *Envelope) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("event", e.Event)
	if e.RunID != "" {
		ev.Str("run_id", e.RunID)
	}
	if e.ThreadID != "" {
		ev.Str("thread_id", e.ThreadID)
	}
	if e.Name != "" {
		ev.Str("name", e.Name)
	}
}

// Decode parses one raw frame into an envelope plus its classification. The
// envelope is nil when the frame is invalid; the classification always
// describes what was seen. The error is non-nil only for unparseable JSON.
func Decode(payload []byte) (*Envelope, Classification, error) {
	var v interface{}
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, Classification{Category: CategoryUnknown, Note: "unparseable JSON"},
			errors.Wrap(err, "failed to decode event frame")
	}

	c := Classify(v)
	if !c.Valid {
		return nil, c, nil
	}

	env := &Envelope{}
	if err := json.Unmarshal(payload, env); err != nil {
		// Classify accepted the object shape, so this is a type mismatch on
		// one of the declared fields (e.g. a numeric run_id).
		return nil, Classification{Kind: c.Kind, Category: CategoryUnknown, Note: "malformed envelope fields"},
			errors.Wrapf(err, "failed to decode %s envelope", c.Kind)
	}

	return env, c, nil
}
