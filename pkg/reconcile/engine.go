// Package reconcile turns the raw, heterogeneous event stream of a chat
// backend into one authoritative transcript entry per assistant turn. The
// Engine is the single entry point: it classifies each frame, extracts token
// deltas out of provider-specific chunk shapes, normalizes error payloads,
// and drives the Assembler, which merges shards and resolves the race
// between the three completion signals (run finished, shard fallback,
// silence watchdog). Tool, retriever and approval events pass through to the
// transcript store without touching the streaming state machine.
package reconcile

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/grillo/pkg/events"
	"github.com/go-go-golems/grillo/pkg/transcript"
)

// DefaultThread is where events without a thread identifier land.
const DefaultThread = "default"

type NotificationKind string

const (
	NotificationEntry  NotificationKind = "entry"
	NotificationStatus NotificationKind = "status"
)

// Notification is the payload published to subscribers for every transcript
// change: a fresh snapshot of the touched entry, or a status-line update.
type Notification struct {
	Kind     NotificationKind  `json:"kind"`
	ThreadID string            `json:"thread_id"`
	Entry    *transcript.Entry `json:"entry,omitempty"`
	Status   string            `json:"status,omitempty"`
}

// Engine is the reconciliation orchestrator. Feed it raw frames through
// Handle (or bind it to a router topic); it keeps the transcript store
// consistent even when the stream is malformed or cut short.
type Engine struct {
	store     transcript.Store
	assembler *Assembler
	notifier  *events.PublisherManager

	assemblerOpts Options

	mu           sync.Mutex
	pendingTools map[string]uuid.UUID
	legacyWarned bool
}

type EngineOption func(*Engine)

// WithTimeouts overrides the watchdog and fallback durations, mainly for
// tests.
func WithTimeouts(watchdog time.Duration, fallback time.Duration) EngineOption {
	return func(e *Engine) {
		e.assemblerOpts.WatchdogTimeout = watchdog
		e.assemblerOpts.FallbackTimeout = fallback
	}
}

func NewEngine(store transcript.Store, options ...EngineOption) *Engine {
	e := &Engine{
		store:        store,
		notifier:     events.NewPublisherManager(),
		pendingTools: make(map[string]uuid.UUID),
	}
	for _, option := range options {
		option(e)
	}

	e.assemblerOpts.OnUpdate = e.publishEntry
	e.assembler = NewAssembler(store, e.assemblerOpts)
	return e
}

// SubscribeNotifications registers a publisher that receives one JSON
// Notification on the given topic per transcript change.
func (e *Engine) SubscribeNotifications(topic string, publisher message.Publisher) {
	e.notifier.SubscribePublisher(topic, publisher)
}

// BindRouter attaches the engine to a raw-frame topic. Dangling streaming
// entries from a previous session are recovered first, so the scan runs
// before any new event can open a turn. Detaching happens by closing the
// router.
func (e *Engine) BindRouter(router *events.EventRouter, topic string) {
	e.Recover()
	router.AddHandler("reconcile-"+topic, topic, e.handleMessage)
}

// Recover closes every entry left streaming by a prior session, per thread,
// and returns how many were closed.
func (e *Engine) Recover() int {
	return e.assembler.RecoverAll()
}

// Idle reports whether no streaming turn is open on any thread. Callers use
// it to drain pending completions before shutting down.
func (e *Engine) Idle() bool {
	return e.assembler.OpenTurns() == 0
}

// Close stops the assembler timers. Entries still streaming stay open for
// the next attach to recover.
func (e *Engine) Close() {
	e.assembler.Close()
}

func (e *Engine) handleMessage(msg *message.Message) error {
	e.Handle(msg.Payload)
	return nil
}

// Handle processes one raw frame. It never lets a defect escape: unparseable
// frames, unknown kinds and handler panics are logged and swallowed so one
// bad event cannot poison the ones after it.
func (e *Engine) Handle(payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Int("payload_len", len(payload)).
				Msg("event handler panicked, event dropped")
		}
	}()

	env, class, err := events.Decode(payload)
	if err != nil {
		log.Warn().Err(err).Object("classification", class).Msg("dropping undecodable event")
		return
	}
	if !class.Valid {
		log.Warn().Object("classification", class).Msg("dropping event outside protocol vocabulary")
		return
	}

	e.dispatch(env, class)
}

func (e *Engine) dispatch(env *events.Envelope, class events.Classification) {
	threadID := e.threadOf(env)

	switch env.Kind() {
	case events.KindChainStart:
		e.setStatus(threadID, "thinking")

	case events.KindLLMStart, events.KindChatModelStart:
		log.Debug().Object("event", env).Msg("model call started")

	case events.KindLLMStream, events.KindChatModelStream:
		token, ok := events.ExtractToken(env.Chunk())
		if !ok {
			return
		}
		e.assembler.AppendToken(threadID, env.Run(), token)

	case events.KindLLMEnd, events.KindChatModelEnd:
		e.assembler.EndShard(threadID, env.Run(), env.Output())

	case events.KindChainEnd:
		e.assembler.FinishRun(threadID, env.Run())

	case events.KindChainError, events.KindLLMError, events.KindChatModelError, events.KindError:
		ne := events.Normalize(env)
		log.Warn().Object("error", ne).Str("thread_id", threadID).Msg("backend reported an error")
		e.assembler.FailRun(threadID, ne)

	case events.KindToolStart:
		e.toolStarted(threadID, env)

	case events.KindToolEnd:
		e.toolEnded(threadID, env)

	case events.KindRetrieverStart:
		e.setStatus(threadID, "searching")

	case events.KindRetrieverEnd:
		e.setStatus(threadID, "")

	case events.KindApprovalRequest:
		log.Info().Object("event", env).Msg("backend is waiting for approval")
		status := "awaiting approval"
		if env.Data != nil {
			if prompt, ok := env.Data["prompt"].(string); ok && prompt != "" {
				status += ": " + prompt
			}
		}
		e.setStatus(threadID, status)

	case events.KindApprovalDecision:
		e.setStatus(threadID, "")

	case events.KindHeartbeat:
		log.Trace().Str("thread_id", threadID).Msg("heartbeat")

	case events.KindProcessingStarted:
		e.setStatus(threadID, "processing")

	case events.KindConnectionEstablished:
		e.warnDeprecatedOnce(env)

	default:
		// the classifier admitted it but dispatch has no branch for it
		log.Warn().Object("classification", class).Object("event", env).Msg("no handler for event kind")
	}
}

func (e *Engine) threadOf(env *events.Envelope) string {
	if t := env.Thread(); t != "" {
		return t
	}
	return DefaultThread
}

func (e *Engine) toolStarted(threadID string, env *events.Envelope) {
	name := env.Name
	if name == "" {
		name = "tool"
	}
	var input string
	if env.Data != nil {
		input = stringifyPayload(env.Data["input"])
	}

	entry := transcript.NewToolCallEntry(name, input, transcript.WithRunID(env.Run()))
	id, err := e.store.CreateEntry(threadID, entry)
	if err != nil {
		log.Warn().Err(err).Str("thread_id", threadID).Str("tool", name).Msg("failed to record tool call")
		return
	}

	e.mu.Lock()
	e.pendingTools[toolKey(threadID, env.Run(), name)] = id
	e.mu.Unlock()

	e.setStatus(threadID, "running "+name)
	e.publishEntry(threadID, id)
}

func (e *Engine) toolEnded(threadID string, env *events.Envelope) {
	name := env.Name
	if name == "" {
		name = "tool"
	}
	output := stringifyPayload(env.Output())

	key := toolKey(threadID, env.Run(), name)
	e.mu.Lock()
	id, ok := e.pendingTools[key]
	if ok {
		delete(e.pendingTools, key)
	}
	e.mu.Unlock()

	if !ok {
		// end without a matching start, keep the result anyway
		entry := transcript.NewToolCallEntry(name, "", transcript.WithRunID(env.Run()))
		entry.ToolOutput = output
		newID, err := e.store.CreateEntry(threadID, entry)
		if err != nil {
			log.Warn().Err(err).Str("thread_id", threadID).Str("tool", name).Msg("failed to record tool result")
			return
		}
		e.setStatus(threadID, "")
		e.publishEntry(threadID, newID)
		return
	}

	if err := e.store.UpdateEntry(threadID, id, transcript.Patch{
		ToolOutput: transcript.String(output),
	}); err != nil {
		log.Warn().Err(err).Str("thread_id", threadID).Str("tool", name).Msg("failed to patch tool call")
	}
	e.setStatus(threadID, "")
	e.publishEntry(threadID, id)
}

func (e *Engine) warnDeprecatedOnce(env *events.Envelope) {
	e.mu.Lock()
	warned := e.legacyWarned
	e.legacyWarned = true
	e.mu.Unlock()
	if warned {
		return
	}
	log.Warn().Object("event", env).Msg("backend still sends the deprecated connection_established notice")
}

func (e *Engine) setStatus(threadID string, status string) {
	if err := e.store.SetStatus(threadID, status); err != nil {
		log.Warn().Err(err).Str("thread_id", threadID).Msg("failed to set thread status")
		return
	}
	e.notifier.PublishBlind(&Notification{
		Kind:     NotificationStatus,
		ThreadID: threadID,
		Status:   status,
	})
}

func (e *Engine) publishEntry(threadID string, id uuid.UUID) {
	entry, ok := e.store.Entry(threadID, id)
	if !ok {
		return
	}
	e.notifier.PublishBlind(&Notification{
		Kind:     NotificationEntry,
		ThreadID: threadID,
		Entry:    entry,
	})
}

func toolKey(threadID string, runID string, name string) string {
	return threadID + "\x00" + runID + "\x00" + name
}

// stringifyPayload renders an untyped tool payload for transcript display.
func stringifyPayload(v interface{}) string {
	switch p := v.(type) {
	case nil:
		return ""
	case string:
		return p
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return fmt.Sprintf("%v", p)
		}
		return string(b)
	}
}
