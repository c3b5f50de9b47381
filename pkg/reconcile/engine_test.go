package reconcile

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/grillo/pkg/transcript"
)

type capturePublisher struct {
	mu       sync.Mutex
	messages []*message.Message
}

func (p *capturePublisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, messages...)
	return nil
}

func (p *capturePublisher) Close() error { return nil }

func (p *capturePublisher) notifications(t *testing.T) []Notification {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	ret := make([]Notification, 0, len(p.messages))
	for _, msg := range p.messages {
		var n Notification
		require.NoError(t, json.Unmarshal(msg.Payload, &n))
		ret = append(ret, n)
	}
	return ret
}

func newTestEngine(t *testing.T) (*Engine, *transcript.MemoryStore) {
	t.Helper()
	store := transcript.NewMemoryStore()
	e := NewEngine(store, WithTimeouts(time.Second, time.Second))
	t.Cleanup(e.Close)
	return e, store
}

func frame(t *testing.T, fields map[string]interface{}) []byte {
	t.Helper()
	b, err := json.Marshal(fields)
	require.NoError(t, err)
	return b
}

func TestEngineStreamingLifecycle(t *testing.T) {
	e, store := newTestEngine(t)

	e.Handle(frame(t, map[string]interface{}{
		"event": "on_chain_start", "run_id": "r1", "thread_id": "t1",
	}))
	assert.Equal(t, "thinking", store.Status("t1"))

	e.Handle(frame(t, map[string]interface{}{
		"event": "on_chat_model_stream", "run_id": "r1", "thread_id": "t1",
		"data": map[string]interface{}{"chunk": map[string]interface{}{"content": "Hel"}},
	}))
	e.Handle(frame(t, map[string]interface{}{
		"event": "on_chat_model_stream", "run_id": "r1", "thread_id": "t1",
		"data": map[string]interface{}{"chunk": map[string]interface{}{"content": "lo"}},
	}))
	assert.Empty(t, store.Status("t1"), "status clears once streaming begins")

	e.Handle(frame(t, map[string]interface{}{
		"event": "on_chat_model_end", "run_id": "r1", "thread_id": "t1",
	}))
	e.Handle(frame(t, map[string]interface{}{
		"event": "on_chain_end", "run_id": "r1", "thread_id": "t1",
	}))

	entries := store.Entries("t1")
	require.Len(t, entries, 1)
	assert.Equal(t, "Hello", entries[0].Text)
	assert.True(t, entries[0].Completed)
	assert.False(t, entries[0].Streaming)
	assert.Equal(t, transcript.ReasonNormal, entries[0].CompletionReason)
}

func TestEngineJoinsShards(t *testing.T) {
	e, store := newTestEngine(t)

	e.Handle(frame(t, map[string]interface{}{
		"event": "on_llm_stream", "run_id": "r1", "thread_id": "t1",
		"data": map[string]interface{}{"chunk": "Hi"},
	}))
	e.Handle(frame(t, map[string]interface{}{
		"event": "on_llm_end", "run_id": "r1", "thread_id": "t1",
	}))
	e.Handle(frame(t, map[string]interface{}{
		"event": "on_llm_stream", "run_id": "r1", "thread_id": "t1",
		"data": map[string]interface{}{"chunk": "there"},
	}))
	e.Handle(frame(t, map[string]interface{}{
		"event": "on_chain_end", "run_id": "r1", "thread_id": "t1",
	}))

	entries := store.Entries("t1")
	require.Len(t, entries, 1)
	assert.Equal(t, "Hi\n\nthere", entries[0].Text)
}

func TestEngineErrorFinalizesAndAppendsNotice(t *testing.T) {
	e, store := newTestEngine(t)

	e.Handle(frame(t, map[string]interface{}{
		"event": "on_chat_model_stream", "run_id": "r1", "thread_id": "t1",
		"data": map[string]interface{}{"chunk": map[string]interface{}{"content": "partial"}},
	}))
	e.Handle(frame(t, map[string]interface{}{
		"event": "on_chain_error", "run_id": "r1", "thread_id": "t1",
		"data": map[string]interface{}{"error": "model exploded"},
	}))

	entries := store.Entries("t1")
	require.Len(t, entries, 2)

	assert.Equal(t, "partial", entries[0].Text)
	assert.True(t, entries[0].Completed)
	assert.Equal(t, transcript.ReasonError, entries[0].CompletionReason)

	assert.Equal(t, transcript.EntryKindSystem, entries[1].Kind)
	assert.Equal(t, "model exploded", entries[1].Text)
}

func TestEngineSalvagesNonStreamingProvider(t *testing.T) {
	e, store := newTestEngine(t)

	e.Handle(frame(t, map[string]interface{}{
		"event": "on_chain_start", "run_id": "r1", "thread_id": "t1",
	}))
	e.Handle(frame(t, map[string]interface{}{
		"event": "on_llm_end", "run_id": "r1", "thread_id": "t1",
		"data": map[string]interface{}{
			"output": map[string]interface{}{
				"generations": []interface{}{
					[]interface{}{map[string]interface{}{"text": "full answer"}},
				},
			},
		},
	}))
	e.Handle(frame(t, map[string]interface{}{
		"event": "on_chain_end", "run_id": "r1", "thread_id": "t1",
	}))

	entries := store.Entries("t1")
	require.Len(t, entries, 1)
	assert.Equal(t, "full answer", entries[0].Text)
	assert.True(t, entries[0].Completed)
	assert.False(t, entries[0].Streaming)
}

func TestEngineToolPassThrough(t *testing.T) {
	e, store := newTestEngine(t)

	e.Handle(frame(t, map[string]interface{}{
		"event": "on_tool_start", "run_id": "r1", "thread_id": "t1", "name": "search",
		"data": map[string]interface{}{"input": map[string]interface{}{"q": "golang"}},
	}))
	assert.Equal(t, "running search", store.Status("t1"))

	e.Handle(frame(t, map[string]interface{}{
		"event": "on_tool_end", "run_id": "r1", "thread_id": "t1", "name": "search",
		"data": map[string]interface{}{"output": "42 results"},
	}))
	assert.Empty(t, store.Status("t1"))

	entries := store.Entries("t1")
	require.Len(t, entries, 1)
	assert.Equal(t, transcript.EntryKindToolCall, entries[0].Kind)
	assert.Equal(t, "search", entries[0].ToolName)
	assert.JSONEq(t, `{"q":"golang"}`, entries[0].ToolInput)
	assert.Equal(t, "42 results", entries[0].ToolOutput)
}

func TestEngineToolEndWithoutStart(t *testing.T) {
	e, store := newTestEngine(t)

	e.Handle(frame(t, map[string]interface{}{
		"event": "on_tool_end", "run_id": "r1", "thread_id": "t1", "name": "lookup",
		"data": map[string]interface{}{"output": "late result"},
	}))

	entries := store.Entries("t1")
	require.Len(t, entries, 1)
	assert.Equal(t, "lookup", entries[0].ToolName)
	assert.Equal(t, "late result", entries[0].ToolOutput)
}

func TestEngineSwallowsMalformedInput(t *testing.T) {
	e, store := newTestEngine(t)

	payloads := [][]byte{
		[]byte(`{not json`),
		[]byte(`[1,2,3]`),
		[]byte(`{"event":""}`),
		[]byte(`{"event":"on_dance_start","thread_id":"t1"}`),
		frame(t, map[string]interface{}{
			"event": "on_chat_model_stream", "thread_id": "t1",
		}),
		frame(t, map[string]interface{}{
			"event": "on_chat_model_stream", "thread_id": "t1",
			"data": map[string]interface{}{"chunk": map[string]interface{}{"weird": float64(1)}},
		}),
	}

	for _, payload := range payloads {
		p := payload
		require.NotPanics(t, func() { e.Handle(p) })
	}

	assert.Empty(t, store.Entries("t1"))
}

func TestEngineHeartbeatAndAuxiliaryKinds(t *testing.T) {
	e, store := newTestEngine(t)

	e.Handle(frame(t, map[string]interface{}{"event": "ping", "thread_id": "t1"}))
	assert.Empty(t, store.Entries("t1"))

	e.Handle(frame(t, map[string]interface{}{"event": "processing_started", "thread_id": "t1"}))
	assert.Equal(t, "processing", store.Status("t1"))
	assert.Empty(t, store.Entries("t1"))

	require.NotPanics(t, func() {
		e.Handle(frame(t, map[string]interface{}{"event": "connection_established"}))
		e.Handle(frame(t, map[string]interface{}{"event": "connection_established"}))
	})
}

func TestEngineApprovalAndRetrieverStatus(t *testing.T) {
	e, store := newTestEngine(t)

	e.Handle(frame(t, map[string]interface{}{"event": "on_approval_request", "thread_id": "t1", "name": "delete-file"}))
	assert.Equal(t, "awaiting approval", store.Status("t1"))

	e.Handle(frame(t, map[string]interface{}{"event": "on_approval_decision", "thread_id": "t1"}))
	assert.Empty(t, store.Status("t1"))

	e.Handle(frame(t, map[string]interface{}{
		"event": "on_approval_request", "thread_id": "t1",
		"data": map[string]interface{}{"prompt": "run rm -rf scratch?"},
	}))
	assert.Equal(t, "awaiting approval: run rm -rf scratch?", store.Status("t1"))

	e.Handle(frame(t, map[string]interface{}{"event": "on_approval_decision", "thread_id": "t1"}))
	assert.Empty(t, store.Status("t1"))

	e.Handle(frame(t, map[string]interface{}{"event": "on_retriever_start", "thread_id": "t1"}))
	assert.Equal(t, "searching", store.Status("t1"))

	e.Handle(frame(t, map[string]interface{}{"event": "on_retriever_end", "thread_id": "t1"}))
	assert.Empty(t, store.Status("t1"))
}

func TestEngineEventsWithoutThreadLandOnDefault(t *testing.T) {
	e, store := newTestEngine(t)

	e.Handle(frame(t, map[string]interface{}{
		"event": "on_llm_stream", "run_id": "r1",
		"data": map[string]interface{}{"chunk": "hello"},
	}))
	e.Handle(frame(t, map[string]interface{}{
		"event": "on_chain_end", "run_id": "r1",
	}))

	entries := store.Entries(DefaultThread)
	require.Len(t, entries, 1)
	assert.Equal(t, "hello", entries[0].Text)
	assert.True(t, entries[0].Completed)
}

func TestEngineRecoversDanglingEntries(t *testing.T) {
	e, store := newTestEngine(t)

	_, err := store.CreateEntry("t1", transcript.NewMessageEntry(transcript.RoleAssistant, "left behind",
		transcript.WithStreaming(), transcript.WithRunID("r0")))
	require.NoError(t, err)

	assert.Equal(t, 1, e.Recover())

	entries := store.Entries("t1")
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Completed)
	assert.Equal(t, transcript.ReasonRecovered, entries[0].CompletionReason)
	assert.Equal(t, "left behind", entries[0].Text)
}

func TestEngineFallbackWithoutRunFinished(t *testing.T) {
	store := transcript.NewMemoryStore()
	e := NewEngine(store, WithTimeouts(500*time.Millisecond, 50*time.Millisecond))
	t.Cleanup(e.Close)

	e.Handle(frame(t, map[string]interface{}{
		"event": "on_llm_stream", "run_id": "r1", "thread_id": "t1",
		"data": map[string]interface{}{"chunk": "done soon"},
	}))
	e.Handle(frame(t, map[string]interface{}{
		"event": "on_llm_end", "run_id": "r1", "thread_id": "t1",
	}))

	entry := waitCompleted(t, store, "t1")
	assert.Equal(t, "done soon", entry.Text)
	assert.Equal(t, transcript.ReasonFallback, entry.CompletionReason)
}

func TestEngineNotifications(t *testing.T) {
	e, _ := newTestEngine(t)
	pub := &capturePublisher{}
	e.SubscribeNotifications("ui", pub)

	e.Handle(frame(t, map[string]interface{}{
		"event": "on_chain_start", "run_id": "r1", "thread_id": "t1",
	}))
	e.Handle(frame(t, map[string]interface{}{
		"event": "on_chat_model_stream", "run_id": "r1", "thread_id": "t1",
		"data": map[string]interface{}{"chunk": map[string]interface{}{"content": "hi"}},
	}))
	e.Handle(frame(t, map[string]interface{}{
		"event": "on_chain_end", "run_id": "r1", "thread_id": "t1",
	}))

	ns := pub.notifications(t)
	require.NotEmpty(t, ns)

	assert.Equal(t, NotificationStatus, ns[0].Kind)
	assert.Equal(t, "thinking", ns[0].Status)

	last := ns[len(ns)-1]
	assert.Equal(t, NotificationEntry, last.Kind)
	require.NotNil(t, last.Entry)
	assert.True(t, last.Entry.Completed)
	assert.Equal(t, transcript.ReasonNormal, last.Entry.CompletionReason)

	pub.mu.Lock()
	seq := pub.messages[0].Metadata.Get("sequence_number")
	pub.mu.Unlock()
	assert.Equal(t, "0", seq)
}
