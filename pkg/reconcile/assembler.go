package reconcile

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/grillo/pkg/events"
	"github.com/go-go-golems/grillo/pkg/transcript"
)

const (
	// DefaultWatchdogTimeout caps how long a streaming entry may sit without
	// new tokens before it is forced complete.
	DefaultWatchdogTimeout = 8 * time.Second

	// DefaultFallbackTimeout is the grace period after a shard boundary. If
	// neither new tokens nor the run-finished event arrive within it, the
	// entry completes anyway.
	DefaultFallbackTimeout = 5 * time.Second

	// shardSeparator joins the text of consecutive shards of one turn.
	shardSeparator = "\n\n"

	// interruptedPlaceholder stands in for an entry that errored before any
	// text arrived.
	interruptedPlaceholder = "interrupted"
)

// Options control the assembler timers and its update callback.
type Options struct {
	WatchdogTimeout time.Duration
	FallbackTimeout time.Duration

	// OnUpdate is called after an entry has been created or patched, outside
	// the assembler lock. Used to push transcript notifications.
	OnUpdate func(threadID string, id uuid.UUID)
}

func (o *Options) withDefaults() Options {
	ret := *o
	if ret.WatchdogTimeout <= 0 {
		ret.WatchdogTimeout = DefaultWatchdogTimeout
	}
	if ret.FallbackTimeout <= 0 {
		ret.FallbackTimeout = DefaultFallbackTimeout
	}
	return ret
}

type turnPhase int

const (
	// phaseStreaming: tokens are arriving, the watchdog timer is armed.
	phaseStreaming turnPhase = iota
	// phaseShardBoundary: a stream ended, the fallback timer is armed.
	phaseShardBoundary
)

// turnState tracks one open streaming entry. At most one exists per thread.
type turnState struct {
	threadID string
	runID    string
	entryID  uuid.UUID
	text     strings.Builder
	phase    turnPhase

	// timer is the watchdog while streaming, the fallback after a shard
	// boundary. timerGen invalidates callbacks of superseded timers.
	timer    *time.Timer
	timerGen uint64

	done bool
}

// Assembler turns the per-event calls of the engine into transcript entries:
// it opens at most one streaming assistant entry per thread, grows it in
// place as deltas arrive, joins shards, and completes it exactly once with
// exactly one reason, whichever completion signal wins.
type Assembler struct {
	store transcript.Store
	opts  Options

	mu    sync.Mutex
	turns map[string]*turnState
}

func NewAssembler(store transcript.Store, opts Options) *Assembler {
	return &Assembler{
		store: store,
		opts:  opts.withDefaults(),
		turns: make(map[string]*turnState),
	}
}

// AppendToken grows the thread's open streaming entry by one delta, opening
// the entry if this is the first token of the turn. Tokens arriving under a
// different run id than the open entry are appended to it anyway, with the
// mismatch logged; text is never dropped.
func (a *Assembler) AppendToken(threadID string, runID string, token string) {
	if token == "" {
		return
	}

	a.mu.Lock()
	st, ok := a.turns[threadID]
	if !ok {
		st = a.openTurnLocked(threadID, runID)
		if st == nil {
			a.mu.Unlock()
			return
		}
	} else if runID != "" && st.runID != "" && runID != st.runID {
		log.Warn().
			Str("thread_id", threadID).
			Str("open_run_id", st.runID).
			Str("event_run_id", runID).
			Msg("tokens for a different run while a turn is open, appending to the open entry")
	}

	if st.phase == phaseShardBoundary {
		if st.text.Len() > 0 {
			st.text.WriteString(shardSeparator)
		}
		st.phase = phaseStreaming
	}

	st.text.WriteString(token)
	a.patchTextLocked(st)
	a.armTimerLocked(st, a.opts.WatchdogTimeout, a.watchdogExpired)

	id := st.entryID
	a.mu.Unlock()

	a.notify(threadID, id)
}

// EndShard marks a shard boundary. An open entry stays open: the fallback
// timer now decides whether the turn is over, unless new tokens or the
// run-finished event arrive first. When nothing has streamed at all, a full
// answer carried by the boundary event of a non-streaming backend becomes a
// transcript entry that is complete on creation, never marked streaming.
func (a *Assembler) EndShard(threadID string, runID string, output interface{}) {
	a.mu.Lock()
	if st, ok := a.turns[threadID]; ok {
		st.phase = phaseShardBoundary
		a.armTimerLocked(st, a.opts.FallbackTimeout, a.fallbackExpired)
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()

	text, has := events.ExtractOutputText(output)
	if !has {
		log.Debug().
			Str("thread_id", threadID).
			Str("run_id", runID).
			Msg("stream end without an open turn or salvageable output")
		return
	}

	entry := transcript.NewMessageEntry(transcript.RoleAssistant, text,
		transcript.WithRunID(runID))
	entry.Completed = true
	entry.CompletionReason = transcript.ReasonNormal

	id, err := a.store.CreateEntry(threadID, entry)
	if err != nil {
		log.Warn().Err(err).Str("thread_id", threadID).Msg("failed to synthesize entry from stream end output")
		return
	}
	_ = a.store.SetStatus(threadID, "")

	log.Debug().
		Str("thread_id", threadID).
		Str("run_id", runID).
		Int("text_len", len(text)).
		Msg("synthesized complete entry from stream end output")

	a.notify(threadID, id)
}

// FinishRun is the authoritative completion signal. The open entry, if any,
// completes with reason normal.
func (a *Assembler) FinishRun(threadID string, runID string) {
	a.mu.Lock()
	st, ok := a.turns[threadID]
	if !ok {
		a.mu.Unlock()
		_ = a.store.SetStatus(threadID, "")
		log.Debug().
			Str("thread_id", threadID).
			Str("run_id", runID).
			Msg("run finished with no open entry")
		return
	}
	if runID != "" && st.runID != "" && runID != st.runID {
		log.Debug().
			Str("thread_id", threadID).
			Str("open_run_id", st.runID).
			Str("event_run_id", runID).
			Msg("run finished under a different run id than the open entry")
	}

	id := st.entryID
	a.finalizeLocked(st, transcript.ReasonNormal)
	a.mu.Unlock()

	a.notify(threadID, id)
}

// FailRun completes the open entry with reason error, keeping whatever text
// has streamed, then appends a system entry carrying the normalized message.
// The order matters: the in-flight entry must never stay marked streaming
// past an error.
func (a *Assembler) FailRun(threadID string, ne events.NormalizedError) {
	a.mu.Lock()
	var finalized uuid.UUID
	if st, ok := a.turns[threadID]; ok {
		if st.text.Len() == 0 {
			st.text.WriteString(interruptedPlaceholder)
			a.patchTextLocked(st)
		}
		finalized = st.entryID
		a.finalizeLocked(st, transcript.ReasonError)
	}
	a.mu.Unlock()

	if finalized != uuid.Nil {
		a.notify(threadID, finalized)
	}

	metadata := map[string]interface{}{"error_kind": ne.Kind}
	if ne.Code != "" {
		metadata["error_code"] = ne.Code
	}
	if ne.RequestID != "" {
		metadata["request_id"] = ne.RequestID
	}

	entry := transcript.NewSystemEntry(ne.Message,
		transcript.WithRunID(ne.RunID),
		transcript.WithMetadata(metadata))
	id, err := a.store.CreateEntry(threadID, entry)
	if err != nil {
		log.Warn().Err(err).Str("thread_id", threadID).Msg("failed to append error notice")
		return
	}
	_ = a.store.SetStatus(threadID, "")

	log.Debug().
		Str("thread_id", threadID).
		Object("error", ne).
		Msg("appended error notice to transcript")

	a.notify(threadID, id)
}

// Recover closes every entry of the thread left streaming by a previous
// session, completing each with reason recovered and its text untouched.
// Returns the number of entries closed.
func (a *Assembler) Recover(threadID string) int {
	a.mu.Lock()
	if st, ok := a.turns[threadID]; ok {
		a.dropTurnLocked(st)
	}
	a.mu.Unlock()

	count := 0
	for _, e := range a.store.Entries(threadID) {
		if !e.Streaming || e.Completed {
			continue
		}
		err := a.store.UpdateEntry(threadID, e.ID, transcript.Patch{
			Streaming:        transcript.Bool(false),
			Completed:        transcript.Bool(true),
			CompletionReason: transcript.Reason(transcript.ReasonRecovered),
		})
		if err != nil {
			log.Warn().Err(err).Str("thread_id", threadID).Str("entry_id", e.ID.String()).
				Msg("failed to recover dangling entry")
			continue
		}
		count++
		a.notify(threadID, e.ID)
	}

	if count > 0 {
		_ = a.store.SetStatus(threadID, "")
		log.Info().
			Str("thread_id", threadID).
			Int("recovered", count).
			Msg("closed dangling streaming entries")
	}
	return count
}

// RecoverAll runs Recover over every thread the store knows.
func (a *Assembler) RecoverAll() int {
	total := 0
	for _, threadID := range a.store.Threads() {
		total += a.Recover(threadID)
	}
	return total
}

// Open reports whether the thread currently has an open streaming entry.
func (a *Assembler) Open(threadID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.turns[threadID]
	return ok
}

// OpenTurns counts the streaming entries currently open across all threads.
func (a *Assembler) OpenTurns() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.turns)
}

// Close stops all pending timers. Open entries are left streaming; the next
// attach closes them through Recover.
func (a *Assembler) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for threadID, st := range a.turns {
		a.dropTurnLocked(st)
		log.Debug().Str("thread_id", threadID).Msg("left streaming entry open on close")
	}
}

// --- internals, all called with the assembler lock held ---

func (a *Assembler) openTurnLocked(threadID string, runID string) *turnState {
	entry := transcript.NewMessageEntry(transcript.RoleAssistant, "",
		transcript.WithStreaming(),
		transcript.WithRunID(runID))
	id, err := a.store.CreateEntry(threadID, entry)
	if err != nil {
		log.Error().Err(err).Str("thread_id", threadID).Msg("failed to open streaming entry")
		return nil
	}

	st := &turnState{
		threadID: threadID,
		runID:    runID,
		entryID:  id,
		phase:    phaseStreaming,
	}
	a.turns[threadID] = st
	_ = a.store.SetStatus(threadID, "")

	log.Debug().
		Str("thread_id", threadID).
		Str("run_id", runID).
		Str("entry_id", id.String()).
		Msg("opened streaming entry")
	return st
}

func (a *Assembler) patchTextLocked(st *turnState) {
	err := a.store.UpdateEntry(st.threadID, st.entryID, transcript.Patch{
		Text: transcript.String(st.text.String()),
	})
	if err != nil {
		log.Warn().Err(err).
			Str("thread_id", st.threadID).
			Str("entry_id", st.entryID.String()).
			Msg("failed to patch streaming entry")
	}
}

// armTimerLocked replaces the turn's pending timer. The generation counter
// makes a callback of a superseded timer a no-op even when it already fired
// and is waiting on the lock.
func (a *Assembler) armTimerLocked(st *turnState, d time.Duration, expired func(threadID string, st *turnState, gen uint64)) {
	if st.timer != nil {
		st.timer.Stop()
	}
	st.timerGen++
	gen := st.timerGen
	threadID := st.threadID
	st.timer = time.AfterFunc(d, func() {
		expired(threadID, st, gen)
	})
}

func (a *Assembler) watchdogExpired(threadID string, st *turnState, gen uint64) {
	a.mu.Lock()
	if a.turns[threadID] != st || st.timerGen != gen {
		a.mu.Unlock()
		return
	}
	log.Warn().
		Str("thread_id", threadID).
		Str("run_id", st.runID).
		Dur("timeout", a.opts.WatchdogTimeout).
		Msg("stream went silent, forcing completion")

	id := st.entryID
	a.finalizeLocked(st, transcript.ReasonWatchdog)
	a.mu.Unlock()

	a.notify(threadID, id)
}

func (a *Assembler) fallbackExpired(threadID string, st *turnState, gen uint64) {
	a.mu.Lock()
	if a.turns[threadID] != st || st.timerGen != gen {
		a.mu.Unlock()
		return
	}
	log.Debug().
		Str("thread_id", threadID).
		Str("run_id", st.runID).
		Dur("timeout", a.opts.FallbackTimeout).
		Msg("no activity after stream end, completing turn")

	id := st.entryID
	a.finalizeLocked(st, transcript.ReasonFallback)
	a.mu.Unlock()

	a.notify(threadID, id)
}

// finalizeLocked completes the open entry exactly once. All completion paths
// funnel through here; the first caller wins and later signals find the turn
// gone from the arena.
func (a *Assembler) finalizeLocked(st *turnState, reason transcript.CompletionReason) {
	if st.done {
		return
	}
	a.dropTurnLocked(st)

	err := a.store.UpdateEntry(st.threadID, st.entryID, transcript.Patch{
		Streaming:        transcript.Bool(false),
		Completed:        transcript.Bool(true),
		CompletionReason: transcript.Reason(reason),
	})
	if err != nil {
		log.Warn().Err(err).
			Str("thread_id", st.threadID).
			Str("entry_id", st.entryID.String()).
			Msg("failed to complete streaming entry")
	}
	_ = a.store.SetStatus(st.threadID, "")

	log.Debug().
		Str("thread_id", st.threadID).
		Str("run_id", st.runID).
		Str("entry_id", st.entryID.String()).
		Str("reason", string(reason)).
		Int("text_len", st.text.Len()).
		Msg("completed streaming entry")
}

func (a *Assembler) dropTurnLocked(st *turnState) {
	st.done = true
	st.timerGen++
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	if a.turns[st.threadID] == st {
		delete(a.turns, st.threadID)
	}
}

func (a *Assembler) notify(threadID string, id uuid.UUID) {
	if a.opts.OnUpdate == nil {
		return
	}
	a.opts.OnUpdate(threadID, id)
}
