package events

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
)

// The streaming payload of a delta event has no agreed-upon shape: each
// upstream provider encodes its fragments differently. ExtractToken contains
// all of the duck typing in one place, as an ordered list of shape matchers
// tried in fixed priority order. Supporting a new provider means appending a
// matcher, never editing an existing one.

type probeResult int

const (
	// probeMiss means the matcher did not recognize the shape; try the next.
	probeMiss probeResult = iota
	// probeNoText means the shape is recognized and carries no text.
	probeNoText
	// probeText means a token was extracted.
	probeText
)

type chunkMatcher struct {
	name  string
	probe func(m map[string]interface{}) (probeResult, string)
}

var chunkMatchers = []chunkMatcher{
	{"tool-call-fragment", probeToolCallFragment},
	{"content-block-list", probeContentBlocks},
	{"content-string", probeContentString},
	{"nested-content", probeNestedContent},
	{"text-field", probeTextField},
	{"delta-content", probeDeltaContent},
	{"finish-marker", probeFinishMarker},
}

// ExtractToken returns the text fragment carried by one streaming chunk, or
// ok=false when the chunk carries none (tool-call fragments, empty markers,
// finish markers, unknown shapes). It never panics: malformed input degrades
// to no-text. Unrecognized shapes are recorded at debug level only.
func ExtractToken(chunk interface{}) (string, bool) {
	switch c := chunk.(type) {
	case nil:
		return "", false

	case string:
		if c != "" {
			return c, true
		}
		return "", false

	case map[string]interface{}:
		for _, m := range chunkMatchers {
			res, text := m.probe(c)
			switch res {
			case probeMiss:
				continue
			case probeNoText:
				return "", false
			case probeText:
				return text, true
			}
		}
		log.Debug().Str("shape", chunkSignature(c)).Msg("unrecognized stream chunk shape")
		return "", false

	default:
		log.Debug().Str("shape", chunkSignature(chunk)).Msg("unrecognized stream chunk shape")
		return "", false
	}
}

// A chunk that is part of an in-progress tool invocation is not text content,
// whatever else it carries.
func probeToolCallFragment(m map[string]interface{}) (probeResult, string) {
	if isToolCallFragment(m) {
		return probeNoText, ""
	}
	if kwargs, ok := m["additional_kwargs"].(map[string]interface{}); ok && isToolCallFragment(kwargs) {
		return probeNoText, ""
	}
	return probeMiss, ""
}

func isToolCallFragment(m map[string]interface{}) bool {
	if fc, ok := m["function_call"]; ok && fc != nil {
		return true
	}
	for _, key := range []string{"tool_calls", "tool_call_chunks"} {
		if list, ok := m[key].([]interface{}); ok && len(list) > 0 {
			return true
		}
	}
	return false
}

// content as a list: empty list is a non-text marker; a non-empty list is
// typed blocks, of which only non-empty "text" blocks count. Blocks of other
// kinds (thinking, signatures, tool_use) and text blocks with empty text are
// metadata fragments, not content.
func probeContentBlocks(m map[string]interface{}) (probeResult, string) {
	raw, ok := m["content"]
	if !ok {
		return probeMiss, ""
	}
	list, ok := raw.([]interface{})
	if !ok {
		return probeMiss, ""
	}
	if len(list) == 0 {
		return probeNoText, ""
	}

	var sb strings.Builder
	for _, item := range list {
		block, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		if kind, _ := block["type"].(string); kind != "text" {
			continue
		}
		text, _ := block["text"].(string)
		if text == "" {
			continue
		}
		sb.WriteString(text)
	}
	if sb.Len() == 0 {
		return probeNoText, ""
	}
	return probeText, sb.String()
}

func probeContentString(m map[string]interface{}) (probeResult, string) {
	s, ok := m["content"].(string)
	if !ok || s == "" {
		return probeMiss, ""
	}
	return probeText, s
}

// Some providers wrap the message one level deeper: chunk.content.content.
func probeNestedContent(m map[string]interface{}) (probeResult, string) {
	inner, ok := m["content"].(map[string]interface{})
	if !ok {
		return probeMiss, ""
	}
	s, ok := inner["content"].(string)
	if !ok || s == "" {
		return probeMiss, ""
	}
	return probeText, s
}

func probeTextField(m map[string]interface{}) (probeResult, string) {
	s, ok := m["text"].(string)
	if !ok || s == "" {
		return probeMiss, ""
	}
	return probeText, s
}

// OpenAI-style delta objects: chunk.delta.content.
func probeDeltaContent(m map[string]interface{}) (probeResult, string) {
	delta, ok := m["delta"].(map[string]interface{})
	if !ok {
		return probeMiss, ""
	}
	s, ok := delta["content"].(string)
	if !ok || s == "" {
		return probeMiss, ""
	}
	return probeText, s
}

// A finish/stop-reason marker anywhere in the chunk or its metadata means
// end-of-stream, not an error and not text.
func probeFinishMarker(m map[string]interface{}) (probeResult, string) {
	if hasFinishMarker(m) {
		return probeNoText, ""
	}
	for _, key := range []string{"response_metadata", "generation_info", "metadata"} {
		if meta, ok := m[key].(map[string]interface{}); ok && hasFinishMarker(meta) {
			return probeNoText, ""
		}
	}
	return probeMiss, ""
}

func hasFinishMarker(m map[string]interface{}) bool {
	for _, key := range []string{"finish_reason", "stop_reason", "done_reason"} {
		if v, ok := m[key]; ok && v != nil {
			return true
		}
	}
	return false
}

// ExtractOutputText pulls the complete answer text out of a non-streamed
// final output payload, as carried by stream-end events of providers that
// only deliver a full answer at shard end. Output payloads reuse the message
// shapes the chunk matchers know, plus the generations batch wrapper.
func ExtractOutputText(output interface{}) (string, bool) {
	switch o := output.(type) {
	case nil:
		return "", false

	case string:
		if o != "" {
			return o, true
		}
		return "", false

	case map[string]interface{}:
		if gens, ok := o["generations"].([]interface{}); ok {
			if text, ok := extractGenerationText(gens); ok {
				return text, true
			}
			return "", false
		}
		return ExtractToken(o)

	default:
		return "", false
	}
}

// generations is a list of candidate lists; the first candidate with text
// wins.
func extractGenerationText(gens []interface{}) (string, bool) {
	for _, outer := range gens {
		candidates, ok := outer.([]interface{})
		if !ok {
			// some backends flatten the batch dimension
			candidates = []interface{}{outer}
		}
		for _, cand := range candidates {
			gen, ok := cand.(map[string]interface{})
			if !ok {
				continue
			}
			if text, _ := gen["text"].(string); text != "" {
				return text, true
			}
			if msg, ok := gen["message"]; ok {
				if text, ok := ExtractToken(msg); ok {
					return text, true
				}
			}
		}
	}
	return "", false
}

func chunkSignature(chunk interface{}) string {
	m, ok := chunk.(map[string]interface{})
	if !ok {
		return fmt.Sprintf("%T", chunk)
	}
	keys := make([]string, 0, len(m))
	for k, v := range m {
		keys = append(keys, fmt.Sprintf("%s:%T", k, v))
	}
	sort.Strings(keys)
	return "{" + strings.Join(keys, ", ") + "}"
}
