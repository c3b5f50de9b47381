package events

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

const (
	// unknownErrorMessage is the fixed fallback; Message is never empty.
	unknownErrorMessage = "unknown error"

	// redactedMessage replaces the whole message when it looks like it
	// carries a credential; the original never reaches the transcript.
	redactedMessage = "[redacted: error message contained sensitive data]"

	truncationMarker      = "..."
	maxErrorMessageLength = 500

	// Tag stripping repeats until a fixed point so nested tags cannot smuggle
	// one through (e.g. "<scr<script>ipt>"), bounded to keep it from looping
	// on adversarial input.
	maxTagStripPasses = 5
)

var (
	markupTagPattern = regexp.MustCompile(`<[^>]*>`)
	secretPattern    = regexp.MustCompile(`(?i)sk-|token=|password=`)
)

// NormalizedError is the single error record every error-event shape is
// reduced to. Message is sanitized and always non-empty.
type NormalizedError struct {
	Message   string
	Kind      string
	Code      string
	RunID     string
	RequestID string
}

func (n NormalizedError) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("message", n.Message)
	ev.Str("kind", n.Kind)
	if n.Code != "" {
		ev.Str("code", n.Code)
	}
	if n.RunID != "" {
		ev.Str("run_id", n.RunID)
	}
	if n.RequestID != "" {
		ev.Str("request_id", n.RequestID)
	}
}

// Normalize reduces any error-event shape to one NormalizedError. Three
// shape families are recognized: the lifecycle error kinds carry the error
// under data.error; the generic error kind carries either a typed error
// object or a bare error/message string. Anything else goes through a probe
// of the same well-known fields in priority order. The message always comes
// back sanitized and non-empty.
func Normalize(env *Envelope) NormalizedError {
	kind := env.Kind()
	ne := NormalizedError{Kind: errorKindLabel(kind), RunID: env.Run()}

	var found bool
	switch kind {
	case KindChainError, KindLLMError, KindChatModelError:
		found = fillFromDataError(&ne, env)
	case KindError:
		found = fillFromTypedError(&ne, env) || fillFromBareMessage(&ne, env)
	}
	if !found {
		probeErrorFields(&ne, env)
	}

	if ne.RequestID == "" {
		if s, ok := env.metaString("request_id"); ok {
			ne.RequestID = s
		}
	}
	ne.Message = Sanitize(ne.Message)
	if ne.Message == "" {
		ne.Message = unknownErrorMessage
	}
	return ne
}

func errorKindLabel(kind Kind) string {
	switch kind {
	case KindChainError:
		return "chain_error"
	case KindLLMError:
		return "llm_error"
	case KindChatModelError:
		return "chat_model_error"
	case KindError:
		return "backend_error"
	default:
		return "unknown"
	}
}

// Family one: {event: on_*_error, data: {error: "..."}} or
// {data: {error: {message, code, request_id}}}.
func fillFromDataError(ne *NormalizedError, env *Envelope) bool {
	if env.Data == nil {
		return false
	}
	return fillFromErrorValue(ne, env.Data["error"])
}

// Family two: {event: error, error: {message, type, code, request_id}}. A
// type string on the error object is more specific than the kind label.
func fillFromTypedError(ne *NormalizedError, env *Envelope) bool {
	obj, ok := env.Error.(map[string]interface{})
	if !ok {
		return false
	}
	if t, _ := obj["type"].(string); t != "" {
		ne.Kind = t
	}
	return fillFromErrorValue(ne, obj)
}

// Family three: {event: error, error: "..."} or {event: error, message: "..."}.
func fillFromBareMessage(ne *NormalizedError, env *Envelope) bool {
	if s, ok := env.Error.(string); ok && s != "" {
		ne.Message = s
		return true
	}
	if env.Message != "" {
		ne.Message = env.Message
		return true
	}
	return false
}

// Fallback for events that claim to be errors but match no family, and for
// family lookups that came up empty: probe the well-known spots in priority
// order.
func probeErrorFields(ne *NormalizedError, env *Envelope) {
	if env.Data != nil {
		if fillFromErrorValue(ne, env.Data["error"]) {
			return
		}
	}
	if fillFromErrorValue(ne, env.Error) {
		return
	}
	if env.Message != "" {
		ne.Message = env.Message
		return
	}
	if env.Data != nil {
		for _, key := range []string{"message", "detail"} {
			if s, _ := env.Data[key].(string); s != "" {
				ne.Message = s
				return
			}
		}
	}
}

// fillFromErrorValue accepts the two concrete encodings of an error value: a
// bare string, or an object with message plus optional code/request_id.
func fillFromErrorValue(ne *NormalizedError, v interface{}) bool {
	switch err := v.(type) {
	case string:
		if err == "" {
			return false
		}
		ne.Message = err
		return true
	case map[string]interface{}:
		msg, _ := err["message"].(string)
		if msg == "" {
			return false
		}
		ne.Message = msg
		if code := stringifyCode(err["code"]); code != "" {
			ne.Code = code
		}
		if reqID, _ := err["request_id"].(string); reqID != "" {
			ne.RequestID = reqID
		}
		return true
	default:
		return false
	}
}

func stringifyCode(v interface{}) string {
	switch code := v.(type) {
	case string:
		return code
	case float64:
		return strconv.FormatFloat(code, 'f', -1, 64)
	default:
		return ""
	}
}

// Sanitize renders an upstream error message safe to show in a transcript:
// markup tags are stripped to a bounded fixed point, leftover angle brackets
// are escaped, messages carrying secret-like substrings are replaced
// wholesale with a redaction notice, and the result is capped. Deterministic
// and idempotent.
func Sanitize(message string) string {
	s := message
	for i := 0; i < maxTagStripPasses && markupTagPattern.MatchString(s); i++ {
		s = markupTagPattern.ReplaceAllString(s, "")
	}
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")

	if secretPattern.MatchString(s) {
		return redactedMessage
	}

	if len(s) > maxErrorMessageLength {
		s = s[:maxErrorMessageLength] + truncationMarker
	}
	return s
}
