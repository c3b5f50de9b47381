package events

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name          string
		env           *Envelope
		wantMessage   string
		wantKind      string
		wantCode      string
		wantRunID     string
		wantRequestID string
	}{
		{
			name: "lifecycle error with string payload",
			env: &Envelope{
				Event: "on_chain_error",
				RunID: "run-1",
				Data:  map[string]interface{}{"error": "pipeline exploded"},
			},
			wantMessage: "pipeline exploded",
			wantKind:    "chain_error",
			wantRunID:   "run-1",
		},
		{
			name: "lifecycle error with object payload",
			env: &Envelope{
				Event: "on_llm_error",
				Data: map[string]interface{}{
					"error": map[string]interface{}{
						"message":    "rate limited",
						"code":       float64(429),
						"request_id": "req-9",
					},
				},
			},
			wantMessage:   "rate limited",
			wantKind:      "llm_error",
			wantCode:      "429",
			wantRequestID: "req-9",
		},
		{
			name: "typed error object",
			env: &Envelope{
				Event: "error",
				Error: map[string]interface{}{
					"message":    "quota exceeded",
					"type":       "RateLimitError",
					"code":       "rate_limit",
					"request_id": "req-1",
				},
			},
			wantMessage:   "quota exceeded",
			wantKind:      "RateLimitError",
			wantCode:      "rate_limit",
			wantRequestID: "req-1",
		},
		{
			name: "typed error without type keeps kind label",
			env: &Envelope{
				Event: "error",
				Error: map[string]interface{}{"message": "upstream closed"},
			},
			wantMessage: "upstream closed",
			wantKind:    "backend_error",
		},
		{
			name: "bare error string",
			env: &Envelope{
				Event: "error",
				Error: "connection refused",
			},
			wantMessage: "connection refused",
			wantKind:    "backend_error",
		},
		{
			name: "bare message field",
			env: &Envelope{
				Event:   "error",
				Message: "connection reset",
			},
			wantMessage: "connection reset",
			wantKind:    "backend_error",
		},
		{
			name:        "error event with no usable fields",
			env:         &Envelope{Event: "on_chat_model_error"},
			wantMessage: "unknown error",
			wantKind:    "chat_model_error",
		},
		{
			name: "lifecycle error with empty object falls back",
			env: &Envelope{
				Event: "on_chain_error",
				Data:  map[string]interface{}{"error": map[string]interface{}{}},
			},
			wantMessage: "unknown error",
			wantKind:    "chain_error",
		},
		{
			name: "unrecognized kind probes data.message",
			env: &Envelope{
				Event: "something_exotic",
				Data:  map[string]interface{}{"message": "probed"},
			},
			wantMessage: "probed",
			wantKind:    "unknown",
		},
		{
			name: "unrecognized kind probes data.detail",
			env: &Envelope{
				Event: "something_exotic",
				Data:  map[string]interface{}{"detail": "the detail"},
			},
			wantMessage: "the detail",
			wantKind:    "unknown",
		},
		{
			name: "request id recovered from metadata",
			env: &Envelope{
				Event:    "on_chain_error",
				Data:     map[string]interface{}{"error": "boom"},
				Metadata: map[string]interface{}{"request_id": "req-meta"},
			},
			wantMessage:   "boom",
			wantKind:      "chain_error",
			wantRequestID: "req-meta",
		},
		{
			name: "message is sanitized",
			env: &Envelope{
				Event: "error",
				Error: "token=abc123 leaked",
			},
			wantMessage: "[redacted: error message contained sensitive data]",
			wantKind:    "backend_error",
		},
		{
			name: "message that sanitizes away falls back",
			env: &Envelope{
				Event: "error",
				Error: "<br></br>",
			},
			wantMessage: "unknown error",
			wantKind:    "backend_error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ne := Normalize(tt.env)
			assert.Equal(t, tt.wantMessage, ne.Message)
			assert.Equal(t, tt.wantKind, ne.Kind)
			assert.Equal(t, tt.wantCode, ne.Code)
			assert.Equal(t, tt.wantRunID, ne.RunID)
			assert.Equal(t, tt.wantRequestID, ne.RequestID)
			assert.NotEmpty(t, ne.Message)
		})
	}
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "clean message passes through",
			in:   "model overloaded, retry later",
			want: "model overloaded, retry later",
		},
		{
			name: "markup tags stripped",
			in:   "<b>bad</b> request",
			want: "bad request",
		},
		{
			name: "nested tags cannot reassemble",
			in:   "<scr<script>ipt>alert('x')</script>",
			want: "ipt&gt;alert('x')",
		},
		{
			name: "unpaired left bracket escaped",
			in:   "retries < 3",
			want: "retries &lt; 3",
		},
		{
			name: "unpaired right bracket escaped",
			in:   "expected -> got",
			want: "expected -&gt; got",
		},
		{
			name: "api key redacted",
			in:   "invalid api key sk-proj-abc123",
			want: redactedMessage,
		},
		{
			name: "token redacted",
			in:   "auth failed for token=xyz",
			want: redactedMessage,
		},
		{
			name: "password redacted case-insensitively",
			in:   "PASSWORD=hunter2 rejected",
			want: redactedMessage,
		},
		{
			name: "secret inside markup still caught",
			in:   "<a>sk-</a>secret",
			want: redactedMessage,
		},
		{
			name: "long message truncated",
			in:   strings.Repeat("a", 600),
			want: strings.Repeat("a", 500) + "...",
		},
		{
			name: "message at the cap untouched",
			in:   strings.Repeat("b", 500),
			want: strings.Repeat("b", 500),
		},
		{
			name: "empty stays empty",
			in:   "",
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Sanitize(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, Sanitize(got), "sanitize must be idempotent")
		})
	}
}
