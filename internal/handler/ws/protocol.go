package ws

import (
	"bytes"
	"encoding/json"
)

// Error codes carried by error frames.
const (
	errEmptyPayload     = "empty_payload"
	errInvalidJSON      = "invalid_json"
	errRateLimited      = "rate_limited"
	errEmptyMessage     = "empty_message"
	errMissingOpenAIKey = "missing_openai_key"
	errStreamFailed     = "stream_failed"
)

// inboundEnvelope is the single frame shape clients send. A nil SessionID
// requests a new session.
type inboundEnvelope struct {
	Message   string `json:"message"`
	SessionID *int64 `json:"session_id"`
}

// Outbound frames, discriminated by Type.

type statusFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type sessionFrame struct {
	Type      string `json:"type"`
	SessionID int64  `json:"session_id"`
}

type deltaFrame struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

type doneFrame struct {
	Type string `json:"type"`
}

type errorFrame struct {
	Type       string `json:"type"`
	Error      string `json:"error"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

func newStatusFrame(message string) statusFrame {
	return statusFrame{Type: "status", Message: message}
}

func newSessionFrame(id int64) sessionFrame {
	return sessionFrame{Type: "session", SessionID: id}
}

func newDeltaFrame(content string) deltaFrame {
	return deltaFrame{Type: "delta", Content: content}
}

func newDoneFrame() doneFrame {
	return doneFrame{Type: "done"}
}

func newErrorFrame(code string) errorFrame {
	return errorFrame{Type: "error", Error: code}
}

func newRateLimitedFrame(retryAfter int) errorFrame {
	return errorFrame{Type: "error", Error: errRateLimited, RetryAfter: retryAfter}
}

// parseEnvelope validates structural well-formedness of an inbound frame.
// The returned code is one of the error constants when ok is false; message
// emptiness is checked later so a malformed frame never consumes admission
// budget ahead of it.
func parseEnvelope(data []byte) (inboundEnvelope, string, bool) {
	var env inboundEnvelope

	if len(bytes.TrimSpace(data)) == 0 {
		return env, errEmptyPayload, false
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return env, errInvalidJSON, false
	}
	return env, "", true
}
