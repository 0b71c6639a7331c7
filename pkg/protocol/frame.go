// Package protocol defines the JSON envelope exchanged over one session
// socket connection, one typed payload per frame kind.
package protocol

import (
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Frame type constants; these strings are the wire contract with clients.
const (
	TypeInit            = "init"
	TypePing            = "ping"
	TypePong            = "pong"
	TypeUserSendMessage = "userSendMessage"
	TypeUpdateConfig    = "updateConfig"
	TypeNewChatMessage  = "newChatMessage"
	TypeStreamChunk     = "stream_chunk"
	TypeStatus          = "status"
	TypeError           = "error"
	TypeDone            = "done"
)

// Envelope is the stable wire shape for every frame, inbound or outbound.
type Envelope struct {
	Type string              `json:"type"`
	Data jsoniter.RawMessage `json:"data,omitempty"`
}

// InitData is the inbound payload of an "init" frame.
type InitData struct {
	SessionID string `json:"session_id,omitempty"`
	UserID    string `json:"user_id"`
}

// UserSendMessageData is the inbound payload of a "userSendMessage" frame.
type UserSendMessageData struct {
	Content   string         `json:"content"`
	SessionID string         `json:"session_id,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
}

// legacyFrame is the flat, pre-envelope inbound shape older clients still
// send; it is coerced into userSendMessage on arrival so nothing
// downstream ever sees it.
type legacyFrame struct {
	Message   string         `json:"message"`
	SessionID string         `json:"session_id,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
}

// UpdateConfigData is the inbound payload of an "updateConfig" frame. The
// patch is deep-merged into the session's stored config snapshot.
type UpdateConfigData struct {
	Config jsoniter.RawMessage `json:"config"`
}

// InitMessage is one history row as surfaced in an outbound "init" frame.
type InitMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// InitPayload is the outbound payload of an "init" frame.
type InitPayload struct {
	SessionID string              `json:"session_id"`
	Messages  []InitMessage       `json:"messages"`
	Config    jsoniter.RawMessage `json:"config"`
}

// NewChatMessagePayload is the outbound payload confirming receipt of a
// user message.
type NewChatMessagePayload struct {
	SessionID string `json:"session_id"`
	Content   string `json:"content"`
	MessageID string `json:"message_id"`
	Role      string `json:"role"`
	Timestamp int64  `json:"timestamp"`
	Type      string `json:"type"`
}

// StreamChunkPayload carries exactly one chunk of assistant output, never
// the running concatenation.
type StreamChunkPayload struct {
	SessionID string `json:"session_id"`
	Content   string `json:"content"`
	Event     string `json:"event"`
	MessageID string `json:"message_id"`
	Role      string `json:"role"`
	Timestamp int64  `json:"timestamp"`
	Type      string `json:"type"`
}

// StatusPayload surfaces an intermediate pipeline stage's output (rewrite,
// intent, routing) to the client when system.json's show_thinking flag is
// enabled, purely for observability — never required for a turn to complete.
type StatusPayload struct {
	SessionID string `json:"session_id"`
	Stage     string `json:"stage"`
	Detail    string `json:"detail"`
}

// ErrorPayload is the outbound payload of an "error" frame. Code is a
// short machine-readable label; Message is for humans.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DonePayload is the outbound payload emitted after the final stream_chunk
// and after the assistant row has been (attempted to be) persisted.
type DonePayload struct {
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id"`
	Warning   string `json:"warning,omitempty"`
}

// Encode wraps v as the Data of a frame of the given type.
func Encode(frameType string, v any) (Envelope, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: frameType, Data: raw}, nil
}

// ErrorFrame is a convenience constructor for the common error-reply case.
func ErrorFrame(code, message string) Envelope {
	env, _ := Encode(TypeError, ErrorPayload{Code: code, Message: message})
	return env
}

// UnmarshalData decodes an envelope's Data field into v.
func UnmarshalData(data jsoniter.RawMessage, v any) error {
	return json.Unmarshal(data, v)
}

// ParseInbound decodes one raw client frame, coercing the legacy flat
// {message, session_id, context} shape into a userSendMessage envelope so
// the legacy form never leaks past this function.
func ParseInbound(raw []byte) (Envelope, error) {
	var probe struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return Envelope{}, err
	}

	if probe.Type != "" {
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return Envelope{}, err
		}
		return env, nil
	}

	var legacy legacyFrame
	if err := json.Unmarshal(raw, &legacy); err != nil {
		return Envelope{}, err
	}

	data, err := json.Marshal(UserSendMessageData{
		Content:   legacy.Message,
		SessionID: legacy.SessionID,
		Context:   legacy.Context,
	})
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: TypeUserSendMessage, Data: data}, nil
}
