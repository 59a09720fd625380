package realtime

import "encoding/json"

// ConnectionStatus is the lifecycle state reported by the transport.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
)

// Event is a normalized transport event. The set of implementations is
// closed; consumers switch over the concrete types.
type Event interface {
	EventType() string
	isEvent()
}

// ConnectionChange reports a transport lifecycle transition.
type ConnectionChange struct {
	Status ConnectionStatus
}

// GuardrailTripped reports that an output guardrail flagged the current response.
type GuardrailTripped struct {
	Category  string
	Rationale string
}

// ResponseDone marks the end of one assistant turn.
type ResponseDone struct {
	ResponseID string
	Status     string
}

// AssistantDelta carries streamed assistant text or audio transcript.
type AssistantDelta struct {
	Type       string
	ItemID     string
	ResponseID string
	Delta      string
}

// UserTranscriptionDelta carries streamed transcription of user audio.
type UserTranscriptionDelta struct {
	ItemID string
	Delta  string
}

// SpeechStarted is emitted when server VAD detects the start of user speech.
type SpeechStarted struct {
	ItemID       string
	AudioStartMS int
}

// TranscriptionCompleted carries the final transcript of a user audio item.
type TranscriptionCompleted struct {
	ItemID     string
	Transcript string
}

// HistoryAdded reports a conversation item seen for the first time.
type HistoryAdded struct {
	Item HistoryItem
}

// HistoryUpdated carries the full conversation history after a change.
type HistoryUpdated struct {
	Items []HistoryItem
}

// Unknown wraps any server event without a dedicated variant.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (ConnectionChange) EventType() string       { return TypeConnectionChange }
func (GuardrailTripped) EventType() string       { return TypeGuardrailTripped }
func (ResponseDone) EventType() string           { return TypeResponseDone }
func (e AssistantDelta) EventType() string       { return e.Type }
func (UserTranscriptionDelta) EventType() string { return TypeInputTranscriptionDelta }
func (SpeechStarted) EventType() string          { return TypeSpeechStarted }
func (TranscriptionCompleted) EventType() string { return TypeTranscriptionCompleted }
func (HistoryAdded) EventType() string           { return TypeHistoryAdded }
func (HistoryUpdated) EventType() string         { return TypeHistoryUpdated }
func (e Unknown) EventType() string              { return e.Type }

func (ConnectionChange) isEvent()       {}
func (GuardrailTripped) isEvent()       {}
func (ResponseDone) isEvent()           {}
func (AssistantDelta) isEvent()         {}
func (UserTranscriptionDelta) isEvent() {}
func (SpeechStarted) isEvent()          {}
func (TranscriptionCompleted) isEvent() {}
func (HistoryAdded) isEvent()           {}
func (HistoryUpdated) isEvent()         {}
func (Unknown) isEvent()                {}

// HistoryItem is one entry of the conversation as tracked by the transport.
type HistoryItem struct {
	ItemID    string        `json:"id"`
	Type      string        `json:"type"`
	Role      string        `json:"role,omitempty"`
	Status    string        `json:"status,omitempty"`
	Content   []ContentPart `json:"content,omitempty"`
	Name      string        `json:"name,omitempty"`
	CallID    string        `json:"call_id,omitempty"`
	Arguments string        `json:"arguments,omitempty"`
	Output    string        `json:"output,omitempty"`
}

// ContentPart is one part of a message item.
type ContentPart struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	Transcript string `json:"transcript,omitempty"`
}

// Item types.
const (
	ItemMessage            = "message"
	ItemFunctionCall       = "function_call"
	ItemFunctionCallOutput = "function_call_output"
)

// Content part types.
const (
	PartText       = "text"
	PartInputText  = "input_text"
	PartInputAudio = "input_audio"
	PartAudio      = "audio"
)

// StatusCompleted is the upstream item status for a finished item.
const StatusCompleted = "completed"
