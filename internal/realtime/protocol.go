package realtime

import (
	"fmt"

	"github.com/romatekai/romatek-voice/internal/persona"
)

// Server event types.
const (
	TypeSessionCreated          = "session.created"
	TypeSessionUpdated          = "session.updated"
	TypeError                   = "error"
	TypeResponseCreated         = "response.created"
	TypeResponseDone            = "response.done"
	TypeResponseTextDelta       = "response.text.delta"
	TypeResponseAudioDelta      = "response.audio.delta"
	TypeAudioTranscriptDelta    = "response.audio_transcript.delta"
	TypeOutputItemDone          = "response.output_item.done"
	TypeFunctionArgumentsDone   = "response.function_call_arguments.done"
	TypeItemCreated             = "conversation.item.created"
	TypeInputTranscriptionDelta = "conversation.input_audio_transcription.delta"
	TypeItemTranscriptionDelta  = "conversation.item.input_audio_transcription.delta"
	TypeTranscriptionCompleted  = "conversation.item.input_audio_transcription.completed"
	TypeSpeechStarted           = "input_audio_buffer.speech_started"
)

// Events synthesized by the transport client.
const (
	TypeConnectionChange = "connection_change"
	TypeGuardrailTripped = "guardrail_tripped"
	TypeHistoryAdded     = "history_added"
	TypeHistoryUpdated   = "history_updated"
)

// Client event types.
const (
	TypeSessionUpdate    = "session.update"
	TypeItemCreate       = "conversation.item.create"
	TypeResponseCreate   = "response.create"
	TypeResponseCancel   = "response.cancel"
	TypeInputAudioAppend = "input_audio_buffer.append"
	TypeInputAudioClear  = "input_audio_buffer.clear"
	TypeInputAudioCommit = "input_audio_buffer.commit"
)

// HandoffPrefix names the tools that transfer the conversation to another persona.
const HandoffPrefix = "transfer_to_"

// TurnDetection configures server-side voice activity detection.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms"`
	SilenceDurationMS int     `json:"silence_duration_ms"`
	CreateResponse    bool    `json:"create_response"`
}

// ServerVAD returns a server_vad turn detection block.
func ServerVAD(threshold float64, prefixPaddingMS, silenceDurationMS int, createResponse bool) *TurnDetection {
	return &TurnDetection{
		Type:              "server_vad",
		Threshold:         threshold,
		PrefixPaddingMS:   prefixPaddingMS,
		SilenceDurationMS: silenceDurationMS,
		CreateResponse:    createResponse,
	}
}

// TurnDetectionUpdate builds the session.update that enables VAD, or disables
// it when td is nil.
func TurnDetectionUpdate(td *TurnDetection) map[string]any {
	session := map[string]any{"turn_detection": nil}
	if td != nil {
		session["turn_detection"] = td
	}
	return map[string]any{
		"type":    TypeSessionUpdate,
		"session": session,
	}
}

// ToolDefinition is a function tool in the session configuration.
type ToolDefinition struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type transcriptionConfig struct {
	Model string `json:"model"`
}

// SessionConfig is the session body sent for a persona.
type SessionConfig struct {
	Modalities              []string             `json:"modalities,omitempty"`
	Instructions            string               `json:"instructions,omitempty"`
	Voice                   string               `json:"voice,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string               `json:"output_audio_format,omitempty"`
	InputAudioTranscription *transcriptionConfig `json:"input_audio_transcription,omitempty"`
	Tools                   []ToolDefinition     `json:"tools"`
}

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	EventID string        `json:"event_id,omitempty"`
	Session SessionConfig `json:"session"`
}

// HandoffToolName returns the tool name that hands off to target.
func HandoffToolName(target string) string {
	return HandoffPrefix + target
}

// PersonaSession builds the session configuration for p, turning its hand-off
// targets into transfer tools.
func PersonaSession(p persona.Persona, fallbackVoice string) SessionConfig {
	voice := p.Voice
	if voice == "" {
		voice = fallbackVoice
	}
	tools := make([]ToolDefinition, 0, len(p.Tools)+len(p.Handoffs))
	for _, t := range p.Tools {
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		tools = append(tools, ToolDefinition{Type: "function", Name: t.Name, Description: t.Description, Parameters: params})
	}
	for _, target := range p.Handoffs {
		tools = append(tools, ToolDefinition{
			Type:        "function",
			Name:        HandoffToolName(target),
			Description: fmt.Sprintf("Transfer the conversation to %s.", target),
			Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
		})
	}
	return SessionConfig{
		Modalities:              []string{"text", "audio"},
		Instructions:            p.Instructions,
		Voice:                   voice,
		InputAudioFormat:        "pcm16",
		OutputAudioFormat:       "pcm16",
		InputAudioTranscription: &transcriptionConfig{Model: "whisper-1"},
		Tools:                   tools,
	}
}

type itemCreateMessage struct {
	Type    string         `json:"type"`
	EventID string         `json:"event_id,omitempty"`
	Item    itemCreateBody `json:"item"`
}

type itemCreateBody struct {
	Type    string        `json:"type"`
	Role    string        `json:"role,omitempty"`
	Content []ContentPart `json:"content,omitempty"`
	CallID  string        `json:"call_id,omitempty"`
	Output  string        `json:"output,omitempty"`
}

type simpleMessage struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`
}

type audioAppendMessage struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`
	Audio   string `json:"audio"`
}

// UserTextItem builds the conversation.item.create for a typed user message.
// An empty id lets the service assign one.
func UserTextItem(id, text string) map[string]any {
	item := map[string]any{
		"type":    ItemMessage,
		"role":    "user",
		"content": []map[string]any{{"type": PartInputText, "text": text}},
	}
	if id != "" {
		item["id"] = id
	}
	return map[string]any{
		"type": TypeItemCreate,
		"item": item,
	}
}

// Simple builds a client event that carries only its type.
func Simple(eventType string) map[string]any {
	return map[string]any{"type": eventType}
}
