package realtime

import (
	"encoding/json"
	"fmt"
)

type envelope struct {
	Type string `json:"type"`
}

// wireDelta accepts both snake_case and camelCase identifiers and either
// delta or text for the payload.
type wireDelta struct {
	ItemID       string  `json:"item_id"`
	ItemIDCamel  string  `json:"itemId"`
	ResponseID   string  `json:"response_id"`
	ResponseAlt  string  `json:"responseId"`
	Delta        *string `json:"delta"`
	Text         *string `json:"text"`
	AudioStartMS int     `json:"audio_start_ms"`
	Transcript   *string `json:"transcript"`
}

func (w wireDelta) itemID() string {
	if w.ItemID != "" {
		return w.ItemID
	}
	return w.ItemIDCamel
}

func (w wireDelta) responseID() string {
	if w.ResponseID != "" {
		return w.ResponseID
	}
	return w.ResponseAlt
}

func (w wireDelta) payload() (string, bool) {
	if w.Delta != nil {
		return *w.Delta, true
	}
	if w.Text != nil {
		return *w.Text, true
	}
	return "", false
}

type wireResponseDone struct {
	Response struct {
		ID     string        `json:"id"`
		Status string        `json:"status"`
		Output []HistoryItem `json:"output"`
	} `json:"response"`
}

type wireGuardrail struct {
	Category  string `json:"category"`
	Rationale string `json:"rationale"`
}

// EventName returns the type field of a raw server event.
func EventName(data []byte) (string, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("decode event envelope: %w", err)
	}
	return env.Type, nil
}

// DecodeServerEvent maps one raw server frame to its Event variant. Frames
// without a dedicated variant, or missing the fields a variant requires,
// decode to Unknown.
func DecodeServerEvent(data []byte) (Event, error) {
	name, err := EventName(data)
	if err != nil {
		return nil, err
	}
	raw := json.RawMessage(append([]byte(nil), data...))
	unknown := Unknown{Type: name, Raw: raw}

	switch name {
	case TypeGuardrailTripped:
		var w wireGuardrail
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		return GuardrailTripped{Category: w.Category, Rationale: w.Rationale}, nil

	case TypeResponseDone:
		var w wireResponseDone
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		return ResponseDone{ResponseID: w.Response.ID, Status: w.Response.Status}, nil

	case TypeResponseTextDelta, TypeAudioTranscriptDelta:
		var w wireDelta
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		delta, _ := w.payload()
		return AssistantDelta{Type: name, ItemID: w.itemID(), ResponseID: w.responseID(), Delta: delta}, nil

	case TypeInputTranscriptionDelta, TypeItemTranscriptionDelta:
		var w wireDelta
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		delta, ok := w.payload()
		if !ok || w.itemID() == "" {
			return unknown, nil
		}
		return UserTranscriptionDelta{ItemID: w.itemID(), Delta: delta}, nil

	case TypeSpeechStarted:
		var w wireDelta
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		return SpeechStarted{ItemID: w.itemID(), AudioStartMS: w.AudioStartMS}, nil

	case TypeTranscriptionCompleted:
		var w wireDelta
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		if w.Transcript == nil || w.itemID() == "" {
			return unknown, nil
		}
		return TranscriptionCompleted{ItemID: w.itemID(), Transcript: *w.Transcript}, nil
	}
	return unknown, nil
}
