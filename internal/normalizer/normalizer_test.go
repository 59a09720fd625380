package normalizer

import (
	"testing"

	"github.com/romatekai/romatek-voice/internal/realtime"
	"github.com/romatekai/romatek-voice/internal/transcript"
	"github.com/stretchr/testify/require"
)

func newTestNormalizer() (*Normalizer, *transcript.Store) {
	store := transcript.New()
	return New(store, []string{"chatAgent", "salesAgent"}, nil), store
}

func applyAll(n *Normalizer, events ...realtime.Event) {
	for _, ev := range events {
		n.Apply(ev)
	}
}

func TestUserSpeechScenario(t *testing.T) {
	n, store := newTestNormalizer()
	applyAll(n,
		realtime.SpeechStarted{ItemID: "a1"},
		realtime.UserTranscriptionDelta{ItemID: "a1", Delta: "he"},
		realtime.UserTranscriptionDelta{ItemID: "a1", Delta: "llo"},
		realtime.TranscriptionCompleted{ItemID: "a1", Transcript: "hello world"},
	)

	it, ok := store.Get("a1")
	require.True(t, ok)
	require.Equal(t, transcript.RoleUser, it.Role)
	require.Equal(t, "hello world", it.Text)
	require.Equal(t, transcript.StatusDone, it.Status)
}

func TestSpeechStartedShowsPlaceholder(t *testing.T) {
	n, store := newTestNormalizer()
	require.True(t, n.Apply(realtime.SpeechStarted{ItemID: "u1"}))
	require.False(t, n.Apply(realtime.SpeechStarted{ItemID: "u1"}))
	it, _ := store.Get("u1")
	require.Equal(t, transcript.Placeholder, it.Text)
	require.Equal(t, transcript.StatusInProgress, it.Status)
}

func TestAssistantDeltasAccumulate(t *testing.T) {
	n, store := newTestNormalizer()
	applyAll(n,
		realtime.AssistantDelta{Type: realtime.TypeAudioTranscriptDelta, ItemID: "b1", ResponseID: "r1", Delta: "Hi "},
		realtime.AssistantDelta{Type: realtime.TypeAudioTranscriptDelta, ItemID: "b1", ResponseID: "r1", Delta: "there"},
		realtime.AssistantDelta{Type: realtime.TypeResponseTextDelta, ItemID: "b1", Delta: ""},
	)
	it, _ := store.Get("b1")
	require.Equal(t, "Hi there", it.Text)
	require.Equal(t, transcript.StatusInProgress, it.Status)
	require.Equal(t, transcript.StatusInProgress, it.Guardrail.Status)
	require.Equal(t, 1, store.Len())
}

func TestToolCallLoggedOnce(t *testing.T) {
	n, store := newTestNormalizer()
	call := realtime.HistoryItem{ItemID: "t1", Type: realtime.ItemFunctionCall, Name: "lookup", Arguments: `{"q":"x"}`}
	applyAll(n,
		realtime.HistoryAdded{Item: call},
		realtime.HistoryUpdated{Items: []realtime.HistoryItem{call}},
		realtime.HistoryUpdated{Items: []realtime.HistoryItem{call}},
	)

	items := store.Items()
	require.Len(t, items, 1)
	require.Equal(t, transcript.KindBreadcrumb, items[0].Kind)
	require.Equal(t, "Tool call: lookup", items[0].Title)
	require.Equal(t, `{"q":"x"}`, items[0].Data["arguments"])
}

func TestToolCallOutputArrivingLaterIsNotLoggedAgain(t *testing.T) {
	n, store := newTestNormalizer()
	call := realtime.HistoryItem{ItemID: "t1", Type: realtime.ItemFunctionCall, Name: "lookup", Arguments: `{"q":"x"}`}
	finished := call
	finished.Arguments = `{"q":"y"}`
	finished.Output = `{"answer":42}`
	applyAll(n,
		realtime.HistoryUpdated{Items: []realtime.HistoryItem{call}},
		realtime.HistoryUpdated{Items: []realtime.HistoryItem{finished}},
	)

	items := store.Items()
	require.Len(t, items, 1)
	require.Equal(t, transcript.KindBreadcrumb, items[0].Kind)
	require.Equal(t, `{"q":"x"}`, items[0].Data["arguments"])
	require.NotContains(t, items[0].Data, "output")
}

func TestHandoffUpdatesActivePersona(t *testing.T) {
	n, _ := newTestNormalizer()
	require.Equal(t, "chatAgent", n.ActivePersona())

	n.Apply(realtime.HistoryAdded{Item: realtime.HistoryItem{ItemID: "t1", Type: realtime.ItemFunctionCall, Name: "transfer_to_SALESAGENT"}})
	require.Equal(t, "salesAgent", n.ActivePersona())

	n.Apply(realtime.HistoryAdded{Item: realtime.HistoryItem{ItemID: "t2", Type: realtime.ItemFunctionCall, Name: "transfer_to_nobody"}})
	require.Equal(t, "salesAgent", n.ActivePersona())
}

func TestGuardrailTripSurvivesCompletion(t *testing.T) {
	n, store := newTestNormalizer()
	applyAll(n,
		realtime.AssistantDelta{ItemID: "b1", Delta: "try our competitor"},
		realtime.GuardrailTripped{Category: "OFF_BRAND", Rationale: "mentions competitor"},
		realtime.ResponseDone{ResponseID: "r1", Status: "completed"},
		realtime.HistoryUpdated{Items: []realtime.HistoryItem{{
			ItemID:  "b1",
			Type:    realtime.ItemMessage,
			Role:    "assistant",
			Status:  realtime.StatusCompleted,
			Content: []realtime.ContentPart{{Type: realtime.PartAudio, Transcript: "try our competitor"}},
		}}},
	)

	it, _ := store.Get("b1")
	require.Equal(t, transcript.StatusDone, it.Guardrail.Status)
	require.Equal(t, transcript.CategoryOffBrand, it.Guardrail.Category)
	require.Equal(t, "mentions competitor", it.Guardrail.Rationale)
	require.Equal(t, transcript.StatusDone, it.Status)
}

func TestResponseDonePassesByDefault(t *testing.T) {
	n, store := newTestNormalizer()
	require.False(t, n.Apply(realtime.ResponseDone{}))

	n.Apply(realtime.AssistantDelta{ItemID: "b1", Delta: "Welcome"})
	require.True(t, n.Apply(realtime.ResponseDone{ResponseID: "r1"}))
	it, _ := store.Get("b1")
	require.Equal(t, transcript.GuardrailVerdict{Status: transcript.StatusDone, Category: transcript.CategoryNone}, *it.Guardrail)
}

func TestHistoryMessageOverwritesText(t *testing.T) {
	n, store := newTestNormalizer()
	n.Apply(realtime.AssistantDelta{ItemID: "b1", Delta: "Hel"})
	n.Apply(realtime.HistoryUpdated{Items: []realtime.HistoryItem{{
		ItemID:  "b1",
		Type:    realtime.ItemMessage,
		Role:    "assistant",
		Status:  "in_progress",
		Content: []realtime.ContentPart{{Type: realtime.PartText, Text: " Hello "}, {Type: realtime.PartText, Text: "again"}},
	}}})
	it, _ := store.Get("b1")
	require.Equal(t, "Hello  again", it.Text)
	require.Equal(t, transcript.StatusInProgress, it.Guardrail.Status)
}

func TestHistoryMessageWithoutTextIsSkipped(t *testing.T) {
	n, store := newTestNormalizer()
	require.False(t, n.Apply(realtime.HistoryAdded{Item: realtime.HistoryItem{
		ItemID:  "u1",
		Type:    realtime.ItemMessage,
		Role:    "user",
		Content: []realtime.ContentPart{{Type: realtime.PartInputAudio}},
	}}))
	require.Zero(t, store.Len())
}

func TestHistoryAddedIsIdempotent(t *testing.T) {
	n, store := newTestNormalizer()
	item := realtime.HistoryItem{
		ItemID:  "u1",
		Type:    realtime.ItemMessage,
		Role:    "user",
		Content: []realtime.ContentPart{{Type: realtime.PartInputText, Text: "hi"}},
	}
	n.Apply(realtime.HistoryAdded{Item: item})
	n.Apply(realtime.HistoryAdded{Item: item})
	require.Equal(t, 1, store.Len())
}

func TestUnknownEventsIgnored(t *testing.T) {
	n, store := newTestNormalizer()
	require.False(t, n.Apply(realtime.Unknown{Type: "rate_limits.updated"}))
	require.False(t, n.Apply(realtime.ConnectionChange{Status: realtime.StatusConnected}))
	require.False(t, n.Apply(nil))
	require.Zero(t, store.Len())
}

func TestFailureDoesNotStopProcessing(t *testing.T) {
	n := New(nil, nil, nil)
	require.False(t, n.Apply(realtime.AssistantDelta{ItemID: "b1", Delta: "boom"}))
	require.False(t, n.Apply(realtime.ConnectionChange{Status: realtime.StatusConnected}))
}
