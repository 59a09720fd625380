package normalizer

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/romatekai/romatek-voice/internal/realtime"
	"github.com/romatekai/romatek-voice/internal/transcript"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var handoffPattern = regexp.MustCompile(`(?i)^transfer_to_(.+)$`)

// Normalizer reduces realtime events into transcript mutations. Apply must be
// called from a single goroutine; ActivePersona may be read from any.
type Normalizer struct {
	store    *transcript.Store
	personas []string
	log      *slog.Logger

	loggedCalls map[string]struct{}

	mu            sync.RWMutex
	activePersona string

	normalized metric.Int64Counter
	ignored    metric.Int64Counter
	failed     metric.Int64Counter
}

// New creates a normalizer writing into store. personas lists the names that
// hand-off tool calls may refer to; the first one is the initial persona.
func New(store *transcript.Store, personas []string, log *slog.Logger) *Normalizer {
	if log == nil {
		log = slog.Default()
	}
	n := &Normalizer{
		store:       store,
		personas:    personas,
		log:         log.With(slog.String("component", "normalizer")),
		loggedCalls: make(map[string]struct{}),
	}
	if len(personas) > 0 {
		n.activePersona = personas[0]
	}
	meter := otel.Meter("github.com/romatekai/romatek-voice/normalizer")
	n.normalized, _ = meter.Int64Counter("realtime.events.normalized", metric.WithDescription("Realtime events that mutated the transcript"))
	n.ignored, _ = meter.Int64Counter("realtime.events.ignored", metric.WithDescription("Realtime events with no transcript effect"))
	n.failed, _ = meter.Int64Counter("realtime.events.failed", metric.WithDescription("Realtime events whose handling failed"))
	return n
}

// Store returns the transcript the normalizer writes to.
func (n *Normalizer) Store() *transcript.Store { return n.store }

// ActivePersona is the persona most recently handed off to, for display.
func (n *Normalizer) ActivePersona() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.activePersona
}

// Apply processes one event. A failure while handling an event is logged and
// counted, never propagated. It reports whether the transcript was touched.
func (n *Normalizer) Apply(ev realtime.Event) (handled bool) {
	if ev == nil {
		return false
	}
	name := ev.EventType()
	defer func() {
		if r := recover(); r != nil {
			n.log.Warn("event normalization failed", slog.String("event", name), slog.String("error", fmt.Sprint(r)))
			n.count(n.failed, name)
			handled = false
		}
	}()

	handled = n.dispatch(ev)
	if handled {
		n.count(n.normalized, name)
	} else {
		n.count(n.ignored, name)
	}
	return handled
}

func (n *Normalizer) count(counter metric.Int64Counter, name string) {
	if counter != nil {
		counter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("event", name)))
	}
}

func (n *Normalizer) dispatch(ev realtime.Event) bool {
	switch e := ev.(type) {
	case realtime.GuardrailTripped:
		return n.onGuardrailTripped(e)
	case realtime.ResponseDone:
		return n.onResponseDone()
	case realtime.AssistantDelta:
		return n.onAssistantDelta(e)
	case realtime.UserTranscriptionDelta:
		return n.onUserDelta(e)
	case realtime.SpeechStarted:
		return n.onSpeechStarted(e)
	case realtime.TranscriptionCompleted:
		return n.onTranscriptionCompleted(e)
	case realtime.HistoryAdded:
		return n.onHistoryItem(e.Item)
	case realtime.HistoryUpdated:
		touched := false
		for _, item := range e.Items {
			if n.onHistoryItem(item) {
				touched = true
			}
		}
		return touched
	case realtime.ConnectionChange, realtime.Unknown:
		return false
	default:
		return false
	}
}

func (n *Normalizer) onGuardrailTripped(e realtime.GuardrailTripped) bool {
	last, ok := n.store.LastAssistant()
	if !ok {
		return false
	}
	category := transcript.Category(strings.ToLower(e.Category))
	if category == "" || category == transcript.CategoryNone {
		category = transcript.CategoryOffBrand
	}
	return n.store.SetGuardrailVerdict(last.ID, transcript.GuardrailVerdict{
		Status:    transcript.StatusDone,
		Category:  category,
		Rationale: e.Rationale,
	})
}

func (n *Normalizer) onResponseDone() bool {
	last, ok := n.store.LastAssistant()
	if !ok {
		return false
	}
	if last.Guardrail != nil && last.Guardrail.Status != transcript.StatusInProgress {
		return false
	}
	return n.store.SetGuardrailVerdict(last.ID, passVerdict())
}

func passVerdict() transcript.GuardrailVerdict {
	return transcript.GuardrailVerdict{Status: transcript.StatusDone, Category: transcript.CategoryNone}
}

func (n *Normalizer) onAssistantDelta(e realtime.AssistantDelta) bool {
	if e.ItemID == "" || e.Delta == "" {
		return false
	}
	n.store.CreateMessage(e.ItemID, transcript.RoleAssistant, "", false)
	n.store.AppendOrSetText(e.ItemID, e.Delta, true)
	n.store.UpdateStatus(e.ItemID, transcript.StatusInProgress)
	return true
}

func (n *Normalizer) onUserDelta(e realtime.UserTranscriptionDelta) bool {
	if e.ItemID == "" {
		return false
	}
	n.store.CreateMessage(e.ItemID, transcript.RoleUser, transcript.Placeholder, false)
	n.store.AppendOrSetText(e.ItemID, e.Delta, true)
	n.store.UpdateStatus(e.ItemID, transcript.StatusInProgress)
	return true
}

func (n *Normalizer) onSpeechStarted(e realtime.SpeechStarted) bool {
	if e.ItemID == "" {
		return false
	}
	if !n.store.CreateMessage(e.ItemID, transcript.RoleUser, transcript.Placeholder, false) {
		return false
	}
	n.store.UpdateStatus(e.ItemID, transcript.StatusInProgress)
	return true
}

func (n *Normalizer) onTranscriptionCompleted(e realtime.TranscriptionCompleted) bool {
	if e.ItemID == "" {
		return false
	}
	text := strings.TrimSpace(e.Transcript)
	if !n.store.CreateMessage(e.ItemID, transcript.RoleUser, text, false) {
		n.store.AppendOrSetText(e.ItemID, text, false)
	}
	n.store.UpdateStatus(e.ItemID, transcript.StatusDone)
	return true
}

func (n *Normalizer) onHistoryItem(item realtime.HistoryItem) bool {
	switch item.Type {
	case realtime.ItemMessage:
		return n.onHistoryMessage(item)
	case realtime.ItemFunctionCall:
		return n.onFunctionCall(item)
	default:
		return false
	}
}

func (n *Normalizer) onHistoryMessage(item realtime.HistoryItem) bool {
	text := realtime.MessageText(item.Content)
	if text == "" || item.ItemID == "" {
		return false
	}
	role := transcript.RoleUser
	if item.Role == string(transcript.RoleAssistant) {
		role = transcript.RoleAssistant
	}

	if !n.store.CreateMessage(item.ItemID, role, text, false) {
		n.store.AppendOrSetText(item.ItemID, text, false)
	}

	if role == transcript.RoleAssistant && item.Status == realtime.StatusCompleted {
		if current, ok := n.store.Get(item.ItemID); ok {
			if current.Guardrail == nil || current.Guardrail.Status == transcript.StatusInProgress {
				n.store.SetGuardrailVerdict(item.ItemID, passVerdict())
			}
		}
	}

	if item.Status != "" {
		status := transcript.StatusInProgress
		if item.Status == realtime.StatusCompleted {
			status = transcript.StatusDone
		}
		n.store.UpdateStatus(item.ItemID, status)
	}
	return true
}

func (n *Normalizer) onFunctionCall(item realtime.HistoryItem) bool {
	if item.ItemID == "" {
		return false
	}
	if _, seen := n.loggedCalls[item.ItemID]; seen {
		return false
	}
	n.loggedCalls[item.ItemID] = struct{}{}

	payload := map[string]any{"arguments": item.Arguments}
	if item.Output != "" {
		payload["output"] = item.Output
	}
	n.store.AddBreadcrumb("Tool call: "+item.Name, payload)

	if m := handoffPattern.FindStringSubmatch(item.Name); m != nil {
		for _, name := range n.personas {
			if strings.EqualFold(name, m[1]) {
				n.mu.Lock()
				n.activePersona = name
				n.mu.Unlock()
				n.log.Debug("active persona changed", slog.String("persona", name))
				break
			}
		}
	}
	return true
}
