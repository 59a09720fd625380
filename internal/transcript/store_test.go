package transcript

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fixedClock(times ...time.Time) func() time.Time {
	i := 0
	return func() time.Time {
		t := times[i%len(times)]
		i++
		return t
	}
}

func TestCreateMessageIsIdempotent(t *testing.T) {
	s := New()
	require.True(t, s.CreateMessage("a1", RoleAssistant, "", false))
	require.False(t, s.CreateMessage("a1", RoleUser, "other", false))
	require.False(t, s.CreateMessage("", RoleUser, "x", false))

	it, ok := s.Get("a1")
	require.True(t, ok)
	require.Equal(t, RoleAssistant, it.Role)
	require.Equal(t, StatusInProgress, it.Guardrail.Status)
	require.Equal(t, 1, s.Len())
}

func TestPlaceholderReplacedByFirstDelta(t *testing.T) {
	s := New()
	s.CreateMessage("u1", RoleUser, Placeholder, false)
	s.AppendOrSetText("u1", "he", true)
	s.AppendOrSetText("u1", "llo", true)
	it, _ := s.Get("u1")
	require.Equal(t, "hello", it.Text)

	s.AppendOrSetText("u1", "hello world", false)
	it, _ = s.Get("u1")
	require.Equal(t, "hello world", it.Text)
	require.False(t, s.AppendOrSetText("missing", "x", true))
}

func TestGuardrailLastFatalWins(t *testing.T) {
	s := New()
	s.CreateMessage("a1", RoleAssistant, "", false)

	flagged := GuardrailVerdict{Status: StatusDone, Category: CategoryOffBrand, Rationale: "mentions competitor"}
	require.True(t, s.SetGuardrailVerdict("a1", flagged))
	require.False(t, s.SetGuardrailVerdict("a1", GuardrailVerdict{Status: StatusDone, Category: CategoryNone}))
	require.False(t, s.SetGuardrailVerdict("a1", GuardrailVerdict{Status: StatusInProgress}))

	it, _ := s.Get("a1")
	require.Equal(t, flagged, *it.Guardrail)
}

func TestGuardrailOnlyOnAssistantMessages(t *testing.T) {
	s := New()
	s.CreateMessage("u1", RoleUser, "hi", false)
	require.False(t, s.SetGuardrailVerdict("u1", GuardrailVerdict{Status: StatusDone, Category: CategoryNone}))
	id := s.AddBreadcrumb("lookup", nil)
	require.False(t, s.SetGuardrailVerdict(id, GuardrailVerdict{Status: StatusDone, Category: CategoryNone}))
}

func TestLastAssistantTracksNewestAssistant(t *testing.T) {
	s := New()
	_, ok := s.LastAssistant()
	require.False(t, ok)

	s.CreateMessage("a1", RoleAssistant, "", false)
	s.CreateMessage("u1", RoleUser, "hi", false)
	s.CreateMessage("a2", RoleAssistant, "", false)
	last, ok := s.LastAssistant()
	require.True(t, ok)
	require.Equal(t, "a2", last.ID)

	latest, ok := s.QueryLatest(func(it Item) bool { return it.Role == RoleUser })
	require.True(t, ok)
	require.Equal(t, "u1", latest.ID)

	s.Reset()
	_, ok = s.LastAssistant()
	require.False(t, ok)
	require.Zero(t, s.Len())
}

func TestItemsOrderedByCreation(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := New(WithClock(fixedClock(base, base, base.Add(-time.Second))))
	s.CreateMessage("first", RoleUser, "a", false)
	s.CreateMessage("second", RoleUser, "b", false)
	s.CreateMessage("earlier", RoleUser, "c", false)

	var ids []string
	for _, it := range s.Items() {
		ids = append(ids, it.ID)
	}
	require.Equal(t, []string{"earlier", "first", "second"}, ids)
}

func TestItemsReturnCopies(t *testing.T) {
	s := New()
	s.AddBreadcrumb("lookup", map[string]any{"q": "x"})
	items := s.Items()
	items[0].Data["q"] = "changed"
	require.Equal(t, "x", s.Items()[0].Data["q"])
}

func TestOnChangeReceivesMutations(t *testing.T) {
	s := New()
	var seen []string
	s.OnChange(func(it Item) { seen = append(seen, it.ID+":"+it.Text) })
	s.CreateMessage("a1", RoleAssistant, "", false)
	s.AppendOrSetText("a1", "hey", true)
	s.UpdateStatus("a1", StatusInProgress)
	require.Equal(t, []string{"a1:", "a1:hey"}, seen)
}
