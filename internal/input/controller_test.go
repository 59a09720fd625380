package input

import (
	"context"
	"testing"

	"github.com/romatekai/romatek-voice/internal/realtime"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	status     realtime.ConnectionStatus
	calls      []string
	events     []map[string]any
	texts      []string
	interrupts int
}

func (f *fakeSession) Status() realtime.ConnectionStatus { return f.status }

func (f *fakeSession) Interrupt() {
	f.interrupts++
	f.calls = append(f.calls, "interrupt")
}

func (f *fakeSession) SendEvent(_ context.Context, ev any) {
	m := ev.(map[string]any)
	f.events = append(f.events, m)
	f.calls = append(f.calls, m["type"].(string))
}

func (f *fakeSession) SendUserText(text string) error {
	f.texts = append(f.texts, text)
	f.calls = append(f.calls, "text")
	return nil
}

func vad() *realtime.TurnDetection { return realtime.ServerVAD(0.9, 300, 500, true) }

func TestTalkButtonCycle(t *testing.T) {
	s := &fakeSession{status: realtime.StatusConnected}
	c := New(s, true, vad(), nil)
	ctx := context.Background()

	require.True(t, c.TalkButtonDown(ctx))
	require.Equal(t, StateUserSpeaking, c.State())
	require.True(t, c.TalkButtonUp(ctx))
	require.Equal(t, StateIdle, c.State())

	require.Equal(t, []string{
		"interrupt",
		realtime.TypeInputAudioClear,
		realtime.TypeInputAudioCommit,
		realtime.TypeResponseCreate,
	}, s.calls)
}

func TestTalkButtonDownRequiresConnection(t *testing.T) {
	s := &fakeSession{status: realtime.StatusConnecting}
	c := New(s, true, vad(), nil)
	require.False(t, c.TalkButtonDown(context.Background()))
	require.Equal(t, StateIdle, c.State())
	require.Empty(t, s.calls)
}

func TestTalkButtonUpWhenIdleDoesNothing(t *testing.T) {
	s := &fakeSession{status: realtime.StatusConnected}
	c := New(s, true, vad(), nil)
	require.False(t, c.TalkButtonUp(context.Background()))
	require.Empty(t, s.calls)
}

func TestPushToTalkTogglesTurnDetection(t *testing.T) {
	s := &fakeSession{status: realtime.StatusConnected}
	c := New(s, false, vad(), nil)
	ctx := context.Background()

	c.SetPushToTalk(ctx, true)
	require.True(t, c.PushToTalk())
	session := s.events[0]["session"].(map[string]any)
	require.Contains(t, session, "turn_detection")
	require.Nil(t, session["turn_detection"])

	c.SetPushToTalk(ctx, false)
	td := s.events[1]["session"].(map[string]any)["turn_detection"].(*realtime.TurnDetection)
	require.Equal(t, "server_vad", td.Type)
	require.Equal(t, 0.9, td.Threshold)
	require.Equal(t, 300, td.PrefixPaddingMS)
	require.Equal(t, 500, td.SilenceDurationMS)
	require.True(t, td.CreateResponse)
}

func TestSyncSessionSkippedWhileDisconnected(t *testing.T) {
	s := &fakeSession{status: realtime.StatusDisconnected}
	c := New(s, false, vad(), nil)
	c.SetPushToTalk(context.Background(), true)
	require.True(t, c.PushToTalk())
	require.Empty(t, s.events)
}

func TestSendTextTrimsAndInterrupts(t *testing.T) {
	s := &fakeSession{status: realtime.StatusConnected}
	c := New(s, false, vad(), nil)

	require.NoError(t, c.SendText("   "))
	require.Empty(t, s.calls)

	require.NoError(t, c.SendText("  what do you offer? "))
	require.Equal(t, []string{"interrupt", "text"}, s.calls)
	require.Equal(t, []string{"what do you offer?"}, s.texts)
}
