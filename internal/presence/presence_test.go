package presence

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/romatekai/romatek-voice/internal/bus"
	"github.com/romatekai/romatek-voice/internal/config"
	"github.com/romatekai/romatek-voice/internal/natsserver"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func connectBus(t *testing.T) *bus.Client {
	t.Helper()
	logger := discardLogger()
	ns, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, logger)
	require.NoError(t, err)
	t.Cleanup(ns.Shutdown)

	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{ns.ClientURL()}, ConnectTimeout: 2000}, "presence-test", logger)
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func TestRegistryTracksAnnouncedSessions(t *testing.T) {
	client := connectBus(t)
	cfg := config.PresenceConfig{HeartbeatInterval: 20, HeartbeatTimeout: 5000, ExpireAfter: 60000}

	registry, err := NewRegistry(context.Background(), cfg, client, discardLogger())
	require.NoError(t, err)
	t.Cleanup(registry.Close)

	announcer := NewAnnouncer(client, cfg, "romatek-chat", discardLogger())
	announcer.Start(context.Background())
	t.Cleanup(announcer.Close)

	announcer.Announce("s1", "chatAgent", "connected")
	require.Eventually(t, func() bool {
		s, ok := registry.Get("s1")
		return ok && s.Live && s.Persona == "chatAgent" && s.Client == "romatek-chat"
	}, 5*time.Second, 10*time.Millisecond)

	announcer.Announce("s1", "salesAgent", "connected")
	require.Eventually(t, func() bool {
		s, _ := registry.Get("s1")
		return s.Persona == "salesAgent"
	}, 5*time.Second, 10*time.Millisecond)

	announcer.Announce("s2", "chatAgent", "connected")
	require.Eventually(t, func() bool {
		s1, _ := registry.Get("s1")
		s2, ok := registry.Get("s2")
		return s1.Closed && !s1.Live && ok && s2.Live
	}, 5*time.Second, 10*time.Millisecond)

	live := registry.Live()
	require.Len(t, live, 1)
	require.Equal(t, "s2", live[0].ID)

	announcer.End()
	require.Eventually(t, func() bool {
		return len(registry.Live()) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestEvaluateHealthMarksAndExpires(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r := &Registry{
		cfg:      config.PresenceConfig{HeartbeatInterval: 1000, HeartbeatTimeout: 3000, ExpireAfter: 10000},
		log:      discardLogger(),
		now:      func() time.Time { return now },
		sessions: make(map[string]*SessionInfo),
	}
	r.update("fresh", func(s *SessionInfo) { s.LastSeen = now.Add(-time.Second) })
	r.update("quiet", func(s *SessionInfo) { s.LastSeen = now.Add(-5 * time.Second) })
	r.update("gone", func(s *SessionInfo) { s.LastSeen = now.Add(-time.Minute) })

	r.evaluateHealth()

	fresh, _ := r.Get("fresh")
	require.True(t, fresh.Live)
	quiet, ok := r.Get("quiet")
	require.True(t, ok)
	require.False(t, quiet.Live)
	_, ok = r.Get("gone")
	require.False(t, ok)
	require.EqualValues(t, 1, r.liveCount())

	all := r.Query(nil)
	require.Len(t, all, 2)
	require.Equal(t, "fresh", all[0].ID)
}
