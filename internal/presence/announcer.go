package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/romatekai/romatek-voice/internal/bus"
	"github.com/romatekai/romatek-voice/internal/config"
	"github.com/romatekai/romatek-voice/internal/protocol"
)

// Announcer publishes the chat client's session state so a daemon can list
// live conversations.
type Announcer struct {
	bus      *bus.Client
	client   string
	interval time.Duration
	log      *slog.Logger

	mu      sync.Mutex
	current protocol.SessionHeartbeat
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewAnnouncer(busClient *bus.Client, cfg config.PresenceConfig, client string, log *slog.Logger) *Announcer {
	interval := time.Duration(cfg.HeartbeatInterval) * time.Millisecond
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Announcer{
		bus:      busClient,
		client:   client,
		interval: interval,
		log:      log.With(slog.String("component", "presence-announcer")),
	}
}

// Start runs the heartbeat loop until ctx ends or Close is called.
func (a *Announcer) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancel = cancel
	a.done = make(chan struct{})
	done := a.done
	a.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.heartbeat()
			}
		}
	}()
}

// Announce records the session's current persona and status and publishes
// them immediately. A new session id ends the previous one.
func (a *Announcer) Announce(sessionID, persona, status string) {
	if sessionID == "" {
		return
	}
	a.mu.Lock()
	previous := a.current.SessionID
	a.current = protocol.SessionHeartbeat{SessionID: sessionID, Persona: persona, Status: status}
	a.mu.Unlock()

	if previous != "" && previous != sessionID {
		a.publishClosed(previous)
	}
	msg := protocol.SessionAnnouncement{
		SessionID: sessionID,
		Client:    a.client,
		Persona:   persona,
		Status:    status,
		Timestamp: time.Now().UTC(),
	}
	if err := a.bus.PublishJSON(protocol.SubjectSessionAnnounce, msg); err != nil {
		a.log.Warn("failed to announce session", slog.String("error", err.Error()))
	}
}

// End publishes the close of the current session, if any.
func (a *Announcer) End() {
	a.mu.Lock()
	id := a.current.SessionID
	a.current = protocol.SessionHeartbeat{}
	a.mu.Unlock()
	if id != "" {
		a.publishClosed(id)
	}
}

// Close stops the heartbeat loop and ends the current session.
func (a *Announcer) Close() {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	a.End()
}

func (a *Announcer) heartbeat() {
	a.mu.Lock()
	hb := a.current
	a.mu.Unlock()
	if hb.SessionID == "" {
		return
	}
	hb.Timestamp = time.Now().UTC()
	if err := a.bus.PublishJSON(protocol.HeartbeatSubject(hb.SessionID), hb); err != nil {
		a.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
	}
}

func (a *Announcer) publishClosed(id string) {
	msg := protocol.SessionClosed{SessionID: id, Timestamp: time.Now().UTC()}
	if err := a.bus.PublishJSON(protocol.SubjectSessionClosed, msg); err != nil {
		a.log.Warn("failed to publish session close", slog.String("error", err.Error()))
	}
}
