package input

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/romatekai/romatek-voice/internal/realtime"
)

type State string

const (
	StateIdle         State = "idle"
	StateUserSpeaking State = "user_speaking"
)

// Session is the part of the connection manager the controller drives.
type Session interface {
	Status() realtime.ConnectionStatus
	Interrupt()
	SendEvent(ctx context.Context, event any)
	SendUserText(text string) error
}

// Controller is the push-to-talk state machine and typed-text entry point.
type Controller struct {
	session Session
	vad     *realtime.TurnDetection
	log     *slog.Logger

	mu         sync.Mutex
	state      State
	pushToTalk bool
}

// New creates a controller. vad is the detection block sent while
// push-to-talk is off.
func New(s Session, pushToTalk bool, vad *realtime.TurnDetection, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		session:    s,
		vad:        vad,
		log:        log.With(slog.String("component", "input")),
		state:      StateIdle,
		pushToTalk: pushToTalk,
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) PushToTalk() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pushToTalk
}

// TalkButtonDown starts a user turn: it interrupts the assistant and clears
// the input buffer. It does nothing unless the session is connected.
func (c *Controller) TalkButtonDown(ctx context.Context) bool {
	if c.session.Status() != realtime.StatusConnected {
		return false
	}
	c.mu.Lock()
	if c.state == StateUserSpeaking {
		c.mu.Unlock()
		return false
	}
	c.state = StateUserSpeaking
	c.mu.Unlock()

	c.session.Interrupt()
	c.session.SendEvent(ctx, realtime.Simple(realtime.TypeInputAudioClear))
	return true
}

// TalkButtonUp ends a user turn by committing the buffer and requesting a
// response. It does nothing unless a turn is in progress.
func (c *Controller) TalkButtonUp(ctx context.Context) bool {
	c.mu.Lock()
	if c.state != StateUserSpeaking {
		c.mu.Unlock()
		return false
	}
	c.state = StateIdle
	c.mu.Unlock()

	c.session.SendEvent(ctx, realtime.Simple(realtime.TypeInputAudioCommit))
	c.session.SendEvent(ctx, realtime.Simple(realtime.TypeResponseCreate))
	return true
}

// SetPushToTalk switches between push-to-talk and server VAD and pushes the
// matching turn detection to the session.
func (c *Controller) SetPushToTalk(ctx context.Context, on bool) {
	c.mu.Lock()
	c.pushToTalk = on
	c.mu.Unlock()
	c.SyncSession(ctx)
}

// SyncSession sends the turn detection for the current mode. Call it after
// every connect.
func (c *Controller) SyncSession(ctx context.Context) {
	if c.session.Status() != realtime.StatusConnected {
		return
	}
	var td *realtime.TurnDetection
	if !c.PushToTalk() {
		td = c.vad
	}
	c.session.SendEvent(ctx, realtime.TurnDetectionUpdate(td))
}

// Reset returns the controller to idle without sending anything.
func (c *Controller) Reset() {
	c.mu.Lock()
	c.state = StateIdle
	c.mu.Unlock()
}

// SendText sends a typed message after interrupting the assistant. Blank
// input is ignored.
func (c *Controller) SendText(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	c.session.Interrupt()
	if err := c.session.SendUserText(text); err != nil {
		c.log.Warn("send text failed", slog.String("error", err.Error()))
		return err
	}
	return nil
}
