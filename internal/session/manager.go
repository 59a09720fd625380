package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/romatekai/romatek-voice/internal/audit"
	apperrors "github.com/romatekai/romatek-voice/internal/errors"
	"github.com/romatekai/romatek-voice/internal/normalizer"
	"github.com/romatekai/romatek-voice/internal/persona"
	"github.com/romatekai/romatek-voice/internal/realtime"
	"github.com/romatekai/romatek-voice/internal/transcript"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

// Status is the connection state reported to observers.
type Status = realtime.ConnectionStatus

const (
	StatusDisconnected = realtime.StatusDisconnected
	StatusConnecting   = realtime.StatusConnecting
	StatusConnected    = realtime.StatusConnected
)

// ErrSuperseded is returned by Connect when Disconnect was called while the
// connect was in flight.
var ErrSuperseded = errors.New("connect superseded by disconnect")

// nameConnectionChange is the audit name of locally observed status changes.
const nameConnectionChange = "connection_change"

// CredentialSource yields the ephemeral secret for one session.
type CredentialSource interface {
	Fetch(ctx context.Context) (string, error)
}

// PersonaSource provides the persona set used for the next connect.
type PersonaSource interface {
	Current() persona.Set
}

// Transport is the subset of the realtime client the manager drives.
type Transport interface {
	SendEvent(ctx context.Context, event any) error
	SendUserText(text string) error
	SendAudio(pcm []byte) error
	Mute(muted bool) error
	Interrupt() error
	Close() error
	Ready() <-chan struct{}
	Done() <-chan struct{}
}

// Dialer opens a transport.
type Dialer func(ctx context.Context, opts realtime.DialOptions, h realtime.Handler) (Transport, error)

// RealtimeDialer dials the websocket transport.
func RealtimeDialer(ctx context.Context, opts realtime.DialOptions, h realtime.Handler) (Transport, error) {
	return realtime.Dial(ctx, opts, h)
}

// Options configures a Manager. Credentials is required.
type Options struct {
	Credentials        CredentialSource
	Personas           PersonaSource
	Dial               Dialer
	DefaultPersona     string
	Endpoint           string
	Model              string
	Voice              string
	HandshakeTimeout   time.Duration
	ToolTimeout        time.Duration
	Tools              map[string]realtime.ToolHandler
	Guardrail          realtime.Guardrail
	AudioSink          func(pcm []byte)
	AudioPlayback      bool
	Greeting           string
	PreserveTranscript bool
	Audit              audit.Sink
	Logger             *slog.Logger
}

// Manager owns at most one live realtime session.
type Manager struct {
	opts Options
	log  *slog.Logger

	mu         sync.Mutex
	status     Status
	generation uint64
	transport  Transport
	sessionID  string
	store      *transcript.Store
	norm       *normalizer.Normalizer
	muted      bool
	observers  []func(Status)
	attachers  []func(*transcript.Store)
}

// NewManager returns a disconnected manager. Dial defaults to RealtimeDialer.
func NewManager(opts Options) *Manager {
	if opts.Dial == nil {
		opts.Dial = RealtimeDialer
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	store := transcript.New()
	log := opts.Logger.With(slog.String("component", "session"))
	return &Manager{
		opts:   opts,
		log:    log,
		status: StatusDisconnected,
		store:  store,
		norm:   normalizer.New(store, nil, opts.Logger),
		muted:  !opts.AudioPlayback,
	}
}

// OnStatusChange registers fn for every status transition.
func (m *Manager) OnStatusChange(fn func(Status)) {
	m.mu.Lock()
	m.observers = append(m.observers, fn)
	m.mu.Unlock()
}

// OnTranscript registers fn to receive the transcript store of each connect
// attempt. It runs before the transport is dialed, so fn sees every item the
// session produces.
func (m *Manager) OnTranscript(fn func(*transcript.Store)) {
	m.mu.Lock()
	m.attachers = append(m.attachers, fn)
	m.mu.Unlock()
}

// Status is the current connection status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// Transcript returns the transcript of the current or last session.
func (m *Manager) Transcript() *transcript.Store {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store
}

func (m *Manager) Normalizer() *normalizer.Normalizer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.norm
}

func (m *Manager) Muted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.muted
}

// setStatusLocked records s and returns the observers to notify, or nil when
// the status did not change.
func (m *Manager) setStatusLocked(s Status) []func(Status) {
	if m.status == s {
		return nil
	}
	m.status = s
	return append([]func(Status){}, m.observers...)
}

func notify(observers []func(Status), s Status) {
	for _, fn := range observers {
		fn(s)
	}
}

// Connect opens a fresh session. It is a no-op unless the manager is
// disconnected.
func (m *Manager) Connect(ctx context.Context) (err error) {
	ctx, span := otel.Tracer("github.com/romatekai/romatek-voice/session").Start(ctx, "session.connect")
	defer func() {
		if err != nil && !errors.Is(err, ErrSuperseded) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	return m.connect(ctx)
}

func (m *Manager) connect(ctx context.Context) error {
	m.mu.Lock()
	if m.status != StatusDisconnected {
		m.mu.Unlock()
		return nil
	}
	m.generation++
	gen := m.generation
	observers := m.setStatusLocked(StatusConnecting)
	m.mu.Unlock()
	notify(observers, StatusConnecting)

	secret, err := m.opts.Credentials.Fetch(ctx)
	if err != nil {
		m.fail(gen)
		if !apperrors.Is(err, apperrors.ErrNoCredential) {
			err = apperrors.NewNoCredential(err)
		}
		m.log.Error("realtime credential unavailable", slog.String("error", err.Error()))
		return err
	}

	set := persona.DefaultSet(m.opts.DefaultPersona)
	if m.opts.Personas != nil {
		set = m.opts.Personas.Current()
	}
	defaultName := set.Default
	if m.opts.DefaultPersona != "" {
		defaultName = m.opts.DefaultPersona
	}
	personas := persona.Order(set.Personas, defaultName)
	if len(personas) == 0 {
		m.fail(gen)
		return apperrors.NewInvalidRequest("no personas configured")
	}
	names := make([]string, len(personas))
	for i, p := range personas {
		names[i] = p.Name
	}

	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		return ErrSuperseded
	}
	sessionID := uuid.NewString()
	m.sessionID = sessionID
	if !m.opts.PreserveTranscript {
		m.store = transcript.New()
	}
	norm := normalizer.New(m.store, names, m.opts.Logger)
	m.norm = norm
	store := m.store
	attachers := append([]func(*transcript.Store){}, m.attachers...)
	m.mu.Unlock()
	for _, fn := range attachers {
		fn(store)
	}

	transport, err := m.opts.Dial(ctx, realtime.DialOptions{
		Endpoint:         m.opts.Endpoint,
		Model:            m.opts.Model,
		Secret:           secret,
		Voice:            m.opts.Voice,
		Personas:         personas,
		HandshakeTimeout: m.opts.HandshakeTimeout,
		ToolTimeout:      m.opts.ToolTimeout,
		Tools:            m.opts.Tools,
		Guardrail:        m.opts.Guardrail,
		AudioSink:        m.opts.AudioSink,
		Logger:           m.opts.Logger,
	}, m.handlerFor(gen, sessionID, norm))
	if err != nil {
		m.fail(gen)
		m.log.Error("realtime connect failed", slog.String("error", err.Error()))
		return fmt.Errorf("connect realtime: %w", err)
	}

	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		transport.Close()
		return ErrSuperseded
	}
	m.transport = transport
	m.mu.Unlock()

	timer := time.NewTimer(m.opts.HandshakeTimeout)
	defer timer.Stop()
	select {
	case <-transport.Ready():
	case <-transport.Done():
		if !m.abort(gen, transport) {
			return ErrSuperseded
		}
		return errors.New("realtime session closed before it was acknowledged")
	case <-ctx.Done():
		if !m.abort(gen, transport) {
			return ErrSuperseded
		}
		return ctx.Err()
	case <-timer.C:
		if !m.abort(gen, transport) {
			return ErrSuperseded
		}
		return errors.New("realtime session was not acknowledged in time")
	}

	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		transport.Close()
		return ErrSuperseded
	}
	muted := !m.opts.AudioPlayback
	m.muted = muted
	observers = m.setStatusLocked(StatusConnected)
	m.mu.Unlock()
	notify(observers, StatusConnected)
	m.log.Info("realtime session connected",
		slog.String("session_id", sessionID),
		slog.String("persona", personas[0].Name))

	if err := transport.Mute(muted); err != nil {
		m.log.Warn("apply mute default failed", slog.String("error", err.Error()))
	}
	if m.opts.Greeting != "" && store.Len() == 0 {
		m.greet(ctx, transport, store)
	}
	return nil
}

// greet sends a hidden user message so the assistant opens the conversation.
func (m *Manager) greet(ctx context.Context, t Transport, store *transcript.Store) {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	store.CreateMessage(id, transcript.RoleUser, m.opts.Greeting, true)
	if err := t.SendEvent(ctx, realtime.UserTextItem(id, m.opts.Greeting)); err != nil {
		m.log.Warn("send greeting failed", slog.String("error", err.Error()))
		return
	}
	if err := t.SendEvent(ctx, realtime.Simple(realtime.TypeResponseCreate)); err != nil {
		m.log.Warn("request greeting response failed", slog.String("error", err.Error()))
	}
}

// fail returns a connect attempt to disconnected unless it was superseded.
// It reports whether gen still owned the manager.
func (m *Manager) fail(gen uint64) bool {
	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		return false
	}
	m.transport = nil
	observers := m.setStatusLocked(StatusDisconnected)
	m.mu.Unlock()
	notify(observers, StatusDisconnected)
	return true
}

// abort closes t if gen still owns it. A superseded attempt leaves t alone
// since Disconnect already closed it.
func (m *Manager) abort(gen uint64, t Transport) bool {
	if !m.fail(gen) {
		return false
	}
	t.Close()
	return true
}

// Disconnect closes the current session. It is safe to call at any time.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.generation++
	t := m.transport
	m.transport = nil
	observers := m.setStatusLocked(StatusDisconnected)
	m.mu.Unlock()

	if t != nil {
		if err := t.Close(); err != nil {
			m.log.Warn("close realtime session failed", slog.String("error", err.Error()))
		}
	}
	notify(observers, StatusDisconnected)
}

func (m *Manager) handlerFor(gen uint64, sessionID string, norm *normalizer.Normalizer) realtime.Handler {
	return realtime.Handler{
		OnEvent: func(ev realtime.Event) {
			if cc, ok := ev.(realtime.ConnectionChange); ok {
				payload, _ := json.Marshal(map[string]string{"status": string(cc.Status)})
				m.record(sessionID, audit.DirectionClient, nameConnectionChange, payload)
				if cc.Status == StatusDisconnected {
					m.transportClosed(gen)
				}
			}
			if m.current(gen) {
				norm.Apply(ev)
			}
		},
		OnServerEvent: func(name string, payload json.RawMessage) {
			m.record(sessionID, audit.DirectionServer, name, payload)
		},
		OnClientEvent: func(name string, payload json.RawMessage) {
			m.record(sessionID, audit.DirectionClient, name, payload)
		},
	}
}

func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation == gen
}

// transportClosed handles the transport ending on its own.
func (m *Manager) transportClosed(gen uint64) {
	m.mu.Lock()
	if m.generation != gen || m.transport == nil {
		m.mu.Unlock()
		return
	}
	m.transport = nil
	observers := m.setStatusLocked(StatusDisconnected)
	m.mu.Unlock()
	m.log.Info("realtime session ended")
	notify(observers, StatusDisconnected)
}

// record mirrors one event into the audit sink. Audio payloads are dropped
// and only their names kept.
func (m *Manager) record(sessionID string, dir audit.Direction, name string, payload json.RawMessage) {
	if m.opts.Audit == nil {
		return
	}
	if name == realtime.TypeResponseAudioDelta || name == realtime.TypeInputAudioAppend {
		payload = nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.opts.Audit.Append(ctx, audit.NewEvent(sessionID, dir, name, payload)); err != nil {
		m.log.Warn("audit append failed", slog.String("event", name), slog.String("error", err.Error()))
	}
}

func (m *Manager) handle(op string) Transport {
	m.mu.Lock()
	t := m.transport
	m.mu.Unlock()
	if t == nil {
		m.log.Error("no realtime session", slog.String("operation", op))
	}
	return t
}

// SendEvent forwards event to the transport. Without a session the event is
// dropped and an error logged.
func (m *Manager) SendEvent(ctx context.Context, event any) {
	t := m.handle("send_event")
	if t == nil {
		return
	}
	if err := t.SendEvent(ctx, event); err != nil {
		m.log.Error("send event failed", slog.String("error", err.Error()))
	}
}

// Mute records the mute flag and forwards it to the transport when present.
func (m *Manager) Mute(muted bool) {
	m.mu.Lock()
	m.muted = muted
	t := m.transport
	m.mu.Unlock()
	if t == nil {
		return
	}
	if err := t.Mute(muted); err != nil {
		m.log.Error("mute failed", slog.String("error", err.Error()))
	}
}

// Interrupt cancels in-progress assistant speech when a session exists.
func (m *Manager) Interrupt() {
	m.mu.Lock()
	t := m.transport
	m.mu.Unlock()
	if t == nil {
		return
	}
	if err := t.Interrupt(); err != nil {
		m.log.Error("interrupt failed", slog.String("error", err.Error()))
	}
}

// SendUserText sends a typed user message and requests a response.
func (m *Manager) SendUserText(text string) error {
	t := m.handle("send_user_text")
	if t == nil {
		return apperrors.NewNotConnected("send_user_text")
	}
	return t.SendUserText(text)
}

// SendAudio streams PCM16 input audio.
func (m *Manager) SendAudio(pcm []byte) error {
	m.mu.Lock()
	t := m.transport
	m.mu.Unlock()
	if t == nil {
		return apperrors.NewNotConnected("send_audio")
	}
	return t.SendAudio(pcm)
}

// ActivePersona is the persona shown as active for the current session.
func (m *Manager) ActivePersona() string {
	return m.Normalizer().ActivePersona()
}
