package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/romatekai/romatek-voice/internal/bus"
	"github.com/romatekai/romatek-voice/internal/config"
	"github.com/romatekai/romatek-voice/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// SessionInfo is the daemon's view of one chat session.
type SessionInfo struct {
	ID       string    `json:"session_id"`
	Client   string    `json:"client,omitempty"`
	Persona  string    `json:"persona,omitempty"`
	Status   string    `json:"status,omitempty"`
	LastSeen time.Time `json:"last_seen"`
	Live     bool      `json:"live"`
	Closed   bool      `json:"closed"`
}

// Registry tracks chat sessions from the announcements and heartbeats they
// publish on the bus.
type Registry struct {
	cfg       config.PresenceConfig
	log       *slog.Logger
	bus       *bus.Client
	now       func() time.Time
	mu        sync.RWMutex
	sessions  map[string]*SessionInfo
	cancel    context.CancelFunc
	subs      []*nats.Subscription
	meter     metric.Meter
	liveGauge metric.Int64ObservableGauge
}

func NewRegistry(ctx context.Context, cfg config.PresenceConfig, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:      cfg,
		log:      log.With(slog.String("component", "presence-registry")),
		bus:      busClient,
		now:      time.Now,
		sessions: make(map[string]*SessionInfo),
		meter:    otel.Meter("github.com/romatekai/romatek-voice/runtime"),
		cancel:   cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.cancel()
		return nil, err
	}

	go r.monitorHealth(ctx)
	return r, nil
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	handlers := map[string]nats.MsgHandler{
		protocol.SubjectSessionAnnounce:     r.handleAnnounce,
		protocol.SubjectSessionHeartbeatAll: r.handleHeartbeat,
		protocol.SubjectSessionClosed:       r.handleClosed,
	}
	for subject, handler := range handlers {
		sub, err := conn.Subscribe(subject, handler)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		r.subs = append(r.subs, sub)
	}
	// Make sure the server has registered the interest before callers publish.
	return conn.Flush()
}

func (r *Registry) monitorHealth(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluateHealth()
		}
	}
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var a protocol.SessionAnnouncement
	if err := json.Unmarshal(msg.Data, &a); err != nil || a.SessionID == "" {
		r.log.Warn("invalid session announcement", slog.Any("error", err))
		return
	}
	r.update(a.SessionID, func(s *SessionInfo) {
		if a.Client != "" {
			s.Client = a.Client
		}
		s.Persona = a.Persona
		s.Status = a.Status
		s.LastSeen = r.stamp(a.Timestamp)
	})
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb protocol.SessionHeartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil || hb.SessionID == "" {
		r.log.Warn("invalid session heartbeat", slog.Any("error", err))
		return
	}
	if r.closedAfter(hb.SessionID, hb.Timestamp) {
		return
	}
	r.update(hb.SessionID, func(s *SessionInfo) {
		if hb.Persona != "" {
			s.Persona = hb.Persona
		}
		if hb.Status != "" {
			s.Status = hb.Status
		}
		s.LastSeen = r.stamp(hb.Timestamp)
	})
}

func (r *Registry) handleClosed(msg *nats.Msg) {
	var c protocol.SessionClosed
	if err := json.Unmarshal(msg.Data, &c); err != nil || c.SessionID == "" {
		r.log.Warn("invalid session close", slog.Any("error", err))
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[c.SessionID]; ok {
		s.Live = false
		s.Closed = true
		s.LastSeen = r.stamp(c.Timestamp)
	}
}

// closedAfter reports whether the session was closed at or after ts, which
// makes a heartbeat carrying ts stale.
func (r *Registry) closedAfter(id string, ts time.Time) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return ok && s.Closed && !ts.After(s.LastSeen)
}

func (r *Registry) stamp(ts time.Time) time.Time {
	if ts.IsZero() {
		return r.now().UTC()
	}
	return ts
}

func (r *Registry) update(id string, apply func(*SessionInfo)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		s = &SessionInfo{ID: id}
		r.sessions[id] = s
	}
	apply(s)
	s.Live = true
	s.Closed = false
}

// evaluateHealth marks silent sessions as not live and forgets those that
// have been quiet longer than the expiry window.
func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	expire := time.Duration(r.cfg.ExpireAfter) * time.Millisecond
	now := r.now()
	for id, s := range r.sessions {
		idle := now.Sub(s.LastSeen)
		if idle > timeout {
			s.Live = false
		}
		if expire > 0 && idle > expire {
			delete(r.sessions, id)
		}
	}
}

// Get returns one session.
func (r *Registry) Get(id string) (SessionInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return SessionInfo{}, false
	}
	return *s, true
}

// Query returns the sessions matching filter, most recently seen first.
func (r *Registry) Query(filter func(SessionInfo) bool) []SessionInfo {
	r.mu.RLock()
	var results []SessionInfo
	for _, s := range r.sessions {
		copy := *s
		if filter == nil || filter(copy) {
			results = append(results, copy)
		}
	}
	r.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		return results[i].LastSeen.After(results[j].LastSeen)
	})
	return results
}

// Live returns the sessions that are currently heartbeating.
func (r *Registry) Live() []SessionInfo {
	return r.Query(func(s SessionInfo) bool { return s.Live })
}

func (r *Registry) initMetrics() error {
	if r.meter == nil {
		return nil
	}
	gauge, err := r.meter.Int64ObservableGauge("realtime.sessions.live", metric.WithDescription("Number of chat sessions currently heartbeating"))
	if err != nil {
		return err
	}
	r.liveGauge = gauge
	_, err = r.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, r.liveCount())
		return nil
	}, gauge)
	return err
}

func (r *Registry) liveCount() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var n int64
	for _, s := range r.sessions {
		if s.Live {
			n++
		}
	}
	return n
}
