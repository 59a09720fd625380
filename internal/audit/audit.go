package audit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/romatekai/romatek-voice/internal/bus"
	"github.com/romatekai/romatek-voice/internal/eventstore"
	"github.com/romatekai/romatek-voice/internal/protocol"
)

type Direction string

const (
	DirectionClient Direction = "client"
	DirectionServer Direction = "server"
)

// LoggedEvent is an append-only record of one transport or client event.
type LoggedEvent struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Direction Direction       `json:"direction"`
	Name      string          `json:"name"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewEvent stamps a LoggedEvent with a fresh id and the current time.
func NewEvent(sessionID string, dir Direction, name string, payload json.RawMessage) LoggedEvent {
	return LoggedEvent{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Direction: dir,
		Name:      name,
		Payload:   append(json.RawMessage(nil), payload...),
		CreatedAt: time.Now().UTC(),
	}
}

// Sink receives logged events. Implementations must be safe for concurrent use.
type Sink interface {
	Append(ctx context.Context, ev LoggedEvent) error
}

// StoreSink writes events straight into the event store.
type StoreSink struct {
	store *eventstore.Store
}

func NewStoreSink(store *eventstore.Store) *StoreSink {
	return &StoreSink{store: store}
}

func (s *StoreSink) Append(ctx context.Context, ev LoggedEvent) error {
	return s.store.AppendEvent(ctx, ToStoreEvent(ev))
}

// ToStoreEvent converts ev to its persisted form.
func ToStoreEvent(ev LoggedEvent) eventstore.Event {
	return eventstore.Event{
		EventID:   ev.ID,
		SessionID: ev.SessionID,
		Direction: string(ev.Direction),
		Name:      ev.Name,
		Payload:   []byte(ev.Payload),
		CreatedAt: ev.CreatedAt,
	}
}

// FromStoreEvent converts a persisted event back to a LoggedEvent.
func FromStoreEvent(e eventstore.Event) LoggedEvent {
	var payload json.RawMessage
	if len(e.Payload) > 0 {
		payload = json.RawMessage(e.Payload)
	}
	return LoggedEvent{
		ID:        e.EventID,
		SessionID: e.SessionID,
		Direction: Direction(e.Direction),
		Name:      e.Name,
		Payload:   payload,
		CreatedAt: e.CreatedAt,
	}
}

// BusSink publishes events on realtime.audit.<direction> for the recorder.
type BusSink struct {
	bus *bus.Client
}

func NewBusSink(client *bus.Client) *BusSink {
	return &BusSink{bus: client}
}

func (s *BusSink) Append(_ context.Context, ev LoggedEvent) error {
	return s.bus.PublishJSON(protocol.AuditSubject(string(ev.Direction)), ev)
}

// MemorySink keeps events in memory.
type MemorySink struct {
	mu     sync.Mutex
	events []LoggedEvent
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Append(_ context.Context, ev LoggedEvent) error {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	return nil
}

// Events returns a copy of everything appended so far.
func (s *MemorySink) Events() []LoggedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]LoggedEvent(nil), s.events...)
}

// Names lists event names in append order, optionally filtered by direction.
func (s *MemorySink) Names(dir Direction) []string {
	var names []string
	for _, ev := range s.Events() {
		if dir == "" || ev.Direction == dir {
			names = append(names, ev.Name)
		}
	}
	return names
}

// MultiSink fans an event out to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Append(ctx context.Context, ev LoggedEvent) error {
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Append(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
