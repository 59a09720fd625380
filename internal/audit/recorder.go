package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/romatekai/romatek-voice/internal/bus"
	"github.com/romatekai/romatek-voice/internal/eventstore"
	"github.com/romatekai/romatek-voice/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const recorderDurable = "audit-recorder"

// Recorder persists audit events published by chat clients on the bus.
type Recorder struct {
	bus      *bus.Client
	store    *eventstore.Store
	logger   *slog.Logger
	sub      *nats.Subscription
	annSub   *nats.Subscription
	ctx      context.Context
	cancel   context.CancelFunc
	durable  bool
	recorded metric.Int64Counter
	count    atomic.Int64
}

func NewRecorder(parent context.Context, busClient *bus.Client, store *eventstore.Store, logger *slog.Logger) *Recorder {
	ctx, cancel := context.WithCancel(parent)
	r := &Recorder{
		bus:    busClient,
		store:  store,
		logger: logger.With(slog.String("component", "audit-recorder")),
		ctx:    ctx,
		cancel: cancel,
	}
	meter := otel.Meter("github.com/romatekai/romatek-voice/audit")
	r.recorded, _ = meter.Int64Counter("realtime.audit.recorded", metric.WithDescription("Audit events persisted by the recorder"))
	return r
}

// Start subscribes to audit subjects and session announcements. A durable
// JetStream consumer is used for audit events when the stream can be
// created, a plain subscription otherwise.
func (r *Recorder) Start() error {
	annSub, err := r.bus.Conn().Subscribe(protocol.SubjectSessionAnnounce, r.handleAnnouncement)
	if err != nil {
		return err
	}
	r.annSub = annSub
	if err := r.bus.EnsureStream(protocol.AuditStream, []string{protocol.SubjectAuditAll}, 24*time.Hour); err == nil {
		js, err := r.bus.JetStream()
		var sub *nats.Subscription
		if err == nil {
			sub, err = js.Subscribe(protocol.SubjectAuditAll, r.handle,
				nats.Durable(recorderDurable), nats.ManualAck(), nats.DeliverAll())
		}
		if err == nil {
			r.sub = sub
			r.durable = true
			return nil
		}
		r.logger.Warn("jetstream subscribe failed, using core subscription", slogError(err))
	} else {
		r.logger.Warn("audit stream unavailable, using core subscription", slogError(err))
	}

	sub, err := r.bus.Conn().Subscribe(protocol.SubjectAuditAll, r.handle)
	if err != nil {
		_ = annSub.Unsubscribe()
		return err
	}
	r.sub = sub
	return nil
}

func (r *Recorder) Close() {
	r.cancel()
	if r.sub != nil {
		_ = r.sub.Drain()
	}
	if r.annSub != nil {
		_ = r.annSub.Drain()
	}
}

func (r *Recorder) Healthy() bool {
	return r.sub != nil && r.sub.IsValid()
}

// Recorded returns how many events were stored since start.
func (r *Recorder) Recorded() int64 {
	return r.count.Load()
}

func (r *Recorder) handle(msg *nats.Msg) {
	var ev LoggedEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		r.logger.Warn("recorder failed to decode audit event", slogError(err))
		r.ack(msg)
		return
	}
	if ev.SessionID == "" {
		r.logger.Warn("recorder dropped audit event without session", slog.String("event", ev.Name))
		r.ack(msg)
		return
	}
	ctx, cancel := context.WithTimeout(r.ctx, 5*time.Second)
	defer cancel()
	if err := r.store.AppendEvent(ctx, ToStoreEvent(ev)); err != nil {
		r.logger.Warn("recorder failed to store audit event", slogError(err), slog.String("event", ev.Name))
		if r.durable {
			_ = msg.Nak()
		}
		return
	}
	r.count.Add(1)
	if r.recorded != nil {
		r.recorded.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", string(ev.Direction))))
	}
	r.ack(msg)
}

// handleAnnouncement records the persona a session started with.
func (r *Recorder) handleAnnouncement(msg *nats.Msg) {
	var a protocol.SessionAnnouncement
	if err := json.Unmarshal(msg.Data, &a); err != nil || a.SessionID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(r.ctx, 5*time.Second)
	defer cancel()
	if err := r.store.AppendSession(ctx, a.SessionID, a.Persona); err != nil {
		r.logger.Warn("recorder failed to store session", slogError(err), slog.String("session_id", a.SessionID))
	}
}

func (r *Recorder) ack(msg *nats.Msg) {
	if r.durable {
		_ = msg.Ack()
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
