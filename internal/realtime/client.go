package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/romatekai/romatek-voice/internal/persona"
)

const (
	writeTimeout     = 10 * time.Second
	guardrailTimeout = 5 * time.Second
)

// ErrClosed is returned by send operations after Close.
var ErrClosed = errors.New("realtime: session closed")

// ToolHandler executes a function call and returns its JSON-encodable result.
type ToolHandler func(ctx context.Context, arguments json.RawMessage) (any, error)

// Handler receives everything the client observes. Callbacks for server
// frames run on the read goroutine in arrival order.
type Handler struct {
	OnEvent       func(Event)
	OnServerEvent func(name string, payload json.RawMessage)
	OnClientEvent func(name string, payload json.RawMessage)
}

// DialOptions configures one realtime session.
type DialOptions struct {
	Endpoint         string
	Model            string
	Secret           string
	Voice            string
	Personas         []persona.Persona
	HandshakeTimeout time.Duration
	ToolTimeout      time.Duration
	Tools            map[string]ToolHandler
	Guardrail        Guardrail
	AudioSink        func(pcm []byte)
	Logger           *slog.Logger
}

// Client is an open realtime session over a websocket.
type Client struct {
	conn    *websocket.Conn
	opts    DialOptions
	handler Handler
	log     *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc

	writeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
	readyOnce sync.Once
	ready     chan struct{}
	done      chan struct{}

	muted      atomic.Bool
	responding atomic.Bool

	personaMu sync.RWMutex
	active    string

	// owned by the read goroutine
	history *history
}

// Dial opens the websocket, configures the first persona and starts reading.
// The session is acknowledged when Ready is closed.
func Dial(ctx context.Context, opts DialOptions, handler Handler) (*Client, error) {
	if opts.Secret == "" {
		return nil, errors.New("realtime: empty client secret")
	}
	if len(opts.Personas) == 0 {
		return nil, errors.New("realtime: at least one persona is required")
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.ToolTimeout <= 0 {
		opts.ToolTimeout = 15 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	c := &Client{
		opts:    opts,
		handler: handler,
		log:     opts.Logger.With(slog.String("component", "realtime")),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
		history: newHistory(),
		active:  opts.Personas[0].Name,
	}
	c.emit(ConnectionChange{Status: StatusConnecting})

	target, err := dialURL(opts.Endpoint, opts.Model)
	if err != nil {
		c.emit(ConnectionChange{Status: StatusDisconnected})
		return nil, err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+opts.Secret)
	header.Set("OpenAI-Beta", "realtime=v1")

	dialer := websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		c.emit(ConnectionChange{Status: StatusDisconnected})
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	c.conn = conn
	c.ctx, c.cancel = context.WithCancel(context.Background())

	go c.readLoop()

	if err := c.sendSessionUpdate(opts.Personas[0]); err != nil {
		c.Close()
		return nil, fmt.Errorf("send session config: %w", err)
	}
	return c, nil
}

func dialURL(endpoint, model string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse realtime endpoint: %w", err)
	}
	if model != "" {
		q := u.Query()
		if q.Get("model") == "" {
			q.Set("model", model)
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Ready is closed once the service acknowledges the session.
func (c *Client) Ready() <-chan struct{} { return c.ready }

// Done is closed when the read loop ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// ActivePersona names the persona the session is currently configured with.
func (c *Client) ActivePersona() string {
	c.personaMu.RLock()
	defer c.personaMu.RUnlock()
	return c.active
}

// Muted reports whether audio is currently suppressed.
func (c *Client) Muted() bool { return c.muted.Load() }

// Mute suppresses outgoing audio appends and inbound audio delivery.
func (c *Client) Mute(muted bool) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.muted.Store(muted)
	return nil
}

// Interrupt cancels the in-progress response, if any.
func (c *Client) Interrupt() error {
	if !c.responding.Load() {
		return nil
	}
	return c.sendJSON(simpleMessage{Type: TypeResponseCancel, EventID: newEventID()})
}

// SendUserText adds a user text message and requests a response.
func (c *Client) SendUserText(text string) error {
	if err := c.SendEvent(context.Background(), UserTextItem("", text)); err != nil {
		return err
	}
	return c.sendJSON(simpleMessage{Type: TypeResponseCreate, EventID: newEventID()})
}

// SendAudio appends PCM16 audio to the input buffer. Audio is dropped while muted.
func (c *Client) SendAudio(pcm []byte) error {
	if c.muted.Load() {
		return nil
	}
	return c.sendJSON(audioAppendMessage{
		Type:    TypeInputAudioAppend,
		EventID: newEventID(),
		Audio:   base64.StdEncoding.EncodeToString(pcm),
	})
}

// SendEvent forwards an arbitrary client event. Map events get an event_id
// when they have none.
func (c *Client) SendEvent(ctx context.Context, event any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m, ok := event.(map[string]any); ok {
		if _, has := m["type"]; !has {
			return errors.New("realtime: event has no type")
		}
		if _, has := m["event_id"]; !has {
			stamped := make(map[string]any, len(m)+1)
			for k, v := range m {
				stamped[k] = v
			}
			stamped["event_id"] = newEventID()
			event = stamped
		}
	}
	return c.sendJSON(event)
}

// Close terminates the session. It is safe to call more than once.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	if c.conn == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	return c.conn.Close()
}

func (c *Client) sendJSON(v any) error {
	if c.closed.Load() {
		return ErrClosed
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode client event: %w", err)
	}
	if c.handler.OnClientEvent != nil {
		if name, err := EventName(data); err == nil {
			c.handler.OnClientEvent(name, json.RawMessage(data))
		}
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write client event: %w", err)
	}
	return nil
}

func (c *Client) emit(ev Event) {
	if c.handler.OnEvent != nil {
		c.handler.OnEvent(ev)
	}
}

func (c *Client) readLoop() {
	defer func() {
		c.closeOnce.Do(func() { close(c.done) })
		c.emit(ConnectionChange{Status: StatusDisconnected})
	}()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if !c.closed.Load() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warn("realtime read failed", slog.String("error", err.Error()))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		c.handleServerMessage(data)
	}
}

func (c *Client) handleServerMessage(data []byte) {
	name, err := EventName(data)
	if err != nil {
		c.log.Warn("realtime frame is not an event", slog.String("error", err.Error()))
		return
	}
	if c.handler.OnServerEvent != nil {
		c.handler.OnServerEvent(name, json.RawMessage(data))
	}

	switch name {
	case TypeSessionCreated:
		c.readyOnce.Do(func() { close(c.ready) })
		c.emit(ConnectionChange{Status: StatusConnected})
		return
	case TypeResponseAudioDelta:
		c.deliverAudio(data)
		return
	case TypeResponseCreated:
		c.responding.Store(true)
	case TypeResponseDone:
		c.responding.Store(false)
		c.checkGuardrail(data)
	case TypeError:
		c.logServerError(data)
	}

	ev, err := DecodeServerEvent(data)
	if err != nil {
		c.log.Warn("realtime event decode failed", slog.String("event", name), slog.String("error", err.Error()))
		return
	}
	c.emit(ev)

	switch name {
	case TypeItemCreated:
		c.onItemCreated(data)
	case TypeTranscriptionCompleted:
		c.onTranscriptionCompleted(data)
	case TypeFunctionArgumentsDone:
		c.onArgumentsDone(data)
	case TypeOutputItemDone:
		c.onOutputItemDone(data)
	}
}

func (c *Client) deliverAudio(data []byte) {
	if c.muted.Load() || c.opts.AudioSink == nil {
		return
	}
	var w struct {
		Delta string `json:"delta"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return
	}
	pcm, err := base64.StdEncoding.DecodeString(w.Delta)
	if err != nil {
		c.log.Warn("realtime audio chunk not base64", slog.String("error", err.Error()))
		return
	}
	c.opts.AudioSink(pcm)
}

func (c *Client) logServerError(data []byte) {
	var w struct {
		Error struct {
			Type    string `json:"type"`
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.Unmarshal(data, &w)
	c.log.Warn("realtime server error",
		slog.String("type", w.Error.Type),
		slog.String("code", w.Error.Code),
		slog.String("message", w.Error.Message))
}

func (c *Client) checkGuardrail(data []byte) {
	if c.opts.Guardrail == nil {
		return
	}
	var w wireResponseDone
	if err := json.Unmarshal(data, &w); err != nil {
		return
	}
	text := AssistantText(w.Response.Output)
	if text == "" {
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, guardrailTimeout)
	defer cancel()
	verdict, err := c.opts.Guardrail.Check(ctx, text)
	if err != nil {
		c.log.Warn("guardrail check failed", slog.String("error", err.Error()))
		return
	}
	if !verdict.Tripped {
		return
	}
	if verdict.Category == "" {
		verdict.Category = CategoryOffBrand
	}
	if verdict.Rationale == "" {
		verdict.Rationale = "Guardrail triggered"
	}
	c.emit(GuardrailTripped{Category: verdict.Category, Rationale: verdict.Rationale})
}

// AssistantText joins the text-bearing parts of the assistant messages in items.
func AssistantText(items []HistoryItem) string {
	var parts []string
	for _, item := range items {
		if item.Type != ItemMessage || item.Role != "assistant" {
			continue
		}
		if text := MessageText(item.Content); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}

// MessageText concatenates text, input_text and audio transcripts with single
// spaces and trims the result.
func MessageText(content []ContentPart) string {
	parts := make([]string, 0, len(content))
	for _, part := range content {
		switch part.Type {
		case PartText, PartInputText:
			parts = append(parts, part.Text)
		case PartInputAudio, PartAudio:
			parts = append(parts, part.Transcript)
		default:
			parts = append(parts, "")
		}
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

func (c *Client) onItemCreated(data []byte) {
	var w struct {
		Item HistoryItem `json:"item"`
	}
	if err := json.Unmarshal(data, &w); err != nil || w.Item.ItemID == "" {
		return
	}
	if w.Item.Type == ItemFunctionCallOutput {
		if c.history.attachOutput(w.Item.CallID, w.Item.Output) {
			c.emit(HistoryUpdated{Items: c.history.snapshot()})
		}
		return
	}
	if c.history.add(w.Item) {
		c.emit(HistoryAdded{Item: w.Item})
		return
	}
	c.emit(HistoryUpdated{Items: c.history.snapshot()})
}

func (c *Client) onTranscriptionCompleted(data []byte) {
	var w struct {
		ItemID       string `json:"item_id"`
		ContentIndex int    `json:"content_index"`
		Transcript   string `json:"transcript"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return
	}
	if c.history.setTranscript(w.ItemID, w.ContentIndex, w.Transcript) {
		c.emit(HistoryUpdated{Items: c.history.snapshot()})
	}
}

func (c *Client) onArgumentsDone(data []byte) {
	var w struct {
		ItemID    string `json:"item_id"`
		CallID    string `json:"call_id"`
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	}
	if err := json.Unmarshal(data, &w); err != nil || w.ItemID == "" {
		return
	}
	c.history.setArguments(w.ItemID, w.CallID, w.Name, w.Arguments)
	c.emit(HistoryUpdated{Items: c.history.snapshot()})
}

func (c *Client) onOutputItemDone(data []byte) {
	var w struct {
		Item HistoryItem `json:"item"`
	}
	if err := json.Unmarshal(data, &w); err != nil || w.Item.ItemID == "" {
		return
	}
	if c.history.add(w.Item) {
		c.emit(HistoryAdded{Item: w.Item})
	} else {
		c.emit(HistoryUpdated{Items: c.history.snapshot()})
	}
	if w.Item.Type == ItemFunctionCall && w.Item.Status == StatusCompleted {
		c.dispatchFunctionCall(w.Item)
	}
}

func (c *Client) dispatchFunctionCall(item HistoryItem) {
	if target, ok := strings.CutPrefix(item.Name, HandoffPrefix); ok {
		if p, found := persona.Find(c.opts.Personas, target); found {
			c.handoff(item, p)
			return
		}
	}
	handler, ok := c.opts.Tools[item.Name]
	if !ok {
		c.log.Debug("no handler for tool call", slog.String("tool", item.Name))
		return
	}
	args := json.RawMessage(item.Arguments)
	if len(strings.TrimSpace(item.Arguments)) == 0 {
		args = json.RawMessage("{}")
	}
	go func() {
		ctx, cancel := context.WithTimeout(c.ctx, c.opts.ToolTimeout)
		defer cancel()
		result, err := handler(ctx, args)
		var output any = result
		if err != nil {
			c.log.Warn("tool call failed", slog.String("tool", item.Name), slog.String("error", err.Error()))
			output = map[string]string{"error": err.Error()}
		}
		encoded, err := json.Marshal(output)
		if err != nil {
			encoded = []byte(`{"error":"unencodable tool result"}`)
		}
		if err := c.sendFunctionOutput(item.CallID, string(encoded)); err != nil {
			c.log.Warn("send tool output failed", slog.String("tool", item.Name), slog.String("error", err.Error()))
			return
		}
		if err := c.sendJSON(simpleMessage{Type: TypeResponseCreate, EventID: newEventID()}); err != nil {
			c.log.Warn("request response after tool failed", slog.String("error", err.Error()))
		}
	}()
}

func (c *Client) handoff(item HistoryItem, p persona.Persona) {
	c.personaMu.Lock()
	c.active = p.Name
	c.personaMu.Unlock()
	c.log.Info("persona hand-off", slog.String("persona", p.Name))

	if err := c.sendSessionUpdate(p); err != nil {
		c.log.Warn("hand-off session update failed", slog.String("error", err.Error()))
		return
	}
	output, _ := json.Marshal(map[string]string{"assistant": p.Name})
	if err := c.sendFunctionOutput(item.CallID, string(output)); err != nil {
		c.log.Warn("hand-off output failed", slog.String("error", err.Error()))
		return
	}
	if err := c.sendJSON(simpleMessage{Type: TypeResponseCreate, EventID: newEventID()}); err != nil {
		c.log.Warn("hand-off response failed", slog.String("error", err.Error()))
	}
}

func (c *Client) sendSessionUpdate(p persona.Persona) error {
	return c.sendJSON(sessionUpdateMessage{
		Type:    TypeSessionUpdate,
		EventID: newEventID(),
		Session: PersonaSession(p, c.opts.Voice),
	})
}

func (c *Client) sendFunctionOutput(callID, output string) error {
	return c.sendJSON(itemCreateMessage{
		Type:    TypeItemCreate,
		EventID: newEventID(),
		Item: itemCreateBody{
			Type:   ItemFunctionCallOutput,
			CallID: callID,
			Output: output,
		},
	})
}

func newEventID() string {
	return "evt_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
