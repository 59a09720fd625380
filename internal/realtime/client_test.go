package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/romatekai/romatek-voice/internal/persona"
	"github.com/stretchr/testify/require"
)

type mockServer struct {
	srv      *httptest.Server
	conns    chan *websocket.Conn
	requests chan *http.Request
	received chan map[string]any
}

func newMockServer(t *testing.T) *mockServer {
	t.Helper()
	m := &mockServer{
		conns:    make(chan *websocket.Conn, 1),
		requests: make(chan *http.Request, 1),
		received: make(chan map[string]any, 64),
	}
	upgrader := websocket.Upgrader{}
	m.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.requests <- r.Clone(context.Background())
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		m.conns <- conn
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg map[string]any
			if json.Unmarshal(data, &msg) == nil {
				m.received <- msg
			}
		}
	}))
	t.Cleanup(m.srv.Close)
	return m
}

func (m *mockServer) url() string {
	return "ws" + strings.TrimPrefix(m.srv.URL, "http")
}

func (m *mockServer) conn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-m.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no websocket connection")
		return nil
	}
}

func (m *mockServer) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case msg := <-m.received:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no client event received")
		return nil
	}
}

func (m *mockServer) expect(t *testing.T, eventType string) map[string]any {
	t.Helper()
	msg := m.next(t)
	require.Equal(t, eventType, msg["type"], "unexpected client event %v", msg)
	return msg
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) handler() Handler {
	return Handler{OnEvent: func(ev Event) {
		c.mu.Lock()
		c.events = append(c.events, ev)
		c.mu.Unlock()
	}}
}

func (c *collector) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func (c *collector) waitFor(t *testing.T, match func(Event) bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, ev := range c.snapshot() {
			if match(ev) {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

func testPersonas() []persona.Persona {
	return []persona.Persona{
		{Name: "chatAgent", Instructions: "Greet visitors.", Handoffs: []string{"salesAgent"}},
		{Name: "salesAgent", Instructions: "Talk pricing."},
	}
}

func dialMock(t *testing.T, m *mockServer, opts DialOptions, h Handler) (*Client, *websocket.Conn) {
	t.Helper()
	opts.Endpoint = m.url()
	if opts.Secret == "" {
		opts.Secret = "ek_test"
	}
	if opts.Personas == nil {
		opts.Personas = testPersonas()
	}
	client, err := Dial(context.Background(), opts, h)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	conn := m.conn(t)
	m.expect(t, TypeSessionUpdate)
	return client, conn
}

func TestDialConfiguresFirstPersona(t *testing.T) {
	m := newMockServer(t)
	events := &collector{}
	client, err := Dial(context.Background(), DialOptions{
		Endpoint: m.url(),
		Model:    "gpt-4o-realtime-preview",
		Secret:   "ek_test",
		Voice:    "echo",
		Personas: testPersonas(),
	}, events.handler())
	require.NoError(t, err)
	defer client.Close()

	req := <-m.requests
	require.Equal(t, "Bearer ek_test", req.Header.Get("Authorization"))
	require.Equal(t, "realtime=v1", req.Header.Get("OpenAI-Beta"))
	require.Equal(t, "gpt-4o-realtime-preview", req.URL.Query().Get("model"))

	conn := m.conn(t)
	update := m.expect(t, TypeSessionUpdate)
	session := update["session"].(map[string]any)
	require.Equal(t, "Greet visitors.", session["instructions"])
	require.Equal(t, "echo", session["voice"])
	tools := session["tools"].([]any)
	require.Len(t, tools, 1)
	require.Equal(t, "transfer_to_salesAgent", tools[0].(map[string]any)["name"])
	require.NotEmpty(t, update["event_id"])

	sendFrame(t, conn, `{"type":"session.created","session":{}}`)
	select {
	case <-client.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("session never became ready")
	}
	evs := events.snapshot()
	require.Equal(t, ConnectionChange{Status: StatusConnecting}, evs[0])
	events.waitFor(t, func(ev Event) bool { return ev == ConnectionChange{Status: StatusConnected} })
}

func TestDialFailureEmitsDisconnected(t *testing.T) {
	m := newMockServer(t)
	endpoint := m.url()
	m.srv.Close()

	events := &collector{}
	_, err := Dial(context.Background(), DialOptions{Endpoint: endpoint, Secret: "ek", Personas: testPersonas()}, events.handler())
	require.Error(t, err)
	require.Equal(t, []Event{
		ConnectionChange{Status: StatusConnecting},
		ConnectionChange{Status: StatusDisconnected},
	}, events.snapshot())
}

func TestDialRequiresSecret(t *testing.T) {
	_, err := Dial(context.Background(), DialOptions{Endpoint: "ws://127.0.0.1:1", Personas: testPersonas()}, Handler{})
	require.Error(t, err)
}

func TestHandoffReconfiguresSession(t *testing.T) {
	m := newMockServer(t)
	client, conn := dialMock(t, m, DialOptions{}, Handler{})

	sendFrame(t, conn, `{"type":"response.output_item.done","item":{"id":"f1","type":"function_call","status":"completed","name":"transfer_to_salesagent","call_id":"call_1","arguments":"{}"}}`)

	update := m.expect(t, TypeSessionUpdate)
	require.Equal(t, "Talk pricing.", update["session"].(map[string]any)["instructions"])

	output := m.expect(t, TypeItemCreate)
	item := output["item"].(map[string]any)
	require.Equal(t, ItemFunctionCallOutput, item["type"])
	require.Equal(t, "call_1", item["call_id"])
	require.JSONEq(t, `{"assistant":"salesAgent"}`, item["output"].(string))

	m.expect(t, TypeResponseCreate)
	require.Equal(t, "salesAgent", client.ActivePersona())
}

func TestToolCallRunsHandler(t *testing.T) {
	m := newMockServer(t)
	gotArgs := make(chan string, 1)
	tools := map[string]ToolHandler{
		"lookup": func(_ context.Context, args json.RawMessage) (any, error) {
			gotArgs <- string(args)
			return map[string]bool{"ok": true}, nil
		},
	}
	_, conn := dialMock(t, m, DialOptions{Tools: tools}, Handler{})

	sendFrame(t, conn, `{"type":"response.output_item.done","item":{"id":"f2","type":"function_call","status":"completed","name":"lookup","call_id":"call_2","arguments":"{\"q\":\"pricing\"}"}}`)

	output := m.expect(t, TypeItemCreate)
	item := output["item"].(map[string]any)
	require.Equal(t, "call_2", item["call_id"])
	require.JSONEq(t, `{"ok":true}`, item["output"].(string))
	m.expect(t, TypeResponseCreate)
	require.JSONEq(t, `{"q":"pricing"}`, <-gotArgs)
}

func TestInterruptOnlyWhileResponding(t *testing.T) {
	m := newMockServer(t)
	events := &collector{}
	client, conn := dialMock(t, m, DialOptions{}, events.handler())

	require.NoError(t, client.Interrupt())
	require.NoError(t, client.SendUserText("hello"))
	item := m.expect(t, TypeItemCreate)
	content := item["item"].(map[string]any)["content"].([]any)
	require.Equal(t, "hello", content[0].(map[string]any)["text"])
	m.expect(t, TypeResponseCreate)

	sendFrame(t, conn, `{"type":"response.created","response":{"id":"r1"}}`)
	events.waitFor(t, func(ev Event) bool { return ev.EventType() == TypeResponseCreated })

	require.NoError(t, client.Interrupt())
	m.expect(t, TypeResponseCancel)
}

func TestMuteDropsAudioBothWays(t *testing.T) {
	m := newMockServer(t)
	var mu sync.Mutex
	var played [][]byte
	sink := func(pcm []byte) {
		mu.Lock()
		played = append(played, pcm)
		mu.Unlock()
	}
	events := &collector{}
	client, conn := dialMock(t, m, DialOptions{AudioSink: sink}, events.handler())

	require.NoError(t, client.Mute(true))
	require.NoError(t, client.SendAudio([]byte{1, 2}))
	sendFrame(t, conn, `{"type":"response.audio.delta","delta":"`+base64.StdEncoding.EncodeToString([]byte{9, 9})+`"}`)
	sendFrame(t, conn, `{"type":"rate_limits.updated"}`)
	events.waitFor(t, func(ev Event) bool { return ev.EventType() == "rate_limits.updated" })

	require.NoError(t, client.Mute(false))
	require.NoError(t, client.SendAudio([]byte{3, 4}))
	appended := m.expect(t, TypeInputAudioAppend)
	require.Equal(t, base64.StdEncoding.EncodeToString([]byte{3, 4}), appended["audio"])

	sendFrame(t, conn, `{"type":"response.audio.delta","delta":"`+base64.StdEncoding.EncodeToString([]byte{7, 7})+`"}`)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(played) == 1
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	require.Equal(t, []byte{7, 7}, played[0])
	mu.Unlock()
}

func TestGuardrailTripPrecedesResponseDone(t *testing.T) {
	m := newMockServer(t)
	events := &collector{}
	_, conn := dialMock(t, m, DialOptions{Guardrail: TermGuardrail([]string{"competitor"})}, events.handler())

	sendFrame(t, conn, `{"type":"response.done","response":{"id":"r1","status":"completed","output":[{"id":"a1","type":"message","role":"assistant","content":[{"type":"audio","transcript":"Try our competitor."}]}]}}`)
	events.waitFor(t, func(ev Event) bool { _, ok := ev.(ResponseDone); return ok })

	var order []string
	for _, ev := range events.snapshot() {
		switch ev.(type) {
		case GuardrailTripped, ResponseDone:
			order = append(order, ev.EventType())
		}
	}
	require.Equal(t, []string{TypeGuardrailTripped, TypeResponseDone}, order)
}

func TestHistoryNotifications(t *testing.T) {
	m := newMockServer(t)
	events := &collector{}
	_, conn := dialMock(t, m, DialOptions{}, events.handler())

	sendFrame(t, conn, `{"type":"conversation.item.created","item":{"id":"u1","type":"message","role":"user","content":[{"type":"input_audio"}]}}`)
	sendFrame(t, conn, `{"type":"conversation.item.created","item":{"id":"u1","type":"message","role":"user"}}`)
	sendFrame(t, conn, `{"type":"conversation.item.input_audio_transcription.completed","item_id":"u1","content_index":0,"transcript":"hello world"}`)

	events.waitFor(t, func(ev Event) bool { _, ok := ev.(TranscriptionCompleted); return ok })
	events.waitFor(t, func(ev Event) bool {
		up, ok := ev.(HistoryUpdated)
		return ok && len(up.Items) == 1 && up.Items[0].Content[0].Transcript == "hello world"
	})

	added := 0
	for _, ev := range events.snapshot() {
		if _, ok := ev.(HistoryAdded); ok {
			added++
		}
	}
	require.Equal(t, 1, added)
}

func TestSendEventStampsEventID(t *testing.T) {
	m := newMockServer(t)
	var clientEvents []string
	var mu sync.Mutex
	h := Handler{OnClientEvent: func(name string, _ json.RawMessage) {
		mu.Lock()
		clientEvents = append(clientEvents, name)
		mu.Unlock()
	}}
	client, _ := dialMock(t, m, DialOptions{}, h)

	require.NoError(t, client.SendEvent(context.Background(), Simple(TypeInputAudioClear)))
	msg := m.expect(t, TypeInputAudioClear)
	require.True(t, strings.HasPrefix(msg["event_id"].(string), "evt_"))

	require.Error(t, client.SendEvent(context.Background(), map[string]any{"foo": "bar"}))

	mu.Lock()
	require.Equal(t, []string{TypeSessionUpdate, TypeInputAudioClear}, clientEvents)
	mu.Unlock()
}

func TestCloseIsIdempotent(t *testing.T) {
	m := newMockServer(t)
	events := &collector{}
	client, _ := dialMock(t, m, DialOptions{}, events.handler())

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())
	select {
	case <-client.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("read loop did not stop")
	}
	require.ErrorIs(t, client.SendAudio([]byte{1, 2}), ErrClosed)

	disconnected := 0
	for _, ev := range events.snapshot() {
		if ev == (ConnectionChange{Status: StatusDisconnected}) {
			disconnected++
		}
	}
	require.Equal(t, 1, disconnected)
}
