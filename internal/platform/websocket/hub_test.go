package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func newTestClient(hub *Hub, id string, topics ...string) *Client {
	return &Client{
		ID:     id,
		Topics: topics,
		Send:   make(chan []byte, sendBufferSize),
		hub:    hub,
	}
}

func recvEvent(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case msg := <-c.Send:
		var ev Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatalf("failed to unmarshal event: %v", err)
		}
		return ev
	case <-time.After(time.Second):
		t.Fatalf("client %s did not receive event", c.ID)
	}
	return Event{}
}

// ---------------------------------------------------------------------------
// Hub tests
// ---------------------------------------------------------------------------

func TestHub_RegisterClient(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	hub.Register(newTestClient(hub, "client-1", "new_referral"))

	if hub.ClientCount() != 1 {
		t.Fatalf("expected 1 client, got %d", hub.ClientCount())
	}
	if hub.TopicCount("new_referral") != 1 {
		t.Fatalf("expected 1 client on new_referral, got %d", hub.TopicCount("new_referral"))
	}
}

func TestHub_UnregisterClosesChannel(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := newTestClient(hub, "client-2", "bed_stats_update")
	hub.Register(client)
	hub.Unregister(client)

	if hub.ClientCount() != 0 {
		t.Fatalf("expected 0 clients, got %d", hub.ClientCount())
	}
	if hub.TopicCount("bed_stats_update") != 0 {
		t.Fatalf("expected 0 subscribers, got %d", hub.TopicCount("bed_stats_update"))
	}
	if _, ok := <-client.Send; ok {
		t.Fatal("expected Send channel to be closed")
	}

	// Second unregister must not panic on the closed channel.
	hub.Unregister(client)
}

func TestHub_PublishReachesSubscribersOnly(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	sub := newTestClient(hub, "sub", "referral_response")
	other := newTestClient(hub, "other", "transfer_status_update")
	hub.Register(sub)
	hub.Register(other)

	payload := map[string]string{"referral_id": "r-1", "response_type": "accept"}
	if err := hub.Publish(context.Background(), "referral_response", payload); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	ev := recvEvent(t, sub)
	if ev.Name != "referral_response" {
		t.Fatalf("expected referral_response, got %s", ev.Name)
	}
	var got map[string]string
	if err := json.Unmarshal(ev.Data, &got); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if got["referral_id"] != "r-1" {
		t.Errorf("expected referral_id r-1, got %q", got["referral_id"])
	}
	if ev.Timestamp.IsZero() {
		t.Error("expected timestamp to be set")
	}

	select {
	case <-other.Send:
		t.Fatal("non-subscriber should not have received event")
	default:
	}
}

func TestHub_PublishUnmarshalablePayload(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	if err := hub.Publish(context.Background(), "new_referral", make(chan int)); err == nil {
		t.Fatal("expected marshal error")
	}
}

func TestHub_PublishToEmptyTopic(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	if err := hub.Publish(context.Background(), "referral_escalated", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestHub_PerClientOrderPreserved(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := newTestClient(hub, "ordered", DefaultTopics...)
	hub.Register(client)

	names := []string{"referral_escalated", "new_referral", "referral_response", "transfer_status_update", "bed_stats_update"}
	for i, n := range names {
		if err := hub.Publish(context.Background(), n, map[string]int{"seq": i}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	for i, n := range names {
		ev := recvEvent(t, client)
		if ev.Name != n {
			t.Fatalf("position %d: expected %s, got %s", i, n, ev.Name)
		}
	}
}

func TestHub_FullBufferDropsWithoutBlocking(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := &Client{ID: "slow", Topics: []string{"new_referral"}, Send: make(chan []byte, 1), hub: hub}
	hub.Register(client)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			_ = hub.Publish(context.Background(), "new_referral", i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full client buffer")
	}
	if len(client.Send) != 1 {
		t.Errorf("expected exactly one buffered message, got %d", len(client.Send))
	}
}

func TestHub_SubscribeIsIdempotent(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := newTestClient(hub, "dup")
	hub.Register(client)

	hub.Subscribe(client, []string{"new_referral", "new_referral"})
	hub.Subscribe(client, []string{"new_referral"})

	if len(client.Topics) != 1 {
		t.Fatalf("expected 1 topic, got %v", client.Topics)
	}
	if hub.TopicCount("new_referral") != 1 {
		t.Fatalf("expected 1 subscriber, got %d", hub.TopicCount("new_referral"))
	}
}

func TestHub_SubscribeUnregisteredClientIgnored(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := newTestClient(hub, "ghost")
	hub.Subscribe(client, []string{"new_referral"})
	if hub.TopicCount("new_referral") != 0 {
		t.Fatal("expected unregistered client to be ignored")
	}
}

func TestHub_ProcessMessage(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := newTestClient(hub, "proc", "new_referral", "bed_stats_update")
	hub.Register(client)

	var msg ClientMessage
	if err := json.Unmarshal([]byte(`{"action":"unsubscribe","topics":["bed_stats_update"]}`), &msg); err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	hub.ProcessMessage(client, msg)

	if hub.TopicCount("bed_stats_update") != 0 {
		t.Fatalf("expected 0 on bed_stats_update, got %d", hub.TopicCount("bed_stats_update"))
	}
	if hub.TopicCount("new_referral") != 1 {
		t.Fatalf("expected 1 on new_referral, got %d", hub.TopicCount("new_referral"))
	}

	hub.ProcessMessage(client, ClientMessage{Action: "subscribe", Topics: []string{"referral_escalated"}})
	if hub.TopicCount("referral_escalated") != 1 {
		t.Fatalf("expected 1 on referral_escalated, got %d", hub.TopicCount("referral_escalated"))
	}

	hub.ProcessMessage(client, ClientMessage{Action: "bogus", Topics: []string{"x"}})
	if hub.TopicCount("x") != 0 {
		t.Fatal("unknown action must not subscribe")
	}
}

func TestHub_ConcurrentRegisterPublish(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c := newTestClient(hub, "c", DefaultTopics...)
			hub.Register(c)
			hub.Unregister(c)
		}()
		go func(i int) {
			defer wg.Done()
			_ = hub.Publish(context.Background(), "new_referral", i)
		}(i)
	}
	wg.Wait()

	if hub.ClientCount() != 0 {
		t.Fatalf("expected 0 clients, got %d", hub.ClientCount())
	}
}

func TestHub_Close(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	hub.Register(newTestClient(hub, "a", "new_referral"))
	hub.Register(newTestClient(hub, "b", "new_referral"))
	hub.Close()
	if hub.ClientCount() != 0 {
		t.Fatalf("expected 0 clients after Close, got %d", hub.ClientCount())
	}
}

// ---------------------------------------------------------------------------
// WebSocketHandler tests
// ---------------------------------------------------------------------------

func TestWebSocketHandler_HandleConnectRequiresWebSocket(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	h := NewWebSocketHandler(hub, nil, nil)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	_ = h.HandleConnect(c)
	if hub.ClientCount() != 0 {
		t.Fatal("plain HTTP request must not register a client")
	}
}

func TestWebSocketHandler_RejectsUnknownOrigin(t *testing.T) {
	h := NewWebSocketHandler(NewHub(zerolog.Nop()), []string{"https://dash.example"}, nil)

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Origin", "https://evil.example")
	if h.upgrader.CheckOrigin(req) {
		t.Fatal("expected unknown origin to be rejected")
	}
	req.Header.Set("Origin", "https://dash.example")
	if !h.upgrader.CheckOrigin(req) {
		t.Fatal("expected configured origin to be accepted")
	}
}

func TestWebSocketHandler_FullUpgradeWithDialer(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	handler := NewWebSocketHandler(hub, nil, func(c echo.Context) string {
		return c.Request().Header.Get("X-Hospital-ID")
	})

	e := echo.New()
	handler.RegisterRoutes(e.Group(""))

	server := httptest.NewServer(e)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	header := http.Header{}
	header.Set("X-Hospital-ID", "hospital-b")

	conn, resp, err := gorillawebsocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	defer conn.Close()

	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}

	deadline := time.Now().Add(time.Second)
	for hub.TopicCount("new_referral") < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if hub.TopicCount("new_referral") != 1 {
		t.Fatal("expected the client to be subscribed to default topics")
	}

	if err := hub.Publish(context.Background(), "new_referral", map[string]string{"urgency": "High"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev Event
	if err := json.Unmarshal(msg, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Name != "new_referral" {
		t.Fatalf("expected new_referral, got %s", ev.Name)
	}
}

type fakeConn struct {
	mu      sync.Mutex
	inbound chan []byte
	written []int
	payload [][]byte
	closed  bool
}

func newFakeConn() *fakeConn { return &fakeConn{inbound: make(chan []byte, 4)} }

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	msg, ok := <-f.inbound
	if !ok {
		return 0, nil, gorillawebsocket.ErrCloseSent
	}
	return gorillawebsocket.TextMessage, msg, nil
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, messageType)
	f.payload = append(f.payload, data)
	return nil
}

func (f *fakeConn) SetReadLimit(int64) {}
func (f *fakeConn) SetReadDeadline(time.Time) error { return nil }
func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }
func (f *fakeConn) SetPongHandler(func(string) error) {}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) snapshot() ([]int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.written...), f.closed
}

func TestWebSocketHandler_ReadPumpAppliesControlMessages(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	wsh := NewWebSocketHandler(hub, nil, nil)
	conn := newFakeConn()
	client := newTestClient(hub, "c1", "new_referral")
	client.conn = conn
	hub.Register(client)

	done := make(chan struct{})
	go func() {
		wsh.readPump(client)
		close(done)
	}()

	conn.inbound <- []byte(`{"action":"subscribe","topics":["bed_stats_update"]}`)
	conn.inbound <- []byte(`not json`)
	deadline := time.Now().Add(time.Second)
	for hub.TopicCount("bed_stats_update") != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if hub.TopicCount("bed_stats_update") != 1 {
		t.Fatal("subscribe message was not applied")
	}

	close(conn.inbound)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("read pump did not stop on read error")
	}
	if hub.ClientCount() != 0 {
		t.Error("client must be unregistered when the read side fails")
	}
	if _, closed := conn.snapshot(); !closed {
		t.Error("connection must be closed")
	}
}

func TestWebSocketHandler_WritePumpDeliversThenCloses(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	wsh := NewWebSocketHandler(hub, nil, nil)
	conn := newFakeConn()
	client := newTestClient(hub, "c1", "new_referral")
	client.conn = conn
	hub.Register(client)

	done := make(chan struct{})
	go func() {
		wsh.writePump(client)
		close(done)
	}()

	if err := hub.Publish(context.Background(), "new_referral", map[string]string{"urgency": "Low"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for {
		if written, _ := conn.snapshot(); len(written) == 1 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	hub.Unregister(client)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("write pump did not stop after unregister")
	}
	written, closed := conn.snapshot()
	if len(written) != 2 || written[0] != gorillawebsocket.TextMessage || written[1] != gorillawebsocket.CloseMessage {
		t.Fatalf("expected text then close frame, got %v", written)
	}
	if !closed {
		t.Error("connection must be closed")
	}
	var ev Event
	if err := json.Unmarshal(conn.payload[0], &ev); err != nil || ev.Name != "new_referral" {
		t.Errorf("unexpected payload %s: %v", conn.payload[0], err)
	}
}
