package websocket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/adwski/signaling-relay/backend/metrics"
	"github.com/adwski/signaling-relay/backend/model"
	"github.com/adwski/signaling-relay/backend/service"
	"github.com/adwski/signaling-relay/backend/storage/memory"
	_switch "github.com/adwski/signaling-relay/backend/switch"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

type frame struct {
	Event string         `json:"event" msgpack:"event"`
	Data  map[string]any `json:"data" msgpack:"data"`
}

func newTestServer(t *testing.T, cfg Config) *httptest.Server {
	t.Helper()
	logger := zerolog.Nop()
	m := metrics.New()
	svc := service.NewService(service.Config{
		Registry: memory.NewMemStore(),
		Switch:   _switch.NewSwitch(&logger, m),
		Metrics:  m,
		Logger:   &logger,
	})
	cfg.Logger = &logger
	cfg.Metrics = m
	cfg.SignalingService = svc
	srv := NewServer(cfg)

	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)
	return ts
}

func dial(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/signal" + query
	c, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func sendJSON(t *testing.T, c *websocket.Conn, event string, data map[string]any) {
	t.Helper()
	if err := c.WriteJSON(map[string]any{"event": event, "data": data}); err != nil {
		t.Fatalf("WriteJSON %s: %v", event, err)
	}
}

func readFrame(t *testing.T, c *websocket.Conn) frame {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	msgType, b, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var f frame
	switch msgType {
	case websocket.TextMessage:
		err = json.Unmarshal(b, &f)
	case websocket.BinaryMessage:
		err = msgpack.Unmarshal(b, &f)
	}
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return f
}

func expectFrame(t *testing.T, c *websocket.Conn, event string) frame {
	t.Helper()
	f := readFrame(t, c)
	if f.Event != event {
		t.Fatalf("event=%q, want %q (data=%v)", f.Event, event, f.Data)
	}
	return f
}

func peerIDs(t *testing.T, f frame) []string {
	t.Helper()
	raw, ok := f.Data["peers"].([]any)
	if !ok {
		t.Fatalf("peers=%#v", f.Data["peers"])
	}
	ids := make([]string, 0, len(raw))
	for _, p := range raw {
		entry, ok := p.(map[string]any)
		if !ok {
			t.Fatalf("peer entry=%#v", p)
		}
		ids = append(ids, entry["sid"].(string))
	}
	return ids
}

func TestWebSocketRelay(t *testing.T) {
	ts := newTestServer(t, Config{})
	a := dial(t, ts, "")
	b := dial(t, ts, "")

	sendJSON(t, a, "join", map[string]any{"room": "lobby", "name": "Alice"})
	list := expectFrame(t, a, "peer-list")
	ids := peerIDs(t, list)
	if len(ids) != 1 {
		t.Fatalf("peers=%v, want 1", ids)
	}
	aID := ids[0]

	sendJSON(t, b, "join", map[string]any{"room": "lobby", "name": "Bob"})
	joined := expectFrame(t, a, "peer-joined")
	bID, _ := joined.Data["sid"].(string)
	if bID == "" || bID == aID {
		t.Fatalf("peer-joined sid=%q", bID)
	}
	if got := peerIDs(t, expectFrame(t, a, "peer-list")); len(got) != 2 || got[0] != aID || got[1] != bID {
		t.Fatalf("A roster=%v", got)
	}
	if got := peerIDs(t, expectFrame(t, b, "peer-list")); len(got) != 2 {
		t.Fatalf("B roster=%v", got)
	}

	sendJSON(t, b, "offer", map[string]any{
		"room":    "lobby",
		"target":  aID,
		"payload": map[string]any{"sdp": "x"},
	})
	offer := expectFrame(t, a, "offer")
	if offer.Data["from"] != bID || offer.Data["name"] != "Bob" {
		t.Fatalf("offer=%v", offer.Data)
	}
	if payload, _ := offer.Data["payload"].(map[string]any); payload["sdp"] != "x" {
		t.Fatalf("payload=%v", offer.Data["payload"])
	}

	if err := b.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")); err != nil {
		t.Fatalf("close: %v", err)
	}
	left := expectFrame(t, a, "peer-left")
	if left.Data["sid"] != bID {
		t.Fatalf("peer-left=%v", left.Data)
	}
	if got := peerIDs(t, expectFrame(t, a, "peer-list")); len(got) != 1 || got[0] != aID {
		t.Fatalf("roster after B left=%v", got)
	}
}

func TestWebSocketMalformedFrameKeepsConnection(t *testing.T) {
	ts := newTestServer(t, Config{})
	a := dial(t, ts, "")

	if err := a.WriteMessage(websocket.TextMessage, []byte("garbage")); err != nil {
		t.Fatalf("write: %v", err)
	}
	sendJSON(t, a, "join", nil)
	sendJSON(t, a, "join", map[string]any{"room": "lobby"})

	expectFrame(t, a, "peer-list")
}

func TestWebSocketMsgpack(t *testing.T) {
	ts := newTestServer(t, Config{})
	a := dial(t, ts, "?format=msgpack")

	b, err := msgpack.Marshal(map[string]any{
		"event": "join",
		"data":  map[string]any{"room": "lobby", "name": "Alice"},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err = a.WriteMessage(websocket.BinaryMessage, b); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = a.SetReadDeadline(time.Now().Add(3 * time.Second))
	msgType, msg, err := a.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if msgType != websocket.BinaryMessage {
		t.Fatalf("frame type=%d, want binary", msgType)
	}
	var f frame
	if err = msgpack.Unmarshal(msg, &f); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if f.Event != model.EventPeerList || len(peerIDs(t, f)) != 1 {
		t.Fatalf("frame=%+v", f)
	}
}

func TestWebSocketRejectsUnknownFormat(t *testing.T) {
	ts := newTestServer(t, Config{})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/signal?format=xml"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatalf("dial with unknown format succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("resp=%v, want 400", resp)
	}
}

func TestWebSocketOriginCheck(t *testing.T) {
	ts := newTestServer(t, Config{AllowedOrigins: []string{"https://app.example"}})
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/signal"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {"https://evil.example"}})
	if err == nil {
		t.Fatalf("dial from foreign origin succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("resp=%v, want 403", resp)
	}

	c, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {"https://APP.example"}})
	if err != nil {
		t.Fatalf("dial from allowed origin: %v", err)
	}
	_ = c.Close()
}

func TestWebSocketRateLimitAppliesToRelayEventsOnly(t *testing.T) {
	ts := newTestServer(t, Config{MaxEventsPerSecond: 0.001, EventBurst: 1})
	a := dial(t, ts, "")
	b := dial(t, ts, "")

	sendJSON(t, a, "join", map[string]any{"room": "lobby", "name": "Alice"})
	expectFrame(t, a, "peer-list")
	sendJSON(t, b, "join", map[string]any{"room": "lobby", "name": "Bob"})
	expectFrame(t, a, "peer-joined")
	expectFrame(t, a, "peer-list")
	expectFrame(t, b, "peer-list")

	// presence events are exempt even with the bucket drained
	sendJSON(t, b, "signal", map[string]any{"room": "lobby", "payload": "first"})
	sendJSON(t, b, "signal", map[string]any{"room": "lobby", "payload": "second"})
	sendJSON(t, b, "list_peers", map[string]any{"room": "lobby"})

	if f := expectFrame(t, a, "signal"); f.Data["payload"] != "first" {
		t.Fatalf("signal payload=%v, want first", f.Data["payload"])
	}
	// second signal was over the limit, next frame is the roster
	if got := peerIDs(t, expectFrame(t, a, "peer-list")); len(got) != 2 {
		t.Fatalf("roster=%v", got)
	}
}

func TestWebSocketLeaveAfterSignalBurst(t *testing.T) {
	ts := newTestServer(t, Config{})
	a := dial(t, ts, "")
	b := dial(t, ts, "")

	sendJSON(t, a, "join", map[string]any{"room": "lobby", "name": "Alice"})
	expectFrame(t, a, "peer-list")
	sendJSON(t, b, "join", map[string]any{"room": "lobby", "name": "Bob"})
	bID, _ := expectFrame(t, a, "peer-joined").Data["sid"].(string)
	expectFrame(t, a, "peer-list")

	const burst = 3 * defaultEventBurst
	for i := 0; i < burst; i++ {
		sendJSON(t, b, "signal", map[string]any{"room": "lobby", "payload": i})
	}
	sendJSON(t, b, "leave", map[string]any{"room": "lobby"})

	var signals int
	for {
		f := readFrame(t, a)
		if f.Event == "signal" {
			signals++
			continue
		}
		if f.Event != "peer-left" || f.Data["sid"] != bID {
			t.Fatalf("event=%q data=%v, want peer-left of %s", f.Event, f.Data, bID)
		}
		break
	}
	if signals == 0 || signals > burst {
		t.Fatalf("signals delivered=%d of %d", signals, burst)
	}
	if got := peerIDs(t, expectFrame(t, a, "peer-list")); len(got) != 1 {
		t.Fatalf("roster after leave=%v, want only A", got)
	}
}
