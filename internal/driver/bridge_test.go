package driver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type recordingHandler struct {
	NopHandler
	ready        chan struct{}
	messages     chan RawMessage
	disconnected chan string
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		ready:        make(chan struct{}, 1),
		messages:     make(chan RawMessage, 4),
		disconnected: make(chan string, 4),
	}
}

func (h *recordingHandler) OnReady()                     { h.ready <- struct{}{} }
func (h *recordingHandler) OnMessage(msg RawMessage)     { h.messages <- msg }
func (h *recordingHandler) OnDisconnected(reason string) { h.disconnected <- reason }

// fakeSidecar upgrades one websocket and answers calls via respond.
func fakeSidecar(t *testing.T, respond func(f frame) *frame, conns chan<- *websocket.Conn) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		if conns != nil {
			conns <- conn
		}
		for {
			var f frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			if resp := respond(f); resp != nil {
				if err := conn.WriteJSON(resp); err != nil {
					return
				}
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newTestBridge(t *testing.T, url string) *Bridge {
	t.Helper()
	b, err := NewBridge(BridgeOptions{URL: url, CallTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("NewBridge() error = %v", err)
	}
	return b
}

func TestBridgeCall_RoundTrip(t *testing.T) {
	srv := fakeSidecar(t, func(f frame) *frame {
		if f.Type != "call" || f.Method != "getState" {
			t.Errorf("unexpected frame: %+v", f)
			return nil
		}
		payload, _ := json.Marshal(map[string]string{"state": "CONNECTED"})
		return &frame{Type: "result", ID: f.ID, Payload: payload}
	}, nil)
	defer srv.Close()

	b := newTestBridge(t, wsURL(srv))
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer b.Close()

	state, err := b.State(context.Background())
	if err != nil {
		t.Fatalf("State() error = %v", err)
	}
	if state != NativeConnected {
		t.Fatalf("State() = %q, want %q", state, NativeConnected)
	}
	if !state.Healthy() {
		t.Fatalf("Healthy() = false, want true")
	}
}

func TestBridgeCall_ErrorResult(t *testing.T) {
	srv := fakeSidecar(t, func(f frame) *frame {
		return &frame{Type: "result", ID: f.ID, Error: "session not started"}
	}, nil)
	defer srv.Close()

	b := newTestBridge(t, wsURL(srv))
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer b.Close()

	err := b.Initialize(context.Background())
	if err == nil || !strings.Contains(err.Error(), "session not started") {
		t.Fatalf("Initialize() error = %v, want sidecar error", err)
	}
}

func TestBridgeCall_Timeout(t *testing.T) {
	srv := fakeSidecar(t, func(frame) *frame { return nil }, nil)
	defer srv.Close()

	b, err := NewBridge(BridgeOptions{URL: wsURL(srv), CallTimeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewBridge() error = %v", err)
	}
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer b.Close()

	if err := b.Initialize(context.Background()); err == nil {
		t.Fatalf("Initialize() error = nil, want timeout")
	}
}

func TestBridgeEvents_DispatchToHandler(t *testing.T) {
	conns := make(chan *websocket.Conn, 1)
	srv := fakeSidecar(t, func(frame) *frame { return nil }, conns)
	defer srv.Close()

	b := newTestBridge(t, wsURL(srv))
	h := newRecordingHandler()
	b.SetHandler(h)
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer b.Close()

	conn := <-conns
	if err := conn.WriteJSON(frame{Type: "event", Event: "ready"}); err != nil {
		t.Fatalf("write ready: %v", err)
	}
	payload, _ := json.Marshal(RawMessage{ID: "m1", ChatID: "c1", Kind: "chat", Body: "hi"})
	if err := conn.WriteJSON(frame{Type: "event", Event: "message", Payload: payload}); err != nil {
		t.Fatalf("write message: %v", err)
	}

	select {
	case <-h.ready:
	case <-time.After(2 * time.Second):
		t.Fatalf("ready event not dispatched")
	}
	select {
	case msg := <-h.messages:
		if msg.ID != "m1" || msg.Body != "hi" {
			t.Fatalf("message = %+v, want id m1 body hi", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("message event not dispatched")
	}
}

func TestBridge_SocketDropReportsBridgeDisconnected(t *testing.T) {
	conns := make(chan *websocket.Conn, 1)
	srv := fakeSidecar(t, func(frame) *frame { return nil }, conns)
	defer srv.Close()

	b := newTestBridge(t, wsURL(srv))
	h := newRecordingHandler()
	b.SetHandler(h)
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	conn := <-conns
	_ = conn.Close()

	select {
	case reason := <-h.disconnected:
		if reason != "BRIDGE_DISCONNECTED" {
			t.Fatalf("disconnect reason = %q, want BRIDGE_DISCONNECTED", reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("disconnect not reported")
	}
}
