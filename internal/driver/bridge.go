package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	defaultCallTimeout = 60 * time.Second
	writeDeadline      = 10 * time.Second
)

// frame is the wire unit exchanged with the automation sidecar. Calls carry
// an ID and get exactly one matching result; events are one-way.
type frame struct {
	Type    string          `json:"type"` // call|result|event
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Bridge speaks the sidecar protocol over a single websocket. It implements
// Client. Events are dispatched to the handler from the read loop, one at a
// time, which is what keeps the single-threaded callback contract honest.
type Bridge struct {
	url         string
	token       string
	callTimeout time.Duration
	logger      *slog.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu      sync.Mutex
	pending map[string]chan frame
	handler Handler
	closed  bool
}

type BridgeOptions struct {
	URL         string
	Token       string
	CallTimeout time.Duration
	Logger      *slog.Logger
}

func NewBridge(opts BridgeOptions) (*Bridge, error) {
	url := strings.TrimSpace(opts.URL)
	if url == "" {
		return nil, fmt.Errorf("driver: bridge url is required")
	}
	callTimeout := opts.CallTimeout
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		url:         url,
		token:       strings.TrimSpace(opts.Token),
		callTimeout: callTimeout,
		logger:      logger,
		pending:     make(map[string]chan frame),
	}, nil
}

func (b *Bridge) SetHandler(h Handler) {
	b.mu.Lock()
	b.handler = h
	b.mu.Unlock()
}

// Connect dials the sidecar and starts the read loop. A dropped socket is
// reported to the handler as OnDisconnected("BRIDGE_DISCONNECTED"); session
// recovery stays the lifecycle manager's job.
func (b *Bridge) Connect(ctx context.Context) error {
	header := http.Header{}
	if b.token != "" {
		header.Set("Authorization", "Bearer "+b.token)
	}
	dialer := *websocket.DefaultDialer
	conn, _, err := dialer.DialContext(ctx, b.url, header)
	if err != nil {
		return fmt.Errorf("driver: dial bridge %s: %w", b.url, err)
	}

	b.writeMu.Lock()
	b.conn = conn
	b.writeMu.Unlock()
	b.mu.Lock()
	b.closed = false
	b.mu.Unlock()

	go b.readLoop(conn)
	return nil
}

// Close tears down the socket. Pending calls fail with ErrClosed.
func (b *Bridge) Close() error {
	b.writeMu.Lock()
	conn := b.conn
	b.conn = nil
	b.writeMu.Unlock()

	b.mu.Lock()
	b.closed = true
	for id, ch := range b.pending {
		delete(b.pending, id)
		close(ch)
	}
	b.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (b *Bridge) readLoop(conn *websocket.Conn) {
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			b.mu.Lock()
			closed := b.closed
			handler := b.handler
			for id, ch := range b.pending {
				delete(b.pending, id)
				close(ch)
			}
			b.mu.Unlock()
			if !closed {
				b.logger.Warn("bridge_read_loop_ended", "error", err.Error())
				if handler != nil {
					handler.OnDisconnected("BRIDGE_DISCONNECTED")
				}
			}
			return
		}
		switch f.Type {
		case "result":
			b.mu.Lock()
			ch, ok := b.pending[f.ID]
			if ok {
				delete(b.pending, f.ID)
			}
			b.mu.Unlock()
			if !ok {
				b.logger.Debug("bridge_orphan_result", "call_id", f.ID)
				continue
			}
			ch <- f
			close(ch)
		case "event":
			b.dispatchEvent(f)
		default:
			b.logger.Debug("bridge_unknown_frame", "frame_type", f.Type)
		}
	}
}

func (b *Bridge) dispatchEvent(f frame) {
	b.mu.Lock()
	handler := b.handler
	b.mu.Unlock()
	if handler == nil {
		return
	}

	decode := func(out any) bool {
		if err := json.Unmarshal(f.Payload, out); err != nil {
			b.logger.Warn("bridge_event_decode_error", "event", f.Event, "error", err.Error())
			return false
		}
		return true
	}

	switch f.Event {
	case "ready":
		handler.OnReady()
	case "auth_challenge":
		var p struct {
			Code string `json:"code"`
		}
		if decode(&p) {
			handler.OnAuthChallenge(p.Code)
		}
	case "auth_failure":
		var p struct {
			Message string `json:"message"`
		}
		if decode(&p) {
			handler.OnAuthFailure(p.Message)
		}
	case "disconnected":
		var p struct {
			Reason string `json:"reason"`
		}
		if decode(&p) {
			handler.OnDisconnected(p.Reason)
		}
	case "message":
		var msg RawMessage
		if decode(&msg) {
			handler.OnMessage(msg)
		}
	case "ack":
		var ack RawAck
		if decode(&ack) {
			handler.OnAck(ack)
		}
	case "reaction":
		var r RawReaction
		if decode(&r) {
			handler.OnReaction(r)
		}
	case "group_join":
		var n GroupNotification
		if decode(&n) {
			n.Kind = GroupJoin
			handler.OnGroupJoin(n)
		}
	case "group_leave":
		var n GroupNotification
		if decode(&n) {
			n.Kind = GroupLeave
			handler.OnGroupLeave(n)
		}
	case "group_admin_changed":
		var n GroupNotification
		if decode(&n) {
			n.Kind = GroupAdminChanged
			handler.OnGroupAdminChanged(n)
		}
	default:
		b.logger.Debug("bridge_unknown_event", "event", f.Event)
	}
}

func (b *Bridge) call(ctx context.Context, method string, params any, out any) error {
	b.writeMu.Lock()
	conn := b.conn
	b.writeMu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	var rawParams json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("driver: marshal %s params: %w", method, err)
		}
		rawParams = data
	}

	id := uuid.NewString()
	resultCh := make(chan frame, 1)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.pending[id] = resultCh
	b.mu.Unlock()

	f := frame{Type: "call", ID: id, Method: method, Params: rawParams}
	b.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	err := conn.WriteJSON(f)
	b.writeMu.Unlock()
	if err != nil {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
		return fmt.Errorf("driver: write %s: %w", method, err)
	}

	timer := time.NewTimer(b.callTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
		return ctx.Err()
	case <-timer.C:
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrCallTimeout, method)
	case result, ok := <-resultCh:
		if !ok {
			return ErrClosed
		}
		if result.Error != "" {
			return fmt.Errorf("driver: %s failed: %s", method, result.Error)
		}
		if out != nil && len(result.Payload) > 0 {
			if err := json.Unmarshal(result.Payload, out); err != nil {
				return fmt.Errorf("driver: decode %s result: %w", method, err)
			}
		}
		return nil
	}
}

func (b *Bridge) Initialize(ctx context.Context) error {
	return b.call(ctx, "initialize", nil, nil)
}

func (b *Bridge) Destroy(ctx context.Context) error {
	return b.call(ctx, "destroy", nil, nil)
}

func (b *Bridge) ResetState(ctx context.Context) error {
	return b.call(ctx, "resetState", nil, nil)
}

func (b *Bridge) State(ctx context.Context) (NativeState, error) {
	var p struct {
		State string `json:"state"`
	}
	if err := b.call(ctx, "getState", nil, &p); err != nil {
		return NativeUnknownState, err
	}
	state := NativeState(strings.TrimSpace(p.State))
	if state == "" {
		state = NativeUnknownState
	}
	return state, nil
}

func (b *Bridge) SendMessage(ctx context.Context, destination, content string, media *Media) (string, error) {
	params := struct {
		Destination string `json:"destination"`
		Content     string `json:"content"`
		Media       *Media `json:"media,omitempty"`
	}{Destination: destination, Content: content, Media: media}
	var p struct {
		MessageID string `json:"message_id"`
	}
	if err := b.call(ctx, "sendMessage", params, &p); err != nil {
		return "", err
	}
	return p.MessageID, nil
}

func (b *Bridge) IsRegistered(ctx context.Context, destination string) (bool, error) {
	params := struct {
		Destination string `json:"destination"`
	}{Destination: destination}
	var p struct {
		Registered bool `json:"registered"`
	}
	if err := b.call(ctx, "isRegistered", params, &p); err != nil {
		return false, err
	}
	return p.Registered, nil
}

func (b *Bridge) ChatInfo(ctx context.Context, chatID string) (ChatInfo, error) {
	params := struct {
		ChatID string `json:"chat_id"`
	}{ChatID: chatID}
	var info ChatInfo
	if err := b.call(ctx, "getChat", params, &info); err != nil {
		return ChatInfo{}, err
	}
	return info, nil
}

func (b *Bridge) ContactInfo(ctx context.Context, contactID string) (ContactInfo, error) {
	params := struct {
		ContactID string `json:"contact_id"`
	}{ContactID: contactID}
	var info ContactInfo
	if err := b.call(ctx, "getContact", params, &info); err != nil {
		return ContactInfo{}, err
	}
	return info, nil
}
