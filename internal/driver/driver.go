// Package driver models the contract of the browser-automation session
// driver: the calls the core issues against it and the callbacks it emits.
// The driver itself runs out of process; internal/driver ships the websocket
// bridge client that speaks to it.
package driver

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotConnected = errors.New("driver: bridge not connected")
	ErrCallTimeout  = errors.New("driver: call timed out")
	ErrClosed       = errors.New("driver: bridge closed")
)

// NativeState is the driver's own connection state string, reported verbatim
// by the automation layer. Only the lifecycle manager interprets it.
type NativeState string

const (
	NativeConnected    NativeState = "CONNECTED"
	NativeOpening      NativeState = "OPENING"
	NativePairing      NativeState = "PAIRING"
	NativeUnpaired     NativeState = "UNPAIRED"
	NativeTimeout      NativeState = "TIMEOUT"
	NativeConflict     NativeState = "CONFLICT"
	NativeDeprecated   NativeState = "DEPRECATED_VERSION"
	NativeProxyblock   NativeState = "PROXYBLOCK"
	NativeSmbTosBlock  NativeState = "SMB_TOS_BLOCK"
	NativeTosBlock     NativeState = "TOS_BLOCK"
	NativeUnlaunched   NativeState = "UNLAUNCHED"
	NativeUnknownState NativeState = "UNKNOWN"
)

// Healthy reports whether the native state counts as a working session.
func (s NativeState) Healthy() bool {
	return s == NativeConnected
}

// RawMessage is an inbound message exactly as the driver reports it.
type RawMessage struct {
	ID           string    `json:"id"`
	ChatID       string    `json:"chat_id"`
	AuthorID     string    `json:"author_id"`
	FromSelf     bool      `json:"from_self"`
	Kind         string    `json:"kind"` // chat|image|video|audio|ptt|document|sticker|location|vcard|...
	Body         string    `json:"body,omitempty"`
	HasMedia     bool      `json:"has_media,omitempty"`
	MediaMime    string    `json:"media_mime,omitempty"`
	MediaName    string    `json:"media_name,omitempty"`
	MediaRef     string    `json:"media_ref,omitempty"`
	Latitude     float64   `json:"latitude,omitempty"`
	Longitude    float64   `json:"longitude,omitempty"`
	VCard        string    `json:"vcard,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	NotifyName   string    `json:"notify_name,omitempty"`
	DeviceType   string    `json:"device_type,omitempty"`
	IsForwarded  bool      `json:"is_forwarded,omitempty"`
	MentionedIDs []string  `json:"mentioned_ids,omitempty"`
}

// RawAck is a delivery acknowledgement callback. Code carries the network's
// numeric ack level.
type RawAck struct {
	MessageID string `json:"message_id"`
	ChatID    string `json:"chat_id"`
	FromSelf  bool   `json:"from_self"`
	Code      int    `json:"code"`
}

// RawReaction is a reaction callback. An empty Emoji means the reaction was
// removed.
type RawReaction struct {
	MessageID string    `json:"message_id"`
	ChatID    string    `json:"chat_id"`
	SenderID  string    `json:"sender_id"`
	Emoji     string    `json:"emoji"`
	Timestamp time.Time `json:"timestamp"`
}

// GroupNotificationKind distinguishes the membership callbacks.
type GroupNotificationKind string

const (
	GroupJoin         GroupNotificationKind = "join"
	GroupLeave        GroupNotificationKind = "leave"
	GroupAdminChanged GroupNotificationKind = "admin_changed"
)

// GroupNotification is a membership-change callback.
type GroupNotification struct {
	GroupID     string                `json:"group_id"`
	ActorID     string                `json:"actor_id"`
	AffectedIDs []string              `json:"affected_ids"`
	Kind        GroupNotificationKind `json:"kind"`
	Timestamp   time.Time             `json:"timestamp"`
}

// Media is an outbound attachment in the form the driver accepts.
type Media struct {
	MimeType string `json:"mime_type"`
	Filename string `json:"filename,omitempty"`
	Data     []byte `json:"data"`
}

// ChatInfo is the chat metadata the driver resolves on demand.
type ChatInfo struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	IsGroup      bool     `json:"is_group"`
	Participants []string `json:"participants,omitempty"`
}

// ContactInfo is the contact metadata the driver resolves on demand.
type ContactInfo struct {
	ID          string `json:"id"`
	PushName    string `json:"push_name,omitempty"`
	Number      string `json:"number,omitempty"`
	IsBusiness  bool   `json:"is_business,omitempty"`
	ProfilePic  string `json:"profile_pic,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

// Handler receives the driver's callbacks. All callbacks are dispatched from
// a single goroutine; implementations must return quickly and never block.
type Handler interface {
	OnReady()
	OnAuthChallenge(code string)
	OnAuthFailure(msg string)
	OnDisconnected(reason string)
	OnMessage(msg RawMessage)
	OnAck(ack RawAck)
	OnReaction(r RawReaction)
	OnGroupJoin(n GroupNotification)
	OnGroupLeave(n GroupNotification)
	OnGroupAdminChanged(n GroupNotification)
}

// Client is the call surface the core issues against the driver.
type Client interface {
	Initialize(ctx context.Context) error
	Destroy(ctx context.Context) error
	ResetState(ctx context.Context) error
	State(ctx context.Context) (NativeState, error)
	SendMessage(ctx context.Context, destination, content string, media *Media) (string, error)
	IsRegistered(ctx context.Context, destination string) (bool, error)
	ChatInfo(ctx context.Context, chatID string) (ChatInfo, error)
	ContactInfo(ctx context.Context, contactID string) (ContactInfo, error)
	SetHandler(h Handler)
}

// NopHandler implements Handler with no-ops so partial handlers can embed it.
type NopHandler struct{}

func (NopHandler) OnReady()                              {}
func (NopHandler) OnAuthChallenge(string)                {}
func (NopHandler) OnAuthFailure(string)                  {}
func (NopHandler) OnDisconnected(string)                 {}
func (NopHandler) OnMessage(RawMessage)                  {}
func (NopHandler) OnAck(RawAck)                          {}
func (NopHandler) OnReaction(RawReaction)                {}
func (NopHandler) OnGroupJoin(GroupNotification)         {}
func (NopHandler) OnGroupLeave(GroupNotification)        {}
func (NopHandler) OnGroupAdminChanged(GroupNotification) {}
