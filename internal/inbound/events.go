// Package inbound converts raw driver callbacks into normalized events on
// the durable queue: exactly once per logical event, with throttled
// side-effects, without ever blocking the driver's callback loop.
package inbound

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Queue topics carrying normalized events to the downstream processing
// service, and the internal group-sync task.
const (
	TopicMessageReceived = "event.message.received.v1"
	TopicMessageAck      = "event.message.ack.v1"
	TopicReaction        = "event.reaction.v1"
	TopicGroupMembership = "event.group.membership.v1"
	TopicGroupSync       = "task.group.sync.v1"
)

// Envelope wraps every published event with routing and tracing keys.
type Envelope struct {
	EventID         string          `json:"event_id"`
	Topic           string          `json:"topic"`
	ConversationKey string          `json:"conversation_key"`
	IdempotencyKey  string          `json:"idempotency_key"`
	CorrelationID   string          `json:"correlation_id"`
	OccurredAt      time.Time       `json:"occurred_at"`
	Payload         json.RawMessage `json:"payload"`
}

func newEnvelope(topic, conversationKey, idempotencyKey string, occurredAt time.Time, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("inbound: marshal %s payload: %w", topic, err)
	}
	return Envelope{
		EventID:         uuid.NewString(),
		Topic:           topic,
		ConversationKey: conversationKey,
		IdempotencyKey:  idempotencyKey,
		CorrelationID:   uuid.NewString(),
		OccurredAt:      occurredAt,
		Payload:         raw,
	}, nil
}

// MessageReceived is the normalized inbound-message shape.
type MessageReceived struct {
	MessageID  string           `json:"message_id"`
	ChatID     string           `json:"chat_id"`
	ChatName   string           `json:"chat_name,omitempty"`
	IsGroup    bool             `json:"is_group"`
	SenderID   string           `json:"sender_id"`
	SenderName string           `json:"sender_name,omitempty"`
	Body       string           `json:"body,omitempty"`
	Media      *MediaDescriptor `json:"media,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
}

// AckStatus is the normalized delivery-acknowledgement level.
type AckStatus string

const (
	AckSent      AckStatus = "SENT"
	AckDelivered AckStatus = "DELIVERED"
	AckRead      AckStatus = "READ"
)

// MessageAck reports delivery progress for a self-sent message.
type MessageAck struct {
	MessageID string    `json:"message_id"`
	ChatID    string    `json:"chat_id"`
	Status    AckStatus `json:"status"`
}

// mapAckCode maps the native numeric ack code onto the fixed thresholds.
// Codes below 1 carry no delivery signal.
func mapAckCode(code int) (AckStatus, bool) {
	switch {
	case code >= 3:
		return AckRead, true
	case code == 2:
		return AckDelivered, true
	case code == 1:
		return AckSent, true
	default:
		return "", false
	}
}

// ReactionAction distinguishes adding a reaction from removing one.
type ReactionAction string

const (
	ReactionAdded   ReactionAction = "added"
	ReactionRemoved ReactionAction = "removed"
)

// ConsentSignal is the consent meaning carried by specific emoji sets.
type ConsentSignal string

const (
	ConsentAccept ConsentSignal = "consent_accept"
	ConsentReject ConsentSignal = "consent_reject"
	ConsentNone   ConsentSignal = ""
)

// Reaction is the normalized reaction event. Exactly one is published per
// native reaction callback.
type Reaction struct {
	MessageID string         `json:"message_id"`
	ChatID    string         `json:"chat_id"`
	SenderID  string         `json:"sender_id"`
	Emoji     string         `json:"emoji,omitempty"`
	Action    ReactionAction `json:"action"`
	Consent   ConsentSignal  `json:"consent,omitempty"`
}

var (
	thumbsUpEmojis = map[string]bool{
		"\U0001F44D":           true, // 👍
		"\U0001F44D\U0001F3FB": true,
		"\U0001F44D\U0001F3FC": true,
		"\U0001F44D\U0001F3FD": true,
		"\U0001F44D\U0001F3FE": true,
		"\U0001F44D\U0001F3FF": true,
	}
	thumbsDownEmojis = map[string]bool{
		"\U0001F44E":           true, // 👎
		"\U0001F44E\U0001F3FB": true,
		"\U0001F44E\U0001F3FC": true,
		"\U0001F44E\U0001F3FD": true,
		"\U0001F44E\U0001F3FE": true,
		"\U0001F44E\U0001F3FF": true,
	}
)

// classifyReaction maps an emoji onto the action/consent pair. An empty
// emoji means the reaction was removed; emojis outside the fixed thumbs sets
// carry no consent signal but still produce an event.
func classifyReaction(emoji string) (ReactionAction, ConsentSignal) {
	if emoji == "" {
		return ReactionRemoved, ConsentNone
	}
	switch {
	case thumbsUpEmojis[emoji]:
		return ReactionAdded, ConsentAccept
	case thumbsDownEmojis[emoji]:
		return ReactionAdded, ConsentReject
	default:
		return ReactionAdded, ConsentNone
	}
}

// MembershipChange is the normalized group-membership event.
type MembershipChange struct {
	GroupID     string    `json:"group_id"`
	ActorID     string    `json:"actor_id,omitempty"`
	AffectedIDs []string  `json:"affected_ids,omitempty"`
	Change      string    `json:"change"` // join|leave|admin_changed
	Timestamp   time.Time `json:"timestamp"`
}

// GroupSyncTask asks the downstream service to refresh a group's membership.
type GroupSyncTask struct {
	GroupID      string   `json:"group_id"`
	GroupName    string   `json:"group_name,omitempty"`
	Participants []string `json:"participants,omitempty"`
}
